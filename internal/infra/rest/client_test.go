package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"live_quotes/internal/domain"

	"github.com/shopspring/decimal"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Fetch(t *testing.T) {
	paths := make(chan string, 1)
	auths := make(chan string, 1)
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		auths <- r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"bid":"100.0","ask":"102.0","last":101.0,"mark":"101.0"}}`))
	})

	c := NewClient(srv.URL+"/", "session-token")
	p, err := c.Fetch(context.Background(), "spx")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if got := <-paths; got != "/market-data/Index/SPX" {
		t.Errorf("path = %q", got)
	}
	if got := <-auths; got != "session-token" {
		t.Errorf("Authorization = %q", got)
	}
	if p.Symbol != "SPX" || !p.Last.Decimal.Equal(decimal.NewFromInt(101)) {
		t.Errorf("unexpected price: %+v", p)
	}
	if price, ok := p.Price(); !ok || !price.Equal(decimal.NewFromInt(101)) {
		t.Errorf("Price = %s, want mark 101", price)
	}
}

func TestClient_EquityPath(t *testing.T) {
	paths := make(chan string, 2)
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		w.Write([]byte(`{"data":{"bid":"10.0","ask":"11.0"}}`))
	})

	p, err := NewClient(srv.URL, "").Fetch(context.Background(), "MSFT")
	if err != nil {
		t.Fatal(err)
	}
	if got := <-paths; got != "/market-data/Equity/MSFT" {
		t.Errorf("path = %q", got)
	}
	if price, _ := p.Price(); !price.Equal(decimal.RequireFromString("10.5")) {
		t.Errorf("Price = %s, want 10.5", price)
	}
}

func TestClient_CustomIndexSymbols(t *testing.T) {
	paths := make(chan string, 2)
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		w.Write([]byte(`{"data":{"last":"1"}}`))
	})

	c := NewClient(srv.URL, "", WithIndexSymbols([]string{"djx"}))
	if _, err := c.Fetch(context.Background(), "DJX"); err != nil {
		t.Fatal(err)
	}
	if got := <-paths; got != "/market-data/Index/DJX" {
		t.Errorf("path = %q", got)
	}
	c.Fetch(context.Background(), "SPX")
	if got := <-paths; got != "/market-data/Equity/SPX" {
		t.Errorf("SPX should no longer be an index, path = %q", got)
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		header      map[string]string
		body        string
		rateLimited bool
		retriable   bool
		target      error
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "2"}, rateLimited: true, retriable: true},
		{name: "server error", status: http.StatusBadGateway, retriable: true},
		{name: "not found", status: http.StatusNotFound},
		{name: "unauthorized", status: http.StatusUnauthorized},
		{name: "malformed body", status: http.StatusOK, body: `{"data":`},
		{name: "no price", status: http.StatusOK, body: `{"data":{"bid":"0","ask":null}}`, target: domain.ErrNoPrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := NewClient(srv.URL, "").Fetch(context.Background(), "SPX")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := domain.IsRateLimited(err); got != tt.rateLimited {
				t.Errorf("IsRateLimited = %v, want %v (%v)", got, tt.rateLimited, err)
			}
			if got := domain.IsRetriable(err); got != tt.retriable {
				t.Errorf("IsRetriable = %v, want %v (%v)", got, tt.retriable, err)
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("expected %v, got %v", tt.target, err)
			}
			if tt.rateLimited {
				var rl *domain.RateLimitError
				if errors.As(err, &rl) && (rl.RetryAfter != 2*time.Second || rl.Symbol != "SPX") {
					t.Errorf("RateLimitError = %+v", rl)
				}
			}
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	})

	start := time.Now()
	_, err := NewClient(srv.URL, "", WithTimeout(50*time.Millisecond)).Fetch(context.Background(), "SPX")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !domain.IsRetriable(err) {
		t.Errorf("timeout should be retriable: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Fetch took %s", elapsed)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("5"); got != 5*time.Second {
		t.Errorf("seconds: got %s", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("empty: got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Errorf("garbage: got %s", got)
	}
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > time.Minute {
		t.Errorf("http date: got %s", got)
	}
}

func TestSimulatedSource(t *testing.T) {
	s := NewSimulatedSource(0)

	p, err := s.Fetch(context.Background(), "xsp")
	if err != nil {
		t.Fatal(err)
	}
	price, ok := p.Price()
	if !ok || price.LessThan(decimal.NewFromInt(490)) || price.GreaterThan(decimal.NewFromInt(510)) {
		t.Errorf("price %s out of range", price)
	}

	slow := NewSimulatedSource(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := slow.Fetch(ctx, "SPX"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
