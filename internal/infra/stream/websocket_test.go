package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"live_quotes/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

func newWSServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// drain blocks until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func readSubscribe(t *testing.T, conn *websocket.Conn) subscribeRequest {
	t.Helper()
	var req subscribeRequest
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("server read: %v", err)
		return req
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		t.Errorf("bad subscribe frame %s: %v", msg, err)
	}
	return req
}

func TestWebsocketConnector_SubscribeAndReceive(t *testing.T) {
	gotAuth := make(chan string, 1)
	gotSub := make(chan subscribeRequest, 1)

	_, url := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		gotSub <- readSubscribe(t, conn)

		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"quote","symbol":"SPX","bid":"4999.5","ask":5000.5,"seq":7}`))
		drain(conn)
	})

	c := NewWebsocketConnector(url, "secret-token")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sess, err := c.Open(ctx)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sess.Close()

	if err := sess.Subscribe(ctx, []string{"SPX", "XSP"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if auth := <-gotAuth; auth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", auth)
	}
	sub := <-gotSub
	if sub.Action != "subscribe" || sub.Ticket == "" || len(sub.Symbols) != 2 {
		t.Errorf("unexpected subscribe request: %+v", sub)
	}

	ev, err := sess.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if ev.Symbol != "SPX" || ev.Seq != 7 {
		t.Errorf("event = %+v", ev)
	}
	if !ev.Bid.Decimal.Equal(decimal.RequireFromString("4999.5")) || !ev.Ask.Decimal.Equal(decimal.RequireFromString("5000.5")) {
		t.Errorf("bid/ask = %s/%s", ev.Bid.Decimal, ev.Ask.Decimal)
	}
}

func TestWebsocketConnector_ReceiveTimeoutKeepsSession(t *testing.T) {
	_, url := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		readSubscribe(t, conn)
		time.Sleep(100 * time.Millisecond)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"quote","symbol":"XSP","bid":"499","ask":"501"}`))
		drain(conn)
	})

	sess, err := NewWebsocketConnector(url, "").Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	if err := sess.Subscribe(context.Background(), []string{"XSP"}); err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err = sess.Receive(short)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	long, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := sess.Receive(long)
	if err != nil {
		t.Fatalf("session should survive a receive timeout: %v", err)
	}
	if ev.Symbol != "XSP" || ev.Seq != 0 {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebsocketConnector_AddSymbols(t *testing.T) {
	subs := make(chan subscribeRequest, 2)
	_, url := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		subs <- readSubscribe(t, conn)
		subs <- readSubscribe(t, conn)
		drain(conn)
	})

	sess, err := NewWebsocketConnector(url, "").Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	inc, ok := sess.(domain.IncrementalSubscriber)
	if !ok {
		t.Fatal("websocket session should support incremental subscribe")
	}

	ctx := context.Background()
	if err := sess.Subscribe(ctx, []string{"SPX"}); err != nil {
		t.Fatal(err)
	}
	if err := inc.AddSymbols(ctx, []string{"NDX"}); err != nil {
		t.Fatal(err)
	}

	first, second := <-subs, <-subs
	if first.Ticket == second.Ticket {
		t.Error("each subscribe should carry a fresh ticket")
	}
	if len(second.Symbols) != 1 || second.Symbols[0] != "NDX" {
		t.Errorf("second subscribe = %+v", second)
	}
}

func TestWebsocketConnector_NormalCloseIsEndOfStream(t *testing.T) {
	_, url := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		readSubscribe(t, conn)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(50 * time.Millisecond)
	})

	sess, err := NewWebsocketConnector(url, "").Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()
	sess.Subscribe(context.Background(), []string{"SPX"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := sess.Receive(ctx); !errors.Is(err, domain.ErrEndOfStream) {
		t.Errorf("expected ErrEndOfStream, got %v", err)
	}
}

func TestWebsocketConnector_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewWebsocketConnector("ws"+strings.TrimPrefix(srv.URL, "http"), "bad").Open(context.Background())
	if err == nil {
		t.Fatal("expected dial error")
	}
	if domain.IsRetriable(err) {
		t.Errorf("auth failure should not be retriable: %v", err)
	}
}

func TestWebsocketSession_CloseUnblocksReceive(t *testing.T) {
	_, url := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		drain(conn)
	})

	sess, err := NewWebsocketConnector(url, "").Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := sess.Receive(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := sess.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	select {
	case err := <-errc:
		if err == nil {
			t.Error("Receive after Close should fail")
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}

	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSimulatedConnector(t *testing.T) {
	sess, err := NewSimulatedConnector(5 * time.Millisecond).Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := sess.Subscribe(ctx, []string{"SPX", "XSP"}); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	var lastSeq uint64
	for i := 0; i < 4; i++ {
		ev, err := sess.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if ev.Seq <= lastSeq {
			t.Errorf("seq not increasing: %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		if !ev.Bid.Valid || !ev.Ask.Valid || !ev.Ask.Decimal.GreaterThan(ev.Bid.Decimal) {
			t.Errorf("bad quote %+v", ev)
		}
		seen[ev.Symbol] = true
	}
	if !seen["SPX"] || !seen["XSP"] {
		t.Errorf("round robin missed a symbol: %v", seen)
	}
}
