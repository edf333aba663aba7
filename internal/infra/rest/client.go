package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"live_quotes/internal/domain"
	"live_quotes/internal/infra"

	"github.com/shopspring/decimal"
)

const maxErrorBody = 512

// DefaultIndexSymbols are served from the Index path; everything else is Equity.
var DefaultIndexSymbols = []string{"SPX", "RUT", "NDX", "VIX", "XSP"}

// marketDataResponse is the body of GET /market-data/{type}/{symbol}.
// Values may be JSON strings or numbers.
type marketDataResponse struct {
	Data struct {
		Bid  decimal.NullDecimal `json:"bid"`
		Ask  decimal.NullDecimal `json:"ask"`
		Last decimal.NullDecimal `json:"last"`
		Mark decimal.NullDecimal `json:"mark"`
		Mid  decimal.NullDecimal `json:"mid"`
	} `json:"data"`
}

// APIError is a non-2xx response from the market data API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("market data api error %d: %s", e.StatusCode, e.Message)
}

// IsRetriable is true for server errors.
func (e *APIError) IsRetriable() bool {
	return e.StatusCode >= 500
}

// Client is a FallbackSource backed by the REST market data API.
type Client struct {
	baseURL    string
	token      string
	index      map[string]struct{}
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithIndexSymbols replaces the set of symbols routed to the Index path.
func WithIndexSymbols(symbols []string) Option {
	return func(c *Client) {
		c.index = make(map[string]struct{}, len(symbols))
		for _, s := range domain.NormalizeSymbols(symbols) {
			c.index[s] = struct{}{}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l.With("module", "rest_fallback")
		}
	}
}

// NewClient creates a client for baseURL. token is sent verbatim in the
// Authorization header when non-empty.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: slog.Default().With("module", "rest_fallback"),
	}
	WithIndexSymbols(DefaultIndexSymbols)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch pulls one quote. 429 becomes a RateLimitError, 5xx and transport
// failures are retriable NetworkErrors, other statuses are not retriable.
func (c *Client) Fetch(ctx context.Context, symbol string) (domain.PulledPrice, error) {
	sym := domain.NormalizeSymbol(symbol)
	if sym == "" {
		return domain.PulledPrice{}, domain.ErrInvalidSymbol
	}

	body, err := c.doRequest(ctx, sym, c.path(sym))
	if err != nil {
		return domain.PulledPrice{}, err
	}

	var resp marketDataResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.PulledPrice{}, domain.NewFatalNetworkError("decode", err)
	}

	p := domain.PulledPrice{
		Symbol: sym,
		Bid:    resp.Data.Bid,
		Ask:    resp.Data.Ask,
		Mid:    resp.Data.Mid,
		Last:   resp.Data.Last,
		Mark:   resp.Data.Mark,
	}
	if _, ok := p.Price(); !ok {
		return domain.PulledPrice{}, domain.ErrNoPrice
	}
	return p, nil
}

func (c *Client) path(sym string) string {
	instrument := "Equity"
	if _, ok := c.index[sym]; ok {
		instrument = "Index"
	}
	return "/market-data/" + instrument + "/" + url.PathEscape(sym)
}

func (c *Client) doRequest(ctx context.Context, sym, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", infra.DefaultUserAgent)
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError("fetch", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewNetworkError("read", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &domain.RateLimitError{
			Symbol:     sym,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        &APIError{StatusCode: resp.StatusCode, Message: truncate(body)},
		}
	case resp.StatusCode >= 500:
		return nil, domain.NewNetworkError("fetch", &APIError{StatusCode: resp.StatusCode, Message: truncate(body)})
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, domain.NewFatalNetworkError("fetch", &APIError{StatusCode: resp.StatusCode, Message: truncate(body)})
	}

	c.logger.Debug("market data fetched", slog.String("path", path), slog.Int("bytes", len(body)))
	return body, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
