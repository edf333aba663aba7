package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"live_quotes/internal/domain"
	"live_quotes/internal/infra"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	pingInterval  = 30 * time.Second
	readTimeout   = 60 * time.Second
	writeTimeout  = 5 * time.Second
	eventBuffer   = 256
	closeGrace    = time.Second
	quoteMsgType  = "quote"
	subscribeVerb = "subscribe"
)

// subscribeRequest is sent on connect and for every incremental add.
type subscribeRequest struct {
	Action  string   `json:"action"`
	Ticket  string   `json:"ticket"`
	Symbols []string `json:"symbols"`
}

// quoteMessage is one inbound frame. Prices may be JSON strings or numbers.
type quoteMessage struct {
	Type   string              `json:"type"`
	Symbol string              `json:"symbol"`
	Bid    decimal.NullDecimal `json:"bid"`
	Ask    decimal.NullDecimal `json:"ask"`
	Seq    uint64              `json:"seq"`
}

// WebsocketConnector opens quote sessions over a websocket feed.
type WebsocketConnector struct {
	url    string
	token  string
	dialer websocket.Dialer
	logger *slog.Logger
}

// WebsocketOption configures a WebsocketConnector.
type WebsocketOption func(*WebsocketConnector)

// WithHandshakeTimeout bounds the websocket handshake.
func WithHandshakeTimeout(d time.Duration) WebsocketOption {
	return func(c *WebsocketConnector) {
		c.dialer.HandshakeTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WebsocketOption {
	return func(c *WebsocketConnector) {
		if l != nil {
			c.logger = l.With("module", "ws_stream")
		}
	}
}

// NewWebsocketConnector creates a connector for url. token is sent as a
// bearer Authorization header when non-empty.
func NewWebsocketConnector(url, token string, opts ...WebsocketOption) *WebsocketConnector {
	c := &WebsocketConnector{
		url:   url,
		token: token,
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger: slog.Default().With("module", "ws_stream"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open dials the feed and starts reading frames in the background.
func (c *WebsocketConnector) Open(ctx context.Context) (domain.Session, error) {
	header := make(http.Header)
	header.Add("User-Agent", infra.DefaultUserAgent)
	if c.token != "" {
		header.Add("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, domain.NewFatalNetworkError("dial", fmt.Errorf("%w (status %d)", err, resp.StatusCode))
		}
		return nil, domain.NewNetworkError("dial", err)
	}

	s := &wsSession{
		id:     uuid.NewString(),
		conn:   conn,
		events: make(chan domain.RawEvent, eventBuffer),
		closed: make(chan struct{}),
		logger: c.logger,
	}
	s.logger = c.logger.With(slog.String("session", s.id))

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop()

	s.logger.Debug("websocket connected", slog.String("url", c.url))
	return s, nil
}

// wsSession is one websocket connection. A background reader converts frames
// into events so Receive can return on context cancellation without touching
// the connection.
type wsSession struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	events  chan domain.RawEvent // closed by readLoop on exit
	readErr error                // set before events is closed

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

func (s *wsSession) Subscribe(ctx context.Context, symbols []string) error {
	return s.sendSubscribe(ctx, symbols)
}

// AddSymbols subscribes additional symbols on the live connection.
func (s *wsSession) AddSymbols(ctx context.Context, symbols []string) error {
	return s.sendSubscribe(ctx, symbols)
}

func (s *wsSession) sendSubscribe(ctx context.Context, symbols []string) error {
	msg, err := json.Marshal(subscribeRequest{
		Action:  subscribeVerb,
		Ticket:  uuid.NewString(),
		Symbols: symbols,
	})
	if err != nil {
		return err
	}
	return s.write(ctx, websocket.TextMessage, msg)
}

// write sends one frame, honoring the earlier of ctx's deadline and writeTimeout.
func (s *wsSession) write(ctx context.Context, messageType int, data []byte) error {
	select {
	case <-s.closed:
		return domain.ErrNotConnected
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

// Receive returns the next quote. It returns ctx.Err() when ctx is done, the
// read error (ErrEndOfStream on a normal close) once the connection is gone,
// and ErrNotConnected after Close.
func (s *wsSession) Receive(ctx context.Context) (domain.RawEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return domain.RawEvent{}, s.readErr
		}
		return ev, nil
	case <-s.closed:
		return domain.RawEvent{}, domain.ErrNotConnected
	case <-ctx.Done():
		return domain.RawEvent{}, ctx.Err()
	}
}

func (s *wsSession) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			s.readErr = err
			return
		}

		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.readErr = domain.ErrEndOfStream
			} else {
				s.readErr = err
			}
			return
		}

		ev, ok := s.parse(message)
		if !ok {
			continue
		}

		select {
		case s.events <- ev:
		case <-s.closed:
			s.readErr = domain.ErrNotConnected
			return
		}
	}
}

// parse decodes a quote frame. Heartbeats, acks and anything that is not a
// quote are skipped.
func (s *wsSession) parse(message []byte) (domain.RawEvent, bool) {
	var msg quoteMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.logger.Debug("websocket message parse error", slog.Any("error", err))
		return domain.RawEvent{}, false
	}
	if msg.Type != quoteMsgType || msg.Symbol == "" {
		return domain.RawEvent{}, false
	}
	return domain.RawEvent{
		Symbol: msg.Symbol,
		Bid:    msg.Bid,
		Ask:    msg.Ask,
		Seq:    msg.Seq,
	}, true
}

func (s *wsSession) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug("websocket ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

// Close sends a close frame, tears down the connection and waits for the
// background goroutines.
func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		s.writeMu.Unlock()

		err = s.conn.Close()
		s.wg.Wait()
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
