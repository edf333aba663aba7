package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"live_quotes/internal/domain"

	"github.com/gin-gonic/gin"
)

const (
	maxWaitBudget = 5 * time.Second
	maxPullLimit  = 500
)

// Resolver resolves one quote.
type Resolver interface {
	Resolve(ctx context.Context, symbol string, maxAge, waitBudget time.Duration) domain.ResolvedQuote
}

// Health reports ingestion liveness.
type Health interface {
	IsHealthy() bool
	Symbols() []string
}

// CacheStats exposes the cache size.
type CacheStats interface {
	Len() int
}

// PullHistory reads the fallback journal.
type PullHistory interface {
	Recent(ctx context.Context, symbol string, limit int) ([]domain.PullRecord, error)
}

// Handler serves the quote API.
type Handler struct {
	resolver   Resolver
	health     Health
	cache      CacheStats
	history    PullHistory // nil when the journal is disabled
	metrics    http.Handler
	maxAge     time.Duration
	waitBudget time.Duration
	logger     *slog.Logger
}

// Options carries the optional parts of a Handler.
type Options struct {
	History    PullHistory
	Metrics    http.Handler
	MaxAge     time.Duration
	WaitBudget time.Duration
	Logger     *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(resolver Resolver, health Health, cache CacheStats, opts Options) *Handler {
	h := &Handler{
		resolver:   resolver,
		health:     health,
		cache:      cache,
		history:    opts.History,
		metrics:    opts.Metrics,
		maxAge:     opts.MaxAge,
		waitBudget: opts.WaitBudget,
		logger:     opts.Logger,
	}
	if h.maxAge <= 0 {
		h.maxAge = 3 * time.Second
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("module", "httpapi")
	return h
}

// NewRouter builds a gin engine with every route registered.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes binds handlers to the engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)
	r.GET("/quotes/:symbol", h.GetQuote)
	if h.history != nil {
		r.GET("/pulls/:symbol", h.ListPulls)
	}
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}
}

// GetQuote resolves a quote. Unavailable is a normal 200 response.
func (h *Handler) GetQuote(c *gin.Context) {
	symbol := domain.NormalizeSymbol(c.Param("symbol"))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": domain.ErrInvalidSymbol.Error()})
		return
	}

	maxAge, ok := durationParam(c, "max_age", h.maxAge)
	if !ok || maxAge <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_age"})
		return
	}
	wait, ok := durationParam(c, "wait", h.waitBudget)
	if !ok || wait < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wait"})
		return
	}
	wait = min(wait, maxWaitBudget)

	c.JSON(http.StatusOK, h.resolver.Resolve(c.Request.Context(), symbol, maxAge, wait))
}

// Healthz reports ingestion health; 503 until the stream delivers data.
func (h *Handler) Healthz(c *gin.Context) {
	healthy := h.health.IsHealthy()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy": healthy,
		"symbols": h.health.Symbols(),
		"cached":  h.cache.Len(),
	})
}

// ListPulls returns recent journal rows for a symbol ("all" for every symbol).
func (h *Handler) ListPulls(c *gin.Context) {
	symbol := c.Param("symbol")
	if symbol == "all" {
		symbol = ""
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > maxPullLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	records, err := h.history.Recent(c.Request.Context(), symbol, limit)
	if err != nil {
		h.logger.Error("failed to read pull journal", slog.String("symbol", symbol), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal unavailable"})
		return
	}
	c.JSON(http.StatusOK, records)
}

func durationParam(c *gin.Context, name string, def time.Duration) (time.Duration, bool) {
	v := c.Query(name)
	if v == "" {
		return def, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}
