package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"live_quotes/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is sent by the REST fallback and websocket dialer.
	DefaultUserAgent = "live-quotes/1.0"

	defaultReceivePoll        = time.Second
	defaultReconnectBaseDelay = time.Second
	defaultReconnectMaxDelay  = 30 * time.Second
	defaultIdleRetry          = time.Second
	defaultStopTimeout        = 5 * time.Second
	defaultHandshakeTimeout   = 10 * time.Second
	defaultFallbackTimeout    = 5 * time.Second
	defaultFallbackCooldown   = 10 * time.Second
	defaultMaxAge             = 3 * time.Second
	defaultPollInterval       = 25 * time.Millisecond
	defaultJournalRetention   = 7 * 24 * time.Hour
	defaultMirrorTTL          = time.Minute
	defaultMirrorBuffer       = 256
	defaultHTTPAddr           = ":8080"
)

// Stream modes.
const (
	ModeWebsocket = "websocket"
	ModeSimulated = "simulated"
	ModeREST      = "rest"
	ModeNone      = "none"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Stream struct {
		Mode               string        `yaml:"mode"`
		WSURL              string        `yaml:"ws_url"`
		Token              string        `yaml:"token"`
		Symbols            []string      `yaml:"symbols"`
		ReceivePoll        time.Duration `yaml:"receive_poll"`
		ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
		ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
		IdleRetry          time.Duration `yaml:"idle_retry"`
		StopTimeout        time.Duration `yaml:"stop_timeout"`
		HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	} `yaml:"stream"`

	Fallback struct {
		Mode         string        `yaml:"mode"`
		RestURL      string        `yaml:"rest_url"`
		Token        string        `yaml:"token"`
		Timeout      time.Duration `yaml:"timeout"`
		Cooldown     time.Duration `yaml:"cooldown"`
		IndexSymbols []string      `yaml:"index_symbols"`
	} `yaml:"fallback"`

	Resolver struct {
		MaxAge       time.Duration `yaml:"max_age"`
		WaitBudget   time.Duration `yaml:"wait_budget"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"resolver"`

	Storage struct {
		JournalPath string        `yaml:"journal_path"` // empty disables the pull journal
		Retention   time.Duration `yaml:"retention"`
	} `yaml:"storage"`

	Mirror struct {
		RedisAddr string        `yaml:"redis_addr"` // empty disables the mirror
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		TTL       time.Duration `yaml:"ttl"`
		Buffer    int           `yaml:"buffer"`
	} `yaml:"mirror"`

	HTTP struct {
		Addr      string `yaml:"addr"`
		PprofAddr string `yaml:"pprof_addr"` // empty disables pprof
	} `yaml:"http"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"` // empty logs to stdout only
	} `yaml:"logging"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
// ${VAR} 참조는 파싱 전에 환경 변수로 치환됩니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	return ParseConfig([]byte(os.ExpandEnv(string(data))))
}

// ParseConfig parses YAML bytes, applies defaults and env overrides, and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	// 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "live-quotes"
	}

	if c.Stream.Mode == "" {
		c.Stream.Mode = ModeWebsocket
	}
	if len(c.Stream.Symbols) == 0 {
		c.Stream.Symbols = []string{"SPX", "XSP"}
	}
	if c.Stream.ReceivePoll == 0 {
		c.Stream.ReceivePoll = defaultReceivePoll
	}
	if c.Stream.ReconnectBaseDelay == 0 {
		c.Stream.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if c.Stream.ReconnectMaxDelay == 0 {
		c.Stream.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if c.Stream.IdleRetry == 0 {
		c.Stream.IdleRetry = defaultIdleRetry
	}
	if c.Stream.StopTimeout == 0 {
		c.Stream.StopTimeout = defaultStopTimeout
	}
	if c.Stream.HandshakeTimeout == 0 {
		c.Stream.HandshakeTimeout = defaultHandshakeTimeout
	}

	if c.Fallback.Mode == "" {
		c.Fallback.Mode = ModeREST
	}
	if c.Fallback.Timeout == 0 {
		c.Fallback.Timeout = defaultFallbackTimeout
	}
	if c.Fallback.Cooldown == 0 {
		c.Fallback.Cooldown = defaultFallbackCooldown
	}
	if len(c.Fallback.IndexSymbols) == 0 {
		c.Fallback.IndexSymbols = []string{"SPX", "RUT", "NDX", "VIX", "XSP"}
	}

	if c.Resolver.MaxAge == 0 {
		c.Resolver.MaxAge = defaultMaxAge
	}
	if c.Resolver.PollInterval == 0 {
		c.Resolver.PollInterval = defaultPollInterval
	}

	if c.Storage.Retention == 0 {
		c.Storage.Retention = defaultJournalRetention
	}

	if c.Mirror.TTL == 0 {
		c.Mirror.TTL = defaultMirrorTTL
	}
	if c.Mirror.Buffer == 0 {
		c.Mirror.Buffer = defaultMirrorBuffer
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = defaultHTTPAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	// Stream
	if len(domain.NormalizeSymbols(c.Stream.Symbols)) == 0 {
		return &domain.ConfigError{Field: "stream.symbols", Err: domain.ErrEmptySymbols}
	}
	switch c.Stream.Mode {
	case ModeWebsocket:
		if !strings.HasPrefix(c.Stream.WSURL, "ws://") && !strings.HasPrefix(c.Stream.WSURL, "wss://") {
			return &domain.ConfigError{Field: "stream.ws_url", Err: fmt.Errorf("invalid websocket URL %q", c.Stream.WSURL)}
		}
	case ModeSimulated:
	default:
		return &domain.ConfigError{Field: "stream.mode", Err: fmt.Errorf("unknown mode %q", c.Stream.Mode)}
	}
	if c.Stream.ReceivePoll < 0 {
		return &domain.ConfigError{Field: "stream.receive_poll", Err: errors.New("must not be negative")}
	}
	if c.Stream.ReconnectBaseDelay <= 0 || c.Stream.ReconnectBaseDelay > c.Stream.ReconnectMaxDelay {
		return &domain.ConfigError{
			Field: "stream.reconnect_base_delay",
			Err:   fmt.Errorf("base delay %s must be positive and <= max delay %s", c.Stream.ReconnectBaseDelay, c.Stream.ReconnectMaxDelay),
		}
	}

	// Fallback
	switch c.Fallback.Mode {
	case ModeREST:
		if !strings.HasPrefix(c.Fallback.RestURL, "http://") && !strings.HasPrefix(c.Fallback.RestURL, "https://") {
			return &domain.ConfigError{Field: "fallback.rest_url", Err: fmt.Errorf("invalid REST URL %q", c.Fallback.RestURL)}
		}
	case ModeSimulated, ModeNone:
	default:
		return &domain.ConfigError{Field: "fallback.mode", Err: fmt.Errorf("unknown mode %q", c.Fallback.Mode)}
	}
	if c.Fallback.Cooldown <= 0 {
		return &domain.ConfigError{Field: "fallback.cooldown", Err: errors.New("must be positive")}
	}

	// Resolver
	if c.Resolver.MaxAge <= 0 {
		return &domain.ConfigError{Field: "resolver.max_age", Err: errors.New("must be positive")}
	}
	if c.Resolver.WaitBudget < 0 {
		return &domain.ConfigError{Field: "resolver.wait_budget", Err: errors.New("must not be negative")}
	}
	if c.Resolver.PollInterval <= 0 {
		return &domain.ConfigError{Field: "resolver.poll_interval", Err: errors.New("must be positive")}
	}

	// Storage
	if c.Storage.Retention < 0 {
		return &domain.ConfigError{Field: "storage.retention", Err: errors.New("must not be negative")}
	}

	// Mirror
	if c.Mirror.Buffer < 0 {
		return &domain.ConfigError{Field: "mirror.buffer", Err: errors.New("must not be negative")}
	}

	return nil
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if token := os.Getenv("LIVEQUOTES_STREAM_TOKEN"); token != "" {
		cfg.Stream.Token = token
	}
	if token := os.Getenv("LIVEQUOTES_FALLBACK_TOKEN"); token != "" {
		cfg.Fallback.Token = token
	}
	if addr := os.Getenv("LIVEQUOTES_REDIS_ADDR"); addr != "" {
		cfg.Mirror.RedisAddr = addr
	}
	if level := os.Getenv("LIVEQUOTES_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
