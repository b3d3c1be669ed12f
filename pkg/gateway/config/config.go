package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	LogFormat string
	LogLevel  string

	// Realtime backend.
	BackendURL         string
	BackendModel       string
	BackendAPIKey      string
	BackendDialTimeout time.Duration

	// Agent profile; empty uses the built-in receptionist.
	ProfilePath string

	// Tool lookup service.
	LookupURL          string
	LookupToken        string
	ToolTimeout        time.Duration
	MaxConcurrentTools int

	// Call reporting.
	ReportURL         string
	ReportRedisAddr   string
	ReportRedisStream string
	ReportTimeout     time.Duration
	ReportQueueSize   int

	// Per-call relay limits.
	PendingMediaFrames int
	OutboundQueueSize  int
	BackpressureGrace  time.Duration
	WSWriteTimeout     time.Duration
	WSPingInterval     time.Duration
	WSMaxMessageBytes  int64
	MaxCallDuration    time.Duration

	// Call admission per caller address; zero disables a limit.
	CallRatePerSecond      float64
	CallBurst              int
	MaxConcurrentPerCaller int

	MetricsEnabled bool

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                   envOr("CALLBRIDGE_ADDR", defaultAddr()),
		LogFormat:              strings.ToLower(envOr("CALLBRIDGE_LOG_FORMAT", "text")),
		LogLevel:               strings.ToLower(envOr("CALLBRIDGE_LOG_LEVEL", "info")),
		BackendURL:             envOr("CALLBRIDGE_BACKEND_URL", "wss://api.openai.com/v1/realtime"),
		BackendModel:           envOr("CALLBRIDGE_BACKEND_MODEL", "gpt-4o-mini-realtime-preview"),
		BackendAPIKey:          envOr("CALLBRIDGE_BACKEND_API_KEY", envOr("OPENAI_API_KEY", "")),
		BackendDialTimeout:     envDurationOr("CALLBRIDGE_BACKEND_DIAL_TIMEOUT", 10*time.Second),
		ProfilePath:            envOr("CALLBRIDGE_PROFILE_PATH", ""),
		LookupURL:              envOr("CALLBRIDGE_LOOKUP_URL", ""),
		LookupToken:            envOr("CALLBRIDGE_LOOKUP_TOKEN", ""),
		ToolTimeout:            envDurationOr("CALLBRIDGE_TOOL_TIMEOUT", 8*time.Second),
		MaxConcurrentTools:     envIntOr("CALLBRIDGE_MAX_CONCURRENT_TOOLS", 4),
		ReportURL:              envOr("CALLBRIDGE_REPORT_URL", ""),
		ReportRedisAddr:        envOr("CALLBRIDGE_REPORT_REDIS_ADDR", ""),
		ReportRedisStream:      envOr("CALLBRIDGE_REPORT_REDIS_STREAM", "callbridge:calls"),
		ReportTimeout:          envDurationOr("CALLBRIDGE_REPORT_TIMEOUT", 5*time.Second),
		ReportQueueSize:        envIntOr("CALLBRIDGE_REPORT_QUEUE_SIZE", 256),
		PendingMediaFrames:     envIntOr("CALLBRIDGE_PENDING_MEDIA_FRAMES", 200),
		OutboundQueueSize:      envIntOr("CALLBRIDGE_OUTBOUND_QUEUE_SIZE", 256),
		BackpressureGrace:      envDurationOr("CALLBRIDGE_BACKPRESSURE_GRACE", 2*time.Second),
		WSWriteTimeout:         envDurationOr("CALLBRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:         envDurationOr("CALLBRIDGE_WS_PING_INTERVAL", 20*time.Second),
		WSMaxMessageBytes:      envInt64Or("CALLBRIDGE_WS_MAX_MESSAGE_BYTES", 1<<20),
		MaxCallDuration:        envDurationOr("CALLBRIDGE_MAX_CALL_DURATION", 2*time.Hour),
		CallRatePerSecond:      envFloat64Or("CALLBRIDGE_CALL_RATE_PER_SECOND", 0),
		CallBurst:              envIntOr("CALLBRIDGE_CALL_BURST", 0),
		MaxConcurrentPerCaller: envIntOr("CALLBRIDGE_MAX_CONCURRENT_PER_CALLER", 0),
		MetricsEnabled:         envBoolOr("CALLBRIDGE_METRICS_ENABLED", true),
		ReadHeaderTimeout:      envDurationOr("CALLBRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:    envDurationOr("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("CALLBRIDGE_LOG_FORMAT must be one of text|json")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("CALLBRIDGE_LOG_LEVEL must be one of debug|info|warn|error")
	}

	if cfg.BackendAPIKey == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_BACKEND_API_KEY (or OPENAI_API_KEY) must be set")
	}
	if u, err := url.Parse(cfg.BackendURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return Config{}, fmt.Errorf("CALLBRIDGE_BACKEND_URL must be a ws:// or wss:// url")
	}
	if cfg.LookupURL != "" {
		if err := validateHTTPURL(cfg.LookupURL); err != nil {
			return Config{}, fmt.Errorf("CALLBRIDGE_LOOKUP_URL %w", err)
		}
	}
	if cfg.ReportURL != "" {
		if err := validateHTTPURL(cfg.ReportURL); err != nil {
			return Config{}, fmt.Errorf("CALLBRIDGE_REPORT_URL %w", err)
		}
	}

	if cfg.BackendDialTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_BACKEND_DIAL_TIMEOUT must be > 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_TOOL_TIMEOUT must be > 0")
	}
	if cfg.MaxConcurrentTools <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MAX_CONCURRENT_TOOLS must be > 0")
	}
	if cfg.ReportTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_REPORT_TIMEOUT must be > 0")
	}
	if cfg.ReportQueueSize <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_REPORT_QUEUE_SIZE must be > 0")
	}
	if cfg.PendingMediaFrames <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_PENDING_MEDIA_FRAMES must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.BackpressureGrace <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_BACKPRESSURE_GRACE must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxCallDuration <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MAX_CALL_DURATION must be > 0")
	}
	if cfg.CallRatePerSecond < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_CALL_RATE_PER_SECOND must be >= 0")
	}
	if cfg.CallBurst < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_CALL_BURST must be >= 0")
	}
	if (cfg.CallRatePerSecond > 0) != (cfg.CallBurst > 0) {
		return Config{}, fmt.Errorf("CALLBRIDGE_CALL_RATE_PER_SECOND and CALLBRIDGE_CALL_BURST must be set together")
	}
	if cfg.MaxConcurrentPerCaller < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MAX_CONCURRENT_PER_CALLER must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// defaultAddr honors PORT for platforms that inject it.
func defaultAddr() string {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		return ":" + port
	}
	return ":8080"
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an http:// or https:// url")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
