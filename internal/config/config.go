package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr       = ":8080"
	defaultDBPath           = "hydra.db"
	defaultGatewayAddr      = ":7070"
	defaultGatewayTransport = "tcp"
	defaultVsockPort        = 7070
	defaultHeartbeatTimeout = 90 * time.Second
	defaultMonitorInterval  = 30 * time.Second
	defaultMaxAutoRetries   = 1
	defaultTimeoutSeconds   = 3600
	defaultMaxRetries       = 3
	defaultKafkaTopic       = "hydra.executions"
)

// Environment variables read by Load.
const (
	EnvListenAddr       = "HYDRA_LISTEN_ADDR"
	EnvDBPath           = "HYDRA_DB_PATH"
	EnvLogLevel         = "HYDRA_LOG_LEVEL"
	EnvGatewayAddr      = "HYDRA_GATEWAY_ADDR"
	EnvGatewayTransport = "HYDRA_GATEWAY_TRANSPORT"
	EnvVsockPort        = "HYDRA_GATEWAY_VSOCK_PORT"
	EnvNodeTokens       = "HYDRA_NODE_TOKENS"
	EnvHeartbeatTimeout = "HYDRA_HEARTBEAT_TIMEOUT"
	EnvMonitorInterval  = "HYDRA_MONITOR_INTERVAL"
	EnvMonitorEnabled   = "HYDRA_MONITOR_ENABLED"
	EnvAutoRetry        = "HYDRA_AUTO_RETRY"
	EnvMaxAutoRetries   = "HYDRA_MAX_AUTO_RETRIES"
	EnvTimeoutSeconds   = "HYDRA_DEFAULT_TIMEOUT_SECONDS"
	EnvMaxRetries       = "HYDRA_DEFAULT_MAX_RETRIES"
	EnvKafkaBrokers     = "HYDRA_KAFKA_BROKERS"
	EnvKafkaTopic       = "HYDRA_KAFKA_TOPIC"
	EnvRedisAddr        = "HYDRA_REDIS_ADDR"
	EnvOTLPEndpoint     = "HYDRA_OTLP_ENDPOINT"
	EnvControllerID     = "HYDRA_CONTROLLER_ID"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	GatewayAddr      string
	GatewayTransport string
	VsockPort        uint32
	NodeTokens       map[string]NodeCredential
	HeartbeatTimeout time.Duration

	MonitorInterval time.Duration
	MonitorEnabled  bool
	AutoRetry       bool
	MaxAutoRetries  int

	DefaultTimeoutSeconds int
	DefaultMaxRetries     int

	KafkaBrokers []string
	KafkaTopic   string
	RedisAddr    string
	OTLPEndpoint string
	ControllerID string
}

// NodeCredential is the identity a worker token resolves to.
type NodeCredential struct {
	NodeID   string
	TenantID string
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed numeric or duration values fall back to the default.
func Load() Config {
	host, _ := os.Hostname()
	cfg := Config{
		ListenAddr:            defaultListenAddr,
		DBPath:                defaultDBPath,
		LogLevel:              slog.LevelInfo,
		GatewayAddr:           defaultGatewayAddr,
		GatewayTransport:      defaultGatewayTransport,
		VsockPort:             defaultVsockPort,
		NodeTokens:            map[string]NodeCredential{},
		HeartbeatTimeout:      defaultHeartbeatTimeout,
		MonitorInterval:       defaultMonitorInterval,
		MonitorEnabled:        true,
		MaxAutoRetries:        defaultMaxAutoRetries,
		DefaultTimeoutSeconds: defaultTimeoutSeconds,
		DefaultMaxRetries:     defaultMaxRetries,
		KafkaTopic:            defaultKafkaTopic,
		ControllerID:          host,
	}

	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv(EnvGatewayAddr); v != "" {
		cfg.GatewayAddr = v
	}
	if v := os.Getenv(EnvGatewayTransport); v != "" {
		cfg.GatewayTransport = strings.ToLower(v)
	}
	if v, err := strconv.ParseUint(os.Getenv(EnvVsockPort), 10, 32); err == nil {
		cfg.VsockPort = uint32(v)
	}
	if v := os.Getenv(EnvNodeTokens); v != "" {
		if tokens, err := ParseNodeTokens(v); err == nil {
			cfg.NodeTokens = tokens
		}
	}
	if d, err := time.ParseDuration(os.Getenv(EnvHeartbeatTimeout)); err == nil && d > 0 {
		cfg.HeartbeatTimeout = d
	}
	if d, err := time.ParseDuration(os.Getenv(EnvMonitorInterval)); err == nil && d > 0 {
		cfg.MonitorInterval = d
	}
	if b, err := strconv.ParseBool(os.Getenv(EnvMonitorEnabled)); err == nil {
		cfg.MonitorEnabled = b
	}
	if b, err := strconv.ParseBool(os.Getenv(EnvAutoRetry)); err == nil {
		cfg.AutoRetry = b
	}
	if n, err := strconv.Atoi(os.Getenv(EnvMaxAutoRetries)); err == nil && n >= 0 {
		cfg.MaxAutoRetries = n
	}
	if n, err := strconv.Atoi(os.Getenv(EnvTimeoutSeconds)); err == nil && n > 0 {
		cfg.DefaultTimeoutSeconds = n
	}
	if n, err := strconv.Atoi(os.Getenv(EnvMaxRetries)); err == nil && n >= 0 {
		cfg.DefaultMaxRetries = n
	}
	if v := os.Getenv(EnvKafkaBrokers); v != "" {
		cfg.KafkaBrokers = SplitList(v)
	}
	if v := os.Getenv(EnvKafkaTopic); v != "" {
		cfg.KafkaTopic = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv(EnvOTLPEndpoint); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv(EnvControllerID); v != "" {
		cfg.ControllerID = v
	}

	return cfg
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseNodeTokens parses a comma separated list of token=nodeID[@tenant] pairs.
func ParseNodeTokens(s string) (map[string]NodeCredential, error) {
	out := make(map[string]NodeCredential)
	for _, entry := range SplitList(s) {
		token, ident, ok := strings.Cut(entry, "=")
		if !ok || token == "" || ident == "" {
			return nil, fmt.Errorf("node token %q: want token=nodeID[@tenant]", entry)
		}
		nodeID, tenant, _ := strings.Cut(ident, "@")
		if nodeID == "" {
			return nil, fmt.Errorf("node token %q: empty node id", entry)
		}
		out[token] = NodeCredential{NodeID: nodeID, TenantID: tenant}
	}
	return out, nil
}

// SplitList splits a comma separated value, trimming blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
