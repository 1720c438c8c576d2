// Package config handles application configuration and environment loading.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// UpstreamConfig describes how the orchestration server's REST API is reached.
type UpstreamConfig struct {
	Host           string        // API host; also the only accepted TLS server name (default "localhost")
	HTTPSPort      int           // default 8443
	HTTPPort       int           // default 8080, used after an HTTPS connect timeout
	ConnectTimeout time.Duration // default 1.5s
	Cooldown       time.Duration // bad-credential cooldown (default 10s)
}

// HostConfig holds the local paths the sampler, prober and latency collector read.
type HostConfig struct {
	SampleInterval  time.Duration // default 10s
	ProbeTimeout    time.Duration // default 1s
	ProcStatPath    string
	ProcNetDevPath  string
	ProcMeminfoPath string
	CatalinaLogPath string // application log scanned for latency and warehouse markers
	CatalinaArchive string // glob of rotated, gzipped application logs
	EmeraldLibGlob  string // glob of installed product jars
}

// Config holds the configuration for the SQL listeners, the HTTP API and the
// upstream connection.
type Config struct {
	ListenAddr          string // HTTP API listen address (default ":8090")
	PGWireListenAddr    string // PostgreSQL wire listener (default ":5433", "-" disables)
	FlightSQLListenAddr string // Flight SQL listener (empty disables)
	QueryLogPath        string // SQLite query history (default "metl_query_log.sqlite", "-" disables)
	LogLevel            string // log level: debug, info, warn, error (default "info")
	Env                 string // environment: "development" (default) or "production"

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 20)
	RateLimitBurst int     // burst capacity (default 40)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	Upstream UpstreamConfig
	Host     HostConfig

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// PGWireEnabled reports whether the PostgreSQL wire listener should start.
func (c *Config) PGWireEnabled() bool { return c.PGWireListenAddr != "" }

// FlightSQLEnabled reports whether the Flight SQL listener should start.
func (c *Config) FlightSQLEnabled() bool { return c.FlightSQLListenAddr != "" }

// QueryLogEnabled reports whether query history is persisted.
func (c *Config) QueryLogEnabled() bool { return c.QueryLogPath != "" }

// Default returns a Config populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:          os.Getenv("LISTEN_ADDR"),
		PGWireListenAddr:    os.Getenv("PG_WIRE_LISTEN_ADDR"),
		FlightSQLListenAddr: os.Getenv("FLIGHT_SQL_LISTEN_ADDR"),
		QueryLogPath:        os.Getenv("QUERY_LOG_PATH"),
		LogLevel:            os.Getenv("LOG_LEVEL"),
		Env:                 os.Getenv("ENV"),
		Upstream: UpstreamConfig{
			Host: os.Getenv("METL_API_HOST"),
		},
		Host: HostConfig{
			ProcStatPath:    os.Getenv("PROC_STAT_PATH"),
			ProcNetDevPath:  os.Getenv("PROC_NET_DEV_PATH"),
			ProcMeminfoPath: os.Getenv("PROC_MEMINFO_PATH"),
			CatalinaLogPath: os.Getenv("CATALINA_LOG_PATH"),
			CatalinaArchive: os.Getenv("CATALINA_ARCHIVE_GLOB"),
			EmeraldLibGlob:  os.Getenv("EMERALD_LIB_GLOB"),
		},
	}

	var err error
	if cfg.Upstream.HTTPSPort, err = parsePortEnv("METL_API_HTTPS_PORT"); err != nil {
		return nil, err
	}
	if cfg.Upstream.HTTPPort, err = parsePortEnv("METL_API_HTTP_PORT"); err != nil {
		return nil, err
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"METL_API_CONNECT_TIMEOUT", &cfg.Upstream.ConnectTimeout},
		{"CREDENTIAL_COOLDOWN", &cfg.Upstream.Cooldown},
		{"SAMPLER_INTERVAL", &cfg.Host.SampleInterval},
		{"PROBE_TIMEOUT", &cfg.Host.ProbeTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = parseDurationEnv(d.key); err != nil {
			return nil, err
		}
	}

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}

	// CORS
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = compactNonEmpty(origins)
	}

	cfg.applyDefaults()

	if cfg.Host.SampleInterval < time.Second {
		return nil, fmt.Errorf("SAMPLER_INTERVAL must be at least 1s, got %s", cfg.Host.SampleInterval)
	}
	if cfg.Upstream.Host != "localhost" && cfg.Upstream.Host != "127.0.0.1" {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf(
			"METL_API_HOST=%s is not local: certificate chains are not verified on the upstream connection", cfg.Upstream.Host))
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8090"
	}
	// "-" is the explicit off switch for listeners and stores that default on.
	switch c.PGWireListenAddr {
	case "":
		c.PGWireListenAddr = ":5433"
	case "-":
		c.PGWireListenAddr = ""
	}
	switch c.QueryLogPath {
	case "":
		c.QueryLogPath = "metl_query_log.sqlite"
	case "-":
		c.QueryLogPath = ""
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RateLimitRPS == 0 {
		c.RateLimitRPS = 20
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 40
	}
	if len(c.CORSAllowedOrigins) == 0 {
		c.CORSAllowedOrigins = []string{"*"}
	}

	u := &c.Upstream
	if u.Host == "" {
		u.Host = "localhost"
	}
	if u.HTTPSPort == 0 {
		u.HTTPSPort = 8443
	}
	if u.HTTPPort == 0 {
		u.HTTPPort = 8080
	}
	if u.ConnectTimeout == 0 {
		u.ConnectTimeout = 1500 * time.Millisecond
	}
	if u.Cooldown == 0 {
		u.Cooldown = 10 * time.Second
	}

	h := &c.Host
	if h.SampleInterval == 0 {
		h.SampleInterval = 10 * time.Second
	}
	if h.ProbeTimeout == 0 {
		h.ProbeTimeout = time.Second
	}
	if h.ProcStatPath == "" {
		h.ProcStatPath = "/proc/stat"
	}
	if h.ProcNetDevPath == "" {
		h.ProcNetDevPath = "/proc/net/dev"
	}
	if h.ProcMeminfoPath == "" {
		h.ProcMeminfoPath = "/proc/meminfo"
	}
	if h.CatalinaLogPath == "" {
		h.CatalinaLogPath = "/var/log/tomcat8/catalina.out"
	}
	if h.CatalinaArchive == "" {
		h.CatalinaArchive = "/var/log/tomcat8/catalina*.gz"
	}
	if h.EmeraldLibGlob == "" {
		h.EmeraldLibGlob = "/usr/share/emerald/WEB-INF/lib/emerald-1*.jar"
	}
}

func parsePortEnv(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 65535 {
		return 0, fmt.Errorf("%s must be a port number, got %q", key, v)
	}
	return n, nil
}

func parseDurationEnv(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadDotEnv copies KEY=VALUE lines from path into the process environment.
// Variables that already hold a value win over the file. A missing file is
// not an error.
func LoadDotEnv(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, n+1)
		}
		if os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, stripQuotes(strings.TrimSpace(value))); err != nil {
			return fmt.Errorf("%s:%d: %w", path, n+1, err)
		}
	}
	return nil
}

// stripQuotes drops one pair of matching outer quotes.
func stripQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if q := s[0]; (q == '"' || q == '\'') && s[len(s)-1] == q {
		return s[1 : len(s)-1]
	}
	return s
}
