// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the configuration of the document server.
type Config struct {
	DocDBPath     string // path to the SQLite document file (default "doc.sqlite")
	DocID         string // document id used in logs and metrics (default: file name)
	DirectoryPath string // optional YAML list of users for view-as lookups
	SeedPath      string // optional scenario fixture loaded into an empty document
	ListenAddr    string // HTTP listen address (default ":8080")
	LogLevel      string // log level: debug, info, warn, error (default "info")
	Env           string // environment: "development" (default) or "production"

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 100)
	RateLimitBurst int     // burst capacity (default 200)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	// Access engine
	RecoveryMode         bool // open documents whose access rules are broken
	BroadcastConcurrency int  // sessions filtered at once per broadcast (default 8)
	RuleMaxSteps         uint64

	// TrustIdentityHeaders accepts X-User-* headers from callers. It
	// defaults to true in development only.
	TrustIdentityHeaders bool
	// AllowHeaderIdentity must be set to trust identity headers in
	// production, where a proxy is expected to set them.
	AllowHeaderIdentity bool
	// AllowAnonymous lets requests without identity through as anonymous
	// sessions.
	AllowAnonymous bool

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

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		DocDBPath:           os.Getenv("DOC_DB_PATH"),
		DocID:               os.Getenv("DOC_ID"),
		DirectoryPath:       os.Getenv("DIRECTORY_PATH"),
		SeedPath:            os.Getenv("SEED_PATH"),
		ListenAddr:          os.Getenv("LISTEN_ADDR"),
		LogLevel:            os.Getenv("LOG_LEVEL"),
		Env:                 os.Getenv("ENV"),
		RecoveryMode:        parseBoolEnvDefault("RECOVERY_MODE", false),
		AllowHeaderIdentity: parseBoolEnvDefault("ALLOW_HEADER_IDENTITY", false),
		AllowAnonymous:      parseBoolEnvDefault("ALLOW_ANONYMOUS", true),
	}
	cfg.TrustIdentityHeaders = parseBoolEnvDefault("TRUST_IDENTITY_HEADERS", !cfg.IsProduction())

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_RPS %q: %w", v, err)
		}
		cfg.RateLimitRPS = f
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_BURST %q: %w", v, err)
		}
		cfg.RateLimitBurst = n
	}
	if v := os.Getenv("BROADCAST_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid BROADCAST_CONCURRENCY %q: must be a positive integer", v)
		}
		cfg.BroadcastConcurrency = n
	}
	if v := os.Getenv("RULE_MAX_STEPS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid RULE_MAX_STEPS %q: %w", v, err)
		}
		cfg.RuleMaxSteps = n
	}

	// CORS
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = compactNonEmpty(origins)
	}

	// Defaults
	if cfg.DocDBPath == "" {
		cfg.DocDBPath = "doc.sqlite"
	}
	if cfg.DocID == "" {
		cfg.DocID = strings.TrimSuffix(filepath.Base(cfg.DocDBPath), filepath.Ext(cfg.DocDBPath))
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 200
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if cfg.BroadcastConcurrency == 0 {
		cfg.BroadcastConcurrency = 8
	}
	if cfg.RuleMaxSteps == 0 {
		cfg.RuleMaxSteps = 10000
	}
	if cfg.RecoveryMode {
		cfg.Warnings = append(cfg.Warnings, "RECOVERY_MODE is on: broken access rules will not block the document")
	}
	if !cfg.TrustIdentityHeaders {
		cfg.Warnings = append(cfg.Warnings, "TRUST_IDENTITY_HEADERS is off: every request is anonymous")
	}

	// Production mode: insecure settings are fatal errors.
	if cfg.IsProduction() {
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
		if cfg.TrustIdentityHeaders && !cfg.AllowHeaderIdentity {
			return nil, fmt.Errorf("TRUST_IDENTITY_HEADERS requires ALLOW_HEADER_IDENTITY=true in production (ENV=production)")
		}
	}

	return cfg, nil
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
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

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = stripQuotes(value)
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
