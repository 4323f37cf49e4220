package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DOC_DB_PATH", "DOC_ID", "DIRECTORY_PATH", "SEED_PATH", "LISTEN_ADDR", "LOG_LEVEL", "ENV",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ALLOWED_ORIGINS", "RECOVERY_MODE",
		"BROADCAST_CONCURRENCY", "RULE_MAX_STEPS", "TRUST_IDENTITY_HEADERS",
		"ALLOW_HEADER_IDENTITY", "ALLOW_ANONYMOUS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "doc.sqlite", cfg.DocDBPath)
	assert.Equal(t, "doc", cfg.DocID)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.InDelta(t, 100, cfg.RateLimitRPS, 0)
	assert.Equal(t, 200, cfg.RateLimitBurst)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 8, cfg.BroadcastConcurrency)
	assert.Equal(t, uint64(10000), cfg.RuleMaxSteps)
	assert.False(t, cfg.RecoveryMode)
	assert.True(t, cfg.TrustIdentityHeaders)
	assert.True(t, cfg.AllowAnonymous)
	assert.False(t, cfg.IsProduction())
	assert.Empty(t, cfg.Warnings)
}

func TestLoadFromEnv_AllVarsSet(t *testing.T) {
	clearEnv(t)
	t.Setenv("DOC_DB_PATH", "/data/budget.sqlite")
	t.Setenv("DIRECTORY_PATH", "/data/users.yaml")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("RATE_LIMIT_BURST", "5")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")
	t.Setenv("RECOVERY_MODE", "true")
	t.Setenv("BROADCAST_CONCURRENCY", "3")
	t.Setenv("RULE_MAX_STEPS", "500")
	t.Setenv("TRUST_IDENTITY_HEADERS", "false")
	t.Setenv("ALLOW_ANONYMOUS", "false")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/data/budget.sqlite", cfg.DocDBPath)
	assert.Equal(t, "budget", cfg.DocID)
	assert.Equal(t, "/data/users.yaml", cfg.DirectoryPath)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.InDelta(t, 2.5, cfg.RateLimitRPS, 0)
	assert.Equal(t, 5, cfg.RateLimitBurst)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.RecoveryMode)
	assert.Equal(t, 3, cfg.BroadcastConcurrency)
	assert.Equal(t, uint64(500), cfg.RuleMaxSteps)
	assert.False(t, cfg.TrustIdentityHeaders)
	assert.False(t, cfg.AllowAnonymous)
	assert.Len(t, cfg.Warnings, 2)
}

func TestLoadFromEnv_InvalidNumbers(t *testing.T) {
	for key, val := range map[string]string{
		"RATE_LIMIT_RPS":        "fast",
		"RATE_LIMIT_BURST":      "1.5",
		"BROADCAST_CONCURRENCY": "0",
		"RULE_MAX_STEPS":        "-1",
	} {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, val)
			_, err := LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadFromEnv_Production(t *testing.T) {
	t.Run("cors wildcard rejected", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ENV", "production")
		t.Setenv("TRUST_IDENTITY_HEADERS", "false")
		_, err := LoadFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CORS wildcard")
	})

	t.Run("identity headers off by default", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ENV", "production")
		t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com")
		cfg, err := LoadFromEnv()
		require.NoError(t, err)
		assert.False(t, cfg.TrustIdentityHeaders)
	})

	t.Run("identity headers need opt in", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ENV", "production")
		t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com")
		t.Setenv("TRUST_IDENTITY_HEADERS", "true")
		_, err := LoadFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ALLOW_HEADER_IDENTITY")

		t.Setenv("ALLOW_HEADER_IDENTITY", "true")
		cfg, err := LoadFromEnv()
		require.NoError(t, err)
		assert.True(t, cfg.TrustIdentityHeaders)
		assert.True(t, cfg.IsProduction())
	})
}

func TestSlogLevel(t *testing.T) {
	for in, want := range map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "": "INFO", "bogus": "INFO"} {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel().String(), in)
	}
}

func TestLoadDotEnv_FileNotFound(t *testing.T) {
	err := LoadDotEnv("/nonexistent/.env")
	if err != nil {
		t.Errorf("expected no error for missing .env, got: %v", err)
	}
}

func TestLoadDotEnv_ParsesKeyValue(t *testing.T) {
	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	err := os.WriteFile(envFile, []byte("TEST_KEY=test_value\n"), 0644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if val := os.Getenv("TEST_KEY"); val != "test_value" {
		t.Errorf("TEST_KEY = %q, want %q", val, "test_value")
	}
	_ = os.Unsetenv("TEST_KEY")
}

func TestLoadDotEnv_SkipsComments(t *testing.T) {
	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	err := os.WriteFile(envFile, []byte("# comment\nTEST_COMMENT_KEY=value\n"), 0644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if val := os.Getenv("TEST_COMMENT_KEY"); val != "value" {
		t.Errorf("TEST_COMMENT_KEY = %q, want %q", val, "value")
	}
	_ = os.Unsetenv("TEST_COMMENT_KEY")
}

func TestLoadDotEnv_EnvVarPrecedence(t *testing.T) {
	t.Setenv("TEST_PRECEDENCE_KEY", "from_env")

	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	err := os.WriteFile(envFile, []byte("TEST_PRECEDENCE_KEY=from_file\n"), 0644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if val := os.Getenv("TEST_PRECEDENCE_KEY"); val != "from_env" {
		t.Errorf("TEST_PRECEDENCE_KEY = %q, want %q (env precedence)", val, "from_env")
	}
}
