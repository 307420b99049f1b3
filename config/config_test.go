package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "openai", cfg.DefaultProvider)
	assert.True(t, cfg.AutoRouting)
	assert.True(t, cfg.CacheEnabled)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, 500, cfg.CacheMaxSize)
	assert.Equal(t, 3, cfg.MaxConcurrent)
	assert.Equal(t, 32, cfg.MaxQueued)
	assert.Equal(t, provider.PrivacySelection, cfg.PrivacyLevel)
	assert.Equal(t, []string{"openai", "claude", "gemini", "cohere"}, cfg.EnabledProviders())
	assert.Nil(t, cfg.Profile)
	assert.Equal(t, "none", cfg.OTELExporterType)
	assert.Equal(t, 1.0, cfg.OTELSampleRatio)
}

func TestLoad_ProviderSettings(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest")
	t.Setenv("ANTHROPIC_TEMPERATURE", "0.2")
	t.Setenv("ANTHROPIC_MAX_TOKENS", "2048")
	t.Setenv("GEMINI_ENABLED", "false")
	t.Setenv("PRIVACY_LEVEL", "full")
	t.Setenv("ALLOWED_ORIGINS", "chrome-extension://abc, http://localhost:3000")

	cfg, err := Load()
	require.NoError(t, err)

	c := cfg.Providers["claude"]
	assert.Equal(t, "sk-ant", c.APIKey)
	assert.Equal(t, "claude-3-5-haiku-latest", c.Model)
	assert.Equal(t, 0.2, c.Temperature)
	assert.Equal(t, 2048, c.MaxTokens)
	assert.Equal(t, []string{"openai", "claude", "cohere"}, cfg.EnabledProviders())
	assert.Equal(t, map[string]string{"claude": "sk-ant"}, cfg.APIKeys())
	assert.Equal(t, provider.PrivacyFull, cfg.PrivacyLevel)
	assert.Equal(t, []string{"chrome-extension://abc", "http://localhost:3000"}, cfg.AllowedOrigins)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("COHERE_API_KEY=co-from-file\nPORT=9090\n"), 0o600))
	t.Chdir(dir)
	// godotenv does not override variables that are already set.
	t.Setenv("PORT", "7070")
	t.Cleanup(func() { os.Unsetenv("COHERE_API_KEY") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "co-from-file", cfg.Providers["cohere"].APIKey)
	assert.Equal(t, "7070", cfg.Port)
}

func TestLoad_RoutingProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cost_ceiling_usd: 0.1\n"), 0o600))
	t.Chdir(dir)
	t.Setenv("ROUTING_PROFILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Profile)
	assert.Equal(t, 0.1, cfg.Profile.CostCeilingUSD)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"unknown default provider": {"DEFAULT_PROVIDER", "mistral"},
		"bad bool":                 {"AUTO_ROUTING", "maybe"},
		"bad duration":             {"CACHE_TTL", "forever"},
		"zero concurrency":         {"MAX_CONCURRENT_REQUESTS", "0"},
		"bad privacy":              {"PRIVACY_LEVEL", "everything"},
		"temperature range":        {"OPENAI_TEMPERATURE", "3"},
		"top_p range":              {"COHERE_TOP_P", "1.5"},
		"passphrase missing":       {"CREDENTIALS_FILE", "/tmp/creds.json"},
		"missing profile":          {"ROUTING_PROFILE", "/nonexistent/profile.yaml"},
		"unknown exporter":         {"OTEL_EXPORTER_TYPE", "jaeger"},
		"sample ratio range":       {"OTEL_SAMPLE_RATIO", "2"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
