package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vnmchuo/llm-relay/internal/provider"
	"github.com/vnmchuo/llm-relay/internal/router"
)

// ProviderConfig holds the per-provider settings. Zero generation parameters
// leave the choice to the provider.
type ProviderConfig struct {
	Enabled     bool
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

type Config struct {
	// Server
	Port           string // default: 8080
	LogLevel       string // default: info
	BridgeToken    string
	AllowedOrigins []string

	// Routing
	DefaultProvider string // default: openai
	AutoRouting     bool   // default: true
	RoutingProfile  string
	Profile         *router.Profile

	// Providers, keyed by provider id
	Providers map[string]ProviderConfig

	// Dispatch
	MaxConcurrent int // default: 3
	MaxQueued     int // default: 32
	PrivacyLevel  provider.PrivacyLevel
	ProviderTPM   int64 // 0 disables the token budget

	// Cache
	CacheEnabled       bool
	CacheTTL           time.Duration // default: 1h
	CacheMaxSize       int           // default: 500
	CacheSweepInterval time.Duration // default: 5m

	// Usage
	DailyBudgetUSD float64
	PostgresDSN    string

	// Redis backs the shared cache and the token budget when set.
	RedisAddr string

	// Credentials
	KeyringEnabled        bool
	CredentialsFile       string
	CredentialsPassphrase string
	SeedCredentials       bool

	// Observability
	OTELExporterType     string  // "stdout", "otlp" or "none"
	OTELExporterEndpoint string  // default: "localhost:4317"
	OTELSampleRatio      float64 // default: 1
}

// EnvPrefixes maps provider ids to their environment variable prefix.
var EnvPrefixes = map[string]string{
	"openai": "OPENAI",
	"claude": "ANTHROPIC",
	"gemini": "GEMINI",
	"cohere": "COHERE",
}

// ProviderIDs lists the provider ids in tie-break order.
var ProviderIDs = []string{"openai", "claude", "gemini", "cohere"}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		BridgeToken:           os.Getenv("BRIDGE_TOKEN"),
		AllowedOrigins:        splitList(getEnv("ALLOWED_ORIGINS", "chrome-extension://*,moz-extension://*")),
		DefaultProvider:       getEnv("DEFAULT_PROVIDER", "openai"),
		RoutingProfile:        os.Getenv("ROUTING_PROFILE"),
		Providers:             make(map[string]ProviderConfig, len(ProviderIDs)),
		PostgresDSN:           os.Getenv("POSTGRES_DSN"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		CredentialsFile:       os.Getenv("CREDENTIALS_FILE"),
		CredentialsPassphrase: os.Getenv("CREDENTIALS_PASSPHRASE"),
		OTELExporterType:      getEnv("OTEL_EXPORTER_TYPE", "none"),
		OTELExporterEndpoint:  getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.AutoRouting, err = getEnvBool("AUTO_ROUTING", true); err != nil {
		return nil, err
	}
	if cfg.CacheEnabled, err = getEnvBool("CACHE_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.KeyringEnabled, err = getEnvBool("KEYRING_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.SeedCredentials, err = getEnvBool("SEED_CREDENTIALS", false); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getEnvDuration("CACHE_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.CacheSweepInterval, err = getEnvDuration("CACHE_SWEEP_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.CacheMaxSize, err = getEnvInt("CACHE_MAX_SIZE", 500); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrent, err = getEnvInt("MAX_CONCURRENT_REQUESTS", 3); err != nil {
		return nil, err
	}
	if cfg.MaxQueued, err = getEnvInt("MAX_QUEUED_REQUESTS", 32); err != nil {
		return nil, err
	}
	if cfg.DailyBudgetUSD, err = getEnvFloat("DAILY_BUDGET_USD", 0); err != nil {
		return nil, err
	}
	if cfg.OTELSampleRatio, err = getEnvFloat("OTEL_SAMPLE_RATIO", 1); err != nil {
		return nil, err
	}
	tpm, err := getEnvInt("PROVIDER_TPM", 0)
	if err != nil {
		return nil, err
	}
	cfg.ProviderTPM = int64(tpm)

	if cfg.PrivacyLevel, err = provider.ParsePrivacyLevel(os.Getenv("PRIVACY_LEVEL")); err != nil {
		return nil, fmt.Errorf("invalid PRIVACY_LEVEL: %w", err)
	}

	for _, id := range ProviderIDs {
		pc, err := loadProvider(EnvPrefixes[id])
		if err != nil {
			return nil, err
		}
		cfg.Providers[id] = pc
	}

	if cfg.RoutingProfile != "" {
		if cfg.Profile, err = router.LoadProfile(cfg.RoutingProfile); err != nil {
			return nil, fmt.Errorf("invalid ROUTING_PROFILE: %w", err)
		}
	}

	// Validation
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadProvider(prefix string) (ProviderConfig, error) {
	pc := ProviderConfig{
		APIKey:  os.Getenv(prefix + "_API_KEY"),
		Model:   os.Getenv(prefix + "_MODEL"),
		BaseURL: os.Getenv(prefix + "_BASE_URL"),
	}
	var err error
	if pc.Enabled, err = getEnvBool(prefix+"_ENABLED", true); err != nil {
		return pc, err
	}
	if pc.Temperature, err = getEnvFloat(prefix+"_TEMPERATURE", 0); err != nil {
		return pc, err
	}
	if pc.TopP, err = getEnvFloat(prefix+"_TOP_P", 0); err != nil {
		return pc, err
	}
	if pc.MaxTokens, err = getEnvInt(prefix+"_MAX_TOKENS", 0); err != nil {
		return pc, err
	}
	return pc, nil
}

func (c *Config) Validate() error {
	if _, ok := EnvPrefixes[c.DefaultProvider]; !ok {
		return fmt.Errorf("DEFAULT_PROVIDER %q is not a known provider", c.DefaultProvider)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT_REQUESTS must be at least 1")
	}
	if c.MaxQueued < 0 {
		return fmt.Errorf("MAX_QUEUED_REQUESTS must not be negative")
	}
	if c.CacheEnabled && c.CacheMaxSize < 1 {
		return fmt.Errorf("CACHE_MAX_SIZE must be at least 1 when the cache is enabled")
	}
	if c.CacheTTL < 0 || c.CacheSweepInterval < 0 {
		return fmt.Errorf("cache durations must not be negative")
	}
	if c.DailyBudgetUSD < 0 {
		return fmt.Errorf("DAILY_BUDGET_USD must not be negative")
	}
	switch c.OTELExporterType {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("OTEL_EXPORTER_TYPE must be none, stdout or otlp")
	}
	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0, 1]")
	}
	if c.CredentialsFile != "" && c.CredentialsPassphrase == "" {
		return fmt.Errorf("CREDENTIALS_PASSPHRASE is required with CREDENTIALS_FILE")
	}
	for id, pc := range c.Providers {
		if pc.Temperature < 0 || pc.Temperature > 2 {
			return fmt.Errorf("%s_TEMPERATURE must be within [0, 2]", EnvPrefixes[id])
		}
		if pc.TopP < 0 || pc.TopP > 1 {
			return fmt.Errorf("%s_TOP_P must be within [0, 1]", EnvPrefixes[id])
		}
		if pc.MaxTokens < 0 {
			return fmt.Errorf("%s_MAX_TOKENS must not be negative", EnvPrefixes[id])
		}
	}
	return nil
}

// EnabledProviders lists the enabled provider ids in tie-break order.
func (c *Config) EnabledProviders() []string {
	var out []string
	for _, id := range ProviderIDs {
		if c.Providers[id].Enabled {
			out = append(out, id)
		}
	}
	return out
}

// APIKeys returns the credentials supplied through the environment.
func (c *Config) APIKeys() map[string]string {
	keys := make(map[string]string)
	for id, pc := range c.Providers {
		if pc.APIKey != "" {
			keys[id] = pc.APIKey
		}
	}
	return keys
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
