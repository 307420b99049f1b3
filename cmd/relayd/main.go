package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-relay/config"
	"github.com/vnmchuo/llm-relay/internal/bridge"
	"github.com/vnmchuo/llm-relay/internal/cache"
	"github.com/vnmchuo/llm-relay/internal/credential"
	"github.com/vnmchuo/llm-relay/internal/dispatch"
	"github.com/vnmchuo/llm-relay/internal/metrics"
	"github.com/vnmchuo/llm-relay/internal/provider"
	"github.com/vnmchuo/llm-relay/internal/provider/claude"
	"github.com/vnmchuo/llm-relay/internal/provider/cohere"
	"github.com/vnmchuo/llm-relay/internal/provider/gemini"
	"github.com/vnmchuo/llm-relay/internal/provider/openai"
	"github.com/vnmchuo/llm-relay/internal/router"
	"github.com/vnmchuo/llm-relay/internal/seeder"
	"github.com/vnmchuo/llm-relay/internal/telemetry"
	"github.com/vnmchuo/llm-relay/internal/usage"
	"github.com/vnmchuo/llm-relay/internal/worker"
	"github.com/vnmchuo/llm-relay/pkg/ratelimit"
)

var version = "dev"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("invalid LOG_LEVEL")
	}
	zerolog.SetGlobalLevel(level)

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-relay", version, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 3. Optional Redis: shared cache and token budget
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to ping redis")
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("Redis connected")
	}

	// 4. Optional PostgreSQL: usage persistence
	var usageStore usage.Store
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect postgres")
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping postgres")
		}
		store := usage.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate usage table")
		}
		usageStore = store
		log.Info().Msg("PostgreSQL connected")
	}

	// 5. Init usage ledger
	ledger := usage.NewLedger(usageStore, cfg.DailyBudgetUSD)
	ledger.OnBudgetExceeded = func(string, float64) { metrics.BudgetExceeded.Set(1) }
	if err := ledger.Restore(ctx); err != nil {
		log.Error().Err(err).Msg("failed to restore usage, starting from zero")
	}

	// 6. Init credentials
	creds, writer := credentials(cfg)
	if cfg.SeedCredentials {
		if writer == nil {
			log.Warn().Msg("SEED_CREDENTIALS needs KEYRING_ENABLED or CREDENTIALS_FILE, skipping")
		} else if n, err := seeder.SeedCredentials(ctx, writer, cfg.APIKeys()); err != nil {
			log.Error().Err(err).Msg("failed to seed credentials")
		} else {
			log.Info().Int("stored", n).Msg("credentials seeded")
		}
	}

	// 7. Init response cache
	var responseCache cache.Store
	if cfg.CacheEnabled {
		if rdb != nil {
			responseCache = cache.NewRedis(rdb, cfg.CacheMaxSize, cfg.CacheTTL)
		} else {
			responseCache = cache.NewMemory(cfg.CacheMaxSize, cfg.CacheTTL)
		}
	}

	// 8. Init token budget
	var limiter *ratelimit.Limiter
	if rdb != nil && cfg.ProviderTPM > 0 {
		limiter = ratelimit.NewLimiter(rdb, cfg.ProviderTPM)
	}

	// 9. Init router and providers
	rt, err := router.New(cfg.Profile, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init router")
	}
	adapters := []provider.Adapter{
		openai.New(""),
		claude.New(""),
		gemini.New(""),
		cohere.New(""),
	}

	// 10. Init dispatch
	hub := bridge.NewHub(cfg.AllowedOrigins)
	manager, err := dispatch.NewManager(dispatchSettings(cfg), dispatch.Deps{
		Adapters:    adapters,
		Router:      rt,
		Credentials: creds,
		Cache:       responseCache,
		Ledger:      ledger,
		Limiter:     limiter,
		Notifier:    hub,
		Tracer:      otel.GetTracerProvider().Tracer("llm-relay"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init dispatch")
	}

	// 11. Maintenance jobs
	scheduler := worker.NewScheduler()
	jobs := []worker.Job{
		worker.UsagePrune(ledger),
		worker.BudgetGauge(ledger, metrics.BudgetExceeded),
	}
	if responseCache != nil && cfg.CacheSweepInterval > 0 {
		jobs = append(jobs, worker.CacheSweep(responseCache, cfg.CacheSweepInterval))
	}
	for _, job := range jobs {
		if err := scheduler.Add(job); err != nil {
			log.Fatal().Err(err).Msg("failed to schedule maintenance")
		}
	}
	if err := scheduler.RunNow(worker.JobBudgetGauge); err != nil {
		log.Error().Err(err).Msg("failed to refresh budget gauge")
	}
	scheduler.Start()

	// 12. Init bridge
	handler := bridge.NewHandler(manager, rt, ledger, responseCache)
	routes := bridge.NewRouter(handler, hub, bridge.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		BridgeToken:    cfg.BridgeToken,
	})

	// Streamed sends hold the response open until the provider finishes.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      routes,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// 13. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().
			Str("port", cfg.Port).
			Str("version", version).
			Strs("providers", cfg.EnabledProviders()).
			Bool("auto_routing", cfg.AutoRouting).
			Msg("LLM relay starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	log.Info().Msg("Shutting down gracefully...")

	if n := manager.CancelAll(); n > 0 {
		log.Info().Int("cancelled", n).Msg("cancelled in-flight requests")
	}
	scheduler.Stop()
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("Server stopped")
}

// credentials builds the lookup chain: environment first, then the OS
// keyring, then the sealed file. The returned writer is where seeded keys go.
func credentials(cfg *config.Config) (credential.Store, seeder.Writer) {
	chain := credential.Chain{credential.Static(cfg.APIKeys())}
	var writer seeder.Writer

	if cfg.KeyringEnabled {
		kr := credential.NewKeyring()
		chain = append(chain, kr)
		writer = kr
	}
	if cfg.CredentialsFile != "" {
		sealed, err := credential.NewSealed(cfg.CredentialsFile, cfg.CredentialsPassphrase)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open credentials file")
		}
		chain = append(chain, sealed)
		writer = sealed
	}
	return chain, writer
}

func dispatchSettings(cfg *config.Config) dispatch.Settings {
	s := dispatch.Settings{
		DefaultProvider: cfg.DefaultProvider,
		AutoRouting:     cfg.AutoRouting,
		Providers:       make(map[string]dispatch.ProviderSettings, len(cfg.Providers)),
		CacheEnabled:    cfg.CacheEnabled,
		MaxConcurrent:   cfg.MaxConcurrent,
		MaxQueued:       cfg.MaxQueued,
		PrivacyLevel:    cfg.PrivacyLevel,
	}
	for id, pc := range cfg.Providers {
		s.Providers[id] = dispatch.ProviderSettings{
			Enabled:     pc.Enabled,
			Model:       pc.Model,
			BaseURL:     pc.BaseURL,
			Temperature: pc.Temperature,
			TopP:        pc.TopP,
			MaxTokens:   pc.MaxTokens,
		}
	}
	return s
}
