package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/session-tracker/internal/api"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/config"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/dispatch"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/geolocation"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/handler"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/iplookup"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/logger"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/metrics"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/profiling"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/registry"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/store"

	_ "github.com/lib/pq"
)

// Connection check timeout for the store backends.
const pingTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log, err := createLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	profiler, err := profiling.Start(profiling.Options{
		Enabled:      cfg.Service.Profiling.Enabled,
		PprofPort:    cfg.Service.Profiling.PprofPort,
		PyroscopeURL: cfg.Service.Profiling.PyroscopeURL,
		Service:      cfg.Service.Name,
		Version:      cfg.Service.Version,
	}, log)
	if err != nil {
		log.Warn("Profiling disabled", logger.Error(err))
	}
	defer profiler.Stop()

	docs, checks, closeStore, err := openStore(cfg, log)
	if err != nil {
		log.Error("Failed to open document store", logger.Error(err))
		return 1
	}
	defer closeStore()

	return runServer(cfg, log, docs, checks)
}

// loadConfig loads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.GetConfigPath("config.yml"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if validationErr := cfg.Validate(); validationErr != nil {
		return nil, fmt.Errorf("validate config: %w", validationErr)
	}
	return cfg, nil
}

// createLogger creates a logger instance from configuration.
func createLogger(cfg *config.Config) (logger.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Development: cfg.Service.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log.With(logger.String("service", cfg.Service.Name)), nil
}

// openStore connects the configured backend. The returned close function
// releases its connections.
func openStore(
	cfg *config.Config,
	log logger.Logger,
) (store.DocumentStore, map[string]api.HealthChecker, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := connectDatabase(cfg, log)
		if err != nil {
			return nil, nil, nil, err
		}
		checks := map[string]api.HealthChecker{
			"database": api.PingChecker("Database", db.PingContext),
		}
		return store.NewPostgres(db), checks, func() { _ = db.Close() }, nil

	case config.BackendRedis:
		client, err := connectRedis(cfg, log)
		if err != nil {
			return nil, nil, nil, err
		}
		checks := map[string]api.HealthChecker{
			"redis": api.PingChecker("Redis", func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			}),
		}
		return store.NewRedis(client, cfg.Redis.KeyPrefix), checks, func() { _ = client.Close() }, nil

	case config.BackendBadger:
		db, err := store.OpenBadger(cfg.Store.Dir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open badger: %w", err)
		}
		log.Info("Badger store opened", logger.String("dir", cfg.Store.Dir))
		return store.NewBadger(db), nil, func() { _ = db.Close() }, nil

	default:
		log.Warn("Using in-memory document store; sessions are lost on restart")
		return store.NewMemory(), nil, func() {}, nil
	}
}

// connectDatabase opens and verifies a database connection.
func connectDatabase(cfg *config.Config, log logger.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if pingErr := db.PingContext(ctx); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	log.Info("Database connected",
		logger.String("host", cfg.Database.Host),
		logger.Int("port", cfg.Database.Port),
		logger.String("database", cfg.Database.Database),
	)
	return db, nil
}

// connectRedis opens and verifies a Redis connection.
func connectRedis(cfg *config.Config, log logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info("Redis connected",
		logger.String("address", cfg.Redis.Address),
		logger.Int("db", cfg.Redis.DB),
	)
	return client, nil
}

// ipProviders returns the configured IP endpoints, or the defaults.
func ipProviders(cfg *config.Config) []iplookup.Provider {
	if len(cfg.Tracker.IPProviders) == 0 {
		return iplookup.DefaultProviders()
	}

	providers := make([]iplookup.Provider, 0, len(cfg.Tracker.IPProviders))
	for _, p := range cfg.Tracker.IPProviders {
		field := p.Field
		if field == "" {
			field = "ip"
		}
		providers = append(providers, iplookup.Provider{
			Name:    p.Name,
			URL:     p.URL,
			Extract: iplookup.FieldExtractor(field),
		})
	}
	return providers
}

// runServer wires the tracker pipeline and serves until shutdown.
func runServer(
	cfg *config.Config,
	log logger.Logger,
	docs store.DocumentStore,
	checks map[string]api.HealthChecker,
) int {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	dispatcher := dispatch.New(cfg.Store.Workers, cfg.Store.QueueSize, log)
	dispatcher.Start()
	defer dispatcher.Stop()

	ips := iplookup.NewResolver(ipProviders(cfg), iplookup.Options{
		Timeout:          cfg.Tracker.IPTimeout,
		BreakerThreshold: cfg.Tracker.BreakerThreshold,
		BreakerCooldown:  cfg.Tracker.BreakerCooldown,
		Logger:           log,
		Metrics:          m,
	})

	pages := registry.New(cfg.Service.PageTTL, log, m)
	// Closed before the dispatcher stops so in-flight page writes drain.
	defer pages.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pages.Run(ctx)

	pageHandler := handler.NewPageHandler(handler.PageConfig{
		Collection: cfg.Tracker.Collection,
		Throttle:   cfg.Tracker.Throttle,
		Geo: geolocation.PositionOptions{
			Timeout:    cfg.Tracker.GeoTimeout,
			MaximumAge: cfg.Tracker.GeoMaxAge,
		},
		PositionWait: cfg.Tracker.PositionWait,
	}, pages, docs, ips, dispatcher, log, m)

	server := api.NewServer(&api.ServerConfig{
		Port:           cfg.Service.Port,
		Debug:          cfg.Service.Debug,
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		CORS:           api.CORSConfig{AllowedOrigins: cfg.Service.CORSOrigins},
	}, log, func(router *gin.Engine) {
		api.SetupRoutes(router, pageHandler, api.RouteConfig{
			ServiceName:     cfg.Service.Name,
			ServiceVersion:  cfg.Service.Version,
			MaxRequests:     cfg.RateLimit.MaxRequests,
			RateLimitWindow: cfg.RateLimit.Window,
			HealthChecks:    checks,
			Gatherer:        reg,
			Done:            ctx.Done(),
		})
	})

	log.Info("Session-tracker starting",
		logger.Int("port", cfg.Service.Port),
		logger.String("store", cfg.Store.Backend),
	)

	if err := server.Run(ctx); err != nil {
		log.Error("Server error", logger.Error(err))
		return 1
	}

	log.Info("Session-tracker exited cleanly")
	return 0
}
