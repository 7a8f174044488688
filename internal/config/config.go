// Package config loads the session-tracker configuration from YAML, .env files
// and environment variables.
package config

import (
	"fmt"
	"time"
)

// Default configuration values.
const (
	defaultServiceName = "session-tracker"
	defaultServicePort = 8094
	defaultVersion     = "0.1.0"
	defaultPageTTL     = 30 * time.Minute
	defaultPprofPort   = 6060

	defaultCollection       = "sessions"
	defaultThrottle         = time.Second
	defaultIPTimeout        = 3 * time.Second
	defaultGeoTimeout       = 10 * time.Second
	defaultGeoMaxAge        = 5 * time.Minute
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = time.Minute

	defaultStoreBackend    = BackendPostgres
	defaultStoreDir        = "data/sessions"
	defaultWorkers         = 4
	defaultQueueSize       = 256
	defaultRedisAddress    = "localhost:6379"
	defaultRedisKeyPrefix  = "tracker"
	defaultLoggingLevel    = "info"
	defaultLoggingFmt      = "json"
	defaultDBHost          = "localhost"
	defaultDBPort          = 5432
	defaultDBName          = "session_tracker"
	defaultDBUser          = "postgres"
	defaultDBSSLMode       = "disable"
	defaultMaxRequests     = 120
	defaultRateLimitWindow = time.Minute
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendBadger   = "badger"
	BackendMemory   = "memory"
)

const maxPort = 65535

// Config holds the application configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServiceConfig holds service-level configuration.
type ServiceConfig struct {
	Name        string          `yaml:"name"`
	Version     string          `yaml:"version"`
	Port        int             `env:"SESSION_TRACKER_PORT" yaml:"port"`
	Debug       bool            `env:"APP_DEBUG"            yaml:"debug"`
	CORSOrigins []string        `env:"SESSION_TRACKER_CORS" yaml:"cors_origins"`
	PageTTL     time.Duration   `yaml:"page_ttl"`
	Profiling   ProfilingConfig `yaml:"profiling"`
}

// ProfilingConfig holds pprof and Pyroscope settings.
type ProfilingConfig struct {
	Enabled      bool   `env:"ENABLE_PROFILING"     yaml:"enabled"`
	PprofPort    int    `env:"PPROF_PORT"           yaml:"pprof_port"`
	PyroscopeURL string `env:"PYROSCOPE_SERVER_URL" yaml:"pyroscope_url"`
}

// TrackerConfig holds the per-page tracker settings.
type TrackerConfig struct {
	Collection string        `env:"TRACKER_COLLECTION" yaml:"collection"`
	Throttle   time.Duration `env:"TRACKER_THROTTLE"   yaml:"throttle"`
	IPTimeout  time.Duration `yaml:"ip_timeout"`
	GeoTimeout time.Duration `yaml:"geo_timeout"`
	GeoMaxAge  time.Duration `yaml:"geo_max_age"`
	// PositionWait bounds how long a page's pending geolocation is awaited.
	PositionWait     time.Duration    `yaml:"position_wait"`
	BreakerThreshold int              `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration    `yaml:"breaker_cooldown"`
	IPProviders      []ProviderConfig `yaml:"ip_providers"`
}

// ProviderConfig overrides one IP lookup endpoint.
type ProviderConfig struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Field string `yaml:"field"`
}

// StoreConfig selects the document store backend and write dispatcher sizing.
type StoreConfig struct {
	Backend   string `env:"STORE_BACKEND" yaml:"backend"`
	Dir       string `env:"STORE_DIR" yaml:"dir"` // badger backend only
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host     string `env:"POSTGRES_SESSION_TRACKER_HOST"     yaml:"host"`
	Port     int    `env:"POSTGRES_SESSION_TRACKER_PORT"     yaml:"port"`
	User     string `env:"POSTGRES_SESSION_TRACKER_USER"     yaml:"user"`
	Password string `env:"POSTGRES_SESSION_TRACKER_PASSWORD" yaml:"password"`
	Database string `env:"POSTGRES_SESSION_TRACKER_DB"       yaml:"database"`
	SSLMode  string `env:"POSTGRES_SESSION_TRACKER_SSLMODE"  yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// MigrateURL returns the postgres:// URL form used by golang-migrate.
func (d *DatabaseConfig) MigrateURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Address   string `env:"REDIS_ADDRESS"  yaml:"address"`
	Password  string `env:"REDIS_PASSWORD" yaml:"password"`
	DB        int    `env:"REDIS_DB"       yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RateLimitConfig holds per-client request limiting for the HTTP API.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL"  yaml:"level"`
	Format string `env:"LOG_FORMAT" yaml:"format"`
}

// Load reads the YAML file at path, applies defaults, then env overrides.
func Load(path string) (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("load environment files: %w", err)
	}

	cfg := &Config{}
	if err := readFile(path, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)
	// env always wins over defaults
	applyEnvOverrides(cfg)

	return cfg, nil
}

func setDefaults(cfg *Config) {
	setServiceDefaults(&cfg.Service)
	setTrackerDefaults(&cfg.Tracker)
	setStoreDefaults(&cfg.Store)
	setDatabaseDefaults(&cfg.Database)
	setRedisDefaults(&cfg.Redis)
	setRateLimitDefaults(&cfg.RateLimit)
	setLoggingDefaults(&cfg.Logging)
}

func setServiceDefaults(svc *ServiceConfig) {
	if svc.Name == "" {
		svc.Name = defaultServiceName
	}
	if svc.Version == "" {
		svc.Version = defaultVersion
	}
	if svc.Port == 0 {
		svc.Port = defaultServicePort
	}
	if svc.PageTTL == 0 {
		svc.PageTTL = defaultPageTTL
	}
	if svc.Profiling.PprofPort == 0 {
		svc.Profiling.PprofPort = defaultPprofPort
	}
}

func setTrackerDefaults(tr *TrackerConfig) {
	if tr.Collection == "" {
		tr.Collection = defaultCollection
	}
	if tr.Throttle == 0 {
		tr.Throttle = defaultThrottle
	}
	if tr.IPTimeout == 0 {
		tr.IPTimeout = defaultIPTimeout
	}
	if tr.GeoTimeout == 0 {
		tr.GeoTimeout = defaultGeoTimeout
	}
	if tr.GeoMaxAge == 0 {
		tr.GeoMaxAge = defaultGeoMaxAge
	}
	if tr.PositionWait == 0 {
		tr.PositionWait = tr.GeoTimeout
	}
	if tr.BreakerThreshold == 0 {
		tr.BreakerThreshold = defaultBreakerThreshold
	}
	if tr.BreakerCooldown == 0 {
		tr.BreakerCooldown = defaultBreakerCooldown
	}
}

func setStoreDefaults(st *StoreConfig) {
	if st.Backend == "" {
		st.Backend = defaultStoreBackend
	}
	if st.Backend == BackendBadger && st.Dir == "" {
		st.Dir = defaultStoreDir
	}
	if st.Workers == 0 {
		st.Workers = defaultWorkers
	}
	if st.QueueSize == 0 {
		st.QueueSize = defaultQueueSize
	}
}

func setDatabaseDefaults(db *DatabaseConfig) {
	if db.Host == "" {
		db.Host = defaultDBHost
	}
	if db.Port == 0 {
		db.Port = defaultDBPort
	}
	if db.User == "" {
		db.User = defaultDBUser
	}
	if db.Database == "" {
		db.Database = defaultDBName
	}
	if db.SSLMode == "" {
		db.SSLMode = defaultDBSSLMode
	}
}

func setRedisDefaults(r *RedisConfig) {
	if r.Address == "" {
		r.Address = defaultRedisAddress
	}
	if r.KeyPrefix == "" {
		r.KeyPrefix = defaultRedisKeyPrefix
	}
}

func setRateLimitDefaults(rl *RateLimitConfig) {
	if rl.MaxRequests == 0 {
		rl.MaxRequests = defaultMaxRequests
	}
	if rl.Window == 0 {
		rl.Window = defaultRateLimitWindow
	}
}

func setLoggingDefaults(log *LoggingConfig) {
	if log.Level == "" {
		log.Level = defaultLoggingLevel
	}
	if log.Format == "" {
		log.Format = defaultLoggingFmt
	}
}
