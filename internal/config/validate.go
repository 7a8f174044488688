package config

import "fmt"

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validatePort("service.port", c.Service.Port); err != nil {
		return err
	}
	if err := c.Tracker.validate(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if c.RateLimit.MaxRequests < 0 {
		return &ValidationError{Field: "rate_limit.max_requests", Message: "must not be negative"}
	}
	return validateLogLevel(c.Logging.Level)
}

func (t *TrackerConfig) validate() error {
	if t.Collection == "" {
		return &ValidationError{Field: "tracker.collection", Message: "is required"}
	}

	durations := []struct {
		field string
		value int64
	}{
		{"tracker.throttle", int64(t.Throttle)},
		{"tracker.ip_timeout", int64(t.IPTimeout)},
		{"tracker.geo_timeout", int64(t.GeoTimeout)},
		{"tracker.geo_max_age", int64(t.GeoMaxAge)},
		{"tracker.position_wait", int64(t.PositionWait)},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return &ValidationError{Field: d.field, Message: "must be positive"}
		}
	}

	for i, p := range t.IPProviders {
		if p.URL == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("tracker.ip_providers[%d].url", i),
				Message: "is required",
			}
		}
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case BackendPostgres:
		if c.Database.Host == "" {
			return &ValidationError{Field: "database.host", Message: "is required"}
		}
		if err := validatePort("database.port", c.Database.Port); err != nil {
			return err
		}
		if c.Database.Database == "" {
			return &ValidationError{Field: "database.database", Message: "is required"}
		}
	case BackendRedis:
		if c.Redis.Address == "" {
			return &ValidationError{Field: "redis.address", Message: "is required"}
		}
	case BackendBadger:
		if c.Store.Dir == "" {
			return &ValidationError{Field: "store.dir", Message: "is required for the badger backend"}
		}
	case BackendMemory:
	default:
		return &ValidationError{
			Field:   "store.backend",
			Message: "must be one of: postgres, redis, badger, memory",
		}
	}

	if c.Store.Workers < 1 {
		return &ValidationError{Field: "store.workers", Message: "must be at least 1"}
	}
	if c.Store.QueueSize < 1 {
		return &ValidationError{Field: "store.queue_size", Message: "must be at least 1"}
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > maxPort {
		return &ValidationError{Field: field, Message: "must be between 1 and 65535"}
	}
	return nil
}

func validateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return &ValidationError{Field: "logging.level", Message: "must be one of: debug, info, warn, error"}
	}
}
