package storage

import "time"

const defaultPostgresOperationTimeout = 10 * time.Second

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
	// OperationTimeout bounds every statement issued by repository methods
	// that do not take a context of their own.
	OperationTimeout time.Duration
	Clock            func() time.Time
}

func (cfg PostgresConfig) normalized() PostgresConfig {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultPostgresOperationTimeout
	}
	if cfg.ApplicationName == "" {
		cfg.ApplicationName = "clipfog"
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return cfg
}
