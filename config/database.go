package config

import "time"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"winpack"`
	Password string `env:"PASSWORD" envDefault:"winpack"`
	Name     string `env:"NAME"     envDefault:"winpack"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // Use 'disable' for local dev, 'require' for production

	// RunMigrationsOnStart applies embedded schema migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration for the catalog cache.
type RedisConfig struct {
	Addr     string `env:"ADDR"     envDefault:"localhost:6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB"       envDefault:"0"`

	// CatalogTTL is the TTL for the cached catalog latest-version map.
	CatalogTTL time.Duration `env:"CATALOG_TTL" envDefault:"15m"`
}
