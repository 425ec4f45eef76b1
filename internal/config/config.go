// Package config loads service configuration from environment variables.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Backend names a storage backend selection.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds all runtime settings for the coordination service.
type Config struct {
	// Network
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	// Storage
	StorageBackend string `envconfig:"STORAGE_BACKEND" default:"sqlite"`
	SQLitePath     string `envconfig:"SQLITE_PATH" default:"coordination.db"`
	Postgres       Postgres

	// Logical clock seed; the environment advances it afterwards.
	ClockStart int64 `envconfig:"CLOCK_START" default:"0"`
}

// Postgres holds PostgreSQL connection settings.
type Postgres struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"postgres"`
	Password string `envconfig:"DB_PASSWORD" default:"postgres"`
	DBName   string `envconfig:"DB_NAME" default:"coordination"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
}

// DSN builds a libpq-compatible connection string.
func (p Postgres) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode,
	)
}

// Load reads configuration from the process environment.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if c.StorageBackend != BackendSQLite && c.StorageBackend != BackendPostgres {
		return Config{}, fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	return c, nil
}
