package database

import (
	"errors"
	"strings"
	"time"
)

// InMemoryPath keeps the question log in a shared-cache SQLite memory database.
// The data lives exactly as long as the process holds a connection open.
const InMemoryPath = "file:tanya?mode=memory&cache=shared"

// Config holds database configuration
type Config struct {
	DatabasePath    string        `json:"database_path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
}

// DefaultConfig returns the in-memory configuration used when nothing else is set.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    InMemoryPath,
		MaxConnections:  1,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// InMemory reports whether the path points at a memory database.
func (c *Config) InMemory() bool {
	return c.DatabasePath == ":memory:" || strings.Contains(c.DatabasePath, "mode=memory")
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	return nil
}

// DSN returns the go-sqlite3 connection string with busy timeout and foreign keys enabled.
func (c *Config) DSN() string {
	sep := "?"
	if strings.Contains(c.DatabasePath, "?") {
		sep = "&"
	}
	return c.DatabasePath + sep + "_busy_timeout=5000&_foreign_keys=on"
}
