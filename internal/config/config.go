package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	pkgdatabase "tanyarelay/pkg/database"
)

// Config is the relay's full runtime configuration.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Relay     *RelayConfig     `json:"relay"`
	Log       *LogConfig       `json:"log"`
}

// DatabaseConfig points the question log at SQLite. The default is an in-memory database.
type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

// WebSocketConfig controls the live channel endpoint and heartbeat.
type WebSocketConfig struct {
	Path           string        `json:"path"`
	PingInterval   time.Duration `json:"ping_interval"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	BufferSize     int           `json:"buffer_size"`
	MaxMessageSize int64         `json:"max_message_size"`
}

// RelayConfig holds the user-facing texts and flood limits of the router.
type RelayConfig struct {
	DoctorLabel       string `json:"doctor_label"`
	AckForwarded      string `json:"ack_forwarded"`
	AckStored         string `json:"ack_stored"`
	MessagesPerMinute int    `json:"messages_per_minute"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig listens on port 3000 and keeps everything in memory.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    pkgdatabase.InMemoryPath,
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         3000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			Path:           "/ws",
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 64 * 1024,
		},
		Relay: &RelayConfig{
			DoctorLabel:       "Dokter",
			AckForwarded:      "Pesan terkirim ke dokter. Mohon tunggu respons.",
			AckStored:         "Tidak ada dokter online. Pesan disimpan dan akan ditanggapi.",
			MessagesPerMinute: 100,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.Path == "" || c.WebSocket.Path[0] != '/' {
		return fmt.Errorf("WebSocket path must start with /")
	}
	if c.WebSocket.Path == "/api/" || c.WebSocket.Path == "/health" {
		return fmt.Errorf("WebSocket path %s collides with the REST API", c.WebSocket.Path)
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}

	if c.Relay == nil {
		return fmt.Errorf("relay configuration is required")
	}
	if c.Relay.DoctorLabel == "" {
		return fmt.Errorf("relay doctor label cannot be empty")
	}
	if c.Relay.AckForwarded == "" || c.Relay.AckStored == "" {
		return fmt.Errorf("relay acknowledgement texts cannot be empty")
	}
	if c.Relay.MessagesPerMinute <= 0 {
		return fmt.Errorf("relay messages per minute must be positive")
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}

	return nil
}

// LoadDotEnv reads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv applies TANYA_* variables (and the bare PORT variable) on top of the defaults.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	// PORT is what most hosting platforms set; TANYA_HTTP_PORT wins when both exist.
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if port := os.Getenv("TANYA_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}

	envString("TANYA_HTTP_HOST", &config.HTTP.Host)
	envDuration("TANYA_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("TANYA_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)

	envString("TANYA_DATABASE_PATH", &config.Database.Path)
	envDuration("TANYA_DATABASE_TIMEOUT", &config.Database.Timeout)

	envString("TANYA_WEBSOCKET_PATH", &config.WebSocket.Path)
	envDuration("TANYA_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("TANYA_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("TANYA_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("TANYA_WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)
	if size := os.Getenv("TANYA_WEBSOCKET_MAX_MESSAGE_SIZE"); size != "" {
		if s, err := strconv.ParseInt(size, 10, 64); err == nil {
			config.WebSocket.MaxMessageSize = s
		}
	}

	envString("TANYA_RELAY_DOCTOR_LABEL", &config.Relay.DoctorLabel)
	envString("TANYA_RELAY_ACK_FORWARDED", &config.Relay.AckForwarded)
	envString("TANYA_RELAY_ACK_STORED", &config.Relay.AckStored)
	envInt("TANYA_RELAY_MESSAGES_PER_MINUTE", &config.Relay.MessagesPerMinute)

	envString("TANYA_LOG_LEVEL", &config.Log.Level)
	envString("TANYA_LOG_FORMAT", &config.Log.Format)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Relay     *RelayConfig         `json:"relay"`
	Log       *LogConfig           `json:"log"`
}

type DatabaseConfigFile struct {
	Path    string `json:"path"`
	Timeout string `json:"timeout"`
}

type HTTPConfigFile struct {
	Port         int    `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	Host         string `json:"host"`
}

type WebSocketConfigFile struct {
	Path           string `json:"path"`
	PingInterval   string `json:"ping_interval"`
	ReadTimeout    string `json:"read_timeout"`
	WriteTimeout   string `json:"write_timeout"`
	BufferSize     int    `json:"buffer_size"`
	MaxMessageSize int64  `json:"max_message_size"`
}

// LoadFromFile reads a JSON config file on top of the defaults.
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

func applyFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	if file.Database != nil {
		if file.Database.Path != "" {
			config.Database.Path = file.Database.Path
		}
		parseDuration(file.Database.Timeout, &config.Database.Timeout)
	}

	if file.HTTP != nil {
		if file.HTTP.Port > 0 {
			config.HTTP.Port = file.HTTP.Port
		}
		if file.HTTP.Host != "" {
			config.HTTP.Host = file.HTTP.Host
		}
		parseDuration(file.HTTP.ReadTimeout, &config.HTTP.ReadTimeout)
		parseDuration(file.HTTP.WriteTimeout, &config.HTTP.WriteTimeout)
	}

	if file.WebSocket != nil {
		if file.WebSocket.Path != "" {
			config.WebSocket.Path = file.WebSocket.Path
		}
		if file.WebSocket.BufferSize > 0 {
			config.WebSocket.BufferSize = file.WebSocket.BufferSize
		}
		if file.WebSocket.MaxMessageSize > 0 {
			config.WebSocket.MaxMessageSize = file.WebSocket.MaxMessageSize
		}
		parseDuration(file.WebSocket.PingInterval, &config.WebSocket.PingInterval)
		parseDuration(file.WebSocket.ReadTimeout, &config.WebSocket.ReadTimeout)
		parseDuration(file.WebSocket.WriteTimeout, &config.WebSocket.WriteTimeout)
	}

	if file.Relay != nil {
		if file.Relay.DoctorLabel != "" {
			config.Relay.DoctorLabel = file.Relay.DoctorLabel
		}
		if file.Relay.AckForwarded != "" {
			config.Relay.AckForwarded = file.Relay.AckForwarded
		}
		if file.Relay.AckStored != "" {
			config.Relay.AckStored = file.Relay.AckStored
		}
		if file.Relay.MessagesPerMinute > 0 {
			config.Relay.MessagesPerMinute = file.Relay.MessagesPerMinute
		}
	}

	if file.Log != nil {
		if file.Log.Level != "" {
			config.Log.Level = file.Log.Level
		}
		if file.Log.Format != "" {
			config.Log.Format = file.Log.Format
		}
	}

	return nil
}

func parseDuration(raw string, dst *time.Duration) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}

// LoadConfigWithPrecedence layers defaults < .env file < environment < JSON file.
// File errors are returned alongside a usable env-based config so callers can log and continue.
func LoadConfigWithPrecedence(filepath, dotenvPath string) (*Config, error) {
	if err := LoadDotEnv(dotenvPath); err != nil {
		return LoadFromEnv(), err
	}

	config := LoadFromEnv()
	if filepath == "" {
		return config, nil
	}

	if err := applyFile(config, filepath); err != nil {
		return LoadFromEnv(), err
	}
	return config, nil
}
