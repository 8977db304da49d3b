// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
)

var SingleLine = "--------------------------------------------------"

// Config represents the application configuration
type Config struct {
	APIName        string `env:"IB_STREAM_APP_NAME" envDefault:"IB Stream API"`
	HTTPPort       string `env:"IB_STREAM_HTTP_PORT" envDefault:"8851"`
	LogLevel       string `env:"IB_STREAM_LOG_LEVEL" envDefault:"info"`

	// Upstream TWS/Gateway session
	Host              string `env:"IB_STREAM_HOST" envDefault:"127.0.0.1"`
	Ports             string `env:"IB_STREAM_PORTS" envDefault:"7497,7496,4002,4001"`
	ClientID          int32  `env:"IB_STREAM_CLIENT_ID" envDefault:"10"`
	ConnectionTimeout int    `env:"IB_STREAM_CONNECTION_TIMEOUT" envDefault:"10"`
	ReconnectDelay    int    `env:"IB_STREAM_RECONNECT_DELAY" envDefault:"30"`

	// Client streaming
	MaxStreams    int `env:"IB_STREAM_MAX_STREAMS" envDefault:"50"`
	StreamTimeout int `env:"IB_STREAM_STREAM_TIMEOUT" envDefault:"0"` // 0 = unlimited

	// Storage
	StoragePath               string `env:"IB_STREAM_STORAGE_PATH" envDefault:"./storage"`
	EnableJSON                bool   `env:"IB_STREAM_ENABLE_JSON" envDefault:"true"`
	EnableProtobuf            bool   `env:"IB_STREAM_ENABLE_PROTOBUF" envDefault:"true"`
	EnableClientStreamStorage bool   `env:"IB_STREAM_ENABLE_CLIENT_STREAM_STORAGE" envDefault:"true"`

	// Background streaming
	TrackedContracts string `env:"IB_STREAM_TRACKED_CONTRACTS" envDefault:""`
	StalenessMinutes int    `env:"IB_STREAM_STALENESS_MINUTES" envDefault:"15"`

	// Contract lookup service
	ContractsURL string `env:"IB_STREAM_CONTRACTS_URL" envDefault:"http://localhost:8861"`

	// Optional collaborators
	RedisAddr     string `env:"IB_STREAM_REDIS_ADDR" envDefault:""`
	RedisPassword string `env:"IB_STREAM_REDIS_PASSWORD" envDefault:""`
	PostgresDsn   string `env:"IB_STREAM_PG_DSN" envDefault:""`
	PostgresSchema string `env:"IB_STREAM_PG_SCHEMA" envDefault:"ibstream"`
}

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the application configuration
func Get() (*Config, error) {
	once.Do(func() {
		instance, loadErr = loadConfig()
	})
	return instance, loadErr
}

// loadConfig reads .env (optional) and parses environment variables
func loadConfig() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		zaplogger.Info("  * loaded .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxStreams < 1 {
		return fmt.Errorf("IB_STREAM_MAX_STREAMS must be >= 1, got %d", c.MaxStreams)
	}
	if c.ConnectionTimeout < 1 {
		return fmt.Errorf("IB_STREAM_CONNECTION_TIMEOUT must be >= 1, got %d", c.ConnectionTimeout)
	}
	if len(c.PortList()) == 0 {
		return fmt.Errorf("IB_STREAM_PORTS must list at least one port")
	}
	if !c.EnableJSON && !c.EnableProtobuf {
		return fmt.Errorf("at least one storage format must be enabled")
	}
	if c.StalenessMinutes < 1 {
		return fmt.Errorf("IB_STREAM_STALENESS_MINUTES must be >= 1, got %d", c.StalenessMinutes)
	}
	return nil
}

// PortList parses the comma-separated upstream port candidates.
func (c *Config) PortList() []int {
	var ports []int
	for _, p := range strings.Split(c.Ports, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			continue
		}
		ports = append(ports, n)
	}
	return ports
}

// ConnectTimeout returns the handshake timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Second
}

// StalenessThreshold returns the base staleness threshold.
func (c *Config) StalenessThreshold() time.Duration {
	return time.Duration(c.StalenessMinutes) * time.Minute
}

// String returns the configuration as a string
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("\n--------------------------------------\n")
	sb.WriteString("Configuration:\n")
	sb.WriteString("--------------------------------------\n")

	t := reflect.TypeOf(*c)
	v := reflect.ValueOf(*c)

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		value := fmt.Sprintf("%v", v.Field(i).Interface())
		value = maskSensitiveField(field.Name, value)
		sb.WriteString(fmt.Sprintf("  %s:  %s\n", field.Name, value))
	}

	sb.WriteString("--------------------------------------\n")
	return sb.String()
}

func maskSensitiveField(fieldName, value string) string {
	sensitiveFields := []string{"token", "dsn", "secret", "password"}

	fieldNameLower := strings.ToLower(fieldName)
	for _, sensitive := range sensitiveFields {
		if strings.Contains(fieldNameLower, sensitive) && value != "" {
			return maskValue(value)
		}
	}
	return value
}

func maskValue(value string) string {
	if len(value) <= 3 {
		return strings.Repeat("*", 7)
	}
	return value[:3] + strings.Repeat("*", 7)
}
