package api

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/osa-io/osa/internal/config"
	"github.com/osa-io/osa/internal/domain"
)

// ServerConfig holds the ops API server settings.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	LogLevel        slog.Level
}

// LoadServerConfig reads the server configuration from the environment.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:            config.GetEnvStr("OPS_HOST", "0.0.0.0"),
		Port:            config.GetEnvInt("OPS_PORT", 8080),
		ReadTimeout:     config.GetEnvDuration("OPS_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    config.GetEnvDuration("OPS_WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout: config.GetEnvDuration("OPS_SHUTDOWN_TIMEOUT", 10*time.Second),
		LogLevel:        config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}
}

// Validate checks the configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: ops port %d out of range", domain.ErrConfiguration, c.Port)
	}

	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: ops timeouts must be positive", domain.ErrConfiguration)
	}

	return nil
}

// Address returns the host:port listen address.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
