package cli

import (
	"net"
	"strconv"
	"sync"

	"salvage/internal/config"
	"salvage/internal/storage"
	"salvage/pkg/logger"

	"github.com/rs/zerolog"
)

// CLIContext carries per-invocation state shared by subcommands.
type CLIContext struct {
	Config     *config.Config
	ConfigPath string
	Logger     *zerolog.Logger
	Verbose    bool
	Quiet      bool

	dbOnce sync.Once
	db     *storage.DB
	dbErr  error
}

// GetStorage opens the database on first use.
func (c *CLIContext) GetStorage() (*storage.DB, error) {
	c.dbOnce.Do(func() {
		c.db, c.dbErr = storage.Open(c.Config.Storage.Path)
	})
	return c.db, c.dbErr
}

// GatewayURL is the base URL of the local gateway. A wildcard bind address
// is reached through loopback.
func (c *CLIContext) GatewayURL() string {
	host := c.Config.Gateway.Host
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Config.Gateway.Port))
}

// Close releases the database if it was opened.
func (c *CLIContext) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Log returns the invocation logger.
func (c *CLIContext) Log() *zerolog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.Get()
}
