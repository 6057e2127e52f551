package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config holds runtime settings for the petsync CLI.
type Config struct {
	ConfigFile string

	ServerAddr  string
	AccessToken string
	UserID      string
	DeviceID    string
	DBPath      string

	Debounce             time.Duration
	MaxDebounce          time.Duration
	Heartbeat            time.Duration
	BackoffMin           time.Duration
	BackoffMax           time.Duration
	BackoffJitterPercent uint64

	RequestTimeout     time.Duration
	PushBatchSize      int
	PushConcurrency    int
	ConfirmedRetention time.Duration
	SuppressEcho       bool
	Granularity        string

	// OnlineCheckInterval is how often the server is pinged while the
	// client runs; a ping that succeeds after failures counts as a
	// reconnect.
	OnlineCheckInterval time.Duration

	LogLevel  string
	LogFormat string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerAddr = "127.0.0.1:50051"
	c.DBPath = "petsync.db"
	c.Debounce = 500 * time.Millisecond
	c.MaxDebounce = 5 * time.Second
	c.Heartbeat = time.Minute
	c.BackoffMin = time.Second
	c.BackoffMax = time.Minute
	c.BackoffJitterPercent = 20
	c.RequestTimeout = 10 * time.Second
	c.PushBatchSize = 100
	c.PushConcurrency = 4
	c.ConfirmedRetention = 24 * time.Hour
	c.Granularity = "field"
	c.OnlineCheckInterval = 3 * time.Second
	c.LogLevel = "info"
	c.LogFormat = "text"
}

// Load overlays the config file named by --config on top of the current
// values, then re-applies the flags the user set explicitly, so the order
// of precedence is defaults, file, flags. fs must already be parsed.
func (c *Config) Load(fs *pflag.FlagSet) error {
	if c.ConfigFile != "" {
		changed := map[string]string{}
		fs.Visit(func(f *pflag.Flag) {
			changed[f.Name] = f.Value.String()
		})

		if err := c.loadFile(c.ConfigFile); err != nil {
			return err
		}

		for name, value := range changed {
			if err := fs.Set(name, value); err != nil {
				return fmt.Errorf("reapply flag --%s: %w", name, err)
			}
		}
	}
	return c.Validate()
}

// Validate reports settings that would make the engine misbehave.
func (c *Config) Validate() error {
	switch {
	case c.ServerAddr == "":
		return fmt.Errorf("server address is required")
	case c.DBPath == "":
		return fmt.Errorf("database path is required")
	case c.Debounce < 0 || c.MaxDebounce < 0:
		return fmt.Errorf("debounce must not be negative")
	case c.MaxDebounce > 0 && c.MaxDebounce < c.Debounce:
		return fmt.Errorf("max debounce %s is shorter than debounce %s", c.MaxDebounce, c.Debounce)
	case c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin:
		return fmt.Errorf("invalid backoff range %s..%s", c.BackoffMin, c.BackoffMax)
	case c.BackoffJitterPercent > 100:
		return fmt.Errorf("backoff jitter must be a percentage")
	case c.PushBatchSize <= 0 || c.PushConcurrency <= 0:
		return fmt.Errorf("push batch size and concurrency must be positive")
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}
