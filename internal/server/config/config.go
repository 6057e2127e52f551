// Package config handles configuration for the server component: defaults,
// an optional YAML or JSON file, and command-line flags, in that order of
// precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config holds runtime settings for the petsync server.
//
// An empty DatabaseDSN selects the in-memory store and an empty S3Bucket
// disables snapshot offloading.
type Config struct {
	ConfigFile string

	GRPCAddr    string
	HTTPAddr    string
	DatabaseDSN string

	SecretKey string
	TokenTTL  time.Duration

	PushRatePerSec   float64
	PushBurst        int
	SubscriberBuffer int
	ArchiveThreshold int

	S3Bucket       string
	S3Region       string
	S3BaseEndpoint string
	S3User         string
	S3Password     string

	LogLevel  string
	LogFormat string
}

// LoadDefaults populates c with development defaults.
// NOTE: the secret key must be overridden in production.
func (c *Config) LoadDefaults() {
	c.GRPCAddr = ":50051"
	c.HTTPAddr = ":8080"
	c.SecretKey = "secretKey"
	c.TokenTTL = 24 * time.Hour
	c.PushRatePerSec = 20
	c.PushBurst = 40
	c.SubscriberBuffer = 64
	c.ArchiveThreshold = 1000
	c.S3Region = "us-east-1"
	c.LogLevel = "info"
	c.LogFormat = "json"
}

// Load overlays the config file named by --config on top of the current
// values and re-applies the flags set explicitly. fs must already be parsed.
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

func (c *Config) Validate() error {
	switch {
	case c.GRPCAddr == "":
		return fmt.Errorf("grpc address is required")
	case c.SecretKey == "":
		return fmt.Errorf("secret key is required")
	case c.TokenTTL <= 0:
		return fmt.Errorf("token ttl must be positive")
	case c.PushRatePerSec < 0 || c.PushBurst < 0:
		return fmt.Errorf("push rate limit must not be negative")
	case c.PushRatePerSec > 0 && c.PushBurst == 0:
		return fmt.Errorf("push burst must be positive when a push rate is set")
	case c.SubscriberBuffer <= 0:
		return fmt.Errorf("subscriber buffer must be positive")
	case c.ArchiveThreshold < 0:
		return fmt.Errorf("archive threshold must not be negative")
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}
