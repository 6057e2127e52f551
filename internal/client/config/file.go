package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dmitrijs2005/petsync/internal/timex"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk form. Pointer fields tell keys that are absent
// from keys set to a zero value; durations accept "3s" or nanoseconds.
type fileConfig struct {
	ServerAddr  *string `json:"server_addr" yaml:"server_addr"`
	AccessToken *string `json:"access_token" yaml:"access_token"`
	UserID      *string `json:"user_id" yaml:"user_id"`
	DeviceID    *string `json:"device_id" yaml:"device_id"`
	DBPath      *string `json:"db_path" yaml:"db_path"`

	Debounce             *timex.Duration `json:"debounce" yaml:"debounce"`
	MaxDebounce          *timex.Duration `json:"max_debounce" yaml:"max_debounce"`
	Heartbeat            *timex.Duration `json:"heartbeat" yaml:"heartbeat"`
	BackoffMin           *timex.Duration `json:"backoff_min" yaml:"backoff_min"`
	BackoffMax           *timex.Duration `json:"backoff_max" yaml:"backoff_max"`
	BackoffJitterPercent *uint64         `json:"backoff_jitter_percent" yaml:"backoff_jitter_percent"`

	RequestTimeout     *timex.Duration `json:"request_timeout" yaml:"request_timeout"`
	PushBatchSize      *int            `json:"push_batch_size" yaml:"push_batch_size"`
	PushConcurrency    *int            `json:"push_concurrency" yaml:"push_concurrency"`
	ConfirmedRetention *timex.Duration `json:"confirmed_retention" yaml:"confirmed_retention"`
	SuppressEcho       *bool           `json:"suppress_echo" yaml:"suppress_echo"`
	Granularity        *string         `json:"conflict_granularity" yaml:"conflict_granularity"`

	OnlineCheckInterval *timex.Duration `json:"online_check_interval" yaml:"online_check_interval"`

	LogLevel  *string `json:"log_level" yaml:"log_level"`
	LogFormat *string `json:"log_format" yaml:"log_format"`
}

// loadFile decodes path as YAML when its extension says so and as JSON
// (comments and trailing commas allowed) otherwise.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &fc)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	fc.apply(c)
	return nil
}

func (fc *fileConfig) apply(c *Config) {
	set(&c.ServerAddr, fc.ServerAddr)
	set(&c.AccessToken, fc.AccessToken)
	set(&c.UserID, fc.UserID)
	set(&c.DeviceID, fc.DeviceID)
	set(&c.DBPath, fc.DBPath)

	setDuration(&c.Debounce, fc.Debounce)
	setDuration(&c.MaxDebounce, fc.MaxDebounce)
	setDuration(&c.Heartbeat, fc.Heartbeat)
	setDuration(&c.BackoffMin, fc.BackoffMin)
	setDuration(&c.BackoffMax, fc.BackoffMax)
	set(&c.BackoffJitterPercent, fc.BackoffJitterPercent)

	setDuration(&c.RequestTimeout, fc.RequestTimeout)
	set(&c.PushBatchSize, fc.PushBatchSize)
	set(&c.PushConcurrency, fc.PushConcurrency)
	setDuration(&c.ConfirmedRetention, fc.ConfirmedRetention)
	set(&c.SuppressEcho, fc.SuppressEcho)
	set(&c.Granularity, fc.Granularity)

	setDuration(&c.OnlineCheckInterval, fc.OnlineCheckInterval)

	set(&c.LogLevel, fc.LogLevel)
	set(&c.LogFormat, fc.LogFormat)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
