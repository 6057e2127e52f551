package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/petsync/internal/timex"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk form. Durations accept "3s" or nanoseconds.
type fileConfig struct {
	GRPCAddr    *string `json:"grpc_addr" yaml:"grpc_addr"`
	HTTPAddr    *string `json:"http_addr" yaml:"http_addr"`
	DatabaseDSN *string `json:"database_dsn" yaml:"database_dsn"`

	SecretKey *string         `json:"secret_key" yaml:"secret_key"`
	TokenTTL  *timex.Duration `json:"token_ttl" yaml:"token_ttl"`

	PushRatePerSec   *float64 `json:"push_rate_per_sec" yaml:"push_rate_per_sec"`
	PushBurst        *int     `json:"push_burst" yaml:"push_burst"`
	SubscriberBuffer *int     `json:"subscriber_buffer" yaml:"subscriber_buffer"`
	ArchiveThreshold *int     `json:"archive_threshold" yaml:"archive_threshold"`

	S3Bucket       *string `json:"s3_bucket" yaml:"s3_bucket"`
	S3Region       *string `json:"s3_region" yaml:"s3_region"`
	S3BaseEndpoint *string `json:"s3_base_endpoint" yaml:"s3_base_endpoint"`
	S3User         *string `json:"s3_user" yaml:"s3_user"`
	S3Password     *string `json:"s3_password" yaml:"s3_password"`

	LogLevel  *string `json:"log_level" yaml:"log_level"`
	LogFormat *string `json:"log_format" yaml:"log_format"`
}

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

	set(&c.GRPCAddr, fc.GRPCAddr)
	set(&c.HTTPAddr, fc.HTTPAddr)
	set(&c.DatabaseDSN, fc.DatabaseDSN)
	set(&c.SecretKey, fc.SecretKey)
	if fc.TokenTTL != nil {
		c.TokenTTL = fc.TokenTTL.Duration
	}
	set(&c.PushRatePerSec, fc.PushRatePerSec)
	set(&c.PushBurst, fc.PushBurst)
	set(&c.SubscriberBuffer, fc.SubscriberBuffer)
	set(&c.ArchiveThreshold, fc.ArchiveThreshold)
	set(&c.S3Bucket, fc.S3Bucket)
	set(&c.S3Region, fc.S3Region)
	set(&c.S3BaseEndpoint, fc.S3BaseEndpoint)
	set(&c.S3User, fc.S3User)
	set(&c.S3Password, fc.S3Password)
	set(&c.LogLevel, fc.LogLevel)
	set(&c.LogFormat, fc.LogFormat)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
