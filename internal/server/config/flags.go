package config

import "github.com/spf13/pflag"

// BindFlags registers the server flags on fs with the current values of c
// as defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.ConfigFile, "config", "c", c.ConfigFile, "config file (YAML or JSON)")

	fs.StringVarP(&c.GRPCAddr, "addr", "a", c.GRPCAddr, "gRPC listen address")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "health endpoint listen address, empty to disable")
	fs.StringVarP(&c.DatabaseDSN, "dsn", "d", c.DatabaseDSN, "PostgreSQL DSN, empty for the in-memory store")

	fs.StringVarP(&c.SecretKey, "secret", "s", c.SecretKey, "JWT HMAC secret key")
	fs.DurationVar(&c.TokenTTL, "token-ttl", c.TokenTTL, "validity of minted access tokens")

	fs.Float64Var(&c.PushRatePerSec, "push-rate", c.PushRatePerSec, "push calls per second allowed per user, 0 for unlimited")
	fs.IntVar(&c.PushBurst, "push-burst", c.PushBurst, "push burst allowed per user")
	fs.IntVar(&c.SubscriberBuffer, "subscriber-buffer", c.SubscriberBuffer, "change events buffered per subscriber before it is dropped")
	fs.IntVar(&c.ArchiveThreshold, "archive-threshold", c.ArchiveThreshold, "records from which a full snapshot is offloaded to S3, 0 to disable")

	fs.StringVar(&c.S3Bucket, "s3-bucket", c.S3Bucket, "S3 bucket for snapshot archives, empty to disable")
	fs.StringVar(&c.S3Region, "s3-region", c.S3Region, "S3 region")
	fs.StringVar(&c.S3BaseEndpoint, "s3-endpoint", c.S3BaseEndpoint, "S3 base endpoint (MinIO)")
	fs.StringVar(&c.S3User, "s3-user", c.S3User, "S3 access key")
	fs.StringVar(&c.S3Password, "s3-password", c.S3Password, "S3 secret key")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "text or json")
}
