package config

import "github.com/spf13/pflag"

// BindFlags registers the persistent CLI flags on fs, using the current
// values of c as flag defaults. Call LoadDefaults first.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.ConfigFile, "config", "c", c.ConfigFile, "path to a YAML or JSON config file")

	fs.StringVarP(&c.ServerAddr, "addr", "a", c.ServerAddr, "address and port of the sync server")
	fs.StringVar(&c.AccessToken, "token", c.AccessToken, "bearer token for the sync server")
	fs.StringVarP(&c.UserID, "user", "u", c.UserID, "user id the local state belongs to")
	fs.StringVar(&c.DeviceID, "device", c.DeviceID, "override the generated device id")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "path of the local SQLite database")

	fs.DurationVar(&c.Debounce, "debounce", c.Debounce, "quiet period before pushing local edits")
	fs.DurationVar(&c.MaxDebounce, "max-debounce", c.MaxDebounce, "longest a debounce window may last")
	fs.DurationVar(&c.Heartbeat, "heartbeat", c.Heartbeat, "interval of background pulls (0 disables)")
	fs.DurationVar(&c.BackoffMin, "backoff-min", c.BackoffMin, "first retry delay after a transport failure")
	fs.DurationVar(&c.BackoffMax, "backoff-max", c.BackoffMax, "retry delay cap")
	fs.Uint64Var(&c.BackoffJitterPercent, "backoff-jitter", c.BackoffJitterPercent, "retry delay jitter in percent")

	fs.DurationVar(&c.RequestTimeout, "timeout", c.RequestTimeout, "timeout of a single server request")
	fs.IntVar(&c.PushBatchSize, "batch", c.PushBatchSize, "mutations pushed per batch")
	fs.IntVar(&c.PushConcurrency, "push-concurrency", c.PushConcurrency, "entities pushed in parallel")
	fs.DurationVar(&c.ConfirmedRetention, "retention", c.ConfirmedRetention, "how long confirmed mutations are kept")
	fs.BoolVar(&c.SuppressEcho, "suppress-echo", c.SuppressEcho, "ignore change events caused by this device")
	fs.StringVar(&c.Granularity, "granularity", c.Granularity, "conflict granularity: field or record")

	fs.DurationVarP(&c.OnlineCheckInterval, "online-check", "i", c.OnlineCheckInterval, "server reachability check interval (0 disables)")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "text or json")
}
