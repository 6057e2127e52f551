// Package metadata keeps small named values next to the synced data: the
// device id, the last local sequence number, the snapshot version. Values
// are partitioned by scope so several users can share one database file.
package metadata

import "context"

// GlobalScope holds values shared by every user of the installation.
const GlobalScope = ""

type Repository interface {
	// Get returns nil when nothing is stored under key.
	Get(ctx context.Context, scope, key string) ([]byte, error)
	Set(ctx context.Context, scope, key string, value []byte) error

	// GetInt reports false when nothing is stored under key.
	GetInt(ctx context.Context, scope, key string) (int64, bool, error)
	SetInt(ctx context.Context, scope, key string, value int64) error
}
