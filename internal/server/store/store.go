// Package store is the authoritative state of the backend: the records of
// every user, the per-user version counter and the remembered results of
// applied mutations.
//
// Every mutation is applied inside one transaction obtained from InTx, so
// its record write, version bump and stored result become visible together.
package store

import (
	"context"

	"github.com/dmitrijs2005/petsync/internal/server/models"
)

// Tx is the view of one user's state inside a transaction.
type Tx interface {
	// Applied returns the stored result of a mutation, or common.ErrNotFound.
	Applied(ctx context.Context, mutationID string) (*models.Result, error)
	// LockRecord loads a record for modification, or returns
	// common.ErrNotFound.
	LockRecord(ctx context.Context, kind, entityID string) (*models.Record, error)
	PutRecord(ctx context.Context, rec *models.Record) error
	// NextVersion bumps and returns the user's version.
	NextVersion(ctx context.Context) (int64, error)
	SaveResult(ctx context.Context, res *models.Result) error
}

type Store interface {
	// InTx runs fn in a transaction scoped to userID. The writes made by fn
	// are kept only if it returns nil.
	InTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error
	// Changes returns the records written after since, in version order,
	// together with the user's current version as seen by the same read.
	Changes(ctx context.Context, userID string, since int64) ([]*models.Record, int64, error)
	Version(ctx context.Context, userID string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
