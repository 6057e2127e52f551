// Package mutations persists the local mutation log.
package mutations

import (
	"context"
	"time"

	"github.com/dmitrijs2005/petsync/internal/client/models"
)

type Repository interface {
	Insert(ctx context.Context, scope string, m *models.Mutation) error
	// List returns every stored mutation of scope in local_seq order.
	List(ctx context.Context, scope string) ([]*models.Mutation, error)
	UpdateStatus(ctx context.Context, scope, id string, status models.MutationStatus, reason string, at time.Time) error
	SetDropped(ctx context.Context, scope, id string, dropped []string, at time.Time) error
	DeleteConfirmedBefore(ctx context.Context, scope string, before time.Time) (int64, error)
}
