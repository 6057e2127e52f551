// Package records persists the authoritative snapshot layer of the local
// state cache.
package records

import (
	"context"

	"github.com/dmitrijs2005/petsync/internal/client/models"
)

type Repository interface {
	Put(ctx context.Context, scope string, key models.EntityKey, rec *models.VersionedRecord) error
	Delete(ctx context.Context, scope string, key models.EntityKey) error
	List(ctx context.Context, scope string) (map[models.EntityKey]*models.VersionedRecord, error)
	Clear(ctx context.Context, scope string) error
}
