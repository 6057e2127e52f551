package records

import (
	"context"

	"github.com/dmitrijs2005/petsync/internal/server/models"
)

type Repository interface {
	// GetForUpdate loads a record and locks it until the transaction ends.
	// It returns common.ErrNotFound when the record does not exist.
	GetForUpdate(ctx context.Context, userID, kind, entityID string) (*models.Record, error)
	Upsert(ctx context.Context, rec *models.Record) error
	// SelectUpdated returns the user's records written after version, in
	// version order.
	SelectUpdated(ctx context.Context, userID string, version int64) ([]*models.Record, error)
}
