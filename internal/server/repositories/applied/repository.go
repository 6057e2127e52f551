package applied

import (
	"context"

	"github.com/dmitrijs2005/petsync/internal/server/models"
)

// Repository remembers the result of every applied mutation so that
// resubmissions are answered without applying them again.
type Repository interface {
	// Get returns common.ErrNotFound for mutations never applied.
	Get(ctx context.Context, userID, mutationID string) (*models.Result, error)
	Insert(ctx context.Context, userID string, res *models.Result) error
}
