// Package transport carries mutations to the backend and remote state back.
//
// Transport is the narrow interface the engine depends on; GRPC implements
// it over the petsync sync service.
package transport

import (
	"cmp"
	"context"
	"slices"

	"github.com/dmitrijs2005/petsync/internal/client/models"
)

// Transport is the request/response channel plus the change-notification
// channel to the authoritative store. Errors are classified with the
// sentinels of package common; only common.ErrTransport is retryable.
type Transport interface {
	// Push submits a batch. Mutations of one entity are sent in LocalSeq
	// order. A partial result may accompany an error; mutations without an
	// outcome should be retried.
	Push(ctx context.Context, batch []*models.Mutation) (*models.PushResult, error)

	// Pull fetches changes after since, or a full snapshot when since is nil.
	Pull(ctx context.Context, since *int64) (*models.StateSnapshot, error)

	// Subscribe delivers remote changes to fn until the subscription is
	// closed or ctx ends. fn is called from a single goroutine.
	Subscribe(ctx context.Context, fn func(models.RemoteChange)) (Subscription, error)

	Close() error
}

type Subscription interface {
	// Close stops delivery and waits for the delivering goroutine to exit.
	Close()
}

// PartitionByEntity groups batch by entity. Groups are ordered by the
// LocalSeq of their first mutation and keep LocalSeq order inside.
func PartitionByEntity(batch []*models.Mutation) [][]*models.Mutation {
	sorted := slices.Clone(batch)
	slices.SortStableFunc(sorted, func(a, b *models.Mutation) int { return cmp.Compare(a.LocalSeq, b.LocalSeq) })

	index := make(map[models.EntityKey]int)
	var groups [][]*models.Mutation
	for _, m := range sorted {
		i, ok := index[m.Entity]
		if !ok {
			i = len(groups)
			index[m.Entity] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	return groups
}
