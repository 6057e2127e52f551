package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dmitrijs2005/petsync/internal/common"
	"github.com/dmitrijs2005/petsync/internal/server/models"
)

type userState struct {
	version int64
	records map[string]*models.Record
	applied map[string]*models.Result
}

// InMemory keeps everything in process memory. Transactions are serialized
// by one lock.
type InMemory struct {
	mu     sync.Mutex
	users  map[string]*userState
	closed bool
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{users: map[string]*userState{}}
}

func recordKey(kind, entityID string) string {
	return kind + "/" + entityID
}

func (s *InMemory) user(userID string) *userState {
	u, ok := s.users[userID]
	if !ok {
		u = &userState{records: map[string]*models.Record{}, applied: map[string]*models.Result{}}
		s.users[userID] = u
	}
	return u
}

func (s *InMemory) InTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return common.ErrClosed
	}

	tx := &memTx{
		user:    s.user(userID),
		records: map[string]*models.Record{},
		applied: map[string]*models.Result{},
	}
	tx.version = tx.user.version
	if err := fn(ctx, tx); err != nil {
		return err
	}

	tx.user.version = tx.version
	for k, r := range tx.records {
		tx.user.records[k] = r
	}
	for id, r := range tx.applied {
		tx.user.applied[id] = r
	}
	return nil
}

func (s *InMemory) Changes(ctx context.Context, userID string, since int64) ([]*models.Record, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, common.ErrClosed
	}

	u, ok := s.users[userID]
	if !ok {
		return nil, 0, nil
	}
	var out []*models.Record
	for _, r := range u.records {
		if r.Version > since {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, u.version, nil
}

func (s *InMemory) Version(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, common.ErrClosed
	}
	if u, ok := s.users[userID]; ok {
		return u.version, nil
	}
	return 0, nil
}

func (s *InMemory) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return common.ErrClosed
	}
	return nil
}

func (s *InMemory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// memTx stages writes until InTx commits them.
type memTx struct {
	user    *userState
	version int64
	records map[string]*models.Record
	applied map[string]*models.Result
}

func (t *memTx) Applied(ctx context.Context, mutationID string) (*models.Result, error) {
	if r, ok := t.applied[mutationID]; ok {
		return r, nil
	}
	if r, ok := t.user.applied[mutationID]; ok {
		return r, nil
	}
	return nil, common.ErrNotFound
}

func (t *memTx) LockRecord(ctx context.Context, kind, entityID string) (*models.Record, error) {
	k := recordKey(kind, entityID)
	if r, ok := t.records[k]; ok {
		return r.Clone(), nil
	}
	if r, ok := t.user.records[k]; ok {
		return r.Clone(), nil
	}
	return nil, common.ErrNotFound
}

func (t *memTx) PutRecord(ctx context.Context, rec *models.Record) error {
	t.records[recordKey(rec.Kind, rec.EntityID)] = rec.Clone()
	return nil
}

func (t *memTx) NextVersion(ctx context.Context) (int64, error) {
	t.version++
	return t.version, nil
}

func (t *memTx) SaveResult(ctx context.Context, res *models.Result) error {
	t.applied[res.MutationID] = res
	return nil
}
