package users

import "context"

// Repository keeps the per-user version counter.
type Repository interface {
	// IncrementCurrentVersion bumps the user's version and returns it,
	// creating the user on first use. Inside a transaction the user row
	// stays locked until commit, which serializes writers of one user.
	IncrementCurrentVersion(ctx context.Context, userID string) (int64, error)
	// CurrentVersion returns 0 for unknown users.
	CurrentVersion(ctx context.Context, userID string) (int64, error)
}
