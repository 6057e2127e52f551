// Package device manages the stable per-installation identifier that tags
// every mutation and lets the engine recognize its own change echoes.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/petsync/internal/client/repositories/metadata"
	"github.com/google/uuid"
)

const metadataKey = "device_id"

var ErrInvalidDeviceID = errors.New("invalid device id")

// Ensure returns the device id stored for this installation, generating
// and persisting a new one on first use.
func Ensure(ctx context.Context, repo metadata.Repository) (string, error) {
	raw, err := repo.Get(ctx, metadata.GlobalScope, metadataKey)
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}
	if raw != nil {
		id := string(raw)
		if err := Validate(id); err != nil {
			return "", err
		}
		return id, nil
	}

	id := uuid.NewString()
	if err := repo.Set(ctx, metadata.GlobalScope, metadataKey, []byte(id)); err != nil {
		return "", fmt.Errorf("store device id: %w", err)
	}
	return id, nil
}

// Validate rejects blank ids and ids containing the scope separator.
func Validate(id string) error {
	if strings.TrimSpace(id) == "" || strings.Contains(id, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, id)
	}
	return nil
}
