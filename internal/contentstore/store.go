// Package contentstore wraps the external content-addressed storage
// collaborator. Billing code only sees this interface; failures are
// surfaced as errors so callers can apply their own fatality policy
// (abort on creation paths, best-effort on deletion paths).
package contentstore

import (
	"context"
	"errors"
)

var (
	ErrAddFailed   = errors.New("content store add failed")
	ErrPinFailed   = errors.New("content store pin failed")
	ErrUnpinFailed = errors.New("content store unpin failed")
)

// Store is the content-addressed storage collaborator.
type Store interface {
	// Add ingests a local file and returns its content identifier.
	Add(ctx context.Context, path string) (string, error)
	// Pin pins a content identifier with the given replication bounds.
	Pin(ctx context.Context, cid string, replicaMin, replicaMax int) error
	// Unpin removes a pinned content identifier.
	Unpin(ctx context.Context, cid string) error
}
