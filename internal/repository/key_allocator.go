package repository

import (
	"context"

	"github.com/veolab/igeo-bridge/internal/domain"
)

// KeyAllocator mints sequence numbers from the technical_keys table.
type KeyAllocator interface {
	// Allocate returns the next value for scope. It must run inside the
	// caller's transaction: the counter row stays locked until commit, and a
	// rollback releases the value.
	Allocate(ctx context.Context, scope domain.KeyScope) (int64, error)
}
