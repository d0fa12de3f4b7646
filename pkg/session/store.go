package session

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("session: store closed")

// Store is a parking lot for the serialized state of disconnected
// sessions. Implementations must be safe for concurrent use.
type Store interface {
	// Save parks state under id until expiresAt, overwriting any
	// previous entry for the same id.
	Save(ctx context.Context, id string, state []byte, expiresAt time.Time) error

	// Load retrieves parked state. A missing or expired entry is
	// (nil, nil); errors are reserved for backend failures.
	Load(ctx context.Context, id string) ([]byte, error)

	// Delete removes an entry. Deleting a missing entry is not an
	// error.
	Delete(ctx context.Context, id string) error

	// Touch extends an entry's expiry without rewriting its state.
	// Touching a missing entry is not an error.
	Touch(ctx context.Context, id string, expiresAt time.Time) error

	// Close releases the store's resources.
	Close() error
}
