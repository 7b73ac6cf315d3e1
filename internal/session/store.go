package session

import (
	"context"
	"errors"
	"time"
)

// Store errors surfaced to the manager.
var (
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMemberNotFound is returned when a socket id has no member.
	ErrMemberNotFound = errors.New("member not found")

	// ErrDuplicateRequest is returned when a socket already has a
	// pending leader request.
	ErrDuplicateRequest = errors.New("leader request already pending")
)

// DefaultTTL is the document expiry refreshed on every mutation.
const DefaultTTL = 24 * time.Hour

// Store persists one document per session id with a TTL refreshed on
// every Put. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the session, or (nil, nil) when the id is unknown.
	Get(ctx context.Context, id string) (*Session, error)

	// Put writes the whole document and refreshes its expiry.
	Put(ctx context.Context, s *Session) error

	// Delete removes the document, reporting whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// List returns all live sessions. Used by idle cleanup.
	List(ctx context.Context) ([]*Session, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
