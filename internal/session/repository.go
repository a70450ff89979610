package session

import (
	"context"
	"time"
)

// Repository persists sessions and login states. Load operations return
// serviceerr.ErrNotFound for unknown IDs. StoreSession replaces a stored
// session atomically.
type Repository interface {
	// State operations
	LoadState(ctx context.Context, stateID string) (State, error)
	StoreState(ctx context.Context, state State) error
	DeleteState(ctx context.Context, stateID string) error
	// PurgeStates removes states that expired before now. Repositories
	// that expire entries on their own may do nothing.
	PurgeStates(ctx context.Context, now time.Time) error
	// Session operations
	LoadSession(ctx context.Context, sessionID string) (Session, error)
	StoreSession(ctx context.Context, session Session) error
	ListSessions(ctx context.Context) ([]Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}
