// Package sessionvalkey stores sessions and login states in Valkey. Every
// object is one JSON document under <prefix>:<type>:<id>.
package sessionvalkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/auth-gateway/internal/serviceerr"
	"github.com/openkcm/auth-gateway/internal/session"
)

type ObjectType string

const (
	objectTypeSession ObjectType = "session"
	objectTypeState   ObjectType = "state"
)

var (
	ErrGetSessions   = errors.New("getting sessions from store")
	ErrGetState      = errors.New("getting state from store")
	ErrStoreState    = errors.New("setting state into storage")
	ErrStoreSession  = errors.New("setting session into storage")
	ErrGetSession    = errors.New("getting session from store")
	ErrDeleteSession = errors.New("deleting session from store")
)

type Repository struct {
	store      *store
	sessionTTL time.Duration
	stateTTL   time.Duration
}

var _ = session.Repository(&Repository{})

// NewRepository returns a repository whose sessions expire sessionTTL after
// their last write and whose states expire stateTTL after they were stored.
func NewRepository(valkeyClient valkey.Client, prefix string, sessionTTL, stateTTL time.Duration) *Repository {
	return &Repository{
		store:      newStore(valkeyClient, prefix),
		sessionTTL: sessionTTL,
		stateTTL:   stateTTL,
	}
}

func (r *Repository) LoadState(ctx context.Context, stateID string) (session.State, error) {
	var state session.State
	if err := r.store.Get(ctx, objectTypeState, stateID, &state); err != nil {
		return session.State{}, errors.Join(ErrGetState, err)
	}

	return state, nil
}

func (r *Repository) StoreState(ctx context.Context, state session.State) error {
	if err := r.store.Set(ctx, objectTypeState, state.ID, state, r.stateTTL); err != nil {
		return errors.Join(ErrStoreState, err)
	}

	return nil
}

func (r *Repository) DeleteState(ctx context.Context, stateID string) error {
	existed, err := r.store.Destroy(ctx, objectTypeState, stateID)
	if err != nil {
		return fmt.Errorf("deleting state from store: %w", err)
	}
	if !existed {
		return serviceerr.ErrNotFound
	}

	return nil
}

// PurgeStates does nothing; states expire through their TTL.
func (r *Repository) PurgeStates(context.Context, time.Time) error {
	return nil
}

func (r *Repository) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	var s session.Session
	if err := r.store.Get(ctx, objectTypeSession, sessionID, &s); err != nil {
		return session.Session{}, errors.Join(ErrGetSession, err)
	}

	return s, nil
}

func (r *Repository) StoreSession(ctx context.Context, s session.Session) error {
	if err := r.store.Set(ctx, objectTypeSession, s.ID, s, r.sessionTTL); err != nil {
		return errors.Join(ErrStoreSession, err)
	}

	return nil
}

func (r *Repository) ListSessions(ctx context.Context) ([]session.Session, error) {
	var sessions []session.Session
	if err := getStoreObjects(ctx, r.store, objectTypeSession, &sessions); err != nil {
		return nil, errors.Join(ErrGetSessions, err)
	}

	return sessions, nil
}

func (r *Repository) DeleteSession(ctx context.Context, sessionID string) error {
	existed, err := r.store.Destroy(ctx, objectTypeSession, sessionID)
	if err != nil {
		return errors.Join(ErrDeleteSession, err)
	}
	if !existed {
		return serviceerr.ErrNotFound
	}

	return nil
}
