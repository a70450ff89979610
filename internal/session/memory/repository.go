// Package sessionmemory keeps sessions in process memory. It is meant for
// single instance deployments; sessions are lost on restart.
package sessionmemory

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/openkcm/auth-gateway/internal/serviceerr"
	"github.com/openkcm/auth-gateway/internal/session"
)

const cleanupInterval = 5 * time.Minute

type Repository struct {
	sessions *cache.Cache
	states   *cache.Cache
}

var _ = session.Repository(&Repository{})

// NewRepository returns a repository evicting sessions sessionTTL after
// their last write and states stateTTL after they were stored.
func NewRepository(sessionTTL, stateTTL time.Duration) *Repository {
	return &Repository{
		sessions: cache.New(sessionTTL, cleanupInterval),
		states:   cache.New(stateTTL, cleanupInterval),
	}
}

func (r *Repository) LoadState(_ context.Context, stateID string) (session.State, error) {
	v, ok := r.states.Get(stateID)
	if !ok {
		return session.State{}, serviceerr.ErrNotFound
	}

	state, _ := v.(session.State)

	return state, nil
}

func (r *Repository) StoreState(_ context.Context, state session.State) error {
	r.states.SetDefault(state.ID, state)
	return nil
}

func (r *Repository) DeleteState(_ context.Context, stateID string) error {
	if _, ok := r.states.Get(stateID); !ok {
		return serviceerr.ErrNotFound
	}

	r.states.Delete(stateID)

	return nil
}

// PurgeStates does nothing; the cache janitor evicts expired states.
func (r *Repository) PurgeStates(context.Context, time.Time) error {
	return nil
}

func (r *Repository) LoadSession(_ context.Context, sessionID string) (session.Session, error) {
	v, ok := r.sessions.Get(sessionID)
	if !ok {
		return session.Session{}, serviceerr.ErrNotFound
	}

	sess, _ := v.(session.Session)

	return sess, nil
}

func (r *Repository) StoreSession(_ context.Context, sess session.Session) error {
	r.sessions.SetDefault(sess.ID, sess)
	return nil
}

func (r *Repository) ListSessions(context.Context) ([]session.Session, error) {
	items := r.sessions.Items()

	sessions := make([]session.Session, 0, len(items))
	for _, item := range items {
		if sess, ok := item.Object.(session.Session); ok {
			sessions = append(sessions, sess)
		}
	}

	return sessions, nil
}

func (r *Repository) DeleteSession(_ context.Context, sessionID string) error {
	if _, ok := r.sessions.Get(sessionID); !ok {
		return serviceerr.ErrNotFound
	}

	r.sessions.Delete(sessionID)

	return nil
}
