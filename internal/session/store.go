// Package session keeps the server side sessions of the gateway and the
// login states of logins in progress.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openkcm/common-sdk/pkg/csrf"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/auth-gateway/internal/claims"
	"github.com/openkcm/auth-gateway/internal/pkce"
	"github.com/openkcm/auth-gateway/internal/rbac"
	"github.com/openkcm/auth-gateway/internal/serviceerr"
)

const (
	DefaultSessionDuration = 12 * time.Hour

	// DefaultAccessTokenLifetime applies to refreshed access tokens when
	// neither the provider nor the previous token tell a lifetime.
	DefaultAccessTokenLifetime = 5 * time.Minute
)

// Refresher exchanges a refresh token for new tokens.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (claims.TokenResponse, error)
}

// NewSession is the identity and tokens a session is created from.
type NewSession struct {
	Subject     string
	Role        rbac.Role
	Tokens      claims.TokenResponse
	Fingerprint string
}

// Store creates, refreshes and destroys sessions. Operations changing a
// stored session are serialized per session ID; Lookup takes no lock.
type Store struct {
	repo      Repository
	refresher Refresher
	clock     clockwork.Clock
	ids       pkce.Source
	locks     *keyedMutex

	csrfSecret      []byte
	sessionDuration time.Duration
}

func NewStore(repo Repository, refresher Refresher, csrfSecret []byte, sessionDuration time.Duration, clock clockwork.Clock) *Store {
	if sessionDuration <= 0 {
		sessionDuration = DefaultSessionDuration
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Store{
		repo:            repo,
		refresher:       refresher,
		clock:           clock,
		locks:           newKeyedMutex(),
		csrfSecret:      csrfSecret,
		sessionDuration: sessionDuration,
	}
}

// Create stores a new session. If supersedes names a session, that session
// is destroyed so the client keeps a single active session.
func (s *Store) Create(ctx context.Context, ns NewSession, supersedes string) (Session, error) {
	if ns.Tokens.AccessToken == "" || ns.Tokens.Expiry.IsZero() {
		return Session{}, errors.Join(serviceerr.ErrMalformedToken, errors.New("session needs an access token with an expiry"))
	}
	if !ns.Role.Valid() {
		return Session{}, fmt.Errorf("%w: role %q", serviceerr.ErrUnknownRole, ns.Role)
	}

	now := s.clock.Now()
	id := s.ids.SessionID()

	sess := Session{
		ID:                  id,
		Subject:             ns.Subject,
		Role:                ns.Role,
		AccessToken:         ns.Tokens.AccessToken,
		AccessTokenExpiry:   ns.Tokens.Expiry,
		AccessTokenLifetime: ns.Tokens.Expiry.Sub(now),
		RefreshToken:        ns.Tokens.RefreshToken,
		IDToken:             ns.Tokens.IDToken,
		CSRFToken:           csrf.NewToken(id, s.csrfSecret),
		Fingerprint:         ns.Fingerprint,
		CreatedAt:           now,
		LastVisited:         now,
		ExpiresAt:           now.Add(s.sessionDuration),
	}

	if err := s.repo.StoreSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("storing session: %w", err)
	}

	if supersedes != "" {
		if err := s.Destroy(ctx, supersedes); err != nil {
			slogctx.Warn(ctx, "Could not destroy superseded session", "session", LogID(supersedes), "error", err)
		}
	}

	return sess, nil
}

// Lookup returns the stored session without modifying it.
func (s *Store) Lookup(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, serviceerr.ErrNotFound
	}

	return s.repo.LoadSession(ctx, id)
}

// Refresh renews the access token of an expired session. A session that was
// refreshed by a concurrent request in the meantime is returned as is. When
// the provider rejects the refresh token it is removed from the session and
// serviceerr.ErrUnrefreshable is returned. A cancelled request leaves the
// session unchanged.
func (s *Store) Refresh(ctx context.Context, id string) (Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.repo.LoadSession(ctx, id)
	if err != nil {
		return Session{}, err
	}

	now := s.clock.Now()
	if !sess.Expired(now) {
		return sess, nil
	}
	if sess.Unrecoverable(now) {
		return Session{}, errors.Join(serviceerr.ErrUnrefreshable, errors.New("session has no usable refresh token"))
	}

	tokens, err := s.refresher.Refresh(ctx, sess.RefreshToken)
	if errors.Is(ctx.Err(), context.Canceled) {
		return Session{}, fmt.Errorf("refreshing session: %w", ctx.Err())
	}
	if err == nil && tokens.AccessToken == "" {
		err = errors.New("refresh response without an access token")
	}
	if err != nil {
		sess.RefreshToken = ""
		if storeErr := s.repo.StoreSession(ctx, sess); storeErr != nil {
			slogctx.Error(ctx, "Could not clear refresh token", "session", LogID(id), "error", storeErr)
		}

		if !errors.Is(err, serviceerr.ErrUnrefreshable) {
			err = errors.Join(serviceerr.ErrUnrefreshable, err)
		}

		return Session{}, err
	}

	expiry := tokens.Expiry
	if !now.Before(expiry) {
		lifetime := sess.AccessTokenLifetime
		if lifetime <= 0 {
			lifetime = DefaultAccessTokenLifetime
		}

		expiry = now.Add(lifetime)
	}

	sess.AccessToken = tokens.AccessToken
	sess.AccessTokenExpiry = expiry
	sess.AccessTokenLifetime = expiry.Sub(now)
	if tokens.RefreshToken != "" {
		sess.RefreshToken = tokens.RefreshToken
	}
	if tokens.IDToken != "" {
		sess.IDToken = tokens.IDToken
	}

	if err := s.repo.StoreSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("storing refreshed session: %w", err)
	}

	slogctx.Debug(ctx, "Refreshed session", "session", LogID(id))

	return sess, nil
}

// Destroy removes a session. Destroying an unknown session is not an error.
func (s *Store) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.repo.DeleteSession(ctx, id); err != nil && !errors.Is(err, serviceerr.ErrNotFound) {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

// Touch records a visit. It does not extend any expiry.
func (s *Store) Touch(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.repo.LoadSession(ctx, id)
	if err != nil {
		return err
	}

	sess.LastVisited = s.clock.Now()

	return s.repo.StoreSession(ctx, sess)
}

// ValidateCSRFToken checks a CSRF token against the session it was issued
// for.
func (s *Store) ValidateCSRFToken(token, sessionID string) bool {
	if token == "" || sessionID == "" {
		return false
	}

	return csrf.Validate(token, sessionID, s.csrfSecret)
}

// SaveState stores the state of a login in progress.
func (s *Store) SaveState(ctx context.Context, state State) error {
	if err := s.repo.StoreState(ctx, state); err != nil {
		return fmt.Errorf("storing login state: %w", err)
	}

	return nil
}

// ConsumeState loads and deletes a login state. A state can be consumed
// once; expired states fail with serviceerr.ErrStateExpired.
func (s *Store) ConsumeState(ctx context.Context, id string) (State, error) {
	if id == "" {
		return State{}, serviceerr.ErrNotFound
	}

	unlock := s.locks.Lock("state:" + id)
	defer unlock()

	state, err := s.repo.LoadState(ctx, id)
	if err != nil {
		return State{}, err
	}

	if err := s.repo.DeleteState(ctx, id); err != nil {
		return State{}, fmt.Errorf("deleting login state: %w", err)
	}

	if state.Expired(s.clock.Now()) {
		return State{}, serviceerr.ErrStateExpired
	}

	return state, nil
}

// CleanupSessions destroys sessions idle for longer than idleTimeout and
// sessions that can no longer become valid. It also purges expired login
// states.
func (s *Store) CleanupSessions(ctx context.Context, idleTimeout time.Duration) error {
	now := s.clock.Now()

	if err := s.repo.PurgeStates(ctx, now); err != nil {
		slogctx.Warn(ctx, "Could not purge login states", "error", err)
	}

	sessions, err := s.repo.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	var deleted int
	for _, sess := range sessions {
		if !reapable(sess, now, idleTimeout) {
			continue
		}

		ok, err := s.reap(ctx, sess.ID, idleTimeout)
		if err != nil {
			slogctx.Warn(ctx, "Could not delete session", "session", LogID(sess.ID), "error", err)
			continue
		}
		if ok {
			deleted++
		}
	}

	slogctx.Info(ctx, "Cleaned up sessions", "deleted", deleted, "remaining", len(sessions)-deleted)

	return nil
}

// reap deletes a session if it is still reapable once the session lock is
// held. Requests may have used it since it was listed.
func (s *Store) reap(ctx context.Context, id string, idleTimeout time.Duration) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.repo.LoadSession(ctx, id)
	if errors.Is(err, serviceerr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if !reapable(sess, s.clock.Now(), idleTimeout) {
		return false, nil
	}

	if err := s.repo.DeleteSession(ctx, id); err != nil && !errors.Is(err, serviceerr.ErrNotFound) {
		return false, fmt.Errorf("deleting session: %w", err)
	}

	return true, nil
}

func reapable(sess Session, now time.Time, idleTimeout time.Duration) bool {
	idle := idleTimeout > 0 && now.Sub(sess.LastVisited) >= idleTimeout

	return idle || sess.Unrecoverable(now)
}
