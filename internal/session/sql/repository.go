// Package sessionsql stores sessions and login states in PostgreSQL. The
// schema is managed by the migrations in the sql directory.
package sessionsql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openkcm/auth-gateway/internal/rbac"
	"github.com/openkcm/auth-gateway/internal/serviceerr"
	"github.com/openkcm/auth-gateway/internal/session"
)

type Repository struct {
	db *pgxpool.Pool
}

var _ = session.Repository(&Repository{})

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db: db,
	}
}

const sessionColumns = `id, subject, role, access_token, access_token_expiry, refresh_token, id_token, csrf_token, fingerprint, created_at, last_visited, expires_at, access_token_lifetime`

func (r *Repository) LoadState(ctx context.Context, stateID string) (state session.State, _ error) {
	if err := r.db.QueryRow(ctx, `SELECT id, nonce, pkce_verifier, fingerprint, return_uri, expiry
FROM login_states
WHERE id = $1;`,
		stateID,
	).
		Scan(&state.ID, &state.Nonce, &state.PKCEVerifier, &state.Fingerprint, &state.ReturnURI, &state.Expiry); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.State{}, serviceerr.ErrNotFound
		}

		return session.State{}, fmt.Errorf("selecting from login_states: %w", err)
	}

	return state, nil
}

func (r *Repository) StoreState(ctx context.Context, state session.State) error {
	if _, err := r.db.Exec(ctx, `INSERT INTO login_states (id, nonce, pkce_verifier, fingerprint, return_uri, expiry)
VALUES ($1, $2, $3, $4, $5, $6);`,
		state.ID, state.Nonce, state.PKCEVerifier, state.Fingerprint, state.ReturnURI, state.Expiry,
	); err != nil {
		if err, ok := handlePgError(err); ok {
			return err
		}

		return fmt.Errorf("inserting into login_states: %w", err)
	}

	return nil
}

func (r *Repository) DeleteState(ctx context.Context, stateID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM login_states WHERE id = $1;`, stateID)
	if err != nil {
		return fmt.Errorf("deleting from login_states: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	return nil
}

func (r *Repository) PurgeStates(ctx context.Context, now time.Time) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM login_states WHERE expiry <= $1;`, now); err != nil {
		return fmt.Errorf("purging login_states: %w", err)
	}

	return nil
}

func (r *Repository) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx, `SELECT `+sessionColumns+`
FROM sessions
WHERE id = $1;`,
		sessionID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Session{}, serviceerr.ErrNotFound
		}

		return session.Session{}, fmt.Errorf("selecting from sessions: %w", err)
	}

	return s, nil
}

// StoreSession inserts a session or replaces the stored row.
func (r *Repository) StoreSession(ctx context.Context, s session.Session) error {
	if _, err := r.db.Exec(ctx, `INSERT INTO sessions (`+sessionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (id)
	DO UPDATE SET (subject, role, access_token, access_token_expiry, refresh_token, id_token, csrf_token, fingerprint, created_at, last_visited, expires_at, access_token_lifetime) =
		(EXCLUDED.subject, EXCLUDED.role, EXCLUDED.access_token, EXCLUDED.access_token_expiry, EXCLUDED.refresh_token, EXCLUDED.id_token,
		EXCLUDED.csrf_token, EXCLUDED.fingerprint, EXCLUDED.created_at, EXCLUDED.last_visited, EXCLUDED.expires_at, EXCLUDED.access_token_lifetime);`,
		s.ID, s.Subject, string(s.Role), s.AccessToken, s.AccessTokenExpiry, s.RefreshToken, s.IDToken,
		s.CSRFToken, s.Fingerprint, s.CreatedAt, s.LastVisited, s.ExpiresAt, int64(s.AccessTokenLifetime/time.Second),
	); err != nil {
		if err, ok := handlePgError(err); ok {
			return err
		}

		return fmt.Errorf("upserting into sessions: %w", err)
	}

	return nil
}

func (r *Repository) ListSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := r.db.Query(ctx, `SELECT `+sessionColumns+` FROM sessions;`)
	if err != nil {
		return nil, fmt.Errorf("selecting from sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}

		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	return sessions, nil
}

func (r *Repository) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1;`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting from sessions: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	return nil
}

func scanSession(row pgx.Row) (s session.Session, _ error) {
	var (
		role     string
		lifetime int64
	)
	if err := row.Scan(
		&s.ID, &s.Subject, &role, &s.AccessToken, &s.AccessTokenExpiry, &s.RefreshToken, &s.IDToken,
		&s.CSRFToken, &s.Fingerprint, &s.CreatedAt, &s.LastVisited, &s.ExpiresAt, &lifetime,
	); err != nil {
		return session.Session{}, err
	}

	s.Role = rbac.Role(role)
	s.AccessTokenLifetime = time.Duration(lifetime) * time.Second

	return s, nil
}
