// Package gateway implements the authorization state machine of the auth
// gateway: login, code exchange, session resolution, probing and logout.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/auth-gateway/internal/claims"
	"github.com/openkcm/auth-gateway/internal/pkce"
	"github.com/openkcm/auth-gateway/internal/rbac"
	"github.com/openkcm/auth-gateway/internal/serviceerr"
	"github.com/openkcm/auth-gateway/internal/session"
)

const (
	DefaultLoginStateDuration = 10 * time.Minute

	auditSource = "auth gateway"
)

// AuthorizationState is the state of a client with respect to the gateway.
// It is computed from stored data whenever a request is handled.
type AuthorizationState int

const (
	Unauthenticated AuthorizationState = iota
	PendingExchange
	Authenticated
	Expired
)

func (s AuthorizationState) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case PendingExchange:
		return "pending_exchange"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("AuthorizationState(%d)", int(s))
	}
}

// Provider is the part of the identity provider client the gateway uses.
type Provider interface {
	AuthURL(ctx context.Context, state, nonce string, p pkce.PKCE) (string, error)
	Exchange(ctx context.Context, code, verifier string) (claims.TokenResponse, error)
	UserInfo(ctx context.Context, accessToken string) (map[string]any, error)
	Revoke(ctx context.Context, token, tokenTypeHint string) error
	EndSessionURL(ctx context.Context, idTokenHint string) (string, error)
}

// Validator turns a token response into identity claims.
type Validator interface {
	Validate(ctx context.Context, tokens claims.TokenResponse, nonce string, userInfo map[string]any) (claims.IdentityClaims, error)
}

type Config struct {
	LoginStateDuration    time.Duration
	DefaultReturnURI      string
	PostLogoutRedirectURI string
	// UserInfo enables fetching the userinfo endpoint during login.
	UserInfo bool
}

type Gateway struct {
	provider  Provider
	validator Validator
	store     *session.Store
	audit     *otlpaudit.AuditLogger
	clock     clockwork.Clock
	ids       pkce.Source
	cfg       Config
}

// New creates a gateway. auditLogger may be nil, in which case no audit
// events are sent.
func New(provider Provider, validator Validator, store *session.Store, auditLogger *otlpaudit.AuditLogger, cfg Config, clock clockwork.Clock) *Gateway {
	if cfg.LoginStateDuration <= 0 {
		cfg.LoginStateDuration = DefaultLoginStateDuration
	}
	if cfg.DefaultReturnURI == "" {
		cfg.DefaultReturnURI = "/"
	}
	if cfg.PostLogoutRedirectURI == "" {
		cfg.PostLogoutRedirectURI = "/"
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Gateway{
		provider:  provider,
		validator: validator,
		store:     store,
		audit:     auditLogger,
		clock:     clock,
		cfg:       cfg,
	}
}

// BeginLogin stores a login state for the client and returns the URL of
// the provider's authorize endpoint. returnURI must be a path on this
// origin; anything else is replaced by the default return URI.
func (g *Gateway) BeginLogin(ctx context.Context, fingerprint, returnURI string) (string, error) {
	p := g.ids.PKCE()
	state := session.State{
		ID:           g.ids.State(),
		Nonce:        g.ids.Nonce(),
		PKCEVerifier: p.Verifier,
		Fingerprint:  fingerprint,
		ReturnURI:    g.sanitizeReturnURI(returnURI),
		Expiry:       g.clock.Now().Add(g.cfg.LoginStateDuration),
	}

	authURL, err := g.provider.AuthURL(ctx, state.ID, state.Nonce, p)
	if err != nil {
		return "", fmt.Errorf("building authorize url: %w", err)
	}

	if err := g.store.SaveState(ctx, state); err != nil {
		return "", err
	}

	return authURL, nil
}

// CompleteLogin consumes the login state, exchanges the code and creates a
// session. On success it returns the session and the URI to send the client
// to. supersedes names the session the client presented, if any; it is
// destroyed once the new one exists.
func (g *Gateway) CompleteLogin(ctx context.Context, stateID, code, fingerprint, supersedes string) (session.Session, string, error) {
	correlationID := uuid.NewString()
	ctx = slogctx.With(ctx, "correlation_id", correlationID)

	sess, returnURI, err := g.completeLogin(ctx, stateID, code, fingerprint, supersedes)
	if err != nil {
		slogctx.Info(ctx, "Login failed", "error", err)
		g.sendLoginFailure(ctx, correlationID, stateID, err)

		return session.Session{}, "", err
	}

	slogctx.Info(ctx, "Login succeeded", "session", session.LogID(sess.ID), "role", sess.Role)
	g.sendLoginSuccess(ctx, correlationID, sess.Subject)

	return sess, returnURI, nil
}

func (g *Gateway) completeLogin(ctx context.Context, stateID, code, fingerprint, supersedes string) (session.Session, string, error) {
	if code == "" {
		return session.Session{}, "", errors.Join(serviceerr.ErrInvalidRequest, errors.New("missing authorization code"))
	}

	state, err := g.store.ConsumeState(ctx, stateID)
	if err != nil {
		return session.Session{}, "", fmt.Errorf("loading login state: %w", err)
	}

	if state.Fingerprint != fingerprint {
		return session.Session{}, "", serviceerr.ErrFingerprintMismatch
	}

	tokens, err := g.provider.Exchange(ctx, code, state.PKCEVerifier)
	if err != nil {
		return session.Session{}, "", err
	}

	var userInfo map[string]any
	if g.cfg.UserInfo {
		userInfo, err = g.provider.UserInfo(ctx, tokens.AccessToken)
		if err != nil {
			return session.Session{}, "", errors.Join(serviceerr.ErrExchangeFailed, err)
		}
	}

	identity, err := g.validator.Validate(ctx, tokens, state.Nonce, userInfo)
	if err != nil {
		return session.Session{}, "", err
	}

	role, err := rbac.MapRole(identity.Role)
	if err != nil {
		return session.Session{}, "", err
	}

	tokens.Expiry = identity.Expiry

	sess, err := g.store.Create(ctx, session.NewSession{
		Subject:     identity.Subject,
		Role:        role,
		Tokens:      tokens,
		Fingerprint: fingerprint,
	}, supersedes)
	if err != nil {
		return session.Session{}, "", err
	}

	return sess, state.ReturnURI, nil
}

// Resolve computes the state of a protected request and applies the
// transitions of the state machine: expired sessions are refreshed when
// possible, and sessions that cannot become valid again are destroyed.
// The returned state is Authenticated or Unauthenticated.
func (g *Gateway) Resolve(ctx context.Context, sessionID string) (AuthorizationState, session.Session, error) {
	state, sess, err := g.evaluate(ctx, sessionID)
	if err != nil {
		return Unauthenticated, session.Session{}, err
	}

	switch state {
	case Authenticated:
		if err := g.store.Touch(ctx, sess.ID); err != nil {
			slogctx.Warn(ctx, "Could not record session visit", "session", session.LogID(sess.ID), "error", err)
		}

		return Authenticated, sess, nil
	case Expired:
		if err := g.store.Destroy(ctx, sessionID); err != nil {
			return Unauthenticated, session.Session{}, err
		}

		slogctx.Info(ctx, "Destroyed expired session", "session", session.LogID(sessionID))
	}

	return Unauthenticated, session.Session{}, nil
}

// Probe reports the state of a session without creating or destroying it.
// An expired session with a refresh token is refreshed transparently.
func (g *Gateway) Probe(ctx context.Context, sessionID string) (AuthorizationState, session.Session, error) {
	return g.evaluate(ctx, sessionID)
}

func (g *Gateway) evaluate(ctx context.Context, sessionID string) (AuthorizationState, session.Session, error) {
	if sessionID == "" {
		return Unauthenticated, session.Session{}, nil
	}

	sess, err := g.store.Lookup(ctx, sessionID)
	if errors.Is(err, serviceerr.ErrNotFound) {
		return Unauthenticated, session.Session{}, nil
	}
	if err != nil {
		return Unauthenticated, session.Session{}, fmt.Errorf("looking up session: %w", err)
	}

	if !sess.Role.Valid() {
		return Expired, sess, nil
	}

	now := g.clock.Now()
	if !sess.Expired(now) && !sess.Unrecoverable(now) {
		return Authenticated, sess, nil
	}
	if sess.Unrecoverable(now) {
		return Expired, sess, nil
	}

	refreshed, err := g.store.Refresh(ctx, sessionID)
	switch {
	case errors.Is(err, serviceerr.ErrNotFound):
		return Unauthenticated, session.Session{}, nil
	case errors.Is(err, serviceerr.ErrUnrefreshable):
		slogctx.Info(ctx, "Session could not be refreshed", "session", session.LogID(sessionID), "error", err)
		return Expired, sess, nil
	case err != nil:
		return Unauthenticated, session.Session{}, fmt.Errorf("refreshing session: %w", err)
	}

	return Authenticated, refreshed, nil
}

// Logout destroys the session, revokes its tokens at the provider on a best
// effort basis and returns the URL to send the client to.
func (g *Gateway) Logout(ctx context.Context, sessionID string) (string, error) {
	sess, err := g.store.Lookup(ctx, sessionID)
	if err != nil && !errors.Is(err, serviceerr.ErrNotFound) {
		return "", fmt.Errorf("looking up session: %w", err)
	}

	if err := g.store.Destroy(ctx, sessionID); err != nil {
		return "", err
	}

	if token, hint := revocable(sess); token != "" {
		if err := g.provider.Revoke(ctx, token, hint); err != nil {
			slogctx.Warn(ctx, "Could not revoke token", "session", session.LogID(sessionID), "error", err)
		}
	}

	logoutURL, err := g.provider.EndSessionURL(ctx, sess.IDToken)
	if err != nil {
		slogctx.Warn(ctx, "Could not build end session url", "error", err)
		return g.cfg.PostLogoutRedirectURI, nil
	}

	return logoutURL, nil
}

func revocable(sess session.Session) (token, hint string) {
	if sess.RefreshToken != "" {
		return sess.RefreshToken, "refresh_token"
	}
	if sess.AccessToken != "" {
		return sess.AccessToken, "access_token"
	}

	return "", ""
}

// sanitizeReturnURI only accepts absolute paths on this origin.
func (g *Gateway) sanitizeReturnURI(uri string) string {
	if uri == "" || !strings.HasPrefix(uri, "/") || strings.HasPrefix(uri, "//") || strings.Contains(uri, `\`) {
		return g.cfg.DefaultReturnURI
	}

	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return g.cfg.DefaultReturnURI
	}

	return uri
}

func (g *Gateway) sendLoginSuccess(ctx context.Context, correlationID, subject string) {
	if g.audit == nil {
		return
	}

	metadata, err := otlpaudit.NewEventMetadata(auditSource, subject, correlationID)
	if err != nil {
		slogctx.Error(ctx, "Could not create audit event metadata", "error", err)
		return
	}

	event, err := otlpaudit.NewUserLoginSuccessEvent(metadata, subject, otlpaudit.LOGINMETHOD_OPENIDCONNECT, otlpaudit.MFATYPE_NONE, otlpaudit.USERTYPE_BUSINESS, subject)
	if err != nil {
		slogctx.Error(ctx, "Could not create login success audit event", "error", err)
		return
	}

	if err := g.audit.SendEvent(ctx, event); err != nil {
		slogctx.Error(ctx, "Could not send login success audit event", "error", err)
	}
}

func (g *Gateway) sendLoginFailure(ctx context.Context, correlationID, objectID string, cause error) {
	if g.audit == nil {
		return
	}

	metadata, err := otlpaudit.NewEventMetadata(auditSource, objectID, correlationID)
	if err != nil {
		slogctx.Error(ctx, "Could not create audit event metadata", "error", err)
		return
	}

	reason := string(serviceerr.From(cause).Err)
	event, err := otlpaudit.NewUserLoginFailureEvent(metadata, objectID, otlpaudit.LOGINMETHOD_OPENIDCONNECT, otlpaudit.FailReason(reason), objectID)
	if err != nil {
		slogctx.Error(ctx, "Could not create login failure audit event", "error", err)
		return
	}

	if err := g.audit.SendEvent(ctx, event); err != nil {
		slogctx.Error(ctx, "Could not send login failure audit event", "error", err)
	}
}

// ValidateCSRFToken reports whether token was issued for the session.
func (g *Gateway) ValidateCSRFToken(token, sessionID string) bool {
	return g.store.ValidateCSRFToken(token, sessionID)
}
