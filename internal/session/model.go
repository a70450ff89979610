package session

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/openkcm/auth-gateway/internal/rbac"
)

// Session is the server side state of a logged in user. Only ID leaves the
// gateway, in the session cookie.
type Session struct {
	ID                string
	Subject           string
	Role              rbac.Role
	AccessToken       string
	AccessTokenExpiry time.Time
	// AccessTokenLifetime is how long the current access token was issued
	// for. A refresh response without an expiry reuses it.
	AccessTokenLifetime time.Duration
	RefreshToken        string
	IDToken             string
	CSRFToken           string
	Fingerprint         string
	CreatedAt           time.Time
	LastVisited         time.Time
	// ExpiresAt bounds the lifetime of the session regardless of refreshes.
	ExpiresAt time.Time
}

// Expired reports whether the access token has expired at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.AccessTokenExpiry)
}

// Unrecoverable reports whether the session can no longer become valid:
// its access token expired and there is no refresh token, or its lifetime
// is over.
func (s Session) Unrecoverable(now time.Time) bool {
	if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return true
	}

	return s.Expired(now) && s.RefreshToken == ""
}

// State is a login in progress, between the redirect to the identity
// provider and the callback.
type State struct {
	ID           string
	Nonce        string
	PKCEVerifier string
	Fingerprint  string
	ReturnURI    string
	Expiry       time.Time
}

func (s State) Expired(now time.Time) bool {
	return !now.Before(s.Expiry)
}

// LogID returns a short digest of a session ID that is safe to log.
func LogID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:6])
}
