// Package claims validates the tokens returned by the identity provider and
// extracts the identity of the user from them.
package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jmespath/go-jmespath"

	"github.com/openkcm/auth-gateway/internal/serviceerr"
)

const (
	DefaultSubjectPath = "email"
	DefaultRolePath    = "role"
)

// TokenResponse is the part of a token endpoint response the gateway keeps.
// Expiry is zero when the response carried no expires_in.
type TokenResponse struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// IdentityClaims is the identity asserted by the provider. Role is the raw
// claim value; mapping it to a role is not done here.
type IdentityClaims struct {
	Subject string
	Role    string
	Expiry  time.Time
	Email   string
	Name    string
}

// Verifier checks the signature, issuer, audience and expiry of an ID token.
type Verifier interface {
	VerifyIDToken(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

type Validator struct {
	verifier Verifier
	subject  *jmespath.JMESPath
	role     *jmespath.JMESPath
}

// NewValidator compiles the claim paths. Empty paths fall back to the
// defaults.
func NewValidator(verifier Verifier, subjectPath, rolePath string) (*Validator, error) {
	if subjectPath == "" {
		subjectPath = DefaultSubjectPath
	}
	if rolePath == "" {
		rolePath = DefaultRolePath
	}

	subject, err := jmespath.Compile(subjectPath)
	if err != nil {
		return nil, fmt.Errorf("compiling subject claim path %q: %w", subjectPath, err)
	}

	role, err := jmespath.Compile(rolePath)
	if err != nil {
		return nil, fmt.Errorf("compiling role claim path %q: %w", rolePath, err)
	}

	return &Validator{
		verifier: verifier,
		subject:  subject,
		role:     role,
	}, nil
}

// Validate verifies the ID token of a login response and extracts the
// identity claims. Claims are searched in the ID token first and then in
// userInfo, which may be nil. All failures wrap serviceerr.ErrMalformedToken.
func (v *Validator) Validate(ctx context.Context, tokens TokenResponse, nonce string, userInfo map[string]any) (IdentityClaims, error) {
	if tokens.AccessToken == "" {
		return IdentityClaims{}, malformed(errors.New("missing access token"))
	}
	if tokens.IDToken == "" {
		return IdentityClaims{}, malformed(errors.New("missing id token"))
	}

	idToken, err := v.verifier.VerifyIDToken(ctx, tokens.IDToken)
	if err != nil {
		return IdentityClaims{}, malformed(fmt.Errorf("verifying id token: %w", err))
	}

	if idToken.Nonce != nonce {
		return IdentityClaims{}, malformed(errors.New("nonce mismatch"))
	}

	if idToken.AccessTokenHash != "" {
		if err := idToken.VerifyAccessToken(tokens.AccessToken); err != nil {
			return IdentityClaims{}, malformed(fmt.Errorf("verifying at_hash: %w", err))
		}
	}

	var raw map[string]any
	if err := idToken.Claims(&raw); err != nil {
		return IdentityClaims{}, malformed(fmt.Errorf("decoding id token claims: %w", err))
	}

	sources := []map[string]any{raw}
	if userInfo != nil {
		sources = append(sources, userInfo)
	}

	subject, err := search(v.subject, sources)
	if err != nil {
		return IdentityClaims{}, malformed(fmt.Errorf("subject claim: %w", err))
	}

	role, err := search(v.role, sources)
	if err != nil {
		return IdentityClaims{}, malformed(fmt.Errorf("role claim: %w", err))
	}

	expiry := tokens.Expiry
	if expiry.IsZero() {
		expiry = idToken.Expiry
	}
	if expiry.IsZero() {
		return IdentityClaims{}, malformed(errors.New("no expiry in token response or id token"))
	}

	email, _ := lookupString(sources, "email")
	name, _ := lookupString(sources, "name")

	return IdentityClaims{
		Subject: subject,
		Role:    role,
		Expiry:  expiry,
		Email:   email,
		Name:    name,
	}, nil
}

func malformed(err error) error {
	return errors.Join(serviceerr.ErrMalformedToken, err)
}

var (
	errClaimMissing   = errors.New("claim missing")
	errClaimNotString = errors.New("claim is not a non-empty string")
)

// search returns the first match of the expression in sources. A match that
// is not a non-empty string is an error; it does not fall through to the
// next source.
func search(expr *jmespath.JMESPath, sources []map[string]any) (string, error) {
	for _, src := range sources {
		v, err := expr.Search(src)
		if err != nil {
			return "", fmt.Errorf("evaluating claim path: %w", err)
		}
		if v == nil {
			continue
		}

		s, ok := v.(string)
		if !ok || s == "" {
			return "", errClaimNotString
		}

		return s, nil
	}

	return "", errClaimMissing
}

func lookupString(sources []map[string]any, key string) (string, bool) {
	for _, src := range sources {
		if s, ok := src[key].(string); ok {
			return s, true
		}
	}

	return "", false
}
