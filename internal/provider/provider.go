// Package provider is the client of the OpenID Connect identity provider.
// It discovers the provider metadata, builds authorization requests and
// performs the token, userinfo and revocation calls. Every outbound call is
// bounded by the configured request timeout.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jonboulle/clockwork"
	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/auth-gateway/internal/claims"
	"github.com/openkcm/auth-gateway/internal/pkce"
	"github.com/openkcm/auth-gateway/internal/serviceerr"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultCacheTTL = time.Hour

	discoveryKey = "discovery"
)

// Config is the static client registration at the provider.
type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// AuthStyle selects how client credentials are sent to the token
	// endpoint. Zero auto detects.
	AuthStyle oauth2.AuthStyle
	// Scopes are requested in addition to openid and, when supported,
	// email.
	Scopes []string
	// AuthParams are added to every authorization request.
	AuthParams map[string]string
	// SigningAlgs are the accepted ID token signing algorithms. Defaults to
	// RS256.
	SigningAlgs []string
	// PostLogoutRedirectURI is where the provider sends the user after
	// logout and where the gateway sends the user when the provider has no
	// end session endpoint.
	PostLogoutRedirectURI string
	Timeout               time.Duration
	CacheTTL              time.Duration
}

// Metadata is the subset of the discovery document the gateway uses.
type Metadata struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserInfoEndpoint                 string   `json:"userinfo_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	EndSessionEndpoint               string   `json:"end_session_endpoint"`
	RevocationEndpoint               string   `json:"revocation_endpoint"`
	ScopesSupported                  []string `json:"scopes_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}

type discovered struct {
	provider *oidc.Provider
	metadata Metadata
	oauth2   oauth2.Config
	verifier *oidc.IDTokenVerifier
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	clock      clockwork.Clock

	cache *cache.Cache
	group singleflight.Group
}

// NewClient creates a provider client. Discovery happens lazily on first use
// and is cached for cfg.CacheTTL.
func NewClient(cfg Config, httpClient *http.Client, clock clockwork.Clock) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if len(cfg.SigningAlgs) == 0 {
		cfg.SigningAlgs = []string{oidc.RS256}
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		clock:      clock,
		cache:      cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}
}

// Metadata returns the discovered provider metadata.
func (c *Client) Metadata(ctx context.Context) (Metadata, error) {
	d, err := c.discover(ctx)
	if err != nil {
		return Metadata{}, err
	}

	return d.metadata, nil
}

func (c *Client) discover(ctx context.Context) (*discovered, error) {
	if v, ok := c.cache.Get(discoveryKey); ok {
		d, _ := v.(*discovered)
		return d, nil
	}

	v, err, _ := c.group.Do(discoveryKey, func() (any, error) {
		if v, ok := c.cache.Get(discoveryKey); ok {
			return v, nil
		}

		d, err := c.fetchDiscovery(ctx)
		if err != nil {
			return nil, err
		}

		c.cache.SetDefault(discoveryKey, d)

		return d, nil
	})
	if err != nil {
		return nil, err
	}

	d, _ := v.(*discovered)

	return d, nil
}

func (c *Client) fetchDiscovery(ctx context.Context) (*discovered, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	provider, err := oidc.NewProvider(c.clientContext(ctx), c.cfg.IssuerURL)
	if err != nil {
		return nil, errors.Join(serviceerr.ErrInvalidOIDCProvider, fmt.Errorf("discovering provider: %w", err))
	}

	var metadata Metadata
	if err := provider.Claims(&metadata); err != nil {
		return nil, errors.Join(serviceerr.ErrInvalidOIDCProvider, fmt.Errorf("decoding provider metadata: %w", err))
	}

	algs, err := c.checkCapabilities(metadata)
	if err != nil {
		return nil, errors.Join(serviceerr.ErrInvalidOIDCProvider, err)
	}

	scopes := []string{oidc.ScopeOpenID}
	if slices.Contains(metadata.ScopesSupported, "email") {
		scopes = append(scopes, "email")
	}
	for _, scope := range c.cfg.Scopes {
		if !slices.Contains(scopes, scope) {
			scopes = append(scopes, scope)
		}
	}

	endpoint := provider.Endpoint()
	endpoint.AuthStyle = c.cfg.AuthStyle

	slogctx.Info(ctx, "Discovered OIDC provider", "issuer", metadata.Issuer, "scopes", scopes)

	return &discovered{
		provider: provider,
		metadata: metadata,
		oauth2: oauth2.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  c.cfg.RedirectURL,
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&oidc.Config{
			ClientID:             c.cfg.ClientID,
			SupportedSigningAlgs: algs,
			Now:                  c.clock.Now,
		}),
	}, nil
}

// checkCapabilities rejects providers the gateway cannot log users out of or
// whose ID tokens it cannot verify. It returns the signing algorithms both
// sides accept.
func (c *Client) checkCapabilities(m Metadata) ([]string, error) {
	if m.EndSessionEndpoint == "" && m.RevocationEndpoint == "" {
		return nil, errors.New("provider supports neither end_session_endpoint nor revocation_endpoint")
	}

	if len(m.ScopesSupported) > 0 && !slices.Contains(m.ScopesSupported, oidc.ScopeOpenID) {
		return nil, errors.New("provider does not support the openid scope")
	}

	var algs []string
	for _, alg := range c.cfg.SigningAlgs {
		if slices.Contains(m.IDTokenSigningAlgValuesSupported, alg) {
			algs = append(algs, alg)
		}
	}
	if len(algs) == 0 {
		return nil, fmt.Errorf("provider supports none of the signing algorithms %v", c.cfg.SigningAlgs)
	}

	return algs, nil
}

// AuthURL returns the authorization request URL for a login attempt.
func (c *Client) AuthURL(ctx context.Context, state, nonce string, p pkce.PKCE) (string, error) {
	d, err := c.discover(ctx)
	if err != nil {
		return "", err
	}

	opts := []oauth2.AuthCodeOption{
		oidc.Nonce(nonce),
		oauth2.SetAuthURLParam("code_challenge", p.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", p.Method),
		oauth2.SetAuthURLParam("prompt", "login"),
	}
	for k, v := range c.cfg.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	return d.oauth2.AuthCodeURL(state, opts...), nil
}

// Exchange redeems an authorization code. Transport failures and provider
// rejections wrap serviceerr.ErrExchangeFailed; a response without an ID
// token wraps serviceerr.ErrMalformedToken.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (claims.TokenResponse, error) {
	d, err := c.discover(ctx)
	if err != nil {
		return claims.TokenResponse{}, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	token, err := d.oauth2.Exchange(c.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return claims.TokenResponse{}, errors.Join(serviceerr.ErrExchangeFailed, describe("exchanging code", err))
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return claims.TokenResponse{}, errors.Join(serviceerr.ErrMalformedToken, errors.New("token response has no id_token"))
	}

	return c.tokenResponse(token, idToken), nil
}

// Refresh redeems a refresh token. Any failure wraps
// serviceerr.ErrUnrefreshable. When the provider does not rotate refresh
// tokens the returned response carries the one passed in. A response without
// expires_in takes its expiry from the refreshed ID token, if there is one;
// otherwise Expiry stays zero.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (claims.TokenResponse, error) {
	d, err := c.discover(ctx)
	if err != nil {
		return claims.TokenResponse{}, errors.Join(serviceerr.ErrUnrefreshable, err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	token, err := d.oauth2.TokenSource(c.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return claims.TokenResponse{}, errors.Join(serviceerr.ErrUnrefreshable, describe("refreshing token", err))
	}

	idToken, _ := token.Extra("id_token").(string)
	resp := c.tokenResponse(token, idToken)

	if resp.Expiry.IsZero() && idToken != "" {
		verified, err := d.verifier.Verify(c.clientContext(ctx), idToken)
		if err != nil {
			slogctx.Debug(ctx, "Ignoring the ID token of a refresh response", "error", err)
		} else {
			resp.Expiry = verified.Expiry
		}
	}

	return resp, nil
}

// UserInfo fetches the claims of the userinfo endpoint.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	d, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	info, err := d.provider.UserInfo(c.clientContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	if err != nil {
		return nil, fmt.Errorf("fetching userinfo: %w", err)
	}

	var raw map[string]any
	if err := info.Claims(&raw); err != nil {
		return nil, fmt.Errorf("decoding userinfo: %w", err)
	}

	return raw, nil
}

// VerifyIDToken implements claims.Verifier.
func (c *Client) VerifyIDToken(ctx context.Context, rawIDToken string) (*oidc.IDToken, error) {
	d, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	return d.verifier.Verify(c.clientContext(ctx), rawIDToken)
}

// Revoke revokes a token at the revocation endpoint (RFC 7009). It is a no
// op when the provider has none.
func (c *Client) Revoke(ctx context.Context, token, tokenTypeHint string) error {
	d, err := c.discover(ctx)
	if err != nil {
		return err
	}

	if d.metadata.RevocationEndpoint == "" {
		return nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	form := url.Values{}
	form.Set("token", token)
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}
	if c.cfg.ClientSecret == "" {
		form.Set("client_id", c.cfg.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.metadata.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(c.cfg.ClientID), url.QueryEscape(c.cfg.ClientSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation failed with status: %d", resp.StatusCode)
	}

	return nil
}

// EndSessionURL returns where to send the user on logout: the provider's end
// session endpoint when advertised, otherwise the post logout redirect URI.
func (c *Client) EndSessionURL(ctx context.Context, idTokenHint string) (string, error) {
	d, err := c.discover(ctx)
	if err != nil {
		return "", err
	}

	if d.metadata.EndSessionEndpoint == "" {
		return c.cfg.PostLogoutRedirectURI, nil
	}

	u, err := url.Parse(d.metadata.EndSessionEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing end session endpoint: %w", err)
	}

	q := u.Query()
	q.Set("post_logout_redirect_uri", c.cfg.PostLogoutRedirectURI)
	q.Set("client_id", c.cfg.ClientID)
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

func (c *Client) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, c.httpClient)
}

// tokenResponse converts an oauth2 token. The expiry is computed from
// expires_in against the injected clock.
func (c *Client) tokenResponse(token *oauth2.Token, idToken string) claims.TokenResponse {
	resp := claims.TokenResponse{
		IDToken:      idToken,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}

	if seconds := expiresIn(token); seconds > 0 {
		resp.Expiry = c.clock.Now().Add(time.Duration(seconds) * time.Second)
	}

	return resp
}

func expiresIn(token *oauth2.Token) int64 {
	if token.ExpiresIn > 0 {
		return token.ExpiresIn
	}

	switch v := token.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}

	return 0
}

func describe(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%s: provider answered %d %s", op, retrieveErr.Response.StatusCode, retrieveErr.ErrorCode)
	}

	return fmt.Errorf("%s: %w", op, err)
}
