// Package providertest runs an in-process OpenID Connect provider for tests.
// The provider signs its ID tokens with a generated RSA key and reads time
// from the clock it is given, so token expiry can be driven by a fake clock.
package providertest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/jonboulle/clockwork"

	"github.com/openkcm/auth-gateway/internal/pkce"
)

const (
	ClientID     = "test-client"
	ClientSecret = "test-client-secret" // NOSONAR

	keyID = "providertest-key"
)

type Option func(*Server)

// WithRole sets the role claim issued to users. An empty role omits the claim.
func WithRole(role string) Option {
	return func(s *Server) { s.role = role }
}

func WithSubject(subject string) Option {
	return func(s *Server) { s.subject = subject }
}

// WithAccessTokenTTL sets expires_in of issued access tokens. Zero omits
// expires_in from the token responses.
func WithAccessTokenTTL(ttl time.Duration) Option {
	return func(s *Server) { s.accessTokenTTL = ttl }
}

// WithRefreshTokens makes the provider issue refresh tokens. With rotate set
// every refresh returns a new refresh token and invalidates the old one.
func WithRefreshTokens(rotate bool) Option {
	return func(s *Server) {
		s.issueRefresh = true
		s.rotateRefresh = rotate
	}
}

func WithoutEndSession() Option {
	return func(s *Server) { s.endSession = false }
}

func WithoutRevocation() Option {
	return func(s *Server) { s.revocation = false }
}

// WithSigningAlgs overrides the advertised ID token signing algorithms.
// Tokens are always signed with RS256.
func WithSigningAlgs(algs ...string) Option {
	return func(s *Server) { s.algs = algs }
}

// WithIDTokenOnRefresh makes refresh responses carry a new ID token.
func WithIDTokenOnRefresh() Option {
	return func(s *Server) { s.refreshIDToken = true }
}

// WithIDTokenTTL sets the lifetime of issued ID tokens. The default is one
// hour.
func WithIDTokenTTL(ttl time.Duration) Option {
	return func(s *Server) { s.idTokenTTL = ttl }
}

// WithRoleOnlyInUserInfo keeps the role claim out of the ID token and serves
// it from the userinfo endpoint only.
func WithRoleOnlyInUserInfo() Option {
	return func(s *Server) { s.roleInIDToken = false }
}

type authRequest struct {
	nonce       string
	challenge   string
	redirectURI string
	state       string
}

// Server is a fake identity provider. Its zero value is not usable; create
// one with New.
type Server struct {
	*httptest.Server

	clock clockwork.Clock
	key   *rsa.PrivateKey

	mu             sync.Mutex
	role           string
	subject        string
	accessTokenTTL time.Duration
	idTokenTTL     time.Duration
	issueRefresh   bool
	rotateRefresh  bool
	refreshIDToken bool
	roleInIDToken  bool
	endSession     bool
	revocation     bool
	algs           []string
	failExchange   bool
	failRefresh    bool
	badAtHash      bool
	refreshHook    func()

	codes         map[string]authRequest
	accessTokens  map[string]struct{}
	refreshTokens map[string]struct{}
	revoked       []string
	exchanges     int
	refreshes     int
}

// New starts a provider and registers its shutdown with t.Cleanup.
func New(t testing.TB, clock clockwork.Clock, opts ...Option) *Server {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating signing key: %v", err)
	}

	s := &Server{
		clock:          clock,
		key:            key,
		role:           "admin",
		subject:        "jane.doe@example.com",
		accessTokenTTL: time.Hour,
		idTokenTTL:     time.Hour,
		roleInIDToken:  true,
		endSession:     true,
		revocation:     true,
		algs:           []string{"RS256"},
		codes:          make(map[string]authRequest),
		accessTokens:   make(map[string]struct{}),
		refreshTokens:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("GET /jwks", s.handleJWKS)
	mux.HandleFunc("GET /authorize", s.handleAuthorize)
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("GET /userinfo", s.handleUserInfo)
	mux.HandleFunc("POST /revoke", s.handleRevoke)
	mux.HandleFunc("GET /end_session", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

// Issuer returns the issuer URL of the provider.
func (s *Server) Issuer() string {
	return s.URL
}

// Login plays the part of the user agent at the authorization endpoint: it
// accepts the authorize URL built by the client and returns the code and
// state the provider would redirect back with.
func (s *Server) Login(authURL string) (code, state string, err error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing authorize url: %w", err)
	}

	req, err := s.authorize(u.Query())
	if err != nil {
		return "", "", err
	}

	return req.code, req.state, nil
}

type issuedCode struct {
	code, state, redirectURI string
}

func (s *Server) authorize(q url.Values) (issuedCode, error) {
	switch {
	case q.Get("response_type") != "code":
		return issuedCode{}, errors.New("unsupported response_type")
	case q.Get("client_id") != ClientID:
		return issuedCode{}, errors.New("unknown client_id")
	case q.Get("code_challenge_method") != pkce.MethodS256 || q.Get("code_challenge") == "":
		return issuedCode{}, errors.New("missing S256 code challenge")
	case q.Get("state") == "":
		return issuedCode{}, errors.New("missing state")
	case !strings.Contains(" "+q.Get("scope")+" ", " openid "):
		return issuedCode{}, errors.New("missing openid scope")
	}

	code := randomString()

	s.mu.Lock()
	s.codes[code] = authRequest{
		nonce:       q.Get("nonce"),
		challenge:   q.Get("code_challenge"),
		redirectURI: q.Get("redirect_uri"),
		state:       q.Get("state"),
	}
	s.mu.Unlock()

	return issuedCode{code: code, state: q.Get("state"), redirectURI: q.Get("redirect_uri")}, nil
}

func (s *Server) SetRole(role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = role
}

func (s *Server) SetAccessTokenTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokenTTL = ttl
}

// SetFailExchange makes the token endpoint reject authorization codes.
func (s *Server) SetFailExchange(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failExchange = fail
}

// SetFailRefresh makes the token endpoint reject refresh tokens.
func (s *Server) SetFailRefresh(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = fail
}

// SetBadAtHash makes the provider issue ID tokens whose at_hash does not
// match the access token.
func (s *Server) SetBadAtHash(bad bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badAtHash = bad
}

// SetRefreshHook registers a function called by the token endpoint before it
// answers a refresh grant.
func (s *Server) SetRefreshHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshHook = fn
}

func (s *Server) Exchanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchanges
}

func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// Revoked returns the tokens posted to the revocation endpoint.
func (s *Server) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

// KeySet returns the key set the ID tokens are signed with.
func (s *Server) KeySet() oidc.KeySet {
	return &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&s.key.PublicKey}}
}

// SignIDToken signs arbitrary claims with the provider key.
func (s *Server) SignIDToken(claims map[string]any) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: s.key, KeyID: keyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing id token: %w", err)
	}

	return raw, nil
}

// AtHash computes the at_hash claim of an access token for RS256.
func AtHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	doc := map[string]any{
		"issuer":                                s.URL,
		"authorization_endpoint":                s.URL + "/authorize",
		"token_endpoint":                        s.URL + "/token",
		"userinfo_endpoint":                     s.URL + "/userinfo",
		"jwks_uri":                              s.URL + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"scopes_supported":                      []string{"openid", "email", "profile", "offline_access"},
		"code_challenge_methods_supported":      []string{pkce.MethodS256},
		"id_token_signing_alg_values_supported": s.algs,
	}
	if s.endSession {
		doc["end_session_endpoint"] = s.URL + "/end_session"
	}
	if s.revocation {
		doc["revocation_endpoint"] = s.URL + "/revoke"
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	issued, err := s.authorize(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	redirect, err := url.Parse(issued.redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	q := redirect.Query()
	q.Set("code", issued.code)
	q.Set("state", issued.state)
	redirect.RawQuery = q.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request")
		return
	}

	clientID, _, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
	}
	if clientID != ClientID {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.exchangeCode(w, r.PostForm)
	case "refresh_token":
		s.refresh(w, r.PostForm)
	default:
		tokenError(w, "unsupported_grant_type")
	}
}

func (s *Server) exchangeCode(w http.ResponseWriter, form url.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.exchanges++

	req, ok := s.codes[form.Get("code")]
	delete(s.codes, form.Get("code"))

	switch {
	case s.failExchange, !ok:
		tokenError(w, "invalid_grant")
		return
	case pkce.Challenge(form.Get("code_verifier")) != req.challenge:
		tokenError(w, "invalid_grant")
		return
	case form.Get("redirect_uri") != req.redirectURI:
		tokenError(w, "invalid_grant")
		return
	}

	accessToken := s.newAccessToken()
	resp := s.tokenResponse(accessToken)

	idToken, err := s.idToken(req.nonce, accessToken)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	resp["id_token"] = idToken

	if s.issueRefresh {
		resp["refresh_token"] = s.newRefreshToken()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) refresh(w http.ResponseWriter, form url.Values) {
	s.mu.Lock()
	hook := s.refreshHook
	s.mu.Unlock()

	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshes++

	refreshToken := form.Get("refresh_token")
	if _, ok := s.refreshTokens[refreshToken]; !ok || s.failRefresh {
		tokenError(w, "invalid_grant")
		return
	}

	accessToken := s.newAccessToken()
	resp := s.tokenResponse(accessToken)
	if s.refreshIDToken {
		idToken, err := s.idToken("", accessToken)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
			return
		}
		resp["id_token"] = idToken
	}
	if s.rotateRefresh {
		delete(s.refreshTokens, refreshToken)
		resp["refresh_token"] = s.newRefreshToken()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, known := s.accessTokens[token]; !ok || !known {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	info := map[string]any{
		"sub":   s.subject,
		"email": s.subject,
		"name":  "Jane Doe",
	}
	if s.role != "" {
		info["role"] = s.role
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request")
		return
	}

	token := r.PostForm.Get("token")

	s.mu.Lock()
	s.revoked = append(s.revoked, token)
	delete(s.refreshTokens, token)
	delete(s.accessTokens, token)
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

// tokenResponse must be called with s.mu held.
func (s *Server) tokenResponse(accessToken string) map[string]any {
	resp := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
	}
	if s.accessTokenTTL > 0 {
		resp["expires_in"] = int64(s.accessTokenTTL / time.Second)
	}

	return resp
}

// idToken must be called with s.mu held.
func (s *Server) idToken(nonce, accessToken string) (string, error) {
	now := s.clock.Now()

	claims := map[string]any{
		"iss":   s.URL,
		"sub":   s.subject,
		"aud":   ClientID,
		"iat":   now.Unix(),
		"exp":   now.Add(s.idTokenTTL).Unix(),
		"email": s.subject,
		"name":  "Jane Doe",
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if s.role != "" && s.roleInIDToken {
		claims["role"] = s.role
	}

	claims["at_hash"] = AtHash(accessToken)
	if s.badAtHash {
		claims["at_hash"] = AtHash(accessToken + "x")
	}

	return s.SignIDToken(claims)
}

// newAccessToken must be called with s.mu held.
func (s *Server) newAccessToken() string {
	token := randomString()
	s.accessTokens[token] = struct{}{}

	return token
}

// newRefreshToken must be called with s.mu held.
func (s *Server) newRefreshToken() string {
	token := randomString()
	s.refreshTokens[token] = struct{}{}

	return token
}

func tokenError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomString() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)

	return hex.EncodeToString(b)
}
