package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/openkcm/auth-gateway/internal/claims"
	"github.com/openkcm/auth-gateway/internal/config"
	"github.com/openkcm/auth-gateway/internal/gateway"
	"github.com/openkcm/auth-gateway/internal/provider"
	"github.com/openkcm/auth-gateway/internal/provider/providertest"
	"github.com/openkcm/auth-gateway/internal/session"
	sessionmemory "github.com/openkcm/auth-gateway/internal/session/memory"
)

const (
	testCSRFSecret     = "0123456789abcdef0123456789abcdef"
	testUserAgent      = "gateway-test-agent"
	sessionCookieName  = "__Host-Http-SESSION"
	csrfCookieName     = "__Host-CSRF"
	testLoginErrorPath = "/login"
)

type testEnv struct {
	clock    *clockwork.FakeClock
	op       *providertest.Server
	handler  http.Handler
	upstream *upstreamRecorder
}

type envOption func(*config.Config)

func withoutUpstream() envOption {
	return func(cfg *config.Config) { cfg.Gateway.UpstreamURL = "" }
}

func withAdminPrefix(prefix string) envOption {
	return func(cfg *config.Config) {
		cfg.Gateway.AdminPathPrefixes = append(cfg.Gateway.AdminPathPrefixes, prefix)
	}
}

// upstreamRecorder is the application behind the gateway.
type upstreamRecorder struct {
	*httptest.Server

	mu   sync.Mutex
	last *http.Request
}

func (u *upstreamRecorder) lastRequest() *http.Request {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.last
}

func newUpstream(t *testing.T) *upstreamRecorder {
	t.Helper()

	u := &upstreamRecorder{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.last = r.Clone(context.Background())
		u.mu.Unlock()

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("upstream " + r.URL.Path))
	}))
	t.Cleanup(u.Close)

	return u
}

func newTestEnv(t *testing.T, opOpts []providertest.Option, opts ...envOption) *testEnv {
	t.Helper()

	clock := clockwork.NewFakeClock()
	op := providertest.New(t, clock, opOpts...)
	upstream := newUpstream(t)

	client := provider.NewClient(provider.Config{
		IssuerURL:             op.Issuer(),
		ClientID:              providertest.ClientID,
		ClientSecret:          providertest.ClientSecret,
		RedirectURL:           "https://gateway.example.com/auth/callback",
		AuthStyle:             oauth2.AuthStyleInHeader,
		PostLogoutRedirectURI: "https://gateway.example.com/",
		Timeout:               2 * time.Second,
	}, op.Client(), clock)

	validator, err := claims.NewValidator(client, "", "")
	require.NoError(t, err)

	repo := sessionmemory.NewRepository(time.Hour, time.Hour)
	store := session.NewStore(repo, client, []byte(testCSRFSecret), 12*time.Hour, clock)
	gw := gateway.New(client, validator, store, nil, gateway.Config{DefaultReturnURI: "/"}, clock)

	cfg := testConfig()
	cfg.Gateway.LoginErrorURI = testLoginErrorPath
	cfg.Gateway.UpstreamURL = upstream.URL
	cfg.Gateway.SessionCookie = config.CookieTemplate{
		Name: sessionCookieName, Path: "/", Secure: true, HTTPOnly: true, SameSite: config.CookieSameSiteLax,
	}
	cfg.Gateway.CSRFCookie = config.CookieTemplate{
		Name: csrfCookieName, Path: "/", Secure: true, SameSite: config.CookieSameSiteStrict,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	server, err := createHTTPServer(t.Context(), cfg, gw)
	require.NoError(t, err)

	return &testEnv{clock: clock, op: op, handler: server.Handler, upstream: upstream}
}

// browser keeps the cookies the gateway sets, like a user agent would.
type browser struct {
	env       *testEnv
	userAgent string
	cookies   map[string]string
}

func (e *testEnv) browser() *browser {
	return &browser{env: e, userAgent: testUserAgent, cookies: make(map[string]string)}
}

func (b *browser) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("User-Agent", b.userAgent)
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	for name, value := range b.cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	rec := httptest.NewRecorder()
	b.env.handler.ServeHTTP(rec, req)

	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c.Value
	}

	return rec
}

func (b *browser) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	return b.do(t, http.MethodGet, target, nil)
}

// login runs the authorization code flow through the gateway and returns
// the response of the callback.
func (b *browser) login(t *testing.T, returnTo string) *httptest.ResponseRecorder {
	t.Helper()

	rec := b.get(t, "/auth/login?return_to="+url.QueryEscape(returnTo))
	require.Equal(t, http.StatusFound, rec.Code)

	code, state, err := b.env.op.Login(rec.Header().Get("Location"))
	require.NoError(t, err)

	return b.get(t, "/auth/callback?"+url.Values{"code": {code}, "state": {state}}.Encode())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))

	return v
}

func assertStatus(t *testing.T, b *browser, wantCode int, wantStatus string) {
	t.Helper()

	rec := b.get(t, "/api/v1/authorized")
	assert.Equal(t, wantCode, rec.Code)
	assert.Equal(t, wantStatus, decode[statusModel](t, rec).Status)
}

func assertLoginError(t *testing.T, rec *httptest.ResponseRecorder, wantCode string) url.Values {
	t.Helper()

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, testLoginErrorPath, loc.Path)
	assert.Equal(t, wantCode, loc.Query().Get("error"))

	return loc.Query()
}

func TestScenario_AdminLogin(t *testing.T) {
	env := newTestEnv(t, nil)
	b := env.browser()

	assertStatus(t, b, http.StatusUnauthorized, "unauthenticated")

	rec := b.login(t, "/dashboard")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get("Location"))

	var sessionCookie, csrfCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		switch c.Name {
		case sessionCookieName:
			sessionCookie = c
		case csrfCookieName:
			csrfCookie = c
		}
	}
	require.NotNil(t, sessionCookie)
	require.NotNil(t, csrfCookie)
	assert.True(t, sessionCookie.HttpOnly)
	assert.True(t, sessionCookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, sessionCookie.SameSite)
	assert.False(t, csrfCookie.HttpOnly)
	assert.NotEmpty(t, csrfCookie.Value)

	assertStatus(t, b, http.StatusOK, "authenticated")

	rec = b.get(t, "/api/v1/userinfo")
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[userInfoModel](t, rec)
	assert.Equal(t, "jane.doe@example.com", info.Subject)
	assert.Equal(t, "admin", info.Role)
	assert.Equal(t, []string{"read", "write", "admin"}, info.Permissions)
	assert.True(t, env.clock.Now().Add(time.Hour).Equal(info.ExpiresAt))
}

func TestScenario_ShortTokenWithoutRefresh(t *testing.T) {
	env := newTestEnv(t, []providertest.Option{providertest.WithAccessTokenTTL(5 * time.Second)})
	b := env.browser()

	require.Equal(t, http.StatusFound, b.login(t, "/").Code)
	assertStatus(t, b, http.StatusOK, "authenticated")

	env.clock.Advance(6 * time.Second)

	// the probe reports the session without touching it
	assertStatus(t, b, http.StatusForbidden, "expired")
	assertStatus(t, b, http.StatusForbidden, "expired")

	rec := b.get(t, "/app/page")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), env.op.Issuer()+"/authorize?"))
	assert.NotContains(t, b.cookies, sessionCookieName)

	assertStatus(t, b, http.StatusUnauthorized, "unauthenticated")
	assert.Zero(t, env.op.Refreshes())
}

func TestScenario_ShortTokenWithRefresh(t *testing.T) {
	for _, rotate := range []bool{true, false} {
		t.Run(map[bool]string{true: "rotating", false: "static"}[rotate], func(t *testing.T) {
			env := newTestEnv(t, []providertest.Option{
				providertest.WithAccessTokenTTL(5 * time.Second),
				providertest.WithRefreshTokens(rotate),
			})
			b := env.browser()

			require.Equal(t, http.StatusFound, b.login(t, "/").Code)

			for round := 1; round <= 5; round++ {
				env.clock.Advance(6 * time.Second)
				assertStatus(t, b, http.StatusOK, "authenticated")
				assert.Equal(t, round, env.op.Refreshes())
			}

			rec := b.get(t, "/app")
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestLogin_ReturnTo(t *testing.T) {
	tests := []struct {
		name     string
		returnTo string
		want     string
	}{
		{name: "path", returnTo: "/reports?id=1", want: "/reports?id=1"},
		{name: "empty", returnTo: "", want: "/"},
		{name: "other origin", returnTo: "https://evil.example.com/", want: "/"},
		{name: "protocol relative", returnTo: "//evil.example.com/", want: "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			rec := env.browser().login(t, tt.returnTo)

			require.Equal(t, http.StatusFound, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("Location"))
		})
	}
}

func TestCallback_Errors(t *testing.T) {
	t.Run("provider error", func(t *testing.T) {
		env := newTestEnv(t, nil)
		b := env.browser()

		rec := b.get(t, "/auth/callback?error=access_denied&error_description=user+cancelled&state=x")
		q := assertLoginError(t, rec, "access_denied")
		assert.NotContains(t, q.Get("error_description"), "user cancelled")
		assert.Empty(t, b.cookies)
	})

	t.Run("unknown role", func(t *testing.T) {
		env := newTestEnv(t, []providertest.Option{providertest.WithRole("superuser")})
		b := env.browser()

		q := assertLoginError(t, b.login(t, "/"), "unknown_role")
		assert.Equal(t, "Your account does not have sufficient rights to use this application.", q.Get("error_description"))
		assert.Empty(t, b.cookies)
	})

	t.Run("exchange failed", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.op.SetFailExchange(true)

		q := assertLoginError(t, env.browser().login(t, "/"), "exchange_failed")
		assert.Equal(t, "Login failed. Please try again.", q.Get("error_description"))
	})

	t.Run("malformed token", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.op.SetBadAtHash(true)

		assertLoginError(t, env.browser().login(t, "/"), "malformed_token")
	})

	t.Run("fingerprint mismatch is not disclosed", func(t *testing.T) {
		env := newTestEnv(t, nil)
		b := env.browser()

		rec := b.get(t, "/auth/login")
		code, state, err := env.op.Login(rec.Header().Get("Location"))
		require.NoError(t, err)

		b.userAgent = "another-agent"
		rec = b.get(t, "/auth/callback?"+url.Values{"code": {code}, "state": {state}}.Encode())
		assertLoginError(t, rec, "unauthorized_client")
	})

	t.Run("state used twice", func(t *testing.T) {
		env := newTestEnv(t, nil)
		b := env.browser()

		rec := b.get(t, "/auth/login")
		code, state, err := env.op.Login(rec.Header().Get("Location"))
		require.NoError(t, err)

		callback := "/auth/callback?" + url.Values{"code": {code}, "state": {state}}.Encode()
		require.Equal(t, "/", b.get(t, callback).Header().Get("Location"))
		assertLoginError(t, b.get(t, callback), "not_found")
	})

	t.Run("missing code", func(t *testing.T) {
		env := newTestEnv(t, nil)
		assertLoginError(t, env.browser().get(t, "/auth/callback?state=abc"), "invalid_request")
	})
}

func TestLogout(t *testing.T) {
	t.Run("missing session cookie", func(t *testing.T) {
		env := newTestEnv(t, nil)

		rec := env.browser().do(t, http.MethodPost, "/auth/logout", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_request", decode[errorModel](t, rec).Error)
	})

	t.Run("invalid csrf token", func(t *testing.T) {
		env := newTestEnv(t, nil)
		b := env.browser()
		b.login(t, "/")

		for _, token := range []string{"", "forged"} {
			rec := b.do(t, http.MethodPost, "/auth/logout", http.Header{HeaderCSRFToken: {token}})
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, "invalid_csrf_token", decode[errorModel](t, rec).Error)
		}

		assertStatus(t, b, http.StatusOK, "authenticated")
	})

	t.Run("valid request", func(t *testing.T) {
		env := newTestEnv(t, []providertest.Option{providertest.WithRefreshTokens(false)})
		b := env.browser()
		b.login(t, "/")

		rec := b.do(t, http.MethodPost, "/auth/logout", http.Header{HeaderCSRFToken: {b.cookies[csrfCookieName]}})
		require.Equal(t, http.StatusFound, rec.Code)
		assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), env.op.Issuer()+"/end_session?"))
		assert.Empty(t, b.cookies)
		assert.Len(t, env.op.Revoked(), 1)

		assertStatus(t, b, http.StatusUnauthorized, "unauthenticated")
	})

	t.Run("wrong method", func(t *testing.T) {
		env := newTestEnv(t, nil)

		rec := env.browser().get(t, "/auth/logout")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, "POST", rec.Header().Get("Allow"))
	})
}

func TestGatewayEndpoints_WrongMethodIsNotForwarded(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		path      string
		wantAllow string
	}{
		{name: "post authorized", method: http.MethodPost, path: "/api/v1/authorized", wantAllow: "GET, HEAD"},
		{name: "delete userinfo", method: http.MethodDelete, path: "/api/v1/userinfo", wantAllow: "GET, HEAD"},
		{name: "post login", method: http.MethodPost, path: "/auth/login", wantAllow: "GET, HEAD"},
		{name: "put callback", method: http.MethodPut, path: "/auth/callback", wantAllow: "GET, HEAD"},
		{name: "get logout", method: http.MethodGet, path: "/auth/logout", wantAllow: "POST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			b := env.browser()
			b.login(t, "/")

			rec := b.do(t, tt.method, tt.path, nil)
			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
			assert.Equal(t, tt.wantAllow, rec.Header().Get("Allow"))
			assert.Equal(t, "invalid_request", decode[errorModel](t, rec).Error)
			assert.Nil(t, env.upstream.lastRequest())
		})
	}
}

func TestUserInfo_Unauthenticated(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.browser().get(t, "/api/v1/userinfo")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decode[statusModel](t, rec).Status)
}

func TestProxy(t *testing.T) {
	tests := []struct {
		name       string
		role       string
		method     string
		path       string
		wantStatus int
	}{
		{name: "readonly reads", role: "readonly", method: http.MethodGet, path: "/app/items", wantStatus: http.StatusOK},
		{name: "readonly head", role: "readonly", method: http.MethodHead, path: "/app/items", wantStatus: http.StatusOK},
		{name: "readonly writes", role: "readonly", method: http.MethodPost, path: "/app/items", wantStatus: http.StatusForbidden},
		{name: "readwrite writes", role: "readwrite", method: http.MethodDelete, path: "/app/items/1", wantStatus: http.StatusOK},
		{name: "readwrite admin path", role: "readwrite", method: http.MethodGet, path: "/admin/users", wantStatus: http.StatusForbidden},
		{name: "admin admin path", role: "admin", method: http.MethodPut, path: "/admin/users", wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, []providertest.Option{providertest.WithRole(tt.role)}, withAdminPrefix("/admin/"))
			b := env.browser()
			require.Equal(t, http.StatusFound, b.login(t, "/").Code)

			rec := b.do(t, tt.method, tt.path, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, "insufficient_rights", decode[errorModel](t, rec).Error)
				assert.Nil(t, env.upstream.lastRequest())
				return
			}

			require.NotNil(t, env.upstream.lastRequest())
			assert.Equal(t, tt.path, env.upstream.lastRequest().URL.Path)
			assert.Equal(t, tt.role, env.upstream.lastRequest().Header.Get(HeaderAuthRole))
		})
	}
}

func TestProxy_ForwardedIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	b := env.browser()
	b.login(t, "/")
	b.cookies["app-pref"] = "dark"

	rec := b.do(t, http.MethodGet, "/app", http.Header{
		HeaderAuthSubject: {"mallory@example.com"},
		HeaderAuthRole:    {"admin"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream /app", rec.Body.String())

	got := env.upstream.lastRequest()
	require.NotNil(t, got)
	assert.Equal(t, []string{"jane.doe@example.com"}, got.Header.Values(HeaderAuthSubject))
	assert.Equal(t, []string{"admin"}, got.Header.Values(HeaderAuthRole))

	_, err := got.Cookie(sessionCookieName)
	require.ErrorIs(t, err, http.ErrNoCookie)
	pref, err := got.Cookie("app-pref")
	require.NoError(t, err)
	assert.Equal(t, "dark", pref.Value)
}

func TestProxy_Unauthenticated(t *testing.T) {
	tests := []struct {
		name         string
		method       string
		wantStatus   int
		wantRedirect bool
	}{
		{name: "get redirects to login", method: http.MethodGet, wantStatus: http.StatusFound, wantRedirect: true},
		{name: "post is rejected", method: http.MethodPost, wantStatus: http.StatusUnauthorized},
		{name: "delete is rejected", method: http.MethodDelete, wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			b := env.browser()

			rec := b.do(t, tt.method, "/app/items?page=2", nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Nil(t, env.upstream.lastRequest())

			if !tt.wantRedirect {
				assert.Equal(t, "unauthorized_client", decode[errorModel](t, rec).Error)
				return
			}

			// the login started here returns to the requested page
			code, state, err := env.op.Login(rec.Header().Get("Location"))
			require.NoError(t, err)
			rec = b.get(t, "/auth/callback?"+url.Values{"code": {code}, "state": {state}}.Encode())
			assert.Equal(t, "/app/items?page=2", rec.Header().Get("Location"))
		})
	}
}

func TestProxy_NoUpstream(t *testing.T) {
	env := newTestEnv(t, nil, withoutUpstream())
	b := env.browser()
	b.login(t, "/")

	rec := b.get(t, "/app")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[errorModel](t, rec).Error)
}

func TestProxy_UpstreamDown(t *testing.T) {
	env := newTestEnv(t, nil)
	b := env.browser()
	b.login(t, "/")
	env.upstream.Close()

	rec := b.get(t, "/app")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
