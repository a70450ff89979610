package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"

	"github.com/openkcm/auth-gateway/internal/claims"
	"github.com/openkcm/auth-gateway/internal/gateway"
	"github.com/openkcm/auth-gateway/internal/provider"
	"github.com/openkcm/auth-gateway/internal/provider/providertest"
	"github.com/openkcm/auth-gateway/internal/session"
	sessionmemory "github.com/openkcm/auth-gateway/internal/session/memory"
)

const (
	testCSRFSecret  = "0123456789abcdef0123456789abcdef"
	testFingerprint = "fingerprint"
	postLogoutURI   = "https://app.example.com/logged-out"
)

type harness struct {
	clock   *clockwork.FakeClock
	op      *providertest.Server
	repo    *sessionmemory.Repository
	store   *session.Store
	gateway *gateway.Gateway
}

type harnessOption func(*gateway.Config)

func withUserInfo() harnessOption {
	return func(cfg *gateway.Config) { cfg.UserInfo = true }
}

func StartAuditServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"success": true}`))
		} else {
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(server.Close)

	return server
}

func newHarness(t *testing.T, opOpts []providertest.Option, opts ...harnessOption) *harness {
	t.Helper()

	clock := clockwork.NewFakeClock()
	op := providertest.New(t, clock, opOpts...)

	client := provider.NewClient(provider.Config{
		IssuerURL:             op.Issuer(),
		ClientID:              providertest.ClientID,
		ClientSecret:          providertest.ClientSecret,
		RedirectURL:           "https://gateway.example.com/auth/callback",
		AuthStyle:             oauth2.AuthStyleInHeader,
		PostLogoutRedirectURI: postLogoutURI,
		Timeout:               2 * time.Second,
	}, op.Client(), clock)

	validator, err := claims.NewValidator(client, "", "")
	require.NoError(t, err)

	auditLogger, err := otlpaudit.NewLogger(&commoncfg.Audit{Endpoint: StartAuditServer(t).URL})
	require.NoError(t, err)

	repo := sessionmemory.NewRepository(time.Hour, time.Hour)
	store := session.NewStore(repo, client, []byte(testCSRFSecret), 12*time.Hour, clock)

	cfg := gateway.Config{
		DefaultReturnURI:      "/home",
		PostLogoutRedirectURI: postLogoutURI,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &harness{
		clock:   clock,
		op:      op,
		repo:    repo,
		store:   store,
		gateway: gateway.New(client, validator, store, auditLogger, cfg, clock),
	}
}

// login runs a full login and returns the created session.
func (h *harness) login(t *testing.T, returnURI, supersedes string) (session.Session, string, error) {
	t.Helper()

	authURL, err := h.gateway.BeginLogin(t.Context(), testFingerprint, returnURI)
	require.NoError(t, err)

	code, state, err := h.op.Login(authURL)
	require.NoError(t, err)

	return h.gateway.CompleteLogin(t.Context(), state, code, testFingerprint, supersedes)
}

func (h *harness) sessionCount(t *testing.T) int {
	t.Helper()

	sessions, err := h.repo.ListSessions(t.Context())
	require.NoError(t, err)

	return len(sessions)
}
