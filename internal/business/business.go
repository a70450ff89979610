package business

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"
	"golang.org/x/oauth2"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/auth-gateway/internal/business/server"
	"github.com/openkcm/auth-gateway/internal/claims"
	"github.com/openkcm/auth-gateway/internal/config"
	"github.com/openkcm/auth-gateway/internal/gateway"
	"github.com/openkcm/auth-gateway/internal/provider"
	"github.com/openkcm/auth-gateway/internal/session"
	sessionmemory "github.com/openkcm/auth-gateway/internal/session/memory"
	sessionsql "github.com/openkcm/auth-gateway/internal/session/sql"
	sessionvalkey "github.com/openkcm/auth-gateway/internal/session/valkey"
)

// MinCSRFSecretLength is the minimum number of bytes of the CSRF secret.
const MinCSRFSecretLength = 32

// Client authentication methods at the token endpoint.
const (
	ClientAuthSecretBasic = "client_secret"
	ClientAuthSecretPost  = "client_secret_post"
	ClientAuthMTLS        = "mtls"
	ClientAuthNone        = "none"
)

type components struct {
	gateway *gateway.Gateway
	store   *session.Store
}

// Main starts the gateway HTTP server. With the memory backend the sessions
// live in this process, so the housekeeping loop runs here as well.
func Main(ctx context.Context, cfg *config.Config) error {
	comps, closeFn, err := initComponents(ctx, cfg, clockwork.NewRealClock())
	if err != nil {
		return fmt.Errorf("initialising the gateway: %w", err)
	}
	defer closeFn()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// errChan is used to capture the first error and shutdown the servers.
	errChan := make(chan error, 2)

	// wg is used to wait for all workers to shutdown.
	var wg sync.WaitGroup

	wg.Go(func() {
		errChan <- server.StartHTTPServer(ctx, cfg, comps.gateway)
	})

	if cfg.SessionStore.Backend == config.BackendMemory {
		wg.Go(func() {
			errChan <- housekeep(ctx, comps.store, cfg.Housekeeper)
		})
	}

	// wait for any error to initiate the shutdown
	if err := <-errChan; err != nil {
		slogctx.Error(ctx, "Shutting down servers", "error", err)
	}
	cancel()

	wg.Wait()

	return nil
}

func initComponents(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (_ components, closeFn func(), _ error) {
	csrfSecret, err := loadCSRFSecret(cfg.Gateway.CSRFSecret)
	if err != nil {
		return components{}, nil, err
	}

	providerClient, err := loadProviderClient(cfg, clock)
	if err != nil {
		return components{}, nil, fmt.Errorf("loading provider client: %w", err)
	}

	validator, err := claims.NewValidator(providerClient, cfg.Provider.Claims.Subject, cfg.Provider.Claims.Role)
	if err != nil {
		return components{}, nil, fmt.Errorf("creating claims validator: %w", err)
	}

	auditLogger, err := otlpaudit.NewLogger(&cfg.Audit)
	if err != nil {
		return components{}, nil, fmt.Errorf("creating audit logger: %w", err)
	}

	repo, closeFn, err := initRepository(ctx, cfg)
	if err != nil {
		return components{}, nil, err
	}

	store := session.NewStore(repo, providerClient, csrfSecret, cfg.Gateway.SessionDuration, clock)
	gw := gateway.New(providerClient, validator, store, auditLogger, gateway.Config{
		LoginStateDuration:    cfg.Gateway.LoginStateDuration,
		DefaultReturnURI:      cfg.Gateway.DefaultReturnURI,
		PostLogoutRedirectURI: cfg.Gateway.PostLogoutRedirectURI,
		UserInfo:              cfg.Provider.UserInfo,
	}, clock)

	return components{gateway: gw, store: store}, closeFn, nil
}

func loadCSRFSecret(ref commoncfg.SourceRef) ([]byte, error) {
	secret, err := commoncfg.LoadValueFromSourceRef(ref)
	if err != nil {
		return nil, fmt.Errorf("loading csrf secret: %w", err)
	}

	if len(secret) < MinCSRFSecretLength {
		return nil, fmt.Errorf("csrf secret must be at least %d bytes long", MinCSRFSecretLength)
	}

	return secret, nil
}

// initRepository connects the configured session backend.
func initRepository(ctx context.Context, cfg *config.Config) (_ session.Repository, closeFn func(), _ error) {
	sessionTTL := cfg.Gateway.SessionDuration
	stateTTL := cfg.Gateway.LoginStateDuration

	switch cfg.SessionStore.Backend {
	case config.BackendMemory, "":
		return sessionmemory.NewRepository(sessionTTL, stateTTL), func() {}, nil
	case config.BackendValKey:
		valkeyClient, err := newValkeyClient(cfg.ValKey)
		if err != nil {
			return nil, nil, err
		}

		return sessionvalkey.NewRepository(valkeyClient, cfg.ValKey.Prefix, sessionTTL, stateTTL), valkeyClient.Close, nil
	case config.BackendPostgres:
		db, err := newDBPool(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}

		return sessionsql.NewRepository(db), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown session store backend %q", cfg.SessionStore.Backend)
	}
}

func newValkeyClient(cfg config.ValKey) (valkey.Client, error) {
	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("loading valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.User)
	if err != nil {
		return nil, fmt.Errorf("loading valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("loading valkey password: %w", err)
	}

	valkeyOpts := valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
	}

	if cfg.SecretRef.Type == commoncfg.MTLSSecretType {
		tlsConfig, err := commoncfg.LoadMTLSConfig(&cfg.SecretRef.MTLS)
		if err != nil {
			return nil, fmt.Errorf("loading valkey mTLS config from secret ref: %w", err)
		}

		valkeyOpts.TLSConfig = tlsConfig
	}

	valkeyClient, err := valkey.NewClient(valkeyOpts)
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return valkeyClient, nil
}

func newDBPool(ctx context.Context, cfg config.Database) (*pgxpool.Pool, error) {
	connStr, err := config.MakeConnStr(cfg)
	if err != nil {
		return nil, fmt.Errorf("making dsn from config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing pgxpool config: %w", err)
	}

	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("initialising pgxpool connection: %w", err)
	}

	return db, nil
}

// clientAuth is how the gateway authenticates itself at the token endpoint.
type clientAuth struct {
	httpClient   *http.Client
	clientSecret string
	authStyle    oauth2.AuthStyle
}

func loadClientAuth(cfg config.ClientAuth) (clientAuth, error) {
	switch cfg.Type {
	case ClientAuthMTLS:
		tlsConfig, err := commoncfg.LoadMTLSConfig(cfg.MTLS)
		if err != nil {
			return clientAuth{}, fmt.Errorf("loading mTLS config: %w", err)
		}

		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsConfig

		return clientAuth{
			httpClient: &http.Client{Transport: transport},
			authStyle:  oauth2.AuthStyleInParams,
		}, nil
	case ClientAuthSecretBasic, ClientAuthSecretPost:
		secret, err := commoncfg.LoadValueFromSourceRef(cfg.ClientSecret)
		if err != nil {
			return clientAuth{}, fmt.Errorf("loading client secret: %w", err)
		}

		style := oauth2.AuthStyleInHeader
		if cfg.Type == ClientAuthSecretPost {
			style = oauth2.AuthStyleInParams
		}

		return clientAuth{
			httpClient:   &http.Client{},
			clientSecret: string(secret),
			authStyle:    style,
		}, nil
	case ClientAuthNone:
		return clientAuth{
			httpClient: &http.Client{},
			authStyle:  oauth2.AuthStyleInParams,
		}, nil
	default:
		return clientAuth{}, errors.New("unknown Client Auth type")
	}
}

func loadProviderClient(cfg *config.Config, clock clockwork.Clock) (*provider.Client, error) {
	auth, err := loadClientAuth(cfg.Provider.ClientAuth)
	if err != nil {
		return nil, err
	}

	return provider.NewClient(provider.Config{
		IssuerURL:             cfg.Provider.IssuerURL,
		ClientID:              cfg.Provider.ClientID,
		ClientSecret:          auth.clientSecret,
		RedirectURL:           cfg.Provider.RedirectURL,
		AuthStyle:             auth.authStyle,
		Scopes:                cfg.Provider.Scopes,
		AuthParams:            cfg.Provider.AuthParams,
		SigningAlgs:           cfg.Provider.SigningAlgs,
		PostLogoutRedirectURI: cfg.Gateway.PostLogoutRedirectURI,
		Timeout:               cfg.Provider.Timeout,
		CacheTTL:              cfg.Provider.CacheTTL,
	}, auth.httpClient, clock), nil
}
