// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

// Session store backends.
const (
	BackendMemory   = "memory"
	BackendValKey   = "valkey"
	BackendPostgres = "postgres"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`

	Provider     Provider     `yaml:"provider"`
	Gateway      Gateway      `yaml:"gateway"`
	SessionStore SessionStore `yaml:"sessionStore"`
	ValKey       ValKey       `yaml:"valkey"`
	Database     Database     `yaml:"database"`
	Housekeeper  Housekeeper  `yaml:"housekeeper"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

// Provider configures the OpenID Connect identity provider the gateway
// authenticates users against.
type Provider struct {
	IssuerURL   string            `yaml:"issuerURL"`
	ClientID    string            `yaml:"clientID"`
	RedirectURL string            `yaml:"redirectURL" default:"https://localhost:8080/auth/callback"`
	ClientAuth  ClientAuth        `yaml:"clientAuth"`
	Scopes      []string          `yaml:"scopes"`
	AuthParams  map[string]string `yaml:"authParams"`
	SigningAlgs []string          `yaml:"signingAlgs"`
	Claims      ClaimPaths        `yaml:"claims"`
	UserInfo    bool              `yaml:"userInfo"`
	Timeout     time.Duration     `yaml:"requestTimeout" default:"10s"`
	CacheTTL    time.Duration     `yaml:"discoveryTTL" default:"1h"`
}

// ClientAuth selects how the gateway authenticates at the token endpoint.
type ClientAuth struct {
	Type         string              `yaml:"type" default:"client_secret"`
	ClientSecret commoncfg.SourceRef `yaml:"clientSecret"`
	MTLS         *commoncfg.MTLS     `yaml:"mTLS"`
}

// ClaimPaths are JMESPath expressions locating the identity claims.
type ClaimPaths struct {
	Subject string `yaml:"subject" default:"email"`
	Role    string `yaml:"role" default:"role"`
}

type Gateway struct {
	SessionDuration       time.Duration       `yaml:"sessionDuration" default:"12h"`
	LoginStateDuration    time.Duration       `yaml:"loginStateDuration" default:"10m"`
	LoginErrorURI         string              `yaml:"loginErrorURI" default:"/login"`
	DefaultReturnURI      string              `yaml:"defaultReturnURI" default:"/"`
	PostLogoutRedirectURI string              `yaml:"postLogoutRedirectURI" default:"https://localhost:8080/"`
	UpstreamURL           string              `yaml:"upstreamURL"`
	AdminPathPrefixes     []string            `yaml:"adminPathPrefixes"`
	CSRFSecret            commoncfg.SourceRef `yaml:"csrfSecret"`
	SessionCookie         CookieTemplate      `yaml:"sessionCookie"`
	CSRFCookie            CookieTemplate      `yaml:"csrfCookie"`
}

type SessionStore struct {
	Backend string `yaml:"backend" default:"memory"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	SSLMode  string              `yaml:"sslMode"`
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
}

type ValKey struct {
	Host      commoncfg.SourceRef `yaml:"host"`
	User      commoncfg.SourceRef `yaml:"user"`
	Password  commoncfg.SourceRef `yaml:"password"`
	Prefix    string              `yaml:"prefix" default:"auth-gateway"`
	SecretRef commoncfg.SecretRef `yaml:"secretRef"`
}

type Housekeeper struct {
	TriggerInterval    time.Duration `yaml:"triggerInterval" default:"1m"`
	IdleSessionTimeout time.Duration `yaml:"idleSessionTimeout" default:"1h"`
}

type CookieSameSite string

const (
	CookieSameSiteNone   CookieSameSite = "None"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteStrict CookieSameSite = "Strict"
)

type CookieTemplate struct {
	Name     string         `yaml:"name"`
	MaxAge   int            `yaml:"maxAge"`
	Path     string         `yaml:"path"`
	Domain   string         `yaml:"domain"`
	Secure   bool           `yaml:"secure"`
	SameSite CookieSameSite `yaml:"sameSite"`
	HTTPOnly bool           `yaml:"httpOnly"`
}

// Defaults returns the default values that cannot be expressed with struct
// tags because the same type is used more than once.
func Defaults() map[string]any {
	return map[string]any{
		"gateway.sessionCookie.name":     "__Host-Http-SESSION",
		"gateway.sessionCookie.path":     "/",
		"gateway.sessionCookie.secure":   true,
		"gateway.sessionCookie.httpOnly": true,
		"gateway.sessionCookie.sameSite": string(CookieSameSiteLax),
		"gateway.csrfCookie.name":        "__Host-CSRF",
		"gateway.csrfCookie.path":        "/",
		"gateway.csrfCookie.secure":      true,
		"gateway.csrfCookie.httpOnly":    false,
		"gateway.csrfCookie.sameSite":    string(CookieSameSiteStrict),
	}
}
