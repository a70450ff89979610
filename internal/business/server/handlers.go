package server

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/auth-gateway/internal/config"
	"github.com/openkcm/auth-gateway/internal/gateway"
	"github.com/openkcm/auth-gateway/internal/serviceerr"
	"github.com/openkcm/auth-gateway/internal/session"
	"github.com/openkcm/auth-gateway/pkg/fingerprint"
)

const (
	HeaderCSRFToken   = "X-CSRF-Token"
	HeaderAuthSubject = "X-Auth-Subject"
	HeaderAuthRole    = "X-Auth-Role"
)

type errorModel struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type statusModel struct {
	Status string `json:"status"`
}

type userInfoModel struct {
	Subject     string    `json:"subject"`
	Role        string    `json:"role"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// authServer serves the login endpoints, the authorization probe and the
// protected reverse proxy.
type authServer struct {
	gateway *gateway.Gateway
	policy  gateway.Policy
	proxy   *httputil.ReverseProxy

	loginErrorURI string
	sessionCookie config.CookieTemplate
	csrfCookie    config.CookieTemplate
}

func newAuthServer(cfg *config.Config, gw *gateway.Gateway) (*authServer, error) {
	s := &authServer{
		gateway:       gw,
		policy:        gateway.Policy{AdminPathPrefixes: cfg.Gateway.AdminPathPrefixes},
		loginErrorURI: cfg.Gateway.LoginErrorURI,
		sessionCookie: cfg.Gateway.SessionCookie,
		csrfCookie:    cfg.Gateway.CSRFCookie,
	}

	if cfg.Gateway.UpstreamURL != "" {
		target, err := url.Parse(cfg.Gateway.UpstreamURL)
		if err != nil {
			return nil, fmt.Errorf("parsing upstream url: %w", err)
		}
		if target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("upstream url %q is not absolute", cfg.Gateway.UpstreamURL)
		}

		s.proxy = newReverseProxy(target, s.sessionCookie.Name)
	}

	return s, nil
}

func (s *authServer) routes(trace traceMiddleware) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/authorized", trace("authorized", http.HandlerFunc(s.authorized)))
	mux.Handle("GET /api/v1/userinfo", trace("userinfo", http.HandlerFunc(s.userInfo)))
	mux.Handle("GET /auth/login", trace("login", http.HandlerFunc(s.login)))
	mux.Handle("GET /auth/callback", trace("callback", http.HandlerFunc(s.callback)))
	mux.Handle("POST /auth/logout", trace("logout", http.HandlerFunc(s.logout)))

	// The gateway's own paths never reach the upstream, whatever the method.
	for path, allow := range map[string]string{
		"/api/v1/authorized": "GET, HEAD",
		"/api/v1/userinfo":   "GET, HEAD",
		"/auth/login":        "GET, HEAD",
		"/auth/callback":     "GET, HEAD",
		"/auth/logout":       "POST",
	} {
		mux.Handle(path, trace("method_not_allowed", methodNotAllowed(allow)))
	}

	mux.Handle("/", trace("proxy", http.HandlerFunc(s.forward)))

	return mux
}

func methodNotAllowed(allow string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slogctx.Debug(r.Context(), "Rejecting request method", "method", r.Method, "path", r.URL.Path)

		w.Header().Set("Allow", allow)
		writeJSON(w, http.StatusMethodNotAllowed, errorModel{
			Error:            string(serviceerr.CodeInvalidRequest),
			ErrorDescription: "method " + r.Method + " is not allowed",
		})
	}
}

// authorized answers whether the client holds a valid session.
func (s *authServer) authorized(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state, _, err := s.gateway.Probe(ctx, s.sessionID(r))
	if err != nil {
		slogctx.Error(ctx, "Failed to probe session", "error", err)
		s.writeError(w, err)
		return
	}

	recordAuthorization(ctx, "authorized", state.String())
	writeJSON(w, probeStatus(state), statusModel{Status: state.String()})
}

// userInfo describes the identity behind a valid session.
func (s *authServer) userInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state, sess, err := s.gateway.Probe(ctx, s.sessionID(r))
	if err != nil {
		slogctx.Error(ctx, "Failed to probe session", "error", err)
		s.writeError(w, err)
		return
	}

	recordAuthorization(ctx, "userinfo", state.String())
	if state != gateway.Authenticated {
		writeJSON(w, probeStatus(state), statusModel{Status: state.String()})
		return
	}

	writeJSON(w, http.StatusOK, userInfoModel{
		Subject:     sess.Subject,
		Role:        string(sess.Role),
		Permissions: sess.Role.Permissions().Names(),
		ExpiresAt:   sess.AccessTokenExpiry.UTC(),
	})
}

func (s *authServer) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slogctx.Debug(ctx, "login() called")

	s.redirectToLogin(w, r, r.URL.Query().Get("return_to"))
}

func (s *authServer) redirectToLogin(w http.ResponseWriter, r *http.Request, returnURI string) {
	ctx := r.Context()

	fp, err := fingerprint.ExtractFingerprint(ctx)
	if err != nil {
		slogctx.Error(ctx, "Failed to extract fingerprint", "error", err)
		s.writeError(w, serviceerr.ErrUnknown)
		return
	}

	authURL, err := s.gateway.BeginLogin(ctx, fp, returnURI)
	if err != nil {
		slogctx.Error(ctx, "Failed to build auth URI", "error", err)
		s.writeError(w, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *authServer) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	slogctx.Debug(ctx, "callback() called", "state", session.LogID(q.Get("state")))
	defer slogctx.Debug(ctx, "callback() completed")

	if providerErr := q.Get("error"); providerErr != "" {
		slogctx.Warn(ctx, "Provider returned an error", "error", providerErr, "description", q.Get("error_description"))
		recordLogin(ctx, providerErr)
		s.redirectLoginError(w, r, serviceerr.ErrAccessDenied.Err, "Login was cancelled or denied by the identity provider.")
		return
	}

	fp, err := fingerprint.ExtractFingerprint(ctx)
	if err != nil {
		slogctx.Error(ctx, "Failed to extract fingerprint", "error", err)
		recordLogin(ctx, string(serviceerr.CodeUnknown))
		s.redirectLoginError(w, r, serviceerr.ErrUnknown.Err, serviceerr.ErrUnknown.Description)
		return
	}

	sess, returnURI, err := s.gateway.CompleteLogin(ctx, q.Get("state"), q.Get("code"), fp, s.sessionID(r))
	if err != nil {
		slogctx.Error(ctx, "Failed to complete login", "error", err)

		serviceErr := serviceerr.From(err)
		if errors.Is(err, serviceerr.ErrFingerprintMismatch) {
			// do not tell the client which check failed
			serviceErr = serviceerr.ErrUnauthorized
		}

		recordLogin(ctx, string(serviceErr.Err))
		s.redirectLoginError(w, r, serviceErr.Err, serviceErr.Description)
		return
	}

	recordLogin(ctx, "success")

	http.SetCookie(w, s.sessionCookie.ToCookie(sess.ID))
	http.SetCookie(w, s.csrfCookie.ToCookie(sess.CSRFToken))

	slogctx.Debug(ctx, "Redirecting user", "to", returnURI)
	http.Redirect(w, r, returnURI, http.StatusFound)
}

func (s *authServer) redirectLoginError(w http.ResponseWriter, r *http.Request, code serviceerr.Code, description string) {
	target, err := url.Parse(s.loginErrorURI)
	if err != nil {
		slogctx.Error(r.Context(), "Invalid login error URI", "error", err)
		s.writeError(w, serviceerr.ErrUnknown)
		return
	}

	q := target.Query()
	q.Set("error", string(code))
	q.Set("error_description", description)
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *authServer) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slogctx.Debug(ctx, "logout() called")
	defer slogctx.Debug(ctx, "logout() completed")

	sessionID := s.sessionID(r)
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, newBadRequest("missing session id in the cookies"))
		return
	}

	csrfToken := r.Header.Get(HeaderCSRFToken)
	if !s.gateway.ValidateCSRFToken(csrfToken, sessionID) {
		csrfTokenHash := sha256.Sum256([]byte(csrfToken))
		sessionIDHash := sha256.Sum256([]byte(sessionID))

		slogctx.Warn(ctx, "received invalid csrf token value", "csrf_token_hash", fmt.Sprintf("%x", csrfTokenHash[:5]), "session_id_hash", fmt.Sprintf("%x", sessionIDHash[:5]))

		s.writeError(w, serviceerr.ErrInvalidCSRFToken)
		return
	}

	logoutURL, err := s.gateway.Logout(ctx, sessionID)
	if err != nil {
		slogctx.Error(ctx, "failed to logout user", "error", err)
		s.writeError(w, err)
		return
	}

	s.clearCookies(w)
	http.Redirect(w, r, logoutURL, http.StatusFound)
}

// forward resolves the session of a request to the application, checks the
// permission the request needs and hands it to the upstream.
func (s *authServer) forward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.proxy == nil {
		s.writeError(w, serviceerr.ErrNotFound)
		return
	}

	sessionID := s.sessionID(r)

	state, sess, err := s.gateway.Resolve(ctx, sessionID)
	if err != nil {
		slogctx.Error(ctx, "Failed to resolve session", "error", err)
		s.writeError(w, err)
		return
	}

	recordAuthorization(ctx, "proxy", state.String())

	if state != gateway.Authenticated {
		if sessionID != "" {
			s.clearCookies(w)
		}

		if r.Method == http.MethodGet {
			s.redirectToLogin(w, r, r.URL.RequestURI())
			return
		}

		s.writeError(w, serviceerr.ErrUnauthorized)
		return
	}

	if err := s.policy.Authorize(sess, r.Method, r.URL.Path); err != nil {
		slogctx.Info(ctx, "Request denied", "session", session.LogID(sess.ID), "method", r.Method, "path", r.URL.Path, "error", err)
		s.writeError(w, err)
		return
	}

	out := r.Clone(ctx)
	out.Header.Del(HeaderAuthSubject)
	out.Header.Del(HeaderAuthRole)
	out.Header.Set(HeaderAuthSubject, sess.Subject)
	out.Header.Set(HeaderAuthRole, string(sess.Role))

	s.proxy.ServeHTTP(w, out)
}

func (s *authServer) sessionID(r *http.Request) string {
	cookie, err := r.Cookie(s.sessionCookie.Name)
	if err != nil {
		return ""
	}

	return cookie.Value
}

func (s *authServer) clearCookies(w http.ResponseWriter) {
	http.SetCookie(w, s.sessionCookie.ToExpiredCookie())
	http.SetCookie(w, s.csrfCookie.ToExpiredCookie())
}

func (s *authServer) writeError(w http.ResponseWriter, err error) {
	model, status := toErrorModel(err)
	writeJSON(w, status, model)
}

// newReverseProxy forwards requests to target. The session cookie stays
// with the gateway.
func newReverseProxy(target *url.URL, sessionCookieName string) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			dropCookie(pr.Out, sessionCookieName)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slogctx.Error(r.Context(), "Failed to reach upstream", "error", err)
			writeJSON(w, http.StatusBadGateway, errorModel{
				Error:            string(serviceerr.CodeServerError),
				ErrorDescription: "upstream unavailable",
			})
		},
	}
}

func dropCookie(r *http.Request, name string) {
	cookies := r.Cookies()
	r.Header.Del("Cookie")

	kept := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name != name {
			kept = append(kept, c.Name+"="+c.Value)
		}
	}
	if len(kept) > 0 {
		r.Header.Set("Cookie", strings.Join(kept, "; "))
	}
}

func probeStatus(state gateway.AuthorizationState) int {
	switch state {
	case gateway.Authenticated:
		return http.StatusOK
	case gateway.Expired:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

func toErrorModel(err error) (model errorModel, httpStatus int) {
	serviceErr := serviceerr.From(err)

	return errorModel{
		Error:            string(serviceErr.Err),
		ErrorDescription: serviceErr.Description,
	}, serviceErr.HTTPStatus()
}

func newBadRequest(description string) errorModel {
	return errorModel{
		Error:            string(serviceerr.CodeInvalidRequest),
		ErrorDescription: description,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slogctx.Error(context.Background(), "Failed to write response body", "error", err)
	}
}
