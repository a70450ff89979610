//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/auth-gateway/internal/config"
)

const gatewayURL = "http://auth-gateway"

// gatewayClient carries the cookies between requests like a browser would.
type gatewayClient struct {
	t       *testing.T
	client  *http.Client
	cookies map[string]*http.Cookie
}

func (c *gatewayClient) do(method, target string) *http.Response {
	c.t.Helper()

	req, err := http.NewRequestWithContext(c.t.Context(), method, target, nil)
	require.NoError(c.t, err)

	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}

	resp, err := c.client.Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { resp.Body.Close() })

	for _, cookie := range resp.Cookies() {
		if cookie.MaxAge < 0 {
			delete(c.cookies, cookie.Name)
			continue
		}

		c.cookies[cookie.Name] = cookie
	}

	return resp
}

func (c *gatewayClient) authorized() string {
	c.t.Helper()

	resp := c.do(http.MethodGet, gatewayURL+"/api/v1/authorized")

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&body))

	return body.Status
}

func TestAPIServer(t *testing.T) {
	tests := []struct {
		name    string
		backend string
	}{
		{name: "memory", backend: config.BackendMemory},
		{name: "valkey", backend: config.BackendValKey},
		{name: "postgres", backend: config.BackendPostgres},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			istat := initInfra(t, "api-server-"+tt.name)
			t.Cleanup(func() { istat.Close(context.Background()) })

			switch tt.backend {
			case config.BackendValKey:
				istat.PrepareValKey(t)
			case config.BackendPostgres:
				istat.PreparePostgres(t)
			}

			istat.PrepareConfig(t)
			istat.Start(t, "api-server")

			client := &gatewayClient{t: t, client: istat.Client(), cookies: make(map[string]*http.Cookie)}

			assert.Equal(t, "unauthenticated", client.authorized())

			resp := client.do(http.MethodGet, gatewayURL+"/auth/login?return_to=/dashboard")
			require.Equal(t, http.StatusFound, resp.StatusCode)

			code, state, err := istat.Provider.Login(resp.Header.Get("Location"))
			require.NoError(t, err)

			callback := gatewayURL + "/auth/callback?" + url.Values{"code": {code}, "state": {state}}.Encode()
			resp = client.do(http.MethodGet, callback)
			require.Equal(t, http.StatusFound, resp.StatusCode)
			assert.Equal(t, "/dashboard", resp.Header.Get("Location"))

			assert.Equal(t, "authenticated", client.authorized())

			resp = client.do(http.MethodGet, gatewayURL+"/api/v1/userinfo")
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var info struct {
				Subject string `json:"subject"`
				Role    string `json:"role"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
			assert.Equal(t, "jane.doe@example.com", info.Subject)
			assert.Equal(t, "admin", info.Role)
		})
	}
}

func TestAPIServer_StatusProbes(t *testing.T) {
	istat := initInfra(t, "api-server-status")
	t.Cleanup(func() { istat.Close(context.Background()) })

	istat.PreparePostgres(t)
	istat.PrepareConfig(t)
	istat.Start(t, "api-server")

	for _, endpoint := range []string{"probe/liveness", "probe/readiness"} {
		t.Run(endpoint, func(t *testing.T) {
			assert.Eventually(t, func() bool {
				req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, "http://"+statusAddress+"/"+endpoint, nil)
				if err != nil {
					return false
				}

				resp, err := http.DefaultClient.Do(req)
				if err != nil {
					return false
				}
				defer resp.Body.Close()

				return resp.StatusCode == http.StatusOK
			}, 10*time.Second, 200*time.Millisecond)
		})
	}
}
