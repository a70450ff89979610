//go:build integration

package integration_test

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/goccy/go-yaml"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/auth-gateway/internal/config"
	"github.com/openkcm/auth-gateway/internal/dbtest/postgrestest"
	"github.com/openkcm/auth-gateway/internal/dbtest/valkeytest"
	"github.com/openkcm/auth-gateway/internal/provider/providertest"
)

const (
	statusAddress = "localhost:8888"
	csrfSecret    = "0123456789abcdef0123456789abcdef"
)

type closeFunc func(ctx context.Context)

type infraStat struct {
	PostgresPort   nat.Port
	ValKeyPort     nat.Port
	ConfigFilePath string
	Procdir        string
	SocketPath     string
	Provider       *providertest.Server
	Cfg            map[string]any

	closeFuncs []closeFunc
}

func embedded(value string) map[string]any {
	return map[string]any{"source": "embedded", "value": value}
}

// initInfra prepares a working directory for the process and a config
// pointing at a fake identity provider.
func initInfra(t *testing.T, exeName string) (istat infraStat) {
	t.Helper()

	// The config is read from $PWD/config.yaml, so every process runs in its
	// own subdirectory.
	wd, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")
	istat.Procdir = filepath.Join(wd, exeName+"-test")
	istat.ConfigFilePath = filepath.Join(istat.Procdir, "config.yaml")
	istat.SocketPath = filepath.Join(istat.Procdir, exeName+".sock")

	err = os.MkdirAll(istat.Procdir, fs.ModePerm)
	require.NoError(t, err, "failed to create a dir for the process")

	istat.Provider = providertest.New(t, clockwork.NewRealClock())

	istat.Cfg = map[string]any{
		"application": map[string]any{
			"name":        binary,
			"environment": "integration",
		},
		"logger": map[string]any{
			"level":  "debug",
			"format": "json",
		},
		"status": map[string]any{
			"enabled": true,
			"address": statusAddress,
		},
		"http": map[string]any{
			"address":         "unix://" + istat.SocketPath,
			"shutdownTimeout": "1s",
		},
		"provider": map[string]any{
			"issuerURL":   istat.Provider.Issuer(),
			"clientID":    providertest.ClientID,
			"redirectURL": "https://gateway.example.com/auth/callback",
			"clientAuth": map[string]any{
				"type":         "client_secret",
				"clientSecret": embedded(providertest.ClientSecret),
			},
		},
		"gateway": map[string]any{
			"csrfSecret": embedded(csrfSecret),
		},
		"sessionStore": map[string]any{
			"backend": config.BackendMemory,
		},
		"housekeeper": map[string]any{
			"triggerInterval": "1s",
		},
	}

	return istat
}

func (istat *infraStat) PreparePostgres(t *testing.T) {
	t.Helper()

	pgClient, pgPort, pgTerminate := postgrestest.Start(t.Context())
	pgClient.Close()

	istat.PostgresPort = pgPort
	istat.closeFuncs = append(istat.closeFuncs, pgTerminate)

	istat.Cfg["database"] = map[string]any{
		"name":     postgrestest.DBName,
		"port":     pgPort.Port(),
		"sslMode":  postgrestest.DBSSLMode,
		"host":     embedded(postgrestest.DBHost),
		"user":     embedded(postgrestest.DBUser),
		"password": embedded(postgrestest.DBPassword),
	}
	istat.Cfg["sessionStore"] = map[string]any{"backend": config.BackendPostgres}
}

func (istat *infraStat) PrepareValKey(t *testing.T) {
	t.Helper()

	vkClient, vkPort, vkTerminate := valkeytest.Start(t.Context())
	vkClient.Close()

	istat.ValKeyPort = vkPort
	istat.closeFuncs = append(istat.closeFuncs, vkTerminate)

	istat.Cfg["valkey"] = map[string]any{
		"host":     embedded(net.JoinHostPort("localhost", vkPort.Port())),
		"user":     embedded(""),
		"password": embedded(""),
		"prefix":   "integration",
	}
	istat.Cfg["sessionStore"] = map[string]any{"backend": config.BackendValKey}
}

// PrepareConfig writes the config file for the process into ConfigFilePath.
func (istat *infraStat) PrepareConfig(t *testing.T) {
	t.Helper()

	data, err := yaml.Marshal(istat.Cfg)
	require.NoError(t, err, "failed to encode config")

	err = os.WriteFile(istat.ConfigFilePath, data, fs.ModePerm)
	require.NoError(t, err, "failed to write config file")
}

// Start runs the binary with the given command in the background and waits
// for the gateway socket. The process gets SIGTERM on test cleanup.
func (istat *infraStat) Start(t *testing.T, cmdName string) {
	t.Helper()

	currdir, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")

	cmd := exec.Command(filepath.Join(currdir, binary), cmdName)
	cmd.Dir = istat.Procdir

	cmdOut, err := os.Create(filepath.Join(currdir, filepath.Base(istat.Procdir)+".log"))
	require.NoError(t, err, "failed to create a log file")
	t.Cleanup(func() { cmdOut.Close() })

	cmd.Stdout = cmdOut
	cmd.Stderr = cmdOut
	t.Logf("starting %s. Logs will be saved into %s", cmdName, cmdOut.Name())

	require.NoError(t, cmd.Start(), "could not start command")
	t.Cleanup(func() {
		_ = syscall.Kill(cmd.Process.Pid, syscall.SIGTERM)
		_ = cmd.Wait()
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(istat.SocketPath)
		return err == nil
	}, 10*time.Second, 100*time.Millisecond, "gateway did not start listening")
}

// Run runs the binary with the given command until it exits or the timeout
// passes. A process stopped by the timeout is not an error.
func (istat *infraStat) Run(t *testing.T, cmdName string, timeout time.Duration) error {
	t.Helper()

	currdir, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")

	ctx, cancel := context.WithTimeout(t.Context(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, filepath.Join(currdir, binary), cmdName)
	cmd.Dir = istat.Procdir
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }

	cmdOut, err := os.Create(filepath.Join(currdir, filepath.Base(istat.Procdir)+".log"))
	require.NoError(t, err, "failed to create a log file")
	defer cmdOut.Close()

	cmd.Stdout = cmdOut
	cmd.Stderr = cmdOut
	t.Logf("running %s. Logs will be saved into %s", cmdName, cmdOut.Name())

	err = cmd.Run()
	if err != nil && ctx.Err() != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
	}

	return err
}

// Client returns an http client talking to the gateway socket. It does not
// follow redirects.
func (istat *infraStat) Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return new(net.Dialer).DialContext(ctx, "unix", istat.SocketPath)
			},
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 10 * time.Second,
	}
}

func (istat *infraStat) Close(ctx context.Context) {
	os.RemoveAll(istat.Procdir)

	for _, close := range istat.closeFuncs {
		close(ctx)
	}
}
