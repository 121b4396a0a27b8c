//go:build !windows

package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/logger"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/manager"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/registry"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/server"
)

func startDaemon(t *testing.T) (string, string) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	st, err := registry.NewFileStore(filepath.Join(dir, "bots.json"))
	require.NoError(t, err)
	mgr := manager.New(st, manager.Options{
		Logs:        logger.FileConfig{Dir: filepath.Join(dir, "logs")},
		StopGrace:   200 * time.Millisecond,
		SettleDelay: 10 * time.Millisecond,
	})
	t.Cleanup(func() {
		recs, _ := mgr.List(context.Background())
		for _, r := range recs {
			_ = mgr.Stop(context.Background(), r.ID)
		}
	})
	h := server.NewRouter(mgr, server.Options{BasePath: "/api", UploadDir: filepath.Join(dir, "uploads")}).Handler()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL + "/api", dir
}

func newClient(t *testing.T, base, tenant string, admin bool) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: base, Tenant: tenant, Admin: admin, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestClient_Lifecycle(t *testing.T) {
	base, dir := startDaemon(t)
	ctx := context.Background()
	c := newClient(t, base, "alice", false)
	require.True(t, c.IsReachable(ctx))

	script := filepath.Join(dir, "loop.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/bash\necho hello\nwhile true; do sleep 0.1; done\n"), 0o700))

	id, err := c.Submit(ctx, SubmitRequest{Executable: script, Runtime: "shell", Name: "loop"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	bots, err := c.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, bots, 1)
	require.Equal(t, "alice", bots[0].Owner)
	require.Equal(t, "stopped", bots[0].State)

	require.NoError(t, c.Start(ctx, id))
	b, err := c.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "running", b.State)
	require.NotZero(t, b.PID)

	require.Eventually(t, func() bool {
		l, err := c.Logs(ctx, id, 10)
		if err != nil {
			return false
		}
		for _, line := range l.Lines {
			if line == "hello" {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, c.Restart(ctx, id))
	require.NoError(t, c.Stop(ctx, id))
	require.NoError(t, c.Delete(ctx, id))

	var apiErr *APIError
	_, err = c.Get(ctx, id)
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClient_TenantIsolationAndAdmin(t *testing.T) {
	base, dir := startDaemon(t)
	ctx := context.Background()
	script := filepath.Join(dir, "idle.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/bash\nsleep 30\n"), 0o700))

	alice := newClient(t, base, "alice", false)
	id, err := alice.Submit(ctx, SubmitRequest{Executable: script, Runtime: "shell"})
	require.NoError(t, err)

	bob := newClient(t, base, "bob", false)
	bots, err := bob.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, bots)
	var apiErr *APIError
	require.ErrorAs(t, bob.Start(ctx, id), &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	admin := newClient(t, base, "", true)
	bots, err = admin.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, bots, 1)
	res, err := alice.Reconcile(ctx)
	require.Error(t, err)
	require.Zero(t, res.Checked)
}

func TestClient_Upload(t *testing.T) {
	base, dir := startDaemon(t)
	ctx := context.Background()
	script := filepath.Join(dir, "bot.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/bash\nsleep 30\n"), 0o600))

	c := newClient(t, base, "carol", false)
	id, err := c.Upload(ctx, UploadRequest{Path: script, Name: "uploaded"})
	require.NoError(t, err)
	b, err := c.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "shell", b.Runtime)
	require.Equal(t, "uploaded", b.Name)
	require.NotEmpty(t, b.StorageDir)

	_, err = c.Upload(ctx, UploadRequest{Path: filepath.Join(dir, "missing.sh")})
	require.Error(t, err)
}

func TestClient_NoLogsAndEventsDisabled(t *testing.T) {
	base, dir := startDaemon(t)
	ctx := context.Background()
	script := filepath.Join(dir, "idle.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/bash\nsleep 30\n"), 0o700))
	c := newClient(t, base, "dave", false)
	id, err := c.Submit(ctx, SubmitRequest{Executable: script, Runtime: "shell"})
	require.NoError(t, err)

	l, err := c.Logs(ctx, id, 0)
	require.NoError(t, err)
	require.Empty(t, l.Lines)
	require.NotEmpty(t, l.Message)

	_, err = c.Events(ctx, id, 5)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotImplemented, apiErr.StatusCode)
}

func TestClient_ErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/bots/plain" {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
			return
		}
		if r.Header.Get("X-Tenant") != "t1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"limit exceeded"}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL+"/api/", "t1", false)
	_, err := c.Submit(context.Background(), SubmitRequest{Executable: "/bin/true", Runtime: "shell"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	require.Equal(t, "limit exceeded", apiErr.Message)

	_, err = c.Get(context.Background(), "plain")
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	require.Equal(t, "HTTP 502", apiErr.Error())
}

func TestNew_BadCACert(t *testing.T) {
	_, err := New(Config{BaseURL: "https://localhost:1", TLS: &TLSClientConfig{CACert: filepath.Join(t.TempDir(), "nope.pem")}})
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))
	_, err = New(Config{TLS: &TLSClientConfig{CACert: bad}})
	require.ErrorContains(t, err, "parse CA certificate")

	c, err := New(Config{Insecure: true})
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080/api", c.baseURL)
}
