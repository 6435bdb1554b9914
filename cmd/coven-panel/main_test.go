package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-panel/internal/auth"
	"github.com/2389/coven-panel/internal/config"
	"github.com/2389/coven-panel/internal/panel"
	"github.com/2389/coven-panel/internal/registry"
	"github.com/2389/coven-panel/internal/remote"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "panel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestInit_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("COVEN_PANEL_CONFIG", "")

	out, err := runCLI(t, "", "init", "--defaults")
	require.NoError(t, err, out)

	path := config.ResolvePath()
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultHTTPAddr, cfg.Server.HTTPAddr)
	assert.Equal(t, filepath.Join(config.DataDir(), "panel.db"), cfg.Database.Path)
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
	assert.Equal(t, config.DefaultSweepInterval, cfg.Daemons.SweepInterval)

	token, err := os.ReadFile(filepath.Join(filepath.Dir(path), tokenFileName))
	require.NoError(t, err)
	operator, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Verify(string(token))
	require.NoError(t, err)
	assert.Equal(t, initOperator, operator)
}

func TestInit_KeepsExistingConfig(t *testing.T) {
	path := writeConfig(t, "server:\n  http_addr: \"127.0.0.1:1\"\n")

	out, err := runCLI(t, path+"\nno\n", "--config", path, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Aborted.")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "127.0.0.1:1")
}

func TestInit_Interactive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "panel.yaml")
	dbPath := filepath.Join(dir, "data", "panel.db")

	answers := strings.Join([]string{
		path,           // config path
		"0.0.0.0:9999", // http addr
		dbPath,         // db path
		"no",           // tailscale
		"no",           // api auth
		"30s",          // sweep interval
		"4s",           // request timeout
		"debug",        // level
		"json",         // format
	}, "\n") + "\n"

	out, err := runCLI(t, answers, "init")
	require.NoError(t, err, out)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Server.HTTPAddr)
	assert.Equal(t, dbPath, cfg.Database.Path)
	assert.Empty(t, cfg.Auth.JWTSecret)
	assert.Equal(t, 30*time.Second, cfg.Daemons.SweepInterval)
	assert.Equal(t, 4*time.Second, cfg.Daemons.RequestTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)

	_, err = os.Stat(filepath.Join(dir, tokenFileName))
	assert.True(t, os.IsNotExist(err), "no token without a secret")
}

func TestToken(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: \"cli-secret\"\n")

	out, err := runCLI(t, "", "--config", path, "token", "alice", "--ttl", "1h")
	require.NoError(t, err)

	operator, err := auth.NewJWTVerifier([]byte("cli-secret")).Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", operator)
}

func TestToken_Save(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: \"cli-secret\"\n")

	out, err := runCLI(t, "", "--config", path, "token", "bob", "--save")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved token for bob")

	saved, err := os.ReadFile(filepath.Join(filepath.Dir(path), tokenFileName))
	require.NoError(t, err)
	operator, err := auth.NewJWTVerifier([]byte("cli-secret")).Verify(string(saved))
	require.NoError(t, err)
	assert.Equal(t, "bob", operator)
}

func TestToken_RequiresSecret(t *testing.T) {
	path := writeConfig(t, "server:\n  http_addr: \"127.0.0.1:1\"\n")

	_, err := runCLI(t, "", "--config", path, "token", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

// fakePanel records API calls and answers them like a panel would.
type fakePanel struct {
	t      *testing.T
	calls  []string
	bodies []string
	auth   []string
}

func (f *fakePanel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	f.bodies = append(f.bodies, string(body))
	f.auth = append(f.auth, r.Header.Get("Authorization"))

	w.Header().Set("Content-Type", "application/json")
	switch r.Method + " " + r.URL.Path {
	case "GET /health":
		_, _ = w.Write([]byte("OK"))
	case "GET /health/ready":
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no daemons available (0/1)"))
	case "GET /api/daemons":
		_ = json.NewEncoder(w).Encode([]registry.Status{
			{ID: "d1", Host: "10.0.0.5", Port: 24444, State: remote.StateAuthenticated, Available: true, Remarks: "rack 1"},
			{ID: "d2", Host: "10.0.0.6", Port: 24444, State: remote.StateConnected},
		})
	case "POST /api/daemons":
		var req registry.AddRequest
		require.NoError(f.t, json.Unmarshal(body, &req))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(registry.Status{ID: "new", Host: req.Host, Port: req.Port})
	case "DELETE /api/daemons/d1":
		w.WriteHeader(http.StatusNoContent)
	case "DELETE /api/daemons/missing":
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"daemon not found"}`))
	case "POST /api/daemons/d1/reconnect":
		w.WriteHeader(http.StatusAccepted)
	case "POST /api/daemons/d1/request":
		_ = json.NewEncoder(w).Encode(panel.RequestResponse{Data: json.RawMessage(`{"pong":true}`)})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newFakePanel(t *testing.T) (*fakePanel, string) {
	f := &fakePanel{t: t}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv.URL
}

func TestDaemonsList(t *testing.T) {
	f, url := newFakePanel(t)

	out, err := runCLI(t, "", "--url", url, "--token", "tok", "daemons", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "d1")
	assert.Contains(t, out, "ws://10.0.0.5:24444")
	assert.Contains(t, out, "authenticated")
	assert.Contains(t, out, "rack 1")
	assert.Equal(t, []string{"Bearer tok"}, f.auth)

	out, err = runCLI(t, "", "--url", url, "daemons", "list", "--json")
	require.NoError(t, err)
	var list []registry.Status
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Len(t, list, 2)
}

func TestDaemonsAdd(t *testing.T) {
	f, url := newFakePanel(t)

	out, err := runCLI(t, "", "--url", url, "daemons", "add", "10.0.0.7", "--key", "secret", "--remarks", "new box")
	require.NoError(t, err)
	assert.Contains(t, out, "Added daemon new (ws://10.0.0.7:24444)")

	var req registry.AddRequest
	require.NoError(t, json.Unmarshal([]byte(f.bodies[0]), &req))
	assert.Equal(t, registry.AddRequest{Host: "10.0.0.7", Port: remote.DefaultPort, Credential: "secret", Remarks: "new box"}, req)
}

func TestDaemonsRemoveAndReconnect(t *testing.T) {
	f, url := newFakePanel(t)

	_, err := runCLI(t, "", "--url", url, "daemons", "remove", "d1")
	require.NoError(t, err)

	_, err = runCLI(t, "", "--url", url, "daemons", "rm", "missing")
	require.Error(t, err)
	assert.Equal(t, "daemon not found (status 404)", err.Error())

	_, err = runCLI(t, "", "--url", url, "daemons", "reconnect", "d1")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"DELETE /api/daemons/d1",
		"DELETE /api/daemons/missing",
		"POST /api/daemons/d1/reconnect",
	}, f.calls)
}

func TestDaemonsRequest(t *testing.T) {
	f, url := newFakePanel(t)

	out, err := runCLI(t, "", "--url", url, "daemons", "request", "d1", "ping", "hello", "--timeout", "2s")
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, out)

	var body panel.RequestBody
	require.NoError(t, json.Unmarshal([]byte(f.bodies[0]), &body))
	assert.Equal(t, "ping", body.Event)
	assert.JSONEq(t, `"hello"`, string(body.Data))
	assert.Equal(t, 2000, body.TimeoutMS)

	_, err = runCLI(t, "", "--url", url, "daemons", "request", "d1", "instance/open", `{"id":"i1"}`)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(f.bodies[1]), &body))
	assert.JSONEq(t, `{"id":"i1"}`, string(body.Data))
}

func TestHealth(t *testing.T) {
	_, url := newFakePanel(t)

	out, err := runCLI(t, "", "--url", url, "health")
	require.NoError(t, err)
	assert.Equal(t, "healthy\n", out)

	_, err = runCLI(t, "", "--url", url, "health", "--ready")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"ID", "Count"}, [][]string{{"a", "1"}, {"b"}}, []columnAlignment{alignLeft, alignRight})
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "Count")
	assert.True(t, strings.HasPrefix(out, "╭"), "rounded style")
	assert.Empty(t, renderTable(nil, nil, nil))
}
