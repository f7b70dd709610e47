package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/opensandbox/wadm/internal/audit"
	"github.com/opensandbox/wadm/internal/auth"
	"github.com/opensandbox/wadm/internal/settings"
	"github.com/opensandbox/wadm/internal/terminal"
)

var testSecret = []byte("api-test-secret")

// countingSpawner records how many shells were requested.
type countingSpawner struct {
	next  terminal.Spawner
	err   error
	calls atomic.Int32
}

func (c *countingSpawner) Spawn(ctx context.Context, size terminal.Size) (terminal.PTY, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.next.Spawn(ctx, size)
}

// brokenSettings cannot be read or written.
type brokenSettings struct{}

var errSettingsDown = errors.New("redis: connection refused")

func (brokenSettings) Get(context.Context) (settings.Settings, error) {
	return settings.Settings{}, errSettingsDown
}

func (brokenSettings) Update(context.Context, settings.Settings) (settings.Settings, error) {
	return settings.Settings{}, errSettingsDown
}

func (brokenSettings) DeveloperMode(context.Context) (bool, error) { return false, errSettingsDown }
func (brokenSettings) Close() error                              { return nil }

type testEnv struct {
	srv      *Server
	handler  http.Handler
	spawner  *countingSpawner
	settings settings.Store
	creds    *auth.Store
	audit    *audit.Log
	registry *terminal.Registry
	token    string
}

type envOption func(*Deps)

func newTestEnv(t *testing.T, developerMode bool, opts ...envOption) *testEnv {
	t.Helper()
	dir := t.TempDir()

	fs, err := settings.LoadFile(filepath.Join(dir, "wadm-config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Update(context.Background(), settings.Settings{DeveloperMode: developerMode}); err != nil {
		t.Fatal(err)
	}
	creds, err := auth.LoadStore(filepath.Join(dir, "wadm-auth.json"), bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatal(err)
	}
	al, err := audit.Open(filepath.Join(dir, "wadm-audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { al.Close() })

	spawner := &countingSpawner{next: &terminal.ShellSpawner{Shell: "/bin/sh"}}
	issuer := auth.NewJWTIssuer(testSecret, time.Hour)
	registry := terminal.NewRegistry()

	deps := Deps{
		Verifier:       auth.NewVerifier(testSecret),
		Issuer:         issuer,
		Creds:          creds,
		Limiter:        auth.NewLoginLimiter(600, 100),
		Settings:       fs,
		Spawner:        spawner,
		Registry:       registry,
		Audit:          al,
		SessionOptions: terminal.Options{DrainTimeout: 200 * time.Millisecond},
		ServeMetrics:   true,
		Logger:         zerolog.Nop(),
	}
	for _, o := range opts {
		o(&deps)
	}
	srv := NewServer(deps)

	token, err := issuer.IssueToken(auth.AdminSubject)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{
		srv:      srv,
		handler:  srv.Handler(),
		spawner:  spawner,
		settings: deps.Settings,
		creds:    creds,
		audit:    al,
		registry: registry,
		token:    token,
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func dialTerminal(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/terminal/ws?token=" + url.QueryEscape(token)
	ws, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil collects binary output until it contains want.
func readUntil(t *testing.T, ws *websocket.Conn, want string) string {
	t.Helper()
	var out strings.Builder
	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(out.String(), want) {
		ws.SetReadDeadline(deadline)
		mt, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v (output so far %q)", want, err, out.String())
		}
		if mt != websocket.BinaryMessage {
			t.Fatalf("unexpected message type %d", mt)
		}
		out.Write(data)
	}
	return out.String()
}

// readClose reads until the server closes and returns the close error.
func readClose(t *testing.T, ws *websocket.Conn) *websocket.CloseError {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected close frame, got %v", err)
		}
		return ce
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
