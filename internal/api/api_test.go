package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/opensandbox/wadm/internal/auth"
	"github.com/opensandbox/wadm/pkg/types"
)

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/api/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "wadm_terminal_sessions_active") {
		t.Fatal("terminal gauge missing from /metrics")
	}
}

func TestSetupAndLogin(t *testing.T) {
	env := newTestEnv(t, false)
	verifier := auth.NewVerifier(testSecret)

	var status types.AuthStatus
	rec := env.do(t, http.MethodGet, "/api/auth/status", nil, "")
	decodeJSON(t, rec, &status)
	if !status.SetupRequired {
		t.Fatal("fresh server should require setup")
	}

	rec = env.do(t, http.MethodPost, "/api/auth/login", types.LoginRequest{Password: "x", Code: "000000"}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("login before setup: expected 400, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/setup/init", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("setup init: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var enr types.SetupInitResponse
	decodeJSON(t, rec, &enr)
	if enr.Secret == "" || enr.QR == "" || !strings.HasPrefix(enr.URL, "otpauth://totp/") {
		t.Fatalf("incomplete enrollment: %+v", enr)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/setup/confirm", types.SetupConfirmRequest{
		Password: "hunter2", Code: "not-a-code", Secret: enr.Secret,
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad code: expected 400, got %d", rec.Code)
	}

	code, err := totp.GenerateCode(enr.Secret, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	rec = env.do(t, http.MethodPost, "/api/auth/setup/confirm", types.SetupConfirmRequest{
		Password: "hunter2", Code: code, Secret: enr.Secret,
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("setup confirm: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var tok types.TokenResponse
	decodeJSON(t, rec, &tok)
	if sub, err := verifier.Verify(tok.Token); err != nil || sub != auth.AdminSubject {
		t.Fatalf("setup token: sub=%q err=%v", sub, err)
	}

	rec = env.do(t, http.MethodGet, "/api/auth/status", nil, "")
	decodeJSON(t, rec, &status)
	if status.SetupRequired {
		t.Fatal("setup still required after confirm")
	}

	rec = env.do(t, http.MethodPost, "/api/auth/setup/init", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("second setup init: expected 400, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/login", types.LoginRequest{Password: "wrong", Code: code}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: expected 401, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/auth/login", types.LoginRequest{Password: "hunter2", Code: "123"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong code: expected 401, got %d", rec.Code)
	}

	code, _ = totp.GenerateCode(enr.Secret, time.Now())
	rec = env.do(t, http.MethodPost, "/api/auth/login", types.LoginRequest{Password: "hunter2", Code: code}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	decodeJSON(t, rec, &tok)
	if _, err := verifier.Verify(tok.Token); err != nil {
		t.Fatalf("login token rejected: %v", err)
	}
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEnv(t, false, func(d *Deps) {
		d.Limiter = auth.NewLoginLimiter(1, 2)
	})

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/api/auth/login", types.LoginRequest{Password: "x"}, "")
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("attempt %d limited too early", i+1)
		}
	}
	rec := env.do(t, http.MethodPost, "/api/auth/login", types.LoginRequest{Password: "x"}, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestConfigRequiresToken(t *testing.T) {
	env := newTestEnv(t, false)

	for _, tok := range []string{"", "garbage"} {
		rec := env.do(t, http.MethodGet, "/api/config", nil, tok)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", tok, rec.Code)
		}
	}
}

func TestConfigRoundTrip(t *testing.T) {
	env := newTestEnv(t, false)

	var cfg types.Config
	rec := env.do(t, http.MethodGet, "/api/config", nil, env.token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	decodeJSON(t, rec, &cfg)
	if cfg.DeveloperMode {
		t.Fatal("developer mode should start off")
	}

	on := true
	rec = env.do(t, http.MethodPost, "/api/config", types.ConfigUpdateRequest{DeveloperMode: &on}, env.token)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/config", nil, env.token)
	decodeJSON(t, rec, &cfg)
	if !cfg.DeveloperMode {
		t.Fatal("developer mode not persisted")
	}

	rec = env.do(t, http.MethodPost, "/api/config", map[string]string{}, env.token)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing field: expected 400, got %d", rec.Code)
	}
}

func TestConfigSettingsUnavailable(t *testing.T) {
	env := newTestEnv(t, true, func(d *Deps) { d.Settings = brokenSettings{} })
	rec := env.do(t, http.MethodGet, "/api/config", nil, env.token)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestKillUnknownSession(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodDelete, "/api/terminal/sessions/nope", nil, env.token)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListSessionsEmpty(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodGet, "/api/terminal/sessions", nil, env.token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
}

func TestHistoryLimit(t *testing.T) {
	env := newTestEnv(t, true)

	for _, q := range []string{"0", "-3", "many"} {
		rec := env.do(t, http.MethodGet, "/api/terminal/history?limit="+q, nil, env.token)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: expected 400, got %d", q, rec.Code)
		}
	}
	rec := env.do(t, http.MethodGet, "/api/terminal/history?limit=10000", nil, env.token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHistoryWithoutAudit(t *testing.T) {
	env := newTestEnv(t, true, func(d *Deps) { d.Audit = nil })
	rec := env.do(t, http.MethodGet, "/api/terminal/history", nil, env.token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
}
