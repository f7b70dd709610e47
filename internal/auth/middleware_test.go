package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func newMiddlewareServer() *echo.Echo {
	e := echo.New()
	e.Use(BearerMiddleware(NewVerifier(testSecret)))
	e.GET("/test", func(c echo.Context) error {
		sub, _ := GetSubject(c)
		return c.String(http.StatusOK, sub)
	})
	return e
}

func TestBearerMiddleware_ValidToken(t *testing.T) {
	token, err := NewJWTIssuer(testSecret, time.Hour).IssueToken(AdminSubject)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	newMiddlewareServer().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", rec.Code)
	}
	if rec.Body.String() != AdminSubject {
		t.Errorf("expected subject %q in context, got %q", AdminSubject, rec.Body.String())
	}
}

func TestBearerMiddleware_MissingToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	newMiddlewareServer().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with missing token, got %d", rec.Code)
	}
}

func TestBearerMiddleware_InvalidToken(t *testing.T) {
	token, _ := NewJWTIssuer([]byte("other"), time.Hour).IssueToken(AdminSubject)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	newMiddlewareServer().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with foreign token, got %d", rec.Code)
	}
}

func TestBearerMiddleware_WrongScheme(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Basic YWRtaW46cHc=")
	rec := httptest.NewRecorder()
	newMiddlewareServer().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with basic auth, got %d", rec.Code)
	}
}
