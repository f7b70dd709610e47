package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	// ContextKeySubject is the echo context key for the authenticated subject.
	ContextKeySubject contextKey = "subject"
)

// SetSubject stores the authenticated subject in the echo context.
func SetSubject(c echo.Context, subject string) {
	c.Set(string(ContextKeySubject), subject)
}

// GetSubject retrieves the authenticated subject from the echo context.
func GetSubject(c echo.Context) (string, bool) {
	v, ok := c.Get(string(ContextKeySubject)).(string)
	return v, ok && v != ""
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// BearerMiddleware rejects requests without a valid access token.
func BearerMiddleware(v *Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := BearerToken(c.Request())
			if token == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing or invalid Authorization header",
				})
			}

			subject, err := v.Verify(token)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "invalid token",
				})
			}

			SetSubject(c, subject)
			return next(c)
		}
	}
}
