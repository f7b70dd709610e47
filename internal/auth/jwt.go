package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for any token that fails verification.
var ErrUnauthenticated = errors.New("unauthenticated")

// AdminSubject is the only identity wadm issues tokens for.
const AdminSubject = "admin"

const issuer = "wadm"

// Claims are the JWT claims of a wadm access token.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTIssuer creates HS256 access tokens.
type JWTIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTIssuer creates an issuer signing with secret. Tokens expire after ttl.
func NewJWTIssuer(secret []byte, ttl time.Duration) *JWTIssuer {
	return &JWTIssuer{secret: secret, ttl: ttl, now: time.Now}
}

// IssueToken signs a token for subject.
func (j *JWTIssuer) IssueToken(subject string) (string, error) {
	now := j.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// Verifier checks access tokens. It holds no state besides the key.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier for tokens signed with secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret, now: time.Now}
}

// WithClock returns a copy of v that reads the time from now.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	return &Verifier{secret: v.secret, now: now}
}

// Verify returns the token's subject. Any failure (bad signature, wrong
// algorithm, missing or passed expiry, garbage input) is ErrUnauthenticated.
func (v *Verifier) Verify(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("%w: invalid token claims", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}
