package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/carebridge/medgate/internal/turn"
)

var (
	// ErrSessionSecretMissing indicates no session verification secret was configured.
	ErrSessionSecretMissing = errors.New("session secret is not configured")
	// ErrBearerTokenMissing indicates the Authorization header did not carry a bearer token.
	ErrBearerTokenMissing = errors.New("missing or malformed Authorization bearer token")
	// ErrSessionTokenInvalid indicates the presented session token failed verification.
	ErrSessionTokenInvalid = errors.New("invalid session token")
)

// SessionAuthenticator resolves the caller identity for one request.
type SessionAuthenticator interface {
	Authenticate(r *http.Request) (turn.Identity, error)
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// JWTSessionAuthenticator verifies bearer session tokens issued by the
// deployment's identity layer. Sessions are distinct from the short-lived
// credentials the gateway mints toward the resource server: a session
// proves the caller to the gateway, not the gateway to the backend.
type JWTSessionAuthenticator struct {
	secret []byte
}

// NewJWTSessionAuthenticator creates the authenticator. An empty secret is
// accepted at construction; authentication then fails closed per request.
func NewJWTSessionAuthenticator(secret string) *JWTSessionAuthenticator {
	return &JWTSessionAuthenticator{secret: []byte(strings.TrimSpace(secret))}
}

// Authenticate validates the bearer token and extracts the caller identity.
// The network origin is taken from the request, never from the token.
func (a *JWTSessionAuthenticator) Authenticate(r *http.Request) (turn.Identity, error) {
	if len(a.secret) == 0 {
		return turn.Identity{}, fmt.Errorf("%w; set MEDGATE_SESSION_SECRET", ErrSessionSecretMissing)
	}

	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return turn.Identity{}, ErrBearerTokenMissing
	}

	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return turn.Identity{}, fmt.Errorf("%w: %v", ErrSessionTokenInvalid, err)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.Role) == "" {
		return turn.Identity{}, fmt.Errorf("%w: subject and role claims are required", ErrSessionTokenInvalid)
	}

	return turn.Identity{
		ID:     claims.Subject,
		Role:   claims.Role,
		Origin: remoteIP(r),
	}, nil
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func authFailureResponse(err error) (int, string) {
	switch {
	case errors.Is(err, ErrSessionSecretMissing):
		return http.StatusUnauthorized, "session verification is not configured; set MEDGATE_SESSION_SECRET"
	case errors.Is(err, ErrBearerTokenMissing):
		return http.StatusUnauthorized, "missing or malformed Authorization header; expected Bearer <token>"
	case errors.Is(err, ErrSessionTokenInvalid):
		return http.StatusUnauthorized, "invalid session token"
	default:
		return http.StatusUnauthorized, "unauthorized"
	}
}
