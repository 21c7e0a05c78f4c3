// Package credential mints and verifies short-lived signed assertions for
// resource-server round trips.
package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrSigningSecretMissing indicates the gateway has no shared signing
// secret. This is a configuration fault, never a caller error: without the
// secret the resource server cannot distinguish the gateway from an attacker.
var ErrSigningSecretMissing = errors.New("credential signing secret is not configured")

// maxTTL bounds credential lifetime; one call's worth of validity.
const maxTTL = 5 * time.Minute

const defaultIssuer = "medgate"

// Claims are the assertion contents: who the caller is, never what they
// asked for. The resource server authorizes the operation independently.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Credential is a minted, time-boxed assertion. The token must never be
// logged in plaintext or persisted.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Minter signs credentials with a secret shared out-of-band with the
// resource server.
type Minter struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewMinter creates a minter. An empty secret is accepted here so startup
// can proceed in degraded dev setups; Mint fails until a secret exists.
func NewMinter(secret string, ttl time.Duration) *Minter {
	if ttl <= 0 || ttl > maxTTL {
		ttl = maxTTL
	}
	return &Minter{
		secret: []byte(strings.TrimSpace(secret)),
		issuer: defaultIssuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Mint produces a signed HS256 assertion for one identity and role.
func (m *Minter) Mint(subject, role string) (Credential, error) {
	if len(m.secret) == 0 {
		return Credential{}, ErrSigningSecretMissing
	}

	now := m.now().UTC()
	expiresAt := now.Add(m.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.TrimSpace(subject),
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role: strings.TrimSpace(role),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return Credential{}, fmt.Errorf("signing credential: %w", err)
	}
	return Credential{Token: token, ExpiresAt: expiresAt}, nil
}

// Verifier re-checks a credential the way the resource server does:
// signature, issuer, and expiry.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier over the shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(strings.TrimSpace(secret)),
		now:    time.Now,
	}
}

// Verify parses and validates a credential token, returning its claims.
func (v *Verifier) Verify(token string) (Claims, error) {
	if len(v.secret) == 0 {
		return Claims{}, ErrSigningSecretMissing
	}

	parsed, err := jwt.ParseWithClaims(
		strings.TrimSpace(token),
		&Claims{},
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(defaultIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("verifying credential: %w", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, jwt.ErrTokenSignatureInvalid
	}
	return *claims, nil
}
