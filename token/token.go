// Package token mints and verifies the bearer tokens that authorize post
// mutations. Tokens are HS256 JWTs signed with a shared secret and bound to a
// fixed issuer.
package token

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalid wraps every verification failure.
var ErrInvalid = errors.New("token: invalid")

// DefaultLeeway is the clock skew tolerated on exp/nbf/iat.
const DefaultLeeway = 60 * time.Second

var bearerRe = regexp.MustCompile(`(?i)^Bearer\s+(.+)$`)

// FromHeader extracts the token from an Authorization header value.
func FromHeader(h string) (string, bool) {
	m := bearerRe.FindStringSubmatch(h)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Verifier checks tokens against a secret and issuer.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier returns a Verifier. leeway <= 0 uses DefaultLeeway.
func NewVerifier(secret, issuer string, leeway time.Duration) *Verifier {
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: leeway, now: time.Now}
}

// Verify parses raw and returns its claims. Anything other than a correctly
// signed HS256 token from the expected issuer, inside its validity window,
// yields an error wrapping ErrInvalid.
func (v *Verifier) Verify(raw string) (*jwt.RegisteredClaims, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: no secret configured", ErrInvalid)
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return claims, nil
}

// Mint signs a token for subject valid for ttl from now.
func Mint(secret, issuer, subject string, ttl time.Duration) (string, error) {
	return mintAt(secret, issuer, subject, ttl, time.Now())
}

func mintAt(secret, issuer, subject string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("token: empty secret")
	}
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
