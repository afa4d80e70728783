// Package auth maps session tokens to user ids. Tokens are HS256 JWTs whose
// subject is the user id.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eightweek/companion/internal/domain/shared"
	"github.com/eightweek/companion/pkg/timeutil"
)

var (
	// ErrInvalidToken is returned for malformed, expired or foreign tokens.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrNoSecret is returned when no signing secret is configured.
	ErrNoSecret = errors.New("auth: signing secret is not configured")
)

// Config holds token settings.
type Config struct {
	Secret string
	Issuer string
	TTL    time.Duration
	Clock  timeutil.Clock
}

// Authenticator issues and resolves session tokens.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  timeutil.Clock
}

// New creates an Authenticator.
func New(cfg Config) *Authenticator {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.SystemClock{}
	}
	return &Authenticator{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		clock:  cfg.Clock,
	}
}

// Issue signs a token for user. A zero TTL issues a token without expiry.
func (a *Authenticator) Issue(user shared.UserID) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrNoSecret
	}
	if id, err := shared.NewUserID(user.String()); err != nil || id.IsAnonymous() || id != user {
		return "", fmt.Errorf("auth: cannot issue token for %q: %w", user, shared.ErrInvalidUserID)
	}

	now := a.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:  user.String(),
		Issuer:   a.issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if a.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Resolve validates raw and returns the user it was issued for.
func (a *Authenticator) Resolve(raw string) (shared.UserID, error) {
	if len(a.secret) == 0 {
		return "", ErrNoSecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	user, err := shared.NewUserID(claims.Subject)
	if err != nil || user.IsAnonymous() {
		return "", fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return user, nil
}
