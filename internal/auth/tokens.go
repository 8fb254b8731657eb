package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"funnelmetrics/internal/types"
)

const tokenIssuer = "funnelmetrics"

// Claims are the access token claims. The subject is the user id.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 access tokens.
type TokenIssuer struct {
	secret types.SecretString
	ttl    time.Duration
	clock  types.Clock
}

// NewTokenIssuer creates a TokenIssuer. A zero ttl defaults to 24 hours.
func NewTokenIssuer(secret types.SecretString, ttl time.Duration, clock types.Clock) *TokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &TokenIssuer{secret: secret, ttl: ttl, clock: clock}
}

// Mint returns a signed access token for the user and its expiry.
func (t *TokenIssuer) Mint(user types.User) (string, time.Time, error) {
	now := t.clock.Now()
	expires := now.Add(t.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString([]byte(t.secret.Unmask()))
	if err != nil {
		return "", time.Time{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to sign access token", err)
	}
	return signed, expires, nil
}

// Verify parses a token and returns its claims. Expired tokens fail with
// auth_token_expired, anything else with auth_token_invalid.
func (t *TokenIssuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return []byte(t.secret.Unmask()), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "access token expired", err)
		}
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid access token", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid access token", jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}

// ResolveToken verifies raw and returns the user it was issued to. It lets
// the HTTP layer authenticate without knowing about JWTs.
func (t *TokenIssuer) ResolveToken(_ context.Context, raw string) (*types.Actor, error) {
	claims, err := t.Verify(raw)
	if err != nil {
		return nil, err
	}
	return &types.Actor{ID: claims.Subject, Type: types.ActorTypeUser, Email: claims.Email}, nil
}
