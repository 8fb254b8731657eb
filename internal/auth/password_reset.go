package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"time"
	"unicode/utf8"

	"funnelmetrics/internal/types"
)

// DefaultResetTTL is how long a password reset link stays valid.
const DefaultResetTTL = time.Hour

const resetTokenBytes = 32

// ResetStore persists hashed reset tokens. Complete must consume the token
// and store the new password hash atomically, failing with
// auth_token_invalid for unknown, used or expired tokens.
type ResetStore interface {
	Create(ctx context.Context, userID, tokenHash string, expiresAt, now time.Time) error
	Complete(ctx context.Context, tokenHash, passwordHash string, now time.Time) (string, error)
}

// RequestPasswordReset emails a single-use reset link to the account with
// this email. An unknown email is not an error, so callers cannot discover
// which accounts exist.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.users.GetByEmail(ctx, CanonicalizeEmail(email))
	if err != nil {
		if types.HasCode(err, types.ErrCodeNotFoundUser) {
			s.logger.InfoContext(ctx, "password reset requested for unknown email")
			return nil
		}
		return err
	}

	token, err := newResetToken()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate reset token", err)
	}
	now := s.clock.Now()
	if err := s.resets.Create(ctx, user.ID, hashResetToken(token), now.Add(s.resetTTL), now); err != nil {
		return err
	}

	err = s.notify(ctx, user, types.NoticePasswordReset, map[string]string{
		"action_url":         s.frontendURL + "/auth/reset-password/" + token,
		"expires_in_minutes": strconv.Itoa(int(s.resetTTL / time.Minute)),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to queue password reset email", err)
	}

	s.logger.InfoContext(ctx, "password reset requested", "user_id", user.ID)
	return nil
}

// CompletePasswordReset sets a new password using a token from
// RequestPasswordReset. The token works once.
func (s *Service) CompletePasswordReset(ctx context.Context, token, newPassword string) error {
	if utf8.RuneCountInString(newPassword) < minPasswordLength {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationPassword,
			"password must be at least 8 characters", nil,
			map[string]any{"min_length": minPasswordLength})
	}
	if token == "" {
		return types.NewAppError(types.ErrCodeAuthTokenInvalid, "password reset link is invalid or has expired", nil)
	}

	hash, err := s.hasher.GenerateFromPassword(newPassword)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash password", err)
	}

	userID, err := s.resets.Complete(ctx, hashResetToken(token), hash, s.clock.Now())
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "password reset completed", "user_id", userID)
	return nil
}

func newResetToken() (string, error) {
	b := make([]byte, resetTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hashResetToken is the only form of a token that is stored.
func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
