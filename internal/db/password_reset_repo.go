package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"funnelmetrics/internal/types"
)

// PasswordResetRepository stores hashed, single-use password reset tokens.
type PasswordResetRepository struct {
	db DBTX
}

// NewPasswordResetRepository creates a new PasswordResetRepository.
func NewPasswordResetRepository(db DBTX) *PasswordResetRepository {
	return &PasswordResetRepository{db: db}
}

// Create stores a new reset token for userID and retires any token the user
// still had outstanding.
func (r *PasswordResetRepository) Create(ctx context.Context, userID, tokenHash string, expiresAt, now time.Time) error {
	_, err := r.db.Exec(ctx,
		`WITH retired AS (
			UPDATE password_resets SET used_at = $4
			WHERE user_id = $1 AND used_at IS NULL
		 )
		 INSERT INTO password_resets (token_hash, user_id, expires_at, created_at)
		 VALUES ($2, $1, $3, $4)`,
		userID,
		tokenHash,
		expiresAt,
		now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to store password reset", err)
	}
	return nil
}

// Complete consumes the token and sets the user's password hash in one
// statement. An unknown, used or expired token returns auth_token_invalid
// and changes nothing.
func (r *PasswordResetRepository) Complete(ctx context.Context, tokenHash, passwordHash string, now time.Time) (string, error) {
	var userID string
	err := r.db.QueryRow(ctx,
		`WITH consumed AS (
			UPDATE password_resets SET used_at = $3
			WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $3
			RETURNING user_id
		 )
		 UPDATE users SET password_hash = $2
		 FROM consumed
		 WHERE users.id = consumed.user_id
		 RETURNING users.id`,
		tokenHash,
		passwordHash,
		now,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "password reset link is invalid or has expired", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to complete password reset", err)
	}
	return userID, nil
}

// DeleteExpired removes tokens that expired before cutoff.
func (r *PasswordResetRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM password_resets WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge password resets", err)
	}
	return int(tag.RowsAffected()), nil
}
