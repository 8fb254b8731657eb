package db

import (
	"context"
	"time"

	"funnelmetrics/internal/types"
)

// LoginHistoryRepository provides data access for the login_history table.
// It backs both the brute-force counters and the per-user login history.
type LoginHistoryRepository struct {
	db DBTX
}

// NewLoginHistoryRepository creates a new LoginHistoryRepository.
func NewLoginHistoryRepository(db DBTX) *LoginHistoryRepository {
	return &LoginHistoryRepository{db: db}
}

// LogAttempt records a login attempt. An empty UserID is stored as NULL.
func (r *LoginHistoryRepository) LogAttempt(ctx context.Context, a *types.LoginAttempt) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO login_history (user_id, identifier, ip_address, user_agent, location,
			success, failure_reason, attempted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`,
		nilIfEmpty(a.UserID),
		a.Identifier,
		a.IPAddress,
		nilIfEmpty(a.UserAgent),
		nilIfEmpty(a.Location),
		a.Success,
		nilIfEmpty(a.Reason),
		nilIfZeroTime(a.AttemptedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to log login attempt", err)
	}
	return nil
}

// CountRecentFailuresByIP counts failed attempts from ip since the given time.
func (r *LoginHistoryRepository) CountRecentFailuresByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM login_history
		 WHERE ip_address = $1 AND success = false AND attempted_at > $2`,
		ip,
		since,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count IP failures", err)
	}
	return count, nil
}

// CountRecentFailuresByIdentifier counts failed attempts for an email since the given time.
func (r *LoginHistoryRepository) CountRecentFailuresByIdentifier(ctx context.Context, identifier string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM login_history
		 WHERE identifier = $1 AND success = false AND attempted_at > $2`,
		identifier,
		since,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count identifier failures", err)
	}
	return count, nil
}

// ListByUser returns the user's most recent attempts, newest first.
// When successOnly is set, failed attempts are excluded.
func (r *LoginHistoryRepository) ListByUser(ctx context.Context, userID string, limit int, successOnly bool) ([]types.LoginAttempt, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, identifier, ip_address, user_agent, location, success, failure_reason, attempted_at
		 FROM login_history
		 WHERE user_id = $1 AND ($2 = false OR success = true)
		 ORDER BY attempted_at DESC
		 LIMIT $3`,
		userID,
		successOnly,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list login history", err)
	}
	defer rows.Close()

	var out []types.LoginAttempt
	for rows.Next() {
		var a types.LoginAttempt
		var userAgent, location, reason *string
		if err := rows.Scan(&a.ID, &a.Identifier, &a.IPAddress, &userAgent, &location,
			&a.Success, &reason, &a.AttemptedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan login history", err)
		}
		a.UserID = userID
		a.UserAgent = derefString(userAgent)
		a.Location = derefString(location)
		a.Reason = derefString(reason)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate login history", err)
	}
	return out, nil
}

// DeleteBefore removes attempts older than cutoff and returns how many rows
// were deleted.
func (r *LoginHistoryRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM login_history WHERE attempted_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune login history", err)
	}
	return int(tag.RowsAffected()), nil
}
