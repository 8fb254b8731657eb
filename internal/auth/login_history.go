package auth

import (
	"context"
	"log/slog"
	"slices"

	"funnelmetrics/internal/types"
)

const (
	// suspicionWindow is how many recent successful logins form the set of
	// known addresses.
	suspicionWindow = 5

	// DefaultHistoryLimit is the page size of the login history endpoint.
	DefaultHistoryLimit = 10

	maxHistoryLimit = 100

	ReasonNewLocation = "login_from_new_location"
)

// HistoryRepo reads a user's login history, newest first.
type HistoryRepo interface {
	ListByUser(ctx context.Context, userID string, limit int, successOnly bool) ([]types.LoginAttempt, error)
}

// LoginHistoryService answers login history queries and flags logins from
// addresses the user has not recently signed in from.
type LoginHistoryService struct {
	repo   HistoryRepo
	logger *slog.Logger
}

// NewLoginHistoryService creates a LoginHistoryService.
func NewLoginHistoryService(repo HistoryRepo, logger *slog.Logger) *LoginHistoryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginHistoryService{repo: repo, logger: logger}
}

// CheckSuspiciousActivity compares ip with the addresses of the user's last
// successful logins. It must run before the current login is recorded. A
// first login is never suspicious, and a store error is logged and treated as
// not suspicious so that it never blocks the login.
func (s *LoginHistoryService) CheckSuspiciousActivity(ctx context.Context, userID, ip string) types.SuspiciousActivity {
	recent, err := s.repo.ListByUser(ctx, userID, suspicionWindow, true)
	if err != nil {
		s.logger.WarnContext(ctx, "suspicious activity check skipped", "user_id", userID, "error", err)
		return types.SuspiciousActivity{}
	}
	if len(recent) == 0 {
		return types.SuspiciousActivity{}
	}

	known := slices.ContainsFunc(recent, func(a types.LoginAttempt) bool {
		return a.IPAddress == ip
	})
	if known {
		return types.SuspiciousActivity{}
	}
	return types.SuspiciousActivity{Suspicious: true, Reason: ReasonNewLocation}
}

// History returns the user's most recent login attempts. limit is clamped to
// [1, 100] and defaults to 10.
func (s *LoginHistoryService) History(ctx context.Context, userID string, limit int) ([]types.LoginAttempt, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	return s.repo.ListByUser(ctx, userID, limit, false)
}
