// Package auth implements account registration, password login, access
// tokens, brute force protection and login anomaly detection.
package auth

import (
	"context"
	"log/slog"
	"time"

	"funnelmetrics/internal/types"
)

// SecurityConfig holds the thresholds for brute force protection.
type SecurityConfig struct {
	// IPBlockThreshold is the number of failed attempts from one IP within
	// the window before the IP is blocked.
	IPBlockThreshold int

	// IdentifierBlockThreshold is the number of failed attempts for one email
	// within the window before that email is locked.
	IdentifierBlockThreshold int

	WindowDuration time.Duration
}

// DefaultSecurityConfig returns the production thresholds: 100 failures per
// IP and 5 per email in 15 minutes.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		IPBlockThreshold:         100,
		IdentifierBlockThreshold: 5,
		WindowDuration:           15 * time.Minute,
	}
}

// SecurityRepo is the login history storage used for failure counting.
type SecurityRepo interface {
	LogAttempt(ctx context.Context, attempt *types.LoginAttempt) error
	CountRecentFailuresByIP(ctx context.Context, ip string, since time.Time) (int, error)
	CountRecentFailuresByIdentifier(ctx context.Context, identifier string, since time.Time) (int, error)
}

// securityService implements types.SecurityService on top of login_history.
type securityService struct {
	repo   SecurityRepo
	config SecurityConfig
	clock  types.Clock
	logger *slog.Logger
}

// NewSecurityService creates a SecurityService.
func NewSecurityService(repo SecurityRepo, config SecurityConfig, clock types.Clock, logger *slog.Logger) types.SecurityService {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &securityService{
		repo:   repo,
		config: config,
		clock:  clock,
		logger: logger,
	}
}

// RecordAttempt stores one login attempt. AttemptedAt defaults to now.
func (s *securityService) RecordAttempt(ctx context.Context, attempt types.LoginAttempt) error {
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = s.clock.Now()
	}
	if err := s.repo.LogAttempt(ctx, &attempt); err != nil {
		s.logger.ErrorContext(ctx, "failed to record login attempt",
			"identifier", attempt.Identifier,
			"ip", attempt.IPAddress,
			"success", attempt.Success,
			"error", err,
		)
		return err
	}
	return nil
}

// IsIPBlocked reports whether the IP exceeded the failure threshold. Store
// errors fail open.
func (s *securityService) IsIPBlocked(ctx context.Context, ip string) bool {
	since := s.clock.Now().Add(-s.config.WindowDuration)
	count, err := s.repo.CountRecentFailuresByIP(ctx, ip, since)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to check IP block status", "ip", ip, "error", err)
		return false
	}
	return count >= s.config.IPBlockThreshold
}

// IsIdentifierBlocked reports whether the email exceeded the failure
// threshold. Store errors fail open.
func (s *securityService) IsIdentifierBlocked(ctx context.Context, identifier string) bool {
	since := s.clock.Now().Add(-s.config.WindowDuration)
	count, err := s.repo.CountRecentFailuresByIdentifier(ctx, identifier, since)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to check identifier block status", "identifier", identifier, "error", err)
		return false
	}
	return count >= s.config.IdentifierBlockThreshold
}

// BruteForceProtector combines the identifier and IP checks for the login
// flow.
type BruteForceProtector struct {
	security types.SecurityService
}

// NewBruteForceProtector creates a BruteForceProtector.
func NewBruteForceProtector(security types.SecurityService) *BruteForceProtector {
	return &BruteForceProtector{security: security}
}

// CheckLoginAllowed returns an auth_account_locked or rate_limit_exceeded
// error when the email or the IP is currently blocked.
func (b *BruteForceProtector) CheckLoginAllowed(ctx context.Context, email, ip string) error {
	if b.security.IsIdentifierBlocked(ctx, email) {
		return types.NewAppError(types.ErrCodeAuthLocked,
			"too many failed login attempts; try again in a few minutes", nil)
	}
	if b.security.IsIPBlocked(ctx, ip) {
		return types.NewAppError(types.ErrCodeRateLimit,
			"too many failed login attempts from this address", nil)
	}
	return nil
}
