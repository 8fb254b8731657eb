package types

import (
	"context"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// SecurityService provides failed-attempt tracking and blocking.
type SecurityService interface {
	// RecordAttempt logs a security event for tracking.
	RecordAttempt(ctx context.Context, attempt LoginAttempt) error

	// IsIPBlocked checks if an IP address should be blocked based on recent failed attempts.
	IsIPBlocked(ctx context.Context, ip string) bool

	// IsIdentifierBlocked checks if a specific identifier (email) should be blocked.
	IsIdentifierBlocked(ctx context.Context, identifier string) bool
}

// NoticePublisher enqueues user-facing notices for asynchronous delivery.
type NoticePublisher interface {
	Publish(ctx context.Context, notice Notice) error
}
