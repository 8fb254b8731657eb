package types

import (
	"encoding/json"
	"time"
)

// Subscription is a user's billing relationship: current plan tier, billing
// status and period boundaries. Each user has at most one Subscription.
//
// ExternalCustomerRef and ExternalSubscriptionRef are opaque identifiers from
// the billing gateway and are empty for the free tier.
type Subscription struct {
	ID                      string             `json:"id" db:"id"`
	UserID                  string             `json:"user_id" db:"user_id"`
	PlanTier                PlanTier           `json:"plan_tier" db:"plan_tier"`
	Status                  SubscriptionStatus `json:"status" db:"status"`
	ExternalCustomerRef     string             `json:"-" db:"external_customer_ref"`
	ExternalSubscriptionRef string             `json:"-" db:"external_subscription_ref"`
	CurrentPeriodStart      time.Time          `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd        time.Time          `json:"current_period_end" db:"current_period_end"`
	CancelAtPeriodEnd       bool               `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	CanceledAt              *time.Time         `json:"canceled_at,omitempty" db:"canceled_at"`

	// Version is incremented on every successful save and guards against
	// lost updates between concurrent writers.
	Version int64 `json:"-" db:"version"`

	// LastEventAt is the creation time of the newest gateway event merged
	// into this record.
	LastEventAt *time.Time `json:"-" db:"last_event_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// User is an account holder.
type User struct {
	ID           string     `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	Name         string     `json:"name,omitempty" db:"name"`
	PasswordHash string     `json:"-" db:"password_hash"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
}

// LoginAttempt is one row of a user's login history. UserID is empty when the
// attempt named an email that does not belong to any account; Identifier always
// holds the submitted email.
type LoginAttempt struct {
	ID          int64     `json:"id" db:"id"`
	UserID      string    `json:"-" db:"user_id"`
	Identifier  string    `json:"-" db:"identifier"`
	IPAddress   string    `json:"ip_address" db:"ip_address"`
	UserAgent   string    `json:"user_agent,omitempty" db:"user_agent"`
	Location    string    `json:"location,omitempty" db:"location"`
	Success     bool      `json:"success" db:"success"`
	Reason      string    `json:"reason,omitempty" db:"failure_reason"`
	AttemptedAt time.Time `json:"attempted_at" db:"attempted_at"`
}

// SuspiciousActivity is the verdict of a login anomaly check.
type SuspiciousActivity struct {
	Suspicious bool   `json:"suspicious"`
	Reason     string `json:"reason,omitempty"`
}

// Project groups funnels for a user.
type Project struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Funnel is a sequence of tracked steps inside a project.
type Funnel struct {
	ID        string    `json:"id" db:"id"`
	ProjectID string    `json:"project_id" db:"project_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// JournaledEvent is a processed billing webhook as kept in the event journal.
type JournaledEvent struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Outcome     string          `json:"outcome"`
	ReceivedAt  time.Time       `json:"received_at"`
	ProcessedAt time.Time       `json:"processed_at"`
	Payload     json.RawMessage `json:"payload"`
}
