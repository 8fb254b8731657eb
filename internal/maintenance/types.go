// Package maintenance implements the scheduled data retention jobs.
//
// EventBridge invokes cmd/janitor with a Payload naming one Task. Each task
// accepts a reference time so a run can be replayed for a past date.
package maintenance

import "time"

// Task identifies which retention job a scheduled invocation runs.
type Task string

const (
	TaskPurgeLoginHistory    Task = "purge_login_history"
	TaskPurgePasswordResets  Task = "purge_password_resets"
	TaskArchiveWebhookEvents Task = "archive_webhook_events"
)

// Payload is the JSON document an EventBridge rule sends:
//
//	{"task": "archive_webhook_events", "reference_time": "2026-03-01T04:00:00Z"}
//
// ReferenceTime is optional and defaults to the invocation time.
type Payload struct {
	Task          Task       `json:"task"`
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
