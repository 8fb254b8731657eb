package types

import "time"

// Notice is the SQS payload sent from the API to the email worker. It carries
// everything the worker needs to render and deliver one message, so the worker
// never reads the database.
type Notice struct {
	NoticeID  string     `json:"notice_id"`
	Kind      NoticeKind `json:"kind"`
	UserID    string     `json:"user_id,omitempty"`
	Email     string     `json:"email"`
	CreatedAt time.Time  `json:"created_at"`

	// TraceID correlates the notice with the originating request or webhook.
	TraceID string `json:"trace_id,omitempty"`

	// Payload holds template data, e.g. plan_tier or ip_address.
	Payload map[string]string `json:"payload,omitempty"`
}

// SenderIdentity is the From header of an outbound email.
type SenderIdentity struct {
	Name    string
	Address string
}

// SendInput is a fully rendered email ready for the provider.
type SendInput struct {
	To          string
	From        SenderIdentity
	Subject     string
	BodyHTML    string
	BodyText    string
	ReferenceID string
	Kind        NoticeKind
}
