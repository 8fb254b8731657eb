package email

import (
	"context"
	"log/slog"

	"funnelmetrics/internal/types"
)

// Provider transmits rendered messages. external.SESClient implements it.
type Provider interface {
	Send(ctx context.Context, input types.SendInput) (string, error)
}

// Status is the terminal state of one delivery attempt.
type Status string

const (
	StatusSent       Status = "sent"
	StatusSuppressed Status = "suppressed"
)

// Result describes a delivery that needs no retry.
type Result struct {
	Status            Status
	ProviderMessageID string
	Reason            string
}

// Deliverer renders notices and sends them through a Provider.
type Deliverer struct {
	provider Provider
	renderer *Renderer
	logger   *slog.Logger
}

func NewDeliverer(provider Provider, renderer *Renderer, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{provider: provider, renderer: renderer, logger: logger}
}

// Deliver sends one notice. A recipient the provider refuses yields a
// suppressed Result and no error. Any returned error is worth retrying only
// if IsRetryable says so.
func (d *Deliverer) Deliver(ctx context.Context, n types.Notice) (Result, error) {
	logger := d.logger.With("notice_id", n.NoticeID, "kind", string(n.Kind), "dest", RedactEmail(n.Email))

	msg, err := d.renderer.Render(n)
	if err != nil {
		logger.ErrorContext(ctx, "notice rendering failed", "error", err)
		return Result{}, err
	}

	msgID, err := d.provider.Send(ctx, msg)
	if err != nil {
		if IsBlocklistError(err) {
			logger.WarnContext(ctx, "recipient blocked by provider")
			return Result{Status: StatusSuppressed, Reason: "address_blocked"}, nil
		}
		return Result{}, err
	}

	logger.InfoContext(ctx, "notice delivered", "provider_message_id", msgID)
	return Result{Status: StatusSent, ProviderMessageID: msgID}, nil
}
