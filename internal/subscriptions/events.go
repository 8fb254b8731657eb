package subscriptions

import (
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"funnelmetrics/internal/external"
)

// Event is a billing lifecycle notification decoded from a gateway webhook.
// The set of implementations is closed; switch over it with a default arm
// that handles UnknownEvent.
type Event interface {
	Meta() EventMeta
	isEvent()
}

// EventMeta is the envelope shared by every event.
type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

// SubscriptionChanged covers customer.subscription.created and
// customer.subscription.updated.
type SubscriptionChanged struct {
	EventMeta
	Remote RemoteSubscription
}

// SubscriptionDeleted is customer.subscription.deleted.
type SubscriptionDeleted struct {
	EventMeta
	Remote RemoteSubscription
}

// PaymentSucceeded is invoice.payment_succeeded.
type PaymentSucceeded struct {
	EventMeta
	Invoice RemoteInvoice
}

// PaymentFailed is invoice.payment_failed.
type PaymentFailed struct {
	EventMeta
	Invoice RemoteInvoice
}

// UnknownEvent is any event type the reconciler does not handle.
type UnknownEvent struct {
	EventMeta
}

func (e SubscriptionChanged) Meta() EventMeta { return e.EventMeta }
func (e SubscriptionDeleted) Meta() EventMeta { return e.EventMeta }
func (e PaymentSucceeded) Meta() EventMeta    { return e.EventMeta }
func (e PaymentFailed) Meta() EventMeta       { return e.EventMeta }
func (e UnknownEvent) Meta() EventMeta        { return e.EventMeta }

func (SubscriptionChanged) isEvent() {}
func (SubscriptionDeleted) isEvent() {}
func (PaymentSucceeded) isEvent()    {}
func (PaymentFailed) isEvent()       {}
func (UnknownEvent) isEvent()        {}

// RemoteSubscription is the gateway's view of a subscription.
type RemoteSubscription struct {
	ID                 string
	CustomerRef        string
	Status             string
	PriceID            string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
}

// RemoteInvoice carries the invoice fields used for notices.
type RemoteInvoice struct {
	ID               string
	CustomerRef      string
	AmountDue        int64
	Currency         string
	AttemptCount     int64
	HostedInvoiceURL string
}

// ParseEvent maps a verified gateway event onto the Event union. Unhandled
// types become UnknownEvent; a handled type with a malformed object is an
// error.
func ParseEvent(ev stripe.Event) (Event, error) {
	meta := EventMeta{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: time.Unix(ev.Created, 0).UTC(),
	}

	var raw json.RawMessage
	if ev.Data != nil {
		raw = ev.Data.Raw
	}

	switch meta.Type {
	case external.EventStripeSubCreated, external.EventStripeSubUpdated:
		remote, err := decodeSubscription(raw)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", meta.ID, err)
		}
		return SubscriptionChanged{EventMeta: meta, Remote: remote}, nil

	case external.EventStripeSubDeleted:
		remote, err := decodeSubscription(raw)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", meta.ID, err)
		}
		return SubscriptionDeleted{EventMeta: meta, Remote: remote}, nil

	case external.EventStripeInvoicePaid:
		inv, err := decodeInvoice(raw)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", meta.ID, err)
		}
		return PaymentSucceeded{EventMeta: meta, Invoice: inv}, nil

	case external.EventStripePaymentFailed:
		inv, err := decodeInvoice(raw)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", meta.ID, err)
		}
		return PaymentFailed{EventMeta: meta, Invoice: inv}, nil

	default:
		return UnknownEvent{EventMeta: meta}, nil
	}
}

// expandable accepts either an id string or an expanded object with an id.
type expandable string

func (e *expandable) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		*e = expandable(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type periodFields struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

type wireSubscription struct {
	ID                string     `json:"id"`
	Customer          expandable `json:"customer"`
	Status            string     `json:"status"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CanceledAt        int64      `json:"canceled_at"`
	periodFields
	Items struct {
		Data []struct {
			periodFields
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// decodeSubscription reads a subscription object. Newer API versions report
// the billing period on the subscription item instead of the subscription.
func decodeSubscription(raw json.RawMessage) (RemoteSubscription, error) {
	var w wireSubscription
	if err := json.Unmarshal(raw, &w); err != nil {
		return RemoteSubscription{}, fmt.Errorf("decode subscription: %w", err)
	}
	if w.ID == "" || w.Customer == "" {
		return RemoteSubscription{}, fmt.Errorf("subscription object missing id or customer")
	}

	period := w.periodFields
	var priceID string
	if len(w.Items.Data) > 0 {
		item := w.Items.Data[0]
		priceID = item.Price.ID
		if period.CurrentPeriodEnd == 0 {
			period = item.periodFields
		}
	}
	if period.CurrentPeriodEnd == 0 || period.CurrentPeriodEnd <= period.CurrentPeriodStart {
		return RemoteSubscription{}, fmt.Errorf("subscription %s has no valid billing period", w.ID)
	}

	remote := RemoteSubscription{
		ID:                 w.ID,
		CustomerRef:        string(w.Customer),
		Status:             w.Status,
		PriceID:            priceID,
		CurrentPeriodStart: time.Unix(period.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(period.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:  w.CancelAtPeriodEnd,
	}
	if w.CanceledAt > 0 {
		t := time.Unix(w.CanceledAt, 0).UTC()
		remote.CanceledAt = &t
	}
	return remote, nil
}

type wireInvoice struct {
	ID               string     `json:"id"`
	Customer         expandable `json:"customer"`
	AmountDue        int64      `json:"amount_due"`
	Currency         string     `json:"currency"`
	AttemptCount     int64      `json:"attempt_count"`
	HostedInvoiceURL string     `json:"hosted_invoice_url"`
}

func decodeInvoice(raw json.RawMessage) (RemoteInvoice, error) {
	var w wireInvoice
	if err := json.Unmarshal(raw, &w); err != nil {
		return RemoteInvoice{}, fmt.Errorf("decode invoice: %w", err)
	}
	if w.Customer == "" {
		return RemoteInvoice{}, fmt.Errorf("invoice %s has no customer", w.ID)
	}
	return RemoteInvoice{
		ID:               w.ID,
		CustomerRef:      string(w.Customer),
		AmountDue:        w.AmountDue,
		Currency:         w.Currency,
		AttemptCount:     w.AttemptCount,
		HostedInvoiceURL: w.HostedInvoiceURL,
	}, nil
}
