package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"funnelmetrics/internal/types"
)

// EventJournal stores every received billing webhook payload, zstd
// compressed, together with the outcome of applying it. It answers
// "was this delivery already processed" for redelivered events.
type EventJournal struct {
	db DBTX

	encOnce sync.Once
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	initErr error
}

// NewEventJournal creates an EventJournal.
func NewEventJournal(db DBTX) *EventJournal {
	return &EventJournal{db: db}
}

func (j *EventJournal) codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	j.encOnce.Do(func() {
		j.enc, j.initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if j.initErr != nil {
			return
		}
		j.dec, j.initErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return j.enc, j.dec, j.initErr
}

// Record stores the raw payload of a webhook event. It reports
// alreadyProcessed when an earlier delivery of the same event id finished
// processing; a delivery that was recorded but never finished is processed again.
func (j *EventJournal) Record(ctx context.Context, eventID, eventType string, payload []byte) (alreadyProcessed bool, err error) {
	enc, _, err := j.codecs()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to initialise zstd", err)
	}
	compressed := enc.EncodeAll(payload, nil)

	tag, err := j.db.Exec(ctx,
		`INSERT INTO webhook_events (event_id, event_type, payload_zstd)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, compressed,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to journal webhook event", err)
	}
	if tag.RowsAffected() == 1 {
		return false, nil
	}

	var processed bool
	if err := j.db.QueryRow(ctx,
		`SELECT processed_at IS NOT NULL FROM webhook_events WHERE event_id = $1`,
		eventID,
	).Scan(&processed); err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to read webhook event state", err)
	}
	return processed, nil
}

// MarkProcessed stores the outcome of applying an event.
func (j *EventJournal) MarkProcessed(ctx context.Context, eventID, outcome string) error {
	_, err := j.db.Exec(ctx,
		`UPDATE webhook_events SET outcome = $2, processed_at = NOW() WHERE event_id = $1`,
		eventID, outcome,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark webhook event processed", err)
	}
	return nil
}

// Payload returns the decompressed payload of a journaled event.
func (j *EventJournal) Payload(ctx context.Context, eventID string) ([]byte, error) {
	_, dec, err := j.codecs()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to initialise zstd", err)
	}

	var compressed []byte
	if err := j.db.QueryRow(ctx,
		`SELECT payload_zstd FROM webhook_events WHERE event_id = $1`,
		eventID,
	).Scan(&compressed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundOrphanEvent, "webhook event not journaled", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read webhook event", err)
	}

	out, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("corrupt payload for event %s", eventID), err)
	}
	return out, nil
}

// ListProcessedBefore returns up to limit events whose processing finished
// before cutoff, oldest first, with their payloads decompressed.
func (j *EventJournal) ListProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.JournaledEvent, error) {
	_, dec, err := j.codecs()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to initialise zstd", err)
	}

	rows, err := j.db.Query(ctx,
		`SELECT event_id, event_type, COALESCE(outcome, ''), received_at, processed_at, payload_zstd
		 FROM webhook_events
		 WHERE processed_at < $1
		 ORDER BY processed_at
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list journaled events", err)
	}
	defer rows.Close()

	var out []types.JournaledEvent
	for rows.Next() {
		var ev types.JournaledEvent
		var compressed []byte
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.Outcome, &ev.ReceivedAt, &ev.ProcessedAt, &compressed); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan journaled event", err)
		}
		if ev.Payload, err = dec.DecodeAll(compressed, nil); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("corrupt payload for event %s", ev.EventID), err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate journaled events", err)
	}
	return out, nil
}

// Delete removes the given events from the journal.
func (j *EventJournal) Delete(ctx context.Context, eventIDs []string) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	tag, err := j.db.Exec(ctx,
		`DELETE FROM webhook_events WHERE event_id = ANY($1)`,
		eventIDs,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete journaled events", err)
	}
	return int(tag.RowsAffected()), nil
}
