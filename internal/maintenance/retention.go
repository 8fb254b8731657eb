package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"

	"funnelmetrics/internal/types"
)

// LoginHistoryPruner deletes login attempts older than a cutoff.
// *db.LoginHistoryRepository implements it.
type LoginHistoryPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ResetPruner deletes password reset tokens that expired before a cutoff.
// *db.PasswordResetRepository implements it.
type ResetPruner interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// JournalSource reads and removes processed webhook events.
// *db.EventJournal implements it.
type JournalSource interface {
	ListProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.JournaledEvent, error)
	Delete(ctx context.Context, eventIDs []string) (int, error)
}

// ArchiveUploader stores one archive object.
type ArchiveUploader interface {
	Upload(ctx context.Context, key string, data []byte) error
}

// RetentionService prunes the tables that grow with traffic.
type RetentionService struct {
	logins   LoginHistoryPruner
	resets   ResetPruner
	journal  JournalSource
	uploader ArchiveUploader // nil disables archival; events are then kept
	logger   *slog.Logger
}

// NewRetentionService creates a RetentionService. uploader may be nil when no
// archive bucket is configured.
func NewRetentionService(logins LoginHistoryPruner, resets ResetPruner, journal JournalSource, uploader ArchiveUploader, logger *slog.Logger) *RetentionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionService{logins: logins, resets: resets, journal: journal, uploader: uploader, logger: logger}
}

// PurgeLoginHistory deletes login attempts older than now-retention.
// The brute-force counters only look back minutes, so old rows serve the
// per-user history alone.
func (s *RetentionService) PurgeLoginHistory(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	cutoff := now.Add(-retention)
	n, err := s.logins.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting login history: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "purged login history", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// PurgePasswordResets deletes reset tokens that expired before now-grace.
// Used tokens are kept until they expire like the rest.
func (s *RetentionService) PurgePasswordResets(ctx context.Context, now time.Time, grace time.Duration) (int, error) {
	cutoff := now.Add(-grace)
	n, err := s.resets.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting password resets: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "purged password resets", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// ArchiveWebhookEvents moves journaled events processed before now-retention
// to the archive bucket in batches, then deletes them from the journal. A
// batch is deleted only after its upload succeeded.
//
// Objects are zstd compressed JSONL, one event per line, keyed
// webhook-events/YYYY/MM/DD/<first id>_<last id>.jsonl.zst by cutoff date.
func (s *RetentionService) ArchiveWebhookEvents(ctx context.Context, now time.Time, retention time.Duration, batchSize int) (int, error) {
	if s.uploader == nil {
		s.logger.WarnContext(ctx, "archive bucket not configured, keeping journaled events")
		return 0, nil
	}
	if batchSize <= 0 {
		return 0, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	cutoff := now.Add(-retention)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		events, err := s.journal.ListProcessedBefore(ctx, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("listing journaled events: %w", err)
		}
		if len(events) == 0 {
			return total, nil
		}

		data, err := encodeArchive(events)
		if err != nil {
			return total, err
		}
		key := fmt.Sprintf("webhook-events/%s/%s_%s.jsonl.zst",
			cutoff.UTC().Format("2006/01/02"), events[0].EventID, events[len(events)-1].EventID)
		if err := s.uploader.Upload(ctx, key, data); err != nil {
			return total, fmt.Errorf("uploading %s: %w", key, err)
		}

		ids := make([]string, len(events))
		for i, ev := range events {
			ids[i] = ev.EventID
		}
		deleted, err := s.journal.Delete(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("deleting archived events: %w", err)
		}
		total += deleted

		s.logger.InfoContext(ctx, "archived webhook events",
			"batch_size", deleted,
			"key", key,
			"total_archived", total,
		)

		if len(events) < batchSize {
			return total, nil
		}
	}
}

func encodeArchive(events []types.JournaledEvent) ([]byte, error) {
	var lines []byte
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encoding event %s: %w", ev.EventID, err)
		}
		lines = append(lines, line...)
		lines = append(lines, '\n')
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(lines, nil), nil
}
