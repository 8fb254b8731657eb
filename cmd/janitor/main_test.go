package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelmetrics/internal/maintenance"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type call struct {
	task      string
	now       time.Time
	retention time.Duration
	batch     int
}

type fakeJobs struct {
	calls []call
	items int
	err   error
}

func (f *fakeJobs) PurgeLoginHistory(_ context.Context, now time.Time, retention time.Duration) (int, error) {
	f.calls = append(f.calls, call{task: "logins", now: now, retention: retention})
	return f.items, f.err
}

func (f *fakeJobs) PurgePasswordResets(_ context.Context, now time.Time, grace time.Duration) (int, error) {
	f.calls = append(f.calls, call{task: "resets", now: now, retention: grace})
	return f.items, f.err
}

func (f *fakeJobs) ArchiveWebhookEvents(_ context.Context, now time.Time, retention time.Duration, batch int) (int, error) {
	f.calls = append(f.calls, call{task: "events", now: now, retention: retention, batch: batch})
	return f.items, f.err
}

var clockTime = time.Date(2026, 4, 2, 3, 0, 0, 0, time.UTC)

func newTestHandler(jobs RetentionJobs) *Handler {
	return &Handler{
		Jobs:                  jobs,
		Clock:                 fixedClock{clockTime},
		Logger:                slog.New(slog.NewTextHandler(io.Discard, nil)),
		LoginHistoryRetention: 90 * 24 * time.Hour,
		PasswordResetGrace:    24 * time.Hour,
		WebhookEventRetention: 30 * 24 * time.Hour,
		ArchiveBatchSize:      250,
	}
}

func TestHandle_Dispatch(t *testing.T) {
	jobs := &fakeJobs{items: 7}
	h := newTestHandler(jobs)

	res, err := h.Handle(context.Background(), maintenance.Payload{Task: maintenance.TaskPurgeLoginHistory})
	require.NoError(t, err)
	assert.Equal(t, "task purge_login_history complete: 7 items processed", res)

	_, err = h.Handle(context.Background(), maintenance.Payload{Task: maintenance.TaskArchiveWebhookEvents})
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), maintenance.Payload{Task: maintenance.TaskPurgePasswordResets})
	require.NoError(t, err)

	require.Len(t, jobs.calls, 3)
	assert.Equal(t, call{task: "logins", now: clockTime, retention: 90 * 24 * time.Hour}, jobs.calls[0])
	assert.Equal(t, call{task: "events", now: clockTime, retention: 30 * 24 * time.Hour, batch: 250}, jobs.calls[1])
	assert.Equal(t, call{task: "resets", now: clockTime, retention: 24 * time.Hour}, jobs.calls[2])
}

func TestHandle_ReferenceTime(t *testing.T) {
	jobs := &fakeJobs{}
	h := newTestHandler(jobs)
	ref := time.Date(2026, 1, 15, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	_, err := h.Handle(context.Background(), maintenance.Payload{Task: maintenance.TaskPurgeLoginHistory, ReferenceTime: &ref})
	require.NoError(t, err)
	assert.Equal(t, ref.UTC(), jobs.calls[0].now)
	assert.Equal(t, time.UTC, jobs.calls[0].now.Location())
}

func TestHandle_Errors(t *testing.T) {
	h := newTestHandler(&fakeJobs{err: errors.New("db down")})

	_, err := h.Handle(context.Background(), maintenance.Payload{})
	assert.ErrorContains(t, err, "empty task")

	_, err = h.Handle(context.Background(), maintenance.Payload{Task: "vacuum"})
	assert.ErrorContains(t, err, "unknown task")

	_, err = h.Handle(context.Background(), maintenance.Payload{Task: maintenance.TaskArchiveWebhookEvents})
	assert.ErrorContains(t, err, "db down")
}

func TestRunLocal(t *testing.T) {
	h := newTestHandler(&fakeJobs{items: 3})
	var out bytes.Buffer

	err := runLocal(context.Background(), h, strings.NewReader(`{"task":"purge_login_history"}`), &out)
	require.NoError(t, err)
	assert.Equal(t, "task purge_login_history complete: 3 items processed\n", out.String())

	err = runLocal(context.Background(), h, strings.NewReader(`not json`), &out)
	assert.ErrorContains(t, err, "decoding payload")
}

// recordingDB captures the statements the wired repositories issue.
type recordingDB struct{ sql []string }

func (r *recordingDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	r.sql = append(r.sql, sql)
	return pgconn.NewCommandTag("DELETE 4"), nil
}

func (r *recordingDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}

func (r *recordingDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func TestNewHandler_WiresRepositories(t *testing.T) {
	conn := &recordingDB{}
	cfg := janitorConfig{
		LoginHistoryRetention: time.Hour,
		WebhookEventRetention: 2 * time.Hour,
		ArchiveBatchSize:      10,
	}
	h := newHandler(cfg, conn, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, 10, h.ArchiveBatchSize)

	res, err := h.Handle(context.Background(), maintenance.Payload{Task: maintenance.TaskPurgeLoginHistory})
	require.NoError(t, err)
	assert.Contains(t, res, "4 items")
	require.Len(t, conn.sql, 1)
	assert.Contains(t, conn.sql[0], "DELETE FROM login_history")

	_, err = h.Handle(context.Background(), maintenance.Payload{Task: maintenance.TaskPurgePasswordResets})
	require.NoError(t, err)
	require.Len(t, conn.sql, 2)
	assert.Contains(t, conn.sql[1], "DELETE FROM password_resets")

	// Without an archive bucket the journal is left alone.
	res, err = h.Handle(context.Background(), maintenance.Payload{Task: maintenance.TaskArchiveWebhookEvents})
	require.NoError(t, err)
	assert.Contains(t, res, "0 items")
}

func TestNewLogger(t *testing.T) {
	assert.True(t, newLogger("debug").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, newLogger("bogus").Enabled(context.Background(), slog.LevelDebug))
}
