package database

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB connects to PROBE_TEST_DATABASE_URL and applies the schema.
// Tests that need it only run with INTEGRATION_TEST=true.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("skipping integration test; set INTEGRATION_TEST=true")
	}
	dsn := os.Getenv("PROBE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PROBE_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := New(ctx, Config{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))

	_, err = db.Exec(ctx, "TRUNCATE outbox_event, probe_listings, probe_sessions, probe_runs, probe_block_tally")
	require.NoError(t, err)

	t.Cleanup(db.Close)
	return db
}

func TestOutboxEvent_Validate(t *testing.T) {
	valid := OutboxEvent{
		AggregateType: "session",
		AggregateID:   "alpha.example.com",
		EventType:     "SESSION_FINALIZED",
		Payload:       json.RawMessage(`{}`),
	}
	require.NoError(t, valid.validate())

	tests := []struct {
		name   string
		mutate func(*OutboxEvent)
	}{
		{"missing aggregate type", func(e *OutboxEvent) { e.AggregateType = "" }},
		{"missing aggregate id", func(e *OutboxEvent) { e.AggregateID = "" }},
		{"missing event type", func(e *OutboxEvent) { e.EventType = "" }},
		{"missing payload", func(e *OutboxEvent) { e.Payload = nil }},
		{"malformed payload", func(e *OutboxEvent) { e.Payload = json.RawMessage(`{"a":`) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			assert.ErrorIs(t, e.validate(), ErrInvalidEvent)
		})
	}
}

func TestNextRetryTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(2*time.Second), nextRetryTime(now, 1))
	assert.Equal(t, now.Add(16*time.Second), nextRetryTime(now, 4))
	assert.Equal(t, now.Add(maxRetryBackoff), nextRetryTime(now, 9))
	assert.Equal(t, now.Add(maxRetryBackoff), nextRetryTime(now, 64))
	assert.Equal(t, now.Add(time.Second), nextRetryTime(now, -3))
}

func insertEvent(t *testing.T, db *DB, repo *OutboxRepository, event *OutboxEvent) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.Transaction(ctx, func(tx pgx.Tx) error {
		return repo.InsertWithTx(ctx, tx, event)
	}))
}

func TestOutboxRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOutboxRepository(db)

	event := &OutboxEvent{
		AggregateType: "session",
		AggregateID:   "alpha.example.com",
		EventType:     "SESSION_FINALIZED",
		Payload:       json.RawMessage(`{"outcome":"success"}`),
	}
	insertEvent(t, db, repo, event)

	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, OutboxStatusPending, event.Status)
	assert.Equal(t, DefaultStream, event.TargetStream)

	pending, err := repo.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, event.ID, pending[0].ID)

	require.NoError(t, repo.MarkProcessed(ctx, event.ID))

	pending, err = repo.GetPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Error(t, repo.MarkProcessed(ctx, uuid.New()))
}

func TestOutboxRepository_RollbackDiscardsEvent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOutboxRepository(db)

	err := db.Transaction(ctx, func(tx pgx.Tx) error {
		if err := repo.InsertWithTx(ctx, tx, &OutboxEvent{
			AggregateType: "run",
			AggregateID:   "run-1",
			EventType:     "RUN_COMPLETED",
			Payload:       json.RawMessage(`{}`),
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	n, err := repo.CountByStatus(ctx, OutboxStatusPending)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutboxRepository_MarkFailedMovesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOutboxRepository(db)

	event := &OutboxEvent{
		AggregateType: "session",
		AggregateID:   "beta.example.com",
		EventType:     "SESSION_FINALIZED",
		Payload:       json.RawMessage(`{}`),
		RetryCount:    MaxRetryCount - 2,
	}
	insertEvent(t, db, repo, event)

	require.NoError(t, repo.MarkFailed(ctx, event.ID, assert.AnError))
	n, err := repo.CountByStatus(ctx, OutboxStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, repo.MarkFailed(ctx, event.ID, assert.AnError))
	n, err = repo.CountByStatus(ctx, OutboxStatusDeadLetter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
