package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/proxy-probe/internal/database"
	"github.com/maltedev/proxy-probe/internal/detect"
	"github.com/maltedev/proxy-probe/internal/metrics"
	"github.com/maltedev/proxy-probe/internal/proxypool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeTx runs fn without a real transaction and reports whether the
// caller's work would have been committed.
type fakeTx struct {
	committed  int
	rolledBack int
}

func (f *fakeTx) Transaction(ctx context.Context, fn func(pgx.Tx) error) error {
	if err := fn(nil); err != nil {
		f.rolledBack++
		return err
	}
	f.committed++
	return nil
}

type MockOutbox struct {
	mock.Mock
	events []*database.OutboxEvent
}

func (m *MockOutbox) InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error {
	args := m.Called(ctx, tx, event)
	if args.Error(0) == nil {
		m.events = append(m.events, event)
	}
	return args.Error(0)
}

type MockStore struct {
	mock.Mock
}

func (m *MockStore) InsertSessionWithTx(ctx context.Context, tx pgx.Tx, rec *metrics.Record) error {
	return m.Called(ctx, tx, rec).Error(0)
}

func (m *MockStore) InsertRunWithTx(ctx context.Context, tx pgx.Tx, report *metrics.Report) error {
	return m.Called(ctx, tx, report).Error(0)
}

func blockedRecord(t *testing.T) *metrics.Record {
	t.Helper()
	rec := metrics.NewRecord("alpha.example.com", "playwright")
	rec.RunID = "run-1"
	px := proxypool.Proxy("http://10.0.0.1:3128")
	rec.UseProxy(px)
	rec.AddPage()
	rec.AddListing()
	rec.AddBlock(detect.Verdict{Blocked: true, Mechanism: detect.MechanismDataDome, Confidence: 0.8}, px)
	require.NoError(t, rec.Seal(metrics.OutcomeBlockedExhausted))
	return rec
}

func TestPublisher_PublishSessionFinalized(t *testing.T) {
	ctx := context.Background()
	tx := &fakeTx{}
	outbox := new(MockOutbox)
	store := new(MockStore)
	p := newPublisher(tx, outbox, store, nil)

	rec := blockedRecord(t)
	store.On("InsertSessionWithTx", ctx, mock.Anything, rec).Return(nil)
	outbox.On("InsertWithTx", ctx, mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, p.PublishSessionFinalized(ctx, rec))
	assert.Equal(t, 1, tx.committed)

	require.Len(t, outbox.events, 2)
	finalized := outbox.events[0]
	assert.Equal(t, "session", finalized.AggregateType)
	assert.Equal(t, "alpha.example.com", finalized.AggregateID)
	assert.Equal(t, string(EventTypeSessionFinalized), finalized.EventType)
	assert.Equal(t, SessionStream, finalized.TargetStream)

	var payload SessionFinalizedPayload
	require.NoError(t, json.Unmarshal(finalized.Payload, &payload))
	assert.Equal(t, rec.ID, payload.SessionID)
	assert.Equal(t, metrics.OutcomeBlockedExhausted, payload.Outcome)
	assert.Equal(t, detect.MechanismDataDome, payload.CaptchaType)
	assert.Equal(t, []string{"http://10.0.0.1:3128"}, payload.ProxiesUsed)
	assert.Equal(t, "proxy-probe", payload.Source)
	assert.NotEmpty(t, payload.EventID)

	block := outbox.events[1]
	assert.Equal(t, string(EventTypeBlockDetected), block.EventType)

	var blockPayload BlockDetectedPayload
	require.NoError(t, json.Unmarshal(block.Payload, &blockPayload))
	assert.Equal(t, 1, blockPayload.AtListing)
	assert.InDelta(t, 0.8, blockPayload.Confidence, 1e-9)

	store.AssertExpectations(t)
}

func TestPublisher_SessionRowFailureStagesNoEvents(t *testing.T) {
	ctx := context.Background()
	tx := &fakeTx{}
	outbox := new(MockOutbox)
	store := new(MockStore)
	p := newPublisher(tx, outbox, store, nil)

	rec := blockedRecord(t)
	store.On("InsertSessionWithTx", ctx, mock.Anything, rec).Return(errors.New("unique violation"))

	err := p.PublishSessionFinalized(ctx, rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), rec.ID)
	assert.Equal(t, 1, tx.rolledBack)
	outbox.AssertNotCalled(t, "InsertWithTx", mock.Anything, mock.Anything, mock.Anything)
}

func TestPublisher_PublishRunCompleted(t *testing.T) {
	ctx := context.Background()
	tx := &fakeTx{}
	outbox := new(MockOutbox)
	store := new(MockStore)
	p := newPublisher(tx, outbox, store, nil)

	report := metrics.NewReport("run-7", "rod", blockedRecord(t).StartedAt, []*metrics.Record{blockedRecord(t)})
	store.On("InsertRunWithTx", ctx, mock.Anything, report).Return(nil)
	outbox.On("InsertWithTx", ctx, mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, p.PublishRunCompleted(ctx, report))

	require.Len(t, outbox.events, 1)
	ev := outbox.events[0]
	assert.Equal(t, "run", ev.AggregateType)
	assert.Equal(t, "run-7", ev.AggregateID)
	assert.Equal(t, RunStream, ev.TargetStream)

	var payload RunCompletedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, 1, payload.Summary.TotalSessions)
	assert.Equal(t, 1, payload.Summary.BlockedExhausted)
}

func TestPublisher_RecordHookSwallowsErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tx := &fakeTx{}
	outbox := new(MockOutbox)
	store := new(MockStore)
	p := newPublisher(tx, outbox, store, nil)

	store.On("InsertSessionWithTx", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("db down"))

	hook := p.RecordHook(ctx)
	cancel()
	assert.NotPanics(t, func() { hook(blockedRecord(t)) })
	store.AssertNumberOfCalls(t, "InsertSessionWithTx", 1)
}
