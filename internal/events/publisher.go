package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/proxy-probe/internal/database"
	"github.com/maltedev/proxy-probe/internal/detect"
	"github.com/maltedev/proxy-probe/internal/metrics"
)

type EventType string

const (
	EventTypeSessionFinalized EventType = "SESSION_FINALIZED"
	EventTypeBlockDetected    EventType = "BLOCK_DETECTED"
	EventTypeRunCompleted     EventType = "RUN_COMPLETED"

	SessionStream = database.DefaultStream
	RunStream     = "stream:probe_runs"

	source = "proxy-probe"
)

type SessionFinalizedPayload struct {
	EventID         string           `json:"event_id"`
	EventType       string           `json:"event_type"`
	Timestamp       time.Time        `json:"timestamp"`
	SessionID       string           `json:"session_id"`
	RunID           string           `json:"run_id,omitempty"`
	Domain          string           `json:"domain"`
	Variant         string           `json:"crawler_type"`
	Outcome         metrics.Outcome  `json:"outcome"`
	CaptchaBlocked  bool             `json:"captcha_blocked"`
	CaptchaType     detect.Mechanism `json:"captcha_type"`
	Confidence      float64          `json:"confidence"`
	Listings        int              `json:"listings_extracted"`
	Pages           int              `json:"pages_crawled"`
	Rotations       int              `json:"proxy_rotations"`
	DurationSeconds float64          `json:"total_duration_seconds"`
	ProxiesUsed     []string         `json:"proxies_used"`
	Errors          []string         `json:"errors,omitempty"`
	Source          string           `json:"source"`
}

type BlockDetectedPayload struct {
	EventID    string           `json:"event_id"`
	EventType  string           `json:"event_type"`
	Timestamp  time.Time        `json:"timestamp"`
	SessionID  string           `json:"session_id"`
	Domain     string           `json:"domain"`
	Mechanism  detect.Mechanism `json:"mechanism"`
	Confidence float64          `json:"confidence"`
	Proxy      string           `json:"proxy"`
	AtListing  int              `json:"at_listing"`
	Source     string           `json:"source"`
}

type RunCompletedPayload struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	RunID     string          `json:"run_id"`
	Variant   string          `json:"crawler_type"`
	Summary   metrics.Summary `json:"summary"`
	Source    string          `json:"source"`
}

type txRunner interface {
	Transaction(ctx context.Context, fn func(pgx.Tx) error) error
}

type outboxWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

type probeWriter interface {
	InsertSessionWithTx(ctx context.Context, tx pgx.Tx, rec *metrics.Record) error
	InsertRunWithTx(ctx context.Context, tx pgx.Tx, report *metrics.Report) error
}

// Publisher stores sealed records and stages their events in the outbox
// within one transaction, so an event exists if and only if its row does.
type Publisher struct {
	db     txRunner
	outbox outboxWriter
	store  probeWriter
	logger *slog.Logger
}

func NewPublisher(db *database.DB, logger *slog.Logger) *Publisher {
	return newPublisher(db, database.NewOutboxRepository(db), database.NewProbeStore(db), logger)
}

func newPublisher(db txRunner, outbox outboxWriter, store probeWriter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		db:     db,
		outbox: outbox,
		store:  store,
		logger: logger.With("component", "event_publisher"),
	}
}

// PublishSessionFinalized writes the session row, a SESSION_FINALIZED event
// and one BLOCK_DETECTED event per block the session observed.
func (p *Publisher) PublishSessionFinalized(ctx context.Context, rec *metrics.Record) error {
	now := time.Now()

	proxies := make([]string, 0, len(rec.ProxiesUsed))
	for _, px := range rec.ProxiesUsed {
		proxies = append(proxies, px.String())
	}

	finalized := &SessionFinalizedPayload{
		EventID:         uuid.New().String(),
		EventType:       string(EventTypeSessionFinalized),
		Timestamp:       now,
		SessionID:       rec.ID,
		RunID:           rec.RunID,
		Domain:          rec.Domain,
		Variant:         rec.Variant,
		Outcome:         rec.Outcome,
		CaptchaBlocked:  rec.CaptchaBlocked,
		CaptchaType:     rec.CaptchaType,
		Confidence:      rec.Confidence,
		Listings:        rec.ListingsExtracted,
		Pages:           rec.PagesCrawled,
		Rotations:       rec.ProxyRotations,
		DurationSeconds: rec.DurationSeconds,
		ProxiesUsed:     proxies,
		Errors:          rec.Errors,
		Source:          source,
	}

	outboxEvents := make([]*database.OutboxEvent, 0, 1+len(rec.Blocks))

	ev, err := newOutboxEvent("session", rec.Domain, EventTypeSessionFinalized, SessionStream, finalized)
	if err != nil {
		return err
	}
	outboxEvents = append(outboxEvents, ev)

	for _, b := range rec.Blocks {
		ev, err := newOutboxEvent("session", rec.Domain, EventTypeBlockDetected, SessionStream, &BlockDetectedPayload{
			EventID:    uuid.New().String(),
			EventType:  string(EventTypeBlockDetected),
			Timestamp:  b.At,
			SessionID:  rec.ID,
			Domain:     rec.Domain,
			Mechanism:  b.Mechanism,
			Confidence: b.Confidence,
			Proxy:      b.Proxy.String(),
			AtListing:  b.AtListing,
			Source:     source,
		})
		if err != nil {
			return err
		}
		outboxEvents = append(outboxEvents, ev)
	}

	err = p.db.Transaction(ctx, func(tx pgx.Tx) error {
		if err := p.store.InsertSessionWithTx(ctx, tx, rec); err != nil {
			return err
		}
		for _, ev := range outboxEvents {
			if err := p.outbox.InsertWithTx(ctx, tx, ev); err != nil {
				return fmt.Errorf("failed to insert outbox event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish session %s: %w", rec.ID, err)
	}

	p.logger.Info("session published to outbox",
		"session_id", rec.ID,
		"domain", rec.Domain,
		"outcome", rec.Outcome,
		"events", len(outboxEvents),
	)
	return nil
}

func (p *Publisher) PublishRunCompleted(ctx context.Context, report *metrics.Report) error {
	payload := &RunCompletedPayload{
		EventID:   uuid.New().String(),
		EventType: string(EventTypeRunCompleted),
		Timestamp: time.Now(),
		RunID:     report.RunID,
		Variant:   report.Variant,
		Summary:   report.Summary,
		Source:    source,
	}

	ev, err := newOutboxEvent("run", report.RunID, EventTypeRunCompleted, RunStream, payload)
	if err != nil {
		return err
	}

	err = p.db.Transaction(ctx, func(tx pgx.Tx) error {
		if err := p.store.InsertRunWithTx(ctx, tx, report); err != nil {
			return err
		}
		if err := p.outbox.InsertWithTx(ctx, tx, ev); err != nil {
			return fmt.Errorf("failed to insert outbox event: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish run %s: %w", report.RunID, err)
	}

	p.logger.Info("run published to outbox",
		"run_id", report.RunID,
		"sessions", report.Summary.TotalSessions,
		"outbox_id", ev.ID,
	)
	return nil
}

// RecordHook adapts PublishSessionFinalized to an orchestrator record
// hook. Failures are logged; the session outcome is already final.
func (p *Publisher) RecordHook(ctx context.Context) func(*metrics.Record) {
	return func(rec *metrics.Record) {
		if err := p.PublishSessionFinalized(context.WithoutCancel(ctx), rec); err != nil {
			p.logger.Error("failed to publish session", "session_id", rec.ID, "domain", rec.Domain, "error", err)
		}
	}
}

func newOutboxEvent(aggregateType, aggregateID string, eventType EventType, stream string, payload any) (*database.OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return &database.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     string(eventType),
		Payload:       data,
		TargetStream:  stream,
	}, nil
}
