package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/proxy-probe/internal/metrics"
	"github.com/maltedev/proxy-probe/internal/orchestrator"
	"github.com/maltedev/proxy-probe/internal/proxypool"
	"github.com/maltedev/proxy-probe/internal/session"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrQueueFull   = errors.New("run queue is full")
	ErrRunFinished = errors.New("run already finished")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Run is a queued or executed probe run.
type Run struct {
	ID          string          `json:"id"`
	Domains     []string        `json:"domains"`
	Variant     string          `json:"crawler_type"`
	Status      Status          `json:"status"`
	Completed   int             `json:"sessions_completed"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	ReportPath  string          `json:"report_path,omitempty"`
	Report      *metrics.Report `json:"report,omitempty"`

	cancel context.CancelFunc
}

type Stats struct {
	TotalRuns     int `json:"total_runs"`
	PendingRuns   int `json:"pending_runs"`
	RunningRuns   int `json:"running_runs"`
	CompletedRuns int `json:"completed_runs"`
	FailedRuns    int `json:"failed_runs"`
	CancelledRuns int `json:"cancelled_runs"`
}

// ReportArchive persists finished reports.
type ReportArchive interface {
	Save(report *metrics.Report) (string, error)
}

// EventPublisher announces finished sessions and runs.
type EventPublisher interface {
	PublishSessionFinalized(ctx context.Context, rec *metrics.Record) error
	PublishRunCompleted(ctx context.Context, report *metrics.Report) error
}

// Manager queues runs and executes them one at a time against a shared
// proxy pool.
type Manager struct {
	pool      *proxypool.Pool
	cfg       orchestrator.Config
	deps      session.Deps
	archive   ReportArchive
	publisher EventPublisher
	logger    *slog.Logger

	mu    sync.RWMutex
	runs  map[string]*Run
	queue chan *Run
}

type Option func(*Manager)

func WithArchive(a ReportArchive) Option {
	return func(m *Manager) {
		m.archive = a
	}
}

func WithPublisher(p EventPublisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queue = make(chan *Run, n)
		}
	}
}

func NewManager(pool *proxypool.Pool, cfg orchestrator.Config, deps session.Deps, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		pool:   pool,
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "run_manager"),
		runs:   make(map[string]*Run),
		queue:  make(chan *Run, 16),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit queues a run over domains and returns its initial snapshot.
func (m *Manager) Submit(domains []string) (*Run, error) {
	domains = orchestrator.NormalizeDomains(domains)
	if len(domains) == 0 {
		return nil, orchestrator.ErrNoDomains
	}

	run := &Run{
		ID:        uuid.New().String(),
		Domains:   domains,
		Variant:   m.cfg.Session.Variant,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	select {
	case m.queue <- run:
		m.runs[run.ID] = run
	default:
		m.mu.Unlock()
		return nil, ErrQueueFull
	}
	snapshot := run.snapshot()
	m.mu.Unlock()

	m.logger.Info("run queued", "id", run.ID, "domains", len(domains))
	return snapshot, nil
}

func (m *Manager) Get(id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run.snapshot(), nil
}

// List returns all known runs, newest first, without their reports.
func (m *Manager) List() []*Run {
	m.mu.RLock()
	out := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		s := run.snapshot()
		s.Report = nil
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel stops a running run or drops a pending one.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	switch {
	case run.Status.Terminal():
		return ErrRunFinished
	case run.Status == StatusPending:
		now := time.Now()
		run.Status = StatusCancelled
		run.CompletedAt = &now
	case run.cancel != nil:
		run.cancel()
	}

	m.logger.Info("run cancel requested", "id", id)
	return nil
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	for _, run := range m.runs {
		s.TotalRuns++
		switch run.Status {
		case StatusPending:
			s.PendingRuns++
		case StatusRunning:
			s.RunningRuns++
		case StatusCompleted:
			s.CompletedRuns++
		case StatusFailed:
			s.FailedRuns++
		case StatusCancelled:
			s.CancelledRuns++
		}
	}
	return s
}

// StartWorker executes queued runs until ctx is cancelled.
func (m *Manager) StartWorker(ctx context.Context) {
	m.logger.Info("run worker started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("run worker stopping")
			return
		case run := <-m.queue:
			m.process(ctx, run)
		}
	}
}

func (m *Manager) process(ctx context.Context, run *Run) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if run.Status != StatusPending {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	run.Status = StatusRunning
	run.StartedAt = &now
	run.cancel = cancel
	m.mu.Unlock()

	logger := m.logger.With("run_id", run.ID)
	logger.Info("processing run", "domains", len(run.Domains))

	orch := orchestrator.New(m.pool, m.cfg, m.deps,
		orchestrator.WithRunID(run.ID),
		orchestrator.WithLogger(m.logger),
		orchestrator.WithRecordHook(func(rec *metrics.Record) {
			m.mu.Lock()
			run.Completed++
			m.mu.Unlock()

			if m.publisher != nil {
				if err := m.publisher.PublishSessionFinalized(context.WithoutCancel(runCtx), rec); err != nil {
					logger.Error("failed to publish session", "domain", rec.Domain, "error", err)
				}
			}
		}),
	)

	report, err := orch.Run(runCtx, run.Domains)

	var path string
	if report != nil {
		path = m.persist(context.WithoutCancel(ctx), report, logger)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	done := time.Now()
	run.CompletedAt = &done
	run.Report = report
	run.ReportPath = path
	run.cancel = nil

	switch {
	case err == nil:
		run.Status = StatusCompleted
	case errors.Is(err, context.Canceled):
		run.Status = StatusCancelled
		run.Error = err.Error()
	default:
		run.Status = StatusFailed
		run.Error = err.Error()
	}

	logger.Info("run finished", "status", run.Status, "elapsed", done.Sub(now))
}

func (m *Manager) persist(ctx context.Context, report *metrics.Report, logger *slog.Logger) string {
	var path string
	if m.archive != nil {
		p, err := m.archive.Save(report)
		if err != nil {
			logger.Error("failed to save report", "error", err)
		} else {
			path = p
		}
	}

	if m.publisher != nil {
		if err := m.publisher.PublishRunCompleted(ctx, report); err != nil {
			logger.Error("failed to publish run", "error", err)
		}
	}
	return path
}

func (r *Run) snapshot() *Run {
	c := *r
	c.Domains = append([]string(nil), r.Domains...)
	c.cancel = nil
	return &c
}
