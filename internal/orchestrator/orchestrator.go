package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/proxy-probe/internal/metrics"
	"github.com/maltedev/proxy-probe/internal/proxypool"
	"github.com/maltedev/proxy-probe/internal/session"
	"golang.org/x/sync/errgroup"
)

var ErrNoDomains = errors.New("no domains to probe")

type Config struct {
	Concurrency int
	Session     session.Config
}

func DefaultConfig() Config {
	return Config{
		Concurrency: 2,
		Session:     session.DefaultConfig(),
	}
}

// Orchestrator fans sessions out over a shared proxy pool. One instance
// may serve many runs; the pool is the only state runs share.
type Orchestrator struct {
	pool   *proxypool.Pool
	cfg    Config
	deps   session.Deps
	logger *slog.Logger
	hooks  []func(*metrics.Record)
	runID  string
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithRecordHook registers fn to receive every sealed record as soon as
// its session ends. Hooks run on the session goroutine, so with
// Concurrency > 1 they are called concurrently and must be safe for
// concurrent use. The record is sealed and must not be modified.
func WithRecordHook(fn func(*metrics.Record)) Option {
	return func(o *Orchestrator) {
		o.hooks = append(o.hooks, fn)
	}
}

func WithRunID(id string) Option {
	return func(o *Orchestrator) {
		o.runID = id
	}
}

func New(pool *proxypool.Pool, cfg Config, deps session.Deps, opts ...Option) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	o := &Orchestrator{
		pool: pool,
		cfg:  cfg,
		deps: deps,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.deps.Logger == nil {
		o.deps.Logger = o.logger
	}
	o.deps.Pool = pool

	return o
}

// Run probes every domain and returns one sealed record per distinct
// domain, in input order. Initial proxies are handed out in that same
// order before any session starts; domains left without one fail
// immediately.
func (o *Orchestrator) Run(ctx context.Context, domains []string) (*metrics.Report, error) {
	domains = NormalizeDomains(domains)
	if len(domains) == 0 {
		return nil, ErrNoDomains
	}

	runID := o.runID
	if runID == "" {
		runID = uuid.New().String()
	}
	logger := o.logger.With("component", "orchestrator", "run_id", runID)

	sessCfg := o.cfg.Session
	sessCfg.RunID = runID

	startedAt := time.Now()
	records := make([]*metrics.Record, len(domains))
	proxies := make([]proxypool.Proxy, len(domains))

	for i, domain := range domains {
		p, ok := o.pool.Acquire()
		if !ok {
			records[i] = o.exhausted(domain, sessCfg)
			logger.Warn("no proxy for domain", "domain", domain, "error", proxypool.ErrPoolExhausted)
			continue
		}
		proxies[i] = p
	}

	logger.Info("starting run",
		"domains", len(domains),
		"proxies", o.pool.Size(),
		"concurrency", o.cfg.Concurrency,
		"variant", sessCfg.Variant)

	for _, rec := range records {
		if rec != nil {
			o.emit(rec)
		}
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)

	for i, domain := range domains {
		if records[i] != nil {
			continue
		}

		g.Go(func() error {
			s := session.New(domain, proxies[i], sessCfg, o.deps)
			rec := s.Run(ctx)

			mu.Lock()
			records[i] = rec
			mu.Unlock()

			o.emit(rec)
			return nil
		})
	}

	_ = g.Wait()

	report := metrics.NewReport(runID, sessCfg.Variant, startedAt, records)
	logger.Info("run complete",
		"succeeded", report.Summary.Succeeded,
		"failed", report.Summary.Failed,
		"blocked_exhausted", report.Summary.BlockedExhausted,
		"listings", report.Summary.TotalListings,
		"elapsed", time.Since(startedAt))

	return report, ctx.Err()
}

func (o *Orchestrator) exhausted(domain string, cfg session.Config) *metrics.Record {
	rec := metrics.NewRecord(domain, cfg.Variant)
	rec.RunID = cfg.RunID
	rec.AddError(fmt.Errorf("initial assignment: %w", proxypool.ErrPoolExhausted))
	_ = rec.Seal(metrics.OutcomeFailed)
	return rec
}

func (o *Orchestrator) emit(rec *metrics.Record) {
	for _, hook := range o.hooks {
		hook(rec)
	}
}

// NormalizeDomains trims blanks and drops repeats of the same domain key,
// keeping the first spelling seen.
func NormalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	seen := make(map[string]struct{}, len(domains))

	for _, d := range domains {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		key := metrics.DomainKey(d)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}

	return out
}
