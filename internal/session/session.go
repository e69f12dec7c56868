package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/proxy-probe/internal/detect"
	"github.com/maltedev/proxy-probe/internal/metrics"
	"github.com/maltedev/proxy-probe/internal/proxypool"
	"github.com/maltedev/proxy-probe/internal/ratelimit"
)

type crawlResult int

const (
	crawlDone crawlResult = iota
	crawlBlocked
	crawlCancelled
)

// Session drives one domain through probing, crawling and rotation. It
// is single-use: Run may be called once.
type Session struct {
	domain string
	cfg    Config
	deps   Deps
	logger *slog.Logger

	state   State
	history []State

	proxy    proxypool.Proxy
	held     bool
	page     Page
	excluded []proxypool.Proxy

	cursor     string
	seen       map[string]struct{}
	visited    map[string]struct{}
	requested  int
	sinceCheck int

	record *metrics.Record
}

// New prepares a session for domain. The caller must already hold proxy
// in the pool; the session takes over responsibility for releasing it.
func New(domain string, proxy proxypool.Proxy, cfg Config, deps Deps) *Session {
	if cfg.CheckEvery < 1 {
		cfg.CheckEvery = 1
	}
	if deps.Pacer == nil && deps.NewPacer != nil {
		deps.Pacer = deps.NewPacer()
	}
	if deps.Pacer == nil {
		deps.Pacer = ratelimit.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	record := metrics.NewRecord(domain, cfg.Variant)
	record.RunID = cfg.RunID

	return &Session{
		domain:    domain,
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger.With("component", "session", "domain", domain, "session_id", record.ID),
		proxy:     proxy,
		held:      proxy != "",
		cursor:    StartURL(domain),
		seen:      make(map[string]struct{}),
		visited:   make(map[string]struct{}),
		requested: 1,
		record:    record,
	}
}

func (s *Session) State() State {
	return s.state
}

// History lists every state the session has passed through.
func (s *Session) History() []State {
	out := make([]State, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) Record() *metrics.Record {
	return s.record
}

// Run executes the session to a terminal state and returns its sealed
// record. Every exit path goes through finalize.
func (s *Session) Run(ctx context.Context) *metrics.Record {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	outcome := s.run(ctx)
	s.finalize(outcome)

	return s.record
}

func (s *Session) run(ctx context.Context) metrics.Outcome {
	s.transition(StateInitializing)

	if !s.held {
		s.record.AddError(proxypool.ErrPoolExhausted)
		return metrics.OutcomeFailed
	}
	s.record.UseProxy(s.proxy)

	if err := ctx.Err(); err != nil {
		return s.cancelled(err)
	}

	start := time.Now()
	page, err := s.open(ctx, s.cursor)
	s.record.Time("browser_setup", time.Since(start))
	if err != nil {
		s.record.AddError(err)
		s.logger.Error("failed to open domain", "proxy", s.proxy, "error", err)
		return metrics.OutcomeFailed
	}
	s.page = page

	for {
		if err := ctx.Err(); err != nil {
			return s.cancelled(err)
		}

		s.transition(StateProbing)
		start = time.Now()
		blocked := s.check(ctx)
		s.record.Time("probe", time.Since(start))

		if !blocked {
			s.transition(StateCrawling)
			start = time.Now()
			res := s.crawl(ctx)
			s.record.Time("crawl", time.Since(start))

			switch res {
			case crawlDone:
				return metrics.OutcomeSuccess
			case crawlCancelled:
				return s.cancelled(ctx.Err())
			}
		}

		if err := ctx.Err(); err != nil {
			return s.cancelled(err)
		}

		s.transition(StateRotating)
		ok, err := s.rotate(ctx)
		if err != nil {
			return s.cancelled(err)
		}
		if !ok {
			return metrics.OutcomeBlockedExhausted
		}
	}
}

func (s *Session) cancelled(err error) metrics.Outcome {
	if err == nil {
		err = context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("session timeout after %s: %w", s.cfg.Timeout, err)
	}
	s.record.AddError(err)
	s.logger.Warn("session aborted", "error", err)
	return metrics.OutcomeFailed
}

// crawl extracts listing pages until the units run out, a cap is hit, or
// a block (or page failure) is seen. MaxPages bounds page requests, not
// distinct landed URLs, so redirects cannot extend the crawl.
func (s *Session) crawl(ctx context.Context) crawlResult {
	var followed string
	for {
		if s.listingCapReached() {
			return crawlDone
		}
		if err := s.deps.Pacer.Wait(ctx); err != nil {
			return crawlCancelled
		}

		listingURL := s.page.URL()
		if listingURL == "" {
			listingURL = s.cursor
		}
		batch, err := s.deps.Extractor.Extract(ctx, s.page)
		if err != nil {
			if ctx.Err() != nil {
				return crawlCancelled
			}
			s.record.AddError(fmt.Errorf("extract %s: %w", listingURL, err))
			s.logger.Warn("extraction failed, rotating", "url", listingURL, "error", err)
			return crawlBlocked
		}

		_, revisit := s.visited[listingURL]
		looped := followed != "" && listingURL != followed && revisit

		s.record.AddPage()
		s.visited[listingURL] = struct{}{}
		s.cursor = listingURL

		fresh := 0
		for _, rec := range batch.Records {
			if s.listingCapReached() {
				return crawlDone
			}

			key := rec.Key
			if key == "" {
				key = rec.URL
			}
			if _, dup := s.seen[key]; dup && key != "" {
				continue
			}

			if s.cfg.VisitDetails && rec.URL != "" {
				if err := s.deps.Pacer.Wait(ctx); err != nil {
					return crawlCancelled
				}
				if err := s.navigate(ctx, rec.URL); err != nil {
					if ctx.Err() != nil {
						return crawlCancelled
					}
					s.record.AddError(err)
					return crawlBlocked
				}
			}

			if key != "" {
				s.seen[key] = struct{}{}
			}
			fresh++
			s.record.AddListing()
			s.save(ctx, rec)

			s.sinceCheck++
			if s.sinceCheck >= s.cfg.CheckEvery {
				s.sinceCheck = 0
				if s.check(ctx) {
					return crawlBlocked
				}
			}
		}

		// a listing page with nothing new on it is either the end or an interstitial
		if fresh == 0 && s.check(ctx) {
			return crawlBlocked
		}
		if looped && fresh == 0 {
			s.logger.Info("next page led back to a crawled page", "requested", followed, "landed", listingURL)
			return crawlDone
		}

		next := batch.NextURL
		if next == "" {
			return crawlDone
		}
		if _, done := s.visited[next]; done {
			return crawlDone
		}
		if s.cfg.MaxPages > 0 && s.requested >= s.cfg.MaxPages {
			return crawlDone
		}
		if err := s.deps.Pacer.Wait(ctx); err != nil {
			return crawlCancelled
		}

		s.visited[next] = struct{}{}
		s.requested++
		s.cursor = next
		if err := s.navigate(ctx, next); err != nil {
			if ctx.Err() != nil {
				return crawlCancelled
			}
			s.record.AddError(err)
			return crawlBlocked
		}
		followed = next
	}
}

func (s *Session) listingCapReached() bool {
	return s.cfg.MaxListings > 0 && s.record.ListingsExtracted >= s.cfg.MaxListings
}

// check classifies the current page. A page that cannot be read counts
// as blocked.
func (s *Session) check(ctx context.Context) bool {
	content, err := s.page.Content(ctx)
	if err != nil {
		return s.unreadable("content", err)
	}
	title, err := s.page.Title(ctx)
	if err != nil {
		return s.unreadable("title", err)
	}

	verdict := s.deps.Classifier.Classify(detect.NewEvidence(content, title, s.page.URL()))
	if !verdict.Blocked {
		s.feedback(false)
		return false
	}

	s.record.AddBlock(verdict, s.proxy)
	s.feedback(true)
	s.logger.Info("block detected",
		"proxy", s.proxy,
		"mechanism", verdict.Mechanism,
		"confidence", verdict.Confidence,
		"listings", s.record.ListingsExtracted)
	return true
}

func (s *Session) unreadable(what string, err error) bool {
	s.record.AddError(fmt.Errorf("%w: read %s: %w", ErrNavigation, what, err))
	s.logger.Warn("page unreadable, treating as block", "proxy", s.proxy, "read", what, "error", err)
	s.feedback(true)
	return true
}

func (s *Session) feedback(blocked bool) {
	fb, ok := s.deps.Pacer.(ratelimit.Feedback)
	if !ok {
		return
	}
	if blocked {
		fb.RecordBlock()
	} else {
		fb.RecordSuccess()
	}
}

// rotate swaps the held proxy for one this session has not used yet and
// reopens the cursor page on it. A replacement that fails to open is
// rotated away from as well. It returns false once the pool has nothing
// left for this session.
func (s *Session) rotate(ctx context.Context) (bool, error) {
	for {
		s.closePage()

		current := s.proxy
		s.excluded = append(s.excluded, current)

		next, ok := s.deps.Pool.Rotate(current, s.excluded...)
		if !ok {
			s.held = false
			s.proxy = ""
			s.record.AddError(fmt.Errorf("rotate away from %s: %w", current, proxypool.ErrPoolExhausted))
			s.logger.Warn("no replacement proxy", "previous", current, "tried", len(s.excluded))
			return false, nil
		}

		s.proxy = next
		s.record.AddRotation()
		s.record.UseProxy(next)
		s.sinceCheck = 0
		s.logger.Info("rotated proxy", "from", current, "to", next, "resume", s.cursor)

		if err := ctx.Err(); err != nil {
			return false, err
		}

		start := time.Now()
		page, err := s.open(ctx, s.cursor)
		s.record.Time("browser_setup", time.Since(start))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			s.record.AddError(err)
			s.logger.Warn("replacement proxy failed to open page", "proxy", next, "error", err)
			continue
		}

		s.page = page
		return true, nil
	}
}

func (s *Session) open(ctx context.Context, url string) (Page, error) {
	page, err := s.deps.Driver.Open(ctx, url, s.proxy)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s via %s: %w", ErrNavigation, url, s.proxy, err)
	}
	return page, nil
}

func (s *Session) navigate(ctx context.Context, url string) error {
	if err := s.page.Navigate(ctx, url); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNavigation, url, err)
	}
	return nil
}

func (s *Session) save(ctx context.Context, rec Record) {
	if s.deps.Sink == nil {
		return
	}
	if err := s.deps.Sink.SaveListing(ctx, s.record.ID, s.domain, rec); err != nil {
		s.logger.Warn("failed to save listing", "key", rec.Key, "error", err)
	}
}

func (s *Session) closePage() {
	if s.page == nil {
		return
	}
	if err := s.page.Close(); err != nil {
		s.logger.Debug("failed to close page", "error", err)
	}
	s.page = nil
}

// finalize is the only place a session gives back its page and proxy.
func (s *Session) finalize(outcome metrics.Outcome) {
	s.transition(StateFinalizing)

	s.closePage()
	if s.held {
		s.deps.Pool.Release(s.proxy)
		s.held = false
	}

	if err := s.record.Seal(outcome); err != nil {
		s.logger.Error("failed to seal record", "error", err)
	}

	s.transition(StateTerminal)
	s.logger.Info("session finished",
		"outcome", outcome,
		"listings", s.record.ListingsExtracted,
		"pages", s.record.PagesCrawled,
		"rotations", s.record.ProxyRotations,
		"duration", s.record.DurationSeconds)
}

func (s *Session) transition(next State) {
	s.logger.Debug("state transition", "from", s.state, "to", next)
	s.state = next
	s.history = append(s.history, next)
}
