package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/maltedev/proxy-probe/internal/detect"
	"github.com/maltedev/proxy-probe/internal/proxypool"
	"github.com/maltedev/proxy-probe/internal/ratelimit"
)

var ErrNavigation = errors.New("navigation failed")

type State string

const (
	StateInitializing State = "initializing"
	StateProbing      State = "probing"
	StateCrawling     State = "crawling"
	StateRotating     State = "rotating"
	StateFinalizing   State = "finalizing"
	StateTerminal     State = "terminal"
)

// Page is one open browser tab bound to a proxy.
type Page interface {
	Content(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	URL() string
	Navigate(ctx context.Context, url string) error
	Close() error
}

// Driver opens pages through a proxy. Implementations live in
// internal/browser.
type Driver interface {
	Open(ctx context.Context, url string, proxy proxypool.Proxy) (Page, error)
}

// Record is one extracted listing. The session only counts records; the
// fields are passed through to the sink untouched.
type Record struct {
	Key    string            `json:"key"`
	URL    string            `json:"url"`
	Title  string            `json:"title"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Batch is what one listing page yields. An empty NextURL means there
// are no further pages.
type Batch struct {
	Records []Record
	NextURL string
}

type Extractor interface {
	Extract(ctx context.Context, page Page) (Batch, error)
}

type RecordSink interface {
	SaveListing(ctx context.Context, sessionID, domain string, rec Record) error
}

// MultiSink hands each listing to every sink in order and stops at the
// first error.
type MultiSink []RecordSink

func (m MultiSink) SaveListing(ctx context.Context, sessionID, domain string, rec Record) error {
	for _, s := range m {
		if err := s.SaveListing(ctx, sessionID, domain, rec); err != nil {
			return err
		}
	}
	return nil
}

type Classifier interface {
	Classify(ev detect.Evidence) detect.Verdict
}

// ProxyPool is the part of proxypool.Pool a session touches.
type ProxyPool interface {
	Rotate(current proxypool.Proxy, exclude ...proxypool.Proxy) (proxypool.Proxy, bool)
	Release(p proxypool.Proxy)
}

type Config struct {
	RunID        string
	Variant      string
	CheckEvery   int
	MaxListings  int
	MaxPages     int
	VisitDetails bool
	Timeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Variant:     "playwright",
		CheckEvery:  3,
		MaxListings: 30,
		MaxPages:    10,
		Timeout:     5 * time.Minute,
	}
}

type Deps struct {
	Driver     Driver
	Extractor  Extractor
	Classifier Classifier
	Pool       ProxyPool
	Pacer      ratelimit.Pacer
	// NewPacer, when set and Pacer is nil, gives each session its own
	// pacer so one domain's backoff does not slow the others.
	NewPacer   func() ratelimit.Pacer
	Sink       RecordSink
	Logger     *slog.Logger
}

// StartURL turns a bare domain into the URL a session opens first.
func StartURL(domain string) string {
	domain = strings.TrimSpace(domain)
	if strings.Contains(domain, "://") {
		return domain
	}
	return "https://" + domain
}
