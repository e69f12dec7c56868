package metrics

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/proxy-probe/internal/detect"
	"github.com/maltedev/proxy-probe/internal/proxypool"
)

var ErrAlreadySealed = errors.New("metrics record already sealed")

type Outcome string

const (
	OutcomePending          Outcome = "pending"
	OutcomeSuccess          Outcome = "success"
	OutcomeBlockedExhausted Outcome = "blocked_exhausted"
	OutcomeFailed           Outcome = "failed"
)

// BlockEvent is one positive verdict observed during a session.
type BlockEvent struct {
	Mechanism  detect.Mechanism `json:"mechanism"`
	Confidence float64          `json:"confidence"`
	Proxy      proxypool.Proxy  `json:"proxy"`
	AtListing  int              `json:"at_listing"`
	At         time.Time        `json:"at"`
}

// Record accumulates one session's observable outcomes. It belongs to a
// single session and is not safe for concurrent mutation; once sealed it
// is read-only and may be shared freely.
type Record struct {
	ID                string             `json:"id"`
	RunID             string             `json:"run_id,omitempty"`
	Domain            string             `json:"domain"`
	Variant           string             `json:"crawler_type"`
	ProxiesUsed       []proxypool.Proxy  `json:"proxies_used"`
	StartedAt         time.Time          `json:"start_time"`
	FinishedAt        time.Time          `json:"end_time"`
	DurationSeconds   float64            `json:"total_duration_seconds"`
	PagesCrawled      int                `json:"pages_crawled"`
	ListingsExtracted int                `json:"listings_extracted"`
	CaptchaBlocked    bool               `json:"captcha_blocked"`
	CaptchaType       detect.Mechanism   `json:"captcha_type"`
	Confidence        float64            `json:"confidence"`
	BlockedAtListing  int                `json:"blocked_at_listing"`
	Blocks            []BlockEvent       `json:"blocks,omitempty"`
	ProxyRotations    int                `json:"proxy_rotations"`
	SuccessRate       float64            `json:"success_rate"`
	AvgTimePerListing float64            `json:"avg_time_per_listing"`
	Outcome           Outcome            `json:"outcome"`
	Errors            []string           `json:"errors"`
	Timings           map[string]float64 `json:"detailed_timings"`

	sealed bool
}

func NewRecord(domain, variant string) *Record {
	return &Record{
		ID:          uuid.New().String(),
		Domain:      domain,
		Variant:     variant,
		ProxiesUsed: make([]proxypool.Proxy, 0),
		StartedAt:   time.Now(),
		CaptchaType: detect.MechanismNone,
		Outcome:     OutcomePending,
		Errors:      make([]string, 0),
		Timings:     make(map[string]float64),
	}
}

func (r *Record) mustBeOpen() {
	if r.sealed {
		panic("metrics: mutation of sealed record " + r.ID)
	}
}

func (r *Record) UseProxy(p proxypool.Proxy) {
	r.mustBeOpen()
	r.ProxiesUsed = append(r.ProxiesUsed, p)
}

func (r *Record) AddListing() {
	r.mustBeOpen()
	r.ListingsExtracted++
}

func (r *Record) AddPage() {
	r.mustBeOpen()
	r.PagesCrawled++
}

func (r *Record) AddRotation() {
	r.mustBeOpen()
	r.ProxyRotations++
}

// AddBlock records a positive verdict. The record keeps the most recent
// mechanism as its captcha type.
func (r *Record) AddBlock(v detect.Verdict, proxy proxypool.Proxy) {
	r.mustBeOpen()
	r.CaptchaBlocked = true
	r.CaptchaType = v.Mechanism
	r.Confidence = v.Confidence
	r.BlockedAtListing = r.ListingsExtracted
	r.Blocks = append(r.Blocks, BlockEvent{
		Mechanism:  v.Mechanism,
		Confidence: v.Confidence,
		Proxy:      proxy,
		AtListing:  r.ListingsExtracted,
		At:         time.Now(),
	})
}

func (r *Record) AddError(err error) {
	if err == nil {
		return
	}
	r.mustBeOpen()
	r.Errors = append(r.Errors, err.Error())
}

func (r *Record) Time(phase string, d time.Duration) {
	r.mustBeOpen()
	r.Timings[phase] += d.Seconds()
}

// Seal stamps the outcome and derived figures. It succeeds exactly once.
func (r *Record) Seal(outcome Outcome) error {
	if r.sealed {
		return ErrAlreadySealed
	}

	r.Outcome = outcome
	r.FinishedAt = time.Now()
	r.DurationSeconds = r.FinishedAt.Sub(r.StartedAt).Seconds()

	if r.ListingsExtracted > 0 && r.DurationSeconds > 0 {
		r.AvgTimePerListing = r.DurationSeconds / float64(r.ListingsExtracted)
	}
	if r.PagesCrawled > 0 {
		r.SuccessRate = float64(r.ListingsExtracted) / float64(r.PagesCrawled)
	}

	r.sealed = true
	return nil
}

func (r *Record) Sealed() bool {
	return r.sealed
}

func (r *Record) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}
