package metrics

import (
	"net/url"
	"strings"
	"time"
)

type Summary struct {
	TotalSessions         int      `json:"total_tests"`
	Succeeded             int      `json:"succeeded"`
	Failed                int      `json:"failed"`
	BlockedExhausted      int      `json:"blocked_exhausted"`
	CaptchaBlocked        int      `json:"blocked_tests"`
	TotalListings         int      `json:"total_listings_extracted"`
	TotalPages            int      `json:"total_pages_crawled"`
	TotalRotations        int      `json:"total_proxy_rotations"`
	TotalDurationSeconds  float64  `json:"total_duration_seconds"`
	SuccessRate           float64  `json:"success_rate"`
	AvgListingsPerSession float64  `json:"avg_listings_per_test"`
	AvgDurationSeconds    float64  `json:"avg_duration_per_test"`
	Domains               []string `json:"domains_tested"`
}

// Report is the ordered collection of sealed records of one run.
type Report struct {
	RunID      string    `json:"run_id"`
	Variant    string    `json:"crawler_type"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Records    []*Record `json:"records"`
	Summary    Summary   `json:"summary"`
}

// NewReport builds a report from sealed records in the given order and
// computes its summary.
func NewReport(runID, variant string, startedAt time.Time, records []*Record) *Report {
	r := &Report{
		RunID:      runID,
		Variant:    variant,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Records:    records,
	}
	r.Summary = Summarize(records)
	return r
}

// Get returns the record for a domain key (see DomainKey).
func (r *Report) Get(domain string) (*Record, bool) {
	key := DomainKey(domain)
	for _, rec := range r.Records {
		if DomainKey(rec.Domain) == key {
			return rec, true
		}
	}
	return nil, false
}

// ByDomain indexes records by domain key.
func (r *Report) ByDomain() map[string]*Record {
	out := make(map[string]*Record, len(r.Records))
	for _, rec := range r.Records {
		out[DomainKey(rec.Domain)] = rec
	}
	return out
}

func Summarize(records []*Record) Summary {
	s := Summary{Domains: make([]string, 0, len(records))}

	for _, rec := range records {
		s.TotalSessions++
		s.Domains = append(s.Domains, DomainKey(rec.Domain))

		switch rec.Outcome {
		case OutcomeSuccess:
			s.Succeeded++
		case OutcomeBlockedExhausted:
			s.BlockedExhausted++
		default:
			s.Failed++
		}

		if rec.CaptchaBlocked {
			s.CaptchaBlocked++
		}
		s.TotalListings += rec.ListingsExtracted
		s.TotalPages += rec.PagesCrawled
		s.TotalRotations += rec.ProxyRotations
		s.TotalDurationSeconds += rec.DurationSeconds
	}

	if s.TotalSessions > 0 {
		n := float64(s.TotalSessions)
		s.SuccessRate = float64(s.Succeeded) / n
		s.AvgListingsPerSession = float64(s.TotalListings) / n
		s.AvgDurationSeconds = s.TotalDurationSeconds / n
	}

	return s
}

// DomainKey reduces a domain or start URL to its host without "www.".
func DomainKey(domain string) string {
	raw := strings.TrimSpace(domain)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(domain))
	}

	return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
}
