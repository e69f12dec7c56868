package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/proxy-probe/internal/metrics"
	"github.com/maltedev/proxy-probe/internal/session"
)

var ErrRunNotFound = errors.New("run not found")

// ProbeStore persists runs, their sealed session records and the listings
// each session extracted.
type ProbeStore struct {
	db *DB
}

func NewProbeStore(db *DB) *ProbeStore {
	return &ProbeStore{db: db}
}

// SaveListing stores one extracted listing. A key already stored for the
// session is ignored.
func (s *ProbeStore) SaveListing(ctx context.Context, sessionID, domain string, rec session.Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal listing fields: %w", err)
	}

	query := `
		INSERT INTO probe_listings (session_id, listing_key, domain, url, title, fields)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, listing_key) DO NOTHING`

	if _, err := s.db.pool.Exec(ctx, query, sessionID, rec.Key, domain, rec.URL, rec.Title, fields); err != nil {
		return fmt.Errorf("failed to insert listing: %w", err)
	}
	return nil
}

// InsertSessionWithTx writes a sealed session record inside tx.
func (s *ProbeStore) InsertSessionWithTx(ctx context.Context, tx pgx.Tx, rec *metrics.Record) error {
	if !rec.Sealed() {
		return fmt.Errorf("session %s: record is not sealed", rec.ID)
	}

	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	query := `
		INSERT INTO probe_sessions (
			id, run_id, domain, variant, outcome,
			captcha_blocked, captcha_type, confidence,
			listings_extracted, pages_crawled, proxy_rotations,
			started_at, finished_at, record
		) VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`

	_, err = tx.Exec(ctx, query,
		rec.ID, rec.RunID, rec.Domain, rec.Variant, string(rec.Outcome),
		rec.CaptchaBlocked, string(rec.CaptchaType), rec.Confidence,
		rec.ListingsExtracted, rec.PagesCrawled, rec.ProxyRotations,
		rec.StartedAt, rec.FinishedAt, doc,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// InsertRunWithTx writes a finished run's summary inside tx. Its session
// records are written separately as each session ends.
func (s *ProbeStore) InsertRunWithTx(ctx context.Context, tx pgx.Tx, report *metrics.Report) error {
	summary, err := json.Marshal(report.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	query := `
		INSERT INTO probe_runs (
			id, variant, started_at, finished_at,
			total_domains, successful, blocked, failed, success_rate, summary
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			total_domains = EXCLUDED.total_domains,
			successful = EXCLUDED.successful,
			blocked = EXCLUDED.blocked,
			failed = EXCLUDED.failed,
			success_rate = EXCLUDED.success_rate,
			summary = EXCLUDED.summary`

	sum := report.Summary
	_, err = tx.Exec(ctx, query,
		report.RunID, report.Variant, report.StartedAt, report.FinishedAt,
		sum.TotalSessions, sum.Succeeded, sum.BlockedExhausted, sum.Failed, sum.SuccessRate, summary,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetReport rebuilds a stored run's report from its session records.
func (s *ProbeStore) GetReport(ctx context.Context, runID string) (*metrics.Report, error) {
	report := &metrics.Report{RunID: runID}

	err := s.db.pool.QueryRow(ctx,
		"SELECT variant, started_at, finished_at FROM probe_runs WHERE id = $1", runID,
	).Scan(&report.Variant, &report.StartedAt, &report.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	rows, err := s.db.pool.Query(ctx,
		"SELECT record FROM probe_sessions WHERE run_id = $1 ORDER BY started_at ASC", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		rec := &metrics.Record{}
		if err := json.Unmarshal(doc, rec); err != nil {
			return nil, fmt.Errorf("failed to decode session record: %w", err)
		}
		report.Records = append(report.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	report.Summary = metrics.Summarize(report.Records)
	return report, nil
}

// CountListings returns how many distinct listings a session stored.
func (s *ProbeStore) CountListings(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM probe_listings WHERE session_id = $1", sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count listings: %w", err)
	}
	return n, nil
}

// RecordBlock bumps the per-domain tally for a blocking mechanism.
func (s *ProbeStore) RecordBlock(ctx context.Context, domain, mechanism, proxy string, seen time.Time) error {
	query := `
		INSERT INTO probe_block_tally (domain, mechanism, blocks, last_proxy, last_seen)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (domain, mechanism) DO UPDATE SET
			blocks = probe_block_tally.blocks + 1,
			last_proxy = EXCLUDED.last_proxy,
			last_seen = GREATEST(probe_block_tally.last_seen, EXCLUDED.last_seen)`

	if _, err := s.db.pool.Exec(ctx, query, domain, mechanism, proxy, seen); err != nil {
		return fmt.Errorf("failed to record block: %w", err)
	}
	return nil
}

// BlockTally returns the mechanism counts recorded for a domain.
func (s *ProbeStore) BlockTally(ctx context.Context, domain string) (map[string]int, error) {
	rows, err := s.db.pool.Query(ctx,
		"SELECT mechanism, blocks FROM probe_block_tally WHERE domain = $1", domain)
	if err != nil {
		return nil, fmt.Errorf("failed to query block tally: %w", err)
	}
	defer rows.Close()

	tally := make(map[string]int)
	for rows.Next() {
		var mechanism string
		var blocks int
		if err := rows.Scan(&mechanism, &blocks); err != nil {
			return nil, fmt.Errorf("failed to scan block tally: %w", err)
		}
		tally[mechanism] = blocks
	}
	return tally, rows.Err()
}
