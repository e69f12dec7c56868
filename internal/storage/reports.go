package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maltedev/proxy-probe/internal/metrics"
)

var ErrReportNotFound = errors.New("report not found")

const reportPrefix = "proxy_test_"

// reportFile is the on-disk layout: results keyed by domain, plus the
// run summary.
type reportFile struct {
	RunID      string                     `json:"run_id"`
	Variant    string                     `json:"crawler_type"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
	Results    map[string]*metrics.Record `json:"results"`
	Summary    metrics.Summary            `json:"summary"`
}

// ReportStore keeps one JSON file per run in a directory.
type ReportStore struct {
	mu    sync.RWMutex
	dir   string
	paths map[string]string
}

func NewReportStore(dir string) (*ReportStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report dir: %w", err)
	}

	rs := &ReportStore{
		dir:   dir,
		paths: make(map[string]string),
	}
	if err := rs.scan(); err != nil {
		return nil, err
	}
	return rs, nil
}

// Save writes report atomically and returns the file path.
func (rs *ReportStore) Save(report *metrics.Report) (string, error) {
	if report.RunID == "" {
		return "", fmt.Errorf("report has no run id")
	}

	doc := reportFile{
		RunID:      report.RunID,
		Variant:    report.Variant,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Results:    report.ByDomain(),
		Summary:    report.Summary,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	path, ok := rs.paths[report.RunID]
	if !ok {
		path = filepath.Join(rs.dir, fileName(report))
	}

	if err := writeAtomic(path, data); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}

	rs.paths[report.RunID] = path
	return path, nil
}

// Load reads a run's report back, restoring the original domain order.
func (rs *ReportStore) Load(runID string) (*metrics.Report, error) {
	rs.mu.RLock()
	path, ok := rs.paths[runID]
	rs.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, runID)
	}
	return readReport(path)
}

// RunIDs lists stored runs, oldest file first.
func (rs *ReportStore) RunIDs() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	ids := make([]string, 0, len(rs.paths))
	for id := range rs.paths {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return rs.paths[ids[i]] < rs.paths[ids[j]]
	})
	return ids
}

func (rs *ReportStore) scan() error {
	entries, err := os.ReadDir(rs.dir)
	if err != nil {
		return fmt.Errorf("failed to read report dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), reportPrefix) || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(rs.dir, e.Name())
		report, err := readReport(path)
		if err != nil || report.RunID == "" {
			continue
		}
		rs.paths[report.RunID] = path
	}
	return nil
}

func readReport(path string) (*metrics.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc reportFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	report := &metrics.Report{
		RunID:      doc.RunID,
		Variant:    doc.Variant,
		StartedAt:  doc.StartedAt,
		FinishedAt: doc.FinishedAt,
		Summary:    doc.Summary,
	}
	for _, domain := range doc.Summary.Domains {
		if rec, ok := doc.Results[domain]; ok {
			report.Records = append(report.Records, rec)
		}
	}
	return report, nil
}

func fileName(report *metrics.Report) string {
	stamp := report.StartedAt
	if stamp.IsZero() {
		stamp = time.Now()
	}
	id := report.RunID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s%s_%s_%s.json", reportPrefix, stamp.Format("20060102_150405"), report.Variant, id)
}

func writeAtomic(path string, data []byte) error {
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpFile, path)
}
