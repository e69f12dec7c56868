package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maltedev/proxy-probe/internal/metrics"
	"github.com/maltedev/proxy-probe/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sealed(t *testing.T, domain string, outcome metrics.Outcome, listings int) *metrics.Record {
	t.Helper()
	rec := metrics.NewRecord(domain, "playwright")
	for i := 0; i < listings; i++ {
		rec.AddListing()
	}
	require.NoError(t, rec.Seal(outcome))
	return rec
}

func TestReportStore_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	rs, err := NewReportStore(dir)
	require.NoError(t, err)

	report := metrics.NewReport("3f1c9a4e-run", "playwright", time.Now().Add(-time.Minute), []*metrics.Record{
		sealed(t, "https://www.beta.example.com", metrics.OutcomeSuccess, 4),
		sealed(t, "alpha.example.com", metrics.OutcomeFailed, 0),
	})

	path, err := rs.Save(report)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "proxy_test_"))
	assert.NoFileExists(t, path+".tmp")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "results")
	assert.Contains(t, string(doc["results"]), `"beta.example.com"`)

	got, err := rs.Load(report.RunID)
	require.NoError(t, err)
	require.Len(t, got.Records, 2)
	assert.Equal(t, "https://www.beta.example.com", got.Records[0].Domain)
	assert.Equal(t, 4, got.Records[0].ListingsExtracted)
	assert.Equal(t, report.Summary.Succeeded, got.Summary.Succeeded)

	again, err := rs.Save(report)
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

func TestReportStore_ScansExistingFiles(t *testing.T) {
	dir := t.TempDir()
	rs, err := NewReportStore(dir)
	require.NoError(t, err)

	_, err = rs.Save(metrics.NewReport("run-a", "rod", time.Now(), []*metrics.Record{sealed(t, "alpha.example.com", metrics.OutcomeSuccess, 1)}))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proxy_test_garbage.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	reopened, err := NewReportStore(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-a"}, reopened.RunIDs())

	_, err = reopened.Load("missing")
	assert.ErrorIs(t, err, ErrReportNotFound)
}

func TestReportStore_RequiresRunID(t *testing.T) {
	rs, err := NewReportStore(t.TempDir())
	require.NoError(t, err)

	_, err = rs.Save(metrics.NewReport("", "rod", time.Now(), nil))
	assert.Error(t, err)
}

func TestListingLog_ConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listings.jsonl")
	log, err := OpenListingLog(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				rec := session.Record{Key: "k", Title: "2020 Subaru Outback", Fields: map[string]string{"year": "2020"}}
				assert.NoError(t, log.SaveListing(context.Background(), "sess", "alpha.example.com", rec))
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, log.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line listingLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		assert.Equal(t, "alpha.example.com", line.Domain)
		lines++
	}
	assert.Equal(t, 100, lines)
}
