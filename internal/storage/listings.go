package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/maltedev/proxy-probe/internal/session"
)

type listingLine struct {
	SessionID string            `json:"session_id"`
	Domain    string            `json:"domain"`
	Key       string            `json:"key"`
	URL       string            `json:"url,omitempty"`
	Title     string            `json:"title,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	SavedAt   time.Time         `json:"saved_at"`
}

// ListingLog appends extracted listings to a JSON lines file. It is safe
// for concurrent sessions.
type ListingLog struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func OpenListingLog(path string) (*ListingLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open listing log: %w", err)
	}
	return &ListingLog{file: f, enc: json.NewEncoder(f)}, nil
}

func (l *ListingLog) SaveListing(ctx context.Context, sessionID, domain string, rec session.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.enc.Encode(listingLine{
		SessionID: sessionID,
		Domain:    domain,
		Key:       rec.Key,
		URL:       rec.URL,
		Title:     rec.Title,
		Fields:    rec.Fields,
		SavedAt:   time.Now(),
	})
}

func (l *ListingLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
