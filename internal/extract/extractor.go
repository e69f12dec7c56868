package extract

import (
	"context"
	"fmt"

	"github.com/maltedev/proxy-probe/internal/session"
)

// Extractor reads the current page through the session's page handle
// and parses it with goquery.
type Extractor struct {
	parser *Parser
}

func New(catalog Catalog) *Extractor {
	return &Extractor{parser: NewParser(catalog)}
}

func (e *Extractor) Extract(ctx context.Context, page session.Page) (session.Batch, error) {
	html, err := page.Content(ctx)
	if err != nil {
		return session.Batch{}, fmt.Errorf("failed to read page: %w", err)
	}
	return e.parser.ParseListingPage(html, page.URL())
}
