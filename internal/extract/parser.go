package extract

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/proxy-probe/internal/session"
)

// Catalog holds the selectors tried against dealer inventory pages, in
// priority order.
type Catalog struct {
	ListingSelectors  []string
	NextSelectors     []string
	NextTexts         []string
	InventoryKeywords []string
	MaxPerPage        int
	MinTextLength     int
}

func DefaultCatalog() Catalog {
	return Catalog{
		ListingSelectors: []string{
			".vehicle-card", ".inventory-item", ".car-listing", ".vehicle-item",
			".inventory-card", ".vehicle-listing", ".car-item", ".vehicle",
			".inventory-vehicle", ".listing-item", "[data-vehicle-id]",
			"[class*='vehicle']", "[class*='inventory']", "[class*='listing']",
			"[class*='car']", "tr[data-vehicle]", "tr.vehicle-row",
			".grid-item", ".col-vehicle",
		},
		NextSelectors: []string{
			"a[rel='next']", "a.pagination-next", ".pagination-next a", "a.next-page",
			".next-page a", "a[class*='next']", "a[aria-label*='Next']",
		},
		NextTexts: []string{"next", "next page", ">", "›", "»"},
		InventoryKeywords: []string{
			"inventory", "vehicles", "new vehicles", "used vehicles",
			"cars", "trucks", "search inventory", "view inventory",
			"new cars", "used cars", "pre-owned", "certified",
		},
		MaxPerPage:    10,
		MinTextLength: 10,
	}
}

type Parser struct {
	catalog         Catalog
	yearPattern     *regexp.Regexp
	pricePattern    *regexp.Regexp
	mileagePattern  *regexp.Regexp
	makeModel       *regexp.Regexp
	vinPattern      *regexp.Regexp
	whitespaceClean *regexp.Regexp
}

func NewParser(catalog Catalog) *Parser {
	return &Parser{
		catalog:         catalog,
		yearPattern:     regexp.MustCompile(`\b(19|20)\d{2}\b`),
		pricePattern:    regexp.MustCompile(`\$\s?(\d{1,3}(?:,\d{3})*(?:\.\d{2})?)`),
		mileagePattern:  regexp.MustCompile(`(?i)(\d{1,3}(?:,\d{3})*)\s*(?:mi\b|miles?)`),
		makeModel:       regexp.MustCompile(`\b(?:19|20)\d{2}\s+([A-Za-z][A-Za-z-]+)\s+([A-Za-z0-9][A-Za-z0-9-]*)`),
		vinPattern:      regexp.MustCompile(`\b[A-HJ-NPR-Z0-9]{17}\b`),
		whitespaceClean: regexp.MustCompile(`\s+`),
	}
}

// ParseListingPage pulls vehicle records and the next-page link out of a
// listing page. A page without listings yields its inventory link, if it
// has one, as NextURL so the crawl can move from a home page into the
// inventory.
func (p *Parser) ParseListingPage(html, pageURL string) (session.Batch, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return session.Batch{}, fmt.Errorf("failed to parse HTML: %w", err)
	}

	base, _ := url.Parse(pageURL)

	var batch session.Batch
	for _, sel := range p.catalog.ListingSelectors {
		found := doc.Find(sel)
		if found.Length() == 0 {
			continue
		}

		found.EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if rec, ok := p.parseListing(s, base); ok {
				batch.Records = append(batch.Records, rec)
			}
			return p.catalog.MaxPerPage <= 0 || len(batch.Records) < p.catalog.MaxPerPage
		})

		if len(batch.Records) > 0 {
			break
		}
	}

	if len(batch.Records) > 0 {
		batch.NextURL = p.nextPage(doc, base)
	} else {
		batch.NextURL = p.inventoryLink(doc, base)
	}

	return batch, nil
}

func (p *Parser) parseListing(s *goquery.Selection, base *url.URL) (session.Record, bool) {
	text := p.clean(s.Text())
	if len(text) < p.catalog.MinTextLength {
		return session.Record{}, false
	}

	rec := session.Record{Fields: make(map[string]string)}

	if href, ok := s.Find("a[href]").First().Attr("href"); ok {
		rec.URL = resolve(base, href)
	} else if href, ok := s.Attr("href"); ok {
		rec.URL = resolve(base, href)
	}

	rec.Title = p.clean(s.Find("h1, h2, h3, h4, .vehicle-title, .title, [class*='title']").First().Text())
	if rec.Title == "" {
		rec.Title = truncate(text, 80)
	}

	if m := p.yearPattern.FindString(text); m != "" {
		rec.Fields["year"] = m
	}
	if m := p.pricePattern.FindStringSubmatch(text); len(m) > 1 {
		rec.Fields["price"] = m[1]
	}
	if m := p.mileagePattern.FindStringSubmatch(text); len(m) > 1 {
		rec.Fields["mileage"] = m[1]
	}
	if m := p.makeModel.FindStringSubmatch(rec.Title + " " + text); len(m) > 2 {
		rec.Fields["make"] = m[1]
		rec.Fields["model"] = m[2]
	}
	if m := p.vinPattern.FindString(text); m != "" {
		rec.Fields["vin"] = m
	}

	switch {
	case attr(s, "data-vehicle-id") != "":
		rec.Key = "id:" + attr(s, "data-vehicle-id")
	case rec.Fields["vin"] != "":
		rec.Key = "vin:" + rec.Fields["vin"]
	case rec.URL != "":
		rec.Key = rec.URL
	default:
		sum := sha1.Sum([]byte(text))
		rec.Key = "text:" + hex.EncodeToString(sum[:8])
	}

	return rec, true
}

func (p *Parser) nextPage(doc *goquery.Document, base *url.URL) string {
	for _, sel := range p.catalog.NextSelectors {
		if href := usableHref(doc.Find(sel).First()); href != "" {
			return resolve(base, href)
		}
	}

	var next string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.ToLower(p.clean(s.Text()))
		for _, t := range p.catalog.NextTexts {
			if text == t {
				next = resolve(base, usableHref(s))
				return next == ""
			}
		}
		return true
	})
	return next
}

func (p *Parser) inventoryLink(doc *goquery.Document, base *url.URL) string {
	current := ""
	if base != nil {
		current = base.String()
	}

	for _, kw := range p.catalog.InventoryKeywords {
		var link string
		doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href := usableHref(s)
			if href == "" {
				return true
			}
			text := strings.ToLower(p.clean(s.Text()))
			if strings.Contains(text, kw) || strings.Contains(strings.ToLower(href), strings.ReplaceAll(kw, " ", "-")) {
				if resolved := resolve(base, href); resolved != current {
					link = resolved
					return false
				}
			}
			return true
		})
		if link != "" {
			return link
		}
	}
	return ""
}

func (p *Parser) clean(s string) string {
	return strings.TrimSpace(p.whitespaceClean.ReplaceAllString(s, " "))
}

func usableHref(s *goquery.Selection) string {
	href, ok := s.Attr("href")
	if !ok {
		return ""
	}
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	return href
}

func resolve(base *url.URL, href string) string {
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}
