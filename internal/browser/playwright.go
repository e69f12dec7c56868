package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maltedev/proxy-probe/internal/proxypool"
	"github.com/maltedev/proxy-probe/internal/session"
	"github.com/playwright-community/playwright-go"
)

// Playwright runs one Chromium instance and gives every page its own
// browser context, so each page carries its own proxy and cookie jar.
type Playwright struct {
	opts    *Options
	logger  *slog.Logger
	pw      *playwright.Playwright
	browser playwright.Browser

	mu     sync.Mutex
	closed bool
}

func NewPlaywright(opts *Options, logger *slog.Logger) (*Playwright, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     opts.launchArgs(),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &Playwright{
		opts:    opts,
		logger:  logger.With("component", "browser", "engine", "playwright"),
		pw:      pw,
		browser: browser,
	}, nil
}

func (p *Playwright) Open(ctx context.Context, url string, proxy proxypool.Proxy) (session.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(p.opts.UserAgent),
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            playwright.String(p.opts.Locale),
		TimezoneId:        playwright.String(p.opts.TimezoneID),
		Viewport: &playwright.Size{
			Width:  p.opts.ViewportWidth,
			Height: p.opts.ViewportHeight,
		},
		ExtraHttpHeaders: p.opts.ExtraHeaders,
	}

	if proxy != "" {
		ep, err := parseProxy(proxy.String())
		if err != nil {
			return nil, err
		}
		contextOpts.Proxy = &playwright.Proxy{Server: ep.Server}
		if ep.Username != "" {
			contextOpts.Proxy.Username = playwright.String(ep.Username)
			contextOpts.Proxy.Password = playwright.String(ep.Password)
		}
	}

	bctx, err := p.browser.NewContext(contextOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}
	page.SetDefaultTimeout(float64(p.opts.Timeout.Milliseconds()))

	pp := &playwrightPage{
		bctx:    bctx,
		page:    page,
		timeout: p.opts.Timeout,
		logger:  p.logger.With("proxy", proxy),
	}

	if err := pp.Navigate(ctx, url); err != nil {
		pp.Close()
		return nil, err
	}

	return pp, nil
}

func (p *Playwright) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if err := p.browser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
	}
	if err := p.pw.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
	}

	return errors.Join(errs...)
}

type playwrightPage struct {
	bctx    playwright.BrowserContext
	page    playwright.Page
	timeout time.Duration
	logger  *slog.Logger
}

func (p *playwrightPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	timeout := timeoutFor(deadline, ok, p.timeout)

	resp, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("goto %s: %w", url, err)
	}

	if resp != nil {
		p.logger.Debug("navigated", "url", url, "status", resp.Status())
	}
	return nil
}

func (p *playwrightPage) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.page.Content()
}

func (p *playwrightPage) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.page.Title()
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

// Close tears down the whole browser context, page included.
func (p *playwrightPage) Close() error {
	if err := p.bctx.Close(); err != nil {
		return fmt.Errorf("failed to close context: %w", err)
	}
	return nil
}
