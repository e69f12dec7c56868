package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/maltedev/proxy-probe/internal/proxypool"
	"github.com/maltedev/proxy-probe/internal/session"
)

// Rod starts a dedicated Chromium process per page. Chromium only takes a
// proxy per process, so a page and its browser live and die together.
type Rod struct {
	opts   *Options
	bin    string
	logger *slog.Logger
}

func NewRod(opts *Options, bin string, logger *slog.Logger) *Rod {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rod{
		opts:   opts,
		bin:    bin,
		logger: logger.With("component", "browser", "engine", "rod"),
	}
}

func (r *Rod) newLauncher(ep proxyEndpoint) *launcher.Launcher {
	l := launcher.New().
		Headless(r.opts.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-gpu").
		Set("window-size", strconv.Itoa(r.opts.ViewportWidth)+","+strconv.Itoa(r.opts.ViewportHeight)).
		Set("user-agent", r.opts.UserAgent).
		Set("lang", r.opts.Locale)

	if r.bin != "" {
		l = l.Bin(r.bin)
	}
	if ep.Server != "" {
		l = l.Proxy(ep.Server)
	}
	return l
}

func (r *Rod) Open(ctx context.Context, url string, proxy proxypool.Proxy) (session.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ep proxyEndpoint
	if proxy != "" {
		var err error
		if ep, err = parseProxy(proxy.String()); err != nil {
			return nil, err
		}
	}

	l := r.newLauncher(ep)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	if ep.Username != "" {
		auth := b.HandleAuth(ep.Username, ep.Password)
		go func() {
			// resolves on the first proxy challenge or when the browser goes away
			_ = auth()
		}()
	}

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		b.Close()
		l.Kill()
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	if len(r.opts.ExtraHeaders) > 0 {
		headers := make([]string, 0, len(r.opts.ExtraHeaders)*2)
		for k, v := range r.opts.ExtraHeaders {
			headers = append(headers, k, v)
		}
		if _, err := page.SetExtraHeaders(headers); err != nil {
			r.logger.Debug("failed to set extra headers", "error", err)
		}
	}

	rp := &rodPage{
		browser:  b,
		launcher: l,
		page:     page,
		timeout:  r.opts.Timeout,
		logger:   r.logger.With("proxy", proxy),
	}

	if err := rp.Navigate(ctx, url); err != nil {
		rp.Close()
		return nil, err
	}

	return rp, nil
}

type rodPage struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	page     *rod.Page
	timeout  time.Duration
	logger   *slog.Logger

	lastURL string
}

func (p *rodPage) bounded(ctx context.Context) *rod.Page {
	deadline, ok := ctx.Deadline()
	return p.page.Context(ctx).Timeout(timeoutFor(deadline, ok, p.timeout))
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.bounded(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("goto %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	p.lastURL = url
	p.logger.Debug("navigated", "url", url)
	return nil
}

func (p *rodPage) Content(ctx context.Context) (string, error) {
	return p.bounded(ctx).HTML()
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	info, err := p.bounded(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

// URL reports where the page landed, or the last URL navigated to when
// the target cannot be queried.
func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return landedURL("", err, p.lastURL)
	}
	return landedURL(info.URL, nil, p.lastURL)
}

func landedURL(reported string, err error, last string) string {
	if err != nil || reported == "" {
		return last
	}
	return reported
}

// Close closes the page and shuts its browser process down.
func (p *rodPage) Close() error {
	var errs []error
	if err := p.page.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close page: %w", err))
	}
	if err := p.browser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
	}
	p.launcher.Kill()
	p.launcher.Cleanup()

	return errors.Join(errs...)
}

// Close is a no-op: every page owns and closes its own browser.
func (r *Rod) Close() error {
	return nil
}
