package browser

import (
	"fmt"
	"net/url"
	"time"
)

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ExtraHeaders   map[string]string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "en-US,en;q=0.9",
		TimezoneID:     "America/New_York",
		Locale:         "en-US",
		ExtraHeaders: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"Accept-Encoding": "gzip, deflate, br",
			"DNT":             "1",
		},
	}
}

// launchArgs are shared by both engines.
func (o *Options) launchArgs() []string {
	return []string{
		"--disable-blink-features=AutomationControlled",
		"--disable-dev-shm-usage",
		"--no-sandbox",
		"--disable-setuid-sandbox",
		fmt.Sprintf("--window-size=%d,%d", o.ViewportWidth, o.ViewportHeight),
		"--user-agent=" + o.UserAgent,
	}
}

// proxyEndpoint splits a proxy URI into the server part browsers accept
// and optional credentials.
type proxyEndpoint struct {
	Server   string
	Host     string
	Username string
	Password string
}

func parseProxy(raw string) (proxyEndpoint, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return proxyEndpoint{}, fmt.Errorf("invalid proxy %q", raw)
	}

	ep := proxyEndpoint{
		Server: u.Scheme + "://" + u.Host,
		Host:   u.Host,
	}
	if u.User != nil {
		ep.Username = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	return ep, nil
}

// timeoutFor caps the engine timeout by the context deadline, if sooner.
func timeoutFor(deadline time.Time, hasDeadline bool, fallback time.Duration) time.Duration {
	if !hasDeadline {
		return fallback
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return time.Millisecond
	}
	if remaining < fallback {
		return remaining
	}
	return fallback
}
