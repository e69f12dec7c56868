package app

import (
	"fmt"
	"log/slog"

	"github.com/maltedev/proxy-probe/internal/browser"
	"github.com/maltedev/proxy-probe/internal/config"
	"github.com/maltedev/proxy-probe/internal/detect"
	"github.com/maltedev/proxy-probe/internal/extract"
	"github.com/maltedev/proxy-probe/internal/orchestrator"
	"github.com/maltedev/proxy-probe/internal/proxypool"
	"github.com/maltedev/proxy-probe/internal/ratelimit"
	"github.com/maltedev/proxy-probe/internal/session"
)

// Components are the long-lived pieces a probe process shares between
// runs. Close releases the browser engine.
type Components struct {
	Pool         *proxypool.Pool
	Classifier   *detect.Classifier
	Driver       browser.Driver
	Deps         session.Deps
	Orchestrator orchestrator.Config
}

func (c *Components) Close() error {
	if c.Driver == nil {
		return nil
	}
	return c.Driver.Close()
}

// Build wires the proxy pool, classifier, extractor, pacing and browser
// engine described by cfg. The sink is left unset for the caller.
func Build(cfg *config.Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := proxypool.New(cfg.Probe.Proxies, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build proxy pool: %w", err)
	}

	classifier, err := Classifier(cfg.Probe.RulesFile)
	if err != nil {
		return nil, err
	}

	driver, err := browser.NewDriver(cfg.Probe.Variant, cfg.BrowserOptions(), cfg.Browser.RodBin, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	catalog := extract.DefaultCatalog()
	if cfg.Probe.MaxPerPage > 0 {
		catalog.MaxPerPage = cfg.Probe.MaxPerPage
	}

	minDelay, maxDelay := cfg.Probe.RateLimitMin, cfg.Probe.RateLimitMax

	return &Components{
		Pool:       pool,
		Classifier: classifier,
		Driver:     driver,
		Deps: session.Deps{
			Driver:     driver,
			Extractor:  extract.New(catalog),
			Classifier: classifier,
			NewPacer: func() ratelimit.Pacer {
				return ratelimit.NewAdaptiveRateLimiter(minDelay, maxDelay)
			},
			Logger: logger,
		},
		Orchestrator: OrchestratorConfig(cfg),
	}, nil
}

// Classifier loads the rule file at path, or the built-in rules when path
// is empty.
func Classifier(path string) (*detect.Classifier, error) {
	if path == "" {
		return detect.Default(), nil
	}

	rs, err := detect.LoadRuleSet(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	c, err := detect.New(rs)
	if err != nil {
		return nil, fmt.Errorf("invalid rules in %s: %w", path, err)
	}
	return c, nil
}

func OrchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.Concurrency = cfg.Probe.Concurrency
	oc.Session.Variant = cfg.Probe.Variant
	oc.Session.CheckEvery = cfg.Probe.CheckEvery
	oc.Session.MaxListings = cfg.Probe.MaxListings
	oc.Session.MaxPages = cfg.Probe.MaxPages
	oc.Session.VisitDetails = cfg.Probe.VisitDetails
	oc.Session.Timeout = cfg.Probe.SessionTimeout
	return oc
}
