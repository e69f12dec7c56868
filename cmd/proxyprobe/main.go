package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/maltedev/proxy-probe/internal/app"
	"github.com/maltedev/proxy-probe/internal/browser"
	"github.com/maltedev/proxy-probe/internal/config"
	"github.com/maltedev/proxy-probe/internal/database"
	"github.com/maltedev/proxy-probe/internal/events"
	"github.com/maltedev/proxy-probe/internal/metrics"
	"github.com/maltedev/proxy-probe/internal/orchestrator"
	"github.com/maltedev/proxy-probe/internal/session"
	"github.com/maltedev/proxy-probe/internal/storage"
	"github.com/maltedev/proxy-probe/pkg/logger"
)

func main() {
	var (
		domains     = flag.String("domains", "", "Comma separated domains (overrides PROBE_DOMAINS)")
		domainsFile = flag.String("domains-file", "", "File with one domain per line")
		proxies     = flag.String("proxies", "", "Comma separated proxy endpoints (overrides PROBE_PROXIES)")
		variant     = flag.String("variant", "", "Crawler variant: playwright, rod or all")
		concurrency = flag.Int("concurrency", 0, "Concurrent sessions (overrides PROBE_CONCURRENCY)")
		maxListings = flag.Int("listings", -1, "Listings per domain (overrides PROBE_MAX_LISTINGS)")
		reportDir   = flag.String("out", "", "Report directory (overrides REPORT_DIR)")
		listingsOut = flag.String("listings-out", "", "Append extracted listings to this JSON lines file")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *domains != "" {
		cfg.Probe.Domains = splitList(*domains)
	}
	if *domainsFile != "" {
		fromFile, err := readLines(*domainsFile)
		if err != nil {
			log.Fatalf("Failed to read domains file: %v", err)
		}
		cfg.Probe.Domains = append(cfg.Probe.Domains, fromFile...)
	}
	if *proxies != "" {
		cfg.Probe.Proxies = splitList(*proxies)
	}
	if *concurrency > 0 {
		cfg.Probe.Concurrency = *concurrency
	}
	if *maxListings >= 0 {
		cfg.Probe.MaxListings = *maxListings
	}
	if *reportDir != "" {
		cfg.Report.Dir = *reportDir
	}

	variants := []string{cfg.Probe.Variant}
	switch *variant {
	case "":
	case "all":
		variants = []string{browser.EnginePlaywright, browser.EngineRod}
	default:
		variants = []string{*variant}
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	if len(cfg.Probe.Domains) == 0 {
		fmt.Fprintln(os.Stderr, "Please provide domains with -domains, -domains-file or PROBE_DOMAINS")
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	reports, err := storage.NewReportStore(cfg.Report.Dir)
	if err != nil {
		logger.Error("Failed to open report store", "error", err)
		os.Exit(1)
	}

	var sinks session.MultiSink
	if *listingsOut != "" {
		listingLog, err := storage.OpenListingLog(*listingsOut)
		if err != nil {
			logger.Error("Failed to open listings file", "error", err)
			os.Exit(1)
		}
		defer listingLog.Close()
		sinks = append(sinks, listingLog)
	}

	var publisher *events.Publisher
	if cfg.Database.Enabled {
		db, err := database.New(ctx, database.Config{DSN: cfg.Database.DSN(), MaxConns: cfg.Database.MaxConns})
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Error("Failed to migrate database", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, database.NewProbeStore(db))
		publisher = events.NewPublisher(db, logger)
	}

	failed := false
	for _, v := range variants {
		cfg.Probe.Variant = v
		if err := cfg.Validate(); err != nil {
			logger.Error("Invalid configuration", "error", err)
			os.Exit(2)
		}

		report, err := probe(ctx, cfg, logger, sinks, publisher)
		if report != nil {
			path, saveErr := reports.Save(report)
			if saveErr != nil {
				logger.Error("Failed to save report", "error", saveErr)
				failed = true
			}
			printReport(report, path)
		}
		if err != nil {
			logger.Error("Run failed", "variant", v, "error", err)
			failed = true
			break
		}
	}

	if failed {
		os.Exit(1)
	}
}

func probe(ctx context.Context, cfg *config.Config, logger *slog.Logger, sinks session.MultiSink, publisher *events.Publisher) (*metrics.Report, error) {
	components, err := app.Build(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer components.Close()

	deps := components.Deps
	if len(sinks) > 0 {
		deps.Sink = sinks
	}

	opts := []orchestrator.Option{orchestrator.WithLogger(logger)}
	if publisher != nil {
		opts = append(opts, orchestrator.WithRecordHook(publisher.RecordHook(ctx)))
	}

	orch := orchestrator.New(components.Pool, components.Orchestrator, deps, opts...)
	report, err := orch.Run(ctx, cfg.Probe.Domains)
	if report != nil && publisher != nil {
		if pubErr := publisher.PublishRunCompleted(context.WithoutCancel(ctx), report); pubErr != nil {
			logger.Error("Failed to publish run", "error", pubErr)
		}
	}
	return report, err
}

func printReport(report *metrics.Report, path string) {
	line := strings.Repeat("=", 60)
	fmt.Println(line)
	fmt.Printf("%s RESULTS (run %s)\n", strings.ToUpper(report.Variant), report.RunID)
	fmt.Println(line)

	for _, rec := range report.Records {
		fmt.Printf("Domain: %s\n", metrics.DomainKey(rec.Domain))
		fmt.Printf("  Outcome: %s\n", rec.Outcome)
		fmt.Printf("  Listings: %d (pages %d)\n", rec.ListingsExtracted, rec.PagesCrawled)
		fmt.Printf("  Captcha blocked: %t", rec.CaptchaBlocked)
		if rec.CaptchaBlocked {
			fmt.Printf(" (%s, %.2f, at listing %d)", rec.CaptchaType, rec.Confidence, rec.BlockedAtListing)
		}
		fmt.Println()
		fmt.Printf("  Proxy rotations: %d\n", rec.ProxyRotations)
		fmt.Printf("  Duration: %.2fs\n", rec.DurationSeconds)
		fmt.Println()
	}

	s := report.Summary
	fmt.Printf("Total: %d  Succeeded: %d  Blocked: %d  Failed: %d  Success rate: %.0f%%\n",
		s.TotalSessions, s.Succeeded, s.BlockedExhausted, s.Failed, s.SuccessRate*100)
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		fmt.Printf("Report: %s\n", abs)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}
