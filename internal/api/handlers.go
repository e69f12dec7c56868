package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/maltedev/proxy-probe/internal/database"
	"github.com/maltedev/proxy-probe/internal/detect"
	"github.com/maltedev/proxy-probe/internal/metrics"
	"github.com/maltedev/proxy-probe/internal/orchestrator"
	"github.com/maltedev/proxy-probe/internal/proxypool"
	"github.com/maltedev/proxy-probe/internal/runs"
)

type RunService interface {
	Submit(domains []string) (*runs.Run, error)
	Get(id string) (*runs.Run, error)
	List() []*runs.Run
	Cancel(id string) error
	Stats() runs.Stats
}

type PoolView interface {
	Snapshot() []proxypool.Status
	Stats() proxypool.Stats
}

type Classifier interface {
	Classify(ev detect.Evidence) detect.Verdict
	Scores(ev detect.Evidence) map[detect.Mechanism]float64
}

// ReportLoader reads archived reports of runs this process no longer
// holds in memory.
type ReportLoader interface {
	Load(runID string) (*metrics.Report, error)
}

// OutboxMonitor reports the event relay backlog.
type OutboxMonitor interface {
	Stats(ctx context.Context) (database.RelayStats, error)
}

type Handlers struct {
	runs       RunService
	pool       PoolView
	classifier Classifier
	reports    ReportLoader
	outbox     OutboxMonitor
	logger     *slog.Logger
}

type Option func(*Handlers)

func WithReports(r ReportLoader) Option {
	return func(h *Handlers) {
		h.reports = r
	}
}

func WithOutbox(o OutboxMonitor) Option {
	return func(h *Handlers) {
		h.outbox = o
	}
}

func NewHandlers(runs RunService, pool PoolView, classifier Classifier, logger *slog.Logger, opts ...Option) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		runs:       runs,
		pool:       pool,
		classifier: classifier,
		logger:     logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type CreateRunRequest struct {
	Domains []string `json:"domains"`
}

type CreateRunResponse struct {
	RunID   string      `json:"run_id"`
	Status  runs.Status `json:"status"`
	Domains []string    `json:"domains"`
	Message string      `json:"message"`
}

func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run, err := h.runs.Submit(req.Domains)
	switch {
	case errors.Is(err, orchestrator.ErrNoDomains):
		h.respondError(w, http.StatusBadRequest, "domains is required")
		return
	case errors.Is(err, runs.ErrQueueFull):
		h.respondError(w, http.StatusTooManyRequests, "run queue is full")
		return
	case err != nil:
		h.logger.Error("failed to submit run", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	h.respondJSON(w, http.StatusAccepted, CreateRunResponse{
		RunID:   run.ID,
		Status:  run.Status,
		Domains: run.Domains,
		Message: "Run queued",
	})
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.runs.List())
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.Get(chi.URLParam(r, "runID"))
	if err != nil {
		h.respondError(w, http.StatusNotFound, "run not found")
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	err := h.runs.Cancel(chi.URLParam(r, "runID"))
	switch {
	case errors.Is(err, runs.ErrRunNotFound):
		h.respondError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, runs.ErrRunFinished):
		h.respondError(w, http.StatusConflict, "run already finished")
	case err != nil:
		h.respondError(w, http.StatusInternalServerError, "failed to cancel run")
	default:
		h.respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	}
}

// GetReport serves a finished run's report, falling back to the archive
// for runs from earlier processes.
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if run, err := h.runs.Get(runID); err == nil {
		if run.Report == nil {
			h.respondError(w, http.StatusConflict, "run has not finished")
			return
		}
		h.respondJSON(w, http.StatusOK, run.Report)
		return
	}

	if h.reports != nil {
		if report, err := h.reports.Load(runID); err == nil {
			h.respondJSON(w, http.StatusOK, report)
			return
		}
	}

	h.respondError(w, http.StatusNotFound, "report not found")
}

type PoolResponse struct {
	Stats   proxypool.Stats    `json:"stats"`
	Proxies []proxypool.Status `json:"proxies"`
}

func (h *Handlers) GetPool(w http.ResponseWriter, r *http.Request) {
	snapshot := h.pool.Snapshot()
	for i := range snapshot {
		snapshot[i].Proxy = redact(snapshot[i].Proxy)
	}
	h.respondJSON(w, http.StatusOK, PoolResponse{
		Stats:   h.pool.Stats(),
		Proxies: snapshot,
	})
}

type ClassifyRequest struct {
	Content string `json:"content"`
	Title   string `json:"title"`
	URL     string `json:"url"`
}

type ClassifyResponse struct {
	detect.Verdict
	Scores map[detect.Mechanism]float64 `json:"scores"`
}

// Classify runs the block classifier over a page the caller captured.
func (h *Handlers) Classify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ev := detect.NewEvidence(req.Content, req.Title, req.URL)
	h.respondJSON(w, http.StatusOK, ClassifyResponse{
		Verdict: h.classifier.Classify(ev),
		Scores:  h.classifier.Scores(ev),
	})
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.runs.Stats())
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"pool":   h.pool.Stats(),
	}
	status := http.StatusOK

	if h.outbox != nil {
		stats, err := h.outbox.Stats(r.Context())
		switch {
		case err != nil:
			h.logger.Warn("failed to read outbox stats", "error", err)
			health["status"] = "error"
			health["message"] = "outbox unavailable"
			status = http.StatusServiceUnavailable
		case stats.DeadLetter > 100:
			health["outbox"] = stats
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		case stats.Pending > 1000:
			health["outbox"] = stats
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		default:
			health["outbox"] = stats
		}
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// redact hides proxy credentials.
func redact(p proxypool.Proxy) proxypool.Proxy {
	u, err := url.Parse(string(p))
	if err != nil || u.User == nil {
		return p
	}
	return proxypool.Proxy(u.Redacted())
}
