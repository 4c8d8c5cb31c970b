package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/runledger/internal/event"
	"github.com/kalambet/runledger/internal/metrics"
	"github.com/kalambet/runledger/internal/storage"
)

const (
	maxEventBodySize = 1 << 20  // 1MB
	maxBatchBodySize = 64 << 20 // 64MB
	defaultMaxBatch  = 1000
)

// EventStore is the write and read path the ingestion handlers need.
type EventStore interface {
	InsertEvent(ctx context.Context, e *event.Event) (storage.Outcome, error)
	UpdateEvent(ctx context.Context, eventID string, p *event.Patch) (storage.UpdateOutcome, error)
	UpdateRun(ctx context.Context, runID string, p *event.Patch) (storage.UpdateOutcome, error)
	RunState(ctx context.Context, runID string) (event.RunState, error)
	Metrics(ctx context.Context, since time.Time, window string) (event.Metrics, error)
	Ping(ctx context.Context) error
}

type IngestDeps struct {
	Store        EventStore
	Token        string
	AuthRequired bool
	RateLimit    int // requests per minute per IP; 0 disables
	MaxBatch     int
	Health       event.HealthInfo
	Logger       *slog.Logger
	Now          func() time.Time
}

func (d IngestDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d IngestDeps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// NewIngestHandler returns the router for the ingestion service.
func NewIngestHandler(deps IngestDeps) http.Handler {
	if deps.MaxBatch <= 0 {
		deps.MaxBatch = defaultMaxBatch
	}

	r := chi.NewRouter()
	r.Use(PrometheusMetrics)
	r.Use(RequestLogger(deps.logger()))
	if deps.RateLimit > 0 {
		r.Use(RateLimit(deps.RateLimit))
	}

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		if deps.AuthRequired {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/runs", handleCreate(deps))
		r.Post("/runs/batch", handleBatch(deps))
		r.Patch("/runs/by-run/{run_id}", handlePatchRun(deps))
		// PATCH addresses an event, GET addresses a run.
		r.Patch("/runs/{id}", handlePatchEvent(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Get("/metrics", handleMetrics(deps))
		r.Handle("/metrics/prometheus", promhttp.Handler())
	})

	return r
}

// ingest normalizes, validates and stores one event.
func ingest(ctx context.Context, deps IngestDeps, e *event.Event) (storage.Outcome, error) {
	e.Normalize(deps.now())
	if err := event.Validate(e); err != nil {
		metrics.RecordIngest(storage.Invalid.String())
		return storage.Invalid, err
	}
	out, err := deps.Store.InsertEvent(ctx, e)
	metrics.RecordIngest(out.String())
	switch out {
	case storage.Transient:
		deps.logger().Warn("event not stored", "event_id", e.EventID, "error", err)
	case storage.Invalid:
		deps.logger().Info("event rejected by store", "event_id", e.EventID, "error", err)
	}
	return out, err
}

func handleCreate(deps IngestDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxEventBodySize)
		defer r.Body.Close()

		var e event.Event
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		out, err := ingest(r.Context(), deps, &e)
		switch out {
		case storage.Created:
			writeJSON(w, http.StatusCreated, event.CreateResponse{Status: "created", EventID: e.EventID, RunID: e.RunID})
		case storage.Duplicate:
			writeJSON(w, http.StatusOK, event.CreateResponse{Status: "duplicate", EventID: e.EventID, RunID: e.RunID})
		case storage.Invalid:
			validationError(w, err)
		default:
			w.Header().Set("Retry-After", "1")
			httpError(w, http.StatusServiceUnavailable, "unavailable_error", "store unavailable: %v", err)
		}
	}
}

func handleBatch(deps IngestDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBatchBodySize)
		defer r.Body.Close()

		// Items are decoded one by one so a malformed item is reported in-band
		// instead of failing the batch.
		var items []json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "request body must be a JSON array of events: %v", err)
			return
		}
		if len(items) > deps.MaxBatch {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
				"batch of %d events exceeds limit of %d", len(items), deps.MaxBatch)
			return
		}
		metrics.IngestBatchSize.Observe(float64(len(items)))

		resp := event.BatchResponse{Errors: []event.ItemError{}, Total: len(items)}
		for i, raw := range items {
			var e event.Event
			if err := decodeItem(raw, &e); err != nil {
				metrics.RecordIngest(storage.Invalid.String())
				resp.Errors = append(resp.Errors, event.ItemError{Index: i, EventID: peekEventID(raw), Error: err.Error()})
				continue
			}

			out, err := ingest(r.Context(), deps, &e)
			switch out {
			case storage.Created:
				resp.Inserted++
			case storage.Duplicate:
				resp.Duplicates++
			default:
				resp.Errors = append(resp.Errors, event.ItemError{
					Index:     i,
					EventID:   e.EventID,
					Error:     errorText(err),
					Retryable: out == storage.Transient,
				})
			}
		}

		deps.logger().Debug("batch ingested",
			"total", resp.Total, "inserted", resp.Inserted,
			"duplicates", resp.Duplicates, "errors", len(resp.Errors))
		writeJSON(w, http.StatusOK, resp)
	}
}

func decodeItem(raw json.RawMessage, e *event.Event) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return errors.New("item is empty")
	}
	if err := json.Unmarshal(raw, e); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return nil
}

// peekEventID extracts event_id from an item that failed to decode fully.
func peekEventID(raw json.RawMessage) string {
	var peek struct {
		EventID any `json:"event_id"`
	}
	if json.Unmarshal(raw, &peek) != nil {
		return ""
	}
	if s, ok := peek.EventID.(string); ok {
		return s
	}
	return ""
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func handlePatchEvent(deps IngestDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "id")
		p, ok := decodePatch(w, r)
		if !ok {
			return
		}
		out, err := deps.Store.UpdateEvent(r.Context(), eventID, p)
		writePatchOutcome(w, out, err, event.PatchResponse{Status: "applied", EventID: eventID})
	}
}

func handlePatchRun(deps IngestDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		p, ok := decodePatch(w, r)
		if !ok {
			return
		}
		out, err := deps.Store.UpdateRun(r.Context(), runID, p)
		writePatchOutcome(w, out, err, event.PatchResponse{Status: "applied", RunID: runID})
	}
}

func decodePatch(w http.ResponseWriter, r *http.Request) (*event.Patch, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBodySize)
	defer r.Body.Close()

	var p event.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return nil, false
	}
	p.Normalize()
	if err := event.ValidatePatch(&p); err != nil {
		validationError(w, err)
		return nil, false
	}
	return &p, true
}

func writePatchOutcome(w http.ResponseWriter, out storage.UpdateOutcome, err error, ok event.PatchResponse) {
	switch out {
	case storage.Applied:
		writeJSON(w, http.StatusOK, ok)
	case storage.NotFound:
		httpError(w, http.StatusNotFound, "not_found", "event not found")
	case storage.UpdateInvalid:
		validationError(w, err)
	default:
		w.Header().Set("Retry-After", "1")
		httpError(w, http.StatusServiceUnavailable, "unavailable_error", "store unavailable: %v", err)
	}
}

func handleGetRun(deps IngestDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "id")
		st, err := deps.Store.RunState(r.Context(), runID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleMetrics(deps IngestDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window := 24 * time.Hour
		if s := r.URL.Query().Get("window"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil || d <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid window %q", s)
				return
			}
			window = d
		}

		m, err := deps.Store.Metrics(r.Context(), deps.now().Add(-window), window.String())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute metrics: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handleHealth(deps IngestDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		body := struct {
			Status       string `json:"status"`
			AuthRequired bool   `json:"auth_required"`
			event.HealthInfo
		}{Status: "ok", AuthRequired: deps.AuthRequired, HealthInfo: deps.Health}

		code := http.StatusOK
		if err := deps.Store.Ping(ctx); err != nil {
			body.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, body)
	}
}
