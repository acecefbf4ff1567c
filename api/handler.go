// Package api exposes run control and price history as JSON over HTTP.
//
// Routes:
//
//	POST /api/run?module=cruise,addons   start a run (202) or 409 when one is active
//	GET  /api/run-status                 current or last RunState
//	GET  /api/run-log?limit=N            newest run log entries first
//	GET  /api/observations?item=<key>    latest record of every product of an item
//	GET  /health
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"rc_tracker/models"
	"rc_tracker/scraper"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 200
)

// Runner is the part of the orchestrator the API drives.
type Runner interface {
	TriggerRun(ctx context.Context, kinds ...models.AdapterKind) (*scraper.RunAccepted, error)
	RunState() models.RunState
	RunLog(ctx context.Context, limit int) ([]models.RunLogEntry, error)
	LatestObservations(ctx context.Context, itemKey string) ([]models.ObservationRecord, error)
	Items() []models.WatchedItem
}

type Handler struct {
	runner Runner
	// runCtx outlives the request that started a run.
	runCtx context.Context
}

func NewHandler(runCtx context.Context, runner Runner) *Handler {
	return &Handler{runner: runner, runCtx: runCtx}
}

// RegisterRoutes mounts all routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/api/run", h.handleRun)
	mux.HandleFunc("/api/run-status", h.handleRunStatus)
	mux.HandleFunc("/api/run-log", h.handleRunLog)
	mux.HandleFunc("/api/observations", h.handleObservations)
}

// NewServer builds an http.Server for addr with all routes mounted.
func NewServer(addr string, h *Handler) *http.Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := h.runner.RunState()
	jsonOK(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"run_status": state.Status,
		"items":      len(h.runner.Items()),
	})
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	kinds, err := models.ParseKinds(r.URL.Query().Get("module"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	accepted, err := h.runner.TriggerRun(h.runCtx, kinds...)
	if errors.Is(err, scraper.ErrAlreadyRunning) {
		jsonError(w, "already_running", http.StatusConflict)
		return
	}
	if err != nil {
		log.Printf("[api] trigger run: %v", err)
		jsonError(w, "could not start run", http.StatusInternalServerError)
		return
	}

	jsonOK(w, http.StatusAccepted, map[string]string{"run_id": accepted.RunID})
}

func (h *Handler) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jsonOK(w, http.StatusOK, h.runner.RunState())
}

func (h *Handler) handleRunLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxLogLimit)
	}

	entries, err := h.runner.RunLog(r.Context(), limit)
	if err != nil {
		log.Printf("[api] run log: %v", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []models.RunLogEntry{}
	}
	jsonOK(w, http.StatusOK, entries)
}

func (h *Handler) handleObservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	itemKey := r.URL.Query().Get("item")
	if itemKey == "" {
		jsonError(w, "item is required", http.StatusBadRequest)
		return
	}

	records, err := h.runner.LatestObservations(r.Context(), itemKey)
	if err != nil {
		log.Printf("[api] observations for %s: %v", itemKey, err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.ObservationRecord{}
	}
	jsonOK(w, http.StatusOK, records)
}

func jsonOK(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonOK(w, code, map[string]string{"error": msg})
}
