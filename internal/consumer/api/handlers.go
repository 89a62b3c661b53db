// Package api implements the consumer HTTP API: processed and failed
// message inspection plus a direct processing endpoint for smoke tests.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"go.relaymesh.tech/internal/broker"
	"go.relaymesh.tech/internal/common/health"
	"go.relaymesh.tech/internal/common/metrics"
	"go.relaymesh.tech/internal/consumer"
)

// TestProcessRequest is the body for the direct processing endpoint
type TestProcessRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Handler serves the consumer inspection endpoints
type Handler struct {
	store   consumer.Store
	handler consumer.Handler
	group   string
}

// NewHandler creates the consumer API handler
func NewHandler(store consumer.Store, handler consumer.Handler, group string) *Handler {
	if handler == nil {
		handler = consumer.LogHandler
	}
	return &Handler{store: store, handler: handler, group: group}
}

// Routes returns the router for consumer endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/processed", h.Processed)
	r.Get("/failed", h.Failed)
	r.Get("/stats", h.Stats)
	r.Post("/test-process", h.TestProcess)

	return r
}

// Processed handles GET /api/consumer/processed?limit=N
func (h *Handler) Processed(w http.ResponseWriter, r *http.Request) {
	messages, err := h.store.ListProcessed(r.Context(), h.group, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []*consumer.ProcessedMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// Failed handles GET /api/consumer/failed?limit=N
func (h *Handler) Failed(w http.ResponseWriter, r *http.Request) {
	messages, err := h.store.ListFailed(r.Context(), h.group, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []*consumer.FailedMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// Stats handles GET /api/consumer/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	failed, err := h.store.CountFailed(r.Context(), h.group)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"group":       h.group,
		"failedCount": failed,
	})
}

// TestProcess handles POST /api/consumer/test-process. It runs the handler
// directly against an ad hoc payload, bypassing the broker and the dedup
// store. Meant for verifying handler wiring on a fresh install.
func (h *Handler) TestProcess(w http.ResponseWriter, r *http.Request) {
	var req TestProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Topic == "" || len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "topic and payload are required")
		return
	}

	env := &broker.Envelope{
		MessageID:      "test-process",
		Topic:          req.Topic,
		Payload:        req.Payload,
		ConsumerGroup:  h.group,
		IdempotencyKey: "test-process",
	}
	if err := h.handler(r.Context(), env); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"result": "failed",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "processed"})
}

// NewRouter assembles the consumer HTTP API
func NewRouter(h *Handler, checker *health.Checker) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Mount("/api/consumer", h.Routes())

	r.Handle("/metrics", metrics.Handler())
	r.Get("/q/health", checker.Handler())
	r.Get("/q/health/live", checker.LiveHandler())
	r.Get("/q/health/ready", checker.ReadyHandler())

	return r
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, fallback int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// probe adapts a store ping for the health checker
func probe(store consumer.Store, group string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := store.CountFailed(ctx, group)
		return err
	}
}

// RegisterChecks registers the consumer readiness probes
func RegisterChecks(checker *health.Checker, store consumer.Store, group string) {
	checker.Register("consumer-store", probe(store, group))
}
