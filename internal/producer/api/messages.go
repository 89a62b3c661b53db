package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"go.relaymesh.tech/internal/outbox"
)

// SendRequest is the message submission body
type SendRequest struct {
	// Topic is the logical topic to publish on
	Topic string `json:"topic"`

	// Payload is the message body, any valid JSON. Message is accepted
	// as an alias.
	Payload json.RawMessage `json:"payload"`
	Message json.RawMessage `json:"message,omitempty"`

	// ConsumerGroup optionally restricts delivery to one subscribed
	// group instead of fanning out to all of them
	ConsumerGroup string `json:"consumerGroup,omitempty"`

	// TargetConsumerServiceID optionally pins delivery to one consumer
	// service
	TargetConsumerServiceID string `json:"targetConsumerServiceId,omitempty"`

	// UseBatching buffers the message for the next batched flush
	// instead of writing it before the response. Defaults to true.
	UseBatching *bool `json:"useBatching,omitempty"`
}

func (req *SendRequest) payload() json.RawMessage {
	if len(req.Payload) > 0 {
		return req.Payload
	}
	return req.Message
}

func (req *SendRequest) batched() bool {
	if req.UseBatching == nil {
		return true
	}
	return *req.UseBatching
}

// MessageHandler handles message submission, acknowledgment and inspection
type MessageHandler struct {
	submitter *outbox.Submitter
	acks      *outbox.AckService
	repo      outbox.Repository
	serviceID string
}

// NewMessageHandler creates a message handler
func NewMessageHandler(submitter *outbox.Submitter, acks *outbox.AckService, repo outbox.Repository, serviceID string) *MessageHandler {
	return &MessageHandler{
		submitter: submitter,
		acks:      acks,
		repo:      repo,
		serviceID: serviceID,
	}
}

// Routes returns the router for message endpoints
func (h *MessageHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/send", h.Send)
	r.Post("/acknowledge", h.Acknowledge)

	r.Get("/health", h.Health)
	r.Get("/pending-count", h.PendingCount)
	r.Get("/status/{status}", h.ListByStatus)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/acknowledgments", h.Acknowledgments)

	return r
}

// Send handles POST /api/messages/send. Batched submissions (the
// default) return a synthetic id; the records are persisted by the next
// flush. With useBatching false the records are written before the
// response, so the returned ids are durable.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	result, err := h.submitter.Send(r.Context(), req.Topic, req.payload(),
		req.ConsumerGroup, req.TargetConsumerServiceID, req.batched())
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// Acknowledge handles POST /api/messages/acknowledge
func (h *MessageHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	var ack outbox.Acknowledgment
	if err := DecodeJSON(r, &ack); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	err := h.acks.Apply(r.Context(), &ack)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, map[string]string{"status": "applied"})
	case errors.Is(err, outbox.ErrAlreadyTerminal):
		WriteConflict(w, err.Error())
	case errors.Is(err, outbox.ErrNotFound):
		WriteNotFound(w, err.Error())
	default:
		WriteBadRequest(w, err.Error())
	}
}

// Get handles GET /api/messages/{id}
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	record, err := h.repo.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			WriteNotFound(w, err.Error())
			return
		}
		WriteInternalError(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, record)
}

// Acknowledgments handles GET /api/messages/{id}/acknowledgments
func (h *MessageHandler) Acknowledgments(w http.ResponseWriter, r *http.Request) {
	acks, err := h.acks.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteInternalError(w, err.Error())
		return
	}
	if acks == nil {
		acks = []*outbox.Acknowledgment{}
	}
	WriteJSON(w, http.StatusOK, acks)
}

// ListByStatus handles GET /api/messages/status/{status}?limit=N
func (h *MessageHandler) ListByStatus(w http.ResponseWriter, r *http.Request) {
	status := outbox.Status(chi.URLParam(r, "status"))
	if !status.Valid() {
		WriteBadRequest(w, "unknown status "+string(status))
		return
	}

	limit := queryInt(r, "limit", 100)
	records, err := h.repo.ListByStatus(r.Context(), h.serviceID, status, limit)
	if err != nil {
		WriteInternalError(w, err.Error())
		return
	}
	if records == nil {
		records = []*outbox.Record{}
	}
	WriteJSON(w, http.StatusOK, records)
}

// Health handles GET /api/messages/health. Reports the message plane's
// own state: intake queue headroom and the producer's pending backlog.
func (h *MessageHandler) Health(w http.ResponseWriter, r *http.Request) {
	pending, err := h.repo.CountPending(r.Context(), h.serviceID)
	if err != nil {
		WriteInternalError(w, err.Error())
		return
	}

	status := "UP"
	httpStatus := http.StatusOK
	if err := h.submitter.Health(); err != nil {
		status = "DOWN"
		httpStatus = http.StatusServiceUnavailable
	}

	WriteJSON(w, httpStatus, map[string]interface{}{
		"status":       status,
		"pendingCount": pending,
		"queueDepth":   h.submitter.QueueDepth(),
	})
}

// PendingCount handles GET /api/messages/pending-count
func (h *MessageHandler) PendingCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.repo.CountPending(r.Context(), h.serviceID)
	if err != nil {
		WriteInternalError(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int64{"pendingCount": count})
}

func queryInt(r *http.Request, key string, fallback int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
