package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.relaymesh.tech/internal/registry"
)

// MaintenanceRequest toggles an agent's drained state
type MaintenanceRequest struct {
	Drained bool `json:"drained"`
}

// AgentHandler handles agent registration, heartbeats and discovery
type AgentHandler struct {
	svc *registry.Service
}

// NewAgentHandler creates an agent handler
func NewAgentHandler(svc *registry.Service) *AgentHandler {
	return &AgentHandler{svc: svc}
}

// Routes returns the router for agent endpoints
func (h *AgentHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/register", h.Register)
	r.Post("/heartbeat", h.Heartbeat)
	r.Post("/cleanup", h.Cleanup)

	r.Get("/", h.List)
	r.Get("/active", h.Active)

	r.Get("/discover/consumer-for-topic/{topic}", h.ConsumerForTopic)
	r.Get("/discover/consumers-for-group/{group}", h.ConsumersForGroup)
	r.Get("/discover/least-loaded-consumer", h.LeastLoadedConsumer)
	r.Get("/discover/healthiest-producer", h.HealthiestProducer)

	r.Get("/{instanceId}", h.Get)
	r.Delete("/{instanceId}", h.Deactivate)
	r.Get("/{instanceId}/health-history", h.HealthHistory)
	r.Post("/{instanceId}/health-check", h.HealthCheck)
	r.Post("/{instanceId}/maintenance", h.Maintenance)

	return r
}

// Register handles POST /api/agents/register
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var agent registry.Agent
	if err := DecodeJSON(r, &agent); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	if err := h.svc.Register(r.Context(), &agent); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{
		"instanceId": agent.InstanceID,
		"status":     "registered",
	})
}

// Heartbeat handles POST /api/agents/heartbeat
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var hb registry.Heartbeat
	if err := DecodeJSON(r, &hb); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	err := h.svc.RecordHeartbeat(r.Context(), &hb)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, registry.ErrNotFound):
		// The agent must re-register before heartbeating again
		WriteNotFound(w, err.Error())
	default:
		WriteBadRequest(w, err.Error())
	}
}

// Cleanup handles POST /api/agents/cleanup. Runs one garbage collection
// cycle on demand, same as the scheduled one.
func (h *AgentHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.GC(r.Context()); err != nil {
		WriteInternalError(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// Deactivate handles DELETE /api/agents/{instanceId}. The agent is taken
// out of rotation but its row is kept; re-registering reactivates it.
func (h *AgentHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Deactivate(r.Context(), chi.URLParam(r, "instanceId"))
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
	case errors.Is(err, registry.ErrNotFound):
		WriteNotFound(w, err.Error())
	default:
		WriteInternalError(w, err.Error())
	}
}

// List handles GET /api/agents?role=consumer
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.svc.List(r.Context(), r.URL.Query().Get("role"))
	if err != nil {
		WriteInternalError(w, err.Error())
		return
	}
	if agents == nil {
		agents = []*registry.Agent{}
	}
	WriteJSON(w, http.StatusOK, agents)
}

// Active handles GET /api/agents/active?role=consumer
func (h *AgentHandler) Active(w http.ResponseWriter, r *http.Request) {
	agents, err := h.svc.ActiveAgents(r.Context(), r.URL.Query().Get("role"))
	if err != nil {
		WriteInternalError(w, err.Error())
		return
	}
	if agents == nil {
		agents = []*registry.Agent{}
	}
	WriteJSON(w, http.StatusOK, agents)
}

// Get handles GET /api/agents/{instanceId}
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	agent, err := h.svc.Get(r.Context(), chi.URLParam(r, "instanceId"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			WriteNotFound(w, err.Error())
			return
		}
		WriteInternalError(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, agent)
}

// ConsumerForTopic handles GET /api/agents/discover/consumer-for-topic/{topic}
func (h *AgentHandler) ConsumerForTopic(w http.ResponseWriter, r *http.Request) {
	agent, err := h.svc.BestConsumerForTopic(r.Context(), chi.URLParam(r, "topic"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			WriteNotFound(w, err.Error())
			return
		}
		WriteInternalError(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, agent)
}

// ConsumersForGroup handles GET /api/agents/discover/consumers-for-group/{group}
func (h *AgentHandler) ConsumersForGroup(w http.ResponseWriter, r *http.Request) {
	agents, err := h.svc.HealthyConsumersForGroup(r.Context(), chi.URLParam(r, "group"))
	if err != nil {
		WriteInternalError(w, err.Error())
		return
	}
	if agents == nil {
		agents = []*registry.Agent{}
	}
	WriteJSON(w, http.StatusOK, agents)
}

// LeastLoadedConsumer handles GET /api/agents/discover/least-loaded-consumer
func (h *AgentHandler) LeastLoadedConsumer(w http.ResponseWriter, r *http.Request) {
	agent, err := h.svc.LeastLoadedConsumer(r.Context())
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			WriteNotFound(w, err.Error())
			return
		}
		WriteInternalError(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, agent)
}

// HealthiestProducer handles GET /api/agents/discover/healthiest-producer
func (h *AgentHandler) HealthiestProducer(w http.ResponseWriter, r *http.Request) {
	agent, err := h.svc.HealthiestProducer(r.Context())
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			WriteNotFound(w, err.Error())
			return
		}
		WriteInternalError(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, agent)
}

// HealthHistory handles GET /api/agents/{instanceId}/health-history?limit=N
func (h *AgentHandler) HealthHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.HealthHistory(r.Context(), chi.URLParam(r, "instanceId"), queryInt(r, "limit", 50))
	if err != nil {
		WriteInternalError(w, err.Error())
		return
	}
	if history == nil {
		history = []*registry.HealthCheckRecord{}
	}
	WriteJSON(w, http.StatusOK, history)
}

// HealthCheck handles POST /api/agents/{instanceId}/health-check. The
// registry probes the agent's health endpoint directly.
func (h *AgentHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.CheckAgent(r.Context(), chi.URLParam(r, "instanceId"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			WriteNotFound(w, err.Error())
			return
		}
		WriteBadRequest(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"healthStatus": string(status)})
}

// Maintenance handles POST /api/agents/{instanceId}/maintenance
func (h *AgentHandler) Maintenance(w http.ResponseWriter, r *http.Request) {
	var req MaintenanceRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	err := h.svc.SetMaintenance(r.Context(), chi.URLParam(r, "instanceId"), req.Drained)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, map[string]bool{"drained": req.Drained})
	case errors.Is(err, registry.ErrNotFound):
		WriteNotFound(w, err.Error())
	default:
		WriteInternalError(w, err.Error())
	}
}
