package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.relaymesh.tech/internal/topic"
)

// GroupSpec is one consumer group registration in an API request.
// Omitted fields fall back to the registration defaults: acks required,
// a five minute ack timeout, unbounded retries.
type GroupSpec struct {
	Name              string `json:"name"`
	RequiresAck       *bool  `json:"requiresAck,omitempty"`
	AckTimeoutMinutes int    `json:"ackTimeoutMinutes,omitempty"`
	MaxRetries        *int   `json:"maxRetries,omitempty"`
}

func (spec *GroupSpec) registration() *topic.GroupRegistration {
	g := topic.DefaultGroup(spec.Name)
	if spec.RequiresAck != nil {
		g.RequiresAck = *spec.RequiresAck
	}
	if spec.AckTimeoutMinutes > 0 {
		g.AckTimeoutMinutes = spec.AckTimeoutMinutes
	}
	if spec.MaxRetries != nil {
		g.MaxRetries = *spec.MaxRetries
	}
	return g
}

// RegisterTopicRequest is the topic registration body. The topic and
// its consumer groups are registered in one transaction.
type RegisterTopicRequest struct {
	Name           string      `json:"name"`
	Description    string      `json:"description,omitempty"`
	ConsumerGroups []GroupSpec `json:"consumerGroups,omitempty"`
}

// TopicHandler handles topic and consumer group registration
type TopicHandler struct {
	registry *topic.Registry
}

// NewTopicHandler creates a topic handler
func NewTopicHandler(registry *topic.Registry) *TopicHandler {
	return &TopicHandler{registry: registry}
}

// Routes returns the router for topic endpoints
func (h *TopicHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Register)
	r.Get("/subscriptions", h.Subscriptions)
	r.Get("/groups/{group}", h.TopicsForGroup)
	r.Get("/{topic}/groups", h.GroupsForTopic)
	r.Post("/{topic}/groups", h.AddGroup)
	r.Delete("/{topic}", h.Deactivate)
	r.Delete("/{topic}/groups/{group}", h.DeactivateGroup)

	return r
}

// List handles GET /api/topics
func (h *TopicHandler) List(w http.ResponseWriter, r *http.Request) {
	topics, err := h.registry.ListTopics(r.Context())
	if err != nil {
		WriteInternalError(w, err.Error())
		return
	}
	if topics == nil {
		topics = []*topic.Topic{}
	}
	WriteJSON(w, http.StatusOK, topics)
}

// Register handles POST /api/topics. Registering a name that already
// exists is a conflict; nothing is partially created.
func (h *TopicHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterTopicRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	groups := make([]*topic.GroupRegistration, 0, len(req.ConsumerGroups))
	for i := range req.ConsumerGroups {
		groups = append(groups, req.ConsumerGroups[i].registration())
	}

	created, err := h.registry.RegisterTopic(r.Context(), req.Name, req.Description, groups)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusCreated, created)
	case errors.Is(err, topic.ErrTopicExists):
		WriteConflict(w, err.Error())
	default:
		WriteBadRequest(w, err.Error())
	}
}

// AddGroup handles POST /api/topics/{topic}/groups
func (h *TopicHandler) AddGroup(w http.ResponseWriter, r *http.Request) {
	var spec GroupSpec
	if err := DecodeJSON(r, &spec); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	topicName := chi.URLParam(r, "topic")
	err := h.registry.AddGroup(r.Context(), topicName, spec.registration())
	switch {
	case err == nil:
		WriteJSON(w, http.StatusCreated, map[string]string{
			"topic": topicName,
			"group": spec.Name,
		})
	case errors.Is(err, topic.ErrGroupExists):
		WriteConflict(w, err.Error())
	case errors.Is(err, topic.ErrNotFound):
		WriteNotFound(w, err.Error())
	default:
		WriteBadRequest(w, err.Error())
	}
}

// Deactivate handles DELETE /api/topics/{topic}. The topic stops
// accepting messages but its registration and records are retained.
func (h *TopicHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	err := h.registry.DeactivateTopic(r.Context(), chi.URLParam(r, "topic"))
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
	case errors.Is(err, topic.ErrNotFound):
		WriteNotFound(w, err.Error())
	default:
		WriteInternalError(w, err.Error())
	}
}

// DeactivateGroup handles DELETE /api/topics/{topic}/groups/{group}
func (h *TopicHandler) DeactivateGroup(w http.ResponseWriter, r *http.Request) {
	err := h.registry.DeactivateGroup(r.Context(), chi.URLParam(r, "topic"), chi.URLParam(r, "group"))
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
	case errors.Is(err, topic.ErrNotFound):
		WriteNotFound(w, err.Error())
	default:
		WriteInternalError(w, err.Error())
	}
}

// Subscriptions handles GET /api/topics/subscriptions. Returns every
// active group registration across all topics.
func (h *TopicHandler) Subscriptions(w http.ResponseWriter, r *http.Request) {
	groups, err := h.registry.ListGroups(r.Context(), false)
	if err != nil {
		WriteInternalError(w, err.Error())
		return
	}
	if groups == nil {
		groups = []*topic.GroupRegistration{}
	}
	WriteJSON(w, http.StatusOK, groups)
}

// GroupsForTopic handles GET /api/topics/{topic}/groups?includeInactive=true
func (h *TopicHandler) GroupsForTopic(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("includeInactive") == "true"
	groups, err := h.registry.GroupsForTopic(r.Context(), chi.URLParam(r, "topic"), includeInactive)
	if err != nil {
		WriteInternalError(w, err.Error())
		return
	}
	if groups == nil {
		groups = []*topic.GroupRegistration{}
	}
	WriteJSON(w, http.StatusOK, groups)
}

// TopicsForGroup handles GET /api/topics/groups/{group}
func (h *TopicHandler) TopicsForGroup(w http.ResponseWriter, r *http.Request) {
	topics, err := h.registry.TopicsForGroup(r.Context(), chi.URLParam(r, "group"))
	if err != nil {
		WriteInternalError(w, err.Error())
		return
	}
	if topics == nil {
		topics = []string{}
	}
	WriteJSON(w, http.StatusOK, topics)
}
