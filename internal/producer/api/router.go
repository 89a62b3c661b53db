package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"go.relaymesh.tech/internal/common/health"
	"go.relaymesh.tech/internal/common/metrics"
)

// RouterConfig holds what the producer router needs
type RouterConfig struct {
	Messages    *MessageHandler
	Topics      *TopicHandler
	Agents      *AgentHandler
	Checker     *health.Checker
	CORSOrigins []string
}

// NewRouter assembles the producer HTTP API
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Mount("/api/messages", cfg.Messages.Routes())
	r.Mount("/api/topics", cfg.Topics.Routes())
	r.Mount("/api/agents", cfg.Agents.Routes())

	r.Handle("/metrics", metrics.Handler())
	r.Get("/q/health", cfg.Checker.Handler())
	r.Get("/q/health/live", cfg.Checker.LiveHandler())
	r.Get("/q/health/ready", cfg.Checker.ReadyHandler())

	return r
}
