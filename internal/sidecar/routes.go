package sidecar

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)

	r.Route("/chat", func(r chi.Router) {
		r.Post("/send-message", s.sendMessage)
		r.Post("/stop-response", s.stopResponse)
		r.Post("/load-session", s.loadSessionHandler)
		r.Post("/reset-session", s.resetSessionHandler)
		r.Post("/respond-permission", s.respondPermission)
		r.Post("/respond-question", s.respondQuestion)
		r.Get("/state", s.state)

		// Event streaming
		r.Get("/events", s.events)
		r.Get("/ws", s.wsEvents)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
	})

	r.Route("/cron", func(r chi.Router) {
		r.Post("/{taskID}/run", s.runCronTask)
	})
}
