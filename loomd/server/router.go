package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.MiddlewareLogger)
	r.Get("/version", s.HandlerVersion)
	r.Post("/shutdown", s.HandlerShutdown)
	r.Post("/runs", s.HandlerCreateRun)
	r.Get("/runs/{id}", s.HandlerRunStatus)
	r.Post("/runs/{id}/pause", s.HandlerPauseRun)
	r.Post("/runs/{id}/resume", s.HandlerResumeRun)
	r.Post("/runs/{id}/stop", s.HandlerStopRun)
	r.Post("/runs/{id}/decision", s.HandlerDecision)
	r.Get("/runs/{id}/events", s.HandlerEvents)
	r.Get("/sessions/resumable", s.HandlerResumable)
	return r
}
