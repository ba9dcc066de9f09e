package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	z "github.com/Oudwins/zog"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loomworks/loom/internals/engine"
	"github.com/loomworks/loom/internals/registry"
	"github.com/loomworks/loom/internals/scheduler"
	"github.com/loomworks/loom/internals/schemas"
)

func (s *Server) HandlerCreateRun(w http.ResponseWriter, r *http.Request) {
	var request schemas.RunCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		RenderJSON(w, r, JsonResponseError(JsonResponseErrorCodeInvalidJson, "Invalid JSON", nil), Render.Status(http.StatusBadRequest))
		return
	}

	if issues := schemas.RunCreateSchema.Validate(&request); len(issues) > 0 {
		payload := JsonResponseError(JsonResponseErrorCodeValidationFailed, "Schema validation failed", z.Issues.Flatten(issues))
		RenderJSON(w, r, payload, Render.Status(http.StatusBadRequest))
		return
	}

	if request.SessionID == "" {
		request.SessionID = uuid.NewString()
	}

	cfg := s.engineConfig(request.Options)

	var completed []scheduler.CompletedWork
	if request.Resume {
		prior, err := s.Base.Store.CompletedWork(r.Context(), request.SessionID)
		if err != nil {
			RenderJSON(w, r, JsonResponseError(JsonResponseErroCodeInternal, "Failed to load prior work", nil), Render.Status(http.StatusInternalServerError))
			return
		}
		completed = prior
	}

	if err := s.Base.Store.CreateSession(r.Context(), request.SessionID, request.Title); err != nil {
		RenderJSON(w, r, JsonResponseError(JsonResponseErroCodeInternal, "Failed to create session", nil), Render.Status(http.StatusInternalServerError))
		return
	}

	sched := scheduler.New(s.Base.Catalog, s.Base.Logger)
	eng := engine.New(request.SessionID, cfg, engine.Deps{
		Scheduler: sched,
		Generator: s.Generator,
		Judge:     s.Judge,
		Memory:    s.Base.Memory.ForSession(request.SessionID),
		Store:     s.Base.Store,
		Events:    s.Base.Bus,
		Logger:    s.Base.Logger,
		Completed: completed,
	})

	if err := s.Base.Registry.Register(r.Context(), eng); err != nil {
		if errors.Is(err, registry.ErrSessionExists) {
			RenderJSON(w, r, JsonResponseError(JsonResponseErrorCodeConflict, "Session already running", nil), Render.Status(http.StatusConflict))
			return
		}
		RenderJSON(w, r, JsonResponseError(JsonResponseErroCodeInternal, "Failed to register session", nil), Render.Status(http.StatusInternalServerError))
		return
	}

	goal := scheduler.Goal{Title: request.Title, Brief: request.Brief, Params: request.Params}
	go eng.Run(context.Background(), goal, request.Units)

	RenderJSON(w, r, schemas.RunCreateResponse{
		SessionID: request.SessionID,
		Status:    string(eng.Status()),
	}, Render.Status(http.StatusAccepted))
}

func (s *Server) HandlerRunStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	if eng := s.Base.Registry.Get(sessionID); eng != nil {
		progress := eng.Progress()
		response := schemas.RunStatusResponse{
			SessionID: sessionID,
			Status:    string(eng.Status()),
			Stats:     eng.Stats(),
			Progress:  &progress,
		}
		if result := eng.Result(); result != nil {
			response.Error = result.Err
			response.Results = result.Results
		}
		RenderJSON(w, r, response)
		return
	}

	// Swept or never-live engines still answer from the persisted snapshot.
	snap, err := s.Base.Store.LoadEngineSnapshot(r.Context(), sessionID)
	if err != nil {
		RenderJSON(w, r, JsonResponseError(JsonResponseErroCodeInternal, "Failed to read session status", nil), Render.Status(http.StatusInternalServerError))
		return
	}
	if snap == nil {
		RenderJSON(w, r, JsonResponseError(JsonResponseErrorCodeNotFound, "session not found", nil), Render.Status(http.StatusNotFound))
		return
	}
	RenderJSON(w, r, schemas.RunStatusResponse{
		SessionID: snap.SessionID,
		Status:    snap.Status,
		Stats:     snap.Stats,
	})
}

func (s *Server) HandlerPauseRun(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, s.Base.Registry.Pause, "pause")
}

func (s *Server) HandlerResumeRun(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, s.Base.Registry.Resume, "resume")
}

func (s *Server) HandlerStopRun(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, s.Base.Registry.Stop, "stop")
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request, action func(string) bool, name string) {
	sessionID := chi.URLParam(r, "id")
	if s.Base.Registry.Get(sessionID) == nil {
		RenderJSON(w, r, JsonResponseError(JsonResponseErrorCodeNotFound, "session not found", nil), Render.Status(http.StatusNotFound))
		return
	}
	if !action(sessionID) {
		RenderJSON(w, r, JsonResponseError(JsonResponseErrorCodeConflict, "cannot "+name+" in current state", nil), Render.Status(http.StatusConflict))
		return
	}
	RenderJSON(w, r, map[string]string{"session_id": sessionID, "action": name})
}

func (s *Server) HandlerDecision(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	eng := s.Base.Registry.Get(sessionID)
	if eng == nil {
		RenderJSON(w, r, JsonResponseError(JsonResponseErrorCodeNotFound, "session not found", nil), Render.Status(http.StatusNotFound))
		return
	}

	var request schemas.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		RenderJSON(w, r, JsonResponseError(JsonResponseErrorCodeInvalidJson, "Invalid JSON", nil), Render.Status(http.StatusBadRequest))
		return
	}
	if issues := schemas.DecisionSchema.Validate(&request); len(issues) > 0 {
		payload := JsonResponseError(JsonResponseErrorCodeValidationFailed, "Schema validation failed", z.Issues.Flatten(issues))
		RenderJSON(w, r, payload, Render.Status(http.StatusBadRequest))
		return
	}

	err := eng.SubmitDecision(engine.Decision{
		Action:    engine.DecisionAction(request.Action),
		Feedback:  request.Feedback,
		Selection: request.Selection,
	})
	if err != nil {
		if errors.Is(err, engine.ErrNoPendingDecision) {
			RenderJSON(w, r, JsonResponseError(JsonResponseErrorCodeConflict, "no approval pending", nil), Render.Status(http.StatusConflict))
			return
		}
		RenderJSON(w, r, JsonResponseError(JsonResponseErrorCodeValidationFailed, err.Error(), nil), Render.Status(http.StatusBadRequest))
		return
	}

	RenderJSON(w, r, schemas.DecisionResponse{SessionID: sessionID, Accepted: true})
}

func (s *Server) HandlerEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	events := s.Base.Bus.DrainSession(sessionID)
	RenderJSON(w, r, map[string]any{
		"session_id": sessionID,
		"events":     events,
	})
}

func (s *Server) HandlerResumable(w http.ResponseWriter, r *http.Request) {
	RenderJSON(w, r, map[string]any{
		"sessions": s.Base.Recovered,
	})
}

// engineConfig layers per-run option overrides on top of the daemon config.
func (s *Server) engineConfig(opts *schemas.RunOpts) engine.Config {
	cfg := engine.Config{
		MaxRetries:       s.Base.Config.Engine.MaxRetries,
		ApprovalRequired: s.Base.Config.Engine.ApprovalRequired,
		ContinueOnError:  s.Base.Config.Engine.ContinueOnError,
		PollInterval:     s.Base.Config.PollInterval(),
		BaseTemperature:  s.Base.Config.Generator.Temperature,
		MemoryTopK:       s.Base.Config.Memory.TopK,
	}
	if opts == nil {
		return cfg
	}
	if opts.MaxRetries != nil {
		cfg.MaxRetries = *opts.MaxRetries
	}
	if opts.ApprovalRequired != nil {
		cfg.ApprovalRequired = *opts.ApprovalRequired
	}
	if opts.ContinueOnError != nil {
		cfg.ContinueOnError = *opts.ContinueOnError
	}
	return cfg
}
