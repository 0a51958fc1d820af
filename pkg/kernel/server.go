// Package kernel exposes the orchestration control protocol over HTTP:
// request/response for every control message, plus a push-only SSE stream
// carrying full job snapshots to the originating client.
package kernel

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mlett/crossport/internal/config"
	"github.com/mlett/crossport/internal/core/domain"
	"github.com/mlett/crossport/internal/core/services"
)

type Server struct {
	logger   *slog.Logger
	orch     *services.Orchestrator
	eventBus *services.EventBus
	channels []config.ChannelConfig
}

func NewServer(logger *slog.Logger, orch *services.Orchestrator, eventBus *services.EventBus, channels []config.ChannelConfig) *Server {
	return &Server{
		logger:   logger,
		orch:     orch,
		eventBus: eventBus,
		channels: channels,
	}
}

// Handler mounts the control protocol. Request bodies pass through the
// OpenAPI validation middleware before reaching a handler; the SSE stream
// bypasses it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/jobs", s.handleStartJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{jobId}", s.handleGetJob)
	mux.HandleFunc("POST /v1/jobs/{jobId}/stop", s.handleStop)
	mux.HandleFunc("POST /v1/jobs/{jobId}/channels/{channelId}/update", s.handleChannelUpdate)
	mux.HandleFunc("POST /v1/jobs/{jobId}/channels/{channelId}/retry", s.handleRetry)
	mux.HandleFunc("POST /v1/jobs/{jobId}/channels/{channelId}/continue", s.handleContinue)
	mux.HandleFunc("GET /v1/workers/{handle}/context", s.handleGetContext)
	mux.HandleFunc("GET /v1/channels", s.handleListChannels)
	mux.HandleFunc("GET /v1/clients/{clientId}/events", s.handleClientSSE)

	validator, err := newRequestValidator()
	if err != nil {
		// The document is embedded; failing to parse it is a build defect.
		panic(err)
	}
	return validator.middleware(mux)
}

// handleStartJob creates a job and returns its ID immediately; worker
// spawning completes asynchronously and surfaces via the client's SSE stream.
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.orch.StartJob(r.Context(), req.Action, req.FocusChannel, req.Channels, req.Article, req.ClientID)
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(startJobResponse{Success: true, JobID: job.ID})
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	handle := domain.WorkerHandle(r.PathValue("handle"))

	job, channel, err := s.orch.GetContext(r.Context(), handle)
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(contextResponse{Success: true, Job: job, Channel: channel})
}

func (s *Server) handleChannelUpdate(w http.ResponseWriter, r *http.Request) {
	jobID := domain.JobID(r.PathValue("jobId"))
	channel := domain.ChannelID(r.PathValue("channelId"))
	handle := domain.WorkerHandle(r.Header.Get(WorkerHeader))

	var patch domain.ChannelPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.orch.ChannelUpdate(r.Context(), jobID, channel, handle, patch); err != nil {
		s.writeErrorFor(w, err)
		return
	}
	s.writeAck(w)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	jobID := domain.JobID(r.PathValue("jobId"))
	if err := s.orch.RequestStop(r.Context(), jobID); err != nil {
		s.writeErrorFor(w, err)
		return
	}
	s.writeAck(w)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	jobID := domain.JobID(r.PathValue("jobId"))
	channel := domain.ChannelID(r.PathValue("channelId"))
	if err := s.orch.RequestRetry(r.Context(), jobID, channel); err != nil {
		s.writeErrorFor(w, err)
		return
	}
	s.writeAck(w)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	jobID := domain.JobID(r.PathValue("jobId"))
	channel := domain.ChannelID(r.PathValue("channelId"))
	if err := s.orch.RequestContinue(r.Context(), jobID, channel); err != nil {
		s.writeErrorFor(w, err)
		return
	}
	s.writeAck(w)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := domain.JobID(r.PathValue("jobId"))
	snap, err := s.orch.Snapshot(r.Context(), jobID)
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.orch.Jobs(r.Context())
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	entries := make([]channelEntry, 0, len(s.channels))
	for _, ch := range s.channels {
		entries = append(entries, channelEntry{ID: ch.ID, EntryURL: ch.EntryURL})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"channels": entries,
		"count":    len(entries),
	})
}

func (s *Server) writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ackResponse{Success: true})
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Success: false, Error: msg})
}

// writeErrorFor maps domain errors onto the protocol's status codes.
func (s *Server) writeErrorFor(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrChannelNotFound),
		errors.Is(err, domain.ErrWorkerNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrJobStopped):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
