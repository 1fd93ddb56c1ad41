package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/agent-orchestrator/internal/queue"
	"github.com/jonathan/agent-orchestrator/internal/types"
	"github.com/jonathan/agent-orchestrator/internal/worker"
)

const maxBodyBytes = 1 << 20

// StartRequest is the body of POST /v1/tasks/{id}/start.
type StartRequest struct {
	Actor string `json:"actor,omitempty"`
}

// ClaimRequest is the body of POST /v1/queue/claim.
type ClaimRequest struct {
	AgentTypes        []string `json:"agent_types,omitempty"`
	VisibilitySeconds int      `json:"visibility_seconds,omitempty"`
}

// ClaimResponse carries the claimed message, or nothing when the queue is empty.
type ClaimResponse struct {
	Message *queue.Message `json:"message"`
}

// decodeJSON reads an optional JSON body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &types.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

// pathTaskID parses the {id} path segment as a task id.
func pathTaskID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, &types.ValidationError{Field: "id", Message: "invalid task id"}
	}
	return id, nil
}

// handleStart moves a queued task to RUNNING.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	var req StartRequest
	if err := decodeJSON(r, &req); err != nil {
		s.serviceError(w, err)
		return
	}

	task, err := s.worker.Start(r.Context(), id, req.Actor)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

// handleComplete records a successful task completion.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	var req worker.CompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.serviceError(w, err)
		return
	}

	out, err := s.worker.Complete(r.Context(), id, req)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, out)
}

// handleFail records a task failure reported by its agent.
func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	var req worker.FailRequest
	if err := decodeJSON(r, &req); err != nil {
		s.serviceError(w, err)
		return
	}

	task, err := s.worker.Fail(r.Context(), id, req)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

// handleClaim hands the next visible envelope to a pulling agent.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		s.serviceError(w, err)
		return
	}
	if req.VisibilitySeconds < 0 {
		s.serviceError(w, &types.ValidationError{Field: "visibility_seconds", Message: "must not be negative"})
		return
	}
	visibility := queue.DefaultVisibility
	if req.VisibilitySeconds > 0 {
		visibility = time.Duration(req.VisibilitySeconds) * time.Second
	}

	msg, err := s.worker.Next(r.Context(), req.AgentTypes, visibility)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ClaimResponse{Message: msg})
}

// handleAck removes a delivered message.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.serviceError(w, &types.ValidationError{Field: "id", Message: "invalid message id"})
		return
	}
	if err := s.worker.Ack(r.Context(), id); err != nil {
		s.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
