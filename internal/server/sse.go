package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jonathan/agent-orchestrator/internal/notify"
)

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComment sends a comment line, used as a keep-alive.
func (s *SSEWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteError sends an error event
func (s *SSEWriter) WriteError(message string) {
	s.WriteEvent("error", map[string]string{"error": message}) //nolint:errcheck
}

// eventFilter selects the events a subscriber asked for.
type eventFilter struct {
	jobID  uuid.UUID
	taskID uuid.UUID
}

func (f eventFilter) match(e notify.Event) bool {
	if f.jobID != uuid.Nil && e.JobID != f.jobID {
		return false
	}
	if f.taskID != uuid.Nil && e.TaskID != f.taskID {
		return false
	}
	return true
}

func parseFilter(r *http.Request) (eventFilter, error) {
	var f eventFilter
	for key, dst := range map[string]*uuid.UUID{"job_id": &f.jobID, "task_id": &f.taskID} {
		raw := r.URL.Query().Get(key)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = id
	}
	return f, nil
}

// handleEvents streams status events. Each subscriber is throttled to
// EventsPerSecond; while it waits its bus buffer fills and the bus drops the excess.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	events, unsubscribe := s.bus.Subscribe(s.cfg.EventBuffer)
	defer unsubscribe()
	limiter := rate.NewLimiter(rate.Limit(s.cfg.EventsPerSecond), s.cfg.EventsPerSecond)
	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	log := s.log.With().Str("remote", r.RemoteAddr).Logger()
	log.Debug().Str("job_id", filter.jobID.String()).Msg("event stream opened")
	if err := sse.WriteComment("connected"); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("event stream closed")
			return
		case <-keepAlive.C:
			if err := sse.WriteComment("keep-alive"); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if !filter.match(e) {
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			if err := sse.WriteEvent(e.Type, e); err != nil {
				log.Debug().Err(err).Msg("event stream write failed")
				return
			}
		}
	}
}
