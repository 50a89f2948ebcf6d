package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/scrypster/anchorflow/internal/pipeline"
	"github.com/scrypster/anchorflow/pkg/types"
)

const maxBodyBytes = 4 << 20

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SubmitResult reports the outcome for one submitted event.
type SubmitResult struct {
	EventID         string `json:"event_id"`
	PipelineEventID string `json:"pipeline_event_id,omitempty"`
	Error           string `json:"error,omitempty"`
}

// SubmitResponse is the reply to POST /api/events.
type SubmitResponse struct {
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Results  []SubmitResult `json:"results"`
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: http.StatusText(statusCode)}
	if err != nil {
		resp.Details = map[string]interface{}{"error": err.Error()}
	}
	respondJSON(w, statusCode, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.pipeline.Health()
	code := http.StatusOK
	if h.Status == pipeline.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, h)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pipeline.Status())
}

func (s *Server) handleEngine(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pipeline.Engine().Status())
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pipeline.Engine().Thresholds().PerformanceSummary())
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.pipeline.PipelineEvent(id)
	if !ok {
		respondError(w, http.StatusNotFound, "pipeline event not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// handleSubmitEvents accepts one event object or an array of them.
func (s *Server) handleSubmitEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "request body too large", err)
		return
	}
	events, err := decodeEvents(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event payload", err)
		return
	}
	if len(events) == 0 {
		respondError(w, http.StatusBadRequest, "no events in request", nil)
		return
	}
	if len(events) > s.cfg.MaxBatch {
		respondError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d events exceeds limit %d", len(events), s.cfg.MaxBatch), nil)
		return
	}

	resp := SubmitResponse{Results: make([]SubmitResult, 0, len(events))}
	var notRunning bool
	for _, e := range events {
		res := SubmitResult{EventID: e.ID}
		id, err := s.pipeline.Submit(e)
		if err != nil {
			res.Error = err.Error()
			resp.Rejected++
			notRunning = notRunning || errors.Is(err, pipeline.ErrNotStarted)
		} else {
			res.PipelineEventID = id
			resp.Accepted++
		}
		resp.Results = append(resp.Results, res)
	}

	code := http.StatusAccepted
	switch {
	case resp.Accepted == 0 && notRunning:
		code = http.StatusServiceUnavailable
	case resp.Accepted == 0:
		code = http.StatusUnprocessableEntity
	}
	respondJSON(w, code, resp)
}

// decodeEvents parses a JSON object or array. Events are rebuilt through
// types.NewEvent so missing ids are generated.
func decodeEvents(body []byte) ([]*types.Event, error) {
	trimmed := strings.TrimSpace(string(body))
	var raw []types.Event
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, err
		}
	} else {
		var one types.Event
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, err
		}
		raw = []types.Event{one}
	}
	out := make([]*types.Event, 0, len(raw))
	for _, e := range raw {
		out = append(out, types.NewEvent(e.ID, e.Timestamp, e.Type, e.StreamID, e.Content, e.Context, e.Tags))
	}
	return out, nil
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var fb types.CorrelationFeedback
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&fb); err != nil {
		respondError(w, http.StatusBadRequest, "invalid feedback payload", err)
		return
	}
	if err := s.validate.Struct(fb); err != nil {
		respondError(w, http.StatusBadRequest, "invalid feedback", err)
		return
	}
	if err := s.pipeline.Engine().AddFeedback(fb); err != nil {
		s.logger.Warn("feedback rejected", zap.String("correlation_id", fb.CorrelationID), zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "feedback not accepted", err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleFlushLearning(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pipeline.Engine().ForceLearningUpdate())
}
