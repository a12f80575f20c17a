package worker

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/engram-context/pkg/models"
)

// maxBodyBytes caps request bodies; tool responses can be large.
const maxBodyBytes = 8 << 20

// EventRequest is the body of POST /api/events. Field names follow the hook
// payload so hooks can forward it unchanged.
type EventRequest struct {
	ToolName     string         `json:"tool_name"`
	ToolInput    map[string]any `json:"tool_input,omitempty"`
	ToolResponse any            `json:"tool_response,omitempty"`
	Success      *bool          `json:"success,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
}

// ToolEvent converts the request into a tool event stamped with now.
func (r EventRequest) ToolEvent(now time.Time) models.ToolEvent {
	return models.ToolEvent{
		Tool:      r.ToolName,
		Input:     r.ToolInput,
		Response:  r.ToolResponse,
		Success:   r.Success,
		SessionID: r.SessionID,
		Timestamp: now,
	}
}

// SearchResponse is the body returned by POST /api/context/search.
type SearchResponse struct {
	Context []string              `json:"context"`
	Results []models.ScoredRecord `json:"results"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "service not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Service) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Service) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ToolName) == "" {
		writeError(w, http.StatusBadRequest, "tool_name is required")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Observe(r.Context(), req.ToolEvent(time.Now())))
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	var q models.RelevanceQuery
	if !decodeBody(w, r, &q) {
		return
	}
	results, assembled := s.engine.Lookup(r.Context(), q)
	writeJSON(w, http.StatusOK, SearchResponse{Context: assembled, Results: results})
}

func (s *Service) handleShouldShow(w http.ResponseWriter, r *http.Request) {
	show := s.engine.ShouldShowWarning(r.Context(), chi.URLParam(r, "session"), chi.URLParam(r, "type"))
	writeJSON(w, http.StatusOK, map[string]bool{"show": show})
}

func (s *Service) handleRecordShown(w http.ResponseWriter, r *http.Request) {
	s.engine.RecordShown(r.Context(), chi.URLParam(r, "session"), chi.URLParam(r, "type"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleTryShow(w http.ResponseWriter, r *http.Request) {
	show := s.engine.TryShow(r.Context(), chi.URLParam(r, "session"), chi.URLParam(r, "type"))
	writeJSON(w, http.StatusOK, map[string]bool{"show": show})
}

func (s *Service) handleEndSession(w http.ResponseWriter, r *http.Request) {
	s.engine.EndSession(r.Context(), chi.URLParam(r, "session"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleEvict(w http.ResponseWriter, r *http.Request) {
	days := s.engine.Config().MaxContextAgeDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}
	removed, err := s.engine.EvictOlderThan(r.Context(), days)
	if err != nil {
		log.Warn().Err(err).Int("days", days).Msg("Eviction request failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats(r.Context()))
}
