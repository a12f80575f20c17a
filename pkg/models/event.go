// Package models contains domain models for engram-context.
package models

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ToolEvent is one completed tool invocation reported by the agent.
type ToolEvent struct {
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input,omitempty"`
	Response  any            `json:"response,omitempty"`
	Success   *bool          `json:"success,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// responseTextKeys are probed, in order, when a tool response is structured.
var responseTextKeys = []string{"stdout", "stderr", "output", "error", "content", "result", "message"}

// ResponseText flattens the tool response into text.
// Structured responses contribute their well-known text fields; anything else is
// encoded as JSON with sorted keys so the result is deterministic.
func (e *ToolEvent) ResponseText() string {
	switch v := e.Response.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case map[string]any:
		var parts []string
		for _, key := range responseTextKeys {
			if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
		return encodeResponse(v)
	default:
		return encodeResponse(v)
	}
}

// ReportedSuccess returns the explicit success flag of the event. When the event
// carries none, a boolean "is_error" or "success" field of a structured response
// stands in for it.
func (e *ToolEvent) ReportedSuccess() (bool, bool) {
	if e.Success != nil {
		return *e.Success, true
	}
	m, ok := e.Response.(map[string]any)
	if !ok {
		return false, false
	}
	if b, ok := m["is_error"].(bool); ok {
		return !b, true
	}
	if b, ok := m["success"].(bool); ok {
		return b, true
	}
	return false, false
}

func encodeResponse(v any) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" || string(data) == "{}" {
		return ""
	}
	return string(data)
}

// Bool returns a pointer to b, for building events with an explicit success flag.
func Bool(b bool) *bool {
	return &b
}
