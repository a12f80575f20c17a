package hooks

import (
	"context"
	"strings"
	"time"

	"github.com/thebtf/engram-context/internal/engine"
	"github.com/thebtf/engram-context/internal/worker"
	"github.com/thebtf/engram-context/pkg/models"
)

// Backend is what a hook talks to: a running worker or an in-process engine.
type Backend interface {
	Observe(ctx context.Context, req worker.EventRequest) (engine.Event, error)
	Search(ctx context.Context, q models.RelevanceQuery) (worker.SearchResponse, error)
	EndSession(ctx context.Context, sessionID string) error
}

// Local serves hooks from an engine in this process.
type Local struct {
	Engine *engine.Engine
}

// Observe implements Backend.
func (l Local) Observe(ctx context.Context, req worker.EventRequest) (engine.Event, error) {
	return l.Engine.Observe(ctx, req.ToolEvent(time.Now())), nil
}

// Search implements Backend.
func (l Local) Search(ctx context.Context, q models.RelevanceQuery) (worker.SearchResponse, error) {
	results, assembled := l.Engine.Lookup(ctx, q)
	return worker.SearchResponse{Context: assembled, Results: results}, nil
}

// EndSession implements Backend.
func (l Local) EndSession(ctx context.Context, sessionID string) error {
	l.Engine.EndSession(ctx, sessionID)
	return nil
}

// PostToolUse reports the tool event and returns the advisories due for it.
func PostToolUse(ctx context.Context, b Backend) HookHandler[PostToolUseInput] {
	return func(in *PostToolUseInput) (string, error) {
		ev, err := b.Observe(ctx, worker.EventRequest{
			ToolName:     in.ToolName,
			ToolInput:    in.ToolInput,
			ToolResponse: in.ToolResponse,
			SessionID:    in.SessionID,
		})
		if err != nil {
			return "", err
		}
		msgs := make([]string, 0, len(ev.Advisories))
		for _, a := range ev.Advisories {
			msgs = append(msgs, a.Message)
		}
		return strings.Join(msgs, "\n"), nil
	}
}

// UserPromptSubmit returns past context relevant to the submitted prompt.
func UserPromptSubmit(ctx context.Context, b Backend) HookHandler[UserPromptSubmitInput] {
	return func(in *UserPromptSubmitInput) (string, error) {
		if strings.TrimSpace(in.Prompt) == "" {
			return "", nil
		}
		resp, err := b.Search(ctx, models.RelevanceQuery{Prompt: in.Prompt})
		if err != nil {
			return "", err
		}
		if len(resp.Context) == 0 {
			return "", nil
		}
		return "Relevant past tool executions:\n\n" + strings.Join(resp.Context, "\n\n---\n\n"), nil
	}
}

// SessionEnd discards the warning state of the ending session.
func SessionEnd(ctx context.Context, b Backend) HookHandler[SessionEndInput] {
	return func(in *SessionEndInput) (string, error) {
		if in.SessionID == "" {
			return "", nil
		}
		return "", b.EndSession(ctx, in.SessionID)
	}
}
