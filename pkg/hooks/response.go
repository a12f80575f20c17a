// Package hooks implements the agent hook protocol for engram-context.
package hooks

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"

	"github.com/thebtf/engram-context/internal/privacy"
)

// Hook event names.
const (
	EventPostToolUse      = "PostToolUse"
	EventUserPromptSubmit = "UserPromptSubmit"
	EventSessionEnd       = "SessionEnd"
)

// Exit codes for agent hooks.
const (
	ExitSuccess         = 0
	ExitFailure         = 1
	ExitUserMessageOnly = 3 // Display stderr as user message
)

// InternalEnv, when set to "1", makes every hook a no-op. Tools spawned by
// the engine itself set it so their activity is not captured.
const InternalEnv = "ENGRAM_INTERNAL"

// HookResponse is the response sent back to the agent.
type HookResponse struct {
	Continue           bool                `json:"continue"`
	HookSpecificOutput *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// HookSpecificOutput carries context injected into the conversation.
type HookSpecificOutput struct {
	HookEventName     string `json:"hookEventName"`
	AdditionalContext string `json:"additionalContext"`
}

// BaseInput contains common fields shared by all hook inputs.
type BaseInput struct {
	SessionID      string `json:"session_id"`
	CWD            string `json:"cwd"`
	PermissionMode string `json:"permission_mode"`
	HookEventName  string `json:"hook_event_name"`
}

// PostToolUseInput is the payload of a PostToolUse hook.
type PostToolUseInput struct {
	BaseInput
	ToolName     string         `json:"tool_name"`
	ToolInput    map[string]any `json:"tool_input"`
	ToolResponse any            `json:"tool_response"`
}

// UserPromptSubmitInput is the payload of a UserPromptSubmit hook.
type UserPromptSubmitInput struct {
	BaseInput
	Prompt string `json:"prompt"`
}

// SessionEndInput is the payload of a SessionEnd hook.
type SessionEndInput struct {
	BaseInput
	Reason string `json:"reason"`
}

// HookHandler handles one parsed hook input and returns the context to inject,
// if any.
type HookHandler[T any] func(input *T) (additionalContext string, err error)

// Run executes a hook: it reads the payload from stdin, runs handler and writes
// the response to stdout. It returns the process exit code. Handler errors are
// reported on stderr but never block the agent.
func Run[T any](hookName string, stdin io.Reader, stdout, stderr io.Writer, handler HookHandler[T]) int {
	if os.Getenv(InternalEnv) == "1" {
		writeResponse(stdout, HookResponse{Continue: true})
		return ExitSuccess
	}

	data, err := io.ReadAll(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "[%s] Error: %v\n", hookName, err)
		writeResponse(stdout, HookResponse{Continue: true})
		return ExitFailure
	}

	var input T
	if err := json.Unmarshal(data, &input); err != nil {
		fmt.Fprintf(stderr, "[%s] Error: %v\n", hookName, err)
		writeResponse(stdout, HookResponse{Continue: true})
		return ExitFailure
	}

	additional, err := handler(&input)
	if err != nil {
		fmt.Fprintf(stderr, "[%s] Error: %v\n", hookName, err)
	}

	resp := HookResponse{Continue: true}
	if wrapped := privacy.WrapContext(additional); wrapped != "" {
		resp.HookSpecificOutput = &HookSpecificOutput{HookEventName: hookName, AdditionalContext: wrapped}
	}
	writeResponse(stdout, resp)
	return ExitSuccess
}

// RunHook runs a hook on the process streams and exits.
func RunHook[T any](hookName string, handler HookHandler[T]) {
	os.Exit(Run(hookName, os.Stdin, os.Stdout, os.Stderr, handler))
}

func writeResponse(w io.Writer, resp HookResponse) {
	data, _ := json.Marshal(resp)
	fmt.Fprintln(w, string(data))
}
