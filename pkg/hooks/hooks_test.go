package hooks

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/engram-context/internal/config"
	"github.com/thebtf/engram-context/internal/engine"
	"github.com/thebtf/engram-context/internal/worker"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg := config.Default()
	cfg.DBBackend = config.BackendMemory
	cfg.DBPath = "unused"
	e, err := engine.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

const rmPayload = `{
	"session_id": "s1",
	"cwd": "/work",
	"hook_event_name": "PostToolUse",
	"tool_name": "Bash",
	"tool_input": {"command": "rm missing.txt"},
	"tool_response": {"stdout": "", "stderr": "rm: missing.txt: No such file or directory", "is_error": true}
}`

// HookSuite runs every hook against both backends.
type HookSuite struct {
	suite.Suite
	ctx     context.Context
	backend func(e *engine.Engine) Backend
}

func TestHooksLocal(t *testing.T) {
	suite.Run(t, &HookSuite{backend: func(e *engine.Engine) Backend { return Local{Engine: e} }})
}

func TestHooksOverWorker(t *testing.T) {
	suite.Run(t, &HookSuite{backend: func(e *engine.Engine) Backend {
		svc := worker.NewService("test", e)
		svc.SetReady(true)
		srv := httptest.NewServer(svc.Handler())
		t.Cleanup(srv.Close)
		return NewClientURL(srv.URL)
	}})
}

func (s *HookSuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *HookSuite) run(code int, out string) HookResponse {
	s.Require().Equal(ExitSuccess, code)
	var resp HookResponse
	s.Require().NoError(json.Unmarshal([]byte(out), &resp))
	s.True(resp.Continue)
	return resp
}

func (s *HookSuite) TestPostToolUseThenPrompt() {
	b := s.backend(newEngine(s.T()))

	var out, errOut bytes.Buffer
	code := Run(EventPostToolUse, strings.NewReader(rmPayload), &out, &errOut, PostToolUse(s.ctx, b))
	resp := s.run(code, out.String())
	s.Empty(errOut.String())
	s.Require().NotNil(resp.HookSpecificOutput)
	s.Equal(EventPostToolUse, resp.HookSpecificOutput.HookEventName)
	s.Contains(resp.HookSpecificOutput.AdditionalContext, "<engram-context>")

	out.Reset()
	code = Run(EventPostToolUse, strings.NewReader(rmPayload), &out, &errOut, PostToolUse(s.ctx, b))
	resp = s.run(code, out.String())
	s.Nil(resp.HookSpecificOutput, "advisory is shown once per session")

	out.Reset()
	prompt := `{"session_id":"s1","prompt":"how to fix file not found when deleting"}`
	code = Run(EventUserPromptSubmit, strings.NewReader(prompt), &out, &errOut, UserPromptSubmit(s.ctx, b))
	resp = s.run(code, out.String())
	s.Require().NotNil(resp.HookSpecificOutput)
	s.Contains(resp.HookSpecificOutput.AdditionalContext, "Execute command: rm missing.txt")
}

func (s *HookSuite) TestPromptWithoutContext() {
	b := s.backend(newEngine(s.T()))

	var out, errOut bytes.Buffer
	code := Run(EventUserPromptSubmit, strings.NewReader(`{"prompt":"deploy"}`), &out, &errOut, UserPromptSubmit(s.ctx, b))
	resp := s.run(code, out.String())
	s.Nil(resp.HookSpecificOutput)
}

func (s *HookSuite) TestSessionEnd() {
	b := s.backend(newEngine(s.T()))

	var out, errOut bytes.Buffer
	Run(EventPostToolUse, strings.NewReader(rmPayload), &out, &errOut, PostToolUse(s.ctx, b))

	out.Reset()
	code := Run(EventSessionEnd, strings.NewReader(`{"session_id":"s1","reason":"exit"}`), &out, &errOut, SessionEnd(s.ctx, b))
	s.run(code, out.String())
	s.Empty(errOut.String())

	out.Reset()
	code = Run(EventPostToolUse, strings.NewReader(rmPayload), &out, &errOut, PostToolUse(s.ctx, b))
	resp := s.run(code, out.String())
	s.NotNil(resp.HookSpecificOutput, "advisories restart after the session ends")
}

func TestRunMalformedInput(t *testing.T) {
	var out, errOut bytes.Buffer
	called := false
	code := Run(EventPostToolUse, strings.NewReader("{nope"), &out, &errOut, func(*PostToolUseInput) (string, error) {
		called = true
		return "", nil
	})

	assert.Equal(t, ExitFailure, code)
	assert.False(t, called)
	assert.Contains(t, errOut.String(), "[PostToolUse] Error")
	assert.JSONEq(t, `{"continue":true}`, out.String())
}

func TestRunInternalCallIsNoop(t *testing.T) {
	t.Setenv(InternalEnv, "1")

	var out, errOut bytes.Buffer
	code := Run(EventPostToolUse, strings.NewReader(rmPayload), &out, &errOut, func(*PostToolUseInput) (string, error) {
		t.Fatal("handler must not run")
		return "", nil
	})
	assert.Equal(t, ExitSuccess, code)
	assert.JSONEq(t, `{"continue":true}`, out.String())
}

func TestRunHandlerErrorDoesNotBlock(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run(EventUserPromptSubmit, strings.NewReader(`{"prompt":"x"}`), &out, &errOut, func(*UserPromptSubmitInput) (string, error) {
		return "", assert.AnError
	})
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, errOut.String(), assert.AnError.Error())
	assert.JSONEq(t, `{"continue":true}`, out.String())
}
