package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/engram-context/internal/config"
	"github.com/thebtf/engram-context/pkg/hooks"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeWithInput(t, "", args...)
}

func executeWithInput(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCmd("test")
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ENGRAM_DB_BACKEND", config.BackendMemory)
	t.Setenv("ENGRAM_WORKER_PORT", "1")
	return home
}

func TestConfigValidate(t *testing.T) {
	home := isolate(t)

	out, err := execute(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Settings OK")

	bad := filepath.Join(home, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"ENGRAM_WEIGHT_RECENCY": 0.9}`), 0600))
	_, err = execute(t, "--config", bad, "config", "validate")
	var cfgErr *config.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	isolate(t)
	t.Setenv("ENGRAM_REDIS_URL", "redis://:hunter2@localhost:6379")

	out, err := execute(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"ENGRAM_REDIS_URL": "[REDACTED]"`)
	assert.NotContains(t, out, "hunter2")
}

func TestSearchEmptyStore(t *testing.T) {
	isolate(t)

	out, err := execute(t, "search", "delete", "the", "build", "dir")
	require.NoError(t, err)
	assert.Contains(t, out, "No relevant past context found.")

	out, err = execute(t, "search", "--json", "anything")
	require.NoError(t, err)
	assert.Contains(t, out, `"context": []`)
}

func TestStatsAndEvict(t *testing.T) {
	isolate(t)

	out, err := execute(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Backend: memory")

	out, err = execute(t, "evict", "--days", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 0 records older than 7 days.")
}

const rmHookPayload = `{
	"session_id": "s1",
	"hook_event_name": "PostToolUse",
	"tool_name": "Bash",
	"tool_input": {"command": "rm missing.txt"},
	"tool_response": {"stdout": "", "stderr": "rm: missing.txt: No such file or directory", "is_error": true}
}`

func hookResponse(t *testing.T, out string) hooks.HookResponse {
	t.Helper()
	var resp hooks.HookResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.True(t, resp.Continue)
	return resp
}

func TestHookContinuesWithoutBackend(t *testing.T) {
	isolate(t)
	t.Setenv("ENGRAM_WEIGHT_RECENCY", "0.9")

	for _, name := range []string{"post-tool-use", "user-prompt-submit", "session-end"} {
		t.Run(name, func(t *testing.T) {
			out, err := executeWithInput(t, rmHookPayload, "hook", name)
			require.NoError(t, err)
			resp := hookResponse(t, out)
			assert.Nil(t, resp.HookSpecificOutput)
		})
	}
}

func TestHookFallbackShowsAdvisoryOncePerSession(t *testing.T) {
	isolate(t)

	out, err := executeWithInput(t, rmHookPayload, "hook", "post-tool-use")
	require.NoError(t, err)
	first := hookResponse(t, out)
	require.NotNil(t, first.HookSpecificOutput)
	assert.Contains(t, first.HookSpecificOutput.AdditionalContext, "<engram-context>")

	// A second process for the same session must remember the first.
	out, err = executeWithInput(t, rmHookPayload, "hook", "post-tool-use")
	require.NoError(t, err)
	second := hookResponse(t, out)
	assert.Nil(t, second.HookSpecificOutput, "advisory is shown once per session")

	entries, err := os.ReadDir(config.WarningsDir())
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestSetupLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())

	tests := []struct {
		level string
		debug bool
		want  zerolog.Level
	}{
		{"", false, zerolog.InfoLevel},
		{"not-a-level", false, zerolog.InfoLevel},
		{"warn", false, zerolog.WarnLevel},
		{"warn", true, zerolog.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			setupLogging(&bytes.Buffer{}, tt.level, tt.debug)
			assert.Equal(t, tt.want, zerolog.GlobalLevel())
		})
	}
}
