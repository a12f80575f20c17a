package cli

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/engram-context/internal/config"
	"github.com/thebtf/engram-context/pkg/hooks"
)

func newHookCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Agent hook entry points (read the payload on stdin)",
	}
	cmd.AddCommand(
		hookCmd(opts, "post-tool-use", hooks.EventPostToolUse, hooks.PostToolUse),
		hookCmd(opts, "user-prompt-submit", hooks.EventUserPromptSubmit, hooks.UserPromptSubmit),
		hookCmd(opts, "session-end", hooks.EventSessionEnd, hooks.SessionEnd),
	)
	return cmd
}

// hookCmd answers the agent on every path. Without a backend the payload is
// still consumed and the agent gets a bare continue.
func hookCmd[T any](opts *options, use, event string, handler func(ctx context.Context, b hooks.Backend) hooks.HookHandler[T]) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: "Handle the " + event + " hook",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var run hooks.HookHandler[T] = func(*T) (string, error) { return "", nil }

			b, closeFn, err := opts.backend(ctx)
			if err != nil {
				// Hooks must never block the agent.
				log.Warn().Err(err).Str("hook", event).Msg("No context backend available")
				closeFn = func() {}
			} else {
				run = handler(ctx, b)
			}

			code := hooks.Run(event, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), run)
			closeFn()
			if code != hooks.ExitSuccess {
				os.Exit(code)
			}
			return nil
		},
	}
}

// backend returns the running worker when it answers, else an in-process
// engine on the same storage.
func (o *options) backend(ctx context.Context) (hooks.Backend, func(), error) {
	port := hooks.GetWorkerPort()
	if cfg, err := o.loadConfig(); err == nil {
		port = cfg.WorkerPort
	}
	client := hooks.NewClient(port)
	if client.IsRunning(ctx) {
		return client, func() {}, nil
	}

	e, _, err := o.openEngine(func(cfg *config.Config) {
		// Every hook runs in a fresh process, so in-memory warning state would
		// be gone by the next tool call.
		if cfg.WarningBacking == config.BackingMemory {
			cfg.WarningBacking = config.BackingFile
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return hooks.Local{Engine: e}, func() {
		if err := e.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close engine")
		}
	}, nil
}
