package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/engram-context/internal/config"
	"github.com/thebtf/engram-context/internal/engine"
	mcpserver "github.com/thebtf/engram-context/internal/mcp"
	"github.com/thebtf/engram-context/internal/watcher"
	"github.com/thebtf/engram-context/internal/worker"
)

func newServeCmd(opts *options) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker HTTP service",
		Long: `Run the long-lived worker. Hooks report tool events to it and ask it for
context. The settings file is watched; scoring, retrieval and warning settings
are reloaded when it changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.EnsureAll(); err != nil {
				return fmt.Errorf("prepare data dir: %w", err)
			}
			e, cfg, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			if port == 0 {
				port = cfg.WorkerPort
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w, err := watchSettings(opts.settingsPath(), e)
			if err != nil {
				log.Warn().Err(err).Msg("Settings file will not be watched")
			} else {
				defer w.Stop()
			}

			svc := worker.NewService(opts.version, e)
			return svc.Run(ctx, fmt.Sprintf("127.0.0.1:%d", port), cfg.EvictionInterval())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (default from ENGRAM_WORKER_PORT)")
	return cmd
}

// watchSettings reloads e whenever the settings file changes. A file that
// fails to load or validate is logged and the running settings are kept.
func watchSettings(path string, e *engine.Engine) (*watcher.Watcher, error) {
	w, err := watcher.New(path, func(p string) {
		cfg, err := config.LoadFile(p)
		if err != nil {
			log.Error().Err(err).Str("path", p).Msg("Ignoring invalid settings")
			return
		}
		if err := e.Reload(cfg); err != nil {
			log.Error().Err(err).Str("path", p).Msg("Failed to reload settings")
		}
	})
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		_ = w.Stop()
		return nil, err
	}
	return w, nil
}

func newMCPCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the context tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			return mcpserver.Serve(opts.version, e)
		},
	}
}
