// Package cli implements the engram command line.
package cli

import (
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/engram-context/internal/config"
	"github.com/thebtf/engram-context/internal/engine"
)

// options are the flags shared by every command.
type options struct {
	version    string
	configPath string
	debug      bool
}

// NewRootCmd creates the engram command with every subcommand.
func NewRootCmd(version string) *cobra.Command {
	opts := &options{version: version}

	root := &cobra.Command{
		Use:   "engram",
		Short: "Capture and retrieve tool-execution context for coding agents",
		Long: `engram records what happened when an agent's tools ran, and surfaces the
most relevant past executions before the agent acts again.

Settings are read from ~/.engram-context/settings.json (or settings.yaml).
Any ENGRAM_* environment variable, including ones from a .env file in the
working directory, overrides the file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			setupLogging(cmd.ErrOrStderr(), os.Getenv("ENGRAM_LOG_LEVEL"), opts.debug)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Settings file (default: ~/.engram-context/settings.json)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newMCPCmd(opts))
	root.AddCommand(newHookCmd(opts))
	root.AddCommand(newSearchCmd(opts))
	root.AddCommand(newEvictCmd(opts))
	root.AddCommand(newStatsCmd(opts))
	root.AddCommand(newConfigCmd(opts))
	return root
}

// setupLogging sends logs to w; stdout belongs to hook and MCP protocols.
func setupLogging(w io.Writer, level string, debug bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if debug {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, NoColor: true})
}

func (o *options) settingsPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.SettingsPath()
}

func (o *options) loadConfig() (*config.Config, error) {
	if o.configPath != "" {
		return config.LoadFile(o.configPath)
	}
	return config.Load()
}

// openEngine loads the configuration, applies tune and opens an engine on it.
func (o *options) openEngine(tune ...func(*config.Config)) (*engine.Engine, *config.Config, error) {
	if err := config.EnsureDataDir(); err != nil {
		return nil, nil, err
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	for _, fn := range tune {
		fn(cfg)
	}
	if !o.debug {
		if lvl, perr := zerolog.ParseLevel(cfg.LogLevel); perr == nil && cfg.LogLevel != "" {
			zerolog.SetGlobalLevel(lvl)
		}
	}
	e, err := engine.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return e, cfg, nil
}
