package cli

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/thebtf/engram-context/internal/classifier"
)

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the settings file and environment overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.ToolRulesPath != "" {
				rules, err := classifier.LoadRules(cfg.ToolRulesPath)
				if err != nil {
					return fmt.Errorf("tool rules %s: %w", cfg.ToolRulesPath, err)
				}
				if err := classifier.NewRegistry().ApplyRules(rules); err != nil {
					return fmt.Errorf("tool rules %s: %w", cfg.ToolRulesPath, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Settings OK (%s)\n", opts.settingsPath())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.PostgresDSN != "" {
				cfg.PostgresDSN = "[REDACTED]"
			}
			if cfg.RedisURL != "" {
				cfg.RedisURL = "[REDACTED]"
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	})
	return cmd
}
