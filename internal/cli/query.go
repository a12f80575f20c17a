package cli

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	mcpserver "github.com/thebtf/engram-context/internal/mcp"
	"github.com/thebtf/engram-context/pkg/models"
)

func newSearchCmd(opts *options) *cobra.Command {
	var (
		files      []string
		maxResults int
		minScore   float64
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "search <prompt>",
		Short: "Show the past executions most relevant to a prompt",
		Example: `  engram search "delete the build directory"
  engram search "fix the failing test" --files internal/store/store.go --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := models.RelevanceQuery{
				Prompt:     strings.Join(args, " "),
				Files:      files,
				MaxResults: maxResults,
			}
			if cmd.Flags().Changed("min-score") {
				q.MinScore = &minScore
			}

			b, closeFn, err := opts.backend(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			resp, err := b.Search(cmd.Context(), q)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			if len(resp.Context) == 0 {
				fmt.Fprintln(out, "No relevant past context found.")
				return nil
			}
			for i, text := range resp.Context {
				r := resp.Results[i]
				fmt.Fprintf(out, "[%d] score %.2f (recency %.2f, relevance %.2f, outcome %.2f, files %.2f) %s\n%s\n\n",
					i+1, r.Score, r.Factors.Recency, r.Factors.Relevance, r.Factors.Outcome, r.Factors.FileOverlap,
					humanize.Time(r.Record.CreatedAt), text)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&files, "files", "f", nil, "Files involved in the task")
	cmd.Flags().IntVarP(&maxResults, "max-results", "n", 0, "Maximum results (default from settings)")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "Minimum score (default from settings)")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

func newEvictCmd(opts *options) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Delete records older than the retention horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cfg, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			if days == 0 {
				days = cfg.MaxContextAgeDays
			}
			removed, err := e.EvictOlderThan(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s records older than %d days.\n", humanize.Comma(removed), days)
			return nil
		},
	}

	cmd.Flags().IntVarP(&days, "days", "d", 0, "Age in days (default ENGRAM_MAX_CONTEXT_AGE_DAYS)")
	return cmd
}

func newStatsCmd(opts *options) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize stored context",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			st := e.Stats(cmd.Context())
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			fmt.Fprint(cmd.OutOrStdout(), mcpserver.FormatStats(st))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}
