package cli

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/client"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/metrics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server runtime statistics",
	Long: `Show the server's in-memory statistics since its last restart: timing per
operation, LLM token usage for summaries and the engine's counters.

Examples:
  studyctx stats
  studyctx stats -o json`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	c, ok := remote()
	if !ok {
		c = client.New("", userID)
	}
	stats, err := c.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("get server stats: %w", err)
	}
	return render(os.Stdout, stats, func(w io.Writer) error {
		writeStats(w, stats)
		return nil
	})
}

func writeStats(w io.Writer, stats *metrics.Snapshot) {
	fmt.Fprintf(w, "Server Statistics (in-memory, since restart)\n")
	fmt.Fprintf(w, "═══════════════════════════════════════════════\n")
	fmt.Fprintf(w, "Uptime: %.1f seconds\n", stats.UptimeSeconds)

	for _, name := range stats.OperationNames() {
		op := stats.Operations[name]
		fmt.Fprintf(w, "\n%s:\n", name)
		fmt.Fprintf(w, "  Calls: %d, Errors: %d, Total: %dms\n", op.Count, op.Errors, op.TotalTimeMs)
		fmt.Fprintf(w, "  Time: avg %.1fms, min %dms, max %dms\n", op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
		writeTokenStats(w, op)
	}

	if len(stats.Counters) > 0 {
		names := make([]string, 0, len(stats.Counters))
		for name := range stats.Counters {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintf(w, "\nCounters:\n")
		for _, name := range names {
			fmt.Fprintf(w, "  %-22s %d\n", name, stats.Counters[name])
		}
	}
}

func writeTokenStats(w io.Writer, op *metrics.OperationSnapshot) {
	if op.TotalInputTokens == nil || op.TotalOutputTokens == nil {
		return
	}
	fmt.Fprintf(w, "  Tokens In:  %d total", *op.TotalInputTokens)
	if op.AvgInputTokens != nil {
		fmt.Fprintf(w, ", avg %.0f", *op.AvgInputTokens)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "  Tokens Out: %d total", *op.TotalOutputTokens)
	if op.AvgOutputTokens != nil {
		fmt.Fprintf(w, ", avg %.0f", *op.AvgOutputTokens)
	}
	fmt.Fprintln(w)
}
