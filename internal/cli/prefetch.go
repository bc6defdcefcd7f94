package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/client"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/graph"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/service"
)

// localUser is the user id for local runs without --user.
const localUser = "local"

// localPollInterval is how often a local job is sampled for the progress display.
const localPollInterval = 100 * time.Millisecond

var (
	prefetchMaxItems int
	prefetchDetach   bool
)

var prefetchCmd = &cobra.Command{
	Use:   "prefetch",
	Short: "Fetch the user's Canvas courses into the entity graph",
	Long: `Fetch courses, modules, assignments and pages from Canvas and build the
user's entity graph.

Locally the Canvas credentials come from CANVAS_API_URL and CANVAS_API_KEY,
or from Supabase when SUPABASE_URL is set. With --server the server runs the
prefetch as a background job and the command follows its progress.

Examples:
  studyctx prefetch
  studyctx prefetch --max-items 50
  studyctx prefetch --server http://localhost:8484 --user 3f2a...
  studyctx prefetch --server http://localhost:8484 --detach`,
	Args: cobra.NoArgs,
	RunE: runPrefetch,
}

func init() {
	prefetchCmd.Flags().IntVarP(&prefetchMaxItems, "max-items", "n", 0, "maximum entities to fetch (default $PREFETCH_MAX_ITEMS)")
	prefetchCmd.Flags().BoolVar(&prefetchDetach, "detach", false, "with --server, start the job and return immediately")
}

func runPrefetch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if c, ok := remote(); ok {
		return prefetchRemote(ctx, c)
	}
	return prefetchLocal(ctx)
}

func prefetchRemote(ctx context.Context, c *client.Client) error {
	job, err := c.StartPrefetch(ctx, prefetchMaxItems)
	if err != nil {
		return fmt.Errorf("start prefetch: %w", err)
	}
	if prefetchDetach {
		return render(os.Stdout, job, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "Started job %s\nUse 'studyctx jobs %s' to check status.\n", job.ID, job.ID)
			return err
		})
	}

	updates := make(chan jobUpdateMsg, 16)
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer close(updates)
		_, err := c.WatchJob(watchCtx, job.ID, func(info service.JobInfo) error {
			select {
			case updates <- jobUpdateMsg{job: info}:
			case <-watchCtx.Done():
			}
			return nil
		})
		if err != nil && watchCtx.Err() == nil {
			select {
			case updates <- jobUpdateMsg{err: err}:
			case <-watchCtx.Done():
			}
		}
	}()

	final, detached, err := followJob(*job, updates, true)
	if err != nil || detached {
		return err
	}
	return printPrefetchResult(final.Result)
}

func prefetchLocal(ctx context.Context) error {
	engine, err := service.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			logger.Warn("close engine", "error", err)
		}
	}()

	uid := userID
	if uid == "" {
		uid = localUser
	}
	job := engine.StartPrefetchJob(uid, prefetchMaxItems)

	updates := make(chan jobUpdateMsg, 1)
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go pollJob(pollCtx, job, updates)

	final, stopped, err := followJob(job.Snapshot(), updates, false)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	if stopped {
		return context.Canceled
	}
	return printPrefetchResult(final.Result)
}

// pollJob samples a local job until it finishes or ctx ends.
func pollJob(ctx context.Context, job *service.Job, updates chan<- jobUpdateMsg) {
	defer close(updates)
	ticker := time.NewTicker(localPollInterval)
	defer ticker.Stop()

	var last service.JobInfo
	for {
		info := job.Snapshot()
		if info.Status != last.Status || info.Progress != last.Progress || info.Total != last.Total {
			select {
			case updates <- jobUpdateMsg{job: info}:
			case <-ctx.Done():
				return
			}
			last = info
		}
		if info.Done() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printPrefetchResult(res *graph.PrefetchResult) error {
	if res == nil {
		return nil
	}
	return render(os.Stdout, res, func(w io.Writer) error {
		writePrefetchSummary(w, res)
		return nil
	})
}

func writePrefetchSummary(w io.Writer, r *graph.PrefetchResult) {
	fmt.Fprintf(w, "  Entities:    %d\n", r.Entities)
	fmt.Fprintf(w, "  Edges:       %d\n", r.Edges)
	fmt.Fprintf(w, "  Coverage:    %.0f%%\n", r.Coverage*100)
	fmt.Fprintf(w, "  Fingerprint: %s\n", r.Fingerprint)
	if r.Unchanged {
		fmt.Fprintln(w, "  (graph unchanged since the last prefetch)")
	}
	if dropped := r.Report.DroppedEdges(); dropped > 0 {
		fmt.Fprintf(w, "  Dropped parent links: %d\n", dropped)
	}
	if r.Warnings > 0 {
		fmt.Fprintf(w, "\n  Warnings (%d):\n", r.Warnings)
		for _, s := range r.Subtrees {
			if s.Error != "" {
				fmt.Fprintf(w, "    • %s: %s\n", s.Path, s.Error)
			}
		}
	}
}
