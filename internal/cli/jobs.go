package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/client"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/service"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect prefetch jobs on the server",
	Long: `List the user's background prefetch jobs or inspect one by ID.
Jobs live on the server, so --server (or $STUDYCTX_SERVER_URL) is used.

Examples:
  studyctx jobs           # List all jobs
  studyctx jobs abc123    # Show details for job abc123`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, ok := remote()
	if !ok {
		c = client.New("", userID)
	}

	if len(args) == 1 {
		return showJob(ctx, c, args[0])
	}
	return listJobs(ctx, c)
}

func listJobs(ctx context.Context, c *client.Client) error {
	jobs, err := c.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	return render(os.Stdout, jobs, func(w io.Writer) error {
		if len(jobs) == 0 {
			fmt.Fprintln(w, "No jobs found")
			return nil
		}

		fmt.Fprintf(w, "%-10s %-10s %-12s %-10s %s\n", "ID", "TYPE", "STATUS", "PROGRESS", "STARTED")
		fmt.Fprintln(w, "------------------------------------------------------------------------")
		for _, job := range jobs {
			progress := ""
			if job.Total > 0 {
				progress = fmt.Sprintf("%d/%d", job.Progress, job.Total)
			}
			fmt.Fprintf(w, "%-10s %-10s %-12s %-10s %s\n",
				job.ID, job.Type, job.Status, progress, job.StartedAt.Format("15:04:05"))
		}
		return nil
	})
}

func showJob(ctx context.Context, c *client.Client, id string) error {
	job, err := c.GetJob(ctx, id)
	if client.IsCode(err, "job_not_found") {
		return errors.New("job not found: " + id)
	}
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	return render(os.Stdout, job, func(w io.Writer) error {
		writeJob(w, job)
		return nil
	})
}

func writeJob(w io.Writer, job *service.JobInfo) {
	fmt.Fprintf(w, "Job: %s\n", job.ID)
	fmt.Fprintf(w, "  Type: %s\n", job.Type)
	fmt.Fprintf(w, "  Status: %s\n", job.Status)
	if job.Total > 0 {
		fmt.Fprintf(w, "  Progress: %d/%d\n", job.Progress, job.Total)
	}
	fmt.Fprintf(w, "  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  Duration: %s\n", job.CompletedAt.Sub(job.StartedAt).Round(time.Millisecond))
	}
	if job.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", job.Error)
	}
	if job.Result != nil {
		fmt.Fprintln(w, "\nResult:")
		writePrefetchSummary(w, job.Result)
	}
}
