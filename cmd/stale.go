package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

func newStaleCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:         "stale",
		Short:       "Lists non-terminal jobs with no progress inside the staleness window",
		Annotations: map[string]string{needsApp: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app App) error {
				jobs, err := app.StaleJobs(ctx, window)
				if err != nil {
					return fmt.Errorf("list stale jobs: %w", err)
				}
				renderJobs(cmd, jobs)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", 0, "staleness window (0 uses orchestrator.staleness_window)")
	return cmd
}

func renderJobs(cmd *cobra.Command, jobs []crawler.CrawlJob) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Job ID", "Source", "Status", "Pages", "Updated"})
	for _, job := range jobs {
		t.AppendRow(table.Row{
			job.JobID,
			job.SourceName,
			job.Status,
			job.PagesCrawled,
			job.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	t.AppendFooter(table.Row{"", "", "Total", len(jobs), ""})
	t.Render()
}
