package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/booth-crawler/internal/quality"
)

func newScoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "score <entity-id>",
		Short:       "Prints the quality report for one canonical booth",
		Annotations: map[string]string{needsApp: "true"},
		Args:        cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app App) error {
				entity, err := app.Entity(ctx, args[0])
				if err != nil {
					return fmt.Errorf("load entity %s: %w", args[0], err)
				}
				report := quality.Score(entity)
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.SetStyle(table.StyleLight)
				t.AppendRows([]table.Row{
					{"Entity", entity.ID},
					{"Name", entity.Name},
					{"Score", report.Score},
					{"Priority", report.Priority},
					{"Needs enrichment", report.NeedsEnrichment(app.QualityThreshold())},
					{"Missing", strings.Join(report.MissingFields, ", ")},
					{"Malformed", strings.Join(report.Malformed, ", ")},
				})
				t.Render()
				return nil
			})
		},
	}
}
