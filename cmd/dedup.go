package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newDedupCmd() *cobra.Command {
	var radius float64
	cmd := &cobra.Command{
		Use:         "dedup",
		Short:       "Runs one full dedup pass over the canonical store and prints the summary",
		Annotations: map[string]string{needsApp: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if radius < 0 {
				return fmt.Errorf("--radius must not be negative")
			}
			return withApp(cmd, func(ctx context.Context, app App) error {
				res, err := app.RunDedupPass(ctx, radius)
				if err != nil {
					return fmt.Errorf("dedup pass: %w", err)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			})
		},
	}
	cmd.Flags().Float64Var(&radius, "radius", 0, "cluster radius in meters (0 uses dedup.pass_radius_meters)")
	return cmd
}
