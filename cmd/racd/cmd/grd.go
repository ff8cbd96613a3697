package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newGrdCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grd",
		Short: "Global Resource Directory inspection",
	}
	cmd.AddCommand(newGrdStatsCmd())
	return cmd
}

func newGrdStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print per-resource mastership and access counts",
		RunE: func(c *cobra.Command, args []string) error {
			stats, err := adminClient().GrdStats()
			if err != nil {
				return classifyAdminErr(err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(stats); err != nil {
				return fmt.Errorf("encoding stats: %w", err)
			}
			return nil
		},
	}
}
