package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newClusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster-wide inspection",
	}
	cmd.AddCommand(newClusterViewCmd())
	return cmd
}

func newClusterViewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Print the current committed view as seen by the target node",
		RunE: func(c *cobra.Command, args []string) error {
			v, err := adminClient().View()
			if err != nil {
				return classifyAdminErr(err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(v); err != nil {
				return fmt.Errorf("encoding view: %w", err)
			}
			return nil
		},
	}
}
