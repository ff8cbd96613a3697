package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRemasterCmd() *cobra.Command {
	var (
		resource string
		to       int32
	)
	cmd := &cobra.Command{
		Use:   "remaster",
		Short: "Force a resource's mastership to a specific instance",
		Long: `Bypasses the GRD's own skew-triggered remaster scan (spec §4.2)
with a direct operator override, for rebalancing after a recovery or a
planned maintenance move.`,
		RunE: func(c *cobra.Command, args []string) error {
			if resource == "" {
				return newArgError("--resource is required")
			}
			if to < 0 {
				return newArgError("--to is required and must be >= 0")
			}
			if err := adminClient().Remaster(resource, uint32(to)); err != nil {
				return classifyAdminErr(err)
			}
			fmt.Fprintf(os.Stdout, "racd: resource %s remastered to instance %d\n", resource, to)
			return nil
		},
	}
	cmd.Flags().StringVar(&resource, "resource", "", "resource id to remaster")
	cmd.Flags().Int32Var(&to, "to", -1, "destination instance id")
	return cmd
}
