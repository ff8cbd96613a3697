package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRecoverCmd() *cobra.Command {
	var instance int32
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Declare an instance departed and let the cluster recover its work",
		Long: `Equivalent to the view-change path a failure detector would
trigger on its own, issued directly by an operator who has already
confirmed the instance is dead: the target node proposes the instance's
departure, and whichever surviving instance ends up lowest in the
resulting view runs the redo-scan / past-image-consolidation recovery
described in spec §4.6.`,
		RunE: func(c *cobra.Command, args []string) error {
			if instance < 0 {
				return newArgError("--instance is required and must be >= 0")
			}
			if err := adminClient().Recover(uint32(instance)); err != nil {
				return classifyAdminErr(err)
			}
			fmt.Fprintf(os.Stdout, "racd: recovery triggered for instance %d\n", instance)
			return nil
		},
	}
	cmd.Flags().Int32Var(&instance, "instance", -1, "numeric instance id to recover")
	return cmd
}
