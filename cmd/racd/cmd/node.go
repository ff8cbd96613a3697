package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kickboxer/racdb/internal/cluster"
	"github.com/kickboxer/racdb/internal/config"
	"github.com/kickboxer/racdb/internal/interconnect"
	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/partitioner"
	"github.com/kickboxer/racdb/internal/query"
	"github.com/kickboxer/racdb/internal/store"
	"github.com/kickboxer/racdb/internal/topology"
)

func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Node lifecycle: up, down",
	}
	cmd.AddCommand(newNodeUpCmd())
	cmd.AddCommand(newNodeDownCmd())
	return cmd
}

func newNodeUpCmd() *cobra.Command {
	var (
		name       string
		bindAddr   string
		instanceID uint32
		dc         string
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Bring up this node and block until interrupted",
		Long: `Starts the node's interconnect, GRD, GCS, GES, query coordinator
and recovery services, plus the admin API other racd subcommands talk to.
A single process forms a one-node view. The admin API has no join route,
so further instances cannot be added to that view through racd.`,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				cfg = config.Default()
			}
			if bindAddr != "" {
				cfg.BindAddr = bindAddr
			}
			cfg.AdminAddr = adminAddr

			id := nodeid.New()
			tok := partitioner.Token(id.Bytes())
			self := topology.NewNode(name, cfg.BindAddr, tok, id, nodeid.InstanceID(instanceID), topology.DatacenterID(dc))
			view := &topology.View{Seq: 1, Members: []topology.Node{self}}

			engine := store.NewMemEngine()
			exec := func(ctx context.Context, table string, shard query.ShardID, filter *query.FilterSpec) (*query.RowSet, error) {
				return &query.RowSet{}, nil
			}

			cl, err := cluster.New(cfg, nil, self, interconnect.NewTCPTransport(), view, engine, exec)
			if err != nil {
				return newArgError("building cluster: %v", err)
			}
			if err := cl.Start(); err != nil {
				return fmt.Errorf("starting cluster: %w", err)
			}
			admin := cluster.NewAdminServer(cl)
			admin.Start()

			fmt.Fprintf(os.Stdout, "racd: node %v up, instance %d, bind %s, admin %s\n", id, instanceID, cfg.BindAddr, cfg.AdminAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			fmt.Fprintln(os.Stdout, "racd: shutting down")
			admin.Stop()
			cl.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "node", "human-readable node name")
	cmd.Flags().StringVar(&bindAddr, "bind-addr", "", "interconnect bind address (overrides RAC_BIND_ADDR)")
	cmd.Flags().Uint32Var(&instanceID, "instance-id", 0, "numeric instance id (RAC_NODE_ID)")
	cmd.Flags().StringVar(&dc, "dc", "dc1", "datacenter id")
	return cmd
}

func newNodeDownCmd() *cobra.Command {
	var graceful, force bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop a running node via its admin API",
		RunE: func(c *cobra.Command, args []string) error {
			if force && graceful && c.Flags().Changed("graceful") {
				return newArgError("--graceful and --force are mutually exclusive")
			}
			if err := adminClient().NodeDown(force); err != nil {
				return classifyAdminErr(err)
			}
			fmt.Fprintln(os.Stdout, "racd: node stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&graceful, "graceful", true, "propose this node's departure before stopping (default)")
	cmd.Flags().BoolVar(&force, "force", false, "skip the departure proposal and stop immediately")
	return cmd
}
