// Package cmd implements racd's cobra command tree (spec §6), grounded on
// linkerd-linkerd2's one-cobra.Command-per-verb shape (the teacher has no
// cmd/ package in the retrieved pack; this shape is adopted from the one
// pack repo that has one).
package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kickboxer/racdb/internal/cluster"
)

// exit codes per spec §6.
const (
	exitSuccess      = 0
	exitInvalidArgs  = 2
	exitNotQuorate   = 3
	exitTimeout      = 4
)

var (
	adminAddr string
	timeout   time.Duration
)

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	root := &cobra.Command{
		Use:   "racd",
		Short: "Operational CLI for a clustered database core node",
		Long: `racd is both the node daemon (node up) and the operational CLI
used to inspect and administer an already-running node (cluster view,
grd stats, recover, remaster, node down).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:7701", "address of the node's admin API")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "admin request timeout")

	root.AddCommand(newNodeCmd())
	root.AddCommand(newClusterCmd())
	root.AddCommand(newGrdCmd())
	root.AddCommand(newRecoverCmd())
	root.AddCommand(newRemasterCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "racd:", err)
		return exitCodeFor(err)
	}
	return exitSuccess
}

func adminClient() *cluster.AdminClient {
	return cluster.NewAdminClient(adminAddr, timeout)
}

func exitCodeFor(err error) int {
	switch e := err.(type) {
	case *argError:
		return exitInvalidArgs
	case *quorumError:
		return exitNotQuorate
	case *timeoutError:
		return exitTimeout
	default:
		_ = e
		return exitInvalidArgs
	}
}

type argError struct{ msg string }

func (e *argError) Error() string { return e.msg }

func newArgError(format string, args ...interface{}) error {
	return &argError{msg: fmt.Sprintf(format, args...)}
}

type quorumError struct{ msg string }

func (e *quorumError) Error() string { return e.msg }

type timeoutError struct{ msg string }

func (e *timeoutError) Error() string { return e.msg }

func classifyAdminErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(strings.ToLower(msg), "timeout"):
		return &timeoutError{msg: msg}
	case strings.Contains(msg, "Quorum") || strings.Contains(msg, "not quorate"):
		return &quorumError{msg: msg}
	default:
		return err
	}
}
