package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "admin",
		Short:         "Operator tooling for the chunk claims server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("url", "http://127.0.0.1:8080", "server base url")
	root.AddCommand(
		cmdClaim(),
		cmdHistory(),
		cmdDeposit(),
		cmdSweep(),
		cmdIndex(),
		cmdLedger(),
		cmdDB(),
	)
	return root
}
