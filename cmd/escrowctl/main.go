package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "escrowctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "escrowctl",
		Short: "Operator tooling for the escrowd milestone escrow service",
		Long: `escrowctl issues caller tokens, converts amounts, prepares evidence
references, exports the event journal and verifies evidence chains.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newTokenCmd(),
		newWeiCmd(),
		newEtherCmd(),
		newEvidenceRefCmd(),
		newExportCmd(),
		newVerifyCmd(),
	)
	return root
}
