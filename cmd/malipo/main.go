// Malipo — metered research pipelines with escrowed budgets.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "malipo",
	Short: "Malipo — budget-escrowed research pipelines with per-step payment custody.",
	Long: `Malipo answers research queries through a plan of billable tool steps,
each metered against a budget locked in escrow before the first step runs.
The operator authorizes, confirms, or refunds every step against that lock,
and settlement releases the unspent remainder back to the payer.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, custodyCmd, researchCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
