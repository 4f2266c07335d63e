package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "payments",
		Short: "Storefront payment orchestration",
		Long: `Payments creates card, wallet and PSE charges against Wompi, reconciles their
state from webhooks and verification, and issues refunds.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "optional YAML config file (environment wins)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
