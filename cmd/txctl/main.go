// Command txctl is the operator CLI for the travel-reservation cluster:
// direct transaction control against the TransactionManager plus the
// reserve/seed business verbs against the WorkflowController.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "txctl",
	Short: "Operate the travel-reservation TM/RM/WC cluster",
}

func init() {
	rootCmd.PersistentFlags().String("tm-addr", "http://localhost:9100", "TransactionManager base URL")
	rootCmd.PersistentFlags().String("wc-addr", "http://localhost:9200", "WorkflowController base URL")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reserveCmd)
	rootCmd.AddCommand(seedCmd)
}
