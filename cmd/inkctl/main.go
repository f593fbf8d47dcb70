package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "inkctl",
	Short:         "Operate an Inkwell annotation server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a TOML config file (defaults to $INKWELL_CONFIG)")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(autoResolveCmd)
	rootCmd.AddCommand(suggestCmd)
	rootCmd.AddCommand(importDocCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
