package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "tdd-orch",
		Short: "TDD pipeline orchestrator - control system for an autonomous code-gen worker",
		Long: `tdd-orch drives an autonomous TDD pipeline against a GitHub repository.
It gates worker triggers behind health, budget, and staleness checks,
tracks spec lifecycle state as issue labels, and manages the resulting
pull requests through to merge.

Each subcommand is one decision procedure, designed to be called from
workflow automation: results are emitted as key=value lines plus a JSON
blob, to stdout or to $GITHUB_OUTPUT when set.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
