// Package main provides the CLI entry point for the branchforge
// orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/dhouse/branchforge/internal/cli"
	"github.com/dhouse/branchforge/internal/errs"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

func main() {
	rootCmd := cli.NewRootCommand(Version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errs.IsInterrupt(err) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
