// Package main implements sandrunctl, the thin operator CLI that wires
// the Executor, Proof Recorder, and Rate Engine together. The network
// front-end that would normally sit in front of these (an HTTP or gRPC
// API) is out of scope (see DESIGN.md); this binary exercises the cores
// directly, the way an embedder would.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sandrunctl",
	Short: "Operate a sandrun compute node",
	Long: `sandrunctl wires together the sandbox executor, proof recorder,
and rate/quota engine that make up a sandrun compute node.

Examples:
  sandrunctl serve                 # run a node, accepting jobs on stdin
  sandrunctl probe                 # report node health and breaker state
  sandrunctl submit script.py      # run one job locally and print the result
  sandrunctl verify a.json b.json  # check consensus across proofs from several nodes`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to YAML config file")
	if err := rootCmd.Execute(); err != nil {
		slog.Error("sandrunctl failed", "error", err)
		os.Exit(1)
	}
}
