package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sandrun/compute/internal/config"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report node health: interpreter breaker states and loaded config",
	RunE:  runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		cfg = &config.Config{}
	}
	cfg.EnsureDefaults()

	n, err := buildNode(cfg)
	if err != nil {
		return err
	}
	defer n.close()

	status, breakers := n.breakers.Health()
	fmt.Printf("node: %s\n", status)
	fmt.Printf("node_id: %s\n", n.signer.NodeID())
	fmt.Printf("default_tier: %s\n", cfg.Sandbox.DefaultTier)
	fmt.Printf("worker_pool_size: %d\n", cfg.Sandbox.WorkerPoolSize)
	for name, state := range breakers {
		fmt.Printf("breaker[%s]: %s\n", name, state)
	}
	return nil
}
