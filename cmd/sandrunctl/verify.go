package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sandrun/compute/internal/config"
	"github.com/sandrun/compute/internal/model"
	"github.com/sandrun/compute/internal/proof"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <proof.json>...",
	Short: "Evaluate consensus across one or more proofs for the same job",
	Long: `verify reads two or more proof files (as emitted by "submit" or
"serve") and runs them through the consensus evaluator, the way a
coordinator would after collecting proofs from several nodes that ran
the same job. A single proof file is also accepted: consensus then
trivially passes or fails on signature and trace integrity alone.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		cfg = &config.Config{}
	}
	cfg.EnsureDefaults()

	proofs := make([]*model.Proof, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		var wrapped struct {
			Proof *model.Proof `json:"proof"`
		}
		if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Proof != nil {
			proofs = append(proofs, wrapped.Proof)
			continue
		}
		var p model.Proof
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("parsing %s as a proof: %w", path, err)
		}
		proofs = append(proofs, &p)
	}

	evaluator := proof.NewConsensusEvaluator(
		proof.NewVerifier(),
		proof.WithConsensusThreshold(cfg.Proof.ConsensusThreshold),
		proof.WithConsensusMetrics(proof.NewMetrics(nil)),
	)
	result := evaluator.Validate(proofs)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if !result.IsValid {
		return fmt.Errorf("consensus not reached: %s", result.Message)
	}
	return nil
}
