package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sandrun/compute/internal/config"
	"github.com/sandrun/compute/internal/model"
)

var (
	submitInterpreter string
	submitSubject     string
	submitWallSeconds int
	submitMemoryMB    int64
)

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Run one job locally against a fresh node and print the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitInterpreter, "interpreter", "python", "interpreter to run the file with")
	submitCmd.Flags().StringVar(&submitSubject, "subject", "sandrunctl-local", "subject id for rate limiting")
	submitCmd.Flags().IntVar(&submitWallSeconds, "wall-seconds", 10, "max wall-clock seconds")
	submitCmd.Flags().Int64Var(&submitMemoryMB, "memory-mb", 256, "max resident memory in MB")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}

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

	job := &model.Job{
		ID:          uuid.NewString(),
		SubjectID:   submitSubject,
		Code:        code,
		Interpreter: model.Interpreter(submitInterpreter),
		Limits: model.ResourceLimits{
			MaxMemoryMB:    submitMemoryMB,
			MaxCPUSeconds:  int64(submitWallSeconds),
			MaxWallSeconds: int64(submitWallSeconds),
			MaxOutputMB:    16,
			MaxProcesses:   16,
			MaxOpenFiles:   64,
		},
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(submitWallSeconds+5)*time.Second)
	defer cancel()

	result, err := n.breakers.Guard(ctx, job.Interpreter, func(ctx context.Context) (*model.Result, error) {
		return n.executor.Execute(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("executing job: %w", err)
	}

	proof, _ := n.executor.Proof(job.ID)

	out := struct {
		Result *model.Result `json:"result"`
		Proof  *model.Proof  `json:"proof,omitempty"`
	}{Result: result, Proof: proof}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
