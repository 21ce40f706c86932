package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sandrun/compute/internal/config"
	"github.com/sandrun/compute/internal/model"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node that reads newline-delimited job requests from stdin",
	Long: `serve starts the sandbox executor, proof recorder, and rate engine
and reads one JSON job request per line from stdin, writing one JSON
result per line to stdout. This stands in for the out-of-scope network
front-end (see DESIGN.md) while still exercising the full node lifecycle,
including graceful shutdown on SIGTERM/SIGINT.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// jobRequest is the line-delimited wire shape serve reads from stdin.
type jobRequest struct {
	SubjectID   string               `json:"subject_id"`
	Interpreter model.Interpreter    `json:"interpreter"`
	Code        string               `json:"code"`
	Limits      model.ResourceLimits `json:"limits"`
	GPU         *model.GPUConfig     `json:"gpu,omitempty"`
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Warn("no config file found, using defaults", "path", configPath, "error", err)
		cfg = &config.Config{}
	}
	cfg.EnsureDefaults()

	n, err := buildNode(cfg)
	if err != nil {
		return err
	}
	defer n.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("sandrunctl node started",
		"default_tier", cfg.Sandbox.DefaultTier,
		"worker_pool_size", cfg.Sandbox.WorkerPoolSize,
		"node_id", n.signer.NodeID(),
	)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			slog.Info("shutdown signal received, draining")
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req jobRequest
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(map[string]string{"error": fmt.Sprintf("invalid job request: %v", err)})
			continue
		}

		job := &model.Job{
			ID:          uuid.NewString(),
			SubjectID:   req.SubjectID,
			Code:        []byte(req.Code),
			Interpreter: req.Interpreter,
			Limits:      req.Limits,
			GPU:         req.GPU,
			CreatedAt:   time.Now(),
		}

		jobCtx, cancel := context.WithTimeout(ctx, time.Duration(job.Limits.MaxWallSeconds+5)*time.Second)
		result, err := n.breakers.Guard(jobCtx, job.Interpreter, func(jobCtx context.Context) (*model.Result, error) {
			return n.executor.Execute(jobCtx, job)
		})
		cancel()

		if err != nil {
			enc.Encode(map[string]string{"job_id": job.ID, "error": err.Error()})
			continue
		}
		enc.Encode(map[string]interface{}{"job_id": job.ID, "result": result})
	}
	return scanner.Err()
}
