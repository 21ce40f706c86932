package main

import (
	"fmt"
	"log/slog"

	"github.com/sandrun/compute/internal/config"
	"github.com/sandrun/compute/internal/proof"
	"github.com/sandrun/compute/internal/ratelimit"
	"github.com/sandrun/compute/internal/sandbox"
)

// node bundles the three cores plus the interpreter breaker set that
// guards them, built once per process from the loaded Config.
type node struct {
	cfg        *config.Config
	executor   *sandbox.Executor
	rateEngine *ratelimit.Engine
	signer     proof.Signer
	breakers   *interpreterBreakers
}

func buildNode(cfg *config.Config) (*node, error) {
	var signer proof.Signer
	var err error
	if cfg.Proof.NodeKeyPath != "" {
		signer, err = proof.LoadSignerFromFile(cfg.Proof.NodeKeyPath)
	} else {
		signer, err = proof.NewSigner()
	}
	if err != nil {
		return nil, fmt.Errorf("provisioning node signing key: %w", err)
	}

	rateEngine := ratelimit.NewEngine(
		ratelimit.WithMetrics(ratelimit.NewMetrics(nil)),
	)

	executor := sandbox.NewExecutor(
		sandbox.WithWorkerPoolSize(cfg.Sandbox.WorkerPoolSize),
		sandbox.WithDefaultTier(sandbox.Tier(cfg.Sandbox.DefaultTier)),
		sandbox.WithAllowNetwork(cfg.Sandbox.AllowNetwork),
		sandbox.WithContainerImage(cfg.Sandbox.ContainerImage),
		sandbox.WithRateEngine(rateEngine),
		sandbox.WithSigner(signer),
		sandbox.WithFilesystem(sandbox.NewOSFilesystem(cfg.Sandbox.WorkDir)),
		sandbox.WithLogger(slog.Default()),
		sandbox.WithMetrics(sandbox.NewMetrics(nil)),
		sandbox.WithProofMetrics(proof.NewMetrics(nil)),
		sandbox.WithMaxTraceLength(cfg.Proof.MaxTraceLength),
		sandbox.WithCheckpointInterval(cfg.Proof.CheckpointInterval),
	)

	return &node{
		cfg:        cfg,
		executor:   executor,
		rateEngine: rateEngine,
		signer:     signer,
		breakers:   newInterpreterBreakers(),
	}, nil
}

func (n *node) close() {
	n.rateEngine.Stop()
}
