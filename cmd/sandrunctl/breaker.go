package main

import (
	"context"
	"errors"
	"time"

	"github.com/sandrun/compute/internal/circuitbreaker"
	"github.com/sandrun/compute/internal/model"
)

// interpreterBreakers wraps one circuit breaker per interpreter tag, so a
// broken toolchain (missing nvcc, a stale container image) trips open and
// fails fast instead of retrying every submission while healthy
// interpreters keep serving jobs normally. Adapted from the teacher's
// AOCS-specific pre-configured breaker set in internal/circuitbreaker;
// this set is keyed by model.Interpreter instead of by service name.
type interpreterBreakers struct {
	manager *circuitbreaker.Manager
}

func newInterpreterBreakers() *interpreterBreakers {
	cfg := circuitbreaker.DefaultConfig("")
	cfg.MaxRequests = 2
	cfg.Interval = 60 * time.Second
	cfg.Timeout = 30 * time.Second
	cfg.ReadyToTrip = func(c circuitbreaker.Counts) bool {
		return c.ConsecutiveFailures >= 3
	}
	return &interpreterBreakers{manager: circuitbreaker.NewManager(cfg)}
}

// Guard runs fn through the named interpreter's breaker, tripping it on
// ErrSpawnFailed or ErrInterpreterUnavailable; any other error from fn is
// returned to the caller without counting against the breaker. It takes
// ctx so a canceled submission (e.g. the CLI's own wall-clock timeout)
// unwinds through the breaker's bookkeeping instead of bypassing it.
func (b *interpreterBreakers) Guard(ctx context.Context, interp model.Interpreter, fn func(context.Context) (*model.Result, error)) (*model.Result, error) {
	cb := b.manager.Get(string(interp))
	var jobErr error
	result, err := cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		r, err := fn(ctx)
		if err != nil && !errors.Is(err, model.ErrSpawnFailed) && !errors.Is(err, model.ErrInterpreterUnavailable) {
			jobErr = err
			return nil, nil
		}
		return r, err
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return nil, errors.Join(model.ErrInterpreterUnavailable, err)
		}
		return nil, err
	}
	if jobErr != nil {
		return nil, jobErr
	}
	return result.(*model.Result), nil
}

// Health reports HEALTHY/DEGRADED across every interpreter breaker seen
// so far, and the per-interpreter state.
func (b *interpreterBreakers) Health() (string, map[string]string) {
	return b.manager.HealthStatus()
}
