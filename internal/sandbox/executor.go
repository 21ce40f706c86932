// Package sandbox implements the Executor (spec §4.1): process
// isolation, resource limit enforcement, output capture, and lifecycle
// control for one job at a time per worker slot.
//
// The worker-pool/backend split is grounded on
// internal/gvisor/sandbox_executor.go's "demo mode" fallback (Standard
// and above prefer the container backend, but degrade to the
// bare-process backend when no container runtime is reachable) and
// internal/ghostpool/pool_manager.go's acquire/release channel pattern.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sandrun/compute/internal/model"
	"github.com/sandrun/compute/internal/proof"
	"github.com/sandrun/compute/internal/ratelimit"
)

// StepRecorder is the subset of *proof.Session the executor writes
// lifecycle events to (spec §2: "the executor emits events to the
// recorder"). Accepting an interface rather than *proof.Session lets a
// job run unrecorded (nil) or be recorded by a fake in tests.
type StepRecorder interface {
	RecordStep(op string, args []string, result string) (model.ExecutionStep, error)
	RecordGPUOp(kernel string, params []string) (model.ExecutionStep, error)
}

// Executor runs admitted jobs in isolated child processes and reports
// their outcome. It consumes a *ratelimit.Engine for admission/metering
// and a proof.Signer for recording execution traces, per SPEC_FULL's
// dependency order (rate engine and proof recorder are leaves the
// executor sits on top of).
type Executor struct {
	pool            *workerPool
	fs              Filesystem
	defaultTier     Tier
	allowNetwork    bool
	container       *containerBackend
	containerImage  string
	rateEngine      *ratelimit.Engine
	signer          proof.Signer
	nodeID          string
	metrics         *Metrics
	proofMetrics    *proof.Metrics
	logger          *slog.Logger
	maxTraceLength  int
	checkpointEvery int

	mu      sync.Mutex
	running map[string]*runningJob
	proofs  map[string]*model.Proof
}

type runningJob struct {
	cancel    context.CancelFunc
	pgid      int
	container *containerRun
	killed    bool
}

// Option configures an Executor at construction time.
type Option func(*Executor)

func WithWorkerPoolSize(n int) Option   { return func(e *Executor) { e.pool = newWorkerPool(n) } }
func WithDefaultTier(t Tier) Option     { return func(e *Executor) { e.defaultTier = t } }
func WithAllowNetwork(allow bool) Option { return func(e *Executor) { e.allowNetwork = allow } }
func WithContainerImage(image string) Option {
	return func(e *Executor) {
		e.containerImage = image
		e.container = newContainerBackend(image)
	}
}
func WithRateEngine(r *ratelimit.Engine) Option { return func(e *Executor) { e.rateEngine = r } }
func WithSigner(s proof.Signer) Option          { return func(e *Executor) { e.signer = s; e.nodeID = s.NodeID() } }
func WithMetrics(m *Metrics) Option             { return func(e *Executor) { e.metrics = m } }
func WithProofMetrics(m *proof.Metrics) Option  { return func(e *Executor) { e.proofMetrics = m } }
func WithFilesystem(fs Filesystem) Option       { return func(e *Executor) { e.fs = fs } }
func WithLogger(l *slog.Logger) Option          { return func(e *Executor) { e.logger = l } }

// WithMaxTraceLength caps the number of steps a job's proof session will
// record before RecordStep starts returning an error (passed through to
// proof.WithMaxTraceLength). Zero leaves the session's own default.
func WithMaxTraceLength(n int) Option { return func(e *Executor) { e.maxTraceLength = n } }

// WithCheckpointInterval makes every job's proof session fold a
// Checkpoint every n steps, passed through to proof.WithCheckpointInterval.
func WithCheckpointInterval(n int) Option { return func(e *Executor) { e.checkpointEvery = n } }

// NewExecutor builds an Executor with sane defaults: four worker slots,
// Minimal isolation, and the OS filesystem rooted at /tmp/sandrun-jobs.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		pool:        newWorkerPool(4),
		fs:          NewOSFilesystem("/tmp/sandrun-jobs"),
		defaultTier: TierMinimal,
		running:     make(map[string]*runningJob),
		proofs:      make(map[string]*model.Proof),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs job to completion: admission, working-directory setup,
// child spawn under the job's isolation tier, output capture, limit
// enforcement, and proof recording (spec §2, end-to-end control flow).
func (e *Executor) Execute(ctx context.Context, job *model.Job) (*model.Result, error) {
	if !job.Limits.Valid() {
		return nil, fmt.Errorf("%w: resource limits must all be positive", model.ErrSpawnFailed)
	}

	if e.rateEngine != nil {
		if err := e.rateEngine.MarkJobStarted(job.SubjectID, job.ID); err != nil {
			return nil, err
		}
		defer e.rateEngine.MarkJobCompleted(job.SubjectID, job.ID)

		if job.Limits.MaxMemoryMB > 0 {
			if err := e.rateEngine.Acquire(job.SubjectID, model.KindMemoryUsage, job.Limits.MaxMemoryMB); err != nil {
				return nil, err
			}
			defer e.rateEngine.Release(job.SubjectID, model.KindMemoryUsage, job.Limits.MaxMemoryMB)
		}
	}

	if err := e.pool.acquire(ctx); err != nil {
		return nil, fmt.Errorf("waiting for a worker slot: %w", err)
	}
	defer e.pool.release()
	if e.metrics != nil {
		e.metrics.WorkerSlotsUsed.Set(float64(e.pool.capacity() - e.pool.available()))
	}

	var session *proof.Session
	if e.signer != nil {
		codeHash := sha256Hex(job.Code)
		sessOpts := []proof.SessionOption{proof.WithMetrics(e.proofMetrics)}
		if e.maxTraceLength > 0 {
			sessOpts = append(sessOpts, proof.WithMaxTraceLength(e.maxTraceLength))
		}
		if e.checkpointEvery > 0 {
			sessOpts = append(sessOpts, proof.WithCheckpointInterval(e.checkpointEvery))
		}
		session = proof.NewSession(job.ID, codeHash, e.signer, sessOpts...)
		session.RecordStep("submit", []string{string(job.Interpreter)}, string(model.JobQueued))
	}

	var rec StepRecorder
	if session != nil {
		rec = session
	}
	result, runErr := e.runJob(ctx, job, rec)

	if session != nil {
		outcome := string(model.JobDone)
		if runErr != nil {
			outcome = string(model.JobFailed)
		} else if result != nil && result.TimedOut {
			outcome = string(model.JobKilled)
		}
		exitCode := 0
		if result != nil {
			exitCode = result.ExitCode
		}
		session.RecordStep("exit", []string{fmt.Sprintf("%d", exitCode)}, outcome)
		if p, ferr := session.Finalize(e.nodeID); ferr == nil {
			e.mu.Lock()
			e.proofs[job.ID] = p
			e.mu.Unlock()
		} else {
			e.logger.Warn("proof finalize failed", "job_id", job.ID, "error", ferr)
		}
	}

	if e.metrics != nil {
		state := "done"
		if runErr != nil {
			state = "failed"
		} else if result != nil && result.TimedOut {
			state = "killed"
		}
		e.metrics.Executions.WithLabelValues(state).Inc()
		if result != nil {
			e.metrics.WallTime.Observe(result.WallTime.Seconds())
			e.metrics.PeakMemoryMB.Observe(float64(result.PeakRSSMB))
			for _, reason := range result.KillReasons {
				e.metrics.KillReasons.WithLabelValues(reason).Inc()
			}
		}
	}

	return result, runErr
}

// Proof returns the proof recorded for jobID, if the Executor was
// constructed with a Signer and the job has finished.
func (e *Executor) Proof(jobID string) (*model.Proof, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proofs[jobID]
	return p, ok
}

// Kill asynchronously requests termination of a running job, signaling
// its entire process group (spec §4.1 edge case: "a child that
// daemonizes multiple descendants is bounded by the process-count
// limit; on kill, send the signal to the entire process group").
func (e *Executor) Kill(jobID string) bool {
	e.mu.Lock()
	rj, ok := e.running[jobID]
	if ok {
		rj.killed = true
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	if rj.container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rj.container.kill(ctx); err != nil {
			e.logger.Warn("container kill failed", "job_id", jobID, "error", err)
		}
	} else if rj.pgid != 0 {
		_ = syscall.Kill(-rj.pgid, syscall.SIGKILL)
	}
	rj.cancel()
	return true
}

func (e *Executor) register(jobID string, rj *runningJob) {
	e.mu.Lock()
	e.running[jobID] = rj
	e.mu.Unlock()
}

func (e *Executor) unregister(jobID string) {
	e.mu.Lock()
	delete(e.running, jobID)
	e.mu.Unlock()
}

// runJob implements spec §4.1 steps 1-6 for one job. Container-backed
// tiers run under the container backend when a container runtime is
// reachable and fall through to the bare-process backend otherwise,
// mirroring the teacher's demo-mode fallback.
func (e *Executor) runJob(ctx context.Context, job *model.Job, rec StepRecorder) (*model.Result, error) {
	workDir, err := e.fs.MkdirTemp("job-" + job.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInternalIO, err)
	}
	defer e.fs.RemoveAll(workDir)

	ext, ok := codeFileExtension(job.Interpreter)
	if !ok {
		return nil, fmt.Errorf("%w: unknown interpreter tag %q", model.ErrInterpreterUnavailable, job.Interpreter)
	}
	codePath := filepath.Join(workDir, "code"+ext)
	if err := e.fs.WriteFile(codePath, job.Code, 0o600); err != nil {
		return nil, fmt.Errorf("%w: writing code file: %v", model.ErrInternalIO, err)
	}

	argv, err := resolveInterpreter(job.Interpreter, codePath, job.GPU)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		rec.RecordStep("resolve_interpreter", argv, "ok")
	}

	tier := e.defaultTier
	if job.GPU != nil && job.GPU.Enabled {
		tier = TierGPUSecure
		e.logger.Info("admitting GPU job with advisory memory cap, no driver-level enforcement",
			"job_id", job.ID, "device_type", job.GPU.DeviceType, "max_gpu_memory_mb", job.Limits.MaxGPUMemoryMB)
		if rec != nil {
			rec.RecordGPUOp("device_attach", []string{job.GPU.DeviceType, fmt.Sprintf("%v", job.GPU.DeviceIDs)})
		}
	}

	if tier.usesContainerBackend() && e.container != nil && e.container.available(ctx) {
		return e.runInContainer(ctx, job, tier, argv, workDir, codePath, rec)
	}
	return e.runBareProcess(ctx, job, tier, argv, workDir, codePath, rec)
}

func (e *Executor) runBareProcess(ctx context.Context, job *model.Job, tier Tier, argv []string, workDir, codePath string, rec StepRecorder) (*model.Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = buildChildEnv(job.Env, job.GPU)
	cmd.SysProcAttr = sysProcAttrFor(tier, e.allowNetwork)

	stdoutCap := newCappedBuffer(int(job.Limits.MaxOutputMB) * 1024 * 1024)
	stderrCap := newCappedBuffer(int(job.Limits.MaxOutputMB) * 1024 * 1024)
	cmd.Stdout = stdoutCap
	cmd.Stderr = stderrCap

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSpawnFailed, err)
	}
	pid := cmd.Process.Pid
	if rec != nil {
		rec.RecordStep("spawn", []string{fmt.Sprintf("pid=%d", pid), string(tier)}, "started")
	}
	if err := applyRlimits(pid, job.Limits); err != nil {
		e.logger.Warn("applying rlimits failed", "job_id", job.ID, "pid", pid, "error", err)
	}

	rj := &runningJob{cancel: cancel, pgid: pid}
	e.register(job.ID, rj)
	defer e.unregister(job.ID)

	memMon := newMemoryMonitor(pid, job.Limits.MaxMemoryMB)
	defer memMon.Stop()

	if tier.usesSyscallTap() {
		if tap, err := newSyscallTap(func(ev syscallEvent) {
			if rec != nil {
				rec.RecordStep("syscall:"+ev.Name, ev.Args, "observed")
			}
		}); err != nil {
			e.logger.Warn("syscall tap unavailable", "job_id", job.ID, "error", err)
		} else {
			tap.start()
			defer tap.close()
		}
	}

	killReasons := e.watchLimits(runCtx, job, pid, memMon, cancel)

	waitErr := cmd.Wait()
	wallTime := time.Since(start)
	cpu, _ := cpuSeconds(pid)
	if cpu == 0 {
		if ps := cmd.ProcessState; ps != nil {
			cpu = ps.UserTime().Seconds() + ps.SystemTime().Seconds()
		}
	}

	reasons := killReasons.snapshot()
	timedOut := len(reasons) > 0

	exitCode := exitCodeFrom(waitErr, cmd)
	if rec != nil {
		rec.RecordStep("wait", []string{fmt.Sprintf("exit=%d", exitCode)}, waitOutcome(waitErr))
	}

	// A write stopped by the file-size cap leaves a truncated, unusable
	// file behind: either the child is killed by SIGXFSZ, or it ignores
	// the signal (Python does), its write fails with EFBIG and the file
	// stops at exactly the cap. Neither kind of file is listed.
	var outFiles []string
	if exitCode != -int(syscall.SIGXFSZ) {
		listed, err := e.fs.ListFiles(workDir, codePath)
		if err != nil {
			e.logger.Warn("listing output files failed", "job_id", job.ID, "error", err)
		}
		fsizeCap := job.Limits.MaxOutputMB * 1024 * 1024
		for _, f := range listed {
			if fi, statErr := os.Stat(f); statErr == nil && fi.Size() >= fsizeCap {
				continue
			}
			outFiles = append(outFiles, f)
		}
	}

	result := &model.Result{
		ExitCode:        exitCode,
		Stdout:          stdoutCap.Bytes(),
		Stderr:          stderrCap.Bytes(),
		StdoutTruncated: stdoutCap.Truncated(),
		WallTime:        wallTime,
		CPUSeconds:      cpu,
		PeakRSSMB:       memMon.Peak(),
		TimedOut:        timedOut,
		KillReasons:     reasons,
		OutputFiles:     outFiles,
	}
	applyGPUAdvisory(result, job)
	return result, nil
}

// applyGPUAdvisory fills Result.GPUMemoryUsedMB with the job's requested
// cap rather than a measured figure: no driver hook samples actual GPU
// memory use, so the requested cap is the only number there is to report
// (spec §9, Open Question 3 — "kept advisory").
func applyGPUAdvisory(result *model.Result, job *model.Job) {
	if job.GPU != nil && job.GPU.Enabled {
		result.GPUMemoryUsedMB = job.Limits.MaxGPUMemoryMB
	}
}

// limitBreaches tracks which limit(s) triggered a kill, for the
// "both reasons may be reported" tie-break (spec §4.1 edge case).
type limitBreaches struct {
	mu      sync.Mutex
	reasons []string
}

func (l *limitBreaches) add(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.reasons {
		if r == reason {
			return
		}
	}
	l.reasons = append(l.reasons, reason)
}

func (l *limitBreaches) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.reasons...)
}

// watchLimits enforces the wall timer, a software CPU-time watchdog,
// and the memory monitor's exceeded signal, killing the process group
// on whichever fires first and recording every reason that applies at
// that moment (spec §4.1 step 5 and the dual-timer tie-break edge case).
func (e *Executor) watchLimits(ctx context.Context, job *model.Job, pid int, mem *memoryMonitor, kill context.CancelFunc) *limitBreaches {
	breaches := &limitBreaches{}
	fired := make(chan struct{})
	var once sync.Once

	trigger := func(reason string) {
		breaches.add(reason)
		once.Do(func() {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			close(fired)
		})
	}

	go func() {
		wallTimer := time.NewTimer(time.Duration(job.Limits.MaxWallSeconds) * time.Second)
		defer wallTimer.Stop()
		cpuTicker := time.NewTicker(200 * time.Millisecond)
		defer cpuTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-wallTimer.C:
				trigger("wall_timeout")
				return
			case <-mem.exceeded:
				trigger("memory_limit")
				// Keep watching: a near-simultaneous wall/cpu breach
				// should still be recorded in metadata even though the
				// process is already being killed.
			case <-cpuTicker.C:
				secs, _ := cpuSeconds(pid)
				if job.Limits.MaxCPUSeconds > 0 && int64(secs) >= job.Limits.MaxCPUSeconds {
					trigger("cpu_timeout")
					return
				}
			case <-fired:
				return
			}
		}
	}()

	_ = kill // cancel() is invoked by the caller on normal completion; watchLimits only kills via SIGKILL.
	return breaches
}

func (e *Executor) runInContainer(ctx context.Context, job *model.Job, tier Tier, argv []string, workDir, codePath string, rec StepRecorder) (*model.Result, error) {
	run, err := e.container.start(ctx, tier, argv, workDir, job.Limits, job.GPU, e.allowNetwork)
	if err != nil {
		return nil, err
	}
	rj := &runningJob{cancel: func() {}, container: run}
	e.register(job.ID, rj)
	defer e.unregister(job.ID)
	defer run.cleanup(context.Background())

	if rec != nil {
		rec.RecordStep("spawn", []string{"container:" + run.id[:12], string(tier)}, "started")
	}

	start := time.Now()
	logs, err := run.logs(ctx)
	stdoutCap := newCappedBuffer(int(job.Limits.MaxOutputMB) * 1024 * 1024)
	if err == nil {
		go func() {
			defer logs.Close()
			io.Copy(stdoutCap, logs)
		}()
	}

	exitCode, waitErr := run.wait(ctx)
	wallTime := time.Since(start)

	result := &model.Result{
		ExitCode:        exitCode,
		Stdout:          stdoutCap.Bytes(),
		StdoutTruncated: stdoutCap.Truncated(),
		WallTime:        wallTime,
		TimedOut:        waitErr != nil && ctx.Err() != nil,
	}
	if result.TimedOut {
		result.KillReasons = []string{"wall_timeout"}
	}
	if rec != nil {
		rec.RecordStep("wait", []string{fmt.Sprintf("exit=%d", exitCode)}, "container_exited")
	}
	applyGPUAdvisory(result, job)
	return result, nil
}

func sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func buildChildEnv(jobEnv map[string]string, gpu *model.GPUConfig) []string {
	env := make([]string, 0, len(jobEnv)+2)
	for k, v := range jobEnv {
		env = append(env, k+"="+v)
	}
	if gpu != nil && gpu.Enabled {
		env = append(env, "SANDRUN_GPU_EXCLUSIVE=1")
		if gpu.ExclusiveMode {
			env = append(env, "CUDA_EXCLUSIVE_MODE=1")
		}
	}
	return env
}

func exitCodeFrom(waitErr error, cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	if status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			return -int(status.Signal())
		}
		return status.ExitStatus()
	}
	if waitErr == nil {
		return 0
	}
	return -1
}

func waitOutcome(err error) string {
	if err == nil {
		return "exited"
	}
	return err.Error()
}
