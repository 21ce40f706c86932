// Package model holds the data types shared by the sandbox, proof, and
// ratelimit packages: jobs, resource limits, execution traces, proofs,
// consensus results, and quotas.
package model

import "time"

// Interpreter identifies the language runtime a Job's code is executed
// under.
type Interpreter string

const (
	InterpreterPython Interpreter = "python"
	InterpreterNodeJS Interpreter = "nodejs"
	InterpreterRust   Interpreter = "rust"
	InterpreterGo     Interpreter = "go"
	InterpreterCPP    Interpreter = "cpp"
	InterpreterCUDA   Interpreter = "cuda"
)

// JobState is a job's position in its monotone lifecycle:
// queued -> running -> {done, failed, killed}.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
	JobKilled  JobState = "killed"
)

// Terminal reports whether s is one of the frozen terminal states.
func (s JobState) Terminal() bool {
	return s == JobDone || s == JobFailed || s == JobKilled
}

// GPUConfig selects GPU access for a job. Restored from
// original_source/src/sandbox.h's GPUConfig — the spec's "optional GPU
// selection" is this struct, not a bare string.
type GPUConfig struct {
	Enabled       bool
	DeviceType    string // "cuda", "rocm", "intel"
	DeviceIDs     []int
	MemoryLimitMB int64
	ExclusiveMode bool
}

// ResourceLimits bounds what a job may consume. All fields must be
// positive; zero means "disallow entirely" (§3).
type ResourceLimits struct {
	MaxMemoryMB   int64
	MaxCPUSeconds int64
	MaxWallSeconds int64
	MaxOutputMB   int64
	MaxProcesses  int
	MaxOpenFiles  int
	MaxGPUMemoryMB int64 // 0 = no GPU cap requested
}

// Valid reports whether every configured (non-GPU) limit is positive.
func (r ResourceLimits) Valid() bool {
	return r.MaxMemoryMB > 0 && r.MaxCPUSeconds > 0 && r.MaxWallSeconds > 0 &&
		r.MaxOutputMB > 0 && r.MaxProcesses > 0 && r.MaxOpenFiles > 0
}

// Job is the unit of work submitted to the Executor.
type Job struct {
	ID          string
	SubjectID   string
	Code        []byte
	Interpreter Interpreter
	Limits      ResourceLimits
	GPU         *GPUConfig
	Env         map[string]string

	State       JobState
	CreatedAt   time.Time

	Stdout      []byte
	Stderr      []byte
	ExitCode    int
	CPUSeconds  float64
	PeakRSSMB   int64
	WallTime    time.Duration
	TimedOut    bool
	OutputFiles []string
}

// Result is what Executor.Execute returns: the observable outcome of one
// execution, independent of the Job bookkeeping struct above.
type Result struct {
	ExitCode      int
	Stdout        []byte
	Stderr        []byte
	StdoutTruncated bool
	WallTime      time.Duration
	CPUSeconds    float64
	PeakRSSMB     int64
	GPUMemoryUsedMB int64
	TimedOut      bool
	KillReasons   []string // e.g. "wall_timeout", "cpu_timeout", "memory_limit"
	OutputFiles   []string
}
