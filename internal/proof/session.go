// Package proof implements the proof-of-compute recorder: a hash-chained
// execution trace per job, finalized into a signed Proof, plus the
// cross-node consensus evaluator that compares proofs for the same job.
//
// The trace format is grounded on original_source/include/proof.h's
// ExecutionStep/ProofGenerator; the hash-chain session bookkeeping is
// adapted from internal/evidence/vault.go's EvidenceChain/EvidenceRecord,
// narrowed from a multi-writer append-only ledger to a single job's
// execution trace.
package proof

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sandrun/compute/internal/model"
)

// defaultMaxTraceLength bounds memory use for pathological jobs that emit
// unbounded syscalls; spec §4.2 calls out "a configurable cap on trace
// length" (ProofGenerator::setMaxTraceLength in original_source).
const defaultMaxTraceLength = 100_000

// Session records one job's execution trace and finalizes it into a
// signed Proof. A Session is single-writer: the executor goroutine
// running the job is the only caller of RecordStep/RecordSyscall.
type Session struct {
	mu sync.Mutex

	jobID    string
	codeHash string
	signer   Signer

	steps       []model.ExecutionStep
	checkpoints []model.Checkpoint
	chainHash   string // cumulative hash after the last recorded step

	maxTraceLength int
	checkpointEvery int
	closed         bool
	truncated      bool

	metrics *Metrics
}

// SessionOption configures a Session at construction time.
type SessionOption func(*Session)

// WithMaxTraceLength overrides the default cap on recorded steps.
func WithMaxTraceLength(n int) SessionOption {
	return func(s *Session) { s.maxTraceLength = n }
}

// WithCheckpointInterval makes the session fold a Checkpoint every n
// steps, in addition to the running chain hash kept on every step.
func WithCheckpointInterval(n int) SessionOption {
	return func(s *Session) { s.checkpointEvery = n }
}

// WithMetrics attaches a Metrics recorder; nil leaves metrics disabled.
func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// NewSession starts a trace recording for jobID, executed from code whose
// hash is codeHash (hex SHA-256), signed on finalization by signer.
func NewSession(jobID, codeHash string, signer Signer, opts ...SessionOption) *Session {
	s := &Session{
		jobID:          jobID,
		codeHash:       codeHash,
		signer:         signer,
		maxTraceLength: defaultMaxTraceLength,
		chainHash:      genesisHash(jobID, codeHash),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func genesisHash(jobID, codeHash string) string {
	h := sha256.New()
	h.Write([]byte("sandrun-proof-genesis:"))
	h.Write([]byte(jobID))
	h.Write([]byte(codeHash))
	return hex.EncodeToString(h.Sum(nil))
}

// RecordStep appends an operation/result pair to the trace, folding it
// into the running chain hash. It is the general-purpose recording path;
// RecordSyscall is a thin convenience wrapper over it.
func (s *Session) RecordStep(op string, args []string, result string) (model.ExecutionStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.ExecutionStep{}, model.ErrSessionClosed
	}
	if len(s.steps) >= s.maxTraceLength {
		s.truncated = true
		return model.ExecutionStep{}, fmt.Errorf("trace length cap (%d) reached", s.maxTraceLength)
	}

	step := model.ExecutionStep{
		TimestampMicros: time.Now().UnixMicro(),
		Operation:       op,
		Args:            args,
		Result:          result,
	}
	step.Hash = s.foldStep(step)
	s.chainHash = step.Hash
	s.steps = append(s.steps, step)

	if s.checkpointEvery > 0 && len(s.steps)%s.checkpointEvery == 0 {
		s.checkpoints = append(s.checkpoints, model.Checkpoint{
			StepIndex: len(s.steps) - 1,
			Hash:      s.chainHash,
		})
	}
	if s.metrics != nil {
		s.metrics.stepsRecorded.Inc()
	}
	return step, nil
}

// RecordSyscall records one observed syscall as a step named
// "syscall:<name>".
func (s *Session) RecordSyscall(name string, args []string) (model.ExecutionStep, error) {
	return s.RecordStep("syscall:"+name, args, "")
}

// RecordGPUOp records one GPU kernel launch observed during a GPUSecure
// job, named "gpu:<kernel>" with its launch params as step args.
func (s *Session) RecordGPUOp(kernel string, params []string) (model.ExecutionStep, error) {
	return s.RecordStep("gpu:"+kernel, params, "")
}

// FinalizeStep returns the most-recently recorded event without
// mutating the session, for callers that want to inspect progress
// mid-recording (spec §4.2's finalize_step). ok is false if nothing has
// been recorded yet.
func (s *Session) FinalizeStep() (model.ExecutionStep, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return model.ExecutionStep{}, false
	}
	return s.steps[len(s.steps)-1], true
}

// foldStep computes the next link in the hash chain: SHA-256 over the
// previous chain hash concatenated with the step's fields. Must be called
// with s.mu held. Delegates to the free function shared with verify.go so
// a fresh fold during verification always matches what Finalize produced.
func (s *Session) foldStep(step model.ExecutionStep) string {
	return foldStepFields(s.chainHash, step)
}

// Finalize closes the session and produces a signed Proof over the
// recorded trace. Calling it twice, or on a session with zero steps,
// is an error (spec §7: "a session with zero recorded steps finalizes
// to ErrEmptyTrace").
func (s *Session) Finalize(nodeID string) (*model.Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, model.ErrSessionClosed
	}
	if len(s.steps) == 0 {
		return nil, model.ErrEmptyTrace
	}
	s.closed = true

	proof := &model.Proof{
		JobID:     s.jobID,
		NodeID:    nodeID,
		CodeHash:  s.codeHash,
		Trace:     append([]model.ExecutionStep(nil), s.steps...),
		FinalHash: s.chainHash,
		Timestamp: time.Now(),
	}
	if s.truncated {
		proof.Metadata = "trace_truncated"
	}

	wire := CanonicalBytes(proof)
	proof.Signature = s.signer.Sign(wire)

	if s.metrics != nil {
		s.metrics.proofsFinalized.Inc()
		s.metrics.traceLength.Observe(float64(len(proof.Trace)))
	}
	return proof, nil
}

// StepCount reports how many steps have been recorded so far, for
// callers wanting to cap trace length externally (e.g. the executor
// aborting a runaway job).
func (s *Session) StepCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Checkpoints returns the checkpoints folded so far.
func (s *Session) Checkpoints() []model.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Checkpoint(nil), s.checkpoints...)
}
