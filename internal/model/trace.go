package model

import "time"

// ExecutionStep is one event in a job's execution trace (spec §3).
type ExecutionStep struct {
	TimestampMicros int64 // wall-clock epoch microseconds when the step was recorded
	Operation       string
	Args            []string
	Result          string
	Hash            string // hex SHA-256 over (prevChain, ts, op, args, result)
}

// Checkpoint is the SHA-256 over the cumulative event-hash chain at the
// point it was taken.
type Checkpoint struct {
	StepIndex int
	Hash      string
}

// Proof is the immutable record emitted once a recording session is
// finalized (spec §3, "Proof of compute"). Invariant: FinalHash equals the
// hash chain folded over Trace, and Signature verifies under the
// executor's public key.
type Proof struct {
	JobID       string
	NodeID      string // base64 of the node's raw Ed25519 public key
	CodeHash    string // hex SHA-256 of the input code
	Trace       []ExecutionStep
	FinalHash   string
	Timestamp   time.Time
	Signature   []byte
	Metadata    string
}

// ConsensusResult is the outcome of evaluating a set of proofs for the
// same job (spec §3).
type ConsensusResult struct {
	IsValid          bool
	ConfidenceScore  float64 // in [0, 1]
	AgreeingNodes    []string
	DisagreeingNodes []string
	CanonicalHash    string
	Message          string
}
