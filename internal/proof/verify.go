package proof

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/sandrun/compute/internal/model"
)

// VerifySignature checks p.Signature against p's canonical bytes using v,
// which only needs the node id (no private key access required).
func VerifySignature(v Verifier, p *model.Proof) (bool, error) {
	return v.Verify(p.NodeID, CanonicalBytes(p), p.Signature)
}

// VerifyTraceIntegrity re-folds the hash chain over p.Trace from the
// genesis hash and confirms every step's recorded Hash, and the final
// FinalHash, match what a fresh fold produces. This is the proof-level
// analogue of original_source's ProofGenerator::verifyTraceIntegrity.
func VerifyTraceIntegrity(p *model.Proof) bool {
	if len(p.Trace) == 0 {
		return false
	}
	chain := genesisHash(p.JobID, p.CodeHash)
	for _, step := range p.Trace {
		chain = foldStepFields(chain, step)
		if chain != step.Hash {
			return false
		}
	}
	return chain == p.FinalHash
}

// foldStepFields is the free-function form of (*Session).foldStep, used
// by verification paths that don't hold a live Session.
func foldStepFields(prevHash string, step model.ExecutionStep) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(strconv.FormatInt(step.TimestampMicros, 10)))
	h.Write([]byte(step.Operation))
	h.Write([]byte(strings.Join(step.Args, "\x1f")))
	h.Write([]byte(step.Result))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyTimestampSequence confirms trace timestamps are non-decreasing,
// catching a tampered or reordered trace even when individual hashes
// happen to collide (original_source: verifyTimestampSequence).
func VerifyTimestampSequence(p *model.Proof) bool {
	for i := 1; i < len(p.Trace); i++ {
		if p.Trace[i].TimestampMicros < p.Trace[i-1].TimestampMicros {
			return false
		}
	}
	return true
}
