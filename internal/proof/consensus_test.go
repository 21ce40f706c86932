package proof

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandrun/compute/internal/model"
)

// traceFor builds a deterministic execution trace: fixed synthetic
// timestamps so two independently-assembled proofs for the same job and
// the same sequence of operations fold to the same chain hash, exactly as
// two honest nodes executing the same deterministic code would (spec
// §4.2's determinism obligation).
func traceFor(jobID, codeHash string, ops ...string) []model.ExecutionStep {
	chain := genesisHash(jobID, codeHash)
	steps := make([]model.ExecutionStep, 0, len(ops))
	for i, op := range ops {
		step := model.ExecutionStep{
			TimestampMicros: int64(i) * 1000,
			Operation:       "write",
			Args:            []string{op},
			Result:          "ok",
		}
		step.Hash = foldStepFields(chain, step)
		chain = step.Hash
		steps = append(steps, step)
	}
	return steps
}

// buildProof assembles and signs a Proof over a pre-built trace, bypassing
// Session so tests control timestamps precisely instead of depending on
// wall-clock recording order.
func buildProof(jobID, codeHash string, trace []model.ExecutionStep, signer Signer) *model.Proof {
	finalHash := genesisHash(jobID, codeHash)
	if len(trace) > 0 {
		finalHash = trace[len(trace)-1].Hash
	}
	p := &model.Proof{
		JobID:     jobID,
		NodeID:    signer.NodeID(),
		CodeHash:  codeHash,
		Trace:     trace,
		FinalHash: finalHash,
		Timestamp: time.Unix(1700000000, 0),
	}
	p.Signature = signer.Sign(CanonicalBytes(p))
	return p
}

// TestConsensus_AgreeingNodes covers spec scenario 4: three nodes run the
// same deterministic job and produce identical traces, landing in the same
// final-hash bucket with full confidence.
func TestConsensus_AgreeingNodes(t *testing.T) {
	verifier := NewVerifier()
	evaluator := NewConsensusEvaluator(verifier)

	ops := []string{"hello", "world", "exit"}
	var proofs []*model.Proof
	for i := 0; i < 3; i++ {
		signer, err := NewSigner()
		require.NoError(t, err)
		proofs = append(proofs, buildProof("job-1", "codehash-1", traceFor("job-1", "codehash-1", ops...), signer))
	}

	result := evaluator.Validate(proofs)
	assert.True(t, result.IsValid)
	assert.Equal(t, 1.0, result.ConfidenceScore)
	assert.Len(t, result.AgreeingNodes, 3)
	assert.Empty(t, result.DisagreeingNodes)
}

// TestConsensus_DisagreeingNode covers nodes that diverge from each other
// into separate buckets, none commanding the 0.66 agreement threshold.
func TestConsensus_DisagreeingNode(t *testing.T) {
	verifier := NewVerifier()
	evaluator := NewConsensusEvaluator(verifier)

	var proofs []*model.Proof
	var agreeingIDs []string
	for i := 0; i < 2; i++ {
		signer, err := NewSigner()
		require.NoError(t, err)
		p := buildProof("job-2", "codehash-2", traceFor("job-2", "codehash-2", "a", "b"), signer)
		proofs = append(proofs, p)
		agreeingIDs = append(agreeingIDs, signer.NodeID())
	}

	var rogueIDs []string
	for i := 0; i < 2; i++ {
		rogueSigner, err := NewSigner()
		require.NoError(t, err)
		p := buildProof("job-2", "codehash-2", traceFor("job-2", "codehash-2", "x", rogueSigner.NodeID()), rogueSigner)
		proofs = append(proofs, p)
		rogueIDs = append(rogueIDs, rogueSigner.NodeID())
	}

	result := evaluator.Validate(proofs)
	assert.False(t, result.IsValid) // canonical bucket holds 2/4 weight, below the 0.66 threshold
	assert.InDelta(t, 0.5, result.ConfidenceScore, 0.001)
	assert.ElementsMatch(t, agreeingIDs, result.AgreeingNodes)
	for _, id := range rogueIDs {
		assert.Contains(t, result.DisagreeingNodes, id)
	}
}

func TestConsensus_BadSignatureExcluded(t *testing.T) {
	verifier := NewVerifier()
	evaluator := NewConsensusEvaluator(verifier)

	signer, err := NewSigner()
	require.NoError(t, err)
	p := buildProof("job-3", "codehash-3", traceFor("job-3", "codehash-3", "a", "b"), signer)
	p.Signature[0] ^= 0xFF // corrupt the signature

	result := evaluator.Validate([]*model.Proof{p})
	assert.False(t, result.IsValid)
	assert.Equal(t, "no proof passed signature or integrity verification", result.Message)
}

func TestConsensus_NoProofsSubmitted(t *testing.T) {
	evaluator := NewConsensusEvaluator(NewVerifier())
	result := evaluator.Validate(nil)
	assert.False(t, result.IsValid)
	assert.Equal(t, "no proofs submitted", result.Message)
}

func TestConsensus_StakeWeighting(t *testing.T) {
	verifier := NewVerifier()
	evaluator := NewConsensusEvaluator(verifier, WithConsensusThreshold(0.6))

	signerA, err := NewSigner()
	require.NoError(t, err)
	signerB, err := NewSigner()
	require.NoError(t, err)

	pA := buildProof("job-4", "codehash-4", traceFor("job-4", "codehash-4", "a", "b", "c"), signerA)
	pB := buildProof("job-4", "codehash-4", traceFor("job-4", "codehash-4", "different"), signerB)

	stakes := map[string]float64{
		signerA.NodeID(): 0.8,
		signerB.NodeID(): 0.2,
	}
	result := evaluator.ValidateWithStakeWeighting([]*model.Proof{pA, pB}, stakes)
	assert.True(t, result.IsValid)
	assert.InDelta(t, 0.8, result.ConfidenceScore, 0.001)
	assert.Contains(t, result.AgreeingNodes, signerA.NodeID())
}

func TestConsensus_ReputationWeightingBelowThreshold(t *testing.T) {
	verifier := NewVerifier()
	evaluator := NewConsensusEvaluator(verifier) // default 0.66

	signerA, err := NewSigner()
	require.NoError(t, err)
	signerB, err := NewSigner()
	require.NoError(t, err)

	pA := buildProof("job-4b", "codehash-4b", traceFor("job-4b", "codehash-4b", "a"), signerA)
	pB := buildProof("job-4b", "codehash-4b", traceFor("job-4b", "codehash-4b", "b"), signerB)

	reputation := map[string]float64{
		signerA.NodeID(): 0.5,
		signerB.NodeID(): 0.5,
	}
	result := evaluator.ValidateWithReputationScoring([]*model.Proof{pA, pB}, reputation)
	assert.False(t, result.IsValid)
	assert.InDelta(t, 0.5, result.ConfidenceScore, 0.001)
}

func TestCompareTraces_IdenticalIsOne(t *testing.T) {
	evaluator := NewConsensusEvaluator(NewVerifier())
	signer1, err := NewSigner()
	require.NoError(t, err)
	signer2, err := NewSigner()
	require.NoError(t, err)

	p1 := buildProof("job-5", "codehash-5", traceFor("job-5", "codehash-5", "a", "b", "c"), signer1)
	p2 := buildProof("job-5", "codehash-5", traceFor("job-5", "codehash-5", "a", "b", "c"), signer2)

	result := evaluator.CompareTraces([]*model.Proof{p1, p2})
	assert.Equal(t, 1.0, result.ConfidenceScore)
	assert.True(t, result.IsValid)
}

func TestCompareTraces_DivergentTraces(t *testing.T) {
	evaluator := NewConsensusEvaluator(NewVerifier())
	signer, err := NewSigner()
	require.NoError(t, err)

	p1 := buildProof("job-6", "codehash-6", traceFor("job-6", "codehash-6", "a", "b"), signer)
	p2 := buildProof("job-6", "codehash-6", traceFor("job-6", "codehash-6", "x", "y"), signer)

	result := evaluator.CompareTraces([]*model.Proof{p1, p2})
	assert.Equal(t, 0.0, result.ConfidenceScore)
	assert.False(t, result.IsValid)
}

func TestCompareTraces_PartialOverlap(t *testing.T) {
	evaluator := NewConsensusEvaluator(NewVerifier())
	signer, err := NewSigner()
	require.NoError(t, err)

	// Shares a common leading step, diverges after.
	p1 := buildProof("job-6b", "codehash-6b", traceFor("job-6b", "codehash-6b", "a", "b", "c"), signer)
	p2 := buildProof("job-6b", "codehash-6b", traceFor("job-6b", "codehash-6b", "a", "x", "y"), signer)

	result := evaluator.CompareTraces([]*model.Proof{p1, p2})
	assert.Greater(t, result.ConfidenceScore, 0.0)
	assert.Less(t, result.ConfidenceScore, 1.0)
}

func TestVerifyTraceIntegrity_DetectsTampering(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)
	p := buildProof("job-7", "codehash-7", traceFor("job-7", "codehash-7", "a", "b", "c"), signer)

	assert.True(t, VerifyTraceIntegrity(p))
	p.Trace[1].Result = "tampered"
	assert.False(t, VerifyTraceIntegrity(p))
}

func TestVerifyTraceIntegrity_EmptyTraceIsInvalid(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)
	p := buildProof("job-7b", "codehash-7b", nil, signer)
	assert.False(t, VerifyTraceIntegrity(p))
}

func TestVerifyTimestampSequence(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)
	p := buildProof("job-7c", "codehash-7c", traceFor("job-7c", "codehash-7c", "a", "b"), signer)
	assert.True(t, VerifyTimestampSequence(p))

	p.Trace[0], p.Trace[1] = p.Trace[1], p.Trace[0]
	assert.False(t, VerifyTimestampSequence(p))
}

func TestVerifySignature_RoundTrip(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)
	p := buildProof("job-7d", "codehash-7d", traceFor("job-7d", "codehash-7d", "a"), signer)

	ok, err := VerifySignature(NewVerifier(), p)
	require.NoError(t, err)
	assert.True(t, ok)

	p.Signature[0] ^= 0xFF
	ok, err = VerifySignature(NewVerifier(), p)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindCanonicalTrace(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)

	majorityOps := traceFor("job-8", "codehash-8", "a", "b", "c")
	pA := buildProof("job-8", "codehash-8", majorityOps, signer)
	pB := buildProof("job-8", "codehash-8", majorityOps, signer)
	pC := buildProof("job-8", "codehash-8", traceFor("job-8", "codehash-8", "x", "y", "z"), signer)

	hash := FindCanonicalTrace([]*model.Proof{pA, pB, pC}, 0.6)
	assert.Equal(t, pA.FinalHash, hash)
}

func TestFindCanonicalTrace_BelowThresholdReturnsEmpty(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)

	majorityOps := traceFor("job-8b", "codehash-8b", "a", "b", "c")
	pA := buildProof("job-8b", "codehash-8b", majorityOps, signer)
	pB := buildProof("job-8b", "codehash-8b", majorityOps, signer)
	pC := buildProof("job-8b", "codehash-8b", traceFor("job-8b", "codehash-8b", "x", "y", "z"), signer)

	hash := FindCanonicalTrace([]*model.Proof{pA, pB, pC}, 0.9)
	assert.Empty(t, hash)
}

func TestDetectMaliciousNodes(t *testing.T) {
	signerA, err := NewSigner()
	require.NoError(t, err)
	signerB, err := NewSigner()
	require.NoError(t, err)
	signerC, err := NewSigner()
	require.NoError(t, err)

	ops := traceFor("job-9", "codehash-9", "a", "b", "c", "d", "e")
	pA := buildProof("job-9", "codehash-9", ops, signerA)
	pB := buildProof("job-9", "codehash-9", ops, signerB)
	pC := buildProof("job-9", "codehash-9", traceFor("job-9", "codehash-9", "totally", "different"), signerC)

	flagged := DetectMaliciousNodes([]*model.Proof{pA, pB, pC})
	assert.Contains(t, flagged, signerC.NodeID())
	assert.NotContains(t, flagged, signerA.NodeID())
}

func TestSession_EmptyTraceFinalizeFails(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)
	s := NewSession("job-10", "codehash-10", signer)
	_, err = s.Finalize(signer.NodeID())
	assert.ErrorIs(t, err, model.ErrEmptyTrace)
}

func TestSession_DoubleFinalizeFails(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)
	s := NewSession("job-11", "codehash-11", signer)
	_, err = s.RecordStep("write", []string{"a"}, "ok")
	require.NoError(t, err)
	_, err = s.Finalize(signer.NodeID())
	require.NoError(t, err)
	_, err = s.Finalize(signer.NodeID())
	assert.ErrorIs(t, err, model.ErrSessionClosed)
}

func TestSession_RecordStepAfterCloseFails(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)
	s := NewSession("job-12", "codehash-12", signer)
	_, err = s.RecordStep("write", []string{"a"}, "ok")
	require.NoError(t, err)
	_, err = s.Finalize(signer.NodeID())
	require.NoError(t, err)

	_, err = s.RecordStep("write", []string{"b"}, "ok")
	assert.ErrorIs(t, err, model.ErrSessionClosed)
}

func TestSession_FinalizeStepReturnsLastRecordedEvent(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)
	s := NewSession("job-14", "codehash-14", signer)

	_, ok := s.FinalizeStep()
	assert.False(t, ok)

	_, err = s.RecordStep("write", []string{"a"}, "ok")
	require.NoError(t, err)
	_, err = s.RecordStep("write", []string{"b"}, "ok")
	require.NoError(t, err)

	last, ok := s.FinalizeStep()
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, last.Args)

	// Inspection only: the session still accepts further steps.
	_, err = s.RecordStep("write", []string{"c"}, "ok")
	assert.NoError(t, err)
}

func TestSession_TraceLengthCap(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)
	s := NewSession("job-13", "codehash-13", signer, WithMaxTraceLength(2))
	_, err = s.RecordStep("write", []string{"a"}, "ok")
	require.NoError(t, err)
	_, err = s.RecordStep("write", []string{"b"}, "ok")
	require.NoError(t, err)
	_, err = s.RecordStep("write", []string{"c"}, "ok")
	assert.Error(t, err)
	assert.Equal(t, 2, s.StepCount())
}
