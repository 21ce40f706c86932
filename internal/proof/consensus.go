package proof

import (
	"sort"

	"github.com/sandrun/compute/internal/model"
)

// defaultConsensusThreshold is the fraction of weighted agreement a job's
// proof set must clear to be declared valid (original_source:
// ConsensusEngine::setConsensusThreshold default).
const defaultConsensusThreshold = 0.66

// ConsensusEvaluator compares the proofs submitted by several nodes for
// the same job and decides whether they agree, grounded on
// original_source/include/proof.h's ConsensusEngine.
type ConsensusEvaluator struct {
	verifier  Verifier
	threshold float64
	metrics   *Metrics
}

// ConsensusOption configures a ConsensusEvaluator.
type ConsensusOption func(*ConsensusEvaluator)

// WithConsensusThreshold overrides the default 0.66 agreement fraction.
func WithConsensusThreshold(t float64) ConsensusOption {
	return func(c *ConsensusEvaluator) { c.threshold = t }
}

// WithConsensusMetrics attaches a Metrics recorder.
func WithConsensusMetrics(m *Metrics) ConsensusOption {
	return func(c *ConsensusEvaluator) { c.metrics = m }
}

// NewConsensusEvaluator builds an evaluator that verifies signatures with v.
func NewConsensusEvaluator(v Verifier, opts ...ConsensusOption) *ConsensusEvaluator {
	c := &ConsensusEvaluator{verifier: v, threshold: defaultConsensusThreshold}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NodeWeight pairs a node id with a stake or reputation weight in [0, 1]
// for the weighted consensus variants.
type NodeWeight struct {
	NodeID string
	Weight float64
}

// Validate runs the unweighted consensus check: every valid, well-signed
// proof counts equally. It rejects proofs with a bad signature or broken
// trace integrity before any voting happens and lists their nodes in
// DisagreeingNodes.
func (c *ConsensusEvaluator) Validate(proofs []*model.Proof) model.ConsensusResult {
	weights := make([]NodeWeight, 0, len(proofs))
	for _, p := range proofs {
		weights = append(weights, NodeWeight{NodeID: p.NodeID, Weight: 1})
	}
	return c.validateWeighted(proofs, weights)
}

// ValidateWithStakeWeighting weighs each node's vote by its economic
// stake rather than counting nodes equally (original_source:
// verifyWithStakeWeighting).
func (c *ConsensusEvaluator) ValidateWithStakeWeighting(proofs []*model.Proof, stakes map[string]float64) model.ConsensusResult {
	return c.validateWeighted(proofs, weightsFromMap(proofs, stakes))
}

// ValidateWithReputationScoring weighs each node's vote by a reputation
// score instead of stake (original_source: verifyWithReputationScoring).
func (c *ConsensusEvaluator) ValidateWithReputationScoring(proofs []*model.Proof, reputation map[string]float64) model.ConsensusResult {
	return c.validateWeighted(proofs, weightsFromMap(proofs, reputation))
}

func weightsFromMap(proofs []*model.Proof, m map[string]float64) []NodeWeight {
	weights := make([]NodeWeight, 0, len(proofs))
	for _, p := range proofs {
		w, ok := m[p.NodeID]
		if !ok {
			w = 0
		}
		weights = append(weights, NodeWeight{NodeID: p.NodeID, Weight: w})
	}
	return weights
}

func (c *ConsensusEvaluator) validateWeighted(proofs []*model.Proof, weights []NodeWeight) model.ConsensusResult {
	if len(proofs) == 0 {
		return model.ConsensusResult{IsValid: false, Message: "no proofs submitted"}
	}

	weightByNode := make(map[string]float64, len(weights))
	for _, w := range weights {
		weightByNode[w.NodeID] = w.Weight
	}

	buckets := make(map[string]*bucket)
	var totalWeight float64
	var rejected []string

	for _, p := range proofs {
		ok, err := VerifySignature(c.verifier, p)
		if err != nil || !ok || !VerifyTraceIntegrity(p) || !VerifyTimestampSequence(p) {
			rejected = append(rejected, p.NodeID) // excluded from voting, reported as disagreeing
			continue
		}
		w := weightByNode[p.NodeID]
		b, exists := buckets[p.FinalHash]
		if !exists {
			b = &bucket{hash: p.FinalHash}
			buckets[p.FinalHash] = b
		}
		b.proofs = append(b.proofs, p)
		b.weight += w
		totalWeight += w
	}

	if len(buckets) == 0 {
		sort.Strings(rejected)
		return model.ConsensusResult{IsValid: false, DisagreeingNodes: rejected, Message: "no proof passed signature or integrity verification"}
	}

	canonical := findCanonicalBucket(buckets)
	result := model.ConsensusResult{
		CanonicalHash: canonical.hash,
	}
	for _, p := range canonical.proofs {
		result.AgreeingNodes = append(result.AgreeingNodes, p.NodeID)
	}
	for hash, b := range buckets {
		if hash == canonical.hash {
			continue
		}
		for _, p := range b.proofs {
			result.DisagreeingNodes = append(result.DisagreeingNodes, p.NodeID)
		}
	}
	result.DisagreeingNodes = append(result.DisagreeingNodes, rejected...)
	sort.Strings(result.AgreeingNodes)
	sort.Strings(result.DisagreeingNodes)

	if totalWeight > 0 {
		result.ConfidenceScore = canonical.weight / totalWeight
	}
	result.IsValid = result.ConfidenceScore >= c.threshold

	if result.IsValid {
		result.Message = "consensus reached"
	} else {
		result.Message = "insufficient agreement across submitted proofs"
	}
	if c.metrics != nil {
		c.metrics.consensusEvaluations.Inc()
		if !result.IsValid {
			c.metrics.consensusFailures.Inc()
		}
	}
	return result
}

type bucket struct {
	hash   string
	proofs []*model.Proof
	weight float64
}

// findCanonicalBucket picks the heaviest bucket; between buckets of equal
// weight it takes the one whose smallest node id sorts first, then the
// smaller final hash.
func findCanonicalBucket(buckets map[string]*bucket) *bucket {
	var best *bucket
	var bestMin string
	for _, b := range buckets {
		bMin := ""
		for i, p := range b.proofs {
			if i == 0 || p.NodeID < bMin {
				bMin = p.NodeID
			}
		}
		if best == nil || b.weight > best.weight ||
			(b.weight == best.weight && (bMin < bestMin || (bMin == bestMin && b.hash < best.hash))) {
			best, bestMin = b, bMin
		}
	}
	return best
}

// CompareTraces runs the pairwise-similarity consensus check
// (original_source: ConsensusEngine::compareTraces): every trace is
// compared against every other with the LCS-over-step-hashes metric
// (similarity = len(LCS over step hashes) / max(len(a), len(b))), and
// the mean across all pairs becomes a single confidence score, the same
// c.threshold cutoff validateWeighted uses.
func (c *ConsensusEvaluator) CompareTraces(proofs []*model.Proof) model.ConsensusResult {
	if len(proofs) < 2 {
		return model.ConsensusResult{
			IsValid:         len(proofs) == 1,
			ConfidenceScore: 1,
			Message:         "fewer than two traces to compare",
		}
	}

	var sum float64
	var pairs int
	for i := 0; i < len(proofs); i++ {
		for j := i + 1; j < len(proofs); j++ {
			sum += traceSimilarity(proofs[i].Trace, proofs[j].Trace)
			pairs++
		}
	}
	confidence := sum / float64(pairs)

	result := model.ConsensusResult{ConfidenceScore: confidence, IsValid: confidence >= c.threshold}
	if result.IsValid {
		result.Message = "consensus reached"
	} else {
		result.Message = "insufficient pairwise trace similarity"
	}
	if c.metrics != nil {
		c.metrics.consensusEvaluations.Inc()
		if !result.IsValid {
			c.metrics.consensusFailures.Inc()
		}
	}
	return result
}

func traceSimilarity(a, b []model.ExecutionStep) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	lcs := lcsLength(a, b)
	denom := len(a)
	if len(b) > denom {
		denom = len(b)
	}
	return float64(lcs) / float64(denom)
}

// lcsLength computes the longest common subsequence length over step
// hashes using the standard O(n*m) dynamic-programming table.
func lcsLength(a, b []model.ExecutionStep) int {
	n, m := len(a), len(b)
	prev := make([]int, m+1)
	curr := make([]int, m+1)
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if a[i-1].Hash == b[j-1].Hash {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[m]
}

// defaultMaliciousSimilarityCutoff is the "fixed cutoff" original_source's
// detectMaliciousNodes compares a minority node's trace similarity
// against, below the canonical cluster's own internal agreement.
const defaultMaliciousSimilarityCutoff = 0.5

// clusterByFinalHash buckets proofs by FinalHash with unweighted (count)
// weights, the shared grouping step behind FindCanonicalTrace and
// DetectMaliciousNodes.
func clusterByFinalHash(proofs []*model.Proof) map[string]*bucket {
	buckets := make(map[string]*bucket)
	for _, p := range proofs {
		b, ok := buckets[p.FinalHash]
		if !ok {
			b = &bucket{hash: p.FinalHash}
			buckets[p.FinalHash] = b
		}
		b.proofs = append(b.proofs, p)
		b.weight++
	}
	return buckets
}

// FindCanonicalTrace returns the final hash of the largest final-hash
// cluster in proofs if its share of the total clears threshold (spec's
// find_canonical(proofs, threshold) → hash, default threshold 0.67), or
// "" if no cluster does.
func FindCanonicalTrace(proofs []*model.Proof, threshold float64) string {
	if len(proofs) == 0 {
		return ""
	}
	canonical := findCanonicalBucket(clusterByFinalHash(proofs))
	if canonical.weight/float64(len(proofs)) < threshold {
		return ""
	}
	return canonical.hash
}

// DetectMaliciousNodes flags node ids whose proofs sit in a minority
// final-hash cluster *and* whose trace similarity to the canonical
// cluster's trace falls below defaultMaliciousSimilarityCutoff — both
// conditions must hold, not similarity alone, matching spec's
// detect_malicious(proofs) → [node_ids].
func DetectMaliciousNodes(proofs []*model.Proof) []string {
	if len(proofs) == 0 {
		return nil
	}
	buckets := clusterByFinalHash(proofs)
	canonical := findCanonicalBucket(buckets)
	canonicalTrace := canonical.proofs[0].Trace

	var flagged []string
	for hash, b := range buckets {
		if hash == canonical.hash {
			continue
		}
		for _, p := range b.proofs {
			if traceSimilarity(p.Trace, canonicalTrace) < defaultMaliciousSimilarityCutoff {
				flagged = append(flagged, p.NodeID)
			}
		}
	}
	sort.Strings(flagged)
	return flagged
}
