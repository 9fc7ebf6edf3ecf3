// Package proofhash derives an Explanation's proof id: canonical
// serialization followed by SHA-256. The proof/cross-chain fields are
// stripped from the preimage so anchoring a proof never changes the hash
// it anchors.
package proofhash

import (
	"encoding/hex"

	"github.com/eladmint/ziggurat-gateway/pkg/commitment"
	"github.com/eladmint/ziggurat-gateway/pkg/types"
)

// preimage mirrors types.Explanation but omits every field that is itself
// an output of proof anchoring (proof_hash, primary_chain, transaction_id,
// cross_chain_proofs, blockchain_verified).
type preimage struct {
	RequestID         string                        `json:"request_id"`
	ModelID           string                        `json:"model_id"`
	MethodUsed        types.Method                  `json:"method_used"`
	Reasoning         string                        `json:"reasoning"`
	Confidence        float32                       `json:"confidence"`
	FeatureImportance map[string]float32            `json:"feature_importance"`
	DecisionPath      []string                      `json:"decision_path"`
	Counterfactuals   []types.Counterfactual        `json:"counterfactuals,omitempty"`
	ProcessingTimeMs  uint32                        `json:"processing_time_ms"`
	CostCycles        uint64                        `json:"cost_cycles"`
	Extensions        map[string][]byte             `json:"extensions,omitempty"`
	CreatedAt         int64                         `json:"created_at"`
}

// Canonicalize produces the canonical byte preimage for e: UTF-8, sorted
// keys, shortest round-trip decimals (Go's encoding/json float formatting
// already satisfies this), no insignificant whitespace.
func Canonicalize(e *types.Explanation) ([]byte, error) {
	p := preimage{
		RequestID:         e.RequestID,
		ModelID:           e.ModelID,
		MethodUsed:        e.MethodUsed,
		Reasoning:         e.Reasoning,
		Confidence:        e.Confidence,
		FeatureImportance: e.FeatureImportance,
		DecisionPath:      e.DecisionPath,
		Counterfactuals:   e.Counterfactuals,
		ProcessingTimeMs:  e.ProcessingTimeMs,
		CostCycles:        e.CostCycles,
		Extensions:        e.Extensions,
		CreatedAt:         e.CreatedAt,
	}
	return commitment.MarshalCanonical(p)
}

// Hash returns the raw 32-byte SHA-256 digest of e's canonical preimage.
func Hash(e *types.Explanation) ([32]byte, error) {
	canon, err := Canonicalize(e)
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], commitment.HashConcat(canon))
	return out, nil
}

// ProofID returns the "sha256:"-prefixed hex form used in logs and
// cross-chain payloads.
func ProofID(digest [32]byte) string {
	return "sha256:" + hex.EncodeToString(digest[:])
}
