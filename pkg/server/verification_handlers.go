package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/eladmint/ziggurat-gateway/pkg/types"
)

var errInvalidProofHash = errors.New(`proof_hash must be a "sha256:"-prefixed 32-byte hex digest`)

// verifyProofRequest is the verify_proof request body: a previously
// anchored proof_hash, re-checked against every requested chain (or every
// configured chain, when chains is empty) without re-anchoring it.
type verifyProofRequest struct {
	ProofHash string   `json:"proof_hash"`
	Chains    []string `json:"chains"`
}

// chainVerification is the per-chain outcome of a read-only re-check.
type chainVerification struct {
	Network  string `json:"network"`
	Verified bool   `json:"verified"`
	Error    string `json:"error,omitempty"`
}

// verifyProofResponse mirrors verification.Result's consensus shape, but
// for a read-only re-check rather than a fresh anchor.
type verifyProofResponse struct {
	ProofHash           string              `json:"proof_hash"`
	VerifiedCount       int                 `json:"verified_count"`
	TotalCount          int                 `json:"total_count"`
	ConsensusPercentage float64             `json:"consensus_percentage"`
	PerChain            []chainVerification `json:"per_chain"`
}

// HandleVerifyProof handles POST /v1/verify_proof.
func (h *Handlers) HandleVerifyProof(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req verifyProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	digest, err := decodeProofHash(req.ProofHash)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	names := req.Chains
	if len(names) == 0 {
		names = append([]string{h.gw.Config.PrimaryChain}, h.gw.Config.SecondaryChains...)
	}

	resp := verifyProofResponse{ProofHash: req.ProofHash}
	for _, name := range names {
		chain, ok := h.gw.Chains[types.Network(name)]
		if !ok {
			continue
		}
		resp.TotalCount++
		result, err := chain.Verify(r.Context(), digest)
		cv := chainVerification{Network: chain.Network()}
		switch {
		case err != nil:
			cv.Error = err.Error()
		case result.Valid:
			cv.Verified = true
			resp.VerifiedCount++
		default:
			cv.Error = "proof hash not found on this chain"
		}
		resp.PerChain = append(resp.PerChain, cv)
	}
	if resp.TotalCount > 0 {
		resp.ConsensusPercentage = float64(resp.VerifiedCount) / float64(resp.TotalCount)
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeProofHash parses the "sha256:<hex>" proof id format ProofHash
// produces back into its raw 32-byte digest.
func decodeProofHash(proofHash string) ([32]byte, error) {
	var out [32]byte
	hexPart := strings.TrimPrefix(proofHash, "sha256:")
	raw, err := hex.DecodeString(hexPart)
	if err != nil || len(raw) != 32 {
		return out, errInvalidProofHash
	}
	copy(out[:], raw)
	return out, nil
}
