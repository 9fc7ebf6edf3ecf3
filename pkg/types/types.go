// Package types holds the data model shared across every gateway
// component: explanation methods, blockchain networks, service tiers,
// model descriptors, explanations, quality metrics, reward records,
// task state, and payments.
package types

import (
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// Method is one of the five supported attribution techniques.
type Method string

const (
	MethodSHAP      Method = "SHAP"
	MethodLIME      Method = "LIME"
	MethodGradient  Method = "Gradient"
	MethodAttention Method = "Attention"
	MethodCustom    Method = "Custom"
)

// Network is a blockchain the gateway can anchor proofs to.
type Network string

const (
	NetworkICP       Network = "ICP"
	NetworkCardano   Network = "Cardano"
	NetworkEthereum  Network = "Ethereum"
	NetworkBitcoin   Network = "Bitcoin"
	NetworkTON       Network = "TON"
	NetworkAvalanche Network = "Avalanche"
)

// ChainRole is assigned at runtime by configuration, never intrinsic to Network.
type ChainRole string

const (
	RolePrimary   ChainRole = "Primary"
	RoleSecondary ChainRole = "Secondary"
)

// Tier is the service (billing) tier, distinct from quality tier.
type Tier string

const (
	TierCommunity     Tier = "Community"
	TierProfessional  Tier = "Professional"
	TierEnterprise    Tier = "Enterprise"
)

// Rank reports the ordering of service tiers (Community < Professional < Enterprise).
func (t Tier) Rank() int {
	switch t {
	case TierCommunity:
		return 0
	case TierProfessional:
		return 1
	case TierEnterprise:
		return 2
	default:
		return -1
	}
}

// ModelDescriptor describes a remote model canister.
type ModelDescriptor struct {
	ModelID               string            `json:"model_id"`
	DisplayName           string            `json:"display_name"`
	ModelType             string            `json:"model_type"`
	SupportedMethods      []Method          `json:"supported_methods"`
	MaxInputBytes         int64             `json:"max_input_bytes"`
	OutputFormat          string            `json:"output_format"`
	HostChain             Network           `json:"host_chain"`
	HostCanisterID        string            `json:"host_canister_id"`
	CostPerInferenceCycles uint64           `json:"cost_per_inference_cycles"`
	GPUEnabled            bool              `json:"gpu_enabled"`
	MemoryGB              float32           `json:"memory_gb"`
}

// SupportsMethod reports whether m is in the descriptor's supported set.
func (d *ModelDescriptor) SupportsMethod(m Method) bool {
	for _, x := range d.SupportedMethods {
		if x == m {
			return true
		}
	}
	return false
}

// Counterfactual is a minimal input change that would alter the model's output.
type Counterfactual struct {
	Delta            map[string]float32 `json:"delta"`
	PredictedChange  string             `json:"predicted_change"`
	ConfidenceDelta  float32            `json:"confidence_delta"`
}

// Explanation is the gateway's central record.
type Explanation struct {
	RequestID         string             `json:"request_id"`
	ModelID           string             `json:"model_id"`
	MethodUsed        Method             `json:"method_used"`
	Reasoning         string             `json:"reasoning"`
	Confidence        float32            `json:"confidence"`
	FeatureImportance map[string]float32 `json:"feature_importance"`
	DecisionPath      []string           `json:"decision_path"`
	Counterfactuals   []Counterfactual   `json:"counterfactuals,omitempty"`
	ProcessingTimeMs  uint32             `json:"processing_time_ms"`
	CostCycles        uint64             `json:"cost_cycles"`

	ProofHash        string            `json:"proof_hash,omitempty"`
	PrimaryChain     Network           `json:"primary_chain,omitempty"`
	TransactionID    string            `json:"transaction_id,omitempty"`
	CrossChainProofs map[Network]string `json:"cross_chain_proofs,omitempty"`
	BlockchainVerified bool            `json:"blockchain_verified"`

	// Extensions is a closed-but-extensible side channel: known keys are
	// interpreted by name, unknown keys are round-tripped as opaque values
	// and otherwise ignored.
	Extensions map[string][]byte `json:"extensions,omitempty"`

	CreatedAt int64 `json:"created_at"`
}

const maxReasoningBytes = 8 * 1024
const maxDecisionPathEntries = 64
const maxCounterfactuals = 16

// Clamp enforces the record-size invariants: reasoning truncated to 8 KiB
// on a rune boundary (never splitting a multi-byte UTF-8 sequence),
// decision path to 64 entries, counterfactuals to 16.
func (e *Explanation) Clamp() {
	if len(e.Reasoning) > maxReasoningBytes {
		cut := maxReasoningBytes
		for cut > 0 && !utf8.RuneStart(e.Reasoning[cut]) {
			cut--
		}
		e.Reasoning = e.Reasoning[:cut]
	}
	if len(e.DecisionPath) > maxDecisionPathEntries {
		e.DecisionPath = e.DecisionPath[:maxDecisionPathEntries]
	}
	if len(e.Counterfactuals) > maxCounterfactuals {
		e.Counterfactuals = e.Counterfactuals[:maxCounterfactuals]
	}
}

// Clone returns a deep-enough copy of e so a caller can mutate the proof and
// verification fields of its own copy (e.g. after a cache hit) without
// corrupting another holder's view of the same cached explanation.
func (e *Explanation) Clone() *Explanation {
	cp := *e
	if e.FeatureImportance != nil {
		cp.FeatureImportance = make(map[string]float32, len(e.FeatureImportance))
		for k, v := range e.FeatureImportance {
			cp.FeatureImportance[k] = v
		}
	}
	if e.DecisionPath != nil {
		cp.DecisionPath = append([]string(nil), e.DecisionPath...)
	}
	if e.Counterfactuals != nil {
		cp.Counterfactuals = append([]Counterfactual(nil), e.Counterfactuals...)
	}
	if e.CrossChainProofs != nil {
		cp.CrossChainProofs = make(map[Network]string, len(e.CrossChainProofs))
		for k, v := range e.CrossChainProofs {
			cp.CrossChainProofs[k] = v
		}
	}
	if e.Extensions != nil {
		cp.Extensions = make(map[string][]byte, len(e.Extensions))
		for k, v := range e.Extensions {
			cp.Extensions[k] = append([]byte(nil), v...)
		}
	}
	return &cp
}

// QualityMetrics is the five-axis score plus the fixed weighted mean.
type QualityMetrics struct {
	Clarity       float32 `json:"clarity"`
	Completeness  float32 `json:"completeness"`
	Accuracy      float32 `json:"accuracy"`
	Verifiability float32 `json:"verifiability"`
	Innovation    float32 `json:"innovation"`
	Overall       float32 `json:"overall"`
}

// Complexity is the task-complexity bucket used by the Reward Calculator.
type Complexity string

const (
	ComplexityLow    Complexity = "Low"
	ComplexityMedium Complexity = "Medium"
	ComplexityHigh   Complexity = "High"
)

// QualityTier is the Bronze/Silver/Gold/Platinum bucket of overall quality.
type QualityTier string

const (
	QualityTierNone     QualityTier = "None"
	QualityTierBronze   QualityTier = "Bronze"
	QualityTierSilver   QualityTier = "Silver"
	QualityTierGold     QualityTier = "Gold"
	QualityTierPlatinum QualityTier = "Platinum"
)

// RewardRecord is the immutable outcome of the Reward Calculator.
type RewardRecord struct {
	TaskID             string      `json:"task_id"`
	AgentID            string      `json:"agent_id"`
	Base               string      `json:"base"`
	QualityMultiplier  string      `json:"quality_multiplier"`
	ComplexityBonus    string      `json:"complexity_bonus"`
	VerificationBonus  string      `json:"verification_bonus"`
	SpeedBonus         string      `json:"speed_bonus"`
	Total              string      `json:"total"`
	Token              string      `json:"token"`
	Tier               QualityTier `json:"tier"`
	QualityScore       float32     `json:"quality_score"`
	ComputedAt         int64       `json:"computed_at"`
}

// TaskStatus is the six-state task lifecycle.
type TaskStatus string

const (
	TaskAvailable TaskStatus = "Available"
	TaskClaimed   TaskStatus = "Claimed"
	TaskSubmitted TaskStatus = "Submitted"
	TaskRewarded  TaskStatus = "Rewarded"
	TaskFailed    TaskStatus = "Failed"
	TaskExpired   TaskStatus = "Expired"
)

// TaskRecord is the persisted state for one task_id.
type TaskRecord struct {
	TaskID             string     `json:"task_id"`
	Status             TaskStatus `json:"status"`
	AgentID            string     `json:"agent_id,omitempty"`
	Deadline           int64      `json:"deadline,omitempty"`
	ProofHash          string     `json:"proof_hash,omitempty"`
	LowQuality         bool       `json:"low_quality,omitempty"`
	RewardID           string     `json:"reward_id,omitempty"`
	FailReason         string     `json:"fail_reason,omitempty"`
	QualityScore       float32    `json:"quality_score,omitempty"`
	BlockchainVerified bool       `json:"blockchain_verified,omitempty"`
	ProcessingTimeMs   uint32     `json:"processing_time_ms,omitempty"`
	UpdatedAt          int64      `json:"updated_at"`
}

// PaymentKind distinguishes payment records by how they originated.
type PaymentKind string

const (
	PaymentAIUsage       PaymentKind = "AIUsage"
	PaymentTaskReward    PaymentKind = "TaskReward"
	PaymentCrossChainDebit  PaymentKind = "CrossChainDebit"
	PaymentCrossChainCredit PaymentKind = "CrossChainCredit"
)

// PaymentStatus is the payment lifecycle: once Settled or Failed, terminal.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "Pending"
	PaymentSettled PaymentStatus = "Settled"
	PaymentFailed  PaymentStatus = "Failed"
)

// Payment is the append-only ledger's record. Amount is a decimal string
// rounded to 6 fractional digits; 18-digit precision is not carried.
type Payment struct {
	PaymentID          string        `json:"payment_id"`
	Kind               PaymentKind   `json:"kind"`
	SourceID           string        `json:"source_id"`
	Amount             string        `json:"amount"`
	Currency           string        `json:"currency"`
	SourcePlatform     string        `json:"source_platform,omitempty"`
	DestinationPlatform string       `json:"destination_platform,omitempty"`
	Sender             string        `json:"sender,omitempty"`
	Recipient          string        `json:"recipient,omitempty"`
	Chain              Network       `json:"chain,omitempty"`
	TxHash             string        `json:"tx_hash,omitempty"`
	Status             PaymentStatus `json:"status"`
	CreatedAt          int64         `json:"created_at"`
	SettledAt          int64         `json:"settled_at,omitempty"`
}

// Now returns the current time in monotonic unix-ms, the timestamp unit
// every record in this package uses.
func Now() int64 {
	for {
		prev := lastNow.Load()
		now := time.Now().UnixMilli()
		if now < prev {
			now = prev
		}
		if lastNow.CompareAndSwap(prev, now) {
			return now
		}
	}
}

// lastNow holds the latest value Now returned, so a wall-clock step
// backwards never yields an earlier timestamp.
var lastNow atomic.Int64
