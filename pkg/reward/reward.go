// Package reward computes task rewards: tier assignment from a quality
// score, the multi-factor reward formula in fixed-point decimal, and
// reward-pool bookkeeping.
package reward

import (
	"github.com/eladmint/ziggurat-gateway/pkg/types"
)

// Tier resolves the Bronze/Silver/Gold/Platinum bucket for an overall
// quality score; below 0.5 there is no reward tier.
func Tier(overall float32) types.QualityTier {
	switch {
	case overall >= 0.9:
		return types.QualityTierPlatinum
	case overall >= 0.8:
		return types.QualityTierGold
	case overall >= 0.7:
		return types.QualityTierSilver
	case overall >= 0.5:
		return types.QualityTierBronze
	default:
		return types.QualityTierNone
	}
}

// Multiplier returns the quality-tier multiplier applied to the base reward.
func Multiplier(tier types.QualityTier) Decimal {
	switch tier {
	case types.QualityTierPlatinum:
		return FromFloat64(3.0)
	case types.QualityTierGold:
		return FromFloat64(2.0)
	case types.QualityTierSilver:
		return FromFloat64(1.5)
	case types.QualityTierBronze:
		return FromFloat64(1.0)
	default:
		return Zero()
	}
}

// ComplexityBonusFactor returns the fraction of base added for task complexity.
func ComplexityBonusFactor(c types.Complexity) Decimal {
	switch c {
	case types.ComplexityHigh:
		return FromFloat64(0.5)
	case types.ComplexityMedium:
		return FromFloat64(0.2)
	default:
		return Zero()
	}
}

// SpeedBonusFactor returns the fraction of base added for processing speed.
func SpeedBonusFactor(processingTimeMs uint32) Decimal {
	switch {
	case processingTimeMs < 1000:
		return FromFloat64(0.10)
	case processingTimeMs < 5000:
		return FromFloat64(0.05)
	default:
		return Zero()
	}
}

// VerificationBonusFactor returns the fraction of base added when the
// explanation is on-chain verified.
func VerificationBonusFactor(onChainVerified bool) Decimal {
	if onChainVerified {
		return FromFloat64(0.15)
	}
	return Zero()
}

// ReputationFactor computes the (1 + 0.2*(reputation-0.5)) multiplier
// clamped to [0.9, 1.1], applied to the multiplier result.
func ReputationFactor(reputation float64) Decimal {
	factor := 1 + 0.2*(reputation-0.5)
	if factor < 0.9 {
		factor = 0.9
	}
	if factor > 1.1 {
		factor = 1.1
	}
	return FromFloat64(factor)
}

// Input bundles everything Compute needs to produce a RewardRecord.
type Input struct {
	TaskID           string
	AgentID          string
	Base             Decimal
	Token            string
	Overall          float32
	Complexity       types.Complexity
	OnChainVerified  bool
	ProcessingTimeMs uint32
	Reputation       float64 // [0,1]; 0.5 is neutral
	ComputedAt       int64
}

// Result is the computed reward plus the derived tier, ready to persist as
// a types.RewardRecord.
type Result struct {
	Eligible          bool
	Tier              types.QualityTier
	QualityMultiplier Decimal
	ComplexityBonus   Decimal
	VerificationBonus Decimal
	SpeedBonus        Decimal
	Total             Decimal
}

// Compute applies the full reward formula: total = (base * quality_multiplier
// * reputation_factor) + complexity_bonus + verification_bonus +
// speed_bonus, each bonus itself a fraction of base, all rounded to 6dp.
func Compute(in Input) Result {
	tier := Tier(in.Overall)
	if tier == types.QualityTierNone {
		return Result{Eligible: false, Tier: tier}
	}

	qualityMultiplier := Multiplier(tier).Mul(ReputationFactor(in.Reputation))
	baseReward := in.Base.Mul(qualityMultiplier)

	complexityBonus := in.Base.Mul(ComplexityBonusFactor(in.Complexity))
	verificationBonus := in.Base.Mul(VerificationBonusFactor(in.OnChainVerified))
	speedBonus := in.Base.Mul(SpeedBonusFactor(in.ProcessingTimeMs))

	total := baseReward.Add(complexityBonus).Add(verificationBonus).Add(speedBonus)
	if total.Sign() < 0 {
		total = Zero()
	}

	return Result{
		Eligible:          true,
		Tier:              tier,
		QualityMultiplier: qualityMultiplier.Round6(),
		ComplexityBonus:   complexityBonus.Round6(),
		VerificationBonus: verificationBonus.Round6(),
		SpeedBonus:        speedBonus.Round6(),
		Total:             total.Round6(),
	}
}

// ToRecord builds the persistable types.RewardRecord from in and res. Must
// only be called when res.Eligible is true.
func ToRecord(in Input, res Result) types.RewardRecord {
	return types.RewardRecord{
		TaskID:            in.TaskID,
		AgentID:           in.AgentID,
		Base:              in.Base.String(),
		QualityMultiplier: res.QualityMultiplier.String(),
		ComplexityBonus:   res.ComplexityBonus.String(),
		VerificationBonus: res.VerificationBonus.String(),
		SpeedBonus:        res.SpeedBonus.String(),
		Total:             res.Total.String(),
		Token:             in.Token,
		Tier:              res.Tier,
		QualityScore:      in.Overall,
		ComputedAt:        in.ComputedAt,
	}
}
