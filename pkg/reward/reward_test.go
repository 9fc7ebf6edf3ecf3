package reward

import (
	"testing"

	"github.com/eladmint/ziggurat-gateway/pkg/types"
)

func TestTierThresholds(t *testing.T) {
	cases := []struct {
		overall float32
		want    types.QualityTier
	}{
		{0.49, types.QualityTierNone},
		{0.5, types.QualityTierBronze},
		{0.69, types.QualityTierBronze},
		{0.7, types.QualityTierSilver},
		{0.79, types.QualityTierSilver},
		{0.8, types.QualityTierGold},
		{0.89, types.QualityTierGold},
		{0.9, types.QualityTierPlatinum},
		{1.0, types.QualityTierPlatinum},
	}
	for _, c := range cases {
		if got := Tier(c.overall); got != c.want {
			t.Errorf("Tier(%v) = %v, want %v", c.overall, got, c.want)
		}
	}
}

func TestComputeBelowThresholdIsIneligible(t *testing.T) {
	res := Compute(Input{Overall: 0.35, Base: FromInt64(10), Reputation: 0.5})
	if res.Eligible {
		t.Fatalf("expected overall 0.35 to be ineligible for any reward")
	}
}

// TestComputeHappyTaskScenario: a Gold-tier, medium-complexity,
// on-chain-verified explanation finishing in 750ms against a 10-unit base.
func TestComputeHappyTaskScenario(t *testing.T) {
	res := Compute(Input{
		Base:             FromInt64(10),
		Overall:          0.83,
		Complexity:       types.ComplexityMedium,
		OnChainVerified:  true,
		ProcessingTimeMs: 750,
		Reputation:       0.5,
	})
	if !res.Eligible {
		t.Fatalf("expected eligible reward")
	}
	if res.Tier != types.QualityTierGold {
		t.Fatalf("expected Gold tier, got %v", res.Tier)
	}
	if got := res.Total.String(); got != "24.500000" {
		t.Fatalf("expected total 24.500000, got %s", got)
	}
}

func TestComputeReputationFactorClamped(t *testing.T) {
	high := Compute(Input{Base: FromInt64(10), Overall: 0.95, Reputation: 10.0})
	if got := high.QualityMultiplier.String(); got != "3.300000" {
		t.Fatalf("expected reputation factor clamped to 1.1 (3.0*1.1=3.3), got %s", got)
	}

	low := Compute(Input{Base: FromInt64(10), Overall: 0.95, Reputation: -10.0})
	if got := low.QualityMultiplier.String(); got != "2.700000" {
		t.Fatalf("expected reputation factor clamped to 0.9 (3.0*0.9=2.7), got %s", got)
	}
}

func TestComputeNeverNegative(t *testing.T) {
	res := Compute(Input{Base: FromInt64(0), Overall: 0.9, Reputation: 0.5})
	if res.Total.Sign() < 0 {
		t.Fatalf("expected non-negative total, got %s", res.Total.String())
	}
}

func TestToRecordFieldsMatchInput(t *testing.T) {
	in := Input{
		TaskID:     "t1",
		AgentID:    "agent-1",
		Base:       FromInt64(10),
		Token:      "MASUMI",
		Overall:    0.83,
		Complexity: types.ComplexityMedium,
		ComputedAt: 123,
	}
	res := Compute(in)
	rec := ToRecord(in, res)
	if rec.TaskID != "t1" || rec.AgentID != "agent-1" || rec.Token != "MASUMI" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Tier != types.QualityTierGold {
		t.Fatalf("expected Gold tier, got %v", rec.Tier)
	}
}
