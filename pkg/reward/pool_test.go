package reward

import "testing"

func TestPoolAverageReward(t *testing.T) {
	p := NewPool(PoolConfig{Budget: FromInt64(100), NumTasks: 4})
	if got := p.AverageReward().String(); got != "25.000000" {
		t.Fatalf("expected average reward 25.000000, got %s", got)
	}
}

func TestPoolAverageRewardZeroTasks(t *testing.T) {
	p := NewPool(PoolConfig{Budget: FromInt64(100), NumTasks: 0})
	if got := p.AverageReward().Sign(); got != 0 {
		t.Fatalf("expected zero average reward for zero tasks, got sign %d", got)
	}
}

func TestPoolDistributeIsIdempotentPerTask(t *testing.T) {
	p := NewPool(PoolConfig{Budget: FromInt64(100), NumTasks: 4})
	amt := FromInt64(25)

	got1, err := p.Distribute("t1", amt)
	if err != nil {
		t.Fatalf("first distribute: %v", err)
	}
	if got1.String() != "25.000000" {
		t.Fatalf("expected 25.000000, got %s", got1.String())
	}
	if got := p.RemainingBudget().String(); got != "75.000000" {
		t.Fatalf("expected remaining 75.000000, got %s", got)
	}

	got2, err := p.Distribute("t1", amt)
	if err != nil {
		t.Fatalf("repeat distribute: %v", err)
	}
	if got2.String() != "25.000000" {
		t.Fatalf("expected repeat distribute to return the same amount, got %s", got2.String())
	}
	if got := p.RemainingBudget().String(); got != "75.000000" {
		t.Fatalf("expected remaining budget unchanged after repeat distribute, got %s", got)
	}
}

func TestPoolDistributeRejectsOverBudget(t *testing.T) {
	p := NewPool(PoolConfig{Budget: FromInt64(10), NumTasks: 1})
	if _, err := p.Distribute("t1", FromInt64(11)); err == nil {
		t.Fatalf("expected an over-budget distribution to be rejected")
	}
}

func TestPoolTerminalBelowMinPayable(t *testing.T) {
	p := NewPool(PoolConfig{Budget: FromInt64(10), NumTasks: 2, MinPayable: FromInt64(3)})
	if p.Terminal() {
		t.Fatalf("expected a fresh pool to not be terminal")
	}
	if _, err := p.Distribute("t1", FromInt64(8)); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if !p.Terminal() {
		t.Fatalf("expected pool to be terminal once remaining budget (2) falls below min payable (3)")
	}
}
