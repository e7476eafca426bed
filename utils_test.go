package paycore

import (
	"math"
	"testing"
	"time"
)

func TestCheckedArithmetic(t *testing.T) {
	if _, err := AddAmount(math.MaxUint64, 1); !IsCode(err, ErrCodeArithmeticOverflow) {
		t.Errorf("expected overflow, got %v", err)
	}
	if _, err := SubAmount(1, 2); !IsCode(err, ErrCodeArithmeticOverflow) {
		t.Errorf("expected underflow, got %v", err)
	}
	sum, err := AddAmount(9_000_000, 1_000_000)
	if err != nil || sum != 10_000_000 {
		t.Errorf("AddAmount = %d, %v", sum, err)
	}
	diff, err := SubAmount(10_000_000, 1_000_000)
	if err != nil || diff != 9_000_000 {
		t.Errorf("SubAmount = %d, %v", diff, err)
	}
}

func TestValidateDemand(t *testing.T) {
	valid := Demand{
		ID:          "d1",
		Amount:      100,
		Destination: "0xabc",
		Accepts:     []SettlementMethod{MethodChannel, MethodOnChain},
		Expiry:      time.Now().Add(time.Minute),
		Network:     "eip155:84532",
	}
	if err := ValidateDemand(valid); err != nil {
		t.Fatalf("expected valid demand, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Demand)
	}{
		{"zero amount", func(d *Demand) { d.Amount = 0 }},
		{"no destination", func(d *Demand) { d.Destination = "" }},
		{"no methods", func(d *Demand) { d.Accepts = nil }},
		{"unknown method", func(d *Demand) { d.Accepts = []SettlementMethod{"barter"} }},
		{"no expiry", func(d *Demand) { d.Expiry = time.Time{} }},
		{"bad network", func(d *Demand) { d.Network = "eip155" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			if err := ValidateDemand(d); !IsCode(err, ErrCodeInvalidDemand) {
				t.Errorf("expected invalid_demand, got %v", err)
			}
		})
	}
}

func TestValidateSplit(t *testing.T) {
	u := BalanceUpdate{ChannelID: "c", BalanceA: 9_000_000, BalanceB: 1_000_000, Sequence: 1}
	if err := ValidateSplit(u, 10_000_000); err != nil {
		t.Errorf("expected conserving split to pass, got %v", err)
	}
	u.BalanceB = 1_000_001
	if err := ValidateSplit(u, 10_000_000); !IsCode(err, ErrCodeStaleOrInvalidUpdate) {
		t.Errorf("expected stale_or_invalid_update, got %v", err)
	}
	u.BalanceA, u.BalanceB = math.MaxUint64, 2
	if err := ValidateSplit(u, 10_000_000); !IsCode(err, ErrCodeStaleOrInvalidUpdate) {
		t.Errorf("expected overflowing split to be rejected, got %v", err)
	}
}

func TestValidateCapacity(t *testing.T) {
	if err := ValidateCapacity(10, 1, 100); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateCapacity(0, 1, 100); !IsCode(err, ErrCodeCapacityOutOfRange) {
		t.Errorf("expected capacity_out_of_range, got %v", err)
	}
	if err := ValidateCapacity(101, 1, 100); !IsCode(err, ErrCodeCapacityOutOfRange) {
		t.Errorf("expected capacity_out_of_range, got %v", err)
	}
}

func TestValidateProofAge(t *testing.T) {
	now := time.Now()
	fresh := OnChainProof{TxHash: "0x1", ConfirmedAt: now.Add(-time.Minute)}
	if err := ValidateProofAge(fresh, now, 300*time.Second); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	stale := OnChainProof{TxHash: "0x1", ConfirmedAt: now.Add(-10 * time.Minute)}
	if err := ValidateProofAge(stale, now, 300*time.Second); !IsCode(err, ErrCodeDemandExpired) {
		t.Errorf("expected demand_expired, got %v", err)
	}
}

func TestNetworkMatch(t *testing.T) {
	if !Network("eip155:1").Match("eip155:*") {
		t.Error("expected wildcard match")
	}
	if Network("eip155:1").Match("solana:*") {
		t.Error("expected no match across namespaces")
	}
}

func TestTimeWindowContains(t *testing.T) {
	w := TimeWindow{Days: []time.Weekday{time.Monday}, StartMinute: 9 * 60, EndMinute: 17 * 60, Location: time.UTC}
	monday10 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if !w.Contains(monday10) {
		t.Error("expected Monday 10:00 inside window")
	}
	if w.Contains(monday10.Add(8 * time.Hour)) {
		t.Error("expected Monday 18:00 outside window")
	}
	if w.Contains(monday10.Add(24 * time.Hour)) {
		t.Error("expected Tuesday outside window")
	}

	overnight := TimeWindow{StartMinute: 22 * 60, EndMinute: 2 * 60, Location: time.UTC}
	if !overnight.Contains(time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)) {
		t.Error("expected 23:30 inside overnight window")
	}
	if overnight.Contains(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)) {
		t.Error("expected noon outside overnight window")
	}
}
