package paycore

import (
	"fmt"
	"math/bits"
	"time"
)

// AddAmount returns a+b, failing instead of wrapping on overflow.
func AddAmount(a, b Amount) (Amount, error) {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return 0, NewPaymentError(ErrCodeArithmeticOverflow, fmt.Sprintf("%d + %d overflows", a, b), nil)
	}
	return Amount(sum), nil
}

// SubAmount returns a-b, failing instead of wrapping on underflow.
func SubAmount(a, b Amount) (Amount, error) {
	diff, borrow := bits.Sub64(uint64(a), uint64(b), 0)
	if borrow != 0 {
		return 0, NewPaymentError(ErrCodeArithmeticOverflow, fmt.Sprintf("%d - %d underflows", a, b), nil)
	}
	return Amount(diff), nil
}

// ValidateDemand performs basic validation on a payment demand
func ValidateDemand(d Demand) error {
	if d.Amount == 0 {
		return NewPaymentError(ErrCodeInvalidDemand, "demand amount must be positive", nil)
	}
	if d.Destination == "" {
		return NewPaymentError(ErrCodeInvalidDemand, "demand destination is required", nil)
	}
	if len(d.Accepts) == 0 {
		return NewPaymentError(ErrCodeInvalidDemand, "demand must accept at least one settlement method", nil)
	}
	for _, m := range d.Accepts {
		if m != MethodChannel && m != MethodOnChain {
			return NewPaymentError(ErrCodeInvalidDemand, fmt.Sprintf("unsupported settlement method: %s", m), nil)
		}
	}
	if d.Expiry.IsZero() {
		return NewPaymentError(ErrCodeInvalidDemand, "demand expiry is required", nil)
	}
	if d.Network != "" {
		if _, _, err := d.Network.Parse(); err != nil {
			return Wrap(err, ErrCodeInvalidDemand, "demand network is malformed")
		}
	}
	return nil
}

// ValidateSplit checks that u is a non-negative partition of capacity.
// Balances are unsigned, so only the sum needs checking.
func ValidateSplit(u BalanceUpdate, capacity Amount) error {
	sum, err := AddAmount(u.BalanceA, u.BalanceB)
	if err != nil {
		return Wrap(err, ErrCodeStaleOrInvalidUpdate, "balances overflow")
	}
	if sum != capacity {
		return NewPaymentError(ErrCodeStaleOrInvalidUpdate,
			fmt.Sprintf("balances %d + %d do not conserve capacity %d", u.BalanceA, u.BalanceB, capacity),
			map[string]interface{}{"channelId": u.ChannelID, "sequence": u.Sequence})
	}
	return nil
}

// ValidateCapacity checks capacity against the configured bounds.
func ValidateCapacity(capacity, minCapacity, maxCapacity Amount) error {
	if capacity < minCapacity || capacity > maxCapacity {
		return NewPaymentError(ErrCodeCapacityOutOfRange,
			fmt.Sprintf("capacity %d outside [%d, %d]", capacity, minCapacity, maxCapacity), nil)
	}
	return nil
}

// ValidateProofAge rejects on-chain proofs confirmed longer than maxAge ago.
func ValidateProofAge(p OnChainProof, now time.Time, maxAge time.Duration) error {
	if p.ConfirmedAt.IsZero() {
		return NewPaymentError(ErrCodeInvalidDemand, "proof has no confirmation time", nil)
	}
	if now.Sub(p.ConfirmedAt) > maxAge {
		return NewPaymentError(ErrCodeDemandExpired, "proof is too old", map[string]interface{}{
			"confirmedAt": p.ConfirmedAt,
			"maxAge":      maxAge.String(),
		})
	}
	return nil
}
