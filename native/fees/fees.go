package fees

import (
	"errors"
	"fmt"
	"math/big"
)

// maxAmountBits bounds payment amounts to 256-bit integers. Larger values are
// rejected outright instead of being silently truncated.
const maxAmountBits = 256

var (
	// ErrAmountOverflow is returned when a payment amount exceeds the
	// supported 256-bit range.
	ErrAmountOverflow = errors.New("fees: amount overflows supported range")
	// ErrInvalidAmount is returned for nil or non-positive payment amounts.
	ErrInvalidAmount = errors.New("fees: amount must be positive")
)

// Policy captures the platform commission parameters. The values are fixed at
// construction time; there is no runtime mutation path.
type Policy struct {
	RatePercent uint32
	Min         *big.Int
	Max         *big.Int
}

// Validate checks the policy for internal consistency.
func (p Policy) Validate() error {
	if p.RatePercent > 100 {
		return fmt.Errorf("fees: rate percent out of range: %d", p.RatePercent)
	}
	min := p.Min
	max := p.Max
	if min != nil && min.Sign() < 0 {
		return fmt.Errorf("fees: minimum commission must not be negative")
	}
	if max != nil && max.Sign() < 0 {
		return fmt.Errorf("fees: maximum commission must not be negative")
	}
	if min != nil && max != nil && min.Cmp(max) > 0 {
		return fmt.Errorf("fees: minimum commission exceeds maximum")
	}
	return nil
}

// Clone returns a deep copy of the policy to avoid aliasing the bounds between
// callers.
func (p Policy) Clone() Policy {
	clone := Policy{RatePercent: p.RatePercent, Min: big.NewInt(0), Max: big.NewInt(0)}
	if p.Min != nil {
		clone.Min = new(big.Int).Set(p.Min)
	}
	if p.Max != nil {
		clone.Max = new(big.Int).Set(p.Max)
	}
	return clone
}

// Apply computes the platform commission for a payment of the given amount:
// floor(amount * rate / 100) clamped to [Min, Max], then capped at the amount
// itself so the fee can never exceed the payment. Pure; the caller persists
// the resulting accrual.
func (p Policy) Apply(amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount.BitLen() > maxAmountBits {
		return nil, ErrAmountOverflow
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(p.RatePercent)))
	fee.Div(fee, big.NewInt(100))
	if p.Min != nil && fee.Cmp(p.Min) < 0 {
		fee = new(big.Int).Set(p.Min)
	}
	if p.Max != nil && p.Max.Sign() > 0 && fee.Cmp(p.Max) > 0 {
		fee = new(big.Int).Set(p.Max)
	}
	if fee.Cmp(amount) > 0 {
		fee = new(big.Int).Set(amount)
	}
	return fee, nil
}
