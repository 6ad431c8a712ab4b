package events

import "math/big"

const (
	// TypePlanStarted is emitted when a merchant registers a new billing
	// plan.
	TypePlanStarted = "billing.plan.started"
	// TypePlanCanceled is emitted the first time a plan is canceled.
	TypePlanCanceled = "billing.plan.canceled"
	// TypeSubscriptionStarted is emitted when a payer opens a subscription
	// and the first payment settles.
	TypeSubscriptionStarted = "billing.subscription.started"
	// TypeSubscriptionClaimed is emitted for every successful periodic
	// payment after the first.
	TypeSubscriptionClaimed = "billing.subscription.claimed"
	// TypeSubscriptionCanceled is emitted when the payer closes a
	// subscription.
	TypeSubscriptionCanceled = "billing.subscription.canceled"
	// TypeFeesWithdrawn is emitted when the platform owner sweeps accrued
	// commission out of the fee vault.
	TypeFeesWithdrawn = "billing.fees.withdrawn"
)

// PlanStarted captures the immutable definition of a newly created plan.
type PlanStarted struct {
	ID       uint64
	Merchant [20]byte
	Amount   *big.Int
	Period   uint64
}

// EventType implements the Event interface.
func (PlanStarted) EventType() string { return TypePlanStarted }

// PlanCanceled records the deactivation of a plan.
type PlanCanceled struct {
	ID       uint64
	Merchant [20]byte
}

// EventType implements the Event interface.
func (PlanCanceled) EventType() string { return TypePlanCanceled }

// SubscriptionStarted captures the opening of a billing relationship together
// with the schedule for the next eligible payment.
type SubscriptionStarted struct {
	ID               uint64
	Plan             uint64
	Customer         [20]byte
	Payer            [20]byte
	Token            string
	NextEligibleTime uint64
}

// EventType implements the Event interface.
func (SubscriptionStarted) EventType() string { return TypeSubscriptionStarted }

// SubscriptionClaimed records a settled periodic payment and the advanced
// schedule.
type SubscriptionClaimed struct {
	ID               uint64
	Plan             uint64
	Token            string
	Fee              *big.Int
	Net              *big.Int
	NextEligibleTime uint64
}

// EventType implements the Event interface.
func (SubscriptionClaimed) EventType() string { return TypeSubscriptionClaimed }

// SubscriptionCanceled records the payer-initiated close of a subscription.
type SubscriptionCanceled struct {
	ID uint64
}

// EventType implements the Event interface.
func (SubscriptionCanceled) EventType() string { return TypeSubscriptionCanceled }

// FeesWithdrawn records an owner sweep of accrued commission for one token.
type FeesWithdrawn struct {
	Token  string
	Amount *big.Int
	Payee  [20]byte
}

// EventType implements the Event interface.
func (FeesWithdrawn) EventType() string { return TypeFeesWithdrawn }
