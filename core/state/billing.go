package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"subpay/core/types"
	"subpay/native/billing"
)

var (
	merchantPrefix     = []byte("billing/merchant:")
	planPrefix         = []byte("billing/plan:")
	subscriptionPrefix = []byte("billing/subscription:")
	feePrefix          = []byte("billing/fees:")
	accountPrefix      = []byte("account:")

	planCounterKey         = []byte("billing/plan-counter")
	subscriptionCounterKey = []byte("billing/subscription-counter")
)

func merchantKey(addr []byte) []byte {
	return append(append([]byte(nil), merchantPrefix...), addr...)
}

func planKey(id uint64) []byte {
	buf := make([]byte, len(planPrefix)+8)
	copy(buf, planPrefix)
	binary.BigEndian.PutUint64(buf[len(planPrefix):], id)
	return buf
}

func subscriptionKey(id uint64) []byte {
	buf := make([]byte, len(subscriptionPrefix)+8)
	copy(buf, subscriptionPrefix)
	binary.BigEndian.PutUint64(buf[len(subscriptionPrefix):], id)
	return buf
}

func feeKey(token string) []byte {
	return append(append([]byte(nil), feePrefix...), token...)
}

func accountKey(addr []byte) []byte {
	return append(append([]byte(nil), accountPrefix...), addr...)
}

// MerchantPut persists a merchant record keyed by its identity.
func (m *Manager) MerchantPut(merchant *billing.Merchant) error {
	if merchant == nil {
		return fmt.Errorf("state: nil merchant")
	}
	return m.KVPut(merchantKey(merchant.Address[:]), merchant)
}

// MerchantGet loads the merchant record for the given identity.
func (m *Manager) MerchantGet(addr [20]byte) (*billing.Merchant, bool, error) {
	merchant := new(billing.Merchant)
	ok, err := m.KVGet(merchantKey(addr[:]), merchant)
	if err != nil || !ok {
		return nil, false, err
	}
	return merchant, true, nil
}

// PlanPut persists a plan record keyed by its id.
func (m *Manager) PlanPut(plan *billing.Plan) error {
	if plan == nil {
		return fmt.Errorf("state: nil plan")
	}
	stored := plan.Clone()
	return m.KVPut(planKey(stored.ID), stored)
}

// PlanGet loads the plan record for the given id.
func (m *Manager) PlanGet(id uint64) (*billing.Plan, bool, error) {
	plan := new(billing.Plan)
	ok, err := m.KVGet(planKey(id), plan)
	if err != nil || !ok {
		return nil, false, err
	}
	return plan, true, nil
}

// NextPlanID allocates the next plan identifier. Ids start at 1 and are never
// reused; the namespace is independent from subscription ids.
func (m *Manager) NextPlanID() (uint64, error) {
	return m.nextCounter(planCounterKey)
}

// SubscriptionPut persists a subscription record keyed by its id.
func (m *Manager) SubscriptionPut(sub *billing.Subscription) error {
	if sub == nil {
		return fmt.Errorf("state: nil subscription")
	}
	return m.KVPut(subscriptionKey(sub.ID), sub)
}

// SubscriptionGet loads the subscription record for the given id.
func (m *Manager) SubscriptionGet(id uint64) (*billing.Subscription, bool, error) {
	sub := new(billing.Subscription)
	ok, err := m.KVGet(subscriptionKey(id), sub)
	if err != nil || !ok {
		return nil, false, err
	}
	return sub, true, nil
}

// NextSubscriptionID allocates the next subscription identifier.
func (m *Manager) NextSubscriptionID() (uint64, error) {
	return m.nextCounter(subscriptionCounterKey)
}

// FeeBalance returns the accrued commission for the given token. Absent
// entries read as zero.
func (m *Manager) FeeBalance(token string) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := m.KVGet(feeKey(token), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// SetFeeBalance records the accrued commission for the given token.
func (m *Manager) SetFeeBalance(token string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: fee balance must be non-negative")
	}
	return m.KVPut(feeKey(token), amount)
}

// GetAccount loads the account for the given address. Unknown addresses yield
// an empty account rather than an error so transfers against fresh receivers
// work without explicit account creation.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	account := types.NewAccount()
	if _, err := m.KVGet(accountKey(addr), account); err != nil {
		return nil, err
	}
	return account, nil
}

// PutAccount persists the account for the given address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	stored := account.Clone()
	return m.KVPut(accountKey(addr), stored)
}
