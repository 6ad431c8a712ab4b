package billing

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"subpay/core/events"
	"subpay/core/types"
	"subpay/native/fees"
)

type mockState struct {
	merchants   map[[20]byte]*Merchant
	plans       map[uint64]*Plan
	subs        map[uint64]*Subscription
	feeBalances map[string]*big.Int
	accounts    map[string]*types.Account
	planSeq     uint64
	subSeq      uint64
}

func newMockState() *mockState {
	return &mockState{
		merchants:   make(map[[20]byte]*Merchant),
		plans:       make(map[uint64]*Plan),
		subs:        make(map[uint64]*Subscription),
		feeBalances: make(map[string]*big.Int),
		accounts:    make(map[string]*types.Account),
	}
}

func (m *mockState) MerchantPut(merchant *Merchant) error {
	if merchant == nil {
		return fmt.Errorf("nil merchant")
	}
	m.merchants[merchant.Address] = merchant.Clone()
	return nil
}

func (m *mockState) MerchantGet(addr [20]byte) (*Merchant, bool, error) {
	merchant, ok := m.merchants[addr]
	if !ok {
		return nil, false, nil
	}
	return merchant.Clone(), true, nil
}

func (m *mockState) PlanPut(plan *Plan) error {
	if plan == nil {
		return fmt.Errorf("nil plan")
	}
	m.plans[plan.ID] = plan.Clone()
	return nil
}

func (m *mockState) PlanGet(id uint64) (*Plan, bool, error) {
	plan, ok := m.plans[id]
	if !ok {
		return nil, false, nil
	}
	return plan.Clone(), true, nil
}

func (m *mockState) NextPlanID() (uint64, error) {
	m.planSeq++
	return m.planSeq, nil
}

func (m *mockState) SubscriptionPut(sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("nil subscription")
	}
	m.subs[sub.ID] = sub.Clone()
	return nil
}

func (m *mockState) SubscriptionGet(id uint64) (*Subscription, bool, error) {
	sub, ok := m.subs[id]
	if !ok {
		return nil, false, nil
	}
	return sub.Clone(), true, nil
}

func (m *mockState) NextSubscriptionID() (uint64, error) {
	m.subSeq++
	return m.subSeq, nil
}

func (m *mockState) FeeBalance(token string) (*big.Int, error) {
	balance, ok := m.feeBalances[token]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

func (m *mockState) SetFeeBalance(token string, amount *big.Int) error {
	m.feeBalances[token] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	account, ok := m.accounts[string(addr)]
	if !ok {
		return types.NewAccount(), nil
	}
	return account.Clone(), nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("nil account")
	}
	m.accounts[string(addr)] = account.Clone()
	return nil
}

func (m *mockState) setBalance(addr [20]byte, token string, amount *big.Int) {
	account := types.NewAccount()
	if existing, ok := m.accounts[string(addr[:])]; ok {
		account = existing
	}
	account.SetBalance(token, amount)
	m.accounts[string(addr[:])] = account
}

func (m *mockState) balance(addr [20]byte, token string) *big.Int {
	account, ok := m.accounts[string(addr[:])]
	if !ok {
		return big.NewInt(0)
	}
	return account.Balance(token)
}

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.events = append(r.events, evt)
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func wei(n int64, exp uint) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
	return new(big.Int).Mul(big.NewInt(n), scale)
}

var (
	ownerAddr    = newTestAddress(0x01)
	merchantAddr = newTestAddress(0x02)
	receiverAddr = newTestAddress(0x03)
	payerAddr    = newTestAddress(0x04)
	customerAddr = newTestAddress(0x05)
	payeeAddr    = newTestAddress(0x06)
)

func testEngine(t *testing.T) (*Engine, *mockState, *recordingEmitter) {
	t.Helper()
	state := newMockState()
	policy := fees.Policy{RatePercent: 5, Min: wei(1, 18), Max: wei(100, 18)}
	engine := NewEngine(ownerAddr, policy)
	engine.SetState(state)
	emitter := &recordingEmitter{}
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return 1_000_000 })
	return engine, state, emitter
}

func registerTestMerchant(t *testing.T, engine *Engine, tokens ...string) {
	t.Helper()
	if err := engine.RegisterMerchant(merchantAddr, receiverAddr); err != nil {
		t.Fatalf("register merchant: %v", err)
	}
	if len(tokens) > 0 {
		if err := engine.SetMerchantTokens(merchantAddr, tokens, nil); err != nil {
			t.Fatalf("set tokens: %v", err)
		}
	}
}

func createTestPlan(t *testing.T, engine *Engine, amount *big.Int, period uint64) *Plan {
	t.Helper()
	plan, err := engine.CreatePlan(merchantAddr, amount, period)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return plan
}

func TestRegisterMerchantRejectsZeroReceiver(t *testing.T) {
	engine, _, _ := testEngine(t)
	if err := engine.RegisterMerchant(merchantAddr, [20]byte{}); !errors.Is(err, ErrInvalidReceiver) {
		t.Fatalf("expected ErrInvalidReceiver, got %v", err)
	}
}

func TestRegisterMerchantOverwritesReceiver(t *testing.T) {
	engine, state, _ := testEngine(t)
	registerTestMerchant(t, engine)
	replacement := newTestAddress(0x33)
	if err := engine.RegisterMerchant(merchantAddr, replacement); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	merchant, ok, err := state.MerchantGet(merchantAddr)
	if err != nil || !ok {
		t.Fatalf("merchant lookup failed: ok=%v err=%v", ok, err)
	}
	if merchant.Receiver != replacement {
		t.Fatalf("expected receiver to be overwritten")
	}
}

func TestSetMerchantTokensDeleteWins(t *testing.T) {
	engine, state, _ := testEngine(t)
	registerTestMerchant(t, engine)
	// USDQ appears in both lists; deletions are applied after additions so
	// it must end up removed.
	if err := engine.SetMerchantTokens(merchantAddr, []string{"USDQ", "EURQ"}, []string{"USDQ"}); err != nil {
		t.Fatalf("set tokens: %v", err)
	}
	merchant, _, _ := state.MerchantGet(merchantAddr)
	if merchant.AcceptsToken("USDQ") {
		t.Fatalf("expected USDQ removed when listed in both adds and dels")
	}
	if !merchant.AcceptsToken("EURQ") {
		t.Fatalf("expected EURQ accepted")
	}
}

func TestSetMerchantTokensRemoveAbsentIsNoop(t *testing.T) {
	engine, state, _ := testEngine(t)
	registerTestMerchant(t, engine, "USDQ")
	if err := engine.SetMerchantTokens(merchantAddr, nil, []string{"EURQ"}); err != nil {
		t.Fatalf("set tokens: %v", err)
	}
	merchant, _, _ := state.MerchantGet(merchantAddr)
	if !merchant.AcceptsToken("USDQ") {
		t.Fatalf("expected USDQ untouched")
	}
}

func TestCreatePlanRequiresRegistration(t *testing.T) {
	engine, _, _ := testEngine(t)
	if _, err := engine.CreatePlan(merchantAddr, wei(10, 18), 3600); !errors.Is(err, ErrMerchantNotRegistered) {
		t.Fatalf("expected ErrMerchantNotRegistered, got %v", err)
	}
}

func TestCreatePlanValidation(t *testing.T) {
	engine, _, _ := testEngine(t)
	registerTestMerchant(t, engine)
	if _, err := engine.CreatePlan(merchantAddr, big.NewInt(0), 3600); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan for zero amount, got %v", err)
	}
	if _, err := engine.CreatePlan(merchantAddr, wei(10, 18), 0); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan for zero period, got %v", err)
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 300)
	if _, err := engine.CreatePlan(merchantAddr, huge, 3600); !errors.Is(err, fees.ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow, got %v", err)
	}
}

func TestPlanIDsAreSequential(t *testing.T) {
	engine, _, _ := testEngine(t)
	registerTestMerchant(t, engine)
	first := createTestPlan(t, engine, wei(10, 18), 3600)
	second := createTestPlan(t, engine, wei(20, 18), 7200)
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("expected sequential plan ids from 1, got %d and %d", first.ID, second.ID)
	}
}

func TestCancelPlan(t *testing.T) {
	engine, state, emitter := testEngine(t)
	registerTestMerchant(t, engine)
	plan := createTestPlan(t, engine, wei(10, 18), 3600)

	if err := engine.CancelPlan(payerAddr, plan.ID); !errors.Is(err, ErrNotPlanOwner) {
		t.Fatalf("expected ErrNotPlanOwner, got %v", err)
	}
	if err := engine.CancelPlan(merchantAddr, 99); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
	if err := engine.CancelPlan(merchantAddr, plan.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	stored, _, _ := state.PlanGet(plan.ID)
	if stored.Active {
		t.Fatalf("expected plan inactive after cancel")
	}
	// Idempotent repeat succeeds without a second event.
	if err := engine.CancelPlan(merchantAddr, plan.ID); err != nil {
		t.Fatalf("idempotent cancel: %v", err)
	}
	canceled := 0
	for _, evt := range emitter.events {
		if evt.EventType() == events.TypePlanCanceled {
			canceled++
		}
	}
	if canceled != 1 {
		t.Fatalf("expected exactly one PlanCanceled event, got %d", canceled)
	}
}

func TestSubscribePaymentSplit(t *testing.T) {
	engine, state, emitter := testEngine(t)
	registerTestMerchant(t, engine, "USDQ")
	plan := createTestPlan(t, engine, wei(50, 18), 3600)
	state.setBalance(payerAddr, "USDQ", wei(1000, 18))

	sub, err := engine.Subscribe(payerAddr, plan.ID, customerAddr, "USDQ")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.ID != 1 {
		t.Fatalf("expected subscription id 1, got %d", sub.ID)
	}
	if sub.NextEligibleTime != 1_000_000+3600 {
		t.Fatalf("expected next eligible time %d, got %d", 1_000_000+3600, sub.NextEligibleTime)
	}

	// 5% of 50e18 = 2.5e18 commission.
	fee := new(big.Int).Mul(big.NewInt(25), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
	net := new(big.Int).Sub(wei(50, 18), fee)

	if got := state.balance(receiverAddr, "USDQ"); got.Cmp(net) != 0 {
		t.Fatalf("expected merchant receiver balance %s, got %s", net, got)
	}
	wantPayer := new(big.Int).Sub(wei(1000, 18), wei(50, 18))
	if got := state.balance(payerAddr, "USDQ"); got.Cmp(wantPayer) != 0 {
		t.Fatalf("expected payer balance %s, got %s", wantPayer, got)
	}
	if got := state.balance(FeeVaultAddress(), "USDQ"); got.Cmp(fee) != 0 {
		t.Fatalf("expected vault balance %s, got %s", fee, got)
	}
	accrued, _ := state.FeeBalance("USDQ")
	if accrued.Cmp(fee) != 0 {
		t.Fatalf("expected fee accrual %s, got %s", fee, accrued)
	}

	var started bool
	for _, evt := range emitter.events {
		if evt.EventType() == events.TypeSubscriptionStarted {
			started = true
		}
	}
	if !started {
		t.Fatalf("expected SubscriptionStarted event")
	}
}

func TestSubscribeRequiresActivePlan(t *testing.T) {
	engine, _, _ := testEngine(t)
	registerTestMerchant(t, engine, "USDQ")
	if _, err := engine.Subscribe(payerAddr, 42, customerAddr, "USDQ"); !errors.Is(err, ErrPlanNotActive) {
		t.Fatalf("expected ErrPlanNotActive for absent plan, got %v", err)
	}
	plan := createTestPlan(t, engine, wei(50, 18), 3600)
	if err := engine.CancelPlan(merchantAddr, plan.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := engine.Subscribe(payerAddr, plan.ID, customerAddr, "USDQ"); !errors.Is(err, ErrPlanNotActive) {
		t.Fatalf("expected ErrPlanNotActive for canceled plan, got %v", err)
	}
}

func TestSubscribeRequiresAcceptedToken(t *testing.T) {
	engine, state, _ := testEngine(t)
	registerTestMerchant(t, engine, "USDQ")
	plan := createTestPlan(t, engine, wei(50, 18), 3600)
	state.setBalance(payerAddr, "EURQ", wei(1000, 18))
	if _, err := engine.Subscribe(payerAddr, plan.ID, customerAddr, "EURQ"); !errors.Is(err, ErrTokenNotAccepted) {
		t.Fatalf("expected ErrTokenNotAccepted, got %v", err)
	}
}

func TestSubscribeInsufficientBalance(t *testing.T) {
	engine, state, _ := testEngine(t)
	registerTestMerchant(t, engine, "USDQ")
	plan := createTestPlan(t, engine, wei(50, 18), 3600)
	state.setBalance(payerAddr, "USDQ", wei(1, 18))
	if _, err := engine.Subscribe(payerAddr, plan.ID, customerAddr, "USDQ"); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
}

func TestClaimTiming(t *testing.T) {
	engine, state, _ := testEngine(t)
	registerTestMerchant(t, engine, "USDQ")
	plan := createTestPlan(t, engine, wei(50, 18), 3600)
	state.setBalance(payerAddr, "USDQ", wei(1000, 18))

	now := int64(1_000_000)
	engine.SetNowFunc(func() int64 { return now })
	sub, err := engine.Subscribe(payerAddr, plan.ID, customerAddr, "USDQ")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := engine.Claim(sub.ID); !errors.Is(err, ErrClaimTooEarly) {
		t.Fatalf("expected ErrClaimTooEarly, got %v", err)
	}
	now = 1_000_000 + 3599
	if err := engine.Claim(sub.ID); !errors.Is(err, ErrClaimTooEarly) {
		t.Fatalf("expected ErrClaimTooEarly one second before eligibility, got %v", err)
	}

	// Claiming late must advance the schedule by exactly one period, not
	// reset it to now+period.
	now = 1_000_000 + 3600 + 1800
	if err := engine.Claim(sub.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	stored, _, _ := state.SubscriptionGet(sub.ID)
	if stored.NextEligibleTime != 1_000_000+2*3600 {
		t.Fatalf("expected next eligible time %d, got %d", 1_000_000+2*3600, stored.NextEligibleTime)
	}
}

func TestClaimOnCanceledPlanFails(t *testing.T) {
	engine, state, _ := testEngine(t)
	registerTestMerchant(t, engine, "USDQ")
	plan := createTestPlan(t, engine, wei(50, 18), 3600)
	state.setBalance(payerAddr, "USDQ", wei(1000, 18))

	now := int64(1_000_000)
	engine.SetNowFunc(func() int64 { return now })
	sub, err := engine.Subscribe(payerAddr, plan.ID, customerAddr, "USDQ")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := engine.CancelPlan(merchantAddr, plan.ID); err != nil {
		t.Fatalf("cancel plan: %v", err)
	}
	// The subscription record survives plan cancellation.
	stored, ok, _ := state.SubscriptionGet(sub.ID)
	if !ok || !stored.Active {
		t.Fatalf("expected subscription to remain active after plan cancel")
	}
	now = 1_000_000 + 3600
	if err := engine.Claim(sub.ID); !errors.Is(err, ErrPlanNotActive) {
		t.Fatalf("expected ErrPlanNotActive, got %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	engine, state, _ := testEngine(t)
	registerTestMerchant(t, engine, "USDQ")
	plan := createTestPlan(t, engine, wei(50, 18), 3600)
	state.setBalance(payerAddr, "USDQ", wei(1000, 18))
	sub, err := engine.Subscribe(payerAddr, plan.ID, customerAddr, "USDQ")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := engine.Unsubscribe(customerAddr, sub.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-payer, got %v", err)
	}
	if err := engine.Unsubscribe(payerAddr, sub.ID); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := engine.Unsubscribe(payerAddr, sub.ID); !errors.Is(err, ErrSubscriptionNotActive) {
		t.Fatalf("expected ErrSubscriptionNotActive on repeat cancel, got %v", err)
	}
	engine.SetNowFunc(func() int64 { return 2_000_000 })
	if err := engine.Claim(sub.ID); !errors.Is(err, ErrSubscriptionNotActive) {
		t.Fatalf("expected ErrSubscriptionNotActive after unsubscribe, got %v", err)
	}
}

func TestWithdrawFees(t *testing.T) {
	engine, state, _ := testEngine(t)
	registerTestMerchant(t, engine, "USDQ")
	plan := createTestPlan(t, engine, wei(50, 18), 3600)
	state.setBalance(payerAddr, "USDQ", wei(1000, 18))
	if _, err := engine.Subscribe(payerAddr, plan.ID, customerAddr, "USDQ"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := engine.WithdrawFees(merchantAddr, []string{"USDQ"}, payeeAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-owner, got %v", err)
	}
	if _, err := engine.WithdrawFees(ownerAddr, []string{"USDQ"}, [20]byte{}); !errors.Is(err, ErrInvalidReceiver) {
		t.Fatalf("expected ErrInvalidReceiver for zero payee, got %v", err)
	}

	fee := new(big.Int).Mul(big.NewInt(25), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
	withdrawn, err := engine.WithdrawFees(ownerAddr, []string{"USDQ"}, payeeAddr)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn["USDQ"].Cmp(fee) != 0 {
		t.Fatalf("expected withdrawal %s, got %s", fee, withdrawn["USDQ"])
	}
	if got := state.balance(payeeAddr, "USDQ"); got.Cmp(fee) != 0 {
		t.Fatalf("expected payee balance %s, got %s", fee, got)
	}
	remaining, _ := state.FeeBalance("USDQ")
	if remaining.Sign() != 0 {
		t.Fatalf("expected fee balance zeroed, got %s", remaining)
	}

	// A second sweep with no intervening accrual moves nothing.
	withdrawn, err = engine.WithdrawFees(ownerAddr, []string{"USDQ"}, payeeAddr)
	if err != nil {
		t.Fatalf("second withdraw: %v", err)
	}
	if withdrawn["USDQ"].Sign() != 0 {
		t.Fatalf("expected zero second withdrawal, got %s", withdrawn["USDQ"])
	}
	if got := state.balance(payeeAddr, "USDQ"); got.Cmp(fee) != 0 {
		t.Fatalf("expected payee balance unchanged at %s, got %s", fee, got)
	}
}

func TestBillingCycleTotals(t *testing.T) {
	engine, state, _ := testEngine(t)
	registerTestMerchant(t, engine, "USDQ")
	plan := createTestPlan(t, engine, wei(50, 18), 3600)
	state.setBalance(payerAddr, "USDQ", wei(1000, 18))

	now := int64(1_000_000)
	engine.SetNowFunc(func() int64 { return now })
	sub, err := engine.Subscribe(payerAddr, plan.ID, customerAddr, "USDQ")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	now = 1_000_000 + 3600
	if err := engine.Claim(sub.ID); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	now = 1_000_000 + 2*3600
	if err := engine.Claim(sub.ID); err != nil {
		t.Fatalf("second claim: %v", err)
	}

	fee := new(big.Int).Mul(big.NewInt(25), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
	net := new(big.Int).Sub(wei(50, 18), fee)

	wantReceipts := new(big.Int).Mul(net, big.NewInt(3))
	if got := state.balance(receiverAddr, "USDQ"); got.Cmp(wantReceipts) != 0 {
		t.Fatalf("expected cumulative receipts %s, got %s", wantReceipts, got)
	}
	wantFees := new(big.Int).Mul(fee, big.NewInt(3))
	accrued, _ := state.FeeBalance("USDQ")
	if accrued.Cmp(wantFees) != 0 {
		t.Fatalf("expected cumulative fees %s, got %s", wantFees, accrued)
	}
	wantPayer := new(big.Int).Sub(wei(1000, 18), new(big.Int).Mul(wei(50, 18), big.NewInt(3)))
	if got := state.balance(payerAddr, "USDQ"); got.Cmp(wantPayer) != 0 {
		t.Fatalf("expected payer balance %s, got %s", wantPayer, got)
	}
}
