package billing

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"subpay/core/events"
	"subpay/core/types"
)

var (
	errNilState = errors.New("billing engine: state not configured")
	errNilOwner = errors.New("billing engine: platform owner not configured")
)

// engineState is the narrow view of ledger state the billing engine mutates.
// All writes made through it belong to the surrounding state transaction;
// nothing is observable by other callers until the transaction commits.
type engineState interface {
	MerchantPut(*Merchant) error
	MerchantGet(addr [20]byte) (*Merchant, bool, error)
	PlanPut(*Plan) error
	PlanGet(id uint64) (*Plan, bool, error)
	NextPlanID() (uint64, error)
	SubscriptionPut(*Subscription) error
	SubscriptionGet(id uint64) (*Subscription, bool, error)
	NextSubscriptionID() (uint64, error)
	FeeBalance(token string) (*big.Int, error)
	SetFeeBalance(token string, amount *big.Int) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// FeeVaultAddress returns the ledger-internal account that escrows accrued
// commission until the owner withdraws it. The address is derived from a fixed
// preimage so it cannot collide with a key-derived account.
func FeeVaultAddress() [20]byte {
	hash := ethcrypto.Keccak256([]byte("subpay/fee-vault"))
	var addr [20]byte
	copy(addr[:], hash[len(hash)-20:])
	return addr
}

// Engine wires the recurring-billing business logic with external state and
// event emitters. Operations mutate state first and move tokens last so a
// reentrant call triggered by a transfer observes a consistent ledger.
type Engine struct {
	state   engineState
	emitter events.Emitter
	owner   [20]byte
	vault   [20]byte
	policy  Policy
	nowFn   func() int64
}

// Policy aliases the commission parameters consumed by the engine. Declared
// here so callers construct engines without importing the fees package.
type Policy interface {
	Apply(amount *big.Int) (*big.Int, error)
}

// NewEngine creates a billing engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine(owner [20]byte, policy Policy) *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		owner:   owner,
		vault:   FeeVaultAddress(),
		policy:  policy,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	now := e.nowFn()
	if now < 0 {
		return 0
	}
	return uint64(now)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// RegisterMerchant records or overwrites the caller's payout receiver. No
// history is kept; re-registration simply replaces the prior receiver.
func (e *Engine) RegisterMerchant(caller, receiver [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if receiver == ([20]byte{}) {
		return ErrInvalidReceiver
	}
	merchant, ok, err := e.state.MerchantGet(caller)
	if err != nil {
		return err
	}
	if !ok {
		merchant = &Merchant{Address: caller, Tokens: make([]string, 0)}
	}
	merchant.Receiver = receiver
	return e.state.MerchantPut(merchant)
}

// SetMerchantTokens mutates the caller's accepted-token set. Additions are
// applied before deletions, so a token listed in both ends up removed.
func (e *Engine) SetMerchantTokens(caller [20]byte, adds, dels []string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	merchant, ok, err := e.state.MerchantGet(caller)
	if err != nil {
		return err
	}
	if !ok {
		merchant = &Merchant{Address: caller, Tokens: make([]string, 0)}
	}
	for _, symbol := range adds {
		token, err := NormalizeToken(symbol)
		if err != nil {
			return err
		}
		merchant.addToken(token)
	}
	for _, symbol := range dels {
		token, err := NormalizeToken(symbol)
		if err != nil {
			return err
		}
		merchant.removeToken(token)
	}
	return e.state.MerchantPut(merchant)
}

// CreatePlan allocates the next plan id for a registered merchant. Amount and
// period are immutable afterwards.
func (e *Engine) CreatePlan(caller [20]byte, amount *big.Int, period uint64) (*Plan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	merchant, ok, err := e.state.MerchantGet(caller)
	if err != nil {
		return nil, err
	}
	if !ok || !merchant.Registered() {
		return nil, ErrMerchantNotRegistered
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidPlan)
	}
	if period == 0 || period > math.MaxInt64 {
		return nil, fmt.Errorf("%w: period out of range", ErrInvalidPlan)
	}
	if _, err := e.policy.Apply(amt); err != nil {
		return nil, err
	}
	id, err := e.state.NextPlanID()
	if err != nil {
		return nil, err
	}
	plan := &Plan{
		ID:        id,
		Merchant:  caller,
		Amount:    amt,
		Period:    period,
		Active:    true,
		CreatedAt: e.now(),
	}
	if err := e.state.PlanPut(plan); err != nil {
		return nil, err
	}
	e.emit(events.PlanStarted{ID: plan.ID, Merchant: plan.Merchant, Amount: cloneBigInt(plan.Amount), Period: plan.Period})
	return plan.Clone(), nil
}

// CancelPlan deactivates a plan. Only the owning merchant may cancel.
// Canceling an already-canceled plan is an idempotent no-op. Existing
// subscriptions keep their records; their next claim fails instead.
func (e *Engine) CancelPlan(caller [20]byte, id uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	plan, ok, err := e.state.PlanGet(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPlanNotFound
	}
	if plan.Merchant != caller {
		return ErrNotPlanOwner
	}
	if !plan.Active {
		return nil
	}
	plan.Active = false
	if err := e.state.PlanPut(plan); err != nil {
		return err
	}
	e.emit(events.PlanCanceled{ID: plan.ID, Merchant: plan.Merchant})
	return nil
}

// Subscribe opens a billing relationship against an active plan and charges
// the first payment immediately. The next claim becomes eligible one period
// after creation.
func (e *Engine) Subscribe(caller [20]byte, planID uint64, customer [20]byte, token string) (*Subscription, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	plan, ok, err := e.state.PlanGet(planID)
	if err != nil {
		return nil, err
	}
	if !ok || !plan.Active {
		return nil, ErrPlanNotActive
	}
	merchant, ok, err := e.state.MerchantGet(plan.Merchant)
	if err != nil {
		return nil, err
	}
	if !ok || !merchant.Registered() {
		return nil, ErrMerchantNotRegistered
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	if !merchant.AcceptsToken(normalized) {
		return nil, ErrTokenNotAccepted
	}
	id, err := e.state.NextSubscriptionID()
	if err != nil {
		return nil, err
	}
	now := e.now()
	sub := &Subscription{
		ID:               id,
		Plan:             plan.ID,
		Payer:            caller,
		Customer:         customer,
		Token:            normalized,
		NextEligibleTime: now + plan.Period,
		Active:           true,
		CreatedAt:        now,
	}
	if err := e.state.SubscriptionPut(sub); err != nil {
		return nil, err
	}
	if _, _, err := e.settlePayment(plan, merchant, sub); err != nil {
		return nil, err
	}
	e.emit(events.SubscriptionStarted{
		ID:               sub.ID,
		Plan:             sub.Plan,
		Customer:         sub.Customer,
		Payer:            sub.Payer,
		Token:            sub.Token,
		NextEligibleTime: sub.NextEligibleTime,
	})
	return sub.Clone(), nil
}

// Claim collects a due periodic payment. Anyone may invoke it; eligibility is
// purely time-gated. The schedule advances by exactly one period per claim so
// late claims do not drift. Claims against a canceled plan fail: canceling a
// plan stops future billing, not just new subscriptions.
func (e *Engine) Claim(subID uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	sub, ok, err := e.state.SubscriptionGet(subID)
	if err != nil {
		return err
	}
	if !ok || !sub.Active {
		return ErrSubscriptionNotActive
	}
	if e.now() < sub.NextEligibleTime {
		return ErrClaimTooEarly
	}
	plan, ok, err := e.state.PlanGet(sub.Plan)
	if err != nil {
		return err
	}
	if !ok || !plan.Active {
		return ErrPlanNotActive
	}
	merchant, ok, err := e.state.MerchantGet(plan.Merchant)
	if err != nil {
		return err
	}
	if !ok || !merchant.Registered() {
		return ErrMerchantNotRegistered
	}
	sub.NextEligibleTime += plan.Period
	if err := e.state.SubscriptionPut(sub); err != nil {
		return err
	}
	fee, net, err := e.settlePayment(plan, merchant, sub)
	if err != nil {
		return err
	}
	e.emit(events.SubscriptionClaimed{
		ID:               sub.ID,
		Plan:             sub.Plan,
		Token:            sub.Token,
		Fee:              fee,
		Net:              net,
		NextEligibleTime: sub.NextEligibleTime,
	})
	return nil
}

// Unsubscribe closes a subscription. Only the payer may cancel; canceling an
// already-inactive subscription fails because it signals caller error.
func (e *Engine) Unsubscribe(caller [20]byte, subID uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	sub, ok, err := e.state.SubscriptionGet(subID)
	if err != nil {
		return err
	}
	if !ok || !sub.Active {
		return ErrSubscriptionNotActive
	}
	if sub.Payer != caller {
		return ErrUnauthorized
	}
	sub.Active = false
	if err := e.state.SubscriptionPut(sub); err != nil {
		return err
	}
	e.emit(events.SubscriptionCanceled{ID: sub.ID})
	return nil
}

// WithdrawFees sweeps the accrued commission for each listed token to the
// payee. Owner-only. The batch is all-or-nothing: the surrounding state
// transaction discards every accrual change when any token fails.
func (e *Engine) WithdrawFees(caller [20]byte, tokens []string, payee [20]byte) (map[string]*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.owner == ([20]byte{}) {
		return nil, errNilOwner
	}
	if caller != e.owner {
		return nil, ErrUnauthorized
	}
	if payee == ([20]byte{}) {
		return nil, ErrInvalidReceiver
	}
	withdrawn := make(map[string]*big.Int, len(tokens))
	for _, symbol := range tokens {
		token, err := NormalizeToken(symbol)
		if err != nil {
			return nil, err
		}
		balance, err := e.state.FeeBalance(token)
		if err != nil {
			return nil, err
		}
		if balance.Sign() == 0 {
			withdrawn[token] = big.NewInt(0)
			continue
		}
		if err := e.state.SetFeeBalance(token, big.NewInt(0)); err != nil {
			return nil, err
		}
		if err := e.transferToken(e.vault, payee, token, balance); err != nil {
			return nil, err
		}
		withdrawn[token] = cloneBigInt(balance)
		e.emit(events.FeesWithdrawn{Token: token, Amount: cloneBigInt(balance), Payee: payee})
	}
	return withdrawn, nil
}

// settlePayment runs the commission split for one billing event: the fee is
// accrued to the vault, the net proceeds go to the merchant receiver, and the
// payer is debited the full plan amount. All bookkeeping is written before
// tokens move.
func (e *Engine) settlePayment(plan *Plan, merchant *Merchant, sub *Subscription) (*big.Int, *big.Int, error) {
	fee, err := e.policy.Apply(plan.Amount)
	if err != nil {
		return nil, nil, err
	}
	net := new(big.Int).Sub(cloneBigInt(plan.Amount), fee)
	balance, err := e.state.FeeBalance(sub.Token)
	if err != nil {
		return nil, nil, err
	}
	if err := e.state.SetFeeBalance(sub.Token, new(big.Int).Add(balance, fee)); err != nil {
		return nil, nil, err
	}
	if net.Sign() > 0 {
		if err := e.transferToken(sub.Payer, merchant.Receiver, sub.Token, net); err != nil {
			return nil, nil, err
		}
	}
	if fee.Sign() > 0 {
		if err := e.transferToken(sub.Payer, e.vault, sub.Token, fee); err != nil {
			return nil, nil, err
		}
	}
	return fee, net, nil
}

func (e *Engine) transferToken(from, to [20]byte, token string, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("%w: negative amount", ErrTransferFailed)
	}
	if from == to {
		// Self-transfers are a balance no-op but still require the funds
		// to exist.
		acc, err := e.state.GetAccount(from[:])
		if err != nil {
			return err
		}
		if acc == nil || acc.Balance(token).Cmp(amt) < 0 {
			return fmt.Errorf("%w: insufficient balance", ErrTransferFailed)
		}
		return nil
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	if fromAcc == nil {
		fromAcc = types.NewAccount()
	}
	if toAcc == nil {
		toAcc = types.NewAccount()
	}
	fromBalance := fromAcc.Balance(token)
	if fromBalance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: insufficient balance", ErrTransferFailed)
	}
	fromAcc.SetBalance(token, new(big.Int).Sub(fromBalance, amt))
	toAcc.SetBalance(token, new(big.Int).Add(toAcc.Balance(token), amt))
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}
