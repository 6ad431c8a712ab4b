package core

import (
	"fmt"
	"math/big"
	"sync"

	"subpay/core/events"
	"subpay/core/state"
	"subpay/core/types"
	"subpay/native/billing"
	"subpay/native/fees"
	"subpay/observability"
)

// maxEventLog bounds the in-memory fact log exposed over RPC. Older entries
// fall off; the log is observability surface, not consumed internally.
const maxEventLog = 4096

var genesisAppliedKey = []byte("genesis/applied")

// Node owns the ledger state and serialises every operation: one operation
// fully completes (and its state transaction commits) before the next is
// applied. A failed operation discards all buffered writes and emits nothing.
type Node struct {
	mu     sync.Mutex
	state  *state.Manager
	engine *billing.Engine
	owner  [20]byte

	pending  []events.Event
	eventLog []events.Event
}

// NewNode wires a billing engine against the provided database-backed state.
func NewNode(st *state.Manager, owner [20]byte, policy fees.Policy) (*Node, error) {
	if st == nil {
		return nil, fmt.Errorf("core: state manager required")
	}
	if owner == ([20]byte{}) {
		return nil, fmt.Errorf("core: platform owner required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	engine := billing.NewEngine(owner, policy.Clone())
	engine.SetState(st)
	node := &Node{state: st, engine: engine, owner: owner}
	engine.SetEmitter(node)
	return node, nil
}

// Emit implements events.Emitter. Events stay buffered until the surrounding
// transaction commits, so failed operations leave no trace in the fact log.
func (n *Node) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	n.pending = append(n.pending, evt)
}

// SetNowFunc overrides the engine time source; used by tests.
func (n *Node) SetNowFunc(now func() int64) {
	n.engine.SetNowFunc(now)
}

func (n *Node) withTx(op string, fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state.Begin()
	n.pending = nil
	err := fn()
	if err == nil {
		err = n.state.Commit()
	}
	if err != nil {
		n.state.Discard()
		n.pending = nil
		observability.BillingMetrics().ObserveOperation(op, "error")
		return err
	}
	n.eventLog = append(n.eventLog, n.pending...)
	if overflow := len(n.eventLog) - maxEventLog; overflow > 0 {
		n.eventLog = append([]events.Event(nil), n.eventLog[overflow:]...)
	}
	n.pending = nil
	observability.BillingMetrics().ObserveOperation(op, "ok")
	return nil
}

// GenesisAlloc seeds an account balance on first start. Token issuance beyond
// this construction-time allocation is out of scope.
type GenesisAlloc struct {
	Address [20]byte
	Token   string
	Amount  *big.Int
}

// ApplyGenesisAllocs credits the configured balances exactly once per data
// directory. Subsequent starts are no-ops.
func (n *Node) ApplyGenesisAllocs(allocs []GenesisAlloc) error {
	return n.withTx("genesis", func() error {
		var applied bool
		if _, err := n.state.KVGet(genesisAppliedKey, &applied); err != nil {
			return err
		}
		if applied {
			return nil
		}
		for _, alloc := range allocs {
			token, err := billing.NormalizeToken(alloc.Token)
			if err != nil {
				return err
			}
			if alloc.Amount == nil || alloc.Amount.Sign() < 0 {
				return fmt.Errorf("core: genesis amount must be non-negative")
			}
			account, err := n.state.GetAccount(alloc.Address[:])
			if err != nil {
				return err
			}
			account.SetBalance(token, new(big.Int).Add(account.Balance(token), alloc.Amount))
			if err := n.state.PutAccount(alloc.Address[:], account); err != nil {
				return err
			}
		}
		return n.state.KVPut(genesisAppliedKey, true)
	})
}

// RegisterMerchant records the caller's payout receiver.
func (n *Node) RegisterMerchant(caller, receiver [20]byte) error {
	return n.withTx("register_merchant", func() error {
		return n.engine.RegisterMerchant(caller, receiver)
	})
}

// SetMerchantTokens mutates the caller's accepted-token whitelist.
func (n *Node) SetMerchantTokens(caller [20]byte, adds, dels []string) error {
	return n.withTx("set_tokens", func() error {
		return n.engine.SetMerchantTokens(caller, adds, dels)
	})
}

// CreatePlan registers a billing plan owned by the caller.
func (n *Node) CreatePlan(caller [20]byte, amount *big.Int, period uint64) (*billing.Plan, error) {
	var plan *billing.Plan
	err := n.withTx("create_plan", func() error {
		created, err := n.engine.CreatePlan(caller, amount, period)
		if err != nil {
			return err
		}
		plan = created
		return nil
	})
	return plan, err
}

// CancelPlan deactivates a plan owned by the caller.
func (n *Node) CancelPlan(caller [20]byte, id uint64) error {
	return n.withTx("cancel_plan", func() error {
		return n.engine.CancelPlan(caller, id)
	})
}

// Subscribe opens a subscription for the caller and settles the first payment.
func (n *Node) Subscribe(caller [20]byte, planID uint64, customer [20]byte, token string) (*billing.Subscription, error) {
	var sub *billing.Subscription
	err := n.withTx("subscribe", func() error {
		created, err := n.engine.Subscribe(caller, planID, customer, token)
		if err != nil {
			return err
		}
		sub = created
		return nil
	})
	if err == nil {
		observability.BillingMetrics().ObservePayment(sub.Token)
	}
	return sub, err
}

// Claim settles a due periodic payment for the given subscription.
func (n *Node) Claim(subID uint64) error {
	var token string
	err := n.withTx("claim", func() error {
		sub, ok, err := n.state.SubscriptionGet(subID)
		if err == nil && ok {
			token = sub.Token
		}
		return n.engine.Claim(subID)
	})
	if err == nil {
		observability.BillingMetrics().ObservePayment(token)
	}
	return err
}

// Unsubscribe closes the caller's subscription.
func (n *Node) Unsubscribe(caller [20]byte, subID uint64) error {
	return n.withTx("unsubscribe", func() error {
		return n.engine.Unsubscribe(caller, subID)
	})
}

// WithdrawFees sweeps accrued commission to the payee. Owner-only.
func (n *Node) WithdrawFees(caller [20]byte, tokens []string, payee [20]byte) (map[string]*big.Int, error) {
	var withdrawn map[string]*big.Int
	err := n.withTx("withdraw_fees", func() error {
		swept, err := n.engine.WithdrawFees(caller, tokens, payee)
		if err != nil {
			return err
		}
		withdrawn = swept
		return nil
	})
	return withdrawn, err
}

// GetMerchant returns the merchant record for the given identity.
func (n *Node) GetMerchant(addr [20]byte) (*billing.Merchant, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	merchant, ok, err := n.state.MerchantGet(addr)
	if err != nil || !ok {
		return nil, false, err
	}
	return merchant.Clone(), true, nil
}

// GetPlan returns the plan record for the given id.
func (n *Node) GetPlan(id uint64) (*billing.Plan, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	plan, ok, err := n.state.PlanGet(id)
	if err != nil || !ok {
		return nil, false, err
	}
	return plan.Clone(), true, nil
}

// GetSubscription returns the subscription record for the given id.
func (n *Node) GetSubscription(id uint64) (*billing.Subscription, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	sub, ok, err := n.state.SubscriptionGet(id)
	if err != nil || !ok {
		return nil, false, err
	}
	return sub.Clone(), true, nil
}

// GetFeeBalance returns the accrued commission for the given token.
func (n *Node) GetFeeBalance(token string) (*big.Int, error) {
	normalized, err := billing.NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.FeeBalance(normalized)
}

// GetAccount returns the account record for the given address.
func (n *Node) GetAccount(addr [20]byte) (*types.Account, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	account, err := n.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	return account.Clone(), nil
}

// Events returns a snapshot of the recent fact log, oldest first.
func (n *Node) Events() []events.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]events.Event(nil), n.eventLog...)
}
