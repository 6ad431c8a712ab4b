package types

import (
	"math/big"
	"sort"
	"strings"
)

// TokenBalance holds the funds an account owns in a single token. Balances are
// kept as a sorted slice rather than a map so the RLP encoding of an account
// is deterministic.
type TokenBalance struct {
	Token  string
	Amount *big.Int
}

// Account is the ledger-side record for an external identity: per-token
// balances plus a nonce reserved for future replay protection at the
// transport layer.
type Account struct {
	Nonce    uint64
	Balances []TokenBalance
}

// NewAccount returns an account with no balances.
func NewAccount() *Account {
	return &Account{Balances: make([]TokenBalance, 0)}
}

// Balance returns the amount held in the given token. The returned value is a
// copy; mutating it does not change the account.
func (a *Account) Balance(token string) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	normalized := normalizeToken(token)
	for _, entry := range a.Balances {
		if entry.Token == normalized {
			if entry.Amount == nil {
				return big.NewInt(0)
			}
			return new(big.Int).Set(entry.Amount)
		}
	}
	return big.NewInt(0)
}

// SetBalance records the amount held in the given token, keeping the balance
// list sorted. A zero amount keeps the entry so prior activity stays visible
// in queries.
func (a *Account) SetBalance(token string, amount *big.Int) {
	if a == nil {
		return
	}
	normalized := normalizeToken(token)
	value := big.NewInt(0)
	if amount != nil {
		value = new(big.Int).Set(amount)
	}
	for i, entry := range a.Balances {
		if entry.Token == normalized {
			a.Balances[i].Amount = value
			return
		}
	}
	a.Balances = append(a.Balances, TokenBalance{Token: normalized, Amount: value})
	sort.Slice(a.Balances, func(i, j int) bool {
		return a.Balances[i].Token < a.Balances[j].Token
	})
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := &Account{Nonce: a.Nonce, Balances: make([]TokenBalance, 0, len(a.Balances))}
	for _, entry := range a.Balances {
		amount := big.NewInt(0)
		if entry.Amount != nil {
			amount = new(big.Int).Set(entry.Amount)
		}
		clone.Balances = append(clone.Balances, TokenBalance{Token: entry.Token, Amount: amount})
	}
	return clone
}

func normalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}
