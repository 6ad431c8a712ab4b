package billing

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
)

const maxTokenSymbolLength = 16

// Merchant holds the payout configuration for one merchant identity: where
// net proceeds are sent and which tokens the merchant accepts. A merchant with
// a zero receiver has not completed registration and cannot create plans.
type Merchant struct {
	Address  [20]byte
	Receiver [20]byte
	Tokens   []string
}

// Registered reports whether the merchant has a usable payout receiver.
func (m *Merchant) Registered() bool {
	if m == nil {
		return false
	}
	return m.Receiver != ([20]byte{})
}

// AcceptsToken reports whether the merchant accepts payment in the given
// token. The symbol must already be normalised.
func (m *Merchant) AcceptsToken(token string) bool {
	if m == nil {
		return false
	}
	for _, accepted := range m.Tokens {
		if accepted == token {
			return true
		}
	}
	return false
}

func (m *Merchant) addToken(token string) {
	if m.AcceptsToken(token) {
		return
	}
	m.Tokens = append(m.Tokens, token)
	sort.Strings(m.Tokens)
}

func (m *Merchant) removeToken(token string) {
	updated := m.Tokens[:0]
	for _, accepted := range m.Tokens {
		if accepted != token {
			updated = append(updated, accepted)
		}
	}
	m.Tokens = updated
}

// Clone returns a deep copy of the merchant record.
func (m *Merchant) Clone() *Merchant {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Tokens = append([]string(nil), m.Tokens...)
	return &clone
}

// Plan is a billing template owned by one merchant. Amount and period are
// immutable after creation; Active flips to false on cancellation and never
// flips back.
type Plan struct {
	ID        uint64
	Merchant  [20]byte
	Amount    *big.Int
	Period    uint64
	Active    bool
	CreatedAt uint64
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Amount != nil {
		clone.Amount = new(big.Int).Set(p.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Subscription is a live billing relationship between a payer and a plan.
// NextEligibleTime only ever increases, by exactly one plan period per
// successful claim.
type Subscription struct {
	ID               uint64
	Plan             uint64
	Payer            [20]byte
	Customer         [20]byte
	Token            string
	NextEligibleTime uint64
	Active           bool
	CreatedAt        uint64
}

// Clone returns a copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// NormalizeToken canonicalises a token symbol to uppercase and validates its
// shape. Unlike the chain-native case there is no fixed symbol set; merchants
// whitelist arbitrary fungible tokens.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty symbol", ErrInvalidToken)
	}
	if len(trimmed) > maxTokenSymbolLength {
		return "", fmt.Errorf("%w: symbol %q too long", ErrInvalidToken, symbol)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: symbol %q", ErrInvalidToken, symbol)
		}
	}
	return trimmed, nil
}
