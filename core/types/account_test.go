package types

import (
	"math/big"
	"testing"
)

func TestBalanceDefaultsToZero(t *testing.T) {
	account := NewAccount()
	if account.Balance("USDQ").Sign() != 0 {
		t.Fatalf("expected zero balance for unknown token")
	}
}

func TestSetBalanceKeepsTokensSorted(t *testing.T) {
	account := NewAccount()
	account.SetBalance("USDQ", big.NewInt(3))
	account.SetBalance("EURQ", big.NewInt(2))
	account.SetBalance("GBPQ", big.NewInt(1))

	if len(account.Balances) != 3 {
		t.Fatalf("expected 3 balances, got %d", len(account.Balances))
	}
	for i := 1; i < len(account.Balances); i++ {
		if account.Balances[i-1].Token >= account.Balances[i].Token {
			t.Fatalf("balances not sorted: %v", account.Balances)
		}
	}
	if account.Balance("EURQ").Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("expected EURQ balance 2, got %s", account.Balance("EURQ"))
	}
}

func TestSetBalanceNormalizesToken(t *testing.T) {
	account := NewAccount()
	account.SetBalance(" usdq ", big.NewInt(5))
	if account.Balance("USDQ").Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("expected normalized token lookup to find balance")
	}
	account.SetBalance("USDQ", big.NewInt(7))
	if len(account.Balances) != 1 {
		t.Fatalf("expected overwrite, got %d entries", len(account.Balances))
	}
	if account.Balance("usdq").Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("expected updated balance 7, got %s", account.Balance("usdq"))
	}
}

func TestCloneIsolatesBalances(t *testing.T) {
	account := NewAccount()
	account.Nonce = 4
	account.SetBalance("USDQ", big.NewInt(10))

	clone := account.Clone()
	clone.SetBalance("USDQ", big.NewInt(99))
	clone.Nonce = 5

	if account.Balance("USDQ").Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected original balance untouched, got %s", account.Balance("USDQ"))
	}
	if account.Nonce != 4 {
		t.Fatalf("expected original nonce untouched, got %d", account.Nonce)
	}
}
