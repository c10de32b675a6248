package market

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// Bank is an in-memory domain.Funds used for development deployments and
// tests. Balances never go negative.
type Bank struct {
	mu       sync.RWMutex
	balances map[common.Address]*big.Int
}

// NewBank returns an empty bank.
func NewBank() *Bank {
	return &Bank{balances: make(map[common.Address]*big.Int)}
}

// Deposit credits who with amount out of thin air.
func (b *Bank) Deposit(who common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(who, amount)
}

func (b *Bank) credit(who common.Address, amount *big.Int) {
	bal, ok := b.balances[who]
	if !ok {
		bal = new(big.Int)
		b.balances[who] = bal
	}
	bal.Add(bal, amount)
}

// Transfer moves amount from one identity to another.
func (b *Bank) Transfer(_ context.Context, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("bank: transfer: %w", domain.ErrInvalidAmount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("bank: transfer %s from %s: %w", amount, from.Hex(), domain.ErrInsufficientFunds)
	}
	bal.Sub(bal, amount)
	b.credit(to, amount)
	return nil
}

// BalanceOf returns the balance of who.
func (b *Bank) BalanceOf(_ context.Context, who common.Address) (*big.Int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if bal, ok := b.balances[who]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

// Compile-time interface check.
var _ domain.Funds = (*Bank)(nil)
