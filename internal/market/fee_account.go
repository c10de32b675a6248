package market

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// FeeAccount accrues listing fees for the marketplace owner. Like Ledger it
// relies on Engine for serialization.
type FeeAccount struct {
	owner   common.Address
	rate    *big.Int
	balance *big.Int
}

// NewFeeAccount creates an empty account with the given listing fee.
func NewFeeAccount(owner common.Address, rate *big.Int) *FeeAccount {
	r := new(big.Int)
	if rate != nil {
		r.Set(rate)
	}
	return &FeeAccount{owner: owner, rate: r, balance: new(big.Int)}
}

// Owner is the only identity allowed to change the rate or withdraw.
func (f *FeeAccount) Owner() common.Address { return f.owner }

// Rate returns the current listing fee.
func (f *FeeAccount) Rate() *big.Int { return new(big.Int).Set(f.rate) }

// Balance returns the accrued, unwithdrawn fees.
func (f *FeeAccount) Balance() *big.Int { return new(big.Int).Set(f.balance) }

func (f *FeeAccount) authorize(caller common.Address) error {
	if caller != f.owner {
		return fmt.Errorf("market: fee account: %s is not the marketplace owner: %w", caller.Hex(), domain.ErrPermissionDenied)
	}
	return nil
}

// state returns the persisted form, optionally with a different rate or
// balance, without mutating the account.
func (f *FeeAccount) state(rate, balance *big.Int) domain.FeeState {
	if rate == nil {
		rate = f.rate
	}
	if balance == nil {
		balance = f.balance
	}
	return domain.FeeState{
		ListingFee: new(big.Int).Set(rate),
		Balance:    new(big.Int).Set(balance),
	}
}

func (f *FeeAccount) restore(st domain.FeeState) {
	if st.ListingFee != nil {
		f.rate = new(big.Int).Set(st.ListingFee)
	}
	if st.Balance != nil {
		f.balance = new(big.Int).Set(st.Balance)
	}
}
