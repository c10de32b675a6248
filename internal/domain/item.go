package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MarketItem is one listing. Listings are never reused: re-listing the same
// asset later creates a new item with a new ItemID.
type MarketItem struct {
	ItemID        int64          `json:"item_id"`
	AssetContract common.Address `json:"asset_contract"`
	TokenID       *big.Int       `json:"token_id"`
	Seller        common.Address `json:"seller"`
	Owner         common.Address `json:"owner"` // escrow while listed, buyer after sale
	Price         *big.Int       `json:"price"`
	Sold          bool           `json:"sold"`
	ListedAt      time.Time      `json:"listed_at"`
	SoldAt        *time.Time     `json:"sold_at,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate ledger state through
// shared big.Int or time pointers.
func (m MarketItem) Clone() MarketItem {
	out := m
	if m.TokenID != nil {
		out.TokenID = new(big.Int).Set(m.TokenID)
	}
	if m.Price != nil {
		out.Price = new(big.Int).Set(m.Price)
	}
	if m.SoldAt != nil {
		t := *m.SoldAt
		out.SoldAt = &t
	}
	return out
}

// AssetKey identifies an asset across registries.
type AssetKey struct {
	Contract common.Address
	TokenID  string // decimal token id
}

// Key returns the asset identity of the item.
func (m MarketItem) Key() AssetKey {
	return AssetKey{Contract: m.AssetContract, TokenID: m.TokenID.String()}
}

// FeeState is the persisted state of the fee account.
type FeeState struct {
	ListingFee *big.Int
	Balance    *big.Int
}

// Clone returns a deep copy of the fee state.
func (f FeeState) Clone() FeeState {
	return FeeState{
		ListingFee: cloneInt(f.ListingFee),
		Balance:    cloneInt(f.Balance),
	}
}

// LedgerChange is everything a single marketplace mutation writes. Exactly
// the non-nil parts are persisted, together, or not at all.
type LedgerChange struct {
	Created *MarketItem
	Sold    *MarketItem
	Fee     *FeeState
}

// LedgerSnapshot is the persisted marketplace state used to rebuild an
// engine on startup.
type LedgerSnapshot struct {
	Items   []MarketItem // ascending by ItemID
	Fee     *FeeState    // nil when never persisted
	Version int64
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
