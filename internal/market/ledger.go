package market

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// Ledger is the append-only store of market items plus the unsold index.
// It is not safe for concurrent use; Engine serializes access.
type Ledger struct {
	items  []domain.MarketItem
	byID   map[int64]int // item id -> position in items
	lastID int64

	// unsold is unordered; unsoldPos allows O(1) removal by swapping with
	// the tail.
	unsold    []int64
	unsoldPos map[int64]int
}

// NewLedger returns an empty ledger whose first item id will be 1.
func NewLedger() *Ledger {
	return &Ledger{
		byID:      make(map[int64]int),
		unsoldPos: make(map[int64]int),
	}
}

// NextID is the id the next Create call will assign.
func (l *Ledger) NextID() int64 {
	return l.lastID + 1
}

// Len returns the number of items ever created.
func (l *Ledger) Len() int {
	return len(l.items)
}

// Build returns the record Create would store, without storing it.
func (l *Ledger) Build(seller, contract common.Address, tokenID, price *big.Int, escrow common.Address, at time.Time) domain.MarketItem {
	return domain.MarketItem{
		ItemID:        l.NextID(),
		AssetContract: contract,
		TokenID:       new(big.Int).Set(tokenID),
		Seller:        seller,
		Owner:         escrow,
		Price:         new(big.Int).Set(price),
		ListedAt:      at.UTC(),
	}
}

// Create allocates the next item id and stores an unsold item owned by
// escrow.
func (l *Ledger) Create(seller, contract common.Address, tokenID, price *big.Int, escrow common.Address, at time.Time) domain.MarketItem {
	item := l.Build(seller, contract, tokenID, price, escrow, at)
	l.append(item)
	return item.Clone()
}

func (l *Ledger) append(item domain.MarketItem) {
	l.byID[item.ItemID] = len(l.items)
	l.items = append(l.items, item)
	l.lastID = item.ItemID
	if !item.Sold {
		l.unsoldPos[item.ItemID] = len(l.unsold)
		l.unsold = append(l.unsold, item.ItemID)
	}
}

// MarkSold records the sale of an unsold item to buyer.
func (l *Ledger) MarkSold(itemID int64, buyer common.Address, at time.Time) (domain.MarketItem, error) {
	pos, ok := l.byID[itemID]
	if !ok {
		return domain.MarketItem{}, fmt.Errorf("market: ledger: item %d: %w", itemID, domain.ErrItemNotFound)
	}
	item := &l.items[pos]
	if item.Sold {
		return domain.MarketItem{}, fmt.Errorf("market: ledger: item %d: %w", itemID, domain.ErrAlreadySold)
	}

	soldAt := at.UTC()
	item.Owner = buyer
	item.Sold = true
	item.SoldAt = &soldAt
	l.removeUnsold(itemID)

	return item.Clone(), nil
}

func (l *Ledger) removeUnsold(itemID int64) {
	i, ok := l.unsoldPos[itemID]
	if !ok {
		return
	}
	last := len(l.unsold) - 1
	tail := l.unsold[last]
	l.unsold[i] = tail
	l.unsoldPos[tail] = i
	l.unsold = l.unsold[:last]
	delete(l.unsoldPos, itemID)
}

// Get returns a copy of the item.
func (l *Ledger) Get(itemID int64) (domain.MarketItem, error) {
	pos, ok := l.byID[itemID]
	if !ok {
		return domain.MarketItem{}, fmt.Errorf("market: ledger: item %d: %w", itemID, domain.ErrItemNotFound)
	}
	return l.items[pos].Clone(), nil
}

// ListUnsold returns a snapshot of all unsold items ordered by item id.
func (l *Ledger) ListUnsold() []domain.MarketItem {
	ids := make([]int64, len(l.unsold))
	copy(ids, l.unsold)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]domain.MarketItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.items[l.byID[id]].Clone())
	}
	return out
}

// All returns a snapshot of every item ordered by item id.
func (l *Ledger) All() []domain.MarketItem {
	out := make([]domain.MarketItem, 0, len(l.items))
	for _, it := range l.items {
		out = append(out, it.Clone())
	}
	return out
}

// Restore loads persisted items into an empty ledger. Items must be in
// strictly increasing id order. Every row is checked before any is loaded,
// so a failed Restore leaves the ledger empty.
func (l *Ledger) Restore(items []domain.MarketItem) error {
	if len(l.items) > 0 {
		return fmt.Errorf("market: ledger: restore into non-empty ledger")
	}
	var prev int64
	for _, it := range items {
		if it.ItemID <= prev {
			return fmt.Errorf("market: ledger: restore: item id %d after %d is not increasing", it.ItemID, prev)
		}
		if it.TokenID == nil || it.Price == nil {
			return fmt.Errorf("market: ledger: restore: item %d is missing token id or price", it.ItemID)
		}
		prev = it.ItemID
	}
	for _, it := range items {
		l.append(it.Clone())
	}
	return nil
}
