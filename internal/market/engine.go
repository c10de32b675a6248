package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

const defaultLockTTL = 30 * time.Second

// Config holds the identity and fee settings of one marketplace.
type Config struct {
	// Name scopes the distributed lock key. Defaults to "default".
	Name string
	// Owner may change the listing fee and withdraw accrued fees.
	Owner common.Address
	// Escrow custodies listed assets and collected fees.
	Escrow common.Address
	// ListingFee is the initial fee in wei.
	ListingFee *big.Int
}

// Engine is the marketplace state machine. Mutations queue on writeMu, then
// take the distributed lock when one is configured, then mu. Reads take the
// read lock and return copies.
type Engine struct {
	writeMu sync.Mutex
	mu      sync.RWMutex

	name     string
	escrow   common.Address
	ledger   *Ledger
	fees     *FeeAccount
	registry domain.AssetRegistry
	funds    domain.Funds

	journal domain.LedgerJournal
	locks   domain.LockManager
	lockTTL time.Duration
	// seen is the journal version the in-memory state reflects.
	seen int64

	now    func() time.Time
	logger *slog.Logger
}

// NewEngine creates an engine with an empty ledger.
func NewEngine(cfg Config, registry domain.AssetRegistry, funds domain.Funds, logger *slog.Logger) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("market: asset registry is required")
	}
	if funds == nil {
		return nil, errors.New("market: funds is required")
	}
	if cfg.Escrow == (common.Address{}) {
		return nil, errors.New("market: escrow address is required")
	}
	if cfg.Owner == (common.Address{}) {
		return nil, errors.New("market: owner address is required")
	}
	if cfg.ListingFee != nil && cfg.ListingFee.Sign() < 0 {
		return nil, fmt.Errorf("market: negative listing fee: %w", domain.ErrInvalidFee)
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}

	return &Engine{
		name:     name,
		escrow:   cfg.Escrow,
		ledger:   NewLedger(),
		fees:     NewFeeAccount(cfg.Owner, cfg.ListingFee),
		registry: registry,
		funds:    funds,
		lockTTL:  defaultLockTTL,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "market"), slog.String("market", name)),
	}, nil
}

// WithJournal makes every mutation durable. The journal write is the last
// fallible step of each mutation.
func (e *Engine) WithJournal(j domain.LedgerJournal) *Engine {
	e.journal = j
	return e
}

// WithLockManager serializes mutations across processes sharing the same
// marketplace name. Together with a journal, each mutation first reloads the
// state if another process changed the journal since this one last saw it.
func (e *Engine) WithLockManager(lm domain.LockManager, ttl time.Duration) *Engine {
	e.locks = lm
	if ttl > 0 {
		e.lockTTL = ttl
	}
	return e
}

// Restore rebuilds the ledger and fee account from the journal. It must be
// called before the engine serves traffic.
func (e *Engine) Restore(ctx context.Context) error {
	if e.journal == nil {
		return nil
	}
	snap, err := e.journal.Load(ctx)
	if err != nil {
		return fmt.Errorf("market: restore: %w", err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.reload(snap); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "market: restored from journal",
		slog.Int("items", e.ledger.Len()),
		slog.Int("unsold", len(e.ledger.unsold)),
		slog.String("listing_fee", e.fees.rate.String()),
		slog.Int64("version", e.seen),
	)
	return nil
}

// reload replaces the ledger and fee state with snap. Caller holds mu.
func (e *Engine) reload(snap domain.LedgerSnapshot) error {
	ledger := NewLedger()
	if err := ledger.Restore(snap.Items); err != nil {
		return err
	}
	e.ledger = ledger
	if snap.Fee != nil {
		e.fees.restore(*snap.Fee)
	}
	e.seen = snap.Version
	return nil
}

// Name returns the marketplace name.
func (e *Engine) Name() string { return e.name }

// Escrow returns the escrow identity.
func (e *Engine) Escrow() common.Address { return e.escrow }

// Owner returns the marketplace owner identity.
func (e *Engine) Owner() common.Address { return e.fees.Owner() }

// Registry returns the asset registry the engine transfers through.
func (e *Engine) Registry() domain.AssetRegistry { return e.registry }

// ListingFee returns the fee required to list an item.
func (e *Engine) ListingFee() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fees.Rate()
}

// Balance returns the accrued listing fees.
func (e *Engine) Balance() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fees.Balance()
}

// Item returns a single item.
func (e *Engine) Item(itemID int64) (domain.MarketItem, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Get(itemID)
}

// FetchUnsoldItems returns a consistent snapshot of unsold items ordered by
// item id.
func (e *Engine) FetchUnsoldItems() []domain.MarketItem {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.ListUnsold()
}

// AllItems returns every item ever listed, ordered by item id.
func (e *Engine) AllItems() []domain.MarketItem {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.All()
}

// ListItem escrows the seller's asset, collects the listing fee and creates
// a new item. On any error no fee is collected, the asset stays with the
// seller and no item is created.
func (e *Engine) ListItem(ctx context.Context, seller, contract common.Address, tokenID, price, paid *big.Int) (int64, error) {
	release, err := e.begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("market: list item: %w", err)
	}
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	fee := e.fees.Rate()
	if paid == nil || paid.Cmp(fee) != 0 {
		return 0, fmt.Errorf("market: list item: paid %s, listing fee is %s: %w", amountString(paid), fee, domain.ErrInvalidFee)
	}
	if price == nil || price.Sign() <= 0 {
		return 0, fmt.Errorf("market: list item: price %s: %w", amountString(price), domain.ErrInvalidPrice)
	}
	if tokenID == nil || tokenID.Sign() < 0 {
		return 0, fmt.Errorf("market: list item: invalid token id: %w", domain.ErrNotOwner)
	}

	owner, err := e.registry.OwnerOf(ctx, contract, tokenID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, fmt.Errorf("market: list item: token %s: %w", tokenID, domain.ErrNotOwner)
		}
		return 0, fmt.Errorf("market: list item: owner lookup: %w", err)
	}
	if owner != seller {
		return 0, fmt.Errorf("market: list item: token %s held by %s: %w", tokenID, owner.Hex(), domain.ErrNotOwner)
	}

	tx := newTxn("list item", e.logger)
	fail := func(err error) (int64, error) {
		_ = tx.rollback(ctx)
		return 0, fmt.Errorf("market: list item: %w", err)
	}

	err = tx.do("escrow asset",
		func() error { return e.moveAsset(ctx, contract, tokenID, seller, e.escrow) },
		func(ctx context.Context) error { return e.moveAsset(ctx, contract, tokenID, e.escrow, seller) },
	)
	if err != nil {
		return fail(err)
	}

	if fee.Sign() > 0 {
		err = tx.do("collect fee",
			func() error { return e.funds.Transfer(ctx, seller, e.escrow, fee) },
			func(ctx context.Context) error { return e.funds.Transfer(ctx, e.escrow, seller, fee) },
		)
		if err != nil {
			return fail(err)
		}
	}

	now := e.now()
	item := e.ledger.Build(seller, contract, tokenID, price, e.escrow, now)
	if e.journal != nil {
		feeState := e.fees.state(nil, new(big.Int).Add(e.fees.balance, fee))
		if err := e.journal.Apply(ctx, domain.LedgerChange{Created: &item, Fee: &feeState}); err != nil {
			return fail(fmt.Errorf("journal: %w", err))
		}
		e.seen++
	}

	// Commit. Nothing below can fail.
	e.ledger.append(item)
	e.fees.balance.Add(e.fees.balance, fee)

	e.logger.InfoContext(ctx, "market: item listed",
		slog.Int64("item_id", item.ItemID),
		slog.String("contract", contract.Hex()),
		slog.String("token_id", tokenID.String()),
		slog.String("seller", seller.Hex()),
		slog.String("price", price.String()),
	)
	return item.ItemID, nil
}

// ExecuteSale pays the seller, releases the asset from escrow to the buyer
// and marks the item sold. On any error nothing moves.
func (e *Engine) ExecuteSale(ctx context.Context, buyer common.Address, itemID int64, paid *big.Int) (domain.MarketItem, error) {
	release, err := e.begin(ctx)
	if err != nil {
		return domain.MarketItem{}, fmt.Errorf("market: execute sale: %w", err)
	}
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	item, err := e.ledger.Get(itemID)
	if err != nil {
		return domain.MarketItem{}, fmt.Errorf("market: execute sale: %w", err)
	}
	if item.Sold {
		return domain.MarketItem{}, fmt.Errorf("market: execute sale: item %d: %w", itemID, domain.ErrAlreadySold)
	}
	if paid == nil || paid.Cmp(item.Price) != 0 {
		return domain.MarketItem{}, fmt.Errorf("market: execute sale: paid %s, asking price is %s: %w", amountString(paid), item.Price, domain.ErrWrongPayment)
	}

	tx := newTxn("execute sale", e.logger)
	fail := func(err error) (domain.MarketItem, error) {
		_ = tx.rollback(ctx)
		return domain.MarketItem{}, fmt.Errorf("market: execute sale: %w", err)
	}

	err = tx.do("pay seller",
		func() error { return e.funds.Transfer(ctx, buyer, item.Seller, item.Price) },
		func(ctx context.Context) error { return e.funds.Transfer(ctx, item.Seller, buyer, item.Price) },
	)
	if err != nil {
		return fail(err)
	}

	err = tx.do("release asset",
		func() error { return e.moveAsset(ctx, item.AssetContract, item.TokenID, e.escrow, buyer) },
		func(ctx context.Context) error {
			return e.moveAsset(ctx, item.AssetContract, item.TokenID, buyer, e.escrow)
		},
	)
	if err != nil {
		return fail(err)
	}

	soldAt := e.now().UTC()
	sold := item.Clone()
	sold.Owner = buyer
	sold.Sold = true
	sold.SoldAt = &soldAt

	if e.journal != nil {
		if err := e.journal.Apply(ctx, domain.LedgerChange{Sold: &sold}); err != nil {
			return fail(fmt.Errorf("journal: %w", err))
		}
		e.seen++
	}

	if _, err := e.ledger.MarkSold(itemID, buyer, soldAt); err != nil {
		// Unreachable while mu is held; checked above.
		return fail(err)
	}

	e.logger.InfoContext(ctx, "market: item sold",
		slog.Int64("item_id", itemID),
		slog.String("buyer", buyer.Hex()),
		slog.String("seller", item.Seller.Hex()),
		slog.String("price", item.Price.String()),
	)
	return sold, nil
}

// SetFeeRate changes the listing fee. Only the marketplace owner may call it.
func (e *Engine) SetFeeRate(ctx context.Context, caller common.Address, rate *big.Int) error {
	if err := e.fees.authorize(caller); err != nil {
		return err
	}
	if rate == nil || rate.Sign() < 0 {
		return fmt.Errorf("market: set fee rate %s: %w", amountString(rate), domain.ErrInvalidFee)
	}

	release, err := e.begin(ctx)
	if err != nil {
		return fmt.Errorf("market: set fee rate: %w", err)
	}
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.journal != nil {
		st := e.fees.state(rate, nil)
		if err := e.journal.Apply(ctx, domain.LedgerChange{Fee: &st}); err != nil {
			return fmt.Errorf("market: set fee rate: journal: %w", err)
		}
		e.seen++
	}
	prev := e.fees.rate
	e.fees.rate = new(big.Int).Set(rate)

	e.logger.InfoContext(ctx, "market: listing fee changed",
		slog.String("from", prev.String()),
		slog.String("to", rate.String()),
	)
	return nil
}

// Withdraw pays accrued fees out to the owner.
func (e *Engine) Withdraw(ctx context.Context, caller common.Address, amount *big.Int) error {
	if err := e.fees.authorize(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("market: withdraw %s: %w", amountString(amount), domain.ErrInvalidAmount)
	}

	release, err := e.begin(ctx)
	if err != nil {
		return fmt.Errorf("market: withdraw: %w", err)
	}
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	if amount.Cmp(e.fees.balance) > 0 {
		return fmt.Errorf("market: withdraw %s, balance is %s: %w", amount, e.fees.balance, domain.ErrInsufficientBalance)
	}

	tx := newTxn("withdraw", e.logger)
	err = tx.do("pay owner",
		func() error { return e.funds.Transfer(ctx, e.escrow, caller, amount) },
		func(ctx context.Context) error { return e.funds.Transfer(ctx, caller, e.escrow, amount) },
	)
	if err != nil {
		return fmt.Errorf("market: withdraw: %w", err)
	}

	remaining := new(big.Int).Sub(e.fees.balance, amount)
	if e.journal != nil {
		st := e.fees.state(nil, remaining)
		if err := e.journal.Apply(ctx, domain.LedgerChange{Fee: &st}); err != nil {
			_ = tx.rollback(ctx)
			return fmt.Errorf("market: withdraw: journal: %w", err)
		}
		e.seen++
	}
	e.fees.balance = remaining

	e.logger.InfoContext(ctx, "market: fees withdrawn",
		slog.String("amount", amount.String()),
		slog.String("remaining", remaining.String()),
	)
	return nil
}

// moveAsset transfers through the registry and normalizes rejections to
// ErrTransferFailed.
func (e *Engine) moveAsset(ctx context.Context, contract common.Address, tokenID *big.Int, from, to common.Address) error {
	err := e.registry.Transfer(ctx, contract, tokenID, from, to)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrTransferFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
}

// begin admits one mutation: it queues behind in-process writers, takes the
// distributed marketplace lock when one is configured and catches up with the
// journal. Only one caller per process waits on the distributed lock. The
// returned func releases both locks.
func (e *Engine) begin(ctx context.Context) (func(), error) {
	e.writeMu.Lock()
	if e.locks == nil {
		return e.writeMu.Unlock, nil
	}

	unlock, err := e.locks.Acquire(ctx, "market:"+e.name, e.lockTTL)
	if err != nil {
		e.writeMu.Unlock()
		return nil, err
	}
	release := func() {
		unlock()
		e.writeMu.Unlock()
	}
	if err := e.sync(ctx); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

// sync reloads the state when the journal moved past what this engine has
// seen, which happens when another process sharing the lock wrote to it.
func (e *Engine) sync(ctx context.Context) error {
	if e.journal == nil {
		return nil
	}
	v, err := e.journal.Version(ctx)
	if err != nil {
		return fmt.Errorf("journal version: %w", err)
	}
	if v == e.seen {
		return nil
	}

	snap, err := e.journal.Load(ctx)
	if err != nil {
		return fmt.Errorf("journal reload: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.seen
	if err := e.reload(snap); err != nil {
		return fmt.Errorf("journal reload: %w", err)
	}
	e.logger.InfoContext(ctx, "market: caught up with journal",
		slog.Int64("from_version", prev),
		slog.Int64("to_version", e.seen),
		slog.Int("items", e.ledger.Len()),
	)
	return nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "<nil>"
	}
	return v.String()
}
