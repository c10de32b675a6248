package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// ItemStore persists one marketplace's ledger. It implements
// domain.LedgerJournal and domain.ItemArchiveStore.
type ItemStore struct {
	pool   *pgxpool.Pool
	market string
}

// NewItemStore creates an ItemStore scoped to the named marketplace.
func NewItemStore(pool *pgxpool.Pool, market string) *ItemStore {
	return &ItemStore{pool: pool, market: market}
}

const itemColumns = `item_id, asset_contract, token_id::text, seller, owner,
	price::text, sold, listed_at, sold_at`

// Apply writes every part of change in a single transaction.
func (s *ItemStore) Apply(ctx context.Context, change domain.LedgerChange) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: apply ledger change: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if it := change.Created; it != nil {
		const q = `
			INSERT INTO market_items (
				market, item_id, asset_contract, token_id, seller, owner,
				price, sold, listed_at, sold_at
			) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7::numeric, $8, $9, $10)`
		_, err := tx.Exec(ctx, q,
			s.market, it.ItemID, it.AssetContract.Hex(), it.TokenID.String(),
			it.Seller.Hex(), it.Owner.Hex(), it.Price.String(),
			it.Sold, it.ListedAt, it.SoldAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert item %d: %w", it.ItemID, err)
		}
	}

	if it := change.Sold; it != nil {
		const q = `
			UPDATE market_items SET sold = TRUE, owner = $3, sold_at = $4
			WHERE market = $1 AND item_id = $2 AND NOT sold`
		tag, err := tx.Exec(ctx, q, s.market, it.ItemID, it.Owner.Hex(), it.SoldAt)
		if err != nil {
			return fmt.Errorf("postgres: mark item %d sold: %w", it.ItemID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: mark item %d sold: %w", it.ItemID, domain.ErrAlreadySold)
		}
	}

	if fee := change.Fee; fee != nil {
		const q = `
			INSERT INTO fee_state (market, listing_fee, balance, updated_at)
			VALUES ($1, $2::numeric, $3::numeric, NOW())
			ON CONFLICT (market) DO UPDATE
			SET listing_fee = EXCLUDED.listing_fee,
			    balance = EXCLUDED.balance,
			    updated_at = NOW()`
		if _, err := tx.Exec(ctx, q, s.market, fee.ListingFee.String(), fee.Balance.String()); err != nil {
			return fmt.Errorf("postgres: upsert fee state: %w", err)
		}
	}

	const bump = `
		INSERT INTO journal_version (market, version) VALUES ($1, 1)
		ON CONFLICT (market) DO UPDATE SET version = journal_version.version + 1`
	if _, err := tx.Exec(ctx, bump, s.market); err != nil {
		return fmt.Errorf("postgres: bump journal version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: apply ledger change: commit: %w", err)
	}
	return nil
}

// Version returns the number of changes applied to this marketplace.
func (s *ItemStore) Version(ctx context.Context) (int64, error) {
	return s.version(ctx, s.pool)
}

func (s *ItemStore) version(ctx context.Context, q querier) (int64, error) {
	var v int64
	err := q.QueryRow(ctx, `SELECT version FROM journal_version WHERE market = $1`, s.market).Scan(&v)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("postgres: journal version: %w", err)
	}
	return v, nil
}

// Load returns every item of the marketplace ordered by item id, the fee
// state if one was ever written, and the journal version, all read from one
// snapshot.
func (s *ItemStore) Load(ctx context.Context) (domain.LedgerSnapshot, error) {
	var snap domain.LedgerSnapshot

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return snap, fmt.Errorf("postgres: load ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if snap.Version, err = s.version(ctx, tx); err != nil {
		return snap, err
	}
	if snap.Items, err = s.listItems(ctx, tx, domain.ListOpts{}); err != nil {
		return snap, err
	}

	var rate, balance string
	err = tx.QueryRow(ctx,
		`SELECT listing_fee::text, balance::text FROM fee_state WHERE market = $1`, s.market,
	).Scan(&rate, &balance)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return snap, nil
	case err != nil:
		return snap, fmt.Errorf("postgres: load fee state: %w", err)
	}

	fee := domain.FeeState{}
	if fee.ListingFee, err = parseWei(rate); err != nil {
		return snap, fmt.Errorf("postgres: load fee state: listing_fee: %w", err)
	}
	if fee.Balance, err = parseWei(balance); err != nil {
		return snap, fmt.Errorf("postgres: load fee state: balance: %w", err)
	}
	snap.Fee = &fee
	return snap, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ListItems returns items ordered by item id. Since and Until filter on
// listing time.
func (s *ItemStore) ListItems(ctx context.Context, opts domain.ListOpts) ([]domain.MarketItem, error) {
	return s.listItems(ctx, s.pool, opts)
}

func (s *ItemStore) listItems(ctx context.Context, db querier, opts domain.ListOpts) ([]domain.MarketItem, error) {
	q := newListQuery(`SELECT `+itemColumns+` FROM market_items WHERE market = $1`, s.market)
	q.timeRange("listed_at", opts)
	q.order("item_id ASC")
	q.page(opts)

	rows, err := db.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list items: %w", err)
	}
	defer rows.Close()

	var items []domain.MarketItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list items rows: %w", err)
	}
	return items, nil
}

// itemRow is the text form of a market_items row.
type itemRow struct {
	ItemID   int64
	Contract string
	TokenID  string
	Seller   string
	Owner    string
	Price    string
	Sold     bool
	ListedAt time.Time
	SoldAt   *time.Time
}

func scanItem(row pgx.Row) (domain.MarketItem, error) {
	var r itemRow
	err := row.Scan(&r.ItemID, &r.Contract, &r.TokenID, &r.Seller, &r.Owner,
		&r.Price, &r.Sold, &r.ListedAt, &r.SoldAt)
	if err != nil {
		return domain.MarketItem{}, fmt.Errorf("postgres: scan item: %w", err)
	}
	return r.toDomain()
}

func (r itemRow) toDomain() (domain.MarketItem, error) {
	tokenID, err := parseWei(r.TokenID)
	if err != nil {
		return domain.MarketItem{}, fmt.Errorf("postgres: item %d token_id: %w", r.ItemID, err)
	}
	price, err := parseWei(r.Price)
	if err != nil {
		return domain.MarketItem{}, fmt.Errorf("postgres: item %d price: %w", r.ItemID, err)
	}
	for _, a := range []string{r.Contract, r.Seller, r.Owner} {
		if !common.IsHexAddress(a) {
			return domain.MarketItem{}, fmt.Errorf("postgres: item %d: bad address %q", r.ItemID, a)
		}
	}

	it := domain.MarketItem{
		ItemID:        r.ItemID,
		AssetContract: common.HexToAddress(r.Contract),
		TokenID:       tokenID,
		Seller:        common.HexToAddress(r.Seller),
		Owner:         common.HexToAddress(r.Owner),
		Price:         price,
		Sold:          r.Sold,
		ListedAt:      r.ListedAt.UTC(),
	}
	if r.SoldAt != nil {
		t := r.SoldAt.UTC()
		it.SoldAt = &t
	}
	return it, nil
}

// parseWei decodes a NUMERIC(78,0) rendered as text.
func parseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

// Compile-time interface checks.
var (
	_ domain.LedgerJournal    = (*ItemStore)(nil)
	_ domain.ItemArchiveStore = (*ItemStore)(nil)
)
