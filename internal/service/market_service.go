// Package service layers side channels (event bus, audit log, item cache,
// notifications) over the marketplace engine.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/nftmarket/internal/domain"
	"github.com/alanyoungcy/nftmarket/internal/market"
)

// EventNotifier forwards committed events to operators.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, ev domain.MarketEvent) error
}

// ItemView is an item joined with its registry metadata.
type ItemView struct {
	domain.MarketItem
	MetadataURI string
}

// MarketService is the entry point for every marketplace operation exposed
// outside the process. Side channels are optional and never fail a
// committed mutation.
type MarketService struct {
	engine   *market.Engine
	bus      domain.SignalBus
	audit    domain.AuditStore
	cache    domain.ItemCache
	notifier EventNotifier
	now      func() time.Time
	logger   *slog.Logger
}

// NewMarketService creates a MarketService over engine.
func NewMarketService(engine *market.Engine, logger *slog.Logger) *MarketService {
	return &MarketService{
		engine: engine,
		now:    time.Now,
		logger: logger.With(slog.String("component", "market_service")),
	}
}

// WithSignalBus publishes events on domain.ChannelMarket and appends them to
// domain.StreamMarket.
func (s *MarketService) WithSignalBus(bus domain.SignalBus) *MarketService {
	s.bus = bus
	return s
}

// WithAuditStore records every event in the audit log.
func (s *MarketService) WithAuditStore(audit domain.AuditStore) *MarketService {
	s.audit = audit
	return s
}

// WithItemCache serves item reads from cache and refreshes it on writes.
func (s *MarketService) WithItemCache(cache domain.ItemCache) *MarketService {
	s.cache = cache
	return s
}

// WithNotifier forwards events to operator channels.
func (s *MarketService) WithNotifier(n EventNotifier) *MarketService {
	s.notifier = n
	return s
}

// Engine returns the wrapped engine.
func (s *MarketService) Engine() *market.Engine { return s.engine }

// ListingFee returns the current listing fee in wei.
func (s *MarketService) ListingFee() *big.Int { return s.engine.ListingFee() }

// Balance returns the accrued fees in wei.
func (s *MarketService) Balance() *big.Int { return s.engine.Balance() }

// ListItem lists an asset and returns the created item.
func (s *MarketService) ListItem(ctx context.Context, seller, contract common.Address, tokenID, price, paid *big.Int) (domain.MarketItem, error) {
	id, err := s.engine.ListItem(ctx, seller, contract, tokenID, price, paid)
	if err != nil {
		return domain.MarketItem{}, err
	}
	item, err := s.engine.Item(id)
	if err != nil {
		return domain.MarketItem{}, fmt.Errorf("market_service: reload item %d: %w", id, err)
	}

	s.cacheItem(ctx, item)
	s.emit(ctx, itemEvent(domain.EventItemListed, item))
	return item, nil
}

// BuyItem executes the sale of itemID to buyer.
func (s *MarketService) BuyItem(ctx context.Context, buyer common.Address, itemID int64, paid *big.Int) (domain.MarketItem, error) {
	item, err := s.engine.ExecuteSale(ctx, buyer, itemID, paid)
	if err != nil {
		return domain.MarketItem{}, err
	}

	s.cacheItem(ctx, item)
	s.emit(ctx, itemEvent(domain.EventItemSold, item))
	return item, nil
}

// SetFeeRate changes the listing fee.
func (s *MarketService) SetFeeRate(ctx context.Context, caller common.Address, rate *big.Int) error {
	if err := s.engine.SetFeeRate(ctx, caller, rate); err != nil {
		return err
	}
	s.emit(ctx, domain.MarketEvent{
		Type:   domain.EventFeeChanged,
		Caller: caller.Hex(),
		Amount: rate.String(),
	})
	return nil
}

// Withdraw pays accrued fees to the owner.
func (s *MarketService) Withdraw(ctx context.Context, caller common.Address, amount *big.Int) error {
	if err := s.engine.Withdraw(ctx, caller, amount); err != nil {
		return err
	}
	s.emit(ctx, domain.MarketEvent{
		Type:   domain.EventFeesWithdrawn,
		Caller: caller.Hex(),
		Amount: amount.String(),
	})
	return nil
}

// Item returns one item with its metadata URI. The cache is consulted first;
// a miss or cache error falls back to the engine and back-fills the cache.
func (s *MarketService) Item(ctx context.Context, itemID int64) (ItemView, error) {
	var item domain.MarketItem
	cached := false
	if s.cache != nil {
		it, err := s.cache.Get(ctx, itemID)
		switch {
		case err == nil:
			item, cached = it, true
		case !errors.Is(err, domain.ErrNotFound):
			s.logger.WarnContext(ctx, "market_service: cache get failed",
				slog.Int64("item_id", itemID),
				slog.String("error", err.Error()),
			)
		}
	}
	if !cached {
		it, err := s.engine.Item(itemID)
		if err != nil {
			return ItemView{}, err
		}
		item = it
		s.cacheItem(ctx, item)
	}
	return s.view(ctx, item), nil
}

// UnsoldItems returns every unsold item ordered by item id.
func (s *MarketService) UnsoldItems(ctx context.Context) []ItemView {
	items := s.engine.FetchUnsoldItems()
	out := make([]ItemView, len(items))
	for i, it := range items {
		out[i] = s.view(ctx, it)
	}
	return out
}

// RecentEvents returns up to count events appended after lastID ("0" for
// the beginning of the stream). Without a bus it returns nothing.
func (s *MarketService) RecentEvents(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error) {
	if s.bus == nil {
		return nil, nil
	}
	if lastID == "" {
		lastID = "0"
	}
	msgs, err := s.bus.StreamRead(ctx, domain.StreamMarket, lastID, count)
	if err != nil {
		return nil, fmt.Errorf("market_service: read events: %w", err)
	}
	return msgs, nil
}

// AuditLog returns audit entries, newest first.
func (s *MarketService) AuditLog(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if s.audit == nil {
		return nil, nil
	}
	entries, err := s.audit.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: audit log: %w", err)
	}
	return entries, nil
}

func (s *MarketService) view(ctx context.Context, item domain.MarketItem) ItemView {
	v := ItemView{MarketItem: item}
	uri, err := s.engine.Registry().MetadataURI(ctx, item.AssetContract, item.TokenID)
	if err != nil {
		s.logger.DebugContext(ctx, "market_service: metadata lookup failed",
			slog.Int64("item_id", item.ItemID),
			slog.String("error", err.Error()),
		)
		return v
	}
	v.MetadataURI = uri
	return v
}

func (s *MarketService) cacheItem(ctx context.Context, item domain.MarketItem) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, item); err != nil {
		s.logger.WarnContext(ctx, "market_service: cache set failed",
			slog.Int64("item_id", item.ItemID),
			slog.String("error", err.Error()),
		)
		// Drop the stale entry so readers fall back to the engine.
		if err := s.cache.Invalidate(ctx, item.ItemID); err != nil {
			s.logger.WarnContext(ctx, "market_service: cache invalidate failed",
				slog.Int64("item_id", item.ItemID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// emit fans a committed event out to every configured side channel.
func (s *MarketService) emit(ctx context.Context, ev domain.MarketEvent) {
	ev.ID = uuid.NewString()
	ev.Timestamp = s.now().UTC()

	if s.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.ErrorContext(ctx, "market_service: marshal event",
				slog.String("event", ev.Type),
				slog.String("error", err.Error()),
			)
		} else {
			if err := s.bus.Publish(ctx, domain.ChannelMarket, payload); err != nil {
				s.logger.WarnContext(ctx, "market_service: publish failed",
					slog.String("event", ev.Type),
					slog.String("error", err.Error()),
				)
			}
			if err := s.bus.StreamAppend(ctx, domain.StreamMarket, payload); err != nil {
				s.logger.WarnContext(ctx, "market_service: stream append failed",
					slog.String("event", ev.Type),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if s.audit != nil {
		if err := s.audit.Log(ctx, ev.Type, auditDetail(ev)); err != nil {
			s.logger.WarnContext(ctx, "market_service: audit log failed",
				slog.String("event", ev.Type),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.notifier != nil {
		if err := s.notifier.NotifyEvent(ctx, ev); err != nil {
			s.logger.WarnContext(ctx, "market_service: notify failed",
				slog.String("event", ev.Type),
				slog.String("error", err.Error()),
			)
		}
	}
}

// itemEvent describes an item change; Amount is the asking price.
func itemEvent(typ string, item domain.MarketItem) domain.MarketEvent {
	ev := domain.MarketEvent{
		Type:     typ,
		ItemID:   item.ItemID,
		Contract: item.AssetContract.Hex(),
		TokenID:  item.TokenID.String(),
		Seller:   item.Seller.Hex(),
		Amount:   item.Price.String(),
	}
	if item.Sold {
		ev.Buyer = item.Owner.Hex()
	}
	return ev
}

func auditDetail(ev domain.MarketEvent) map[string]any {
	d := map[string]any{"event_id": ev.ID}
	if ev.ItemID != 0 {
		d["item_id"] = ev.ItemID
	}
	for k, v := range map[string]string{
		"contract": ev.Contract,
		"token_id": ev.TokenID,
		"seller":   ev.Seller,
		"buyer":    ev.Buyer,
		"caller":   ev.Caller,
		"amount":   ev.Amount,
	} {
		if v != "" {
			d[k] = v
		}
	}
	return d
}
