package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"github.com/alanyoungcy/nftmarket/internal/domain"
	"github.com/alanyoungcy/nftmarket/internal/market"
	"github.com/alanyoungcy/nftmarket/internal/registry"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	escrow   = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	contract = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	seller   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	buyer    = common.HexToAddress("0x0000000000000000000000000000000000000002")

	fee   = big.NewInt(params.GWei)
	price = new(big.Int).Mul(big.NewInt(3), big.NewInt(params.Ether))
)

type fakeBus struct {
	mu        sync.Mutex
	published [][]byte
	stream    []domain.StreamMessage
	err       error
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	id := strconv.Itoa(len(b.stream)+1) + "-0"
	b.stream = append(b.stream, domain.StreamMessage{ID: id, Payload: payload})
	return nil
}

func (b *fakeBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	seen := lastID == "0"
	for _, m := range b.stream {
		if seen && len(out) < count {
			out = append(out, m)
		}
		if m.ID == lastID {
			seen = true
		}
	}
	return out, nil
}

func (b *fakeBus) events(t *testing.T) []domain.MarketEvent {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.MarketEvent, len(b.published))
	for i, p := range b.published {
		if err := json.Unmarshal(p, &out[i]); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
	}
	return out
}

type fakeAudit struct {
	entries []domain.AuditEntry
	err     error
}

func (a *fakeAudit) Log(_ context.Context, event string, detail map[string]any) error {
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, domain.AuditEntry{ID: int64(len(a.entries) + 1), Event: event, Detail: detail})
	return nil
}

func (a *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	out := make([]domain.AuditEntry, 0, len(a.entries))
	for i := len(a.entries) - 1; i >= 0; i-- {
		out = append(out, a.entries[i])
	}
	return out, nil
}

type fakeCache struct {
	items  map[int64]domain.MarketItem
	gets   int
	setErr error
}

func newFakeCache() *fakeCache { return &fakeCache{items: map[int64]domain.MarketItem{}} }

func (c *fakeCache) Set(_ context.Context, item domain.MarketItem) error {
	if c.setErr != nil {
		return c.setErr
	}
	c.items[item.ItemID] = item.Clone()
	return nil
}

func (c *fakeCache) Get(_ context.Context, itemID int64) (domain.MarketItem, error) {
	c.gets++
	it, ok := c.items[itemID]
	if !ok {
		return domain.MarketItem{}, domain.ErrNotFound
	}
	return it.Clone(), nil
}

func (c *fakeCache) Invalidate(_ context.Context, itemID int64) error {
	delete(c.items, itemID)
	return nil
}

type fakeNotifier struct{ got []domain.MarketEvent }

func (n *fakeNotifier) NotifyEvent(_ context.Context, ev domain.MarketEvent) error {
	n.got = append(n.got, ev)
	return nil
}

type harness struct {
	ctx      context.Context
	reg      *registry.Memory
	bank     *market.Bank
	svc      *MarketService
	bus      *fakeBus
	audit    *fakeAudit
	cache    *fakeCache
	notifier *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.NewMemory()
	bank := market.NewBank()
	eng, err := market.NewEngine(market.Config{Owner: owner, Escrow: escrow, ListingFee: fee}, reg, bank, logger)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	h := &harness{
		ctx:      context.Background(),
		reg:      reg,
		bank:     bank,
		bus:      &fakeBus{},
		audit:    &fakeAudit{},
		cache:    newFakeCache(),
		notifier: &fakeNotifier{},
	}
	h.svc = NewMarketService(eng, logger).
		WithSignalBus(h.bus).
		WithAuditStore(h.audit).
		WithItemCache(h.cache).
		WithNotifier(h.notifier)
	return h
}

func (h *harness) list(t *testing.T) domain.MarketItem {
	t.Helper()
	tokenID, err := h.reg.Mint(h.ctx, contract, seller, "ipfs://token")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	h.bank.Deposit(seller, fee)
	item, err := h.svc.ListItem(h.ctx, seller, contract, tokenID, price, fee)
	if err != nil {
		t.Fatalf("ListItem: %v", err)
	}
	return item
}

func TestMarketService_ListAndBuyEmitEvents(t *testing.T) {
	h := newHarness(t)
	item := h.list(t)
	if item.ItemID != 1 || item.Owner != escrow {
		t.Fatalf("ListItem = %+v", item)
	}

	h.bank.Deposit(buyer, price)
	sold, err := h.svc.BuyItem(h.ctx, buyer, item.ItemID, price)
	if err != nil {
		t.Fatalf("BuyItem: %v", err)
	}
	if !sold.Sold || sold.Owner != buyer {
		t.Errorf("BuyItem = %+v", sold)
	}

	evs := h.bus.events(t)
	if len(evs) != 2 {
		t.Fatalf("published %d events, want 2", len(evs))
	}
	if evs[0].Type != domain.EventItemListed || evs[1].Type != domain.EventItemSold {
		t.Errorf("event types = %s, %s", evs[0].Type, evs[1].Type)
	}
	if evs[1].Buyer != buyer.Hex() || evs[1].Amount != price.String() || evs[1].ItemID != 1 {
		t.Errorf("sold event = %+v", evs[1])
	}
	if evs[0].ID == "" || evs[0].ID == evs[1].ID {
		t.Errorf("event ids not unique: %q %q", evs[0].ID, evs[1].ID)
	}
	if len(h.bus.stream) != 2 {
		t.Errorf("stream length = %d, want 2", len(h.bus.stream))
	}
	if len(h.audit.entries) != 2 || h.audit.entries[1].Event != domain.EventItemSold {
		t.Errorf("audit entries = %+v", h.audit.entries)
	}
	if len(h.notifier.got) != 2 {
		t.Errorf("notifications = %d, want 2", len(h.notifier.got))
	}
	if cached := h.cache.items[1]; !cached.Sold {
		t.Error("cache not refreshed after sale")
	}
}

func TestMarketService_FailedMutationEmitsNothing(t *testing.T) {
	h := newHarness(t)
	item := h.list(t)

	_, err := h.svc.BuyItem(h.ctx, buyer, item.ItemID, big.NewInt(1))
	if !errors.Is(err, domain.ErrWrongPayment) {
		t.Fatalf("BuyItem error = %v, want ErrWrongPayment", err)
	}
	if err := h.svc.SetFeeRate(h.ctx, seller, big.NewInt(1)); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("SetFeeRate error = %v, want ErrPermissionDenied", err)
	}
	if n := len(h.bus.events(t)); n != 1 {
		t.Errorf("published %d events, want only the listing", n)
	}
}

func TestMarketService_SideChannelFailuresAreNonFatal(t *testing.T) {
	h := newHarness(t)
	h.bus.err = errors.New("redis down")
	h.audit.err = errors.New("postgres down")
	h.cache.setErr = errors.New("cache down")

	item := h.list(t)
	if item.ItemID != 1 {
		t.Fatalf("ItemID = %d", item.ItemID)
	}
	if len(h.notifier.got) != 1 {
		t.Errorf("notifier should still run, got %d", len(h.notifier.got))
	}
}

func TestMarketService_FeeEvents(t *testing.T) {
	h := newHarness(t)
	h.list(t)

	newRate := big.NewInt(2 * params.GWei)
	if err := h.svc.SetFeeRate(h.ctx, owner, newRate); err != nil {
		t.Fatalf("SetFeeRate: %v", err)
	}
	if h.svc.ListingFee().Cmp(newRate) != 0 {
		t.Errorf("ListingFee = %s, want %s", h.svc.ListingFee(), newRate)
	}
	if err := h.svc.Withdraw(h.ctx, owner, fee); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if h.svc.Balance().Sign() != 0 {
		t.Errorf("Balance = %s, want 0", h.svc.Balance())
	}

	evs := h.bus.events(t)
	if len(evs) != 3 {
		t.Fatalf("published %d events, want 3", len(evs))
	}
	if evs[1].Type != domain.EventFeeChanged || evs[1].Amount != newRate.String() || evs[1].Caller != owner.Hex() {
		t.Errorf("fee event = %+v", evs[1])
	}
	if evs[2].Type != domain.EventFeesWithdrawn || evs[2].Amount != fee.String() {
		t.Errorf("withdraw event = %+v", evs[2])
	}

	entries, err := h.svc.AuditLog(h.ctx, domain.ListOpts{})
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(entries) != 3 || entries[0].Event != domain.EventFeesWithdrawn {
		t.Errorf("AuditLog newest = %+v", entries)
	}
}

func TestMarketService_ItemReadsThroughCache(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	delete(h.cache.items, 1)

	v, err := h.svc.Item(h.ctx, 1)
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	if v.MetadataURI != "ipfs://token" {
		t.Errorf("MetadataURI = %q", v.MetadataURI)
	}
	if _, ok := h.cache.items[1]; !ok {
		t.Error("cache not back-filled on miss")
	}

	if _, err := h.svc.Item(h.ctx, 1); err != nil {
		t.Fatalf("Item (cached): %v", err)
	}
	if h.cache.gets != 2 {
		t.Errorf("cache gets = %d, want 2", h.cache.gets)
	}

	if _, err := h.svc.Item(h.ctx, 9); !errors.Is(err, domain.ErrItemNotFound) {
		t.Errorf("Item(9) error = %v, want ErrItemNotFound", err)
	}
}

func TestMarketService_UnsoldItemsAndRecentEvents(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.list(t)

	views := h.svc.UnsoldItems(h.ctx)
	if len(views) != 2 || views[0].ItemID != 1 || views[1].ItemID != 2 {
		t.Fatalf("UnsoldItems = %+v", views)
	}
	if views[1].MetadataURI != "ipfs://token" {
		t.Errorf("MetadataURI = %q", views[1].MetadataURI)
	}

	msgs, err := h.svc.RecentEvents(h.ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("RecentEvents = %d messages, want 2", len(msgs))
	}
	after, err := h.svc.RecentEvents(h.ctx, msgs[0].ID, 10)
	if err != nil || len(after) != 1 {
		t.Errorf("RecentEvents after first = %d, %v", len(after), err)
	}

	bare := NewMarketService(h.svc.Engine(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if msgs, err := bare.RecentEvents(h.ctx, "", 10); msgs != nil || err != nil {
		t.Errorf("RecentEvents without bus = %v, %v", msgs, err)
	}
}
