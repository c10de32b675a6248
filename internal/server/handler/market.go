package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarket/internal/domain"
	"github.com/alanyoungcy/nftmarket/internal/service"
)

// MarketService defines the methods the HTTP handlers require from the
// service layer.
type MarketService interface {
	ListingFee() *big.Int
	Balance() *big.Int
	SetFeeRate(ctx context.Context, caller common.Address, rate *big.Int) error
	Withdraw(ctx context.Context, caller common.Address, amount *big.Int) error
	ListItem(ctx context.Context, seller, contract common.Address, tokenID, price, paid *big.Int) (domain.MarketItem, error)
	BuyItem(ctx context.Context, buyer common.Address, itemID int64, paid *big.Int) (domain.MarketItem, error)
	Item(ctx context.Context, itemID int64) (service.ItemView, error)
	UnsoldItems(ctx context.Context) []service.ItemView
	RecentEvents(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error)
	AuditLog(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// MarketHandler serves fee, balance and event endpoints.
type MarketHandler struct {
	market MarketService
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(market MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{market: market, logger: logger}
}

// GetFee returns the listing fee.
// GET /api/market/fee
func (h *MarketHandler) GetFee(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"listing_fee": newAmount(h.market.ListingFee())})
}

type setFeeRequest struct {
	Fee string `json:"fee"`
}

// SetFee changes the listing fee. Owner only.
// PUT /api/market/fee
func (h *MarketHandler) SetFee(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req setFeeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	rate, err := parseAmount("fee", req.Fee)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.market.SetFeeRate(r.Context(), who, rate); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listing_fee": newAmount(rate)})
}

// GetBalance returns the accrued listing fees.
// GET /api/market/balance
func (h *MarketHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"balance": newAmount(h.market.Balance())})
}

type withdrawRequest struct {
	Amount string `json:"amount"`
}

// Withdraw pays accrued fees to the owner. Owner only.
// POST /api/market/withdraw
func (h *MarketHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.market.Withdraw(r.Context(), who, amount); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"withdrawn": newAmount(amount),
		"balance":   newAmount(h.market.Balance()),
	})
}

type eventResponse struct {
	StreamID string          `json:"stream_id"`
	Event    json.RawMessage `json:"event"`
}

// ListEvents replays market events from the durable stream.
// GET /api/events?after=<stream id>&limit=100
func (h *MarketHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	msgs, err := h.market.RecentEvents(r.Context(), r.URL.Query().Get("after"), limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	out := make([]eventResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, eventResponse{StreamID: m.ID, Event: json.RawMessage(m.Payload)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

type auditResponse struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListAudit returns audit log entries, newest first.
// GET /api/audit?limit=50&offset=0&since=...&until=...
func (h *MarketHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	entries, err := h.market.AuditLog(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	out := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditResponse{
			ID:        e.ID,
			Event:     e.Event,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
