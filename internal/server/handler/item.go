package handler

import (
	"log/slog"
	"net/http"
	"strconv"
)

// ItemHandler serves market item endpoints.
type ItemHandler struct {
	market MarketService
	logger *slog.Logger
}

// NewItemHandler creates an ItemHandler.
func NewItemHandler(market MarketService, logger *slog.Logger) *ItemHandler {
	return &ItemHandler{market: market, logger: logger}
}

// ListUnsold returns every unsold item ordered by item id.
// GET /api/items
func (h *ItemHandler) ListUnsold(w http.ResponseWriter, r *http.Request) {
	views := h.market.UnsoldItems(r.Context())
	out := make([]itemResponse, 0, len(views))
	for _, v := range views {
		out = append(out, newItemResponse(v.MarketItem, v.MetadataURI))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// GetItem returns one item, sold or not.
// GET /api/items/{id}
func (h *ItemHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	v, err := h.market.Item(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newItemResponse(v.MarketItem, v.MetadataURI))
}

type createItemRequest struct {
	Contract string `json:"contract"`
	TokenID  string `json:"token_id"`
	Price    string `json:"price"`
	// Paid must equal the current listing fee.
	Paid string `json:"paid"`
}

// CreateItem lists the caller's asset for sale.
// POST /api/items
func (h *ItemHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	seller, ok := caller(w, r)
	if !ok {
		return
	}
	var req createItemRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	contract, err := parseAddress("contract", req.Contract)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	tokenID, err := parseTokenID(req.TokenID)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	price, err := parseAmount("price", req.Price)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	paid, err := parseAmount("paid", req.Paid)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	item, err := h.market.ListItem(r.Context(), seller, contract, tokenID, price, paid)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newItemResponse(item, ""))
}

type buyItemRequest struct {
	Paid string `json:"paid"`
}

// BuyItem executes the sale of an item to the caller.
// POST /api/items/{id}/buy
func (h *ItemHandler) BuyItem(w http.ResponseWriter, r *http.Request) {
	buyer, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	var req buyItemRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	paid, err := parseAmount("paid", req.Paid)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	item, err := h.market.BuyItem(r.Context(), buyer, id, paid)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newItemResponse(item, ""))
}

func itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "item id must be a positive integer")
		return 0, false
	}
	return id, true
}
