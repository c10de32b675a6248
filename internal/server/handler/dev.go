package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// Minter creates tokens in the development asset registry.
type Minter interface {
	Mint(ctx context.Context, contract, owner common.Address, uri string) (*big.Int, error)
}

// DevHandler serves the development registry and wallet endpoints. They
// are only mounted when the in-process registry and bank are in use.
type DevHandler struct {
	minter Minter
	funds  domain.Funds
	logger *slog.Logger
}

// NewDevHandler creates a DevHandler.
func NewDevHandler(minter Minter, funds domain.Funds, logger *slog.Logger) *DevHandler {
	return &DevHandler{minter: minter, funds: funds, logger: logger}
}

type mintRequest struct {
	Contract string `json:"contract"`
	URI      string `json:"uri"`
}

// Mint creates a token owned by the caller.
// POST /api/assets/mint
func (h *DevHandler) Mint(w http.ResponseWriter, r *http.Request) {
	owner, ok := caller(w, r)
	if !ok {
		return
	}
	var req mintRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	contract, err := parseAddress("contract", req.Contract)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	tokenID, err := h.minter.Mint(r.Context(), contract, owner, req.URI)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"contract": contract.Hex(),
		"token_id": tokenID.String(),
		"owner":    owner.Hex(),
		"uri":      req.URI,
	})
}

// GetWallet returns an address's spendable balance.
// GET /api/wallets/{address}
func (h *DevHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	bal, err := h.funds.BalanceOf(r.Context(), addr)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": addr.Hex(),
		"balance": newAmount(bal),
	})
}
