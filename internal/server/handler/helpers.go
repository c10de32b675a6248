package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarket/internal/domain"
	"github.com/alanyoungcy/nftmarket/internal/server/middleware"
)

const maxBodyBytes = 1 << 16

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error","code":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// StatusFor maps a domain error code to an HTTP status.
func StatusFor(code string) int {
	switch code {
	case "invalid_price", "invalid_amount":
		return http.StatusBadRequest
	case "invalid_fee", "wrong_payment", "insufficient_funds":
		return http.StatusPaymentRequired
	case "not_owner", "permission_denied":
		return http.StatusForbidden
	case "item_not_found", "not_found":
		return http.StatusNotFound
	case "already_sold", "insufficient_balance", "busy":
		return http.StatusConflict
	case "transfer_failed":
		return http.StatusBadGateway
	case "unauthorized":
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError maps err to a status and code. Internal errors are
// logged and their text is not exposed.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := domain.ErrorCode(err)
	status := StatusFor(code)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: internal error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, status, code, "internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}

// badRequest writes a 400 with code "bad_request".
func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, "bad_request", msg)
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// caller returns the authenticated caller, writing a 401 when absent.
func caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "signed request required")
	}
	return addr, ok
}

// parseAmount parses a required amount field ("1.5ether", "10gwei", wei).
func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	v, err := domain.ParseAmount(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: %q is not an address", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseTokenID(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, errors.New("token_id must be a non-negative integer")
	}
	return v, nil
}

// parseListOpts extracts pagination and time-range parameters from the
// query string. Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()
	opts := domain.ListOpts{Limit: 50}

	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, fmt.Errorf("%s must be RFC3339", name)
		}
		*dst = &t
	}
	return opts, nil
}

// amountResponse renders wei with an ether convenience field.
type amountResponse struct {
	Wei   string `json:"wei"`
	Ether string `json:"ether"`
}

func newAmount(v *big.Int) amountResponse {
	return amountResponse{Wei: v.String(), Ether: domain.FormatEther(v)}
}

// itemResponse is the wire form of a market item.
type itemResponse struct {
	ItemID      int64          `json:"item_id"`
	Contract    string         `json:"contract"`
	TokenID     string         `json:"token_id"`
	Seller      string         `json:"seller"`
	Owner       string         `json:"owner"`
	Price       amountResponse `json:"price"`
	Sold        bool           `json:"sold"`
	ListedAt    time.Time      `json:"listed_at"`
	SoldAt      *time.Time     `json:"sold_at,omitempty"`
	MetadataURI string         `json:"metadata_uri,omitempty"`
}

func newItemResponse(it domain.MarketItem, uri string) itemResponse {
	return itemResponse{
		ItemID:      it.ItemID,
		Contract:    it.AssetContract.Hex(),
		TokenID:     it.TokenID.String(),
		Seller:      it.Seller.Hex(),
		Owner:       it.Owner.Hex(),
		Price:       newAmount(it.Price),
		Sold:        it.Sold,
		ListedAt:    it.ListedAt,
		SoldAt:      it.SoldAt,
		MetadataURI: uri,
	}
}
