package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidPrice, http.StatusBadRequest},
		{domain.ErrInvalidFee, http.StatusPaymentRequired},
		{domain.ErrWrongPayment, http.StatusPaymentRequired},
		{domain.ErrInsufficientFunds, http.StatusPaymentRequired},
		{domain.ErrNotOwner, http.StatusForbidden},
		{domain.ErrPermissionDenied, http.StatusForbidden},
		{domain.ErrItemNotFound, http.StatusNotFound},
		{domain.ErrAlreadySold, http.StatusConflict},
		{domain.ErrLockHeld, http.StatusConflict},
		{fmt.Errorf("market: %w", domain.ErrTransferFailed), http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(domain.ErrorCode(tt.err)); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteDomainError_HidesInternalDetail(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/items/1", nil)
	rec := httptest.NewRecorder()
	writeDomainError(rec, r, quietLogger(), errors.New("pq: password authentication failed"))

	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Code != http.StatusInternalServerError || body.Code != "internal" {
		t.Errorf("got %d %+v", rec.Code, body)
	}
	if strings.Contains(body.Error, "password") {
		t.Errorf("internal error leaked: %q", body.Error)
	}

	rec = httptest.NewRecorder()
	writeDomainError(rec, r, quietLogger(), fmt.Errorf("market: execute sale: %w", domain.ErrAlreadySold))
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Code != http.StatusConflict || body.Code != "already_sold" {
		t.Errorf("got %d %+v", rec.Code, body)
	}
}

func TestDecodeJSON(t *testing.T) {
	var req buyItemRequest
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"paid":"1ether"}`))
	if err := decodeJSON(r, &req); err != nil || req.Paid != "1ether" {
		t.Errorf("decodeJSON = %v, %+v", err, req)
	}
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"paid":"1","tip":"2"}`))
	if err := decodeJSON(r, &req); err == nil {
		t.Error("unknown field accepted")
	}
}

func TestParseHelpers(t *testing.T) {
	if v, err := parseAmount("price", "1.5ether"); err != nil || v.String() != "1500000000000000000" {
		t.Errorf("parseAmount = %v, %v", v, err)
	}
	if _, err := parseAmount("price", ""); err == nil || !strings.Contains(err.Error(), "price is required") {
		t.Errorf("parseAmount empty = %v", err)
	}
	if _, err := parseTokenID("-1"); err == nil {
		t.Error("negative token id accepted")
	}
	if _, err := parseAddress("contract", "0x12"); err == nil {
		t.Error("short address accepted")
	}

	r := httptest.NewRequest(http.MethodGet, "/?limit=900&offset=3&since=2025-01-01T00:00:00Z", nil)
	opts, err := parseListOpts(r)
	if err != nil {
		t.Fatalf("parseListOpts: %v", err)
	}
	if opts.Limit != 500 || opts.Offset != 3 || opts.Since == nil || opts.Until != nil {
		t.Errorf("opts = %+v", opts)
	}
	if _, err := parseListOpts(httptest.NewRequest(http.MethodGet, "/?until=yesterday", nil)); err == nil {
		t.Error("bad until accepted")
	}
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler("main", map[string]Pinger{
		"postgres": PingFunc(func(context.Context) error { return nil }),
		"redis":    PingFunc(func(context.Context) error { return errors.New("refused") }),
	}, quietLogger())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "degraded" || body.Dependencies["postgres"] != "ok" || body.Dependencies["redis"] != "down" {
		t.Errorf("body = %+v", body)
	}
}

type staticArchives []domain.BlobInfo

func (s staticArchives) ListArchives(context.Context) ([]domain.BlobInfo, error) { return s, nil }

func TestListArchives(t *testing.T) {
	at := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	h := NewArchiveHandler(staticArchives{{Path: "archive/items/2025-01-31.jsonl", Size: 42, LastModified: at}}, quietLogger())

	rec := httptest.NewRecorder()
	h.ListArchives(rec, httptest.NewRequest(http.MethodGet, "/api/archives", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"path":"archive/items/2025-01-31.jsonl"`) {
		t.Errorf("got %d %s", rec.Code, rec.Body.String())
	}
}
