package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarket/internal/crypto"
	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// MaxSignedBody caps the body a signed request may carry.
const MaxSignedBody = 1 << 20

const maxNonceLen = 64

type callerKey struct{}

// WithCaller returns a context carrying the authenticated caller.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// Caller returns the authenticated caller stored by Signature.
func Caller(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// SignatureConfig configures the Signature middleware.
type SignatureConfig struct {
	// MaxAge bounds the clock skew of the signed timestamp in either
	// direction.
	MaxAge time.Duration
	// Nonces rejects a second request carrying an (address, nonce) pair
	// already seen inside the window. Nil keeps them in process memory.
	Nonces domain.NonceStore
	Now    func() time.Time
	Logger *slog.Logger
}

// Signature returns middleware that authenticates the caller from the
// X-Nft-Address, X-Nft-Timestamp, X-Nft-Nonce and X-Nft-Signature headers.
// The signature covers the method, path, timestamp, nonce and the SHA-256 of
// the body, and each nonce is accepted once per address.
func Signature(cfg SignatureConfig) func(http.Handler) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Nonces == nil {
		cfg.Nonces = NewMemoryNonces()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body []byte
			if r.Body != nil {
				b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxSignedBody))
				if err != nil {
					writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request")
					return
				}
				body = b
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			addr, nonce, err := authenticate(r, body, cfg.MaxAge, cfg.Now())
			if err != nil {
				writeUnauthorized(w, err.Error())
				return
			}

			fresh, err := cfg.Nonces.Claim(r.Context(), addr.Hex()+":"+nonce, 2*cfg.MaxAge)
			if err != nil {
				cfg.Logger.WarnContext(r.Context(), "signature: nonce store error",
					slog.String("caller", addr.Hex()),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusServiceUnavailable, "replay check unavailable", "unavailable")
				return
			}
			if !fresh {
				writeUnauthorized(w, "nonce already used")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
		})
	}
}

func authenticate(r *http.Request, body []byte, maxAge time.Duration, now time.Time) (common.Address, string, error) {
	addrHex := r.Header.Get(crypto.HeaderAddress)
	tsRaw := r.Header.Get(crypto.HeaderTimestamp)
	nonce := r.Header.Get(crypto.HeaderNonce)
	sig := r.Header.Get(crypto.HeaderSignature)
	if addrHex == "" || tsRaw == "" || nonce == "" || sig == "" {
		return common.Address{}, "", errors.New("missing signature headers")
	}
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, "", errors.New("invalid address header")
	}
	if len(nonce) > maxNonceLen {
		return common.Address{}, "", errors.New("invalid nonce header")
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return common.Address{}, "", errors.New("invalid timestamp header")
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > maxAge || age < -maxAge {
		return common.Address{}, "", errors.New("signature expired")
	}

	addr := common.HexToAddress(addrHex)
	if err := crypto.VerifyRequest(addr, r.Method, r.URL.Path, ts, nonce, body, sig); err != nil {
		return common.Address{}, "", errors.New("invalid signature")
	}
	return addr, nonce, nil
}

// MemoryNonces is a process-local domain.NonceStore for deployments without
// Redis.
type MemoryNonces struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	now    func() time.Time
	sweeps int
}

// NewMemoryNonces creates an empty in-memory nonce store.
func NewMemoryNonces() *MemoryNonces {
	return &MemoryNonces{seen: make(map[string]time.Time), now: time.Now}
}

// Claim records key until ttl elapses.
func (m *MemoryNonces) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[key] = now.Add(ttl)

	// Expired entries are swept every so often rather than on each call.
	m.sweeps++
	if m.sweeps >= 1024 {
		m.sweeps = 0
		for k, exp := range m.seen {
			if !now.Before(exp) {
				delete(m.seen, k)
			}
		}
	}
	return true, nil
}

var _ domain.NonceStore = (*MemoryNonces)(nil)

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg, "unauthorized")
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `","code":"` + code + `"}`))
}
