package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/nftmarket/internal/crypto"
)

const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func signedRequest(t *testing.T, s *crypto.Signer, method, target string, ts int64) *http.Request {
	t.Helper()
	return signedBodyRequest(t, s, method, target, ts, nil)
}

func signedBodyRequest(t *testing.T, s *crypto.Signer, method, target string, ts int64, body []byte) *http.Request {
	t.Helper()
	r := httptest.NewRequest(method, target, bytes.NewReader(body))
	headers, err := s.RequestHeaders(method, r.URL.Path, ts, body)
	if err != nil {
		t.Fatalf("RequestHeaders: %v", err)
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestSignature(t *testing.T) {
	signer, err := crypto.NewSignerFromHex(devKey)
	if err != nil {
		t.Fatalf("NewSignerFromHex: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)

	var got string
	h := Signature(SignatureConfig{MaxAge: 5 * time.Minute, Now: func() time.Time { return now }})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := Caller(r.Context())
		if !ok {
			t.Error("Caller missing from context")
		}
		got = addr.Hex()
	}))

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{"valid", func() *http.Request {
			return signedRequest(t, signer, http.MethodPost, "/api/items?x=1", now.Unix())
		}, http.StatusOK},
		{"missing headers", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "/api/items", nil)
		}, http.StatusUnauthorized},
		{"expired", func() *http.Request {
			return signedRequest(t, signer, http.MethodPost, "/api/items", now.Add(-6*time.Minute).Unix())
		}, http.StatusUnauthorized},
		{"future", func() *http.Request {
			return signedRequest(t, signer, http.MethodPost, "/api/items", now.Add(6*time.Minute).Unix())
		}, http.StatusUnauthorized},
		{"other path", func() *http.Request {
			r := signedRequest(t, signer, http.MethodPost, "/api/items", now.Unix())
			r.URL.Path = "/api/market/withdraw"
			return r
		}, http.StatusUnauthorized},
		{"claimed address mismatch", func() *http.Request {
			r := signedRequest(t, signer, http.MethodPost, "/api/items", now.Unix())
			r.Header.Set(crypto.HeaderAddress, "0x0000000000000000000000000000000000000001")
			return r
		}, http.StatusUnauthorized},
		{"bad timestamp", func() *http.Request {
			r := signedRequest(t, signer, http.MethodPost, "/api/items", now.Unix())
			r.Header.Set(crypto.HeaderTimestamp, "soon")
			return r
		}, http.StatusUnauthorized},
		{"missing nonce", func() *http.Request {
			r := signedRequest(t, signer, http.MethodPost, "/api/items", now.Unix())
			r.Header.Del(crypto.HeaderNonce)
			return r
		}, http.StatusUnauthorized},
		{"swapped nonce", func() *http.Request {
			r := signedRequest(t, signer, http.MethodPost, "/api/items", now.Unix())
			r.Header.Set(crypto.HeaderNonce, "not-the-signed-one")
			return r
		}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = ""
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.req())
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.status == http.StatusOK && got != signer.Address().Hex() {
				t.Errorf("caller = %s, want %s", got, signer.Address().Hex())
			}
		})
	}
}

func TestSignature_BodyIsSigned(t *testing.T) {
	signer, _ := crypto.NewSignerFromHex(devKey)
	now := time.Unix(1_700_000_000, 0)

	var bodies []string
	h := Signature(SignatureConfig{MaxAge: 5 * time.Minute, Now: func() time.Time { return now }})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
	}))

	signedBody := []byte(`{"token_id":"1","price":"100ether"}`)
	orig := signedBodyRequest(t, signer, http.MethodPost, "/api/items", now.Unix(), signedBody)

	// Same headers, different payload.
	tampered := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(`{"token_id":"2","price":"1"}`))
	tampered.Header = orig.Header.Clone()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, tampered)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("tampered body status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, orig)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed body status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if len(bodies) != 1 || bodies[0] != string(signedBody) {
		t.Errorf("handler saw bodies %q, want only the signed one", bodies)
	}
}

func TestSignature_RejectsReplay(t *testing.T) {
	signer, _ := crypto.NewSignerFromHex(devKey)
	now := time.Unix(1_700_000_000, 0)
	nonces := NewMemoryNonces()
	nonces.now = func() time.Time { return now }

	calls := 0
	h := Signature(SignatureConfig{MaxAge: time.Minute, Nonces: nonces, Now: func() time.Time { return now }})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	body := []byte(`{"amount":"1"}`)
	first := signedBodyRequest(t, signer, http.MethodPost, "/api/market/withdraw", now.Unix(), body)
	replay := httptest.NewRequest(http.MethodPost, "/api/market/withdraw", bytes.NewReader(body))
	replay.Header = first.Header.Clone()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	if rec.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, replay)
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "nonce already used") {
		t.Fatalf("replay status = %d (%s), want 401 nonce already used", rec.Code, rec.Body.String())
	}

	// An identical payload under a fresh nonce is a new request.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedBodyRequest(t, signer, http.MethodPost, "/api/market/withdraw", now.Unix(), body))
	if rec.Code != http.StatusOK {
		t.Fatalf("fresh nonce status = %d, want 200", rec.Code)
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

type failingNonces struct{}

func (failingNonces) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestSignature_NonceStoreErrorFailsClosed(t *testing.T) {
	signer, _ := crypto.NewSignerFromHex(devKey)
	now := time.Unix(1_700_000_000, 0)
	h := Signature(SignatureConfig{
		MaxAge: time.Minute,
		Nonces: failingNonces{},
		Now:    func() time.Time { return now },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached despite nonce store error")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, signer, http.MethodPost, "/api/items", now.Unix()))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMemoryNonces_Expire(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryNonces()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := m.Claim(ctx, "a", time.Minute); !ok {
		t.Fatal("first Claim = false, want true")
	}
	if ok, _ := m.Claim(ctx, "a", time.Minute); ok {
		t.Fatal("second Claim = true, want false")
	}
	now = now.Add(time.Minute)
	if ok, _ := m.Claim(ctx, "a", time.Minute); !ok {
		t.Error("Claim after expiry = false, want true")
	}
}

type countingLimiter struct {
	keys  []string
	limit int
	err   error
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.keys = append(l.keys, key)
	n := 0
	for _, k := range l.keys {
		if k == key {
			n++
		}
	}
	return n <= limit, nil
}

func TestRateLimit(t *testing.T) {
	lim := &countingLimiter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := RateLimit(lim, 2, 10*time.Second, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 3)
	for i := range codes {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		codes[i] = rec.Code
		if i == 2 && rec.Header().Get("Retry-After") != "10" {
			t.Errorf("Retry-After = %q, want 10", rec.Header().Get("Retry-After"))
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}
	if lim.keys[0] != "ratelimit:api:10.0.0.1" {
		t.Errorf("key = %q", lim.keys[0])
	}

	signer, _ := crypto.NewSignerFromHex(devKey)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(WithCaller(r.Context(), signer.Address()))
	h.ServeHTTP(httptest.NewRecorder(), r)
	if last := lim.keys[len(lim.keys)-1]; last != "ratelimit:api:"+signer.Address().Hex() {
		t.Errorf("authenticated key = %q", last)
	}

	lim.err = errors.New("redis down")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("limiter error status = %d, want fail open", rec.Code)
	}
}

func TestExtractClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
	if got := extractClientIP(r); got != "1.2.3.4" {
		t.Errorf("extractClientIP(xff) = %q", got)
	}
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Real-IP", " 9.9.9.9 ")
	if got := extractClientIP(r); got != "9.9.9.9" {
		t.Errorf("extractClientIP(real-ip) = %q", got)
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"http://localhost:3000"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	r := httptest.NewRequest(http.MethodOptions, "/api/items", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), crypto.HeaderSignature) {
		t.Errorf("allow headers = %q", rec.Header().Get("Access-Control-Allow-Headers"))
	}

	r = httptest.NewRequest(http.MethodGet, "/api/items", nil)
	r.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" || rec.Code != http.StatusTeapot {
		t.Errorf("disallowed origin: header %q status %d", rec.Header().Get("Access-Control-Allow-Origin"), rec.Code)
	}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/items", nil))
	if rec.Header().Get(HeaderRequestID) == "" {
		t.Error("request id not set")
	}
	if !strings.Contains(buf.String(), `"status":`+strconv.Itoa(http.StatusCreated)) {
		t.Errorf("log = %s", buf.String())
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderRequestID, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Header().Get(HeaderRequestID) != "abc" {
		t.Errorf("request id = %q, want abc", rec.Header().Get(HeaderRequestID))
	}
}
