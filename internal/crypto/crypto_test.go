package crypto

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

// Well-known development key (address 0xf39F...2266).
const devKeyHex = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var devAddress = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

func TestRequestMessage(t *testing.T) {
	// sha256("") is e3b0c442...b855.
	want := "POST /api/items/1/buy 1700000000 n-1 e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := RequestMessage("post", "/api/items/1/buy", 1700000000, "n-1", nil); got != want {
		t.Errorf("RequestMessage = %q, want %q", got, want)
	}
	a := RequestMessage("POST", "/api/items", 1, "n", []byte(`{"token_id":"1"}`))
	b := RequestMessage("POST", "/api/items", 1, "n", []byte(`{"token_id":"2"}`))
	if a == b {
		t.Error("RequestMessage ignores the body")
	}
}

func TestSigner_Address(t *testing.T) {
	s, err := NewSignerFromHex(devKeyHex)
	if err != nil {
		t.Fatalf("NewSignerFromHex: %v", err)
	}
	if s.Address() != devAddress {
		t.Errorf("Address = %s, want %s", s.Address().Hex(), devAddress.Hex())
	}
	if _, err := NewSignerFromHex("0x1234"); err == nil {
		t.Error("short key accepted")
	}
}

func TestSignAndVerifyRequest(t *testing.T) {
	s, _ := NewSignerFromHex(devKeyHex)
	const ts = int64(1700000000)

	body := []byte(`{"token_id":"1","price":"100ether"}`)
	h, err := s.RequestHeaders("POST", "/api/items", ts, body)
	if err != nil {
		t.Fatalf("RequestHeaders: %v", err)
	}
	if h[HeaderAddress] != devAddress.Hex() || h[HeaderTimestamp] != strconv.FormatInt(ts, 10) {
		t.Errorf("headers = %v", h)
	}
	nonce := h[HeaderNonce]
	if nonce == "" {
		t.Fatal("no nonce header")
	}
	if again, _ := s.RequestHeaders("POST", "/api/items", ts, body); again[HeaderNonce] == nonce {
		t.Error("nonce reused across requests")
	}
	sig := h[HeaderSignature]
	if !strings.HasPrefix(sig, "0x") || len(sig) != 2+130 {
		t.Fatalf("signature %q is not 65 hex bytes", sig)
	}

	if err := VerifyRequest(devAddress, "POST", "/api/items", ts, nonce, body, sig); err != nil {
		t.Errorf("VerifyRequest: %v", err)
	}

	tests := []struct {
		name    string
		claimed common.Address
		method  string
		path    string
		ts      int64
		nonce   string
		body    []byte
		sig     string
	}{
		{"other path", devAddress, "POST", "/api/items/2/buy", ts, nonce, body, sig},
		{"other method", devAddress, "PUT", "/api/items", ts, nonce, body, sig},
		{"other timestamp", devAddress, "POST", "/api/items", ts + 1, nonce, body, sig},
		{"other nonce", devAddress, "POST", "/api/items", ts, "another", body, sig},
		{"other body", devAddress, "POST", "/api/items", ts, nonce, []byte(`{"token_id":"2","price":"1"}`), sig},
		{"no body", devAddress, "POST", "/api/items", ts, nonce, nil, sig},
		{"other claimant", common.HexToAddress("0x01"), "POST", "/api/items", ts, nonce, body, sig},
		{"not hex", devAddress, "POST", "/api/items", ts, nonce, body, "signature"},
		{"short", devAddress, "POST", "/api/items", ts, nonce, body, "0xdeadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyRequest(tt.claimed, tt.method, tt.path, tt.ts, tt.nonce, tt.body, tt.sig)
			if !errors.Is(err, ErrBadSignature) {
				t.Errorf("VerifyRequest error = %v, want ErrBadSignature", err)
			}
		})
	}
}

func TestRecoverText_AcceptsBothRecoveryEncodings(t *testing.T) {
	s, _ := NewSignerFromHex(devKeyHex)
	sig, err := s.SignText("hello")
	if err != nil {
		t.Fatal(err)
	}

	// Rewrite V from 27/28 to 0/1.
	raw := []byte(sig)
	v, _ := strconv.ParseUint(sig[len(sig)-2:], 16, 8)
	low := strconv.FormatUint(v-27, 16)
	if len(low) == 1 {
		low = "0" + low
	}
	copy(raw[len(raw)-2:], low)

	for _, in := range []string{sig, string(raw)} {
		got, err := RecoverText("hello", in)
		if err != nil {
			t.Fatalf("RecoverText(%s): %v", in, err)
		}
		if got != devAddress {
			t.Errorf("RecoverText = %s, want %s", got.Hex(), devAddress.Hex())
		}
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	blob, err := EncryptKey(key, "correct horse")
	if err != nil {
		t.Fatalf("EncryptKey: %v", err)
	}

	path := filepath.Join(t.TempDir(), "key.json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := LoadKey(KeySource{EncryptedPath: path, Password: "correct horse"})
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if NewSigner(got).Address() != NewSigner(key).Address() {
		t.Error("decrypted key differs from original")
	}

	if _, err := DecryptKey(blob, "wrong"); err == nil {
		t.Error("wrong password accepted")
	}
	if _, err := EncryptKey(key, ""); err == nil {
		t.Error("empty password accepted")
	}
}

func TestLoadKey_Sources(t *testing.T) {
	key, err := LoadKey(KeySource{RawHex: devKeyHex, EncryptedPath: "/does/not/exist"})
	if err != nil {
		t.Fatalf("LoadKey raw: %v", err)
	}
	if NewSigner(key).Address() != devAddress {
		t.Error("raw key resolved to wrong address")
	}
	if _, err := LoadKey(KeySource{}); err == nil {
		t.Error("empty source accepted")
	}
	if _, err := LoadKey(KeySource{RawHex: "zz"}); err == nil {
		t.Error("bad raw key accepted")
	}
}
