// Package crypto signs and verifies marketplace API requests with Ethereum
// keys, and stores those keys encrypted at rest.
package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Request authentication headers.
const (
	HeaderAddress   = "X-Nft-Address"
	HeaderTimestamp = "X-Nft-Timestamp"
	HeaderSignature = "X-Nft-Signature"
	HeaderNonce     = "X-Nft-Nonce"
)

// ErrBadSignature is returned when a signature is malformed or does not
// recover to the claimed address.
var ErrBadSignature = errors.New("crypto: bad signature")

// RequestMessage is the text a caller signs to authenticate one request:
//
//	"{METHOD} {PATH} {UNIX_TIMESTAMP} {NONCE} {HEX_SHA256_OF_BODY}"
//
// An empty body hashes like any other, so bodiless requests still bind to
// the empty payload.
func RequestMessage(method, path string, unixTS int64, nonce string, body []byte) string {
	return strings.Join([]string{
		strings.ToUpper(method),
		path,
		strconv.FormatInt(unixTS, 10),
		nonce,
		BodyDigest(body),
	}, " ")
}

// BodyDigest is the hex SHA-256 of a request body.
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Signer signs requests as one Ethereum account.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps a secp256k1 private key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

// NewSignerFromHex parses a hex private key, with or without 0x.
func NewSignerFromHex(privateKeyHex string) (*Signer, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return NewSigner(key), nil
}

// Address returns the signer's account.
func (s *Signer) Address() common.Address { return s.address }

// SignText produces an EIP-191 personal_sign signature (65 bytes, V in
// {27,28}) over text, hex encoded.
func (s *Signer) SignText(text string) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(text)), s.key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RequestHeaders returns the authentication headers for one request under a
// fresh nonce. body must be the exact bytes sent.
func (s *Signer) RequestHeaders(method, path string, unixTS int64, body []byte) (map[string]string, error) {
	nonce := uuid.NewString()
	sig, err := s.SignText(RequestMessage(method, path, unixTS, nonce, body))
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderAddress:   s.address.Hex(),
		HeaderTimestamp: strconv.FormatInt(unixTS, 10),
		HeaderNonce:     nonce,
		HeaderSignature: sig,
	}, nil
}

// RecoverText returns the account that produced an EIP-191 signature over
// text. Both V encodings (0/1 and 27/28) are accepted.
func RecoverText(text, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}

	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(text)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyRequest checks that sigHex is claimed's signature over the request
// message.
func VerifyRequest(claimed common.Address, method, path string, unixTS int64, nonce string, body []byte, sigHex string) error {
	got, err := RecoverText(RequestMessage(method, path, unixTS, nonce, body), sigHex)
	if err != nil {
		return err
	}
	if got != claimed {
		return fmt.Errorf("%w: signed by %s, claimed %s", ErrBadSignature, got.Hex(), claimed.Hex())
	}
	return nil
}
