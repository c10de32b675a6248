package domain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

var units = []struct {
	suffix string
	wei    *big.Int
}{
	{"ether", big.NewInt(params.Ether)},
	{"gwei", big.NewInt(params.GWei)},
	{"wei", big.NewInt(params.Wei)},
}

// ParseAmount parses a wei amount. Plain integers are wei; a unit suffix
// ("ether", "gwei", "wei") allows decimals, e.g. "0.025ether" or "100 ether".
// Fractions that do not resolve to whole wei are rejected.
func ParseAmount(s string) (*big.Int, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	if raw == "" {
		return nil, fmt.Errorf("domain: parse amount: empty value")
	}

	mult := big.NewInt(params.Wei)
	for _, u := range units {
		if strings.HasSuffix(raw, u.suffix) {
			raw = strings.TrimSpace(strings.TrimSuffix(raw, u.suffix))
			mult = u.wei
			break
		}
	}

	r, ok := new(big.Rat).SetString(raw)
	if !ok {
		return nil, fmt.Errorf("domain: parse amount %q: not a number", s)
	}
	r.Mul(r, new(big.Rat).SetInt(mult))
	if !r.IsInt() {
		return nil, fmt.Errorf("domain: parse amount %q: not a whole number of wei", s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("domain: parse amount %q: negative", s)
	}
	return new(big.Int).Set(r.Num()), nil
}

// FormatEther renders wei as a decimal ether string without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(wei, big.NewInt(params.Ether))
	s := r.FloatString(18)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
