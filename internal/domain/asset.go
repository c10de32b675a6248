package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AssetRegistry is the external registry that owns asset identity and the
// owner of record. Transfer must fail with an error wrapping
// ErrTransferFailed when it rejects a move.
type AssetRegistry interface {
	OwnerOf(ctx context.Context, contract common.Address, tokenID *big.Int) (common.Address, error)
	Transfer(ctx context.Context, contract common.Address, tokenID *big.Int, from, to common.Address) error
	MetadataURI(ctx context.Context, contract common.Address, tokenID *big.Int) (string, error)
}

// Funds moves value between identities. Transfer fails with an error
// wrapping ErrInsufficientFunds when the payer cannot cover the amount.
type Funds interface {
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, who common.Address) (*big.Int, error)
}
