// Package registry provides an in-memory asset registry for development
// deployments and tests. It behaves like a set of ERC-721 contracts: each
// contract mints sequential token ids starting at 1 and records an owner and
// a metadata URI per token.
package registry

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

type token struct {
	owner common.Address
	uri   string
}

type collection struct {
	lastID int64
	tokens map[string]*token // decimal token id -> token
}

// Memory implements domain.AssetRegistry.
type Memory struct {
	mu          sync.RWMutex
	collections map[common.Address]*collection
}

// NewMemory returns an empty registry.
func NewMemory() *Memory {
	return &Memory{collections: make(map[common.Address]*collection)}
}

// Mint creates the next token of contract, owned by owner.
func (m *Memory) Mint(_ context.Context, contract, owner common.Address, uri string) (*big.Int, error) {
	if owner == (common.Address{}) {
		return nil, fmt.Errorf("registry: mint to zero address")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collections[contract]
	if !ok {
		c = &collection{tokens: make(map[string]*token)}
		m.collections[contract] = c
	}
	c.lastID++
	id := big.NewInt(c.lastID)
	c.tokens[id.String()] = &token{owner: owner, uri: uri}
	return id, nil
}

func (m *Memory) lookup(contract common.Address, tokenID *big.Int) (*token, error) {
	if tokenID == nil {
		return nil, fmt.Errorf("registry: nil token id: %w", domain.ErrNotFound)
	}
	c, ok := m.collections[contract]
	if !ok {
		return nil, fmt.Errorf("registry: contract %s: %w", contract.Hex(), domain.ErrNotFound)
	}
	t, ok := c.tokens[tokenID.String()]
	if !ok {
		return nil, fmt.Errorf("registry: token %s/%s: %w", contract.Hex(), tokenID, domain.ErrNotFound)
	}
	return t, nil
}

// OwnerOf returns the owner of record.
func (m *Memory) OwnerOf(_ context.Context, contract common.Address, tokenID *big.Int) (common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.lookup(contract, tokenID)
	if err != nil {
		return common.Address{}, err
	}
	return t.owner, nil
}

// Transfer moves a token. It fails unless from is the current owner.
func (m *Memory) Transfer(_ context.Context, contract common.Address, tokenID *big.Int, from, to common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookup(contract, tokenID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
	}
	if t.owner != from {
		return fmt.Errorf("registry: token %s held by %s, not %s: %w", tokenID, t.owner.Hex(), from.Hex(), domain.ErrTransferFailed)
	}
	if to == (common.Address{}) {
		return fmt.Errorf("registry: transfer to zero address: %w", domain.ErrTransferFailed)
	}
	t.owner = to
	return nil
}

// MetadataURI returns the URI recorded at mint time.
func (m *Memory) MetadataURI(_ context.Context, contract common.Address, tokenID *big.Int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.lookup(contract, tokenID)
	if err != nil {
		return "", err
	}
	return t.uri, nil
}

// Import records an existing token, e.g. one held in escrow by a ledger
// restored from storage. Later mints of the contract continue after the
// highest imported id. Importing a known token overwrites its owner.
func (m *Memory) Import(contract common.Address, tokenID *big.Int, owner common.Address, uri string) error {
	if tokenID == nil || !tokenID.IsInt64() || tokenID.Sign() <= 0 {
		return fmt.Errorf("registry: import: token id %v out of range", tokenID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collections[contract]
	if !ok {
		c = &collection{tokens: make(map[string]*token)}
		m.collections[contract] = c
	}
	if id := tokenID.Int64(); id > c.lastID {
		c.lastID = id
	}
	c.tokens[tokenID.String()] = &token{owner: owner, uri: uri}
	return nil
}

// Compile-time interface check.
var _ domain.AssetRegistry = (*Memory)(nil)
