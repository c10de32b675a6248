package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerJournal persists marketplace mutations. Apply writes a whole change
// atomically and bumps the journal version by one; Load returns everything
// needed to rebuild the ledger. Version is the number of changes applied so
// far, which lets a process notice writes made by another one.
type LedgerJournal interface {
	Apply(ctx context.Context, change LedgerChange) error
	Load(ctx context.Context) (LedgerSnapshot, error)
	Version(ctx context.Context) (int64, error)
}

// ItemArchiveStore lists items for export to cold storage.
type ItemArchiveStore interface {
	ListItems(ctx context.Context, opts ListOpts) ([]MarketItem, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
