package market

import (
	"context"
	"fmt"
	"log/slog"
)

// txn is a unit of work over external effects. Each applied step registers
// a compensation; rollback runs them newest first.
type txn struct {
	op     string
	undo   []step
	logger *slog.Logger
}

type step struct {
	name string
	fn   func(ctx context.Context) error
}

func newTxn(op string, logger *slog.Logger) *txn {
	return &txn{op: op, logger: logger}
}

// do applies an effect. On failure nothing is registered and the caller is
// expected to roll back the steps applied so far.
func (t *txn) do(name string, apply func() error, undo func(ctx context.Context) error) error {
	if err := apply(); err != nil {
		return err
	}
	if undo != nil {
		t.undo = append(t.undo, step{name: name, fn: undo})
	}
	return nil
}

// rollback compensates every applied step. Compensations run even if ctx is
// already cancelled.
func (t *txn) rollback(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	var failed int
	for i := len(t.undo) - 1; i >= 0; i-- {
		s := t.undo[i]
		if err := s.fn(ctx); err != nil {
			failed++
			t.logger.ErrorContext(ctx, "market: compensation failed",
				slog.String("op", t.op),
				slog.String("step", s.name),
				slog.String("error", err.Error()),
			)
		}
	}
	t.undo = nil

	if failed > 0 {
		return fmt.Errorf("market: %s: %d compensation(s) failed", t.op, failed)
	}
	return nil
}
