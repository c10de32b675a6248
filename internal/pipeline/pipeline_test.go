package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestParseSchedule_Errors(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
	} {
		if _, err := ParseSchedule(expr); err == nil {
			t.Errorf("ParseSchedule(%q) = nil error, want error", expr)
		}
	}
}

func TestSchedule_Next(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 7, 30, 0, time.UTC) // Saturday
	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 3, 14, 10, 8, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 14, 10, 15, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC)},
		{"30 9-17 * * 1-5", time.Date(2026, 3, 16, 9, 30, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"0 0 1 1 *", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"5,50 10 * * *", time.Date(2026, 3, 14, 10, 50, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		s, err := ParseSchedule(tt.expr)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.expr, err)
		}
		if got := s.Next(base); !got.Equal(tt.want) {
			t.Errorf("Next(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestSchedule_NextNever(t *testing.T) {
	s, err := ParseSchedule("0 0 31 2 *")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	if got := s.Next(time.Now()); !got.IsZero() {
		t.Errorf("Next() = %v, want zero time", got)
	}
}

type fakeArchiver struct {
	mu    sync.Mutex
	calls []time.Time
	err   error
}

func (f *fakeArchiver) ArchiveItems(_ context.Context, at time.Time) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, at)
	if f.err != nil {
		return "", 0, f.err
	}
	return "archive/items/" + at.Format("2006-01-02") + ".jsonl", 3, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSnapshotJob_RunOnce(t *testing.T) {
	arch := &fakeArchiver{}
	sched, _ := ParseSchedule("0 3 * * *")
	job := NewSnapshotJob(arch, sched, discardLogger())
	fixed := time.Date(2026, 1, 31, 3, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return fixed }

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(arch.calls) != 1 || !arch.calls[0].Equal(fixed) {
		t.Errorf("ArchiveItems calls = %v, want [%v]", arch.calls, fixed)
	}

	arch.err = errors.New("bucket gone")
	if err := job.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce with failing archiver = nil, want error")
	}
}

func TestSnapshotJob_RunStopsOnCancel(t *testing.T) {
	sched, _ := ParseSchedule("0 3 * * *")
	job := NewSnapshotJob(&fakeArchiver{}, sched, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- job.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
