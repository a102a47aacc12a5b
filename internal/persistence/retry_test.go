package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func TestIsSQLiteBusy(t *testing.T) {
	cases := map[string]struct {
		err  error
		busy bool
	}{
		"nil":            {nil, false},
		"constraint":     {errors.New("CHECK constraint failed: severity"), false},
		"locked":         {errors.New("database is locked"), true},
		"table locked":   {errors.New("database table is locked"), true},
		"busy code":      {errors.New("SQLITE_BUSY (5)"), true},
		"locked code":    {errors.New("SQLITE_LOCKED (6)"), true},
		"wrapped insert": {fmt.Errorf("insert security event: %w", errors.New("database is locked")), true},
	}
	for name, tc := range cases {
		if got := isSQLiteBusy(tc.err); got != tc.busy {
			t.Errorf("%s: isSQLiteBusy = %v, want %v", name, got, tc.busy)
		}
	}
}

func TestRetryOnBusy(t *testing.T) {
	locked := errors.New("database is locked")
	cases := []struct {
		name      string
		retries   int
		failFirst int
		failWith  error
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", retries: 3, wantCalls: 1},
		{name: "non busy error is not retried", retries: 3, failFirst: 10, failWith: errors.New("disk I/O error"), wantCalls: 1, wantErr: true},
		{name: "busy then success", retries: 3, failFirst: 2, failWith: locked, wantCalls: 3},
		{name: "exhausted", retries: 2, failFirst: 10, failWith: locked, wantCalls: 3, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tc.retries, func() error {
				calls++
				if calls <= tc.failFirst {
					return tc.failWith
				}
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestInsertSecurityEvent_ConcurrentWriters(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "toolbridge.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				errs <- store.InsertSecurityEvent(context.Background(), SecurityEvent{
					Severity:     "warn",
					Code:         "challenge_failed",
					ConnectionID: fmt.Sprintf("conn-%d-%d", w, i),
				})
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("insert under contention: %v", err)
		}
	}

	counts, err := store.SecurityEventCounts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["warn"] != writers*perWriter {
		t.Fatalf("warn count = %d, want %d", counts["warn"], writers*perWriter)
	}
}
