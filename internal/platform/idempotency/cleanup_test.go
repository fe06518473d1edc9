package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCleanerRunOnceRemovesExpired(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Reserve(context.Background(), "k", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	core, logs := observer.New(zap.InfoLevel)
	cleaner := NewCleaner(store, time.Hour, 10, zap.New(core))
	cleaner.clock = func() time.Time { return fixedTime.Add(time.Hour) }

	if removed := cleaner.runOnce(context.Background()); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if logs.FilterMessage("idempotency cleanup removed records").Len() != 1 {
		t.Fatalf("expected a cleanup log entry")
	}
}

func TestCleanerRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cleaner := NewCleaner(NewMemoryStore(), time.Millisecond, 10, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cleaner.Run(ctx)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	wg.Wait()
}

func TestCleanerDisabledWithoutInterval(t *testing.T) {
	done := make(chan struct{})
	go func() {
		NewCleaner(NewMemoryStore(), 0, 10, nil).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run should return immediately without an interval")
	}
}
