package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRevocationStoreAddContains(t *testing.T) {
	store := NewRevocationStore(100, time.Hour, testLogger())
	defer store.Stop()

	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	store.Add("jti-1", exp, "revoked")

	if !store.Contains(ctx, "jti-1") {
		t.Error("Expected jti-1 to be revoked")
	}
	if store.Contains(ctx, "jti-2") {
		t.Error("Expected jti-2 not to be revoked")
	}
	if store.Contains(ctx, "") {
		t.Error("Empty id should never be revoked")
	}
}

func TestRevocationStoreIgnoresExpired(t *testing.T) {
	store := NewRevocationStore(100, time.Hour, testLogger())
	defer store.Stop()

	store.Add("jti-1", time.Now().Add(-time.Minute), "revoked")

	if store.Contains(context.Background(), "jti-1") {
		t.Error("Adding a past expiry should be a no-op")
	}
	if stats := store.Stats(); stats.CurrentEntries != 0 {
		t.Errorf("Expected 0 entries, got %d", stats.CurrentEntries)
	}
}

func TestRevocationStoreExpiredEntryNotContained(t *testing.T) {
	store := NewRevocationStore(100, time.Hour, testLogger())
	defer store.Stop()

	store.Add("jti-1", time.Now().Add(10*time.Millisecond), "revoked")
	time.Sleep(30 * time.Millisecond)

	if store.Contains(context.Background(), "jti-1") {
		t.Error("Expired entry should not report as revoked")
	}
}

func TestRevocationStoreEvictionNeverExceedsMax(t *testing.T) {
	const maxSize = 50
	store := NewRevocationStore(maxSize, time.Hour, testLogger())
	defer store.Stop()

	now := time.Now()
	for i := 0; i < maxSize*3; i++ {
		store.Add(fmt.Sprintf("jti-%03d", i), now.Add(time.Duration(i+1)*time.Minute), "revoked")
		if n := store.Stats().CurrentEntries; n > maxSize {
			t.Fatalf("Store grew to %d entries, max is %d", n, maxSize)
		}
	}

	stats := store.Stats()
	if stats.TotalEvictions == 0 {
		t.Error("Expected evictions to have occurred")
	}
	if stats.MemoryPressure > 100.0 {
		t.Errorf("Memory pressure %.1f%% exceeds capacity", stats.MemoryPressure)
	}

	// Eviction removes the entries closest to natural expiry, so the
	// longest-lived entries survive.
	ctx := context.Background()
	if !store.Contains(ctx, fmt.Sprintf("jti-%03d", maxSize*3-1)) {
		t.Error("Latest-expiring entry should have survived eviction")
	}
}

func TestRevocationStoreSweep(t *testing.T) {
	store := NewRevocationStore(100, time.Hour, testLogger())
	defer store.Stop()

	store.Add("short", time.Now().Add(10*time.Millisecond), "revoked")
	store.Add("long", time.Now().Add(time.Hour), "revoked")

	time.Sleep(30 * time.Millisecond)
	store.Sweep()

	stats := store.Stats()
	if stats.CurrentEntries != 1 {
		t.Errorf("Expected 1 entry after sweep, got %d", stats.CurrentEntries)
	}
	if stats.TotalSweeps == 0 {
		t.Error("Expected sweep counter to advance")
	}
	if !store.Contains(context.Background(), "long") {
		t.Error("Unexpired entry should survive the sweep")
	}
}

func TestRevocationStoreStopIdempotent(t *testing.T) {
	store := NewRevocationStore(10, time.Hour, testLogger())
	store.Stop()
	store.Stop()
}

func TestRevocationStoreConcurrentAccess(t *testing.T) {
	store := NewRevocationStore(1000, time.Hour, testLogger())
	defer store.Stop()

	exp := time.Now().Add(time.Hour)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			ctx := context.Background()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("g%d-jti-%d", g, i)
				store.Add(id, exp, "revoked")
				store.Contains(ctx, id)
			}
		}(g)
	}
	wg.Wait()
}

// fakeRevocations simulates a shared revocation backend.
type fakeRevocations struct {
	mu   sync.Mutex
	ids  map[string]bool
	fail bool
}

func newFakeRevocations() *fakeRevocations {
	return &fakeRevocations{ids: make(map[string]bool)}
}

func (f *fakeRevocations) Add(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("backend down")
	}
	f.ids[id] = true
	return nil
}

func (f *fakeRevocations) Contains(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return false, errors.New("backend down")
	}
	return f.ids[id], nil
}

func TestRevocationStoreSharedPropagation(t *testing.T) {
	shared := newFakeRevocations()

	store := NewRevocationStore(100, time.Hour, testLogger())
	defer store.Stop()
	store.SetShared(shared, time.Second)

	store.Add("jti-1", time.Now().Add(time.Hour), "revoked")

	if !shared.ids["jti-1"] {
		t.Error("Expected revocation to propagate to the shared store")
	}

	// A revocation made by another instance is visible through the shared
	// lookup even without a local entry.
	other := NewRevocationStore(100, time.Hour, testLogger())
	defer other.Stop()
	other.SetShared(shared, time.Second)

	if !other.Contains(context.Background(), "jti-1") {
		t.Error("Expected shared revocation to be visible across instances")
	}
}

func TestRevocationStoreSharedFailureStillRevokesLocally(t *testing.T) {
	shared := newFakeRevocations()
	shared.fail = true

	store := NewRevocationStore(100, time.Hour, testLogger())
	defer store.Stop()
	store.SetShared(shared, time.Second)

	store.Add("jti-1", time.Now().Add(time.Hour), "revoked")

	if !store.Contains(context.Background(), "jti-1") {
		t.Error("Local revocation must hold when the shared store is down")
	}
}
