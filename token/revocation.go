package token

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/perimeterlabs/secplane/instrumentation"
	"github.com/perimeterlabs/secplane/internal/util"
	"github.com/perimeterlabs/secplane/storage"
)

const (
	// DefaultRevocationMaxSize caps the number of revocation entries held
	// locally. On overflow, the entries nearest to natural expiry are evicted
	// first; a revocation insert is never rejected.
	DefaultRevocationMaxSize = 100000

	// DefaultSweepInterval is how often expired entries are removed.
	DefaultSweepInterval = time.Minute

	// DefaultSharedTimeout bounds every call into the shared revocation
	// backend. On timeout the store degrades to local-only behavior.
	DefaultSharedTimeout = 250 * time.Millisecond

	// evictDivisor controls the overflow eviction batch: 1/10th of the
	// soonest-to-expire entries are dropped before admitting a new one.
	evictDivisor = 10

	tokenIDLogLength = 8
)

type revocationEntry struct {
	expiresAt time.Time
	reason    string
}

// RevocationStore is a bounded, time-indexed set of revoked token
// identifiers. Membership tests are O(1); expired entries are removed by a
// periodic sweep. An optional shared backend propagates revocations across
// instances, with the local tier remaining authoritative when the backend is
// unreachable.
type RevocationStore struct {
	mu      sync.RWMutex
	entries map[string]revocationEntry

	maxSize       int
	sweepInterval time.Duration

	shared        storage.Revocations
	sharedTimeout time.Duration

	logger *slog.Logger
	inst   *instrumentation.Instrumentation

	stopSweep chan struct{}
	stopOnce  sync.Once

	totalEvictions int64
	totalSweeps    int64
}

// NewRevocationStore creates a revocation store and starts its background
// sweep. maxSize <= 0 and sweepInterval <= 0 select the defaults.
func NewRevocationStore(maxSize int, sweepInterval time.Duration, logger *slog.Logger) *RevocationStore {
	if maxSize <= 0 {
		maxSize = DefaultRevocationMaxSize
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	rs := &RevocationStore{
		entries:       make(map[string]revocationEntry),
		maxSize:       maxSize,
		sweepInterval: sweepInterval,
		sharedTimeout: DefaultSharedTimeout,
		logger:        logger,
		stopSweep:     make(chan struct{}),
	}

	go rs.sweepLoop()

	return rs
}

// SetShared attaches a shared revocation backend for cross-instance
// propagation. timeout <= 0 selects DefaultSharedTimeout.
func (rs *RevocationStore) SetShared(shared storage.Revocations, timeout time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.shared = shared
	if timeout > 0 {
		rs.sharedTimeout = timeout
	}
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (rs *RevocationStore) SetInstrumentation(inst *instrumentation.Instrumentation) {
	rs.mu.Lock()
	rs.inst = inst
	rs.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterSizeCallbacks(func() int64 {
			rs.mu.RLock()
			defer rs.mu.RUnlock()
			return int64(len(rs.entries))
		}, nil); err != nil {
			rs.logger.Warn("Failed to register revocation size gauge", "error", err)
		}
	}
}

// Add inserts a revoked token identifier. The insert never fails: when the
// store is full, the tenth of entries closest to natural expiry is evicted
// first. Entries already past expiresAt are not stored.
func (rs *RevocationStore) Add(id string, expiresAt time.Time, reason string) {
	if id == "" || !time.Now().Before(expiresAt) {
		return
	}

	rs.mu.Lock()
	if _, exists := rs.entries[id]; !exists && len(rs.entries) >= rs.maxSize {
		rs.evictNearestExpiry()
	}
	rs.entries[id] = revocationEntry{expiresAt: expiresAt, reason: reason}
	shared := rs.shared
	timeout := rs.sharedTimeout
	rs.mu.Unlock()

	rs.logger.Debug("Token revoked",
		"jti", util.SafeTruncate(id, tokenIDLogLength),
		"reason", reason,
		"expires_at", expiresAt)

	if shared == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := shared.Add(ctx, id, time.Until(expiresAt)); err != nil {
		rs.logger.Warn("Shared revocation store write failed, local entry kept", "error", err)
		if rs.inst != nil {
			rs.inst.Metrics().RecordStoreFallback(ctx, "revocation")
		}
	}
}

// Contains reports whether a token identifier is revoked. The local map is
// consulted first (O(1)); the shared backend, if configured, is consulted on
// a local miss with a bounded timeout, and its failures are treated as "not
// revoked locally" rather than an error.
func (rs *RevocationStore) Contains(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}

	rs.mu.RLock()
	entry, ok := rs.entries[id]
	shared := rs.shared
	timeout := rs.sharedTimeout
	rs.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		return true
	}
	if shared == nil {
		return false
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	revoked, err := shared.Contains(sctx, id)
	if err != nil {
		rs.logger.Debug("Shared revocation store lookup failed, using local result", "error", err)
		if rs.inst != nil {
			rs.inst.Metrics().RecordStoreFallback(ctx, "revocation")
		}
		return false
	}
	return revoked
}

// evictNearestExpiry drops the 1/10th of entries with the nearest expiry.
// Must be called with the mutex locked.
func (rs *RevocationStore) evictNearestExpiry() {
	n := len(rs.entries) / evictDivisor
	if n < 1 {
		n = 1
	}

	type idExpiry struct {
		id        string
		expiresAt time.Time
	}
	byExpiry := make([]idExpiry, 0, len(rs.entries))
	for id, e := range rs.entries {
		byExpiry = append(byExpiry, idExpiry{id, e.expiresAt})
	}
	sort.Slice(byExpiry, func(i, j int) bool {
		return byExpiry[i].expiresAt.Before(byExpiry[j].expiresAt)
	})

	for i := 0; i < n && i < len(byExpiry); i++ {
		delete(rs.entries, byExpiry[i].id)
		rs.totalEvictions++
	}

	rs.logger.Warn("Revocation store at capacity, evicted nearest-to-expiry entries",
		"evicted", n,
		"remaining", len(rs.entries),
		"max_size", rs.maxSize)
}

// Sweep removes entries past their natural expiry. Forgetting an expired
// revocation is safe: verification rejects the token as expired anyway.
func (rs *RevocationStore) Sweep() {
	now := time.Now()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	removed := 0
	for id, e := range rs.entries {
		if now.After(e.expiresAt) {
			delete(rs.entries, id)
			removed++
		}
	}

	if removed > 0 {
		rs.totalSweeps++
		rs.logger.Debug("Revocation sweep completed",
			"removed", removed,
			"remaining", len(rs.entries))
	}
}

// sweepLoop runs Sweep on a fixed period. Each pass runs to completion
// before the next can start.
func (rs *RevocationStore) sweepLoop() {
	ticker := time.NewTicker(rs.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rs.Sweep()
		case <-rs.stopSweep:
			return
		}
	}
}

// Stop terminates the background sweep. Safe to call more than once.
func (rs *RevocationStore) Stop() {
	rs.stopOnce.Do(func() {
		close(rs.stopSweep)
	})
}

// RevocationStats holds revocation store statistics for monitoring.
type RevocationStats struct {
	CurrentEntries int
	MaxSize        int
	TotalEvictions int64
	TotalSweeps    int64
	MemoryPressure float64 // percentage of capacity used
}

// Stats returns a snapshot of store statistics.
func (rs *RevocationStore) Stats() RevocationStats {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	stats := RevocationStats{
		CurrentEntries: len(rs.entries),
		MaxSize:        rs.maxSize,
		TotalEvictions: rs.totalEvictions,
		TotalSweeps:    rs.totalSweeps,
	}
	if rs.maxSize > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rs.maxSize) * 100.0
	}
	return stats
}
