package taskpay

import (
	"context"
	"sync"
	"time"
)

// RecordCache serializes settlement attempts per commitment hash and
// caches completed records. Concurrent attempts for the same hash degrade
// into a single ledger submission: exactly one caller proceeds, the rest
// wait for its record. The ledger remains the source of truth; this cache
// only avoids wasted transaction submissions within one process.
type RecordCache struct {
	mu       sync.Mutex
	records  map[string]*SettlementRecord
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewRecordCache creates a record cache whose completed entries expire
// after ttl.
func NewRecordCache(ttl time.Duration) *RecordCache {
	return &RecordCache{
		records:  make(map[string]*SettlementRecord),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// RecordCacheStatus is the result of checking the cache for a hash.
type RecordCacheStatus int

const (
	// RecordNotFound means no completed record and no in-flight attempt;
	// the caller now owns the slot.
	RecordNotFound RecordCacheStatus = iota
	// RecordCached means a completed record was found.
	RecordCached
	// RecordInFlight means another attempt is processing this hash.
	RecordInFlight
)

// CheckAndMark atomically checks the cache for valueHash and marks it
// in-flight if free. Returns:
//   - RecordCached + the record if a completed record exists
//   - RecordInFlight + a wait channel if another attempt is processing
//   - RecordNotFound + a done channel if this caller owns the slot
func (c *RecordCache) CheckAndMark(valueHash string) (RecordCacheStatus, *SettlementRecord, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[valueHash]; exists {
		if time.Now().Before(expiry) {
			if rec, ok := c.records[valueHash]; ok {
				return RecordCached, rec, nil
			}
		}
		delete(c.records, valueHash)
		delete(c.expiry, valueHash)
	}

	if done, exists := c.inFlight[valueHash]; exists {
		return RecordInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[valueHash] = done
	return RecordNotFound, nil, done
}

// WaitForRecord waits for an in-flight attempt to complete, respecting
// context cancellation. Returns nil if the attempt failed without caching
// a record (the hash may then be retried).
func (c *RecordCache) WaitForRecord(ctx context.Context, valueHash string, done chan struct{}) (*SettlementRecord, error) {
	select {
	case <-done:
		return c.Get(valueHash), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the cached record for valueHash if present and unexpired.
func (c *RecordCache) Get(valueHash string) *SettlementRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[valueHash]
	if !exists {
		return nil
	}
	if time.Now().After(expiry) {
		delete(c.records, valueHash)
		delete(c.expiry, valueHash)
		return nil
	}
	return c.records[valueHash]
}

// Complete caches the finished record, releases the in-flight slot and
// signals waiters.
func (c *RecordCache) Complete(valueHash string, rec *SettlementRecord, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records[valueHash] = rec
	c.expiry[valueHash] = time.Now().Add(c.ttl)
	delete(c.inFlight, valueHash)
	close(done)

	c.cleanupExpiredLocked()
}

// Fail releases the in-flight slot without caching, allowing the hash to
// be retried, and signals waiters.
func (c *RecordCache) Fail(valueHash string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, valueHash)
	close(done)
}

// cleanupExpiredLocked removes expired entries. Caller holds the lock.
func (c *RecordCache) cleanupExpiredLocked() {
	now := time.Now()
	for hash, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.records, hash)
			delete(c.expiry, hash)
		}
	}
}
