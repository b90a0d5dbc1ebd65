// Package dedup provides the single-flight response cache that collapses
// duplicate requests onto one upstream execution.
//
// Features:
//   - Content-hashed keys with exactly one owner per key in flight
//   - Waiters parked on channels and resumed with the owner's acknowledgment
//   - TTL-bounded entries with lazy eviction, a periodic sweeper, and a
//     capacity ceiling that evicts the oldest-expiring record under pressure
//   - Optional mirroring of completed acknowledgments through a storage
//     backend so a rebuilt cache keeps answering within the TTL horizon
package dedup

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/YASSERRMD/AiMesh/engine/errors"
	"github.com/YASSERRMD/AiMesh/engine/metrics"
	"github.com/YASSERRMD/AiMesh/engine/protocol"
)

const (
	defaultTTL        = 3600 * time.Second
	defaultMaxEntries = 100_000

	persistPrefix = "dedup:"
)

// Logger is the minimal logging interface the cache needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Persister mirrors completed acknowledgments to a storage backend. It is a
// subset of kvstore.KVStore; mirror traffic is best-effort and failures only
// log.
type Persister interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

// Outcome says how a lookup resolved.
type Outcome string

const (
	// OutcomeHit means a completed acknowledgment was found.
	OutcomeHit Outcome = "hit"
	// OutcomeWait means another caller owns the execution; wait on Ready.
	OutcomeWait Outcome = "wait"
	// OutcomeOwner means the caller must execute and then Publish or Retire.
	OutcomeOwner Outcome = "owner"
)

// WaitResult is delivered to parked waiters when the owner settles.
type WaitResult struct {
	// Ack is the owner's acknowledgment when Found is true.
	Ack *protocol.Acknowledgment
	// Found is false when the owner retired without publishing; the waiter
	// should re-enter LookupOrReserve and may become the new owner.
	Found bool
}

// OwnerToken proves the right to settle an in-flight key. It is settled by
// exactly one Publish or Retire call.
type OwnerToken struct {
	key [32]byte
	id  string
}

// LookupResult carries the outcome of LookupOrReserve. Exactly one of Ack,
// Ready, and Token is set, matching Outcome.
type LookupResult struct {
	Outcome Outcome
	Ack     *protocol.Acknowledgment
	Ready   <-chan WaitResult
	Token   *OwnerToken
}

type entry struct {
	ack       *protocol.Acknowledgment
	expiresAt time.Time
}

type flight struct {
	ownerID string
	waiters []chan WaitResult
}

// persistRecord is the JSON form mirrored through the Persister.
type persistRecord struct {
	Ack         *protocol.Acknowledgment `json:"ack"`
	ExpiresAtMS int64                    `json:"expires_at_ms"`
}

// Cache coalesces duplicate requests. All state transitions happen under one
// mutex; persistence reads and writes run outside it.
type Cache struct {
	logger    Logger
	persister Persister
	ttl       time.Duration
	max       int

	mu       sync.Mutex
	entries  map[[32]byte]*entry
	inflight map[[32]byte]*flight

	hits      int64
	coalesced int64
	owned     int64
	published int64
	retired   int64
	evicted   int64
}

// New creates a cache. ttl <= 0 defaults to one hour, maxEntries <= 0 to
// 100k. persister may be nil to keep the cache purely in-memory.
func New(ttl time.Duration, maxEntries int, persister Persister, logger Logger) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Cache{
		logger:    logger,
		persister: persister,
		ttl:       ttl,
		max:       maxEntries,
		entries:   make(map[[32]byte]*entry),
		inflight:  make(map[[32]byte]*flight),
	}
}

// LookupOrReserve resolves key to a cached acknowledgment, parks the caller
// behind an in-flight owner, or grants ownership. ctx only bounds the
// persistence read; the in-memory paths never block.
func (c *Cache) LookupOrReserve(ctx context.Context, key [32]byte) *LookupResult {
	now := time.Now()

	c.mu.Lock()
	if ent, ok := c.entries[key]; ok {
		if now.Before(ent.expiresAt) {
			c.hits++
			ack := ent.ack.Clone()
			c.mu.Unlock()
			metrics.RecordDedupEvent(string(OutcomeHit))
			return &LookupResult{Outcome: OutcomeHit, Ack: ack}
		}
		delete(c.entries, key)
		c.evicted++
	}

	if fl, ok := c.inflight[key]; ok {
		ready := make(chan WaitResult, 1)
		fl.waiters = append(fl.waiters, ready)
		c.coalesced++
		c.mu.Unlock()
		metrics.RecordDedupEvent(string(OutcomeWait))
		return &LookupResult{Outcome: OutcomeWait, Ready: ready}
	}

	token := &OwnerToken{key: key, id: protocol.NewID()}
	c.inflight[key] = &flight{ownerID: token.id}
	c.owned++
	c.mu.Unlock()

	if res := c.lookupPersisted(ctx, key); res != nil {
		return res
	}

	metrics.RecordDedupEvent(string(OutcomeOwner))
	return &LookupResult{Outcome: OutcomeOwner, Token: token}
}

// lookupPersisted checks the storage mirror after ownership was taken. On a
// live mirrored record the flight is completed immediately and the caller
// gets a Hit; otherwise the caller stays owner.
func (c *Cache) lookupPersisted(ctx context.Context, key [32]byte) *LookupResult {
	if c.persister == nil {
		return nil
	}

	raw, ok, err := c.persister.Get(ctx, persistKey(key))
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("dedup_persist_read_failed", "key", keyPrefix(key), "error", err)
		}
		return nil
	}
	if !ok {
		return nil
	}

	var rec persistRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Ack == nil {
		if c.logger != nil {
			c.logger.Warn("dedup_persist_decode_failed", "key", keyPrefix(key), "error", err)
		}
		return nil
	}

	expiresAt := time.UnixMilli(rec.ExpiresAtMS)
	if !time.Now().Before(expiresAt) {
		_ = c.persister.Delete(context.Background(), persistKey(key))
		return nil
	}

	c.mu.Lock()
	c.storeLocked(key, rec.Ack, expiresAt)
	c.resolveLocked(key, rec.Ack, true)
	c.hits++
	c.owned--
	c.mu.Unlock()

	metrics.RecordDedupEvent(string(OutcomeHit))
	return &LookupResult{Outcome: OutcomeHit, Ack: rec.Ack.Clone()}
}

// Publish settles an in-flight key with the owner's acknowledgment, resumes
// all waiters with it, and caches it for the TTL. A stale or already-settled
// token reports InvalidHandle.
func (c *Cache) Publish(token *OwnerToken, ack *protocol.Acknowledgment) error {
	if token == nil || ack == nil {
		return errors.InvalidHandle("dedup publish")
	}

	expiresAt := time.Now().Add(c.ttl)

	c.mu.Lock()
	fl, ok := c.inflight[token.key]
	if !ok || fl.ownerID != token.id {
		c.mu.Unlock()
		if c.logger != nil {
			c.logger.Error("dedup_stale_token", "operation", "publish", "key", keyPrefix(token.key))
		}
		return errors.InvalidHandle("dedup publish")
	}

	stored := ack.Clone()
	c.storeLocked(token.key, stored, expiresAt)
	waiters := c.resolveLocked(token.key, stored, true)
	c.published++
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Debug("dedup_published", "key", keyPrefix(token.key), "waiters_resumed", waiters)
	}
	c.mirror(token.key, stored, expiresAt)
	return nil
}

// Retire settles an in-flight key without a result. Waiters are resumed
// with Found=false and re-enter the lookup; the first one in becomes the new
// owner.
func (c *Cache) Retire(token *OwnerToken) error {
	if token == nil {
		return errors.InvalidHandle("dedup retire")
	}

	c.mu.Lock()
	fl, ok := c.inflight[token.key]
	if !ok || fl.ownerID != token.id {
		c.mu.Unlock()
		if c.logger != nil {
			c.logger.Error("dedup_stale_token", "operation", "retire", "key", keyPrefix(token.key))
		}
		return errors.InvalidHandle("dedup retire")
	}

	waiters := c.resolveLocked(token.key, nil, false)
	c.retired++
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Debug("dedup_retired", "key", keyPrefix(token.key), "waiters_resumed", waiters)
	}
	return nil
}

// storeLocked inserts a completed entry, making room under the capacity
// ceiling first. Callers hold c.mu.
func (c *Cache) storeLocked(key [32]byte, ack *protocol.Acknowledgment, expiresAt time.Time) {
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		c.evictLocked()
	}
	c.entries[key] = &entry{ack: ack, expiresAt: expiresAt}
}

// evictLocked reclaims expired entries, then if still at capacity drops the
// entry closest to expiry. Callers hold c.mu.
func (c *Cache) evictLocked() {
	now := time.Now()
	for key, ent := range c.entries {
		if !now.Before(ent.expiresAt) {
			delete(c.entries, key)
			c.evicted++
		}
	}
	if len(c.entries) < c.max {
		return
	}

	var oldest [32]byte
	var oldestAt time.Time
	for key, ent := range c.entries {
		if oldestAt.IsZero() || ent.expiresAt.Before(oldestAt) {
			oldest = key
			oldestAt = ent.expiresAt
		}
	}
	delete(c.entries, oldest)
	c.evicted++
	if c.logger != nil {
		c.logger.Debug("dedup_capacity_evicted", "key", keyPrefix(oldest))
	}
}

// resolveLocked resumes every waiter parked on key and removes the flight.
// Each waiter receives its own clone. Callers hold c.mu.
func (c *Cache) resolveLocked(key [32]byte, ack *protocol.Acknowledgment, found bool) int {
	fl, ok := c.inflight[key]
	if !ok {
		return 0
	}
	for _, ready := range fl.waiters {
		res := WaitResult{Found: found}
		if found && ack != nil {
			res.Ack = ack.Clone()
		}
		ready <- res
	}
	delete(c.inflight, key)
	return len(fl.waiters)
}

// mirror writes a completed acknowledgment through the persister. Mirror
// writes run on a background context so a canceled request cannot abort
// them.
func (c *Cache) mirror(key [32]byte, ack *protocol.Acknowledgment, expiresAt time.Time) {
	if c.persister == nil {
		return
	}

	raw, err := json.Marshal(persistRecord{Ack: ack, ExpiresAtMS: expiresAt.UnixMilli()})
	if err != nil {
		return
	}
	if err := c.persister.Put(context.Background(), persistKey(key), raw, time.Until(expiresAt)); err != nil {
		if c.logger != nil {
			c.logger.Warn("dedup_persist_write_failed", "key", keyPrefix(key), "error", err)
		}
	}
}

// Sweep removes expired entries and reports how many were reclaimed.
func (c *Cache) Sweep() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, ent := range c.entries {
		if !now.Before(ent.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	c.evicted += int64(removed)
	return removed
}

// StartSweeper starts a background goroutine that sweeps expired entries
// every interval. Returns a stop function that must be called to stop it.
func (c *Cache) StartSweeper(interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				c.runSweepCycle()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// runSweepCycle performs a single sweep with panic recovery.
func (c *Cache) runSweepCycle() {
	defer func() {
		if r := recover(); r != nil {
			if c.logger != nil {
				c.logger.Error("dedup_sweep_panic_recovered", "error", r)
			}
		}
	}()

	removed := c.Sweep()
	if removed > 0 && c.logger != nil {
		c.logger.Debug("dedup_sweep_completed", "removed", removed)
	}
}

// Len reports the number of completed entries resident in memory.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// InflightCount reports the number of keys currently owned.
func (c *Cache) InflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Stats returns cache statistics.
func (c *Cache) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	waiting := 0
	for _, fl := range c.inflight {
		waiting += len(fl.waiters)
	}
	return map[string]any{
		"entries":     len(c.entries),
		"inflight":    len(c.inflight),
		"waiters":     waiting,
		"hits":        c.hits,
		"coalesced":   c.coalesced,
		"owned":       c.owned,
		"published":   c.published,
		"retired":     c.retired,
		"evicted":     c.evicted,
		"ttl_secs":    int64(c.ttl / time.Second),
		"max_entries": c.max,
	}
}

func persistKey(key [32]byte) string {
	return persistPrefix + hex.EncodeToString(key[:])
}

// keyPrefix renders the first bytes of a key for log lines.
func keyPrefix(key [32]byte) string {
	return hex.EncodeToString(key[:8])
}
