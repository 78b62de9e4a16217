// Package cache implements the TTL/LRU cache for spatially keyed values on
// top of a pluggable key/value store. The cache is a non-authoritative
// performance layer: a broken store behaves exactly like an empty one and no
// operation here ever returns a storage error to the caller.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wildfire-labs/riskd/internal/core/observability"
)

// Store is the durable key/value substrate. Implementations may fail or
// return corrupted data; the engine absorbs both.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Keys returns all stored keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

const (
	EnvelopeVersion = 1

	DefaultTTL      = 6 * time.Hour
	DefaultCapacity = 100

	metaSuffix = "__meta__"
)

// envelope is the versioned persisted record; unknown versions read as a
// miss so the schema can evolve without crashing old readers.
type envelope struct {
	Version   int             `json:"version"`
	Key       string          `json:"key"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Metadata is a read-only snapshot of the engine's bookkeeping.
type Metadata struct {
	TotalEntries int                  `json:"total_entries"`
	LastCleanup  time.Time            `json:"last_cleanup"`
	AccessLog    map[string]time.Time `json:"access_log"`
}

type Options struct {
	// Prefix namespaces this engine's keys in the store; all keys passed to
	// the engine are expected to start with it.
	Prefix   string
	TTL      time.Duration
	Capacity int
}

// Engine is a TTL/LRU cache of V values. Metadata mutation happens inside a
// single critical section per engine; the capacity-eviction read-modify-write
// is the main race window otherwise.
type Engine[V any] struct {
	store    Store
	logger   *slog.Logger
	prefix   string
	ttl      time.Duration
	capacity int

	mu  sync.Mutex
	now func() time.Time // for tests
}

func New[V any](store Store, logger *slog.Logger, opts Options) *Engine[V] {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine[V]{
		store:    store,
		logger:   logger,
		prefix:   opts.Prefix,
		ttl:      opts.TTL,
		capacity: opts.Capacity,
		now:      time.Now,
	}
}

// TTL reports the expiry policy applied to entries.
func (e *Engine[V]) TTL() time.Duration { return e.ttl }

// Get returns the stored value if present and younger than the TTL. Expired
// entries are removed lazily here; a hit refreshes the key's access time.
func (e *Engine[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V

	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	raw, ok, err := e.store.Get(ctx, key)
	observability.ObserveCacheOp("get", err, e.now().Sub(start).Seconds())
	if err != nil || !ok {
		if err != nil {
			e.logger.Warn("cache read failed, treating as miss", "key", key, "err", err)
		}
		observability.IncCacheMiss()
		return zero, false
	}

	env, decodeErr := decodeEnvelope(raw)
	if decodeErr != nil {
		e.logger.Warn("corrupt cache entry, dropping", "key", key, "err", decodeErr)
		e.deleteQuiet(ctx, key)
		e.forgetAccess(ctx, key)
		observability.IncCacheMiss()
		return zero, false
	}

	if e.now().Sub(env.Timestamp) > e.ttl {
		e.deleteQuiet(ctx, key)
		e.forgetAccess(ctx, key)
		observability.IncCacheMiss()
		return zero, false
	}

	var v V
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		e.logger.Warn("undecodable cache payload, dropping", "key", key, "err", err)
		e.deleteQuiet(ctx, key)
		e.forgetAccess(ctx, key)
		observability.IncCacheMiss()
		return zero, false
	}

	meta := e.loadMeta(ctx)
	meta.AccessLog[key] = e.now().UTC()
	e.saveMeta(ctx, meta)

	observability.IncCacheHit()
	return v, true
}

// StoredAt returns the creation timestamp of a live entry, if any.
func (e *Engine[V]) StoredAt(ctx context.Context, key string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, ok, err := e.store.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false
	}
	env, decodeErr := decodeEnvelope(raw)
	if decodeErr != nil || e.now().Sub(env.Timestamp) > e.ttl {
		return time.Time{}, false
	}
	return env.Timestamp, true
}

// Set stores (or overwrites) the entry with the current UTC timestamp and
// then evicts least-recently-accessed keys until the capacity holds.
func (e *Engine[V]) Set(ctx context.Context, key string, v V) {
	payload, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("cache value not serializable", "key", key, "err", err)
		return
	}
	env := envelope{
		Version:   EnvelopeVersion,
		Key:       key,
		Timestamp: e.nowUTC(),
		Payload:   payload,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		e.logger.Error("cache envelope not serializable", "key", key, "err", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	err = e.store.Set(ctx, key, raw, e.storeTTL())
	observability.ObserveCacheOp("set", err, e.now().Sub(start).Seconds())
	if err != nil {
		e.logger.Warn("cache write failed", "key", key, "err", err)
		return
	}

	meta := e.loadMeta(ctx)
	meta.AccessLog[key] = e.nowUTC()

	// One eviction at a time; the capacity is small enough that the scan
	// stays cheap.
	for len(meta.AccessLog) > e.capacity {
		victim, ok := oldestKey(meta.AccessLog)
		if !ok {
			break
		}
		e.deleteQuiet(ctx, victim)
		delete(meta.AccessLog, victim)
		observability.IncCacheEviction()
		e.logger.Debug("evicted least-recently-used entry", "key", victim)
	}

	e.saveMeta(ctx, meta)
}

// Remove deletes the entry and its access-log row, reporting whether the
// entry existed. Store failures read as "did not exist".
func (e *Engine[V]) Remove(ctx context.Context, key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, existed, err := e.store.Get(ctx, key)
	if err != nil {
		existed = false
	}
	e.deleteQuiet(ctx, key)

	meta := e.loadMeta(ctx)
	if _, logged := meta.AccessLog[key]; logged || existed {
		delete(meta.AccessLog, key)
		e.saveMeta(ctx, meta)
	}
	return existed
}

// Clear removes all entries under the engine's prefix and resets metadata.
func (e *Engine[V]) Clear(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys, err := e.store.Keys(ctx, e.prefix)
	if err != nil {
		e.logger.Warn("cache clear could not enumerate keys", "err", err)
	}
	for _, k := range keys {
		e.deleteQuiet(ctx, k)
	}
	e.saveMeta(ctx, Metadata{AccessLog: map[string]time.Time{}})
}

// Metadata returns a snapshot of the bookkeeping. It never fails: on any
// storage problem it reports a zeroed default.
func (e *Engine[V]) Metadata(ctx context.Context) Metadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	meta := e.loadMeta(ctx)
	cp := Metadata{
		TotalEntries: len(meta.AccessLog),
		LastCleanup:  meta.LastCleanup,
		AccessLog:    make(map[string]time.Time, len(meta.AccessLog)),
	}
	for k, t := range meta.AccessLog {
		cp.AccessLog[k] = t
	}
	return cp
}

// Cleanup scans every entry under the prefix, removes the expired and the
// corrupt, reconciles the access log and stamps the cleanup time. Returns
// how many entries were removed.
func (e *Engine[V]) Cleanup(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	meta := e.loadMeta(ctx)

	keys, err := e.store.Keys(ctx, e.prefix)
	if err != nil {
		e.logger.Warn("cache cleanup could not enumerate keys", "err", err)
		keys = nil
	}

	live := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == e.metaKey() {
			continue
		}
		raw, ok, err := e.store.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		env, decodeErr := decodeEnvelope(raw)
		if decodeErr != nil || e.now().Sub(env.Timestamp) > e.ttl {
			e.deleteQuiet(ctx, k)
			delete(meta.AccessLog, k)
			removed++
			continue
		}
		live[k] = struct{}{}
		if _, logged := meta.AccessLog[k]; !logged {
			meta.AccessLog[k] = env.Timestamp
		}
	}

	// Drop log rows whose entries are gone.
	for k := range meta.AccessLog {
		if _, ok := live[k]; !ok {
			delete(meta.AccessLog, k)
		}
	}

	meta.LastCleanup = e.nowUTC()
	e.saveMeta(ctx, meta)
	return removed
}

// --- internals, caller holds e.mu ---

func (e *Engine[V]) metaKey() string { return e.prefix + metaSuffix }

func (e *Engine[V]) nowUTC() time.Time { return e.now().UTC() }

// storeTTL gives the substrate a grace window past the logical TTL so the
// engine, not the store, decides expiry.
func (e *Engine[V]) storeTTL() time.Duration { return 2 * e.ttl }

func (e *Engine[V]) loadMeta(ctx context.Context) Metadata {
	zero := Metadata{AccessLog: map[string]time.Time{}}
	raw, ok, err := e.store.Get(ctx, e.metaKey())
	if err != nil || !ok {
		return zero
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return zero
	}
	if m.AccessLog == nil {
		m.AccessLog = map[string]time.Time{}
	}
	return m
}

func (e *Engine[V]) saveMeta(ctx context.Context, m Metadata) {
	m.TotalEntries = len(m.AccessLog)
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := e.store.Set(ctx, e.metaKey(), raw, e.storeTTL()); err != nil {
		e.logger.Warn("cache metadata write failed", "err", err)
	}
}

func (e *Engine[V]) forgetAccess(ctx context.Context, key string) {
	meta := e.loadMeta(ctx)
	if _, ok := meta.AccessLog[key]; ok {
		delete(meta.AccessLog, key)
		e.saveMeta(ctx, meta)
	}
}

func (e *Engine[V]) deleteQuiet(ctx context.Context, key string) {
	start := e.now()
	err := e.store.Delete(ctx, key)
	observability.ObserveCacheOp("del", err, e.now().Sub(start).Seconds())
	if err != nil {
		e.logger.Warn("cache delete failed", "key", key, "err", err)
	}
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, err
	}
	if env.Version != EnvelopeVersion {
		return envelope{}, &VersionError{Got: env.Version}
	}
	return env, nil
}

type VersionError struct{ Got int }

func (e *VersionError) Error() string {
	return "unknown cache envelope version"
}

// oldestKey picks the least-recently-accessed key; ties break on the lowest
// key so eviction stays deterministic.
func oldestKey(log map[string]time.Time) (string, bool) {
	if len(log) == 0 {
		return "", false
	}
	keys := make([]string, 0, len(log))
	for k := range log {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	victim := keys[0]
	oldest := log[victim]
	for _, k := range keys[1:] {
		if t := log[k]; t.Before(oldest) {
			victim, oldest = k, t
		}
	}
	return victim, true
}
