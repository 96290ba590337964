// Package cache implements the strategy-driven read path over a local
// persistent store and a caller-supplied network fetcher. The cache never
// constructs network calls itself; every fetch is an injected capability
// supplied per read.
package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"log/slog"

	"github.com/l0p7/offsync/metadata"
	"github.com/l0p7/offsync/metrics"
	"github.com/l0p7/offsync/store"
)

// Strategy selects how a read balances the local store against the network.
type Strategy string

const (
	// CacheFirst returns a fresh cached value without touching the network;
	// it fetches only on miss or staleness, with no cached fallback on
	// fetch failure.
	CacheFirst Strategy = "cacheFirst"
	// NetworkFirst always attempts the fetch and falls back to any cached
	// value, fresh or stale, when the fetch fails.
	NetworkFirst Strategy = "networkFirst"
	// CacheOnly never calls the fetcher. Absent values are ErrCacheMiss.
	CacheOnly Strategy = "cacheOnly"
	// NetworkOnly never reads or writes the cache.
	NetworkOnly Strategy = "networkOnly"
	// StaleWhileRevalidate returns any cached value immediately and
	// refreshes it in the background; on a full miss it behaves like
	// NetworkFirst.
	StaleWhileRevalidate Strategy = "staleWhileRevalidate"
)

// Policy pairs a strategy with an optional TTL for values written by the
// read. A nil TTL defers to the store's default; an explicit zero TTL writes
// an entry that is already expired.
type Policy struct {
	Strategy Strategy
	TTL      *time.Duration
}

// TTL is a convenience for building Policy literals.
func TTL(d time.Duration) *time.Duration {
	return &d
}

// Fetcher produces the value for a key from the network. It is supplied by
// the caller per read; the cache never builds one.
type Fetcher func(ctx context.Context) ([]byte, error)

// WriteAttrs carries the optional conditional-request attributes recorded
// alongside a direct write.
type WriteAttrs struct {
	ETag    string
	Headers map[string]string
}

// ErrCacheMiss reports a cacheOnly read of a key with nothing stored. It is
// an expected outcome for callers probing local state, not a fault.
var ErrCacheMiss = errors.New("cache: no cached data")

// ErrUnknownStrategy reports a read with a strategy this package does not
// implement. An empty strategy is not an error; it reads cacheFirst.
var ErrUnknownStrategy = errors.New("cache: unknown strategy")

const lockStripes = 64

// Store combines the value namespace with the metadata tracker and applies
// the read strategies. Reads and writes on different keys proceed in
// parallel; writes to the same key are serialized through striped locks so
// value and metadata can never interleave.
type Store struct {
	values     store.Store
	meta       *metadata.Tracker
	defaultTTL time.Duration
	log        *slog.Logger
	rec        *metrics.Recorder

	locks   [lockStripes]sync.Mutex
	refresh sync.WaitGroup
}

// Option customizes a Store.
type Option func(*Store)

// WithDefaultTTL sets the TTL applied when a policy does not carry its own.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Store) { s.defaultTTL = d }
}

// WithLogger routes background refresh failures and write rollbacks to log.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithMetrics publishes read outcomes to the recorder.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *Store) { s.rec = rec }
}

// New builds a cache over the value namespace and metadata tracker.
func New(values store.Store, meta *metadata.Tracker, opts ...Option) *Store {
	s := &Store{
		values: values,
		meta:   meta,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get reads key according to the policy's strategy. Exactly one of cached
// value, fresh network value, or error is returned; StaleWhileRevalidate may
// additionally refresh the entry in the background.
func (s *Store) Get(ctx context.Context, key string, policy Policy, fetch Fetcher) ([]byte, error) {
	start := time.Now()
	value, outcome, err := s.get(ctx, key, policy, fetch)
	s.rec.ObserveCacheRead(string(policy.Strategy), outcome, time.Since(start))
	return value, err
}

func (s *Store) get(ctx context.Context, key string, policy Policy, fetch Fetcher) ([]byte, metrics.CacheOutcome, error) {
	switch policy.Strategy {
	case CacheOnly:
		value, ok, err := s.cached(ctx, key)
		if err != nil {
			return nil, metrics.CacheError, err
		}
		if !ok {
			return nil, metrics.CacheMiss, ErrCacheMiss
		}
		return value, metrics.CacheHit, nil

	case NetworkOnly:
		value, err := fetch(ctx)
		if err != nil {
			return nil, metrics.CacheError, err
		}
		return value, metrics.CacheMiss, nil

	case NetworkFirst:
		value, err := fetch(ctx)
		if err == nil {
			// The executor already produced a fresh body; a failed
			// write-back must not hide it behind the stale fallback.
			if storeErr := s.PutAttrs(ctx, key, value, policy, WriteAttrs{}); storeErr != nil {
				s.log.Warn("cache write-back failed", "key", key, "error", storeErr)
			}
			return value, metrics.CacheMiss, nil
		}
		fallback, ok, cacheErr := s.cached(ctx, key)
		if cacheErr == nil && ok {
			return fallback, metrics.CacheHit, nil
		}
		return nil, metrics.CacheError, err

	case StaleWhileRevalidate:
		value, ok, err := s.cached(ctx, key)
		if err != nil {
			return nil, metrics.CacheError, err
		}
		if ok {
			s.refreshInBackground(key, policy, fetch)
			return value, metrics.CacheHit, nil
		}
		fetched, err := s.fetchAndStore(ctx, key, policy, fetch)
		if err != nil {
			return nil, metrics.CacheError, err
		}
		return fetched, metrics.CacheMiss, nil

	case CacheFirst, "":
		expired, err := s.meta.Expired(ctx, key)
		if err != nil {
			return nil, metrics.CacheError, err
		}
		if !expired {
			value, ok, err := s.cached(ctx, key)
			if err != nil {
				return nil, metrics.CacheError, err
			}
			if ok {
				return value, metrics.CacheHit, nil
			}
		}
		value, err := s.fetchAndStore(ctx, key, policy, fetch)
		if err != nil {
			return nil, metrics.CacheError, err
		}
		return value, metrics.CacheMiss, nil

	default:
		return nil, metrics.CacheError, fmt.Errorf("%w: %q", ErrUnknownStrategy, policy.Strategy)
	}
}

// Put writes value and its metadata under key.
func (s *Store) Put(ctx context.Context, key string, value []byte, policy Policy) error {
	return s.PutAttrs(ctx, key, value, policy, WriteAttrs{})
}

// PutAttrs writes value with conditional-request attributes. The value and
// its metadata are updated under the key's write lock so concurrent writers
// cannot interleave them; last write wins by completion order.
func (s *Store) PutAttrs(ctx context.Context, key string, value []byte, policy Policy, attrs WriteAttrs) error {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()
	return s.storeLocked(ctx, key, value, policy, attrs)
}

// Delete removes key's value and metadata together. Idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()
	if err := s.values.Delete(ctx, key); err != nil {
		return err
	}
	return s.meta.Remove(ctx, key)
}

// Clear drops every cached value and its metadata.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.values.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Close waits for in-flight background refreshes to finish.
func (s *Store) Close() error {
	s.refresh.Wait()
	return nil
}

// cached holds the key's stripe lock so concurrent readers of one key cannot
// interleave the access-count update and lose increments.
func (s *Store) cached(ctx context.Context, key string) ([]byte, bool, error) {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()
	value, ok, err := s.values.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := s.meta.RecordAccess(ctx, key); err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) fetchAndStore(ctx context.Context, key string, policy Policy, fetch Fetcher) ([]byte, error) {
	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.PutAttrs(ctx, key, value, policy, WriteAttrs{}); err != nil {
		return nil, err
	}
	return value, nil
}

// refreshInBackground revalidates key without blocking the caller. Failures
// are logged and dropped: a stale value was already returned, so the refresh
// is purely opportunistic.
func (s *Store) refreshInBackground(key string, policy Policy, fetch Fetcher) {
	s.refresh.Add(1)
	go func() {
		defer s.refresh.Done()
		ctx := context.Background()
		value, err := fetch(ctx)
		if err != nil {
			s.log.Warn("background revalidation failed", "key", key, "error", err)
			return
		}
		if err := s.PutAttrs(ctx, key, value, policy, WriteAttrs{}); err != nil {
			s.log.Warn("background revalidation store failed", "key", key, "error", err)
		}
	}()
}

func (s *Store) storeLocked(ctx context.Context, key string, value []byte, policy Policy, attrs WriteAttrs) error {
	if err := s.values.Put(ctx, key, value); err != nil {
		return err
	}
	opts := metadata.WriteOptions{
		TTL:     s.effectiveTTL(policy),
		ETag:    attrs.ETag,
		Headers: attrs.Headers,
	}
	if err := s.meta.RecordWrite(ctx, key, int64(len(value)), opts); err != nil {
		// Roll the value back so no entry exists without metadata.
		if delErr := s.values.Delete(ctx, key); delErr != nil {
			s.log.Warn("rollback after metadata failure", "key", key, "error", delErr)
		}
		return err
	}
	return nil
}

func (s *Store) effectiveTTL(policy Policy) *time.Duration {
	if policy.TTL != nil {
		return policy.TTL
	}
	if s.defaultTTL > 0 {
		ttl := s.defaultTTL
		return &ttl
	}
	return nil
}

func (s *Store) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}
