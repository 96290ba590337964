// Package metadata tracks per-entry freshness and usage statistics for the
// cache. It is the single source of truth cache strategies and the sync
// coordinator's eviction pass consult before touching cached values.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/l0p7/offsync/store"
)

// Entry describes one cached value: when it was written, when it expires, how
// big it is, and how often it has been read.
type Entry struct {
	Key         string            `json:"key"`
	CreatedAt   time.Time         `json:"createdAt"`
	ExpiresAt   *time.Time        `json:"expiresAt,omitempty"`
	SizeBytes   int64             `json:"sizeBytes"`
	AccessCount int64             `json:"accessCount"`
	ETag        string            `json:"etag,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Expired reports whether the entry has passed its expiry at the given
// instant. Entries without an expiry never expire. The boundary counts as
// expired: at now == ExpiresAt the entry is stale.
func (e Entry) Expired(now time.Time) bool {
	if e.ExpiresAt == nil {
		return false
	}
	return !now.Before(*e.ExpiresAt)
}

// Age returns how long ago the entry was written, clamped to zero.
func (e Entry) Age(now time.Time) time.Duration {
	age := now.Sub(e.CreatedAt)
	if age < 0 {
		return 0
	}
	return age
}

// Stats aggregates the tracked entries for eviction and size-limit decisions.
type Stats struct {
	Entries    int
	TotalBytes int64
	Expired    int
}

// WriteOptions carries the optional attributes recorded alongside a write.
// A nil TTL means the entry never expires; a zero TTL produces an entry that
// is expired immediately.
type WriteOptions struct {
	TTL     *time.Duration
	ETag    string
	Headers map[string]string
}

// Tracker persists entry metadata into its own store namespace. All methods
// are safe for concurrent use as long as the underlying store applies each
// put and delete atomically.
type Tracker struct {
	store store.Store
	now   func() time.Time
}

// New builds a tracker over the given metadata namespace.
func New(st store.Store) *Tracker {
	return &Tracker{store: st, now: time.Now}
}

// RecordWrite creates or replaces the metadata for key. The access count
// resets to zero because the entry's value was just replaced.
func (t *Tracker) RecordWrite(ctx context.Context, key string, sizeBytes int64, opts WriteOptions) error {
	now := t.now().UTC()
	entry := Entry{
		Key:       key,
		CreatedAt: now,
		SizeBytes: sizeBytes,
		ETag:      opts.ETag,
		Headers:   opts.Headers,
	}
	if opts.TTL != nil {
		expires := now.Add(*opts.TTL)
		entry.ExpiresAt = &expires
	}
	return t.save(ctx, entry)
}

// RecordAccess increments the access count for key. Accessing a key without
// metadata is a no-op, not an error.
func (t *Tracker) RecordAccess(ctx context.Context, key string) error {
	entry, ok, err := t.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	entry.AccessCount++
	return t.save(ctx, entry)
}

// Get returns the metadata for key and whether it exists.
func (t *Tracker) Get(ctx context.Context, key string) (Entry, bool, error) {
	payload, ok, err := t.store.Get(ctx, key)
	if err != nil {
		return Entry{}, false, fmt.Errorf("metadata: get %s: %w", key, err)
	}
	if !ok {
		return Entry{}, false, nil
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("metadata: decode %s: %w", key, err)
	}
	return entry, true, nil
}

// Expired reports whether key exists, has an expiry, and that expiry has
// passed. Absent metadata and entries without an expiry report false.
func (t *Tracker) Expired(ctx context.Context, key string) (bool, error) {
	entry, ok, err := t.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return entry.Expired(t.now()), nil
}

// Remove deletes the metadata for key. Idempotent.
func (t *Tracker) Remove(ctx context.Context, key string) error {
	if err := t.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("metadata: remove %s: %w", key, err)
	}
	return nil
}

// Entries returns every tracked entry. The order is unspecified.
func (t *Tracker) Entries(ctx context.Context) ([]Entry, error) {
	keys, err := t.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("metadata: list keys: %w", err)
	}
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		entry, ok, err := t.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Stats aggregates entry count, estimated bytes, and currently-expired count.
func (t *Tracker) Stats(ctx context.Context) (Stats, error) {
	entries, err := t.Entries(ctx)
	if err != nil {
		return Stats{}, err
	}
	now := t.now()
	stats := Stats{Entries: len(entries)}
	for _, entry := range entries {
		stats.TotalBytes += entry.SizeBytes
		if entry.Expired(now) {
			stats.Expired++
		}
	}
	return stats, nil
}

func (t *Tracker) save(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("metadata: encode %s: %w", entry.Key, err)
	}
	if err := t.store.Put(ctx, entry.Key, payload); err != nil {
		return fmt.Errorf("metadata: put %s: %w", entry.Key, err)
	}
	return nil
}
