// Package offsync provides an offline-first data layer: a strategy-driven
// read cache, a durable priority queue for deferred mutations, and a sync
// coordinator that drains the queue when the host decides conditions allow.
//
// The package owns no network stack and no platform signals. The host injects
// an Executor for network calls and, optionally, connectivity and charging
// readings for sync policy. Everything persists through a single store.Store,
// partitioned into namespaces so cache values, cache metadata, and queued
// requests never collide.
package offsync

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/l0p7/offsync/cache"
	"github.com/l0p7/offsync/config"
	"github.com/l0p7/offsync/logging"
	"github.com/l0p7/offsync/metadata"
	"github.com/l0p7/offsync/metrics"
	"github.com/l0p7/offsync/queue"
	"github.com/l0p7/offsync/store"
	"github.com/l0p7/offsync/syncer"
)

// Namespace prefixes carving the physical store into independent keyspaces.
const (
	nsValues   = "cache"
	nsMetadata = "meta"
	nsQueue    = "queue"
)

// Manager wires the cache, queue, and sync coordinator over one backing
// store. Build it with New; the zero value is not usable.
type Manager struct {
	cfg   config.Config
	log   *slog.Logger
	rec   *metrics.Recorder
	store store.Store

	cache       *cache.Store
	queue       *queue.Queue
	coordinator *syncer.Coordinator
}

type managerOptions struct {
	log          *slog.Logger
	rec          *metrics.Recorder
	policy       *syncer.Policy
	merger       syncer.Merger
	connectivity func() syncer.Network
	charging     func() bool
	queueChange  func(int)
	syncResult   func(syncer.Result)
}

// Option customizes a Manager.
type Option func(*managerOptions)

// WithLogger overrides the logger built from the config's logging section.
func WithLogger(log *slog.Logger) Option {
	return func(o *managerOptions) { o.log = log }
}

// WithMetrics publishes cache, queue, and sync telemetry to the recorder.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(o *managerOptions) { o.rec = rec }
}

// WithSyncPolicy sets the sync constraints and conflict-resolution mode.
func WithSyncPolicy(p syncer.Policy) Option {
	return func(o *managerOptions) { o.policy = &p }
}

// WithMerger injects the merge function used by the merge conflict policy.
func WithMerger(m syncer.Merger) Option {
	return func(o *managerOptions) { o.merger = m }
}

// WithConnectivity injects the connectivity reading consulted by sync policy.
func WithConnectivity(fn func() syncer.Network) Option {
	return func(o *managerOptions) { o.connectivity = fn }
}

// WithCharging injects the charging reading consulted by sync policy.
func WithCharging(fn func() bool) Option {
	return func(o *managerOptions) { o.charging = fn }
}

// WithQueueListener registers a callback invoked with the pending count after
// every queue mutation.
func WithQueueListener(fn func(size int)) Option {
	return func(o *managerOptions) { o.queueChange = fn }
}

// WithSyncListener registers a callback invoked with every sync pass result.
func WithSyncListener(fn func(syncer.Result)) Option {
	return func(o *managerOptions) { o.syncResult = fn }
}

// New validates cfg and assembles the offline layer over st. The executor
// performs queued requests during sync passes. New restores any persisted
// queue state before returning.
func New(ctx context.Context, cfg config.Config, st store.Store, exec syncer.Executor, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("offsync: nil store")
	}
	if exec == nil {
		return nil, fmt.Errorf("offsync: nil executor")
	}

	var o managerOptions
	for _, opt := range opts {
		opt(&o)
	}

	log := o.log
	if log == nil {
		var err error
		log, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
	}

	tracker := metadata.New(store.Namespaced(st, nsMetadata))

	cacheOpts := []cache.Option{cache.WithLogger(log), cache.WithMetrics(o.rec)}
	if cfg.Cache.DefaultTTL > 0 {
		cacheOpts = append(cacheOpts, cache.WithDefaultTTL(cfg.Cache.DefaultTTL))
	}
	cs := cache.New(store.Namespaced(st, nsValues), tracker, cacheOpts...)

	var queuePersist store.Store
	if cfg.Queue.Persistence {
		queuePersist = store.Namespaced(st, nsQueue)
	}
	queueOpts := []queue.Option{queue.WithLogger(log), queue.WithMetrics(o.rec)}
	if o.queueChange != nil {
		queueOpts = append(queueOpts, queue.WithListener(o.queueChange))
	}
	q, err := queue.New(ctx, queuePersist, cfg.Queue.MaxSize, cfg.Queue.MaxRetries, queueOpts...)
	if err != nil {
		return nil, err
	}

	syncOpts := []syncer.Option{syncer.WithLogger(log), syncer.WithMetrics(o.rec)}
	if o.policy != nil {
		syncOpts = append(syncOpts, syncer.WithPolicy(*o.policy))
	}
	if o.merger != nil {
		syncOpts = append(syncOpts, syncer.WithMerger(o.merger))
	}
	if o.connectivity != nil {
		syncOpts = append(syncOpts, syncer.WithConnectivity(o.connectivity))
	}
	if o.charging != nil {
		syncOpts = append(syncOpts, syncer.WithCharging(o.charging))
	}
	if o.syncResult != nil {
		syncOpts = append(syncOpts, syncer.WithListener(o.syncResult))
	}
	coordinator := syncer.New(cfg, q, cs, tracker, exec, syncOpts...)

	return &Manager{
		cfg:         cfg,
		log:         log,
		rec:         o.rec,
		store:       st,
		cache:       cs,
		queue:       q,
		coordinator: coordinator,
	}, nil
}

// Cache exposes the strategy-driven read cache.
func (m *Manager) Cache() *cache.Store { return m.cache }

// Queue exposes the durable request queue.
func (m *Manager) Queue() *queue.Queue { return m.queue }

// Syncer exposes the sync coordinator.
func (m *Manager) Syncer() *syncer.Coordinator { return m.coordinator }

// Get reads key under the given policy, fetching from the network through
// fetch when the strategy calls for it.
func (m *Manager) Get(ctx context.Context, key string, policy cache.Policy, fetch cache.Fetcher) ([]byte, error) {
	return m.cache.Get(ctx, key, policy, fetch)
}

// Enqueue defers a mutation for the next sync pass.
func (m *Manager) Enqueue(ctx context.Context, req queue.Request) (queue.Request, error) {
	return m.queue.Enqueue(ctx, req)
}

// Sync runs one sync pass immediately.
func (m *Manager) Sync(ctx context.Context) (syncer.Result, error) {
	return m.coordinator.Sync(ctx)
}

// StartAutoSync launches the periodic sync ticker when the config enables it.
func (m *Manager) StartAutoSync(ctx context.Context) {
	if !m.cfg.Sync.Auto {
		return
	}
	m.coordinator.Start(ctx)
}

// Close stops background work and releases the backing store. In-flight
// background cache refreshes are waited for, not abandoned.
func (m *Manager) Close(ctx context.Context) error {
	m.coordinator.Stop()
	m.cache.Close()
	return m.store.Close(ctx)
}
