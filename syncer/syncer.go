// Package syncer drains the request queue against an injected network
// executor, applies conflict-resolution policy, and garbage-collects the
// cache. At most one sync pass runs per coordinator at a time.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/l0p7/offsync/cache"
	"github.com/l0p7/offsync/config"
	"github.com/l0p7/offsync/metadata"
	"github.com/l0p7/offsync/metrics"
	"github.com/l0p7/offsync/queue"
)

// ConflictResolution selects how the coordinator handles an executor-reported
// conflict: the server rejected a queued mutation because its state diverged
// from what the client assumed.
type ConflictResolution string

const (
	// ServerWins discards the local mutation and accepts server state.
	ServerWins ConflictResolution = "serverWins"
	// ClientWins resubmits the mutation once with the force marker set.
	ClientWins ConflictResolution = "clientWins"
	// Merge combines client and server payloads with the injected merge
	// function and resubmits the result.
	Merge ConflictResolution = "merge"
	// PromptUser suspends the request: it stays queued untouched and is
	// surfaced in the pass result for out-of-band resolution.
	PromptUser ConflictResolution = "promptUser"
)

// Network is the connectivity reading used to honor policy constraints.
type Network string

const (
	NetworkOffline  Network = "offline"
	NetworkCellular Network = "cellular"
	NetworkWiFi     Network = "wifi"
)

// Policy constrains when a pass may run and how conflicts resolve.
type Policy struct {
	ConflictResolution   ConflictResolution
	SyncOnlyOnWiFi       bool
	SyncOnlyWhenCharging bool
}

// Result reports one sync pass. Individual request failures do not flip
// Success; only a policy abort or an unrecoverable internal error does.
type Result struct {
	Success      bool
	SyncedCount  int
	ErrorMessage string
	Timestamp    time.Time
	// Deferred holds requests suspended under the PromptUser policy. They
	// remain queued and untouched until resolved out-of-band.
	Deferred []queue.Request
}

// ExecResult is what the injected executor reports for one request.
type ExecResult struct {
	Body []byte
	// Conflict signals the server-side state diverged from the client's
	// assumed state. ServerState carries the server's payload when known,
	// for the merge policy.
	Conflict    bool
	ServerState []byte
}

// Executor performs one queued request against the network. The coordinator
// never builds one; it is injected per instance.
type Executor interface {
	Execute(ctx context.Context, req queue.Request) (ExecResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req queue.Request) (ExecResult, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req queue.Request) (ExecResult, error) {
	return f(ctx, req)
}

// Merger combines the client payload with the server's to resolve a conflict
// under the Merge policy. Injected by the host; its failure is terminal for
// the request being merged.
type Merger func(client, server []byte) ([]byte, error)

// MetaForce is the request metadata key set on ClientWins resubmissions so
// the executor can tell a forced overwrite from a first attempt.
const MetaForce = "forceOverwrite"

// ErrSyncInProgress reports a Sync call issued while a pass is already
// running. The caller gets it immediately rather than queueing behind the
// in-flight pass.
var ErrSyncInProgress = errors.New("syncer: sync already in progress")

// Coordinator orchestrates sync passes over one queue and cache.
type Coordinator struct {
	queue *queue.Queue
	cache *cache.Store
	meta  *metadata.Tracker
	exec  Executor

	policy Policy
	merger Merger

	connectivity func() Network
	charging     func() bool

	maxRetries      int
	retryDelay      time.Duration
	retryMultiplier float64
	maxRetryDelay   time.Duration
	syncTimeout     time.Duration
	interval        time.Duration
	maxCacheBytes   int64
	maxCacheEntries int

	log      *slog.Logger
	rec      *metrics.Recorder
	onResult func(Result)
	now      func() time.Time

	mu          sync.Mutex
	syncing     bool
	nextAttempt map[string]time.Time

	tickerMu   sync.Mutex
	tickerStop chan struct{}
	tickerWG   sync.WaitGroup
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithPolicy sets the sync policy. The zero policy syncs on any connectivity
// and resolves conflicts server-wins.
func WithPolicy(p Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithMerger injects the merge capability used by the Merge policy.
func WithMerger(m Merger) Option {
	return func(c *Coordinator) { c.merger = m }
}

// WithConnectivity injects the connectivity reading consulted for the
// SyncOnlyOnWiFi constraint. Absent a signal, the constraint is treated as
// unmet and the pass aborts: the safe default is not to sync.
func WithConnectivity(fn func() Network) Option {
	return func(c *Coordinator) { c.connectivity = fn }
}

// WithCharging injects the battery reading consulted for the
// SyncOnlyWhenCharging constraint. Same safe default as connectivity.
func WithCharging(fn func() bool) Option {
	return func(c *Coordinator) { c.charging = fn }
}

// WithLogger routes coordinator telemetry to log.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithMetrics publishes pass outcomes to the recorder.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(c *Coordinator) { c.rec = rec }
}

// WithListener registers a callback invoked with every pass result.
func WithListener(fn func(Result)) Option {
	return func(c *Coordinator) { c.onResult = fn }
}

// New builds a coordinator over the given queue, cache, and executor.
func New(cfg config.Config, q *queue.Queue, cs *cache.Store, meta *metadata.Tracker, exec Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		queue:           q,
		cache:           cs,
		meta:            meta,
		exec:            exec,
		policy:          Policy{ConflictResolution: ServerWins},
		maxRetries:      cfg.Queue.MaxRetries,
		retryDelay:      cfg.Queue.RetryDelay,
		retryMultiplier: cfg.Queue.RetryMultiplier,
		maxRetryDelay:   cfg.Queue.MaxRetryDelay,
		syncTimeout:     cfg.Sync.Timeout,
		interval:        cfg.Sync.Interval,
		maxCacheBytes:   int64(cfg.Cache.MaxSizeMB) * 1024 * 1024,
		maxCacheEntries: cfg.Cache.MaxEntries,
		log:             slog.Default(),
		now:             time.Now,
		nextAttempt:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backoff returns how long to wait before the attempt after retryCount
// failures: retryDelay grown by retryMultiplier per failure, capped at
// maxRetryDelay.
func (c *Coordinator) Backoff(retryCount int) time.Duration {
	delay := time.Duration(float64(c.retryDelay) * math.Pow(c.retryMultiplier, float64(retryCount)))
	if c.maxRetryDelay > 0 && delay > c.maxRetryDelay {
		return c.maxRetryDelay
	}
	return delay
}

// Sync runs one pass: policy check, ordered drain, conflict resolution, and
// cache garbage collection. A second call while a pass is in flight returns
// ErrSyncInProgress immediately. Per-request failures never abort the pass;
// only policy aborts and persistence failures produce Success == false.
func (c *Coordinator) Sync(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if c.syncing {
		c.mu.Unlock()
		return Result{}, ErrSyncInProgress
	}
	c.syncing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.syncing = false
		c.mu.Unlock()
	}()

	start := c.now()

	if msg, ok := c.constraintUnmet(); ok {
		result := Result{Success: false, ErrorMessage: msg, Timestamp: c.now()}
		c.rec.ObserveSyncPass(metrics.SyncSkipped, 0, c.now().Sub(start))
		c.emit(result)
		return result, nil
	}

	passCtx := ctx
	if c.syncTimeout > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(ctx, c.syncTimeout)
		defer cancel()
	}

	result := Result{Success: true}
	for _, req := range c.queue.Pending() {
		// Cancellation is cooperative: checked between requests, never
		// interrupting one mid-flight.
		if passCtx.Err() != nil {
			c.log.Debug("sync pass cancelled", "remaining", true)
			break
		}
		if !req.ShouldRetry(c.maxRetries) {
			// The queue prunes exhausted requests; defend against a
			// stale snapshot anyway.
			continue
		}
		if !c.due(req.ID) {
			continue
		}
		if err := c.process(passCtx, req, &result); err != nil {
			result.Success = false
			result.ErrorMessage = err.Error()
			result.Timestamp = c.now()
			c.rec.ObserveSyncPass(metrics.SyncFailed, result.SyncedCount, c.now().Sub(start))
			c.emit(result)
			return result, err
		}
	}

	if err := c.collectGarbage(ctx); err != nil {
		result.Success = false
		result.ErrorMessage = err.Error()
		result.Timestamp = c.now()
		c.rec.ObserveSyncPass(metrics.SyncFailed, result.SyncedCount, c.now().Sub(start))
		c.emit(result)
		return result, err
	}

	result.Timestamp = c.now()
	c.rec.ObserveSyncPass(metrics.SyncCompleted, result.SyncedCount, result.Timestamp.Sub(start))
	c.emit(result)
	return result, nil
}

// process attempts one queued request. The returned error is reserved for
// persistence failures, which abort the pass; executor failures become
// retry-state transitions on the queue.
func (c *Coordinator) process(ctx context.Context, req queue.Request, result *Result) error {
	res, err := c.exec.Execute(ctx, req)
	if err != nil {
		return c.fail(ctx, req, err.Error())
	}
	if res.Conflict {
		return c.resolveConflict(ctx, req, res, result)
	}
	return c.succeed(ctx, req.ID, result)
}

func (c *Coordinator) resolveConflict(ctx context.Context, req queue.Request, res ExecResult, result *Result) error {
	switch c.policy.ConflictResolution {
	case ClientWins:
		forced := req
		forced.Metadata = cloneWith(req.Metadata, MetaForce, "true")
		retry, err := c.exec.Execute(ctx, forced)
		if err != nil {
			return c.fail(ctx, req, err.Error())
		}
		if retry.Conflict {
			return c.fail(ctx, req, "conflict persisted after forced retry")
		}
		return c.succeed(ctx, req.ID, result)

	case Merge:
		if c.merger == nil {
			return c.fail(ctx, req, "merge policy without merge function")
		}
		merged, err := c.merger(req.Body, res.ServerState)
		if err != nil {
			return c.fail(ctx, req, fmt.Sprintf("merge: %v", err))
		}
		resubmit := req
		resubmit.Body = merged
		retry, err := c.exec.Execute(ctx, resubmit)
		if err != nil {
			return c.fail(ctx, req, err.Error())
		}
		if retry.Conflict {
			return c.fail(ctx, req, "conflict persisted after merge")
		}
		return c.succeed(ctx, req.ID, result)

	case PromptUser:
		// Suspended: neither success nor failure. The request stays
		// queued untouched for a future pass.
		result.Deferred = append(result.Deferred, req)
		return nil

	default: // ServerWins
		c.log.Debug("conflict resolved server-wins", "id", req.ID, "url", req.URL)
		return c.succeed(ctx, req.ID, result)
	}
}

func (c *Coordinator) succeed(ctx context.Context, id string, result *Result) error {
	// Bookkeeping must land even after the pass deadline fires: the write is
	// what records the attempt's outcome.
	if err := c.queue.MarkSucceeded(context.WithoutCancel(ctx), id); err != nil {
		return fmt.Errorf("syncer: mark succeeded %s: %w", id, err)
	}
	c.mu.Lock()
	delete(c.nextAttempt, id)
	c.mu.Unlock()
	result.SyncedCount++
	return nil
}

func (c *Coordinator) fail(ctx context.Context, req queue.Request, cause string) error {
	updated, removed, err := c.queue.MarkFailed(context.WithoutCancel(ctx), req.ID, cause)
	if err != nil {
		return fmt.Errorf("syncer: mark failed %s: %w", req.ID, err)
	}
	c.mu.Lock()
	if removed {
		delete(c.nextAttempt, req.ID)
	} else {
		c.nextAttempt[req.ID] = c.now().Add(c.Backoff(updated.RetryCount))
	}
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) due(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.nextAttempt[id]
	return !ok || !c.now().Before(at)
}

func (c *Coordinator) constraintUnmet() (string, bool) {
	if c.policy.SyncOnlyOnWiFi {
		if c.connectivity == nil || c.connectivity() != NetworkWiFi {
			return "policy constraint unmet", true
		}
	}
	if c.policy.SyncOnlyWhenCharging {
		if c.charging == nil || !c.charging() {
			return "policy constraint unmet", true
		}
	}
	return "", false
}

// collectGarbage purges cache entries whose metadata says they expired, then
// evicts lowest-access-count entries until the cache is back under its entry
// and byte budgets.
func (c *Coordinator) collectGarbage(ctx context.Context) error {
	entries, err := c.meta.Entries(ctx)
	if err != nil {
		return fmt.Errorf("syncer: gc metadata: %w", err)
	}

	now := c.now()
	live := entries[:0]
	for _, entry := range entries {
		if entry.Expired(now) {
			if err := c.cache.Delete(ctx, entry.Key); err != nil {
				return fmt.Errorf("syncer: gc purge %s: %w", entry.Key, err)
			}
			continue
		}
		live = append(live, entry)
	}

	overBudget := func(entries []metadata.Entry) bool {
		if c.maxCacheEntries > 0 && len(entries) > c.maxCacheEntries {
			return true
		}
		if c.maxCacheBytes > 0 {
			var total int64
			for _, e := range entries {
				total += e.SizeBytes
			}
			return total > c.maxCacheBytes
		}
		return false
	}
	if !overBudget(live) {
		return nil
	}

	// Approximate LRU: coldest entries go first; among equally cold
	// entries, the largest frees the most room.
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].AccessCount != live[j].AccessCount {
			return live[i].AccessCount < live[j].AccessCount
		}
		return live[i].SizeBytes > live[j].SizeBytes
	})
	for len(live) > 0 && overBudget(live) {
		victim := live[0]
		if err := c.cache.Delete(ctx, victim.Key); err != nil {
			return fmt.Errorf("syncer: gc evict %s: %w", victim.Key, err)
		}
		c.log.Debug("evicted cache entry", "key", victim.Key, "accessCount", victim.AccessCount, "sizeBytes", victim.SizeBytes)
		live = live[1:]
	}
	return nil
}

// Start launches the periodic sync ticker. Each tick triggers one pass; a
// tick landing while a pass is running is skipped. Stop cancels future ticks
// without affecting an in-flight pass.
func (c *Coordinator) Start(ctx context.Context) {
	c.tickerMu.Lock()
	defer c.tickerMu.Unlock()
	if c.tickerStop != nil {
		return
	}
	stop := make(chan struct{})
	c.tickerStop = stop

	c.tickerWG.Add(1)
	go func() {
		defer c.tickerWG.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if _, err := c.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
					c.log.Error("periodic sync failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the periodic ticker and waits for its goroutine to exit. The
// coordinator remains usable for manual Sync calls.
func (c *Coordinator) Stop() {
	c.tickerMu.Lock()
	stop := c.tickerStop
	c.tickerStop = nil
	c.tickerMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	c.tickerWG.Wait()
}

func (c *Coordinator) emit(result Result) {
	if c.onResult != nil {
		c.onResult(result)
	}
}

func cloneWith(m map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}
