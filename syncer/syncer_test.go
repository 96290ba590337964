package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/offsync/cache"
	"github.com/l0p7/offsync/config"
	"github.com/l0p7/offsync/metadata"
	"github.com/l0p7/offsync/queue"
	"github.com/l0p7/offsync/store"
)

func testConfig() config.Config {
	return config.Config{
		Cache: config.CacheConfig{},
		Queue: config.QueueConfig{
			MaxRetries:      3,
			RetryDelay:      time.Millisecond,
			MaxRetryDelay:   time.Second,
			RetryMultiplier: 2,
		},
		Sync: config.SyncConfig{
			Interval: 5 * time.Millisecond,
			Timeout:  5 * time.Second,
		},
	}
}

type fixture struct {
	cfg     config.Config
	tracker *metadata.Tracker
	cache   *cache.Store
	queue   *queue.Queue
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	tracker := metadata.New(store.NewMemory())
	cs := cache.New(store.NewMemory(), tracker)
	q, err := queue.New(context.Background(), nil, 0, cfg.Queue.MaxRetries)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return &fixture{cfg: cfg, tracker: tracker, cache: cs, queue: q}
}

func (f *fixture) coordinator(exec Executor, opts ...Option) *Coordinator {
	return New(f.cfg, f.queue, f.cache, f.tracker, exec, opts...)
}

// recordingExecutor captures every request it sees and answers from script,
// keyed by request ID. Unknown requests succeed.
type recordingExecutor struct {
	mu     sync.Mutex
	calls  []queue.Request
	script map[string]func(queue.Request) (ExecResult, error)
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{script: make(map[string]func(queue.Request) (ExecResult, error))}
}

func (e *recordingExecutor) on(id string, fn func(queue.Request) (ExecResult, error)) {
	e.script[id] = fn
}

func (e *recordingExecutor) Execute(_ context.Context, req queue.Request) (ExecResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	e.mu.Unlock()
	if fn, ok := e.script[req.ID]; ok {
		return fn(req)
	}
	return ExecResult{}, nil
}

func (e *recordingExecutor) calledIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.calls))
	for _, req := range e.calls {
		ids = append(ids, req.ID)
	}
	return ids
}

func enqueue(t *testing.T, q *queue.Queue, req queue.Request) queue.Request {
	t.Helper()
	out, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return out
}

func TestSyncDrainsQueueInOrder(t *testing.T) {
	f := newFixture(t, testConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	enqueue(t, f.queue, queue.Request{ID: "low", Priority: queue.PriorityLow, CreatedAt: base})
	enqueue(t, f.queue, queue.Request{ID: "high", Priority: queue.PriorityHigh, CreatedAt: base.Add(time.Second)})
	enqueue(t, f.queue, queue.Request{ID: "normal", Priority: queue.PriorityNormal, CreatedAt: base})

	exec := newRecordingExecutor()
	c := f.coordinator(exec)

	result, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 3, result.SyncedCount)
	require.Empty(t, result.ErrorMessage)
	require.Equal(t, 0, f.queue.Size())
	require.Equal(t, []string{"high", "normal", "low"}, exec.calledIDs())
}

func TestPartialFailureStillSucceeds(t *testing.T) {
	f := newFixture(t, testConfig())
	enqueue(t, f.queue, queue.Request{ID: "a"})
	enqueue(t, f.queue, queue.Request{ID: "b"})
	enqueue(t, f.queue, queue.Request{ID: "c"})

	exec := newRecordingExecutor()
	exec.on("b", func(queue.Request) (ExecResult, error) {
		return ExecResult{}, errors.New("503 service unavailable")
	})
	c := f.coordinator(exec)

	result, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 2, result.SyncedCount)

	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "b", pending[0].ID)
	require.Equal(t, 1, pending[0].RetryCount)
	require.Equal(t, "503 service unavailable", pending[0].LastError)
}

func TestPolicyConstraintAborts(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{
			name: "wifi required but on cellular",
			opts: []Option{
				WithPolicy(Policy{SyncOnlyOnWiFi: true}),
				WithConnectivity(func() Network { return NetworkCellular }),
			},
		},
		{
			name: "wifi required but no signal",
			opts: []Option{WithPolicy(Policy{SyncOnlyOnWiFi: true})},
		},
		{
			name: "charging required but on battery",
			opts: []Option{
				WithPolicy(Policy{SyncOnlyWhenCharging: true}),
				WithCharging(func() bool { return false }),
			},
		},
		{
			name: "charging required but no signal",
			opts: []Option{WithPolicy(Policy{SyncOnlyWhenCharging: true})},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, testConfig())
			enqueue(t, f.queue, queue.Request{ID: "queued"})

			exec := newRecordingExecutor()
			c := f.coordinator(exec, tc.opts...)

			result, err := c.Sync(context.Background())
			require.NoError(t, err)
			require.False(t, result.Success)
			require.Equal(t, 0, result.SyncedCount)
			require.NotEmpty(t, result.ErrorMessage)
			require.Empty(t, exec.calledIDs())
			require.Equal(t, 1, f.queue.Size())
		})
	}
}

func TestPolicyConstraintsMet(t *testing.T) {
	f := newFixture(t, testConfig())
	enqueue(t, f.queue, queue.Request{ID: "queued"})

	exec := newRecordingExecutor()
	c := f.coordinator(exec,
		WithPolicy(Policy{SyncOnlyOnWiFi: true, SyncOnlyWhenCharging: true}),
		WithConnectivity(func() Network { return NetworkWiFi }),
		WithCharging(func() bool { return true }),
	)

	result, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.SyncedCount)
}

func TestSyncInProgress(t *testing.T) {
	f := newFixture(t, testConfig())
	enqueue(t, f.queue, queue.Request{ID: "slow"})

	entered := make(chan struct{})
	release := make(chan struct{})
	exec := ExecutorFunc(func(context.Context, queue.Request) (ExecResult, error) {
		close(entered)
		<-release
		return ExecResult{}, nil
	})
	c := f.coordinator(exec)

	done := make(chan error, 1)
	go func() {
		_, err := c.Sync(context.Background())
		done <- err
	}()
	<-entered

	_, err := c.Sync(context.Background())
	require.ErrorIs(t, err, ErrSyncInProgress)

	close(release)
	require.NoError(t, <-done)

	// Once the pass finishes, the coordinator accepts new passes.
	_, err = c.Sync(context.Background())
	require.NoError(t, err)
}

func TestConflictServerWins(t *testing.T) {
	f := newFixture(t, testConfig())
	enqueue(t, f.queue, queue.Request{ID: "conflicted"})

	exec := newRecordingExecutor()
	exec.on("conflicted", func(queue.Request) (ExecResult, error) {
		return ExecResult{Conflict: true, ServerState: []byte(`{"v":2}`)}, nil
	})
	c := f.coordinator(exec, WithPolicy(Policy{ConflictResolution: ServerWins}))

	result, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.SyncedCount)
	require.Equal(t, 0, f.queue.Size())
}

func TestConflictClientWins(t *testing.T) {
	f := newFixture(t, testConfig())
	enqueue(t, f.queue, queue.Request{ID: "conflicted", Body: []byte(`{"v":1}`)})

	exec := newRecordingExecutor()
	attempt := 0
	exec.on("conflicted", func(req queue.Request) (ExecResult, error) {
		attempt++
		if attempt == 1 {
			return ExecResult{Conflict: true}, nil
		}
		return ExecResult{}, nil
	})
	c := f.coordinator(exec, WithPolicy(Policy{ConflictResolution: ClientWins}))

	result, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.SyncedCount)
	require.Equal(t, 0, f.queue.Size())

	// The resubmission carries the force marker; the original did not.
	require.Len(t, exec.calls, 2)
	require.Empty(t, exec.calls[0].Metadata[MetaForce])
	require.Equal(t, "true", exec.calls[1].Metadata[MetaForce])
	require.Equal(t, []byte(`{"v":1}`), exec.calls[1].Body)
}

func TestConflictClientWinsStillConflicted(t *testing.T) {
	f := newFixture(t, testConfig())
	enqueue(t, f.queue, queue.Request{ID: "stubborn"})

	exec := newRecordingExecutor()
	exec.on("stubborn", func(queue.Request) (ExecResult, error) {
		return ExecResult{Conflict: true}, nil
	})
	c := f.coordinator(exec, WithPolicy(Policy{ConflictResolution: ClientWins}))

	result, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 0, result.SyncedCount)

	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].RetryCount)
}

func TestConflictMerge(t *testing.T) {
	f := newFixture(t, testConfig())
	enqueue(t, f.queue, queue.Request{ID: "conflicted", Body: []byte("client")})

	exec := newRecordingExecutor()
	attempt := 0
	exec.on("conflicted", func(req queue.Request) (ExecResult, error) {
		attempt++
		if attempt == 1 {
			return ExecResult{Conflict: true, ServerState: []byte("server")}, nil
		}
		return ExecResult{}, nil
	})
	merger := func(client, server []byte) ([]byte, error) {
		return append(append([]byte{}, client...), server...), nil
	}
	c := f.coordinator(exec, WithPolicy(Policy{ConflictResolution: Merge}), WithMerger(merger))

	result, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.SyncedCount)
	require.Len(t, exec.calls, 2)
	require.Equal(t, []byte("clientserver"), exec.calls[1].Body)
}

func TestConflictMergeFunctionFails(t *testing.T) {
	f := newFixture(t, testConfig())
	enqueue(t, f.queue, queue.Request{ID: "conflicted"})

	exec := newRecordingExecutor()
	exec.on("conflicted", func(queue.Request) (ExecResult, error) {
		return ExecResult{Conflict: true}, nil
	})
	merger := func(client, server []byte) ([]byte, error) {
		return nil, errors.New("incompatible shapes")
	}
	c := f.coordinator(exec, WithPolicy(Policy{ConflictResolution: Merge}), WithMerger(merger))

	result, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 0, result.SyncedCount)

	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	require.Contains(t, pending[0].LastError, "merge")
}

func TestConflictMergeWithoutMerger(t *testing.T) {
	f := newFixture(t, testConfig())
	enqueue(t, f.queue, queue.Request{ID: "conflicted"})

	exec := newRecordingExecutor()
	exec.on("conflicted", func(queue.Request) (ExecResult, error) {
		return ExecResult{Conflict: true}, nil
	})
	c := f.coordinator(exec, WithPolicy(Policy{ConflictResolution: Merge}))

	result, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result.SyncedCount)
	require.Equal(t, 1, f.queue.Size())
}

func TestConflictPromptUserDefers(t *testing.T) {
	f := newFixture(t, testConfig())
	enqueue(t, f.queue, queue.Request{ID: "needs-human"})
	enqueue(t, f.queue, queue.Request{ID: "fine"})

	exec := newRecordingExecutor()
	exec.on("needs-human", func(queue.Request) (ExecResult, error) {
		return ExecResult{Conflict: true}, nil
	})
	c := f.coordinator(exec, WithPolicy(Policy{ConflictResolution: PromptUser}))

	result, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.SyncedCount)
	require.Len(t, result.Deferred, 1)
	require.Equal(t, "needs-human", result.Deferred[0].ID)

	// Deferred requests stay queued, untouched.
	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "needs-human", pending[0].ID)
	require.Equal(t, 0, pending[0].RetryCount)
}

func TestRetryExhaustionRemoves(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.MaxRetries = 1
	f := newFixture(t, cfg)
	enqueue(t, f.queue, queue.Request{ID: "doomed"})

	exec := newRecordingExecutor()
	exec.on("doomed", func(queue.Request) (ExecResult, error) {
		return ExecResult{}, errors.New("400 bad request")
	})
	c := f.coordinator(exec)

	result, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 0, result.SyncedCount)
	require.Equal(t, 0, f.queue.Size())
}

func TestBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.RetryDelay = 100 * time.Millisecond
	cfg.Queue.RetryMultiplier = 2
	cfg.Queue.MaxRetryDelay = time.Second
	f := newFixture(t, cfg)
	c := f.coordinator(newRecordingExecutor())

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, c.Backoff(tc.retryCount), "retryCount=%d", tc.retryCount)
	}
}

func TestBackoffDelaysNextAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.RetryDelay = time.Hour
	cfg.Queue.MaxRetryDelay = 24 * time.Hour
	f := newFixture(t, cfg)
	enqueue(t, f.queue, queue.Request{ID: "flaky"})

	exec := newRecordingExecutor()
	exec.on("flaky", func(queue.Request) (ExecResult, error) {
		return ExecResult{}, errors.New("transient")
	})
	c := f.coordinator(exec)

	_, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, exec.calls, 1)

	// The retry window has not elapsed: the next pass leaves it alone.
	_, err = c.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, exec.calls, 1)
	require.Equal(t, 1, f.queue.Size())

	// Once the window elapses the request is attempted again.
	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = c.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, exec.calls, 2)
}

// deadlineStore refuses all I/O once its context is done, the way the badger
// and valkey backends do.
type deadlineStore struct {
	inner store.Store
}

func (s *deadlineStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return s.inner.Get(ctx, key)
}

func (s *deadlineStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.inner.Put(ctx, key, value)
}

func (s *deadlineStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.inner.Delete(ctx, key)
}

func (s *deadlineStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.inner.Keys(ctx)
}

func (s *deadlineStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.inner.Clear(ctx)
}

func (s *deadlineStore) Close(ctx context.Context) error {
	return s.inner.Close(ctx)
}

func TestTimeoutStillRecordsFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Sync.Timeout = 30 * time.Millisecond

	tracker := metadata.New(store.NewMemory())
	cs := cache.New(store.NewMemory(), tracker)
	t.Cleanup(func() { _ = cs.Close() })

	persist := &deadlineStore{inner: store.NewMemory()}
	q, err := queue.New(ctx, persist, 0, cfg.Queue.MaxRetries)
	require.NoError(t, err)
	enqueue(t, q, queue.Request{ID: "slow"})

	exec := ExecutorFunc(func(execCtx context.Context, _ queue.Request) (ExecResult, error) {
		<-execCtx.Done()
		return ExecResult{}, execCtx.Err()
	})
	c := New(cfg, q, cs, tracker, exec)

	// The timed-out request becomes a recorded failure, not a pass abort:
	// its bookkeeping write must not be rejected by the expired deadline.
	result, err := c.Sync(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 0, result.SyncedCount)

	pending := q.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].RetryCount)
	require.Contains(t, pending[0].LastError, "context deadline exceeded")

	// The retry state reached the persistence layer too.
	restored, err := queue.New(ctx, persist, 0, cfg.Queue.MaxRetries)
	require.NoError(t, err)
	require.Equal(t, 1, restored.Pending()[0].RetryCount)
}

func TestCancellationBetweenRequests(t *testing.T) {
	f := newFixture(t, testConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	enqueue(t, f.queue, queue.Request{ID: "first", CreatedAt: base})
	enqueue(t, f.queue, queue.Request{ID: "second", CreatedAt: base.Add(time.Second)})

	ctx, cancel := context.WithCancel(context.Background())
	exec := newRecordingExecutor()
	exec.on("first", func(queue.Request) (ExecResult, error) {
		cancel()
		return ExecResult{}, nil
	})
	c := f.coordinator(exec)

	result, err := c.Sync(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.SyncedCount)

	// The in-flight request completed; the rest were left for later.
	require.Equal(t, []string{"first"}, exec.calledIDs())
	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "second", pending[0].ID)
	require.Equal(t, 0, pending[0].RetryCount)
}

func TestGarbageCollectionPurgesExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	require.NoError(t, f.cache.Put(ctx, "fresh", []byte("keep"), cache.Policy{TTL: cache.TTL(time.Hour)}))
	require.NoError(t, f.cache.Put(ctx, "stale", []byte("drop"), cache.Policy{TTL: cache.TTL(-time.Second)}))

	c := f.coordinator(newRecordingExecutor())
	result, err := c.Sync(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)

	_, err = f.cache.Get(ctx, "stale", cache.Policy{Strategy: cache.CacheOnly}, nil)
	require.ErrorIs(t, err, cache.ErrCacheMiss)

	value, err := f.cache.Get(ctx, "fresh", cache.Policy{Strategy: cache.CacheOnly}, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("keep"), value)
}

func TestGarbageCollectionEvictsColdest(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Cache.MaxEntries = 2
	f := newFixture(t, cfg)

	require.NoError(t, f.cache.Put(ctx, "hot", []byte("a"), cache.Policy{}))
	require.NoError(t, f.cache.Put(ctx, "warm", []byte("b"), cache.Policy{}))
	require.NoError(t, f.cache.Put(ctx, "cold", []byte("c"), cache.Policy{}))
	for i := 0; i < 5; i++ {
		require.NoError(t, f.tracker.RecordAccess(ctx, "hot"))
	}
	require.NoError(t, f.tracker.RecordAccess(ctx, "warm"))

	c := f.coordinator(newRecordingExecutor())
	result, err := c.Sync(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)

	_, err = f.cache.Get(ctx, "cold", cache.Policy{Strategy: cache.CacheOnly}, nil)
	require.ErrorIs(t, err, cache.ErrCacheMiss)
	for _, key := range []string{"hot", "warm"} {
		_, err := f.cache.Get(ctx, key, cache.Policy{Strategy: cache.CacheOnly}, nil)
		require.NoError(t, err, "key %s should survive eviction", key)
	}
}

func TestListenerReceivesResult(t *testing.T) {
	f := newFixture(t, testConfig())
	enqueue(t, f.queue, queue.Request{ID: "a"})

	var results []Result
	c := f.coordinator(newRecordingExecutor(), WithListener(func(r Result) { results = append(results, r) }))

	_, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Equal(t, 1, results[0].SyncedCount)
	require.False(t, results[0].Timestamp.IsZero())
}

func TestAutoSync(t *testing.T) {
	f := newFixture(t, testConfig())
	enqueue(t, f.queue, queue.Request{ID: "pending"})

	c := f.coordinator(newRecordingExecutor())
	c.Start(context.Background())
	defer c.Stop()

	require.Eventually(t, func() bool { return f.queue.Size() == 0 },
		time.Second, time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.coordinator(newRecordingExecutor())

	c.Start(context.Background())
	c.Stop()
	c.Stop()

	// Restart after stop works.
	c.Start(context.Background())
	c.Stop()
}
