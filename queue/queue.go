// Package queue implements the durable, priority-ordered store of pending
// network mutations. The queue is a pure data structure: it tracks retry
// state but never sleeps or executes requests itself; timing policy belongs
// to the sync coordinator.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/l0p7/offsync/metrics"
	"github.com/l0p7/offsync/store"
)

// Priority orders queued requests. High drains before normal before low;
// within one band requests keep first-in-first-out order.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Request is one queued mutation awaiting network availability. The URL and
// body are opaque to the queue; the injected executor interprets them.
type Request struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	Priority   Priority          `json:"priority"`
	RetryCount int               `json:"retryCount"`
	LastError  string            `json:"lastError,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	seq uint64
}

// ShouldRetry reports whether the request has attempts left.
func (r Request) ShouldRetry(maxRetries int) bool {
	return r.RetryCount < maxRetries
}

// ErrQueueFull reports an enqueue rejected because the queue reached its
// configured size cap. Rejection is deliberate: dropping entries silently
// would lose offline mutations without the caller knowing.
var ErrQueueFull = errors.New("queue: full")

// Queue holds pending requests in memory, optionally mirroring every
// mutation to a persistent namespace before the call returns so a crash
// between operations never loses or duplicates a request.
type Queue struct {
	mu      sync.Mutex
	pending map[string]Request
	nextSeq uint64

	persist    store.Store
	maxSize    int
	maxRetries int

	log      *slog.Logger
	rec      *metrics.Recorder
	onChange func(size int)
	now      func() time.Time
}

// Option customizes a Queue.
type Option func(*Queue)

// WithLogger routes queue telemetry to log.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// WithMetrics publishes depth and mutation counts to the recorder.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(q *Queue) { q.rec = rec }
}

// WithListener registers a callback invoked with the queue size after every
// mutation. Observational only; invoked synchronously under no lock.
func WithListener(fn func(size int)) Option {
	return func(q *Queue) { q.onChange = fn }
}

// New builds a queue. When persist is non-nil every mutation is written
// through to it and any previously persisted requests are restored, so
// pending work survives restarts. maxSize zero means unbounded.
func New(ctx context.Context, persist store.Store, maxSize, maxRetries int, opts ...Option) (*Queue, error) {
	q := &Queue{
		pending:    make(map[string]Request),
		persist:    persist,
		maxSize:    maxSize,
		maxRetries: maxRetries,
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if persist != nil {
		if err := q.restore(ctx); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (q *Queue) restore(ctx context.Context) error {
	keys, err := q.persist.Keys(ctx)
	if err != nil {
		return fmt.Errorf("queue: restore keys: %w", err)
	}
	for _, key := range keys {
		payload, ok, err := q.persist.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("queue: restore %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("queue: decode %s: %w", key, err)
		}
		q.nextSeq++
		req.seq = q.nextSeq
		q.pending[req.ID] = req
	}
	q.log.Debug("queue restored", "pending", len(q.pending))
	return nil
}

// Enqueue appends a request. A missing ID is filled with a fresh UUID and a
// zero CreatedAt with the current time; the populated request is returned.
// Fails with ErrQueueFull when the size cap is reached.
func (q *Queue) Enqueue(ctx context.Context, req Request) (Request, error) {
	q.mu.Lock()
	if q.maxSize > 0 && len(q.pending) >= q.maxSize {
		q.mu.Unlock()
		return Request{}, ErrQueueFull
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = q.now().UTC()
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	q.nextSeq++
	req.seq = q.nextSeq

	if err := q.put(ctx, req); err != nil {
		q.mu.Unlock()
		return Request{}, err
	}
	q.pending[req.ID] = req
	size := len(q.pending)
	q.mu.Unlock()

	q.rec.ObserveQueueOperation("enqueue")
	q.notify(size)
	return req, nil
}

// Pending returns the queued requests sorted by priority descending, then by
// CreatedAt ascending within a band. Retried requests keep their original
// CreatedAt, so ordering is stable across passes. Pure read.
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	requests := make([]Request, 0, len(q.pending))
	for _, req := range q.pending {
		requests = append(requests, req)
	}
	q.mu.Unlock()

	sort.SliceStable(requests, func(i, j int) bool {
		if ri, rj := requests[i].Priority.rank(), requests[j].Priority.rank(); ri != rj {
			return ri > rj
		}
		if !requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].CreatedAt.Before(requests[j].CreatedAt)
		}
		return requests[i].seq < requests[j].seq
	})
	return requests
}

// Size reports the number of pending requests.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// MarkSucceeded removes the request permanently. Calling it again for the
// same id is a no-op.
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	q.mu.Lock()
	if _, ok := q.pending[id]; !ok {
		q.mu.Unlock()
		return nil
	}
	if err := q.delete(ctx, id); err != nil {
		q.mu.Unlock()
		return err
	}
	delete(q.pending, id)
	size := len(q.pending)
	q.mu.Unlock()

	q.rec.ObserveQueueOperation("succeeded")
	q.notify(size)
	return nil
}

// MarkFailed records a failed attempt: the retry count is incremented and the
// cause stored. When the request exhausts its retries it is removed rather
// than retried further; the returned snapshot is the caller's only chance to
// inspect it. The removed result reports that case. Unknown ids are a no-op.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause string) (Request, bool, error) {
	q.mu.Lock()
	req, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return Request{}, false, nil
	}
	req.RetryCount++
	req.LastError = cause

	exhausted := !req.ShouldRetry(q.maxRetries)
	if exhausted {
		if err := q.delete(ctx, id); err != nil {
			q.mu.Unlock()
			return Request{}, false, err
		}
		delete(q.pending, id)
	} else {
		if err := q.put(ctx, req); err != nil {
			q.mu.Unlock()
			return Request{}, false, err
		}
		q.pending[id] = req
	}
	size := len(q.pending)
	q.mu.Unlock()

	if exhausted {
		q.rec.ObserveQueueOperation("exhausted")
		q.log.Warn("request exhausted retries", "id", req.ID, "method", req.Method, "url", req.URL, "error", cause)
	} else {
		q.rec.ObserveQueueOperation("failed")
	}
	q.notify(size)
	return req, exhausted, nil
}

// Clear removes every pending request unconditionally.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	if q.persist != nil {
		if err := q.persist.Clear(ctx); err != nil {
			q.mu.Unlock()
			return fmt.Errorf("queue: clear: %w", err)
		}
	}
	q.pending = make(map[string]Request)
	q.mu.Unlock()

	q.rec.ObserveQueueOperation("clear")
	q.notify(0)
	return nil
}

func (q *Queue) put(ctx context.Context, req Request) error {
	if q.persist == nil {
		return nil
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("queue: encode %s: %w", req.ID, err)
	}
	if err := q.persist.Put(ctx, req.ID, payload); err != nil {
		return fmt.Errorf("queue: persist %s: %w", req.ID, err)
	}
	return nil
}

func (q *Queue) delete(ctx context.Context, id string) error {
	if q.persist == nil {
		return nil
	}
	if err := q.persist.Delete(ctx, id); err != nil {
		return fmt.Errorf("queue: unpersist %s: %w", id, err)
	}
	return nil
}

func (q *Queue) notify(size int) {
	q.rec.ObserveQueueDepth(size)
	if q.onChange != nil {
		q.onChange(size)
	}
}
