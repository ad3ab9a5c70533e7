// Package queue holds new session requests until the distributor finds a slot
// for them. Every request carries a future that is resolved exactly once: by
// the distributor after it claims the request, by the expiry sweep, or by an
// explicit clear. Remove is the single commit point deciding who resolves it.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/grid-mini/internal/events"
	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// ErrUnknownRequest is returned by Wait for ids the queue never issued or
// whose waiter has already returned.
var ErrUnknownRequest = errors.New("unknown new session request")

// Options configures a Queue
type Options struct {
	// Capacity bounds the number of pending requests. Zero means unbounded.
	Capacity int
	// RequestTimeout is how long a request may wait for a slot
	RequestTimeout time.Duration
	// SweepInterval is how often Run looks for expired requests
	SweepInterval time.Duration
}

// DefaultOptions mirrors the grid's stock configuration
func DefaultOptions() Options {
	return Options{
		Capacity:       0,
		RequestTimeout: 5 * time.Minute,
		SweepInterval:  time.Second,
	}
}

// Result is the outcome delivered to a blocked requester
type Result struct {
	Session *models.Session
	Err     error
}

type waiter struct {
	req    models.SessionRequest
	result chan Result

	mu        sync.Mutex
	waiting   bool
	delivered bool
}

// deliver hands res to the requester unless it already gave up or got a result
func (w *waiter) deliver(res Result) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.waiting || w.delivered {
		return false
	}
	w.delivered = true
	w.result <- res
	return true
}

// abandon marks the requester as gone and returns a result that raced in
func (w *waiter) abandon() (Result, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.waiting = false
	select {
	case res := <-w.result:
		return res, true
	default:
		return Result{}, false
	}
}

// Queue is a FIFO of pending new session requests
type Queue struct {
	opts   Options
	bus    events.Bus
	logger logrus.FieldLogger

	mu      sync.Mutex
	pending []*waiter
	index   map[models.RequestID]*waiter
	waiters map[models.RequestID]*waiter

	wake chan struct{}
}

// New creates a queue. bus may be nil.
func New(opts Options, bus events.Bus, logger logrus.FieldLogger) *Queue {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultOptions().RequestTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultOptions().SweepInterval
	}
	return &Queue{
		opts:    opts,
		bus:     bus,
		logger:  logger.WithField("component", "queue"),
		index:   make(map[models.RequestID]*waiter),
		waiters: make(map[models.RequestID]*waiter),
		wake:    make(chan struct{}, 1),
	}
}

// Add appends a request to the tail of the queue
func (q *Queue) Add(alternatives []models.Capabilities) (models.SessionRequest, error) {
	now := time.Now()
	req := models.SessionRequest{
		ID:           models.NewRequestID(),
		Alternatives: alternatives,
		EnqueuedAt:   now,
		ExpiresAt:    now.Add(q.opts.RequestTimeout),
	}

	q.mu.Lock()
	if q.opts.Capacity > 0 && len(q.pending) >= q.opts.Capacity {
		q.mu.Unlock()
		q.publish(events.Event{Type: events.QueueRequestRejected, RequestID: req.ID, Message: "queue full"})
		return models.SessionRequest{}, errors.Wrapf(models.ErrQueueFull, "capacity %d reached", q.opts.Capacity)
	}

	w := &waiter{req: req, result: make(chan Result, 1), waiting: true}
	q.pending = append(q.pending, w)
	q.index[req.ID] = w
	q.waiters[req.ID] = w
	q.mu.Unlock()

	q.logger.WithField("request", req.ID).Debug("new session request queued")
	q.signal()
	q.publish(events.Event{Type: events.QueueRequestAdded, RequestID: req.ID})

	return req, nil
}

// PeekAll returns the pending requests, oldest first, without removing them.
// Expired requests found along the way are removed and resolved as timed out.
func (q *Queue) PeekAll() []models.SessionRequest {
	expired := q.takeExpired(time.Now())
	q.resolveExpired(expired)

	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.SessionRequest, 0, len(q.pending))
	for _, w := range q.pending {
		out = append(out, w.req)
	}
	return out
}

// Remove takes a request out of the pending list. Only the caller that gets
// true may resolve the request.
func (q *Queue) Remove(id models.RequestID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.removeLocked(id)
}

func (q *Queue) removeLocked(id models.RequestID) bool {
	w, ok := q.index[id]
	if !ok {
		return false
	}
	delete(q.index, id)
	for i, p := range q.pending {
		if p == w {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	return true
}

// Complete delivers res to the request's waiter. It returns false when nobody
// is waiting any more, in which case the caller owns any session in res.
func (q *Queue) Complete(id models.RequestID, res Result) bool {
	q.mu.Lock()
	w, ok := q.waiters[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	return w.deliver(res)
}

// Clear removes every pending request and resolves each as cancelled
func (q *Queue) Clear() int {
	q.mu.Lock()
	taken := q.pending
	q.pending = nil
	q.index = make(map[models.RequestID]*waiter)
	q.mu.Unlock()

	for _, w := range taken {
		q.Complete(w.req.ID, Result{Err: errors.Wrapf(models.ErrRequestCancelled, "request %s cleared from queue", w.req.ID)})
	}

	q.logger.WithField("count", len(taken)).Info("new session queue cleared")
	q.publish(events.Event{Type: events.QueueCleared})
	return len(taken)
}

// Wait blocks until the request is resolved, its deadline passes or ctx ends
func (q *Queue) Wait(ctx context.Context, id models.RequestID) (*models.Session, error) {
	q.mu.Lock()
	w, ok := q.waiters[id]
	q.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRequest, "request %s", id)
	}
	defer func() {
		q.mu.Lock()
		delete(q.waiters, id)
		q.mu.Unlock()
	}()

	timer := time.NewTimer(time.Until(w.req.ExpiresAt))
	defer timer.Stop()
	deadline := timer.C

	for {
		select {
		case res := <-w.result:
			return res.Session, res.Err

		case <-deadline:
			if q.Remove(id) {
				w.abandon()
				return nil, q.timeoutError(w.req)
			}
			// Claimed by the distributor; its result is on the way.
			deadline = nil

		case <-ctx.Done():
			if q.Remove(id) {
				w.abandon()
				return nil, errors.Wrapf(models.ErrRequestCancelled, "request %s: %v", id, ctx.Err())
			}
			if res, ok := w.abandon(); ok {
				return res.Session, res.Err
			}
			return nil, errors.Wrapf(models.ErrRequestCancelled, "request %s: %v", id, ctx.Err())
		}
	}
}

// Len is the number of pending requests
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wake fires after requests are added
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Run sweeps expired requests until ctx is done
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			q.resolveExpired(q.takeExpired(now))
		}
	}
}

func (q *Queue) takeExpired(now time.Time) []*waiter {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*waiter
	for _, w := range q.pending {
		if w.req.Expired(now) {
			expired = append(expired, w)
		}
	}
	for _, w := range expired {
		q.removeLocked(w.req.ID)
	}
	return expired
}

func (q *Queue) resolveExpired(expired []*waiter) {
	for _, w := range expired {
		q.logger.WithField("request", w.req.ID).Info("new session request timed out")
		q.Complete(w.req.ID, Result{Err: q.timeoutError(w.req)})
	}
}

func (q *Queue) timeoutError(req models.SessionRequest) error {
	return errors.Wrapf(models.ErrRequestTimedOut, "request %s waited %s without a matching slot",
		req.ID, req.ExpiresAt.Sub(req.EnqueuedAt))
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) publish(e events.Event) {
	if q.bus == nil {
		return
	}
	if err := q.bus.Publish(context.Background(), e); err != nil {
		q.logger.WithError(err).WithField("event", e.Type).Debug("failed to publish queue event")
	}
}
