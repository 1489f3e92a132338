package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/groutine"
)

// ErrClosed is the cancel cause of items pushed to, or pending in, a closed queue.
var ErrClosed = errors.New("queue closed")

// OperationQueue runs items strictly one after another on a single worker
// goroutine. Item N+1 never starts before item N is Finished.
//
// The worker runs only while items are pending: PushBack starts it and it
// exits once the queue is drained.
type OperationQueue struct {
	name   string
	logger *logrus.Logger

	mu        sync.Mutex
	pending   []Runnable
	executing Runnable
	running   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an idle queue.
func New(name string, logger *logrus.Logger) *OperationQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &OperationQueue{
		name:   name,
		logger: device.LoggerOrNop(logger),
		ctx:    ctx,
		cancel: cancel,
	}
}

// PushBack admits an item. Items pushed after Close are cancelled right away.
func (q *OperationQueue) PushBack(item Runnable) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		item.cancel(device.Cancelled(ErrClosed))
		return
	}

	// Stable insert: after every item with priority >= item's priority.
	idx := len(q.pending)
	for idx > 0 && q.pending[idx-1].Priority() < item.Priority() {
		idx--
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = item
	start := !q.running
	q.running = true
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"queue": q.name,
		"op":    item.Name(),
	}).Trace("Operation queued")

	if start {
		groutine.Go(q.ctx, "queue:"+q.name, q.run)
	}
}

// IsRunning reports whether the worker goroutine is alive.
func (q *OperationQueue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// CancelAll fails the executing item and every pending item with
// device.ErrCancelled wrapping cause. Pending execution closures never run.
func (q *OperationQueue) CancelAll(cause error) {
	q.mu.Lock()
	executing := q.executing
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	err := device.Cancelled(cause)
	if executing != nil || len(pending) > 0 {
		q.logger.WithFields(logrus.Fields{
			"queue":   q.name,
			"pending": len(pending),
			"error":   cause,
		}).Debug("Cancelling queued operations")
	}

	if executing != nil {
		executing.cancel(err)
	}
	for _, item := range pending {
		item.cancel(err)
	}
}

// Executing returns the item currently executing, or nil.
func (q *OperationQueue) Executing() Runnable {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.executing == nil || q.executing.State() != Executing {
		return nil
	}
	return q.executing
}

// Items returns the unfinished items, the running one first.
func (q *OperationQueue) Items() []Runnable {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]Runnable, 0, len(q.pending)+1)
	if q.executing != nil && q.executing.State() < Finished {
		items = append(items, q.executing)
	}
	return append(items, q.pending...)
}

// Len returns the number of unfinished items.
func (q *OperationQueue) Len() int {
	return len(q.Items())
}

// Close stops the worker and cancels every unfinished item with ErrClosed.
func (q *OperationQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.CancelAll(ErrClosed)
	q.cancel()
}

// ExecutingItem returns the executing item when its name is name and its
// result type is T.
func ExecutingItem[T any](q *OperationQueue, name string) (*Item[T], bool) {
	r := q.Executing()
	if r == nil || r.Name() != name {
		return nil, false
	}
	item, ok := r.(*Item[T])
	return item, ok
}

func (q *OperationQueue) next() Runnable {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 {
		item := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		if item.State() >= Finishing {
			continue
		}
		q.executing = item
		return item
	}
	q.executing = nil
	q.running = false
	return nil
}

func (q *OperationQueue) run(ctx context.Context) {
	defer q.logger.Tracef("%s: exiting", groutine.GetName(ctx))
	for {
		item := q.next()
		if item == nil {
			return
		}
		q.runItem(ctx, item)
	}
}

func (q *OperationQueue) runItem(ctx context.Context, item Runnable) {
	log := q.logger.WithFields(logrus.Fields{
		"queue": q.name,
		"op":    item.Name(),
	})
	log.Trace("Operation started")
	started := time.Now()

	item.execute()

	var expired <-chan time.Time
	if d := item.Timeout(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-item.Done():
	case <-expired:
		log.WithField("timeout", item.Timeout()).Warn("Operation timed out")
		item.expire()
		<-item.Done()
	case <-ctx.Done():
		item.cancel(device.Cancelled(ErrClosed))
		return
	}

	log.WithFields(logrus.Fields{
		"cancelled": item.IsCancelled(),
		"elapsed":   time.Since(started),
	}).Trace("Operation finished")
}
