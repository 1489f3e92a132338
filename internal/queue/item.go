package queue

import (
	"sync"
	"time"

	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/result"
)

// Priority reorders items that are ready at the same time. Higher runs first.
type Priority int

const (
	VeryLow  Priority = -8
	Low      Priority = -4
	Normal   Priority = 0
	High     Priority = 4
	VeryHigh Priority = 8
)

// State is the lifecycle stage of a queue item.
type State int

const (
	Ready State = iota
	Executing
	Finishing
	Finished
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Executing:
		return "executing"
	case Finishing:
		return "finishing"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Runnable is the type-erased view of an Item the queue operates on.
type Runnable interface {
	Name() string
	Priority() Priority
	Timeout() time.Duration
	State() State
	IsCancelled() bool
	// Done is closed once the item reached Finished.
	Done() <-chan struct{}

	execute()
	cancel(err error)
	expire()
}

// ExecFunc starts the work of an item. complete notifies the item immediately.
type ExecFunc[T any] func(complete func(result.Result[T]))

// Callback receives the outcome of an item. Calling done lets the queue move
// on; it is also called automatically once the callback returns.
type Callback[T any] func(res result.Result[T], done func())

type options struct {
	name     string
	priority Priority
	timeout  time.Duration
}

// Option configures an Item.
type Option func(*options)

// WithName sets the correlation key of the item.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithPriority sets the item priority. Default is Normal.
func WithPriority(p Priority) Option {
	return func(o *options) { o.priority = p }
}

// WithTimeout fails the item with device.ErrTimeout when it is still
// unfinished d after its execution started. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Item is a unit of asynchronous work producing a result.Result[T].
type Item[T any] struct {
	opts options
	exec ExecFunc[T]
	cb   Callback[T]

	mu        sync.Mutex
	state     State
	cancelled bool

	done       chan struct{}
	finishOnce sync.Once
}

// NewItem creates an item in the Ready state. exec and cb may be nil.
func NewItem[T any](exec ExecFunc[T], cb Callback[T], opts ...Option) *Item[T] {
	o := options{priority: Normal}
	for _, opt := range opts {
		opt(&o)
	}
	return &Item[T]{
		opts: o,
		exec: exec,
		cb:   cb,
		done: make(chan struct{}),
	}
}

func (i *Item[T]) Name() string           { return i.opts.name }
func (i *Item[T]) Priority() Priority     { return i.opts.priority }
func (i *Item[T]) Timeout() time.Duration { return i.opts.timeout }
func (i *Item[T]) Done() <-chan struct{}  { return i.done }

func (i *Item[T]) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Item[T]) IsCancelled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cancelled
}

// Notify delivers res to the callback and finishes the item. Only the first
// call has an effect; later calls return false.
func (i *Item[T]) Notify(res result.Result[T]) bool {
	i.mu.Lock()
	if i.state >= Finishing {
		i.mu.Unlock()
		return false
	}
	i.state = Finishing
	i.mu.Unlock()

	if i.cb != nil {
		i.cb(res, i.finish)
	}
	i.finish()
	return true
}

// Cancel fails the item with device.ErrCancelled. A Ready item never runs its
// execution closure.
func (i *Item[T]) Cancel() {
	i.cancel(device.ErrCancelled)
}

func (i *Item[T]) finish() {
	i.finishOnce.Do(func() {
		i.mu.Lock()
		i.state = Finished
		i.mu.Unlock()
		close(i.done)
	})
}

func (i *Item[T]) execute() {
	i.mu.Lock()
	if i.state != Ready || i.cancelled {
		i.mu.Unlock()
		return
	}
	i.state = Executing
	i.mu.Unlock()

	if i.exec == nil {
		var zero T
		i.Notify(result.Success(zero))
		return
	}
	i.exec(func(res result.Result[T]) {
		i.Notify(res)
	})
}

func (i *Item[T]) cancel(err error) {
	i.mu.Lock()
	if i.state >= Finishing {
		i.mu.Unlock()
		return
	}
	i.cancelled = true
	i.mu.Unlock()

	i.Notify(result.Failure[T](err))
}

func (i *Item[T]) expire() {
	i.Notify(result.Failure[T](device.ErrTimeout))
}
