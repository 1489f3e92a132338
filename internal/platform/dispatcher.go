package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/groutine"
)

// DefaultEventBuffer is the number of events a Dispatcher holds before Post blocks.
const DefaultEventBuffer = 256

// Dispatcher is the single callback context of a platform adapter: events
// posted from any goroutine are handed to the handler one at a time, in
// posting order, on one dedicated goroutine.
//
// Post must not be called from the handler goroutine while the buffer is full.
type Dispatcher struct {
	name   string
	logger *logrus.Logger
	events chan Event

	mu      sync.RWMutex
	handler EventHandler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher starts a dispatcher. buffer <= 0 selects DefaultEventBuffer.
func NewDispatcher(name string, buffer int, logger *logrus.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		name:   name,
		logger: device.LoggerOrNop(logger),
		events: make(chan Event, buffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	groutine.Go(ctx, "dispatcher:"+name, d.run)
	return d
}

// SetHandler replaces the event handler. Events arriving while no handler is
// set are dropped.
func (d *Dispatcher) SetHandler(h EventHandler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// Post queues ev for delivery. It returns false once the dispatcher is closed.
func (d *Dispatcher) Post(ev Event) bool {
	select {
	case <-d.ctx.Done():
		return false
	default:
	}

	select {
	case d.events <- ev:
		return true
	case <-d.ctx.Done():
		return false
	}
}

// Close stops delivery. Events still buffered are discarded.
func (d *Dispatcher) Close() {
	d.cancel()
}

// Done is closed once the dispatch goroutine exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	defer d.logger.Tracef("%s: exiting", groutine.GetName(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			d.mu.RLock()
			h := d.handler
			d.mu.RUnlock()

			if h == nil {
				d.logger.WithFields(logrus.Fields{
					"dispatcher": d.name,
					"event":      fmt.Sprintf("%T", ev),
				}).Warn("No event handler set, dropping event")
				continue
			}
			h(ev)
		}
	}
}
