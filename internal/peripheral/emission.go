package peripheral

import (
	"sync"
)

// Emission is a pending notification for the subscriber of Characteristic.
type Emission struct {
	Characteristic string
	Data           []byte
}

// Sender hands an emission to the platform. false means back-pressure: the
// emission was not taken and must be retried after the next Ready.
type Sender func(Emission) bool

// EmissionQueue is the FIFO of outgoing notifications shared by every local
// characteristic. A rejected emission goes back to the front and draining
// pauses until Ready is called.
type EmissionQueue struct {
	send Sender

	mu       sync.Mutex
	items    []Emission
	draining bool
	paused   bool
	// readied records a Ready that arrived while a send was in flight.
	readied bool
}

func NewEmissionQueue(send Sender) *EmissionQueue {
	return &EmissionQueue{send: send}
}

// Push appends e and drains the queue unless it is paused.
func (q *EmissionQueue) Push(e Emission) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.drain()
}

// Ready resumes a queue paused by back-pressure.
func (q *EmissionQueue) Ready() {
	q.mu.Lock()
	q.paused = false
	if q.draining {
		q.readied = true
	}
	q.mu.Unlock()
	q.drain()
}

// Len returns the number of emissions waiting to be sent.
func (q *EmissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *EmissionQueue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Clear drops every pending emission and the paused state.
func (q *EmissionQueue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.paused = false
	q.mu.Unlock()
}

// drain sends from the front until the queue is empty or the platform pushes
// back. Only one goroutine drains at a time; the others return right away
// and their items are picked up by the running drain.
func (q *EmissionQueue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining || q.paused {
		return
	}
	q.draining = true
	defer func() { q.draining = false }()

	for len(q.items) > 0 {
		e := q.items[0]
		q.items[0] = Emission{}
		q.items = q.items[1:]
		q.readied = false

		q.mu.Unlock()
		sent := q.send(e)
		q.mu.Lock()

		if sent {
			continue
		}
		q.items = append([]Emission{e}, q.items...)
		if q.readied {
			q.readied = false
			continue
		}
		q.paused = true
		return
	}
}
