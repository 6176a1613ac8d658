// Package event provides ordered, non-overlapping listener dispatch.
//
// Emitted events join a FIFO queue drained by at most one goroutine at a
// time: listeners observe events in true emit order and never see two
// deliveries running concurrently, even when a listener blocks, registers
// further listeners, or emits from inside its own callback. The drainer
// yields the scheduler between deliveries so transport goroutines can
// queue further events before the next step.
package event

import (
	"runtime"
	"slices"
	"sync"
)

// Listener receives one delivered event.
type Listener func(args ...any)

type listenerEntry struct {
	id int
	fn Listener
}

type queuedEvent struct {
	name string
	args []any
}

// Emitter routes named events to registered listeners, one event at a
// time in emit order. The zero value is not usable; call NewEmitter.
type Emitter struct {
	mu        sync.Mutex
	listeners map[string][]listenerEntry
	nextID    int
	queue     []queuedEvent
	draining  bool
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string][]listenerEntry)}
}

// On registers fn for the named event and returns a function that removes
// exactly this registration. Listeners for one event run in registration
// order.
func (e *Emitter) On(name string, fn Listener) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[name] = append(e.listeners[name], listenerEntry{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		entries := e.listeners[name]
		for i, entry := range entries {
			if entry.id == id {
				e.listeners[name] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Emit appends the event to the delivery queue. If no drain is in
// progress a new drainer starts; otherwise the running drainer picks the
// event up after the deliveries already queued. Emit itself never runs
// listeners, so callers cannot be re-entered.
func (e *Emitter) Emit(name string, args ...any) {
	e.mu.Lock()
	e.queue = append(e.queue, queuedEvent{name: name, args: args})
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	e.mu.Unlock()

	go e.drain()
}

// drain delivers queued events one at a time until the queue is empty.
// The draining flag guarantees a single drainer, which is what makes
// deliveries non-overlapping.
func (e *Emitter) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.draining = false
			e.mu.Unlock()
			return
		}
		ev := e.queue[0]
		e.queue = e.queue[1:]
		entries := slices.Clone(e.listeners[ev.name])
		e.mu.Unlock()

		for _, entry := range entries {
			entry.fn(ev.args...)
		}

		runtime.Gosched()
	}
}
