package iocore

import (
	"sync"
	"sync/atomic"
	"time"
)

// ContinuationID is a per-thread handle to a Continuation, used so a VIO
// can hold a weak reference to its continuation (spec 9, "resolve it at
// dispatch time by indexing into a per-thread continuation table") rather
// than a raw pointer that would outlive a destroyed continuation.
type ContinuationID uint64

// HandlerFunc is a Continuation's handler: it must run to completion
// without blocking and return the event it wants reported back, if any
// (spec 4.B).
type HandlerFunc func(event Event, edata any) Event

// EventSink lets a caller observe events this package cannot return
// synchronously (a fan-out failure, a background-fetch abort). The
// default is a no-op; wire a slog-backed implementation to get
// structured logs out of the core.
type EventSink interface {
	OnProtocolError(source string, err error)
	OnResourceError(source string, err error)
}

type noopSink struct{}

func (noopSink) OnProtocolError(string, error) {}
func (noopSink) OnResourceError(string, error) {}

// DefaultEventSink is the no-op sink used when none is configured.
var DefaultEventSink EventSink = noopSink{}

// Continuation is a (handler, mutex, user-data) task, dispatched by an
// EventLoop with its mutex held so at most one goroutine ever runs its
// handler at a time (spec 3, 4.B).
type Continuation struct {
	id         ContinuationID
	loop       *EventLoop
	mu         sync.Mutex
	handler    HandlerFunc
	generation atomic.Uint64
	Data       any
}

// ID returns the handle other components should store instead of a raw
// pointer, so a reference outliving Destroy resolves to nothing rather
// than to a destroyed continuation.
func (c *Continuation) ID() ContinuationID { return c.id }

// Call invokes the continuation's handler synchronously. Per spec 4.B
// this is only safe when the caller already holds c's mutex or is the
// same continuation; all other callers must go through EventLoop.Dispatch.
func (c *Continuation) Call(event Event, edata any) Event {
	return c.handler(event, edata)
}

// ScheduleIn asks the continuation's event loop to dispatch event after
// delay elapses.
func (c *Continuation) ScheduleIn(delay time.Duration, event Event, edata any) {
	gen := c.generation.Load()
	time.AfterFunc(delay, func() {
		c.loop.dispatchGen(c.id, gen, event, edata)
	})
}

// Destroy invalidates the continuation: any dispatch already in flight
// for a stale generation is dropped instead of touching freed state
// (spec 9, the InterceptAttemptDestroy double-close question).
func (c *Continuation) Destroy() {
	c.generation.Add(1)
	c.loop.unregister(c.id)
}

// EventLoop is a per-worker-thread dispatcher. Each continuation has a
// mutex; to dispatch an event the loop tries to acquire it without
// blocking, and falls back to waiting for it off the calling goroutine if
// contended, so no caller ever blocks dispatching an event (spec 5).
type EventLoop struct {
	mu     sync.Mutex
	nextID uint64
	conts  map[ContinuationID]*Continuation
}

// NewEventLoop creates an empty event loop. One is expected per
// cooperative worker "thread"; nothing about it requires an OS thread in
// this Go realization — it is purely the continuation registry and
// dispatch discipline.
func NewEventLoop() *EventLoop {
	return &EventLoop{conts: make(map[ContinuationID]*Continuation)}
}

// NewContinuation creates and registers a continuation on this loop.
func (l *EventLoop) NewContinuation(handler HandlerFunc) *Continuation {
	l.mu.Lock()
	l.nextID++
	id := ContinuationID(l.nextID)
	c := &Continuation{id: id, loop: l, handler: handler}
	l.conts[id] = c
	l.mu.Unlock()
	return c
}

func (l *EventLoop) unregister(id ContinuationID) {
	l.mu.Lock()
	delete(l.conts, id)
	l.mu.Unlock()
}

func (l *EventLoop) lookup(id ContinuationID) *Continuation {
	l.mu.Lock()
	c := l.conts[id]
	l.mu.Unlock()
	return c
}

// Dispatch delivers event to the continuation identified by id. If the
// continuation no longer exists (destroyed), the event is silently
// dropped — this is the normal outcome for, e.g., a VIO event racing a
// TXN_CLOSE teardown.
func (l *EventLoop) Dispatch(id ContinuationID, event Event, edata any) {
	c := l.lookup(id)
	if c == nil {
		return
	}
	l.dispatchGen(id, c.generation.Load(), event, edata)
}

// dispatchGen dispatches only if the continuation's generation still
// matches gen, the mechanism that makes Destroy safe to race against
// in-flight events (spec 9).
func (l *EventLoop) dispatchGen(id ContinuationID, gen uint64, event Event, edata any) {
	c := l.lookup(id)
	if c == nil {
		return
	}
	run := func() {
		defer c.mu.Unlock()
		if c.generation.Load() != gen {
			return
		}
		c.handler(event, edata)
	}
	if c.mu.TryLock() {
		run()
		return
	}
	// Contended: wait for the mutex off the caller's goroutine instead of
	// blocking the caller (spec 5, "non-blocking first, then enqueuing").
	go func() {
		c.mu.Lock()
		run()
	}()
}
