package connpool

import (
	"sync"
	"time"

	"github.com/trafficserver-iocore/iocore"
)

// ConnectingEntry drives one outbound connect attempt on behalf of
// however many waiters joined before it completed (spec.md 4.G).
type ConnectingEntry struct {
	mu    sync.Mutex
	pool  *ConnectingPool
	shrd  *shard
	key   ConnKey
	loop  *iocore.EventLoop
	cont  *iocore.Continuation
	dial  DialFunc
	track *ConnTrackGroup

	waiters []Waiter

	vc             *iocore.VConn
	writeVIO       *iocore.VIO
	readVIO        *iocore.VIO
	connectTimeout time.Duration
	done           bool
}

func newConnectingEntry(pool *ConnectingPool, s *shard, key ConnKey, dial DialFunc, track *ConnTrackGroup) *ConnectingEntry {
	e := &ConnectingEntry{pool: pool, shrd: s, key: key, loop: pool.loop, dial: dial, track: track}
	e.cont = pool.loop.NewContinuation(e.handleEvent)
	return e
}

func (e *ConnectingEntry) addWaiter(w Waiter) {
	e.mu.Lock()
	e.waiters = append(e.waiters, w)
	e.mu.Unlock()
}

// removeWaiter implements spec.md 4.G cancellation: if the waiter set
// becomes empty, the pending connect is abandoned and the entry destroys
// itself. Our dial is a blocking goroutine rather than a cancelable
// pending_action, so "cancel" here means the eventual NET_EVENT_OPEN is
// simply discarded — the entry is already gone from the pool and the VConn
// it produces, if any, is closed immediately.
func (e *ConnectingEntry) removeWaiter(w Waiter) {
	e.mu.Lock()
	for i, existing := range e.waiters {
		if existing == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	empty := len(e.waiters) == 0
	e.mu.Unlock()

	if empty {
		e.abandon()
	}
}

func (e *ConnectingEntry) abandon() {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	e.done = true
	e.mu.Unlock()
	e.pool.remove(e.shrd, e.key)
}

// start issues the connect. Real ATS hands back a pending_action handle
// for net_connect; here the dial runs on its own goroutine and reports
// back to the entry's continuation, which is the async-completion
// boundary this codebase uses everywhere a Transport isn't already in
// hand (same shape as intercept.Handler's DialFunc).
func (e *ConnectingEntry) start(timeout time.Duration) {
	e.mu.Lock()
	e.connectTimeout = timeout
	e.mu.Unlock()

	go func() {
		vc, err := e.dial()
		if err != nil {
			e.loop.Dispatch(e.cont.ID(), iocore.EventNetConnectFailed, err)
			return
		}
		e.loop.Dispatch(e.cont.ID(), iocore.EventNetConnect, vc)
	}()
}

func (e *ConnectingEntry) handleEvent(event iocore.Event, edata any) iocore.Event {
	switch event {
	case iocore.EventNetConnect:
		e.onConnectOpen(edata.(*iocore.VConn))
	case iocore.EventVConnReadComplete, iocore.EventVConnWriteReady, iocore.EventVConnWriteComplete:
		e.onHandshakeDone()
	case iocore.EventVConnInactivityTimeout, iocore.EventVConnActiveTimeout, iocore.EventError, iocore.EventNetConnectFailed:
		var err error
		if connErr, ok := edata.(error); ok {
			err = connErr
		}
		e.onFailure(err)
	}
	return iocore.EventNone
}

// onConnectOpen implements spec.md 4.G step 3 NET_EVENT_OPEN: arm a 0-byte
// read so event delivery is live after the handshake, and write the
// single byte that (in the real protocol) is the proxy-protocol preamble
// or a handshake probe.
func (e *ConnectingEntry) onConnectOpen(vc *iocore.VConn) {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		vc.Close()
		return
	}
	e.vc = vc
	timeout := e.connectTimeout
	e.mu.Unlock()

	if timeout > 0 {
		vc.SetInactivityTimeout(e.cont, timeout)
	}

	buf, err := iocore.NewBuffer(bufferSizeIndex)
	if err != nil {
		e.onFailure(err)
		return
	}
	e.mu.Lock()
	e.readVIO = vc.DoIORead(e.cont, buf, 0)
	e.mu.Unlock()

	probeBuf, err := iocore.NewBuffer(0)
	if err != nil {
		e.onFailure(err)
		return
	}
	probeBuf.Write([]byte{0})
	reader := probeBuf.AllocReader()
	e.mu.Lock()
	e.writeVIO = vc.DoIOWrite(e.cont, 1, reader)
	e.mu.Unlock()
}

// onHandshakeDone implements spec.md 4.G step 3's success path: remove
// the entry from the pool, build a PoolableSession, and fan it out.
// Whether the session multiplexes is read off the VConn itself
// (NegotiatedMultiplexed, set by the dial once its handshake completed),
// the same way state_http_server_open only learns it from
// new_session->is_multiplexing() after create_server_session — never
// guessed earlier from the write-ready event.
func (e *ConnectingEntry) onHandshakeDone() {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	e.done = true
	vc := e.vc
	waiters := e.waiters
	e.mu.Unlock()

	e.pool.remove(e.shrd, e.key)

	if len(waiters) == 0 {
		vc.Close()
		return
	}

	session := newPoolableSession(vc, e.track)
	session.multiplexed = vc.NegotiatedMultiplexed
	e.track.Acquire()

	if session.multiplexed {
		session.SetState(StateInUse)
		for _, w := range waiters {
			w.ConnectTxn(session)
		}
		return
	}

	session.SetState(StateInUse)
	waiters[0].ConnectTxn(session)
	for _, w := range waiters[1:] {
		w.ConnectDirect()
	}
}

// onFailure implements spec.md 4.G step 3's failure path: every waiter
// sees the same error.
func (e *ConnectingEntry) onFailure(err error) {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	e.done = true
	vc := e.vc
	waiters := e.waiters
	e.mu.Unlock()

	e.pool.remove(e.shrd, e.key)

	if vc != nil {
		vc.Close()
	}
	for _, w := range waiters {
		w.ConnectFailed(err)
	}
}
