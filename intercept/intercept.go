// Package intercept lets a continuation stand in for the origin on a
// single transaction (spec 4.D): it bridges an intercept VConn ATS hands
// to a plugin with a second, plugin-chosen VConn (an echo server, a
// transform helper, a real origin), copying bytes in both directions
// until either side goes away.
//
// Construction mirrors the teacher's ServerPool: a dial function is
// injected once, and every accepted transaction builds fresh per-side
// state from it (server_pool.go's constructor func pattern, scoped down
// to a single connect instead of a pool).
package intercept

import (
	"errors"
	"sync"

	"github.com/trafficserver-iocore/iocore"
)

// ErrUnexpectedCompletion is logged (never returned to the client) when a
// bridge VIO reports READ_COMPLETE/WRITE_COMPLETE despite being opened
// with Unbounded n_bytes — spec 4.D step 6 calls this a protocol error.
var ErrUnexpectedCompletion = errors.New("intercept: unexpected completion on unbounded VIO")

// DialFunc establishes the server-side VConn for one intercepted
// transaction (e.g. net.Dial to a TCP echo server, or an http_connect
// loopback). A nil DialFunc means the intercept only receives the
// client-side VConn and never bridges it anywhere.
type DialFunc func() (*iocore.VConn, error)

// bufferSizeIndex picks 4 KiB blocks for intercept buffers, matching the
// block sizes spec 4.A calls typical for HTTP body reads.
const bufferSizeIndex = 5

// Handler builds one State per accepted transaction and drives it; it is
// the continuation handler registered for NET_ACCEPT.
type Handler struct {
	loop *iocore.EventLoop
	dial DialFunc
	sink iocore.EventSink
}

// NewHandler creates an intercept Handler. sink may be nil, in which case
// iocore.DefaultEventSink (a no-op) is used.
func NewHandler(loop *iocore.EventLoop, dial DialFunc, sink iocore.EventSink) *Handler {
	if sink == nil {
		sink = iocore.DefaultEventSink
	}
	return &Handler{loop: loop, dial: dial, sink: sink}
}

// Attach registers a fresh intercept continuation and returns it; the
// caller (the surrounding HTTP state machine, out of scope here) delivers
// NET_ACCEPT / NET_ACCEPT_FAILED to it with the client-side VConn.
func (h *Handler) Attach() *Continuation {
	s := &State{dial: h.dial, sink: h.sink}
	s.cont = h.loop.NewContinuation(s.handleEvent)
	return &Continuation{state: s, cont: s.cont}
}

// Continuation is the handle application code holds for one intercepted
// transaction.
type Continuation struct {
	state *State
	cont  *iocore.Continuation
}

// ID returns the continuation id the event-delivering side should target.
func (c *Continuation) ID() iocore.ContinuationID { return c.cont.ID() }

// Deliver hands an event to the intercept state machine, identical to
// going through an EventLoop.Dispatch but synchronous and side-effect
// free for callers that already serialize access (e.g. tests).
func (c *Continuation) Deliver(event iocore.Event, edata any) iocore.Event {
	return c.cont.Call(event, edata)
}

// State is the per-transaction InterceptState (spec 3): one client-side
// VConn, optionally one server-side VConn, four VIOs, and two IOBuffers.
type State struct {
	mu   sync.Mutex
	dial DialFunc
	sink iocore.EventSink
	cont *iocore.Continuation

	clientVC *iocore.VConn
	serverVC *iocore.VConn

	reqBuf  *iocore.Buffer // client -> server
	respBuf *iocore.Buffer // server -> client

	reqReader  *iocore.Reader
	respReader *iocore.Reader

	clientReadVIO  *iocore.VIO
	clientWriteVIO *iocore.VIO
	serverReadVIO  *iocore.VIO
	serverWriteVIO *iocore.VIO

	pendingDrainSide string // "" | "client" | "server"
}

// attemptDestroy reports true exactly when both VConns are nulled out
// (spec 3: "a helper attempt_destroy returns true exactly when both
// VConns are nulled out"), and performs the one-time teardown at that
// point.
func (s *State) attemptDestroyLocked() bool {
	if s.clientVC != nil || s.serverVC != nil {
		return false
	}
	if s.reqReader != nil {
		s.reqReader.Free()
		s.reqReader = nil
	}
	if s.respReader != nil {
		s.respReader.Free()
		s.respReader = nil
	}
	s.cont.Destroy()
	return true
}

func (s *State) closeSideLocked(side string) {
	switch side {
	case "client":
		if s.clientVC != nil {
			s.clientVC.Close()
			s.clientVC = nil
		}
	case "server":
		if s.serverVC != nil {
			s.serverVC.Close()
			s.serverVC = nil
		}
	}
	s.attemptDestroyLocked()
}

func (s *State) handleEvent(event iocore.Event, edata any) iocore.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event {
	case iocore.EventNetAccept:
		return s.onAcceptLocked(edata.(*iocore.VConn))
	case iocore.EventNetAcceptFailed:
		// Cancelled before data flowed: free state without touching any
		// VIO (spec 4.D step 2).
		s.clientVC = nil
		s.serverVC = nil
		s.cont.Destroy()
		return iocore.EventNone
	case iocore.EventVConnReadReady:
		s.onReadReadyLocked(edata.(*iocore.VIO))
	case iocore.EventVConnWriteReady:
		s.onWriteReadyLocked(edata.(*iocore.VIO))
	case iocore.EventVConnEOS:
		return s.onCloseSignalLocked(edata.(*iocore.VIO), event)
	case iocore.EventError:
		return s.onCloseSignalLocked(edata.(*iocore.VIO), event)
	case iocore.EventVConnReadComplete, iocore.EventVConnWriteComplete:
		if vio, ok := edata.(*iocore.VIO); ok && vio.NBytes() == iocore.Unbounded {
			s.sink.OnProtocolError("intercept", ErrUnexpectedCompletion)
		}
	}
	return iocore.EventNone
}

func (s *State) onAcceptLocked(clientVC *iocore.VConn) iocore.Event {
	s.clientVC = clientVC

	reqBuf, err := iocore.NewBuffer(bufferSizeIndex)
	if err != nil {
		s.sink.OnResourceError("intercept", err)
		return iocore.EventError
	}
	respBuf, err := iocore.NewBuffer(bufferSizeIndex)
	if err != nil {
		s.sink.OnResourceError("intercept", err)
		return iocore.EventError
	}
	s.reqBuf = reqBuf
	s.respBuf = respBuf

	// Readers are allocated before the read pumps start so no byte that
	// arrives while the server side is being dialed is skipped.
	s.reqReader = reqBuf.AllocReader()
	s.respReader = respBuf.AllocReader()

	// Receive the synthetic HTTP request ATS writes into the client VConn.
	s.clientReadVIO = clientVC.DoIORead(s.cont, reqBuf, iocore.Unbounded)

	if s.dial == nil {
		return iocore.EventNone
	}

	serverVC, err := s.dial()
	if err != nil {
		s.sink.OnProtocolError("intercept", err)
		s.closeSideLocked("client")
		return iocore.EventError
	}
	s.serverVC = serverVC

	s.serverWriteVIO = serverVC.DoIOWrite(s.cont, iocore.Unbounded, s.reqReader)
	s.serverReadVIO = serverVC.DoIORead(s.cont, respBuf, iocore.Unbounded)

	s.clientWriteVIO = clientVC.DoIOWrite(s.cont, iocore.Unbounded, s.respReader)

	return iocore.EventNone
}

// onReadReadyLocked implements spec 4.D step 3: the shared-buffer design
// already moved the bytes (the read VIO and its peer's write VIO share
// one Buffer/Reader pair), so all that remains is to reenable the
// consumer so it notices the new bytes.
func (s *State) onReadReadyLocked(vio *iocore.VIO) {
	switch vio {
	case s.clientReadVIO:
		if s.serverWriteVIO != nil {
			s.serverWriteVIO.Reenable()
		}
	case s.serverReadVIO:
		if s.clientWriteVIO != nil {
			s.clientWriteVIO.Reenable()
		}
	}
}

// onWriteReadyLocked implements spec 4.D step 4: a no-op unless the peer
// has already closed and our write buffer has fully drained, in which
// case this side closes too.
func (s *State) onWriteReadyLocked(vio *iocore.VIO) {
	if s.pendingDrainSide == "" {
		return
	}
	switch {
	case s.pendingDrainSide == "client" && vio == s.clientWriteVIO:
		if vio.Reader().Avail() == 0 {
			s.closeSideLocked("client")
			s.pendingDrainSide = ""
		}
	case s.pendingDrainSide == "server" && vio == s.serverWriteVIO:
		if vio.Reader().Avail() == 0 {
			s.closeSideLocked("server")
			s.pendingDrainSide = ""
		}
	}
}

// onCloseSignalLocked implements spec 4.D step 5: close the side that
// signaled; close the other side only after its write buffer drains, so
// the client never sees a truncated response.
func (s *State) onCloseSignalLocked(vio *iocore.VIO, event iocore.Event) iocore.Event {
	var side, other string
	switch vio {
	case s.clientReadVIO, s.clientWriteVIO:
		side, other = "client", "server"
	case s.serverReadVIO, s.serverWriteVIO:
		side, other = "server", "client"
	default:
		return iocore.EventNone
	}

	s.closeSideLocked(side)

	var otherWriteVIO *iocore.VIO
	if other == "client" {
		otherWriteVIO = s.clientWriteVIO
	} else {
		otherWriteVIO = s.serverWriteVIO
	}
	if otherWriteVIO == nil || otherWriteVIO.Reader().Avail() == 0 {
		s.closeSideLocked(other)
	} else {
		s.pendingDrainSide = other
	}

	if event == iocore.EventError {
		return iocore.EventError
	}
	return iocore.EventNone
}
