package iocore

import (
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trafficserver-iocore/iocore/internal/coarsetime"
)

// Transport is the byte-level channel a VConn pumps; net.Conn satisfies it
// directly. It exists as its own interface so a VConn can also be backed
// by a synthesized in-process pipe (spec 3, construction case "c").
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// VConn is a virtual connection: two independently shutdownable
// half-duplex channels bound to one Transport (spec 3).
type VConn struct {
	mu            sync.Mutex
	transport     Transport
	readVIO       *VIO
	writeVIO      *VIO
	readShutdown  bool
	writeShutdown bool
	closed        bool

	// ProvidedCert mirrors ATS treating a secured transport as an opaque
	// VConn with a "provided cert" flag, rather than modeling TLS itself
	// (spec 1, explicitly out of scope).
	ProvidedCert bool

	// NegotiatedMultiplexed mirrors the ALPN/protocol-negotiation result a
	// real TLS handshake would expose; a DialFunc sets this once the
	// handshake completes. connpool.ConnectingEntry reads it off the VConn
	// after connect, the same way ConnectingEntry::state_http_server_open
	// only knows whether a session multiplexes once the connection itself
	// reports it, never from a caller's a-priori guess.
	NegotiatedMultiplexed bool

	timeoutMu       sync.Mutex
	inactivityDur   time.Duration
	inactivityCont  *Continuation
	inactivityTimer *time.Timer
	activeDur       time.Duration
	activeCont      *Continuation
	activeTimer     *time.Timer
	lastActivity    atomic.Value // time.Time, stamped from coarsetime.Now()
}

func newVConn(t Transport) *VConn {
	return &VConn{transport: t}
}

// NewVConnFromNet wraps an OS socket connection (spec 3, construction "a").
func NewVConnFromNet(nc net.Conn) *VConn {
	return newVConn(nc)
}

// NewVConnFromFD adopts an existing file descriptor as a VConn (spec 3,
// construction "b"; spec 6, net_vc_from_fd).
func NewVConnFromFD(fd uintptr, name string) (*VConn, error) {
	f := os.NewFile(fd, name)
	nc, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	return newVConn(nc), nil
}

// duplexPipe joins two unidirectional io.Pipe instances into one
// bidirectional Transport, used to synthesize in-process VConn pairs.
type duplexPipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (d *duplexPipe) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplexPipe) Write(p []byte) (int, error) { return d.w.Write(p) }
func (d *duplexPipe) Close() error {
	err1 := d.r.Close()
	err2 := d.w.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// NewSynthesizedPair returns two VConns connected back to back entirely
// in-process (spec 3, construction "c"): the intercept endpoint ATS hands
// to a plugin, and the server-side endpoint used by http_connect-style
// loopback fetches (background fill, plugin-as-origin).
func NewSynthesizedPair() (a, b *VConn) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	a = newVConn(&duplexPipe{r: ar, w: bw})
	b = newVConn(&duplexPipe{r: br, w: aw})
	return a, b
}

// DoIORead starts (or replaces) the read-side VIO, producing up to
// n_bytes into buf and delivering READ_READY / READ_COMPLETE / EOS to
// cont (spec 4.B). n_bytes may be Unbounded. With n_bytes of 0 the VIO
// still reads the first chunk that arrives (up to 32 KiB) into buf and
// then reports READ_COMPLETE.
func (vc *VConn) DoIORead(cont *Continuation, buf *Buffer, nbytes int64) *VIO {
	v := newVIO(vc, cont, false, nbytes)
	v.buffer = buf

	vc.mu.Lock()
	old := vc.readVIO
	vc.readVIO = v
	vc.mu.Unlock()
	if old != nil {
		old.closeDown()
	}

	go vc.readPump(v)
	return v
}

// DoIOWrite starts (or replaces) the write-side VIO, consuming from
// reader and delivering WRITE_READY / WRITE_COMPLETE to cont (spec 4.B).
func (vc *VConn) DoIOWrite(cont *Continuation, nbytes int64, reader *Reader) *VIO {
	v := newVIO(vc, cont, true, nbytes)
	v.reader = reader

	vc.mu.Lock()
	old := vc.writeVIO
	vc.writeVIO = v
	vc.mu.Unlock()
	if old != nil {
		old.closeDown()
	}

	go vc.writePump(v)
	return v
}

// Shutdown terminates one or both channels. Further activity on a
// shut-down channel raises ERROR (spec 4.B).
func (vc *VConn) Shutdown(read, write bool) {
	vc.mu.Lock()
	if read {
		vc.readShutdown = true
		if vc.readVIO != nil {
			vc.readVIO.closeDown()
		}
	}
	if write {
		vc.writeShutdown = true
		if vc.writeVIO != nil {
			vc.writeVIO.closeDown()
		}
	}
	vc.mu.Unlock()
}

// Close releases both channels and the VConn. A second call is a no-op
// (testable property 6).
func (vc *VConn) Close() error {
	vc.mu.Lock()
	if vc.closed {
		vc.mu.Unlock()
		return nil
	}
	vc.closed = true
	if vc.readVIO != nil {
		vc.readVIO.closeDown()
	}
	if vc.writeVIO != nil {
		vc.writeVIO.closeDown()
	}
	t := vc.transport
	vc.mu.Unlock()

	vc.timeoutMu.Lock()
	if vc.inactivityTimer != nil {
		vc.inactivityTimer.Stop()
	}
	if vc.activeTimer != nil {
		vc.activeTimer.Stop()
	}
	vc.timeoutMu.Unlock()

	if t != nil {
		return t.Close()
	}
	return nil
}

// SetInactivityTimeout arms a timer reset on every byte of read/write
// progress; expiration delivers VCONN_INACTIVITY_TIMEOUT to cont.
func (vc *VConn) SetInactivityTimeout(cont *Continuation, d time.Duration) {
	vc.timeoutMu.Lock()
	defer vc.timeoutMu.Unlock()
	vc.inactivityCont = cont
	vc.inactivityDur = d
	vc.resetInactivityLocked()
}

func (vc *VConn) resetInactivityLocked() {
	if vc.inactivityTimer != nil {
		vc.inactivityTimer.Stop()
	}
	if vc.inactivityDur <= 0 || vc.inactivityCont == nil {
		return
	}
	cont := vc.inactivityCont
	vc.inactivityTimer = time.AfterFunc(vc.inactivityDur, func() {
		cont.loop.Dispatch(cont.id, EventVConnInactivityTimeout, vc)
	})
}

func (vc *VConn) touchInactivity() {
	vc.lastActivity.Store(coarsetime.Now())
	vc.timeoutMu.Lock()
	vc.resetInactivityLocked()
	vc.timeoutMu.Unlock()
}

// LastActivity returns the last time this VConn made read/write progress,
// read off a periodically-updated clock rather than a fresh time.Now()
// call on every byte. connpool.PoolableSession.IdleFor reads it.
func (vc *VConn) LastActivity() time.Time {
	t, _ := vc.lastActivity.Load().(time.Time)
	return t
}

// SetActiveTimeout arms an absolute cap on the VConn's lifetime,
// independent of activity; expiration delivers VCONN_ACTIVE_TIMEOUT to
// cont and is never reset.
func (vc *VConn) SetActiveTimeout(cont *Continuation, d time.Duration) {
	vc.timeoutMu.Lock()
	defer vc.timeoutMu.Unlock()
	if vc.activeTimer != nil {
		vc.activeTimer.Stop()
	}
	vc.activeDur = d
	vc.activeCont = cont
	if d <= 0 {
		return
	}
	vc.activeTimer = time.AfterFunc(d, func() {
		cont.loop.Dispatch(cont.id, EventVConnActiveTimeout, vc)
	})
}

const readPumpChunk = 32 * 1024

func (vc *VConn) readPump(v *VIO) {
	tmp := make([]byte, readPumpChunk)
	for {
		select {
		case <-v.stop:
			return
		default:
		}

		vc.mu.Lock()
		closed := vc.closed || vc.readShutdown
		transport := vc.transport
		vc.mu.Unlock()
		if closed {
			v.dispatch(EventError)
			return
		}

		want := tmp
		if todo := v.nbytes - v.ndone; todo > 0 && todo < int64(len(tmp)) {
			want = tmp[:todo]
		}
		n, err := transport.Read(want)
		if n > 0 {
			v.buffer.Write(tmp[:n])
			v.ndone += int64(n)
			vc.touchInactivity()
			if v.ndone >= v.nbytes {
				v.dispatch(EventVConnReadComplete)
				return
			}
			v.dispatch(EventVConnReadReady)
		}
		if err != nil {
			if err == io.EOF {
				v.dispatch(EventVConnEOS)
			} else {
				v.dispatch(EventError)
			}
			return
		}
	}
}

func (vc *VConn) writePump(v *VIO) {
	for {
		select {
		case <-v.stop:
			return
		default:
		}

		todo := v.nbytes - v.ndone
		if todo <= 0 {
			v.dispatch(EventVConnWriteComplete)
			return
		}

		segs := v.reader.Segments(todo)
		if len(segs) == 0 {
			select {
			case <-v.kick:
				continue
			case <-v.stop:
				return
			}
		}

		vc.mu.Lock()
		closed := vc.closed || vc.writeShutdown
		transport := vc.transport
		vc.mu.Unlock()
		if closed {
			v.dispatch(EventError)
			return
		}

		var wrote int64
		var writeErr error
		for _, seg := range segs {
			n, err := transport.Write(seg)
			wrote += int64(n)
			if err != nil {
				writeErr = err
				break
			}
		}
		if wrote > 0 {
			v.reader.Consume(wrote)
			v.ndone += wrote
			vc.touchInactivity()
		}
		if writeErr != nil {
			v.dispatch(EventError)
			return
		}
		if v.ndone >= v.nbytes {
			v.dispatch(EventVConnWriteComplete)
			return
		}
		v.dispatch(EventVConnWriteReady)
	}
}
