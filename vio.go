package iocore

import "math"

// Unbounded is the n_bytes_total sentinel meaning "until EOS" rather than
// a fixed byte target — the intercept and bridge cases use it (spec 3).
const Unbounded int64 = math.MaxInt64

// VIO binds one VConn channel to a continuation, a buffer (read side) or
// reader (write side), and a byte target (spec 3, 4.B).
type VIO struct {
	vc     *VConn
	contID ContinuationID
	loop   *EventLoop
	write  bool

	buffer *Buffer // destination, for a read VIO
	reader *Reader // source, for a write VIO

	nbytes int64
	ndone  int64

	kick chan struct{}
	stop chan struct{}
}

func newVIO(vc *VConn, cont *Continuation, write bool, nbytes int64) *VIO {
	return &VIO{
		vc:     vc,
		contID: cont.ID(),
		loop:   cont.loop,
		write:  write,
		nbytes: nbytes,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// NDone returns the number of bytes moved so far. It is monotonically
// increasing for the life of the VIO.
func (v *VIO) NDone() int64 { return v.ndone }

// NTodo returns n_bytes_total - ndone.
func (v *VIO) NTodo() int64 { return v.nbytes - v.ndone }

// NBytes returns the VIO's byte target (may be Unbounded).
func (v *VIO) NBytes() int64 { return v.nbytes }

// Reader returns the reader a write VIO consumes from.
func (v *VIO) Reader() *Reader { return v.reader }

// Buffer returns the buffer a read VIO produces into.
func (v *VIO) Buffer() *Buffer { return v.buffer }

// IsWrite reports whether this is the write side of a VConn.
func (v *VIO) IsWrite() bool { return v.write }

// Reenable is the universal back-pressure primitive: it asks the VConn to
// re-check progress on this VIO, e.g. after a consumer has drained bytes
// a producer was paused waiting to hand off (spec 4.B).
func (v *VIO) Reenable() {
	select {
	case v.kick <- struct{}{}:
	default:
	}
}

// SetNBytes rewrites n_bytes_total. Transforms use this to finalize an
// Unbounded output VIO once the total it will ever produce is known (spec
// 4.E: "set the transform's own output n_bytes to ndone" — the producer's
// cumulative done count, not this VIO's own, since this VIO's ndone only
// tracks what its pump has actually flushed so far).
func (v *VIO) SetNBytes(n int64) {
	v.nbytes = n
}

func (v *VIO) dispatch(event Event) {
	v.loop.Dispatch(v.contID, event, v)
}

func (v *VIO) closeDown() {
	select {
	case <-v.stop:
	default:
		close(v.stop)
	}
}
