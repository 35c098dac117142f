// Package transform implements the canonical transform loop (spec 3, 4.E):
// a continuation sits between an upstream producer (the framework pushing
// untransformed bytes in) and a downstream VConn (the next transform, or
// the client connection taking transformed bytes out).
//
// The upstream side is modeled directly as an InputVIO rather than through
// iocore.VConn/DoIOWrite, because the producer here is always in-process
// framework code, not a socket a VConn Transport would pump (that role is
// reserved for the output side, which genuinely does write to a real
// downstream VConn — mirroring how intercept.State only uses VConn/VIO for
// sides that front an actual Transport).
package transform

import (
	"errors"
	"sync"

	"github.com/trafficserver-iocore/iocore"
)

// bufferSizeIndex matches intercept's choice of 4 KiB blocks.
const bufferSizeIndex = 5

// ErrBypass marks a transform that fell back to passing bytes through
// unmodified after its external service failed (spec 4.E's BYPASS state).
var ErrBypass = errors.New("transform: bypassed after external-service failure")

// InputVIO is the framework's view of data being pushed into a transform
// (spec 4.E's "input write-VIO"). Unlike a real VIO it is driven by direct
// method calls instead of a Transport pump, since there is no socket on
// this side.
type InputVIO struct {
	mu     sync.Mutex
	reader *iocore.Reader
	nbytes int64
	ndone  int64
	down   bool // upstream is shutting down without committing to nbytes
}

// NewInputVIO wraps reader, which the caller keeps writing into as more
// untransformed bytes arrive. nbytes may be iocore.Unbounded when the
// total is not known upfront.
func NewInputVIO(reader *iocore.Reader, nbytes int64) *InputVIO {
	return &InputVIO{reader: reader, nbytes: nbytes}
}

// NTodo returns bytes still expected, or 0 once Shutdown has been called.
func (v *InputVIO) NTodo() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.down {
		return 0
	}
	return v.nbytes - v.ndone
}

// NDone returns bytes consumed so far.
func (v *InputVIO) NDone() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ndone
}

// Reader exposes the underlying reader for direct Avail/Segments use.
func (v *InputVIO) Reader() *iocore.Reader { return v.reader }

// Shutdown signals that upstream is going away before nbytes was reached
// (spec 4.E: "if input's buffer is null, the upstream is shutting down").
// We model the null-buffer signal as an explicit flag rather than a nilable
// reader, since the transform still needs to drain whatever is left in it.
func (v *InputVIO) Shutdown() {
	v.mu.Lock()
	v.down = true
	v.mu.Unlock()
}

func (v *InputVIO) shuttingDown() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.down
}

func (v *InputVIO) advance(n int64) {
	v.mu.Lock()
	v.ndone += n
	v.mu.Unlock()
}

// InputCont is the narrow callback surface a transform uses to hand
// WRITE_READY/WRITE_COMPLETE back to whatever is pushing bytes in
// (spec 4.E step "reenable the input VIO / notify completion").
type InputCont interface {
	Call(event iocore.Event, edata any) iocore.Event
}

// Transform is the canonical transform loop (spec 3's TransformState:
// BUFFER/CONNECT/WRITE/READ_STATUS/READ/BYPASS collapse, for the common
// copy-through case, into a single pump driven by ready/complete events).
type Transform struct {
	mu sync.Mutex

	loop      *iocore.EventLoop
	cont      *iocore.Continuation
	inputCont InputCont

	input *InputVIO

	outputBuf    *iocore.Buffer
	outputReader *iocore.Reader
	outputVIO    *iocore.VIO

	finalized bool
}

// New creates a Transform whose output is written to outputVC (the next
// stage in the chain, or the client-facing VConn). inputCont receives
// WRITE_READY / WRITE_COMPLETE as the transform drains its InputVIO.
func New(loop *iocore.EventLoop, outputVC *iocore.VConn, inputCont InputCont) (*Transform, error) {
	buf, err := iocore.NewBuffer(bufferSizeIndex)
	if err != nil {
		return nil, err
	}

	tr := &Transform{
		loop:         loop,
		inputCont:    inputCont,
		outputBuf:    buf,
		outputReader: buf.AllocReader(),
	}
	tr.cont = loop.NewContinuation(tr.handleEvent)
	tr.outputVIO = outputVC.DoIOWrite(tr.cont, iocore.Unbounded, tr.outputReader)
	return tr, nil
}

// ID returns the transform continuation's id.
func (tr *Transform) ID() iocore.ContinuationID { return tr.cont.ID() }

// Done reports whether the output VIO has finished writing everything the
// transform will ever produce.
func (tr *Transform) Done() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.finalized
}

// Attach binds the InputVIO the transform pumps from and kicks off the
// first pass, equivalent to spec 4.E's initial BUFFER/WRITE transition.
func (tr *Transform) Attach(input *InputVIO) {
	tr.mu.Lock()
	tr.input = input
	tr.mu.Unlock()
	tr.pump()
}

// NotifyReady tells the transform more input is available to drain,
// standing in for the framework delivering VCONN_WRITE_READY on the
// transform's own VConn.
func (tr *Transform) NotifyReady() {
	tr.pump()
}

func (tr *Transform) handleEvent(event iocore.Event, edata any) iocore.Event {
	switch event {
	case iocore.EventVConnWriteReady:
		// Downstream drained some of our output; nothing to do beyond
		// keeping the pump alive, since output capacity isn't otherwise
		// tracked here.
	case iocore.EventVConnWriteComplete:
		tr.mu.Lock()
		tr.finalized = true
		tr.mu.Unlock()
	case iocore.EventError, iocore.EventVConnEOS:
		return iocore.EventError
	}
	return iocore.EventNone
}

// pump implements the canonical loop body (spec 4.E): move whatever is
// available from the input into the output buffer, reenable the output
// VIO so its pump notices, and tell the input side whether it's done.
func (tr *Transform) pump() {
	tr.mu.Lock()
	in := tr.input
	out := tr.outputVIO
	tr.mu.Unlock()
	if in == nil {
		return
	}

	if in.shuttingDown() {
		out.SetNBytes(in.NDone())
		out.Reenable()
		return
	}

	avail := in.Reader().Avail()
	todo := in.NTodo()
	towrite := avail
	if todo >= 0 && todo < towrite {
		towrite = todo
	}

	if towrite > 0 {
		tr.outputBuf.CopyFrom(in.Reader(), towrite, 0)
		in.Reader().Consume(towrite)
		in.advance(towrite)
	}

	out.Reenable()

	if in.NTodo() > 0 {
		tr.inputCont.Call(iocore.EventVConnWriteReady, in)
		return
	}
	out.SetNBytes(in.NDone())
	out.Reenable()
	tr.inputCont.Call(iocore.EventVConnWriteComplete, in)
}

// Bypass implements spec 4.E's BYPASS state: when the external service a
// transform depends on fails, the transform degrades to copying whatever
// untransformed bytes remain straight through instead of erroring the
// whole transaction out. Concretely it reports ErrBypass to sink and runs
// pump once, since the canonical loop already is a pass-through.
// ExternalService does not call it; it has its own BYPASS path.
func (tr *Transform) Bypass(sink iocore.EventSink) {
	sink.OnProtocolError("transform", ErrBypass)
	tr.pump()
}
