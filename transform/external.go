package transform

import (
	"encoding/binary"
	"sync"

	"github.com/trafficserver-iocore/iocore"
)

// esState is spec 4.E's external-service transform state machine.
type esState int

const (
	esBuffer esState = iota
	esConnect
	esWrite
	esReadStatus
	esRead
	esBypass
	esDone
)

// statusHeaderSize is the 4-byte status the helper writes back before its
// transformed body, and lengthPrefixSize is the 4-byte content-length we
// prefix the request with (spec 4.E CONNECT/READ_STATUS steps).
const (
	lengthPrefixSize = 4
	statusHeaderSize = 4
)

// DialFunc opens the outbound socket VConn to the helper transform server.
type DialFunc func() (*iocore.VConn, error)

// ExternalService is the non-trivial transform variant: it buffers the
// entire input, ships it to a helper process prefixed with its length,
// reads back a status and, on success, pipes the helper's transformed
// body to the output VConn. Any failure talking to the helper falls back
// to BYPASS so the client always gets a response.
type ExternalService struct {
	mu sync.Mutex

	loop *iocore.EventLoop
	cont *iocore.Continuation
	dial DialFunc
	sink iocore.EventSink

	inputCont InputCont
	input     *InputVIO
	inputBuf  *iocore.Buffer // spec 4.E BUFFER: accumulated whole request body
	inputRead *iocore.Reader

	outputVIO    *iocore.VIO
	outputBuf    *iocore.Buffer
	outputReader *iocore.Reader
	produced     int64 // cumulative bytes ever copied into outputBuf

	helperVC  *iocore.VConn
	reqBuf    *iocore.Buffer
	respBuf   *iocore.Buffer
	respRead  *iocore.Reader
	respVIO   *iocore.VIO
	statusLen int64

	state esState
}

// NewExternalService creates an ExternalService transform. dial is invoked
// once, after the whole input has been buffered, to reach the helper;
// sink receives OnProtocolError when a helper failure forces a bypass.
func NewExternalService(loop *iocore.EventLoop, outputVC *iocore.VConn, dial DialFunc, sink iocore.EventSink) (*ExternalService, error) {
	if sink == nil {
		sink = iocore.DefaultEventSink
	}
	inBuf, err := iocore.NewBuffer(bufferSizeIndex)
	if err != nil {
		return nil, err
	}
	outBuf, err := iocore.NewBuffer(bufferSizeIndex)
	if err != nil {
		return nil, err
	}

	es := &ExternalService{
		loop:         loop,
		dial:         dial,
		sink:         sink,
		inputBuf:     inBuf,
		inputRead:    inBuf.AllocReader(),
		outputBuf:    outBuf,
		outputReader: outBuf.AllocReader(),
		state:        esBuffer,
	}
	es.cont = loop.NewContinuation(es.handleEvent)
	es.outputVIO = outputVC.DoIOWrite(es.cont, iocore.Unbounded, es.outputReader)
	return es, nil
}

// ID returns the transform continuation's id.
func (es *ExternalService) ID() iocore.ContinuationID { return es.cont.ID() }

// Attach binds the InputVIO and enters the BUFFER state.
func (es *ExternalService) Attach(input *InputVIO, inputCont InputCont) {
	es.mu.Lock()
	es.input = input
	es.inputCont = inputCont
	es.mu.Unlock()
	es.bufferPump()
}

// NotifyReady drains whatever new input is available; safe to call from
// BUFFER or, harmlessly, from any later state.
func (es *ExternalService) NotifyReady() {
	es.mu.Lock()
	state := es.state
	es.mu.Unlock()
	if state == esBuffer {
		es.bufferPump()
	}
}

// bufferPump implements the BUFFER state: copy everything available from
// the framework's input into inputBuf, keep the upstream fed with
// WRITE_READY, and transition to CONNECT once the input is exhausted.
func (es *ExternalService) bufferPump() {
	es.mu.Lock()
	in := es.input
	es.mu.Unlock()
	if in == nil {
		return
	}

	avail := in.Reader().Avail()
	if avail > 0 {
		es.inputBuf.CopyFrom(in.Reader(), avail, 0)
		in.Reader().Consume(avail)
		in.advance(avail)
	}

	if in.NTodo() > 0 {
		es.inputCont.Call(iocore.EventVConnWriteReady, in)
		return
	}
	es.inputCont.Call(iocore.EventVConnWriteComplete, in)
	es.beginConnect()
}

func (es *ExternalService) beginConnect() {
	es.mu.Lock()
	es.state = esConnect
	es.mu.Unlock()

	if es.dial == nil {
		es.toBypass()
		return
	}
	helperVC, err := es.dial()
	if err != nil {
		es.sink.OnProtocolError("transform", err)
		es.toBypass()
		return
	}

	es.mu.Lock()
	es.helperVC = helperVC
	bodyLen := es.inputRead.Avail()

	reqBuf, err := iocore.NewBuffer(bufferSizeIndex)
	if err != nil {
		es.mu.Unlock()
		es.sink.OnResourceError("transform", err)
		es.toBypass()
		return
	}
	es.reqBuf = reqBuf
	reqReader := reqBuf.AllocReader()

	prefix := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint32(prefix, uint32(bodyLen))
	reqBuf.Write(prefix)
	reqBuf.CopyFrom(es.inputRead, bodyLen, 0)

	respBuf, err := iocore.NewBuffer(bufferSizeIndex)
	if err != nil {
		es.mu.Unlock()
		es.sink.OnResourceError("transform", err)
		es.toBypass()
		return
	}
	es.respBuf = respBuf
	es.respRead = respBuf.AllocReader()

	es.state = esWrite
	es.mu.Unlock()

	helperVC.DoIOWrite(es.cont, lengthPrefixSize+bodyLen, reqReader)
	es.mu.Lock()
	es.respVIO = helperVC.DoIORead(es.cont, respBuf, statusHeaderSize)
	es.mu.Unlock()
}

func (es *ExternalService) handleEvent(event iocore.Event, edata any) iocore.Event {
	es.mu.Lock()
	state := es.state
	es.mu.Unlock()

	vio, _ := edata.(*iocore.VIO)

	switch event {
	case iocore.EventVConnWriteComplete:
		if state == esWrite {
			// Request fully shipped; status read is already in flight
			// from beginConnect, nothing more to do here.
		}
	case iocore.EventVConnReadComplete:
		if state == esWrite || state == esReadStatus {
			es.onStatusComplete()
		} else if state == esRead {
			es.onBodyProgress(vio, true)
		}
	case iocore.EventVConnReadReady:
		if state == esRead {
			es.onBodyProgress(vio, false)
		}
	case iocore.EventVConnEOS:
		if state == esRead {
			es.finish()
		}
	case iocore.EventError:
		es.sink.OnProtocolError("transform", ErrBypass)
		es.toBypass()
	}
	return iocore.EventNone
}

// onStatusComplete implements READ_STATUS: a non-positive status means
// bypass, otherwise move on to streaming the transformed body.
func (es *ExternalService) onStatusComplete() {
	es.mu.Lock()
	status := int32(0)
	if b := es.respRead.Peek(statusHeaderSize); len(b) == statusHeaderSize {
		status = int32(binary.BigEndian.Uint32(b))
	}
	es.respRead.Consume(statusHeaderSize)
	es.mu.Unlock()

	if status <= 0 {
		es.toBypass()
		return
	}

	es.mu.Lock()
	es.state = esRead
	helperVC := es.helperVC
	respBuf := es.respBuf
	es.mu.Unlock()
	helperVC.DoIORead(es.cont, respBuf, iocore.Unbounded)
}

func (es *ExternalService) onBodyProgress(_ *iocore.VIO, last bool) {
	es.mu.Lock()
	avail := es.respRead.Avail()
	if avail > 0 {
		es.outputBuf.CopyFrom(es.respRead, avail, 0)
		es.respRead.Consume(avail)
		es.produced += avail
	}
	es.mu.Unlock()
	es.outputVIO.Reenable()
	if last {
		es.finish()
	}
}

// toBypass implements BYPASS: forward whatever was buffered from the
// original input straight to the output, skipping the length prefix.
func (es *ExternalService) toBypass() {
	es.mu.Lock()
	es.state = esBypass
	if es.helperVC != nil {
		es.helperVC.Close()
		es.helperVC = nil
	}
	avail := es.inputRead.Avail()
	if avail > 0 {
		es.outputBuf.CopyFrom(es.inputRead, avail, 0)
		es.inputRead.Consume(avail)
		es.produced += avail
	}
	es.mu.Unlock()
	es.outputVIO.Reenable()
	es.finish()
}

// finish caps the output VIO's n_bytes_total to the cumulative amount
// ever copied into outputBuf, which is the correct "no more is coming"
// signal regardless of how much the output pump has flushed to its
// Transport so far (spec 4.E).
func (es *ExternalService) finish() {
	es.mu.Lock()
	es.state = esDone
	produced := es.produced
	es.mu.Unlock()
	es.outputVIO.SetNBytes(produced)
	es.outputVIO.Reenable()
}
