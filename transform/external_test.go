package transform_test

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficserver-iocore/iocore"
	"github.com/trafficserver-iocore/iocore/transform"
)

// startHelper runs a tiny TCP server implementing the external-service
// transform's wire protocol: read a 4-byte length prefix plus body, then
// answer with the 4-byte status and the body that respond returns for it.
func startHelper(t *testing.T, respond func(body []byte) (status int32, out []byte)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		lenBuf := make([]byte, 4)
		if _, err := readFull(conn, lenBuf); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf)
		body := make([]byte, n)
		if _, err := readFull(conn, body); err != nil {
			return
		}

		status, out := respond(body)
		statusBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(statusBuf, uint32(status))
		conn.Write(statusBuf)
		conn.Write(out)
	}()
	return ln.Addr().String()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func upper(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

// TestExternalService_SuccessPipesTransformedBody covers the happy path
// of spec.md 4.E's external-service state machine: BUFFER -> CONNECT ->
// WRITE -> READ_STATUS -> READ.
func TestExternalService_SuccessPipesTransformedBody(t *testing.T) {
	addr := startHelper(t, func(body []byte) (int32, []byte) {
		return 1, upper(body)
	})

	loop := iocore.NewEventLoop()
	outputSide, readSide := iocore.NewSynthesizedPair()
	defer outputSide.Close()
	defer readSide.Close()

	dial := func() (*iocore.VConn, error) {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		return iocore.NewVConnFromNet(conn), nil
	}

	es, err := transform.NewExternalService(loop, outputSide, dial, nil)
	require.NoError(t, err)

	payload := []byte("hello world")
	inBuf, err := iocore.NewBuffer(0)
	require.NoError(t, err)
	inReader := inBuf.AllocReader()
	inBuf.Write(payload)

	inCont := newFakeInputCont()
	input := transform.NewInputVIO(inReader, int64(len(payload)))
	es.Attach(input, inCont)

	waitEvent(t, inCont.events, iocore.EventVConnWriteComplete)

	dstBuf, err := iocore.NewBuffer(0)
	require.NoError(t, err)
	readCont := loop.NewContinuation(func(event iocore.Event, edata any) iocore.Event { return iocore.EventNone })
	dstReader := dstBuf.AllocReader()
	readSide.DoIORead(readCont, dstBuf, int64(len(payload)))

	require.Eventually(t, func() bool {
		return dstReader.Avail() == int64(len(payload))
	}, 3*time.Second, 10*time.Millisecond)

	got := dstReader.Peek(len(payload))
	assert.Equal(t, upper(payload), got)
}

// TestExternalService_NegativeStatusBypasses covers READ_STATUS's
// "status <= 0 means bypass" rule: the client must see the untransformed
// body, not an error.
func TestExternalService_NegativeStatusBypasses(t *testing.T) {
	addr := startHelper(t, func(body []byte) (int32, []byte) {
		return -1, nil
	})

	loop := iocore.NewEventLoop()
	outputSide, readSide := iocore.NewSynthesizedPair()
	defer outputSide.Close()
	defer readSide.Close()

	dial := func() (*iocore.VConn, error) {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		return iocore.NewVConnFromNet(conn), nil
	}

	es, err := transform.NewExternalService(loop, outputSide, dial, nil)
	require.NoError(t, err)

	payload := []byte("untouched body")
	inBuf, err := iocore.NewBuffer(0)
	require.NoError(t, err)
	inReader := inBuf.AllocReader()
	inBuf.Write(payload)

	inCont := newFakeInputCont()
	input := transform.NewInputVIO(inReader, int64(len(payload)))
	es.Attach(input, inCont)
	waitEvent(t, inCont.events, iocore.EventVConnWriteComplete)

	dstBuf, err := iocore.NewBuffer(0)
	require.NoError(t, err)
	readCont := loop.NewContinuation(func(event iocore.Event, edata any) iocore.Event { return iocore.EventNone })
	dstReader := dstBuf.AllocReader()
	readSide.DoIORead(readCont, dstBuf, int64(len(payload)))

	require.Eventually(t, func() bool {
		return dstReader.Avail() == int64(len(payload))
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, payload, dstReader.Peek(len(payload)))
}

// TestExternalService_DialFailureBypasses covers the "any error connecting
// to... the helper transitions to BYPASS" rule when there is no helper at
// all to connect to.
func TestExternalService_DialFailureBypasses(t *testing.T) {
	loop := iocore.NewEventLoop()
	outputSide, readSide := iocore.NewSynthesizedPair()
	defer outputSide.Close()
	defer readSide.Close()

	dial := func() (*iocore.VConn, error) {
		return nil, assertErr
	}

	es, err := transform.NewExternalService(loop, outputSide, dial, nil)
	require.NoError(t, err)

	payload := []byte("still gets through")
	inBuf, err := iocore.NewBuffer(0)
	require.NoError(t, err)
	inReader := inBuf.AllocReader()
	inBuf.Write(payload)

	inCont := newFakeInputCont()
	input := transform.NewInputVIO(inReader, int64(len(payload)))
	es.Attach(input, inCont)
	waitEvent(t, inCont.events, iocore.EventVConnWriteComplete)

	dstBuf, err := iocore.NewBuffer(0)
	require.NoError(t, err)
	readCont := loop.NewContinuation(func(event iocore.Event, edata any) iocore.Event { return iocore.EventNone })
	dstReader := dstBuf.AllocReader()
	readSide.DoIORead(readCont, dstBuf, int64(len(payload)))

	require.Eventually(t, func() bool {
		return dstReader.Avail() == int64(len(payload))
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, payload, dstReader.Peek(len(payload)))
}

var assertErr = &dialError{}

type dialError struct{}

func (*dialError) Error() string { return "dial failed" }
