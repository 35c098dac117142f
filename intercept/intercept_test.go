package intercept_test

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trafficserver-iocore/iocore"
	"github.com/trafficserver-iocore/iocore/intercept"
)

// startEchoServer starts a TCP echo listener and returns its address,
// modeling spec.md Scenario 1's 127.0.0.1:7 echo service.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// TestIntercept_EchoRoundTrip implements spec.md Scenario 1: the plugin
// attaches an intercept that bridges to a TCP echo server, and the bytes
// the client sends must come back byte-for-byte.
func TestIntercept_EchoRoundTrip(t *testing.T) {
	echoAddr := startEchoServer(t)
	loop := iocore.NewEventLoop()

	dial := func() (*iocore.VConn, error) {
		conn, err := net.Dial("tcp", echoAddr)
		if err != nil {
			return nil, err
		}
		return iocore.NewVConnFromNet(conn), nil
	}

	handler := intercept.NewHandler(loop, dial, nil)
	cont := handler.Attach()

	// The side ATS would hand the plugin is clientConn; testConn plays
	// the role of the real client talking to it.
	testConn, clientConn := net.Pipe()
	defer testConn.Close()

	clientVC := iocore.NewVConnFromNet(clientConn)
	cont.Deliver(iocore.EventNetAccept, clientVC)

	request := []byte("GET /hello HTTP/1.1\r\nHost: x\r\n\r\n")

	done := make(chan []byte, 1)
	go func() {
		var got bytes.Buffer
		buf := make([]byte, 4096)
		for got.Len() < len(request) {
			n, err := testConn.Read(buf)
			if n > 0 {
				got.Write(buf[:n])
			}
			if err != nil {
				break
			}
		}
		done <- got.Bytes()
	}()

	_, err := testConn.Write(request)
	require.NoError(t, err)

	select {
	case got := <-done:
		require.Equal(t, request, got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for echoed bytes")
	}
}

// TestIntercept_AcceptFailedFreesStateWithoutVIOs covers spec.md 4.D step
// 2: NET_ACCEPT_FAILED must free state without touching any VIO.
func TestIntercept_AcceptFailedFreesStateWithoutVIOs(t *testing.T) {
	loop := iocore.NewEventLoop()
	handler := intercept.NewHandler(loop, nil, nil)
	cont := handler.Attach()

	require.NotPanics(t, func() {
		cont.Deliver(iocore.EventNetAcceptFailed, nil)
	})
}
