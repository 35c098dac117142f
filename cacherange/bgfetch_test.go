package cacherange_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficserver-iocore/iocore"
	"github.com/trafficserver-iocore/iocore/cacherange"
)

// startDiscardServer accepts one connection, reads whatever is sent, and
// writes back a fixed body before closing — standing in for an origin the
// background fetch reads from and discards.
func startDiscardServer(t *testing.T, body []byte) string {
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
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write(body)
	}()
	return ln.Addr().String()
}

// TestBgFetchData_DrainsAndReleasesURL covers spec.md 4.F's BgFetch event
// loop and invariant 4: the fetch reads the body to completion and
// releases the URL lock so a future fetch for the same URL can proceed.
func TestBgFetchData_DrainsAndReleasesURL(t *testing.T) {
	addr := startDiscardServer(t, []byte("the entire object body"))

	loop := iocore.NewEventLoop()
	bg := cacherange.NewBgFetchState()
	url := "http://example.com/object"
	require.True(t, bg.Acquire(url))

	dial := func() (*iocore.VConn, error) {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		return iocore.NewVConnFromNet(conn), nil
	}

	cacherange.StartBackgroundFill(loop, bg, url, dial, []byte("GET /object HTTP/1.1\r\n\r\n"), nil)

	assert.Eventually(t, func() bool {
		return bg.Acquire(url)
	}, 2*time.Second, 10*time.Millisecond, "URL lock must be released once the fetch completes")
}

// TestBgFetchData_DialFailureStillReleasesURL ensures a connect failure
// doesn't leak the dedup lock forever.
func TestBgFetchData_DialFailureStillReleasesURL(t *testing.T) {
	loop := iocore.NewEventLoop()
	bg := cacherange.NewBgFetchState()
	url := "http://example.com/unreachable"
	require.True(t, bg.Acquire(url))

	dial := func() (*iocore.VConn, error) {
		return nil, assertDialErr
	}

	cacherange.StartBackgroundFill(loop, bg, url, dial, nil, nil)

	assert.Eventually(t, func() bool {
		return bg.Acquire(url)
	}, 2*time.Second, 10*time.Millisecond)
}

var assertDialErr = &dialFailure{}

type dialFailure struct{}

func (*dialFailure) Error() string { return "connect refused" }
