package connpool_test

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sony/gobreaker/v2"

	"github.com/trafficserver-iocore/iocore"
	"github.com/trafficserver-iocore/iocore/connpool"
)

func TestSessionPool_ReusesAcquiredSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { <-make(chan struct{}) }()
			_ = c
		}
	}()

	dial := func(ctx context.Context) (*iocore.VConn, error) {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return nil, err
		}
		return iocore.NewVConnFromNet(conn), nil
	}

	sp, err := connpool.NewSessionPool(dial, 4)
	require.NoError(t, err)
	defer sp.Close()

	res, err := sp.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Value())
	res.Release()
}

func TestCircuitBreaker_OpensAfterRepeatedFailures(t *testing.T) {
	cb := connpool.NewCircuitBreaker("test-origin")
	failDial := func() (*iocore.VConn, error) { return nil, errors.New("boom") }
	guarded := cb.Dial(failDial)

	for i := 0; i < 20; i++ {
		guarded()
	}

	assert.Equal(t, gobreaker.StateOpen, cb.State())
}
