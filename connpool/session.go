package connpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/sony/gobreaker/v2"

	"github.com/trafficserver-iocore/iocore"
)

// PooledState mirrors proxy/PoolableSession.h's PooledState enum: where a
// session sits in its pooling lifecycle.
type PooledState int

const (
	// StateInit is a session that has not yet been handed to anyone.
	StateInit PooledState = iota
	// StateInUse is a session actively serving a transaction.
	StateInUse
	// StateReserved is a session kept stuck to one client connection
	// (keep-alive affinity) rather than returned to the shared pool.
	StateReserved
	// StatePooled is a session idle and available for reuse.
	StatePooled
)

// PoolableSession wraps the VConn a ConnectingEntry produced. Multiplexed
// sessions (HTTP/2-style) are shared across every waiter; non-multiplexed
// sessions go to exactly one waiter. Sessions a ConnectingEntry produces
// are not placed into a SessionPool; SessionPool builds its own sessions
// through its dial constructor. The PooledState/private/ConnTrackGroup
// fields mirror proxy/PoolableSession.h one for one.
type PoolableSession struct {
	mu          sync.Mutex
	vc          *iocore.VConn
	multiplexed bool
	state       PooledState
	private     bool

	// ConnTrackGroup is the per-destination live-connection counter this
	// session counts against, the same back-pointer
	// proxy/PoolableSession.h calls conn_track_group.
	ConnTrackGroup *ConnTrackGroup

	closed atomic.Bool
}

func newPoolableSession(vc *iocore.VConn, track *ConnTrackGroup) *PoolableSession {
	return &PoolableSession{vc: vc, ConnTrackGroup: track}
}

// VConn returns the underlying connection.
func (s *PoolableSession) VConn() *iocore.VConn { return s.vc }

// IsMultiplexed reports whether this session was negotiated as a
// multiplexed (HTTP/2-style) session shared across waiters.
func (s *PoolableSession) IsMultiplexed() bool { return s.multiplexed }

// State reports the session's current PooledState.
func (s *PoolableSession) State() PooledState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState mirrors PoolableSession::set_active: transition to a new
// pooling state (e.g. StateInUse when handed to a waiter, StatePooled
// when returned idle).
func (s *PoolableSession) SetState(st PooledState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// IsActive mirrors PoolableSession::is_active.
func (s *PoolableSession) IsActive() bool { return s.State() == StateInUse }

// SetPrivate mirrors PoolableSession::set_private: once a session has
// carried client authentication headers it must never be shared with
// another client, so it is pinned (private) instead of returned to the
// shared pool.
func (s *PoolableSession) SetPrivate(private bool) {
	s.mu.Lock()
	s.private = private
	s.mu.Unlock()
}

// IsPrivate mirrors PoolableSession::is_private.
func (s *PoolableSession) IsPrivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.private
}

// IdleFor reports how long it has been since this session last made read
// or write progress, for a reaper deciding whether a pooled session is
// stale enough to evict.
func (s *PoolableSession) IdleFor() time.Duration {
	last := s.vc.LastActivity()
	if last.IsZero() {
		return 0
	}
	return time.Since(last)
}

// Close releases the underlying VConn and releases this session's slot
// against its ConnTrackGroup, if any. Idempotent.
func (s *PoolableSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ConnTrackGroup != nil {
		s.ConnTrackGroup.Release()
	}
	return s.vc.Close()
}

// SessionPool reuses PoolableSessions for one destination the way
// pool_puddle.go reuses memcache connections: a puddle.Pool supplies
// Acquire/Release semantics over a Constructor that dials fresh sessions
// when the pool is empty.
type SessionPool struct {
	pool *puddle.Pool[*PoolableSession]
}

// NewSessionPool builds a SessionPool whose puddle constructor calls dial
// whenever no idle session is available. It does not go through
// ConnectingPool.RequestSession, and its sessions have no ConnTrackGroup.
func NewSessionPool(dial func(ctx context.Context) (*iocore.VConn, error), maxSize int32) (*SessionPool, error) {
	cfg := &puddle.Config[*PoolableSession]{
		Constructor: func(ctx context.Context) (*PoolableSession, error) {
			vc, err := dial(ctx)
			if err != nil {
				return nil, err
			}
			return newPoolableSession(vc, nil), nil
		},
		Destructor: func(s *PoolableSession) { s.Close() },
		MaxSize:    maxSize,
	}
	p, err := puddle.NewPool(cfg)
	if err != nil {
		return nil, err
	}
	return &SessionPool{pool: p}, nil
}

// Acquire borrows a session, reusing an idle one when available.
func (sp *SessionPool) Acquire(ctx context.Context) (*puddle.Resource[*PoolableSession], error) {
	return sp.pool.Acquire(ctx)
}

// Close shuts the pool and every idle session down.
func (sp *SessionPool) Close() { sp.pool.Close() }

// CircuitBreaker protects RequestSession against repeatedly hammering a
// destination that is down, the same role circuit_breaker.go's
// GoBreakerWrapper plays for memcache requests — here wrapping a connect
// attempt instead of a command round-trip.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker[*iocore.VConn]
}

// NewCircuitBreaker wraps gobreaker with the settings named after the
// destination so multiple breakers show up distinctly in gobreaker's own
// state-change callback, if the caller wires one.
func NewCircuitBreaker(name string) *CircuitBreaker {
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker[*iocore.VConn](gobreaker.Settings{Name: name})}
}

// Dial wraps dial so RequestSession fails fast once the breaker trips
// instead of issuing a doomed connect that would just time out later.
func (b *CircuitBreaker) Dial(dial DialFunc) DialFunc {
	return func() (*iocore.VConn, error) {
		return b.cb.Execute(func() (*iocore.VConn, error) {
			return dial()
		})
	}
}

// State reports the breaker's current state.
func (b *CircuitBreaker) State() gobreaker.State { return b.cb.State() }
