// Package connpool implements spec.md 4.G: when several state machines on
// the same thread want a session to the same origin at once, only one TCP
// handshake is started and the resulting session is fanned out to all of
// them.
package connpool

import (
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/trafficserver-iocore/iocore"
	"github.com/trafficserver-iocore/iocore/internal/jumphash"
)

const bufferSizeIndex = 5

// IpEndpoint is the destination address a ConnectingEntry connects to.
type IpEndpoint struct {
	Addr string
	Port int
}

// ConnKey is the hash-multimap probe key (spec.md 4.G: "match requires
// (ip, port, sni, cert-name, no-plugin-tunnel-flag) equal").
type ConnKey struct {
	Endpoint       IpEndpoint
	SNI            string
	CertName       string
	NoPluginTunnel bool
}

func (k ConnKey) hashString() string {
	return k.Endpoint.Addr + "|" + k.SNI + "|" + k.CertName
}

// Waiter is a state machine asking the pool for a session. Exactly one of
// its three methods is called, once, per RequestSession (spec.md 4.G
// entry lifecycle step 3).
type Waiter interface {
	// ConnectTxn delivers CONNECT_EVENT_TXN: a session is ready to use.
	ConnectTxn(session *PoolableSession)
	// ConnectDirect delivers CONNECT_EVENT_DIRECT(null): make your own
	// connection, this one was handed to another waiter instead.
	ConnectDirect()
	// ConnectFailed delivers the failure event every waiter gets when the
	// connect attempt itself failed.
	ConnectFailed(err error)
}

// DialFunc performs the actual net_connect.
type DialFunc func() (*iocore.VConn, error)

// poolShardCount sizes the per-thread affinity table: jumphash gives each
// ConnKey a stable shard so repeated connects to the same origin always
// land on the same entry map without a single global lock, the same
// technique server_selector.go uses to pick a destination, repointed here
// at picking a lock shard (shared grounding with cacherange.BgFetchState).
const poolShardCount = 32

type shard struct {
	mu      sync.Mutex
	entries map[ConnKey]*ConnectingEntry
	tracks  map[ConnKey]*ConnTrackGroup
}

// ConnTrackGroup mirrors proxy/PoolableSession.h's conn_track_group: a
// per-destination live-connection counter a PoolableSession points back
// at. It only counts the outbound connections one origin has open; it
// does not enforce a limit on them.
type ConnTrackGroup struct {
	mu    sync.Mutex
	count int
}

// Acquire records one more live connection against this destination.
func (g *ConnTrackGroup) Acquire() {
	g.mu.Lock()
	g.count++
	g.mu.Unlock()
}

// Release records one fewer live connection against this destination.
func (g *ConnTrackGroup) Release() {
	g.mu.Lock()
	g.count--
	g.mu.Unlock()
}

// Count reports the current number of live connections tracked.
func (g *ConnTrackGroup) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// ConnectingPool is the per-thread pool of in-flight connects (spec.md
// 4.G). One ConnectingPool is meant to be owned by one EventLoop; nothing
// here is safe to share unmodified across independently-scheduled loops,
// matching the "no cross-thread state" rule of the cooperative model.
type ConnectingPool struct {
	loop   *iocore.EventLoop
	sink   iocore.EventSink
	shards [poolShardCount]shard
}

// NewConnectingPool builds an empty pool bound to loop.
func NewConnectingPool(loop *iocore.EventLoop, sink iocore.EventSink) *ConnectingPool {
	if sink == nil {
		sink = iocore.DefaultEventSink
	}
	p := &ConnectingPool{loop: loop, sink: sink}
	for i := range p.shards {
		p.shards[i].entries = make(map[ConnKey]*ConnectingEntry)
		p.shards[i].tracks = make(map[ConnKey]*ConnTrackGroup)
	}
	return p
}

func (p *ConnectingPool) shardFor(key ConnKey) *shard {
	idx := jumphash.Hash(xxh3.HashString(key.hashString()), poolShardCount)
	return &p.shards[idx]
}

// trackGroupFor returns the ConnTrackGroup for key, creating it on first
// use. One group lives per ConnKey for the pool's lifetime, unlike
// ConnectingEntry which is torn down once the connect resolves.
func (p *ConnectingPool) trackGroupFor(key ConnKey) *ConnTrackGroup {
	s := p.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.tracks[key]
	if !ok {
		g = &ConnTrackGroup{}
		s.tracks[key] = g
	}
	return g
}

// RequestSession implements spec.md 4.G lifecycle steps 1-2: join an
// existing ConnectingEntry's waiters, or start a new one. Whether the
// resulting session multiplexes is never supplied here — like
// ConnectingEntry::state_http_server_open, that is only known once the
// connection itself reports it after the handshake completes.
func (p *ConnectingPool) RequestSession(key ConnKey, dial DialFunc, connectTimeout time.Duration, w Waiter) {
	s := p.shardFor(key)
	track := p.trackGroupFor(key)

	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.addWaiter(w)
		s.mu.Unlock()
		return
	}
	e := newConnectingEntry(p, s, key, dial, track)
	s.entries[key] = e
	s.mu.Unlock()

	e.addWaiter(w)
	e.start(connectTimeout)
}

// CancelWaiter implements spec.md 4.G cancellation: removing the last
// waiter cancels the entry's pending connect.
func (p *ConnectingPool) CancelWaiter(key ConnKey, w Waiter) {
	s := p.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	e.removeWaiter(w)
}

func (p *ConnectingPool) remove(s *shard, key ConnKey) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}
