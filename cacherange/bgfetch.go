package cacherange

import (
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/trafficserver-iocore/iocore"
	"github.com/trafficserver-iocore/iocore/internal/jumphash"
)

// bufferSizeIndex matches intercept/transform's 4 KiB block choice.
const bufferSizeIndex = 5

// bgFetchShards bounds BgFetchState's lock contention: instead of one
// mutex guarding every in-flight URL, jumphash.Hash spreads URLs across a
// fixed set of independently-locked shards (the same consistent-hashing
// building block server_selector.go uses to pick servers, repurposed here
// to pick a lock instead of a destination).
const bgFetchShards = 32

type bgShard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

// BgFetchState deduplicates background fetches: only one fetch per URL
// may be in flight at a time (spec.md 4.F).
type BgFetchState struct {
	shards [bgFetchShards]bgShard
}

// NewBgFetchState builds an empty BgFetchState.
func NewBgFetchState() *BgFetchState {
	bg := &BgFetchState{}
	for i := range bg.shards {
		bg.shards[i].inflight = make(map[string]struct{})
	}
	return bg
}

func (bg *BgFetchState) shardFor(url string) *bgShard {
	idx := jumphash.Hash(xxh3.HashString(url), bgFetchShards)
	return &bg.shards[idx]
}

// Acquire reports whether url was newly locked for a background fetch.
// false means a fetch for this url is already running.
func (bg *BgFetchState) Acquire(url string) bool {
	s := bg.shardFor(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inflight[url]; exists {
		return false
	}
	s.inflight[url] = struct{}{}
	return true
}

// Release frees url for a future background fetch.
func (bg *BgFetchState) Release(url string) {
	s := bg.shardFor(url)
	s.mu.Lock()
	delete(s.inflight, url)
	s.mu.Unlock()
}

// DialFunc opens the outbound VConn a background fetch reads from (spec
// 4.F: "connects via the internal loopback connect API using the
// client's IP").
type DialFunc func() (*iocore.VConn, error)

// BgFetchData drives one background fetch's VConn to completion, reading
// and discarding the body so the surrounding cache layer captures it as
// a side effect (spec.md 4.F).
type BgFetchData struct {
	mu   sync.Mutex
	url  string
	bg   *BgFetchState
	dial DialFunc
	req  []byte
	sink iocore.EventSink

	cont *iocore.Continuation

	vc        *iocore.VConn
	reqReader *iocore.Reader
	respBuf   *iocore.Buffer
	respRead  *iocore.Reader
	done      bool
}

// StartBackgroundFill launches a background fetch for a URL the caller
// has already Acquire()'d. request is the serialized cloned request
// (client headers plus a rewritten Host, per spec.md 4.F).
func StartBackgroundFill(loop *iocore.EventLoop, bg *BgFetchState, url string, dial DialFunc, request []byte, sink iocore.EventSink) *BgFetchData {
	if sink == nil {
		sink = iocore.DefaultEventSink
	}
	f := &BgFetchData{url: url, bg: bg, dial: dial, req: request, sink: sink}
	f.cont = loop.NewContinuation(f.handleEvent)
	f.start()
	return f
}

// start implements spec.md 4.F's IMMEDIATE step: connect, then launch the
// write (request) and read (response) VIOs.
func (f *BgFetchData) start() {
	vc, err := f.dial()
	if err != nil {
		f.sink.OnProtocolError("cacherange", err)
		f.finish()
		return
	}

	reqBuf, err := iocore.NewBuffer(bufferSizeIndex)
	if err != nil {
		f.sink.OnResourceError("cacherange", err)
		f.finish()
		return
	}
	reqReader := reqBuf.AllocReader()
	reqBuf.Write(f.req)

	respBuf, err := iocore.NewBuffer(bufferSizeIndex)
	if err != nil {
		f.sink.OnResourceError("cacherange", err)
		f.finish()
		return
	}

	f.mu.Lock()
	f.vc = vc
	f.reqReader = reqReader
	f.respBuf = respBuf
	f.respRead = respBuf.AllocReader()
	f.mu.Unlock()

	vc.DoIOWrite(f.cont, int64(len(f.req)), reqReader)
	vc.DoIORead(f.cont, respBuf, iocore.Unbounded)
}

func (f *BgFetchData) handleEvent(event iocore.Event, edata any) iocore.Event {
	switch event {
	case iocore.EventVConnReadReady:
		f.drain()
	case iocore.EventVConnReadComplete, iocore.EventVConnEOS:
		f.drain()
		f.finish()
	case iocore.EventVConnInactivityTimeout, iocore.EventError:
		f.finish()
	}
	return iocore.EventNone
}

// drain implements "VCONN_READ_READY drains and discards available
// bytes" — the read VIO's own ndone already advances as bytes are
// produced into respBuf; consuming here just frees blocks for reclaim.
func (f *BgFetchData) drain() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.respRead == nil {
		return
	}
	avail := f.respRead.Avail()
	if avail > 0 {
		f.respRead.Consume(avail)
	}
}

// finish closes the VConn, releases the URL lock, and destroys the
// continuation — idempotent so every terminal event path can call it.
func (f *BgFetchData) finish() {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	vc := f.vc
	f.mu.Unlock()

	if vc != nil {
		vc.Close()
	}
	f.bg.Release(f.url)
	f.cont.Destroy()
}
