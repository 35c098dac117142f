// Package cacherange implements spec.md 4.F: range requests get their own
// cache key so that two different byte ranges of the same URL don't thrash
// a single cache entry, and a background fetch quietly populates the
// full-object cache entry behind a cache miss or stale hit.
package cacherange

import (
	"net/http"
	"regexp"
	"sync"
	"time"
)

// TxnID identifies one transaction across the lifetime of its hooks; the
// surrounding HTTP state machine (out of scope here) owns the id space.
type TxnID uint64

// CacheStatus mirrors txn.cache_lookup_status_get/set() (spec.md §6).
type CacheStatus int

const (
	CacheMiss CacheStatus = iota
	CacheHitFresh
	CacheHitStale
)

// Txn is the narrow slice of the transaction API this package needs:
// header access, cache-key/cache-status control, and response rewriting.
// A real integration backs this with the HTTP state machine's request and
// response records.
type Txn interface {
	URL() string
	Header(name string) (string, bool)
	SetHeader(name, value string)
	RemoveHeader(name string)
	SetCacheKey(key string) error
	DisableCacheWrite()
	Status() (code int, reason string)
	SetStatus(code int, reason string)
	ServerRespNoStore(bool)
	CacheLookupStatus() CacheStatus
	SetCacheLookupStatus(CacheStatus)
	CacheLookupDate() (time.Time, bool)
	ClientIP() string
}

// rangeSyntax matches the single byte-range form this package shards on:
// "bytes=" followed by optional start digits, "-", and optional end digits,
// so open-ended ("bytes=500-") and suffix ("bytes=-500") ranges are
// sharded too. Anything else (multi-range, other units) is left alone and
// flows through uncached-key, same as a request with no Range header.
var rangeSyntax = regexp.MustCompile(`^bytes=\d*-\d*$`)

// CanonicalRange validates a Range header value without renormalizing it
// — the cache key must use the client's exact bytes (spec.md §6), so this
// only rejects, never rewrites.
func CanonicalRange(value string) (string, bool) {
	if !rangeSyntax.MatchString(value) {
		return "", false
	}
	return value, true
}

type rangeState struct {
	rangeValue      string
	forceRevalidate bool
	imsDate         time.Time
}

// Manager drives the four hooks spec.md 4.F registers per range request,
// plus the background-fill trigger on CACHE_LOOKUP_COMPLETE.
type Manager struct {
	mu     sync.Mutex
	states map[TxnID]*rangeState
	bg     *BgFetchState
}

// NewManager builds a Manager. bg may be nil to disable background fill
// (e.g. in tests that only exercise sharding).
func NewManager(bg *BgFetchState) *Manager {
	return &Manager{states: make(map[TxnID]*rangeState), bg: bg}
}

func (m *Manager) get(id TxnID) *rangeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id]
}

// OnReadRequest implements spec.md 4.F step 1-4: compose the sharded
// cache key, strip Range from the request, and remember enough to put it
// back on the origin request (OnSendRequest) and the client record
// (OnSendResponse) later.
func (m *Manager) OnReadRequest(id TxnID, txn Txn) {
	raw, ok := txn.Header("Range")
	if !ok {
		return
	}
	rv, ok := CanonicalRange(raw)
	if !ok {
		return
	}

	key := txn.URL() + "-" + rv
	if err := txn.SetCacheKey(key); err != nil {
		txn.DisableCacheWrite()
		return
	}
	txn.RemoveHeader("Range")

	st := &rangeState{rangeValue: rv}
	if ims, ok := txn.Header("X-Crr-Ims"); ok {
		if t, err := http.ParseTime(ims); err == nil {
			st.forceRevalidate = true
			st.imsDate = t
		}
	}

	m.mu.Lock()
	m.states[id] = st
	m.mu.Unlock()
}

// OnSendRequest implements spec.md 4.F "restore the header": the origin
// still needs the Range request even though the cache key absorbed it.
func (m *Manager) OnSendRequest(id TxnID, txn Txn) {
	st := m.get(id)
	if st == nil {
		return
	}
	txn.SetHeader("Range", st.rangeValue)
}

// OnReadResponse implements the origin-reply rewrite: 206 becomes 200 so
// the cache writer treats it as a full cacheable response; 200 means the
// origin ignored Range entirely, so this transaction must not poison the
// shard with a full-body response under a range-specific key.
func (m *Manager) OnReadResponse(id TxnID, txn Txn) {
	st := m.get(id)
	if st == nil {
		return
	}
	code, _ := txn.Status()
	switch code {
	case http.StatusPartialContent:
		txn.SetStatus(http.StatusOK, "OK")
	case http.StatusOK:
		txn.DisableCacheWrite()
	}
}

// OnSendResponse implements spec.md 4.F's client-facing rewrite: a cache
// hit that manufactured a 200 goes back to 206, and the client's own
// Range header is restored for accurate logging.
func (m *Manager) OnSendResponse(id TxnID, txn Txn) {
	st := m.get(id)
	if st == nil {
		return
	}
	code, reason := txn.Status()
	if txn.CacheLookupStatus() != CacheMiss && code == http.StatusOK && reason == "Partial Content" {
		txn.SetStatus(http.StatusPartialContent, "Partial Content")
	}
	txn.SetHeader("Range", st.rangeValue)
}

// OnCacheLookupComplete implements the X-Crr-Ims forced-revalidation rule
// and triggers background fill on a cacheable miss/stale (spec.md 4.F).
func (m *Manager) OnCacheLookupComplete(id TxnID, txn Txn, fill func(url string)) {
	st := m.get(id)
	if st != nil && st.forceRevalidate {
		if date, ok := txn.CacheLookupDate(); ok && date.Before(st.imsDate) {
			txn.SetCacheLookupStatus(CacheHitStale)
		}
	}

	status := txn.CacheLookupStatus()
	if status != CacheMiss && status != CacheHitStale {
		return
	}
	if m.bg == nil || fill == nil {
		return
	}
	if !m.bg.Acquire(txn.URL()) {
		return
	}
	fill(txn.URL())
	txn.ServerRespNoStore(true)
	txn.SetCacheLookupStatus(CacheMiss)
}

// OnTxnClose implements spec.md 4.F step 3's state release.
func (m *Manager) OnTxnClose(id TxnID) {
	m.mu.Lock()
	delete(m.states, id)
	m.mu.Unlock()
}
