// Package store implements the thread-safe key-value store of spec.md
// §4.2: string and list entries with optional millisecond expiry, and a
// blocking list pop with FIFO waiter semantics.
package store

import (
	"sync"
	"sync/atomic"
	"time"
)

// kind tags which shape a Store entry has. Once a key is created its kind
// is fixed for its lifetime, per spec.md §3.
type kind int

const (
	kindString kind = iota
	kindList
)

type entry struct {
	kind kind

	str []byte // valid when kind == kindString
	list [][]byte // valid when kind == kindList

	expiresAt time.Time // zero value means no expiry
	hasExpiry bool
}

func (e *entry) expired(now time.Time) bool {
	return e.hasExpiry && !e.expiresAt.After(now)
}

// waiter is one BLPOP caller queued on a key. notifyLocked pops one
// element under Store.mu and sends it on ch, at most once per waiter, so
// a woken waiter already holds its element and never competes with a
// concurrent LPOP for it.
type waiter struct {
	ch      chan []byte
	claimed int32 // atomic; CAS-guarded handoff between notify and timeout
}

// Store is the process-wide key-value map. All exported operations are
// atomic with respect to concurrent callers; BLPOP additionally releases
// the mutex while blocked.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	// waiters holds, per key, the FIFO of blocked BLPOP callers still
	// queued. Enqueue (BLPop) and dequeue (notifyLocked) both happen
	// only while holding mu, so a plain slice is sufficient and, unlike
	// an async channel-based queue, has no window where a just-enqueued
	// waiter is invisible to a concurrent push.
	waiters map[string][]*waiter
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		entries: make(map[string]*entry),
		waiters: make(map[string][]*waiter),
	}
}

// Set overwrites key with a string value, replacing whatever was there
// (including a list), per spec.md §4.2. expiresAt is the zero time for
// "no expiry".
func (s *Store) Set(key string, value []byte, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{kind: kindString, str: append([]byte(nil), value...)}
	if !expiresAt.IsZero() {
		e.hasExpiry = true
		e.expiresAt = expiresAt
	}
	s.entries[key] = e
}

// Get returns the string value for key, or ok=false if the key is absent,
// expired, or holds a list. An expired string is deleted as a side
// effect, per spec.md §4.2.
func (s *Store) Get(key string) (value []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[key]
	if !found {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(s.entries, key)
		return nil, false
	}
	if e.kind != kindString {
		return nil, false
	}
	return e.str, true
}

// Del removes keys, returning the count actually present and removed.
func (s *Store) Del(keys ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := time.Now()
	for _, k := range keys {
		e, found := s.entries[k]
		if !found {
			continue
		}
		if e.expired(now) {
			delete(s.entries, k)
			continue
		}
		delete(s.entries, k)
		n++
	}
	return n
}

// Type reports the kind name for key: "string", "list", or "none".
func (s *Store) Type(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[key]
	if !found || e.expired(time.Now()) {
		return "none"
	}
	if e.kind == kindList {
		return "list"
	}
	return "string"
}

// Keys returns a snapshot of all non-expired keys matching pattern.
// Only "*" (match everything) is supported, per spec.md §4.2's Open
// Question decision; any other pattern returns an empty slice.
func (s *Store) Keys(pattern string) []string {
	if pattern != "*" {
		return []string{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if e.expired(now) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// coerceToList returns key's list, creating it (or coercing a string
// entry into a one-element list) per spec.md §4.2 and §9's documented
// kind-mismatch behaviour: a non-list kind is coerced rather than
// rejected with WRONGTYPE.
func (s *Store) coerceToList(key string) *entry {
	e, found := s.entries[key]
	if !found || e.expired(time.Now()) {
		e = &entry{kind: kindList}
		s.entries[key] = e
		return e
	}
	if e.kind == kindString {
		e = &entry{kind: kindList, list: [][]byte{e.str}}
		s.entries[key] = e
	}
	return e
}

// RPush appends values to the tail of key's list, returning the new
// length. It unblocks at most one BLPOP waiter per newly available
// element when the list transitions from empty to non-empty.
func (s *Store) RPush(key string, values ...[]byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.coerceToList(key)
	wasEmpty := len(e.list) == 0
	for _, v := range values {
		e.list = append(e.list, append([]byte(nil), v...))
	}
	if wasEmpty {
		s.notifyLocked(key, e)
	}
	return len(e.list)
}

// LPush prepends values to the head of key's list one at a time, in the
// order given (so the last value ends up closest to the head), returning
// the new length.
func (s *Store) LPush(key string, values ...[]byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.coerceToList(key)
	wasEmpty := len(e.list) == 0

	prepended := make([][]byte, 0, len(values)+len(e.list))
	for i := len(values) - 1; i >= 0; i-- {
		prepended = append(prepended, append([]byte(nil), values[i]...))
	}
	e.list = append(prepended, e.list...)

	if wasEmpty {
		s.notifyLocked(key, e)
	}
	return len(e.list)
}

// LRange returns the inclusive range [start, stop] of key's list,
// supporting negative indices (-1 is the last element), clamped to valid
// bounds. Returns an empty slice for a missing key, non-list key, or an
// out-of-range request.
func (s *Store) LRange(key string, start, stop int) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[key]
	if !found || e.kind != kindList {
		return [][]byte{}
	}
	length := len(e.list)
	if length == 0 {
		return [][]byte{}
	}

	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if start >= length {
		return [][]byte{}
	}
	if stop >= length {
		stop = length - 1
	}
	if stop < start {
		return [][]byte{}
	}

	out := make([][]byte, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out
}

// LLen returns the number of elements in key's list, or 0 for a missing
// or non-list key.
func (s *Store) LLen(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[key]
	if !found || e.kind != kindList {
		return 0
	}
	return len(e.list)
}

// LPop removes up to n elements from the head of key's list, in order.
// Returns nil, false if key is missing or not a list.
func (s *Store) LPop(key string, n int) ([][]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lpopLocked(key, n)
}

func (s *Store) lpopLocked(key string, n int) ([][]byte, bool) {
	e, found := s.entries[key]
	if !found || e.kind != kindList {
		return nil, false
	}
	if n <= 0 || len(e.list) == 0 {
		return [][]byte{}, true
	}
	if n > len(e.list) {
		n = len(e.list)
	}
	popped := make([][]byte, n)
	copy(popped, e.list[:n])
	e.list = e.list[n:]
	if len(e.list) == 0 {
		delete(s.entries, key)
	}
	return popped, true
}

// BLPop pops one element from key's list, blocking until one is
// available or timeout elapses. timeout == 0 blocks indefinitely.
// Returns the popped element and true, or nil and false on timeout.
func (s *Store) BLPop(key string, timeout time.Duration) ([]byte, bool) {
	s.mu.Lock()
	if popped, ok := s.lpopLocked(key, 1); ok && len(popped) == 1 {
		s.mu.Unlock()
		return popped[0], true
	}

	w := &waiter{ch: make(chan []byte, 1)}
	s.waiters[key] = append(s.waiters[key], w)
	s.mu.Unlock()

	if timeout <= 0 {
		v := <-w.ch
		return v, v != nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-w.ch:
		return v, v != nil
	case <-timer.C:
		// Race with notifyLocked: whoever wins the CAS owns the waiter.
		// If notify already claimed it, an element is (or is about to be)
		// on w.ch and must not be dropped on the floor.
		if atomic.CompareAndSwapInt32(&w.claimed, 0, 1) {
			return nil, false
		}
		v := <-w.ch
		return v, v != nil
	}
}

// notifyLocked wakes at most one queued waiter, FIFO among waiters on
// key, handing it exactly the one element the push just made available.
// A waiter that already timed out concurrently (lost the claim CAS) is
// skipped without consuming an element, so the next waiter (or a future
// direct LPOP/BLPOP) still sees it. Caller must hold s.mu; since BLPop
// also enqueues under s.mu, there is no window where a just-enqueued
// waiter is invisible here.
func (s *Store) notifyLocked(key string, e *entry) {
	q := s.waiters[key]
	for len(q) > 0 && len(e.list) > 0 {
		w := q[0]
		q = q[1:]
		if !atomic.CompareAndSwapInt32(&w.claimed, 0, 1) {
			continue // timed out already; try the next waiter
		}
		popped, _ := s.lpopLocked(key, 1)
		if len(popped) == 1 {
			w.ch <- popped[0]
		}
		break
	}
	s.waiters[key] = q
}
