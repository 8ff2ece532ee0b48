// Package ptrmap implements the insertion-ordered, dual-indexed map the
// broker uses everywhere it needs to both look an entry up by key and hand
// a caller a stable handle to remove it later without knowing the key
// (a "drop hook" closing over a token instead of a key).
//
// A Map is not safe for concurrent use. Every Map in this codebase lives
// inside a single actor's serialised mailbox loop (see internal/shadow and
// internal/broker), so no internal locking is needed — the actor's mailbox
// is the lock.
package ptrmap

import "sync"

// Token is a handle returned by Insert, stable for the lifetime of that
// entry and never reused by a later insert into the same Map. Token zero
// is never issued; callers use it as a null handle whose removal is a
// no-op.
type Token int64

// DropHook is a scoped destructor: it enqueues a cleanup command on another
// actor's mailbox at most once, when Drop is first called. A hook that is
// never dropped never runs (callers must call Drop themselves — there is no
// finalizer). internal/broker hands these out and internal/service drops
// them to tie a registration's lifetime to a client's stream.
type DropHook struct {
	once sync.Once
	fn   func()
}

// NewDropHook wraps fn so that it runs at most once.
func NewDropHook(fn func()) *DropHook {
	return &DropHook{fn: fn}
}

// Drop runs the hook's cleanup exactly once, even if called concurrently or
// repeatedly.
func (h *DropHook) Drop() {
	if h == nil {
		return
	}
	h.once.Do(h.fn)
}

type entry[K comparable, V any] struct {
	key   K
	val   V
	token Token
	alive bool
}

// Map is an insertion-ordered map supporting both key-based and
// token-based removal in O(1) amortised time.
type Map[K comparable, V any] struct {
	slots   []entry[K, V]
	byKey   map[K]int
	byToken map[Token]int
	free    []int
	order   []int
	next    Token
}

// New returns an empty Map ready for use.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		byKey:   make(map[K]int),
		byToken: make(map[Token]int),
		next:    1,
	}
}

// Insert adds v under k, returning a fresh token for this entry and the
// previous value stored under k, if any (supersede). The previous entry's
// token is invalidated: RemoveByToken with the old token is a no-op after
// this call returns.
func (m *Map[K, V]) Insert(k K, v V) (Token, *V) {
	token := m.next
	m.next++

	if idx, ok := m.byKey[k]; ok {
		old := m.slots[idx].val
		delete(m.byToken, m.slots[idx].token)
		m.slots[idx].val = v
		m.slots[idx].token = token
		m.byToken[token] = idx
		return token, &old
	}

	var idx int
	if n := len(m.free); n > 0 {
		idx = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		idx = len(m.slots)
		m.slots = append(m.slots, entry[K, V]{})
	}
	m.slots[idx] = entry[K, V]{key: k, val: v, token: token, alive: true}
	m.byKey[k] = idx
	m.byToken[token] = idx
	m.order = append(m.order, idx)
	return token, nil
}

// Get returns the value stored under k, if live.
func (m *Map[K, V]) Get(k K) (V, bool) {
	var zero V
	idx, ok := m.byKey[k]
	if !ok {
		return zero, false
	}
	return m.slots[idx].val, true
}

// RemoveByToken removes the entry identified by token, if it is still the
// live entry for its key (i.e. it has not since been superseded).
func (m *Map[K, V]) RemoveByToken(token Token) (V, bool) {
	var zero V
	idx, ok := m.byToken[token]
	if !ok {
		return zero, false
	}
	return m.remove(idx), true
}

// RemoveByKey removes whatever entry currently lives under k, returning its
// value and its token.
func (m *Map[K, V]) RemoveByKey(k K) (V, Token, bool) {
	var zero V
	idx, ok := m.byKey[k]
	if !ok {
		return zero, 0, false
	}
	token := m.slots[idx].token
	return m.remove(idx), token, true
}

func (m *Map[K, V]) remove(idx int) V {
	s := &m.slots[idx]
	v := s.val
	delete(m.byKey, s.key)
	delete(m.byToken, s.token)
	s.alive = false
	var zero V
	s.val = zero
	m.free = append(m.free, idx)
	return v
}

// Len returns the number of live entries.
func (m *Map[K, V]) Len() int { return len(m.byKey) }

// Each visits every live entry in insertion order. It must not be called
// re-entrantly with a mutation of the same Map from within fn; callers that
// need to mutate while iterating should collect a snapshot first (see
// Snapshot).
func (m *Map[K, V]) Each(fn func(k K, v V)) {
	// A reused slot appears in order once per insertion into it; only its
	// last occurrence marks the live entry's insertion position.
	last := make(map[int]int, len(m.order))
	for pos, idx := range m.order {
		last[idx] = pos
	}
	for pos, idx := range m.order {
		s := &m.slots[idx]
		if s.alive && last[idx] == pos {
			fn(s.key, s.val)
		}
	}
}

// Snapshot returns a copy of the live (key, value) pairs in insertion order.
// Used by callers (e.g. Shadow fan-out) that need to release the map before
// performing potentially-blocking work per entry.
func (m *Map[K, V]) Snapshot() []Pair[K, V] {
	out := make([]Pair[K, V], 0, m.Len())
	m.Each(func(k K, v V) { out = append(out, Pair[K, V]{Key: k, Val: v}) })
	return out
}

// Pair is one (key, value) entry returned by Snapshot.
type Pair[K comparable, V any] struct {
	Key K
	Val V
}
