package workerpool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type memEntry struct {
	state   State
	expires time.Time
}

// MemStatusStore keeps states in process memory. An entry expires ttl after
// its last write. Expired entries are dropped on read, and by a sweep that a
// Put runs at most once per ttl, so unqueried handles do not accumulate.
type MemStatusStore struct {
	entries   *xsync.MapOf[string, memEntry]
	ttl       time.Duration
	now       func() time.Time
	lastSweep atomic.Int64 // unix nanos
}

func NewMemStatusStore(ttl time.Duration) *MemStatusStore {
	m := &MemStatusStore{
		entries: xsync.NewMapOf[string, memEntry](),
		ttl:     ttl,
		now:     time.Now,
	}
	m.lastSweep.Store(time.Now().UnixNano())
	return m
}

func (m *MemStatusStore) Put(_ context.Context, st State) error {
	now := m.now()
	m.entries.Store(st.Handle, memEntry{state: st.clone(), expires: now.Add(m.ttl)})
	m.maybeSweep(now)
	return nil
}

func (m *MemStatusStore) maybeSweep(now time.Time) {
	last := m.lastSweep.Load()
	if now.Sub(time.Unix(0, last)) < m.ttl {
		return
	}
	if !m.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	m.sweep(now)
}

func (m *MemStatusStore) sweep(now time.Time) {
	m.entries.Range(func(handle string, e memEntry) bool {
		if now.After(e.expires) {
			// recheck under the bucket lock, a concurrent Put may have refreshed it
			m.entries.Compute(handle, func(old memEntry, loaded bool) (memEntry, bool) {
				return old, !loaded || now.After(old.expires)
			})
		}
		return true
	})
}

func (m *MemStatusStore) Get(_ context.Context, handle string) (State, error) {
	var (
		res   State
		found bool
	)
	now := m.now()
	m.entries.Compute(handle, func(old memEntry, loaded bool) (memEntry, bool) {
		if !loaded || now.After(old.expires) {
			return old, true
		}
		res, found = old.state.clone(), true
		return old, false
	})
	if !found {
		return State{}, ErrUnknownHandle
	}
	return res, nil
}
