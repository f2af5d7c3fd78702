package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemStore is the session-scoped cache. Entries live for the lifetime of the
// process and are gone on restart, mirroring session storage semantics.
// Staleness is judged by the caller against the entry's FetchedAt; the
// backing cache itself never expires entries.
type MemStore struct {
	c   *gocache.Cache
	now func() time.Time
}

// NewMemStore creates an empty session-scoped store.
func NewMemStore() *MemStore {
	return &MemStore{
		c:   gocache.New(gocache.NoExpiration, 0),
		now: time.Now,
	}
}

// Read implements Store.
func (m *MemStore) Read(key string, maxAge time.Duration) (*Entry, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false
	}
	entry, ok := v.(*Entry)
	if !ok || entry == nil {
		return nil, false
	}
	if maxAge > 0 && m.now().Sub(entry.FetchedAt) > maxAge {
		return entry, false // stale but still usable
	}
	return entry, true
}

// Write implements Store. Writes are last-write-wins snapshots.
func (m *MemStore) Write(key string, body []byte) error {
	m.c.Set(key, &Entry{FetchedAt: m.now(), Body: body}, gocache.NoExpiration)
	return nil
}

// Invalidate implements Store.
func (m *MemStore) Invalidate(key string) error {
	m.c.Delete(key)
	return nil
}

// Flush drops every entry. Used on sign-out and in tests.
func (m *MemStore) Flush() {
	m.c.Flush()
}

// SetNow overrides the clock used for capture timestamps and staleness
// checks. Test hook.
func (m *MemStore) SetNow(now func() time.Time) {
	m.now = now
}
