package cache

import (
	"sync"
	"testing"
	"time"
)

// testClock is a settable clock safe for concurrent reads.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemStoreMiss(t *testing.T) {
	m := NewMemStore()
	entry, fresh := m.Read("absent", time.Minute)
	if entry != nil || fresh {
		t.Fatalf("Read(absent) = %v, %v, want nil, false", entry, fresh)
	}
}

func TestMemStoreFreshAndStale(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewMemStore()
	m.SetNow(clock.Now)

	if err := m.Write("k", []byte(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}

	entry, fresh := m.Read("k", 5*time.Minute)
	if entry == nil || !fresh {
		t.Fatalf("expected fresh entry, got %v, %v", entry, fresh)
	}

	// Past the TTL the entry is still returned, just flagged stale.
	clock.Advance(5*time.Minute + time.Second)
	entry, fresh = m.Read("k", 5*time.Minute)
	if entry == nil {
		t.Fatal("stale entry should still be returned")
	}
	if fresh {
		t.Fatal("entry past TTL reported as fresh")
	}

	// maxAge <= 0 disables the staleness check.
	_, fresh = m.Read("k", 0)
	if !fresh {
		t.Fatal("Read with maxAge 0 should not report stale")
	}
}

func TestMemStoreInvalidate(t *testing.T) {
	m := NewMemStore()
	if err := m.Write("k", []byte(`1`)); err != nil {
		t.Fatal(err)
	}
	if err := m.Invalidate("k"); err != nil {
		t.Fatal(err)
	}
	if entry, _ := m.Read("k", 0); entry != nil {
		t.Fatal("entry survived Invalidate")
	}
}

func TestMemStoreLastWriteWins(t *testing.T) {
	m := NewMemStore()
	_ = m.Write("k", []byte(`"first"`))
	_ = m.Write("k", []byte(`"second"`))

	entry, _ := m.Read("k", 0)
	var got string
	if err := entry.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got != "second" {
		t.Fatalf("got %q, want %q", got, "second")
	}
}
