package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "quill.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Write("k", []byte(`{"title":"hello"}`)))

	entry, fresh := s.Read("k", time.Minute)
	require.NotNil(t, entry)
	require.True(t, fresh)

	var got struct {
		Title string `json:"title"`
	}
	require.NoError(t, entry.Decode(&got))
	require.Equal(t, "hello", got.Title)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quill.db")
	s, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Write("k", []byte(`"durable"`)))
	require.NoError(t, s.MarkLiked("p1"))
	require.NoError(t, s.Close())

	s2, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	entry, _ := s2.Read("k", 0)
	require.NotNil(t, entry)
	require.True(t, s2.IsLiked("p1"))
}

func TestSQLiteStoreStaleFlag(t *testing.T) {
	s := openTestStore(t)
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s.SetNow(clock.Now)

	require.NoError(t, s.Write("k", []byte(`1`)))
	clock.Advance(2*time.Minute + time.Second)

	entry, fresh := s.Read("k", 2*time.Minute)
	require.NotNil(t, entry, "stale entry still returned")
	require.False(t, fresh)
}

func TestSQLiteStoreInvalidate(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Write("k", []byte(`1`)))
	require.NoError(t, s.Invalidate("k"))

	entry, _ := s.Read("k", 0)
	require.Nil(t, entry)

	// Invalidating an absent key is not an error.
	require.NoError(t, s.Invalidate("k"))
}

func TestLikedSet(t *testing.T) {
	s := openTestStore(t)

	require.False(t, s.IsLiked("a"))
	require.NoError(t, s.MarkLiked("a"))
	require.NoError(t, s.MarkLiked("b"))
	require.True(t, s.IsLiked("a"))

	ids, err := s.LikedIDs()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, s.UnmarkLiked("a"))
	require.False(t, s.IsLiked("a"))

	// Removing an absent id is idempotent.
	require.NoError(t, s.UnmarkLiked("a"))
}
