package profile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill-go/api"
	"github.com/quillhq/quill-go/cache"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

type fakeSession bool

func (f fakeSession) Active() bool { return bool(f) }

func newService(t *testing.T, baseURL string, session Session, opts ...Option) (*Service, *cache.MemStore, *cache.MemStore) {
	t.Helper()
	client, err := api.New(baseURL, api.WithTokenProvider(staticToken("dev-token")))
	require.NoError(t, err)
	store := cache.NewMemStore()
	durable := cache.NewMemStore()
	return New(client, store, durable, session, opts...), store, durable
}

func TestPublicCachesAndRecordsHint(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"username":"ada","bio":"writes"}`))
	}))
	defer srv.Close()

	s, _, _ := newService(t, srv.URL, fakeSession(false))

	p, err := s.Public(context.Background(), "ada")
	require.NoError(t, err)
	require.Equal(t, "ada", p.Username)

	// Second lookup is served from cache.
	_, err = s.Public(context.Background(), "ada")
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())

	author, ok := s.LastViewedAuthor()
	require.True(t, ok)
	require.Equal(t, "ada", author)
}

func TestMeRequiresSession(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	s, _, _ := newService(t, srv.URL, fakeSession(false))
	_, err := s.Me(context.Background())
	require.ErrorIs(t, err, api.ErrAuth)
	require.EqualValues(t, 0, calls.Load())
}

func TestPublicNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	s, _, _ := newService(t, srv.URL, fakeSession(false))
	_, err := s.Public(context.Background(), "ghost")
	require.ErrorIs(t, err, api.ErrNotFound)
}

func TestUpdateMeRaceSettleOrderWins(t *testing.T) {
	// Variant A (PUT, declared first) resolves late; variant B (raw POST)
	// resolves early. The effective result is B's: settle order decides,
	// not declaration order.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte(`{"username":"slow"}`))
		case http.MethodPost:
			time.Sleep(50 * time.Millisecond)
			w.Write([]byte(`{"username":"fast"}`))
		}
	}))
	defer srv.Close()

	s, _, _ := newService(t, srv.URL, fakeSession(true))
	p, err := s.UpdateMe(context.Background(), Fields{Bio: "new"})
	require.NoError(t, err)
	require.Equal(t, "fast", p.Username)
}

func TestUpdateMeSucceedsWhenOneVariantFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			http.Error(w, "bad gateway", http.StatusBadGateway)
		case http.MethodPost:
			time.Sleep(20 * time.Millisecond)
			w.Write([]byte(`{"username":"ok"}`))
		}
	}))
	defer srv.Close()

	s, _, _ := newService(t, srv.URL, fakeSession(true))
	p, err := s.UpdateMe(context.Background(), Fields{Bio: "new"})
	require.NoError(t, err)
	require.Equal(t, "ok", p.Username)
}

func TestUpdateMeExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	s, _, _ := newService(t, srv.URL, fakeSession(true))
	_, err := s.UpdateMe(context.Background(), Fields{Bio: "new"})
	require.ErrorIs(t, err, ErrUpdate)
}

func TestUpdateMeInvalidatesNameIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"username":"ada"}`))
			return
		}
		w.Write([]byte(`{"username":"lovelace"}`))
	}))
	defer srv.Close()

	s, store, _ := newService(t, srv.URL, fakeSession(true))

	_, err := s.Public(context.Background(), "ada")
	require.NoError(t, err)
	_, err = s.Me(context.Background())
	require.NoError(t, err)

	_, err = s.UpdateMe(context.Background(), Fields{Username: "ada"})
	require.NoError(t, err)

	// Both the me-entry and the display-name index entry are gone.
	entry, _ := store.Read(cache.KeyProfileMe(), 0)
	require.Nil(t, entry)
	entry, _ = store.Read(cache.KeyProfile("ada"), 0)
	require.Nil(t, entry)
}

func TestUpdateMePermissionFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	s, _, _ := newService(t, srv.URL, fakeSession(true))
	_, err := s.UpdateMe(context.Background(), Fields{Bio: "x"})
	require.ErrorIs(t, err, api.ErrPermission)
}

func TestUploadAvatar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"url":"https://cdn.example/` + header.Filename + `"}`))
	}))
	defer srv.Close()

	s, _, _ := newService(t, srv.URL, fakeSession(true))
	url, err := s.UploadAvatar(context.Background(), "me.png", []byte{0x89, 0x50})
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/me.png", url)
}

func TestUploadAvatarWithoutSession(t *testing.T) {
	s, _, _ := newService(t, "http://unused.invalid", fakeSession(false))
	_, err := s.UploadAvatar(context.Background(), "me.png", nil)
	require.ErrorIs(t, err, api.ErrAuth)
}
