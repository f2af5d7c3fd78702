// Package blog is the resource access layer for posts. Every operation goes
// cache-then-network: fresh cache is served without touching the backend,
// stale cache is served immediately while one background refresh runs, and
// network fetches walk a fixed list of request-shape variants because the
// backend does not guarantee trailing-slash tolerance.
package blog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quillhq/quill-go/api"
	"github.com/quillhq/quill-go/cache"
)

var (
	// ErrFetch means every read variant failed and no cached copy exists.
	ErrFetch = errors.New("fetch failed")
	// ErrUpdate means every update variant failed ambiguously.
	ErrUpdate = errors.New("update failed")
	// ErrDelete means the delete call failed with a non-fatal, non-404 error.
	ErrDelete = errors.New("delete failed")
	// ErrLike means the like toggle failed; the caller must roll back any
	// optimistic UI state rather than trust its guess.
	ErrLike = errors.New("like toggle failed")
)

// Session is what the service needs from the identity bridge.
type Session interface {
	Active() bool
	WithFreshToken(ctx context.Context) (string, error)
}

// LikedStore is the durable liked-post bookkeeping.
type LikedStore interface {
	MarkLiked(id string) error
	UnmarkLiked(id string) error
	IsLiked(id string) bool
	LikedIDs() ([]string, error)
}

type Service struct {
	client  *api.Client
	store   cache.Store
	liked   LikedStore
	session Session
	log     zerolog.Logger

	listTTL time.Duration
	postTTL time.Duration

	// refreshing dedupes background refreshes per cache key so a stale
	// serve triggers exactly one refresh sequence.
	mu         sync.Mutex
	refreshing map[string]bool
}

type Option func(*Service)

func WithTTLs(list, post time.Duration) Option {
	return func(s *Service) { s.listTTL, s.postTTL = list, post }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New wires the post service. store is the session-scoped cache; liked is the
// durable liked-set.
func New(client *api.Client, store cache.Store, liked LikedStore, session Session, opts ...Option) *Service {
	s := &Service{
		client:     client,
		store:      store,
		liked:      liked,
		session:    session,
		log:        zerolog.Nop(),
		listTTL:    5 * time.Minute,
		postTTL:    5 * time.Minute,
		refreshing: make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// variant is one request shape for a logical operation. Variants run in the
// declared order so retries are reproducible.
type variant struct {
	name string
	run  func(ctx context.Context) (*api.Response, error)
}

// ListAll returns all posts. Fresh cache short-circuits the network entirely;
// a stale entry is returned synchronously while one background refresh runs;
// a miss fetches through the variant chain and writes through on success.
func (s *Service) ListAll(ctx context.Context) ([]Post, error) {
	key := cache.KeyBlogs()
	if entry, fresh := s.store.Read(key, s.listTTL); entry != nil {
		var posts []Post
		if err := entry.Decode(&posts); err == nil {
			if !fresh {
				s.refreshAsync(key, s.listVariants())
			}
			return posts, nil
		}
		// Undecodable entries count as misses.
	}

	body, err := s.fetch(ctx, s.listVariants())
	if err != nil {
		// Total failure with no cache left to degrade to.
		return nil, fmt.Errorf("%w: list posts: %v", ErrFetch, err)
	}
	var posts []Post
	if err := json.Unmarshal(body, &posts); err != nil {
		return nil, fmt.Errorf("%w: decode post list: %v", ErrFetch, err)
	}
	s.writeThrough(key, body)
	return posts, nil
}

// Get returns one post by id with the same cache-then-network pattern as
// ListAll, keyed per id. Exhaustion with no cached copy is a not-found.
func (s *Service) Get(ctx context.Context, id string) (*Post, error) {
	key := cache.KeyBlog(id)
	if entry, fresh := s.store.Read(key, s.postTTL); entry != nil {
		var post Post
		if err := entry.Decode(&post); err == nil {
			if !fresh {
				s.refreshAsync(key, s.getVariants(id))
			}
			return &post, nil
		}
	}

	body, err := s.fetch(ctx, s.getVariants(id))
	if err != nil {
		return nil, fmt.Errorf("%w: post %s: %v", api.ErrNotFound, id, err)
	}
	var post Post
	if err := json.Unmarshal(body, &post); err != nil {
		return nil, fmt.Errorf("%w: decode post %s: %v", api.ErrNotFound, id, err)
	}
	s.writeThrough(key, body)
	return &post, nil
}

// Create writes a new post. The list cache is invalidated rather than patched
// in place, so the next ListAll refetches.
func (s *Service) Create(ctx context.Context, draft Draft) (*Post, error) {
	if !s.session.Active() {
		return nil, fmt.Errorf("%w: create post", api.ErrAuth)
	}

	resp, err := s.client.Post(ctx, "/blogs", draft)
	if err != nil {
		return nil, classifyWrite(err, "create post")
	}
	var post Post
	if err := resp.Decode(&post); err != nil {
		return nil, fmt.Errorf("decode created post: %w", err)
	}
	if err := s.store.Invalidate(cache.KeyBlogs()); err != nil {
		s.log.Warn().Err(err).Msg("invalidate list cache failed")
	}
	return &post, nil
}

// Update edits a post. The backend's accepted verb/path shape is not assumed:
// PUT, PATCH, method-override POST and a raw transport call are tried in that
// order, stopping at the first success. 401/403 abort the chain immediately;
// anything else counts as ambiguous and the next variant runs.
func (s *Service) Update(ctx context.Context, id string, draft Draft) (*Post, error) {
	if !s.session.Active() {
		return nil, fmt.Errorf("%w: update post %s", api.ErrAuth, id)
	}

	p := "/blogs/" + id
	rawBody, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	variants := []variant{
		{"put", func(ctx context.Context) (*api.Response, error) {
			return s.client.Put(ctx, p, draft)
		}},
		{"patch", func(ctx context.Context) (*api.Response, error) {
			return s.client.Patch(ctx, p, draft)
		}},
		{"override-post", func(ctx context.Context) (*api.Response, error) {
			return s.client.MethodOverride(ctx, http.MethodPut, p, draft)
		}},
		{"raw-put", func(ctx context.Context) (*api.Response, error) {
			return s.client.RawDo(ctx, http.MethodPut, p, rawBody, "application/json")
		}},
	}

	var lastErr error
	for _, v := range variants {
		resp, err := v.run(ctx)
		if err == nil {
			var post Post
			if err := resp.Decode(&post); err != nil {
				return nil, fmt.Errorf("decode updated post: %w", err)
			}
			s.writeThrough(cache.KeyBlog(id), resp.Body)
			if err := s.store.Invalidate(cache.KeyBlogs()); err != nil {
				s.log.Warn().Err(err).Msg("invalidate list cache failed")
			}
			return &post, nil
		}
		if fatal := fatalWrite(err, "update post "+id); fatal != nil {
			return nil, fatal
		}
		s.log.Debug().Err(err).Str("variant", v.name).Str("id", id).Msg("update variant failed")
		lastErr = err
	}
	return nil, fmt.Errorf("%w: post %s: %v", ErrUpdate, id, lastErr)
}

// Delete removes a post with a single direct call, no shape fallback. A 404
// means the post is already gone and counts as success. Success (either kind)
// purges the id from every local cache.
func (s *Service) Delete(ctx context.Context, id string) error {
	if !s.session.Active() {
		return fmt.Errorf("%w: delete post %s", api.ErrAuth, id)
	}
	// Force a provider-side token refresh before a destructive call.
	if _, err := s.session.WithFreshToken(ctx); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("fresh token unavailable before delete")
	}

	_, err := s.client.Delete(ctx, "/blogs/"+id)
	if err != nil && !api.IsStatus(err, http.StatusNotFound) {
		switch api.StatusCode(err) {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: delete post %s", api.ErrAuth, id)
		case http.StatusForbidden:
			return fmt.Errorf("%w: delete post %s", api.ErrPermission, id)
		}
		return fmt.Errorf("%w: post %s: %v", ErrDelete, id, err)
	}

	s.purge(id)
	return nil
}

// ToggleLike flips the viewer's like on a post and returns server-confirmed
// state. The optimistic flip is the UI's business; this layer never reports
// the guess as truth when the write failed.
func (s *Service) ToggleLike(ctx context.Context, id string) (*LikeState, error) {
	if !s.session.Active() {
		return nil, fmt.Errorf("%w: like post %s", api.ErrAuth, id)
	}

	resp, err := s.client.Post(ctx, "/blogs/"+id+"/like", nil)
	if err != nil {
		if fatal := fatalWrite(err, "like post "+id); fatal != nil {
			return nil, fatal
		}
		return nil, fmt.Errorf("%w: post %s: %v", ErrLike, id, err)
	}
	var state LikeState
	if err := resp.Decode(&state); err != nil {
		return nil, fmt.Errorf("%w: decode like state: %v", ErrLike, err)
	}

	if state.Liked {
		if err := s.liked.MarkLiked(id); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("persist liked mark failed")
		}
	} else {
		if err := s.liked.UnmarkLiked(id); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("persist liked unmark failed")
		}
	}
	s.patchCachedPost(id, func(p *Post) {
		p.Liked = state.Liked
		p.Likes = state.Likes
	})
	return &state, nil
}

// TrackView bumps a post's view count. Best effort by design: a failure is
// never surfaced as an error, only logged under its own event so persistent
// undercounting stays visible in diagnostics. tracked=false means the
// returned count is the last locally known one, defaulting to zero.
func (s *Service) TrackView(ctx context.Context, id string) (count int, tracked bool) {
	resp, err := s.client.Post(ctx, "/blogs/"+id+"/view", nil)
	if err == nil {
		var out struct {
			Views int `json:"views"`
		}
		decodeErr := resp.Decode(&out)
		if decodeErr == nil {
			s.patchCachedPost(id, func(p *Post) { p.Views = out.Views })
			return out.Views, true
		}
		err = fmt.Errorf("decode view count: %w", decodeErr)
	}
	s.log.Warn().Err(err).Str("id", id).Str("event", "view_track_failed").Msg("view tracking failed")

	if entry, _ := s.store.Read(cache.KeyBlog(id), 0); entry != nil {
		var post Post
		if err := entry.Decode(&post); err == nil {
			return post.Views, false
		}
	}
	return 0, false
}

// ListLiked returns the posts the viewer has liked. On network failure it
// degrades to whatever liked ids survive in the durable store, resolved
// against per-post cache entries.
func (s *Service) ListLiked(ctx context.Context) ([]Post, error) {
	if !s.session.Active() {
		return nil, fmt.Errorf("%w: list liked posts", api.ErrAuth)
	}

	resp, err := s.client.Get(ctx, "/blogs/liked")
	if err == nil {
		var posts []Post
		decodeErr := resp.Decode(&posts)
		if decodeErr == nil {
			for _, p := range posts {
				if err := s.liked.MarkLiked(p.ID); err != nil {
					s.log.Warn().Err(err).Str("id", p.ID).Msg("sync liked mark failed")
				}
			}
			return posts, nil
		}
		err = fmt.Errorf("decode liked list: %w", decodeErr)
	}
	s.log.Debug().Err(err).Msg("liked list fetch failed, degrading to local liked set")

	ids, idsErr := s.liked.LikedIDs()
	if idsErr != nil || len(ids) == 0 {
		return nil, fmt.Errorf("%w: liked posts: %v", ErrFetch, err)
	}
	var posts []Post
	for _, id := range ids {
		entry, _ := s.store.Read(cache.KeyBlog(id), 0)
		if entry == nil {
			continue
		}
		var post Post
		if err := entry.Decode(&post); err == nil {
			// The cached snapshot may predate the like; the durable set
			// is authoritative for the viewer's own flag.
			post.Liked = s.liked.IsLiked(post.ID)
			posts = append(posts, post)
		}
	}
	return posts, nil
}

func (s *Service) listVariants() []variant {
	return []variant{
		{"get", func(ctx context.Context) (*api.Response, error) {
			return s.client.Get(ctx, "/blogs")
		}},
		{"get-slash", func(ctx context.Context) (*api.Response, error) {
			return s.client.Get(ctx, "/blogs/")
		}},
		{"raw-get", func(ctx context.Context) (*api.Response, error) {
			return s.client.RawDo(ctx, http.MethodGet, "/blogs", nil, "")
		}},
	}
}

func (s *Service) getVariants(id string) []variant {
	p := "/blogs/" + id
	return []variant{
		{"get", func(ctx context.Context) (*api.Response, error) {
			return s.client.Get(ctx, p)
		}},
		{"get-slash", func(ctx context.Context) (*api.Response, error) {
			return s.client.Get(ctx, p+"/")
		}},
		{"raw-get", func(ctx context.Context) (*api.Response, error) {
			return s.client.RawDo(ctx, http.MethodGet, p, nil, "")
		}},
	}
}

// fetch walks the read variants in order and returns the first successful
// body. Read failures are all ambiguous; nothing short-circuits the chain.
func (s *Service) fetch(ctx context.Context, variants []variant) ([]byte, error) {
	var lastErr error
	for _, v := range variants {
		resp, err := v.run(ctx)
		if err == nil {
			return resp.Body, nil
		}
		s.log.Debug().Err(err).Str("variant", v.name).Msg("read variant failed")
		lastErr = err
	}
	return nil, lastErr
}

// refreshAsync runs one fetch sequence for key in the background, writing
// through on success. Concurrent stale serves of the same key collapse into
// a single refresh.
func (s *Service) refreshAsync(key string, variants []variant) {
	s.mu.Lock()
	if s.refreshing[key] {
		s.mu.Unlock()
		return
	}
	s.refreshing[key] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.refreshing, key)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		body, err := s.fetch(ctx, variants)
		if err != nil {
			s.log.Debug().Err(err).Str("key", key).Msg("background refresh failed, stale entry kept")
			return
		}
		s.writeThrough(key, body)
	}()
}

func (s *Service) writeThrough(key string, body []byte) {
	if err := s.store.Write(key, body); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache write-through failed")
	}
}

// purge removes every local trace of a post id: the list entry, the per-id
// entry and the liked-set mark.
func (s *Service) purge(id string) {
	if err := s.store.Invalidate(cache.KeyBlogs()); err != nil {
		s.log.Warn().Err(err).Msg("invalidate list cache failed")
	}
	if err := s.store.Invalidate(cache.KeyBlog(id)); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("invalidate post cache failed")
	}
	if err := s.liked.UnmarkLiked(id); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("purge liked mark failed")
	}
}

// patchCachedPost applies fn to the cached copy of a post, if one exists.
// Counts confirmed by the server are the only thing ever patched in.
func (s *Service) patchCachedPost(id string, fn func(*Post)) {
	key := cache.KeyBlog(id)
	entry, _ := s.store.Read(key, 0)
	if entry == nil {
		return
	}
	var post Post
	if err := entry.Decode(&post); err != nil {
		return
	}
	fn(&post)
	body, err := json.Marshal(post)
	if err != nil {
		return
	}
	s.writeThrough(key, body)
}

// fatalWrite maps 401/403 onto the fatal classifications that stop a
// fallback chain. Everything else is ambiguous and returns nil.
func fatalWrite(err error, op string) error {
	switch api.StatusCode(err) {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", api.ErrAuth, op)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", api.ErrPermission, op)
	}
	return nil
}

// classifyWrite is fatalWrite for single-shot writes, falling back to the
// raw error when the status is not a fatal classification.
func classifyWrite(err error, op string) error {
	if fatal := fatalWrite(err, op); fatal != nil {
		return fatal
	}
	return fmt.Errorf("%s: %w", op, err)
}
