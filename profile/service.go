// Package profile is the resource access layer for user profiles. Reads
// follow the same cache-then-network pattern as posts; the two write
// operations (profile update, avatar upload) race two independent transport
// variants under one shared deadline because either of two backend
// deployments may be live, and take whichever settles successfully first.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quillhq/quill-go/api"
	"github.com/quillhq/quill-go/cache"
)

var (
	// ErrFetch means every read variant failed and no cached copy exists.
	ErrFetch = errors.New("profile fetch failed")
	// ErrUpdate means both racing update variants failed.
	ErrUpdate = errors.New("profile update failed")
	// ErrUpload means both racing upload variants failed.
	ErrUpload = errors.New("upload failed")
)

// Session is what the service needs from the identity bridge.
type Session interface {
	Active() bool
}

type Service struct {
	client  *api.Client
	store   cache.Store
	durable cache.Store
	session Session
	log     zerolog.Logger

	ttl         time.Duration
	raceTimeout time.Duration

	mu         sync.Mutex
	refreshing map[string]bool
}

type Option func(*Service)

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

func WithRaceTimeout(d time.Duration) Option {
	return func(s *Service) { s.raceTimeout = d }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New wires the profile service. store is session-scoped; durable holds the
// last-viewed-author hint.
func New(client *api.Client, store, durable cache.Store, session Session, opts ...Option) *Service {
	s := &Service{
		client:      client,
		store:       store,
		durable:     durable,
		session:     session,
		log:         zerolog.Nop(),
		ttl:         2 * time.Minute,
		raceTimeout: 15 * time.Second,
		refreshing:  make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type variant struct {
	name string
	run  func(ctx context.Context) (*api.Response, error)
}

// Me returns the signed-in user's own profile.
func (s *Service) Me(ctx context.Context) (*Profile, error) {
	if !s.session.Active() {
		return nil, fmt.Errorf("%w: own profile", api.ErrAuth)
	}
	return s.cachedFetch(ctx, cache.KeyProfileMe(), s.variantsFor("/profiles/me"))
}

// Public returns another user's public profile by display name or id. No
// session required. A successful lookup records the author as the
// last-viewed hint in the durable store.
func (s *Service) Public(ctx context.Context, nameOrID string) (*Profile, error) {
	p, err := s.cachedFetch(ctx, cache.KeyProfile(nameOrID), s.variantsFor("/profiles/"+nameOrID+"/public"))
	if err != nil {
		return nil, err
	}
	if hintErr := s.durable.Write(cache.KeyLastAuthor(), []byte(fmt.Sprintf("%q", nameOrID))); hintErr != nil {
		s.log.Warn().Err(hintErr).Msg("write last-author hint failed")
	}
	return p, nil
}

// LastViewedAuthor returns the durably stored hint of the author whose page
// was visited most recently, if any.
func (s *Service) LastViewedAuthor() (string, bool) {
	entry, _ := s.durable.Read(cache.KeyLastAuthor(), 0)
	if entry == nil {
		return "", false
	}
	var name string
	if err := entry.Decode(&name); err != nil || name == "" {
		return "", false
	}
	return name, true
}

// UpdateMe edits the signed-in user's profile. Two transport variants launch
// together under one deadline and the first successful settlement wins;
// the loser keeps running but its result is discarded. Both the me-cache and
// the display-name index entry are invalidated afterwards, since the name
// may have changed.
func (s *Service) UpdateMe(ctx context.Context, fields Fields) (*Profile, error) {
	if !s.session.Active() {
		return nil, fmt.Errorf("%w: update profile", api.ErrAuth)
	}

	// Capture the current name before the write so a rename can drop the
	// old index entry as well.
	oldName := ""
	if entry, _ := s.store.Read(cache.KeyProfileMe(), 0); entry != nil {
		var cur Profile
		if err := entry.Decode(&cur); err == nil {
			oldName = cur.Username
		}
	}

	rawBody, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode profile update: %w", err)
	}
	variants := []variant{
		{"put", func(ctx context.Context) (*api.Response, error) {
			return s.client.Put(ctx, "/profiles/me", fields)
		}},
		{"raw-post", func(ctx context.Context) (*api.Response, error) {
			return s.client.RawDo(ctx, http.MethodPost, "/profiles/me", rawBody, "application/json")
		}},
	}

	resp, err := s.race(ctx, variants, "update profile", ErrUpdate)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := resp.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode updated profile: %w", err)
	}

	if err := s.store.Invalidate(cache.KeyProfileMe()); err != nil {
		s.log.Warn().Err(err).Msg("invalidate me-cache failed")
	}
	for _, name := range []string{oldName, fields.Username, p.Username} {
		if name == "" {
			continue
		}
		if err := s.store.Invalidate(cache.KeyProfile(name)); err != nil {
			s.log.Warn().Err(err).Msg("invalidate name index failed")
		}
	}
	return &p, nil
}

// UploadAvatar stores an image and returns its hosted URL, racing the same
// two transport shapes as UpdateMe.
func (s *Service) UploadAvatar(ctx context.Context, filename string, data []byte) (string, error) {
	if !s.session.Active() {
		return "", fmt.Errorf("%w: upload avatar", api.ErrAuth)
	}

	body, contentType, err := multipartBody(filename, data)
	if err != nil {
		return "", fmt.Errorf("build upload body: %w", err)
	}
	variants := []variant{
		{"post", func(ctx context.Context) (*api.Response, error) {
			return s.client.PostRaw(ctx, "/upload", body, contentType)
		}},
		{"raw-post", func(ctx context.Context) (*api.Response, error) {
			return s.client.RawDo(ctx, http.MethodPost, "/upload", body, contentType)
		}},
	}

	resp, err := s.race(ctx, variants, "upload avatar", ErrUpload)
	if err != nil {
		return "", err
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := resp.Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode upload response: %v", ErrUpload, err)
	}
	return out.URL, nil
}

// cachedFetch is the shared read path: fresh cache wins, stale cache is
// served while one background refresh runs, a miss walks the variant chain.
func (s *Service) cachedFetch(ctx context.Context, key string, variants []variant) (*Profile, error) {
	if entry, fresh := s.store.Read(key, s.ttl); entry != nil {
		var p Profile
		if err := entry.Decode(&p); err == nil {
			if !fresh {
				s.refreshAsync(key, variants)
			}
			return &p, nil
		}
	}

	body, err := s.fetch(ctx, variants)
	if err != nil {
		if api.IsStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: profile %s", api.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrFetch, key, err)
	}
	var p Profile
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrFetch, key, err)
	}
	if err := s.store.Write(key, body); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache write-through failed")
	}
	return &p, nil
}

func (s *Service) variantsFor(p string) []variant {
	return []variant{
		{"get", func(ctx context.Context) (*api.Response, error) {
			return s.client.Get(ctx, p)
		}},
		{"get-slash", func(ctx context.Context) (*api.Response, error) {
			return s.client.Get(ctx, p+"/")
		}},
	}
}

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
		if err := s.store.Write(key, body); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("cache write-through failed")
		}
	}()
}

// race launches every variant at once and settles on the first success.
// Settle order decides the winner, not declaration order. A 401/403 from any
// variant is fatal and surfaces immediately. Losing requests are abandoned
// via the shared deadline's cancellation, best effort.
func (s *Service) race(ctx context.Context, variants []variant, op string, exhausted error) (*api.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.raceTimeout)
	defer cancel()

	type settlement struct {
		name string
		resp *api.Response
		err  error
	}
	ch := make(chan settlement, len(variants))
	for _, v := range variants {
		v := v
		go func() {
			resp, err := v.run(ctx)
			ch <- settlement{name: v.name, resp: resp, err: err}
		}()
	}

	var lastErr error
	for range variants {
		st := <-ch
		if st.err == nil {
			return st.resp, nil
		}
		switch api.StatusCode(st.err) {
		case http.StatusUnauthorized:
			return nil, fmt.Errorf("%w: %s", api.ErrAuth, op)
		case http.StatusForbidden:
			return nil, fmt.Errorf("%w: %s", api.ErrPermission, op)
		}
		s.log.Debug().Err(st.err).Str("variant", st.name).Msg("write variant failed")
		lastErr = st.err
	}
	return nil, fmt.Errorf("%w: %s: %v", exhausted, op, lastErr)
}

func multipartBody(filename string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
