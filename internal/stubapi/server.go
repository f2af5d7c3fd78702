// Package stubapi is an in-memory implementation of the backend contract,
// used by tests and by the CLI's stub command for local development. Its
// quirks are configurable (which update verbs are accepted, whether the
// trailing-slash path form works) so client fallback behavior can be
// exercised against either backend shape.
package stubapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quillhq/quill-go/blog"
	"github.com/quillhq/quill-go/profile"
)

// Quirks controls which request shapes the stub accepts.
type Quirks struct {
	// AllowPut, AllowPatch and AllowOverride gate the update verbs. The
	// default stub accepts all three.
	AllowPut      bool
	AllowPatch    bool
	AllowOverride bool

	// StrictSlash rejects the trailing-slash form of collection paths
	// with a 404, the way some deployments do.
	StrictSlash bool
}

// DefaultQuirks is the permissive configuration.
func DefaultQuirks() Quirks {
	return Quirks{AllowPut: true, AllowPatch: true, AllowOverride: true}
}

// Server holds the in-memory state behind the stub routes.
type Server struct {
	Router chi.Router

	quirks Quirks

	mu       sync.Mutex
	posts    map[string]*blog.Post
	order    []string
	likes    map[string]map[string]bool // post id -> subject -> liked
	profiles map[string]*profile.Profile
	tokens   map[string]string // bearer token -> subject
}

// New builds a stub server with the given quirks.
func New(quirks Quirks) *Server {
	s := &Server{
		quirks:   quirks,
		posts:    make(map[string]*blog.Post),
		likes:    make(map[string]map[string]bool),
		profiles: make(map[string]*profile.Profile),
		tokens:   make(map[string]string),
	}
	s.Router = s.routes()
	return s
}

// AddUser registers a bearer token for a subject and seeds a profile.
func (s *Server) AddUser(token, subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = subject
	s.profiles[subject] = &profile.Profile{Username: subject, MemberSince: time.Now().UTC()}
}

// SeedPost inserts a post directly into the store.
func (s *Server) SeedPost(p blog.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	cp := p
	s.posts[cp.ID] = &cp
	s.order = append(s.order, cp.ID)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/blogs", s.handleList)
	if !s.quirks.StrictSlash {
		r.Get("/blogs/", s.handleList)
	}
	r.Post("/blogs", s.handleCreate)
	r.Get("/blogs/liked", s.handleLiked)
	r.Route("/blogs/{id}", func(r chi.Router) {
		r.Get("/", s.handleGet)
		r.Put("/", s.handleUpdatePut)
		r.Patch("/", s.handleUpdatePatch)
		r.Post("/", s.handleUpdateOverride)
		r.Delete("/", s.handleDelete)
		r.Post("/like", s.handleLike)
		r.Post("/view", s.handleView)
	})
	r.Get("/profiles/me", s.handleMe)
	r.Put("/profiles/me", s.handleUpdateMe)
	r.Post("/profiles/me", s.handleUpdateMe)
	r.Get("/profiles/{name}/public", s.handlePublicProfile)
	r.Post("/upload", s.handleUpload)

	return r
}

// subject resolves the bearer token, returning "" for anonymous callers.
func (s *Server) subject(r *http.Request) string {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[token]
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	subject := s.subject(r)
	s.mu.Lock()
	out := make([]blog.Post, 0, len(s.order))
	for _, id := range s.order {
		if p, ok := s.posts[id]; ok {
			out = append(out, s.viewOf(p, subject))
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	subject := s.subject(r)
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	p, ok := s.posts[id]
	var view blog.Post
	if ok {
		view = s.viewOf(p, subject)
	}
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	subject := s.subject(r)
	if subject == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var draft blog.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	p := blog.Post{
		ID:         uuid.NewString(),
		Title:      draft.Title,
		Content:    draft.Content,
		ImageURL:   draft.ImageURL,
		AuthorID:   subject,
		AuthorName: subject,
		CreatedAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.posts[p.ID] = &p
	s.order = append(s.order, p.ID)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdatePut(w http.ResponseWriter, r *http.Request) {
	if !s.quirks.AllowPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.applyUpdate(w, r)
}

func (s *Server) handleUpdatePatch(w http.ResponseWriter, r *http.Request) {
	if !s.quirks.AllowPatch {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.applyUpdate(w, r)
}

func (s *Server) handleUpdateOverride(w http.ResponseWriter, r *http.Request) {
	if !s.quirks.AllowOverride || r.Header.Get("X-HTTP-Method-Override") == "" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.applyUpdate(w, r)
}

func (s *Server) applyUpdate(w http.ResponseWriter, r *http.Request) {
	subject := s.subject(r)
	if subject == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := chi.URLParam(r, "id")
	var draft blog.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	p, ok := s.posts[id]
	if ok && p.AuthorID != subject {
		s.mu.Unlock()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var view blog.Post
	if ok {
		if draft.Title != "" {
			p.Title = draft.Title
		}
		if draft.Content != "" {
			p.Content = draft.Content
		}
		if draft.ImageURL != "" {
			p.ImageURL = draft.ImageURL
		}
		view = s.viewOf(p, subject)
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	subject := s.subject(r)
	if subject == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	p, ok := s.posts[id]
	if ok && p.AuthorID != subject {
		s.mu.Unlock()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if ok {
		delete(s.posts, id)
		delete(s.likes, id)
		for i, oid := range s.order {
			if oid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	subject := s.subject(r)
	if subject == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	p, ok := s.posts[id]
	var state blog.LikeState
	if ok {
		if s.likes[id] == nil {
			s.likes[id] = make(map[string]bool)
		}
		if s.likes[id][subject] {
			delete(s.likes[id], subject)
			p.Likes--
		} else {
			s.likes[id][subject] = true
			p.Likes++
		}
		state = blog.LikeState{Liked: s.likes[id][subject], Likes: p.Likes}
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	p, ok := s.posts[id]
	var views int
	if ok {
		p.Views++
		views = p.Views
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"views": views})
}

func (s *Server) handleLiked(w http.ResponseWriter, r *http.Request) {
	subject := s.subject(r)
	if subject == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	out := make([]blog.Post, 0)
	for _, id := range s.order {
		if s.likes[id][subject] {
			if p, ok := s.posts[id]; ok {
				out = append(out, s.viewOf(p, subject))
			}
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	subject := s.subject(r)
	if subject == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	p, ok := s.profiles[subject]
	var view profile.Profile
	if ok {
		view = *p
	}
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	subject := s.subject(r)
	if subject == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var fields profile.Fields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	p, ok := s.profiles[subject]
	if !ok {
		p = &profile.Profile{Username: subject, MemberSince: time.Now().UTC()}
		s.profiles[subject] = p
	}
	if fields.Username != "" {
		p.Username = fields.Username
	}
	if fields.Bio != "" {
		p.Bio = fields.Bio
	}
	if fields.Profession != "" {
		p.Profession = fields.Profession
	}
	if fields.Gender != "" {
		p.Gender = fields.Gender
	}
	if fields.Location != "" {
		p.Location = fields.Location
	}
	if fields.Website != "" {
		p.Website = fields.Website
	}
	if fields.AvatarURL != "" {
		p.AvatarURL = fields.AvatarURL
	}
	view := *p
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePublicProfile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.mu.Lock()
	var view *profile.Profile
	for _, p := range s.profiles {
		if p.Username == name {
			cp := *p
			cp.BlogCount = 0
			for _, post := range s.posts {
				if post.AuthorName == name || post.AuthorID == name {
					cp.BlogCount++
				}
			}
			view = &cp
			break
		}
	}
	s.mu.Unlock()
	if view == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, *view)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	subject := s.subject(r)
	if subject == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	_, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	url := "https://cdn.quill.invalid/" + uuid.NewString() + "/" + header.Filename
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// viewOf renders a post for a particular viewer. Callers hold s.mu.
func (s *Server) viewOf(p *blog.Post, subject string) blog.Post {
	view := *p
	view.Liked = subject != "" && s.likes[p.ID][subject]
	return view
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
