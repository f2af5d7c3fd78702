package blog

import "time"

// Post is a blog post as the backend returns it. Like and view counts are
// mutated only through the like/view endpoints, never locally.
type Post struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	ImageURL   string    `json:"image_url,omitempty"`
	AuthorID   string    `json:"author_id,omitempty"`
	AuthorName string    `json:"author_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Views      int       `json:"views"`
	Likes      int       `json:"likes"`
	Liked      bool      `json:"liked"`
}

// Draft carries the writable fields for create and update calls.
type Draft struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	ImageURL string `json:"image_url,omitempty"`
}

// LikeState is the server-confirmed result of a like toggle.
type LikeState struct {
	Liked bool `json:"liked"`
	Likes int  `json:"likes"`
}
