package profile

import "time"

// Profile is a user profile. Profiles are looked up by a human-readable
// display name or id; display-name-keyed cache entries are only a
// denormalized index and get invalidated whenever the name could change.
type Profile struct {
	Username    string    `json:"username"`
	Bio         string    `json:"bio,omitempty"`
	Profession  string    `json:"profession,omitempty"`
	Gender      string    `json:"gender,omitempty"`
	Location    string    `json:"location,omitempty"`
	Website     string    `json:"website,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	BlogCount   int       `json:"blog_count"`
	MemberSince time.Time `json:"member_since"`
}

// Fields carries the writable profile attributes.
type Fields struct {
	Username   string `json:"username,omitempty"`
	Bio        string `json:"bio,omitempty"`
	Profession string `json:"profession,omitempty"`
	Gender     string `json:"gender,omitempty"`
	Location   string `json:"location,omitempty"`
	Website    string `json:"website,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty"`
}
