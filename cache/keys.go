package cache

import (
	"crypto/md5"
	"fmt"
	"strings"
)

// Cache keys are stable strings shared by both store scopes. Profile keys are
// a denormalized index over a mutable display name; callers invalidate them
// on rename rather than trusting them as a source of truth.

func KeyBlogs() string { return "blogs" }

func KeyBlog(id string) string { return "blog:" + sanitizeKey(id) }

func KeyProfileMe() string { return "profile:me" }

func KeyProfile(nameOrID string) string { return "profile:" + sanitizeKey(nameOrID) }

func KeySessionToken() string { return "session:token" }

func KeyLastAuthor() string { return "hint:last_author" }

// sanitizeKey keeps keys filesystem- and SQL-safe. Very long inputs collapse
// to a hash to bound key length.
func sanitizeKey(s string) string {
	if len(s) > 200 {
		hash := md5.Sum([]byte(s))
		return fmt.Sprintf("hash_%x", hash)
	}
	unsafe := []string{":", "/", "?", "&", "=", "#", "<", ">", "|", "*", "\"", " "}
	result := s
	for _, char := range unsafe {
		result = strings.ReplaceAll(result, char, "_")
	}
	return result
}
