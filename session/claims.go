package session

import (
	"github.com/golang-jwt/jwt/v5"
)

// identityClaims is the subset of ID token claims the bridge reads.
type identityClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name"`
}

// parseIdentityClaims decodes claims from a provider-issued JWT without
// verifying the signature: the token came straight from the provider over
// TLS and is only used locally for display, never for authorization
// decisions. Tokens that are not JWTs simply report ok=false and the
// provider-supplied profile fields are used instead.
func parseIdentityClaims(raw string) (identityClaims, bool) {
	var claims identityClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		return identityClaims{}, false
	}
	return claims, claims.Subject != "" || claims.Email != "" || claims.Name != ""
}
