// Package session bridges the external identity provider to the rest of the
// client: it tracks sign-in state, keeps a usable bearer token minted and
// persisted, and hands that token to the HTTP layer on demand.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/quillhq/quill-go/cache"
)

// ErrSignedOut is returned by token operations while no user is signed in.
var ErrSignedOut = errors.New("no active session")

// refreshAhead is how close to expiry a token may get before Token mints a
// replacement instead of returning it.
const refreshAhead = 2 * time.Minute

// Identity is the minimal claim set the client cares about.
type Identity struct {
	Subject     string
	Email       string
	DisplayName string
}

// User is the provider's view of the signed-in account, delivered through
// state-change notifications. A nil User means signed out.
type User struct {
	Subject     string
	Email       string
	DisplayName string
}

// Provider models the external identity provider. Subscribe registers the
// bridge's single state-change callback and fires it immediately with the
// current state. MintToken returns a bearer token for the signed-in user;
// force requests a provider-side refresh even if a cached token is valid.
type Provider interface {
	Subscribe(fn func(user *User)) (unsubscribe func())
	MintToken(ctx context.Context, force bool) (*oauth2.Token, error)
}

// Bridge holds the current session. It subscribes to the provider once and
// stays subscribed for the process lifetime.
type Bridge struct {
	provider Provider
	durable  cache.Store
	log      zerolog.Logger

	mu        sync.Mutex
	identity  *Identity
	token     *oauth2.Token
	sawSignIn bool

	unsubscribe func()
}

// NewBridge restores any persisted token from the durable store, then
// subscribes to provider state changes.
func NewBridge(provider Provider, durable cache.Store, log zerolog.Logger) *Bridge {
	b := &Bridge{provider: provider, durable: durable, log: log}
	b.restore()
	b.unsubscribe = provider.Subscribe(b.onStateChange)
	return b
}

// Close drops the provider subscription. The bridge keeps its last state.
func (b *Bridge) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
}

// CurrentIdentity returns the signed-in identity, if any.
func (b *Bridge) CurrentIdentity() (Identity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.identity == nil {
		return Identity{}, false
	}
	return *b.identity, true
}

// Active reports whether a session currently exists.
func (b *Bridge) Active() bool {
	_, ok := b.CurrentIdentity()
	return ok
}

// Token implements api.TokenProvider. While signed out it returns an empty
// token so public reads go out unauthenticated. Near-expiry tokens are
// refreshed before use; if the mint fails the previous token is returned
// rather than dropping the session over a transient error.
func (b *Bridge) Token(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.identity == nil {
		return "", nil
	}
	if b.token != nil && time.Until(b.token.Expiry) > refreshAhead {
		return b.token.AccessToken, nil
	}

	tok, err := b.provider.MintToken(ctx, false)
	if err != nil {
		b.log.Warn().Err(err).Msg("token mint failed, keeping previous token")
		if b.token != nil {
			return b.token.AccessToken, nil
		}
		return "", err
	}
	b.adopt(tok)
	return tok.AccessToken, nil
}

// WithFreshToken forces a provider-side refresh and returns the new token.
// Used before security-sensitive writes such as delete.
func (b *Bridge) WithFreshToken(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.identity == nil {
		return "", ErrSignedOut
	}

	tok, err := b.provider.MintToken(ctx, true)
	if err != nil {
		b.log.Warn().Err(err).Msg("forced token mint failed, keeping previous token")
		if b.token != nil {
			return b.token.AccessToken, nil
		}
		return "", err
	}
	b.adopt(tok)
	return tok.AccessToken, nil
}

// onStateChange runs on every provider notification. Sign-in mints and
// persists a token synchronously relative to the callback; sign-out clears
// identity, token and the persisted copy.
func (b *Bridge) onStateChange(user *User) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if user == nil {
		if !b.sawSignIn && b.token != nil {
			// Initial provider state before a restored session has been
			// confirmed. Keep the restored token; the provider will follow
			// up with a user, or the token will simply expire.
			b.log.Debug().Msg("provider reported signed out before init, keeping restored token")
			return
		}
		b.identity = nil
		b.token = nil
		if err := b.durable.Invalidate(cache.KeySessionToken()); err != nil {
			b.log.Warn().Err(err).Msg("clear persisted token failed")
		}
		b.log.Info().Msg("signed out")
		return
	}

	b.sawSignIn = true
	identity := Identity{Subject: user.Subject, Email: user.Email, DisplayName: user.DisplayName}

	tok, err := b.provider.MintToken(context.Background(), false)
	if err != nil {
		// Transient mint failure must not look like a sign-out.
		b.log.Warn().Err(err).Str("subject", user.Subject).Msg("token mint on sign-in failed, keeping previous token")
		b.identity = &identity
		return
	}

	if claims, ok := parseIdentityClaims(tok.AccessToken); ok {
		identity = mergeClaims(identity, claims)
	}
	b.identity = &identity
	b.adopt(tok)
	b.log.Info().Str("subject", identity.Subject).Msg("signed in")
}

// adopt stores tok in memory and writes it through to the durable store.
// Callers hold b.mu.
func (b *Bridge) adopt(tok *oauth2.Token) {
	b.token = tok
	body, err := json.Marshal(tok)
	if err != nil {
		b.log.Warn().Err(err).Msg("encode token for persistence failed")
		return
	}
	if err := b.durable.Write(cache.KeySessionToken(), body); err != nil {
		b.log.Warn().Err(err).Msg("persist token failed")
	}
}

// restore loads a previously persisted token so a restarted client can keep
// issuing authenticated reads before the provider finishes initializing.
func (b *Bridge) restore() {
	entry, _ := b.durable.Read(cache.KeySessionToken(), 0)
	if entry == nil {
		return
	}
	var tok oauth2.Token
	if err := entry.Decode(&tok); err != nil {
		return
	}
	if tok.AccessToken == "" {
		return
	}
	b.token = &tok
	if claims, ok := parseIdentityClaims(tok.AccessToken); ok {
		b.identity = &Identity{Subject: claims.Subject, Email: claims.Email, DisplayName: claims.Name}
	}
}

func mergeClaims(identity Identity, claims identityClaims) Identity {
	if claims.Subject != "" {
		identity.Subject = claims.Subject
	}
	if claims.Email != "" {
		identity.Email = claims.Email
	}
	if claims.Name != "" {
		identity.DisplayName = claims.Name
	}
	return identity
}
