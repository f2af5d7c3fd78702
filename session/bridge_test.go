package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/quillhq/quill-go/cache"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

// fakeProvider drives state changes by hand and counts mints.
type fakeProvider struct {
	mu       sync.Mutex
	callback func(user *User)
	token    *oauth2.Token
	mintErr  error

	mints       int
	forcedMints int
}

func (p *fakeProvider) Subscribe(fn func(user *User)) func() {
	p.mu.Lock()
	p.callback = fn
	p.mu.Unlock()
	fn(nil)
	return func() {}
}

func (p *fakeProvider) MintToken(ctx context.Context, force bool) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mints++
	if force {
		p.forcedMints++
	}
	if p.mintErr != nil {
		return nil, p.mintErr
	}
	return p.token, nil
}

func (p *fakeProvider) signIn(u *User) { p.callback(u) }

func (p *fakeProvider) signOut() { p.callback(nil) }

func validToken(access string) *oauth2.Token {
	return &oauth2.Token{AccessToken: access, TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}
}

func TestSignInMintsAndPersists(t *testing.T) {
	durable := cache.NewMemStore()
	provider := &fakeProvider{token: validToken("tok-1")}
	b := NewBridge(provider, durable, testLogger())
	defer b.Close()

	provider.signIn(&User{Subject: "u1", Email: "u1@example.com", DisplayName: "U One"})

	identity, ok := b.CurrentIdentity()
	require.True(t, ok)
	require.Equal(t, "u1", identity.Subject)

	tok, err := b.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	// The token was written through to the durable store.
	entry, _ := durable.Read(cache.KeySessionToken(), 0)
	require.NotNil(t, entry)
}

func TestSignOutClearsEverything(t *testing.T) {
	durable := cache.NewMemStore()
	provider := &fakeProvider{token: validToken("tok-1")}
	b := NewBridge(provider, durable, testLogger())
	defer b.Close()

	provider.signIn(&User{Subject: "u1"})
	provider.signOut()

	_, ok := b.CurrentIdentity()
	require.False(t, ok)

	tok, err := b.Token(context.Background())
	require.NoError(t, err)
	require.Empty(t, tok, "signed-out bridge sends unauthenticated")

	entry, _ := durable.Read(cache.KeySessionToken(), 0)
	require.Nil(t, entry)
}

func TestMintFailureKeepsPreviousToken(t *testing.T) {
	durable := cache.NewMemStore()
	provider := &fakeProvider{token: validToken("tok-1")}
	b := NewBridge(provider, durable, testLogger())
	defer b.Close()

	provider.signIn(&User{Subject: "u1"})

	// Expire the held token so the next Token call re-mints, then make the
	// provider fail. The stale-but-usable token must survive: a transient
	// mint failure is not a sign-out.
	provider.mu.Lock()
	provider.mintErr = errors.New("provider down")
	provider.mu.Unlock()
	b.mu.Lock()
	b.token.Expiry = time.Now().Add(30 * time.Second)
	b.mu.Unlock()

	tok, err := b.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	_, ok := b.CurrentIdentity()
	require.True(t, ok)
}

func TestWithFreshTokenForcesMint(t *testing.T) {
	durable := cache.NewMemStore()
	provider := &fakeProvider{token: validToken("tok-1")}
	b := NewBridge(provider, durable, testLogger())
	defer b.Close()

	provider.signIn(&User{Subject: "u1"})
	provider.mu.Lock()
	provider.token = validToken("tok-2")
	provider.mu.Unlock()

	tok, err := b.WithFreshToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-2", tok)

	provider.mu.Lock()
	forced := provider.forcedMints
	provider.mu.Unlock()
	require.Equal(t, 1, forced)
}

func TestWithFreshTokenSignedOut(t *testing.T) {
	b := NewBridge(&fakeProvider{}, cache.NewMemStore(), testLogger())
	defer b.Close()

	_, err := b.WithFreshToken(context.Background())
	require.ErrorIs(t, err, ErrSignedOut)
}

func TestRestoreFromDurableStore(t *testing.T) {
	durable := cache.NewMemStore()
	require.NoError(t, durable.Write(cache.KeySessionToken(),
		[]byte(`{"access_token":"persisted","token_type":"Bearer","expiry":"2030-01-01T00:00:00Z"}`)))

	b := NewBridge(&fakeProvider{}, durable, testLogger())
	defer b.Close()

	// With no identity yet, public calls stay unauthenticated; the restored
	// token is held for when the provider confirms the session.
	b.mu.Lock()
	restored := b.token
	b.mu.Unlock()
	require.NotNil(t, restored)
	require.Equal(t, "persisted", restored.AccessToken)
}

func TestIdentityClaimsFromJWT(t *testing.T) {
	// Unsigned JWT with sub/email/name claims; signature is not verified.
	const raw = "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0." +
		"eyJzdWIiOiJ1LTQyIiwiZW1haWwiOiJhZGFAZXhhbXBsZS5jb20iLCJuYW1lIjoiQWRhIn0."

	claims, ok := parseIdentityClaims(raw)
	require.True(t, ok)
	require.Equal(t, "u-42", claims.Subject)
	require.Equal(t, "ada@example.com", claims.Email)
	require.Equal(t, "Ada", claims.Name)
}

func TestIdentityClaimsOpaqueToken(t *testing.T) {
	_, ok := parseIdentityClaims("not-a-jwt")
	require.False(t, ok)
}
