// Command quill is a small terminal client for the Quill blogging backend,
// built on the same resource access layer the app uses.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/quillhq/quill-go/api"
	"github.com/quillhq/quill-go/blog"
	"github.com/quillhq/quill-go/cache"
	"github.com/quillhq/quill-go/internal/config"
	"github.com/quillhq/quill-go/internal/stubapi"
	"github.com/quillhq/quill-go/profile"
	"github.com/quillhq/quill-go/session"
)

func main() {
	if err := runCLI(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCLI(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "help", "--help", "-h":
		printUsage()
		return nil
	case "version", "--version", "-v":
		fmt.Println("quill v0.3.0")
		return nil
	case "stub":
		return runStub(args[1:])
	}

	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch args[0] {
	case "list":
		return app.list(ctx)
	case "get":
		if len(args) < 2 {
			return fmt.Errorf("usage: quill get <id>")
		}
		return app.get(ctx, args[1])
	case "post":
		if len(args) < 3 {
			return fmt.Errorf("usage: quill post <title> <content>")
		}
		return app.post(ctx, args[1], strings.Join(args[2:], " "))
	case "rm":
		if len(args) < 2 {
			return fmt.Errorf("usage: quill rm <id>")
		}
		return app.remove(ctx, args[1])
	case "like":
		if len(args) < 2 {
			return fmt.Errorf("usage: quill like <id>")
		}
		return app.like(ctx, args[1])
	case "whoami":
		return app.whoami()
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage() {
	fmt.Println("Usage: quill <command>")
	fmt.Println("Commands:")
	fmt.Println("  list            List all posts")
	fmt.Println("  get <id>        Show one post")
	fmt.Println("  post <t> <c>    Publish a post (requires QUILL_TOKEN)")
	fmt.Println("  rm <id>         Delete a post (requires QUILL_TOKEN)")
	fmt.Println("  like <id>       Toggle a like (requires QUILL_TOKEN)")
	fmt.Println("  whoami          Show the signed-in identity")
	fmt.Println("  stub [addr]     Run a local stub backend")
	fmt.Println("Environment:")
	fmt.Println("  QUILL_BASE_URL  Backend API root (required)")
	fmt.Println("  QUILL_TOKEN     Bearer token for writes (optional)")
}

type app struct {
	cfg      *config.Config
	durable  *cache.SQLiteStore
	bridge   *session.Bridge
	posts    *blog.Service
	profiles *profile.Service
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	durable, err := cache.OpenSQLiteStore(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	mem := cache.NewMemStore()

	provider := envTokenProvider{token: os.Getenv("QUILL_TOKEN")}
	bridge := session.NewBridge(provider, durable, logger)

	client, err := api.New(cfg.BaseURL,
		api.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		api.WithTokenProvider(bridge),
		api.WithLogger(logger),
	)
	if err != nil {
		_ = durable.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		durable: durable,
		bridge:  bridge,
		posts: blog.New(client, mem, durable, bridge,
			blog.WithTTLs(cfg.BlogListTTL, cfg.BlogTTL),
			blog.WithLogger(logger)),
		profiles: profile.New(client, mem, durable, bridge,
			profile.WithTTL(cfg.ProfileTTL),
			profile.WithRaceTimeout(cfg.WriteRaceTimeout),
			profile.WithLogger(logger)),
	}, nil
}

func (a *app) close() {
	a.bridge.Close()
	_ = a.durable.Close()
}

func (a *app) list(ctx context.Context) error {
	posts, err := a.posts.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, p := range posts {
		fmt.Printf("%s  %-30s  by %s  (%d views, %d likes)\n", p.ID, p.Title, p.AuthorName, p.Views, p.Likes)
	}
	return nil
}

func (a *app) get(ctx context.Context, id string) error {
	p, err := a.posts.Get(ctx, id)
	if err != nil {
		return err
	}
	views, _ := a.posts.TrackView(ctx, id)
	fmt.Printf("%s\nby %s on %s  (%d views, %d likes)\n\n%s\n",
		p.Title, p.AuthorName, p.CreatedAt.Format("2006-01-02"), views, p.Likes, p.Content)
	return nil
}

func (a *app) post(ctx context.Context, title, content string) error {
	p, err := a.posts.Create(ctx, blog.Draft{Title: title, Content: content})
	if err != nil {
		return err
	}
	fmt.Printf("published %s\n", p.ID)
	return nil
}

func (a *app) remove(ctx context.Context, id string) error {
	if err := a.posts.Delete(ctx, id); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}

func (a *app) like(ctx context.Context, id string) error {
	state, err := a.posts.ToggleLike(ctx, id)
	if err != nil {
		return err
	}
	if state.Liked {
		fmt.Printf("liked %s (%d likes)\n", id, state.Likes)
	} else {
		fmt.Printf("unliked %s (%d likes)\n", id, state.Likes)
	}
	return nil
}

func (a *app) whoami() error {
	identity, ok := a.bridge.CurrentIdentity()
	if !ok {
		fmt.Println("not signed in")
		return nil
	}
	fmt.Printf("%s <%s> (%s)\n", identity.DisplayName, identity.Email, identity.Subject)
	return nil
}

func runStub(args []string) error {
	addr := ":8723"
	if len(args) > 0 {
		addr = args[0]
	}
	stub := stubapi.New(stubapi.DefaultQuirks())
	stub.AddUser("dev-token", "dev")
	stub.SeedPost(blog.Post{Title: "Hello from the stub", Content: "Seeded post.", AuthorName: "dev", AuthorID: "dev", CreatedAt: time.Now().UTC()})
	fmt.Printf("stub backend on %s (token: dev-token)\n", addr)
	return http.ListenAndServe(addr, stub.Router)
}

// envTokenProvider adapts a static env token to the provider interface so
// the CLI can reuse the same bridge the app embeds. The token is treated as
// non-expiring; WithFreshToken just hands it back.
type envTokenProvider struct {
	token string
}

func (p envTokenProvider) Subscribe(fn func(user *session.User)) (unsubscribe func()) {
	if p.token != "" {
		fn(&session.User{Subject: "cli", DisplayName: "cli"})
	} else {
		fn(nil)
	}
	return func() {}
}

func (p envTokenProvider) MintToken(ctx context.Context, force bool) (*oauth2.Token, error) {
	if p.token == "" {
		return nil, session.ErrSignedOut
	}
	return &oauth2.Token{AccessToken: p.token, TokenType: "Bearer", Expiry: time.Now().Add(24 * time.Hour)}, nil
}
