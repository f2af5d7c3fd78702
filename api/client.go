// Package api is the HTTP wrapper every resource service goes through. It
// attaches the current bearer token, tags requests for tracing and maps
// failures onto the client-wide error taxonomy.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TokenProvider supplies the bearer token for outgoing requests. It is passed
// in explicitly rather than stored as mutable default-header state, so a
// token change can never race an in-flight batch of calls. An empty token
// with a nil error means "send unauthenticated".
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Anonymous is a TokenProvider that never attaches credentials.
var Anonymous TokenProvider = anonymous{}

type anonymous struct{}

func (anonymous) Token(context.Context) (string, error) { return "", nil }

// Response is a fully-read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into out.
func (r *Response) Decode(out any) error {
	return json.Unmarshal(r.Body, out)
}

type Client struct {
	http    *http.Client
	baseURL *url.URL
	tokens  TokenProvider
	log     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithTokenProvider(tp TokenProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tokens = tp
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a client for the backend at rawBase.
func New(rawBase string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawBase)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: u,
		tokens:  Anonymous,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return strings.TrimSuffix(c.baseURL.String(), "/")
}

// urlFor joins p onto the base URL. Trailing slashes in p are preserved
// verbatim: the backend is not guaranteed to tolerate either form, and the
// fallback variants differ exactly in that detail.
func (c *Client) urlFor(p string) string {
	base := strings.TrimSuffix(c.baseURL.String(), "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + p
}

// Do issues a request through the wrapper. body, when non-nil, is JSON
// encoded. Non-2xx responses come back as *StatusError; transport failures
// wrap ErrNetwork. Every failure is logged with method, path and status.
func (c *Client) Do(ctx context.Context, method, p string, body any) (*Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.urlFor(p), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		c.log.Warn().Err(err).Str("method", method).Str("path", p).Msg("token lookup failed, sending unauthenticated")
	}

	return c.send(req, method, p)
}

// PostRaw issues a POST with a prebuilt body (e.g. multipart) through the
// decorated client.
func (c *Client) PostRaw(ctx context.Context, p string, body []byte, contentType string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.urlFor(p), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if err := c.authorize(ctx, req); err != nil {
		c.log.Warn().Err(err).Str("method", http.MethodPost).Str("path", p).Msg("token lookup failed, sending unauthenticated")
	}
	return c.send(req, http.MethodPost, p)
}

// MethodOverride issues a POST that asks the backend to treat it as method,
// via the X-HTTP-Method-Override header. One of the update fallback shapes
// for proxies that strip non-POST verbs.
func (c *Client) MethodOverride(ctx context.Context, method, p string, body any) (*Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.urlFor(p), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("X-HTTP-Method-Override", method)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		c.log.Warn().Err(err).Str("method", method).Str("path", p).Msg("token lookup failed, sending unauthenticated")
	}

	return c.send(req, http.MethodPost, p)
}

// RawDo is the bare transport variant: it bypasses the wrapper's default
// client and request decoration, keeping only the auth header. Used as the
// last fallback shape when the decorated call keeps failing ambiguously.
func (c *Client) RawDo(ctx context.Context, method, p string, body []byte, contentType string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.urlFor(p), reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if err := c.authorize(ctx, req); err != nil {
		c.log.Warn().Err(err).Str("method", method).Str("path", p).Msg("token lookup failed, sending unauthenticated")
	}

	bare := &http.Client{Timeout: c.http.Timeout}
	resp, err := bare.Do(req)
	if err != nil {
		c.log.Error().Err(err).Str("method", method).Str("path", p).Msg("raw request failed")
		return nil, fmt.Errorf("%s %s: %w: %v", method, p, ErrNetwork, err)
	}
	return c.finish(resp, method, p)
}

// Get issues a GET through the wrapper.
func (c *Client) Get(ctx context.Context, p string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, p, nil)
}

// Post issues a POST through the wrapper.
func (c *Client) Post(ctx context.Context, p string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPost, p, body)
}

// Put issues a PUT through the wrapper.
func (c *Client) Put(ctx context.Context, p string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPut, p, body)
}

// Patch issues a PATCH through the wrapper.
func (c *Client) Patch(ctx context.Context, p string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPatch, p, body)
}

// Delete issues a DELETE through the wrapper.
func (c *Client) Delete(ctx context.Context, p string) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, p, nil)
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (c *Client) send(req *http.Request, method, p string) (*Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error().Err(err).Str("method", method).Str("path", p).Msg("request failed")
		return nil, fmt.Errorf("%s %s: %w: %v", method, p, ErrNetwork, err)
	}
	return c.finish(resp, method, p)
}

func (c *Client) finish(resp *http.Response, method, p string) (*Response, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		c.log.Error().Err(err).Str("method", method).Str("path", p).Msg("read response failed")
		return nil, fmt.Errorf("%s %s: %w: %v", method, p, ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode, Method: method, Path: p, Body: string(b)}
		c.log.Error().Str("method", method).Str("path", p).Int("status", resp.StatusCode).Msg("request rejected")
		return nil, se
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}
