// Package browser defines the browser handles managed by the resource pool
// and a headless HTTP-session implementation of them. A Browser is the
// expensive, long-lived resource; a Context is the cheap per-test session
// opened inside it.
package browser

import (
	"context"
	"errors"
	"net/url"
)

// ErrClosed is returned when using a browser or context after Close
var ErrClosed = errors.New("browser closed")

// Launcher starts new browser instances
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is a long-lived browser instance
type Browser interface {
	ID() string
	NewContext(ctx context.Context, opts ContextOptions) (Context, error)
	Connected() bool
	Close() error
}

// Context is an isolated browsing session within a Browser
type Context interface {
	ID() string
	Navigate(ctx context.Context, rawURL string) (*Page, error)
	Submit(ctx context.Context, form Form) (*Page, error)
	Close() error
}

// ContextOptions configures a new browsing context
type ContextOptions struct {
	UserAgent string
	Headers   map[string]string
}

// Form is a url-encoded form submission
type Form struct {
	Action string
	Values url.Values
}

// Page is the loaded state of a context after navigation
type Page struct {
	URL        string
	StatusCode int
	Title      string
	Body       string
}
