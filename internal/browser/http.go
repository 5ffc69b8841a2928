package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxBodyBytes = 2 << 20

var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// HTTPLauncher launches headless HTTP-session browsers
type HTTPLauncher struct {
	UserAgent string
	Timeout   time.Duration
	Transport http.RoundTripper
}

// NewHTTPLauncher creates a launcher with the given default user agent
func NewHTTPLauncher(userAgent string) *HTTPLauncher {
	return &HTTPLauncher{
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
	}
}

// Launch implements Launcher
func (l *HTTPLauncher) Launch(ctx context.Context) (Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &httpBrowser{
		id:        uuid.NewString(),
		launcher:  l,
		contexts:  make(map[string]*httpContext),
		connected: true,
	}, nil
}

type httpBrowser struct {
	id        string
	launcher  *HTTPLauncher
	mu        sync.Mutex
	contexts  map[string]*httpContext
	connected bool
}

func (b *httpBrowser) ID() string { return b.id }

func (b *httpBrowser) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *httpBrowser) NewContext(ctx context.Context, opts ContextOptions) (Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrClosed
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = b.launcher.UserAgent
	}
	c := &httpContext{
		id:      uuid.NewString(),
		browser: b,
		ua:      ua,
		headers: opts.Headers,
		client: &http.Client{
			Jar:       jar,
			Timeout:   b.launcher.Timeout,
			Transport: b.launcher.Transport,
		},
	}
	b.contexts[c.id] = c
	return c, nil
}

func (b *httpBrowser) Close() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	contexts := make([]*httpContext, 0, len(b.contexts))
	for _, c := range b.contexts {
		contexts = append(contexts, c)
	}
	b.contexts = make(map[string]*httpContext)
	b.mu.Unlock()

	for _, c := range contexts {
		c.markClosed()
	}
	return nil
}

func (b *httpBrowser) forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.contexts, id)
}

type httpContext struct {
	id      string
	browser *httpBrowser
	ua      string
	headers map[string]string
	client  *http.Client

	mu     sync.Mutex
	closed bool
}

func (c *httpContext) ID() string { return c.id }

func (c *httpContext) Navigate(ctx context.Context, rawURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *httpContext) Submit(ctx context.Context, form Form) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, form.Action, strings.NewReader(form.Values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *httpContext) do(req *http.Request) (*Page, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", req.URL, err)
	}

	return &Page{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Title:      ExtractTitle(string(body)),
		Body:       string(body),
	}, nil
}

func (c *httpContext) Close() error {
	c.markClosed()
	c.browser.forget(c.id)
	return nil
}

func (c *httpContext) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.client.CloseIdleConnections()
	}
}

func (c *httpContext) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ExtractTitle returns the trimmed contents of the first <title> element
func ExtractTitle(html string) string {
	m := titleRe.FindStringSubmatch(html)
	if m == nil {
		return ""
	}
	return strings.Join(strings.Fields(m[1]), " ")
}
