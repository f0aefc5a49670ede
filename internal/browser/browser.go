// Package browser renders pages in headless Chrome for content that needs JavaScript.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Render after Close.
var ErrClosed = errors.New("browser closed")

// Page is a rendered document.
type Page struct {
	HTML string
	// URL is the address after redirects.
	URL string
}

// Browser renders a URL to HTML.
type Browser interface {
	Render(ctx context.Context, url string) (Page, error)
	Close() error
}

// Options configure a Chrome instance.
type Options struct {
	// MaxPages bounds concurrently open tabs.
	MaxPages int
	// Timeout bounds a single navigation.
	Timeout   time.Duration
	UserAgent string
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
}

var _ Browser = (*Chrome)(nil)

// Chrome is a headless Chrome process shared by all renders of one collection run.
type Chrome struct {
	opts Options
	log  *slog.Logger
	sem  *semaphore.Weighted

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// StartChrome launches headless Chrome.
func StartChrome(opts Options, log *slog.Logger) (*Chrome, error) {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// An empty Run starts the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	log.Info("headless browser started", "max_pages", opts.MaxPages)

	return &Chrome{
		opts:          opts,
		log:           log,
		sem:           semaphore.NewWeighted(int64(opts.MaxPages)),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Render opens url in a new tab and returns the document after load.
func (c *Chrome) Render(ctx context.Context, url string) (Page, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Page{}, err
	}
	defer c.sem.Release(1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Page{}, ErrClosed
	}
	tabCtx, tabCancel := chromedp.NewContext(c.browserCtx)
	c.mu.Unlock()
	defer tabCancel()

	tabCtx, cancel := context.WithTimeout(tabCtx, c.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var page Page
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &page.HTML, chromedp.ByQuery),
		chromedp.Location(&page.URL),
	)
	if err != nil {
		return Page{}, fmt.Errorf("render %s: %w", url, err)
	}
	if page.URL == "" {
		page.URL = url
	}
	return page, nil
}

// Close shuts down the browser process. It is safe to call more than once.
func (c *Chrome) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	err := chromedp.Cancel(c.browserCtx)
	c.browserCancel()
	c.allocCancel()
	c.log.Info("headless browser closed")
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}

var _ Browser = (*Lazy)(nil)

// Lazy starts the underlying browser on first use, so runs that never need it
// never launch it.
type Lazy struct {
	start func() (Browser, error)

	once sync.Once
	mu   sync.Mutex
	b    Browser
	err  error
}

// NewLazy wraps a browser constructor.
func NewLazy(start func() (Browser, error)) *Lazy {
	return &Lazy{start: start}
}

// Render starts the browser if needed and renders url.
func (l *Lazy) Render(ctx context.Context, url string) (Page, error) {
	l.once.Do(func() {
		b, err := l.start()
		l.mu.Lock()
		l.b, l.err = b, err
		l.mu.Unlock()
	})

	l.mu.Lock()
	b, err := l.b, l.err
	l.mu.Unlock()
	if err != nil {
		return Page{}, err
	}
	return b.Render(ctx, url)
}

// Started reports whether the browser was launched.
func (l *Lazy) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b != nil
}

// Close closes the browser if it was started.
func (l *Lazy) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = ErrClosed
		l.mu.Unlock()
	})

	l.mu.Lock()
	b := l.b
	l.b = nil
	l.err = ErrClosed
	l.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Close()
}

// Disabled is a Browser that always fails, for runs without Chrome.
type Disabled struct{}

// Render always fails.
func (Disabled) Render(context.Context, string) (Page, error) {
	return Page{}, errors.New("headless browser disabled")
}

// Close does nothing.
func (Disabled) Close() error { return nil }
