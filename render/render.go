// Package render drives a real browser to load listing pages behind a login.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"seekube-notifier/pkg/notifier"
	"time"
)

var (
	// ErrNavigationTimeout means a page did not settle within the navigation timeout.
	ErrNavigationTimeout = errors.New("render: navigation timed out")

	// ErrExecutableNotFound means the configured browser binary is missing.
	ErrExecutableNotFound = errors.New("render: browser executable not found")
)

// Page is the outcome of one navigation.
type Page struct {
	URL     string // final URL after redirects
	Content string // rendered HTML
}

// Browser is an open browser session with a single tab.
type Browser interface {
	// Navigate loads url and waits until the network is quiet.
	Navigate(ctx context.Context, url string) (*Page, error)
	// Session captures the current cookies and localStorage.
	Session(ctx context.Context) (*notifier.SessionState, error)
	Close() error
}

// Engine launches browsers.
type Engine interface {
	// Open starts a browser, restoring state when it is non-nil.
	Open(ctx context.Context, state *notifier.SessionState) (Browser, error)
}

// Options configures an engine.
type Options struct {
	ExecPath   string // alternate browser binary; empty uses the engine default
	UserAgent  string
	NavTimeout time.Duration
	IdleTime   time.Duration // quiet period that counts as network idle
	Headless   bool
}

func (o Options) withDefaults() Options {
	if o.NavTimeout <= 0 {
		o.NavTimeout = 60 * time.Second
	}
	if o.IdleTime <= 0 {
		o.IdleTime = 500 * time.Millisecond
	}
	return o
}

// New returns the named engine ("chromedp" or "playwright").
// A configured executable that cannot be found is reported immediately.
func New(name string, opts Options, logger *slog.Logger) (Engine, error) {
	if err := CheckExecutable(opts.ExecPath); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	switch name {
	case "chromedp", "":
		return &chromeEngine{opts: opts, logger: logger}, nil
	case "playwright":
		return &playwrightEngine{opts: opts, logger: logger}, nil
	default:
		return nil, fmt.Errorf("render: unknown engine %q", name)
	}
}

// CheckExecutable verifies that path names a runnable file, either directly
// or through PATH. An empty path is accepted.
func CheckExecutable(path string) error {
	if path == "" {
		return nil
	}
	if _, err := exec.LookPath(path); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrExecutableNotFound, path, err)
	}
	return nil
}

// navError classifies a navigation failure.
func navError(url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrNavigationTimeout, url)
	}
	return fmt.Errorf("navigate %s: %w", url, err)
}
