package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"seekube-notifier/pkg/notifier"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

const captureLocalStorageJS = `(() => {
	const items = [];
	for (let i = 0; i < localStorage.length; i++) {
		const k = localStorage.key(i);
		items.push({name: k, value: localStorage.getItem(k)});
	}
	return {origin: location.origin, localStorage: items};
})()`

type chromeEngine struct {
	logger *slog.Logger
	opts   Options
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	idle        *idleTracker
	logger      *slog.Logger
	opts        Options
}

func (e *chromeEngine) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", e.opts.Headless),
		chromedp.Flag("disable-gpu", e.opts.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 900),
	)
	if e.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(e.opts.UserAgent))
	}
	if e.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(e.opts.ExecPath))
	}
	return opts
}

func (e *chromeEngine) Open(ctx context.Context, state *notifier.SessionState) (Browser, error) {
	startTime := time.Now()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, e.allocatorOptions()...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	b := &chromeBrowser{
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		idle:        newIdleTracker(),
		logger:      e.logger,
		opts:        e.opts,
	}
	chromedp.ListenTarget(browserCtx, b.idle.observe)

	actions := []chromedp.Action{network.Enable()}
	if state != nil {
		actions = append(actions, restoreActions(state)...)
	}
	if err := chromedp.Run(browserCtx, actions...); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	cookies := 0
	if state != nil {
		cookies = len(state.Cookies)
	}
	e.logger.Info("Chrome browser started",
		"headless", e.opts.Headless,
		"exec_path", e.opts.ExecPath,
		"cookies_restored", cookies,
		"duration_ms", time.Since(startTime).Milliseconds())
	return b, nil
}

func (b *chromeBrowser) Navigate(ctx context.Context, url string) (*Page, error) {
	navCtx, cancel := context.WithTimeout(b.ctx, b.opts.NavTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	b.idle.reset()
	startTime := time.Now()
	var finalURL, html string
	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return b.idle.wait(ctx, b.opts.IdleTime)
		}),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, navError(url, err)
	}

	b.logger.Debug("Page rendered",
		"url", url,
		"final_url", finalURL,
		"content_length", len(html),
		"duration_ms", time.Since(startTime).Milliseconds())
	return &Page{URL: finalURL, Content: html}, nil
}

func (b *chromeBrowser) Session(ctx context.Context) (*notifier.SessionState, error) {
	var cookies []*network.Cookie
	var origin notifier.Origin
	err := chromedp.Run(b.ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(ctx)
			return err
		}),
		chromedp.Evaluate(captureLocalStorageJS, &origin),
	)
	if err != nil {
		return nil, fmt.Errorf("capture session: %w", err)
	}

	st := &notifier.SessionState{Cookies: fromNetworkCookies(cookies)}
	if origin.Origin != "" && origin.Origin != "null" {
		st.Origins = append(st.Origins, origin)
	}
	return st, nil
}

func (b *chromeBrowser) Close() error {
	err := chromedp.Cancel(b.ctx)
	b.cancel()
	b.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}

// restoreActions injects cookies and arranges for localStorage to be
// repopulated whenever a page of a saved origin loads.
func restoreActions(state *notifier.SessionState) []chromedp.Action {
	var actions []chromedp.Action
	if params := toCookieParams(state.Cookies); len(params) > 0 {
		actions = append(actions, network.SetCookies(params))
	}
	if script := localStorageScript(state.Origins); script != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}))
	}
	return actions
}

func toCookieParams(cookies []notifier.Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			ts := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
			p.Expires = &ts
		}
		switch strings.ToLower(c.SameSite) {
		case "strict":
			p.SameSite = network.CookieSameSiteStrict
		case "lax":
			p.SameSite = network.CookieSameSiteLax
		case "none":
			p.SameSite = network.CookieSameSiteNone
		}
		params = append(params, p)
	}
	return params
}

func fromNetworkCookies(cookies []*network.Cookie) []notifier.Cookie {
	out := make([]notifier.Cookie, 0, len(cookies))
	for _, c := range cookies {
		expires := c.Expires
		if c.Session || expires <= 0 {
			expires = -1
		}
		out = append(out, notifier.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out
}

func localStorageScript(origins []notifier.Origin) string {
	var keep []notifier.Origin
	for _, o := range origins {
		if len(o.LocalStorage) > 0 {
			keep = append(keep, o)
		}
	}
	if len(keep) == 0 {
		return ""
	}
	data, err := json.Marshal(keep)
	if err != nil {
		return ""
	}
	return fmt.Sprintf(`(() => {
	const saved = %s;
	for (const o of saved) {
		if (o.origin !== location.origin) continue;
		for (const item of o.localStorage) {
			try {
				if (localStorage.getItem(item.name) === null) localStorage.setItem(item.name, item.value);
			} catch (e) {}
		}
	}
})()`, data)
}

// idleTracker follows in-flight requests so navigation can wait for the
// network to go quiet.
type idleTracker struct {
	lastActivity time.Time
	inflight     map[network.RequestID]struct{}
	mu           sync.Mutex
}

func newIdleTracker() *idleTracker {
	return &idleTracker{
		inflight:     make(map[network.RequestID]struct{}),
		lastActivity: time.Now(),
	}
}

func (t *idleTracker) observe(ev any) {
	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.start(ev.RequestID)
	case *network.EventLoadingFinished:
		t.finish(ev.RequestID)
	case *network.EventLoadingFailed:
		t.finish(ev.RequestID)
	}
}

func (t *idleTracker) start(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[id] = struct{}{}
	t.lastActivity = time.Now()
}

func (t *idleTracker) finish(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, id)
	t.lastActivity = time.Now()
}

// reset forgets requests left over from the previous page.
func (t *idleTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.inflight)
	t.lastActivity = time.Now()
}

func (t *idleTracker) quietFor(now time.Time) (int, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight), now.Sub(t.lastActivity)
}

// wait blocks until no request has been in flight for quiet.
func (t *idleTracker) wait(ctx context.Context, quiet time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if n, idle := t.quietFor(time.Now()); n == 0 && idle >= quiet {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
