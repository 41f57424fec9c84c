package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"seekube-notifier/config"
	"seekube-notifier/ledger"
	"seekube-notifier/pkg/notifier"
	"seekube-notifier/render"
	"seekube-notifier/scraper"
	"seekube-notifier/session"
	"strings"
	"testing"
	"time"
)

const listingURL = "https://app.example.com/candidate/jobdating/jobs?page=1"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pageURL(n int) string {
	return scraper.PageURL(listingURL, n)
}

// listing renders a page linking the given job ids in order.
func listing(ids ...int) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, id := range ids {
		fmt.Fprintf(&b, `<a href="/candidate/jobdating/jobs/%d">Job %d</a>`, id, id)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func jobURL(id int) string {
	return fmt.Sprintf("https://app.example.com/candidate/jobdating/jobs/%d", id)
}

type fakeEngine struct {
	pages   map[string]*render.Page
	navErr  map[string]error
	openErr error
	state   *notifier.SessionState
	visited []string
	closed  int
}

func (e *fakeEngine) Open(_ context.Context, st *notifier.SessionState) (render.Browser, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	e.state = st
	return &fakeBrowser{engine: e}, nil
}

type fakeBrowser struct {
	engine *fakeEngine
}

func (b *fakeBrowser) Navigate(_ context.Context, url string) (*render.Page, error) {
	b.engine.visited = append(b.engine.visited, url)
	if err := b.engine.navErr[url]; err != nil {
		return nil, err
	}
	if p, ok := b.engine.pages[url]; ok {
		return p, nil
	}
	return &render.Page{URL: url, Content: listing()}, nil
}

func (*fakeBrowser) Session(context.Context) (*notifier.SessionState, error) {
	return &notifier.SessionState{}, nil
}

func (b *fakeBrowser) Close() error {
	b.engine.closed++
	return nil
}

// pagesOf builds an engine whose page n lists counts[n-1] postings.
func pagesOf(counts ...int) *fakeEngine {
	e := &fakeEngine{pages: make(map[string]*render.Page), navErr: make(map[string]error)}
	id := 1
	for i, c := range counts {
		var ids []int
		for range c {
			ids = append(ids, id)
			id++
		}
		u := pageURL(i + 1)
		e.pages[u] = &render.Page{URL: u, Content: listing(ids...)}
	}
	return e
}

type fakeSessions struct {
	state *notifier.SessionState
	err   error
}

func (s *fakeSessions) Restore(context.Context) (*notifier.SessionState, error) {
	return s.state, s.err
}

type fakeLedger struct {
	seen      map[string]time.Time
	hasErr    error
	recordErr error
}

func newFakeLedger(ids ...string) *fakeLedger {
	l := &fakeLedger{seen: make(map[string]time.Time)}
	for _, id := range ids {
		l.seen[id] = time.Unix(0, 0)
	}
	return l
}

func (l *fakeLedger) Has(_ context.Context, id string) (bool, error) {
	if l.hasErr != nil {
		return false, l.hasErr
	}
	_, ok := l.seen[id]
	return ok, nil
}

func (l *fakeLedger) Record(_ context.Context, id string, t time.Time) error {
	if l.recordErr != nil {
		return l.recordErr
	}
	if _, ok := l.seen[id]; !ok {
		l.seen[id] = t
	}
	return nil
}

type fakeSender struct {
	fail map[string]bool // message substrings that fail
	sent []string
}

func (s *fakeSender) Send(_ context.Context, text string) bool {
	for frag := range s.fail {
		if strings.Contains(text, frag) {
			return false
		}
	}
	s.sent = append(s.sent, text)
	return true
}

func newCrawler(maxPages int, e *fakeEngine, l *fakeLedger, s *fakeSender) *Crawler {
	cfg := CrawlConfig{
		ListingURL: listingURL,
		MaxPages:   maxPages,
		Challenge: Challenge{
			URLMarkers:     []string{"login", "auth"},
			ContentMarkers: []string{"cf-chl-", "cf_chl_opt"},
		},
	}
	ex := scraper.New(regexp.MustCompile(`/jobdating/jobs/\d+`))
	return NewCrawler(cfg, e, &fakeSessions{state: &notifier.SessionState{}}, ex, l, s, discardLogger())
}

func TestRunStopsAtEmptyPage(t *testing.T) {
	e := pagesOf(3, 2, 0, 4)
	l := newFakeLedger()
	s := &fakeSender{}

	res, err := newCrawler(10, e, l, s).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(e.visited) != 3 {
		t.Errorf("visited %d pages, want 3: %v", len(e.visited), e.visited)
	}
	if res.Stop != StopExhausted || res.Pages != 3 || res.Found != 5 || res.Sent != 5 {
		t.Errorf("Run() = %+v, want exhausted after 3 pages with 5 sent", res)
	}
	if len(l.seen) != 5 {
		t.Errorf("ledger has %d ids, want 5", len(l.seen))
	}
	if e.closed != 1 {
		t.Errorf("browser closed %d times, want 1", e.closed)
	}
}

func TestRunPageCap(t *testing.T) {
	e := pagesOf(1, 1, 1, 1)
	res, err := newCrawler(2, e, newFakeLedger(), &fakeSender{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{pageURL(1), pageURL(2)}
	if fmt.Sprint(e.visited) != fmt.Sprint(want) {
		t.Errorf("visited %v, want %v", e.visited, want)
	}
	if res.Stop != StopPageCap {
		t.Errorf("Stop = %q, want %q", res.Stop, StopPageCap)
	}
}

func TestRunAuthBlocked(t *testing.T) {
	tests := []struct {
		name string
		page *render.Page
	}{
		{"login redirect", &render.Page{URL: "https://app.example.com/login?next=jobs", Content: listing(1, 2)}},
		{"auth redirect", &render.Page{URL: "https://auth.example.com/signin", Content: listing(1)}},
		{"bot challenge", &render.Page{URL: pageURL(1), Content: `<html><div id="cf-chl-widget"></div>` + listing(1) + `</html>`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := pagesOf(2, 2)
			e.pages[pageURL(1)] = tt.page
			l := newFakeLedger()
			s := &fakeSender{}

			res, err := newCrawler(10, e, l, s).Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.Stop != StopAuthBlocked {
				t.Errorf("Stop = %q, want %q", res.Stop, StopAuthBlocked)
			}
			if len(e.visited) != 1 {
				t.Errorf("visited %v, want only page 1", e.visited)
			}
			if len(s.sent) != 0 || len(l.seen) != 0 {
				t.Errorf("sent %d, recorded %d; want nothing", len(s.sent), len(l.seen))
			}
		})
	}
}

func TestRunAuthBlockedLaterPage(t *testing.T) {
	e := pagesOf(2, 2, 2)
	e.pages[pageURL(2)] = &render.Page{URL: "https://app.example.com/login", Content: ""}
	s := &fakeSender{}

	res, err := newCrawler(10, e, newFakeLedger(), s).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stop != StopAuthBlocked || len(s.sent) != 2 {
		t.Errorf("Run() = %+v with %d sent, want auth_blocked after page 1's 2", res, len(s.sent))
	}
}

func TestRunCloudflareDetectionScriptNotBlocked(t *testing.T) {
	defaults, err := config.FromLookup(func(string) (string, bool) { return "", false })
	if err != nil {
		t.Fatalf("FromLookup() error = %v", err)
	}

	e := pagesOf()
	e.pages[pageURL(1)] = &render.Page{
		URL: pageURL(1),
		Content: listing(1, 2) +
			`<script>(function(){var a=document.createElement('script');a.src='/cdn-cgi/challenge-platform/scripts/jsd/main.js';document.head.appendChild(a);})();</script>`,
	}
	s := &fakeSender{}
	c := newCrawler(5, e, newFakeLedger(), s)
	c.cfg.Challenge = Challenge{URLMarkers: defaults.AuthURLMarkers, ContentMarkers: defaults.AuthContentMarkers}

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stop != StopExhausted || len(s.sent) != 2 {
		t.Errorf("Run() = %+v with %d sent, want exhausted with 2 sent", res, len(s.sent))
	}

	// A real interstitial is still caught by the same defaults.
	e = pagesOf(1)
	e.pages[pageURL(1)] = &render.Page{
		URL:     pageURL(1),
		Content: `<html><script>window._cf_chl_opt={cvId:'3'};</script></html>`,
	}
	c = newCrawler(5, e, newFakeLedger(), &fakeSender{})
	c.cfg.Challenge = Challenge{URLMarkers: defaults.AuthURLMarkers, ContentMarkers: defaults.AuthContentMarkers}
	if res, err := c.Run(context.Background()); err != nil || res.Stop != StopAuthBlocked {
		t.Errorf("Run() on challenge page = %+v, %v; want auth_blocked", res, err)
	}
}

// cancellingSender delivers the message and then cancels the run, as a
// SIGTERM arriving mid-send would.
type cancellingSender struct {
	cancel context.CancelFunc
	sent   []string
}

func (s *cancellingSender) Send(_ context.Context, text string) bool {
	s.sent = append(s.sent, text)
	s.cancel()
	return true
}

func TestRunRecordsDeliveredAfterCancel(t *testing.T) {
	l, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "seen.sqlite3"), discardLogger())
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &cancellingSender{cancel: cancel}
	c := newCrawler(5, pagesOf(2), newFakeLedger(), nil)
	c.ledger = l
	c.sender = s

	res, err := c.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if len(s.sent) != 1 {
		t.Fatalf("sent %d messages after cancel, want 1", len(s.sent))
	}
	if res.Sent != 1 || res.RecordErrors != 0 {
		t.Errorf("Run() = %+v, want 1 sent and no record errors", res)
	}

	// Pages list newest first, so the first delivery is the last link.
	seen, err := l.Has(context.Background(), jobURL(2))
	if err != nil {
		t.Fatalf("Has() error = %v", err)
	}
	if !seen {
		t.Error("delivered posting was not recorded after cancellation")
	}
}

func TestRunSkipsSeen(t *testing.T) {
	e := pagesOf(3)
	l := newFakeLedger(jobURL(2))
	s := &fakeSender{}

	res, err := newCrawler(1, e, l, s).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Sent != 2 {
		t.Fatalf("Sent = %d, want 2", res.Sent)
	}
	for _, msg := range s.sent {
		if strings.Contains(msg, jobURL(2)) {
			t.Errorf("seen posting notified again: %q", msg)
		}
	}

	// A second run over the same listing sends nothing.
	s2 := &fakeSender{}
	if _, err := newCrawler(1, pagesOf(3), l, s2).Run(context.Background()); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if len(s2.sent) != 0 {
		t.Errorf("second run sent %d messages, want 0", len(s2.sent))
	}
}

func TestRunFailedSendRetriedNextRun(t *testing.T) {
	l := newFakeLedger()
	s := &fakeSender{fail: map[string]bool{jobURL(2): true}}

	res, err := newCrawler(1, pagesOf(3), l, s).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Sent != 2 || res.Failed != 1 {
		t.Errorf("Run() = %+v, want 2 sent and 1 failed", res)
	}
	if _, ok := l.seen[jobURL(2)]; ok {
		t.Error("failed posting was recorded")
	}

	s2 := &fakeSender{}
	if _, err := newCrawler(1, pagesOf(3), l, s2).Run(context.Background()); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if len(s2.sent) != 1 || !strings.Contains(s2.sent[0], jobURL(2)) {
		t.Errorf("second run sent %v, want only the failed posting", s2.sent)
	}
	if _, ok := l.seen[jobURL(2)]; !ok {
		t.Error("posting not recorded after successful retry")
	}
}

func TestRunNotifiesOldestFirst(t *testing.T) {
	e := pagesOf()
	e.pages[pageURL(1)] = &render.Page{
		URL: pageURL(1),
		Content: `<a href="/candidate/jobdating/jobs/1">Job A</a>
<a href="/candidate/jobdating/jobs/2">Job B</a>`,
	}
	l := newFakeLedger()
	s := &fakeSender{}

	res, err := newCrawler(5, e, l, s).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{
		notifier.FormatMessage(&notifier.Posting{Title: "Job B", URL: jobURL(2)}),
		notifier.FormatMessage(&notifier.Posting{Title: "Job A", URL: jobURL(1)}),
	}
	if fmt.Sprint(s.sent) != fmt.Sprint(want) {
		t.Errorf("sent %q, want %q", s.sent, want)
	}
	for _, id := range []string{jobURL(1), jobURL(2)} {
		if _, ok := l.seen[id]; !ok {
			t.Errorf("%s not recorded", id)
		}
	}
	if res.Stop != StopExhausted || len(e.visited) != 2 {
		t.Errorf("Run() = %+v after visiting %v, want exhausted after page 2", res, e.visited)
	}
}

func TestRunNavigationFailure(t *testing.T) {
	e := pagesOf(2, 2, 2)
	e.navErr[pageURL(2)] = fmt.Errorf("navigate: %w", render.ErrNavigationTimeout)
	s := &fakeSender{}

	res, err := newCrawler(10, e, newFakeLedger(), s).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stop != StopNavigationFailed || res.Pages != 1 || len(s.sent) != 2 {
		t.Errorf("Run() = %+v with %d sent, want navigation_failed after 1 page", res, len(s.sent))
	}
}

func TestRunErrors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("open", func(t *testing.T) {
		e := pagesOf(1)
		e.openErr = boom
		if _, err := newCrawler(1, e, newFakeLedger(), &fakeSender{}).Run(context.Background()); !errors.Is(err, boom) {
			t.Errorf("Run() error = %v, want %v", err, boom)
		}
	})

	t.Run("ledger read", func(t *testing.T) {
		l := newFakeLedger()
		l.hasErr = boom
		s := &fakeSender{}
		if _, err := newCrawler(1, pagesOf(1), l, s).Run(context.Background()); !errors.Is(err, boom) {
			t.Errorf("Run() error = %v, want %v", err, boom)
		}
		if len(s.sent) != 0 {
			t.Errorf("sent %d messages after ledger failure", len(s.sent))
		}
	})

	t.Run("ledger write", func(t *testing.T) {
		l := newFakeLedger()
		l.recordErr = boom
		res, err := newCrawler(1, pagesOf(2), l, &fakeSender{}).Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Sent != 2 || res.RecordErrors != 2 {
			t.Errorf("Run() = %+v, want 2 sent and 2 record errors", res)
		}
	})

	t.Run("restore", func(t *testing.T) {
		c := newCrawler(1, pagesOf(1), newFakeLedger(), &fakeSender{})
		c.sessions = &fakeSessions{err: boom}
		if _, err := c.Run(context.Background()); !errors.Is(err, boom) {
			t.Errorf("Run() error = %v, want %v", err, boom)
		}
	})
}

func TestRunWithoutSession(t *testing.T) {
	e := pagesOf(1)
	c := newCrawler(1, e, newFakeLedger(), &fakeSender{})
	c.sessions = &fakeSessions{err: fmt.Errorf("read: %w", session.ErrNotFound)}

	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if e.state != nil {
		t.Errorf("browser opened with state %+v, want nil", e.state)
	}
}

func TestChallengeBlocked(t *testing.T) {
	c := Challenge{URLMarkers: []string{"login", "auth"}, ContentMarkers: []string{"challenge-platform"}}
	tests := []struct {
		url, content string
		want         bool
	}{
		{"https://app.example.com/jobs?page=1", "<html></html>", false},
		{"https://app.example.com/LOGIN", "", true},
		{"https://app.example.com/oauth/callback", "", true},
		{"https://app.example.com/jobs", `<script src="/cdn-cgi/challenge-platform/h/b"></script>`, true},
	}
	for _, tt := range tests {
		if got, _ := c.Blocked(tt.url, tt.content); got != tt.want {
			t.Errorf("Blocked(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
	if got, _ := (Challenge{}).Blocked("https://x/login", "cf-chl-"); got {
		t.Error("empty challenge blocked a page")
	}
}

type scriptedRunner struct {
	calls int
	steps []func() (*Result, error)
}

func (r *scriptedRunner) Run(context.Context) (*Result, error) {
	i := r.calls
	r.calls++
	if i < len(r.steps) {
		return r.steps[i]()
	}
	return &Result{Stop: StopExhausted}, nil
}

func TestLoopOnce(t *testing.T) {
	boom := errors.New("boom")
	r := &scriptedRunner{steps: []func() (*Result, error){
		func() (*Result, error) { return nil, boom },
	}}
	l := NewLoop(r, false, time.Hour, discardLogger())
	if err := l.Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, want %v", err, boom)
	}
	if r.calls != 1 {
		t.Errorf("runner called %d times, want 1", r.calls)
	}
}

func TestLoopForeverSurvivesFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &scriptedRunner{steps: []func() (*Result, error){
		func() (*Result, error) { return nil, errors.New("browser crashed") },
		func() (*Result, error) { panic("unexpected") },
		func() (*Result, error) { return &Result{Stop: StopExhausted}, nil },
	}}
	l := NewLoop(r, true, 5*time.Minute, discardLogger())

	var slept []time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		if len(slept) == 3 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	if err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if r.calls != 3 {
		t.Errorf("runner called %d times, want 3", r.calls)
	}
	for _, d := range slept {
		if d != 5*time.Minute {
			t.Errorf("slept %v, want 5m", d)
		}
	}
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("sleepContext() on cancelled ctx = %v", err)
	}
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("sleepContext() = %v", err)
	}
}
