package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"seekube-notifier/pkg/notifier"
	"seekube-notifier/render"
	"seekube-notifier/scraper"
	"seekube-notifier/session"
	"slices"
	"time"
)

// recordTimeout bounds a ledger write after a delivered notification.
const recordTimeout = 10 * time.Second

// StopReason says why a crawl ended.
type StopReason string

const (
	// StopExhausted means a page listed no postings.
	StopExhausted StopReason = "exhausted"
	// StopPageCap means the configured page limit was reached.
	StopPageCap StopReason = "page_cap"
	// StopAuthBlocked means the site showed a login or challenge page.
	StopAuthBlocked StopReason = "auth_blocked"
	// StopNavigationFailed means a page failed to load.
	StopNavigationFailed StopReason = "navigation_failed"
)

// SessionStore provides the saved browser session.
type SessionStore interface {
	Restore(ctx context.Context) (*notifier.SessionState, error)
}

// Extractor finds postings on a rendered page.
type Extractor interface {
	Extract(pageURL, content string) ([]*notifier.Posting, error)
}

// Ledger is the record of postings already notified.
type Ledger interface {
	Has(ctx context.Context, id string) (bool, error)
	Record(ctx context.Context, id string, firstSeen time.Time) error
}

// Sender delivers one notification and reports success.
type Sender interface {
	Send(ctx context.Context, text string) bool
}

// CrawlConfig tunes a crawl.
type CrawlConfig struct {
	Challenge  Challenge
	ListingURL string
	MaxPages   int
}

// Result summarises one crawl.
type Result struct {
	Stop         StopReason `json:"stop"`
	Pages        int        `json:"pages"`         // pages rendered
	Found        int        `json:"found"`         // postings seen on all pages
	Sent         int        `json:"sent"`          // notifications delivered
	Failed       int        `json:"failed"`        // notifications that failed
	RecordErrors int        `json:"record_errors"` // delivered but not written to the ledger
}

// Crawler walks the paginated listing and notifies about new postings.
type Crawler struct {
	engine    render.Engine
	sessions  SessionStore
	extractor Extractor
	ledger    Ledger
	sender    Sender
	logger    *slog.Logger
	now       func() time.Time
	cfg       CrawlConfig
}

// NewCrawler creates a crawler.
func NewCrawler(cfg CrawlConfig, engine render.Engine, sessions SessionStore, extractor Extractor, ledger Ledger, sender Sender, logger *slog.Logger) *Crawler {
	if cfg.MaxPages < 1 {
		cfg.MaxPages = 1
	}
	return &Crawler{
		engine:    engine,
		sessions:  sessions,
		extractor: extractor,
		ledger:    ledger,
		sender:    sender,
		logger:    logger,
		now:       time.Now,
		cfg:       cfg,
	}
}

// Run performs one crawl. Pages are visited from 1 until a page lists no
// postings, the page cap is hit, a page fails to load or the site asks
// for login; none of those is an error. Errors are returned only for
// browser start-up, extraction and ledger read failures.
func (c *Crawler) Run(ctx context.Context) (*Result, error) {
	logger := loggerFrom(ctx, c.logger)

	state, err := c.sessions.Restore(ctx)
	switch {
	case errors.Is(err, session.ErrNotFound):
		logger.Warn("No saved session, crawling without login; run with --login to create one")
	case err != nil:
		return nil, fmt.Errorf("restore session: %w", err)
	}

	browser, err := c.engine.Open(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("open browser: %w", err)
	}
	defer func() {
		if closeErr := browser.Close(); closeErr != nil {
			logger.Warn("Failed to close browser", "error", closeErr)
		}
	}()

	res := &Result{}
	for n := 1; ; n++ {
		pageURL := scraper.PageURL(c.cfg.ListingURL, n)
		logger.Info("Visiting page", "page", n, "url", pageURL)

		page, err := browser.Navigate(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			logger.Warn("Page navigation failed, ending crawl", "page", n, "url", pageURL, "error", err)
			res.Stop = StopNavigationFailed
			break
		}
		res.Pages++
		pagesVisited.Inc()

		if blocked, marker := c.cfg.Challenge.Blocked(page.URL, page.Content); blocked {
			logger.Warn("You appear to be logged out; run with --login to refresh the session",
				"page", n, "final_url", page.URL, "marker", marker)
			authBlocked.Inc()
			res.Stop = StopAuthBlocked
			break
		}

		postings, err := c.extractor.Extract(page.URL, page.Content)
		if err != nil {
			return res, fmt.Errorf("extract page %d: %w", n, err)
		}
		res.Found += len(postings)
		logger.Info("Found job links on page", "page", n, "count", len(postings))

		if err := c.notifyNew(ctx, logger, postings, res); err != nil {
			return res, err
		}

		// An empty page is taken as the end of the listing.
		if len(postings) == 0 {
			res.Stop = StopExhausted
			break
		}
		if n >= c.cfg.MaxPages {
			res.Stop = StopPageCap
			break
		}
	}

	logger.Info("Crawl finished",
		"stop", string(res.Stop),
		"pages", res.Pages,
		"found", res.Found,
		"sent", res.Sent,
		"failed", res.Failed)
	return res, nil
}

// notifyNew sends postings that are not in the ledger, oldest first.
// Listing pages are newest first, so the page order is reversed.
func (c *Crawler) notifyNew(ctx context.Context, logger *slog.Logger, postings []*notifier.Posting, res *Result) error {
	var fresh []*notifier.Posting
	for _, p := range postings {
		seen, err := c.ledger.Has(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("check ledger: %w", err)
		}
		if !seen {
			fresh = append(fresh, p)
		}
	}
	slices.Reverse(fresh)

	for _, p := range fresh {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.sender.Send(ctx, notifier.FormatMessage(p)) {
			// Left out of the ledger so the next run tries again.
			logger.Warn("Notification failed, will retry next run", "id", p.ID)
			notifyFailures.Inc()
			res.Failed++
			continue
		}
		res.Sent++
		postingsNotified.Inc()

		// The message is out; shutdown must not keep it from the ledger.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		err := c.ledger.Record(recordCtx, p.ID, c.now().UTC())
		cancel()
		if err != nil {
			logger.Error("Failed to record notified posting", "id", p.ID, "error", err)
			res.RecordErrors++
			continue
		}
		logger.Info("Posting notified", "id", p.ID, "title", p.Title)
	}
	return nil
}
