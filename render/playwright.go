package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"seekube-notifier/pkg/notifier"
	"time"

	"github.com/playwright-community/playwright-go"
)

// playwrightEngine drives Chromium through the Playwright driver, which
// must be installed separately (go run github.com/playwright-community/playwright-go/cmd/playwright install).
type playwrightEngine struct {
	logger *slog.Logger
	opts   Options
}

type playwrightBrowser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	logger  *slog.Logger
	opts    Options
}

func (e *playwrightEngine) Open(ctx context.Context, state *notifier.SessionState) (Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	startTime := time.Now()

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright driver: %w", err)
	}
	b := &playwrightBrowser{pw: pw, logger: e.logger, opts: e.opts}

	launch := playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(e.opts.Headless)}
	if e.opts.ExecPath != "" {
		launch.ExecutablePath = playwright.String(e.opts.ExecPath)
	}
	b.browser, err = pw.Chromium.Launch(launch)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	ctxOpts := playwright.BrowserNewContextOptions{}
	if e.opts.UserAgent != "" {
		ctxOpts.UserAgent = playwright.String(e.opts.UserAgent)
	}
	if state != nil {
		path, cleanup, err := writeTempState(state)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		defer cleanup()
		ctxOpts.StorageStatePath = playwright.String(path)
	}

	b.context, err = b.browser.NewContext(ctxOpts)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	b.page, err = b.context.NewPage()
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}

	e.logger.Info("Playwright browser started",
		"headless", e.opts.Headless,
		"exec_path", e.opts.ExecPath,
		"session_restored", state != nil,
		"duration_ms", time.Since(startTime).Milliseconds())
	return b, nil
}

func (b *playwrightBrowser) Navigate(ctx context.Context, url string) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	startTime := time.Now()

	_, err := b.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(float64(b.opts.NavTimeout.Milliseconds())),
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrNavigationTimeout, url)
		}
		return nil, navError(url, err)
	}

	html, err := b.page.Content()
	if err != nil {
		return nil, fmt.Errorf("read content of %s: %w", url, err)
	}

	finalURL := b.page.URL()
	b.logger.Debug("Page rendered",
		"url", url,
		"final_url", finalURL,
		"content_length", len(html),
		"duration_ms", time.Since(startTime).Milliseconds())
	return &Page{URL: finalURL, Content: html}, nil
}

func (b *playwrightBrowser) Session(ctx context.Context) (*notifier.SessionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "seekube-state-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	path := filepath.Join(dir, "state.json")
	if _, err := b.context.StorageState(path); err != nil {
		return nil, fmt.Errorf("capture session: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read captured session: %w", err)
	}
	return notifier.ParseSessionState(data)
}

func (b *playwrightBrowser) Close() error {
	var errs []error
	if b.context != nil {
		if err := b.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close context: %w", err))
		}
	}
	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	if err := b.pw.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop playwright: %w", err))
	}
	return errors.Join(errs...)
}

// writeTempState stores state where Playwright can load it as a storage-state file.
func writeTempState(state *notifier.SessionState) (string, func(), error) {
	data, err := state.Marshal()
	if err != nil {
		return "", nil, fmt.Errorf("marshal session state: %w", err)
	}
	dir, err := os.MkdirTemp("", "seekube-state-")
	if err != nil {
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write temp session state: %w", err)
	}
	return path, cleanup, nil
}
