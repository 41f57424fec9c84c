// Package main runs a watcher that crawls a Seekube job listing with a
// logged-in browser session and posts every new job to a Telegram chat.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"seekube-notifier/config"
	"seekube-notifier/ledger"
	"seekube-notifier/pkg/notifier"
	"seekube-notifier/poll"
	"seekube-notifier/render"
	"seekube-notifier/scraper"
	"seekube-notifier/server"
	"seekube-notifier/session"
	"seekube-notifier/telegram"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"
)

// Set by ldflags.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var login, once bool
	root := &cobra.Command{
		Use:           "seekube-notifier",
		Short:         "Notify a Telegram chat about new Seekube job postings",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if once {
				cfg.RunForever = false
			}

			logger := setupLogger(cmd, cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if login {
				return runLogin(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
			}
			return runWatch(ctx, cfg, logger)
		},
	}
	root.Flags().BoolVar(&login, "login", false, "Open a visible browser to sign in and save the session")
	root.Flags().BoolVar(&once, "once", false, "Run a single crawl even if RUN_FOREVER is set")
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "seekube-notifier %s\n", version)
		},
	}
}

// setupLogger installs the JSON logger on the command's stdout as the default.
func setupLogger(cmd *cobra.Command, level slog.Level) *slog.Logger {
	logger := newLogger(cmd.OutOrStdout(), level)
	slog.SetDefault(logger)
	return logger
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func runWatch(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.StateSeedB64 != "" {
		seeded, err := store.Seed(ctx, cfg.StateSeedB64)
		if err != nil {
			return fmt.Errorf("seed session: %w", err)
		}
		if seeded {
			logger.Info("Session state written from STORAGE_STATE_B64", "location", store.Location())
		}
	}

	engine, err := newEngine(cfg, cfg.Headless, logger)
	if err != nil {
		return err
	}

	seen, err := ledger.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := seen.Close(); err != nil {
			logger.Warn("Failed to close ledger", "error", err)
		}
	}()

	sender := telegram.New(telegram.Config{
		Token:          cfg.TelegramToken,
		ChatID:         cfg.TelegramChatID,
		BaseURL:        cfg.TelegramAPIURL,
		Timeout:        cfg.TelegramTimeout,
		DisablePreview: cfg.DisablePreview,
	}, logger)
	if !sender.Configured() {
		logger.Warn("TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID not set; postings stay pending until configured")
	}

	crawler := poll.NewCrawler(poll.CrawlConfig{
		ListingURL: cfg.ListingURL,
		MaxPages:   cfg.MaxPages,
		Challenge: poll.Challenge{
			URLMarkers:     cfg.AuthURLMarkers,
			ContentMarkers: cfg.AuthContentMarkers,
		},
	}, engine, store, scraper.New(cfg.JobPattern), seen, sender, logger)
	loop := poll.NewLoop(crawler, cfg.RunForever, cfg.PollInterval, logger)

	if cfg.HealthEnabled {
		srv := server.New(logger)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Port); err != nil {
				logger.Error("HTTP server failed", "error", err)
			}
		}()
	}

	logger.Info("Watcher starting",
		"version", version,
		"listing_url", cfg.ListingURL,
		"engine", cfg.Engine,
		"run_forever", cfg.RunForever,
		"interval", cfg.PollInterval.String(),
		"max_pages", cfg.MaxPages,
		"session", store.Location(),
		"db_path", cfg.DBPath)

	err = loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("Shutting down")
		return nil
	}
	return err
}

// sessionSaver is the part of the session store the login flow needs.
type sessionSaver interface {
	Save(ctx context.Context, st *notifier.SessionState) error
	Location() string
}

func runLogin(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, logger *slog.Logger) error {
	store, closeStore, err := openSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := newEngine(cfg, false, logger)
	if err != nil {
		return err
	}
	return login(ctx, engine, store, cfg.ListingURL, in, out, logger)
}

// login opens the listing in a visible browser, waits for the operator to
// finish signing in and stores the resulting session.
func login(ctx context.Context, engine render.Engine, store sessionSaver, listingURL string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	browser, err := engine.Open(ctx, nil)
	if err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	defer func() {
		if err := browser.Close(); err != nil {
			logger.Warn("Failed to close browser", "error", err)
		}
	}()

	// Slow or redirecting login pages are fine; the operator drives from here.
	if _, err := browser.Navigate(ctx, listingURL); err != nil {
		logger.Warn("Listing page did not finish loading", "url", listingURL, "error", err)
	}

	fmt.Fprintln(out, "Log in to Seekube in the browser window until the job list is visible.")
	fmt.Fprint(out, "Press Enter here when done... ")

	lines := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(in).ReadString('\n')
		if errors.Is(err, io.EOF) {
			err = nil
		}
		lines <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-lines:
		if err != nil {
			return fmt.Errorf("read confirmation: %w", err)
		}
	}

	st, err := browser.Session(ctx)
	if err != nil {
		return fmt.Errorf("capture session: %w", err)
	}
	if err := store.Save(ctx, st); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	logger.Info("Session saved", "location", store.Location(), "cookies", len(st.Cookies))
	fmt.Fprintf(out, "\nSession saved to %s\n", store.Location())
	return nil
}

func newEngine(cfg *config.Config, headless bool, logger *slog.Logger) (render.Engine, error) {
	engine, err := render.New(cfg.Engine, render.Options{
		ExecPath:   cfg.BrowserPath,
		UserAgent:  cfg.UserAgent,
		NavTimeout: cfg.NavTimeout,
		Headless:   headless,
	}, logger)
	if errors.Is(err, render.ErrExecutableNotFound) {
		return nil, fmt.Errorf("%w; install Chrome or point BROWSER_PATH at a Chromium build", err)
	}
	if err != nil {
		return nil, fmt.Errorf("create browser engine: %w", err)
	}
	return engine, nil
}

// openSessionStore returns the Cloud Storage backed store when
// SESSION_BUCKET is set and the local file store otherwise.
func openSessionStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*session.Store, func(), error) {
	if cfg.SessionBucket == "" {
		return session.New(nil, "", cfg.StatePath, logger), func() {}, nil
	}

	var opts []option.ClientOption
	if cfg.GoogleCredsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return session.New(client, cfg.SessionBucket, cfg.StatePath, logger), closeFn, nil
}
