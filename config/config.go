// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Engine names accepted in BROWSER_ENGINE.
const (
	EngineChromedp   = "chromedp"
	EnginePlaywright = "playwright"
)

const (
	defaultListingURL = "https://app.seekube.com/forum-entreprise-de-lim2ag-2025-1/candidate/jobdating/jobs?page=1"
	defaultUserAgent  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	defaultJobPattern = `/jobdating/jobs/\d+`
)

// Config holds every tunable of the watcher. It is built once by Load and
// handed to component constructors.
type Config struct {
	JobPattern *regexp.Regexp

	ListingURL      string
	StatePath       string
	StateSeedB64    string
	SessionBucket   string
	GoogleCredsJSON string
	DBPath          string

	TelegramToken   string
	TelegramChatID  string
	TelegramAPIURL  string
	DisablePreview  bool
	TelegramTimeout time.Duration

	Engine      string
	BrowserPath string
	UserAgent   string
	NavTimeout  time.Duration
	Headless    bool

	AuthURLMarkers     []string
	AuthContentMarkers []string

	RunForever   bool
	PollInterval time.Duration
	MaxPages     int

	HealthEnabled bool
	Port          string
	LogLevel      slog.Level
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment values win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary key lookup function.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	var errs []error
	intVal := func(key string, def int) int {
		raw := get(key, "")
		if raw == "" {
			return def
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, raw))
			return def
		}
		return n
	}
	flag := func(key string, def bool) bool {
		raw := get(key, "")
		if raw == "" {
			return def
		}
		switch strings.ToLower(raw) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
		errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, raw))
		return def
	}

	cfg := &Config{
		ListingURL:         get("SEEKUBE_URL", defaultListingURL),
		StatePath:          get("STORAGE_STATE", "seekube_state.json"),
		StateSeedB64:       get("STORAGE_STATE_B64", ""),
		SessionBucket:      get("SESSION_BUCKET", ""),
		GoogleCredsJSON:    get("GOOGLE_CREDENTIALS_JSON", ""),
		DBPath:             get("DB_PATH", "seen_seekube.sqlite3"),
		TelegramToken:      get("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:     get("TELEGRAM_CHAT_ID", ""),
		TelegramAPIURL:     strings.TrimSuffix(get("TELEGRAM_API_URL", "https://api.telegram.org"), "/"),
		DisablePreview:     flag("TELEGRAM_DISABLE_PREVIEW", false),
		TelegramTimeout:    30 * time.Second,
		Engine:             strings.ToLower(get("BROWSER_ENGINE", EngineChromedp)),
		BrowserPath:        get("BROWSER_PATH", ""),
		UserAgent:          get("USER_AGENT", defaultUserAgent),
		NavTimeout:         time.Duration(intVal("NAV_TIMEOUT_SECONDS", 60)) * time.Second,
		Headless:           flag("HEADLESS", true),
		AuthURLMarkers:     splitList(get("AUTH_URL_MARKERS", "login,auth")),
		AuthContentMarkers: splitList(get("AUTH_CONTENT_MARKERS", "cf-chl-,cf_chl_opt")),
		RunForever:         flag("RUN_FOREVER", false),
		PollInterval:       time.Duration(intVal("RUN_EVERY_SECONDS", 300)) * time.Second,
		MaxPages:           intVal("MAX_PAGES", 10),
		HealthEnabled:      flag("HEALTH_ENABLED", false),
		Port:               get("PORT", "8080"),
	}

	pattern := get("JOB_PATH_PATTERN", defaultJobPattern)
	re, err := regexp.Compile(pattern)
	if err != nil {
		errs = append(errs, fmt.Errorf("JOB_PATH_PATTERN: %w", err))
	}
	cfg.JobPattern = re

	if err := cfg.LogLevel.UnmarshalText([]byte(get("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate reports configuration that would make a crawl impossible.
// Missing Telegram credentials are not an error: the notifier degrades instead.
func (c *Config) Validate() error {
	var errs []error
	if c.ListingURL == "" {
		errs = append(errs, errors.New("SEEKUBE_URL must not be empty"))
	}
	if c.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("MAX_PAGES must be at least 1, got %d", c.MaxPages))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("RUN_EVERY_SECONDS must be positive, got %s", c.PollInterval))
	}
	if c.NavTimeout <= 0 {
		errs = append(errs, fmt.Errorf("NAV_TIMEOUT_SECONDS must be positive, got %s", c.NavTimeout))
	}
	if c.Engine != EngineChromedp && c.Engine != EnginePlaywright {
		errs = append(errs, fmt.Errorf("BROWSER_ENGINE must be %q or %q, got %q", EngineChromedp, EnginePlaywright, c.Engine))
	}
	if c.StatePath == "" {
		errs = append(errs, errors.New("STORAGE_STATE must not be empty"))
	}
	if c.JobPattern == nil {
		errs = append(errs, errors.New("JOB_PATH_PATTERN is required"))
	}
	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
