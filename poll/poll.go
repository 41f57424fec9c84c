// Package poll crawls the job listing and schedules crawl runs.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Runner performs one crawl.
type Runner interface {
	Run(ctx context.Context) (*Result, error)
}

// Loop runs crawls once or forever with a pause between runs.
type Loop struct {
	runner   Runner
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	interval time.Duration
	forever  bool
}

// NewLoop creates a loop. With forever unset Run performs a single crawl.
func NewLoop(runner Runner, forever bool, interval time.Duration, logger *slog.Logger) *Loop {
	return &Loop{
		runner:   runner,
		logger:   logger,
		sleep:    sleepContext,
		interval: interval,
		forever:  forever,
	}
}

// Run performs crawls until ctx is cancelled. In one-shot mode it returns
// the result of the single crawl. In forever mode a failed or panicking
// run is logged and the loop keeps going; the pause is measured from the
// end of one run to the start of the next. Cancelling ctx is how the
// process stops on SIGINT or SIGTERM.
func (l *Loop) Run(ctx context.Context) error {
	for {
		_, err := l.cycle(ctx)

		if !l.forever {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.logger.Info("Sleeping until next run", "interval", l.interval.String())
		if err := l.sleep(ctx, l.interval); err != nil {
			return err
		}
	}
}

func (l *Loop) cycle(ctx context.Context) (res *Result, err error) {
	logger := l.logger.With("run_id", uuid.NewString())
	ctx = withLogger(ctx, logger)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("crawl panicked: %v", r)
		}
		if err != nil {
			crawlRuns.WithLabelValues("error").Inc()
			logger.Error("Crawl run failed", "duration", time.Since(start).String(), "error", err)
			return
		}
		crawlRuns.WithLabelValues(string(res.Stop)).Inc()
		logger.Info("Crawl run completed", "duration", time.Since(start).String())
	}()

	logger.Info("Starting crawl run")
	res, err = l.runner.Run(ctx)
	if err == nil && res == nil {
		err = errors.New("crawl returned no result")
	}
	return res, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type loggerKey struct{}

func withLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return fallback
}
