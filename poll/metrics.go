package poll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	crawlRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seekube_crawl_runs_total",
		Help: "Crawl runs by outcome (stop reason, or error).",
	}, []string{"outcome"})

	pagesVisited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seekube_pages_visited_total",
		Help: "Listing pages rendered.",
	})

	postingsNotified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seekube_postings_notified_total",
		Help: "Postings whose notification was delivered.",
	})

	notifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seekube_notify_failures_total",
		Help: "Notification attempts that failed and will be retried next run.",
	})

	authBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seekube_auth_blocked_total",
		Help: "Runs stopped because the site asked for login or a challenge.",
	})
)
