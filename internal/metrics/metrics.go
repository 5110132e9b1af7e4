// Package metrics exposes Prometheus collectors and the status endpoint for
// a running dump.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	articlesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mwoffliner_articles_total",
			Help: "Articles processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	redirectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mwoffliner_redirects_total",
			Help: "Redirect entries discovered.",
		},
	)

	mediaDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mwoffliner_media_downloads_total",
			Help: "Media queue outcomes: fetched, cache_hit, dedup_skip, failed.",
		},
		[]string{"outcome"},
	)

	mediaBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mwoffliner_media_bytes_total",
			Help: "Bytes of media fetched over the network.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mwoffliner_http_requests_total",
			Help: "Upstream HTTP requests, labeled by status code.",
		},
		[]string{"code"},
	)

	optimizerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mwoffliner_optimizer_runs_total",
			Help: "External optimizer invocations, labeled by format and result.",
		},
		[]string{"format", "result"},
	)

	queueBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mwoffliner_queue_backlog",
			Help: "Queued items per work queue.",
		},
		[]string{"queue"},
	)
)

// ObserveArticle counts one processed article.
func ObserveArticle(outcome string) {
	articlesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRedirects counts discovered redirect entries.
func ObserveRedirects(n int) {
	redirectsTotal.Add(float64(n))
}

// ObserveMedia counts one media queue outcome.
func ObserveMedia(outcome string, bytesFetched int) {
	mediaDownloadsTotal.WithLabelValues(outcome).Inc()
	if bytesFetched > 0 {
		mediaBytesTotal.Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest counts one upstream request.
func ObserveHTTPRequest(code int) {
	httpRequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveOptimizer counts one optimizer invocation.
func ObserveOptimizer(format, result string) {
	optimizerRunsTotal.WithLabelValues(format, result).Inc()
}

// SetQueueBacklog records a queue's current backlog.
func SetQueueBacklog(queue string, n int) {
	queueBacklog.WithLabelValues(queue).Set(float64(n))
}

// Serve starts the status server on the given port: /healthz plus the
// Prometheus handler on /metrics. A port of 0 disables the server.
func Serve(port int, logger *zap.Logger) {
	if port <= 0 {
		return
	}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server failed", zap.Error(err))
		}
	}()
}
