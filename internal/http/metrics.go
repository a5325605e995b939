package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/launchpad/internal/domain"
)

var (
	histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
	pipelineBuckets  = []float64{5, 15, 30, 60, 120, 300, 600, 900, 1800}
)

type metrics struct {
	requestTotal     *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	rateLimitHits    *prometheus.CounterVec
	deployResults    *prometheus.CounterVec
	stageFailures    *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		m := &metrics{
			requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "launchpad",
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Count of processed HTTP requests",
			}, []string{"method", "route", "status"}),
			requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "launchpad",
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "Latency distribution of HTTP handlers",
				Buckets:   histogramBuckets,
			}, []string{"method", "route", "status"}),
			rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "launchpad",
				Subsystem: "api",
				Name:      "rate_limit_hits_total",
				Help:      "Number of rate-limited responses",
			}, []string{"route", "key"}),
			deployResults: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "launchpad",
				Subsystem: "deploy",
				Name:      "results_total",
				Help:      "Deployment attempts by outcome",
			}, []string{"outcome"}),
			stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "launchpad",
				Subsystem: "deploy",
				Name:      "stage_failures_total",
				Help:      "Failed deployment attempts by pipeline stage and error kind",
			}, []string{"stage", "kind"}),
			pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "launchpad",
				Subsystem: "deploy",
				Name:      "pipeline_duration_seconds",
				Help:      "Wall time of deployment attempts",
				Buckets:   pipelineBuckets,
			}, []string{"outcome"}),
		}
		m.requestTotal = registerCounter(r.registerer, m.requestTotal)
		m.requestLatency = registerHistogram(r.registerer, m.requestLatency)
		m.rateLimitHits = registerCounter(r.registerer, m.rateLimitHits)
		m.deployResults = registerCounter(r.registerer, m.deployResults)
		m.stageFailures = registerCounter(r.registerer, m.stageFailures)
		m.pipelineDuration = registerHistogram(r.registerer, m.pipelineDuration)
		r.metrics = m
	})
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogram(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if r.metrics == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.metrics.requestTotal.With(labels).Inc()
	r.metrics.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	if r.metrics == nil {
		return
	}
	r.metrics.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}

func (r *Router) recordDeployResult(err error, duration time.Duration) {
	if r.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failed"
		stage := domain.StageOf(err)
		if stage == "" {
			stage = "none"
		}
		r.metrics.stageFailures.With(prometheus.Labels{"stage": stage, "kind": string(domain.KindOf(err))}).Inc()
	}
	r.metrics.deployResults.With(prometheus.Labels{"outcome": outcome}).Inc()
	r.metrics.pipelineDuration.With(prometheus.Labels{"outcome": outcome}).Observe(duration.Seconds())
}
