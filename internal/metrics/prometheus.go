package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PrometheusExporter mirrors recorded samples into Prometheus collectors so a
// run can be watched live. It is registered with a Collector as an Observer.
type PrometheusExporter struct {
	registry *prometheus.Registry

	counters   *prometheus.CounterVec
	rateTotal  *prometheus.CounterVec
	rateHits   *prometheus.CounterVec
	trends     *prometheus.HistogramVec
	activeVUs  *prometheus.GaugeVec
	lastValues *prometheus.GaugeVec

	logger *zap.Logger
}

// NewPrometheusExporter creates an exporter with its own registry.
func NewPrometheusExporter(logger *zap.Logger) *PrometheusExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	pe := &PrometheusExporter{
		registry: prometheus.NewRegistry(),
		counters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "volley_counter_total",
				Help: "Sum of counter samples per metric",
			},
			[]string{"metric", "scenario"},
		),
		rateTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "volley_rate_samples_total",
				Help: "Number of rate samples per metric",
			},
			[]string{"metric", "scenario"},
		),
		rateHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "volley_rate_nonzero_total",
				Help: "Number of non-zero rate samples per metric",
			},
			[]string{"metric", "scenario"},
		),
		trends: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "volley_trend",
				Help:    "Trend sample distribution (milliseconds for time metrics)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 20), // 1ms to ~9m
			},
			[]string{"metric", "scenario"},
		),
		activeVUs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "volley_vus",
				Help: "Current number of active virtual users",
			},
			[]string{"scenario"},
		),
		lastValues: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "volley_trend_last",
				Help: "Last observed trend value per metric",
			},
			[]string{"metric", "scenario"},
		),
		logger: logger.With(zap.String("component", "prometheus")),
	}

	pe.registry.MustRegister(
		pe.counters,
		pe.rateTotal,
		pe.rateHits,
		pe.trends,
		pe.activeVUs,
		pe.lastValues,
	)
	return pe
}

// Observe implements Observer.
func (pe *PrometheusExporter) Observe(s Sample) {
	scenario := s.Tags["scenario"]

	if s.Metric == VUs {
		pe.activeVUs.WithLabelValues(scenario).Set(s.Value)
		return
	}

	switch s.Kind {
	case Counter:
		if s.Value >= 0 {
			pe.counters.WithLabelValues(s.Metric, scenario).Add(s.Value)
		}
	case Rate:
		pe.rateTotal.WithLabelValues(s.Metric, scenario).Inc()
		if s.Value != 0 {
			pe.rateHits.WithLabelValues(s.Metric, scenario).Inc()
		}
	case Trend:
		pe.trends.WithLabelValues(s.Metric, scenario).Observe(s.Value)
		pe.lastValues.WithLabelValues(s.Metric, scenario).Set(s.Value)
	}
}

// Handler returns the /metrics HTTP handler for this exporter's registry.
func (pe *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(pe.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (pe *PrometheusExporter) Registry() *prometheus.Registry {
	return pe.registry
}

// Serve serves /metrics on addr until ctx is cancelled.
func (pe *PrometheusExporter) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", pe.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		pe.logger.Info("serving metrics", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
