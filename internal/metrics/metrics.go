// Package metrics exposes bridge activity to Prometheus: flow outcomes,
// controller retries, per-camera motion and the health of watched
// services.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/protect-motion/internal/buildinfo"
	"github.com/nugget/protect-motion/internal/connwatch"
	"github.com/nugget/protect-motion/internal/unifi"
)

const namespace = "protect_motion"

// StatusSource reports the health of watched services.
type StatusSource interface {
	Status() map[string]connwatch.ServiceStatus
}

// Metrics owns a private registry and the bridge's collectors. The zero
// value is not usable; call New.
type Metrics struct {
	registry *prometheus.Registry

	flows        *prometheus.CounterVec
	retries      prometheus.Counter
	sensors      prometheus.Gauge
	motion       *prometheus.GaugeVec
	pollDuration prometheus.Histogram
}

// New creates the collectors and registers them, along with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		flows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_total",
			Help:      "Controller flows run, by flow and result.",
		}, []string{"flow", "result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "controller_retries_total",
			Help:      "Controller calls retried after a transport failure.",
		}),
		sensors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensors",
			Help:      "Motion sensors currently registered.",
		}),
		motion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "detected",
			Help:      "Motion state per camera (1 = motion).",
		}, []string{"camera", "name"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of motion detection polls, including retries.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}

	build := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information; always 1.",
	}, []string{"version", "commit"})
	build.WithLabelValues(buildinfo.Version, buildinfo.GitCommit).Set(1)

	m.registry.MustRegister(
		m.flows, m.retries, m.sensors, m.motion, m.pollDuration, build,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveFlow counts one flow run. result is "ok" or "error".
func (m *Metrics) ObserveFlow(flow string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.flows.WithLabelValues(flow, result).Inc()
}

// ObserveRetry counts one retried controller call.
func (m *Metrics) ObserveRetry() {
	m.retries.Inc()
}

// ObservePoll records the duration of one detection poll.
func (m *Metrics) ObservePoll(d time.Duration) {
	m.pollDuration.Observe(d.Seconds())
}

// SetSensors records the registered sensor count.
func (m *Metrics) SetSensors(n int) {
	m.sensors.Set(float64(n))
}

// SetMotion records a camera's motion state.
func (m *Metrics) SetMotion(s unifi.Sensor) {
	v := 0.0
	if s.MotionDetected {
		v = 1
	}
	m.motion.WithLabelValues(s.ID, s.Name).Set(v)
}

// RemoveSensor drops a camera's series, whatever its name label.
func (m *Metrics) RemoveSensor(id string) {
	m.motion.DeletePartialMatch(prometheus.Labels{"camera": id})
}

// WatchServices exports the health of src's services as
// protect_motion_service_up and protect_motion_service_failures.
func (m *Metrics) WatchServices(src StatusSource) {
	m.registry.MustRegister(&serviceCollector{src: src})
}

var (
	serviceUpDesc = prometheus.NewDesc(
		namespace+"_service_up", "Whether a watched service is reachable.", []string{"service"}, nil,
	)
	serviceFailuresDesc = prometheus.NewDesc(
		namespace+"_service_consecutive_failures", "Consecutive failed probes of a watched service.", []string{"service"}, nil,
	)
)

// serviceCollector reads connwatch status at scrape time.
type serviceCollector struct {
	src StatusSource
}

func (c *serviceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- serviceUpDesc
	ch <- serviceFailuresDesc
}

func (c *serviceCollector) Collect(ch chan<- prometheus.Metric) {
	for name, s := range c.src.Status() {
		up := 0.0
		if s.Ready {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(serviceUpDesc, prometheus.GaugeValue, up, name)
		ch <- prometheus.MustNewConstMetric(serviceFailuresDesc, prometheus.GaugeValue, float64(s.Failures), name)
	}
}

// Handler returns the /metrics handler for the registry.
func (m *Metrics) Handler(logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		Registry: m.registry,
	})
}

// Serve listens on addr and serves /metrics until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler(logger))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
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
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
		return nil
	}
}
