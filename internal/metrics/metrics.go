// Package metrics holds the Prometheus instruments for the tailer.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "riptail"

type Metrics struct {
	Registry        *prometheus.Registry
	FilesRegistered prometheus.Counter
	TasksActive     prometheus.Gauge
	LinesEmitted    prometheus.Counter
	FSEvents        prometheus.Counter
	TailErrors      prometheus.Counter
}

// New creates a set of instruments on a private registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		FilesRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_registered_total",
			Help:      "Number of distinct files that have been registered for tailing.",
		}),
		TasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tail_tasks_active",
			Help:      "Number of tail tasks currently running.",
		}),
		LinesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_emitted_total",
			Help:      "Number of lines handed to the outputs.",
		}),
		FSEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fs_events_total",
			Help:      "Number of filesystem notifications queued for dispatch.",
		}),
		TailErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tail_errors_total",
			Help:      "Number of tail tasks that stopped on a fatal error.",
		}),
	}
	m.Registry.MustRegister(
		m.FilesRegistered,
		m.TasksActive,
		m.LinesEmitted,
		m.FSEvents,
		m.TailErrors,
	)
	return m
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("metrics server shutdown")
		}
	}()

	logrus.WithField("addr", addr).Info("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
