// Package metrics exposes delivery counters in Prometheus format.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cefsiem/cef-agent/internal/delivery"
	"github.com/cefsiem/cef-agent/internal/state"
)

const namespace = "cef_agent"

// Recorder counts loop outcomes. It implements agent.Observer.
type Recorder struct {
	registry *prometheus.Registry

	uploads     *prometheus.CounterVec
	heartbeats  *prometheus.CounterVec
	sweeps      prometheus.Counter
	failedPaths prometheus.Gauge
	lastSuccess prometheus.Gauge

	failing map[string]bool
}

// NewRecorder creates a Recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload attempts by result (ok, io_read, rejected, transport, error).",
		}, []string{"result"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats by result (ok, rejected, transport, error).",
		}, []string{"result"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_sweeps_total",
			Help:      "Retry sweeps that attempted at least one upload.",
		}),
		failedPaths: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failed_paths",
			Help:      "Paths whose most recent upload failed.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_successful_upload_timestamp_seconds",
			Help:      "Unix time of the most recent successful upload.",
		}),
		failing: make(map[string]bool),
	}

	r.registry.MustRegister(r.uploads, r.heartbeats, r.sweeps, r.failedPaths, r.lastSuccess)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// UploadCompleted counts an upload attempt. Called from the loop goroutine only.
func (r *Recorder) UploadCompleted(rec state.Record, err error) {
	if rec.UploadFailed {
		r.uploads.WithLabelValues(Result(err)).Inc()
		r.failing[rec.Path] = true
	} else {
		r.uploads.WithLabelValues("ok").Inc()
		r.lastSuccess.Set(float64(rec.LastSuccessfulUpload.Unix()))
		delete(r.failing, rec.Path)
	}
	r.failedPaths.Set(float64(len(r.failing)))
}

// HeartbeatCompleted counts a heartbeat.
func (r *Recorder) HeartbeatCompleted(err error) {
	r.heartbeats.WithLabelValues(Result(err)).Inc()
}

// SweepCompleted counts a retry sweep.
func (r *Recorder) SweepCompleted(attempted, failed int) {
	if attempted > 0 {
		r.sweeps.Inc()
	}
}

// Seed sets the failed-path gauge from restored records.
func (r *Recorder) Seed(records []state.Record) {
	for _, rec := range records {
		if rec.UploadFailed {
			r.failing[rec.Path] = true
		}
	}
	r.failedPaths.Set(float64(len(r.failing)))
}

// Result maps a delivery error to a metric label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, delivery.ErrIORead):
		return "io_read"
	case errors.Is(err, delivery.ErrRejected):
		return "rejected"
	case errors.Is(err, delivery.ErrTransport):
		return "transport"
	default:
		return "error"
	}
}
