package redcap

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "redcapid",
		Subsystem: "redcap",
		Name:      "requests_total",
		Help:      "REDCap API calls by operation and outcome",
	}, []string{
		"operation", // export_records|import_records|project_info
		"result",    // success|unauthorized|bad_request|unavailable|upstream_error|bad_response|canceled
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "redcapid",
		Subsystem: "redcap",
		Name:      "request_duration_seconds",
		Help:      "Latency of REDCap API calls",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})
)

func observeRequest(operation string, start time.Time, err error) {
	requestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues(operation, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "unavailable"
	case errors.Is(err, ErrUpstreamError):
		return "upstream_error"
	case errors.Is(err, ErrBadResponse):
		return "bad_response"
	default:
		return "canceled"
	}
}
