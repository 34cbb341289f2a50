// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mmynk/groupchat/internal/models"
)

const namespace = "groupchat"

// Outcome labels for membership operations.
const (
	OutcomeOK        = "ok"
	OutcomeInvalid   = "invalid"
	OutcomeNotFound  = "not_found"
	OutcomeConflict  = "conflict"
	OutcomeFull      = "full"
	OutcomeForbidden = "forbidden"
	OutcomeUnauth    = "unauthenticated"
	OutcomeError     = "error"
)

// Metrics groups every collector of the server.
type Metrics struct {
	MembershipOps   *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	Subscriptions   prometheus.Gauge
	RequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MembershipOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_operations_total",
			Help:      "Membership operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_published_total",
			Help:      "Realtime events published by event name.",
		}, []string{"event"}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "subscriptions",
			Help:      "Current number of (group, connection) subscriptions.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route, method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.MembershipOps, m.EventsPublished, m.Subscriptions, m.RequestDuration)
	}
	return m
}

// ObserveOp counts one membership operation, labelled by the kind of err.
func (m *Metrics) ObserveOp(op string, err error) {
	if m == nil {
		return
	}
	m.MembershipOps.WithLabelValues(op, Outcome(err)).Inc()
}

// ObserveEvent counts one published realtime event.
func (m *Metrics) ObserveEvent(event string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(event).Inc()
}

// AddSubscriptions moves the subscription gauge by delta.
func (m *Metrics) AddSubscriptions(delta int) {
	if m == nil {
		return
	}
	m.Subscriptions.Add(float64(delta))
}

// ObserveRequest records the latency of one HTTP request.
func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(d.Seconds())
}

// Outcome returns the outcome label for err.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, models.ErrCapacity):
		return OutcomeFull
	case errors.Is(err, models.ErrInvalid):
		return OutcomeInvalid
	case errors.Is(err, models.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, models.ErrConflict):
		return OutcomeConflict
	case errors.Is(err, models.ErrForbidden):
		return OutcomeForbidden
	case errors.Is(err, models.ErrUnauthenticated):
		return OutcomeUnauth
	default:
		return OutcomeError
	}
}
