package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_http_requests_total",
		Help: "HTTP requests by method, route pattern and status code.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intake_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intake_http_requests_in_flight",
		Help: "HTTP requests currently being served.",
	})

	IntakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_submissions_total",
		Help: "Intake submissions by outcome (triggered, trigger_pending, rejected, failed).",
	}, []string{"outcome"})

	WorkerInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_worker_invocations_total",
		Help: "External worker invocations by action and result.",
	}, []string{"action", "result"})

	WorkerInvocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intake_worker_invocation_duration_seconds",
		Help:    "External worker invocation latency by action.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	ReconcileUpliftsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_reconcile_uplifts_total",
		Help: "Resume reads whose effective status was lifted above the stored status.",
	})

	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intake_trigger_outbox_pending",
		Help: "Undelivered worker invocations waiting in the outbox.",
	})

	OutboxDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_trigger_outbox_deliveries_total",
		Help: "Outbox redelivery attempts by result.",
	}, []string{"result"})
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordWorkerInvocation records one worker call.
func RecordWorkerInvocation(action string, d time.Duration, err error) {
	WorkerInvocationsTotal.WithLabelValues(action, resultLabel(err)).Inc()
	WorkerInvocationDuration.WithLabelValues(action).Observe(d.Seconds())
}

// RecordOutboxDelivery records one redelivery attempt.
func RecordOutboxDelivery(err error) {
	OutboxDeliveriesTotal.WithLabelValues(resultLabel(err)).Inc()
}
