package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the settlement engine's Prometheus metrics.
// A nil Recorder records nothing.
type Recorder struct {
	plansCreated       prometheus.Counter
	paymentsSubmitted  *prometheus.CounterVec
	paymentOutcomes    *prometheus.CounterVec
	gatewayDuration    *prometheus.HistogramVec
	retriesScheduled   prometheus.Counter
	retriesExhausted   prometheus.Counter
	callbacksReceived  *prometheus.CounterVec
	idempotencyLookups *prometheus.CounterVec
	overduePlans       prometheus.Gauge
	outboxPublished    *prometheus.CounterVec
	jobRuns            *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// NewRecorder registers every metric on reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)

	return &Recorder{
		plansCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "settlement_plans_created_total",
			Help: "Total number of payment plans created",
		}),
		paymentsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_payments_submitted_total",
			Help: "Payment submissions by method and whether they replayed a prior result",
		}, []string{"method", "replay"}),
		paymentOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_payment_outcomes_total",
			Help: "Payment attempts reaching completed or failed",
		}, []string{"status"}),
		gatewayDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settlement_gateway_request_duration_seconds",
			Help:    "Latency of money gateway calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "result"}),
		retriesScheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "settlement_retries_scheduled_total",
			Help: "Total number of payment retries scheduled",
		}),
		retriesExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "settlement_retries_exhausted_total",
			Help: "Total number of attempts that ran out of retries",
		}),
		callbacksReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_callbacks_total",
			Help: "Gateway callbacks by provider and outcome",
		}, []string{"provider", "outcome"}),
		idempotencyLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_idempotency_lookups_total",
			Help: "Idempotency checks by source of the answer",
		}, []string{"source"}),
		overduePlans: f.NewGauge(prometheus.GaugeOpts{
			Name: "settlement_overdue_plans",
			Help: "Plans found overdue by the last scan",
		}),
		outboxPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_outbox_deliveries_total",
			Help: "Outbox delivery attempts by result",
		}, []string{"result"}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_job_runs_total",
			Help: "Scheduled job runs by job and result",
		}, []string{"job", "result"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settlement_job_duration_seconds",
			Help:    "Duration of scheduled jobs",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settlement_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (r *Recorder) PlanCreated() {
	if r == nil {
		return
	}
	r.plansCreated.Inc()
}

func (r *Recorder) PaymentSubmitted(method string, replay bool) {
	if r == nil {
		return
	}
	label := "false"
	if replay {
		label = "true"
	}
	r.paymentsSubmitted.WithLabelValues(method, label).Inc()
}

func (r *Recorder) PaymentOutcome(status string) {
	if r == nil {
		return
	}
	r.paymentOutcomes.WithLabelValues(status).Inc()
}

func (r *Recorder) GatewayCall(operation string, err error, d time.Duration) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.gatewayDuration.WithLabelValues(operation, result).Observe(d.Seconds())
}

func (r *Recorder) RetryScheduled() {
	if r == nil {
		return
	}
	r.retriesScheduled.Inc()
}

func (r *Recorder) RetriesExhausted() {
	if r == nil {
		return
	}
	r.retriesExhausted.Inc()
}

func (r *Recorder) CallbackHandled(provider, outcome string) {
	if r == nil {
		return
	}
	r.callbacksReceived.WithLabelValues(provider, outcome).Inc()
}

// IdempotencyLookup counts a check answered by source: redis, database or miss.
func (r *Recorder) IdempotencyLookup(source string) {
	if r == nil {
		return
	}
	r.idempotencyLookups.WithLabelValues(source).Inc()
}

func (r *Recorder) OverduePlans(n int) {
	if r == nil {
		return
	}
	r.overduePlans.Set(float64(n))
}

func (r *Recorder) OutboxDelivery(err error) {
	if r == nil {
		return
	}
	result := "published"
	if err != nil {
		result = "failed"
	}
	r.outboxPublished.WithLabelValues(result).Inc()
}

func (r *Recorder) JobRun(job string, err error, d time.Duration) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.jobRuns.WithLabelValues(job, result).Inc()
	r.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// JobSkipped counts a run that did not acquire its lease.
func (r *Recorder) JobSkipped(job string) {
	if r == nil {
		return
	}
	r.jobRuns.WithLabelValues(job, "skipped").Inc()
}

func (r *Recorder) HTTPRequest(method, route string, code int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, statusLabel(code)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
