package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder_Counts(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())

	r.PlanCreated()
	r.PaymentSubmitted("card", false)
	r.PaymentSubmitted("card", true)
	r.PaymentSubmitted("card", true)
	r.JobRun("overdue", nil, time.Second)
	r.JobRun("overdue", errors.New("boom"), time.Second)
	r.JobSkipped("overdue")
	r.OverduePlans(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.plansCreated))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.paymentsSubmitted.WithLabelValues("card", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobRuns.WithLabelValues("overdue", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobRuns.WithLabelValues("overdue", "skipped")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.overduePlans))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder

	assert.NotPanics(t, func() {
		r.PlanCreated()
		r.PaymentOutcome("completed")
		r.GatewayCall("initiate", nil, time.Millisecond)
		r.HTTPRequest("GET", "/health", 200, time.Millisecond)
	})
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "2xx", statusLabel(202))
	assert.Equal(t, "4xx", statusLabel(404))
	assert.Equal(t, "5xx", statusLabel(503))
}
