package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/segyhp/settlement-engine/internal/metrics"
	"github.com/segyhp/settlement-engine/pkg/response"
)

type RouterConfig struct {
	Billing   *BillingHandler
	Callbacks *CallbackHandler
	Health    *HealthHandler
	// Metrics serves /metrics when set
	Metrics  http.Handler
	Recorder *metrics.Recorder
	Logger   logrus.FieldLogger
}

// NewRouter registers every HTTP route of the settlement engine
func NewRouter(cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()

	router.Use(response.CORSMiddleware)
	if cfg.Logger != nil {
		router.Use(response.LoggingMiddleware(cfg.Logger))
	}
	router.Use(MetricsMiddleware(cfg.Recorder))

	router.HandleFunc("/health", cfg.Health.Health).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", cfg.Health.Ready).Methods(http.MethodGet)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/plans", cfg.Billing.CreatePlan).Methods(http.MethodPost)
	api.HandleFunc("/plans/{planId}", cfg.Billing.GetPlan).Methods(http.MethodGet)
	api.HandleFunc("/plans/{planId}/schedule", cfg.Billing.GetSchedule).Methods(http.MethodGet)
	api.HandleFunc("/plans/{planId}/balance", cfg.Billing.GetBalance).Methods(http.MethodGet)
	api.HandleFunc("/plans/{planId}/cancel", cfg.Billing.CancelPlan).Methods(http.MethodPost)
	api.HandleFunc("/plans/{planId}/payments", cfg.Billing.SubmitPayment).Methods(http.MethodPost)
	api.HandleFunc("/plans/{planId}/payments", cfg.Billing.ListPayments).Methods(http.MethodGet)

	api.HandleFunc("/payments/{paymentId}", cfg.Billing.GetPayment).Methods(http.MethodGet)
	api.HandleFunc("/payments/{paymentId}/status-check", cfg.Billing.CheckPaymentStatus).Methods(http.MethodPost)

	api.HandleFunc("/callbacks/{provider}", cfg.Callbacks.Handle).Methods(http.MethodPost)

	return router
}

// MetricsMiddleware records request counts and latency by route template
func MetricsMiddleware(rec *metrics.Recorder) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := response.NewRecorder(w)
			next.ServeHTTP(recorder, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			rec.HTTPRequest(r.Method, route, recorder.StatusCode, time.Since(start))
		})
	}
}
