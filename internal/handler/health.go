package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/segyhp/settlement-engine/pkg/response"
)

// Pinger is a dependency the readiness check must reach
type Pinger func(ctx context.Context) error

type HealthHandler struct {
	checks  map[string]Pinger
	timeout time.Duration
}

func NewHealthHandler(timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{
		checks:  make(map[string]Pinger),
		timeout: timeout,
	}
}

// WithDatabase adds a database check; a nil db is skipped
func (h *HealthHandler) WithDatabase(db *sqlx.DB) *HealthHandler {
	if db != nil {
		h.checks["database"] = db.PingContext
	}
	return h
}

// WithRedis adds a redis check; a nil client is skipped
func (h *HealthHandler) WithRedis(client *redis.Client) *HealthHandler {
	if client != nil {
		h.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return h
}

// WithCheck adds a named check
func (h *HealthHandler) WithCheck(name string, ping Pinger) *HealthHandler {
	h.checks[name] = ping
	return h
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// Health performs a basic health check
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	response.Success(w, status)
}

// Ready performs readiness check including database and redis connectivity
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	for name, ping := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		err := ping(ctx)
		cancel()

		if err != nil {
			status.Status = "error"
			status.Checks[name] = "failed: " + err.Error()
		} else {
			status.Checks[name] = "ok"
		}
	}

	if status.Status == "error" {
		response.JSON(w, http.StatusServiceUnavailable, status)
		return
	}

	response.Success(w, status)
}
