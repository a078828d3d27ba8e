package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/pkg/response"
)

// IdempotencyHeader overrides the idempotency_key body field when present
const IdempotencyHeader = "Idempotency-Key"

type PlanService interface {
	CreatePlan(ctx context.Context, request *domain.CreatePlanRequest) (*domain.CreatePlanResponse, error)
	GetPlan(ctx context.Context, planID uuid.UUID) (*domain.PaymentPlan, error)
	GetSchedule(ctx context.Context, planID uuid.UUID) (*domain.ScheduleResponse, error)
	GetBalance(ctx context.Context, planID uuid.UUID) (*domain.BalanceResponse, error)
	ListPayments(ctx context.Context, planID uuid.UUID) ([]*domain.PaymentAttempt, error)
	GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.PaymentAttempt, error)
	CancelPlan(ctx context.Context, planID uuid.UUID) (*domain.PaymentPlan, error)
}

type PaymentService interface {
	SubmitPayment(ctx context.Context, req *domain.SubmitPaymentRequest) (*domain.SubmitPaymentResponse, error)
	CheckStatus(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error)
}

type BillingHandler struct {
	plans     PlanService
	payments  PaymentService
	validator *validator.Validate
}

func NewBillingHandler(plans PlanService, payments PaymentService) *BillingHandler {
	return &BillingHandler{
		plans:     plans,
		payments:  payments,
		validator: newValidator(),
	}
}

// CreatePlan handles POST /api/v1/plans
func (h *BillingHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req domain.CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body", err)
		return
	}

	if err := h.validator.Struct(&req); err != nil {
		response.BadRequest(w, "Validation failed", err)
		return
	}

	result, err := h.plans.CreatePlan(r.Context(), &req)
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Created(w, result)
}

// GetPlan handles GET /api/v1/plans/{planId}
func (h *BillingHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "planId")
	if !ok {
		return
	}

	plan, err := h.plans.GetPlan(r.Context(), planID)
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, plan)
}

// GetSchedule handles GET /api/v1/plans/{planId}/schedule
func (h *BillingHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "planId")
	if !ok {
		return
	}

	schedule, err := h.plans.GetSchedule(r.Context(), planID)
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, schedule)
}

// GetBalance handles GET /api/v1/plans/{planId}/balance
func (h *BillingHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "planId")
	if !ok {
		return
	}

	balance, err := h.plans.GetBalance(r.Context(), planID)
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, balance)
}

// CancelPlan handles POST /api/v1/plans/{planId}/cancel
func (h *BillingHandler) CancelPlan(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "planId")
	if !ok {
		return
	}

	plan, err := h.plans.CancelPlan(r.Context(), planID)
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, plan)
}

// SubmitPayment handles POST /api/v1/plans/{planId}/payments.
// A new attempt answers 201, or 202 while the gateway has not settled it; a replay answers 200.
func (h *BillingHandler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "planId")
	if !ok {
		return
	}

	var req domain.SubmitPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body", err)
		return
	}
	req.PlanID = planID
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" {
		req.IdempotencyKey = key
	}

	if err := h.validator.Struct(&req); err != nil {
		response.BadRequest(w, "Validation failed", err)
		return
	}

	result, err := h.payments.SubmitPayment(r.Context(), &req)
	if err != nil {
		response.FromError(w, err)
		return
	}

	switch {
	case result.Replay:
		response.Success(w, result)
	case result.Payment.Status == domain.PaymentStatusProcessing,
		result.Payment.Status == domain.PaymentStatusPending:
		response.Accepted(w, result)
	default:
		response.Created(w, result)
	}
}

// ListPayments handles GET /api/v1/plans/{planId}/payments
func (h *BillingHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "planId")
	if !ok {
		return
	}

	payments, err := h.plans.ListPayments(r.Context(), planID)
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, payments)
}

// GetPayment handles GET /api/v1/payments/{paymentId}
func (h *BillingHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := pathID(w, r, "paymentId")
	if !ok {
		return
	}

	payment, err := h.plans.GetPayment(r.Context(), paymentID)
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, payment)
}

// CheckPaymentStatus handles POST /api/v1/payments/{paymentId}/status-check
func (h *BillingHandler) CheckPaymentStatus(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := pathID(w, r, "paymentId")
	if !ok {
		return
	}

	payment, err := h.payments.CheckStatus(r.Context(), paymentID)
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, payment)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		response.BadRequest(w, "Invalid "+name, err)
		return uuid.Nil, false
	}
	return id, true
}
