package handler

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/segyhp/settlement-engine/internal/domain"
)

type MockPlanService struct {
	mock.Mock
}

func (m *MockPlanService) CreatePlan(ctx context.Context, request *domain.CreatePlanRequest) (*domain.CreatePlanResponse, error) {
	args := m.Called(ctx, request)
	if resp, ok := args.Get(0).(*domain.CreatePlanResponse); ok {
		return resp, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPlanService) GetPlan(ctx context.Context, planID uuid.UUID) (*domain.PaymentPlan, error) {
	args := m.Called(ctx, planID)
	if plan, ok := args.Get(0).(*domain.PaymentPlan); ok {
		return plan, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPlanService) GetSchedule(ctx context.Context, planID uuid.UUID) (*domain.ScheduleResponse, error) {
	args := m.Called(ctx, planID)
	if resp, ok := args.Get(0).(*domain.ScheduleResponse); ok {
		return resp, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPlanService) GetBalance(ctx context.Context, planID uuid.UUID) (*domain.BalanceResponse, error) {
	args := m.Called(ctx, planID)
	if resp, ok := args.Get(0).(*domain.BalanceResponse); ok {
		return resp, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPlanService) ListPayments(ctx context.Context, planID uuid.UUID) ([]*domain.PaymentAttempt, error) {
	args := m.Called(ctx, planID)
	if list, ok := args.Get(0).([]*domain.PaymentAttempt); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPlanService) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.PaymentAttempt, error) {
	args := m.Called(ctx, paymentID)
	if a, ok := args.Get(0).(*domain.PaymentAttempt); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPlanService) CancelPlan(ctx context.Context, planID uuid.UUID) (*domain.PaymentPlan, error) {
	args := m.Called(ctx, planID)
	if plan, ok := args.Get(0).(*domain.PaymentPlan); ok {
		return plan, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockPaymentService struct {
	mock.Mock
}

func (m *MockPaymentService) SubmitPayment(ctx context.Context, req *domain.SubmitPaymentRequest) (*domain.SubmitPaymentResponse, error) {
	args := m.Called(ctx, req)
	if resp, ok := args.Get(0).(*domain.SubmitPaymentResponse); ok {
		return resp, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPaymentService) CheckStatus(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	args := m.Called(ctx, id)
	if a, ok := args.Get(0).(*domain.PaymentAttempt); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockCallbackService struct {
	mock.Mock
}

func (m *MockCallbackService) HandleCallback(ctx context.Context, cb *domain.GatewayCallback, raw []byte) (*domain.CallbackAck, error) {
	args := m.Called(ctx, cb, raw)
	if ack, ok := args.Get(0).(*domain.CallbackAck); ok {
		return ack, args.Error(1)
	}
	return nil, args.Error(1)
}
