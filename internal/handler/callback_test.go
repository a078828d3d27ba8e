package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/segyhp/settlement-engine/internal/domain"
	customError "github.com/segyhp/settlement-engine/pkg/errors"
)

func TestCallbackHandler_Handle(t *testing.T) {
	reference := uuid.NewString()
	body := map[string]interface{}{
		"external_tx_id": "sbx_123",
		"status":         "success",
		"amount":         "833333.33",
		"reference":      reference,
		"signature":      "body-signature",
	}

	tests := []struct {
		name           string
		requestBody    interface{}
		headers        map[string]string
		setupMock      func(*MockCallbackService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name:        "processed",
			requestBody: body,
			setupMock: func(m *MockCallbackService) {
				m.On("HandleCallback", mock.Anything, mock.MatchedBy(func(cb *domain.GatewayCallback) bool {
					return cb.Provider == "sandbox" &&
						cb.ExternalTxID == "sbx_123" &&
						cb.Reference == reference &&
						cb.Signature == "body-signature" &&
						cb.Amount.Equal(decimal.RequireFromString("833333.33"))
				}), mock.MatchedBy(func(raw []byte) bool {
					return len(raw) > 0
				})).Return(&domain.CallbackAck{Acknowledged: true, Outcome: domain.CallbackOutcomeProcessed}, nil).Once()
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"acknowledged":true`,
		},
		{
			name: "signature from header",
			requestBody: map[string]interface{}{
				"external_tx_id": "sbx_123",
				"status":         "failed",
				"amount":         "10",
				"reference":      reference,
			},
			headers: map[string]string{SignatureHeader: "header-signature"},
			setupMock: func(m *MockCallbackService) {
				m.On("HandleCallback", mock.Anything, mock.MatchedBy(func(cb *domain.GatewayCallback) bool {
					return cb.Signature == "header-signature" && cb.Status == domain.CallbackStatusFailed
				}), mock.Anything).Return(&domain.CallbackAck{Acknowledged: true, Outcome: domain.CallbackOutcomeIgnored}, nil).Once()
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"outcome":"ignored"`,
		},
		{
			name:        "rejected signature",
			requestBody: body,
			setupMock: func(m *MockCallbackService) {
				m.On("HandleCallback", mock.Anything, mock.Anything, mock.Anything).
					Return(nil, customError.WrapInvalidSignature("invalid callback signature")).Once()
			},
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   customError.ErrCodeInvalidSignature,
		},
		{
			name:        "unknown reference",
			requestBody: body,
			setupMock: func(m *MockCallbackService) {
				m.On("HandleCallback", mock.Anything, mock.Anything, mock.Anything).
					Return(nil, customError.WrapCallbackNotFound(reference)).Once()
			},
			expectedStatus: http.StatusNotFound,
			expectedBody:   customError.ErrCodeCallbackNotFound,
		},
		{
			name:        "amount mismatch",
			requestBody: body,
			setupMock: func(m *MockCallbackService) {
				m.On("HandleCallback", mock.Anything, mock.Anything, mock.Anything).
					Return(nil, customError.WrapInvalidCallback("amount does not match")).Once()
			},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody:   customError.ErrCodeInvalidCallback,
		},
		{
			name:           "malformed body",
			requestBody:    "{not json",
			setupMock:      func(m *MockCallbackService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Invalid request body",
		},
		{
			name:           "missing reference",
			requestBody:    map[string]interface{}{"external_tx_id": "sbx_123", "status": "success"},
			setupMock:      func(m *MockCallbackService) {},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			tt.setupMock(s.callbacks)

			w := s.do(http.MethodPost, "/api/v1/callbacks/sandbox", tt.requestBody, tt.headers)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedBody != "" {
				assert.Contains(t, w.Body.String(), tt.expectedBody)
			}
		})
	}
}

func TestHealthHandler(t *testing.T) {
	t.Run("health is always ok", func(t *testing.T) {
		s := newTestServer(t)
		w := s.do(http.MethodGet, "/health", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("ready without checks", func(t *testing.T) {
		s := newTestServer(t)
		w := s.do(http.MethodGet, "/health/ready", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("ready reports failing dependency", func(t *testing.T) {
		h := NewHealthHandler(time.Second).
			WithDatabase(nil).
			WithRedis(nil).
			WithCheck("kafka", func(context.Context) error { return errors.New("no brokers") }).
			WithCheck("gateway", func(context.Context) error { return nil })

		s := newTestServer(t)
		s.handler = NewRouter(RouterConfig{
			Billing:   NewBillingHandler(s.plans, s.payments),
			Callbacks: NewCallbackHandler(s.callbacks),
			Health:    h,
		})

		w := s.do(http.MethodGet, "/health/ready", nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), `"kafka":"failed: no brokers"`)
		assert.Contains(t, w.Body.String(), `"gateway":"ok"`)
		assert.NotContains(t, w.Body.String(), "database")
	})
}
