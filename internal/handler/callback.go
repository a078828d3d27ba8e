package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/pkg/response"
)

// SignatureHeader carries the callback signature when the body does not
const SignatureHeader = "X-Signature"

const maxCallbackBody = 1 << 20

type CallbackService interface {
	HandleCallback(ctx context.Context, cb *domain.GatewayCallback, raw []byte) (*domain.CallbackAck, error)
}

type CallbackHandler struct {
	listener CallbackService
}

func NewCallbackHandler(listener CallbackService) *CallbackHandler {
	return &CallbackHandler{listener: listener}
}

// Handle handles POST /api/v1/callbacks/{provider}
func (h *CallbackHandler) Handle(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		response.BadRequest(w, "Invalid request body", err)
		return
	}

	var cb domain.GatewayCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		response.BadRequest(w, "Invalid request body", err)
		return
	}
	if cb.ExternalTxID == "" || cb.Reference == "" || cb.Status == "" {
		response.BadRequest(w, "Invalid request body", errors.New("external_tx_id, reference and status are required"))
		return
	}

	cb.Provider = mux.Vars(r)["provider"]
	if cb.Signature == "" {
		cb.Signature = strings.TrimSpace(r.Header.Get(SignatureHeader))
	}

	ack, err := h.listener.HandleCallback(r.Context(), &cb, raw)
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, ack)
}
