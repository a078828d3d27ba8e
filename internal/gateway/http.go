package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// HTTPGateway talks to a provider's REST API
type HTTPGateway struct {
	client   *resty.Client
	provider string
}

func NewHTTPGateway(baseURL, apiKey, provider string, timeout time.Duration) *HTTPGateway {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetAuthToken(apiKey)

	return &HTTPGateway{client: client, provider: provider}
}

func (g *HTTPGateway) Provider() string {
	return g.provider
}

func (g *HTTPGateway) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	var result InitiateResult
	var failure errorBody

	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(req).
		SetResult(&result).
		SetError(&failure).
		Post("/v1/transfers")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode() >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode())
	case resp.IsError():
		// A 4xx is a definitive rejection of this transfer
		reason := failure.Reason
		if reason == "" {
			reason = failure.Error
		}
		if reason == "" {
			reason = fmt.Sprintf("rejected with status %d", resp.StatusCode())
		}
		return &InitiateResult{Accepted: false, Status: StatusFailed, Reason: reason}, nil
	}

	if result.Status == "" {
		result.Status = StatusPending
	}
	return &result, nil
}

func (g *HTTPGateway) CheckStatus(ctx context.Context, externalTxID string) (*StatusResult, error) {
	var result StatusResult

	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("id", externalTxID).
		SetResult(&result).
		Get("/v1/transfers/{id}")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, externalTxID)
	case resp.StatusCode() >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode())
	case resp.IsError():
		return nil, fmt.Errorf("status check for %s failed with status %d", externalTxID, resp.StatusCode())
	}

	return &result, nil
}
