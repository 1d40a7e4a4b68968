package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPClient talks to a chain gateway that fronts the registry contract.
// Server errors and transport failures come back as errors so the retry
// policy can try again; any other answer decodes into a TxResult.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{}}
}

func (c *HTTPClient) CreateAgreement(ctx context.Context, req CreateAgreementRequest) (TxResult, error) {
	return c.post(ctx, "/agreements", req.IdempotencyToken, req)
}

func (c *HTTPClient) MarkSigned(ctx context.Context, req MarkSignedRequest) (TxResult, error) {
	return c.post(ctx, fmt.Sprintf("/agreements/%d/signatures", req.AgreementID), req.IdempotencyToken, req)
}

func (c *HTTPClient) ExecuteAgreement(ctx context.Context, req ExecuteRequest) (TxResult, error) {
	return c.post(ctx, fmt.Sprintf("/agreements/%d/execute", req.AgreementID), req.IdempotencyToken, req)
}

func (c *HTTPClient) CancelAgreement(ctx context.Context, req CancelRequest) (TxResult, error) {
	return c.post(ctx, fmt.Sprintf("/agreements/%d/cancel", req.AgreementID), req.IdempotencyToken, req)
}

func (c *HTTPClient) post(ctx context.Context, path, token string, body any) (TxResult, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return TxResult{}, fmt.Errorf("chain: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return TxResult{}, fmt.Errorf("chain: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Idempotency-Key", token)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return TxResult{}, fmt.Errorf("chain: POST %s: %w", path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return TxResult{}, fmt.Errorf("chain: POST %s: gateway returned %d", path, resp.StatusCode)
	}

	var out TxResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TxResult{}, fmt.Errorf("chain: decode %s response: %w", path, err)
	}
	if resp.StatusCode >= 300 && out.Success {
		out.Success = false
	}
	if !out.Success && out.Error == "" {
		out.Error = fmt.Sprintf("gateway returned %d", resp.StatusCode)
	}
	return out, nil
}
