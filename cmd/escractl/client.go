package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiClient talks to the escra HTTP API on behalf of an operator.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 90 * time.Second},
	}
}

// submitResult mirrors the pipeline result JSON.
type submitResult struct {
	Success bool      `json:"success"`
	Stage   string    `json:"stage"`
	Marks   []outcome `json:"marks"`
	Execute *outcome  `json:"execute"`
	Error   string    `json:"error"`
}

type outcome struct {
	Op            string `json:"op"`
	WalletAddress string `json:"walletAddress"`
	Success       bool   `json:"success"`
	TxID          string `json:"txId"`
	Error         string `json:"error"`
	Attempts      int    `json:"attempts"`
}

type signature struct {
	WalletAddress string  `json:"walletAddress"`
	Signed        bool    `json:"signed"`
	SignedAt      *string `json:"signedAt"`
}

type verification struct {
	EnvelopeID   string      `json:"envelopeId"`
	AgreementID  string      `json:"agreementId"`
	DocumentHash string      `json:"documentHash"`
	Status       string      `json:"status"`
	CompletedAt  *string     `json:"completedAt"`
	AllSigned    bool        `json:"allSigned"`
	Signatures   []signature `json:"signatures"`
}

type agreementSummary struct {
	EnvelopeID  string `json:"envelopeId"`
	AgreementID string `json:"agreementId"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
}

type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

// Submit triggers the pipeline. A 502 still carries a result worth showing.
func (c *apiClient) Submit(ctx context.Context, envelopeID string) (submitResult, int, error) {
	var res submitResult
	status, err := c.call(ctx, http.MethodPost, "/api/agreements/"+url.PathEscape(envelopeID)+"/submit", nil, &res,
		http.StatusOK, http.StatusBadGateway, http.StatusUnprocessableEntity)
	return res, status, err
}

// Cancel asks the registry to cancel the agreement behind an envelope. A 409
// or 502 carries the rejected outcome.
func (c *apiClient) Cancel(ctx context.Context, envelopeID string) (outcome, int, error) {
	var o outcome
	status, err := c.call(ctx, http.MethodPost, "/api/agreements/"+url.PathEscape(envelopeID)+"/cancel", nil, &o,
		http.StatusOK, http.StatusConflict, http.StatusBadGateway)
	return o, status, err
}

func (c *apiClient) Verification(ctx context.Context, envelopeID string) (verification, error) {
	var v verification
	_, err := c.call(ctx, http.MethodGet, "/api/esign?action=verification&envelopeId="+url.QueryEscape(envelopeID), nil, &v, http.StatusOK)
	return v, err
}

func (c *apiClient) List(ctx context.Context) ([]agreementSummary, error) {
	var out struct {
		Items []agreementSummary `json:"items"`
	}
	_, err := c.call(ctx, http.MethodGet, "/api/esign?action=list", nil, &out, http.StatusOK)
	return out.Items, err
}

func (c *apiClient) Login(ctx context.Context, name, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	_, err := c.call(ctx, http.MethodPost, "/api/auth/login", map[string]string{"name": name, "password": password}, &out, http.StatusOK)
	return out.Token, err
}

func (c *apiClient) call(ctx context.Context, method, path string, body, dst any, accept ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}

	for _, code := range accept {
		if resp.StatusCode == code {
			if err := json.Unmarshal(raw, dst); err != nil {
				return resp.StatusCode, fmt.Errorf("decode response: %w", err)
			}
			return resp.StatusCode, nil
		}
	}
	apiErr := &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Code != "" {
		apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
	}
	return resp.StatusCode, apiErr
}
