package esign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrEnvelopeNotFound is returned when the provider has no such envelope.
	ErrEnvelopeNotFound = errors.New("esign: envelope not found")
	// ErrProvider wraps unexpected provider responses.
	ErrProvider = errors.New("esign: provider error")
)

// Client reads envelope detail from the signing provider's REST API.
type Client struct {
	BaseURL   string
	AccountID string
	HTTP      *http.Client
	tokens    TokenSource
}

func NewClient(baseURL, accountID string, tokens TokenSource) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		AccountID: accountID,
		HTTP:      &http.Client{},
		tokens:    tokens,
	}
}

// GetEnvelope fetches an envelope together with its custom fields, recipients and tabs.
func (c *Client) GetEnvelope(ctx context.Context, envelopeID string) (Envelope, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return Envelope{}, fmt.Errorf("esign: obtain token: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2.1/accounts/%s/envelopes/%s?include=%s",
		c.BaseURL, url.PathEscape(c.AccountID), url.PathEscape(envelopeID), url.QueryEscape("custom_fields,recipients,tabs"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("esign: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Envelope{}, fmt.Errorf("esign: get envelope %s: %w", envelopeID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Envelope{}, ErrEnvelopeNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		if inv, ok := c.tokens.(interface{ Invalidate() }); ok {
			inv.Invalidate()
		}
		return Envelope{}, fmt.Errorf("%w: unauthorized", ErrProvider)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Envelope{}, fmt.Errorf("%w: status %d: %s", ErrProvider, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("esign: decode envelope: %w", err)
	}
	return env, nil
}
