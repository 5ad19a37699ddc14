package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketplace-svc/retry"

	"go.uber.org/zap"
)

// Client creates payment intents with the external gateway. The gateway is a
// collaborator: the buyer completes payment against it out-of-band, and the
// gateway reports the outcome back through the webhook ingress.
type Client interface {
	CreateIntent(ctx context.Context, orderID, amountCents int64) (string, error)
}

type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewHTTPClient(baseURL, apiKey string, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type createIntentRequest struct {
	OrderID     int64  `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

type createIntentResponse struct {
	ID string `json:"id"`
}

// CreateIntent registers a payment intent for the order. Gateway failures
// are returned as typed HTTP errors so the retry engine can classify them
// without parsing response text; a Retry-After header on 429 is carried as
// the provider-suggested delay.
func (c *HTTPClient) CreateIntent(ctx context.Context, orderID, amountCents int64) (string, error) {
	body, err := json.Marshal(createIntentRequest{OrderID: orderID, AmountCents: amountCents, Currency: "aud"})
	if err != nil {
		return "", fmt.Errorf("failed to marshal intent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payment_intents", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build intent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("payment gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &retry.HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if d, parseErr := time.ParseDuration(ra + "s"); parseErr == nil {
				httpErr.RetryAfter = d
			}
		}
		return "", httpErr
	}

	var out createIntentResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to decode intent response: %w", err)
	}

	c.logger.Info("Payment intent created",
		zap.Int64("order_id", orderID),
		zap.String("payment_intent_id", out.ID),
	)
	return out.ID, nil
}
