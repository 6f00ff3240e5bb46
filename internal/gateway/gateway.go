package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// CreateOrderParams describes a gateway order. Amounts are in minor units
// (cents/paise); the gateway API does not accept fractional amounts.
type CreateOrderParams struct {
	AmountMinor int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Receipt     string            `json:"receipt"`
	Notes       map[string]string `json:"notes,omitempty"`
}

// Order is the gateway-side handle for an initiated payment attempt
type Order struct {
	ID          string `json:"id"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
	Receipt     string `json:"receipt"`
	Status      string `json:"status"`
}

// Gateway abstracts the hosted-checkout payment provider
type Gateway interface {
	CreateOrder(ctx context.Context, params CreateOrderParams) (*Order, error)
	// KeyID is the public key the browser checkout widget needs
	KeyID() string
	VerifyPaymentSignature(orderID, paymentID, signature string) bool
	VerifyWebhookSignature(body []byte, signature string) bool
	// WebhookSecretConfigured reports whether webhook signatures can be
	// checked at all; ingestion skips verification when no secret is set.
	WebhookSecretConfigured() bool
}

// Config holds gateway credentials and endpoints, loaded from the environment
type Config struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Timeout       time.Duration
}

// LoadConfig reads gateway settings from the environment with dev fallbacks
func LoadConfig() Config {
	cfg := Config{
		BaseURL:       os.Getenv("GATEWAY_BASE_URL"),
		KeyID:         os.Getenv("GATEWAY_KEY_ID"),
		KeySecret:     os.Getenv("GATEWAY_KEY_SECRET"),
		WebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		Timeout:       10 * time.Second,
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.gateway.test"
	}
	if raw := os.Getenv("GATEWAY_TIMEOUT_SECONDS"); raw != "" {
		var secs int
		if _, err := fmt.Sscanf(raw, "%d", &secs); err == nil && secs > 0 {
			cfg.Timeout = time.Duration(secs) * time.Second
		}
	}
	return cfg
}

type httpGateway struct {
	cfg    Config
	client *http.Client
}

// New returns a Gateway backed by the provider's REST API
func New(cfg Config) Gateway {
	return &httpGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (g *httpGateway) KeyID() string {
	return g.cfg.KeyID
}

func (g *httpGateway) CreateOrder(ctx context.Context, params CreateOrderParams) (*Order, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal order params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(g.cfg.KeyID, g.cfg.KeySecret)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway order request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(raw))
	}

	var order Order
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, fmt.Errorf("decode gateway order: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("gateway order response missing id")
	}
	return &order, nil
}

func (g *httpGateway) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	return VerifyPaymentSignature(orderID, paymentID, signature, g.cfg.KeySecret)
}

func (g *httpGateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return VerifyWebhookSignature(body, signature, g.cfg.WebhookSecret)
}

func (g *httpGateway) WebhookSecretConfigured() bool {
	return g.cfg.WebhookSecret != ""
}
