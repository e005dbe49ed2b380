package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/retailcore/bookings-backend/internal/domain"
)

// Gateway is the outbound payment gateway surface the engine needs.
type Gateway interface {
	CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (GatewayOrder, error)
	Refund(ctx context.Context, paymentRef string, amountMinor int64) (GatewayRefund, error)
}

type GatewayOrder struct {
	OrderRef    string `json:"id"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
	Receipt     string `json:"receipt"`
}

type GatewayRefund struct {
	RefundRef   string `json:"id"`
	PaymentRef  string `json:"payment_id"`
	AmountMinor int64  `json:"amount"`
	Status      string `json:"status"`
}

// HTTPGateway talks to the payment gateway's REST API with key-pair basic
// auth. Network failures and non-2xx responses both surface as
// ErrUpstreamUnavailable so callers treat the gateway as a single upstream.
type HTTPGateway struct {
	baseURL   string
	keyID     string
	keySecret string
	client    *http.Client
}

func NewHTTPGateway(baseURL, keyID, keySecret string) *HTTPGateway {
	return &HTTPGateway{
		baseURL:   baseURL,
		keyID:     keyID,
		keySecret: keySecret,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (g *HTTPGateway) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (GatewayOrder, error) {
	var order GatewayOrder
	err := g.post(ctx, "/orders", map[string]any{
		"amount":   amountMinor,
		"currency": currency,
		"receipt":  receipt,
	}, &order)
	return order, err
}

func (g *HTTPGateway) Refund(ctx context.Context, paymentRef string, amountMinor int64) (GatewayRefund, error) {
	var refund GatewayRefund
	err := g.post(ctx, "/payments/"+paymentRef+"/refund", map[string]any{
		"amount": amountMinor,
	}, &refund)
	return refund, err
}

func (g *HTTPGateway) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(g.keyID, g.keySecret)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request %s: %v: %w", path, err, domain.ErrUpstreamUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway request %s: status %d: %s: %w", path, resp.StatusCode, snippet, domain.ErrUpstreamUnavailable)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway response %s: %v: %w", path, err, domain.ErrUpstreamUnavailable)
	}
	return nil
}
