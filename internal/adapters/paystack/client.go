package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"brevpulse/internal/infra/metrics"
)

// Client talks to the Paystack REST API with a secret key.
type Client struct {
	baseURL    *url.URL
	secret     string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if c.httpClient == nil {
			c.httpClient = &http.Client{}
		}
		c.httpClient.Timeout = timeout
	}
}

// APIError is a non-2xx answer or a response with status=false.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("paystack api error: status=%d message=%s", e.StatusCode, e.Message)
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func New(baseURL, secret string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = "https://api.paystack.co"
	}
	if secret == "" {
		return nil, fmt.Errorf("paystack secret key is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	client := &Client{
		baseURL:    parsed,
		secret:     secret,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// InitializeParams describes a checkout.
type InitializeParams struct {
	Email       string
	AmountMinor int64
	PlanCode    string
	CallbackURL string
	Reference   string
	Channels    []string
	Metadata    map[string]string
}

// Checkout is the hosted payment page returned by transaction/initialize.
type Checkout struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// InitializeTransaction starts a hosted checkout.
func (c *Client) InitializeTransaction(ctx context.Context, params InitializeParams) (Checkout, error) {
	if params.Email == "" {
		return Checkout{}, fmt.Errorf("initialize transaction: email is required")
	}
	payload := map[string]any{
		"email":  params.Email,
		"amount": strconv.FormatInt(params.AmountMinor, 10),
	}
	if params.PlanCode != "" {
		payload["plan"] = params.PlanCode
	}
	if params.CallbackURL != "" {
		payload["callback_url"] = params.CallbackURL
	}
	if params.Reference != "" {
		payload["reference"] = params.Reference
	}
	if len(params.Channels) > 0 {
		payload["channels"] = params.Channels
	}
	if len(params.Metadata) > 0 {
		payload["metadata"] = params.Metadata
	}
	var checkout Checkout
	if err := c.post(ctx, "transaction_initialize", "/transaction/initialize", payload, &checkout); err != nil {
		return Checkout{}, err
	}
	return checkout, nil
}

// DisableSubscription stops renewals of a subscription.
func (c *Client) DisableSubscription(ctx context.Context, code, emailToken string) error {
	payload := map[string]string{"code": code, "token": emailToken}
	return c.post(ctx, "subscription_disable", "/subscription/disable", payload, nil)
}

func (c *Client) post(ctx context.Context, op, endpoint string, body any, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	start := time.Now()
	err = c.do(req, out)
	metrics.ObserveNetworkRequest("paystack", op, c.baseURL.Host, start, err)
	return err
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	resolved := *c.baseURL
	basePath := strings.TrimSuffix(c.baseURL.Path, "/")
	resolved.Path = path.Clean(basePath + endpoint)
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("paystack request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode >= 300 || !env.Status {
		msg := env.Message
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
