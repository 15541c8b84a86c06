package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/EduOpsSolutions/payrecon/internal/domain"
	"github.com/EduOpsSolutions/payrecon/internal/logging"
)

// Client wraps the external payment gateway's HTTP API. All credential
// state is injected at construction; nothing reads the environment here.
type Client struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	maxRetries    uint64
	httpClient    *http.Client

	methodsTTL time.Duration
	methodsMu  sync.Mutex
	methods    []domain.PaymentMethod
	methodsExp time.Time
}

type Options struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
	MaxRetries    int
	MethodsTTL    time.Duration
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	methodsTTL := opts.MethodsTTL
	if methodsTTL == 0 {
		methodsTTL = 5 * time.Minute
	}
	return &Client{
		baseURL:       opts.BaseURL,
		secretKey:     opts.SecretKey,
		webhookSecret: opts.WebhookSecret,
		maxRetries:    uint64(opts.MaxRetries),
		methodsTTL:    methodsTTL,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

type intentAttributes struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Method   string `json:"payment_method"`
	Status   string `json:"status"`
}

type intentData struct {
	ID         string           `json:"id"`
	Attributes intentAttributes `json:"attributes"`
}

type intentEnvelope struct {
	Data intentData `json:"data"`
}

// CreateIntent registers the payment with the gateway and returns the
// gateway-assigned reference.
func (c *Client) CreateIntent(ctx context.Context, amount int64, currency domain.Currency, method domain.PaymentMethod) (string, error) {
	log := logging.FromContext(ctx)

	body, err := json.Marshal(intentEnvelope{Data: intentData{
		Attributes: intentAttributes{
			Amount:   amount,
			Currency: string(currency),
			Method:   string(method),
		},
	}})
	if err != nil {
		return "", fmt.Errorf("CreateIntent: marshal: %w", err)
	}

	var env intentEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/v1/payment_intents", body, &env); err != nil {
		return "", fmt.Errorf("CreateIntent: %w", err)
	}

	if env.Data.ID == "" {
		return "", fmt.Errorf("CreateIntent: gateway returned empty intent id: %w", domain.ErrGatewayRejected)
	}

	log.Info("payment intent created", "external_ref", env.Data.ID, "amount", amount, "currency", currency, "method", method)
	return env.Data.ID, nil
}

// FetchStatus retrieves the remote transaction and maps its status into the
// internal vocabulary.
func (c *Client) FetchStatus(ctx context.Context, externalRef string) (domain.PaymentStatus, error) {
	var env intentEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/v1/payment_intents/"+externalRef, nil, &env); err != nil {
		return "", fmt.Errorf("FetchStatus: %w", err)
	}
	return MapRemoteStatus(ctx, env.Data.Attributes.Status), nil
}

type methodsEnvelope struct {
	Data []struct {
		Type string `json:"type"`
	} `json:"data"`
}

// ListMethods returns the payment methods the gateway currently offers.
// Results are cached for a bounded TTL so catalog pages don't hammer the
// gateway.
func (c *Client) ListMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	c.methodsMu.Lock()
	defer c.methodsMu.Unlock()

	if c.methods != nil && time.Now().Before(c.methodsExp) {
		return c.methods, nil
	}

	var env methodsEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/v1/payment_methods", nil, &env); err != nil {
		return nil, fmt.Errorf("ListMethods: %w", err)
	}

	methods := make([]domain.PaymentMethod, 0, len(env.Data))
	for _, m := range env.Data {
		pm := domain.PaymentMethod(m.Type)
		if pm.IsValid() && pm != domain.MethodManual {
			methods = append(methods, pm)
		}
	}

	c.methods = methods
	c.methodsExp = time.Now().Add(c.methodsTTL)
	return methods, nil
}

// doJSON issues a request with the client's bounded retry policy: network
// errors and 5xx responses retry with exponential backoff up to maxRetries,
// 4xx responses fail immediately as GatewayRejected.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	op := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.SetBasicAuth(c.secretKey, "")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", domain.ErrGatewayUnavailable, resp.StatusCode)
		case resp.StatusCode >= 400:
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", domain.ErrGatewayRejected, resp.StatusCode, string(respBody)))
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode response: %v", domain.ErrGatewayRejected, err))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newRetryBackOff(), c.maxRetries),
		ctx,
	)
	return backoff.Retry(op, policy)
}

func newRetryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}
