package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EduOpsSolutions/payrecon/internal/domain"
)

func newTestClient(baseURL string) *Client {
	return NewClient(Options{
		BaseURL:       baseURL,
		SecretKey:     "sk_test_123",
		WebhookSecret: "whsec_test",
		Timeout:       2 * time.Second,
		MaxRetries:    2,
		MethodsTTL:    time.Minute,
	})
}

func TestCreateIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)

		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "sk_test_123", user)

		var env intentEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		assert.Equal(t, int64(150000), env.Data.Attributes.Amount)
		assert.Equal(t, "gcash", env.Data.Attributes.Method)

		json.NewEncoder(w).Encode(intentEnvelope{Data: intentData{
			ID:         "pi_abc123",
			Attributes: intentAttributes{Status: "awaiting_payment_method"},
		}})
	}))
	defer srv.Close()

	ref, err := newTestClient(srv.URL).CreateIntent(context.Background(), 150000, domain.CurrencyPHP, domain.MethodGCash)
	require.NoError(t, err)
	assert.Equal(t, "pi_abc123", ref)
}

func TestCreateIntent_RejectedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CreateIntent(context.Background(), 100, domain.CurrencyPHP, domain.MethodCard)
	require.ErrorIs(t, err, domain.ErrGatewayRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateIntent_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(intentEnvelope{Data: intentData{ID: "pi_retry"}})
	}))
	defer srv.Close()

	ref, err := newTestClient(srv.URL).CreateIntent(context.Background(), 100, domain.CurrencyPHP, domain.MethodCard)
	require.NoError(t, err)
	assert.Equal(t, "pi_retry", ref)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCreateIntent_UnavailableAfterExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CreateIntent(context.Background(), 100, domain.CurrencyPHP, domain.MethodCard)
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	// initial attempt + MaxRetries
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchStatus_Mapping(t *testing.T) {
	tests := []struct {
		remote string
		want   domain.PaymentStatus
	}{
		{"awaiting_payment_method", domain.PaymentStatusPending},
		{"awaiting_next_action", domain.PaymentStatusPending},
		{"processing", domain.PaymentStatusProcessing},
		{"succeeded", domain.PaymentStatusPaid},
		{"payment_failed", domain.PaymentStatusFailed},
		{"cancelled", domain.PaymentStatusCancelled},
		{"refunded", domain.PaymentStatusRefunded},
		{"some_future_status", domain.PaymentStatusProcessing},
	}

	for _, tc := range tests {
		t.Run(tc.remote, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/payment_intents/pi_x", r.URL.Path)
				json.NewEncoder(w).Encode(intentEnvelope{Data: intentData{
					ID:         "pi_x",
					Attributes: intentAttributes{Status: tc.remote},
				}})
			}))
			defer srv.Close()

			got, err := newTestClient(srv.URL).FetchStatus(context.Background(), "pi_x")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestListMethods_Cached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"data":[{"type":"card"},{"type":"gcash"},{"type":"maya"},{"type":"unknown_wallet"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)

	first, err := c.ListMethods(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.PaymentMethod{domain.MethodCard, domain.MethodGCash, domain.MethodMaya}, first)

	second, err := c.ListMethods(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load(), "second call should hit the cache")
}

func TestListMethods_CacheExpires(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"data":[{"type":"card"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.methodsTTL = time.Millisecond

	_, err := c.ListMethods(context.Background())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = c.ListMethods(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestVerifySignature(t *testing.T) {
	c := newTestClient("http://unused")
	payload := []byte(`{"data":{"id":"evt_1"}}`)
	valid := SignPayload(payload, "1700000000", "whsec_test")

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"valid", valid, true},
		{"empty header", "", false},
		{"missing v1", "t=1700000000", false},
		{"missing timestamp", "v1=deadbeef", false},
		{"not hex", "t=1700000000,v1=zzzz", false},
		{"wrong digest", "t=1700000000,v1=deadbeef", false},
		{"wrong secret", SignPayload(payload, "1700000000", "other"), false},
		{"tampered timestamp", "t=1700000001," + valid[len("t=1700000000,"):], false},
		{"garbage", "completely malformed", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.VerifySignature(payload, tc.header))
		})
	}
}

func TestVerifySignature_TamperedPayload(t *testing.T) {
	c := newTestClient("http://unused")
	header := SignPayload([]byte(`{"amount":100}`), "1700000000", "whsec_test")
	assert.False(t, c.VerifySignature([]byte(`{"amount":999}`), header))
}

func TestFee(t *testing.T) {
	tests := []struct {
		method domain.PaymentMethod
		amount int64
		want   int64
	}{
		{domain.MethodCard, 100000, 3500},
		{domain.MethodGCash, 150000, 3750},
		{domain.MethodMaya, 100000, 2500},
		{domain.MethodBank, 100000, 1000},
		{domain.MethodManual, 100000, 0},
	}

	for _, tc := range tests {
		t.Run(string(tc.method), func(t *testing.T) {
			assert.Equal(t, tc.want, Fee(tc.amount, tc.method))
		})
	}
}

func TestDoJSON_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(srv.URL).FetchStatus(ctx, "pi_x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrGatewayUnavailable))
}
