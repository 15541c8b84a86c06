package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EduOpsSolutions/payrecon/internal/gateway"
	"github.com/EduOpsSolutions/payrecon/internal/logging"
)

// A stand-in for the real payment gateway, for local development. Intents
// progress pending -> processing -> succeeded on each status fetch, and every
// progression delivers a signed webhook to WEBHOOK_URL when one is set.

type intent struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Method   string `json:"payment_method"`
	Status   string `json:"status"`
}

type server struct {
	mu      sync.Mutex
	intents map[string]*intent

	webhookURL    string
	webhookSecret string
	events        int
}

func main() {
	logging.Init("mock-gateway", "info", os.Getenv("APP_ENV"))

	s := &server{
		intents:       make(map[string]*intent),
		webhookURL:    os.Getenv("WEBHOOK_URL"),
		webhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /v1/payment_intents", s.createIntent)
	mux.HandleFunc("GET /v1/payment_intents/{id}", s.getIntent)
	mux.HandleFunc("GET /v1/payment_methods", s.listMethods)

	slog.Info("mock gateway started", "addr", ":8081", "webhook_url", s.webhookURL)
	if err := http.ListenAndServe(":8081", mux); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func (s *server) createIntent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data struct {
			Attributes struct {
				Amount   int64  `json:"amount"`
				Currency string `json:"currency"`
				Method   string `json:"payment_method"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if req.Data.Attributes.Amount <= 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "amount must be positive"})
		return
	}

	in := &intent{
		ID:       "pi_" + uuid.NewString(),
		Amount:   req.Data.Attributes.Amount,
		Currency: req.Data.Attributes.Currency,
		Method:   req.Data.Attributes.Method,
		Status:   "awaiting_payment_method",
	}

	s.mu.Lock()
	s.intents[in.ID] = in
	s.mu.Unlock()

	slog.Info("intent created", "external_ref", in.ID, "amount", in.Amount)
	writeJSON(w, http.StatusOK, envelope(in))
}

func (s *server) getIntent(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	in, ok := s.intents[r.PathValue("id")]
	if !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such intent"})
		return
	}

	prev := in.Status
	switch in.Status {
	case "awaiting_payment_method":
		in.Status = "processing"
	case "processing":
		in.Status = "succeeded"
	}
	snapshot := *in
	s.mu.Unlock()

	if snapshot.Status != prev {
		slog.Info("intent progressed", "external_ref", snapshot.ID, "from", prev, "to", snapshot.Status)
		go s.deliverWebhook(snapshot)
	}

	writeJSON(w, http.StatusOK, envelope(&snapshot))
}

func (s *server) listMethods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"data": []map[string]string{
			{"type": "card"},
			{"type": "gcash"},
			{"type": "maya"},
			{"type": "bank"},
		},
	})
}

func (s *server) deliverWebhook(in intent) {
	if s.webhookURL == "" {
		return
	}

	s.mu.Lock()
	s.events++
	eventID := fmt.Sprintf("evt_mock_%06d", s.events)
	s.mu.Unlock()

	eventType := "payment." + in.Status
	payload, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": eventType,
		"attributes": map[string]any{
			"reference": in.ID,
			"status":    in.Status,
		},
	})
	if err != nil {
		slog.Error("failed to marshal webhook", "error", err)
		return
	}

	ts := fmt.Sprintf("%d", time.Now().Unix())
	sig := gateway.SignPayload(payload, ts, s.webhookSecret)

	req, err := http.NewRequest(http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		slog.Error("failed to build webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Gateway-Signature", sig)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Error("webhook delivery failed", "event_id", eventID, "error", err)
		return
	}
	resp.Body.Close()
	slog.Info("webhook delivered", "event_id", eventID, "type", eventType, "status", resp.StatusCode)
}

func envelope(in *intent) map[string]any {
	return map[string]any{
		"data": map[string]any{
			"id": in.ID,
			"attributes": map[string]any{
				"amount":         in.Amount,
				"currency":       in.Currency,
				"payment_method": in.Method,
				"status":         in.Status,
			},
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
