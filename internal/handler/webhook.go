package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/EduOpsSolutions/payrecon/internal/domain"
	"github.com/EduOpsSolutions/payrecon/internal/engine"
	"github.com/EduOpsSolutions/payrecon/internal/gateway"
	"github.com/EduOpsSolutions/payrecon/internal/logging"
	"github.com/EduOpsSolutions/payrecon/internal/repository"
)

const maxWebhookBody = 1 << 20 // 1 MiB

type signatureVerifier interface {
	VerifySignature(payload []byte, header string) bool
}

type eventStore interface {
	Record(ctx context.Context, event *repository.GatewayEvent) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status repository.GatewayEventStatus, paymentID *uuid.UUID) error
}

type eventApplier interface {
	ApplyByExternalRef(ctx context.Context, ev engine.Event) (*domain.Payment, bool, error)
}

type WebhookHandler struct {
	verifier signatureVerifier
	events   eventStore
	engine   eventApplier
}

func NewWebhookHandler(verifier signatureVerifier, events eventStore, eng eventApplier) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, events: events, engine: eng}
}

type webhookPayload struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		ExternalRef   string `json:"reference"`
		Status        string `json:"status"`
		FailureReason string `json:"failure_reason"`
	} `json:"attributes"`
}

// Receive ingests a gateway notification. Only a bad signature earns a
// non-2xx response; replays, unknown references, and events the record has
// already moved past are all acknowledged so the gateway stops redelivering.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if !h.verifier.VerifySignature(body, r.Header.Get("Gateway-Signature")) {
		logger.Warn("webhook rejected: invalid signature")
		RespondAppError(w, ErrInvalidSignature, nil)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.Warn("webhook rejected: malformed payload", "error", err)
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if payload.ID == "" || payload.Attributes.ExternalRef == "" {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	event := &repository.GatewayEvent{
		ID:              uuid.New(),
		ProviderEventID: payload.ID,
		ExternalRef:     payload.Attributes.ExternalRef,
		EventType:       payload.Type,
		Payload:         body,
		Status:          repository.GatewayEventSkipped,
	}

	if err := h.events.Record(r.Context(), event); err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			logger.Info("webhook replay ignored", "provider_event_id", payload.ID)
			RespondSuccess(w, http.StatusOK, map[string]string{"status": "already_received"})
			return
		}
		logger.Error("failed to record gateway event", "provider_event_id", payload.ID, "error", err)
		RespondAppError(w, ErrInternalError, nil)
		return
	}

	p, applied, err := h.engine.ApplyByExternalRef(r.Context(), engine.Event{
		Source:      domain.SourceWebhook,
		Status:      gateway.MapRemoteStatus(r.Context(), payload.Attributes.Status),
		ExternalRef: payload.Attributes.ExternalRef,
		EventID:     payload.ID,
		Reason:      payload.Attributes.FailureReason,
	})

	disposition := repository.GatewayEventSkipped
	switch {
	case err == nil && applied:
		disposition = repository.GatewayEventApplied
		event.PaymentID = &p.ID
	case err == nil:
		event.PaymentID = &p.ID
	case errors.Is(err, domain.ErrNotFound):
		disposition = repository.GatewayEventUnmatched
		logger.Warn("webhook for unknown payment",
			"provider_event_id", payload.ID,
			"external_ref", payload.Attributes.ExternalRef,
		)
	default:
		// The event is stored; surfacing an error here would only make the
		// gateway redeliver something we cannot apply.
		logger.Error("webhook could not be applied",
			"provider_event_id", payload.ID,
			"external_ref", payload.Attributes.ExternalRef,
			"error", err,
		)
	}

	if uErr := h.events.UpdateStatus(r.Context(), event.ID, disposition, event.PaymentID); uErr != nil {
		logger.Error("failed to update gateway event status", "event_id", event.ID, "error", uErr)
	}

	RespondSuccess(w, http.StatusOK, map[string]string{"status": string(disposition)})
}
