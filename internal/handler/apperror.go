package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken     = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required"}
	ErrInvalidToken     = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired"}
	ErrOperatorOnly     = &AppError{http.StatusForbidden, "OPERATOR_ONLY", "Operator role required"}
	ErrInvalidRequest   = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError    = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}

	ErrInvalidAmount         = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero"}
	ErrInvalidCurrency       = &AppError{http.StatusBadRequest, "INVALID_CURRENCY", "Invalid currency"}
	ErrInvalidMethod         = &AppError{http.StatusBadRequest, "INVALID_METHOD", "Invalid payment method"}
	ErrInvalidTransition     = &AppError{http.StatusUnprocessableEntity, "INVALID_TRANSITION", "Payment status does not allow this operation"}
	ErrConcurrentUpdate      = &AppError{http.StatusConflict, "CONCURRENT_UPDATE", "Payment was modified concurrently, please retry"}
	ErrManualPayment         = &AppError{http.StatusUnprocessableEntity, "MANUAL_PAYMENT", "Manual payments cannot be synced with the gateway"}
	ErrGatewayUnavailable    = &AppError{http.StatusBadGateway, "GATEWAY_UNAVAILABLE", "Payment gateway is unavailable, please retry"}
	ErrGatewayRejected       = &AppError{http.StatusUnprocessableEntity, "GATEWAY_REJECTED", "Payment gateway rejected the request"}
	ErrInvalidSignature      = &AppError{http.StatusBadRequest, "INVALID_SIGNATURE", "Webhook signature is invalid"}
	ErrMissingIdempotencyKey = &AppError{http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "Idempotency-Key header is required"}
	ErrIdempotencyConflict   = &AppError{http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Idempotency key already used with a different request"}
)
