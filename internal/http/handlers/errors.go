// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them. Generic
// codes mirror HTTP status semantics. Engine codes come from
// services.Describe and name the failure the user heard about.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "confirmation_expired",
//	  "message": "That confirmation expired. Please ask again."
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voiceops-backend/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeLowConfidence         = "low_confidence"
	ErrCodeUnknownIntent         = "unknown_intent"
	ErrCodeAmbiguousInput        = "ambiguous_input"
	ErrCodeNoPending             = "no_pending_clarification"
	ErrCodeInvalidInput          = "invalid_input"
	ErrCodePolicyDenied          = "policy_denied"
	ErrCodeConfirmationExpired   = "confirmation_expired"
	ErrCodeConfirmationNotFound  = "confirmation_not_found"
	ErrCodeConfirmationForbidden = "confirmation_forbidden"
	ErrCodeDuplicateInProgress   = "duplicate_in_progress"
	ErrCodeIdempotencyConflict   = "idempotency_key_conflict"
	ErrCodeProviderTimeout       = "provider_timeout"
	ErrCodeProviderRejected      = "provider_rejected"
	ErrCodeListFailed            = "list_failed"
)

// statusFor maps an engine error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeLowConfidence, ErrCodeUnknownIntent, ErrCodeAmbiguousInput, ErrCodeNoPending, ErrCodeIdempotencyConflict:
		return http.StatusUnprocessableEntity
	case ErrCodePolicyDenied, ErrCodeConfirmationForbidden:
		return http.StatusForbidden
	case ErrCodeConfirmationExpired:
		return http.StatusGone
	case ErrCodeConfirmationNotFound, ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeDuplicateInProgress:
		return http.StatusConflict
	case ErrCodeProviderTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeProviderRejected:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// failErr writes the envelope for a service error.
func failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrPolicyNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "policy not found")
		return
	case errors.Is(err, services.ErrActionNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "action not found")
		return
	}
	code, msg := services.Describe(err)
	if code == ErrCodeInternal {
		msg = err.Error()
	}
	fail(c, statusFor(code), code, msg)
}
