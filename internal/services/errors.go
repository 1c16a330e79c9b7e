// Package services implements the command engine: intent resolution, the
// policy gate, confirmation tokens, idempotent execution of side effects,
// webhook ingestion and agent task tracking. This file centralizes the
// service-level error values so callers can match them with errors.Is and
// handlers can map them to stable response codes.
package services

import (
	"errors"

	"github.com/tbourn/voiceops-backend/internal/provider"
)

var (
	// ErrAmbiguousInput means the resolver needs a clarification. It is a UX
	// branch, not a failure shown to the user.
	ErrAmbiguousInput = errors.New("ambiguous input")

	// ErrLowConfidence is returned when the recognized intent is below the
	// configured confidence threshold.
	ErrLowConfidence = errors.New("didn't catch that")

	// ErrUnknownIntent is returned for intent names outside the enumeration.
	ErrUnknownIntent = errors.New("unknown intent")

	// ErrNoPendingClarification is returned when a selection arrives with no
	// open question to answer.
	ErrNoPendingClarification = errors.New("nothing to choose from")

	// ErrInvalidInput covers malformed command input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPolicyDenied matches every *PolicyDeniedError.
	ErrPolicyDenied = errors.New("policy denied")

	ErrConfirmationExpired   = errors.New("confirmation expired")
	ErrConfirmationNotFound  = errors.New("confirmation not found")
	ErrConfirmationForbidden = errors.New("confirmation belongs to another user")

	// ErrDuplicateInProgress means an identical side effect is still in flight.
	ErrDuplicateInProgress = errors.New("duplicate request in progress")

	// ErrIdempotencyKeyConflict means the key was already used by the same
	// user for a different request.
	ErrIdempotencyKeyConflict = errors.New("idempotency key reused for a different request")

	// ErrInvalidSignature marks a stored webhook whose signature failed.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	ErrTaskNotFound   = errors.New("agent task not found")
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrProviderTimeout is retryable with the same idempotency key.
	ErrProviderTimeout = provider.ErrTimeout
	// ErrProviderRejected is terminal.
	ErrProviderRejected = provider.ErrRejected
)

// DenyReason is the structured reason of a policy denial.
type DenyReason string

const (
	DenyActionNotAllowed DenyReason = "action_not_allowed"
	DenyChecksNotGreen   DenyReason = "checks_not_green"
	DenyApprovalsMissing DenyReason = "approvals_missing"
	DenyLabelBlocked     DenyReason = "label_blocked"
)

// PolicyDeniedError carries the reason enum and the human text.
type PolicyDeniedError struct {
	Reason  DenyReason
	Message string
}

func (e *PolicyDeniedError) Error() string { return "policy denied: " + e.Message }

// Is makes errors.Is(err, ErrPolicyDenied) hold.
func (e *PolicyDeniedError) Is(target error) bool { return target == ErrPolicyDenied }
