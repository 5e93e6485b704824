package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/haventree/carecomms/internal/models"
)

// Well-known delivery error codes.
const (
	CodeInvalidRecipient  = "invalid_recipient"
	CodeRecipientOptedOut = "recipient_opted_out"
	CodeNoAdapter         = "no_adapter_available"
	CodeTimeout           = "timeout"
	CodeRateLimited       = "rate_limited"
	CodeProviderRejected  = "provider_rejected"
	CodeProviderError     = "provider_error"
	CodeCancelled         = "cancelled"
	CodeExpired           = "message_expired"
	CodeBroadcastTimeout  = "broadcast_timeout"
)

// DeliveryError is the per-attempt failure carried inside send results.
// Retryable failures are retried locally by the orchestrator and never
// surface to callers until the retry budget is exhausted.
type DeliveryError struct {
	Code              string             `json:"code"`
	Message           string             `json:"message"`
	Retryable         bool               `json:"retryable"`
	SuggestedFallback models.ChannelType `json:"suggested_fallback,omitempty"`
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewRetryable constructs a retryable delivery error.
func NewRetryable(code, format string, args ...any) *DeliveryError {
	return &DeliveryError{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// NewPermanent constructs a non-retryable delivery error.
func NewPermanent(code, format string, args ...any) *DeliveryError {
	return &DeliveryError{Code: code, Message: fmt.Sprintf(format, args...), Retryable: false}
}

// AsDeliveryError normalizes any error into a DeliveryError. Context
// deadline and cancellation errors map to a retryable timeout, matching the
// bounded-call contract; everything else defaults to a retryable provider
// error so transient infrastructure faults get the retry budget.
func AsDeliveryError(err error) *DeliveryError {
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &DeliveryError{Code: CodeTimeout, Message: err.Error(), Retryable: true}
	}
	return &DeliveryError{Code: CodeProviderError, Message: err.Error(), Retryable: true}
}

// Retryable reports whether the error should consume retry budget on the
// same adapter rather than moving straight to fallback.
func Retryable(err error) bool {
	de := AsDeliveryError(err)
	return de != nil && de.Retryable
}
