package paycore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// PaymentError represents a classified failure. Every public operation in this
// module fails with a PaymentError (possibly wrapped), so CodeOf never returns
// an empty code for errors produced here.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	cause   error
}

func (e *PaymentError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *PaymentError) Unwrap() error {
	return e.cause
}

// Is matches another PaymentError with the same code.
func (e *PaymentError) Is(target error) bool {
	var pe *PaymentError
	if errors.As(target, &pe) {
		return pe.Code == e.Code
	}
	return false
}

// Error taxonomy
const (
	ErrCodePolicyRejected       = "policy_rejected"
	ErrCodeStaleOrInvalidUpdate = "stale_or_invalid_update"
	ErrCodeCapacityExceeded     = "capacity_exceeded"
	ErrCodeDemandExpired        = "demand_expired"
	ErrCodeCircuitOpen          = "circuit_open"
	ErrCodeNetworkTransient     = "network_transient"
	ErrCodeDisputeTimeout       = "dispute_timeout"
	ErrCodeKeyRotationRejected  = "key_rotation_rejected"
)

// Supporting codes, each belonging to one taxonomy family (see FamilyOf).
const (
	ErrCodeCapacityOutOfRange  = "capacity_out_of_range"
	ErrCodeOpenTimeout         = "open_timeout"
	ErrCodePaymentTimeout      = "payment_timeout"
	ErrCodeUpdateInFlight      = "update_in_flight"
	ErrCodeArbitrationRequired = "arbitration_required"
	ErrCodeInvalidState        = "invalid_state"
	ErrCodeChannelNotFound     = "channel_not_found"
	ErrCodePolicyNotFound      = "policy_not_found"
	ErrCodeDecode              = "decode_error"
	ErrCodeInvalidDemand       = "invalid_demand"
	ErrCodeArithmeticOverflow  = "arithmetic_overflow"
	ErrCodeSettlementFailed    = "settlement_failed"
)

// Severity grades how loudly a failure should be reported.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// CodeInfo describes how a code is handled.
type CodeInfo struct {
	Family    string
	Retryable bool
	// CallerFault marks failures caused by the request itself rather than by
	// the dependency that rejected it. Circuit breakers ignore them.
	CallerFault bool
	Severity    Severity
}

var registry = map[string]CodeInfo{
	ErrCodePolicyRejected:       {Family: ErrCodePolicyRejected, CallerFault: true, Severity: SeverityWarning},
	ErrCodeStaleOrInvalidUpdate: {Family: ErrCodeStaleOrInvalidUpdate, CallerFault: true, Severity: SeverityCritical},
	ErrCodeCapacityExceeded:     {Family: ErrCodeCapacityExceeded, CallerFault: true, Severity: SeverityWarning},
	ErrCodeDemandExpired:        {Family: ErrCodeDemandExpired, CallerFault: true, Severity: SeverityInfo},
	ErrCodeCircuitOpen:          {Family: ErrCodeCircuitOpen, Severity: SeverityWarning},
	ErrCodeNetworkTransient:     {Family: ErrCodeNetworkTransient, Retryable: true, Severity: SeverityWarning},
	ErrCodeDisputeTimeout:       {Family: ErrCodeDisputeTimeout, Severity: SeverityInfo},
	ErrCodeKeyRotationRejected:  {Family: ErrCodeKeyRotationRejected, CallerFault: true, Severity: SeverityCritical},

	ErrCodeCapacityOutOfRange:  {Family: ErrCodeCapacityExceeded, CallerFault: true, Severity: SeverityInfo},
	ErrCodeOpenTimeout:         {Family: ErrCodeNetworkTransient, Severity: SeverityWarning},
	ErrCodePaymentTimeout:      {Family: ErrCodeNetworkTransient, Severity: SeverityWarning},
	ErrCodeUpdateInFlight:      {Family: ErrCodeStaleOrInvalidUpdate, CallerFault: true, Severity: SeverityInfo},
	ErrCodeArbitrationRequired: {Family: ErrCodeStaleOrInvalidUpdate, CallerFault: true, Severity: SeverityCritical},
	ErrCodeInvalidState:        {Family: ErrCodeStaleOrInvalidUpdate, CallerFault: true, Severity: SeverityWarning},
	ErrCodeChannelNotFound:     {Family: ErrCodeStaleOrInvalidUpdate, CallerFault: true, Severity: SeverityInfo},
	ErrCodePolicyNotFound:      {Family: ErrCodePolicyRejected, CallerFault: true, Severity: SeverityWarning},
	ErrCodeDecode:              {Family: ErrCodeStaleOrInvalidUpdate, CallerFault: true, Severity: SeverityWarning},
	ErrCodeInvalidDemand:       {Family: ErrCodeDemandExpired, CallerFault: true, Severity: SeverityInfo},
	ErrCodeArithmeticOverflow:  {Family: ErrCodeCapacityExceeded, CallerFault: true, Severity: SeverityCritical},
	ErrCodeSettlementFailed:    {Family: ErrCodeNetworkTransient, Severity: SeverityWarning},
}

// Info returns the handling metadata for a code. Unknown codes are treated as
// non-retryable dependency failures.
func Info(code string) CodeInfo {
	if info, ok := registry[code]; ok {
		return info
	}
	return CodeInfo{Family: ErrCodeSettlementFailed, Severity: SeverityWarning}
}

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Wrap classifies cause under code. A nil cause returns nil.
func Wrap(cause error, code, message string) *PaymentError {
	if cause == nil {
		return nil
	}
	return &PaymentError{Code: code, Message: message, cause: cause}
}

// WithDetail returns e with key set in Details.
func (e *PaymentError) WithDetail(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the code of the outermost PaymentError in err's chain, or
// the code Classify assigns to an unclassified error. Nil yields "".
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return Classify(err).Code
}

// IsCode reports whether err carries code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// FamilyOf returns the taxonomy entry err belongs to.
func FamilyOf(err error) string {
	if err == nil {
		return ""
	}
	return Info(CodeOf(err)).Family
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Info(CodeOf(err)).Retryable
}

// IsCallerFault reports whether err was caused by the request rather than by
// the dependency that produced it.
func IsCallerFault(err error) bool {
	if err == nil {
		return false
	}
	return Info(CodeOf(err)).CallerFault
}

// Classify maps an arbitrary error into the taxonomy. Errors that already
// carry a PaymentError are returned as is.
func Classify(err error) *PaymentError {
	if err == nil {
		return nil
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe
	}
	// context errors first: DeadlineExceeded also satisfies net.Error
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, ErrCodePaymentTimeout, "deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(err, ErrCodeSettlementFailed, "operation cancelled")
	}
	if isTransient(err) {
		return Wrap(err, ErrCodeNetworkTransient, "transient network failure")
	}
	return Wrap(err, ErrCodeSettlementFailed, "unclassified failure")
}

func isTransient(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// DetailCommittedUpdate is the detail key under which a rejected resend of an
// already committed channel update carries the co-signed result, so a
// proposer whose first answer was lost can still commit it.
const DetailCommittedUpdate = "committedUpdate"

// CommittedUpdate returns the co-signed update attached to err, if any.
func CommittedUpdate(err error) (BalanceUpdate, bool) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		pe, ok := e.(*PaymentError)
		if !ok || pe.Details == nil {
			continue
		}
		switch v := pe.Details[DetailCommittedUpdate].(type) {
		case BalanceUpdate:
			return v, true
		case *BalanceUpdate:
			if v != nil {
				return *v, true
			}
		}
	}
	return BalanceUpdate{}, false
}
