package data

import (
	"errors"
	"fmt"
)

// Error variables for consistent error handling
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")

	ErrValidation     = errors.New("validation failed")
	ErrInvalidAccount = errors.New("invalid account")
	ErrInvalidWeight  = errors.New("trust weight out of range")
	ErrSelfLoop       = errors.New("trust edge to self")
	ErrInvalidScore   = errors.New("score out of range")
	ErrUnknownTarget  = errors.New("unknown dispute target")
	ErrNotEligible    = errors.New("validator not eligible")

	ErrInsufficientResource = errors.New("insufficient resource")
	ErrInsufficientBond     = errors.New("insufficient bond")
	ErrInsufficientStake    = errors.New("insufficient stake")

	ErrConsensusIndeterminate = errors.New("consensus indeterminate")

	ErrDisputeAlreadyResolved = errors.New("dispute already resolved")
	ErrDisputeClosed          = errors.New("dispute voting closed")
	ErrDisputeNotReady        = errors.New("dispute not ready for resolution")

	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	ErrReplay           = errors.New("vote nonce reused")
	ErrInvalidSignature = errors.New("invalid signature")
)

// ValidationError reports malformed input. It matches ErrValidation and its cause.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func NewValidationError(field string, cause error, format string, args ...interface{}) *ValidationError {
	return &ValidationError{
		Field:  field,
		Reason: fmt.Sprintf(format, args...),
		Err:    cause,
	}
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s: %v: %s", e.Field, e.Err, e.Reason)
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}

// InsufficientResourceError reports a bond or stake below the required minimum.
type InsufficientResourceError struct {
	Resource string
	Required Amount
	Provided Amount
	Err      error
}

func (e *InsufficientResourceError) Error() string {
	return fmt.Sprintf("insufficient %s: required %d, provided %d", e.Resource, e.Required, e.Provided)
}

func (e *InsufficientResourceError) Unwrap() []error {
	return []error{ErrInsufficientResource, e.Err}
}

// InsufficientBond builds the error returned when a bond is below its minimum.
func InsufficientBond(required, provided Amount) *InsufficientResourceError {
	return &InsufficientResourceError{Resource: "bond", Required: required, Provided: provided, Err: ErrInsufficientBond}
}

// InsufficientStake builds the error returned when a stake is below its minimum.
func InsufficientStake(required, provided Amount) *InsufficientResourceError {
	return &InsufficientResourceError{Resource: "stake", Required: required, Provided: provided, Err: ErrInsufficientStake}
}

// IndeterminateError means consensus could not be reached either way.
type IndeterminateError struct {
	Reason   string
	Eligible int
	Required int
}

func (e *IndeterminateError) Error() string {
	if e.Required > 0 {
		return fmt.Sprintf("consensus indeterminate: %s (eligible %d, required %d)", e.Reason, e.Eligible, e.Required)
	}
	return "consensus indeterminate: " + e.Reason
}

func (e *IndeterminateError) Unwrap() error {
	return ErrConsensusIndeterminate
}

// RequiredAmount extracts the reported minimum from an InsufficientResourceError.
func RequiredAmount(err error) (Amount, bool) {
	var ire *InsufficientResourceError
	if errors.As(err, &ire) {
		return ire.Required, true
	}
	return 0, false
}
