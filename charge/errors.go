/*
errors.go - Error types for the charge engine

ERROR CATEGORIES:
  1. ValidationErrors - accumulated rule/override problems, reported together
  2. UsageConflictError - mutation blocked because the rule is referenced
  3. NotFoundError - unknown rule or override
  4. DuplicateMappingError - two overrides for one payment method (store level)
  5. NotLinkedToPaymentMethodError - resolution-time linking failure

The validator and reconciler never stop at the first bad field. UsageConflict
and NotFound are single-cause and returned immediately.

USAGE:
  if errors.Is(err, charge.ErrUsageConflict) { ... }

  var verrs charge.ValidationErrors
  if errors.As(err, &verrs) {
      for _, e := range verrs { ... }
  }
*/
package charge

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation               = errors.New("validation failed")
	ErrUsageConflict            = errors.New("charge is in use")
	ErrNotFound                 = errors.New("not found")
	ErrDuplicateMapping         = errors.New("payment method cannot be mapped more than once")
	ErrNotLinkedToPaymentMethod = errors.New("charge not linked to payment method")
)

// ErrorKind is the machine-readable code carried by a ValidationError.
type ErrorKind string

const (
	KindRequired                     ErrorKind = "Required"
	KindInvalidAmount                ErrorKind = "InvalidAmount"
	KindInvalidEnumeration           ErrorKind = "InvalidEnumeration"
	KindInvalidInterval              ErrorKind = "InvalidInterval"
	KindMissingFeeSchedule           ErrorKind = "MissingFeeSchedule"
	KindIllegalLinkage               ErrorKind = "IllegalLinkage"
	KindIllegalCalculationForTiming  ErrorKind = "IllegalCalculationForTiming"
	KindCalculationNotAllowedForProd ErrorKind = "CalculationNotAllowedForProduct"
	KindTimingNotAllowedForProduct   ErrorKind = "TimingNotAllowedForProduct"
	KindDuplicateMapping             ErrorKind = "DuplicateMapping"
	KindOverrideNotFound             ErrorKind = "OverrideNotFound"
	KindNotLinkedToPaymentMethod     ErrorKind = "NotLinkedToPaymentMethod"
	KindCurrencyMismatch             ErrorKind = "CurrencyMismatch"
	KindMultipleAnnualFees           ErrorKind = "MultipleAnnualFees"
	KindNotApplicable                ErrorKind = "NotApplicable"
	KindDuplicateName                ErrorKind = "DuplicateName"
	KindInvalidFormat                ErrorKind = "InvalidFormat"
)

// =============================================================================
// VALIDATION ERRORS - Accumulated, reported in one round trip
// =============================================================================

// ValidationError is one rejected parameter.
type ValidationError struct {
	Parameter string
	Code      ErrorKind
	Message   string
	Args      []any
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Parameter, e.Message, e.Code)
}

// ValidationErrors is the aggregate returned by the validator. A nil or empty
// slice means the input is acceptable; use Err to get a nil-safe error value.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("%d validation error(s): %s", len(v), strings.Join(parts, "; "))
}

func (v ValidationErrors) Unwrap() error { return ErrValidation }

// Err returns v as an error, or nil when v is empty.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// HasCode reports whether any error carries code k.
func (v ValidationErrors) HasCode(k ErrorKind) bool {
	for _, e := range v {
		if e.Code == k {
			return true
		}
	}
	return false
}

func (v ValidationErrors) Codes() []ErrorKind {
	codes := make([]ErrorKind, len(v))
	for i, e := range v {
		codes[i] = e.Code
	}
	return codes
}

func (v *ValidationErrors) add(param string, code ErrorKind, msg string, args ...any) {
	*v = append(*v, ValidationError{Parameter: param, Code: code, Message: msg, Args: args})
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UsageConflictError blocks a mutation of a rule that is referenced elsewhere.
// It is not retried; the caller has to change the request.
type UsageConflictError struct {
	ChargeID ChargeID
	Code     string
	Message  string
}

func (e *UsageConflictError) Error() string {
	return fmt.Sprintf("charge %d: %s", e.ChargeID, e.Message)
}

func (e *UsageConflictError) Unwrap() error { return ErrUsageConflict }

// DuplicateNameError builds the validation failure for a rule name that is
// already taken. Stores return it when their uniqueness constraint fires.
func DuplicateNameError(name string) ValidationErrors {
	return ValidationErrors{{
		Parameter: "name",
		Code:      KindDuplicateName,
		Message:   fmt.Sprintf("a charge named %q already exists", name),
		Args:      []any{name},
	}}
}

// NotFoundError reports an unknown rule, override or payment method.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// DuplicateMappingError is raised by stores when the (charge, payment method)
// uniqueness constraint fires.
type DuplicateMappingError struct {
	ChargeID        ChargeID
	PaymentMethodID PaymentMethodID
}

func (e *DuplicateMappingError) Error() string {
	return fmt.Sprintf("payment method %d is already mapped on charge %d", e.PaymentMethodID, e.ChargeID)
}

func (e *DuplicateMappingError) Unwrap() error { return ErrDuplicateMapping }

// NotLinkedToPaymentMethodError lists every charge that has no override for
// the payment method used by a transaction.
type NotLinkedToPaymentMethodError struct {
	ChargeIDs       []ChargeID
	PaymentMethodID PaymentMethodID
}

func (e *NotLinkedToPaymentMethodError) Error() string {
	ids := make([]string, len(e.ChargeIDs))
	for i, id := range e.ChargeIDs {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("charges [%s] are not linked to payment method %d", strings.Join(ids, ", "), e.PaymentMethodID)
}

func (e *NotLinkedToPaymentMethodError) Unwrap() error { return ErrNotLinkedToPaymentMethod }

// ValidationErrors renders the failure as one parameter error per charge.
func (e *NotLinkedToPaymentMethodError) ValidationErrors() ValidationErrors {
	var v ValidationErrors
	for _, id := range e.ChargeIDs {
		v.add("chargeId", KindNotLinkedToPaymentMethod,
			fmt.Sprintf("charge %d is not linked to payment method %d", id, e.PaymentMethodID),
			id, e.PaymentMethodID)
	}
	return v
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUsageConflict) ||
		errors.Is(err, ErrDuplicateMapping) ||
		errors.Is(err, ErrNotLinkedToPaymentMethod)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
