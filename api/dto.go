/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Charge rule commands
  are decoded by the factory package; the types here cover responses and
  the savings/product requests that have no factory form.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Envelopes

AMOUNTS:
  decimal.Decimal marshals as a JSON string ("2.5") so that clients never
  round-trip amounts through floating point.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/command.go: Charge create/update request bodies
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/charge-engine/charge"
	"github.com/warp/charge-engine/savings"
)

// =============================================================================
// ENVELOPES
// =============================================================================

// EntityResponse is returned by every charge mutation.
type EntityResponse struct {
	EntityID int64             `json:"entityId"`
	Changes  *charge.ChangeSet `json:"changes"`
}

// ErrorResponse carries a non-validation failure.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// ValidationResponse lists every rejected parameter of a request.
type ValidationResponse struct {
	Errors []ParameterErrorDTO `json:"errors"`
}

type ParameterErrorDTO struct {
	Parameter string `json:"parameter"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	Args      []any  `json:"args,omitempty"`
}

// =============================================================================
// CHARGE RULES
// =============================================================================

type ChargeDTO struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	CurrencyCode    string          `json:"currencyCode"`
	ProductClass    string          `json:"productClass"`
	Amount          decimal.Decimal `json:"amount"`
	TimingKind      string          `json:"timingKind"`
	CalculationKind string          `json:"calculationKind"`
	FeeFrequency    string          `json:"feeFrequency,omitempty"`
	FeeInterval     int             `json:"feeInterval,omitempty"`
	FeeOnMonthDay   string          `json:"feeOnMonthDay,omitempty"`
	Active          bool            `json:"active"`
	Deleted         bool            `json:"deleted,omitempty"`
	Status          string          `json:"status"`
	Overrides       []OverrideDTO   `json:"overrides"`
}

type OverrideDTO struct {
	ID              int64           `json:"id"`
	PaymentMethodID int64           `json:"paymentMethodId"`
	CalculationKind string          `json:"calculationKind"`
	Amount          decimal.Decimal `json:"amount"`
}

func toChargeDTO(r charge.ChargeRule) ChargeDTO {
	dto := ChargeDTO{
		ID:              int64(r.ID),
		Name:            r.Name,
		CurrencyCode:    r.CurrencyCode,
		ProductClass:    string(r.ProductClass),
		Amount:          r.Amount,
		TimingKind:      string(r.Timing),
		CalculationKind: string(r.Calculation),
		FeeFrequency:    string(r.FeeFrequency),
		FeeInterval:     r.FeeInterval,
		Active:          r.Active,
		Deleted:         r.Deleted,
		Status:          string(r.Status()),
		Overrides:       make([]OverrideDTO, len(r.Overrides)),
	}
	if r.FeeOnMonthDay != nil {
		dto.FeeOnMonthDay = r.FeeOnMonthDay.String()
	}
	for i, o := range r.Overrides {
		dto.Overrides[i] = OverrideDTO{
			ID:              int64(o.ID),
			PaymentMethodID: int64(o.PaymentMethodID),
			CalculationKind: string(o.Calculation),
			Amount:          o.Amount,
		}
	}
	return dto
}

// EffectiveChargeDTO is the resolve response. ChargeOn is present when the
// caller passed a transaction amount.
type EffectiveChargeDTO struct {
	ChargeID        int64            `json:"chargeId"`
	PaymentMethodID *int64           `json:"paymentMethodId,omitempty"`
	TimingKind      string           `json:"timingKind"`
	CalculationKind string           `json:"calculationKind"`
	Amount          decimal.Decimal  `json:"amount"`
	Source          string           `json:"source"`
	ChargeOn        *decimal.Decimal `json:"chargeOn,omitempty"`
}

func toEffectiveDTO(e charge.EffectiveCharge) EffectiveChargeDTO {
	dto := EffectiveChargeDTO{
		ChargeID:        int64(e.ChargeID),
		TimingKind:      string(e.Timing),
		CalculationKind: string(e.Calculation),
		Amount:          e.Amount,
		Source:          string(e.Source),
	}
	if e.PaymentMethodID != nil {
		pm := int64(*e.PaymentMethodID)
		dto.PaymentMethodID = &pm
	}
	return dto
}

// =============================================================================
// PAYMENT METHODS & PRODUCTS
// =============================================================================

type PaymentMethodDTO struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type CreatePaymentMethodRequest struct {
	Name   string `json:"name"`
	Active *bool  `json:"active,omitempty"`
}

type LinkProductChargeRequest struct {
	ChargeID int64 `json:"chargeId"`
}

// =============================================================================
// SAVINGS ACCOUNT CHARGES
// =============================================================================

type AssignmentDTO struct {
	ID              int64           `json:"id"`
	AccountID       int64           `json:"accountId"`
	ChargeID        int64           `json:"chargeId"`
	TimingKind      string          `json:"timingKind"`
	CalculationKind string          `json:"calculationKind"`
	Amount          decimal.Decimal `json:"amount"`
	CurrencyCode    string          `json:"currencyCode"`
	DueDate         string          `json:"dueDate,omitempty"`
	FeeOnMonthDay   string          `json:"feeOnMonthDay,omitempty"`
	FeeInterval     int             `json:"feeInterval,omitempty"`
	PaymentMethodID *int64          `json:"paymentMethodId,omitempty"`
	Status          string          `json:"status"`
}

func toAssignmentDTOs(as []savings.Assignment) []AssignmentDTO {
	dtos := make([]AssignmentDTO, len(as))
	for i, a := range as {
		dtos[i] = AssignmentDTO{
			ID:              int64(a.ID),
			AccountID:       int64(a.AccountID),
			ChargeID:        int64(a.ChargeID),
			TimingKind:      string(a.Timing),
			CalculationKind: string(a.Calculation),
			Amount:          a.Amount,
			CurrencyCode:    a.CurrencyCode,
			FeeInterval:     a.FeeInterval,
			Status:          string(a.Status),
		}
		if a.DueDate != nil {
			dtos[i].DueDate = a.DueDate.Format(time.DateOnly)
		}
		if a.FeeOnMonthDay != nil {
			dtos[i].FeeOnMonthDay = a.FeeOnMonthDay.String()
		}
		if a.PaymentMethodID != nil {
			pm := int64(*a.PaymentMethodID)
			dtos[i].PaymentMethodID = &pm
		}
	}
	return dtos
}

// ApplyChargeRequest applies one rule, or every rule of a savings product
// when ProductID is set, to an account.
type ApplyChargeRequest struct {
	CurrencyCode  string           `json:"currencyCode"`
	ChargeID      int64            `json:"chargeId,omitempty"`
	ProductID     int64            `json:"productId,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	DueDate       *string          `json:"dueDate,omitempty"`
	FeeOnMonthDay *string          `json:"feeOnMonthDay,omitempty"`
	FeeInterval   *int             `json:"feeInterval,omitempty"`
}

// UpdateAssignmentRequest changes an applied charge.
type UpdateAssignmentRequest struct {
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	DueDate       *string          `json:"dueDate,omitempty"`
	FeeOnMonthDay *string          `json:"feeOnMonthDay,omitempty"`
	FeeInterval   *int             `json:"feeInterval,omitempty"`
}

// LinkedChargesRequest applies the charges of a transaction made with one
// payment method.
type LinkedChargesRequest struct {
	CurrencyCode    string              `json:"currencyCode"`
	PaymentMethodID int64               `json:"paymentMethodId"`
	TimingKind      string              `json:"timingKind"`
	Charges         []ExternalAmountDTO `json:"charges"`
}

type ExternalAmountDTO struct {
	ChargeID int64           `json:"chargeId"`
	Amount   decimal.Decimal `json:"amount"`
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditEntryDTO struct {
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Action    string          `json:"action"`
	ChargeID  int64           `json:"chargeId"`
	Changes   json.RawMessage `json:"changes"`
}
