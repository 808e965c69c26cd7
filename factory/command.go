/*
Package factory converts external representations into charge commands.

PURPOSE:
  Decodes JSON request bodies into charge.CreateCommand / UpdateCommand and
  YAML seed catalogs into a sequence of Service calls. Decoding is strict:
  unknown fields are rejected so that a typo never silently drops a value.

JSON SCHEMA (create):
  {
    "name": "Withdrawal fee",
    "currencyCode": "USD",
    "productClass": "savings",
    "amount": "2.00",
    "timingKind": "withdrawal_fee",
    "calculationKind": "flat",
    "feeFrequency": "months",
    "feeInterval": 1,
    "feeOnMonthDay": "03-31",
    "active": true,
    "overrides": [
      {"paymentMethodId": 3, "calculationKind": "percent_of_amount", "amount": 1.5}
    ]
  }

  Amounts may be JSON numbers or strings; both decode to decimal.Decimal
  without passing through float64.

UPDATE:
  Same fields, all optional. An absent or null "overrides" leaves the
  override set alone; "overrides": [] removes every override.

SEE ALSO:
  - catalog.go: YAML seed catalog
  - charge/service.go: the commands' consumer
*/
package factory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/shopspring/decimal"

	"github.com/warp/charge-engine/charge"
)

// ErrMalformed wraps JSON syntax and unknown-field errors.
var ErrMalformed = errors.New("malformed request body")

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type OverrideJSON struct {
	ID              *int64          `json:"id,omitempty"`
	PaymentMethodID int64           `json:"paymentMethodId"`
	CalculationKind string          `json:"calculationKind"`
	Amount          decimal.Decimal `json:"amount"`
}

type CreateJSON struct {
	Name            string          `json:"name"`
	CurrencyCode    string          `json:"currencyCode"`
	ProductClass    string          `json:"productClass,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	TimingKind      string          `json:"timingKind"`
	CalculationKind string          `json:"calculationKind"`
	FeeFrequency    string          `json:"feeFrequency,omitempty"`
	FeeInterval     int             `json:"feeInterval,omitempty"`
	FeeOnMonthDay   *string         `json:"feeOnMonthDay,omitempty"`
	Active          *bool           `json:"active,omitempty"`
	Overrides       []OverrideJSON  `json:"overrides,omitempty"`
}

type UpdateJSON struct {
	Name            *string          `json:"name,omitempty"`
	CurrencyCode    *string          `json:"currencyCode,omitempty"`
	ProductClass    *string          `json:"productClass,omitempty"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	TimingKind      *string          `json:"timingKind,omitempty"`
	CalculationKind *string          `json:"calculationKind,omitempty"`
	FeeFrequency    *string          `json:"feeFrequency,omitempty"`
	FeeInterval     *int             `json:"feeInterval,omitempty"`
	FeeOnMonthDay   *string          `json:"feeOnMonthDay,omitempty"`
	Active          *bool            `json:"active,omitempty"`
	Overrides       *[]OverrideJSON  `json:"overrides,omitempty"`
}

// =============================================================================
// DECODING
// =============================================================================

// DecodeStrict decodes one JSON value into v, rejecting unknown fields and
// trailing data.
func DecodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON value", ErrMalformed)
	}
	return nil
}

// DecodeCreate reads a create command.
func DecodeCreate(r io.Reader) (charge.CreateCommand, error) {
	var in CreateJSON
	if err := DecodeStrict(r, &in); err != nil {
		return charge.CreateCommand{}, err
	}
	return in.Command()
}

// DecodeUpdate reads an update command.
func DecodeUpdate(r io.Reader) (charge.UpdateCommand, error) {
	var in UpdateJSON
	if err := DecodeStrict(r, &in); err != nil {
		return charge.UpdateCommand{}, err
	}
	return in.Command()
}

// ParseCreate is DecodeCreate for an in-memory body.
func ParseCreate(data []byte) (charge.CreateCommand, error) {
	return DecodeCreate(bytes.NewReader(data))
}

// Command converts the JSON form. A missing productClass is inferred from
// the timing when the timing belongs to exactly one product class.
func (in CreateJSON) Command() (charge.CreateCommand, error) {
	cmd := charge.CreateCommand{
		Name:         in.Name,
		CurrencyCode: in.CurrencyCode,
		ProductClass: charge.ProductClass(in.ProductClass),
		Amount:       in.Amount,
		Timing:       charge.TimingKind(in.TimingKind),
		Calculation:  charge.CalculationKind(in.CalculationKind),
		FeeFrequency: charge.FeeFrequency(in.FeeFrequency),
		FeeInterval:  in.FeeInterval,
		Active:       in.Active,
		Overrides:    overrideInputs(in.Overrides),
	}
	if cmd.ProductClass == "" {
		cmd.ProductClass = inferProductClass(cmd.Timing)
	}

	md, err := parseMonthDay(in.FeeOnMonthDay)
	if err != nil {
		return charge.CreateCommand{}, err
	}
	cmd.FeeOnMonthDay = md
	return cmd, nil
}

func (in UpdateJSON) Command() (charge.UpdateCommand, error) {
	cmd := charge.UpdateCommand{
		Name:         in.Name,
		CurrencyCode: in.CurrencyCode,
		Amount:       in.Amount,
		FeeInterval:  in.FeeInterval,
		Active:       in.Active,
	}
	if in.ProductClass != nil {
		v := charge.ProductClass(*in.ProductClass)
		cmd.ProductClass = &v
	}
	if in.TimingKind != nil {
		v := charge.TimingKind(*in.TimingKind)
		cmd.Timing = &v
	}
	if in.CalculationKind != nil {
		v := charge.CalculationKind(*in.CalculationKind)
		cmd.Calculation = &v
	}
	if in.FeeFrequency != nil {
		v := charge.FeeFrequency(*in.FeeFrequency)
		cmd.FeeFrequency = &v
	}
	if in.Overrides != nil {
		inputs := overrideInputs(*in.Overrides)
		cmd.Overrides = &inputs
	}

	md, err := parseMonthDay(in.FeeOnMonthDay)
	if err != nil {
		return charge.UpdateCommand{}, err
	}
	cmd.FeeOnMonthDay = md
	return cmd, nil
}

// overrideInputs never returns nil, so an explicit empty list stays empty.
func overrideInputs(in []OverrideJSON) []charge.OverrideInput {
	out := make([]charge.OverrideInput, len(in))
	for i, o := range in {
		out[i] = charge.OverrideInput{
			PaymentMethodID: charge.PaymentMethodID(o.PaymentMethodID),
			Calculation:     charge.CalculationKind(o.CalculationKind),
			Amount:          o.Amount,
		}
		if o.ID != nil {
			id := charge.OverrideID(*o.ID)
			out[i].ID = &id
		}
	}
	return out
}

func parseMonthDay(s *string) (*charge.MonthDay, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	md, err := charge.ParseMonthDay(*s)
	if err != nil {
		return nil, charge.ValidationErrors{{
			Parameter: "feeOnMonthDay",
			Code:      charge.KindInvalidFormat,
			Message:   "fee month-day must be MM-DD",
			Args:      []any{*s},
		}}
	}
	return &md, nil
}

func inferProductClass(t charge.TimingKind) charge.ProductClass {
	switch {
	case t.IsLoanTiming() && !t.IsSavingsTiming():
		return charge.ProductLoan
	case t.IsSavingsTiming() && !t.IsLoanTiming():
		return charge.ProductSavings
	}
	return ""
}
