/*
Package charge provides the fee/charge rule engine.

PURPOSE:
  A ChargeRule defines a fee that loan and savings products (and the accounts
  opened from them) can carry: how much, how it is calculated, and when it is
  assessed. A rule may be overridden per payment method, so a withdrawal made
  in cash can cost something different from one made by transfer.

KEY CONCEPTS IN THIS FILE (types.go):
  - TimingKind:      when a charge is assessed (due date, withdrawal, annual...)
  - CalculationKind: how the amount is derived (flat or a percentage)
  - FeeFrequency:    recurrence of the fee (none, days, weeks, months, years)
  - ProductClass:    which product family the rule belongs to (loan, savings)
  - ChargeRule:      the aggregate root; exclusively owns its PaymentOverrides
  - PaymentOverride: per payment method amount/calculation, unique per method

DESIGN PRINCIPLES:
  1. Precision: amounts are decimal.Decimal, never floats
  2. Explicit ownership: a rule owns its overrides; an override only keeps the
     owning rule's ID as a back-reference
  3. Snapshots: operations take a ChargeRule value and return new values, the
     caller decides when to commit

SEE ALSO:
  - validate.go:  ConsistencyValidator
  - reconcile.go: OverrideReconciler
  - resolve.go:   ChargeResolver
  - service.go:   create/update/delete lifecycle
*/
package charge

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ChargeID int64
type OverrideID int64
type PaymentMethodID int64

// =============================================================================
// ENUMERATIONS
// =============================================================================

// TimingKind says when a charge is assessed.
type TimingKind string

const (
	TimingDisbursement       TimingKind = "disbursement"
	TimingSpecifiedDueDate   TimingKind = "specified_due_date"
	TimingInstallmentFee     TimingKind = "installment_fee"
	TimingOverdueInstallment TimingKind = "overdue_installment_fee"
	TimingSavingsActivation  TimingKind = "savings_activation"
	TimingWithdrawalFee      TimingKind = "withdrawal_fee"
	TimingAnnualFee          TimingKind = "annual_fee"
	TimingMonthlyFee         TimingKind = "monthly_fee"
	TimingWeeklyFee          TimingKind = "weekly_fee"
	TimingDepositFee         TimingKind = "deposit_fee"
	TimingOverdraftFee       TimingKind = "overdraft_fee"
)

var loanTimings = map[TimingKind]bool{
	TimingDisbursement:       true,
	TimingSpecifiedDueDate:   true,
	TimingInstallmentFee:     true,
	TimingOverdueInstallment: true,
}

var savingsTimings = map[TimingKind]bool{
	TimingSpecifiedDueDate:  true,
	TimingSavingsActivation: true,
	TimingWithdrawalFee:     true,
	TimingAnnualFee:         true,
	TimingMonthlyFee:        true,
	TimingWeeklyFee:         true,
	TimingDepositFee:        true,
	TimingOverdraftFee:      true,
}

func (t TimingKind) Valid() bool              { return loanTimings[t] || savingsTimings[t] }
func (t TimingKind) IsLoanTiming() bool       { return loanTimings[t] }
func (t TimingKind) IsSavingsTiming() bool    { return savingsTimings[t] }
func (t TimingKind) IsSpecifiedDueDate() bool { return t == TimingSpecifiedDueDate }
func (t TimingKind) IsWithdrawalFee() bool    { return t == TimingWithdrawalFee }
func (t TimingKind) IsAnnualFee() bool        { return t == TimingAnnualFee }
func (t TimingKind) IsMonthlyFee() bool       { return t == TimingMonthlyFee }

// CalculationKind says how the charge amount is derived.
type CalculationKind string

const (
	CalcFlat                        CalculationKind = "flat"
	CalcPercentOfAmount             CalculationKind = "percent_of_amount"
	CalcPercentOfAmountPlusInterest CalculationKind = "percent_of_amount_and_interest"
	CalcPercentOfInterest           CalculationKind = "percent_of_interest"
	CalcPercentOfDisbursement       CalculationKind = "percent_of_disbursement"
)

var calculationKinds = map[CalculationKind]bool{
	CalcFlat:                        true,
	CalcPercentOfAmount:             true,
	CalcPercentOfAmountPlusInterest: true,
	CalcPercentOfInterest:           true,
	CalcPercentOfDisbursement:       true,
}

func (c CalculationKind) Valid() bool             { return calculationKinds[c] }
func (c CalculationKind) IsFlat() bool            { return c == CalcFlat }
func (c CalculationKind) IsPercentage() bool      { return c.Valid() && c != CalcFlat }
func (c CalculationKind) IsPercentOfAmount() bool { return c == CalcPercentOfAmount }

// FeeFrequency is the recurrence unit of a fee. The zero value means none.
type FeeFrequency string

const (
	FrequencyNone   FeeFrequency = "none"
	FrequencyDays   FeeFrequency = "days"
	FrequencyWeeks  FeeFrequency = "weeks"
	FrequencyMonths FeeFrequency = "months"
	FrequencyYears  FeeFrequency = "years"
)

func (f FeeFrequency) IsNone() bool { return f == "" || f == FrequencyNone }

func (f FeeFrequency) Valid() bool {
	switch f {
	case "", FrequencyNone, FrequencyDays, FrequencyWeeks, FrequencyMonths, FrequencyYears:
		return true
	}
	return false
}

// ProductClass is the product family a rule applies to.
type ProductClass string

const (
	ProductLoan    ProductClass = "loan"
	ProductSavings ProductClass = "savings"
)

func (p ProductClass) Valid() bool { return p == ProductLoan || p == ProductSavings }

// allowedCalculations lists the calculation kinds a rule of each product
// class may carry itself. Overrides are governed by timing instead.
var allowedCalculations = map[ProductClass]map[CalculationKind]bool{
	ProductLoan: {
		CalcFlat:                        true,
		CalcPercentOfAmount:             true,
		CalcPercentOfAmountPlusInterest: true,
		CalcPercentOfInterest:           true,
		CalcPercentOfDisbursement:       true,
	},
	ProductSavings: {
		CalcFlat:            true,
		CalcPercentOfAmount: true,
	},
}

// AllowsCalculation reports whether rules of this class may use c.
func (p ProductClass) AllowsCalculation(c CalculationKind) bool {
	return allowedCalculations[p][c]
}

// AllowsTiming reports whether rules of this class may be assessed at t.
func (p ProductClass) AllowsTiming(t TimingKind) bool {
	switch p {
	case ProductLoan:
		return t.IsLoanTiming()
	case ProductSavings:
		return t.IsSavingsTiming()
	}
	return false
}

// =============================================================================
// MONTH DAY - Recurring calendar anchor (e.g. annual fee on 03-31)
// =============================================================================

type MonthDay struct {
	Month time.Month
	Day   int
}

// ParseMonthDay parses "MM-DD". Nothing may follow the day.
func ParseMonthDay(s string) (MonthDay, error) {
	month, day, ok := strings.Cut(s, "-")
	if !ok {
		return MonthDay{}, fmt.Errorf("invalid month-day %q", s)
	}
	m, err := strconv.Atoi(month)
	if err != nil {
		return MonthDay{}, fmt.Errorf("invalid month-day %q: %w", s, err)
	}
	d, err := strconv.Atoi(day)
	if err != nil {
		return MonthDay{}, fmt.Errorf("invalid month-day %q: %w", s, err)
	}
	md := MonthDay{Month: time.Month(m), Day: d}
	if !md.Valid() {
		return MonthDay{}, fmt.Errorf("invalid month-day %q", s)
	}
	return md, nil
}

func (md MonthDay) Valid() bool {
	if md.Month < time.January || md.Month > time.December || md.Day < 1 {
		return false
	}
	// Leap year so that 02-29 is accepted.
	last := time.Date(2024, md.Month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	return md.Day <= last
}

func (md MonthDay) String() string { return fmt.Sprintf("%02d-%02d", int(md.Month), md.Day) }

// =============================================================================
// CHARGE RULE - Aggregate root
// =============================================================================

// Status is the lifecycle state of a ChargeRule.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDeleted  Status = "deleted"
)

type ChargeRule struct {
	ID            ChargeID
	Name          string
	CurrencyCode  string
	ProductClass  ProductClass
	Amount        decimal.Decimal
	Timing        TimingKind
	Calculation   CalculationKind
	FeeFrequency  FeeFrequency
	FeeInterval   int
	FeeOnMonthDay *MonthDay
	Active        bool
	Deleted       bool

	// Overrides is keyed by PaymentMethodID; at most one entry per method.
	Overrides []PaymentOverride
}

// Status derives the lifecycle state from the identity and flags.
func (r ChargeRule) Status() Status {
	switch {
	case r.Deleted:
		return StatusDeleted
	case r.ID == 0:
		return StatusDraft
	case r.Active:
		return StatusActive
	default:
		return StatusInactive
	}
}

func (r ChargeRule) IsLoanCharge() bool    { return r.ProductClass == ProductLoan }
func (r ChargeRule) IsSavingsCharge() bool { return r.ProductClass == ProductSavings }

// FindOverride returns the override for a payment method, if any.
func (r ChargeRule) FindOverride(pm PaymentMethodID) (PaymentOverride, bool) {
	for _, o := range r.Overrides {
		if o.PaymentMethodID == pm {
			return o, true
		}
	}
	return PaymentOverride{}, false
}

// Clone returns a deep copy so that callers can mutate the snapshot freely.
func (r ChargeRule) Clone() ChargeRule {
	c := r
	if r.FeeOnMonthDay != nil {
		md := *r.FeeOnMonthDay
		c.FeeOnMonthDay = &md
	}
	if r.Overrides != nil {
		c.Overrides = make([]PaymentOverride, len(r.Overrides))
		copy(c.Overrides, r.Overrides)
	}
	return c
}

// PaymentOverride replaces a rule's amount and calculation kind for one
// payment method.
type PaymentOverride struct {
	ID              OverrideID
	ChargeID        ChargeID // owner back-reference
	PaymentMethodID PaymentMethodID
	Calculation     CalculationKind
	Amount          decimal.Decimal
}

// OverrideInput is a desired override as it arrives in a command.
// ID is optional and, when set, must name the existing override for the same
// payment method.
type OverrideInput struct {
	ID              *OverrideID
	PaymentMethodID PaymentMethodID
	Calculation     CalculationKind
	Amount          decimal.Decimal
}

// InputsFromOverrides converts an existing override set back to inputs, which
// is what an update that leaves the overrides alone validates against.
func InputsFromOverrides(overrides []PaymentOverride) []OverrideInput {
	inputs := make([]OverrideInput, len(overrides))
	for i, o := range overrides {
		id := o.ID
		inputs[i] = OverrideInput{
			ID:              &id,
			PaymentMethodID: o.PaymentMethodID,
			Calculation:     o.Calculation,
			Amount:          o.Amount,
		}
	}
	return inputs
}

// PaymentMethod is the external identity overrides point at.
type PaymentMethod struct {
	ID     PaymentMethodID
	Name   string
	Active bool
}
