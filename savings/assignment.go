// Package savings applies charge rules to savings accounts.
// A rule becomes one or more account charge assignments; assignments carry
// their own copy of amount and schedule so later rule edits do not move them.
package savings

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/charge-engine/charge"
)

// =============================================================================
// IDENTIFIERS & STATUS
// =============================================================================

type AccountID int64
type AssignmentID int64

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// =============================================================================
// ASSIGNMENT
// =============================================================================

// Assignment is a charge rule applied to one savings account.
type Assignment struct {
	ID              AssignmentID
	AccountID       AccountID
	ChargeID        charge.ChargeID
	Timing          charge.TimingKind
	Calculation     charge.CalculationKind
	Amount          decimal.Decimal
	DueDate         *time.Time
	FeeOnMonthDay   *charge.MonthDay
	FeeInterval     int
	Status          Status
	CurrencyCode    string
	PaymentMethodID *charge.PaymentMethodID // set when built from an override
}

func (a Assignment) IsActive() bool { return a.Status == StatusActive }

// ApplyRequest applies a rule to an account. Optional fields replace the
// rule's values on the assignment.
type ApplyRequest struct {
	ChargeID      charge.ChargeID
	Amount        *decimal.Decimal
	DueDate       *time.Time
	FeeOnMonthDay *charge.MonthDay
	FeeInterval   *int
}

// FromRule builds the assignments a rule produces for an account. A rule
// linked to payment methods yields one assignment per override; otherwise a
// single assignment with the rule's values and the request's replacements.
func FromRule(rule charge.ChargeRule, accountID AccountID, req ApplyRequest) ([]Assignment, error) {
	if !rule.IsSavingsCharge() {
		return nil, charge.ValidationErrors{{
			Parameter: "chargeId",
			Code:      charge.KindNotApplicable,
			Message:   fmt.Sprintf("charge %d is not a savings charge", rule.ID),
			Args:      []any{rule.ID},
		}}
	}

	base := Assignment{
		AccountID:     accountID,
		ChargeID:      rule.ID,
		Timing:        rule.Timing,
		Calculation:   rule.Calculation,
		Amount:        rule.Amount,
		FeeOnMonthDay: rule.FeeOnMonthDay,
		FeeInterval:   rule.FeeInterval,
		Status:        StatusActive,
		CurrencyCode:  rule.CurrencyCode,
	}

	if err := checkAmount(req.Amount); err != nil {
		return nil, err
	}

	if len(rule.Overrides) > 0 {
		result := make([]Assignment, 0, len(rule.Overrides))
		for _, o := range rule.Overrides {
			a := base
			pm := o.PaymentMethodID
			a.PaymentMethodID = &pm
			a.Calculation = o.Calculation
			a.Amount = o.Amount
			result = append(result, a)
		}
		return result, nil
	}

	if req.Amount != nil {
		base.Amount = *req.Amount
	}
	if req.FeeOnMonthDay != nil {
		md := *req.FeeOnMonthDay
		base.FeeOnMonthDay = &md
	}
	if req.FeeInterval != nil {
		base.FeeInterval = *req.FeeInterval
	}
	if req.DueDate != nil {
		d := *req.DueDate
		base.DueDate = &d
	}
	if rule.Timing.IsSpecifiedDueDate() && base.DueDate == nil {
		return nil, charge.ValidationErrors{{
			Parameter: "dueDate",
			Code:      charge.KindRequired,
			Message:   "specified-due-date charges need a due date",
		}}
	}
	return []Assignment{base}, nil
}

// checkAmount rejects a caller-supplied amount that is not greater than zero.
func checkAmount(amount *decimal.Decimal) error {
	if amount == nil || amount.IsPositive() {
		return nil
	}
	return charge.ValidationErrors{{
		Parameter: "amount",
		Code:      charge.KindInvalidAmount,
		Message:   "amount must be greater than zero",
		Args:      []any{amount.String()},
	}}
}

// FromProduct builds the assignments a savings product carries into a new
// account. Specified-due-date charges are skipped: they are applied by hand
// once a date is known.
func FromProduct(rules []charge.ChargeRule, accountID AccountID) ([]Assignment, error) {
	var result []Assignment
	for _, r := range rules {
		if r.Deleted || !r.Active || r.Timing.IsSpecifiedDueDate() {
			continue
		}
		built, err := FromRule(r, accountID, ApplyRequest{ChargeID: r.ID})
		if err != nil {
			return nil, err
		}
		result = append(result, built...)
	}
	return result, nil
}

// FromLinked builds assignments from resolved external amounts.
func FromLinked(rules map[charge.ChargeID]charge.ChargeRule, effs []charge.EffectiveCharge, accountID AccountID) []Assignment {
	result := make([]Assignment, 0, len(effs))
	for _, e := range effs {
		r := rules[e.ChargeID]
		result = append(result, Assignment{
			AccountID:       accountID,
			ChargeID:        e.ChargeID,
			Timing:          e.Timing,
			Calculation:     e.Calculation,
			Amount:          e.Amount,
			FeeOnMonthDay:   r.FeeOnMonthDay,
			FeeInterval:     r.FeeInterval,
			Status:          StatusActive,
			CurrencyCode:    r.CurrencyCode,
			PaymentMethodID: e.PaymentMethodID,
		})
	}
	return result
}

// ValidateAssignments checks the full set of an account's assignments:
// every charge must be in the account currency and at most one active annual
// fee may exist.
func ValidateAssignments(currency string, all []Assignment) charge.ValidationErrors {
	var (
		errs   charge.ValidationErrors
		annual int
	)
	for _, a := range all {
		if a.CurrencyCode != currency {
			errs = append(errs, charge.ValidationError{
				Parameter: "chargeId",
				Code:      charge.KindCurrencyMismatch,
				Message:   fmt.Sprintf("charge %d is in %s, account is in %s", a.ChargeID, a.CurrencyCode, currency),
				Args:      []any{a.ChargeID, a.CurrencyCode, currency},
			})
		}
		if a.IsActive() && a.Timing.IsAnnualFee() {
			annual++
		}
	}
	if annual > 1 {
		errs = append(errs, charge.ValidationError{
			Parameter: "chargeId",
			Code:      charge.KindMultipleAnnualFees,
			Message:   "a savings account can carry only one annual fee",
			Args:      []any{annual},
		})
	}
	return errs
}

// =============================================================================
// MUTATION
// =============================================================================

// AssignmentUpdate carries the fields to change on an assignment.
type AssignmentUpdate struct {
	Amount        *decimal.Decimal
	DueDate       *time.Time
	FeeOnMonthDay *charge.MonthDay
	FeeInterval   *int
}

// Update applies u in place and returns what changed.
func (a *Assignment) Update(u AssignmentUpdate) *charge.ChangeSet {
	cs := charge.NewChangeSet()
	if charge.TrackDecimal(cs, "amount", a.Amount, u.Amount) {
		a.Amount = *u.Amount
	}
	if u.DueDate != nil && (a.DueDate == nil || !a.DueDate.Equal(*u.DueDate)) {
		d := *u.DueDate
		a.DueDate = &d
		cs.Set("dueDate", d.Format(time.DateOnly))
	}
	if charge.TrackMonthDay(cs, "feeOnMonthDay", a.FeeOnMonthDay, u.FeeOnMonthDay) {
		md := *u.FeeOnMonthDay
		a.FeeOnMonthDay = &md
	}
	if charge.Track(cs, "feeInterval", a.FeeInterval, u.FeeInterval) {
		a.FeeInterval = *u.FeeInterval
	}
	return cs
}

// Inactivate marks the assignment inactive. It reports false when it already
// was.
func (a *Assignment) Inactivate() bool {
	if !a.IsActive() {
		return false
	}
	a.Status = StatusInactive
	return true
}
