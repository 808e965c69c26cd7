/*
resolve.go - Effective charge resolution

PURPOSE:
  A transaction needs to know which amount and calculation kind to apply.
  The answer is either the rule's own values (base) or the override for the
  payment method used (override). Never a mix of both.

LINKING EXTERNAL AMOUNTS:
  Some transactions arrive with the charge amount already decided by the
  caller ("charge 4.00 for charge 12"). The amount is accepted only for
  rules that have an override for the transaction's payment method; the
  override still decides the calculation kind.

SEE ALSO:
  - savings/service.go: LinkTransactionCharges uses LinkExternalBatch
*/
package charge

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Source says where an EffectiveCharge got its values.
type Source string

const (
	SourceBase     Source = "base"
	SourceOverride Source = "override"
)

// EffectiveCharge is what a transaction actually applies.
type EffectiveCharge struct {
	ChargeID        ChargeID
	PaymentMethodID *PaymentMethodID
	Timing          TimingKind
	Amount          decimal.Decimal
	Calculation     CalculationKind
	Source          Source
}

// percentScale is the precision of percentage-derived amounts.
const percentScale = 6

var hundred = decimal.NewFromInt(100)

// ChargeOn computes the charge for a transaction of value base. Flat charges
// ignore base.
func (e EffectiveCharge) ChargeOn(base decimal.Decimal) decimal.Decimal {
	if e.Calculation.IsFlat() {
		return e.Amount
	}
	return base.Mul(e.Amount).Div(hundred).Round(percentScale)
}

// Resolve picks the values for a rule and an optional payment method.
func Resolve(rule ChargeRule, pm *PaymentMethodID) EffectiveCharge {
	eff := EffectiveCharge{
		ChargeID:    rule.ID,
		Timing:      rule.Timing,
		Amount:      rule.Amount,
		Calculation: rule.Calculation,
		Source:      SourceBase,
	}
	if pm == nil {
		return eff
	}
	id := *pm
	eff.PaymentMethodID = &id
	if o, ok := rule.FindOverride(id); ok {
		eff.Amount = o.Amount
		eff.Calculation = o.Calculation
		eff.Source = SourceOverride
	}
	return eff
}

// LinkExternal accepts a caller-supplied amount for a rule, provided the rule
// carries an override for pm.
func LinkExternal(rule ChargeRule, pm PaymentMethodID, requested decimal.Decimal) (EffectiveCharge, error) {
	if !requested.IsPositive() {
		return EffectiveCharge{}, ValidationErrors{{
			Parameter: "amount",
			Code:      KindInvalidAmount,
			Message:   "amount must be greater than zero",
			Args:      []any{requested.String()},
		}}
	}
	o, ok := rule.FindOverride(pm)
	if !ok {
		return EffectiveCharge{}, &NotLinkedToPaymentMethodError{
			ChargeIDs:       []ChargeID{rule.ID},
			PaymentMethodID: pm,
		}
	}
	id := pm
	return EffectiveCharge{
		ChargeID:        rule.ID,
		PaymentMethodID: &id,
		Timing:          rule.Timing,
		Amount:          requested,
		Calculation:     o.Calculation,
		Source:          SourceOverride,
	}, nil
}

// ExternalAmount is one caller-supplied charge amount.
type ExternalAmount struct {
	ChargeID ChargeID
	Amount   decimal.Decimal
}

// LinkExternalBatch links every rule that has an override for pm and the
// given timing. Requested amounts replace the override amount for the named
// rules. Every requested charge must be one of those candidates; the ones
// that are not are reported together in a single error. Non-positive amounts
// and charges requested more than once are reported as ValidationErrors,
// which then also carry the unlinked charges.
func LinkExternalBatch(rules []ChargeRule, pm PaymentMethodID, timing TimingKind, requests []ExternalAmount) ([]EffectiveCharge, error) {
	var (
		candidates []EffectiveCharge
		index      = make(map[ChargeID]int)
	)
	for _, r := range rules {
		if r.Deleted || r.Timing != timing {
			continue
		}
		if _, dup := index[r.ID]; dup {
			continue
		}
		eff := Resolve(r, &pm)
		if eff.Source != SourceOverride {
			continue
		}
		index[r.ID] = len(candidates)
		candidates = append(candidates, eff)
	}

	var (
		errs       ValidationErrors
		unresolved []ChargeID
		requested  = make(map[ChargeID]bool, len(requests))
	)
	for n, req := range requests {
		prefix := fmt.Sprintf("charges[%d]", n)
		if requested[req.ChargeID] {
			errs.add(prefix+".chargeId", KindDuplicateMapping,
				fmt.Sprintf("charge %d is requested more than once", req.ChargeID), req.ChargeID)
			continue
		}
		requested[req.ChargeID] = true

		if !req.Amount.IsPositive() {
			errs.add(prefix+".amount", KindInvalidAmount, "amount must be greater than zero", req.Amount.String())
		}
		i, ok := index[req.ChargeID]
		if !ok {
			unresolved = append(unresolved, req.ChargeID)
			continue
		}
		candidates[i].Amount = req.Amount
	}

	var notLinked *NotLinkedToPaymentMethodError
	if len(unresolved) > 0 {
		notLinked = &NotLinkedToPaymentMethodError{ChargeIDs: unresolved, PaymentMethodID: pm}
	}
	if len(errs) > 0 {
		if notLinked != nil {
			errs = append(errs, notLinked.ValidationErrors()...)
		}
		return nil, errs
	}
	if notLinked != nil {
		return nil, notLinked
	}
	return candidates, nil
}
