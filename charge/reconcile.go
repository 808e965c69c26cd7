/*
reconcile.go - Override set reconciliation

PURPOSE:
  An update carries the complete override set the rule should end up with.
  Reconcile compares it with what the rule has today and stages the work:

    existing: {cash: flat 2, transfer: flat 1}
    desired:  {cash: flat 3, card: percent 1.5}

    create: card
    update: cash {amount: 3}
    remove: transfer

REPLACE-SET SEMANTICS:
  Anything missing from the desired set is removed. A caller that wants to
  change one override must re-submit every override it intends to keep.
  This is deliberate and covered by tests; do not turn it into a merge.

PURITY:
  Reconcile has no side effects. The plan is committed by the Repository
  only after validation and usage checks pass.
*/
package charge

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// OverrideUpdate is a staged change to an existing override.
type OverrideUpdate struct {
	ID              OverrideID
	PaymentMethodID PaymentMethodID
	Calculation     CalculationKind
	Amount          decimal.Decimal
	Changes         *ChangeSet
}

// ReconcilePlan is the staged delta between two override sets.
type ReconcilePlan struct {
	Create []PaymentOverride
	Update []OverrideUpdate
	Remove []OverrideID
}

func (p ReconcilePlan) IsEmpty() bool {
	return len(p.Create) == 0 && len(p.Update) == 0 && len(p.Remove) == 0
}

// Reconcile computes the plan turning existing into desired. Duplicate
// payment methods in desired keep their first occurrence; Validate reports
// them. An input ID that does not name the existing override for the same
// payment method is reported as OverrideNotFound.
func Reconcile(existing []PaymentOverride, desired []OverrideInput) (ReconcilePlan, ValidationErrors) {
	var (
		plan ReconcilePlan
		errs ValidationErrors
	)

	byMethod := make(map[PaymentMethodID]PaymentOverride, len(existing))
	for _, o := range existing {
		byMethod[o.PaymentMethodID] = o
	}

	kept := make(map[OverrideID]bool, len(existing))
	staged := make(map[PaymentMethodID]bool, len(desired))

	for i, in := range desired {
		if staged[in.PaymentMethodID] {
			continue
		}
		staged[in.PaymentMethodID] = true

		current, ok := byMethod[in.PaymentMethodID]
		if in.ID != nil && (!ok || current.ID != *in.ID) {
			errs.add(fmt.Sprintf("overrides[%d].id", i), KindOverrideNotFound,
				fmt.Sprintf("override %d does not exist for payment method %d", *in.ID, in.PaymentMethodID),
				*in.ID, in.PaymentMethodID)
			continue
		}

		if !ok {
			plan.Create = append(plan.Create, PaymentOverride{
				PaymentMethodID: in.PaymentMethodID,
				Calculation:     in.Calculation,
				Amount:          in.Amount,
			})
			continue
		}

		kept[current.ID] = true

		changes := NewChangeSet()
		TrackDecimal(changes, "amount", current.Amount, &in.Amount)
		Track(changes, "calculationKind", current.Calculation, &in.Calculation)
		if changes.IsEmpty() {
			continue
		}
		plan.Update = append(plan.Update, OverrideUpdate{
			ID:              current.ID,
			PaymentMethodID: current.PaymentMethodID,
			Calculation:     in.Calculation,
			Amount:          in.Amount,
			Changes:         changes,
		})
	}

	for _, o := range existing {
		if !kept[o.ID] {
			plan.Remove = append(plan.Remove, o.ID)
		}
	}

	return plan, errs
}

// Apply returns a copy of rule with the plan applied. Created overrides have
// a zero ID until the Repository assigns one.
func (p ReconcilePlan) Apply(rule ChargeRule) ChargeRule {
	next := rule.Clone()

	removed := make(map[OverrideID]bool, len(p.Remove))
	for _, id := range p.Remove {
		removed[id] = true
	}
	updates := make(map[OverrideID]OverrideUpdate, len(p.Update))
	for _, u := range p.Update {
		updates[u.ID] = u
	}

	overrides := make([]PaymentOverride, 0, len(next.Overrides)+len(p.Create))
	for _, o := range next.Overrides {
		if removed[o.ID] {
			continue
		}
		if u, ok := updates[o.ID]; ok {
			o.Amount = u.Amount
			o.Calculation = u.Calculation
		}
		overrides = append(overrides, o)
	}
	for _, o := range p.Create {
		o.ChargeID = rule.ID
		overrides = append(overrides, o)
	}
	next.Overrides = overrides
	return next
}

// Changes renders the plan for the mutation ChangeSet. Keys only appear
// when they carry something, so an idempotent update stays empty:
//
//	overrides:        override id -> field changes
//	overridesAdded:   payment method ids of created overrides
//	overridesRemoved: ids of removed overrides
func (p ReconcilePlan) Changes() *ChangeSet {
	cs := NewChangeSet()
	if len(p.Update) > 0 {
		nested := NewChangeSet()
		for _, u := range p.Update {
			nested.Set(strconv.FormatInt(int64(u.ID), 10), u.Changes)
		}
		cs.Set("overrides", nested)
	}
	if len(p.Create) > 0 {
		added := make([]PaymentMethodID, len(p.Create))
		for i, o := range p.Create {
			added[i] = o.PaymentMethodID
		}
		cs.Set("overridesAdded", added)
	}
	if len(p.Remove) > 0 {
		cs.Set("overridesRemoved", append([]OverrideID(nil), p.Remove...))
	}
	return cs
}
