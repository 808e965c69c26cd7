package charge

import (
	"fmt"
)

// Validate checks a rule and the override set it would carry. Every check
// runs; the result lists all problems. Callers must not apply a mutation
// when the result is non-empty.
func Validate(rule ChargeRule, pending []OverrideInput) ValidationErrors {
	var errs ValidationErrors

	if rule.Name == "" {
		errs.add("name", KindRequired, "name is required")
	}
	if rule.CurrencyCode == "" {
		errs.add("currencyCode", KindRequired, "currency code is required")
	}

	validClass := rule.ProductClass.Valid()
	if rule.ProductClass == "" {
		errs.add("productClass", KindRequired, "product class is required")
	} else if !validClass {
		errs.add("productClass", KindInvalidEnumeration,
			fmt.Sprintf("unknown product class %q", rule.ProductClass), rule.ProductClass)
	}
	if !rule.Timing.Valid() {
		errs.add("timingKind", KindInvalidEnumeration,
			fmt.Sprintf("unknown timing kind %q", rule.Timing), rule.Timing)
	}
	if !rule.Calculation.Valid() {
		errs.add("calculationKind", KindInvalidEnumeration,
			fmt.Sprintf("unknown calculation kind %q", rule.Calculation), rule.Calculation)
	}
	if !rule.FeeFrequency.Valid() {
		errs.add("feeFrequency", KindInvalidEnumeration,
			fmt.Sprintf("unknown fee frequency %q", rule.FeeFrequency), rule.FeeFrequency)
	}

	if !rule.Amount.IsPositive() {
		errs.add("amount", KindInvalidAmount, "amount must be greater than zero", rule.Amount.String())
	}

	if validClass && rule.Timing.Valid() && !rule.ProductClass.AllowsTiming(rule.Timing) {
		errs.add("timingKind", KindTimingNotAllowedForProduct,
			fmt.Sprintf("timing %s is not allowed for %s charges", rule.Timing, rule.ProductClass),
			rule.Timing, rule.ProductClass)
	}
	if validClass && rule.Calculation.Valid() && !rule.ProductClass.AllowsCalculation(rule.Calculation) {
		errs.add("calculationKind", KindCalculationNotAllowedForProd,
			fmt.Sprintf("calculation %s is not allowed for %s charges", rule.Calculation, rule.ProductClass),
			rule.Calculation, rule.ProductClass)
	}

	validateSchedule(rule, &errs)
	validateOverrides(rule, pending, &errs)

	return errs
}

func validateSchedule(rule ChargeRule, errs *ValidationErrors) {
	if !rule.FeeFrequency.IsNone() && rule.FeeInterval < 1 {
		errs.add("feeInterval", KindInvalidInterval,
			"fee interval must be at least 1 when a fee frequency is set", rule.FeeInterval)
	}

	switch {
	case rule.Timing.IsAnnualFee():
		if rule.FeeOnMonthDay == nil {
			errs.add("feeOnMonthDay", KindMissingFeeSchedule, "annual fees need a fee month-day")
		}
	case rule.Timing.IsMonthlyFee():
		if rule.FeeOnMonthDay == nil {
			errs.add("feeOnMonthDay", KindMissingFeeSchedule, "monthly fees need a fee month-day")
		}
		if rule.FeeInterval < 1 || rule.FeeInterval > 12 {
			errs.add("feeInterval", KindInvalidInterval,
				"monthly fee interval must be between 1 and 12", rule.FeeInterval)
		}
	}
}

func validateOverrides(rule ChargeRule, pending []OverrideInput, errs *ValidationErrors) {
	if len(pending) == 0 {
		return
	}

	// The whole set is rejected, so the per-override timing check would only
	// repeat the same complaint.
	linkageRejected := rule.Timing.IsSpecifiedDueDate()
	if linkageRejected {
		errs.add("overrides", KindIllegalLinkage,
			"charges with a specified-due-date timing cannot be linked to payment methods", rule.Timing)
	}

	seen := make(map[PaymentMethodID]bool, len(pending))
	for i, o := range pending {
		prefix := fmt.Sprintf("overrides[%d]", i)

		if o.PaymentMethodID <= 0 {
			errs.add(prefix+".paymentMethodId", KindRequired, "payment method is required")
		} else if seen[o.PaymentMethodID] {
			errs.add(prefix+".paymentMethodId", KindDuplicateMapping,
				"a payment method cannot be mapped more than once", o.PaymentMethodID)
		}
		seen[o.PaymentMethodID] = true

		if !o.Amount.IsPositive() {
			errs.add(prefix+".amount", KindInvalidAmount, "amount must be greater than zero", o.Amount.String())
		}

		if !o.Calculation.Valid() {
			errs.add(prefix+".calculationKind", KindInvalidEnumeration,
				fmt.Sprintf("unknown calculation kind %q", o.Calculation), o.Calculation)
			continue
		}
		if !linkageRejected && o.Calculation.IsPercentOfAmount() && !rule.Timing.IsWithdrawalFee() {
			errs.add(prefix+".calculationKind", KindIllegalCalculationForTiming,
				"percentage of amount is only allowed for withdrawal fees", o.Calculation, rule.Timing)
		}
	}
}
