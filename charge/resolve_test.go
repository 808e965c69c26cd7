package charge_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/charge-engine/charge"
)

func ruleWithOverrides(id charge.ChargeID, overrides ...charge.PaymentOverride) charge.ChargeRule {
	rule := withdrawalRule()
	rule.ID = id
	for i := range overrides {
		overrides[i].ChargeID = id
	}
	rule.Overrides = overrides
	return rule
}

func pmRef(id charge.PaymentMethodID) *charge.PaymentMethodID { return &id }

func TestResolve_BaseOrOverride(t *testing.T) {
	// GIVEN: rule flat 2 with an override for pm 1 (percentOfAmount 1.5)
	rule := ruleWithOverrides(3, charge.PaymentOverride{
		ID: 1, PaymentMethodID: 1, Calculation: charge.CalcPercentOfAmount, Amount: decimal.RequireFromString("1.5"),
	})

	t.Run("no payment method", func(t *testing.T) {
		eff := charge.Resolve(rule, nil)
		assert.Equal(t, charge.SourceBase, eff.Source)
		assert.Equal(t, charge.CalcFlat, eff.Calculation)
		assert.True(t, eff.Amount.Equal(rule.Amount))
		assert.Nil(t, eff.PaymentMethodID)
	})

	t.Run("overridden payment method", func(t *testing.T) {
		eff := charge.Resolve(rule, pmRef(1))
		assert.Equal(t, charge.SourceOverride, eff.Source)
		assert.Equal(t, charge.CalcPercentOfAmount, eff.Calculation)
		assert.True(t, eff.Amount.Equal(decimal.RequireFromString("1.5")))
	})

	t.Run("payment method without override", func(t *testing.T) {
		eff := charge.Resolve(rule, pmRef(2))
		assert.Equal(t, charge.SourceBase, eff.Source)
		assert.Equal(t, charge.CalcFlat, eff.Calculation)
		assert.True(t, eff.Amount.Equal(rule.Amount))
	})
}

func TestEffectiveCharge_ChargeOn(t *testing.T) {
	flat := charge.EffectiveCharge{Calculation: charge.CalcFlat, Amount: decimal.RequireFromString("2")}
	assert.True(t, flat.ChargeOn(decimal.RequireFromString("1000")).Equal(decimal.RequireFromString("2")))

	pct := charge.EffectiveCharge{Calculation: charge.CalcPercentOfAmount, Amount: decimal.RequireFromString("1.5")}
	assert.True(t, pct.ChargeOn(decimal.RequireFromString("200")).Equal(decimal.RequireFromString("3")))
}

func TestLinkExternal(t *testing.T) {
	rule := ruleWithOverrides(3, charge.PaymentOverride{
		ID: 1, PaymentMethodID: 1, Calculation: charge.CalcPercentOfAmount, Amount: decimal.RequireFromString("1.5"),
	})

	eff, err := charge.LinkExternal(rule, 1, decimal.RequireFromString("4"))
	require.NoError(t, err)
	assert.True(t, eff.Amount.Equal(decimal.RequireFromString("4")))
	assert.Equal(t, charge.CalcPercentOfAmount, eff.Calculation, "override decides the calculation")

	_, err = charge.LinkExternal(rule, 2, decimal.RequireFromString("4"))
	var notLinked *charge.NotLinkedToPaymentMethodError
	require.ErrorAs(t, err, &notLinked)
	assert.Equal(t, []charge.ChargeID{3}, notLinked.ChargeIDs)
	assert.Equal(t, charge.PaymentMethodID(2), notLinked.PaymentMethodID)

	_, err = charge.LinkExternal(rule, 1, decimal.RequireFromString("-1"))
	var verrs charge.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, charge.KindInvalidAmount, verrs[0].Code)
}

func TestLinkExternalBatch(t *testing.T) {
	linked := ruleWithOverrides(3, charge.PaymentOverride{
		ID: 1, PaymentMethodID: 1, Calculation: charge.CalcFlat, Amount: decimal.RequireFromString("1"),
	})
	other := ruleWithOverrides(4, charge.PaymentOverride{
		ID: 2, PaymentMethodID: 1, Calculation: charge.CalcFlat, Amount: decimal.RequireFromString("5"),
	})
	unlinked := ruleWithOverrides(5)
	rules := []charge.ChargeRule{linked, other, unlinked}

	t.Run("requested amounts replace override amounts", func(t *testing.T) {
		effs, err := charge.LinkExternalBatch(rules, 1, charge.TimingWithdrawalFee, []charge.ExternalAmount{
			{ChargeID: 3, Amount: decimal.RequireFromString("9")},
		})
		require.NoError(t, err)
		require.Len(t, effs, 2)
		assert.True(t, effs[0].Amount.Equal(decimal.RequireFromString("9")))
		assert.True(t, effs[1].Amount.Equal(decimal.RequireFromString("5")))
	})

	t.Run("all unlinked charges reported together", func(t *testing.T) {
		_, err := charge.LinkExternalBatch(rules, 1, charge.TimingWithdrawalFee, []charge.ExternalAmount{
			{ChargeID: 3, Amount: decimal.RequireFromString("9")},
			{ChargeID: 5, Amount: decimal.RequireFromString("1")},
			{ChargeID: 42, Amount: decimal.RequireFromString("1")},
		})

		var notLinked *charge.NotLinkedToPaymentMethodError
		require.ErrorAs(t, err, &notLinked)
		assert.Equal(t, []charge.ChargeID{5, 42}, notLinked.ChargeIDs)
		assert.Len(t, notLinked.ValidationErrors(), 2)
		assert.True(t, charge.IsClientError(err))
	})

	t.Run("non-positive amounts rejected with unlinked charges", func(t *testing.T) {
		// GIVEN: a zero amount, a negative amount and an unlinked charge
		// WHEN: linked in one batch
		// THEN: one aggregate carrying every problem
		_, err := charge.LinkExternalBatch(rules, 1, charge.TimingWithdrawalFee, []charge.ExternalAmount{
			{ChargeID: 3, Amount: decimal.RequireFromString("-5")},
			{ChargeID: 4, Amount: decimal.Zero},
			{ChargeID: 42, Amount: decimal.RequireFromString("1")},
		})

		var verrs charge.ValidationErrors
		require.ErrorAs(t, err, &verrs)
		assert.Equal(t, []charge.ErrorKind{
			charge.KindInvalidAmount,
			charge.KindInvalidAmount,
			charge.KindNotLinkedToPaymentMethod,
		}, verrs.Codes())
		assert.Equal(t, "charges[0].amount", verrs[0].Parameter)
		assert.Equal(t, "charges[1].amount", verrs[1].Parameter)
	})

	t.Run("charge requested twice", func(t *testing.T) {
		_, err := charge.LinkExternalBatch(rules, 1, charge.TimingWithdrawalFee, []charge.ExternalAmount{
			{ChargeID: 3, Amount: decimal.RequireFromString("9")},
			{ChargeID: 3, Amount: decimal.RequireFromString("7")},
		})

		var verrs charge.ValidationErrors
		require.ErrorAs(t, err, &verrs)
		require.Len(t, verrs, 1)
		assert.Equal(t, charge.KindDuplicateMapping, verrs[0].Code)
		assert.Equal(t, "charges[1].chargeId", verrs[0].Parameter)
	})

	t.Run("timing filters candidates", func(t *testing.T) {
		effs, err := charge.LinkExternalBatch(rules, 1, charge.TimingDepositFee, nil)
		require.NoError(t, err)
		assert.Empty(t, effs)
	})
}
