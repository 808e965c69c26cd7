package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/charge-engine/charge"
	"github.com/warp/charge-engine/savings"
	"github.com/warp/charge-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestService(t *testing.T, store *sqlite.Store) *charge.Service {
	svc := charge.NewService(store, store, zap.NewNop())
	svc.Audit = store
	svc.Methods = store
	return svc
}

func mustPaymentMethod(t *testing.T, store *sqlite.Store, name string) charge.PaymentMethodID {
	pm, err := store.CreatePaymentMethod(context.Background(), charge.PaymentMethod{Name: name, Active: true})
	require.NoError(t, err)
	return pm.ID
}

func withdrawalCommand(name string, overrides ...charge.OverrideInput) charge.CreateCommand {
	return charge.CreateCommand{
		Name:         name,
		CurrencyCode: "USD",
		ProductClass: charge.ProductSavings,
		Amount:       decimal.RequireFromString("2.50"),
		Timing:       charge.TimingWithdrawalFee,
		Calculation:  charge.CalcFlat,
		Overrides:    overrides,
	}
}

// =============================================================================
// REPOSITORY
// =============================================================================

func TestStore_CreateAndGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()
	cash := mustPaymentMethod(t, store, "cash")

	md := charge.MonthDay{Month: time.March, Day: 31}
	res, err := svc.Create(ctx, charge.CreateCommand{
		Name:          "annual fee",
		CurrencyCode:  "EUR",
		ProductClass:  charge.ProductSavings,
		Amount:        decimal.RequireFromString("12.345"),
		Timing:        charge.TimingAnnualFee,
		Calculation:   charge.CalcFlat,
		FeeOnMonthDay: &md,
		Overrides: []charge.OverrideInput{
			{PaymentMethodID: cash, Calculation: charge.CalcFlat, Amount: decimal.RequireFromString("10")},
		},
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, res.EntityID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "annual fee", got.Name)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("12.345")))
	require.NotNil(t, got.FeeOnMonthDay)
	assert.Equal(t, md, *got.FeeOnMonthDay)
	assert.True(t, got.Active)
	require.Len(t, got.Overrides, 1)
	assert.Equal(t, cash, got.Overrides[0].PaymentMethodID)
	assert.Equal(t, res.EntityID, got.Overrides[0].ChargeID)
}

func TestStore_GetMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Get(context.Background(), 404)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_UpdateAppliesPlanAtomically(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()
	cash := mustPaymentMethod(t, store, "cash")
	card := mustPaymentMethod(t, store, "card")
	transfer := mustPaymentMethod(t, store, "transfer")

	created, err := svc.Create(ctx, withdrawalCommand("fee",
		charge.OverrideInput{PaymentMethodID: cash, Calculation: charge.CalcFlat, Amount: decimal.RequireFromString("1")},
		charge.OverrideInput{PaymentMethodID: card, Calculation: charge.CalcFlat, Amount: decimal.RequireFromString("2")},
	))
	require.NoError(t, err)
	cashOverride := created.Rule.Overrides[0].ID

	desired := []charge.OverrideInput{
		{PaymentMethodID: cash, Calculation: charge.CalcPercentOfAmount, Amount: decimal.RequireFromString("0.5")},
		{PaymentMethodID: transfer, Calculation: charge.CalcFlat, Amount: decimal.RequireFromString("3")},
	}
	res, err := svc.Update(ctx, created.EntityID, charge.UpdateCommand{Overrides: &desired})
	require.NoError(t, err)
	assert.Equal(t, []string{"overrides", "overridesAdded", "overridesRemoved"}, res.Changes.Fields())

	got, err := store.Get(ctx, created.EntityID)
	require.NoError(t, err)
	require.Len(t, got.Overrides, 2)
	assert.Equal(t, cashOverride, got.Overrides[0].ID)
	assert.Equal(t, charge.CalcPercentOfAmount, got.Overrides[0].Calculation)
	assert.Equal(t, transfer, got.Overrides[1].PaymentMethodID)
}

func TestStore_UpdateRollsBackOnFailure(t *testing.T) {
	// GIVEN: a rule with one override
	// WHEN: a plan adds an override for a payment method that does not exist
	// THEN: neither the rule row nor the overrides change
	store := newTestStore(t)
	ctx := context.Background()
	cash := mustPaymentMethod(t, store, "cash")

	rule := charge.ChargeRule{
		Name: "fee", CurrencyCode: "USD", ProductClass: charge.ProductSavings,
		Amount: decimal.RequireFromString("1"), Timing: charge.TimingWithdrawalFee,
		Calculation: charge.CalcFlat, Active: true,
		Overrides: []charge.PaymentOverride{{PaymentMethodID: cash, Calculation: charge.CalcFlat, Amount: decimal.RequireFromString("1")}},
	}
	stored, err := store.Create(ctx, rule)
	require.NoError(t, err)

	plan, errs := charge.Reconcile(stored.Overrides, []charge.OverrideInput{
		{PaymentMethodID: 999, Calculation: charge.CalcFlat, Amount: decimal.RequireFromString("1")},
	})
	require.Empty(t, errs)
	next := stored.Clone()
	next.Name = "renamed"

	_, err = store.Update(ctx, plan.Apply(next), plan)
	assert.True(t, charge.IsNotFound(err))

	got, err := store.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "fee", got.Name)
	require.Len(t, got.Overrides, 1)
	assert.Equal(t, cash, got.Overrides[0].PaymentMethodID)
}

func TestStore_DuplicateMappingRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cash := mustPaymentMethod(t, store, "cash")

	_, err := store.Create(ctx, charge.ChargeRule{
		Name: "fee", CurrencyCode: "USD", ProductClass: charge.ProductSavings,
		Amount: decimal.RequireFromString("1"), Timing: charge.TimingWithdrawalFee,
		Calculation: charge.CalcFlat, Active: true,
		Overrides: []charge.PaymentOverride{
			{PaymentMethodID: cash, Calculation: charge.CalcFlat, Amount: decimal.RequireFromString("1")},
			{PaymentMethodID: cash, Calculation: charge.CalcFlat, Amount: decimal.RequireFromString("2")},
		},
	})
	assert.ErrorIs(t, err, charge.ErrDuplicateMapping)

	rules, err := store.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, rules, "rule insert rolled back")
}

func TestStore_DuplicateNameRejected(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.Create(ctx, withdrawalCommand("fee"))
	require.NoError(t, err)

	_, err = svc.Create(ctx, withdrawalCommand("fee"))
	var verrs charge.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.True(t, verrs.HasCode(charge.KindDuplicateName))
}

// =============================================================================
// USAGE ORACLE
// =============================================================================

func TestStore_UsageOracleReflectsLinks(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()

	created, err := svc.Create(ctx, charge.CreateCommand{
		Name: "disbursement", CurrencyCode: "USD", ProductClass: charge.ProductLoan,
		Amount: decimal.RequireFromString("5"), Timing: charge.TimingDisbursement, Calculation: charge.CalcFlat,
	})
	require.NoError(t, err)
	id := created.EntityID

	usage, err := charge.QueryUsage(ctx, store, id)
	require.NoError(t, err)
	assert.False(t, usage.Any())

	require.NoError(t, store.LinkProductCharge(ctx, charge.ProductLoan, 1, id))
	require.NoError(t, store.LinkLoanAccountCharge(ctx, 7, id))

	usage, err = charge.QueryUsage(ctx, store, id)
	require.NoError(t, err)
	assert.True(t, usage.LoanProducts)
	assert.True(t, usage.LoanAccounts)
	assert.False(t, usage.SavingsProducts)
	assert.False(t, usage.SavingsAccounts)

	_, err = svc.Delete(ctx, id)
	assert.ErrorIs(t, err, charge.ErrUsageConflict)
}

func TestStore_DeleteRenamesAndKeepsID(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()

	created, err := svc.Create(ctx, withdrawalCommand("fee"))
	require.NoError(t, err)

	_, err = svc.Delete(ctx, created.EntityID)
	require.NoError(t, err)

	got, err := store.Get(ctx, created.EntityID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Contains(t, got.Name, "_fee")

	// the name is free again
	_, err = svc.Create(ctx, withdrawalCommand("fee"))
	assert.NoError(t, err)

	entries, err := store.QueryAudit(ctx, created.EntityID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, charge.AuditDeleted, entries[1].Action)
	assert.JSONEq(t, `{"deleted":true}`, string(entries[1].Changes))
}

func TestStore_FindByPaymentMethodAndTiming(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()
	cash := mustPaymentMethod(t, store, "cash")
	card := mustPaymentMethod(t, store, "card")

	linked, err := svc.Create(ctx, withdrawalCommand("cash fee",
		charge.OverrideInput{PaymentMethodID: cash, Calculation: charge.CalcFlat, Amount: decimal.RequireFromString("1")}))
	require.NoError(t, err)
	_, err = svc.Create(ctx, withdrawalCommand("card fee",
		charge.OverrideInput{PaymentMethodID: card, Calculation: charge.CalcFlat, Amount: decimal.RequireFromString("1")}))
	require.NoError(t, err)

	rules, err := store.FindByPaymentMethodAndTiming(ctx, cash, charge.TimingWithdrawalFee)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, linked.EntityID, rules[0].ID)

	rules, err = store.FindByPaymentMethodAndTiming(ctx, cash, charge.TimingDepositFee)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

// =============================================================================
// SAVINGS ACCOUNT CHARGES
// =============================================================================

func TestStore_SavingsAssignmentsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()
	cash := mustPaymentMethod(t, store, "cash")

	created, err := svc.Create(ctx, withdrawalCommand("fee"))
	require.NoError(t, err)

	due := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	saved, err := store.SaveAssignments(ctx, []savings.Assignment{{
		AccountID:       3,
		ChargeID:        created.EntityID,
		Timing:          charge.TimingWithdrawalFee,
		Calculation:     charge.CalcFlat,
		Amount:          decimal.RequireFromString("2.5"),
		DueDate:         &due,
		Status:          savings.StatusActive,
		CurrencyCode:    "USD",
		PaymentMethodID: &cash,
	}})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.NotZero(t, saved[0].ID)

	list, err := store.ListAssignments(ctx, 3)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].DueDate)
	assert.True(t, due.Equal(*list[0].DueDate))
	require.NotNil(t, list[0].PaymentMethodID)
	assert.Equal(t, cash, *list[0].PaymentMethodID)

	used, err := store.ReferencedBySavingsAccounts(ctx, created.EntityID)
	require.NoError(t, err)
	assert.True(t, used)

	a := list[0]
	a.Inactivate()
	require.NoError(t, store.UpdateAssignment(ctx, a))
	got, err := store.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, savings.StatusInactive, got.Status)

	missing, err := store.GetAssignment(ctx, 999)
	assert.NoError(t, err)
	assert.Nil(t, missing)
}
