/*
handlers_test.go - HTTP tests for the charge engine API

Tests drive the chi router end to end over an in-memory SQLite store:
- Status mapping (201/400/404/409)
- Validation error envelope
- Resolution with payment method overrides
- Savings account charge application and linking
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/charge-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type apiFixture struct {
	t      *testing.T
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := NewHandler(store, zap.NewNop(), nil)
	return &apiFixture{t: t, router: NewRouter(h, nil)}
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	f.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (f *apiFixture) createPaymentMethod(name string) int64 {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/payment-methods", fmt.Sprintf(`{"name": %q}`, name))
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[PaymentMethodDTO](f.t, rec).ID
}

func (f *apiFixture) createCharge(body string) int64 {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/charges", body)
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[EntityResponse](f.t, rec).EntityID
}

func withdrawalBody(name string, pm int64) string {
	return fmt.Sprintf(`{
		"name": %q,
		"currencyCode": "USD",
		"amount": "2",
		"timingKind": "withdrawal_fee",
		"calculationKind": "flat",
		"overrides": [{"paymentMethodId": %d, "calculationKind": "percent_of_amount", "amount": "1.5"}]
	}`, name, pm)
}

func errorCodes(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	resp := decodeBody[ValidationResponse](t, rec)
	codes := make([]string, len(resp.Errors))
	for i, e := range resp.Errors {
		codes[i] = e.ErrorCode
	}
	return codes
}

// =============================================================================
// CHARGE RULES
// =============================================================================

func TestCreateAndGetCharge(t *testing.T) {
	// GIVEN: a cash payment method
	f := newAPIFixture(t)
	cash := f.createPaymentMethod("cash")

	// WHEN: a withdrawal fee with a cash override is created
	id := f.createCharge(withdrawalBody("Withdrawal", cash))

	// THEN: the rule is returned with its override
	rec := f.do(http.MethodGet, fmt.Sprintf("/api/charges/%d", id), "")
	require.Equal(t, http.StatusOK, rec.Code)

	dto := decodeBody[ChargeDTO](t, rec)
	assert.Equal(t, "Withdrawal", dto.Name)
	assert.Equal(t, "savings", dto.ProductClass)
	assert.Equal(t, "active", dto.Status)
	require.Len(t, dto.Overrides, 1)
	assert.Equal(t, cash, dto.Overrides[0].PaymentMethodID)
	assert.Equal(t, "1.5", dto.Overrides[0].Amount.String())
}

func TestCreateCharge_ValidationEnvelope(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/charges", `{"currencyCode": "USD", "amount": "-1", "timingKind": "withdrawal_fee", "calculationKind": "flat"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	codes := errorCodes(t, rec)
	assert.Contains(t, codes, "Required")
	assert.Contains(t, codes, "InvalidAmount")
}

func TestCreateCharge_UnknownField(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/charges", `{"name": "x", "amout": 2}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", decodeBody[ErrorResponse](t, rec).Error)
}

func TestCreateCharge_UnknownPaymentMethod(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/charges", withdrawalBody("Withdrawal", 42))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateCharge_ReturnsChanges(t *testing.T) {
	f := newAPIFixture(t)
	cash := f.createPaymentMethod("cash")
	id := f.createCharge(withdrawalBody("Withdrawal", cash))

	rec := f.do(http.MethodPut, fmt.Sprintf("/api/charges/%d", id), `{"amount": "3", "overrides": []}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		EntityID int64          `json:"entityId"`
		Changes  map[string]any `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.EntityID)
	assert.Contains(t, resp.Changes, "amount")
	assert.Contains(t, resp.Changes, "overridesRemoved")
	assert.NotContains(t, resp.Changes, "overridesAdded")
}

func TestUpdateCharge_DeactivateReferencedIsConflict(t *testing.T) {
	// GIVEN: a rule linked to a savings product
	f := newAPIFixture(t)
	id := f.createCharge(`{"name": "Deposit", "currencyCode": "USD", "amount": "1", "timingKind": "deposit_fee", "calculationKind": "flat"}`)
	rec := f.do(http.MethodPost, "/api/products/savings/5/charges", fmt.Sprintf(`{"chargeId": %d}`, id))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: it is deactivated
	rec = f.do(http.MethodPut, fmt.Sprintf("/api/charges/%d", id), `{"active": false}`)

	// THEN: 409 with the usage code
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "error.msg.charge.cannot.be.deactivated", decodeBody[ErrorResponse](t, rec).Code)
}

func TestDeleteCharge(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createCharge(`{"name": "Deposit", "currencyCode": "USD", "amount": "1", "timingKind": "deposit_fee", "calculationKind": "flat"}`)

	rec := f.do(http.MethodDelete, fmt.Sprintf("/api/charges/%d", id), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodDelete, fmt.Sprintf("/api/charges/%d", id), "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "already deleted")

	rec = f.do(http.MethodGet, "/api/charges", "")
	assert.Empty(t, decodeBody[[]ChargeDTO](t, rec))

	rec = f.do(http.MethodGet, "/api/charges?includeDeleted=true", "")
	assert.Len(t, decodeBody[[]ChargeDTO](t, rec), 1)
}

func TestChargePath_BadID(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/api/charges/abc", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"InvalidFormat"}, errorCodes(t, rec))
}

func TestResolveCharge(t *testing.T) {
	f := newAPIFixture(t)
	cash := f.createPaymentMethod("cash")
	card := f.createPaymentMethod("card")
	id := f.createCharge(withdrawalBody("Withdrawal", cash))

	// override applies for cash
	rec := f.do(http.MethodGet, fmt.Sprintf("/api/charges/%d/resolve?paymentMethodId=%d&amount=200", id, cash), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dto := decodeBody[EffectiveChargeDTO](t, rec)
	assert.Equal(t, "override", dto.Source)
	assert.Equal(t, "percent_of_amount", dto.CalculationKind)
	require.NotNil(t, dto.ChargeOn)
	assert.Equal(t, "3", dto.ChargeOn.String())

	// base applies for card
	rec = f.do(http.MethodGet, fmt.Sprintf("/api/charges/%d/resolve?paymentMethodId=%d", id, card), "")
	dto = decodeBody[EffectiveChargeDTO](t, rec)
	assert.Equal(t, "base", dto.Source)
	assert.Equal(t, "2", dto.Amount.String())
	assert.Nil(t, dto.ChargeOn)
}

// =============================================================================
// PRODUCTS & SAVINGS
// =============================================================================

func TestLinkProductCharge_WrongClass(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createCharge(`{"name": "Deposit", "currencyCode": "USD", "amount": "1", "timingKind": "deposit_fee", "calculationKind": "flat"}`)

	rec := f.do(http.MethodPost, "/api/products/loan/5/charges", fmt.Sprintf(`{"chargeId": %d}`, id))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"NotApplicable"}, errorCodes(t, rec))

	rec = f.do(http.MethodPost, "/api/products/leasing/5/charges", fmt.Sprintf(`{"chargeId": %d}`, id))
	assert.Equal(t, []string{"InvalidEnumeration"}, errorCodes(t, rec))
}

func TestSavingsCharges_ApplyProductAndList(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createCharge(`{"name": "Deposit", "currencyCode": "USD", "amount": "1", "timingKind": "deposit_fee", "calculationKind": "flat"}`)
	f.do(http.MethodPost, "/api/products/savings/7/charges", fmt.Sprintf(`{"chargeId": %d}`, id))

	rec := f.do(http.MethodPost, "/api/savings/3/charges", `{"currencyCode": "USD", "productId": 7}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/api/savings/3/charges", "")
	list := decodeBody[[]AssignmentDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ChargeID)
	assert.Equal(t, "active", list[0].Status)

	// the rule is now referenced by a savings account
	rec = f.do(http.MethodDelete, fmt.Sprintf("/api/charges/%d", id), "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// assignments are scoped to their account
	rec = f.do(http.MethodPost, fmt.Sprintf("/api/savings/4/charges/%d/inactivate", list[0].ID), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, fmt.Sprintf("/api/savings/3/charges/%d/inactivate", list[0].ID), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSavingsCharges_LinkedNotLinked(t *testing.T) {
	// GIVEN: a withdrawal fee linked to cash only
	f := newAPIFixture(t)
	cash := f.createPaymentMethod("cash")
	card := f.createPaymentMethod("card")
	id := f.createCharge(withdrawalBody("Withdrawal", cash))

	// WHEN: a card withdrawal names the fee
	rec := f.do(http.MethodPost, "/api/savings/3/charges/linked", fmt.Sprintf(`{
		"currencyCode": "USD", "paymentMethodId": %d, "timingKind": "withdrawal_fee",
		"charges": [{"chargeId": %d, "amount": "4"}]
	}`, card, id))

	// THEN: 400 NotLinkedToPaymentMethod
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"NotLinkedToPaymentMethod"}, errorCodes(t, rec))

	// a cash withdrawal uses the supplied amount
	rec = f.do(http.MethodPost, "/api/savings/3/charges/linked", fmt.Sprintf(`{
		"currencyCode": "USD", "paymentMethodId": %d, "timingKind": "withdrawal_fee",
		"charges": [{"chargeId": %d, "amount": "4"}]
	}`, cash, id))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	list := decodeBody[[]AssignmentDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "4", list[0].Amount.String())
}

// =============================================================================
// AUDIT & HEALTH
// =============================================================================

func TestAuditTrail(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createCharge(`{"name": "Deposit", "currencyCode": "USD", "amount": "1", "timingKind": "deposit_fee", "calculationKind": "flat"}`)
	f.do(http.MethodPut, fmt.Sprintf("/api/charges/%d", id), `{"amount": "2"}`)

	rec := f.do(http.MethodGet, fmt.Sprintf("/api/audit?chargeId=%d", id), "")
	require.Equal(t, http.StatusOK, rec.Code)

	entries := decodeBody[[]AuditEntryDTO](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, "created", entries[0].Action)
	assert.Equal(t, "updated", entries[1].Action)
	assert.JSONEq(t, `{"amount": "2"}`, string(entries[1].Changes))
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
}
