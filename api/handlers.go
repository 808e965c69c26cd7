/*
handlers.go - HTTP API handlers for the charge engine

PURPOSE:
  Exposes charge rule management, resolution and savings account charges
  via REST API. Handles HTTP request/response, JSON serialization, and
  delegates to the charge and savings services.

ENDPOINTS:
  Charge rules:
    GET    /api/charges                    List rules (?includeDeleted=true)
    POST   /api/charges                    Create rule with overrides
    GET    /api/charges/{id}               Get rule
    PUT    /api/charges/{id}               Update rule / replace overrides
    DELETE /api/charges/{id}               Soft delete
    GET    /api/charges/{id}/resolve       Effective charge
                                           (?paymentMethodId=&amount=)

  Payment methods:
    GET    /api/payment-methods
    POST   /api/payment-methods

  Products:
    GET    /api/products/{class}/{productId}/charges
    POST   /api/products/{class}/{productId}/charges

  Savings accounts:
    GET    /api/savings/{accountId}/charges
    POST   /api/savings/{accountId}/charges            Apply rule or product
    POST   /api/savings/{accountId}/charges/linked     Transaction charges
    PUT    /api/savings/{accountId}/charges/{chargeId} Update applied charge
    POST   /api/savings/{accountId}/charges/{chargeId}/inactivate

  Audit:
    GET    /api/audit                      (?chargeId=)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors as {"errors":[{parameter, errorCode, message,
         args}]}, malformed bodies, charges not linked to a payment method
  - 404: Unknown rule, assignment or payment method
  - 409: Rule is referenced by accounts or products
  - 500: Internal errors (details are logged, not returned)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - factory/command.go: Charge rule request decoding
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/charge-engine/charge"
	"github.com/warp/charge-engine/factory"
	"github.com/warp/charge-engine/savings"
	"github.com/warp/charge-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Charges *charge.Service
	Savings *savings.Service

	logger *zap.Logger
}

// NewHandler wires the charge and savings services over store. rec may be
// nil.
func NewHandler(store *sqlite.Store, logger *zap.Logger, rec charge.Recorder) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	charges := charge.NewService(store, store, logger.Named("charge"))
	charges.Audit = store
	charges.Methods = store
	if rec != nil {
		charges.Metrics = rec
	}
	return &Handler{
		Store:   store,
		Charges: charges,
		Savings: savings.NewService(store, store, logger.Named("savings")),
		logger:  logger,
	}
}

// Health pings the database.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// CHARGE RULE HANDLERS
// =============================================================================

// ListCharges returns all non-deleted rules.
// GET /api/charges
func (h *Handler) ListCharges(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("includeDeleted") == "true"

	rules, err := h.Charges.List(r.Context(), includeDeleted)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]ChargeDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = toChargeDTO(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCharge returns a single rule, deleted rules included.
// GET /api/charges/{id}
func (h *Handler) GetCharge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	rule, err := h.Charges.Get(r.Context(), charge.ChargeID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeDTO(rule))
}

// CreateCharge creates a rule and its initial overrides.
// POST /api/charges
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	cmd, err := factory.DecodeCreate(r.Body)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	res, err := h.Charges.Create(r.Context(), cmd)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, EntityResponse{EntityID: int64(res.EntityID), Changes: res.Changes})
}

// UpdateCharge applies a partial update.
// PUT /api/charges/{id}
func (h *Handler) UpdateCharge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	cmd, err := factory.DecodeUpdate(r.Body)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	res, err := h.Charges.Update(r.Context(), charge.ChargeID(id), cmd)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EntityResponse{EntityID: int64(res.EntityID), Changes: res.Changes})
}

// DeleteCharge soft-deletes an unreferenced rule.
// DELETE /api/charges/{id}
func (h *Handler) DeleteCharge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	res, err := h.Charges.Delete(r.Context(), charge.ChargeID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EntityResponse{EntityID: int64(res.EntityID), Changes: res.Changes})
}

// ResolveCharge returns the amount and calculation that apply for an
// optional payment method. With ?amount= the charge on that transaction
// value is included.
// GET /api/charges/{id}/resolve
func (h *Handler) ResolveCharge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	q := r.URL.Query()

	var pm *charge.PaymentMethodID
	if raw := q.Get("paymentMethodId"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeValidation(w, formatError("paymentMethodId", raw, "paymentMethodId must be an integer"))
			return
		}
		p := charge.PaymentMethodID(v)
		pm = &p
	}

	var base *decimal.Decimal
	if raw := q.Get("amount"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			writeValidation(w, formatError("amount", raw, "amount must be a decimal number"))
			return
		}
		base = &v
	}

	eff, err := h.Charges.Resolve(r.Context(), charge.ChargeID(id), pm)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dto := toEffectiveDTO(eff)
	if base != nil {
		v := eff.ChargeOn(*base)
		dto.ChargeOn = &v
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// PAYMENT METHOD HANDLERS
// =============================================================================

// ListPaymentMethods returns all payment methods.
// GET /api/payment-methods
func (h *Handler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	pms, err := h.Store.ListPaymentMethods(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]PaymentMethodDTO, len(pms))
	for i, pm := range pms {
		dtos[i] = PaymentMethodDTO{ID: int64(pm.ID), Name: pm.Name, Active: pm.Active}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePaymentMethod registers a payment method. Active defaults to true.
// POST /api/payment-methods
func (h *Handler) CreatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentMethodRequest
	if err := factory.DecodeStrict(r.Body, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if req.Name == "" {
		writeValidation(w, charge.ValidationErrors{{
			Parameter: "name", Code: charge.KindRequired, Message: "name is required",
		}})
		return
	}

	active := req.Active == nil || *req.Active
	pm, err := h.Store.CreatePaymentMethod(r.Context(), charge.PaymentMethod{Name: req.Name, Active: active})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PaymentMethodDTO{ID: int64(pm.ID), Name: pm.Name, Active: pm.Active})
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// ListProductCharges returns the rule ids linked to a product.
// GET /api/products/{class}/{productId}/charges
func (h *Handler) ListProductCharges(w http.ResponseWriter, r *http.Request) {
	class, productID, ok := productPath(w, r)
	if !ok {
		return
	}

	ids, err := h.Store.ProductCharges(r.Context(), class, productID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	writeJSON(w, http.StatusOK, out)
}

// LinkProductCharge attaches a rule to a product of the rule's class.
// POST /api/products/{class}/{productId}/charges
func (h *Handler) LinkProductCharge(w http.ResponseWriter, r *http.Request) {
	class, productID, ok := productPath(w, r)
	if !ok {
		return
	}

	var req LinkProductChargeRequest
	if err := factory.DecodeStrict(r.Body, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	rule, err := h.Charges.Get(r.Context(), charge.ChargeID(req.ChargeID))
	if err == nil && rule.Deleted {
		err = &charge.NotFoundError{Entity: "charge", ID: req.ChargeID}
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if rule.ProductClass != class {
		writeValidation(w, charge.ValidationErrors{{
			Parameter: "chargeId",
			Code:      charge.KindNotApplicable,
			Message:   "charge belongs to a different product class",
			Args:      []any{req.ChargeID, string(rule.ProductClass)},
		}})
		return
	}

	if err := h.Store.LinkProductCharge(r.Context(), class, productID, rule.ID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, EntityResponse{EntityID: int64(rule.ID)})
}

// =============================================================================
// SAVINGS ACCOUNT HANDLERS
// =============================================================================

// ListSavingsCharges returns the charges applied to an account.
// GET /api/savings/{accountId}/charges
func (h *Handler) ListSavingsCharges(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "accountId")
	if !ok {
		return
	}

	as, err := h.Savings.List(r.Context(), savings.AccountID(accountID))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTOs(as))
}

// ApplySavingsCharge applies a rule, or every rule of a savings product,
// to an account.
// POST /api/savings/{accountId}/charges
func (h *Handler) ApplySavingsCharge(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "accountId")
	if !ok {
		return
	}

	var req ApplyChargeRequest
	if err := factory.DecodeStrict(r.Body, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if req.CurrencyCode == "" {
		writeValidation(w, charge.ValidationErrors{{
			Parameter: "currencyCode", Code: charge.KindRequired, Message: "currencyCode is required",
		}})
		return
	}

	var (
		as  []savings.Assignment
		err error
	)
	switch {
	case req.ProductID != 0:
		as, err = h.Savings.ApplyProduct(r.Context(), savings.AccountID(accountID), req.CurrencyCode, req.ProductID)
	case req.ChargeID != 0:
		apply := savings.ApplyRequest{
			ChargeID:    charge.ChargeID(req.ChargeID),
			Amount:      req.Amount,
			FeeInterval: req.FeeInterval,
		}
		var verrs charge.ValidationErrors
		apply.DueDate, verrs = parseDate("dueDate", req.DueDate, verrs)
		apply.FeeOnMonthDay, verrs = parseMonthDay("feeOnMonthDay", req.FeeOnMonthDay, verrs)
		if len(verrs) > 0 {
			writeValidation(w, verrs)
			return
		}
		as, err = h.Savings.Apply(r.Context(), savings.AccountID(accountID), req.CurrencyCode, apply)
	default:
		writeValidation(w, charge.ValidationErrors{{
			Parameter: "chargeId", Code: charge.KindRequired, Message: "chargeId or productId is required",
		}})
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAssignmentDTOs(as))
}

// LinkSavingsCharges applies the charges of a transaction made with one
// payment method, using caller-supplied amounts where given.
// POST /api/savings/{accountId}/charges/linked
func (h *Handler) LinkSavingsCharges(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "accountId")
	if !ok {
		return
	}

	var req LinkedChargesRequest
	if err := factory.DecodeStrict(r.Body, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	var verrs charge.ValidationErrors
	if req.CurrencyCode == "" {
		verrs = append(verrs, charge.ValidationError{Parameter: "currencyCode", Code: charge.KindRequired, Message: "currencyCode is required"})
	}
	if req.PaymentMethodID == 0 {
		verrs = append(verrs, charge.ValidationError{Parameter: "paymentMethodId", Code: charge.KindRequired, Message: "paymentMethodId is required"})
	}
	timing := charge.TimingKind(req.TimingKind)
	if !timing.IsSavingsTiming() {
		verrs = append(verrs, charge.ValidationError{
			Parameter: "timingKind", Code: charge.KindInvalidEnumeration,
			Message: "timingKind must be a savings charge timing", Args: []any{req.TimingKind},
		})
	}
	if len(verrs) > 0 {
		writeValidation(w, verrs)
		return
	}

	requests := make([]charge.ExternalAmount, len(req.Charges))
	for i, c := range req.Charges {
		requests[i] = charge.ExternalAmount{ChargeID: charge.ChargeID(c.ChargeID), Amount: c.Amount}
	}

	as, err := h.Savings.LinkTransactionCharges(r.Context(), savings.AccountID(accountID), req.CurrencyCode,
		charge.PaymentMethodID(req.PaymentMethodID), timing, requests)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAssignmentDTOs(as))
}

// UpdateSavingsCharge changes an applied charge's amount or schedule.
// PUT /api/savings/{accountId}/charges/{chargeId}
func (h *Handler) UpdateSavingsCharge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.assignmentPath(w, r)
	if !ok {
		return
	}

	var req UpdateAssignmentRequest
	if err := factory.DecodeStrict(r.Body, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	u := savings.AssignmentUpdate{Amount: req.Amount, FeeInterval: req.FeeInterval}
	var verrs charge.ValidationErrors
	u.DueDate, verrs = parseDate("dueDate", req.DueDate, verrs)
	u.FeeOnMonthDay, verrs = parseMonthDay("feeOnMonthDay", req.FeeOnMonthDay, verrs)
	if len(verrs) > 0 {
		writeValidation(w, verrs)
		return
	}

	changes, err := h.Savings.Update(r.Context(), id, u)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EntityResponse{EntityID: int64(id), Changes: changes})
}

// InactivateSavingsCharge stops an applied charge.
// POST /api/savings/{accountId}/charges/{chargeId}/inactivate
func (h *Handler) InactivateSavingsCharge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.assignmentPath(w, r)
	if !ok {
		return
	}

	changes, err := h.Savings.Inactivate(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EntityResponse{EntityID: int64(id), Changes: changes})
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// ListAudit returns committed mutations, oldest first.
// GET /api/audit
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	var chargeID int64
	if raw := r.URL.Query().Get("chargeId"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeValidation(w, formatError("chargeId", raw, "chargeId must be an integer"))
			return
		}
		chargeID = v
	}

	entries, err := h.Store.QueryAudit(r.Context(), charge.ChargeID(chargeID))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:        e.ID,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
			Action:    string(e.Action),
			ChargeID:  int64(e.ChargeID),
			Changes:   e.Changes,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PATH & QUERY HELPERS
// =============================================================================

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeValidation(w, formatError(name, raw, name+" must be a positive integer"))
		return 0, false
	}
	return id, true
}

func productPath(w http.ResponseWriter, r *http.Request) (charge.ProductClass, int64, bool) {
	class := charge.ProductClass(chi.URLParam(r, "class"))
	if !class.Valid() {
		writeValidation(w, charge.ValidationErrors{{
			Parameter: "class",
			Code:      charge.KindInvalidEnumeration,
			Message:   "product class must be loan or savings",
			Args:      []any{string(class)},
		}})
		return "", 0, false
	}
	productID, ok := pathID(w, r, "productId")
	return class, productID, ok
}

// assignmentPath resolves {chargeId} and checks that the assignment belongs
// to {accountId}.
func (h *Handler) assignmentPath(w http.ResponseWriter, r *http.Request) (savings.AssignmentID, bool) {
	accountID, ok := pathID(w, r, "accountId")
	if !ok {
		return 0, false
	}
	id, ok := pathID(w, r, "chargeId")
	if !ok {
		return 0, false
	}

	a, err := h.Store.GetAssignment(r.Context(), savings.AssignmentID(id))
	if err == nil && (a == nil || a.AccountID != savings.AccountID(accountID)) {
		err = &charge.NotFoundError{Entity: "savings charge", ID: id}
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return 0, false
	}
	return a.ID, true
}

func parseDate(param string, raw *string, errs charge.ValidationErrors) (*time.Time, charge.ValidationErrors) {
	if raw == nil || *raw == "" {
		return nil, errs
	}
	t, err := time.Parse(time.DateOnly, *raw)
	if err != nil {
		return nil, append(errs, formatError(param, *raw, param+" must be YYYY-MM-DD")...)
	}
	return &t, errs
}

func parseMonthDay(param string, raw *string, errs charge.ValidationErrors) (*charge.MonthDay, charge.ValidationErrors) {
	if raw == nil || *raw == "" {
		return nil, errs
	}
	md, err := charge.ParseMonthDay(*raw)
	if err != nil {
		return nil, append(errs, formatError(param, *raw, param+" must be MM-DD")...)
	}
	return &md, errs
}

func formatError(param, raw, msg string) charge.ValidationErrors {
	return charge.ValidationErrors{{
		Parameter: param,
		Code:      charge.KindInvalidFormat,
		Message:   msg,
		Args:      []any{raw},
	}}
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeValidation(w http.ResponseWriter, errs charge.ValidationErrors) {
	resp := ValidationResponse{Errors: make([]ParameterErrorDTO, len(errs))}
	for i, e := range errs {
		resp.Errors[i] = ParameterErrorDTO{
			Parameter: e.Parameter,
			ErrorCode: string(e.Code),
			Message:   e.Message,
			Args:      e.Args,
		}
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

// writeDomainError maps service errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verrs     charge.ValidationErrors
		notLinked *charge.NotLinkedToPaymentMethodError
		dup       *charge.DuplicateMappingError
		conflict  *charge.UsageConflictError
	)
	switch {
	case errors.Is(err, factory.ErrMalformed):
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
	case errors.As(err, &verrs):
		writeValidation(w, verrs)
	case errors.As(err, &notLinked):
		writeValidation(w, notLinked.ValidationErrors())
	case errors.As(err, &dup):
		writeValidation(w, charge.ValidationErrors{{
			Parameter: "overrides",
			Code:      charge.KindDuplicateMapping,
			Message:   dup.Error(),
			Args:      []any{int64(dup.PaymentMethodID)},
		}})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: conflict.Message, Code: conflict.Code})
	case charge.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}
