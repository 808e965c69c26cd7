/*
service.go - Charge rule lifecycle (create / update / delete)

PURPOSE:
  The Service is the only way to mutate a ChargeRule. Every mutation follows
  the same order and is all-or-nothing:

    1. load the current rule (update/delete)
    2. diff the command against it (ChangeTracker)
    3. validate the next state and reconcile overrides
    4. ask the UsageOracle when the mutation is usage-gated
    5. commit rule + override plan in one Repository call
    6. append an audit entry (best effort, failures are logged)

  Nothing is written before step 5, so any failure leaves no trace. Once
  step 5 commits, the mutation is reported as successful.

USAGE GATES:
  - deactivation:               no references of any kind
  - fee frequency/interval on a loan rule: no loan account references
  - delete:                     no references of any kind

STATES:
  draft (no id) -> active <-> inactive -> deleted
  Deleted rules are never returned by Update or Delete; both report NotFound.
*/
package charge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// COMMANDS
// =============================================================================

// CreateCommand describes a new rule. Active defaults to true.
type CreateCommand struct {
	Name          string
	CurrencyCode  string
	ProductClass  ProductClass
	Amount        decimal.Decimal
	Timing        TimingKind
	Calculation   CalculationKind
	FeeFrequency  FeeFrequency
	FeeInterval   int
	FeeOnMonthDay *MonthDay
	Active        *bool
	Overrides     []OverrideInput
}

// UpdateCommand carries only the fields the caller wants to change.
// Overrides == nil leaves the override set alone; a non-nil pointer, even to
// an empty slice, replaces the whole set.
type UpdateCommand struct {
	Name          *string
	CurrencyCode  *string
	ProductClass  *ProductClass
	Amount        *decimal.Decimal
	Timing        *TimingKind
	Calculation   *CalculationKind
	FeeFrequency  *FeeFrequency
	FeeInterval   *int
	FeeOnMonthDay *MonthDay
	Active        *bool
	Overrides     *[]OverrideInput
}

// Result is returned by every successful mutation.
type Result struct {
	EntityID ChargeID
	Changes  *ChangeSet
	Rule     ChargeRule
}

// =============================================================================
// METRICS HOOK
// =============================================================================

// Recorder receives lifecycle events. The metrics package implements it with
// prometheus collectors.
type Recorder interface {
	Mutation(action AuditAction, outcome string)
	ValidationFailure(code ErrorKind)
	UsageConflict(code string)
	Resolution(source Source)
}

type nopRecorder struct{}

func (nopRecorder) Mutation(AuditAction, string) {}
func (nopRecorder) ValidationFailure(ErrorKind)  {}
func (nopRecorder) UsageConflict(string)         {}
func (nopRecorder) Resolution(Source)            {}

// Mutation outcomes.
const (
	OutcomeOK            = "ok"
	OutcomeValidation    = "validation"
	OutcomeUsageConflict = "usage_conflict"
	OutcomeNotFound      = "not_found"
	OutcomeError         = "error"
)

// Outcome classifies err for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrDuplicateMapping):
		return OutcomeValidation
	case errors.Is(err, ErrUsageConflict):
		return OutcomeUsageConflict
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	default:
		return OutcomeError
	}
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	repo   Repository
	usage  UsageOracle
	logger *zap.Logger

	// Optional collaborators. Nil values are skipped.
	Audit   AuditLog
	Methods PaymentMethodStore
	Metrics Recorder

	Now func() time.Time
}

func NewService(repo Repository, usage UsageOracle, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		usage:   usage,
		logger:  logger,
		Metrics: nopRecorder{},
		Now:     time.Now,
	}
}

func (s *Service) Get(ctx context.Context, id ChargeID) (ChargeRule, error) {
	rule, err := s.repo.Get(ctx, id)
	if err != nil {
		return ChargeRule{}, fmt.Errorf("load charge %d: %w", id, err)
	}
	if rule == nil {
		return ChargeRule{}, &NotFoundError{Entity: "charge", ID: int64(id)}
	}
	return *rule, nil
}

func (s *Service) List(ctx context.Context, includeDeleted bool) ([]ChargeRule, error) {
	return s.repo.List(ctx, includeDeleted)
}

// Resolve loads a rule and resolves it for an optional payment method.
func (s *Service) Resolve(ctx context.Context, id ChargeID, pm *PaymentMethodID) (EffectiveCharge, error) {
	rule, err := s.Get(ctx, id)
	if err != nil {
		return EffectiveCharge{}, err
	}
	if rule.Deleted {
		return EffectiveCharge{}, &NotFoundError{Entity: "charge", ID: int64(id)}
	}
	eff := Resolve(rule, pm)
	s.Metrics.Resolution(eff.Source)
	return eff, nil
}

// Create validates and stores a new rule with its initial overrides.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (res Result, err error) {
	defer func() { s.finish(AuditCreated, res.EntityID, err) }()

	active := true
	if cmd.Active != nil {
		active = *cmd.Active
	}
	rule := ChargeRule{
		Name:          cmd.Name,
		CurrencyCode:  cmd.CurrencyCode,
		ProductClass:  cmd.ProductClass,
		Amount:        cmd.Amount,
		Timing:        cmd.Timing,
		Calculation:   cmd.Calculation,
		FeeFrequency:  cmd.FeeFrequency,
		FeeInterval:   cmd.FeeInterval,
		FeeOnMonthDay: cmd.FeeOnMonthDay,
		Active:        active,
	}

	errs := Validate(rule, cmd.Overrides)
	plan, rerrs := Reconcile(nil, cmd.Overrides)
	errs = append(errs, rerrs...)
	if err := errs.Err(); err != nil {
		return Result{}, err
	}
	if err := s.checkPaymentMethods(ctx, plan); err != nil {
		return Result{}, err
	}

	stored, err := s.repo.Create(ctx, plan.Apply(rule))
	if err != nil {
		return Result{}, fmt.Errorf("create charge: %w", err)
	}

	changes := createdChanges(stored)
	s.audit(ctx, AuditCreated, stored.ID, changes)
	return Result{EntityID: stored.ID, Changes: changes, Rule: stored}, nil
}

// Update applies cmd to rule id. An update that changes nothing returns an
// empty ChangeSet and writes nothing.
func (s *Service) Update(ctx context.Context, id ChargeID, cmd UpdateCommand) (res Result, err error) {
	defer func() { s.finish(AuditUpdated, id, err) }()

	current, err := s.loadLive(ctx, id)
	if err != nil {
		return Result{}, err
	}

	next := current.Clone()
	changes := NewChangeSet()
	if Track(changes, "name", next.Name, cmd.Name) {
		next.Name = *cmd.Name
	}
	if Track(changes, "currencyCode", next.CurrencyCode, cmd.CurrencyCode) {
		next.CurrencyCode = *cmd.CurrencyCode
	}
	if Track(changes, "productClass", next.ProductClass, cmd.ProductClass) {
		next.ProductClass = *cmd.ProductClass
	}
	if TrackDecimal(changes, "amount", next.Amount, cmd.Amount) {
		next.Amount = *cmd.Amount
	}
	if Track(changes, "timingKind", next.Timing, cmd.Timing) {
		next.Timing = *cmd.Timing
	}
	if Track(changes, "calculationKind", next.Calculation, cmd.Calculation) {
		next.Calculation = *cmd.Calculation
	}
	if TrackFunc(changes, "feeFrequency", next.FeeFrequency, cmd.FeeFrequency, sameFrequency) {
		next.FeeFrequency = *cmd.FeeFrequency
	}
	if Track(changes, "feeInterval", next.FeeInterval, cmd.FeeInterval) {
		next.FeeInterval = *cmd.FeeInterval
	}
	if TrackMonthDay(changes, "feeOnMonthDay", next.FeeOnMonthDay, cmd.FeeOnMonthDay) {
		md := *cmd.FeeOnMonthDay
		next.FeeOnMonthDay = &md
	}
	if Track(changes, "active", next.Active, cmd.Active) {
		next.Active = *cmd.Active
	}

	desired := InputsFromOverrides(current.Overrides)
	if cmd.Overrides != nil {
		desired = *cmd.Overrides
	}
	errs := Validate(next, desired)
	plan, rerrs := Reconcile(current.Overrides, desired)
	errs = append(errs, rerrs...)
	if err := errs.Err(); err != nil {
		return Result{}, err
	}

	if err := s.checkUpdateUsage(ctx, current, next, changes); err != nil {
		return Result{}, err
	}

	changes.Merge(plan.Changes())
	if changes.IsEmpty() {
		return Result{EntityID: id, Changes: changes, Rule: current}, nil
	}
	if err := s.checkPaymentMethods(ctx, plan); err != nil {
		return Result{}, err
	}

	stored, err := s.repo.Update(ctx, plan.Apply(next), plan)
	if err != nil {
		return Result{}, fmt.Errorf("update charge %d: %w", id, err)
	}
	s.audit(ctx, AuditUpdated, id, changes)
	return Result{EntityID: id, Changes: changes, Rule: stored}, nil
}

// Delete soft-deletes a rule that nothing references. The rule keeps its id
// and is renamed to "<id>_<name>" so the name can be reused.
func (s *Service) Delete(ctx context.Context, id ChargeID) (res Result, err error) {
	defer func() { s.finish(AuditDeleted, id, err) }()

	current, err := s.loadLive(ctx, id)
	if err != nil {
		return Result{}, err
	}

	usage, err := QueryUsage(ctx, s.usage, id)
	if err != nil {
		return Result{}, err
	}
	if usage.Any() {
		return Result{}, s.conflict(id, "error.msg.charge.cannot.be.deleted.it.is.already.used.in.loan",
			"charge cannot be deleted: it is already used in loan or savings")
	}

	next := current.Clone()
	next.Deleted = true
	next.Name = fmt.Sprintf("%d_%s", id, current.Name)

	stored, err := s.repo.Update(ctx, next, ReconcilePlan{})
	if err != nil {
		return Result{}, fmt.Errorf("delete charge %d: %w", id, err)
	}

	changes := NewChangeSet()
	changes.Set("deleted", true)
	s.audit(ctx, AuditDeleted, id, changes)
	return Result{EntityID: id, Changes: changes, Rule: stored}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) loadLive(ctx context.Context, id ChargeID) (ChargeRule, error) {
	rule, err := s.repo.Get(ctx, id)
	if err != nil {
		return ChargeRule{}, fmt.Errorf("load charge %d: %w", id, err)
	}
	if rule == nil || rule.Deleted {
		return ChargeRule{}, &NotFoundError{Entity: "charge", ID: int64(id)}
	}
	return *rule, nil
}

func (s *Service) checkUpdateUsage(ctx context.Context, current, next ChargeRule, changes *ChangeSet) error {
	if current.Active && !next.Active {
		usage, err := QueryUsage(ctx, s.usage, current.ID)
		if err != nil {
			return err
		}
		if usage.Any() {
			return s.conflict(current.ID, "error.msg.charge.cannot.be.deactivated",
				"charge cannot be deactivated: it is used in loan or savings")
		}
	}

	scheduleChanged := changes.Has("feeFrequency") || changes.Has("feeInterval")
	if scheduleChanged && current.IsLoanCharge() {
		used, err := s.usage.ReferencedByLoanAccounts(ctx, current.ID)
		if err != nil {
			return fmt.Errorf("loan account usage: %w", err)
		}
		if used {
			return s.conflict(current.ID, "error.msg.charge.frequency.cannot.be.updated.it.is.used.in.loan",
				"fee frequency cannot be changed: charge is used in loan accounts")
		}
	}
	return nil
}

func (s *Service) checkPaymentMethods(ctx context.Context, plan ReconcilePlan) error {
	if s.Methods == nil {
		return nil
	}
	for _, o := range plan.Create {
		pm, err := s.Methods.GetPaymentMethod(ctx, o.PaymentMethodID)
		if err != nil {
			return fmt.Errorf("load payment method %d: %w", o.PaymentMethodID, err)
		}
		if pm == nil {
			return &NotFoundError{Entity: "payment method", ID: int64(o.PaymentMethodID)}
		}
	}
	return nil
}

func (s *Service) conflict(id ChargeID, code, msg string) error {
	s.Metrics.UsageConflict(code)
	return &UsageConflictError{ChargeID: id, Code: code, Message: msg}
}

// audit records a committed mutation. A failed write is logged and the
// mutation is kept.
func (s *Service) audit(ctx context.Context, action AuditAction, id ChargeID, changes *ChangeSet) {
	if s.Audit == nil {
		return
	}
	payload, err := json.Marshal(changes)
	if err != nil {
		s.auditFailed(action, id, fmt.Errorf("encode audit changes: %w", err))
		return
	}
	now := s.Now()
	entry := AuditEntry{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Timestamp: now,
		Action:    action,
		ChargeID:  id,
		Changes:   payload,
	}
	if err := s.Audit.AppendAudit(ctx, entry); err != nil {
		s.auditFailed(action, id, fmt.Errorf("append audit: %w", err))
	}
}

func (s *Service) auditFailed(action AuditAction, id ChargeID, err error) {
	s.logger.Error("charge audit entry lost",
		zap.String("action", string(action)),
		zap.Int64("charge_id", int64(id)),
		zap.Error(err))
}

// finish records the outcome of a mutation in metrics and logs.
func (s *Service) finish(action AuditAction, id ChargeID, err error) {
	outcome := Outcome(err)
	s.Metrics.Mutation(action, outcome)

	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			s.Metrics.ValidationFailure(e.Code)
		}
	}

	switch outcome {
	case OutcomeOK:
		s.logger.Info("charge "+string(action), zap.Int64("charge_id", int64(id)))
	case OutcomeError:
		s.logger.Error("charge mutation failed",
			zap.String("action", string(action)),
			zap.Int64("charge_id", int64(id)),
			zap.Error(err))
	default:
		s.logger.Debug("charge mutation rejected",
			zap.String("action", string(action)),
			zap.Int64("charge_id", int64(id)),
			zap.String("outcome", outcome),
			zap.Error(err))
	}
}

func sameFrequency(a, b FeeFrequency) bool {
	return a == b || (a.IsNone() && b.IsNone())
}

func createdChanges(r ChargeRule) *ChangeSet {
	cs := NewChangeSet()
	cs.Set("name", r.Name)
	cs.Set("currencyCode", r.CurrencyCode)
	cs.Set("productClass", r.ProductClass)
	cs.Set("amount", r.Amount)
	cs.Set("timingKind", r.Timing)
	cs.Set("calculationKind", r.Calculation)
	if !r.FeeFrequency.IsNone() {
		cs.Set("feeFrequency", r.FeeFrequency)
		cs.Set("feeInterval", r.FeeInterval)
	}
	if r.FeeOnMonthDay != nil {
		cs.Set("feeOnMonthDay", r.FeeOnMonthDay.String())
	}
	cs.Set("active", r.Active)
	if len(r.Overrides) > 0 {
		added := make([]PaymentMethodID, len(r.Overrides))
		for i, o := range r.Overrides {
			added[i] = o.PaymentMethodID
		}
		cs.Set("overridesAdded", added)
	}
	return cs
}
