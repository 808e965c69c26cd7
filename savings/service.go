package savings

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/charge-engine/charge"
)

// =============================================================================
// STORAGE
// =============================================================================

// Store persists account charge assignments.
type Store interface {
	// SaveAssignments inserts all assignments atomically and returns them
	// with ids assigned.
	SaveAssignments(ctx context.Context, as []Assignment) ([]Assignment, error)
	GetAssignment(ctx context.Context, id AssignmentID) (*Assignment, error)
	ListAssignments(ctx context.Context, accountID AccountID) ([]Assignment, error)
	UpdateAssignment(ctx context.Context, a Assignment) error

	// SavingsProductCharges returns the charges linked to a savings product.
	SavingsProductCharges(ctx context.Context, productID int64) ([]charge.ChargeID, error)
}

// ChargeSource is the subset of charge.Repository the service reads.
type ChargeSource interface {
	Get(ctx context.Context, id charge.ChargeID) (*charge.ChargeRule, error)
	FindByPaymentMethodAndTiming(ctx context.Context, pm charge.PaymentMethodID, timing charge.TimingKind) ([]charge.ChargeRule, error)
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	charges ChargeSource
	store   Store
	logger  *zap.Logger
}

func NewService(charges ChargeSource, store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{charges: charges, store: store, logger: logger}
}

func (s *Service) List(ctx context.Context, accountID AccountID) ([]Assignment, error) {
	return s.store.ListAssignments(ctx, accountID)
}

// Apply adds a charge rule to an account in the given currency.
func (s *Service) Apply(ctx context.Context, accountID AccountID, currency string, req ApplyRequest) ([]Assignment, error) {
	rule, err := s.loadRule(ctx, req.ChargeID)
	if err != nil {
		return nil, err
	}
	built, err := FromRule(rule, accountID, req)
	if err != nil {
		return nil, err
	}
	return s.save(ctx, accountID, currency, built)
}

// ApplyProduct adds every charge of a savings product to a new account.
func (s *Service) ApplyProduct(ctx context.Context, accountID AccountID, currency string, productID int64) ([]Assignment, error) {
	ids, err := s.store.SavingsProductCharges(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("load product %d charges: %w", productID, err)
	}
	rules := make([]charge.ChargeRule, 0, len(ids))
	for _, id := range ids {
		rule, err := s.loadRule(ctx, id)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	built, err := FromProduct(rules, accountID)
	if err != nil {
		return nil, err
	}
	return s.save(ctx, accountID, currency, built)
}

// LinkTransactionCharges applies the charges of a transaction made with
// payment method pm. Every rule linked to pm at the given timing is applied;
// requested amounts replace the override amounts.
func (s *Service) LinkTransactionCharges(ctx context.Context, accountID AccountID, currency string,
	pm charge.PaymentMethodID, timing charge.TimingKind, requests []charge.ExternalAmount,
) ([]Assignment, error) {
	rules, err := s.charges.FindByPaymentMethodAndTiming(ctx, pm, timing)
	if err != nil {
		return nil, fmt.Errorf("find linked charges: %w", err)
	}

	effs, err := charge.LinkExternalBatch(rules, pm, timing, requests)
	if err != nil {
		return nil, err
	}

	byID := make(map[charge.ChargeID]charge.ChargeRule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}
	return s.save(ctx, accountID, currency, FromLinked(byID, effs, accountID))
}

// Update changes an assignment's amount or schedule.
func (s *Service) Update(ctx context.Context, id AssignmentID, u AssignmentUpdate) (*charge.ChangeSet, error) {
	a, err := s.loadAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(u.Amount); err != nil {
		return nil, err
	}
	changes := a.Update(u)
	if changes.IsEmpty() {
		return changes, nil
	}
	if err := s.store.UpdateAssignment(ctx, a); err != nil {
		return nil, fmt.Errorf("update assignment %d: %w", id, err)
	}
	return changes, nil
}

// Inactivate stops an assignment from being assessed.
func (s *Service) Inactivate(ctx context.Context, id AssignmentID) (*charge.ChangeSet, error) {
	a, err := s.loadAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	changes := charge.NewChangeSet()
	if !a.Inactivate() {
		return changes, nil
	}
	changes.Set("status", a.Status)
	if err := s.store.UpdateAssignment(ctx, a); err != nil {
		return nil, fmt.Errorf("inactivate assignment %d: %w", id, err)
	}
	return changes, nil
}

func (s *Service) save(ctx context.Context, accountID AccountID, currency string, built []Assignment) ([]Assignment, error) {
	existing, err := s.store.ListAssignments(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account %d charges: %w", accountID, err)
	}
	if errs := ValidateAssignments(currency, append(existing, built...)); len(errs) > 0 {
		return nil, errs
	}
	if len(built) == 0 {
		return nil, nil
	}

	saved, err := s.store.SaveAssignments(ctx, built)
	if err != nil {
		return nil, fmt.Errorf("save account %d charges: %w", accountID, err)
	}
	s.logger.Info("savings charges applied",
		zap.Int64("account_id", int64(accountID)),
		zap.Int("count", len(saved)))
	return saved, nil
}

func (s *Service) loadRule(ctx context.Context, id charge.ChargeID) (charge.ChargeRule, error) {
	rule, err := s.charges.Get(ctx, id)
	if err != nil {
		return charge.ChargeRule{}, fmt.Errorf("load charge %d: %w", id, err)
	}
	if rule == nil || rule.Deleted {
		return charge.ChargeRule{}, &charge.NotFoundError{Entity: "charge", ID: int64(id)}
	}
	return *rule, nil
}

func (s *Service) loadAssignment(ctx context.Context, id AssignmentID) (Assignment, error) {
	a, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return Assignment{}, fmt.Errorf("load assignment %d: %w", id, err)
	}
	if a == nil {
		return Assignment{}, &charge.NotFoundError{Entity: "savings charge", ID: int64(id)}
	}
	return *a, nil
}
