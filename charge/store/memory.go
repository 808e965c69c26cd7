// Package store provides an in-memory implementation of the charge stores.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/charge-engine/charge"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements charge.Repository, charge.PaymentMethodStore,
// charge.AuditLog and charge.UsageOracle. Usage is set explicitly with
// SetUsage since there are no accounts or products in memory.
type Memory struct {
	mu       sync.RWMutex
	rules    map[charge.ChargeID]charge.ChargeRule
	methods  map[charge.PaymentMethodID]charge.PaymentMethod
	usage    map[charge.ChargeID]charge.Usage
	audit    []charge.AuditEntry
	nextRule charge.ChargeID
	nextOvr  charge.OverrideID
	nextPM   charge.PaymentMethodID
}

func NewMemory() *Memory {
	return &Memory{
		rules:   make(map[charge.ChargeID]charge.ChargeRule),
		methods: make(map[charge.PaymentMethodID]charge.PaymentMethod),
		usage:   make(map[charge.ChargeID]charge.Usage),
	}
}

// =============================================================================
// REPOSITORY
// =============================================================================

func (m *Memory) Get(_ context.Context, id charge.ChargeID) (*charge.ChargeRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, nil
	}
	c := r.Clone()
	return &c, nil
}

func (m *Memory) List(_ context.Context, includeDeleted bool) ([]charge.ChargeRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]charge.ChargeRule, 0, len(m.rules))
	for _, r := range m.rules {
		if r.Deleted && !includeDeleted {
			continue
		}
		result = append(result, r.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) FindByPaymentMethodAndTiming(ctx context.Context, pm charge.PaymentMethodID, timing charge.TimingKind) ([]charge.ChargeRule, error) {
	all, err := m.List(ctx, false)
	if err != nil {
		return nil, err
	}
	var result []charge.ChargeRule
	for _, r := range all {
		if !r.Active || r.Timing != timing {
			continue
		}
		if _, ok := r.FindOverride(pm); ok {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *Memory) Create(_ context.Context, rule charge.ChargeRule) (charge.ChargeRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkUniqueLocked(rule); err != nil {
		return charge.ChargeRule{}, err
	}

	m.nextRule++
	stored := rule.Clone()
	stored.ID = m.nextRule
	for i := range stored.Overrides {
		m.nextOvr++
		stored.Overrides[i].ID = m.nextOvr
		stored.Overrides[i].ChargeID = stored.ID
	}
	m.rules[stored.ID] = stored
	return stored.Clone(), nil
}

// Update replaces the stored rule. The plan has already been applied to next;
// new overrides are recognised by their zero id.
func (m *Memory) Update(_ context.Context, next charge.ChargeRule, _ charge.ReconcilePlan) (charge.ChargeRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[next.ID]; !ok {
		return charge.ChargeRule{}, &charge.NotFoundError{Entity: "charge", ID: int64(next.ID)}
	}
	if err := m.checkUniqueLocked(next); err != nil {
		return charge.ChargeRule{}, err
	}

	// Ids are only consumed once the write cannot fail.
	stored := next.Clone()
	for i := range stored.Overrides {
		if stored.Overrides[i].ID == 0 {
			m.nextOvr++
			stored.Overrides[i].ID = m.nextOvr
		}
		stored.Overrides[i].ChargeID = stored.ID
	}
	m.rules[stored.ID] = stored
	return stored.Clone(), nil
}

func (m *Memory) checkUniqueLocked(rule charge.ChargeRule) error {
	for id, r := range m.rules {
		if id != rule.ID && r.Name == rule.Name {
			return charge.DuplicateNameError(rule.Name)
		}
	}
	seen := make(map[charge.PaymentMethodID]bool, len(rule.Overrides))
	for _, o := range rule.Overrides {
		if seen[o.PaymentMethodID] {
			return &charge.DuplicateMappingError{ChargeID: rule.ID, PaymentMethodID: o.PaymentMethodID}
		}
		seen[o.PaymentMethodID] = true
	}
	return nil
}

// =============================================================================
// PAYMENT METHODS
// =============================================================================

func (m *Memory) CreatePaymentMethod(_ context.Context, pm charge.PaymentMethod) (charge.PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextPM++
	pm.ID = m.nextPM
	m.methods[pm.ID] = pm
	return pm, nil
}

func (m *Memory) GetPaymentMethod(_ context.Context, id charge.PaymentMethodID) (*charge.PaymentMethod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pm, ok := m.methods[id]
	if !ok {
		return nil, nil
	}
	return &pm, nil
}

func (m *Memory) ListPaymentMethods(_ context.Context) ([]charge.PaymentMethod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]charge.PaymentMethod, 0, len(m.methods))
	for _, pm := range m.methods {
		result = append(result, pm)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry charge.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, chargeID charge.ChargeID) ([]charge.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []charge.AuditEntry
	for _, e := range m.audit {
		if chargeID == 0 || e.ChargeID == chargeID {
			result = append(result, e)
		}
	}
	return result, nil
}

// =============================================================================
// USAGE ORACLE
// =============================================================================

// SetUsage replaces the recorded references of a rule.
func (m *Memory) SetUsage(id charge.ChargeID, u charge.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[id] = u
}

func (m *Memory) ReferencedByLoanAccounts(_ context.Context, id charge.ChargeID) (bool, error) {
	return m.lookupUsage(id).LoanAccounts, nil
}

func (m *Memory) ReferencedBySavingsAccounts(_ context.Context, id charge.ChargeID) (bool, error) {
	return m.lookupUsage(id).SavingsAccounts, nil
}

func (m *Memory) ReferencedByLoanProducts(_ context.Context, id charge.ChargeID) (bool, error) {
	return m.lookupUsage(id).LoanProducts, nil
}

func (m *Memory) ReferencedBySavingsProducts(_ context.Context, id charge.ChargeID) (bool, error) {
	return m.lookupUsage(id).SavingsProducts, nil
}

func (m *Memory) lookupUsage(id charge.ChargeID) charge.Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage[id]
}
