/*
store.go - Persistence interfaces for charge rules

KEY INTERFACES:
  Repository:         rules and their overrides, committed as one unit
  PaymentMethodStore: the payment methods overrides point at
  AuditLog:           append-only record of successful mutations

NOT FOUND:
  Get methods return (nil, nil) when the row does not exist. The Service
  turns that into a NotFoundError; stores never guess the caller's intent.

ATOMICITY:
  Repository.Update writes the rule and applies the whole ReconcilePlan in a
  single transaction. A failure leaves the previous state untouched.

IMPLEMENTATIONS:
  - charge/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite
*/
package charge

import (
	"context"
	"encoding/json"
	"time"
)

// Repository persists ChargeRules together with their overrides.
type Repository interface {
	// Get returns nil, nil when the rule does not exist. Deleted rules are
	// returned with Deleted set.
	Get(ctx context.Context, id ChargeID) (*ChargeRule, error)

	List(ctx context.Context, includeDeleted bool) ([]ChargeRule, error)

	// FindByPaymentMethodAndTiming returns active, non-deleted rules that
	// carry an override for pm and are assessed at timing.
	FindByPaymentMethodAndTiming(ctx context.Context, pm PaymentMethodID, timing TimingKind) ([]ChargeRule, error)

	// Create assigns ids to the rule and its overrides.
	Create(ctx context.Context, rule ChargeRule) (ChargeRule, error)

	// Update stores next's scalar fields and applies plan to the override
	// rows. It returns the stored rule with new override ids assigned.
	Update(ctx context.Context, next ChargeRule, plan ReconcilePlan) (ChargeRule, error)
}

type PaymentMethodStore interface {
	CreatePaymentMethod(ctx context.Context, pm PaymentMethod) (PaymentMethod, error)
	GetPaymentMethod(ctx context.Context, id PaymentMethodID) (*PaymentMethod, error)
	ListPaymentMethods(ctx context.Context) ([]PaymentMethod, error)
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditAction string

const (
	AuditCreated AuditAction = "created"
	AuditUpdated AuditAction = "updated"
	AuditDeleted AuditAction = "deleted"
)

// AuditEntry records one committed mutation with its ChangeSet.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	Action    AuditAction
	ChargeID  ChargeID
	Changes   json.RawMessage
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	// QueryAudit returns entries oldest first. A zero chargeID means all.
	QueryAudit(ctx context.Context, chargeID ChargeID) ([]AuditEntry, error)
}
