/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the charge engine using SQLite.
  In production the same patterns apply to PostgreSQL, with only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  charge.Repository:         charge rules and their payment overrides
  charge.PaymentMethodStore: payment methods
  charge.AuditLog:           mutation audit trail
  charge.UsageOracle:        EXISTS queries over product and account links
  savings.Store:             savings account charge assignments

KEY TABLES:
  charges:                  rule definitions (name unique)
  charge_payment_overrides: per payment method overrides,
                            UNIQUE(charge_id, payment_method_id)
  payment_methods:          override targets
  loan_product_charges,
  savings_product_charges:  product links
  loan_account_charges:     loan account links
  savings_account_charges:  savings account assignments
  audit_log:                one row per committed mutation

ATOMICITY:
  Update writes the rule row and applies the whole override plan inside one
  database transaction. A constraint failure rolls everything back.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so that
  ":memory:" databases are shared by every call.

AMOUNTS:
  Decimals are stored as TEXT and parsed back with shopspring/decimal, never
  through floating point.

USAGE:
  store, err := sqlite.New("./data/charges.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := charge.NewService(store, store, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/charge-engine/charge"
	"github.com/warp/charge-engine/savings"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Compile-time interface checks.
var (
	_ charge.Repository         = (*Store)(nil)
	_ charge.PaymentMethodStore = (*Store)(nil)
	_ charge.AuditLog           = (*Store)(nil)
	_ charge.UsageOracle        = (*Store)(nil)
	_ savings.Store             = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for read-only collectors.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS payment_methods (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS charges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		currency_code TEXT NOT NULL,
		product_class TEXT NOT NULL,
		amount TEXT NOT NULL,
		timing TEXT NOT NULL,
		calculation TEXT NOT NULL,
		fee_frequency TEXT NOT NULL DEFAULT '',
		fee_interval INTEGER NOT NULL DEFAULT 0,
		fee_on_month_day TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- One override per payment method per charge
	CREATE TABLE IF NOT EXISTS charge_payment_overrides (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		charge_id INTEGER NOT NULL REFERENCES charges(id),
		payment_method_id INTEGER NOT NULL REFERENCES payment_methods(id),
		calculation TEXT NOT NULL,
		amount TEXT NOT NULL,
		UNIQUE(charge_id, payment_method_id)
	);

	CREATE INDEX IF NOT EXISTS idx_overrides_payment_method
		ON charge_payment_overrides(payment_method_id);

	CREATE TABLE IF NOT EXISTS loan_product_charges (
		product_id INTEGER NOT NULL,
		charge_id INTEGER NOT NULL REFERENCES charges(id),
		PRIMARY KEY (product_id, charge_id)
	);

	CREATE TABLE IF NOT EXISTS savings_product_charges (
		product_id INTEGER NOT NULL,
		charge_id INTEGER NOT NULL REFERENCES charges(id),
		PRIMARY KEY (product_id, charge_id)
	);

	CREATE TABLE IF NOT EXISTS loan_account_charges (
		account_id INTEGER NOT NULL,
		charge_id INTEGER NOT NULL REFERENCES charges(id),
		PRIMARY KEY (account_id, charge_id)
	);

	CREATE TABLE IF NOT EXISTS savings_account_charges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL,
		charge_id INTEGER NOT NULL REFERENCES charges(id),
		timing TEXT NOT NULL,
		calculation TEXT NOT NULL,
		amount TEXT NOT NULL,
		due_date TEXT,
		fee_on_month_day TEXT,
		fee_interval INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		currency_code TEXT NOT NULL,
		payment_method_id INTEGER REFERENCES payment_methods(id)
	);

	CREATE INDEX IF NOT EXISTS idx_savings_account_charges_account
		ON savings_account_charges(account_id);
	CREATE INDEX IF NOT EXISTS idx_savings_account_charges_charge
		ON savings_account_charges(charge_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		action TEXT NOT NULL,
		charge_id INTEGER NOT NULL,
		changes_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_charge ON audit_log(charge_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// CHARGE REPOSITORY (charge.Repository interface)
// =============================================================================

const chargeColumns = `id, name, currency_code, product_class, amount, timing, calculation,
	fee_frequency, fee_interval, fee_on_month_day, active, deleted`

// Get returns a rule with its overrides, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id charge.ChargeID) (*charge.ChargeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRule(ctx, s.db, id)
}

func (s *Store) getRule(ctx context.Context, q querier, id charge.ChargeID) (*charge.ChargeRule, error) {
	row := q.QueryRowContext(ctx, "SELECT "+chargeColumns+" FROM charges WHERE id = ?", id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load charge %d: %w", id, err)
	}

	rule.Overrides, err = s.loadOverrides(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// List returns rules ordered by id.
func (s *Store) List(ctx context.Context, includeDeleted bool) ([]charge.ChargeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id FROM charges"
	if !includeDeleted {
		query += " WHERE deleted = 0"
	}
	return s.loadRules(ctx, query+" ORDER BY id")
}

// FindByPaymentMethodAndTiming returns active rules linked to pm at timing.
func (s *Store) FindByPaymentMethodAndTiming(ctx context.Context, pm charge.PaymentMethodID, timing charge.TimingKind) ([]charge.ChargeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loadRules(ctx, `
		SELECT c.id FROM charges c
		JOIN charge_payment_overrides o ON o.charge_id = c.id
		WHERE o.payment_method_id = ? AND c.timing = ? AND c.deleted = 0 AND c.active = 1
		ORDER BY c.id`, pm, timing)
}

func (s *Store) loadRules(ctx context.Context, idQuery string, args ...any) ([]charge.ChargeRule, error) {
	rows, err := s.db.QueryContext(ctx, idQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list charges: %w", err)
	}
	var ids []charge.ChargeID
	for rows.Next() {
		var id charge.ChargeID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]charge.ChargeRule, 0, len(ids))
	for _, id := range ids {
		rule, err := s.getRule(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		if rule != nil {
			result = append(result, *rule)
		}
	}
	return result, nil
}

// Create inserts a rule and its overrides atomically.
func (s *Store) Create(ctx context.Context, rule charge.ChargeRule) (charge.ChargeRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored *charge.ChargeRule
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO charges (name, currency_code, product_class, amount, timing, calculation,
				fee_frequency, fee_interval, fee_on_month_day, active, deleted, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rule.Name, rule.CurrencyCode, rule.ProductClass, rule.Amount.String(), rule.Timing,
			rule.Calculation, rule.FeeFrequency, rule.FeeInterval, monthDayValue(rule.FeeOnMonthDay),
			rule.Active, rule.Deleted, now, now,
		)
		if err != nil {
			return s.translateRuleError(rule, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		rule.ID = charge.ChargeID(id)

		for _, o := range rule.Overrides {
			if err := s.insertOverride(ctx, tx, rule.ID, o); err != nil {
				return err
			}
		}

		stored, err = s.getRule(ctx, tx, rule.ID)
		return err
	})
	if err != nil {
		return charge.ChargeRule{}, err
	}
	return *stored, nil
}

// Update stores next's scalar fields and applies plan in one transaction.
func (s *Store) Update(ctx context.Context, next charge.ChargeRule, plan charge.ReconcilePlan) (charge.ChargeRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored *charge.ChargeRule
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE charges SET name = ?, currency_code = ?, product_class = ?, amount = ?, timing = ?,
				calculation = ?, fee_frequency = ?, fee_interval = ?, fee_on_month_day = ?,
				active = ?, deleted = ?, updated_at = ?
			WHERE id = ?`,
			next.Name, next.CurrencyCode, next.ProductClass, next.Amount.String(), next.Timing,
			next.Calculation, next.FeeFrequency, next.FeeInterval, monthDayValue(next.FeeOnMonthDay),
			next.Active, next.Deleted, time.Now().UTC().Format(time.RFC3339), next.ID,
		)
		if err != nil {
			return s.translateRuleError(next, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &charge.NotFoundError{Entity: "charge", ID: int64(next.ID)}
		}

		// Removals first so that a payment method can move between overrides.
		for _, id := range plan.Remove {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM charge_payment_overrides WHERE id = ? AND charge_id = ?", id, next.ID,
			); err != nil {
				return fmt.Errorf("failed to remove override %d: %w", id, err)
			}
		}
		for _, u := range plan.Update {
			res, err := tx.ExecContext(ctx,
				"UPDATE charge_payment_overrides SET calculation = ?, amount = ? WHERE id = ? AND charge_id = ?",
				u.Calculation, u.Amount.String(), u.ID, next.ID,
			)
			if err != nil {
				return fmt.Errorf("failed to update override %d: %w", u.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return &charge.NotFoundError{Entity: "override", ID: int64(u.ID)}
			}
		}
		for _, o := range plan.Create {
			if err := s.insertOverride(ctx, tx, next.ID, o); err != nil {
				return err
			}
		}

		stored, err = s.getRule(ctx, tx, next.ID)
		return err
	})
	if err != nil {
		return charge.ChargeRule{}, err
	}
	return *stored, nil
}

func (s *Store) insertOverride(ctx context.Context, tx *sql.Tx, chargeID charge.ChargeID, o charge.PaymentOverride) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO charge_payment_overrides (charge_id, payment_method_id, calculation, amount) VALUES (?, ?, ?, ?)",
		chargeID, o.PaymentMethodID, o.Calculation, o.Amount.String(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &charge.DuplicateMappingError{ChargeID: chargeID, PaymentMethodID: o.PaymentMethodID}
		}
		if isForeignKeyError(err) {
			return &charge.NotFoundError{Entity: "payment method", ID: int64(o.PaymentMethodID)}
		}
		return fmt.Errorf("failed to insert override: %w", err)
	}
	return nil
}

func (s *Store) loadOverrides(ctx context.Context, q querier, chargeID charge.ChargeID) ([]charge.PaymentOverride, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, charge_id, payment_method_id, calculation, amount FROM charge_payment_overrides WHERE charge_id = ? ORDER BY id",
		chargeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load overrides: %w", err)
	}
	defer rows.Close()

	var result []charge.PaymentOverride
	for rows.Next() {
		var (
			o      charge.PaymentOverride
			amount string
		)
		if err := rows.Scan(&o.ID, &o.ChargeID, &o.PaymentMethodID, &o.Calculation, &amount); err != nil {
			return nil, err
		}
		if o.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("override %d amount: %w", o.ID, err)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (s *Store) translateRuleError(rule charge.ChargeRule, err error) error {
	if isUniqueConstraintError(err) && strings.Contains(err.Error(), "charges.name") {
		return charge.DuplicateNameError(rule.Name)
	}
	return fmt.Errorf("failed to write charge: %w", err)
}

func scanRule(row *sql.Row) (charge.ChargeRule, error) {
	var (
		r        charge.ChargeRule
		amount   string
		monthDay sql.NullString
	)
	err := row.Scan(&r.ID, &r.Name, &r.CurrencyCode, &r.ProductClass, &amount, &r.Timing,
		&r.Calculation, &r.FeeFrequency, &r.FeeInterval, &monthDay, &r.Active, &r.Deleted)
	if err != nil {
		return charge.ChargeRule{}, err
	}
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return charge.ChargeRule{}, fmt.Errorf("charge %d amount: %w", r.ID, err)
	}
	if r.FeeOnMonthDay, err = parseMonthDay(monthDay); err != nil {
		return charge.ChargeRule{}, err
	}
	return r, nil
}

// =============================================================================
// PAYMENT METHODS (charge.PaymentMethodStore interface)
// =============================================================================

func (s *Store) CreatePaymentMethod(ctx context.Context, pm charge.PaymentMethod) (charge.PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "INSERT INTO payment_methods (name, active) VALUES (?, ?)", pm.Name, pm.Active)
	if err != nil {
		if isUniqueConstraintError(err) {
			return charge.PaymentMethod{}, charge.ValidationErrors{{
				Parameter: "name",
				Code:      charge.KindDuplicateName,
				Message:   fmt.Sprintf("a payment method named %q already exists", pm.Name),
				Args:      []any{pm.Name},
			}}
		}
		return charge.PaymentMethod{}, fmt.Errorf("failed to create payment method: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return charge.PaymentMethod{}, err
	}
	pm.ID = charge.PaymentMethodID(id)
	return pm, nil
}

func (s *Store) GetPaymentMethod(ctx context.Context, id charge.PaymentMethodID) (*charge.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pm charge.PaymentMethod
	err := s.db.QueryRowContext(ctx, "SELECT id, name, active FROM payment_methods WHERE id = ?", id).
		Scan(&pm.ID, &pm.Name, &pm.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

func (s *Store) ListPaymentMethods(ctx context.Context) ([]charge.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, active FROM payment_methods ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []charge.PaymentMethod
	for rows.Next() {
		var pm charge.PaymentMethod
		if err := rows.Scan(&pm.ID, &pm.Name, &pm.Active); err != nil {
			return nil, err
		}
		result = append(result, pm)
	}
	return result, rows.Err()
}

// =============================================================================
// PRODUCT & ACCOUNT LINKS
// =============================================================================

// LinkProductCharge attaches a charge to a loan or savings product.
func (s *Store) LinkProductCharge(ctx context.Context, class charge.ProductClass, productID int64, chargeID charge.ChargeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := productTable(class)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO "+table+" (product_id, charge_id) VALUES (?, ?)", productID, chargeID)
	if isForeignKeyError(err) {
		return &charge.NotFoundError{Entity: "charge", ID: int64(chargeID)}
	}
	return err
}

// ProductCharges returns the charges linked to a product.
func (s *Store) ProductCharges(ctx context.Context, class charge.ProductClass, productID int64) ([]charge.ChargeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, err := productTable(class)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT charge_id FROM "+table+" WHERE product_id = ? ORDER BY charge_id", productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []charge.ChargeID
	for rows.Next() {
		var id charge.ChargeID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SavingsProductCharges implements savings.Store.
func (s *Store) SavingsProductCharges(ctx context.Context, productID int64) ([]charge.ChargeID, error) {
	return s.ProductCharges(ctx, charge.ProductSavings, productID)
}

// LinkLoanAccountCharge records that a loan account carries a charge.
func (s *Store) LinkLoanAccountCharge(ctx context.Context, accountID int64, chargeID charge.ChargeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO loan_account_charges (account_id, charge_id) VALUES (?, ?)", accountID, chargeID)
	if isForeignKeyError(err) {
		return &charge.NotFoundError{Entity: "charge", ID: int64(chargeID)}
	}
	return err
}

func productTable(class charge.ProductClass) (string, error) {
	switch class {
	case charge.ProductLoan:
		return "loan_product_charges", nil
	case charge.ProductSavings:
		return "savings_product_charges", nil
	}
	return "", fmt.Errorf("unknown product class %q", class)
}

// =============================================================================
// USAGE ORACLE (charge.UsageOracle interface)
// =============================================================================

func (s *Store) ReferencedByLoanAccounts(ctx context.Context, id charge.ChargeID) (bool, error) {
	return s.exists(ctx, "SELECT EXISTS(SELECT 1 FROM loan_account_charges WHERE charge_id = ?)", id)
}

func (s *Store) ReferencedBySavingsAccounts(ctx context.Context, id charge.ChargeID) (bool, error) {
	return s.exists(ctx, "SELECT EXISTS(SELECT 1 FROM savings_account_charges WHERE charge_id = ?)", id)
}

func (s *Store) ReferencedByLoanProducts(ctx context.Context, id charge.ChargeID) (bool, error) {
	return s.exists(ctx, "SELECT EXISTS(SELECT 1 FROM loan_product_charges WHERE charge_id = ?)", id)
}

func (s *Store) ReferencedBySavingsProducts(ctx context.Context, id charge.ChargeID) (bool, error) {
	return s.exists(ctx, "SELECT EXISTS(SELECT 1 FROM savings_product_charges WHERE charge_id = ?)", id)
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found bool
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&found); err != nil {
		return false, err
	}
	return found, nil
}

// =============================================================================
// SAVINGS ACCOUNT CHARGES (savings.Store interface)
// =============================================================================

const assignmentColumns = `id, account_id, charge_id, timing, calculation, amount, due_date,
	fee_on_month_day, fee_interval, status, currency_code, payment_method_id`

// SaveAssignments inserts all assignments in one transaction.
func (s *Store) SaveAssignments(ctx context.Context, as []savings.Assignment) ([]savings.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := make([]savings.Assignment, 0, len(as))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range as {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO savings_account_charges (account_id, charge_id, timing, calculation, amount,
					due_date, fee_on_month_day, fee_interval, status, currency_code, payment_method_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				a.AccountID, a.ChargeID, a.Timing, a.Calculation, a.Amount.String(),
				dateValue(a.DueDate), monthDayValue(a.FeeOnMonthDay), a.FeeInterval, a.Status,
				a.CurrencyCode, paymentMethodValue(a.PaymentMethodID),
			)
			if err != nil {
				return fmt.Errorf("failed to insert savings charge: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			a.ID = savings.AssignmentID(id)
			saved = append(saved, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Store) GetAssignment(ctx context.Context, id savings.AssignmentID) (*savings.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+assignmentColumns+" FROM savings_account_charges WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	a, err := scanAssignment(rows)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListAssignments(ctx context.Context, accountID savings.AccountID) ([]savings.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+assignmentColumns+" FROM savings_account_charges WHERE account_id = ? ORDER BY id", accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []savings.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) UpdateAssignment(ctx context.Context, a savings.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE savings_account_charges
		SET amount = ?, due_date = ?, fee_on_month_day = ?, fee_interval = ?, status = ?
		WHERE id = ?`,
		a.Amount.String(), dateValue(a.DueDate), monthDayValue(a.FeeOnMonthDay), a.FeeInterval, a.Status, a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update savings charge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &charge.NotFoundError{Entity: "savings charge", ID: int64(a.ID)}
	}
	return nil
}

func scanAssignment(rows *sql.Rows) (savings.Assignment, error) {
	var (
		a        savings.Assignment
		amount   string
		dueDate  sql.NullString
		monthDay sql.NullString
		pm       sql.NullInt64
	)
	err := rows.Scan(&a.ID, &a.AccountID, &a.ChargeID, &a.Timing, &a.Calculation, &amount,
		&dueDate, &monthDay, &a.FeeInterval, &a.Status, &a.CurrencyCode, &pm)
	if err != nil {
		return savings.Assignment{}, err
	}
	if a.Amount, err = decimal.NewFromString(amount); err != nil {
		return savings.Assignment{}, fmt.Errorf("savings charge %d amount: %w", a.ID, err)
	}
	if dueDate.Valid {
		d, err := time.Parse(time.DateOnly, dueDate.String)
		if err != nil {
			return savings.Assignment{}, fmt.Errorf("savings charge %d due date: %w", a.ID, err)
		}
		a.DueDate = &d
	}
	if a.FeeOnMonthDay, err = parseMonthDay(monthDay); err != nil {
		return savings.Assignment{}, err
	}
	if pm.Valid {
		id := charge.PaymentMethodID(pm.Int64)
		a.PaymentMethodID = &id
	}
	return a, nil
}

// =============================================================================
// AUDIT LOG (charge.AuditLog interface)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e charge.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_log (id, timestamp, action, charge_id, changes_json) VALUES (?, ?, ?, ?, ?)",
		e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Action, e.ChargeID, string(e.Changes),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, chargeID charge.ChargeID) ([]charge.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, timestamp, action, charge_id, changes_json FROM audit_log"
	var args []any
	if chargeID != 0 {
		query += " WHERE charge_id = ?"
		args = append(args, chargeID)
	}
	// ULIDs sort by creation time.
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []charge.AuditEntry
	for rows.Next() {
		var (
			e       charge.AuditEntry
			ts      string
			changes string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Action, &e.ChargeID, &changes); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Changes = json.RawMessage(changes)
		result = append(result, e)
	}
	return result, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// withTx runs fn in a database transaction. Callers hold s.mu.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func monthDayValue(md *charge.MonthDay) sql.NullString {
	if md == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: md.String(), Valid: true}
}

func parseMonthDay(v sql.NullString) (*charge.MonthDay, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	md, err := charge.ParseMonthDay(v.String)
	if err != nil {
		return nil, err
	}
	return &md, nil
}

func dateValue(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.DateOnly), Valid: true}
}

func paymentMethodValue(pm *charge.PaymentMethodID) sql.NullInt64 {
	if pm == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*pm), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
