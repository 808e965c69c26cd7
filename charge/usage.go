package charge

import (
	"context"
	"fmt"
)

// UsageOracle answers whether a rule is referenced elsewhere. Answers are
// point-in-time; implementations must not cache them across mutations.
type UsageOracle interface {
	ReferencedByLoanAccounts(ctx context.Context, id ChargeID) (bool, error)
	ReferencedBySavingsAccounts(ctx context.Context, id ChargeID) (bool, error)
	ReferencedByLoanProducts(ctx context.Context, id ChargeID) (bool, error)
	ReferencedBySavingsProducts(ctx context.Context, id ChargeID) (bool, error)
}

// Usage is the combined answer of the four predicates.
type Usage struct {
	LoanAccounts    bool
	SavingsAccounts bool
	LoanProducts    bool
	SavingsProducts bool
}

func (u Usage) AnyAccount() bool { return u.LoanAccounts || u.SavingsAccounts }
func (u Usage) AnyProduct() bool { return u.LoanProducts || u.SavingsProducts }
func (u Usage) Any() bool        { return u.AnyAccount() || u.AnyProduct() }

// QueryUsage asks all four predicates.
func QueryUsage(ctx context.Context, oracle UsageOracle, id ChargeID) (Usage, error) {
	var (
		u   Usage
		err error
	)
	if u.LoanAccounts, err = oracle.ReferencedByLoanAccounts(ctx, id); err != nil {
		return Usage{}, fmt.Errorf("loan account usage: %w", err)
	}
	if u.SavingsAccounts, err = oracle.ReferencedBySavingsAccounts(ctx, id); err != nil {
		return Usage{}, fmt.Errorf("savings account usage: %w", err)
	}
	if u.LoanProducts, err = oracle.ReferencedByLoanProducts(ctx, id); err != nil {
		return Usage{}, fmt.Errorf("loan product usage: %w", err)
	}
	if u.SavingsProducts, err = oracle.ReferencedBySavingsProducts(ctx, id); err != nil {
		return Usage{}, fmt.Errorf("savings product usage: %w", err)
	}
	return u, nil
}
