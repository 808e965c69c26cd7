package factory

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/charge-engine/charge"
)

// =============================================================================
// SEED CATALOG - payment methods and charge rules loaded at startup
// =============================================================================

// Catalog is a YAML seed file:
//
//	payment_methods:
//	  - name: cash
//	charges:
//	  - name: Cash withdrawal
//	    currency_code: USD
//	    product_class: savings
//	    amount: "2.00"
//	    timing_kind: withdrawal_fee
//	    calculation_kind: flat
//	    overrides:
//	      - payment_method: cash
//	        calculation_kind: percent_of_amount
//	        amount: "1.5"
//	    products: [1]
//
// Amounts are strings so YAML never parses them as floats.
type Catalog struct {
	PaymentMethods []CatalogPaymentMethod `yaml:"payment_methods"`
	Charges        []CatalogCharge        `yaml:"charges"`
}

type CatalogPaymentMethod struct {
	Name     string `yaml:"name"`
	Inactive bool   `yaml:"inactive"`
}

type CatalogCharge struct {
	Name            string            `yaml:"name"`
	CurrencyCode    string            `yaml:"currency_code"`
	ProductClass    string            `yaml:"product_class"`
	Amount          string            `yaml:"amount"`
	TimingKind      string            `yaml:"timing_kind"`
	CalculationKind string            `yaml:"calculation_kind"`
	FeeFrequency    string            `yaml:"fee_frequency"`
	FeeInterval     int               `yaml:"fee_interval"`
	FeeOnMonthDay   string            `yaml:"fee_on_month_day"`
	Inactive        bool              `yaml:"inactive"`
	Overrides       []CatalogOverride `yaml:"overrides"`
	Products        []int64           `yaml:"products"`
}

// CatalogOverride refers to its payment method by name.
type CatalogOverride struct {
	PaymentMethod   string `yaml:"payment_method"`
	CalculationKind string `yaml:"calculation_kind"`
	Amount          string `yaml:"amount"`
}

// LoadCatalog reads a YAML catalog from disk.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	return c, nil
}

// ProductLinker attaches charges to products. Optional.
type ProductLinker interface {
	LinkProductCharge(ctx context.Context, class charge.ProductClass, productID int64, chargeID charge.ChargeID) error
}

// SeedResult counts what Apply created.
type SeedResult struct {
	PaymentMethods int
	Charges        int
}

// Apply creates the catalog's payment methods and charges. Entries whose
// name already exists are skipped, so a catalog can be applied on every
// start.
func (c Catalog) Apply(ctx context.Context, svc *charge.Service, methods charge.PaymentMethodStore, linker ProductLinker) (SeedResult, error) {
	var res SeedResult

	existingPMs, err := methods.ListPaymentMethods(ctx)
	if err != nil {
		return res, err
	}
	pmByName := make(map[string]charge.PaymentMethodID, len(existingPMs))
	for _, pm := range existingPMs {
		pmByName[pm.Name] = pm.ID
	}
	for _, p := range c.PaymentMethods {
		if _, ok := pmByName[p.Name]; ok {
			continue
		}
		pm, err := methods.CreatePaymentMethod(ctx, charge.PaymentMethod{Name: p.Name, Active: !p.Inactive})
		if err != nil {
			return res, fmt.Errorf("payment method %q: %w", p.Name, err)
		}
		pmByName[pm.Name] = pm.ID
		res.PaymentMethods++
	}

	existing, err := svc.List(ctx, false)
	if err != nil {
		return res, err
	}
	ruleNames := make(map[string]bool, len(existing))
	for _, r := range existing {
		ruleNames[r.Name] = true
	}

	for _, cc := range c.Charges {
		if ruleNames[cc.Name] {
			continue
		}
		cmd, err := cc.command(pmByName)
		if err != nil {
			return res, fmt.Errorf("charge %q: %w", cc.Name, err)
		}
		created, err := svc.Create(ctx, cmd)
		if err != nil {
			return res, fmt.Errorf("charge %q: %w", cc.Name, err)
		}
		res.Charges++

		if linker == nil {
			continue
		}
		for _, productID := range cc.Products {
			if err := linker.LinkProductCharge(ctx, created.Rule.ProductClass, productID, created.EntityID); err != nil {
				return res, fmt.Errorf("charge %q product %d: %w", cc.Name, productID, err)
			}
		}
	}
	return res, nil
}

func (cc CatalogCharge) command(pmByName map[string]charge.PaymentMethodID) (charge.CreateCommand, error) {
	amount, err := decimal.NewFromString(cc.Amount)
	if err != nil {
		return charge.CreateCommand{}, fmt.Errorf("amount %q: %w", cc.Amount, err)
	}

	in := CreateJSON{
		Name:            cc.Name,
		CurrencyCode:    cc.CurrencyCode,
		ProductClass:    cc.ProductClass,
		Amount:          amount,
		TimingKind:      cc.TimingKind,
		CalculationKind: cc.CalculationKind,
		FeeFrequency:    cc.FeeFrequency,
		FeeInterval:     cc.FeeInterval,
	}
	if cc.FeeOnMonthDay != "" {
		md := cc.FeeOnMonthDay
		in.FeeOnMonthDay = &md
	}
	if cc.Inactive {
		active := false
		in.Active = &active
	}
	for _, o := range cc.Overrides {
		pm, ok := pmByName[o.PaymentMethod]
		if !ok {
			return charge.CreateCommand{}, fmt.Errorf("unknown payment method %q", o.PaymentMethod)
		}
		oa, err := decimal.NewFromString(o.Amount)
		if err != nil {
			return charge.CreateCommand{}, fmt.Errorf("override amount %q: %w", o.Amount, err)
		}
		in.Overrides = append(in.Overrides, OverrideJSON{
			PaymentMethodID: int64(pm),
			CalculationKind: o.CalculationKind,
			Amount:          oa,
		})
	}
	return in.Command()
}
