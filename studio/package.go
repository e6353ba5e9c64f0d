/*
package.go - Package (subscription) lifecycle

PURPOSE:
  Manages the packages that feed credit accounts. A user has a history of
  packages per category; at most one of them is active.

STATE MACHINE:
  ┌────────┐  cancel / deactivate / superseded / lapsed  ┌─────────┐
  │ active │ ──────────────────────────────────────────▶ │ expired │
  └────────┘ ◀────────────────────────────────────────── └─────────┘
                              renew

  Assign is not a transition: it always inserts a fresh active package
  and forces every prior active one of that category to expired.

CREDIT RULES:
  assign: balance = classesIncluded + min(balance, 0)
          (with OverrideBalance: balance = classesIncluded)
  renew:  balance += classesIncluded
  cancel: balance untouched
  deactivate(purge): balance = 0
  Status flips alone never credit.
*/
package studio

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type AssignRequest struct {
	UserID        UserID
	Category      Category
	TemplateID    TemplateID
	RenewalMonths int

	// OverrideBalance sets the balance to ClassesIncluded outright instead
	// of absorbing a negative carry-over.
	OverrideBalance bool

	// Amount paid; the template price when nil.
	Amount *decimal.Decimal
}

// =============================================================================
// TEMPLATES
// =============================================================================

func (e *Engine) SaveTemplate(ctx context.Context, t PackageTemplate) (*PackageTemplate, error) {
	verr := &ValidationError{}
	if t.ID == "" {
		verr.Add("id", "required")
	}
	if !t.Category.Valid() {
		verr.Add("category", "must be group or private")
	}
	if t.ClassesIncluded < 0 {
		verr.Add("classes_included", "must not be negative")
	}
	if t.ValidityMonths < MinRenewalMonths || t.ValidityMonths > MaxRenewalMonths {
		verr.Add("validity_months", fmt.Sprintf("must be between %d and %d", MinRenewalMonths, MaxRenewalMonths))
	}
	if t.Price.IsNegative() {
		verr.Add("price", "must not be negative")
	}
	if verr.HasErrors() {
		return nil, verr
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = e.now()
	}
	if err := e.store.SaveTemplate(ctx, t); err != nil {
		return nil, fmt.Errorf("save template: %w", err)
	}
	return &t, nil
}

func (e *Engine) GetTemplate(ctx context.Context, id TemplateID) (*PackageTemplate, error) {
	t, err := e.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	if t == nil {
		return nil, ErrTemplateNotFound
	}
	return t, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Assign gives the user a fresh active package and expires any other
// active package of the category.
func (e *Engine) Assign(ctx context.Context, req AssignRequest) (*Package, error) {
	if err := validateAccount(req.UserID, req.Category); err != nil {
		return nil, err
	}
	if req.TemplateID == "" {
		return nil, invalid("template_id", "required")
	}

	var pkg Package
	err := e.store.WithTx(ctx, func(s Store) error {
		tmpl, err := s.GetTemplate(ctx, req.TemplateID)
		if err != nil {
			return fmt.Errorf("get template: %w", err)
		}
		if tmpl == nil {
			return ErrTemplateNotFound
		}
		if tmpl.Category != req.Category {
			return invalid("category", "does not match the template category")
		}
		months, err := renewalMonths(req.RenewalMonths, tmpl.ValidityMonths)
		if err != nil {
			return err
		}

		if _, err := e.expireActiveIn(ctx, s, req.UserID, req.Category, ""); err != nil {
			return err
		}

		balance, err := currentBalance(ctx, s, req.UserID, req.Category)
		if err != nil {
			return err
		}
		newBalance := tmpl.ClassesIncluded + min(balance, 0)
		if req.OverrideBalance {
			newBalance = tmpl.ClassesIncluded
		}
		if err := s.PutBalance(ctx, req.UserID, req.Category, newBalance); err != nil {
			return fmt.Errorf("set balance: %w", err)
		}

		now := e.now()
		start := e.today()
		pkg = Package{
			ID:              PackageID(e.newID()),
			UserID:          req.UserID,
			Category:        req.Category,
			TemplateID:      tmpl.ID,
			ClassesIncluded: tmpl.ClassesIncluded,
			Unlimited:       tmpl.Unlimited,
			StartDate:       start,
			EndDate:         endDate(start, months),
			Status:          PackageActive,
			RenewalMonths:   months,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.InsertPackage(ctx, pkg); err != nil {
			return fmt.Errorf("insert package: %w", err)
		}
		return e.recordPurchaseIn(ctx, s, pkg, tmpl, req.Amount)
	})
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "package assigned",
		"package_id", pkg.ID, "user_id", pkg.UserID, "category", pkg.Category,
		"classes", pkg.ClassesIncluded, "end_date", pkg.EndDate.Format(DateLayout))
	e.observe(func(o Observer) { o.PackageTransition("assign", pkg.Category) })
	e.notify(ctx, "package_assigned", func(n Notifier) error { return n.PackageAssigned(ctx, pkg) })
	return &pkg, nil
}

// Renew reactivates an expired package for months (the package's own term
// when 0) and adds its classes onto the current balance.
func (e *Engine) Renew(ctx context.Context, id PackageID, months int) (*Package, error) {
	var pkg Package
	err := e.store.WithTx(ctx, func(s Store) error {
		p, err := s.GetPackage(ctx, id)
		if err != nil {
			return fmt.Errorf("get package: %w", err)
		}
		if p == nil {
			return ErrPackageNotFound
		}
		if p.Status != PackageExpired {
			return ErrNotExpired
		}

		tmpl, err := s.GetTemplate(ctx, p.TemplateID)
		if err != nil {
			return fmt.Errorf("get template: %w", err)
		}
		fallback := p.RenewalMonths
		classes := p.ClassesIncluded
		if tmpl != nil {
			fallback = tmpl.ValidityMonths
			classes = tmpl.ClassesIncluded
		}
		if months == 0 && p.RenewalMonths > 0 {
			months = p.RenewalMonths
		}
		months, err = renewalMonths(months, fallback)
		if err != nil {
			return err
		}

		if _, err := e.expireActiveIn(ctx, s, p.UserID, p.Category, p.ID); err != nil {
			return err
		}

		start := e.today()
		p.Status = PackageActive
		p.ClassesIncluded = classes
		p.StartDate = start
		p.EndDate = endDate(start, months)
		p.RenewalMonths = months
		p.UpdatedAt = e.now()
		if err := s.UpdatePackage(ctx, *p); err != nil {
			return fmt.Errorf("update package: %w", err)
		}
		if _, _, err := s.AdjustBalance(ctx, p.UserID, p.Category, classes, nil); err != nil {
			return fmt.Errorf("credit renewal: %w", err)
		}
		if tmpl != nil {
			if err := e.recordPurchaseIn(ctx, s, *p, tmpl, nil); err != nil {
				return err
			}
		}
		pkg = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.InfoContext(ctx, "package renewed", "package_id", pkg.ID, "months", pkg.RenewalMonths)
	e.observe(func(o Observer) { o.PackageTransition("renew", pkg.Category) })
	return &pkg, nil
}

// CancelPackage expires an active package. The balance is untouched.
func (e *Engine) CancelPackage(ctx context.Context, id PackageID) (*Package, error) {
	pkg, err := e.transition(ctx, id, func(s Store, p *Package) error {
		if p.Status != PackageActive {
			return ErrNotActive
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.observe(func(o Observer) { o.PackageTransition("cancel", pkg.Category) })
	return pkg, nil
}

// Deactivate expires the package; with purge the category balance is zeroed.
func (e *Engine) Deactivate(ctx context.Context, id PackageID, purge bool) (*Package, error) {
	pkg, err := e.transition(ctx, id, func(s Store, p *Package) error {
		if !purge {
			return nil
		}
		if err := s.PutBalance(ctx, p.UserID, p.Category, 0); err != nil {
			return fmt.Errorf("purge balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.InfoContext(ctx, "package deactivated", "package_id", id, "purge", purge)
	e.observe(func(o Observer) { o.PackageTransition("deactivate", pkg.Category) })
	return pkg, nil
}

// ExpireLapsed expires every active package whose end date is before asOf.
// Balances are untouched.
func (e *Engine) ExpireLapsed(ctx context.Context, asOf time.Time) (int, error) {
	asOf = DateOf(asOf, e.resolver.location())
	var n int
	err := e.store.WithTx(ctx, func(s Store) error {
		lapsed, err := s.LapsedPackages(ctx, asOf)
		if err != nil {
			return fmt.Errorf("list lapsed packages: %w", err)
		}
		now := e.now()
		for _, p := range lapsed {
			p.Status = PackageExpired
			p.UpdatedAt = now
			if err := s.UpdatePackage(ctx, p); err != nil {
				return fmt.Errorf("expire package %s: %w", p.ID, err)
			}
		}
		n = len(lapsed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.InfoContext(ctx, "lapsed packages expired", "count", n, "as_of", asOf.Format(DateLayout))
	}
	return n, nil
}

func (e *Engine) GetPackage(ctx context.Context, id PackageID) (*Package, error) {
	p, err := e.store.GetPackage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get package: %w", err)
	}
	if p == nil {
		return nil, ErrPackageNotFound
	}
	return p, nil
}

func (e *Engine) ListPackages(ctx context.Context, userID UserID) ([]Package, error) {
	if userID == "" {
		return nil, invalid("user_id", "required")
	}
	return e.store.ListPackages(ctx, userID)
}

// =============================================================================
// HELPERS
// =============================================================================

// transition loads a package, runs check, and flips it to expired.
func (e *Engine) transition(ctx context.Context, id PackageID, check func(Store, *Package) error) (*Package, error) {
	var pkg Package
	err := e.store.WithTx(ctx, func(s Store) error {
		p, err := s.GetPackage(ctx, id)
		if err != nil {
			return fmt.Errorf("get package: %w", err)
		}
		if p == nil {
			return ErrPackageNotFound
		}
		if err := check(s, p); err != nil {
			return err
		}
		p.Status = PackageExpired
		p.UpdatedAt = e.now()
		if err := s.UpdatePackage(ctx, *p); err != nil {
			return fmt.Errorf("update package: %w", err)
		}
		pkg = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

// expireActiveIn expires every active package of (user, category) except
// keep. At most one should exist; all are expired regardless.
func (e *Engine) expireActiveIn(ctx context.Context, s Store, userID UserID, category Category, keep PackageID) (int, error) {
	active, err := s.ActivePackages(ctx, userID, category)
	if err != nil {
		return 0, fmt.Errorf("list active packages: %w", err)
	}
	n := 0
	now := e.now()
	for _, p := range active {
		if p.ID == keep {
			continue
		}
		p.Status = PackageExpired
		p.UpdatedAt = now
		if err := s.UpdatePackage(ctx, p); err != nil {
			return n, fmt.Errorf("expire package %s: %w", p.ID, err)
		}
		n++
	}
	if len(active) > 1 {
		e.log.WarnContext(ctx, "multiple active packages found",
			"user_id", userID, "category", category, "count", len(active))
	}
	return n, nil
}

func (e *Engine) recordPurchaseIn(ctx context.Context, s Store, p Package, tmpl *PackageTemplate, amount *decimal.Decimal) error {
	paid := tmpl.Price
	if amount != nil {
		paid = *amount
	}
	if err := s.InsertPurchase(ctx, Purchase{
		ID:          e.newID(),
		UserID:      p.UserID,
		PackageID:   p.ID,
		TemplateID:  tmpl.ID,
		Amount:      paid,
		PurchasedAt: e.now(),
	}); err != nil {
		return fmt.Errorf("record purchase: %w", err)
	}
	return nil
}

func renewalMonths(requested, fallback int) (int, error) {
	months := requested
	if months == 0 {
		months = fallback
	}
	if months < MinRenewalMonths || months > MaxRenewalMonths {
		return 0, invalid("renewal_months", fmt.Sprintf("must be between %d and %d", MinRenewalMonths, MaxRenewalMonths))
	}
	return months, nil
}

// endDate is the last day of a term of months starting on start.
func endDate(start time.Time, months int) time.Time {
	return start.AddDate(0, months, -1)
}
