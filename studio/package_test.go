package studio_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/studio"
)

func TestAssign_AbsorbsNegativeCarryOver(t *testing.T) {
	// GIVEN: a user who overdrew by one
	ctx := context.Background()
	f := newFixture(t)
	f.template(t, "ten-pack", 10, "120.00")
	f.setBalance(t, "u1", studio.CategoryGroup, -1)

	// WHEN
	pkg, err := f.engine.Assign(ctx, studio.AssignRequest{UserID: "u1", Category: studio.CategoryGroup, TemplateID: "ten-pack"})
	require.NoError(t, err)

	// THEN: the debt comes out of the new package
	assert.Equal(t, 9, f.balance(t, "u1", studio.CategoryGroup))
	assert.Equal(t, studio.PackageActive, pkg.Status)
	assert.Equal(t, monday, pkg.StartDate)
	assert.Equal(t, studio.NewDate(2026, time.November, 11), pkg.EndDate)
	assert.Equal(t, 1, pkg.RenewalMonths)
	assert.Len(t, f.notifier.assigned, 1)

	purchases := f.store.Purchases("u1")
	require.Len(t, purchases, 1)
	assert.True(t, decimal.RequireFromString("120").Equal(purchases[0].Amount))
}

func TestAssign_SupersedesActivePackage(t *testing.T) {
	// GIVEN: package A active with classes left
	ctx := context.Background()
	f := newFixture(t)
	f.template(t, "A", 8, "90")
	f.template(t, "B", 4, "50")

	a, err := f.engine.Assign(ctx, studio.AssignRequest{UserID: "u1", Category: studio.CategoryGroup, TemplateID: "A"})
	require.NoError(t, err)
	assert.Equal(t, 8, f.balance(t, "u1", studio.CategoryGroup))

	// WHEN: B is assigned
	b, err := f.engine.Assign(ctx, studio.AssignRequest{UserID: "u1", Category: studio.CategoryGroup, TemplateID: "B"})
	require.NoError(t, err)

	// THEN: A is expired, only B is active, positive balance does not carry
	old, err := f.engine.GetPackage(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, studio.PackageExpired, old.Status)

	all, err := f.engine.ListPackages(ctx, "u1")
	require.NoError(t, err)
	active := 0
	for _, p := range all {
		if p.Status == studio.PackageActive {
			active++
			assert.Equal(t, b.ID, p.ID)
		}
	}
	assert.Equal(t, 1, active)
	assert.Equal(t, 4, f.balance(t, "u1", studio.CategoryGroup))
}

func TestAssign_OverrideBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.template(t, "ten-pack", 10, "120")
	f.setBalance(t, "u1", studio.CategoryGroup, -2)
	paid := decimal.RequireFromString("99.50")

	_, err := f.engine.Assign(ctx, studio.AssignRequest{
		UserID:          "u1",
		Category:        studio.CategoryGroup,
		TemplateID:      "ten-pack",
		OverrideBalance: true,
		Amount:          &paid,
	})
	require.NoError(t, err)

	assert.Equal(t, 10, f.balance(t, "u1", studio.CategoryGroup))
	purchases := f.store.Purchases("u1")
	require.Len(t, purchases, 1)
	assert.True(t, paid.Equal(purchases[0].Amount))
}

func TestAssign_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.template(t, "ten-pack", 10, "120")

	_, err := f.engine.Assign(ctx, studio.AssignRequest{UserID: "u1", Category: studio.CategoryGroup, TemplateID: "missing"})
	assert.ErrorIs(t, err, studio.ErrTemplateNotFound)

	_, err = f.engine.Assign(ctx, studio.AssignRequest{UserID: "u1", Category: studio.CategoryPrivate, TemplateID: "ten-pack"})
	assert.True(t, studio.IsValidation(err), "template category must match")

	_, err = f.engine.Assign(ctx, studio.AssignRequest{UserID: "u1", Category: studio.CategoryGroup, TemplateID: "ten-pack", RenewalMonths: 1000})
	assert.True(t, studio.IsValidation(err))

	_, err = f.engine.Balance(ctx, "u1", studio.CategoryGroup)
	assert.ErrorIs(t, err, studio.ErrAccountNotFound, "failed assigns leave nothing behind")
}

func TestRenew_AddsClassesToBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.template(t, "ten-pack", 10, "120")
	pkg, err := f.engine.Assign(ctx, studio.AssignRequest{UserID: "u1", Category: studio.CategoryGroup, TemplateID: "ten-pack"})
	require.NoError(t, err)
	f.setBalance(t, "u1", studio.CategoryGroup, 3)

	_, err = f.engine.Renew(ctx, pkg.ID, 0)
	assert.ErrorIs(t, err, studio.ErrNotExpired)

	_, err = f.engine.CancelPackage(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, f.balance(t, "u1", studio.CategoryGroup), "cancel leaves the balance")

	f.clock.Set(time.Date(2026, time.November, 2, 9, 0, 0, 0, time.UTC))
	renewed, err := f.engine.Renew(ctx, pkg.ID, 3)
	require.NoError(t, err)

	assert.Equal(t, studio.PackageActive, renewed.Status)
	assert.Equal(t, studio.NewDate(2026, time.November, 2), renewed.StartDate)
	assert.Equal(t, studio.NewDate(2027, time.February, 1), renewed.EndDate)
	assert.Equal(t, 3, renewed.RenewalMonths)
	assert.Equal(t, 13, f.balance(t, "u1", studio.CategoryGroup))
	assert.Len(t, f.store.Purchases("u1"), 2)
}

func TestRenew_ExpiresOtherActivePackage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.template(t, "A", 8, "90")
	f.template(t, "B", 4, "50")
	a, err := f.engine.Assign(ctx, studio.AssignRequest{UserID: "u1", Category: studio.CategoryGroup, TemplateID: "A"})
	require.NoError(t, err)
	b, err := f.engine.Assign(ctx, studio.AssignRequest{UserID: "u1", Category: studio.CategoryGroup, TemplateID: "B"})
	require.NoError(t, err)

	_, err = f.engine.Renew(ctx, a.ID, 0)
	require.NoError(t, err)

	got, err := f.engine.GetPackage(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, studio.PackageExpired, got.Status)
}

func TestCancelPackage_RequiresActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.template(t, "ten-pack", 10, "120")
	pkg, err := f.engine.Assign(ctx, studio.AssignRequest{UserID: "u1", Category: studio.CategoryGroup, TemplateID: "ten-pack"})
	require.NoError(t, err)

	_, err = f.engine.CancelPackage(ctx, pkg.ID)
	require.NoError(t, err)
	_, err = f.engine.CancelPackage(ctx, pkg.ID)
	assert.ErrorIs(t, err, studio.ErrNotActive)

	_, err = f.engine.CancelPackage(ctx, "missing")
	assert.ErrorIs(t, err, studio.ErrPackageNotFound)
}

func TestDeactivate_Purge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.template(t, "ten-pack", 10, "120")
	pkg, err := f.engine.Assign(ctx, studio.AssignRequest{UserID: "u1", Category: studio.CategoryGroup, TemplateID: "ten-pack"})
	require.NoError(t, err)

	got, err := f.engine.Deactivate(ctx, pkg.ID, false)
	require.NoError(t, err)
	assert.Equal(t, studio.PackageExpired, got.Status)
	assert.Equal(t, 10, f.balance(t, "u1", studio.CategoryGroup))

	_, err = f.engine.Deactivate(ctx, pkg.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 0, f.balance(t, "u1", studio.CategoryGroup))
}

func TestExpireLapsed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.template(t, "ten-pack", 10, "120")
	pkg, err := f.engine.Assign(ctx, studio.AssignRequest{UserID: "u1", Category: studio.CategoryGroup, TemplateID: "ten-pack"})
	require.NoError(t, err)

	// The end date itself is still inside the term.
	n, err := f.engine.ExpireLapsed(ctx, pkg.EndDate)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.engine.ExpireLapsed(ctx, pkg.EndDate.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.engine.GetPackage(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, studio.PackageExpired, got.Status)
	assert.Equal(t, 10, f.balance(t, "u1", studio.CategoryGroup), "lapsing keeps the balance")
}

func TestSaveTemplate_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SaveTemplate(context.Background(), studio.PackageTemplate{
		ID:             "bad",
		Category:       studio.CategoryGroup,
		ValidityMonths: 0,
		Price:          decimal.NewFromInt(-1),
	})
	var verr *studio.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.FieldErrors, "validity_months")
	assert.Contains(t, verr.FieldErrors, "price")
}
