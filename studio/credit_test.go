package studio_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/studio"
)

func TestBalance_UntouchedAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Balance(context.Background(), "u1", studio.CategoryGroup)
	assert.ErrorIs(t, err, studio.ErrAccountNotFound)
}

func TestDeduct_WithoutOverdraftStopsAtZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setBalance(t, "u1", studio.CategoryGroup, 1)

	b, err := f.engine.Deduct(ctx, "u1", studio.CategoryGroup, false)
	require.NoError(t, err)
	assert.Equal(t, 0, b)

	_, err = f.engine.Deduct(ctx, "u1", studio.CategoryGroup, false)
	assert.ErrorIs(t, err, studio.ErrOverdraftExceeded)
	assert.Equal(t, 0, f.balance(t, "u1", studio.CategoryGroup))
}

func TestDeduct_WithOverdraftStopsAtFloor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// The account is created lazily at 0.
	b, err := f.engine.Deduct(ctx, "u1", studio.CategoryGroup, true)
	require.NoError(t, err)
	assert.Equal(t, -1, b)

	b, err = f.engine.Deduct(ctx, "u1", studio.CategoryGroup, true)
	require.NoError(t, err)
	assert.Equal(t, -2, b)

	_, err = f.engine.Deduct(ctx, "u1", studio.CategoryGroup, true)
	assert.ErrorIs(t, err, studio.ErrOverdraftExceeded)
	assert.Equal(t, -2, f.balance(t, "u1", studio.CategoryGroup))
}

func TestRefund_IsUnconditional(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	b, err := f.engine.Refund(ctx, "u1", studio.CategoryPrivate)
	require.NoError(t, err)
	assert.Equal(t, 1, b)
}

func TestSetBalance_BypassesFloor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setBalance(t, "u1", studio.CategoryGroup, -5)
	assert.Equal(t, -5, f.balance(t, "u1", studio.CategoryGroup))

	b, err := f.engine.Refund(ctx, "u1", studio.CategoryGroup)
	require.NoError(t, err)
	assert.Equal(t, -4, b, "later operations work from the new baseline")

	_, err = f.engine.Deduct(ctx, "u1", studio.CategoryGroup, true)
	assert.ErrorIs(t, err, studio.ErrOverdraftExceeded)
}

func TestCredits_CategoriesAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.setBalance(t, "u1", studio.CategoryGroup, 3)
	f.setBalance(t, "u1", studio.CategoryPrivate, 1)

	_, err := f.engine.Deduct(context.Background(), "u1", studio.CategoryPrivate, false)
	require.NoError(t, err)

	assert.Equal(t, 3, f.balance(t, "u1", studio.CategoryGroup))
	assert.Equal(t, 0, f.balance(t, "u1", studio.CategoryPrivate))
}

func TestDeduct_ConcurrentNeverCrossesFloor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setBalance(t, "u1", studio.CategoryGroup, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Deduct(ctx, "u1", studio.CategoryGroup, false); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, 0, f.balance(t, "u1", studio.CategoryGroup))
}

func TestCredits_ValidateInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.Deduct(ctx, "", studio.CategoryGroup, false)
	assert.True(t, studio.IsValidation(err))

	err = f.engine.SetBalance(ctx, "u1", "vip", 3)
	var verr *studio.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.FieldErrors, "category")
}
