/*
credit.go - Per (user, category) credit accounts

PURPOSE:
  A credit account is a plain integer balance of bookable classes. It is
  changed only through deduct, refund and the privileged set; there is no
  direct write path.

INVARIANT:
  balance >= -MaxOverdraft (default -2) after every committed self-service
  operation. SetBalance is the only way below the floor and is reserved
  for admin edits and package purges.

ATOMICITY:
  Every change is a single conditional update in the store:
    UPDATE credit_accounts SET balance = balance - 1
    WHERE user_id = ? AND category = ? AND balance - 1 >= floor
  so two instances deducting at once can never both pass the floor check.

LAZY ACCOUNTS:
  The first deduct, refund or set creates the row at 0. Reading a
  never-touched account returns ErrAccountNotFound.
*/
package studio

import (
	"context"
	"fmt"
)

// Deduct removes one credit. The floor is -MaxOverdraft when allowOverdraft
// is set and 0 otherwise. Returns ErrOverdraftExceeded at the floor.
func (e *Engine) Deduct(ctx context.Context, userID UserID, category Category, allowOverdraft bool) (int, error) {
	if err := validateAccount(userID, category); err != nil {
		return 0, err
	}
	var balance int
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		balance, err = e.deductIn(ctx, s, userID, category, allowOverdraft)
		return err
	})
	if err != nil {
		return 0, err
	}
	e.observe(func(o Observer) { o.CreditChanged("deduct", category) })
	return balance, nil
}

// Refund adds one credit, unconditionally.
func (e *Engine) Refund(ctx context.Context, userID UserID, category Category) (int, error) {
	if err := validateAccount(userID, category); err != nil {
		return 0, err
	}
	var balance int
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		balance, err = refundIn(ctx, s, userID, category)
		return err
	})
	if err != nil {
		return 0, err
	}
	e.observe(func(o Observer) { o.CreditChanged("refund", category) })
	return balance, nil
}

// SetBalance overwrites the balance, bypassing the overdraft floor.
// Subsequent deducts and refunds work from the new baseline.
func (e *Engine) SetBalance(ctx context.Context, userID UserID, category Category, value int) error {
	if err := validateAccount(userID, category); err != nil {
		return err
	}
	if err := e.store.PutBalance(ctx, userID, category, value); err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	e.log.InfoContext(ctx, "balance overridden", "user_id", userID, "category", category, "balance", value)
	e.observe(func(o Observer) { o.CreditChanged("set", category) })
	return nil
}

// Balance reads the current balance.
func (e *Engine) Balance(ctx context.Context, userID UserID, category Category) (int, error) {
	if err := validateAccount(userID, category); err != nil {
		return 0, err
	}
	balance, found, err := e.store.GetBalance(ctx, userID, category)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	if !found {
		return 0, ErrAccountNotFound
	}
	return balance, nil
}

// =============================================================================
// IN-TRANSACTION HELPERS
// =============================================================================

func (e *Engine) deductIn(ctx context.Context, s Store, userID UserID, category Category, allowOverdraft bool) (int, error) {
	floor := 0
	if allowOverdraft {
		floor = e.policy.Floor()
	}
	balance, applied, err := s.AdjustBalance(ctx, userID, category, -1, &floor)
	if err != nil {
		return 0, fmt.Errorf("deduct credit: %w", err)
	}
	if !applied {
		return balance, ErrOverdraftExceeded
	}
	return balance, nil
}

func refundIn(ctx context.Context, s Store, userID UserID, category Category) (int, error) {
	balance, _, err := s.AdjustBalance(ctx, userID, category, 1, nil)
	if err != nil {
		return 0, fmt.Errorf("refund credit: %w", err)
	}
	return balance, nil
}

func currentBalance(ctx context.Context, s Store, userID UserID, category Category) (int, error) {
	balance, _, err := s.GetBalance(ctx, userID, category)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func validateAccount(userID UserID, category Category) error {
	verr := &ValidationError{}
	if userID == "" {
		verr.Add("user_id", "required")
	}
	if !category.Valid() {
		verr.Add("category", "must be group or private")
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}
