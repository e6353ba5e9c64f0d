package studio

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// CLASS ADMINISTRATION
// =============================================================================
// Classes belong to the scheduling subsystem; these are the operations it
// calls so the engine sees consistent definitions.

// SaveClass validates and stores a class definition.
func (e *Engine) SaveClass(ctx context.Context, def ClassDefinition) (*ClassDefinition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	now := e.now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	var saved *ClassDefinition
	err := e.store.WithTx(ctx, func(s Store) error {
		if err := s.SaveClass(ctx, def); err != nil {
			return fmt.Errorf("save class: %w", err)
		}
		cls, err := s.GetClass(ctx, def.ID)
		if err != nil {
			return fmt.Errorf("get class: %w", err)
		}
		if cls == nil {
			return ErrClassNotFound
		}
		saved = cls
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (e *Engine) GetClass(ctx context.Context, id ClassID) (*ClassDefinition, error) {
	cls, err := e.store.GetClass(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get class: %w", err)
	}
	if cls == nil {
		return nil, ErrClassNotFound
	}
	return cls, nil
}

// DeleteClass removes the class with its bookings, attendance and
// cancelled occurrences. Credits are not refunded.
func (e *Engine) DeleteClass(ctx context.Context, id ClassID) error {
	return e.store.WithTx(ctx, func(s Store) error {
		cls, err := s.GetClass(ctx, id)
		if err != nil {
			return fmt.Errorf("get class: %w", err)
		}
		if cls == nil {
			return ErrClassNotFound
		}
		return s.DeleteClass(ctx, id)
	})
}

// CancelOccurrence withdraws one date of a recurring class from booking.
// Existing bookings on that date are left in place; the count of them is
// returned so the caller can follow up.
func (e *Engine) CancelOccurrence(ctx context.Context, id ClassID, date time.Time, reason string) (int, error) {
	date = DateOf(date, time.UTC)
	var dangling int
	err := e.store.WithTx(ctx, func(s Store) error {
		cls, err := s.GetClass(ctx, id)
		if err != nil {
			return fmt.Errorf("get class: %w", err)
		}
		if cls == nil {
			return ErrClassNotFound
		}
		if !cls.IsRecurring() {
			return invalid("class_id", "only recurring classes have cancellable occurrences")
		}
		if !e.resolver.IsValidOccurrence(*cls, date, nil) {
			return ErrInvalidOccurrence
		}
		if err := s.SaveCancelledOccurrence(ctx, CancelledOccurrence{
			ClassID:   id,
			Date:      date,
			Reason:    reason,
			CreatedAt: e.now(),
		}); err != nil {
			return fmt.Errorf("save cancelled occurrence: %w", err)
		}
		active, err := s.ActiveBookings(ctx, id, &date)
		if err != nil {
			return fmt.Errorf("list bookings: %w", err)
		}
		dangling = len(active)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if dangling > 0 {
		e.log.WarnContext(ctx, "occurrence cancelled with active bookings",
			"class_id", id, "occurrence", date.Format(DateLayout), "bookings", dangling)
	}
	return dangling, nil
}

// Occurrences expands the class over [from, to].
func (e *Engine) Occurrences(ctx context.Context, id ClassID, from, to time.Time) ([]Occurrence, error) {
	cls, err := e.GetClass(ctx, id)
	if err != nil {
		return nil, err
	}
	cancelled, err := e.store.CancelledOccurrences(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load cancelled occurrences: %w", err)
	}
	return e.resolver.Expand(*cls, from, to, NewCancelledSet(cancelled...)), nil
}
