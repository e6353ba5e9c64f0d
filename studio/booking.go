/*
booking.go - The booking ledger: reserve, cancel, roster sync

PURPOSE:
  Holds one seat per (class, occurrence, user) and keeps the credit
  account in step with it. Every operation is one store transaction so a
  capacity check, a duplicate check, a balance check and the writes that
  follow them can't interleave with another instance.

RESERVE FLOW:
  resolve class ──▶ valid occurrence? ──▶ seat free? ──▶ not booked?
       ──▶ balance check (two-phase overdraft) ──▶ claim seat
       ──▶ insert booking ──▶ deduct credit (floor -MaxOverdraft)

  Balance check:
    balance - 1 < floor           → ErrMaxOverdraftReached (no override)
    balance <= 0, not confirmed   → OverdraftWarningError{current, would-be}
    otherwise                     → proceed

CANCEL FLOW:
  minutes to start <= LateCancelWindow:
    status cancelled, late_cancellation, late_cancel attendance, NO refund;
    a private class is cancelled with its sole client
  otherwise:
    status cancelled, refund if credit was deducted, release the seat

ROSTER SYNC:
  Reconciles an admin's desired attendee list against active bookings.
  Removed users are cancelled without the late check and refunded only if
  their booking deducted. Added users get a best-effort deduction; when it
  fails the seat is still created with CreditDeducted=false.

SEE ALSO:
  - occurrence.go: validity rules
  - credit.go: deduct/refund helpers
  - attendance.go: late_cancel records
*/
package studio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// REQUEST / RESULT TYPES
// =============================================================================

type ReserveRequest struct {
	UserID  UserID
	ClassID ClassID

	// OccurrenceDate is required for recurring classes and optional for
	// single-date ones (it must then match the class date).
	OccurrenceDate *time.Time

	// ConfirmOverdraft is the second phase of the overdraft warning.
	ConfirmOverdraft bool
}

type Reservation struct {
	Booking Booking
	Balance int
}

type CancelResult struct {
	Booking          Booking
	Refunded         bool
	LateCancellation bool
}

type RosterDiff struct {
	Added           []UserID
	Removed         []UserID
	Refunded        []UserID
	DeductionFailed []UserID
	SeatCount       int
}

// =============================================================================
// RESERVE
// =============================================================================

// Reserve books one seat for the user on the occurrence and deducts one
// credit from the class category.
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if req.UserID == "" {
		return nil, invalid("user_id", "required")
	}
	if req.ClassID == "" {
		return nil, invalid("class_id", "required")
	}

	var res Reservation
	err := e.store.WithTx(ctx, func(s Store) error {
		cls, occurrence, err := e.resolveOccurrence(ctx, s, req.ClassID, req.OccurrenceDate)
		if err != nil {
			return err
		}

		held, err := s.SeatCount(ctx, cls.ID, occurrence)
		if err != nil {
			return fmt.Errorf("count seats: %w", err)
		}
		if held >= cls.Capacity {
			return &ClassFullError{ClassID: cls.ID, Capacity: cls.Capacity}
		}

		existing, err := s.ActiveBooking(ctx, cls.ID, occurrence, req.UserID)
		if err != nil {
			return fmt.Errorf("find booking: %w", err)
		}
		if existing != nil {
			return ErrAlreadyBooked
		}

		balance, err := currentBalance(ctx, s, req.UserID, cls.Category)
		if err != nil {
			return err
		}
		wouldBe := balance - 1
		if wouldBe < e.policy.Floor() {
			return ErrMaxOverdraftReached
		}
		if balance <= 0 && !req.ConfirmOverdraft {
			return &OverdraftWarningError{CurrentBalance: balance, WouldBeBalance: wouldBe}
		}

		claimed, err := s.ClaimSeat(ctx, cls.ID, occurrence, cls.Capacity)
		if err != nil {
			return fmt.Errorf("claim seat: %w", err)
		}
		if !claimed {
			return &ClassFullError{ClassID: cls.ID, Capacity: cls.Capacity}
		}

		now := e.now()
		booking := Booking{
			ID:             BookingID(e.newID()),
			ClassID:        cls.ID,
			UserID:         req.UserID,
			OccurrenceDate: occurrence,
			Status:         BookingConfirmed,
			CreditDeducted: true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.InsertBooking(ctx, booking); err != nil {
			return err
		}

		balance, err = e.deductIn(ctx, s, req.UserID, cls.Category, true)
		if errors.Is(err, ErrOverdraftExceeded) {
			return ErrMaxOverdraftReached
		}
		if err != nil {
			return err
		}

		res = Reservation{Booking: booking, Balance: balance}
		return nil
	})

	e.observe(func(o Observer) { o.ReservationAttempted(reserveOutcome(err)) })
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "booking confirmed",
		"booking_id", res.Booking.ID,
		"class_id", res.Booking.ClassID,
		"user_id", res.Booking.UserID,
		"occurrence", FormatDate(res.Booking.OccurrenceDate),
		"balance", res.Balance,
	)
	e.notify(ctx, "booking_confirmed", func(n Notifier) error { return n.BookingConfirmed(ctx, res.Booking) })
	return &res, nil
}

func reserveOutcome(err error) string {
	switch {
	case err == nil:
		return "confirmed"
	case errors.Is(err, ErrClassFull):
		return "class_full"
	case errors.Is(err, ErrAlreadyBooked):
		return "already_booked"
	case errors.Is(err, ErrOverdraftWarning):
		return "overdraft_warning"
	case errors.Is(err, ErrMaxOverdraftReached):
		return "max_overdraft"
	case errors.Is(err, ErrInvalidOccurrence):
		return "invalid_occurrence"
	case IsNotFound(err):
		return "not_found"
	case IsValidation(err):
		return "invalid"
	default:
		return "error"
	}
}

// resolveOccurrence loads the class and returns the occurrence key used by
// bookings and seat counters: the date for recurring classes, nil otherwise.
// A cancelled class or occurrence is refused.
func (e *Engine) resolveOccurrence(ctx context.Context, s Store, classID ClassID, date *time.Time) (*ClassDefinition, *time.Time, error) {
	cls, occurrence, cancelled, err := e.lookupOccurrence(ctx, s, classID, date)
	if err != nil {
		return nil, nil, err
	}
	if cancelled != nil {
		return nil, nil, cancelled
	}
	return cls, occurrence, nil
}

// lookupOccurrence is resolveOccurrence for callers that may act on a
// cancelled occurrence. cancelled carries ErrClassCanceled or
// ErrInvalidOccurrence when the date is on the schedule but cancelled.
func (e *Engine) lookupOccurrence(ctx context.Context, s Store, classID ClassID, date *time.Time) (cls *ClassDefinition, occurrence *time.Time, cancelled error, err error) {
	cls, err = s.GetClass(ctx, classID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("get class: %w", err)
	}
	if cls == nil {
		return nil, nil, nil, ErrClassNotFound
	}
	if cls.Status == ClassCancelled {
		cancelled = ErrClassCanceled
	}

	if !cls.IsRecurring() {
		if date != nil && !e.resolver.IsValidOccurrence(*cls, *date, nil) {
			return nil, nil, nil, ErrInvalidOccurrence
		}
		return cls, nil, cancelled, nil
	}

	if date == nil {
		return nil, nil, nil, invalid("occurrence_date", "required for recurring classes")
	}
	d := DateOf(*date, time.UTC)
	if !e.resolver.IsValidOccurrence(*cls, d, nil) {
		return nil, nil, nil, ErrInvalidOccurrence
	}
	if cancelled == nil {
		dates, err := s.CancelledOccurrences(ctx, cls.ID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load cancelled occurrences: %w", err)
		}
		if NewCancelledSet(dates...).Contains(d) {
			cancelled = ErrInvalidOccurrence
		}
	}
	return cls, &d, cancelled, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel cancels a booking on behalf of actor. Inside the late window the
// credit is forfeited and a late_cancel attendance record is written.
func (e *Engine) Cancel(ctx context.Context, bookingID BookingID, actor UserID) (*CancelResult, error) {
	if bookingID == "" {
		return nil, invalid("booking_id", "required")
	}

	var res CancelResult
	err := e.store.WithTx(ctx, func(s Store) error {
		res = CancelResult{}
		b, err := s.GetBooking(ctx, bookingID)
		if err != nil {
			return fmt.Errorf("get booking: %w", err)
		}
		if b == nil {
			return ErrBookingNotFound
		}
		switch b.Status {
		case BookingCancelled:
			return ErrAlreadyCancelled
		case BookingAttended, BookingNoShow:
			return ErrBookingNotCancelable
		}

		cls, err := s.GetClass(ctx, b.ClassID)
		if err != nil {
			return fmt.Errorf("get class: %w", err)
		}
		if cls == nil {
			return ErrClassNotFound
		}

		now := e.now()
		start := e.resolver.Start(*cls, b.OccurrenceDate)
		late := !e.RefundEligible(start, now)

		b.Status = BookingCancelled
		b.UpdatedAt = now
		if late {
			b.LateCancellation = true
			if err := s.UpsertAttendance(ctx, AttendanceRecord{
				ClassID:        b.ClassID,
				OccurrenceDate: b.OccurrenceDate,
				UserID:         b.UserID,
				Status:         AttendanceLateCancel,
				Reason:         "cancelled within late window",
				MarkedBy:       actor,
				RecordedAt:     now,
			}); err != nil {
				return fmt.Errorf("record late cancellation: %w", err)
			}
			if cls.Category == CategoryPrivate {
				if err := s.SetClassStatus(ctx, cls.ID, ClassCancelled); err != nil {
					return fmt.Errorf("cancel private class: %w", err)
				}
			}
		} else if b.CreditDeducted {
			if _, err := refundIn(ctx, s, b.UserID, cls.Category); err != nil {
				return err
			}
			res.Refunded = true
		}

		// A late-cancelled seat of a single-date class stays counted.
		if !late || b.OccurrenceDate != nil {
			if err := s.ReleaseSeat(ctx, cls.ID, b.OccurrenceDate); err != nil {
				return fmt.Errorf("release seat: %w", err)
			}
		}

		if err := s.UpdateBooking(ctx, *b); err != nil {
			return fmt.Errorf("update booking: %w", err)
		}
		res.Booking = *b
		res.LateCancellation = late
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "booking cancelled",
		"booking_id", bookingID,
		"actor", actor,
		"late", res.LateCancellation,
		"refunded", res.Refunded,
	)
	e.observe(func(o Observer) { o.BookingCancelled(res.LateCancellation, res.Refunded) })
	e.notify(ctx, "booking_cancelled", func(n Notifier) error {
		return n.BookingCancelled(ctx, res.Booking, res.Refunded)
	})
	return &res, nil
}

// =============================================================================
// ROSTER SYNC
// =============================================================================

// SyncOccurrenceRoster makes the active bookings of the occurrence equal
// to desired. On a cancelled occurrence or class it may only remove users:
// clearing the roster there refunds the bookings CancelOccurrence left.
func (e *Engine) SyncOccurrenceRoster(ctx context.Context, classID ClassID, occurrenceDate *time.Time, desired []UserID) (*RosterDiff, error) {
	if classID == "" {
		return nil, invalid("class_id", "required")
	}
	want := make([]UserID, 0, len(desired))
	seen := make(map[UserID]bool, len(desired))
	for _, u := range desired {
		if u == "" {
			return nil, invalid("user_ids", "must not contain empty ids")
		}
		if !seen[u] {
			seen[u] = true
			want = append(want, u)
		}
	}

	var diff RosterDiff
	err := e.store.WithTx(ctx, func(s Store) error {
		diff = RosterDiff{}
		cls, occurrence, cancelled, err := e.lookupOccurrence(ctx, s, classID, occurrenceDate)
		if err != nil {
			return err
		}

		existing, err := s.ActiveBookings(ctx, cls.ID, occurrence)
		if err != nil {
			return fmt.Errorf("list bookings: %w", err)
		}
		have := make(map[UserID]bool, len(existing))
		for _, b := range existing {
			have[b.UserID] = true
		}
		if cancelled != nil {
			for _, u := range want {
				if !have[u] {
					return cancelled
				}
			}
		}
		now := e.now()

		for _, b := range existing {
			if seen[b.UserID] {
				continue
			}
			b.Status = BookingCancelled
			b.UpdatedAt = now
			if err := s.UpdateBooking(ctx, b); err != nil {
				return fmt.Errorf("remove %s: %w", b.UserID, err)
			}
			diff.Removed = append(diff.Removed, b.UserID)
			if b.CreditDeducted {
				if _, err := refundIn(ctx, s, b.UserID, cls.Category); err != nil {
					return err
				}
				diff.Refunded = append(diff.Refunded, b.UserID)
			}
		}

		for _, u := range want {
			if have[u] {
				continue
			}
			deducted := true
			if _, err := e.deductIn(ctx, s, u, cls.Category, true); err != nil {
				if !errors.Is(err, ErrOverdraftExceeded) {
					return err
				}
				deducted = false
				diff.DeductionFailed = append(diff.DeductionFailed, u)
				e.log.WarnContext(ctx, "roster seat added without credit",
					"class_id", cls.ID, "user_id", u, "occurrence", FormatDate(occurrence))
			}
			if err := s.InsertBooking(ctx, Booking{
				ID:             BookingID(e.newID()),
				ClassID:        cls.ID,
				UserID:         u,
				OccurrenceDate: occurrence,
				Status:         BookingConfirmed,
				CreditDeducted: deducted,
				CreatedAt:      now,
				UpdatedAt:      now,
			}); err != nil {
				return fmt.Errorf("add %s: %w", u, err)
			}
			diff.Added = append(diff.Added, u)
		}

		diff.SeatCount = len(want)
		if err := s.SetSeatCount(ctx, cls.ID, occurrence, diff.SeatCount); err != nil {
			return fmt.Errorf("set seat count: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "roster synced",
		"class_id", classID,
		"occurrence", FormatDate(occurrenceDate),
		"added", len(diff.Added),
		"removed", len(diff.Removed),
	)
	e.observe(func(o Observer) { o.RosterSynced(len(diff.Added), len(diff.Removed)) })
	return &diff, nil
}

// ListOccurrenceBookings returns the active bookings of one occurrence.
func (e *Engine) ListOccurrenceBookings(ctx context.Context, classID ClassID, occurrenceDate *time.Time) ([]Booking, error) {
	cls, err := e.store.GetClass(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("get class: %w", err)
	}
	if cls == nil {
		return nil, ErrClassNotFound
	}
	var occurrence *time.Time
	if cls.IsRecurring() {
		if occurrenceDate == nil {
			return nil, invalid("occurrence_date", "required for recurring classes")
		}
		occurrence = datePtr(DateOf(*occurrenceDate, time.UTC))
	}
	return e.store.ActiveBookings(ctx, classID, occurrence)
}

// GetBooking loads one booking.
func (e *Engine) GetBooking(ctx context.Context, id BookingID) (*Booking, error) {
	b, err := e.store.GetBooking(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	if b == nil {
		return nil, ErrBookingNotFound
	}
	return b, nil
}
