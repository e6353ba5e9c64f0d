/*
attendance.go - Attendance recording and refund eligibility

PURPOSE:
  Records the final outcome of each user on each occurrence. One logical
  record per (class, occurrence, user): writes are upserts.

PRESENT:
  - lifetime classes-taken +1 (only on the first transition to present)
  - booking status becomes attended
  - a credit is deducted here ONLY if nothing was deducted before: a booking
    that deducted at reservation time is never charged twice. The deduction
    is floored at 0 and skipped for unlimited packages.

ABSENT / NO_SHOW:
  booking status becomes no_show; credits are untouched.

CANCELLED BOOKINGS:
  A cancelled booking cannot be marked; Record returns ErrAlreadyCancelled
  so a late_cancel record is never replaced.

DIRECT ENTRY:
  RecordDirect is the legacy path where staff mark someone present without
  a prior booking. If an active booking exists it is routed through Record.
  A late-cancelled booking is rejected with ErrAlreadyCancelled: its credit
  is already forfeited. A booking cancelled early was refunded, so the user
  is then treated as a walk-in.
*/
package studio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type RecordRequest struct {
	BookingID BookingID
	Status    AttendanceStatus
	Reason    string
	Notes     string
	MarkedBy  UserID
}

type DirectRecordRequest struct {
	ClassID        ClassID
	OccurrenceDate *time.Time
	UserID         UserID
	Status         AttendanceStatus
	Reason         string
	Notes          string
	MarkedBy       UserID
}

type RecordResult struct {
	Record       AttendanceRecord
	Deducted     bool
	ClassesTaken int
}

// RefundEligible reports whether a cancellation at now, for an occurrence
// starting at start, is outside the late window.
func (e *Engine) RefundEligible(start, now time.Time) bool {
	return start.Sub(now) > e.policy.LateCancelWindow
}

// Record upserts the attendance outcome of a booking.
func (e *Engine) Record(ctx context.Context, req RecordRequest) (*RecordResult, error) {
	if req.BookingID == "" {
		return nil, invalid("booking_id", "required")
	}
	if !req.Status.Valid() {
		return nil, invalid("status", "unknown attendance status")
	}

	var res RecordResult
	err := e.store.WithTx(ctx, func(s Store) error {
		b, err := s.GetBooking(ctx, req.BookingID)
		if err != nil {
			return fmt.Errorf("get booking: %w", err)
		}
		if b == nil {
			return ErrBookingNotFound
		}
		cls, err := s.GetClass(ctx, b.ClassID)
		if err != nil {
			return fmt.Errorf("get class: %w", err)
		}
		if cls == nil {
			return ErrClassNotFound
		}
		r, err := e.recordForBookingIn(ctx, s, *cls, b, req.Status, req.Reason, req.Notes, req.MarkedBy)
		if err != nil {
			return err
		}
		res = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.observe(func(o Observer) { o.AttendanceRecorded(req.Status) })
	return &res, nil
}

// RecordDirect records attendance for a user who may have no booking.
func (e *Engine) RecordDirect(ctx context.Context, req DirectRecordRequest) (*RecordResult, error) {
	if req.UserID == "" {
		return nil, invalid("user_id", "required")
	}
	if !req.Status.Valid() {
		return nil, invalid("status", "unknown attendance status")
	}

	var res RecordResult
	err := e.store.WithTx(ctx, func(s Store) error {
		res = RecordResult{}
		cls, occurrence, err := e.resolveOccurrence(ctx, s, req.ClassID, req.OccurrenceDate)
		if err != nil {
			return err
		}

		b, err := s.ActiveBooking(ctx, cls.ID, occurrence, req.UserID)
		if err != nil {
			return fmt.Errorf("find booking: %w", err)
		}
		if b != nil {
			r, err := e.recordForBookingIn(ctx, s, *cls, b, req.Status, req.Reason, req.Notes, req.MarkedBy)
			if err != nil {
				return err
			}
			res = *r
			return nil
		}
		last, err := s.LatestBooking(ctx, cls.ID, occurrence, req.UserID)
		if err != nil {
			return fmt.Errorf("find latest booking: %w", err)
		}
		if last != nil && last.LateCancellation {
			return ErrAlreadyCancelled
		}

		rec := AttendanceRecord{
			ClassID:        cls.ID,
			OccurrenceDate: occurrence,
			UserID:         req.UserID,
			Status:         req.Status,
			Reason:         req.Reason,
			Notes:          req.Notes,
			MarkedBy:       req.MarkedBy,
			RecordedAt:     e.now(),
		}
		firstPresent, err := upsertIn(ctx, s, rec)
		if err != nil {
			return err
		}
		res.Record = rec
		if firstPresent {
			if res.ClassesTaken, err = s.IncrementClassesTaken(ctx, req.UserID); err != nil {
				return fmt.Errorf("increment classes taken: %w", err)
			}
			if res.Deducted, err = e.meteredDeductIn(ctx, s, req.UserID, cls.Category); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.observe(func(o Observer) { o.AttendanceRecorded(req.Status) })
	return &res, nil
}

func (e *Engine) recordForBookingIn(ctx context.Context, s Store, cls ClassDefinition, b *Booking, status AttendanceStatus, reason, notes string, markedBy UserID) (*RecordResult, error) {
	if !b.Active() {
		return nil, ErrAlreadyCancelled
	}
	rec := AttendanceRecord{
		ClassID:        b.ClassID,
		OccurrenceDate: b.OccurrenceDate,
		UserID:         b.UserID,
		Status:         status,
		Reason:         reason,
		Notes:          notes,
		MarkedBy:       markedBy,
		RecordedAt:     e.now(),
	}
	firstPresent, err := upsertIn(ctx, s, rec)
	if err != nil {
		return nil, err
	}
	res := &RecordResult{Record: rec}

	changed := false
	switch status {
	case AttendancePresent:
		changed = b.Status != BookingAttended
		b.Status = BookingAttended
	case AttendanceAbsent, AttendanceNoShow:
		changed = b.Status != BookingNoShow
		b.Status = BookingNoShow
	}

	if firstPresent {
		if res.ClassesTaken, err = s.IncrementClassesTaken(ctx, b.UserID); err != nil {
			return nil, fmt.Errorf("increment classes taken: %w", err)
		}
		if !b.CreditDeducted {
			if res.Deducted, err = e.meteredDeductIn(ctx, s, b.UserID, cls.Category); err != nil {
				return nil, err
			}
			if res.Deducted {
				b.CreditDeducted = true
				changed = true
			}
		}
	}

	if changed {
		b.UpdatedAt = rec.RecordedAt
		if err := s.UpdateBooking(ctx, *b); err != nil {
			return nil, fmt.Errorf("update booking: %w", err)
		}
	}
	return res, nil
}

// upsertIn writes the record and reports whether it moved to present.
func upsertIn(ctx context.Context, s Store, rec AttendanceRecord) (bool, error) {
	prev, err := s.GetAttendance(ctx, rec.ClassID, rec.OccurrenceDate, rec.UserID)
	if err != nil {
		return false, fmt.Errorf("get attendance: %w", err)
	}
	if err := s.UpsertAttendance(ctx, rec); err != nil {
		return false, fmt.Errorf("upsert attendance: %w", err)
	}
	wasPresent := prev != nil && prev.Status == AttendancePresent
	return rec.Status == AttendancePresent && !wasPresent, nil
}

// meteredDeductIn takes one credit floored at 0 unless the user's active
// package in the category is unlimited.
func (e *Engine) meteredDeductIn(ctx context.Context, s Store, userID UserID, category Category) (bool, error) {
	active, err := s.ActivePackages(ctx, userID, category)
	if err != nil {
		return false, fmt.Errorf("list active packages: %w", err)
	}
	for _, p := range active {
		if p.Unlimited {
			return false, nil
		}
	}
	if _, err := e.deductIn(ctx, s, userID, category, false); err != nil {
		if errors.Is(err, ErrOverdraftExceeded) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ClassesTaken returns the lifetime count of attended classes.
func (e *Engine) ClassesTaken(ctx context.Context, userID UserID) (int, error) {
	return e.store.ClassesTaken(ctx, userID)
}

// GetAttendance loads the record of one user on one occurrence.
func (e *Engine) GetAttendance(ctx context.Context, classID ClassID, occurrenceDate *time.Time, userID UserID) (*AttendanceRecord, error) {
	return e.store.GetAttendance(ctx, classID, occurrenceDate, userID)
}
