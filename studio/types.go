/*
Package studio provides the class occurrence, booking and credit ledger engine.

PURPOSE:
  This package holds the engine that sits behind a studio's booking
  surface. It expands class definitions into bookable occurrences,
  enforces per-occurrence capacity and one-booking-per-user, keeps a
  per-user, per-category credit balance with a bounded overdraft, and
  runs the package (subscription) lifecycle that feeds those balances.

KEY CONCEPTS IN THIS FILE (types.go):
  - ClassDefinition: a group or private class with a Single or Recurring schedule
  - Booking: one seat held by one user on one occurrence
  - Package / PackageTemplate: a subscription granting class credits
  - AttendanceRecord: the final outcome of one user on one occurrence
  - Typed identifiers so class, booking and user IDs can't be mixed

DESIGN PRINCIPLES:
  1. Atomicity: every check-then-write runs inside one store transaction
     and the store uses conditional updates for seats and balances
  2. Typed state: statuses are closed enumerations, schedules are a sum type
  3. Primary before secondary: notifications and metrics run after commit
     and never fail the operation

USAGE:
  engine := studio.New(store.NewMemory())
  res, err := engine.Reserve(ctx, studio.ReserveRequest{
      UserID:  "user-1",
      ClassID: "yoga-mon",
      OccurrenceDate: &monday,
  })

SEE ALSO:
  - occurrence.go: schedule resolution and expansion
  - credit.go: credit account operations
  - booking.go: reserve, cancel, roster sync
  - package.go: package lifecycle
  - attendance.go: attendance recording
  - store.go: persistence interfaces
*/
package studio

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type ClassID string
type BookingID string
type PackageID string
type TemplateID string

// =============================================================================
// CATEGORY - Credit accounts and packages are kept per category
// =============================================================================

type Category string

const (
	CategoryGroup   Category = "group"
	CategoryPrivate Category = "private"
)

func (c Category) Valid() bool {
	return c == CategoryGroup || c == CategoryPrivate
}

// =============================================================================
// CLASS DEFINITION
// =============================================================================

type ClassStatus string

const (
	ClassActive    ClassStatus = "active"
	ClassCancelled ClassStatus = "cancelled"
)

// ClassDefinition is owned by the scheduling subsystem. The engine reads it
// and maintains BookedCount for single-date classes.
type ClassDefinition struct {
	ID          ClassID
	Name        string
	Category    Category
	Capacity    int
	Schedule    Schedule
	Duration    time.Duration
	Instructors []string
	Status      ClassStatus

	// BookedCount caches the number of held seats of a single-date class.
	// Recurring classes keep one counter per occurrence in the store.
	BookedCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsRecurring reports whether the class repeats on a weekday set.
func (c ClassDefinition) IsRecurring() bool {
	_, ok := c.Schedule.(Recurring)
	return ok
}

// Validate checks the structural rules of a class definition.
// Private classes always have capacity 1; Validate normalizes that.
func (c *ClassDefinition) Validate() error {
	verr := &ValidationError{}
	if c.ID == "" {
		verr.Add("id", "required")
	}
	if !c.Category.Valid() {
		verr.Add("category", "must be group or private")
	}
	if c.Category == CategoryPrivate {
		c.Capacity = 1
	}
	if c.Capacity < 1 {
		verr.Add("capacity", "must be at least 1")
	}
	switch s := c.Schedule.(type) {
	case Single:
		if s.At.IsZero() {
			verr.Add("schedule", "single date is required")
		}
	case Recurring:
		if len(s.Weekdays) == 0 {
			verr.Add("schedule.weekdays", "at least one weekday is required")
		}
		if s.EndDate.IsZero() {
			verr.Add("schedule.end_date", "required")
		}
		if !s.StartDate.IsZero() && !s.EndDate.IsZero() && s.EndDate.Before(s.StartDate) {
			verr.Add("schedule.end_date", "must not be before start_date")
		}
		if !s.StartTime.Valid() {
			verr.Add("schedule.start_time", "invalid time of day")
		}
	default:
		verr.Add("schedule", "required")
	}
	if c.Status == "" {
		c.Status = ClassActive
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}

// =============================================================================
// BOOKING
// =============================================================================

type BookingStatus string

const (
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingAttended  BookingStatus = "attended"
	BookingNoShow    BookingStatus = "no_show"
)

// Booking is one user's seat on one occurrence. OccurrenceDate is nil only
// for single-date classes.
type Booking struct {
	ID               BookingID
	ClassID          ClassID
	UserID           UserID
	OccurrenceDate   *time.Time
	Status           BookingStatus
	CreditDeducted   bool
	LateCancellation bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Active reports whether the booking still holds its seat.
func (b Booking) Active() bool { return b.Status != BookingCancelled }

// =============================================================================
// CANCELLED OCCURRENCE
// =============================================================================

// CancelledOccurrence withdraws one date of a recurring class from booking.
// It never expires.
type CancelledOccurrence struct {
	ClassID   ClassID
	Date      time.Time
	Reason    string
	CreatedAt time.Time
}

// =============================================================================
// PACKAGES
// =============================================================================

type PackageStatus string

const (
	PackageActive  PackageStatus = "active"
	PackageExpired PackageStatus = "expired"
)

const (
	MinRenewalMonths = 1
	MaxRenewalMonths = 999
)

// PackageTemplate is a sellable package: how many classes, for how long.
type PackageTemplate struct {
	ID              TemplateID
	Name            string
	Category        Category
	ClassesIncluded int
	ValidityMonths  int
	Unlimited       bool
	Price           decimal.Decimal
	CreatedAt       time.Time
}

// Package is one subscription of one user in one category.
type Package struct {
	ID              PackageID
	UserID          UserID
	Category        Category
	TemplateID      TemplateID
	ClassesIncluded int
	Unlimited       bool
	StartDate       time.Time
	EndDate         time.Time
	Status          PackageStatus
	RenewalMonths   int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Purchase records what was paid when a package was assigned or renewed.
type Purchase struct {
	ID          string
	UserID      UserID
	PackageID   PackageID
	TemplateID  TemplateID
	Amount      decimal.Decimal
	PurchasedAt time.Time
}

// =============================================================================
// ATTENDANCE
// =============================================================================

type AttendanceStatus string

const (
	AttendancePresent    AttendanceStatus = "present"
	AttendanceAbsent     AttendanceStatus = "absent"
	AttendanceLateCancel AttendanceStatus = "late_cancel"
	AttendanceExcused    AttendanceStatus = "excused"
	AttendanceNoShow     AttendanceStatus = "no_show"
)

func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendancePresent, AttendanceAbsent, AttendanceLateCancel, AttendanceExcused, AttendanceNoShow:
		return true
	}
	return false
}

// AttendanceRecord is the single logical outcome of (class, occurrence, user).
// It is upserted, never appended.
type AttendanceRecord struct {
	ClassID        ClassID
	OccurrenceDate *time.Time
	UserID         UserID
	Status         AttendanceStatus
	Reason         string
	Notes          string
	MarkedBy       UserID
	RecordedAt     time.Time
}
