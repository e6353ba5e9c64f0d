/*
store.go - Persistence interfaces for the booking engine

PURPOSE:
  Defines what the engine needs from a relational store and the
  invariants every implementation must uphold. The engine runs on
  several stateless instances at once, so correctness lives here.

KEY INTERFACES:
  ClassStore:      class definitions and cancelled occurrences
  SeatStore:       per-occurrence seat counters (conditional increments)
  BookingStore:    booking rows
  CreditStore:     per (user, category) balances (conditional updates)
  PackageStore:    templates, packages, purchases
  AttendanceStore: attendance upserts and lifetime classes-taken
  TxStore:         runs a function inside one serializable transaction

STORE INVARIANTS:
  1. InsertBooking fails with ErrAlreadyBooked when another non-cancelled
     booking exists for (class, occurrence-or-null, user)
  2. ClaimSeat increments only while count < capacity, atomically
  3. AdjustBalance applies delta only if balance+delta >= floor, atomically
  4. SaveClass on an existing class keeps its status and seat count
  5. DeleteClass cascades to bookings, attendance, seats, cancelled dates
  6. A transaction that lost a race returns ErrConcurrentModification

NOT-FOUND CONVENTION:
  Get* methods return (nil, nil) when the row is absent. The engine turns
  that into the matching Err*NotFound.

IMPLEMENTATIONS:
  - studio/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: embedded SQLite
  - store/postgres/postgres.go: shared PostgreSQL for multi-instance deploys
*/
package studio

import (
	"context"
	"time"
)

type ClassStore interface {
	GetClass(ctx context.Context, id ClassID) (*ClassDefinition, error)

	// SaveClass inserts or updates the definition. An update never changes
	// Status or BookedCount; SetClassStatus owns the status.
	SaveClass(ctx context.Context, c ClassDefinition) error

	SetClassStatus(ctx context.Context, id ClassID, status ClassStatus) error

	// DeleteClass removes the class and everything referencing it.
	DeleteClass(ctx context.Context, id ClassID) error

	SaveCancelledOccurrence(ctx context.Context, occ CancelledOccurrence) error
	CancelledOccurrences(ctx context.Context, id ClassID) ([]time.Time, error)
}

// SeatStore keeps held-seat counters. occurrence is nil for single-date
// classes, which keep the counter on the class row itself.
type SeatStore interface {
	// ClaimSeat returns false without writing when the counter is at capacity.
	ClaimSeat(ctx context.Context, classID ClassID, occurrence *time.Time, capacity int) (bool, error)

	// ReleaseSeat decrements the counter, never below zero.
	ReleaseSeat(ctx context.Context, classID ClassID, occurrence *time.Time) error

	SetSeatCount(ctx context.Context, classID ClassID, occurrence *time.Time, n int) error
	SeatCount(ctx context.Context, classID ClassID, occurrence *time.Time) (int, error)
}

type BookingStore interface {
	InsertBooking(ctx context.Context, b Booking) error
	GetBooking(ctx context.Context, id BookingID) (*Booking, error)

	// UpdateBooking writes status, credit_deducted and late_cancellation.
	UpdateBooking(ctx context.Context, b Booking) error

	// ActiveBooking returns the non-cancelled booking of user on the occurrence.
	ActiveBooking(ctx context.Context, classID ClassID, occurrence *time.Time, userID UserID) (*Booking, error)

	// LatestBooking returns the most recent booking of user on the
	// occurrence in any status, cancelled included.
	LatestBooking(ctx context.Context, classID ClassID, occurrence *time.Time, userID UserID) (*Booking, error)

	// ActiveBookings returns all non-cancelled bookings on the occurrence,
	// oldest first.
	ActiveBookings(ctx context.Context, classID ClassID, occurrence *time.Time) ([]Booking, error)
}

type CreditStore interface {
	// GetBalance reports found=false when the account row does not exist.
	GetBalance(ctx context.Context, userID UserID, category Category) (balance int, found bool, err error)

	// AdjustBalance creates the row at 0 if needed, then adds delta when
	// floor is nil or balance+delta >= *floor. applied=false means the
	// floor refused the change; balance is then the unchanged value.
	AdjustBalance(ctx context.Context, userID UserID, category Category, delta int, floor *int) (balance int, applied bool, err error)

	PutBalance(ctx context.Context, userID UserID, category Category, value int) error
}

type PackageStore interface {
	SaveTemplate(ctx context.Context, t PackageTemplate) error
	GetTemplate(ctx context.Context, id TemplateID) (*PackageTemplate, error)

	InsertPackage(ctx context.Context, p Package) error
	GetPackage(ctx context.Context, id PackageID) (*Package, error)
	UpdatePackage(ctx context.Context, p Package) error

	ActivePackages(ctx context.Context, userID UserID, category Category) ([]Package, error)
	ListPackages(ctx context.Context, userID UserID) ([]Package, error)

	// LapsedPackages returns active packages whose EndDate is before the date.
	LapsedPackages(ctx context.Context, before time.Time) ([]Package, error)

	InsertPurchase(ctx context.Context, p Purchase) error
}

type AttendanceStore interface {
	UpsertAttendance(ctx context.Context, r AttendanceRecord) error
	GetAttendance(ctx context.Context, classID ClassID, occurrence *time.Time, userID UserID) (*AttendanceRecord, error)

	IncrementClassesTaken(ctx context.Context, userID UserID) (int, error)
	ClassesTaken(ctx context.Context, userID UserID) (int, error)
}

// Store is the full persistence surface the engine uses.
type Store interface {
	ClassStore
	SeatStore
	BookingStore
	CreditStore
	PackageStore
	AttendanceStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a serializable transaction.
	// If fn returns error, the transaction is rolled back. An implementation
	// may run fn again after a serialization failure, so fn must not keep
	// state across calls.
	WithTx(ctx context.Context, fn func(Store) error) error
}
