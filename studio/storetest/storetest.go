// Package storetest is a conformance suite for studio.TxStore
// implementations. Every backend runs the same cases.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/studio"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) studio.TxStore

var (
	created = time.Date(2026, time.October, 1, 9, 0, 0, 0, time.UTC)
	monday  = studio.NewDate(2026, time.October, 12)
)

func recurringClass(id studio.ClassID) studio.ClassDefinition {
	return studio.ClassDefinition{
		ID:          id,
		Name:        "Evening Yoga",
		Category:    studio.CategoryGroup,
		Capacity:    2,
		Duration:    time.Hour,
		Instructors: []string{"ana", "ben"},
		Status:      studio.ClassActive,
		Schedule: studio.Recurring{
			Weekdays:  []time.Weekday{time.Monday, time.Wednesday},
			StartDate: studio.NewDate(2026, time.September, 1),
			EndDate:   studio.NewDate(2026, time.December, 31),
			StartTime: studio.TimeOfDay{Hour: 18, Minute: 30},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func singleClass(id studio.ClassID) studio.ClassDefinition {
	return studio.ClassDefinition{
		ID:        id,
		Name:      "Personal Training",
		Category:  studio.CategoryPrivate,
		Capacity:  1,
		Duration:  45 * time.Minute,
		Status:    studio.ClassActive,
		Schedule:  studio.Single{At: time.Date(2026, time.October, 20, 10, 0, 0, 0, time.UTC)},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func booking(id studio.BookingID, class studio.ClassID, user studio.UserID, occ *time.Time) studio.Booking {
	return studio.Booking{
		ID:             id,
		ClassID:        class,
		UserID:         user,
		OccurrenceDate: occ,
		Status:         studio.BookingConfirmed,
		CreditDeducted: true,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

// Run executes every conformance case against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("ClassRoundTrip", func(t *testing.T) { testClassRoundTrip(t, newStore(t)) })
	t.Run("SaveClassKeepsSeatCount", func(t *testing.T) { testSaveClassKeepsSeatCount(t, newStore(t)) })
	t.Run("SaveClassKeepsStatus", func(t *testing.T) { testSaveClassKeepsStatus(t, newStore(t)) })
	t.Run("SeatsRespectCapacity", func(t *testing.T) { testSeatsRespectCapacity(t, newStore(t)) })
	t.Run("OneActiveBooking", func(t *testing.T) { testOneActiveBooking(t, newStore(t)) })
	t.Run("BalanceFloor", func(t *testing.T) { testBalanceFloor(t, newStore(t)) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollbackOnError(t, newStore(t)) })
	t.Run("Packages", func(t *testing.T) { testPackages(t, newStore(t)) })
	t.Run("Attendance", func(t *testing.T) { testAttendance(t, newStore(t)) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, newStore(t)) })
}

func testClassRoundTrip(t *testing.T, s studio.TxStore) {
	ctx := context.Background()

	got, err := s.GetClass(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	rec := recurringClass("yoga")
	require.NoError(t, s.SaveClass(ctx, rec))
	got, err = s.GetClass(ctx, "yoga")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.Instructors, got.Instructors)
	assert.Equal(t, time.Hour, got.Duration)
	sch, ok := got.Schedule.(studio.Recurring)
	require.True(t, ok)
	assert.Equal(t, []time.Weekday{time.Monday, time.Wednesday}, sch.Weekdays)
	assert.True(t, sch.StartDate.Equal(studio.NewDate(2026, time.September, 1)))
	assert.True(t, sch.EndDate.Equal(studio.NewDate(2026, time.December, 31)))
	assert.Equal(t, studio.TimeOfDay{Hour: 18, Minute: 30}, sch.StartTime)

	single := singleClass("pt")
	require.NoError(t, s.SaveClass(ctx, single))
	got, err = s.GetClass(ctx, "pt")
	require.NoError(t, err)
	at, ok := got.Schedule.(studio.Single)
	require.True(t, ok)
	assert.True(t, at.At.Equal(single.Schedule.(studio.Single).At))

	require.NoError(t, s.SetClassStatus(ctx, "pt", studio.ClassCancelled))
	got, err = s.GetClass(ctx, "pt")
	require.NoError(t, err)
	assert.Equal(t, studio.ClassCancelled, got.Status)
	assert.ErrorIs(t, s.SetClassStatus(ctx, "missing", studio.ClassCancelled), studio.ErrClassNotFound)

	require.NoError(t, s.SaveCancelledOccurrence(ctx, studio.CancelledOccurrence{ClassID: "yoga", Date: monday, Reason: "holiday", CreatedAt: created}))
	dates, err := s.CancelledOccurrences(ctx, "yoga")
	require.NoError(t, err)
	require.Len(t, dates, 1)
	assert.True(t, dates[0].Equal(monday))
}

func testSaveClassKeepsSeatCount(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.SaveClass(ctx, singleClass("pt")))

	ok, err := s.ClaimSeat(ctx, "pt", nil, 1)
	require.NoError(t, err)
	require.True(t, ok)

	def := singleClass("pt")
	def.Name = "Renamed"
	require.NoError(t, s.SaveClass(ctx, def))

	n, err := s.SeatCount(ctx, "pt", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "editing a class keeps held seats")
}

func testSaveClassKeepsStatus(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.SaveClass(ctx, singleClass("pt")))
	require.NoError(t, s.SetClassStatus(ctx, "pt", studio.ClassCancelled))

	def := singleClass("pt")
	def.Name = "Renamed"
	def.Status = studio.ClassActive
	require.NoError(t, s.SaveClass(ctx, def))

	got, err := s.GetClass(ctx, "pt")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, studio.ClassCancelled, got.Status, "editing a cancelled class does not reactivate it")
}

func testSeatsRespectCapacity(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.SaveClass(ctx, recurringClass("yoga")))

	for i := 0; i < 2; i++ {
		ok, err := s.ClaimSeat(ctx, "yoga", &monday, 2)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.ClaimSeat(ctx, "yoga", &monday, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseSeat(ctx, "yoga", &monday))
	n, err := s.SeatCount(ctx, "yoga", &monday)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.SetSeatCount(ctx, "yoga", &monday, 0))
	require.NoError(t, s.ReleaseSeat(ctx, "yoga", &monday))
	n, err = s.SeatCount(ctx, "yoga", &monday)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "release never goes below zero")

	other := studio.NewDate(2026, time.October, 14)
	n, err = s.SeatCount(ctx, "yoga", &other)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testOneActiveBooking(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.SaveClass(ctx, recurringClass("yoga")))

	require.NoError(t, s.InsertBooking(ctx, booking("b1", "yoga", "u1", &monday)))
	err := s.InsertBooking(ctx, booking("b2", "yoga", "u1", &monday))
	assert.ErrorIs(t, err, studio.ErrAlreadyBooked)

	b, err := s.ActiveBooking(ctx, "yoga", &monday, "u1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, studio.BookingID("b1"), b.ID)
	require.NotNil(t, b.OccurrenceDate)
	assert.True(t, b.OccurrenceDate.Equal(monday))

	b.Status = studio.BookingCancelled
	require.NoError(t, s.UpdateBooking(ctx, *b))
	require.NoError(t, s.InsertBooking(ctx, booking("b3", "yoga", "u1", &monday)), "cancelled bookings do not block")

	require.NoError(t, s.InsertBooking(ctx, booking("b4", "yoga", "u2", &monday)))
	active, err := s.ActiveBookings(ctx, "yoga", &monday)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, studio.BookingID("b3"), active[0].ID)
	assert.Equal(t, studio.BookingID("b4"), active[1].ID)

	latest, err := s.LatestBooking(ctx, "yoga", &monday, "u1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, studio.BookingID("b3"), latest.ID)

	latest.Status = studio.BookingCancelled
	latest.LateCancellation = true
	require.NoError(t, s.UpdateBooking(ctx, *latest))
	latest, err = s.LatestBooking(ctx, "yoga", &monday, "u1")
	require.NoError(t, err)
	require.NotNil(t, latest, "cancelled bookings are still found")
	assert.Equal(t, studio.BookingID("b3"), latest.ID)
	assert.True(t, latest.LateCancellation)

	other := monday.AddDate(0, 0, 2)
	latest, err = s.LatestBooking(ctx, "yoga", &other, "u1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	missing := booking("nope", "yoga", "u9", &monday)
	assert.ErrorIs(t, s.UpdateBooking(ctx, missing), studio.ErrBookingNotFound)

	got, err := s.GetBooking(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testBalanceFloor(t *testing.T, s studio.TxStore) {
	ctx := context.Background()

	_, found, err := s.GetBalance(ctx, "u1", studio.CategoryGroup)
	require.NoError(t, err)
	assert.False(t, found)

	floor := -2
	for _, want := range []int{-1, -2} {
		b, applied, err := s.AdjustBalance(ctx, "u1", studio.CategoryGroup, -1, &floor)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, want, b)
	}
	b, applied, err := s.AdjustBalance(ctx, "u1", studio.CategoryGroup, -1, &floor)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, -2, b)

	b, applied, err = s.AdjustBalance(ctx, "u1", studio.CategoryGroup, 5, nil)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 3, b)

	require.NoError(t, s.PutBalance(ctx, "u1", studio.CategoryGroup, -7))
	b, found, err = s.GetBalance(ctx, "u1", studio.CategoryGroup)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, -7, b)

	_, found, err = s.GetBalance(ctx, "u1", studio.CategoryPrivate)
	require.NoError(t, err)
	assert.False(t, found, "categories are separate accounts")
}

func testConcurrentClaims(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.SaveClass(ctx, recurringClass("yoga")))

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var won bool
			err := s.WithTx(ctx, func(tx studio.Store) error {
				ok, err := tx.ClaimSeat(ctx, "yoga", &monday, 2)
				won = ok
				return err
			})
			if err != nil {
				assert.True(t, studio.IsRetryable(err), "unexpected error: %v", err)
				return
			}
			if won {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Losers may give up with a retryable error, but never overbook.
	n, err := s.SeatCount(ctx, "yoga", &monday)
	require.NoError(t, err)
	assert.Equal(t, claimed, n)
	assert.LessOrEqual(t, n, 2)
	assert.GreaterOrEqual(t, n, 1)
}

func testRollbackOnError(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx studio.Store) error {
		if err := tx.PutBalance(ctx, "u1", studio.CategoryGroup, 10); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, found, err := s.GetBalance(ctx, "u1", studio.CategoryGroup)
	require.NoError(t, err)
	assert.False(t, found, "write rolled back")
}

func testPackages(t *testing.T, s studio.TxStore) {
	ctx := context.Background()

	tmpl := studio.PackageTemplate{
		ID: "ten", Name: "Ten Pack", Category: studio.CategoryGroup,
		ClassesIncluded: 10, ValidityMonths: 3, Price: decimal.RequireFromString("149.90"), CreatedAt: created,
	}
	require.NoError(t, s.SaveTemplate(ctx, tmpl))
	got, err := s.GetTemplate(ctx, "ten")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, tmpl.Price.Equal(got.Price))
	assert.Equal(t, 3, got.ValidityMonths)

	p := studio.Package{
		ID: "p1", UserID: "u1", Category: studio.CategoryGroup, TemplateID: "ten",
		ClassesIncluded: 10, StartDate: studio.NewDate(2026, time.October, 1), EndDate: studio.NewDate(2026, time.December, 31),
		Status: studio.PackageActive, RenewalMonths: 3, CreatedAt: created, UpdatedAt: created,
	}
	require.NoError(t, s.InsertPackage(ctx, p))

	active, err := s.ActivePackages(ctx, "u1", studio.CategoryGroup)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, active[0].EndDate.Equal(p.EndDate))

	lapsed, err := s.LapsedPackages(ctx, studio.NewDate(2026, time.December, 31))
	require.NoError(t, err)
	assert.Empty(t, lapsed, "the end date itself is not lapsed")
	lapsed, err = s.LapsedPackages(ctx, studio.NewDate(2027, time.January, 1))
	require.NoError(t, err)
	assert.Len(t, lapsed, 1)

	second := p
	second.ID = "p2"
	assert.ErrorIs(t, s.InsertPackage(ctx, second), studio.ErrConcurrentModification,
		"one active package per user and category")
	second.Category = studio.CategoryPrivate
	require.NoError(t, s.InsertPackage(ctx, second), "other categories are independent")

	p.Status = studio.PackageExpired
	require.NoError(t, s.UpdatePackage(ctx, p))
	active, err = s.ActivePackages(ctx, "u1", studio.CategoryGroup)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.ListPackages(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	third := p
	third.ID = "p3"
	third.Status = studio.PackageActive
	require.NoError(t, s.InsertPackage(ctx, third), "an expired package leaves room for a new one")
	p.Status = studio.PackageActive
	assert.ErrorIs(t, s.UpdatePackage(ctx, p), studio.ErrConcurrentModification)

	missing := p
	missing.ID = "nope"
	assert.ErrorIs(t, s.UpdatePackage(ctx, missing), studio.ErrPackageNotFound)

	require.NoError(t, s.InsertPurchase(ctx, studio.Purchase{
		ID: "pur-1", UserID: "u1", PackageID: "p1", TemplateID: "ten", Amount: tmpl.Price, PurchasedAt: created,
	}))
}

func testAttendance(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.SaveClass(ctx, recurringClass("yoga")))
	require.NoError(t, s.SaveClass(ctx, singleClass("pt")))

	rec := studio.AttendanceRecord{
		ClassID: "yoga", OccurrenceDate: &monday, UserID: "u1",
		Status: studio.AttendanceAbsent, Reason: "sick", MarkedBy: "staff", RecordedAt: created,
	}
	require.NoError(t, s.UpsertAttendance(ctx, rec))
	rec.Status = studio.AttendancePresent
	require.NoError(t, s.UpsertAttendance(ctx, rec))

	got, err := s.GetAttendance(ctx, "yoga", &monday, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, studio.AttendancePresent, got.Status)
	assert.Equal(t, studio.UserID("staff"), got.MarkedBy)

	require.NoError(t, s.UpsertAttendance(ctx, studio.AttendanceRecord{
		ClassID: "pt", UserID: "u1", Status: studio.AttendancePresent, RecordedAt: created,
	}))
	got, err = s.GetAttendance(ctx, "pt", nil, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.OccurrenceDate)

	n, err := s.ClassesTaken(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	for want := 1; want <= 2; want++ {
		n, err = s.IncrementClassesTaken(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func testDeleteCascades(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.SaveClass(ctx, recurringClass("yoga")))
	require.NoError(t, s.InsertBooking(ctx, booking("b1", "yoga", "u1", &monday)))
	require.NoError(t, s.UpsertAttendance(ctx, studio.AttendanceRecord{
		ClassID: "yoga", OccurrenceDate: &monday, UserID: "u1", Status: studio.AttendancePresent, RecordedAt: created,
	}))
	require.NoError(t, s.SaveCancelledOccurrence(ctx, studio.CancelledOccurrence{ClassID: "yoga", Date: monday, CreatedAt: created}))

	require.NoError(t, s.DeleteClass(ctx, "yoga"))

	b, err := s.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, b)
	rec, err := s.GetAttendance(ctx, "yoga", &monday, "u1")
	require.NoError(t, err)
	assert.Nil(t, rec)
	dates, err := s.CancelledOccurrences(ctx, "yoga")
	require.NoError(t, err)
	assert.Empty(t, dates)
}
