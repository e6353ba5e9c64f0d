package studio_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/studio"
	"github.com/warp/studio-engine/studio/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	monday    = studio.NewDate(2026, time.October, 12)
	tuesday   = studio.NewDate(2026, time.October, 13)
	wednesday = studio.NewDate(2026, time.October, 14)
	nextMon   = studio.NewDate(2026, time.October, 19)
)

type fixture struct {
	engine   *studio.Engine
	store    *store.Memory
	clock    *studio.FixedClock
	observer *recordingObserver
	notifier *recordingNotifier
}

// newFixture starts the clock on Monday 2026-10-12 08:00 UTC.
func newFixture(t *testing.T, opts ...studio.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemory(),
		clock:    studio.NewFixedClock(time.Date(2026, time.October, 12, 8, 0, 0, 0, time.UTC)),
		observer: &recordingObserver{},
		notifier: &recordingNotifier{},
	}
	seq := 0
	var mu sync.Mutex
	base := []studio.Option{
		studio.WithClock(f.clock),
		studio.WithObserver(f.observer),
		studio.WithNotifier(f.notifier),
		studio.WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
	}
	f.engine = studio.New(f.store, append(base, opts...)...)
	return f
}

// yogaClass is a group class on Monday and Wednesday at 18:00.
func (f *fixture) yogaClass(t *testing.T, capacity int) studio.ClassDefinition {
	t.Helper()
	def, err := f.engine.SaveClass(context.Background(), studio.ClassDefinition{
		ID:       "yoga",
		Name:     "Evening Yoga",
		Category: studio.CategoryGroup,
		Capacity: capacity,
		Duration: time.Hour,
		Schedule: studio.Recurring{
			Weekdays:  []time.Weekday{time.Monday, time.Wednesday},
			EndDate:   studio.NewDate(2026, time.December, 31),
			StartTime: studio.TimeOfDay{Hour: 18},
		},
	})
	require.NoError(t, err)
	return *def
}

// privateSession is a one-off private class on Monday at 10:00.
func (f *fixture) privateSession(t *testing.T) studio.ClassDefinition {
	t.Helper()
	def, err := f.engine.SaveClass(context.Background(), studio.ClassDefinition{
		ID:       "pt-1",
		Name:     "Personal Training",
		Category: studio.CategoryPrivate,
		Duration: time.Hour,
		Schedule: studio.Single{At: time.Date(2026, time.October, 12, 10, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	return *def
}

func (f *fixture) template(t *testing.T, id studio.TemplateID, classes int, price string) studio.PackageTemplate {
	t.Helper()
	tmpl, err := f.engine.SaveTemplate(context.Background(), studio.PackageTemplate{
		ID:              id,
		Name:            string(id),
		Category:        studio.CategoryGroup,
		ClassesIncluded: classes,
		ValidityMonths:  1,
		Price:           decimal.RequireFromString(price),
	})
	require.NoError(t, err)
	return *tmpl
}

func (f *fixture) setBalance(t *testing.T, user studio.UserID, cat studio.Category, v int) {
	t.Helper()
	require.NoError(t, f.engine.SetBalance(context.Background(), user, cat, v))
}

func (f *fixture) balance(t *testing.T, user studio.UserID, cat studio.Category) int {
	t.Helper()
	b, err := f.engine.Balance(context.Background(), user, cat)
	require.NoError(t, err)
	return b
}

func (f *fixture) reserve(user studio.UserID, class studio.ClassID, date *time.Time, confirm bool) (*studio.Reservation, error) {
	return f.engine.Reserve(context.Background(), studio.ReserveRequest{
		UserID:           user,
		ClassID:          class,
		OccurrenceDate:   date,
		ConfirmOverdraft: confirm,
	})
}

func ptr(t time.Time) *time.Time { return &t }

// =============================================================================
// FAKE HOOKS
// =============================================================================

type recordingObserver struct {
	mu           sync.Mutex
	reservations map[string]int
	cancels      int
	packageOps   []string
	attendance   []studio.AttendanceStatus
}

func (o *recordingObserver) ReservationAttempted(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reservations == nil {
		o.reservations = make(map[string]int)
	}
	o.reservations[outcome]++
}

func (o *recordingObserver) BookingCancelled(late, refunded bool) {
	o.mu.Lock()
	o.cancels++
	o.mu.Unlock()
}

func (o *recordingObserver) CreditChanged(op string, category studio.Category) {}

func (o *recordingObserver) RosterSynced(added, removed int) {}

func (o *recordingObserver) PackageTransition(op string, category studio.Category) {
	o.mu.Lock()
	o.packageOps = append(o.packageOps, op)
	o.mu.Unlock()
}

func (o *recordingObserver) AttendanceRecorded(status studio.AttendanceStatus) {
	o.mu.Lock()
	o.attendance = append(o.attendance, status)
	o.mu.Unlock()
}

func (o *recordingObserver) outcome(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reservations[name]
}

type recordingNotifier struct {
	mu        sync.Mutex
	fail      bool
	confirmed []studio.BookingID
	cancelled []studio.BookingID
	assigned  []studio.PackageID
}

var errMailDown = errors.New("smtp unavailable")

func (n *recordingNotifier) BookingConfirmed(_ context.Context, b studio.Booking) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, b.ID)
	if n.fail {
		return errMailDown
	}
	return nil
}

func (n *recordingNotifier) BookingCancelled(_ context.Context, b studio.Booking, _ bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, b.ID)
	if n.fail {
		return errMailDown
	}
	return nil
}

func (n *recordingNotifier) PackageAssigned(_ context.Context, p studio.Package) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assigned = append(n.assigned, p.ID)
	if n.fail {
		return errMailDown
	}
	return nil
}
