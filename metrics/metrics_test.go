package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/metrics"
	"github.com/warp/studio-engine/studio"
	"github.com/warp/studio-engine/studio/store"
)

func TestCollector_CountsEngineActivity(t *testing.T) {
	// GIVEN: an engine reporting into a private registry
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	c := metrics.New(reg)
	clock := studio.NewFixedClock(time.Date(2026, time.October, 12, 8, 0, 0, 0, time.UTC))
	engine := studio.New(store.NewMemory(), studio.WithObserver(c), studio.WithClock(clock))

	_, err := engine.SaveClass(ctx, studio.ClassDefinition{
		ID: "yoga", Name: "Yoga", Category: studio.CategoryGroup, Capacity: 1, Duration: time.Hour,
		Schedule: studio.Recurring{
			Weekdays:  []time.Weekday{time.Monday},
			EndDate:   studio.NewDate(2026, time.December, 31),
			StartTime: studio.TimeOfDay{Hour: 18},
		},
	})
	require.NoError(t, err)
	require.NoError(t, engine.SetBalance(ctx, "u1", studio.CategoryGroup, 3))
	monday := studio.NewDate(2026, time.October, 12)

	// WHEN: one reservation succeeds and one hits a full class
	r, err := engine.Reserve(ctx, studio.ReserveRequest{UserID: "u1", ClassID: "yoga", OccurrenceDate: &monday})
	require.NoError(t, err)
	_, err = engine.Reserve(ctx, studio.ReserveRequest{UserID: "u2", ClassID: "yoga", OccurrenceDate: &monday})
	require.ErrorIs(t, err, studio.ErrClassFull)
	_, err = engine.Cancel(ctx, r.Booking.ID, "u1")
	require.NoError(t, err)

	// THEN
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Reservations().WithLabelValues("confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Reservations().WithLabelValues("class_full")))
	n, err := testutil.GatherAndCount(reg, "studio_cancellations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCollector_RosterAndAttendance(t *testing.T) {
	c := metrics.New(prometheus.NewRegistry())

	c.RosterSynced(2, 1)
	c.RosterSynced(1, 0)
	c.AttendanceRecorded(studio.AttendancePresent)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.RosterAdded()))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.RosterRemoved()))
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.New(reg)
	assert.Panics(t, func() { metrics.New(reg) })
}
