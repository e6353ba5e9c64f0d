package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/store/sqlite"
	"github.com/warp/studio-engine/studio"
	"github.com/warp/studio-engine/studio/storetest"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) studio.TxStore { return newStore(t) })
}

func TestSQLiteStore_FileSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "studio.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s.PutBalance(ctx, "u1", studio.CategoryGroup, 4))
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()
	b, found, err := s.GetBalance(ctx, "u1", studio.CategoryGroup)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 4, b)
}

func TestSQLiteStore_EngineReserveScenario(t *testing.T) {
	// GIVEN: the engine over SQLite, capacity 1, two users
	ctx := context.Background()
	s := newStore(t)
	clock := studio.NewFixedClock(time.Date(2026, time.October, 12, 8, 0, 0, 0, time.UTC))
	engine := studio.New(s, studio.WithClock(clock))

	_, err := engine.SaveClass(ctx, studio.ClassDefinition{
		ID: "yoga", Name: "Yoga", Category: studio.CategoryGroup, Capacity: 1, Duration: time.Hour,
		Schedule: studio.Recurring{
			Weekdays:  []time.Weekday{time.Monday},
			EndDate:   studio.NewDate(2026, time.December, 31),
			StartTime: studio.TimeOfDay{Hour: 18},
		},
	})
	require.NoError(t, err)
	require.NoError(t, engine.SetBalance(ctx, "u1", studio.CategoryGroup, 1))
	require.NoError(t, engine.SetBalance(ctx, "u2", studio.CategoryGroup, 1))
	monday := studio.NewDate(2026, time.October, 12)

	// WHEN
	first, err := engine.Reserve(ctx, studio.ReserveRequest{UserID: "u1", ClassID: "yoga", OccurrenceDate: &monday})
	require.NoError(t, err)
	_, err = engine.Reserve(ctx, studio.ReserveRequest{UserID: "u2", ClassID: "yoga", OccurrenceDate: &monday})

	// THEN
	assert.ErrorIs(t, err, studio.ErrClassFull)
	assert.Equal(t, 0, first.Balance)

	_, err = engine.Cancel(ctx, first.Booking.ID, "u1")
	require.NoError(t, err)
	b, err := engine.Balance(ctx, "u1", studio.CategoryGroup)
	require.NoError(t, err)
	assert.Equal(t, 1, b)

	_, err = engine.Reserve(ctx, studio.ReserveRequest{UserID: "u2", ClassID: "yoga", OccurrenceDate: &monday})
	assert.NoError(t, err, "released seat is bookable again")
}

func TestSQLiteStore_Purchases(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	engine := studio.New(s)

	_, err := engine.SaveTemplate(ctx, studio.PackageTemplate{
		ID: "ten", Name: "Ten", Category: studio.CategoryGroup, ClassesIncluded: 10,
		ValidityMonths: 1, Price: decimal.RequireFromString("120.50"),
	})
	require.NoError(t, err)
	_, err = engine.Assign(ctx, studio.AssignRequest{UserID: "u1", Category: studio.CategoryGroup, TemplateID: "ten"})
	require.NoError(t, err)

	purchases, err := s.Purchases(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, "120.5", purchases[0].Amount.String())
}
