package studio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mondayWednesday(end time.Time) ClassDefinition {
	return ClassDefinition{
		ID:       "yoga",
		Category: CategoryGroup,
		Capacity: 10,
		Duration: time.Hour,
		Schedule: Recurring{
			Weekdays:  []time.Weekday{time.Monday, time.Wednesday},
			EndDate:   end,
			StartTime: TimeOfDay{Hour: 18, Minute: 0},
		},
	}
}

func TestIsValidOccurrence_Recurring(t *testing.T) {
	r := OccurrenceResolver{}
	def := mondayWednesday(NewDate(2026, time.December, 31))

	tests := []struct {
		name  string
		date  time.Time
		valid bool
	}{
		{"monday", NewDate(2026, time.October, 12), true},
		{"tuesday", NewDate(2026, time.October, 13), false},
		{"wednesday", NewDate(2026, time.October, 14), true},
		{"last day is a thursday", NewDate(2026, time.December, 31), false},
		{"after end date", NewDate(2027, time.January, 4), false},
		{"unbounded start reaches the past", NewDate(2020, time.January, 6), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, r.IsValidOccurrence(def, tt.date, nil))
		})
	}
}

func TestIsValidOccurrence_StartDateBound(t *testing.T) {
	r := OccurrenceResolver{}
	def := mondayWednesday(NewDate(2026, time.December, 31))
	s := def.Schedule.(Recurring)
	s.StartDate = NewDate(2026, time.October, 14)
	def.Schedule = s

	assert.False(t, r.IsValidOccurrence(def, NewDate(2026, time.October, 12), nil), "before start date")
	assert.True(t, r.IsValidOccurrence(def, NewDate(2026, time.October, 14), nil), "start date is inclusive")
}

func TestIsValidOccurrence_CancelledDate(t *testing.T) {
	r := OccurrenceResolver{}
	def := mondayWednesday(NewDate(2026, time.December, 31))
	cancelled := NewCancelledSet(NewDate(2026, time.October, 19))

	assert.False(t, r.IsValidOccurrence(def, NewDate(2026, time.October, 19), cancelled))
	assert.True(t, r.IsValidOccurrence(def, NewDate(2026, time.October, 21), cancelled))
}

func TestIsValidOccurrence_Single(t *testing.T) {
	r := OccurrenceResolver{}
	def := ClassDefinition{
		ID:       "workshop",
		Category: CategoryGroup,
		Capacity: 5,
		Schedule: Single{At: time.Date(2026, time.October, 20, 9, 30, 0, 0, time.UTC)},
	}

	assert.True(t, r.IsValidOccurrence(def, NewDate(2026, time.October, 20), nil))
	assert.False(t, r.IsValidOccurrence(def, NewDate(2026, time.October, 21), nil))
}

func TestIsValidOccurrence_SingleUsesStudioZone(t *testing.T) {
	// 23:30 on the 12th in UTC-5 is already the 13th in UTC.
	loc := time.FixedZone("UTC-5", -5*3600)
	r := OccurrenceResolver{Location: loc}
	def := ClassDefinition{
		ID:       "late",
		Category: CategoryGroup,
		Capacity: 5,
		Schedule: Single{At: time.Date(2026, time.October, 12, 23, 30, 0, 0, loc)},
	}

	assert.True(t, r.IsValidOccurrence(def, NewDate(2026, time.October, 12), nil))
	assert.False(t, r.IsValidOccurrence(def, NewDate(2026, time.October, 13), nil))
}

func TestExpand_RecurringWeek(t *testing.T) {
	r := OccurrenceResolver{}
	def := mondayWednesday(NewDate(2026, time.December, 31))
	cancelled := NewCancelledSet(NewDate(2026, time.October, 14))

	occs := r.Expand(def, NewDate(2026, time.October, 12), NewDate(2026, time.October, 18), cancelled)

	require.Len(t, occs, 2)
	assert.Equal(t, NewDate(2026, time.October, 12), occs[0].Date)
	assert.Equal(t, time.Date(2026, time.October, 12, 18, 0, 0, 0, time.UTC), occs[0].Start)
	assert.Equal(t, time.Date(2026, time.October, 12, 19, 0, 0, 0, time.UTC), occs[0].End)
	assert.False(t, occs[0].Cancelled)

	assert.Equal(t, NewDate(2026, time.October, 14), occs[1].Date)
	assert.True(t, occs[1].Cancelled, "cancelled dates are listed and flagged")
}

func TestExpand_ClampedToEndDate(t *testing.T) {
	r := OccurrenceResolver{}
	def := mondayWednesday(NewDate(2026, time.October, 13))

	occs := r.Expand(def, NewDate(2026, time.October, 1), NewDate(2026, time.October, 31), nil)

	require.NotEmpty(t, occs)
	for _, o := range occs {
		assert.False(t, o.Date.After(NewDate(2026, time.October, 13)))
	}
	assert.Equal(t, NewDate(2026, time.October, 12), occs[len(occs)-1].Date)
}

func TestExpand_Single(t *testing.T) {
	r := OccurrenceResolver{}
	at := time.Date(2026, time.October, 20, 9, 30, 0, 0, time.UTC)
	def := ClassDefinition{ID: "workshop", Category: CategoryGroup, Capacity: 5, Duration: 90 * time.Minute, Schedule: Single{At: at}}

	inside := r.Expand(def, NewDate(2026, time.October, 1), NewDate(2026, time.October, 31), nil)
	require.Len(t, inside, 1)
	assert.Equal(t, at, inside[0].Start)
	assert.Equal(t, at.Add(90*time.Minute), inside[0].End)

	assert.Empty(t, r.Expand(def, NewDate(2026, time.November, 1), NewDate(2026, time.November, 30), nil))
}

func TestExpand_InvertedWindow(t *testing.T) {
	r := OccurrenceResolver{}
	def := mondayWednesday(NewDate(2026, time.December, 31))
	assert.Nil(t, r.Expand(def, NewDate(2026, time.October, 18), NewDate(2026, time.October, 12), nil))
}

func TestClassDefinition_Validate(t *testing.T) {
	def := ClassDefinition{
		ID:       "pt",
		Category: CategoryPrivate,
		Capacity: 4,
		Schedule: Single{At: time.Date(2026, time.October, 20, 9, 0, 0, 0, time.UTC)},
	}
	require.NoError(t, def.Validate())
	assert.Equal(t, 1, def.Capacity, "private classes hold one client")
	assert.Equal(t, ClassActive, def.Status)

	bad := ClassDefinition{ID: "x", Category: "vip", Schedule: Recurring{}}
	err := bad.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.FieldErrors, "category")
	assert.Contains(t, verr.FieldErrors, "capacity")
	assert.Contains(t, verr.FieldErrors, "schedule.weekdays")
	assert.Contains(t, verr.FieldErrors, "schedule.end_date")
}
