/*
occurrence.go - Class schedules and the occurrence resolver

PURPOSE:
  Decides whether a calendar date is a bookable occurrence of a class and
  expands a class into its concrete occurrences for a window. The resolver
  is pure: it reads a definition and a set of cancelled dates and never
  touches the store.

SCHEDULES:
  Single{At}:     one dated instance; valid only on At's calendar date
  Recurring{...}: weekday set within [StartDate, EndDate] at StartTime

RULES (recurring):
  valid(date) = weekday(date) in Weekdays
                AND StartDate <= date <= EndDate   (zero StartDate = unbounded)
                AND date not in cancelled

SEE ALSO:
  - booking.go: resolves before any ledger mutation
  - factory/class.go: builds Schedule values from loosely typed JSON
*/
package studio

import "time"

// =============================================================================
// SCHEDULE - Sum type: Single | Recurring
// =============================================================================

type Schedule interface {
	isSchedule()
}

// Single is a one-off class starting at At.
type Single struct {
	At time.Time
}

// Recurring repeats on Weekdays between StartDate and EndDate (inclusive).
type Recurring struct {
	Weekdays  []time.Weekday
	StartDate time.Time
	EndDate   time.Time
	StartTime TimeOfDay
}

func (Single) isSchedule()    {}
func (Recurring) isSchedule() {}

func (r Recurring) hasWeekday(wd time.Weekday) bool {
	for _, d := range r.Weekdays {
		if d == wd {
			return true
		}
	}
	return false
}

// =============================================================================
// CANCELLED SET
// =============================================================================

// CancelledSet is the set of withdrawn dates of one class.
type CancelledSet map[string]struct{}

func NewCancelledSet(dates ...time.Time) CancelledSet {
	s := make(CancelledSet, len(dates))
	for _, d := range dates {
		s[d.Format(DateLayout)] = struct{}{}
	}
	return s
}

func (s CancelledSet) Contains(date time.Time) bool {
	if s == nil {
		return false
	}
	_, ok := s[date.Format(DateLayout)]
	return ok
}

// =============================================================================
// RESOLVER
// =============================================================================

// Occurrence is one concrete instance of a class.
type Occurrence struct {
	ClassID   ClassID
	Date      time.Time
	Start     time.Time
	End       time.Time
	Cancelled bool
}

// OccurrenceResolver interprets schedules in the studio's time zone.
type OccurrenceResolver struct {
	Location *time.Location
}

func (r OccurrenceResolver) location() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

// IsValidOccurrence reports whether date is a bookable, non-cancelled
// occurrence of def.
func (r OccurrenceResolver) IsValidOccurrence(def ClassDefinition, date time.Time, cancelled CancelledSet) bool {
	date = DateOf(date, time.UTC)
	switch s := def.Schedule.(type) {
	case Single:
		return sameDate(DateOf(s.At, r.location()), date)
	case Recurring:
		if !s.hasWeekday(date.Weekday()) {
			return false
		}
		if !s.StartDate.IsZero() && date.Before(DateOf(s.StartDate, time.UTC)) {
			return false
		}
		if date.After(DateOf(s.EndDate, time.UTC)) {
			return false
		}
		return !cancelled.Contains(date)
	}
	return false
}

// Start returns the instant the occurrence on date begins. For a single
// class the date is ignored.
func (r OccurrenceResolver) Start(def ClassDefinition, date *time.Time) time.Time {
	switch s := def.Schedule.(type) {
	case Single:
		return s.At
	case Recurring:
		if date == nil {
			return time.Time{}
		}
		return time.Date(date.Year(), date.Month(), date.Day(),
			s.StartTime.Hour, s.StartTime.Minute, 0, 0, r.location())
	}
	return time.Time{}
}

// Expand lists the occurrences of def whose date falls in [from, to].
// Cancelled dates are included and flagged so calendars can show them.
func (r OccurrenceResolver) Expand(def ClassDefinition, from, to time.Time, cancelled CancelledSet) []Occurrence {
	from, to = DateOf(from, time.UTC), DateOf(to, time.UTC)
	if to.Before(from) {
		return nil
	}

	var out []Occurrence
	switch s := def.Schedule.(type) {
	case Single:
		d := DateOf(s.At, r.location())
		if d.Before(from) || d.After(to) {
			return nil
		}
		out = append(out, r.occurrence(def, d, false))

	case Recurring:
		lower := from
		if !s.StartDate.IsZero() && DateOf(s.StartDate, time.UTC).After(lower) {
			lower = DateOf(s.StartDate, time.UTC)
		}
		upper := to
		if end := DateOf(s.EndDate, time.UTC); end.Before(upper) {
			upper = end
		}
		for d := lower; !d.After(upper); d = d.AddDate(0, 0, 1) {
			if !s.hasWeekday(d.Weekday()) {
				continue
			}
			out = append(out, r.occurrence(def, d, cancelled.Contains(d)))
		}
	}
	return out
}

func (r OccurrenceResolver) occurrence(def ClassDefinition, d time.Time, cancelled bool) Occurrence {
	start := r.Start(def, &d)
	return Occurrence{
		ClassID:   def.ID,
		Date:      d,
		Start:     start,
		End:       start.Add(def.Duration),
		Cancelled: cancelled,
	}
}
