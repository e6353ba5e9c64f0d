/*
Package factory converts loosely typed JSON from the scheduling and
catalog subsystems into engine types.

PURPOSE:
  Class definitions arrive from an admin UI that historically sent the
  recurrence flag as 1, "1", true or "true", and weekdays as names or
  numbers. All of that is normalised here; the engine only ever sees a
  typed studio.Schedule (Single or Recurring).

JSON SCHEMA (class):
  {
    "id": "yoga-evening",
    "name": "Evening Yoga",
    "category": "group",
    "capacity": 12,
    "is_recurring": "1",
    "recurring_days": ["monday", 3],
    "start_date": "2026-09-01",
    "end_date": "2026-12-31",
    "start_time": "18:00",
    "duration_minutes": 60,
    "instructors": ["ana"]
  }

  One-off classes set is_recurring false and give "date" either as
  RFC 3339 or as "2006-01-02T15:04" in the studio time zone.

SEE ALSO:
  - factory/package.go: package template catalogs
  - studio/occurrence.go: how schedules are resolved
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// LOOSE JSON SCALARS
// =============================================================================

// FlexBool accepts true/false, 1/0 and their string forms.
type FlexBool bool

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	s := strings.ToLower(strings.Trim(strings.TrimSpace(string(data)), `"`))
	switch s {
	case "true", "1", "yes":
		*b = true
	case "false", "0", "no", "", "null":
		*b = false
	default:
		return fmt.Errorf("cannot read %s as a boolean", data)
	}
	return nil
}

// FlexWeekday accepts 0-6 (Sunday first), numeric strings, and English
// day names or three-letter abbreviations.
type FlexWeekday time.Weekday

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func (w *FlexWeekday) UnmarshalJSON(data []byte) error {
	s := strings.ToLower(strings.Trim(strings.TrimSpace(string(data)), `"`))
	if d, ok := weekdayNames[s]; ok {
		*w = FlexWeekday(d)
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 6 {
		return fmt.Errorf("cannot read %s as a weekday", data)
	}
	*w = FlexWeekday(n)
	return nil
}

// =============================================================================
// CLASS JSON
// =============================================================================

type ClassJSON struct {
	ID              string        `json:"id" validate:"required"`
	Name            string        `json:"name" validate:"required"`
	Category        string        `json:"category" validate:"required,oneof=group private"`
	Capacity        int           `json:"capacity" validate:"gte=0"`
	IsRecurring     FlexBool      `json:"is_recurring"`
	Date            string        `json:"date,omitempty"`
	RecurringDays   []FlexWeekday `json:"recurring_days,omitempty"`
	StartDate       string        `json:"start_date,omitempty"`
	EndDate         string        `json:"end_date,omitempty"`
	StartTime       string        `json:"start_time,omitempty"`
	DurationMinutes int           `json:"duration_minutes" validate:"gte=0"`
	Instructors     []string      `json:"instructors,omitempty"`
}

// ClassFactory builds class definitions. Location is the studio time
// zone used for one-off dates without an offset; nil means UTC.
type ClassFactory struct {
	Location *time.Location
}

func NewClassFactory(loc *time.Location) *ClassFactory {
	return &ClassFactory{Location: loc}
}

// ParseClass parses and converts a JSON class definition.
func (f *ClassFactory) ParseClass(data []byte) (studio.ClassDefinition, error) {
	var cj ClassJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return studio.ClassDefinition{}, fmt.Errorf("failed to parse class JSON: %w", err)
	}
	return f.FromJSON(cj)
}

// FromJSON converts cj, collecting every field problem into one
// *studio.ValidationError.
func (f *ClassFactory) FromJSON(cj ClassJSON) (studio.ClassDefinition, error) {
	verr := &studio.ValidationError{}
	def := studio.ClassDefinition{
		ID:          studio.ClassID(cj.ID),
		Name:        cj.Name,
		Category:    studio.Category(cj.Category),
		Capacity:    cj.Capacity,
		Duration:    time.Duration(cj.DurationMinutes) * time.Minute,
		Instructors: cj.Instructors,
		Status:      studio.ClassActive,
	}

	if cj.IsRecurring {
		def.Schedule = f.recurring(cj, verr)
	} else {
		def.Schedule = f.single(cj, verr)
	}
	if verr.HasErrors() {
		return def, verr
	}
	return def, nil
}

func (f *ClassFactory) single(cj ClassJSON, verr *studio.ValidationError) studio.Schedule {
	if cj.Date == "" {
		verr.Add("date", "required for a one-off class")
		return nil
	}
	at, err := f.parseInstant(cj.Date)
	if err != nil {
		verr.Add("date", err.Error())
		return nil
	}
	return studio.Single{At: at}
}

func (f *ClassFactory) recurring(cj ClassJSON, verr *studio.ValidationError) studio.Schedule {
	r := studio.Recurring{}
	seen := make(map[time.Weekday]bool)
	for _, d := range cj.RecurringDays {
		wd := time.Weekday(d)
		if !seen[wd] {
			seen[wd] = true
			r.Weekdays = append(r.Weekdays, wd)
		}
	}
	if len(r.Weekdays) == 0 {
		verr.Add("recurring_days", "at least one weekday is required")
	}

	if cj.EndDate == "" {
		verr.Add("end_date", "required for a recurring class")
	} else if d, err := studio.ParseDate(cj.EndDate); err != nil {
		verr.Add("end_date", err.Error())
	} else {
		r.EndDate = d
	}

	if cj.StartDate != "" {
		d, err := studio.ParseDate(cj.StartDate)
		if err != nil {
			verr.Add("start_date", err.Error())
		} else {
			r.StartDate = d
		}
	}

	if cj.StartTime == "" {
		verr.Add("start_time", "required for a recurring class")
	} else if t, err := studio.ParseTimeOfDay(cj.StartTime); err != nil {
		verr.Add("start_time", err.Error())
	} else {
		r.StartTime = t
	}
	return r
}

func (f *ClassFactory) parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("2006-01-02T15:04", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or YYYY-MM-DDTHH:MM, got %q", s)
	}
	return t.UTC(), nil
}

// ToJSON renders a definition back in the canonical ingress shape.
func ToJSON(def studio.ClassDefinition, loc *time.Location) ClassJSON {
	if loc == nil {
		loc = time.UTC
	}
	cj := ClassJSON{
		ID:              string(def.ID),
		Name:            def.Name,
		Category:        string(def.Category),
		Capacity:        def.Capacity,
		DurationMinutes: int(def.Duration / time.Minute),
		Instructors:     def.Instructors,
	}
	switch s := def.Schedule.(type) {
	case studio.Single:
		cj.Date = s.At.In(loc).Format(time.RFC3339)
	case studio.Recurring:
		cj.IsRecurring = true
		for _, d := range s.Weekdays {
			cj.RecurringDays = append(cj.RecurringDays, FlexWeekday(d))
		}
		if !s.StartDate.IsZero() {
			cj.StartDate = s.StartDate.Format(studio.DateLayout)
		}
		cj.EndDate = s.EndDate.Format(studio.DateLayout)
		cj.StartTime = s.StartTime.String()
	}
	return cj
}
