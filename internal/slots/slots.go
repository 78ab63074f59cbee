// Package slots generates candidate meeting start times for a single day.
package slots

import (
	"time"
)

// Window describes the working day of a calendar owner and the day a viewer is looking at.
type Window struct {
	CalendarTimeZone string // owner's zone; working hours are expressed in it
	EventLength      int    // minutes, must be positive
	SelectedTimeZone string // viewer's zone
	SelectedDate     time.Time
	DayStartTime     int // minutes from midnight
	DayEndTime       int // minutes from midnight
	Weekdays         []time.Weekday

	// Now is the reference instant; slots at or before it are dropped. Zero means time.Now().
	Now time.Time
}

// Slot is a candidate start time expressed in the viewer's zone.
type Slot struct {
	Time time.Time
}

// Generate returns the start times within w, strictly increasing.
// Malformed windows yield no slots.
func Generate(w Window) []Slot {
	if w.SelectedDate.IsZero() || w.EventLength <= 0 {
		return nil
	}
	if w.DayStartTime < 0 || w.DayEndTime > 24*60 || w.DayStartTime >= w.DayEndTime {
		return nil
	}

	selected, err := time.LoadLocation(w.SelectedTimeZone)
	if err != nil {
		return nil
	}
	date := w.SelectedDate.In(selected)
	if !allowed(w.Weekdays, date.Weekday()) {
		return nil
	}

	now := w.Now
	if now.IsZero() {
		now = time.Now()
	}

	lowerBound := startOfDay(date)
	upperBound := lowerBound.AddDate(0, 0, 1) // exclusive

	if w.CalendarTimeZone == w.SelectedTimeZone {
		return walk(w, lowerBound, 0, lowerBound, upperBound, selected, now)
	}

	calendar, err := time.LoadLocation(w.CalendarTimeZone)
	if err != nil {
		return nil
	}
	return crossZone(w, lowerBound, calendar, selected, now)
}

// crossZone walks the owner's working day anchored on the owner's calendar date that
// contains the start of the viewer's day, keeping only starts inside the viewer's day.
func crossZone(w Window, lowerBound time.Time, calendar, selected *time.Location, now time.Time) []Slot {
	anchor := startOfDay(lowerBound.In(calendar))

	// first step boundary at or after the viewer's midnight
	phase := 0
	if gap := MinutesFromMidnight(lowerBound.In(calendar)) - w.DayStartTime; gap > 0 {
		phase = gap
		if rem := gap % w.EventLength; rem != 0 {
			phase = gap + w.EventLength - rem
		}
	}

	upperBound := lowerBound.AddDate(0, 0, 1)
	out := walk(w, anchor, phase, lowerBound, upperBound, calendar, now)
	for i := range out {
		out[i].Time = out[i].Time.In(selected)
	}
	return out
}

// walk steps through the owner's wall clock from DayStartTime+offset on anchor's date, one event
// length at a time, until upperBound. Candidates are built from wall-clock minutes so DST changes
// do not shift them off the owner's working hours. Starts outside [lowerBound, upperBound), outside
// the working window or not after now are dropped.
func walk(w Window, anchor time.Time, offset int, lowerBound, upperBound time.Time, loc *time.Location, now time.Time) []Slot {
	y, m, d := anchor.Date()

	var out []Slot
	for minutes := offset; ; minutes += w.EventLength {
		t := time.Date(y, m, d, 0, w.DayStartTime+minutes, 0, 0, loc)
		if !t.Before(upperBound) {
			break
		}
		wall := MinutesFromMidnight(t)
		// a wall time inside a spring-forward gap does not exist and normalizes to another hour
		if wall != (w.DayStartTime+minutes)%(24*60) {
			continue
		}
		if t.Before(lowerBound) || wall < w.DayStartTime || wall > w.DayEndTime-w.EventLength || !t.After(now) {
			continue
		}
		out = append(out, Slot{Time: t})
	}
	return out
}

// MinutesFromMidnight returns the wall-clock minutes of t in its own location.
func MinutesFromMidnight(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func allowed(days []time.Weekday, d time.Weekday) bool {
	for _, w := range days {
		if w == d {
			return true
		}
	}
	return false
}
