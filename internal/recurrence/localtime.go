package recurrence

import "time"

// resolveLocal converts a local civil time in loc to an absolute instant.
//
// A wall time that falls in a spring-forward gap resolves to the first valid
// local time after the gap. A wall time that occurs twice resolves to the
// first occurrence.
func resolveLocal(y int, m time.Month, d, hh, mm int, loc *time.Location) time.Time {
	naive := time.Date(y, m, d, hh, mm, 0, 0, time.UTC)

	var (
		best   time.Time
		before time.Time
	)
	for i, shift := range []time.Duration{-24 * time.Hour, 24 * time.Hour} {
		_, offset := naive.Add(shift).In(loc).Zone()
		candidate := naive.Add(-time.Duration(offset) * time.Second)
		if i == 0 {
			before = candidate
		}
		if !sameWallClock(candidate.In(loc), y, m, d, hh, mm) {
			continue
		}
		if best.IsZero() || candidate.Before(best) {
			best = candidate
		}
	}
	if !best.IsZero() {
		return best
	}

	// Gap: applying the pre-transition offset lands just past the transition,
	// and the zone period containing it starts at the first valid local time.
	start, _ := before.In(loc).ZoneBounds()
	if start.IsZero() {
		return before
	}
	return start
}

func sameWallClock(t time.Time, y int, m time.Month, d, hh, mm int) bool {
	return t.Year() == y && t.Month() == m && t.Day() == d && t.Hour() == hh && t.Minute() == mm
}

// civilDate returns t's calendar date as midnight UTC.
func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func daysBetween(a, b time.Time) int {
	return int(b.Sub(a) / (24 * time.Hour))
}

func monthIndex(y int, m time.Month) int {
	return y*12 + int(m) - 1
}

func fromMonthIndex(i int) (int, time.Month) {
	return i / 12, time.Month(i%12 + 1)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
