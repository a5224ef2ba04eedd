package recurrence

import "time"

// Next returns the earliest occurrence of rule strictly after `after`, in UTC.
//
// occurrences is the number of scheduled runs already performed; once it reaches
// MaxOccurrences, or the next candidate falls past EndAt, Next returns false.
// An invalid rule also yields false; callers validate on write.
func Next(rule Rule, after time.Time, occurrences int) (time.Time, bool) {
	c, err := rule.compile()
	if err != nil {
		return time.Time{}, false
	}
	if c.MaxOccurrences > 0 && occurrences >= c.MaxOccurrences {
		return time.Time{}, false
	}

	// Occurrences never precede the anchor.
	floor := after
	if s := c.Start.Add(-time.Nanosecond); s.After(floor) {
		floor = s
	}

	var (
		t  time.Time
		ok bool
	)
	switch c.Frequency {
	case Daily:
		t, ok = c.nextDaily(floor)
	case Weekly:
		t, ok = c.nextWeekly(floor)
	case Monthly:
		t, ok = c.nextMonthly(floor)
	case Custom:
		t, ok = c.nextCustom(floor)
	case Cron:
		t = c.cron.Next(floor)
		ok = !t.IsZero()
	}
	if !ok {
		return time.Time{}, false
	}
	if c.EndAt != nil && t.After(*c.EndAt) {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func (c *compiled) nextDaily(floor time.Time) (time.Time, bool) {
	anchor := civilDate(c.Start.In(c.loc))
	days := daysBetween(anchor, civilDate(floor.In(c.loc)))

	k := 0
	if days > 0 {
		k = days / c.Interval
	}
	// A DST shift moves a candidate by at most a few hours, so three steps suffice.
	for i := k; i < k+3; i++ {
		d := anchor.AddDate(0, 0, i*c.Interval)
		t := resolveLocal(d.Year(), d.Month(), d.Day(), c.hour, c.minute, c.loc)
		if t.After(floor) {
			return t, true
		}
	}
	return time.Time{}, false
}

func (c *compiled) nextWeekly(floor time.Time) (time.Time, bool) {
	anchor := civilDate(c.Start.In(c.loc))
	anchorWeek := anchor.AddDate(0, 0, -int(anchor.Weekday()))

	day := civilDate(floor.In(c.loc))
	if day.Before(anchor) {
		day = anchor
	}
	// Walk forward until an allowed weekday in an eligible week lands after floor.
	limit := 7*(c.Interval+1) + 7
	for i := 0; i < limit; i++ {
		d := day.AddDate(0, 0, i)
		if !c.weekdays[d.Weekday()] {
			continue
		}
		week := d.AddDate(0, 0, -int(d.Weekday()))
		if (daysBetween(anchorWeek, week)/7)%c.Interval != 0 {
			continue
		}
		t := resolveLocal(d.Year(), d.Month(), d.Day(), c.hour, c.minute, c.loc)
		if t.After(floor) {
			return t, true
		}
	}
	return time.Time{}, false
}

func (c *compiled) nextMonthly(floor time.Time) (time.Time, bool) {
	start := c.Start.In(c.loc)
	anchor := monthIndex(start.Year(), start.Month())
	local := floor.In(c.loc)
	current := monthIndex(local.Year(), local.Month())

	k := 0
	if current > anchor {
		k = (current - anchor) / c.Interval
	}
	for i := k; i < k+3; i++ {
		y, m := fromMonthIndex(anchor + i*c.Interval)
		day := c.DayOfMonth
		if n := daysIn(y, m); day > n {
			day = n
		}
		t := resolveLocal(y, m, day, c.hour, c.minute, c.loc)
		if t.After(floor) {
			return t, true
		}
	}
	return time.Time{}, false
}

func (c *compiled) nextCustom(floor time.Time) (time.Time, bool) {
	start := c.Start
	if start.After(floor) {
		return start, true
	}
	n := floor.Sub(start)/c.every + 1
	return start.Add(n * c.every), true
}
