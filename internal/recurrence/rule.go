// Package recurrence computes run instants for scheduled messages.
//
// A Rule is a tagged variant keyed by Frequency. Occurrences form a series
// anchored at Rule.Start and evaluated in the rule's own timezone; Next returns
// the earliest occurrence strictly after a reference instant, normalized to UTC.
package recurrence

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// Frequency selects how a Rule's occurrences are generated.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Custom  Frequency = "custom" // fixed interval, e.g. every 90m
	Cron    Frequency = "cron"   // 5-field cron expression
)

// MaxInterval bounds Rule.Interval for the calendar frequencies.
const MaxInterval = 366

// ErrInvalidRule wraps every rule validation failure.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// Rule describes when a recurring message becomes due.
//
// Weekdays use time.Weekday numbering (0 = Sunday). TimeOfDay is local "HH:MM";
// when empty it is taken from Start in the rule's timezone. Every is a Go
// duration string used by Custom; Cron is used by Cron.
type Rule struct {
	Frequency      Frequency      `json:"frequency"`
	Interval       int            `json:"interval,omitempty"`
	Weekdays       []time.Weekday `json:"weekdays,omitempty"`
	DayOfMonth     int            `json:"day_of_month,omitempty"`
	TimeOfDay      string         `json:"time_of_day,omitempty"`
	Every          string         `json:"every,omitempty"`
	Cron           string         `json:"cron,omitempty"`
	Start          time.Time      `json:"start"`
	EndAt          *time.Time     `json:"end_at,omitempty"`
	MaxOccurrences int            `json:"max_occurrences,omitempty"`
	Timezone       string         `json:"timezone"`
}

var reTimeOfDay = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// compiled is a Rule with defaults applied and derived values resolved.
type compiled struct {
	Rule
	loc      *time.Location
	hour     int
	minute   int
	weekdays [7]bool
	every    time.Duration
	cron     cron.Schedule
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

// Validate reports whether the rule can produce occurrences.
func (r Rule) Validate() error {
	_, err := r.compile()
	return err
}

func (r Rule) compile() (*compiled, error) {
	c := &compiled{Rule: r}

	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, invalid("unknown timezone %q", c.Timezone)
	}
	c.loc = loc

	if c.Start.IsZero() {
		return nil, invalid("start is required")
	}
	if c.MaxOccurrences < 0 {
		return nil, invalid("max_occurrences must be >= 0")
	}
	if c.EndAt != nil && !c.EndAt.After(c.Start) {
		return nil, invalid("end_at must be after start")
	}

	if c.Interval == 0 {
		c.Interval = 1
	}
	if c.Interval < 1 || c.Interval > MaxInterval {
		return nil, invalid("interval must be between 1 and %d", MaxInterval)
	}

	localStart := c.Start.In(loc)

	switch c.Frequency {
	case Daily, Weekly, Monthly:
		if err := c.parseTimeOfDay(localStart); err != nil {
			return nil, err
		}
	case Custom:
		d, err := time.ParseDuration(c.Every)
		if err != nil {
			return nil, invalid("every must be a duration like 90m: %v", err)
		}
		if d < time.Minute {
			return nil, invalid("every must be at least 1m")
		}
		c.every = d
	case Cron:
		sched, err := cron.ParseStandard("CRON_TZ=" + c.Timezone + " " + c.Cron)
		if err != nil {
			return nil, invalid("cron expression %q: %v", c.Cron, err)
		}
		c.cron = sched
	default:
		return nil, invalid("unknown frequency %q", c.Frequency)
	}

	if c.Frequency == Weekly {
		if len(c.Weekdays) == 0 {
			c.weekdays[localStart.Weekday()] = true
		}
		for _, wd := range c.Weekdays {
			if wd < time.Sunday || wd > time.Saturday {
				return nil, invalid("weekday %d out of range 0..6", wd)
			}
			c.weekdays[wd] = true
		}
	}

	if c.Frequency == Monthly {
		if c.DayOfMonth == 0 {
			c.DayOfMonth = localStart.Day()
		}
		if c.DayOfMonth < 1 || c.DayOfMonth > 31 {
			return nil, invalid("day_of_month must be between 1 and 31")
		}
	}

	return c, nil
}

func (c *compiled) parseTimeOfDay(localStart time.Time) error {
	if c.TimeOfDay == "" {
		c.hour, c.minute = localStart.Hour(), localStart.Minute()
		return nil
	}
	m := reTimeOfDay.FindStringSubmatch(c.TimeOfDay)
	if m == nil {
		return invalid("time_of_day %q must be HH:MM", c.TimeOfDay)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if hh > 23 || mm > 59 {
		return invalid("time_of_day %q out of range", c.TimeOfDay)
	}
	c.hour, c.minute = hh, mm
	return nil
}
