package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/JonMunkholm/healthdata/internal/models"
)

var (
	dateLayouts = []string{
		"1/2/2006", "2006-01-02", "2006/01/02",
	}
	timeLayouts = []string{
		"15:04:05", "15:04", "3:04:05 PM", "3:04 PM",
	}
	// dateTimeLayouts is every date layout joined with every time layout,
	// plus the bare dates (midnight).
	dateTimeLayouts = buildDateTimeLayouts()
)

func buildDateTimeLayouts() []string {
	out := make([]string, 0, len(dateLayouts)*(len(timeLayouts)+1))
	for _, d := range dateLayouts {
		for _, t := range timeLayouts {
			out = append(out, d+" "+t)
		}
	}
	return append(out, dateLayouts...)
}

// parseDateTime reads a naive date-time in loc.
func parseDateTime(s string, loc *time.Location) (time.Time, error) {
	s = normalizeMeridiem(s)
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date-time %q", s)
}

// parseDate reads a calendar date with no time part.
func parseDate(s string) (year int, month time.Month, day int, err error) {
	for _, layout := range dateLayouts {
		if t, perr := time.Parse(layout, s); perr == nil {
			year, month, day = t.Date()
			return year, month, day, nil
		}
	}
	return 0, 0, 0, fmt.Errorf("unrecognized date %q", s)
}

// ParseClock reads a time of day (24-hour or with AM/PM, seconds optional)
// as an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	s = normalizeMeridiem(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return sinceMidnight(t), nil
		}
	}
	return 0, fmt.Errorf("unrecognized time %q", s)
}

// normalizeMeridiem upper-cases am/pm so "1:00 am" matches the PM layouts.
func normalizeMeridiem(s string) string {
	s = strings.TrimSpace(s)
	if n := len(s); n >= 2 {
		switch strings.ToLower(s[n-2:]) {
		case "am", "pm":
			return s[:n-2] + strings.ToUpper(s[n-2:])
		}
	}
	return s
}

// at builds the instant for a civil date and clock offset in loc.
func at(year int, month time.Month, day int, clock time.Duration, loc *time.Location) time.Time {
	h := int(clock / time.Hour)
	m := int(clock % time.Hour / time.Minute)
	sec := int(clock % time.Minute / time.Second)
	return time.Date(year, month, day, h, m, sec, int(clock%time.Second), loc)
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}

// EffectiveDate applies the next-day cutoff rule: an event whose local clock
// time falls in [00:00, cutoff) belongs to the previous calendar day.
func EffectiveDate(actual time.Time, cutoff time.Duration, loc *time.Location) models.Date {
	if loc != nil {
		actual = actual.In(loc)
	}
	d := models.DateOf(actual)
	if sinceMidnight(actual) < cutoff {
		return d.AddDays(-1)
	}
	return d
}
