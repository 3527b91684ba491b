// Package schedule decides when a campaign may place its next voice drop.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // campaigns name arbitrary IANA zones
)

// Clock is a time of day expressed as the offset from local midnight
type Clock time.Duration

// ParseClock parses "15:04", "9:05" or 12-hour "4:00 PM" forms
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty time")
	}

	meridiem := ""
	if strings.HasSuffix(s, "AM") || strings.HasSuffix(s, "PM") {
		meridiem = s[len(s)-2:]
		s = strings.TrimSpace(s[:len(s)-2])
	}

	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	hours, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minutes, err := strconv.Atoi(mm)
	if err != nil || len(mm) != 2 || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", s)
	}

	switch meridiem {
	case "":
		if hours < 0 || hours > 23 {
			return 0, fmt.Errorf("invalid hour in %q", s)
		}
	default:
		if hours < 1 || hours > 12 {
			return 0, fmt.Errorf("invalid 12-hour time %q", s)
		}
		if hours == 12 {
			hours = 0
		}
		if meridiem == "PM" {
			hours += 12
		}
	}

	return Clock(time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute), nil
}

// String formats the clock as 24-hour HH:MM
func (c Clock) String() string {
	d := time.Duration(c)
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}

// Weekdays is a set of allowed days
type Weekdays uint8

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdays accepts names such as "Mon", "monday" or "TUE"
func ParseWeekdays(names []string) (Weekdays, error) {
	var days Weekdays
	for _, name := range names {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown weekday %q", name)
		}
		days = days.With(d)
	}
	return days, nil
}

// With returns the set including d
func (w Weekdays) With(d time.Weekday) Weekdays {
	return w | 1<<uint(d)
}

// Has reports whether d is in the set
func (w Weekdays) Has(d time.Weekday) bool {
	return w&(1<<uint(d)) != 0
}

// Empty reports whether no day is allowed
func (w Weekdays) Empty() bool {
	return w&0x7f == 0
}

// Names returns lower-case full day names starting from Monday
func (w Weekdays) Names() []string {
	order := []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday}
	var names []string
	for _, d := range order {
		if w.Has(d) {
			names = append(names, strings.ToLower(d.String()))
		}
	}
	return names
}

// BusinessDays is Monday through Friday
const BusinessDays Weekdays = 1<<uint(time.Monday) | 1<<uint(time.Tuesday) | 1<<uint(time.Wednesday) |
	1<<uint(time.Thursday) | 1<<uint(time.Friday)

// Labels seen in campaign forms, mapped to IANA zones
var zoneAliases = map[string]string{
	"EST":  "America/New_York",
	"EDT":  "America/New_York",
	"ET":   "America/New_York",
	"CST":  "America/Chicago",
	"CDT":  "America/Chicago",
	"CT":   "America/Chicago",
	"MST":  "America/Denver",
	"MDT":  "America/Denver",
	"MT":   "America/Denver",
	"PST":  "America/Los_Angeles",
	"PDT":  "America/Los_Angeles",
	"PT":   "America/Los_Angeles",
	"AKST": "America/Anchorage",
	"HST":  "Pacific/Honolulu",
	"UTC":  "UTC",
	"GMT":  "UTC",
}

// NormalizeZone maps labels like "EST (New York)" to an IANA name
func NormalizeZone(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	first, _, _ := strings.Cut(name, " ")
	if zone, ok := zoneAliases[strings.ToUpper(first)]; ok {
		return zone
	}
	return name
}

// LoadLocation resolves a zone name or alias
func LoadLocation(name string) (*time.Location, error) {
	zone := NormalizeZone(name)
	if zone == "" {
		return nil, fmt.Errorf("timezone is required")
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	return loc, nil
}

// Window is a parsed sending window
type Window struct {
	Start    Clock
	End      Clock
	Days     Weekdays
	Location *time.Location
}

// Validate checks the window is usable
func (w Window) Validate() error {
	if w.Location == nil {
		return fmt.Errorf("timezone is required")
	}
	if w.Start >= w.End {
		return fmt.Errorf("start time %s must be before end time %s", w.Start, w.End)
	}
	if w.Days.Empty() {
		return fmt.Errorf("at least one weekday is required")
	}
	return nil
}
