package schedule

import "time"

// Decision is the outcome of evaluating a window at an instant
type Decision struct {
	SendNow   bool
	WaitUntil time.Time
	// Never is set when the window allows no day at all
	Never bool
}

// Wait returns the delay until the decision allows sending
func (d Decision) Wait(now time.Time) time.Duration {
	if d.SendNow || d.Never {
		return 0
	}
	return d.WaitUntil.Sub(now)
}

// Decide evaluates the window at now. It has no side effects.
//
// Outside an allowed weekday, or at or after the end of the window, the
// result is the start of the next allowed day. Before the start of an
// allowed day the result is today's start.
func Decide(w Window, now time.Time) Decision {
	if w.Days.Empty() {
		return Decision{Never: true}
	}

	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	if w.Days.Has(local.Weekday()) {
		tod := clockOf(local)
		if tod < w.Start {
			return Decision{WaitUntil: at(local, w.Start)}
		}
		if tod < w.End {
			return Decision{SendNow: true}
		}
	}

	for i := 1; i <= 7; i++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+i, 12, 0, 0, 0, loc)
		if w.Days.Has(day.Weekday()) {
			return Decision{WaitUntil: at(day, w.Start)}
		}
	}

	return Decision{Never: true}
}

// clockOf reads the wall clock, so DST transitions do not shift the window
func clockOf(t time.Time) Clock {
	return Clock(time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond()))
}

func at(day time.Time, c Clock) time.Time {
	d := time.Duration(c)
	return time.Date(day.Year(), day.Month(), day.Day(),
		int(d/time.Hour), int(d%time.Hour/time.Minute), 0, 0, day.Location())
}

// NextMidnight returns the start of the day after t in loc
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

// DayKey identifies the local calendar day of t
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}
