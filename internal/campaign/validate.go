package campaign

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/foxzi/voxdrop/internal/schedule"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON names so problems match the request body
	v.RegisterTagNameFunc(jsonFieldName)

	return v
}

func jsonFieldName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}

// collectStructErrors appends validator failures to ve
func collectStructErrors(ve *ValidationError, s any) {
	err := validate.Struct(s)
	if err == nil {
		return
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		ve.add("%v", err)
		return
	}

	for _, fe := range fieldErrs {
		field := strings.TrimPrefix(fe.Namespace(), "NewCampaign.")
		switch fe.Tag() {
		case "required":
			ve.add("%s is required", field)
		case "min":
			ve.add("%s must contain at least %s item(s)", field, fe.Param())
		case "gte":
			ve.add("%s must be at least %s", field, fe.Param())
		case "max":
			ve.add("%s must be at most %s characters", field, fe.Param())
		case "url":
			ve.add("%s must be a valid URL", field)
		case "email":
			ve.add("%s must be a valid email", field)
		default:
			ve.add("%s failed %s validation", field, fe.Tag())
		}
	}
}

// Window parses the schedule into a sending window
func (s Schedule) Window() (schedule.Window, error) {
	var w schedule.Window

	start, err := schedule.ParseClock(s.StartTime)
	if err != nil {
		return w, fmt.Errorf("start_time: %w", err)
	}
	end, err := schedule.ParseClock(s.EndTime)
	if err != nil {
		return w, fmt.Errorf("end_time: %w", err)
	}
	days, err := schedule.ParseWeekdays(s.Days)
	if err != nil {
		return w, fmt.Errorf("days: %w", err)
	}
	loc, err := schedule.LoadLocation(s.Timezone)
	if err != nil {
		return w, fmt.Errorf("timezone: %w", err)
	}

	w = schedule.Window{Start: start, End: end, Days: days, Location: loc}
	return w, w.Validate()
}

// validateSchedule checks the schedule and returns its canonical form
func validateSchedule(ve *ValidationError, s Schedule) Schedule {
	if s.MaxPerHour < 1 {
		ve.add("schedule.max_per_hour must be at least 1")
	}
	if s.DailyLimit < 0 {
		ve.add("schedule.daily_limit must not be negative")
	}
	if s.DelayMinutes < 0 {
		ve.add("schedule.delay_minutes must not be negative")
	}

	start, err := schedule.ParseClock(s.StartTime)
	if err != nil {
		ve.add("schedule.start_time: %v", err)
	}
	end, err2 := schedule.ParseClock(s.EndTime)
	if err2 != nil {
		ve.add("schedule.end_time: %v", err2)
	}
	if err == nil && err2 == nil && start >= end {
		ve.add("schedule.start_time %s must be before end_time %s", start, end)
	}

	days, err := schedule.ParseWeekdays(s.Days)
	switch {
	case err != nil:
		ve.add("schedule.days: %v", err)
	case days.Empty():
		ve.add("schedule.days must contain at least one weekday")
	}

	zone := schedule.NormalizeZone(s.Timezone)
	if _, err := schedule.LoadLocation(zone); err != nil {
		ve.add("schedule.timezone: %v", err)
	}

	if len(ve.Problems) > 0 {
		return s
	}

	return Schedule{
		StartTime:    start.String(),
		EndTime:      end.String(),
		Timezone:     zone,
		Days:         days.Names(),
		MaxPerHour:   s.MaxPerHour,
		DailyLimit:   s.DailyLimit,
		DelayMinutes: s.DelayMinutes,
	}
}

// validateNew checks a creation request and returns the normalized schedule
func validateNew(nc *NewCampaign) (Schedule, error) {
	ve := &ValidationError{}
	if nc == nil {
		ve.add("request is required")
		return Schedule{}, ve
	}

	collectStructErrors(ve, nc)
	if strings.TrimSpace(nc.Script) == "" && nc.Script != "" {
		ve.add("script is required")
	}

	seen := make(map[string]int, len(nc.Contacts))
	for i, c := range nc.Contacts {
		if strings.TrimSpace(c.Phone) == "" && c.Phone != "" {
			ve.add("contacts[%d].phone is required", i)
		}
		if c.ID == "" {
			continue
		}
		if prev, dup := seen[c.ID]; dup {
			ve.add("contacts[%d].id %q duplicates contacts[%d]", i, c.ID, prev)
			continue
		}
		seen[c.ID] = i
	}

	sched := validateSchedule(ve, nc.Schedule)
	return sched, ve.orNil()
}
