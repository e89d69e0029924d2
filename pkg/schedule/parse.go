package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RetainMax bounds the retain attribute of any schedule entry.
const RetainMax = 365

// MaxNameLen bounds the concatenated "group_entry" name; longer names
// would overflow the snapshot name budget once the numeric tail is
// appended.
const MaxNameLen = 18

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
	"sun": time.Sunday, "sunday": time.Sunday,
}

var monthNames = map[string]time.Month{
	"jan": time.January, "january": time.January,
	"feb": time.February, "february": time.February,
	"mar": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May,
	"jun": time.June, "june": time.June,
	"jul": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "september": time.September,
	"oct": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December,
}

// Spec is the raw schedule spec as it appears in the config document.
// All values arrive as strings; the YAML loader does not coerce types.
type Spec struct {
	Every    string `yaml:"every"`
	At       string `yaml:"at"`
	Until    string `yaml:"until"`
	Interval string `yaml:"interval"`
	Day      string `yaml:"day"`
	Retain   string `yaml:"retain"`
	Upload   string `yaml:"upload"`
}

// CommaList splits a comma separated list, dropping spaces.
func CommaList(s string) []string {
	return strings.Split(strings.ReplaceAll(s, " ", ""), ",")
}

// ParseTimeOfDay accepts the time shapes operators actually write:
// "09:00", "0900", "9am", "9:05am", "17".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	for _, layout := range []string{"15:04", "1504", "3:04pm", "3pm", "15"} {
		if t, err := time.Parse(layout, in); err == nil {
			return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
		}
	}
	return TimeOfDay{}, fmt.Errorf("invalid time spec %q", s)
}

func parseIntField(value, field, name string, min, max int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q for schedule %s: %w", field, value, name, err)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%s %d for schedule %s out of range [%d-%d]", field, n, name, min, max)
	}
	return n, nil
}

func parseUpload(value, name string) (UploadMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "no", "false", "0":
		return UploadNone, nil
	case "yes", "true", "1", "local":
		return UploadLocal, nil
	case "remote":
		return UploadRemote, nil
	}
	return UploadNone, fmt.Errorf("invalid upload spec %q for schedule %s", value, name)
}

func parseWeekdays(every string) (map[time.Weekday]bool, bool) {
	set := make(map[time.Weekday]bool)
	if strings.EqualFold(every, "day") {
		for d := time.Sunday; d <= time.Saturday; d++ {
			set[d] = true
		}
		return set, true
	}
	for _, part := range CommaList(every) {
		d, ok := weekdayNames[strings.ToLower(part)]
		if !ok {
			return nil, false
		}
		set[d] = true
	}
	return set, len(set) > 0
}

func parseMonths(every string) (map[time.Month]bool, bool) {
	set := make(map[time.Month]bool)
	if strings.EqualFold(every, "month") {
		for m := time.January; m <= time.December; m++ {
			set[m] = true
		}
		return set, true
	}
	for _, part := range CommaList(every) {
		m, ok := monthNames[strings.ToLower(part)]
		if !ok {
			return nil, false
		}
		set[m] = true
	}
	return set, len(set) > 0
}

// ParseEntry builds a schedule entry from its raw spec. groupName may be
// empty for single-spec groups, in which case entryName doubles as the
// group name.
func ParseEntry(groupName, entryName string, spec Spec) (*Entry, error) {
	name := entryName
	if groupName != "" {
		name = groupName + "_" + entryName
	}
	if len(name) > MaxNameLen {
		return nil, fmt.Errorf("schedule name %s too long (%d chars, max %d)", name, len(name), MaxNameLen)
	}

	e := &Entry{
		Name:      name,
		GroupName: groupName,
		Retain:    4,
		Upload:    UploadNone,
		Day:       1,
	}
	if e.GroupName == "" {
		e.GroupName = entryName
	}

	var err error
	if spec.Retain != "" {
		if e.Retain, err = parseIntField(spec.Retain, "retain", name, 0, RetainMax); err != nil {
			return nil, err
		}
	}
	if spec.Upload != "" {
		if e.Upload, err = parseUpload(spec.Upload, name); err != nil {
			return nil, err
		}
	}
	if spec.At != "" {
		if e.At, err = ParseTimeOfDay(spec.At); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	if spec.Day != "" {
		if e.Day, err = parseIntField(spec.Day, "day", name, 1, 31); err != nil {
			return nil, err
		}
	}

	if months, ok := parseMonths(spec.Every); ok {
		e.Kind = KindMonthly
		e.Months = months
		e.sortPriority = priorityMonthly
		return e, nil
	}
	weekdays, ok := parseWeekdays(spec.Every)
	if !ok {
		return nil, fmt.Errorf("invalid every spec %q for schedule %s", spec.Every, name)
	}
	e.Weekdays = weekdays

	if spec.Interval == "" {
		e.Kind = KindDaily
		e.sortPriority = priorityDaily
		return e, nil
	}

	e.Kind = KindInterval
	if e.IntervalMinutes, err = parseIntField(spec.Interval, "interval", name, 1, 1439); err != nil {
		return nil, err
	}
	e.Until = TimeOfDay{Hour: 23, Minute: 59}
	if spec.Until != "" {
		if e.Until, err = ParseTimeOfDay(spec.Until); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	e.sortPriority = intervalPriority(e.IntervalMinutes)
	return e, nil
}
