package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/clusterfs/snaptool/pkg/log"
)

// UploadMode says whether a snapshot should be stowed after creation,
// and to which object store.
type UploadMode string

const (
	UploadNone   UploadMode = "none"
	UploadLocal  UploadMode = "local"
	UploadRemote UploadMode = "remote"
)

// Kind is the recurrence variant of a schedule entry.
type Kind string

const (
	KindMonthly  Kind = "monthly"
	KindDaily    Kind = "daily"
	KindInterval Kind = "interval"
)

// Sort priorities. A lower value wins the tie-break when two entries
// fire at the same instant; intervals always lose to monthlies and
// dailies, and a higher-cadence interval beats a lower-cadence one.
const (
	priorityMonthly = 10
	priorityDaily   = 50
)

func intervalPriority(intervalMinutes int) int {
	return 100 + intervalMinutes
}

// FarFuture is the fire time of entries with retain=0; it sorts after
// every real instant.
var FarFuture = time.Date(9999, time.December, 31, 23, 59, 0, 0, time.Local)

// TimeOfDay is a wall-clock hour and minute.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// on anchors the time of day onto a calendar date.
func (t TimeOfDay) on(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, d.Location())
}

// Entry is one recurrence unit inside a schedule group.
type Entry struct {
	Name      string
	GroupName string
	Kind      Kind
	Retain    int
	Upload    UploadMode
	At        TimeOfDay

	// monthly
	Months map[time.Month]bool
	Day    int

	// daily and interval
	Weekdays map[time.Weekday]bool

	// interval
	IntervalMinutes int
	Until           TimeOfDay

	sortPriority int
	nextFire     time.Time
}

// NoUpload reports whether the entry skips stow; used as the last
// tie-break key so uploading entries win conflicting fire instants.
func (e *Entry) NoUpload() bool {
	return e.Upload == UploadNone
}

// SortPriority exposes the entry's tie-break rank.
func (e *Entry) SortPriority() int {
	return e.sortPriority
}

func (e *Entry) String() string {
	switch e.Kind {
	case KindMonthly:
		return fmt.Sprintf("Monthly:%s:at=%s:retain=%d:upload=%s:day=%d", e.Name, e.At, e.Retain, e.Upload, e.Day)
	case KindInterval:
		return fmt.Sprintf("Interval:%s:at=%s:until=%s:interval=%dm:retain=%d:upload=%s",
			e.Name, e.At, e.Until, e.IntervalMinutes, e.Retain, e.Upload)
	default:
		return fmt.Sprintf("Daily:%s:at=%s:retain=%d:upload=%s", e.Name, e.At, e.Retain, e.Upload)
	}
}

// normalize truncates sub-minute fields so fire instants always land on
// whole minutes.
func normalize(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), 0, 0, now.Location())
}

// NextFire returns the next fire instant for the entry at or after now.
// Entries with retain=0 never fire. The previous result is memoised:
// calling again with an earlier or equal now returns the same instant,
// so a planner tick never re-fires a schedule it already planned.
func (e *Entry) NextFire(now time.Time) time.Time {
	if e.Retain == 0 {
		log.Logger.Warn().Str("entry", e.Name).Msg("Schedule entry has retain=0, will never fire")
		e.nextFire = FarFuture
		return e.nextFire
	}
	now = normalize(now)
	if !e.nextFire.IsZero() && !e.nextFire.Before(now) {
		return e.nextFire
	}
	switch e.Kind {
	case KindMonthly:
		e.nextFire = e.nextMonthly(now)
	case KindInterval:
		e.nextFire = e.nextInterval(now)
	default:
		e.nextFire = e.nextDaily(now, e.At)
	}
	return e.nextFire
}

// LastFire returns the memoised fire instant without recomputing; zero
// until NextFire has been called.
func (e *Entry) LastFire() time.Time {
	return e.nextFire
}

// nextMonthly walks candidate months in the configured set starting at
// the current month, clamping the day of month to the month's length
// (Feb 31 fires on Feb 28/29).
func (e *Entry) nextMonthly(now time.Time) time.Time {
	year, month := now.Year(), now.Month()
	for i := 0; i < 25; i++ {
		if e.Months[month] {
			day := e.Day
			if last := daysIn(year, month); day > last {
				day = last
			}
			candidate := time.Date(year, month, day, e.At.Hour, e.At.Minute, 0, 0, now.Location())
			if !candidate.Before(now) {
				return candidate
			}
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
	return FarFuture
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// nextDaily finds the first instant at the given time of day on a
// configured weekday, starting today.
func (e *Entry) nextDaily(now time.Time, at TimeOfDay) time.Time {
	for i := 0; i < 8; i++ {
		d := now.AddDate(0, 0, i)
		if !e.Weekdays[d.Weekday()] {
			continue
		}
		candidate := at.on(d)
		if !candidate.Before(now) {
			return candidate
		}
	}
	return FarFuture
}

// nextInterval walks the sub-day cadence on the first valid weekday. The
// candidate set runs from the start time in interval steps up to and
// including the stop time; if today's last candidate has passed, the
// next valid weekday's start wins.
func (e *Entry) nextInterval(now time.Time) time.Time {
	until := e.nextDaily(now, e.Until)
	start := e.At.on(until)
	if !now.After(start) {
		return start
	}
	// Last candidate not beyond the stop time and not more than one
	// interval ahead of now.
	limit := now.Add(time.Duration(e.IntervalMinutes-1) * time.Minute)
	if until.Before(limit) {
		limit = until
	}
	candidate := start
	for {
		next := candidate.Add(time.Duration(e.IntervalMinutes) * time.Minute)
		if next.After(limit) {
			break
		}
		candidate = next
	}
	if candidate.Before(now) {
		// Today is exhausted, advance to the next valid weekday's start.
		return e.nextDaily(start.AddDate(0, 0, 1), e.At)
	}
	return candidate
}

// Group is a named collection of schedule entries plus the filesystems
// bound to it. Its fire time and tie-break keys come from its earliest
// entry after UpdateFireTimes.
type Group struct {
	Name        string
	Entries     []*Entry
	Filesystems []string

	NextFire     time.Time
	sortPriority int
	noUpload     bool
}

func (g *Group) String() string {
	return fmt.Sprintf("(Group %s: %d entries; filesystems: %v)", g.Name, len(g.Entries), g.Filesystems)
}

// UpdateFireTimes recomputes every entry's next fire instant, sorts the
// entries by (next_fire, sort_priority, no_upload), and lifts the head
// entry's keys onto the group.
func (g *Group) UpdateFireTimes(now time.Time) {
	for _, e := range g.Entries {
		e.NextFire(now)
	}
	sort.SliceStable(g.Entries, func(i, j int) bool {
		return entryLess(g.Entries[i], g.Entries[j])
	})
	g.NextFire = FarFuture
	g.sortPriority = 9999
	g.noUpload = true
	if len(g.Entries) > 0 {
		head := g.Entries[0]
		g.NextFire = head.nextFire
		g.sortPriority = head.sortPriority
		g.noUpload = head.NoUpload()
	}
}

func entryLess(a, b *Entry) bool {
	if !a.nextFire.Equal(b.nextFire) {
		return a.nextFire.Before(b.nextFire)
	}
	if a.sortPriority != b.sortPriority {
		return a.sortPriority < b.sortPriority
	}
	return !a.NoUpload() && b.NoUpload()
}

// SortGroups orders groups by the same tuple entries use.
func SortGroups(groups []*Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if !a.NextFire.Equal(b.NextFire) {
			return a.NextFire.Before(b.NextFire)
		}
		if a.sortPriority != b.sortPriority {
			return a.sortPriority < b.sortPriority
		}
		return !a.noUpload && b.noUpload
	})
}
