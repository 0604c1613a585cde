package workshift

import "time"

// WeekBounds returns the ISO week containing t in loc: Monday 00:00 through
// the following Monday 00:00 (exclusive).
func WeekBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	offset := (int(local.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	start := time.Date(local.Year(), local.Month(), local.Day()-offset, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 7)
}

// sameWeek reports whether a and b fall in the same ISO week.
func sameWeek(a, b time.Time, loc *time.Location) bool {
	wa, _ := WeekBounds(a, loc)
	wb, _ := WeekBounds(b, loc)
	return wa.Equal(wb)
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// withTimeOfDay returns day's calendar date at ref's wall-clock time, in loc.
func withTimeOfDay(day, ref time.Time, loc *time.Location) time.Time {
	d := day.In(loc)
	r := ref.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), r.Hour(), r.Minute(), r.Second(), r.Nanosecond(), loc)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// TimePrecision is the finest instant every repository stores; Mongo keeps
// milliseconds. Parsed times are truncated to it so a stored record reads
// back equal to the one returned on write.
const TimePrecision = time.Millisecond

// parseTime accepts RFC 3339 timestamps and, for convenience, local
// timestamps or bare dates interpreted in loc.
func parseTime(field, value string, loc *time.Location) (time.Time, error) {
	for i, layout := range timeLayouts {
		var (
			t   time.Time
			err error
		)
		if i == 0 {
			t, err = time.Parse(layout, value)
		} else {
			t, err = time.ParseInLocation(layout, value, loc)
		}
		if err == nil {
			return t.Truncate(TimePrecision), nil
		}
	}
	return time.Time{}, invalid(ReasonField, "%s must be an ISO 8601 date or timestamp", field)
}

func dayLabel(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
