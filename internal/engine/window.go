package engine

import (
	"fmt"
	"strings"
	"time"
)

// Weekday bitmask, Sunday = bit 0, matching time.Weekday.
type daysMask uint8

const allDays daysMask = 0x7f

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// Window is a recurring maintenance window: a set of days plus a start-end
// time range that may wrap midnight. The zero Window is unset and permits
// everything.
type Window struct {
	days  daysMask
	start int // minutes from midnight
	end   int
	set   bool
}

// ParseWindow parses a window expression such as "mon,tue 22:00-06:00",
// "daily 02:00-04:00" or a bare "22:00-06:00" (every day). An empty
// expression yields an unset window. Invalid expressions are a
// non-transient configuration error.
func ParseWindow(expr string) (Window, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Window{}, nil
	}

	days := allDays
	rangePart := expr
	if fields := strings.Fields(expr); len(fields) == 2 {
		parsed, err := parseDays(fields[0])
		if err != nil {
			return Window{}, err
		}
		days = parsed
		rangePart = fields[1]
	} else if len(fields) != 1 {
		return Window{}, fmt.Errorf("invalid maintenance window expression %q", expr)
	}

	startStr, endStr, found := strings.Cut(rangePart, "-")
	if !found {
		return Window{}, fmt.Errorf("invalid maintenance window range %q", rangePart)
	}
	start, err := parseClock(startStr)
	if err != nil {
		return Window{}, err
	}
	end, err := parseClock(endStr)
	if err != nil {
		return Window{}, err
	}
	if start == end {
		return Window{}, fmt.Errorf("maintenance window %q has zero length", expr)
	}
	return Window{days: days, start: start, end: end, set: true}, nil
}

func parseDays(s string) (daysMask, error) {
	switch strings.ToLower(s) {
	case "daily", "all":
		return allDays, nil
	case "weekend":
		return 1<<time.Saturday | 1<<time.Sunday, nil
	case "weekdays":
		return allDays &^ (1<<time.Saturday | 1<<time.Sunday), nil
	}
	var mask daysMask
	for _, name := range strings.Split(strings.ToLower(s), ",") {
		day, ok := dayNames[strings.TrimSpace(name)]
		if !ok {
			return 0, fmt.Errorf("invalid maintenance window day %q", name)
		}
		mask |= 1 << day
	}
	return mask, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid maintenance window time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// IsSet reports whether a window is configured at all.
func (w Window) IsSet() bool { return w.set }

// Contains reports whether the instant falls inside the window. A window
// wrapping midnight belongs to the day it starts on.
func (w Window) Contains(t time.Time) bool {
	if !w.set {
		return true
	}
	minute := t.Hour()*60 + t.Minute()
	if w.start < w.end {
		return w.days&(1<<t.Weekday()) != 0 && minute >= w.start && minute < w.end
	}
	// Wrapping window: either today after start, or yesterday's window
	// still open before end.
	if minute >= w.start {
		return w.days&(1<<t.Weekday()) != 0
	}
	if minute < w.end {
		yesterday := t.AddDate(0, 0, -1).Weekday()
		return w.days&(1<<yesterday) != 0
	}
	return false
}
