package config

import (
	"fmt"
	"strings"
	"time"
)

// BusinessHours is a weekly recurring window such as "Mon-Fri 09:00-18:00 Europe/Berlin"
type BusinessHours struct {
	Days     map[time.Weekday]bool
	Start    int // minutes after midnight
	End      int // minutes after midnight, may be < Start for overnight windows
	Location *time.Location
	raw      string
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseBusinessHours parses "<days> <HH:MM>-<HH:MM> [timezone]".
// Days is a range (Mon-Fri), a list (Mon,Wed,Fri) or "daily".
func ParseBusinessHours(s string) (*BusinessHours, error) {
	fields := strings.Fields(s)
	if len(fields) < 2 || len(fields) > 3 {
		return nil, fmt.Errorf("expected \"<days> <HH:MM>-<HH:MM> [timezone]\", got %q", s)
	}

	days, err := parseDays(fields[0])
	if err != nil {
		return nil, err
	}

	bounds := strings.SplitN(fields[1], "-", 2)
	if len(bounds) != 2 {
		return nil, fmt.Errorf("invalid time range %q", fields[1])
	}
	start, err := parseClock(bounds[0])
	if err != nil {
		return nil, err
	}
	end, err := parseClock(bounds[1])
	if err != nil {
		return nil, err
	}
	if start == end {
		return nil, fmt.Errorf("empty time range %q", fields[1])
	}

	loc := time.UTC
	if len(fields) == 3 {
		loc, err = time.LoadLocation(fields[2])
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", fields[2], err)
		}
	}

	return &BusinessHours{Days: days, Start: start, End: end, Location: loc, raw: s}, nil
}

func parseDays(s string) (map[time.Weekday]bool, error) {
	days := make(map[time.Weekday]bool)
	lower := strings.ToLower(s)
	if lower == "daily" || lower == "*" {
		for _, d := range weekdays {
			days[d] = true
		}
		return days, nil
	}

	for _, part := range strings.Split(lower, ",") {
		if from, to, ok := strings.Cut(part, "-"); ok {
			f, okF := weekdays[from]
			l, okL := weekdays[to]
			if !okF || !okL {
				return nil, fmt.Errorf("invalid day range %q", part)
			}
			for d := f; ; d = (d + 1) % 7 {
				days[d] = true
				if d == l {
					break
				}
			}
			continue
		}
		d, ok := weekdays[part]
		if !ok {
			return nil, fmt.Errorf("invalid day %q", part)
		}
		days[d] = true
	}
	return days, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t falls inside the window
func (b *BusinessHours) Contains(t time.Time) bool {
	local := t.In(b.Location)
	minute := local.Hour()*60 + local.Minute()
	day := local.Weekday()

	if b.Start < b.End {
		return b.Days[day] && minute >= b.Start && minute < b.End
	}

	// Overnight: the part after midnight belongs to the previous day's window
	if minute >= b.Start {
		return b.Days[day]
	}
	if minute < b.End {
		return b.Days[(day+6)%7]
	}
	return false
}

func (b *BusinessHours) String() string {
	return b.raw
}
