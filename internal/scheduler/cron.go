package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronSchedule is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week.
//
// Each field accepts *, N, a-b, lists (a,b,c) and steps (*/N, a-b/N).
// The descriptors @yearly, @monthly, @weekly, @daily and @hourly are
// accepted as shorthands.
type CronSchedule struct {
	minute, hour, dom, month, dow uint64
	domAny, dowAny                bool
	Raw                           string
}

type cronBounds struct {
	name     string
	min, max int
}

var cronFields = [5]cronBounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7}, // 7 is an alias for Sunday
}

var cronDescriptors = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// ParseCron parses a cron expression like "0 8 * * *" or "*/5 * * * 1-5".
func ParseCron(expr string) (*CronSchedule, error) {
	raw := strings.TrimSpace(expr)
	spec := raw
	if alias, ok := cronDescriptors[strings.ToLower(spec)]; ok {
		spec = alias
	}

	parts := strings.Fields(spec)
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: cron expression must have 5 fields, got %d: %q", ErrInvalidEntry, len(parts), expr)
	}

	var bits [5]uint64
	for i, part := range parts {
		b, err := parseCronField(part, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %s field %q: %v", ErrInvalidEntry, cronFields[i].name, part, err)
		}
		bits[i] = b
	}
	// fold Sunday=7 onto 0
	if bits[4]&(1<<7) != 0 {
		bits[4] = (bits[4] &^ (1 << 7)) | 1
	}

	return &CronSchedule{
		minute: bits[0],
		hour:   bits[1],
		dom:    bits[2],
		month:  bits[3],
		dow:    bits[4],
		// "*" and "*/N" both leave the field unrestricted for the OR rule
		domAny: strings.HasPrefix(parts[2], "*"),
		dowAny: strings.HasPrefix(parts[4], "*"),
		Raw:    raw,
	}, nil
}

func parseCronField(s string, b cronBounds) (uint64, error) {
	var out uint64
	for _, item := range strings.Split(s, ",") {
		lo, hi, step := b.min, b.max, 1

		rangePart := item
		if i := strings.IndexByte(item, '/'); i >= 0 {
			n, err := strconv.Atoi(item[i+1:])
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step %q", item[i+1:])
			}
			step = n
			rangePart = item[:i]
		}

		switch {
		case rangePart == "*":
		case strings.Contains(rangePart, "-"):
			a, z, _ := strings.Cut(rangePart, "-")
			var err error
			if lo, err = strconv.Atoi(a); err != nil {
				return 0, fmt.Errorf("invalid value %q", a)
			}
			if hi, err = strconv.Atoi(z); err != nil {
				return 0, fmt.Errorf("invalid value %q", z)
			}
		default:
			v, err := strconv.Atoi(rangePart)
			if err != nil {
				return 0, fmt.Errorf("invalid value %q", rangePart)
			}
			lo = v
			if step == 1 {
				hi = v
			}
		}

		if lo < b.min || hi > b.max || lo > hi {
			return 0, fmt.Errorf("value out of range %d-%d", b.min, b.max)
		}
		for v := lo; v <= hi; v += step {
			out |= 1 << uint(v)
		}
	}
	return out, nil
}

// Matches reports whether t (to the minute) satisfies the schedule. When both
// day fields are restricted, either may match, as in classic cron.
func (c *CronSchedule) Matches(t time.Time) bool {
	if !has(c.minute, t.Minute()) || !has(c.hour, t.Hour()) || !has(c.month, int(t.Month())) {
		return false
	}
	domOK := has(c.dom, t.Day())
	dowOK := has(c.dow, int(t.Weekday()))
	switch {
	case c.domAny && c.dowAny:
		return true
	case c.domAny:
		return dowOK
	case c.dowAny:
		return domOK
	default:
		return domOK || dowOK
	}
}

// maxCronSearch bounds Next; it covers leap-day schedules.
const maxCronSearch = 5 * 366 * 24 * 60

// Next returns the first matching minute strictly after t, or the zero time
// if the expression can never match (e.g. "0 0 31 2 *").
func (c *CronSchedule) Next(t time.Time) time.Time {
	next := t.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxCronSearch; i++ {
		if !has(c.month, int(next.Month())) {
			// jump to the first minute of the next month
			next = time.Date(next.Year(), next.Month()+1, 1, 0, 0, 0, 0, next.Location())
			continue
		}
		if c.Matches(next) {
			return next
		}
		next = next.Add(time.Minute)
	}
	return time.Time{}
}

func (c *CronSchedule) String() string { return c.Raw }

func has(bits uint64, v int) bool { return bits&(1<<uint(v)) != 0 }
