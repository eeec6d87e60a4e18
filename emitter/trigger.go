package emitter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/carbonfay/DBCV-sub000/types"
)

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func set(v string) bool { return strings.TrimSpace(v) != "" }

func interval(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && v != "*"
}

// IsInterval reports whether t uses interval semantics.
func IsInterval(t types.Trigger) bool {
	return interval(t.Weeks) || interval(t.Days) || interval(t.Hours) || interval(t.Minutes) || interval(t.Seconds)
}

// Schedule turns a trigger into a cron schedule evaluated in loc.
func Schedule(t types.Trigger, loc *time.Location) (cron.Schedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	if IsInterval(t) {
		return intervalSchedule(t)
	}
	spec, err := CronSpec(t)
	if err != nil {
		return nil, err
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", spec, err)
	}
	if ss, ok := sched.(*cron.SpecSchedule); ok {
		ss.Location = loc
	}
	years, err := parseYears(t.Year)
	if err != nil {
		return nil, err
	}
	if len(years) == 0 {
		return sched, nil
	}
	return &yearSchedule{inner: sched, years: years, loc: loc}, nil
}

func intervalSchedule(t types.Trigger) (cron.Schedule, error) {
	units := []struct {
		value string
		unit  time.Duration
	}{
		{t.Weeks, 7 * 24 * time.Hour},
		{t.Days, 24 * time.Hour},
		{t.Hours, time.Hour},
		{t.Minutes, time.Minute},
		{t.Seconds, time.Second},
	}
	var total time.Duration
	for _, u := range units {
		if !interval(u.value) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(u.value))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("interval value %q is not a non-negative integer", u.value)
		}
		total += time.Duration(n) * u.unit
	}
	if total < time.Second {
		return nil, fmt.Errorf("interval must be at least one second")
	}
	return cron.Every(total), nil
}

// CronSpec builds the six-field spec for t. Unset fields more significant
// than the last set one are "*"; unset fields after it take their minimum,
// so {hour: "9"} fires once at 09:00:00. Day of week is always "*" unless
// set and uses 0 for Monday.
func CronSpec(t types.Trigger) (string, error) {
	fields := []struct {
		value string
		min   string
	}{
		{t.Month, "1"},
		{t.Day, "1"},
		{t.DayOfWeek, "*"},
		{t.Hour, "0"},
		{t.Minute, "0"},
		{t.Second, "0"},
	}
	// Year is the most significant field, ahead of index 0.
	last, explicit := -1, set(t.Year)
	for i, f := range fields {
		if set(f.value) {
			last, explicit = i, true
		}
	}

	out := make([]string, len(fields))
	for i, f := range fields {
		switch {
		case set(f.value):
			out[i] = strings.TrimSpace(f.value)
		case explicit && i > last:
			out[i] = f.min
		default:
			out[i] = "*"
		}
	}
	dow, err := mondayFirst(out[2])
	if err != nil {
		return "", err
	}
	month, day, hour, minute, second := out[0], out[1], out[3], out[4], out[5]
	return strings.Join([]string{second, minute, hour, day, month, dow}, " "), nil
}

// mondayFirst converts numeric days of week from 0=Monday to cron's
// 0=Sunday. Names pass through.
func mondayFirst(expr string) (string, error) {
	if expr == "*" || expr == "?" {
		return expr, nil
	}
	var out []string
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		a, errA := strconv.Atoi(lo)
		if errA != nil {
			out = append(out, part)
			continue
		}
		if !isRange {
			if a < 0 || a > 6 {
				return "", fmt.Errorf("day of week %d out of range", a)
			}
			out = append(out, strconv.Itoa((a+1)%7))
			continue
		}
		b, err := strconv.Atoi(hi)
		if err != nil || a < 0 || b > 6 || a > b {
			return "", fmt.Errorf("day of week range %q is invalid", part)
		}
		for d := a; d <= b; d++ {
			out = append(out, strconv.Itoa((d+1)%7))
		}
	}
	return strings.Join(out, ","), nil
}

// Bounds on the year field.
const (
	minYear     = 1970
	maxYear     = 2199
	maxYearSpan = 100
)

// parseYears accepts "*", single years, lists and ranges. Years must lie in
// [minYear, maxYear] and a range may cover at most maxYearSpan years.
func parseYears(expr string) ([]int, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "*" {
		return nil, nil
	}
	seen := map[int]bool{}
	for _, part := range strings.Split(expr, ",") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(part), "-")
		a, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("year %q is invalid", part)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(hi); err != nil || b < a {
				return nil, fmt.Errorf("year range %q is invalid", part)
			}
		}
		if a < minYear || b > maxYear {
			return nil, fmt.Errorf("year %q is outside %d-%d", part, minYear, maxYear)
		}
		if b-a >= maxYearSpan {
			return nil, fmt.Errorf("year range %q spans more than %d years", part, maxYearSpan)
		}
		for y := a; y <= b; y++ {
			seen[y] = true
		}
	}
	years := make([]int, 0, len(seen))
	for y := range seen {
		years = append(years, y)
	}
	sort.Ints(years)
	return years, nil
}

// yearSchedule restricts a cron schedule to a set of years.
type yearSchedule struct {
	inner cron.Schedule
	years []int
	loc   *time.Location
}

func (s *yearSchedule) Next(t time.Time) time.Time {
	for i := 0; i < 8; i++ {
		next := s.inner.Next(t)
		if next.IsZero() {
			return next
		}
		y := next.Year()
		idx := sort.SearchInts(s.years, y)
		if idx < len(s.years) && s.years[idx] == y {
			return next
		}
		if idx == len(s.years) {
			return time.Time{}
		}
		t = time.Date(s.years[idx], time.January, 1, 0, 0, 0, 0, s.loc).Add(-time.Second)
	}
	return time.Time{}
}
