// Package pipeline runs the background jobs that move marketplace data to
// cold storage.
package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed five-field cron expression:
//
//	minute hour day-of-month month day-of-week
//
// Each field accepts "*", a value, a range "a-b", a list "a,b" and a step
// suffix "/n". Times are matched in UTC.
type Schedule struct {
	expr   string
	fields [5]cronField
}

// cronField is the set of values a field matches.
type cronField struct {
	any bool
	set map[int]bool
}

func (f cronField) matches(v int) bool {
	return f.any || f.set[v]
}

var fieldBounds = [5]struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return Schedule{}, fmt.Errorf("pipeline: cron %q: want 5 fields, got %d", expr, len(parts))
	}
	s := Schedule{expr: expr}
	for i, p := range parts {
		f, err := parseCronField(p, fieldBounds[i].min, fieldBounds[i].max)
		if err != nil {
			return Schedule{}, fmt.Errorf("pipeline: cron %q: %s: %w", expr, fieldBounds[i].name, err)
		}
		s.fields[i] = f
	}
	return s, nil
}

func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{any: true}, nil
	}
	set := make(map[int]bool)
	for _, term := range strings.Split(field, ",") {
		rng, step := term, 1
		if base, s, ok := strings.Cut(term, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("bad step %q", s)
			}
			rng, step = base, n
		}

		from, to := lo, hi
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return cronField{}, fmt.Errorf("bad value %q", a)
			}
			if to, err = strconv.Atoi(b); err != nil {
				return cronField{}, fmt.Errorf("bad value %q", b)
			}
		default:
			v, err := strconv.Atoi(rng)
			if err != nil {
				return cronField{}, fmt.Errorf("bad value %q", rng)
			}
			from, to = v, v
			if step > 1 {
				to = hi
			}
		}
		if from < lo || to > hi || from > to {
			return cronField{}, fmt.Errorf("%q out of range %d-%d", term, lo, hi)
		}
		for v := from; v <= to; v += step {
			set[v] = true
		}
	}
	return cronField{set: set}, nil
}

// String returns the source expression.
func (s Schedule) String() string { return s.expr }

func (s Schedule) matches(t time.Time) bool {
	return s.fields[0].matches(t.Minute()) &&
		s.fields[1].matches(t.Hour()) &&
		s.fields[2].matches(t.Day()) &&
		s.fields[3].matches(int(t.Month())) &&
		s.fields[4].matches(int(t.Weekday()))
}

// Next returns the first minute strictly after after that matches, or the
// zero time when nothing matches within a year.
func (s Schedule) Next(after time.Time) time.Time {
	t := after.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(366 * 24 * time.Hour)
	for t.Before(limit) {
		switch {
		case !s.fields[3].matches(int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		case !s.fields[2].matches(t.Day()) || !s.fields[4].matches(int(t.Weekday())):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
		case !s.fields[1].matches(t.Hour()):
			t = t.Truncate(time.Hour).Add(time.Hour)
		case !s.fields[0].matches(t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t
		}
	}
	return time.Time{}
}
