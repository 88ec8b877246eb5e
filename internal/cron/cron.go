// Package cron parses cron expressions and computes their next fire time.
//
// An expression has five or six space separated fields:
//
//	[second] minute hour day-of-month month day-of-week
//
// With five fields the second is 0. Every field accepts "*", "?", single
// values, ranges "a-b", steps "*/n", "a/n" and "a-b/n", and comma separated
// lists of those. Months accept JAN-DEC and days of week SUN-SAT; day of
// week 0 and 7 both mean Sunday. When neither day field starts with a
// wildcard a day matches if either one matches, otherwise both must.
//
// The descriptors @yearly, @annually, @monthly, @weekly, @daily, @midnight
// and @hourly are accepted as shorthands.
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidExpression is returned for malformed or unsatisfiable expressions.
var ErrInvalidExpression = errors.New("invalid cron expression")

// searchYears bounds the search in Next. Every accepted expression matches
// at least once in any eight year window (Feb 29 skips 2100).
const searchYears = 9

type bounds struct {
	name     string
	min, max uint
	names    map[string]uint
}

var (
	secondBounds = bounds{name: "second", min: 0, max: 59}
	minuteBounds = bounds{name: "minute", min: 0, max: 59}
	hourBounds   = bounds{name: "hour", min: 0, max: 23}
	domBounds    = bounds{name: "day-of-month", min: 1, max: 31}
	monthBounds  = bounds{name: "month", min: 1, max: 12, names: map[string]uint{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}}
	dowBounds = bounds{name: "day-of-week", min: 0, max: 7, names: map[string]uint{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}}
)

var descriptors = map[string]string{
	"@yearly":   "0 0 0 1 1 *",
	"@annually": "0 0 0 1 1 *",
	"@monthly":  "0 0 0 1 * *",
	"@weekly":   "0 0 0 * * 0",
	"@daily":    "0 0 0 * * *",
	"@midnight": "0 0 0 * * *",
	"@hourly":   "0 0 * * * *",
}

// Schedule is a parsed expression. Each field is a bit set of allowed values.
type Schedule struct {
	expr string

	second, minute, hour uint64
	dom, month, dow      uint64
	domStar, dowStar     bool
}

// Parse validates expr and returns its Schedule.
func Parse(expr string) (*Schedule, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}
	if strings.HasPrefix(src, "@") {
		d, ok := descriptors[strings.ToLower(src)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown descriptor %q", ErrInvalidExpression, src)
		}
		src = d
	}
	fields := strings.Fields(src)
	switch len(fields) {
	case 5:
		fields = append([]string{"0"}, fields...)
	case 6:
	default:
		return nil, fmt.Errorf("%w: expected 5 or 6 fields, got %d", ErrInvalidExpression, len(fields))
	}

	s := &Schedule{expr: strings.TrimSpace(expr)}
	var err error
	if s.second, _, err = parseField(fields[0], secondBounds); err != nil {
		return nil, err
	}
	if s.minute, _, err = parseField(fields[1], minuteBounds); err != nil {
		return nil, err
	}
	if s.hour, _, err = parseField(fields[2], hourBounds); err != nil {
		return nil, err
	}
	if s.dom, s.domStar, err = parseField(fields[3], domBounds); err != nil {
		return nil, err
	}
	if s.month, _, err = parseField(fields[4], monthBounds); err != nil {
		return nil, err
	}
	if s.dow, s.dowStar, err = parseField(fields[5], dowBounds); err != nil {
		return nil, err
	}
	// fold 7 onto Sunday
	if s.dow&(1<<7) != 0 {
		s.dow = (s.dow &^ (1 << 7)) | 1
	}
	if !s.satisfiable() {
		return nil, fmt.Errorf("%w: %q never matches", ErrInvalidExpression, s.expr)
	}
	return s, nil
}

// Next parses expr and returns the first matching time strictly after after.
func Next(expr string, after time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(after), nil
}

func (s *Schedule) String() string { return s.expr }

// Next returns the smallest time strictly after after, at whole second
// precision and in after's location, that matches the schedule.
func (s *Schedule) Next(after time.Time) time.Time {
	loc := after.Location()
	t := after.Truncate(time.Second).Add(time.Second)
	limit := t.Year() + searchYears

	for t.Year() <= limit {
		if !has(s.month, uint(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !s.dayMatches(t) {
			t = advance(t, time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc), 24*time.Hour)
			continue
		}
		if !has(s.hour, uint(t.Hour())) {
			t = advance(t, time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc), time.Hour)
			continue
		}
		if !has(s.minute, uint(t.Minute())) {
			t = advance(t, t.Truncate(time.Minute).Add(time.Minute), time.Minute)
			continue
		}
		if !has(s.second, uint(t.Second())) {
			t = t.Add(time.Second)
			continue
		}
		return t
	}
	// unreachable for schedules accepted by Parse
	return time.Time{}
}

// matches reports whether t, at second precision, satisfies every field.
func (s *Schedule) matches(t time.Time) bool {
	return has(s.second, uint(t.Second())) &&
		has(s.minute, uint(t.Minute())) &&
		has(s.hour, uint(t.Hour())) &&
		has(s.month, uint(t.Month())) &&
		s.dayMatches(t)
}

func (s *Schedule) dayMatches(t time.Time) bool {
	domOK := has(s.dom, uint(t.Day()))
	dowOK := has(s.dow, uint(t.Weekday()))
	if s.domStar || s.dowStar {
		return domOK && dowOK
	}
	return domOK || dowOK
}

func (s *Schedule) satisfiable() bool {
	if s.domStar || !s.dowStar {
		return true
	}
	maxDays := [13]uint{0, 31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
	for m := uint(1); m <= 12; m++ {
		if !has(s.month, m) {
			continue
		}
		for d := uint(1); d <= maxDays[m]; d++ {
			if has(s.dom, d) {
				return true
			}
		}
	}
	return false
}

// advance moves to next, or by step when a DST transition makes next fail
// to move forward.
func advance(cur, next time.Time, step time.Duration) time.Time {
	if next.After(cur) {
		return next
	}
	return cur.Add(step)
}

func has(set uint64, v uint) bool { return set&(1<<v) != 0 }

// parseField returns the value set and whether the field starts with a
// wildcard. Like Vixie cron, "*/2" counts as a wildcard for day matching.
func parseField(field string, b bounds) (uint64, bool, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		bits, err := parsePart(part, b)
		if err != nil {
			return 0, false, err
		}
		set |= bits
	}
	star := strings.HasPrefix(field, "*") || strings.HasPrefix(field, "?")
	return set, star, nil
}

func parsePart(part string, b bounds) (uint64, error) {
	if part == "" {
		return 0, fmt.Errorf("%w: empty %s list item", ErrInvalidExpression, b.name)
	}
	rangePart, stepPart, hasStep := strings.Cut(part, "/")
	step := uint(1)
	if hasStep {
		n, err := strconv.ParseUint(stepPart, 10, 8)
		if err != nil || n == 0 {
			return 0, fmt.Errorf("%w: bad %s step %q", ErrInvalidExpression, b.name, stepPart)
		}
		step = uint(n)
	}

	var lo, hi uint
	switch {
	case rangePart == "*" || rangePart == "?":
		lo, hi = b.min, b.max
		if b.max == 7 {
			hi = 6
		}
	case strings.Contains(rangePart, "-"):
		l, h, _ := strings.Cut(rangePart, "-")
		var err error
		if lo, err = parseValue(l, b); err != nil {
			return 0, err
		}
		if hi, err = parseValue(h, b); err != nil {
			return 0, err
		}
		if lo > hi {
			return 0, fmt.Errorf("%w: %s range %q is reversed", ErrInvalidExpression, b.name, rangePart)
		}
	default:
		v, err := parseValue(rangePart, b)
		if err != nil {
			return 0, err
		}
		lo, hi = v, v
		if hasStep {
			hi = b.max
			if b.max == 7 {
				hi = 6
			}
		}
	}
	return span(lo, hi, step), nil
}

func parseValue(s string, b bounds) (uint, error) {
	if b.names != nil {
		if v, ok := b.names[strings.ToLower(s)]; ok {
			return v, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s value %q", ErrInvalidExpression, b.name, s)
	}
	v := uint(n)
	if v < b.min || v > b.max {
		return 0, fmt.Errorf("%w: %s value %d out of range %d-%d", ErrInvalidExpression, b.name, v, b.min, b.max)
	}
	return v, nil
}

func span(lo, hi, step uint) uint64 {
	var set uint64
	for v := lo; v <= hi; v += step {
		set |= 1 << v
	}
	return set
}
