package cron

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	robfig "github.com/robfig/cron/v3"
)

var ref = time.Date(2024, time.February, 27, 23, 59, 58, 0, time.UTC)

func mustParse(t *testing.T, expr string) *Schedule {
	t.Helper()
	s, err := Parse(expr)
	if err != nil {
		t.Fatalf("parse %q: %v", expr, err)
	}
	return s
}

func TestNextExamples(t *testing.T) {
	cases := []struct {
		expr  string
		after time.Time
		want  time.Time
	}{
		{"*/2 * * * * *", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 2, 0, time.UTC)},
		{"*/2 * * * * *", time.Date(2024, 1, 1, 0, 0, 1, 500, time.UTC), time.Date(2024, 1, 1, 0, 0, 2, 0, time.UTC)},
		{"0 * * * *", time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC), time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)},
		{"30 9 * * mon-fri", time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC), time.Date(2024, 3, 11, 9, 30, 0, 0, time.UTC)},
		{"0 0 29 feb *", ref, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
		{"0 0 29 2 *", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)},
		{"0 0 0 * * 7", time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)},
		{"0 0 0 * * 0", time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)},
		{"0 0 1 jan,jul *", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)},
		{"59 59 23 31 12 *", time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC), time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)},
		{"@hourly", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)},
		{"@weekly", time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC), time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)},
		// both day fields restricted: either one matches
		{"0 0 13 * fri", time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 9, 6, 0, 0, 0, 0, time.UTC)},
		{"5-10/5 0 0 1 1 ?", time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)},
	}
	for _, c := range cases {
		got, err := Next(c.expr, c.after)
		if err != nil {
			t.Errorf("Next(%q): %v", c.expr, err)
			continue
		}
		if !got.Equal(c.want) {
			t.Errorf("Next(%q, %v) = %v, want %v", c.expr, c.after, got, c.want)
		}
	}
}

func TestParseRejects(t *testing.T) {
	bad := []string{
		"",
		"* * * *",
		"* * * * * * *",
		"60 * * * * *",
		"* 60 * * *",
		"* * 24 * *",
		"* * 0 * *" + " x",
		"* * * 0 *",
		"* * * 32 *",
		"* * * * 13",
		"* * * * 0",
		"* * * * * 8",
		"*/0 * * * *",
		"5-1 * * * *",
		"1,,2 * * * *",
		"* * * * foo",
		"0 0 30 2 *",
		"0 0 31 4,6,9,11 *",
		"@every 5s",
		"a/2 * * * *",
	}
	for _, expr := range bad {
		if _, err := Parse(expr); !errors.Is(err, ErrInvalidExpression) {
			t.Errorf("Parse(%q) err = %v, want ErrInvalidExpression", expr, err)
		}
		if _, err := Next(expr, ref); !errors.Is(err, ErrInvalidExpression) {
			t.Errorf("Next(%q) err = %v, want ErrInvalidExpression", expr, err)
		}
	}
}

func TestSundayAliases(t *testing.T) {
	a := mustParse(t, "0 0 * * 0")
	b := mustParse(t, "0 0 * * 7")
	c := mustParse(t, "0 0 * * SUN")
	if a.dow != b.dow || a.dow != c.dow {
		t.Fatalf("dow sets differ: %b %b %b", a.dow, b.dow, c.dow)
	}
	d := mustParse(t, "0 0 * * 5-7")
	want := uint64(1<<5 | 1<<6 | 1<<0)
	if d.dow != want {
		t.Fatalf("5-7 = %b, want %b", d.dow, want)
	}
}

// TestNextIsStrictlyAfterAndMinimal walks every second between the reference
// time and the result to check that no earlier match was skipped.
func TestNextIsStrictlyAfterAndMinimal(t *testing.T) {
	exprs := []string{
		"*/2 * * * * *",
		"*/7 * * * * *",
		"0 */5 * * * *",
		"15,45 * 1-3 * * *",
		"0 0 * * *",
		"30 2 * * mon",
		"0 0 12 * * 0,3",
		"10-20/3 30 */6 * * *",
		"0 0 0 1,15 * *",
	}
	rng := rand.New(rand.NewSource(1))
	for _, expr := range exprs {
		s := mustParse(t, expr)
		for i := 0; i < 5; i++ {
			after := ref.Add(time.Duration(rng.Int63n(int64(30 * 24 * time.Hour))))
			after = after.Add(time.Duration(rng.Intn(1000)) * time.Millisecond)
			next := s.Next(after)
			if !next.After(after) {
				t.Fatalf("%q: next %v not after %v", expr, next, after)
			}
			if !s.matches(next) {
				t.Fatalf("%q: next %v does not match", expr, next)
			}
			if next.Sub(after) > 20*24*time.Hour {
				t.Fatalf("%q: gap too large for brute force: %v", expr, next.Sub(after))
			}
			for c := after.Truncate(time.Second).Add(time.Second); c.Before(next); c = c.Add(time.Second) {
				if s.matches(c) {
					t.Fatalf("%q after %v: skipped earlier match %v (got %v)", expr, after, c, next)
				}
			}
		}
	}
}

func TestNextMatchesReferenceImplementation(t *testing.T) {
	parser := robfig.NewParser(robfig.SecondOptional | robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor)
	rng := rand.New(rand.NewSource(42))
	field := func(min, max int) string {
		switch rng.Intn(5) {
		case 0:
			return "*"
		case 1:
			return fmt.Sprintf("*/%d", 1+rng.Intn(max-min+1))
		case 2:
			a := min + rng.Intn(max-min+1)
			b := a + rng.Intn(max-a+1)
			return fmt.Sprintf("%d-%d", a, b)
		case 3:
			a := min + rng.Intn(max-min+1)
			b := min + rng.Intn(max-min+1)
			return fmt.Sprintf("%d,%d", a, b)
		default:
			return fmt.Sprint(min + rng.Intn(max-min+1))
		}
	}
	checked := 0
	for i := 0; i < 400; i++ {
		expr := fmt.Sprintf("%s %s %s %s %s %s",
			field(0, 59), field(0, 59), field(0, 23), field(1, 28), field(1, 12), field(0, 6))
		want, err := parser.Parse(expr)
		if err != nil {
			continue
		}
		s, err := Parse(expr)
		if err != nil {
			t.Fatalf("Parse(%q): %v", expr, err)
		}
		after := ref.Add(time.Duration(rng.Int63n(int64(365 * 24 * time.Hour))))
		got := s.Next(after)
		if w := want.Next(after); !got.Equal(w) {
			t.Fatalf("Next(%q, %v) = %v, reference %v", expr, after, got, w)
		}
		checked++
	}
	if checked < 100 {
		t.Fatalf("only %d expressions compared", checked)
	}
}

func TestNextKeepsLocation(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	after := time.Date(2024, 5, 1, 8, 59, 59, 0, loc)
	got := mustParse(t, "0 0 9 * * *").Next(after)
	if got.Location() != loc || got.Hour() != 9 || got.Day() != 1 {
		t.Fatalf("got %v", got)
	}
}
