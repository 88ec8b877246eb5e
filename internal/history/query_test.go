package history

import (
	"context"
	"testing"
	"time"
)

type writeOnly struct{}

func (writeOnly) Send(context.Context, Event) error { return nil }

func TestFindReaderSkipsWriteOnlySinks(t *testing.T) {
	if _, ok := FindReader([]Sink{writeOnly{}}); ok {
		t.Fatal("write-only sink reported as reader")
	}
}

func TestClampLimit(t *testing.T) {
	for in, want := range map[int]int{-1: DefaultRecentLimit, 0: DefaultRecentLimit, 7: 7, 5000: 1000} {
		if got := ClampLimit(in); got != want {
			t.Errorf("ClampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestTimestampForms(t *testing.T) {
	want := time.Date(2024, time.May, 1, 12, 0, 0, 500, time.UTC)
	for _, v := range []any{want.In(time.FixedZone("x", 3600)), "2024-05-01 12:00:00.0000005+00:00", []byte("2024-05-01T12:00:00.0000005Z")} {
		got, err := timestamp(v)
		if err != nil || !got.Equal(want) {
			t.Errorf("timestamp(%v) = %v, %v", v, got, err)
		}
	}
	if _, err := timestamp(42); err == nil {
		t.Error("int accepted as timestamp")
	}
}
