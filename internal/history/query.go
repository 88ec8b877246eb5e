package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultRecentLimit caps Recent when the caller asks for no limit.
const DefaultRecentLimit = 50

// Reader is implemented by sinks that can read back what they stored.
type Reader interface {
	// Recent returns up to limit events of the named service, newest first.
	Recent(ctx context.Context, name string, limit int) ([]Event, error)
}

// FindReader returns the first sink that is also a Reader.
func FindReader(sinks []Sink) (Reader, bool) {
	for _, s := range sinks {
		if r, ok := s.(Reader); ok {
			return r, true
		}
	}
	return nil, false
}

// SelectColumns is the column list ScanEvents expects, in order.
const SelectColumns = "timestamp, type, service_id, name, pid, run_id, from_state, to_state, exit_code, signal, crash_count, error"

// ScanEvents reads rows selected with SelectColumns and closes them.
func ScanEvents(rows *sql.Rows) ([]Event, error) {
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var (
			ts                               any
			typ                              string
			id                               int64
			e                                Event
			pid, code                        sql.NullInt64
			runID, from, to, signal, errText sql.NullString
		)
		if err := rows.Scan(&ts, &typ, &id, &e.Record.Name, &pid, &runID, &from, &to, &code, &signal, &e.Record.Crashes, &errText); err != nil {
			return nil, err
		}
		at, err := timestamp(ts)
		if err != nil {
			return nil, err
		}
		e.Type, e.OccurredAt = EventType(typ), at
		e.Record.ServiceID = uint64(id)
		e.Record.PID = int(pid.Int64)
		e.Record.RunID, e.Record.From, e.Record.To = runID.String, from.String, to.String
		e.Record.Signal, e.Record.Error = signal.String, errText.String
		if code.Valid {
			c := int(code.Int64)
			e.Record.ExitCode = &c
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// timestamp accepts what drivers hand back for a timestamp column: a
// time.Time, or text when the driver does not convert it.
func timestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTimestamp(t)
	case []byte:
		return parseTimestamp(string(t))
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %T", v)
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05.999999999-07:00", time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
}

// ClampLimit maps a requested limit to [1, 1000], with 0 meaning the default.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultRecentLimit
	case limit > 1000:
		return 1000
	}
	return limit
}
