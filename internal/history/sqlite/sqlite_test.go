package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/supervisr/internal/history"
)

func exitCode(n int) *int { return &n }

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	rec := history.Record{ServiceID: 7, Name: "worker", PID: 12345, RunID: "run-1"}
	if err := sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Record: rec}); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}
	rec.ExitCode = exitCode(3)
	rec.From, rec.To, rec.Crashes = "running", "crashed", 1
	if err := sink.Send(ctx, history.Event{Type: history.EventExit, OccurredAt: time.Now().UTC(), Record: rec}); err != nil {
		t.Fatalf("Failed to send exit event: %v", err)
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM service_history WHERE name = ?", "worker").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("Expected 2 events in history, got %d", count)
	}

	var code sql.NullInt64
	var to sql.NullString
	var crashes int
	row := sink.db.QueryRowContext(ctx, "SELECT exit_code, to_state, crash_count FROM service_history WHERE type = ?", "exit")
	if err := row.Scan(&code, &to, &crashes); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !code.Valid || code.Int64 != 3 || to.String != "crashed" || crashes != 1 {
		t.Fatalf("exit row = %v %v %d", code, to, crashes)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	event := history.Event{
		Type:       history.EventSpawnFailed,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{ServiceID: 1, Name: "mem", Error: "no such file"},
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
	var pid sql.NullInt64
	if err := sink.db.QueryRow("SELECT pid FROM service_history").Scan(&pid); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if pid.Valid {
		t.Fatalf("pid should be NULL for a spawn failure, got %d", pid.Int64)
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Send(ctx, history.Event{Type: history.EventStart, Record: history.Record{Name: "c"}}); err == nil {
		t.Fatal("expected error with cancelled context")
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("empty DSN accepted")
	}
}

func TestSQLiteSink_Recent(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	base := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	for i, typ := range []history.EventType{history.EventStart, history.EventExit, history.EventStart} {
		rec := history.Record{ServiceID: 4, Name: "api", PID: 100 + i, RunID: "run"}
		if typ == history.EventExit {
			rec.ExitCode = exitCode(2)
			rec.From, rec.To = "running", "crashed"
		}
		if err := sink.Send(ctx, history.Event{Type: typ, OccurredAt: base.Add(time.Duration(i) * time.Second), Record: rec}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: base, Record: history.Record{Name: "other"}}); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := sink.Recent(ctx, "api", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Type != history.EventStart || got[0].Record.PID != 102 || !got[0].OccurredAt.Equal(base.Add(2*time.Second)) {
		t.Fatalf("newest event %+v", got[0])
	}
	exit := got[1]
	if exit.Type != history.EventExit || exit.Record.ExitCode == nil || *exit.Record.ExitCode != 2 || exit.Record.To != "crashed" || exit.Record.ServiceID != 4 {
		t.Fatalf("exit event %+v", exit)
	}

	var _ history.Reader = sink
	if r, ok := history.FindReader([]history.Sink{sink}); !ok || r == nil {
		t.Fatal("sqlite sink should be a reader")
	}
}
