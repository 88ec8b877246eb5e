package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/supervisr/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a second connection to :memory: would see an empty database
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS service_history(
		timestamp TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		type TEXT NOT NULL,
		service_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		pid INTEGER,
		run_id TEXT,
		from_state TEXT,
		to_state TEXT,
		exit_code INTEGER,
		signal TEXT,
		crash_count INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS service_history_name_ts ON service_history(name, timestamp);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_history(timestamp, type, service_id, name, pid, run_id, from_state, to_state, exit_code, signal, crash_count, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), int64(rec.ServiceID), rec.Name,
		nullInt(rec.PID), nullString(rec.RunID), nullString(rec.From), nullString(rec.To),
		rec.ExitCode, nullString(rec.Signal), rec.Crashes, nullString(rec.Error))
	return err
}

// Recent returns the newest events recorded for name.
func (s *Sink) Recent(ctx context.Context, name string, limit int) ([]history.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+history.SelectColumns+" FROM service_history WHERE name = ? ORDER BY timestamp DESC LIMIT ?",
		name, history.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	return history.ScanEvents(rows)
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullString(v string) sql.NullString { return sql.NullString{String: v, Valid: v != ""} }

func nullInt(v int) sql.NullInt64 { return sql.NullInt64{Int64: int64(v), Valid: v != 0} }
