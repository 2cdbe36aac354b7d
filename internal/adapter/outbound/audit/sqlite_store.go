package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/audit"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id   TEXT,
	ts         TEXT NOT NULL,
	event      TEXT NOT NULL,
	session_id TEXT,
	remote_ip  TEXT,
	listener   TEXT,
	detail     TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);
CREATE INDEX IF NOT EXISTS idx_audit_events_event ON audit_events(event);
`

// SQLiteStore implements audit.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the audit database at path and
// ensures the schema exists. Pass ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		dsn = "file:" + path + "?" + pragmas
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	// SQLite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append inserts events in a single transaction.
func (s *SQLiteStore) Append(ctx context.Context, events ...audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_events (event_id, ts, event, session_id, remote_ip, listener, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range events {
		detail, err := marshalDetail(e.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}

		_, err = stmt.ExecContext(ctx,
			nullStr(e.ID),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			string(e.Kind),
			nullStr(e.SessionID),
			nullStr(e.RemoteIP),
			nullStr(e.Listener),
			detail,
		)
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit transaction: %w", err)
	}

	return nil
}

// Recent returns the last n events, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]audit.Event, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, ts, event, session_id, remote_ip, listener, detail
		FROM audit_events
		ORDER BY id DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []audit.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}

	return events, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEvent(rows *sql.Rows) (audit.Event, error) {
	var (
		e         audit.Event
		eventID   sql.NullString
		ts        string
		kind      string
		sessionID sql.NullString
		remoteIP  sql.NullString
		listener  sql.NullString
		detail    sql.NullString
	)

	if err := rows.Scan(&eventID, &ts, &kind, &sessionID, &remoteIP, &listener, &detail); err != nil {
		return audit.Event{}, fmt.Errorf("scan audit event: %w", err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return audit.Event{}, fmt.Errorf("parse audit timestamp: %w", err)
	}

	e.ID = eventID.String
	e.Timestamp = parsed
	e.Kind = audit.Kind(kind)
	e.SessionID = sessionID.String
	e.RemoteIP = remoteIP.String
	e.Listener = listener.String

	if detail.Valid && detail.String != "" {
		if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
			return audit.Event{}, fmt.Errorf("unmarshal audit detail: %w", err)
		}
	}

	return e, nil
}

func marshalDetail(detail map[string]any) (any, error) {
	if len(detail) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Compile-time interface verification.
var _ audit.Store = (*SQLiteStore)(nil)
