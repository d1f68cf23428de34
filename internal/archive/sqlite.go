package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"agentflow/internal/domain"
)

// OpenSQLite opens (creating if needed) a WAL-mode database file.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS results (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  handler TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('COMPLETED','FAILED','CANCELLED')),
  success INTEGER NOT NULL DEFAULT 0,
  message TEXT,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  ended_at INTEGER NOT NULL,
  record BLOB NOT NULL,
  archived_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_results_ended ON results(ended_at);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  task_type TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 1,
  handler_preference TEXT NOT NULL DEFAULT '',
  max_attempts INTEGER NOT NULL DEFAULT 1,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run INTEGER,
  next_run INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

type SQLite struct{ db *sql.DB }

// NewSQLite takes ownership of db; Close closes it.
func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db} }

func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Put(ctx context.Context, rec domain.Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", rec.Item.ID, err)
	}
	r := rec.Result
	_, err = s.db.ExecContext(ctx, `
INSERT INTO results (id,type,handler,status,success,message,duration_ms,ended_at,record)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, success=excluded.success,
  message=excluded.message, duration_ms=excluded.duration_ms, ended_at=excluded.ended_at,
  record=excluded.record, archived_at=CURRENT_TIMESTAMP
`, rec.Item.ID, rec.Item.Type, string(r.Handler), string(r.Status), r.Success, r.Message,
		r.Duration.Milliseconds(), r.EndedAt.UnixMilli(), blob)
	return err
}

func (s *SQLite) Get(ctx context.Context, id string) (domain.Record, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM results WHERE id=?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, ErrNotFound
	}
	if err != nil {
		return domain.Record{}, err
	}
	var rec domain.Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return domain.Record{}, fmt.Errorf("archive: decode %s: %w", id, err)
	}
	return rec, nil
}

// Prune deletes results that ended before cutoff.
func (s *SQLite) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE ended_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const scheduleCols = `id,name,cron_expr,task_type,payload,priority,handler_preference,max_attempts,enabled,last_run,next_run,created_at,updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		s                         domain.Schedule
		payload                   []byte
		priority                  int
		lastRun                   sql.NullInt64
		nextRun, created, updated int64
	)
	if err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.TaskType, &payload, &priority, &s.HandlerPreference,
		&s.MaxAttempts, &s.Enabled, &lastRun, &nextRun, &created, &updated); err != nil {
		return domain.Schedule{}, err
	}
	s.Priority = domain.Priority(priority)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &s.Payload); err != nil {
			return domain.Schedule{}, fmt.Errorf("schedule %s payload: %w", s.ID, err)
		}
	}
	if lastRun.Valid {
		t := time.UnixMilli(lastRun.Int64)
		s.LastRun = &t
	}
	s.NextRun = time.UnixMilli(nextRun)
	s.CreatedAt = time.UnixMilli(created)
	s.UpdatedAt = time.UnixMilli(updated)
	return s, nil
}

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func (s *SQLite) CreateSchedule(ctx context.Context, sc domain.Schedule) (string, error) {
	id := sc.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if sc.MaxAttempts == 0 {
		sc.MaxAttempts = 1
	}
	payload, err := json.Marshal(sc.Payload)
	if err != nil {
		return "", err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO schedules (`+scheduleCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
`, id, sc.Name, sc.CronExpr, sc.TaskType, payload, int(sc.Priority), sc.HandlerPreference, sc.MaxAttempts,
		sc.Enabled, millisPtr(sc.LastRun), sc.NextRun.UnixMilli(), now, now)
	return id, err
}

func (s *SQLite) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id=?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return sc, err
}

func (s *SQLite) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY name`)
}

func (s *SQLite) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now.UnixMilli())
}

func (s *SQLite) querySchedules(ctx context.Context, q string, args ...any) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateSchedule(ctx context.Context, sc domain.Schedule) error {
	payload, err := json.Marshal(sc.Payload)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE schedules SET name=?,cron_expr=?,task_type=?,payload=?,priority=?,handler_preference=?,max_attempts=?,enabled=?,next_run=?,updated_at=?
WHERE id=?`, sc.Name, sc.CronExpr, sc.TaskType, payload, int(sc.Priority), sc.HandlerPreference, sc.MaxAttempts,
		sc.Enabled, sc.NextRun.UnixMilli(), time.Now().UnixMilli(), sc.ID)
	if err != nil {
		return err
	}
	return affected(res)
}

func (s *SQLite) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	if err != nil {
		return err
	}
	return affected(res)
}

func (s *SQLite) UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?,next_run=?,updated_at=? WHERE id=?`, lastRun.UnixMilli(), nextRun.UnixMilli(), time.Now().UnixMilli(), id)
	return err
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
