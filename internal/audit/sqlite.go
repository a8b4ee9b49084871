package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

// migrations run on open; each statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS logs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		level      TEXT NOT NULL,
		category   TEXT NOT NULL,
		message    TEXT NOT NULL,
		details    TEXT NOT NULL DEFAULT '{}',
		source     TEXT NOT NULL DEFAULT '',
		user_id    TEXT NOT NULL DEFAULT '',
		worker_id  TEXT NOT NULL DEFAULT '',
		task_id    TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_created_at ON logs (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_category ON logs (category)`,
}

type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(path string) (*SQLiteSink, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("audit migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

func (s *SQLiteSink) Write(ctx context.Context, e Entry) error {
	details := []byte("{}")
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			raw, _ = json.Marshal(map[string]string{"error": "unserializable details"})
		}
		details = raw
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (level, category, message, details, source, user_id, worker_id, task_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Level), string(e.Category), e.Message, string(details), e.Source,
		e.UserID, e.WorkerID, e.TaskID, e.CreatedAt.UnixMilli())
	return err
}

type Query struct {
	Category Category
	Level    Level
	Limit    int
}

// List returns entries matching q, newest first.
func (s *SQLiteSink) List(ctx context.Context, q Query) ([]Entry, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT level, category, message, details, source, user_id, worker_id, task_id, created_at
		 FROM logs
		 WHERE (? = '' OR category = ?) AND (? = '' OR level = ?)
		 ORDER BY id DESC LIMIT ?`,
		string(q.Category), string(q.Category), string(q.Level), string(q.Level), q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []Entry
	for rows.Next() {
		var e Entry
		var level, category, details string
		var created int64
		if err := rows.Scan(&level, &category, &e.Message, &details, &e.Source, &e.UserID, &e.WorkerID, &e.TaskID, &created); err != nil {
			return nil, err
		}
		e.Level = Level(level)
		e.Category = Category(category)
		if details != "" && details != "{}" {
			_ = json.Unmarshal([]byte(details), &e.Details)
		}
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries created before the cutoff and reports how many went.
func (s *SQLiteSink) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ Store = (*SQLiteSink)(nil)
