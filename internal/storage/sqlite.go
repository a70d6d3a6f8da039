//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "batchmd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendTask(ctx context.Context, r TaskRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, input_path, output_path, status, priority, retry_count, err, created_at, completed_at, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.InputPath, nullStr(r.OutputPath), r.Status, r.Priority, r.RetryCount,
		nullStr(r.Error), r.CreatedAt.Format(time.RFC3339Nano), r.CompletedAt.Format(time.RFC3339Nano), r.TookMS,
	)
	return err
}

func (s *sqliteStore) RecentTasks(ctx context.Context, limit int) ([]TaskRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, input_path, COALESCE(output_path,''), status, priority, retry_count, COALESCE(err,''), created_at, completed_at, took_ms
		 FROM tasks ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var r TaskRecord
		var created, completed string
		if err := rows.Scan(&r.ID, &r.InputPath, &r.OutputPath, &r.Status, &r.Priority,
			&r.RetryCount, &r.Error, &created, &completed, &r.TookMS); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		r.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest last, matching the file driver.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqliteStore) PutFingerprint(ctx context.Context, fp uint64, path string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if fp == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fingerprints(fp, path) VALUES(?,?)
		 ON CONFLICT(fp) DO NOTHING`,
		int64(fp), path,
	)
	return err
}

func (s *sqliteStore) HasFingerprint(ctx context.Context, fp uint64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if fp == 0 {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM fingerprints WHERE fp = ?`, int64(fp)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
