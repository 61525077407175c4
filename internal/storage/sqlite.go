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
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"nudgebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
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

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
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

func (s *sqliteStore) AppendDelivery(ctx context.Context, rec DeliveryRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(id, at, user_id, category, kind, task_id, task_title, channel, source, request_id, status, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.At.Format(time.RFC3339Nano), rec.UserID, rec.Category, rec.Kind,
		nullStr(rec.TaskID), nullStr(rec.TaskTitle), nullStr(rec.Channel),
		rec.Source, nullStr(rec.RequestID), rec.Status, nullStr(rec.Error),
	)
	return err
}

func (s *sqliteStore) PutFireMark(ctx context.Context, key string, firedAt, expires time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fire_marks(key, fired_at, expires) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET fired_at=excluded.fired_at, expires=excluded.expires`,
		key, firedAt.UnixMilli(), expires.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.PruneFireMarks(pctx, time.Now())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetFireMark(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var fired, expires int64
	err := s.db.QueryRowContext(ctx, `SELECT fired_at, expires FROM fire_marks WHERE key = ?`, key).Scan(&fired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if expires < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(fired), true, nil
}

func (s *sqliteStore) PruneFireMarks(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM fire_marks WHERE expires < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
