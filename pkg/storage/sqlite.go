package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const maxErrorLength = 512

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		// parallel source tasks record outcomes concurrently
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + batchTableName + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id TEXT NOT NULL UNIQUE,
			filter_kind TEXT NOT NULL,
			range_from TEXT,
			range_to TEXT,
			sources INTEGER NOT NULL DEFAULT 0,
			workers INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER,
			finished INTEGER NOT NULL DEFAULT 0,
			files INTEGER,
			failed INTEGER,
			aborted INTEGER NOT NULL DEFAULT 0,
			peak_workers INTEGER,
			error TEXT,
			finished_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS ` + sourceTableName + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			url TEXT NOT NULL,
			source_kind TEXT NOT NULL DEFAULT '',
			source_name TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			file TEXT NOT NULL DEFAULT '',
			claimed_number INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER,
			finished_at INTEGER,
			UNIQUE(batch_id, idx)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_report_batches_started ON ` + batchTableName + ` (started_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: init sqlite schema failed")
		}
	}
	// Columns added after the first schema.
	for _, col := range []struct {
		name string
		typ  string
	}{
		{"report", "TEXT"},
		{"row_count", "INTEGER"},
		{"host", "TEXT"},
	} {
		if err := ensureSQLiteColumn(db, batchTableName, col.name, col.typ); err != nil {
			return err
		}
	}
	return nil
}

func ensureSQLiteColumn(db *sql.DB, table, column, columnType string) error {
	rows, err := db.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: inspect table %s failed", table)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name      string
			typ       string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &pk); err != nil {
			return pkgerrors.Wrapf(err, "storage: scan table info %s failed", table)
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return pkgerrors.Wrapf(err, "storage: iterate table info %s failed", table)
	}
	rows.Close()
	if _, err := db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + columnType); err != nil {
		return pkgerrors.Wrapf(err, "storage: add column %s.%s failed", table, column)
	}
	return nil
}

func execWithRetry(ctx context.Context, db *sql.DB, stmt string, args ...any) error {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err := db.ExecContext(ctx, stmt, args...)
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxAttempts-1 {
			log.Debug().Str("sql", FormatSQLForLog(stmt, args...)).Err(err).Msg("storage: statement failed")
			return pkgerrors.Wrap(err, "storage: exec failed")
		}
		backoff := time.Duration(attempt+1) * 200 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func truncate(msg string) string {
	if len(msg) <= maxErrorLength {
		return msg
	}
	return msg[:maxErrorLength]
}

func unixMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

const dateLayout = "2006-01-02"

func dateString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func parseDateString(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(dateLayout, raw, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
