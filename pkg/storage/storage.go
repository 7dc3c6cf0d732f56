// Package storage keeps batch history in a local SQLite database.
package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	defaultDBDirName  = ".reportagent"
	defaultDBFileName = "batches.sqlite"
	batchTableName    = "report_batches"
	sourceTableName   = "report_sources"
)

// BatchRecord describes a batch when it starts.
type BatchRecord struct {
	BatchID   string
	Filter    string
	RangeFrom time.Time
	RangeTo   time.Time
	Sources   int
	Workers   int
	// Host identifies the machine that ran the batch.
	Host      string
	StartedAt time.Time
}

// SourceRecord is the outcome of one source task.
type SourceRecord struct {
	BatchID       string
	Index         int
	URL           string
	SourceKind    string
	SourceName    string
	State         string
	File          string
	ClaimedNumber int
	Error         string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// BatchSummary is the terminal state of a batch.
type BatchSummary struct {
	Files       int
	Failed      int
	Aborted     bool
	PeakWorkers int
	Report      string
	Rows        int
	Error       string
	FinishedAt  time.Time
}

// Batch is one row of report_batches.
type Batch struct {
	BatchRecord
	Finished bool
	BatchSummary
}

// Store persists batches and their source outcomes.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens the database at path (or the default location when empty) and
// prepares the schema.
func Open(path string) (*Store, error) {
	resolved, err := resolveDatabasePath(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", resolved)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("db_path", resolved).Msg("batch store ready")
	return &Store{db: db, path: resolved}, nil
}

// Path returns the resolved database file.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartBatch inserts the batch row.
func (s *Store) StartBatch(ctx context.Context, rec *BatchRecord) error {
	if rec == nil || strings.TrimSpace(rec.BatchID) == "" {
		return pkgerrors.New("storage: batch id is empty")
	}
	stmt := `INSERT INTO ` + batchTableName + ` (batch_id, filter_kind, range_from, range_to, sources, workers, host, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	return execWithRetry(ctx, s.db, stmt,
		rec.BatchID, rec.Filter, dateString(rec.RangeFrom), dateString(rec.RangeTo),
		rec.Sources, rec.Workers, rec.Host, unixMillis(rec.StartedAt))
}

// RecordSource upserts one source outcome.
func (s *Store) RecordSource(ctx context.Context, rec *SourceRecord) error {
	if rec == nil || strings.TrimSpace(rec.BatchID) == "" {
		return pkgerrors.New("storage: batch id is empty")
	}
	stmt := `INSERT INTO ` + sourceTableName + ` (batch_id, idx, url, source_kind, source_name, state, file, claimed_number, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id, idx) DO UPDATE SET
			state = excluded.state,
			file = excluded.file,
			claimed_number = excluded.claimed_number,
			error = excluded.error,
			finished_at = excluded.finished_at`
	return execWithRetry(ctx, s.db, stmt,
		rec.BatchID, rec.Index, rec.URL, rec.SourceKind, rec.SourceName, rec.State,
		rec.File, rec.ClaimedNumber, truncate(rec.Error), unixMillis(rec.StartedAt), unixMillis(rec.FinishedAt))
}

// FinishBatch stores the terminal summary.
func (s *Store) FinishBatch(ctx context.Context, batchID string, sum *BatchSummary) error {
	if sum == nil {
		return nil
	}
	stmt := `UPDATE ` + batchTableName + ` SET
			finished = 1, files = ?, failed = ?, aborted = ?, peak_workers = ?, error = ?, finished_at = ?
		WHERE batch_id = ?`
	return execWithRetry(ctx, s.db, stmt,
		sum.Files, sum.Failed, boolInt(sum.Aborted), sum.PeakWorkers, truncate(sum.Error),
		unixMillis(sum.FinishedAt), batchID)
}

// RecordReport attaches the produced report to a finished batch.
func (s *Store) RecordReport(ctx context.Context, batchID, report string, rows int) error {
	stmt := `UPDATE ` + batchTableName + ` SET report = ?, row_count = ? WHERE batch_id = ?`
	return execWithRetry(ctx, s.db, stmt, report, rows, batchID)
}

// ListBatches returns the most recent batches, newest first.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT batch_id, filter_kind, range_from, range_to, sources, workers, host, started_at,
			finished, files, failed, aborted, peak_workers, report, row_count, error, finished_at
		FROM ` + batchTableName + ` ORDER BY started_at DESC, id DESC LIMIT ?`
	log.Debug().Str("sql", FormatSQLForLog(query, limit)).Msg("storage: list batches")
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: list batches failed")
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var (
			b                        Batch
			rangeFrom, rangeTo       string
			startedAt, finishedAt    sql.NullInt64
			finished, aborted        int
			report, errMsg, host     sql.NullString
			files, failed, peak, cnt sql.NullInt64
		)
		if err := rows.Scan(&b.BatchID, &b.Filter, &rangeFrom, &rangeTo, &b.Sources, &b.Workers, &host, &startedAt,
			&finished, &files, &failed, &aborted, &peak, &report, &cnt, &errMsg, &finishedAt); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan batch failed")
		}
		b.RangeFrom = parseDateString(rangeFrom)
		b.RangeTo = parseDateString(rangeTo)
		b.Host = host.String
		b.StartedAt = fromMillis(startedAt)
		b.Finished = finished == 1
		b.Files = int(files.Int64)
		b.Failed = int(failed.Int64)
		b.Aborted = aborted == 1
		b.PeakWorkers = int(peak.Int64)
		b.Report = report.String
		b.Rows = int(cnt.Int64)
		b.Error = errMsg.String
		b.FinishedAt = fromMillis(finishedAt)
		out = append(out, b)
	}
	return out, pkgerrors.Wrap(rows.Err(), "storage: iterate batches failed")
}

// ListSources returns the source outcomes of one batch ordered by index.
func (s *Store) ListSources(ctx context.Context, batchID string) ([]SourceRecord, error) {
	query := `SELECT batch_id, idx, url, source_kind, source_name, state, file, claimed_number, error, started_at, finished_at
		FROM ` + sourceTableName + ` WHERE batch_id = ? ORDER BY idx`
	log.Debug().Str("sql", FormatSQLForLog(query, batchID)).Msg("storage: list sources")
	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: list sources failed")
	}
	defer rows.Close()

	var out []SourceRecord
	for rows.Next() {
		var (
			r                     SourceRecord
			startedAt, finishedAt sql.NullInt64
		)
		if err := rows.Scan(&r.BatchID, &r.Index, &r.URL, &r.SourceKind, &r.SourceName, &r.State,
			&r.File, &r.ClaimedNumber, &r.Error, &startedAt, &finishedAt); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan source failed")
		}
		r.StartedAt = fromMillis(startedAt)
		r.FinishedAt = fromMillis(finishedAt)
		out = append(out, r)
	}
	return out, pkgerrors.Wrap(rows.Err(), "storage: iterate sources failed")
}

func resolveDatabasePath(custom string) (string, error) {
	if custom = strings.TrimSpace(custom); custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDirExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}
