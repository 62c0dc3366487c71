package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- processing logs ---

func (s *SQLiteStore) LogBatchStart(ctx context.Context, batchID, opType string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_logs (batch_id, operation_type, status, created_at)
		VALUES (?, ?, 'started', ?)
	`, batchID, opType, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("log batch start: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) LogBatchComplete(ctx context.Context, logID int64, metrics BatchMetrics) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processing_logs
		SET status = 'completed', records_processed = ?, records_added = ?,
			records_updated = ?, records_deleted = ?, execution_time_ms = ?, completed_at = ?
		WHERE id = ?
	`, metrics.Processed, metrics.Added, metrics.Updated, metrics.Deleted,
		metrics.Elapsed.Milliseconds(), time.Now().UTC(), logID)
	if err != nil {
		return fmt.Errorf("log batch complete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LogBatchFailed(ctx context.Context, logID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processing_logs SET status = 'failed', error_message = ?, completed_at = ? WHERE id = ?
	`, errMsg, time.Now().UTC(), logID)
	if err != nil {
		return fmt.Errorf("log batch failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentLogs(ctx context.Context, limit int) ([]ProcessingLog, error) {
	if limit <= 0 {
		limit = 5
	}
	var logs []ProcessingLog
	err := s.db.SelectContext(ctx, &logs,
		"SELECT * FROM processing_logs ORDER BY created_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("recent logs: %w", err)
	}
	return logs, nil
}

func (s *SQLiteStore) CountLogsSince(ctx context.Context, opType string, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM processing_logs WHERE operation_type = ? AND created_at > ?",
		opType, since)
	if err != nil {
		return 0, fmt.Errorf("count logs since: %w", err)
	}
	return n, nil
}

// LastCompleted returns when the most recent successful run of an operation
// finished, or nil if none has.
func (s *SQLiteStore) LastCompleted(ctx context.Context, opType string) (*time.Time, error) {
	var ts time.Time
	err := s.db.GetContext(ctx, &ts, `
		SELECT completed_at FROM processing_logs
		WHERE operation_type = ? AND status = 'completed' AND completed_at IS NOT NULL
		ORDER BY completed_at DESC LIMIT 1
	`, opType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last completed %s: %w", opType, err)
	}
	return &ts, nil
}

// --- backup metadata ---

func (s *SQLiteStore) InsertBackupRecord(ctx context.Context, path, kind, notes string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_metadata (backup_file_path, backup_type, backup_status, created_at, notes)
		VALUES (?, ?, 'creating', ?, ?)
	`, path, kind, time.Now().UTC(), notes)
	if err != nil {
		return 0, fmt.Errorf("insert backup record: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) FinalizeBackupRecord(ctx context.Context, id int64, rec BackupRecord) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_metadata
		SET record_count = ?, file_size_bytes = ?, checksum = ?, compression_ratio = ?, backup_status = ?
		WHERE id = ?
	`, rec.RecordCount, rec.FileSizeBytes, rec.Checksum, rec.CompressionRatio, rec.Status, id)
	if err != nil {
		return fmt.Errorf("finalize backup record %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) FailBackupRecord(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_metadata SET backup_status = 'failed', notes = ? WHERE id = ?
	`, reason, id)
	if err != nil {
		return fmt.Errorf("fail backup record %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ListBackups(ctx context.Context, kind string) ([]BackupRecord, error) {
	query := "SELECT * FROM backup_metadata"
	var args []any
	if kind != "" {
		query += " WHERE backup_type = ?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at DESC, id DESC"

	var recs []BackupRecord
	if err := s.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	return recs, nil
}

func (s *SQLiteStore) DeleteBackupRecord(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM backup_metadata WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete backup record %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) MarkRestored(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE backup_metadata SET restored_at = ? WHERE backup_file_path = ?",
		time.Now().UTC(), path)
	if err != nil {
		return fmt.Errorf("mark restored %s: %w", path, err)
	}
	return nil
}
