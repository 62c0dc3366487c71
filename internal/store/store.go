package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/seanlee111/wechat-listener/pkg/message"
)

// ErrDuplicate reports that a clean insert hit the fingerprint or
// (group, sender, content) uniqueness constraint. Callers treat this as
// "already deduplicated", never as a storage failure.
var ErrDuplicate = errors.New("duplicate clean message")

// ProcessingLog is one row of the batch audit trail.
type ProcessingLog struct {
	ID               int64      `db:"id" json:"id"`
	BatchID          string     `db:"batch_id" json:"batch_id"`
	OperationType    string     `db:"operation_type" json:"operation_type"`
	Status           string     `db:"status" json:"status"`
	RecordsProcessed int        `db:"records_processed" json:"records_processed"`
	RecordsAdded     int        `db:"records_added" json:"records_added"`
	RecordsUpdated   int        `db:"records_updated" json:"records_updated"`
	RecordsDeleted   int        `db:"records_deleted" json:"records_deleted"`
	ErrorMessage     string     `db:"error_message" json:"error_message,omitempty"`
	ExecutionTimeMs  int64      `db:"execution_time_ms" json:"execution_time_ms"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// BackupRecord is the metadata row for one snapshot file.
type BackupRecord struct {
	ID               int64      `db:"id" json:"id"`
	FilePath         string     `db:"backup_file_path" json:"backup_file_path"`
	Type             string     `db:"backup_type" json:"backup_type"`
	RecordCount      int        `db:"record_count" json:"record_count"`
	FileSizeBytes    int64      `db:"file_size_bytes" json:"file_size_bytes"`
	Checksum         string     `db:"checksum" json:"checksum"`
	CompressionRatio float64    `db:"compression_ratio" json:"compression_ratio"`
	Status           string     `db:"backup_status" json:"backup_status"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	RestoredAt       *time.Time `db:"restored_at" json:"restored_at,omitempty"`
	Notes            string     `db:"notes" json:"notes,omitempty"`
}

// Store is the persistence interface. All mutation of the message tiers goes
// through here; no component issues ad hoc writes against the file.
type Store interface {
	InsertRaw(ctx context.Context, group, sender, content, msgType string) (int64, error)
	GetRaw(ctx context.Context, id int64) (*message.RawMessage, error)
	GetUnprocessedRaw(ctx context.Context, limit int) ([]message.RawMessage, error)
	MarkRawFailed(ctx context.Context, id int64, reason string) error
	CountRaw(ctx context.Context) (int, error)
	CountUnprocessed(ctx context.Context) (int, error)
	RawStatusBreakdown(ctx context.Context) (map[message.Status]int, error)

	InsertClean(ctx context.Context, rec *message.CleanMessage) (int64, error)
	CleanHashes(ctx context.Context) (map[string]struct{}, error)
	CountClean(ctx context.Context) (int, error)
	CountStaging(ctx context.Context) (int, error)
	ListClean(ctx context.Context, opts CleanListOpts) ([]message.CleanMessage, error)

	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	InsertStagingTx(tx *sqlx.Tx, rec *message.StagingMessage) (int64, error)
	InsertCleanTx(tx *sqlx.Tx, rec *message.CleanMessage) (int64, error)
	MarkRawProcessedTx(tx *sqlx.Tx, ids []int64) error

	GenerateBatchID() string
	LogBatchStart(ctx context.Context, batchID, opType string) (int64, error)
	LogBatchComplete(ctx context.Context, logID int64, metrics BatchMetrics) error
	LogBatchFailed(ctx context.Context, logID int64, errMsg string) error
	RecentLogs(ctx context.Context, limit int) ([]ProcessingLog, error)
	CountLogsSince(ctx context.Context, opType string, since time.Time) (int, error)
	LastCompleted(ctx context.Context, opType string) (*time.Time, error)

	DeleteExpiredStaging(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteExpiredLogs(ctx context.Context, cutoff time.Time) (int64, error)

	InsertBackupRecord(ctx context.Context, path, kind, notes string) (int64, error)
	FinalizeBackupRecord(ctx context.Context, id int64, rec BackupRecord) error
	FailBackupRecord(ctx context.Context, id int64, reason string) error
	ListBackups(ctx context.Context, kind string) ([]BackupRecord, error)
	DeleteBackupRecord(ctx context.Context, id int64) error
	MarkRestored(ctx context.Context, path string) error

	GetUnextractedClean(ctx context.Context, limit int) ([]message.CleanMessage, error)
	InsertJob(ctx context.Context, job *message.Job) (int64, error)
	ExportClean(ctx context.Context) ([]message.CleanMessage, error)

	TableNames(ctx context.Context) ([]string, error)
	TableColumns(ctx context.Context, table string) ([]string, error)
	CountOrphanedClean(ctx context.Context) (int, error)
	CountOrphanedJobs(ctx context.Context) (int, error)
	DuplicateCleanHashes(ctx context.Context, limit int) ([]HashCount, error)
	CountDuplicateContentGroups(ctx context.Context) (int, error)
	StatusInconsistencies(ctx context.Context) (processedMissing, unprocessedPresent int, err error)
	CountRawOutsideWindow(ctx context.Context, min, max time.Time) (int, error)
	CountOrphanedStaging(ctx context.Context) (int, error)
	CountStagingOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	BatchLogExists(ctx context.Context, batchID, opType string) (bool, error)
	BatchCleanStats(ctx context.Context, batchID string) (total, unique int, err error)
	CountEmptyHashInBatch(ctx context.Context, batchID string) (int, error)

	HealthCheck(ctx context.Context) error
	Checkpoint(ctx context.Context) error
	Path() string
	Reopen() error
	Close() error
}

// CleanListOpts narrows a clean-tier listing.
type CleanListOpts struct {
	Group  string
	Sender string
	Batch  string
	Since  time.Time
	Limit  int
}

// BatchMetrics carries the counters recorded when a batch log row is closed.
type BatchMetrics struct {
	Processed int
	Added     int
	Updated   int
	Deleted   int
	Elapsed   time.Duration
}

// SQLiteStore implements Store on a single SQLite file in WAL mode.
type SQLiteStore struct {
	db   *sqlx.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// New opens the database, enables WAL and foreign keys, and runs migrations.
func New(path string) (*SQLiteStore, error) {
	s := &SQLiteStore{path: path}
	if err := s.Reopen(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reopen re-establishes the connection, e.g. after the underlying file was
// replaced by a restore.
func (s *SQLiteStore) Reopen() error {
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}

	dsn := s.path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", s.path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("run migrations: %w", err)
	}

	now := time.Now().UTC()
	if _, err := db.Exec(`
		INSERT INTO schema_info (id, version, schema_version, created_at, updated_at)
		VALUES (1, '2.0', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET schema_version = excluded.schema_version, updated_at = excluded.updated_at
	`, schemaVersion, now, now); err != nil {
		db.Close()
		return fmt.Errorf("record schema version: %w", err)
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the location of the underlying database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Checkpoint flushes the WAL into the main file so a copy of the file is
// self-consistent.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// HealthCheck verifies the store is reachable, the required tables exist, and
// a trivial write succeeds.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	for _, table := range []string{"messages_raw", "messages_staging", "messages_clean", "processing_logs", "backup_metadata"} {
		var name string
		err := s.db.GetContext(ctx, &name,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("required table missing: %s", table)
		}
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
	}

	if _, err := s.db.ExecContext(ctx, "CREATE TEMP TABLE IF NOT EXISTS health_check (v TEXT)"); err != nil {
		return fmt.Errorf("write check: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "INSERT INTO health_check (v) VALUES ('ok')"); err != nil {
		return fmt.Errorf("write check: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DROP TABLE health_check"); err != nil {
		return fmt.Errorf("write check: %w", err)
	}
	return nil
}

// --- raw tier ---

func (s *SQLiteStore) InsertRaw(ctx context.Context, group, sender, content, msgType string) (int64, error) {
	if msgType == "" {
		msgType = "text"
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages_raw (group_name, sender, content, msg_type, timestamp, captured_at,
			processed_status, processing_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
	`, group, sender, content, msgType, now, now, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert raw message: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetRaw(ctx context.Context, id int64) (*message.RawMessage, error) {
	var m message.RawMessage
	if err := s.db.GetContext(ctx, &m, "SELECT * FROM messages_raw WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("get raw %d: %w", id, err)
	}
	return &m, nil
}

// GetUnprocessedRaw returns unprocessed messages in insertion order. The
// ordering matters: the first occurrence of a fingerprint in this slice is the
// one promoted to the clean tier.
func (s *SQLiteStore) GetUnprocessedRaw(ctx context.Context, limit int) ([]message.RawMessage, error) {
	if limit <= 0 {
		limit = 1000
	}
	var msgs []message.RawMessage
	err := s.db.SelectContext(ctx, &msgs,
		"SELECT * FROM messages_raw WHERE processed_status = 0 ORDER BY id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("get unprocessed raw: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) MarkRawFailed(ctx context.Context, id int64, reason string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages_raw
		SET processed_status = ?, processing_attempts = processing_attempts + 1,
			last_processing_attempt = ?, processing_error = ?, updated_at = ?
		WHERE id = ?
	`, message.StatusFailed, now, reason, now, id)
	if err != nil {
		return fmt.Errorf("mark raw %d failed: %w", id, err)
	}
	return nil
}

// --- clean tier ---

func (s *SQLiteStore) InsertClean(ctx context.Context, rec *message.CleanMessage) (int64, error) {
	return insertClean(ctx, s.db, rec)
}

// InsertCleanTx inserts a clean record within an open dedup transaction.
func (s *SQLiteStore) InsertCleanTx(tx *sqlx.Tx, rec *message.CleanMessage) (int64, error) {
	return insertClean(context.Background(), tx, rec)
}

func insertClean(ctx context.Context, e sqlx.ExtContext, rec *message.CleanMessage) (int64, error) {
	now := time.Now().UTC()
	res, err := e.ExecContext(ctx, `
		INSERT INTO messages_clean (raw_message_id, staging_message_id, group_name, sender, content,
			msg_type, timestamp, dedup_hash, processed_batch_id, quality_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RawMessageID, rec.StagingMessageID, rec.GroupName, rec.Sender, rec.Content,
		rec.MsgType, rec.Timestamp, rec.DedupHash, rec.BatchID, rec.QualityScore, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: hash %s", ErrDuplicate, rec.DedupHash)
		}
		return 0, fmt.Errorf("insert clean message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	rec.ID = id
	return id, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CleanHashes loads every fingerprint already committed to the clean tier.
func (s *SQLiteStore) CleanHashes(ctx context.Context) (map[string]struct{}, error) {
	var hashes []string
	if err := s.db.SelectContext(ctx, &hashes, "SELECT dedup_hash FROM messages_clean"); err != nil {
		return nil, fmt.Errorf("load clean hashes: %w", err)
	}
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set, nil
}

// --- transactions ---

// WithTx runs fn in a transaction, rolling back on error. A dedup batch is
// committed as one unit: clean inserts and staging rows first, then the raw
// status flips, so a crash never leaves a raw message marked processed without
// its resolution.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// InsertStagingTx writes the scratch copy of a message for the current batch.
func (s *SQLiteStore) InsertStagingTx(tx *sqlx.Tx, rec *message.StagingMessage) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO messages_staging (raw_message_id, group_name, sender, content, msg_type,
			timestamp, dedup_hash, processing_batch_id, batch_sequence, validation_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RawMessageID, rec.GroupName, rec.Sender, rec.Content, rec.MsgType,
		rec.Timestamp, rec.DedupHash, rec.BatchID, rec.BatchSequence, rec.ValidationStatus, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert staging message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	rec.ID = id
	return id, nil
}

// MarkRawProcessedTx flips a batch of raw messages to processed. Must run in
// the same transaction as the corresponding clean inserts, after them.
func (s *SQLiteStore) MarkRawProcessedTx(tx *sqlx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE messages_raw
		SET processed_status = 1, processing_attempts = processing_attempts + 1,
			last_processing_attempt = ?, updated_at = ?
		WHERE id IN (?)
	`, time.Now().UTC(), time.Now().UTC(), ids)
	if err != nil {
		return fmt.Errorf("build mark processed: %w", err)
	}
	if _, err := tx.Exec(tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("mark raw processed: %w", err)
	}
	return nil
}

// --- batch ids ---

// GenerateBatchID returns an identifier like batch_20260107_153012_1a2b3c4d.
func (s *SQLiteStore) GenerateBatchID() string {
	return fmt.Sprintf("batch_%s_%s",
		time.Now().UTC().Format("20060102_150405"),
		uuid.NewString()[:8])
}

// --- retention ---

func (s *SQLiteStore) DeleteExpiredStaging(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages_staging WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired staging: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) DeleteExpiredLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM processing_logs WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired logs: %w", err)
	}
	return res.RowsAffected()
}
