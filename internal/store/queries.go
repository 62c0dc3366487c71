package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/seanlee111/wechat-listener/pkg/message"
)

// HashCount is one offending fingerprint group found by the validator.
type HashCount struct {
	Hash  string `db:"dedup_hash"`
	Count int    `db:"cnt"`
}

// --- counts ---

func (s *SQLiteStore) CountRaw(ctx context.Context) (int, error) {
	return s.countTable(ctx, "messages_raw")
}

func (s *SQLiteStore) CountClean(ctx context.Context) (int, error) {
	return s.countTable(ctx, "messages_clean")
}

func (s *SQLiteStore) CountStaging(ctx context.Context) (int, error) {
	return s.countTable(ctx, "messages_staging")
}

func (s *SQLiteStore) countTable(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (s *SQLiteStore) CountUnprocessed(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages_raw WHERE processed_status = 0")
	if err != nil {
		return 0, fmt.Errorf("count unprocessed: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) RawStatusBreakdown(ctx context.Context) (map[message.Status]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT processed_status, COUNT(*) AS cnt FROM messages_raw GROUP BY processed_status")
	if err != nil {
		return nil, fmt.Errorf("status breakdown: %w", err)
	}
	defer rows.Close()

	counts := make(map[message.Status]int)
	for rows.Next() {
		var status, cnt int
		if err := rows.Scan(&status, &cnt); err != nil {
			return nil, err
		}
		counts[message.Status(status)] = cnt
	}
	return counts, rows.Err()
}

// --- listings ---

func (s *SQLiteStore) ListClean(ctx context.Context, opts CleanListOpts) ([]message.CleanMessage, error) {
	b := sq.Select("*").From("messages_clean")
	if opts.Group != "" {
		b = b.Where(sq.Eq{"group_name": opts.Group})
	}
	if opts.Sender != "" {
		b = b.Where(sq.Eq{"sender": opts.Sender})
	}
	if opts.Batch != "" {
		b = b.Where(sq.Eq{"processed_batch_id": opts.Batch})
	}
	if !opts.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"created_at": opts.Since})
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	b = b.OrderBy("id").Limit(uint64(limit))

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build clean listing: %w", err)
	}

	var msgs []message.CleanMessage
	if err := s.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, fmt.Errorf("list clean: %w", err)
	}
	return msgs, nil
}

// ExportClean reads the whole clean tier for the reporting collaborator.
func (s *SQLiteStore) ExportClean(ctx context.Context) ([]message.CleanMessage, error) {
	var msgs []message.CleanMessage
	if err := s.db.SelectContext(ctx, &msgs, "SELECT * FROM messages_clean ORDER BY id"); err != nil {
		return nil, fmt.Errorf("export clean: %w", err)
	}
	return msgs, nil
}

// --- extraction boundary ---

// GetUnextractedClean returns clean messages that have no derived job yet.
func (s *SQLiteStore) GetUnextractedClean(ctx context.Context, limit int) ([]message.CleanMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	query, args, err := sq.Select("c.*").
		From("messages_clean AS c").
		LeftJoin("jobs AS j ON j.clean_message_id = c.id").
		Where("j.id IS NULL").
		OrderBy("c.id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build unextracted query: %w", err)
	}

	var msgs []message.CleanMessage
	if err := s.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, fmt.Errorf("get unextracted clean: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) InsertJob(ctx context.Context, job *message.Job) (int64, error) {
	now := time.Now().UTC()
	parsedAt := job.ParsedAt
	if parsedAt.IsZero() {
		parsedAt = now
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (clean_message_id, raw_message_id, company, position, location,
			contact_email, full_text, extraction_confidence, parsed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.CleanMessageID, job.RawMessageID, job.Company, job.Position, job.Location,
		job.ContactEmail, job.FullText, job.ExtractionConfidence, parsedAt, now)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return res.LastInsertId()
}

// --- validator reads (no writes) ---

func (s *SQLiteStore) TableNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names,
		"SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("table names: %w", err)
	}
	return names, nil
}

func (s *SQLiteStore) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryxContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// CountOrphanedClean counts clean rows whose raw reference does not resolve.
func (s *SQLiteStore) CountOrphanedClean(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM messages_clean c
		LEFT JOIN messages_raw r ON c.raw_message_id = r.id
		WHERE r.id IS NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("count orphaned clean: %w", err)
	}
	return n, nil
}

// CountOrphanedJobs counts derived jobs whose clean reference does not resolve.
func (s *SQLiteStore) CountOrphanedJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM jobs j
		LEFT JOIN messages_clean c ON j.clean_message_id = c.id
		WHERE c.id IS NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("count orphaned jobs: %w", err)
	}
	return n, nil
}

// DuplicateCleanHashes returns fingerprints that appear more than once in the
// clean tier, worst offenders first.
func (s *SQLiteStore) DuplicateCleanHashes(ctx context.Context, limit int) ([]HashCount, error) {
	if limit <= 0 {
		limit = 5
	}
	query, args, err := sq.Select("dedup_hash", "COUNT(*) AS cnt").
		From("messages_clean").
		GroupBy("dedup_hash").
		Having("cnt > 1").
		OrderBy("cnt DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build duplicate hash query: %w", err)
	}

	var dups []HashCount
	if err := s.db.SelectContext(ctx, &dups, query, args...); err != nil {
		return nil, fmt.Errorf("duplicate clean hashes: %w", err)
	}
	return dups, nil
}

// CountDuplicateContentGroups counts (group, sender, content) keys shared by
// more than one clean row.
func (s *SQLiteStore) CountDuplicateContentGroups(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM (
			SELECT 1 FROM messages_clean
			GROUP BY group_name, sender, content
			HAVING COUNT(*) > 1
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("count duplicate content groups: %w", err)
	}
	return n, nil
}

// StatusInconsistencies counts raw rows whose processed flag disagrees with
// the clean tier: processed rows with no clean promotion and no duplicate
// resolution, and unprocessed rows that already appear in clean. A duplicate
// resolution is either a staging row marked duplicate or a surviving clean row
// with the same dedup key (the latter covers staging rows past retention).
func (s *SQLiteStore) StatusInconsistencies(ctx context.Context) (processedMissing, unprocessedPresent int, err error) {
	err = s.db.GetContext(ctx, &processedMissing, `
		SELECT COUNT(*) FROM messages_raw r
		WHERE r.processed_status = 1
		  AND NOT EXISTS (SELECT 1 FROM messages_clean c WHERE c.raw_message_id = r.id)
		  AND NOT EXISTS (
			SELECT 1 FROM messages_staging st
			WHERE st.raw_message_id = r.id AND st.validation_status = 'duplicate')
		  AND NOT EXISTS (
			SELECT 1 FROM messages_clean c2
			WHERE c2.group_name = r.group_name AND c2.sender = r.sender
			  AND LOWER(TRIM(c2.content)) = LOWER(TRIM(r.content)))
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("count processed without resolution: %w", err)
	}

	err = s.db.GetContext(ctx, &unprocessedPresent, `
		SELECT COUNT(*) FROM messages_raw r
		WHERE r.processed_status = 0
		  AND EXISTS (SELECT 1 FROM messages_clean c WHERE c.raw_message_id = r.id)
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("count unprocessed in clean: %w", err)
	}
	return processedMissing, unprocessedPresent, nil
}

// CountRawOutsideWindow counts raw rows with timestamps outside [min, max].
func (s *SQLiteStore) CountRawOutsideWindow(ctx context.Context, min, max time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM messages_raw WHERE timestamp < ? OR timestamp > ?", min, max)
	if err != nil {
		return 0, fmt.Errorf("count raw outside window: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountOrphanedStaging(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM messages_staging st
		LEFT JOIN messages_raw r ON st.raw_message_id = r.id
		WHERE r.id IS NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("count orphaned staging: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountStagingOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM messages_staging WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("count staging older than: %w", err)
	}
	return n, nil
}

// --- per-batch validation reads ---

func (s *SQLiteStore) BatchLogExists(ctx context.Context, batchID, opType string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM processing_logs WHERE batch_id = ? AND operation_type = ?",
		batchID, opType)
	if err != nil {
		return false, fmt.Errorf("batch log exists: %w", err)
	}
	return n > 0, nil
}

// BatchCleanStats returns the total clean rows a batch produced and how many
// distinct fingerprints they carry. The two must match for a well-formed batch.
func (s *SQLiteStore) BatchCleanStats(ctx context.Context, batchID string) (total, unique int, err error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT dedup_hash)
		FROM messages_clean WHERE processed_batch_id = ?
	`, batchID)
	if err := row.Scan(&total, &unique); err != nil {
		return 0, 0, fmt.Errorf("batch clean stats: %w", err)
	}
	return total, unique, nil
}

func (s *SQLiteStore) CountEmptyHashInBatch(ctx context.Context, batchID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM messages_clean
		WHERE processed_batch_id = ? AND (dedup_hash IS NULL OR dedup_hash = '')
	`, batchID)
	if err != nil {
		return 0, fmt.Errorf("count empty hash in batch: %w", err)
	}
	return n, nil
}
