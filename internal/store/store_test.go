package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanlee111/wechat-listener/pkg/message"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func cleanFixture(rawID int64, group, sender, content string) *message.CleanMessage {
	return &message.CleanMessage{
		RawMessageID: rawID,
		GroupName:    group,
		Sender:       sender,
		Content:      content,
		MsgType:      "text",
		Timestamp:    time.Now().UTC(),
		DedupHash:    message.Fingerprint(group, sender, content),
		BatchID:      "batch_test",
		QualityScore: 1.0,
	}
}

func TestInsertAndGetRaw(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertRaw(ctx, "golang-jobs", "alice", "hiring backend engineers", "text")
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	m, err := s.GetRaw(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "golang-jobs", m.GroupName)
	assert.Equal(t, "alice", m.Sender)
	assert.Equal(t, "hiring backend engineers", m.Content)
	assert.Equal(t, message.StatusUnprocessed, m.ProcessedStatus)
	assert.Equal(t, 0, m.ProcessingAttempts)
}

func TestInsertRawDefaultsMsgType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertRaw(ctx, "g", "alice", "hello", "")
	require.NoError(t, err)

	m, err := s.GetRaw(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "text", m.MsgType)
}

func TestGetUnprocessedRawOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for _, content := range []string{"first", "second", "third"} {
		id, err := s.InsertRaw(ctx, "g", "alice", content, "text")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	msgs, err := s.GetUnprocessedRaw(ctx, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, ids[i], m.ID, "unprocessed messages must come back in insertion order")
	}
}

func TestMarkRawProcessedTx(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.InsertRaw(ctx, "g", "alice", "one", "text")
	require.NoError(t, err)
	id2, err := s.InsertRaw(ctx, "g", "alice", "two", "text")
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.MarkRawProcessedTx(tx, []int64{id1, id2})
	})
	require.NoError(t, err)

	n, err := s.CountUnprocessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	m, err := s.GetRaw(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, message.StatusProcessed, m.ProcessedStatus)
	assert.Equal(t, 1, m.ProcessingAttempts)
}

func TestMarkRawFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertRaw(ctx, "g", "alice", "broken", "text")
	require.NoError(t, err)
	require.NoError(t, s.MarkRawFailed(ctx, id, "parse error"))

	m, err := s.GetRaw(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, m.ProcessedStatus)
	assert.Equal(t, "parse error", m.ProcessingError)

	breakdown, err := s.RawStatusBreakdown(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, breakdown[message.StatusFailed])
}

func TestInsertCleanDuplicateHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rawID, err := s.InsertRaw(ctx, "g", "alice", "hello world", "text")
	require.NoError(t, err)

	_, err = s.InsertClean(ctx, cleanFixture(rawID, "g", "alice", "hello world"))
	require.NoError(t, err)

	// Same fingerprint again must surface the duplicate sentinel, not a
	// generic storage error.
	rawID2, err := s.InsertRaw(ctx, "g", "alice", "hello world", "text")
	require.NoError(t, err)
	_, err = s.InsertClean(ctx, cleanFixture(rawID2, "g", "alice", "hello world"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicate))

	n, err := s.CountClean(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertCleanDuplicateContentKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rawID, err := s.InsertRaw(ctx, "g", "alice", "same words", "text")
	require.NoError(t, err)
	_, err = s.InsertClean(ctx, cleanFixture(rawID, "g", "alice", "same words"))
	require.NoError(t, err)

	// Identical group/sender/content with a different hash still trips the
	// composite uniqueness constraint.
	rec := cleanFixture(rawID, "g", "alice", "same words")
	rec.DedupHash = strings.Repeat("f", 64)
	_, err = s.InsertClean(ctx, rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicate))
}

func TestCleanHashes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hashes, err := s.CleanHashes(ctx)
	require.NoError(t, err)
	assert.Empty(t, hashes)

	rawID, err := s.InsertRaw(ctx, "g", "alice", "hi", "text")
	require.NoError(t, err)
	rec := cleanFixture(rawID, "g", "alice", "hi")
	_, err = s.InsertClean(ctx, rec)
	require.NoError(t, err)

	hashes, err = s.CleanHashes(ctx)
	require.NoError(t, err)
	_, ok := hashes[rec.DedupHash]
	assert.True(t, ok)
}

func TestGenerateBatchID(t *testing.T) {
	s := newTestStore(t)

	a := s.GenerateBatchID()
	b := s.GenerateBatchID()
	assert.True(t, strings.HasPrefix(a, "batch_"))
	assert.NotEqual(t, a, b)
}

func TestBatchLogLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batchID := s.GenerateBatchID()
	logID, err := s.LogBatchStart(ctx, batchID, "dedup")
	require.NoError(t, err)

	last, err := s.LastCompleted(ctx, "dedup")
	require.NoError(t, err)
	assert.Nil(t, last, "started but not completed must not count")

	err = s.LogBatchComplete(ctx, logID, BatchMetrics{
		Processed: 10, Added: 8, Updated: 10, Elapsed: 120 * time.Millisecond,
	})
	require.NoError(t, err)

	last, err = s.LastCompleted(ctx, "dedup")
	require.NoError(t, err)
	require.NotNil(t, last)

	logs, err := s.RecentLogs(ctx, 5)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, batchID, logs[0].BatchID)
	assert.Equal(t, "completed", logs[0].Status)
	assert.Equal(t, 10, logs[0].RecordsProcessed)
	assert.Equal(t, 8, logs[0].RecordsAdded)

	n, err := s.CountLogsSince(ctx, "dedup", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLogBatchFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	logID, err := s.LogBatchStart(ctx, s.GenerateBatchID(), "dedup")
	require.NoError(t, err)
	require.NoError(t, s.LogBatchFailed(ctx, logID, "disk full"))

	logs, err := s.RecentLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "failed", logs[0].Status)
	assert.Equal(t, "disk full", logs[0].ErrorMessage)
}

func TestDeleteExpiredStaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rawID, err := s.InsertRaw(ctx, "g", "alice", "scratch", "text")
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := s.InsertStagingTx(tx, &message.StagingMessage{
			RawMessageID:     rawID,
			GroupName:        "g",
			Sender:           "alice",
			Content:          "scratch",
			MsgType:          "text",
			Timestamp:        time.Now().UTC(),
			DedupHash:        message.Fingerprint("g", "alice", "scratch"),
			BatchID:          "batch_test",
			BatchSequence:    1,
			ValidationStatus: message.ValidationValid,
		})
		return err
	})
	require.NoError(t, err)

	// Cutoff in the past keeps the fresh row.
	n, err := s.DeleteExpiredStaging(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Cutoff in the future expires it.
	n, err = s.DeleteExpiredStaging(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBackupRecordLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertBackupRecord(ctx, "/backups/manual_backup_1.db.gz", "manual", "before migration")
	require.NoError(t, err)

	err = s.FinalizeBackupRecord(ctx, id, BackupRecord{
		RecordCount:      42,
		FileSizeBytes:    1024,
		Checksum:         strings.Repeat("a", 64),
		CompressionRatio: 0.4,
		Status:           "completed",
	})
	require.NoError(t, err)

	recs, err := s.ListBackups(ctx, "manual")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "completed", recs[0].Status)
	assert.Equal(t, 42, recs[0].RecordCount)
	assert.Nil(t, recs[0].RestoredAt)

	require.NoError(t, s.MarkRestored(ctx, "/backups/manual_backup_1.db.gz"))
	recs, err = s.ListBackups(ctx, "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NotNil(t, recs[0].RestoredAt)

	recs, err = s.ListBackups(ctx, "auto")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestHealthCheck(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.HealthCheck(context.Background()))
}

func TestReopenKeepsData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertRaw(ctx, "g", "alice", "survives reopen", "text")
	require.NoError(t, err)

	require.NoError(t, s.Reopen())

	n, err := s.CountRaw(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
