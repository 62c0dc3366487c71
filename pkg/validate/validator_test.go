package validate

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/seanlee111/wechat-listener/internal/store"
	"github.com/seanlee111/wechat-listener/pkg/dedup"
)

func newTestStore(t *testing.T) (*store.SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

// rawExec runs a statement on a second connection, bypassing the store. Used
// to inject the corruption the validator is supposed to catch.
func rawExec(t *testing.T, path, stmt string, args ...any) {
	t.Helper()
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(stmt, args...)
	require.NoError(t, err)
}

func seedAndDedup(t *testing.T, s *store.SQLiteStore, contents ...string) {
	t.Helper()
	ctx := context.Background()
	for _, c := range contents {
		_, err := s.InsertRaw(ctx, "golang-jobs", "alice", c, "text")
		require.NoError(t, err)
	}
	engine := dedup.New(s, nil, nil, dedup.Config{})
	_, err := engine.Execute(ctx)
	require.NoError(t, err)
}

func TestValidateCleanDatabase(t *testing.T) {
	s, _ := newTestStore(t)
	seedAndDedup(t, s, "alpha", "bravo", "alpha")

	v := New(s, nil, DefaultConfig())
	result := v.ValidateDatabase(context.Background())

	assert.True(t, result.IsValid, "errors: %v", result.Errors)
	assert.Equal(t, 0, result.ErrorCount)
	assert.Equal(t, 3, result.Statistics["raw_messages"])
	assert.Equal(t, 2, result.Statistics["clean_messages"])
	assert.Equal(t, 1, result.Statistics["recent_batches_24h"])
	assert.InDelta(t, 2.0/3.0, result.Statistics["dedup_ratio"].(float64), 0.001)
}

func TestValidateEmptyDatabase(t *testing.T) {
	s, _ := newTestStore(t)

	v := New(s, nil, DefaultConfig())
	result := v.ValidateDatabase(context.Background())

	assert.True(t, result.IsValid)
	assert.Equal(t, 0, result.Statistics["raw_messages"])
	assert.Equal(t, 0.0, result.Statistics["dedup_ratio"])
}

func TestValidateDetectsDuplicateHashes(t *testing.T) {
	s, path := newTestStore(t)
	seedAndDedup(t, s, "alpha")

	// Remove the safety net, then plant a second row with the same
	// fingerprint but different content so only the hash check fires.
	rawExec(t, path, "DROP INDEX idx_clean_hash")
	rawExec(t, path, `
		INSERT INTO messages_clean (raw_message_id, group_name, sender, content, msg_type,
			timestamp, dedup_hash, processed_batch_id, quality_score, created_at, updated_at)
		SELECT raw_message_id, group_name, sender, content || ' (copy)', msg_type,
			timestamp, dedup_hash, processed_batch_id, quality_score, created_at, updated_at
		FROM messages_clean LIMIT 1
	`)

	v := New(s, nil, DefaultConfig())
	result := v.ValidateDatabase(context.Background())

	require.False(t, result.IsValid)
	found := false
	for _, e := range result.Errors {
		if strings.Contains(e, "duplicate fingerprint") {
			found = true
		}
	}
	assert.True(t, found, "expected a duplicate fingerprint error, got: %v", result.Errors)
}

func TestValidateDetectsOrphanedClean(t *testing.T) {
	s, path := newTestStore(t)
	seedAndDedup(t, s, "alpha")

	// Foreign keys are off on the side connection, so the orphan goes in.
	rawExec(t, path, `
		INSERT INTO messages_clean (raw_message_id, group_name, sender, content, msg_type,
			timestamp, dedup_hash, processed_batch_id, quality_score, created_at, updated_at)
		VALUES (99999, 'g', 'bob', 'orphan', 'text', CURRENT_TIMESTAMP,
			'deadbeef', 'batch_x', 1.0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`)

	v := New(s, nil, DefaultConfig())
	result := v.ValidateDatabase(context.Background())

	require.False(t, result.IsValid)
	found := false
	for _, e := range result.Errors {
		if strings.Contains(e, "missing raw message") {
			found = true
		}
	}
	assert.True(t, found, "expected an orphaned clean error, got: %v", result.Errors)
}

func TestValidateDetectsStatusInconsistency(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertRaw(ctx, "g", "alice", "never resolved", "text")
	require.NoError(t, err)

	// Processed without any staging or clean resolution.
	rawExec(t, path, "UPDATE messages_raw SET processed_status = 1")

	v := New(s, nil, DefaultConfig())
	result := v.ValidateDatabase(ctx)

	require.False(t, result.IsValid)
	found := false
	for _, e := range result.Errors {
		if strings.Contains(e, "marked processed without") {
			found = true
		}
	}
	assert.True(t, found, "expected a status consistency error, got: %v", result.Errors)
}

func TestValidateBatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedAndDedup(t, s, "alpha", "bravo")

	msgs, err := s.ListClean(ctx, store.CleanListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	v := New(s, nil, DefaultConfig())
	result := v.ValidateBatch(ctx, msgs[0].BatchID)
	assert.True(t, result.IsValid, "errors: %v", result.Errors)
	assert.Equal(t, 2, result.Statistics["batch_clean_rows"])

	result = v.ValidateBatch(ctx, "batch_does_not_exist")
	assert.False(t, result.IsValid)
}

func TestRenderReport(t *testing.T) {
	s, _ := newTestStore(t)
	seedAndDedup(t, s, "alpha")

	v := New(s, nil, DefaultConfig())
	result := v.ValidateDatabase(context.Background())

	report := RenderReport(result)
	assert.Contains(t, report, "Data Validation Report")
	assert.Contains(t, report, "Status: PASS")
	assert.Contains(t, report, "raw_messages")

	result.addError("planted failure")
	report = RenderReport(result)
	assert.Contains(t, report, "Status: FAIL")
	assert.Contains(t, report, "planted failure")
}
