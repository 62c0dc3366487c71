package workflow

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/seanlee111/wechat-listener/internal/store"
	"github.com/seanlee111/wechat-listener/pkg/backup"
	"github.com/seanlee111/wechat-listener/pkg/dedup"
	"github.com/seanlee111/wechat-listener/pkg/validate"
)

type fixture struct {
	store   *store.SQLiteStore
	manager *Manager
	dbPath  string
}

func newFixture(t *testing.T, cfg Config, snaps dedup.Snapshotter) *fixture {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := store.New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	backups := backup.New(s, nil, backup.Config{Dir: filepath.Join(dir, "backups"), Compress: false})
	engineCfg := dedup.Config{}
	if snaps != nil {
		engineCfg.PreBackup = true
	}
	engine := dedup.New(s, snaps, nil, engineCfg)
	validator := validate.New(s, nil, validate.DefaultConfig())

	return &fixture{
		store:   s,
		manager: New(s, engine, validator, backups, nil, cfg),
		dbPath:  dbPath,
	}
}

func seedRaw(t *testing.T, s *store.SQLiteStore, contents ...string) {
	t.Helper()
	ctx := context.Background()
	for _, c := range contents {
		_, err := s.InsertRaw(ctx, "g", "alice", c, "text")
		require.NoError(t, err)
	}
}

func rawExec(t *testing.T, dbPath, stmt string) {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(stmt)
	require.NoError(t, err)
}

type failingSnaps struct{}

func (failingSnaps) PreOperation(ctx context.Context, operation string) (string, error) {
	return "", errors.New("snapshot storage offline")
}

func TestRunOnceTriggersDedupAtThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupThreshold = 1
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	seedRaw(t, f.store, "alpha", "bravo", "alpha")

	require.NoError(t, f.manager.RunOnce(ctx))

	stats := f.manager.Stats()
	assert.Equal(t, 1, stats.TotalDedupsExecuted)
	assert.Equal(t, 3, stats.TotalMessagesProcessed)
	assert.Equal(t, 1, stats.TotalValidations)
	assert.NotNil(t, stats.LastDedupTime)

	clean, err := f.store.CountClean(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, clean)
}

func TestRunOnceSkipsBelowThresholdWithinInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupThreshold = 1
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	seedRaw(t, f.store, "alpha")
	require.NoError(t, f.manager.RunOnce(ctx))
	require.Equal(t, 1, f.manager.Stats().TotalDedupsExecuted)

	// One new message, threshold raised, last dedup moments ago: skip.
	f.manager.cfg.DedupThreshold = 100
	seedRaw(t, f.store, "bravo")
	require.NoError(t, f.manager.RunOnce(ctx))

	assert.Equal(t, 1, f.manager.Stats().TotalDedupsExecuted)
	unprocessed, err := f.store.CountUnprocessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, unprocessed)
}

func TestRunOnceNothingToDo(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)

	require.NoError(t, f.manager.RunOnce(context.Background()))
	assert.Equal(t, 0, f.manager.Stats().TotalDedupsExecuted)
	assert.Equal(t, 1, f.manager.Stats().TotalValidations)
}

func TestRunOnceHealthCheckFatal(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)

	rawExec(t, f.dbPath, "DROP TABLE messages_staging")

	err := f.manager.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHealthCheck))
	assert.Equal(t, 0, f.manager.Stats().TotalValidations, "a fatal health check aborts the rest of the run")
}

func TestCircuitBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupThreshold = 1
	cfg.MaxDedupFailures = 2
	f := newFixture(t, cfg, failingSnaps{})
	ctx := context.Background()

	seedRaw(t, f.store, "alpha")

	require.Error(t, f.manager.DedupOnly(ctx))
	assert.False(t, f.manager.Stats().AutoDedupDisabled)

	require.Error(t, f.manager.DedupOnly(ctx))
	assert.True(t, f.manager.Stats().AutoDedupDisabled, "consecutive failures trip the breaker")

	// Scheduled runs now skip dedup entirely; the backlog stays put and the
	// run itself still succeeds.
	require.NoError(t, f.manager.RunOnce(ctx))
	unprocessed, err := f.store.CountUnprocessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, unprocessed)

	f.manager.ResetCircuitBreaker()
	stats := f.manager.Stats()
	assert.False(t, stats.AutoDedupDisabled)
	assert.Equal(t, 0, stats.DedupFailureCount)
}

func TestBreakerResetsAfterSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDedupFailures = 3
	f := newFixture(t, cfg, failingSnaps{})
	ctx := context.Background()

	seedRaw(t, f.store, "alpha")
	require.Error(t, f.manager.DedupOnly(ctx))
	require.Equal(t, 1, f.manager.Stats().DedupFailureCount)

	// A successful run clears the consecutive-failure count. Swap in an
	// engine without the failing snapshotter.
	f.manager.engine = dedup.New(f.store, nil, nil, dedup.Config{})
	require.NoError(t, f.manager.DedupOnly(ctx))
	assert.Equal(t, 0, f.manager.Stats().DedupFailureCount)
}

func TestRunOnceCleansExpiredStaging(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupThreshold = 1
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	seedRaw(t, f.store, "alpha", "alpha")
	require.NoError(t, f.manager.RunOnce(ctx))

	staging, err := f.store.CountStaging(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, staging)

	rawExec(t, f.dbPath, "UPDATE messages_staging SET created_at = '2020-01-01 00:00:00'")

	require.NoError(t, f.manager.RunOnce(ctx))
	staging, err = f.store.CountStaging(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, staging)
}

func TestStatus(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupThreshold = 2
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	seedRaw(t, f.store, "alpha", "bravo", "alpha")

	status, err := f.manager.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Database.RawMessages)
	assert.Equal(t, 3, status.Database.UnprocessedMessages)
	assert.Equal(t, 0, status.Database.CleanMessages)
	assert.True(t, status.NeedsDedup)

	require.NoError(t, f.manager.RunOnce(ctx))

	status, err = f.manager.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Database.CleanMessages)
	assert.Equal(t, 0, status.Database.UnprocessedMessages)
	assert.False(t, status.NeedsDedup)
	assert.InDelta(t, 2.0/3.0, status.Database.DedupRatio, 0.001)
	assert.NotEmpty(t, status.RecentOperations)
}

func TestBackupOnly(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)

	path, err := f.manager.BackupOnly(context.Background(), "weekly")
	require.NoError(t, err)
	assert.NotEmpty(t, path)
	assert.Equal(t, 1, f.manager.Stats().TotalBackupsCreated)
}

func TestValidateOnly(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)

	result := f.manager.ValidateOnly(context.Background())
	require.NotNil(t, result)
	assert.True(t, result.IsValid)
	assert.Equal(t, 1, f.manager.Stats().TotalValidations)
}

func TestWatchStopsAtSessionCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WatchInterval = 10 * time.Millisecond
	cfg.SessionCap = 80 * time.Millisecond
	f := newFixture(t, cfg, nil)

	done := make(chan error, 1)
	go func() { done <- f.manager.Watch(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop at the session cap")
	}
}

func TestWatchStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WatchInterval = 10 * time.Millisecond
	f := newFixture(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.manager.Watch(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop on cancellation")
	}
}

func TestWatchStopsOnHealthFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WatchInterval = 10 * time.Millisecond
	f := newFixture(t, cfg, nil)

	rawExec(t, f.dbPath, "DROP TABLE processing_logs")

	err := f.manager.Watch(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHealthCheck))
}
