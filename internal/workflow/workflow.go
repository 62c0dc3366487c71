// Package workflow coordinates the pipeline: health checks, trigger decisions,
// deduplication, validation, retention cleanup and status reporting.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seanlee111/wechat-listener/internal/store"
	"github.com/seanlee111/wechat-listener/pkg/backup"
	"github.com/seanlee111/wechat-listener/pkg/dedup"
	"github.com/seanlee111/wechat-listener/pkg/validate"
)

// ErrHealthCheck marks a fatal run abort: storage unreachable, schema missing
// or the write probe failing. Not retried within the same run.
var ErrHealthCheck = errors.New("health check failed")

// Config tunes the orchestrator.
type Config struct {
	AutoDedup         bool
	DedupThreshold    int
	DedupInterval     time.Duration
	ValidationEnabled bool
	MaxDedupFailures  int
	WatchInterval     time.Duration
	SessionCap        time.Duration
	StagingRetention  time.Duration
	LogRetention      time.Duration
}

// DefaultConfig mirrors the standard trigger policy.
func DefaultConfig() Config {
	return Config{
		AutoDedup:         true,
		DedupThreshold:    100,
		DedupInterval:     30 * time.Minute,
		ValidationEnabled: true,
		MaxDedupFailures:  3,
		WatchInterval:     5 * time.Minute,
		StagingRetention:  24 * time.Hour,
		LogRetention:      30 * 24 * time.Hour,
	}
}

// Stats accumulates across runs of one manager.
type Stats struct {
	TotalMessagesProcessed int        `json:"total_messages_processed"`
	TotalDedupsExecuted    int        `json:"total_dedups_executed"`
	TotalBackupsCreated    int        `json:"total_backups_created"`
	TotalValidations       int        `json:"total_validations"`
	LastDedupTime          *time.Time `json:"last_dedup_time,omitempty"`
	LastValidationTime     *time.Time `json:"last_validation_time,omitempty"`
	DedupFailureCount      int        `json:"dedup_failure_count"`
	AutoDedupDisabled      bool       `json:"auto_dedup_disabled"`
}

// Manager runs the pipeline state machine:
// HealthCheck → (ShouldDedup?) → Deduplicate → Validate → Cleanup → Report.
type Manager struct {
	store     store.Store
	engine    *dedup.Engine
	validator *validate.Validator
	backups   *backup.Service
	log       *slog.Logger
	cfg       Config

	mu    sync.Mutex
	stats Stats
}

func New(st store.Store, engine *dedup.Engine, validator *validate.Validator, backups *backup.Service, log *slog.Logger, cfg Config) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxDedupFailures <= 0 {
		cfg.MaxDedupFailures = 3
	}
	if cfg.StagingRetention <= 0 {
		cfg.StagingRetention = 24 * time.Hour
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = 30 * 24 * time.Hour
	}
	return &Manager{
		store:     st,
		engine:    engine,
		validator: validator,
		backups:   backups,
		log:       log,
		cfg:       cfg,
	}
}

// RunOnce executes one full workflow pass. A health-check failure is fatal
// and returned as ErrHealthCheck; a dedup failure is returned after stats are
// updated; validation and cleanup problems are reported but never abort the
// run. A summary is always emitted.
func (m *Manager) RunOnce(ctx context.Context) (err error) {
	defer m.report(ctx)

	if hcErr := m.store.HealthCheck(ctx); hcErr != nil {
		m.log.Error("workflow: health check failed", "error", hcErr)
		return fmt.Errorf("%w: %v", ErrHealthCheck, hcErr)
	}

	if should, reason := m.shouldDedup(ctx); should {
		m.log.Info("workflow: deduplication triggered", "reason", reason)
		if dErr := m.runDedup(ctx); dErr != nil {
			err = dErr
		}
	} else {
		m.log.Info("workflow: deduplication skipped", "reason", reason)
	}

	if m.cfg.ValidationEnabled {
		m.runValidation(ctx)
	}

	m.runCleanup(ctx)
	return err
}

// DedupOnly runs just the deduplication step with circuit-breaker accounting.
func (m *Manager) DedupOnly(ctx context.Context) error {
	return m.runDedup(ctx)
}

// ValidateOnly runs just the validation step and returns the result.
func (m *Manager) ValidateOnly(ctx context.Context) *validate.Result {
	return m.runValidation(ctx)
}

// BackupOnly creates a manual snapshot.
func (m *Manager) BackupOnly(ctx context.Context, notes string) (string, error) {
	path, err := m.backups.Create(ctx, backup.KindManual, notes)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.stats.TotalBackupsCreated++
	m.mu.Unlock()
	return path, nil
}

// Stats returns a copy of the cumulative counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ResetCircuitBreaker re-enables scheduled deduplication after repeated
// failures tripped it. Operator action.
func (m *Manager) ResetCircuitBreaker() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.DedupFailureCount = 0
	m.stats.AutoDedupDisabled = false
}

func (m *Manager) shouldDedup(ctx context.Context) (bool, string) {
	if !m.cfg.AutoDedup {
		return false, "auto dedup disabled by config"
	}
	m.mu.Lock()
	disabled := m.stats.AutoDedupDisabled
	lastDedup := m.stats.LastDedupTime
	m.mu.Unlock()
	if disabled {
		return false, "circuit breaker open"
	}

	count, err := m.store.CountUnprocessed(ctx)
	if err != nil {
		m.log.Error("workflow: count unprocessed failed", "error", err)
		return false, "count unavailable"
	}
	if count == 0 {
		return false, "no unprocessed messages"
	}
	if count >= m.cfg.DedupThreshold {
		return true, fmt.Sprintf("unprocessed count %d >= threshold %d", count, m.cfg.DedupThreshold)
	}

	if lastDedup == nil {
		if ts, err := m.store.LastCompleted(ctx, "dedup"); err == nil {
			lastDedup = ts
		}
	}
	if lastDedup == nil {
		return true, "no previous deduplication recorded"
	}
	if since := time.Since(*lastDedup); since >= m.cfg.DedupInterval {
		return true, fmt.Sprintf("last dedup %s ago >= interval %s", since.Round(time.Second), m.cfg.DedupInterval)
	}
	return false, "below threshold and within interval"
}

func (m *Manager) runDedup(ctx context.Context) error {
	stats, err := m.engine.Execute(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.stats.DedupFailureCount++
		if m.stats.DedupFailureCount >= m.cfg.MaxDedupFailures && !m.stats.AutoDedupDisabled {
			m.stats.AutoDedupDisabled = true
			m.log.Error("workflow: circuit breaker tripped, auto dedup disabled",
				"consecutive_failures", m.stats.DedupFailureCount)
		}
		return fmt.Errorf("deduplication: %w", err)
	}

	now := time.Now().UTC()
	m.stats.TotalDedupsExecuted++
	m.stats.LastDedupTime = &now
	m.stats.DedupFailureCount = 0
	m.stats.TotalMessagesProcessed += stats.Processed
	return nil
}

func (m *Manager) runValidation(ctx context.Context) *validate.Result {
	result := m.validator.ValidateDatabase(ctx)

	now := time.Now().UTC()
	m.mu.Lock()
	m.stats.TotalValidations++
	m.stats.LastValidationTime = &now
	m.mu.Unlock()

	if !result.IsValid {
		m.log.Warn("workflow: validation found problems",
			"errors", result.ErrorCount, "warnings", result.WarningCount)
		m.logValidationOutcome(ctx, result)
	}
	return result
}

// logValidationOutcome records a failed validation in the audit trail so the
// signal survives process restarts.
func (m *Manager) logValidationOutcome(ctx context.Context, result *validate.Result) {
	batchID := m.store.GenerateBatchID()
	logID, err := m.store.LogBatchStart(ctx, batchID, "validation")
	if err != nil {
		m.log.Warn("workflow: could not record validation outcome", "error", err)
		return
	}
	msg := ""
	if len(result.Errors) > 0 {
		msg = result.Errors[0]
	}
	if err := m.store.LogBatchFailed(ctx, logID, msg); err != nil {
		m.log.Warn("workflow: could not close validation log", "error", err)
	}
}

// runCleanup deletes expired staging rows, old processing logs and expired
// snapshots. Best effort: failures are logged and swallowed.
func (m *Manager) runCleanup(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := m.store.DeleteExpiredStaging(ctx, now.Add(-m.cfg.StagingRetention)); err != nil {
		m.log.Warn("workflow: staging cleanup failed", "error", err)
	} else if n > 0 {
		m.log.Info("workflow: expired staging rows removed", "count", n)
	}

	if n, err := m.store.DeleteExpiredLogs(ctx, now.Add(-m.cfg.LogRetention)); err != nil {
		m.log.Warn("workflow: log cleanup failed", "error", err)
	} else if n > 0 {
		m.log.Info("workflow: expired processing logs removed", "count", n)
	}

	if m.backups != nil {
		if n, err := m.backups.CleanupExpired(ctx); err != nil {
			m.log.Warn("workflow: backup cleanup failed", "error", err)
		} else if n > 0 {
			m.log.Info("workflow: expired backups removed", "count", n)
		}
	}
}

func (m *Manager) report(ctx context.Context) {
	status, err := m.Status(ctx)
	if err != nil {
		m.log.Warn("workflow: status report unavailable", "error", err)
		return
	}
	m.log.Info("workflow: summary",
		"raw", status.Database.RawMessages,
		"clean", status.Database.CleanMessages,
		"unprocessed", status.Database.UnprocessedMessages,
		"dedup_ratio", fmt.Sprintf("%.2f", status.Database.DedupRatio),
		"dedups_executed", status.Workflow.TotalDedupsExecuted,
		"backups_created", status.Workflow.TotalBackupsCreated)
}

// DatabaseStatus summarizes the tiers.
type DatabaseStatus struct {
	RawMessages         int     `json:"raw_messages"`
	CleanMessages       int     `json:"clean_messages"`
	StagingMessages     int     `json:"staging_messages"`
	UnprocessedMessages int     `json:"unprocessed_messages"`
	DedupRatio          float64 `json:"dedup_ratio"`
}

// Status is the operator-facing system snapshot.
type Status struct {
	Database         DatabaseStatus        `json:"database"`
	Workflow         Stats                 `json:"workflow_stats"`
	NeedsDedup       bool                  `json:"needs_deduplication"`
	RecentOperations []store.ProcessingLog `json:"recent_operations"`
}

// Status collects the current system snapshot. Read-only.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	raw, err := m.store.CountRaw(ctx)
	if err != nil {
		return nil, err
	}
	clean, err := m.store.CountClean(ctx)
	if err != nil {
		return nil, err
	}
	staging, err := m.store.CountStaging(ctx)
	if err != nil {
		return nil, err
	}
	unprocessed, err := m.store.CountUnprocessed(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := m.store.RecentLogs(ctx, 5)
	if err != nil {
		return nil, err
	}

	ratio := 0.0
	if raw > 0 {
		ratio = float64(clean) / float64(raw)
	}
	needs, _ := m.shouldDedup(ctx)

	return &Status{
		Database: DatabaseStatus{
			RawMessages:         raw,
			CleanMessages:       clean,
			StagingMessages:     staging,
			UnprocessedMessages: unprocessed,
			DedupRatio:          ratio,
		},
		Workflow:         m.Stats(),
		NeedsDedup:       needs,
		RecentOperations: recent,
	}, nil
}

// Watch runs full workflow passes on a ticker until ctx is cancelled, a
// fatal health-check failure occurs, or the session cap elapses. Passes are
// never interrupted mid-batch; cancellation takes effect between them.
func (m *Manager) Watch(ctx context.Context) error {
	interval := m.cfg.WatchInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	var sessionDone <-chan time.Time
	if m.cfg.SessionCap > 0 {
		timer := time.NewTimer(m.cfg.SessionCap)
		defer timer.Stop()
		sessionDone = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info("workflow: watch started", "interval", interval, "session_cap", m.cfg.SessionCap)
	if err := m.RunOnce(ctx); errors.Is(err, ErrHealthCheck) {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			m.log.Info("workflow: watch stopped")
			return ctx.Err()
		case <-sessionDone:
			m.log.Info("workflow: session cap reached, stopping")
			return nil
		case <-ticker.C:
			if err := m.RunOnce(ctx); errors.Is(err, ErrHealthCheck) {
				return err
			} else if err != nil {
				m.log.Error("workflow: pass failed", "error", err)
			}
		}
	}
}
