// Package validate audits the pipeline's invariants after the fact: schema
// presence, referential integrity, clean-tier uniqueness, status consistency
// and staging hygiene. It never mutates the stores it inspects.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/seanlee111/wechat-listener/internal/store"
)

// Result carries the outcome of a validation pass. Errors fail the result;
// warnings do not.
type Result struct {
	IsValid      bool           `json:"is_valid"`
	ErrorCount   int            `json:"error_count"`
	WarningCount int            `json:"warning_count"`
	Errors       []string       `json:"errors"`
	Warnings     []string       `json:"warnings"`
	Statistics   map[string]any `json:"statistics"`
}

func newResult() *Result {
	return &Result{IsValid: true, Statistics: map[string]any{}}
}

func (r *Result) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.ErrorCount++
	r.IsValid = false
}

func (r *Result) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
	r.WarningCount++
}

// Config toggles individual check groups and caps report sizes.
type Config struct {
	CheckForeignKeys  bool
	CheckDuplicates   bool
	CheckConsistency  bool
	CheckOrphans      bool
	StagingRetention  time.Duration
	MaxReportedHashes int
}

// DefaultConfig enables every check.
func DefaultConfig() Config {
	return Config{
		CheckForeignKeys:  true,
		CheckDuplicates:   true,
		CheckConsistency:  true,
		CheckOrphans:      true,
		StagingRetention:  24 * time.Hour,
		MaxReportedHashes: 5,
	}
}

var requiredTables = []string{
	"messages_raw", "messages_staging", "messages_clean",
	"processing_logs", "backup_metadata", "jobs", "schema_info",
}

var requiredColumns = map[string][]string{
	"messages_raw":   {"id", "group_name", "sender", "content", "processed_status", "timestamp"},
	"messages_clean": {"id", "raw_message_id", "group_name", "sender", "content", "dedup_hash"},
}

// Validator runs the check suite against a store.
type Validator struct {
	store store.Store
	log   *slog.Logger
	cfg   Config
}

func New(st store.Store, log *slog.Logger, cfg Config) *Validator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.StagingRetention <= 0 {
		cfg.StagingRetention = 24 * time.Hour
	}
	if cfg.MaxReportedHashes <= 0 {
		cfg.MaxReportedHashes = 5
	}
	return &Validator{store: st, log: log, cfg: cfg}
}

// ValidateDatabase runs the full integrity suite and returns an itemized
// result. Statistics collection never fails the result.
func (v *Validator) ValidateDatabase(ctx context.Context) *Result {
	result := newResult()

	v.checkSchema(ctx, result)
	if v.cfg.CheckForeignKeys {
		v.checkForeignKeys(ctx, result)
	}
	if v.cfg.CheckDuplicates {
		v.checkDuplicates(ctx, result)
	}
	if v.cfg.CheckConsistency {
		v.checkConsistency(ctx, result)
	}
	if v.cfg.CheckOrphans {
		v.checkOrphans(ctx, result)
	}
	v.collectStatistics(ctx, result)

	v.log.Info("validation complete",
		"is_valid", result.IsValid,
		"errors", result.ErrorCount,
		"warnings", result.WarningCount)
	return result
}

// ValidateBatch checks the outcome of a single dedup batch.
func (v *Validator) ValidateBatch(ctx context.Context, batchID string) *Result {
	result := newResult()

	exists, err := v.store.BatchLogExists(ctx, batchID, "dedup")
	if err != nil {
		result.addError("check batch log: %v", err)
		return result
	}
	if !exists {
		result.addError("no dedup batch found: %s", batchID)
		return result
	}

	total, unique, err := v.store.BatchCleanStats(ctx, batchID)
	if err != nil {
		result.addError("batch clean stats: %v", err)
	} else if total != unique {
		result.addError("batch %s produced %d clean rows but only %d distinct fingerprints", batchID, total, unique)
	}

	empty, err := v.store.CountEmptyHashInBatch(ctx, batchID)
	if err != nil {
		result.addError("count empty hashes: %v", err)
	} else if empty > 0 {
		result.addError("batch %s has %d clean rows with an empty fingerprint", batchID, empty)
	}

	result.Statistics["batch_id"] = batchID
	result.Statistics["batch_clean_rows"] = total
	return result
}

func (v *Validator) checkSchema(ctx context.Context, result *Result) {
	names, err := v.store.TableNames(ctx)
	if err != nil {
		result.addError("list tables: %v", err)
		return
	}
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}
	for _, table := range requiredTables {
		if !present[table] {
			result.addError("required table missing: %s", table)
		}
	}

	for table, cols := range requiredColumns {
		if !present[table] {
			continue
		}
		have, err := v.store.TableColumns(ctx, table)
		if err != nil {
			result.addError("inspect columns of %s: %v", table, err)
			continue
		}
		haveSet := make(map[string]bool, len(have))
		for _, c := range have {
			haveSet[c] = true
		}
		for _, c := range cols {
			if !haveSet[c] {
				result.addError("table %s missing column: %s", table, c)
			}
		}
	}
}

func (v *Validator) checkForeignKeys(ctx context.Context, result *Result) {
	orphanClean, err := v.store.CountOrphanedClean(ctx)
	if err != nil {
		result.addError("check clean foreign keys: %v", err)
	} else if orphanClean > 0 {
		result.addError("%d clean rows reference a missing raw message", orphanClean)
	}

	// Derived jobs are best-effort data, so a dangling reference is only a
	// hygiene signal.
	orphanJobs, err := v.store.CountOrphanedJobs(ctx)
	if err != nil {
		result.addWarning("check job foreign keys: %v", err)
	} else if orphanJobs > 0 {
		result.addWarning("%d jobs reference a missing clean message", orphanJobs)
	}
}

func (v *Validator) checkDuplicates(ctx context.Context, result *Result) {
	dups, err := v.store.DuplicateCleanHashes(ctx, v.cfg.MaxReportedHashes)
	if err != nil {
		result.addError("check duplicate fingerprints: %v", err)
	} else if len(dups) > 0 {
		result.addError("%d duplicate fingerprints in clean tier", len(dups))
		for _, d := range dups {
			result.addError("duplicate fingerprint %s appears %d times", shortHash(d.Hash), d.Count)
		}
	}

	contentDups, err := v.store.CountDuplicateContentGroups(ctx)
	if err != nil {
		result.addError("check duplicate content: %v", err)
	} else if contentDups > 0 {
		result.addError("%d (group, sender, content) keys shared by multiple clean rows", contentDups)
	}
}

func (v *Validator) checkConsistency(ctx context.Context, result *Result) {
	processedMissing, unprocessedPresent, err := v.store.StatusInconsistencies(ctx)
	if err != nil {
		result.addError("check status consistency: %v", err)
		return
	}
	if processedMissing > 0 {
		result.addError("%d raw messages marked processed without a clean or duplicate resolution", processedMissing)
	}
	if unprocessedPresent > 0 {
		result.addError("%d raw messages marked unprocessed but present in clean", unprocessedPresent)
	}

	minTS := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	stale, err := v.store.CountRawOutsideWindow(ctx, minTS, time.Now().UTC())
	if err != nil {
		result.addWarning("check timestamps: %v", err)
	} else if stale > 0 {
		result.addWarning("%d raw messages have timestamps outside [2020-01-01, now]", stale)
	}
}

func (v *Validator) checkOrphans(ctx context.Context, result *Result) {
	orphans, err := v.store.CountOrphanedStaging(ctx)
	if err != nil {
		result.addWarning("check orphaned staging: %v", err)
	} else if orphans > 0 {
		result.addWarning("%d staging rows reference a missing raw message", orphans)
	}

	expired, err := v.store.CountStagingOlderThan(ctx, time.Now().UTC().Add(-v.cfg.StagingRetention))
	if err != nil {
		result.addWarning("check expired staging: %v", err)
	} else if expired > 0 {
		result.addWarning("%d staging rows older than %s awaiting cleanup", expired, v.cfg.StagingRetention)
	}
}

func (v *Validator) collectStatistics(ctx context.Context, result *Result) {
	rawCount, err := v.store.CountRaw(ctx)
	if err != nil {
		result.addWarning("collect raw count: %v", err)
		return
	}
	cleanCount, err := v.store.CountClean(ctx)
	if err != nil {
		result.addWarning("collect clean count: %v", err)
		return
	}
	stagingCount, err := v.store.CountStaging(ctx)
	if err != nil {
		result.addWarning("collect staging count: %v", err)
		return
	}

	result.Statistics["raw_messages"] = rawCount
	result.Statistics["clean_messages"] = cleanCount
	result.Statistics["staging_messages"] = stagingCount

	if breakdown, err := v.store.RawStatusBreakdown(ctx); err != nil {
		result.addWarning("collect status breakdown: %v", err)
	} else {
		for status, n := range breakdown {
			result.Statistics["raw_status_"+status.String()] = n
		}
	}

	if rawCount > 0 {
		result.Statistics["dedup_ratio"] = float64(cleanCount) / float64(rawCount)
	} else {
		result.Statistics["dedup_ratio"] = 0.0
	}

	recent, err := v.store.CountLogsSince(ctx, "dedup", time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		result.addWarning("collect recent batches: %v", err)
	} else {
		result.Statistics["recent_batches_24h"] = recent
	}
}

// RenderReport formats a result as a plain-text operator report.
func RenderReport(result *Result) string {
	var b strings.Builder
	line := strings.Repeat("=", 60)

	b.WriteString(line + "\n")
	b.WriteString("Data Validation Report\n")
	b.WriteString(line + "\n")
	b.WriteString("Generated: " + time.Now().Format("2006-01-02 15:04:05") + "\n")
	status := "PASS"
	if !result.IsValid {
		status = "FAIL"
	}
	fmt.Fprintf(&b, "Status: %s\nErrors: %d\nWarnings: %d\n\n", status, result.ErrorCount, result.WarningCount)

	if len(result.Errors) > 0 {
		b.WriteString("Errors:\n" + strings.Repeat("-", 40) + "\n")
		for i, e := range result.Errors {
			fmt.Fprintf(&b, "%d. %s\n", i+1, e)
		}
		b.WriteString("\n")
	}
	if len(result.Warnings) > 0 {
		b.WriteString("Warnings:\n" + strings.Repeat("-", 40) + "\n")
		for i, w := range result.Warnings {
			fmt.Fprintf(&b, "%d. %s\n", i+1, w)
		}
		b.WriteString("\n")
	}
	if len(result.Statistics) > 0 {
		b.WriteString("Statistics:\n" + strings.Repeat("-", 40) + "\n")
		for k, val := range result.Statistics {
			fmt.Fprintf(&b, "%s: %v\n", k, val)
		}
		b.WriteString("\n")
	}
	b.WriteString(line + "\n")
	return b.String()
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}
