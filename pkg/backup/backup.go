// Package backup snapshots the storage file to immutable, checksummed copies
// and restores them on demand. A restore always snapshots the current state
// first so a bad restore is itself recoverable.
package backup

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/seanlee111/wechat-listener/internal/store"
)

// Kind classifies a snapshot for retention purposes.
type Kind string

const (
	KindAuto         Kind = "auto"
	KindManual       Kind = "manual"
	KindPreOperation Kind = "pre-operation"
)

// Config tunes the backup service.
type Config struct {
	Dir            string
	MaxAutoBackups int
	RetentionDays  int
	Compress       bool
	Verify         bool
}

// DefaultConfig mirrors the standard retention policy.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		MaxAutoBackups: 10,
		RetentionDays:  30,
		Compress:       true,
		Verify:         true,
	}
}

// Service creates, restores and expires snapshots of one store.
type Service struct {
	store store.Store
	log   *slog.Logger
	cfg   Config
}

func New(st store.Store, log *slog.Logger, cfg Config) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Dir == "" {
		cfg.Dir = "./backups"
	}
	if cfg.MaxAutoBackups <= 0 {
		cfg.MaxAutoBackups = 10
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	return &Service{store: st, log: log, cfg: cfg}
}

// Create takes a point-in-time snapshot of the store file and records its
// metadata. Returns the path of the snapshot file.
func (s *Service) Create(ctx context.Context, kind Kind, notes string) (string, error) {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	// Flush the WAL so the copied file is self-consistent.
	if err := s.store.Checkpoint(ctx); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_backup_%s.db", kind, time.Now().UTC().Format("20060102_150405"))
	if s.cfg.Compress {
		name += ".gz"
	}
	path := filepath.Join(s.cfg.Dir, name)

	recordID, err := s.store.InsertBackupRecord(ctx, path, string(kind), notes)
	if err != nil {
		return "", err
	}

	srcInfo, err := os.Stat(s.store.Path())
	if err != nil {
		s.store.FailBackupRecord(ctx, recordID, err.Error())
		return "", fmt.Errorf("stat source database: %w", err)
	}

	if err := copyFile(s.store.Path(), path, s.cfg.Compress); err != nil {
		s.store.FailBackupRecord(ctx, recordID, err.Error())
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	dstInfo, err := os.Stat(path)
	if err != nil {
		s.store.FailBackupRecord(ctx, recordID, err.Error())
		return "", fmt.Errorf("stat snapshot: %w", err)
	}

	checksum, err := fileChecksum(path)
	if err != nil {
		s.store.FailBackupRecord(ctx, recordID, err.Error())
		return "", err
	}

	recordCount, err := s.totalRecords(ctx)
	if err != nil {
		s.log.Warn("backup: could not count records", "error", err)
	}

	ratio := 1.0
	if srcInfo.Size() > 0 {
		ratio = float64(dstInfo.Size()) / float64(srcInfo.Size())
	}

	status := "completed"
	if s.cfg.Verify {
		verify, err := fileChecksum(path)
		if err != nil || verify != checksum {
			status = "corrupted"
			s.log.Warn("backup: verification failed", "path", path)
		}
	}

	if err := s.store.FinalizeBackupRecord(ctx, recordID, store.BackupRecord{
		RecordCount:      recordCount,
		FileSizeBytes:    dstInfo.Size(),
		Checksum:         checksum,
		CompressionRatio: ratio,
		Status:           status,
	}); err != nil {
		return "", err
	}

	s.log.Info("backup created",
		"path", path,
		"kind", string(kind),
		"size", humanize.Bytes(uint64(dstInfo.Size())),
		"records", recordCount)

	if kind == KindAuto {
		s.pruneAutoBackups(ctx)
	}
	return path, nil
}

// PreOperation creates a protective snapshot before a named operation.
func (s *Service) PreOperation(ctx context.Context, operation string) (string, error) {
	return s.Create(ctx, KindPreOperation, "before "+operation)
}

// Restore replaces the live store file with a snapshot. The current state is
// snapshotted first; the store handle is reopened against the restored file.
func (s *Service) Restore(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("snapshot not found: %w", err)
	}

	if s.cfg.Verify {
		if err := s.verifyAgainstRecord(ctx, path); err != nil {
			return err
		}
	}

	if _, err := s.Create(ctx, KindPreOperation, "before restore of "+filepath.Base(path)); err != nil {
		// A failed safety snapshot aborts the restore; overwriting the only
		// copy of the current state is worse than not restoring.
		return fmt.Errorf("pre-restore snapshot: %w", err)
	}

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	if err := restoreFile(path, s.store.Path()); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	if err := s.store.Reopen(); err != nil {
		return fmt.Errorf("reopen store: %w", err)
	}
	if err := s.store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("restored database failed health check: %w", err)
	}

	if err := s.store.MarkRestored(ctx, path); err != nil {
		s.log.Warn("backup: could not stamp restore time", "path", path, "error", err)
	}

	s.log.Info("backup restored", "path", path)
	return nil
}

// List returns snapshot metadata, optionally filtered by kind.
func (s *Service) List(ctx context.Context, kind Kind) ([]store.BackupRecord, error) {
	return s.store.ListBackups(ctx, string(kind))
}

// CleanupExpired deletes auto and pre-operation snapshots past the retention
// window. Manual snapshots are never auto-deleted.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	records, err := s.store.ListBackups(ctx, "")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	deleted := 0
	for _, rec := range records {
		if rec.Type == string(KindManual) || !rec.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.deleteBackup(ctx, rec); err != nil {
			s.log.Warn("backup: cleanup failed", "path", rec.FilePath, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Stats is an operator-facing summary of the backup inventory.
type Stats struct {
	Total     int            `json:"total"`
	TotalSize string         `json:"total_size"`
	Latest    string         `json:"latest,omitempty"`
	Oldest    string         `json:"oldest,omitempty"`
	ByKind    map[string]int `json:"by_kind"`
}

// Statistics summarizes the recorded snapshots.
func (s *Service) Statistics(ctx context.Context) (Stats, error) {
	records, err := s.store.ListBackups(ctx, "")
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{ByKind: map[string]int{}}
	var totalSize int64
	for _, rec := range records {
		stats.Total++
		totalSize += rec.FileSizeBytes
		stats.ByKind[rec.Type]++
	}
	stats.TotalSize = humanize.Bytes(uint64(totalSize))
	if len(records) > 0 {
		// ListBackups returns newest first.
		stats.Latest = records[0].FilePath
		stats.Oldest = records[len(records)-1].FilePath
	}
	return stats, nil
}

func (s *Service) pruneAutoBackups(ctx context.Context) {
	records, err := s.store.ListBackups(ctx, string(KindAuto))
	if err != nil {
		s.log.Warn("backup: list autos failed", "error", err)
		return
	}
	if len(records) <= s.cfg.MaxAutoBackups {
		return
	}
	for _, rec := range records[s.cfg.MaxAutoBackups:] {
		if err := s.deleteBackup(ctx, rec); err != nil {
			s.log.Warn("backup: prune failed", "path", rec.FilePath, "error", err)
		}
	}
}

func (s *Service) deleteBackup(ctx context.Context, rec store.BackupRecord) error {
	if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return s.store.DeleteBackupRecord(ctx, rec.ID)
}

func (s *Service) verifyAgainstRecord(ctx context.Context, path string) error {
	records, err := s.store.ListBackups(ctx, "")
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.FilePath != path || rec.Checksum == "" {
			continue
		}
		current, err := fileChecksum(path)
		if err != nil {
			return err
		}
		if current != rec.Checksum {
			return fmt.Errorf("snapshot %s failed checksum verification", path)
		}
		return nil
	}
	// No metadata for this file; nothing to verify against.
	return nil
}

func (s *Service) totalRecords(ctx context.Context) (int, error) {
	raw, err := s.store.CountRaw(ctx)
	if err != nil {
		return 0, err
	}
	staging, err := s.store.CountStaging(ctx)
	if err != nil {
		return 0, err
	}
	clean, err := s.store.CountClean(ctx)
	if err != nil {
		return 0, err
	}
	return raw + staging + clean, nil
}

func copyFile(src, dst string, compress bool) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if compress {
		gz := gzip.NewWriter(out)
		if _, err := io.Copy(gz, in); err != nil {
			return err
		}
		return gz.Close()
	}
	_, err = io.Copy(out, in)
	return err
}

func restoreFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	var reader io.Reader = in
	if filepath.Ext(src) == ".gz" {
		gz, err := gzip.NewReader(in)
		if err != nil {
			return err
		}
		defer gz.Close()
		reader = gz
	}

	// Remove WAL companions so the restored file is opened fresh.
	os.Remove(dst + "-wal")
	os.Remove(dst + "-shm")

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, reader)
	return err
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
