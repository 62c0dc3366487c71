package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/seanlee111/wechat-listener/internal/config"
	"github.com/seanlee111/wechat-listener/internal/logging"
	"github.com/seanlee111/wechat-listener/internal/store"
	"github.com/seanlee111/wechat-listener/internal/workflow"
	"github.com/seanlee111/wechat-listener/pkg/backup"
	"github.com/seanlee111/wechat-listener/pkg/dedup"
	"github.com/seanlee111/wechat-listener/pkg/retry"
	"github.com/seanlee111/wechat-listener/pkg/server"
	"github.com/seanlee111/wechat-listener/pkg/validate"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

// app wires the components for a single CLI invocation.
type app struct {
	cfg       *config.Config
	store     *store.SQLiteStore
	engine    *dedup.Engine
	validator *validate.Validator
	backups   *backup.Service
	manager   *workflow.Manager
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	log := logging.New(cfg.Log.Level)

	backups := backup.New(db, log, backup.Config{
		Dir:            cfg.Backup.Dir,
		MaxAutoBackups: cfg.Backup.MaxAutoBackups,
		RetentionDays:  cfg.Backup.RetentionDays,
		Compress:       cfg.Backup.Compress,
		Verify:         cfg.Backup.Verify,
	})

	engine := dedup.New(db, backups, log, dedup.Config{
		BatchSize:  cfg.Dedup.BatchSize,
		FetchLimit: cfg.Dedup.FetchLimit,
		PreBackup:  cfg.Dedup.PreBackup,
	})

	validator := validate.New(db, log, validate.Config{
		CheckForeignKeys:  true,
		CheckDuplicates:   true,
		CheckConsistency:  true,
		CheckOrphans:      true,
		StagingRetention:  cfg.Workflow.ParseStagingRetention(),
		MaxReportedHashes: 5,
	})

	manager := workflow.New(db, engine, validator, backups, log, workflow.Config{
		AutoDedup:         cfg.Workflow.AutoDedup,
		DedupThreshold:    cfg.Workflow.DedupThreshold,
		DedupInterval:     cfg.Workflow.ParseDedupInterval(),
		ValidationEnabled: cfg.Workflow.ValidationEnabled,
		MaxDedupFailures:  cfg.Workflow.MaxDedupFailures,
		WatchInterval:     cfg.Workflow.ParseWatchInterval(),
		SessionCap:        cfg.Workflow.ParseSessionCap(),
		StagingRetention:  cfg.Workflow.ParseStagingRetention(),
		LogRetention:      time.Duration(cfg.Workflow.LogRetentionDays) * 24 * time.Hour,
	})

	return &app{
		cfg:       cfg,
		store:     db,
		engine:    engine,
		validator: validator,
		backups:   backups,
		manager:   manager,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func runWorkflowOnce() error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	return a.manager.RunOnce(context.Background())
}

func runWatch(interval, sessionCap string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	// Flag overrides win over config.
	if interval != "" {
		if _, err := time.ParseDuration(interval); err != nil {
			return fmt.Errorf("invalid --interval: %w", err)
		}
		a.cfg.Workflow.WatchInterval = interval
	}
	if sessionCap != "" {
		if _, err := time.ParseDuration(sessionCap); err != nil {
			return fmt.Errorf("invalid --session-cap: %w", err)
		}
		a.cfg.Workflow.SessionCap = sessionCap
	}

	log := logging.New(a.cfg.Log.Level)
	manager := workflow.New(a.store, a.engine, a.validator, a.backups, log, workflow.Config{
		AutoDedup:         a.cfg.Workflow.AutoDedup,
		DedupThreshold:    a.cfg.Workflow.DedupThreshold,
		DedupInterval:     a.cfg.Workflow.ParseDedupInterval(),
		ValidationEnabled: a.cfg.Workflow.ValidationEnabled,
		MaxDedupFailures:  a.cfg.Workflow.MaxDedupFailures,
		WatchInterval:     a.cfg.Workflow.ParseWatchInterval(),
		SessionCap:        a.cfg.Workflow.ParseSessionCap(),
		StagingRetention:  a.cfg.Workflow.ParseStagingRetention(),
		LogRetention:      time.Duration(a.cfg.Workflow.LogRetentionDays) * 24 * time.Hour,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = manager.Watch(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func runDedup(batchSize int, noBackup bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if batchSize > 0 {
		a.cfg.Dedup.BatchSize = batchSize
	}
	if noBackup {
		a.cfg.Dedup.PreBackup = false
	}
	log := logging.New(a.cfg.Log.Level)
	engine := dedup.New(a.store, a.backups, log, dedup.Config{
		BatchSize:  a.cfg.Dedup.BatchSize,
		FetchLimit: a.cfg.Dedup.FetchLimit,
		PreBackup:  a.cfg.Dedup.PreBackup,
	})

	stats, err := engine.Execute(context.Background())
	if err != nil {
		return fmt.Errorf("deduplication: %w", err)
	}

	fmt.Printf("processed %d messages in %d batches: %d clean, %d duplicates, %d failed (%.0f%% duplicates, took %s)\n",
		stats.Processed, stats.Batches, stats.Clean, stats.Duplicates, stats.Failed,
		stats.DedupRatio()*100, stats.Elapsed.Round(time.Millisecond))
	return nil
}

func runValidate(jsonOutput bool, batchID string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	var result *validate.Result
	if batchID != "" {
		result = a.validator.ValidateBatch(ctx, batchID)
	} else {
		result = a.validator.ValidateDatabase(ctx)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		fmt.Print(validate.RenderReport(result))
	}

	if !result.IsValid {
		return fmt.Errorf("validation failed with %d errors", result.ErrorCount)
	}
	return nil
}

func runBackupCreate(notes string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	path, err := a.backups.Create(context.Background(), backup.KindManual, notes)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	fmt.Printf("backup created: %s\n", path)
	return nil
}

func runBackupList() error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.backups.List(context.Background(), "")
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("no backups recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tKIND\tSTATUS\tSIZE\tPATH")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.CreatedAt.Format(time.RFC3339), rec.Type, rec.Status,
			humanize.Bytes(uint64(rec.FileSizeBytes)), rec.FilePath)
	}
	return w.Flush()
}

func runBackupCleanup() error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.backups.CleanupExpired(context.Background())
	if err != nil {
		return fmt.Errorf("cleanup backups: %w", err)
	}
	fmt.Printf("removed %d expired backups\n", n)
	return nil
}

func runRestore(path string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.backups.Restore(context.Background(), path); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	fmt.Printf("database restored from %s\n", path)
	return nil
}

func runStatus(jsonOutput bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	status, err := a.manager.Status(context.Background())
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Printf("raw messages:        %s\n", humanize.Comma(int64(status.Database.RawMessages)))
	fmt.Printf("clean messages:      %s\n", humanize.Comma(int64(status.Database.CleanMessages)))
	fmt.Printf("staging messages:    %s\n", humanize.Comma(int64(status.Database.StagingMessages)))
	fmt.Printf("unprocessed:         %s\n", humanize.Comma(int64(status.Database.UnprocessedMessages)))
	fmt.Printf("dedup ratio:         %.2f\n", status.Database.DedupRatio)
	fmt.Printf("needs deduplication: %v\n", status.NeedsDedup)

	if len(status.RecentOperations) > 0 {
		fmt.Println("\nrecent operations:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tOPERATION\tBATCH\tSTATUS\tPROCESSED")
		for _, op := range status.RecentOperations {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
				op.CreatedAt.Format(time.RFC3339), op.OperationType, op.BatchID, op.Status, op.RecordsProcessed)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// runIngest appends TSV lines (group, sender, content, optional type) to the
// raw tier. The raw tier is append-only: duplicates are welcome here and get
// resolved later by deduplication.
func runIngest(file string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var in io.Reader = os.Stdin
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	ctx := context.Background()
	policy := retry.DefaultPolicy()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var inserted, skipped int
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 4)
		if len(fields) < 3 {
			skipped++
			continue
		}
		group, sender, content := fields[0], fields[1], fields[2]
		msgType := "text"
		if len(fields) == 4 && fields[3] != "" {
			msgType = fields[3]
		}

		err := policy.Do(ctx, func() error {
			_, err := a.store.InsertRaw(ctx, group, sender, content, msgType)
			return err
		})
		if err != nil {
			return fmt.Errorf("insert raw message: %w", err)
		}
		inserted++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	fmt.Printf("ingested %d messages (%d lines skipped)\n", inserted, skipped)
	return nil
}

func runExport(out string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	msgs, err := a.store.ExportClean(context.Background())
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	var dst io.Writer = os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		dst = f
	}

	enc := json.NewEncoder(dst)
	enc.SetIndent("", "  ")
	if err := enc.Encode(msgs); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}

	if out != "" {
		fmt.Fprintf(os.Stderr, "exported %d messages to %s\n", len(msgs), out)
	}
	return nil
}

func runServe(port int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	srv := server.New(a.store, a.manager, a.validator, a.backups, port)
	return srv.ListenAndServe()
}
