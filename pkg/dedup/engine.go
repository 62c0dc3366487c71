// Package dedup moves unprocessed raw messages into the clean tier in
// batch-atomic steps, never discarding raw input and never letting a
// duplicate fingerprint survive into clean.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/seanlee111/wechat-listener/internal/store"
	"github.com/seanlee111/wechat-listener/pkg/message"
)

// Config tunes a deduplication run.
type Config struct {
	BatchSize    int     // messages per batch-atomic commit
	FetchLimit   int     // upper bound on raw messages fetched per run
	PreBackup    bool    // snapshot the store before the first batch
	QualityScore float64 // score stamped on promoted messages
}

// Defaults fills zero fields with the standard values.
func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 10000
	}
	if c.QualityScore <= 0 {
		c.QualityScore = 1.0
	}
	return c
}

// Stats summarizes one deduplication run.
type Stats struct {
	TotalRaw   int           `json:"total_raw"`
	Processed  int           `json:"processed"`
	Clean      int           `json:"clean"`
	Duplicates int           `json:"duplicates"`
	Failed     int           `json:"failed"`
	Batches    int           `json:"batches"`
	Elapsed    time.Duration `json:"elapsed"`
}

// DedupRatio is the fraction of processed messages resolved as duplicates.
func (s Stats) DedupRatio() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Duplicates) / float64(s.Processed)
}

// SuccessRatio is the fraction of processed messages handled without failure.
func (s Stats) SuccessRatio() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Processed-s.Failed) / float64(s.Processed)
}

// Snapshotter creates a protective snapshot before a destructive-adjacent
// operation. Satisfied by the backup service.
type Snapshotter interface {
	PreOperation(ctx context.Context, operation string) (string, error)
}

// Engine is the deduplication engine.
type Engine struct {
	store store.Store
	snaps Snapshotter
	log   *slog.Logger
	cfg   Config
}

// New creates an engine. snaps may be nil when pre-operation backups are
// disabled.
func New(st store.Store, snaps Snapshotter, log *slog.Logger, cfg Config) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, snaps: snaps, log: log, cfg: cfg.withDefaults()}
}

// Execute runs one full deduplication pass. An empty raw backlog is a
// successful no-op. A batch failure stops the run; batches already committed
// stay committed and the next scheduled run picks up the remainder.
func (e *Engine) Execute(ctx context.Context) (Stats, error) {
	start := time.Now()
	var stats Stats

	msgs, err := e.store.GetUnprocessedRaw(ctx, e.cfg.FetchLimit)
	if err != nil {
		return stats, fmt.Errorf("fetch unprocessed: %w", err)
	}
	if len(msgs) == 0 {
		e.log.Info("dedup: nothing to process")
		return stats, nil
	}
	stats.TotalRaw = len(msgs)
	e.log.Info("dedup: starting run", "unprocessed", len(msgs), "batch_size", e.cfg.BatchSize)

	if e.cfg.PreBackup && e.snaps != nil {
		path, err := e.snaps.PreOperation(ctx, "dedup")
		if err != nil {
			return stats, fmt.Errorf("pre-dedup backup: %w", err)
		}
		e.log.Info("dedup: pre-operation backup created", "path", path)
	}

	for offset := 0; offset < len(msgs); offset += e.cfg.BatchSize {
		// Cancellation is honored between batches only; a batch in flight
		// commits before the loop observes ctx.
		select {
		case <-ctx.Done():
			stats.Elapsed = time.Since(start)
			return stats, ctx.Err()
		default:
		}

		end := offset + e.cfg.BatchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		stats.Batches++
		if err := e.processBatch(ctx, msgs[offset:end], &stats); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, err
		}
	}

	stats.Elapsed = time.Since(start)
	e.log.Info("dedup: run complete",
		"processed", stats.Processed,
		"clean", stats.Clean,
		"duplicates", stats.Duplicates,
		"batches", stats.Batches,
		"elapsed", stats.Elapsed.Round(time.Millisecond))
	return stats, nil
}

type resolution struct {
	msg    message.RawMessage
	hash   string
	unique bool
}

func (e *Engine) processBatch(ctx context.Context, batch []message.RawMessage, stats *Stats) error {
	batchStart := time.Now()
	batchID := e.store.GenerateBatchID()

	logID, err := e.store.LogBatchStart(ctx, batchID, "dedup")
	if err != nil {
		return fmt.Errorf("batch %s: %w", batchID, err)
	}

	existing, err := e.store.CleanHashes(ctx)
	if err != nil {
		e.store.LogBatchFailed(ctx, logID, err.Error())
		return fmt.Errorf("batch %s: %w", batchID, err)
	}

	// Walk in fetch order so the lowest id wins when fingerprints collide.
	seen := make(map[string]struct{}, len(batch))
	resolutions := make([]resolution, 0, len(batch))
	for _, m := range batch {
		h := message.Fingerprint(m.GroupName, m.Sender, m.Content)
		_, inBatch := seen[h]
		_, inClean := existing[h]
		unique := !inBatch && !inClean
		if unique {
			seen[h] = struct{}{}
		}
		resolutions = append(resolutions, resolution{msg: m, hash: h, unique: unique})
	}

	var cleanCount, dupCount int
	err = e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for seq, r := range resolutions {
			status := message.ValidationDuplicate
			if r.unique {
				status = message.ValidationValid
			}
			staging := &message.StagingMessage{
				RawMessageID:     r.msg.ID,
				GroupName:        r.msg.GroupName,
				Sender:           r.msg.Sender,
				Content:          r.msg.Content,
				MsgType:          r.msg.MsgType,
				Timestamp:        r.msg.Timestamp,
				DedupHash:        r.hash,
				BatchID:          batchID,
				BatchSequence:    seq,
				ValidationStatus: status,
			}
			stagingID, err := e.store.InsertStagingTx(tx, staging)
			if err != nil {
				return err
			}

			if r.unique {
				clean := &message.CleanMessage{
					RawMessageID:     r.msg.ID,
					StagingMessageID: &stagingID,
					GroupName:        r.msg.GroupName,
					Sender:           r.msg.Sender,
					Content:          r.msg.Content,
					MsgType:          r.msg.MsgType,
					Timestamp:        r.msg.Timestamp,
					DedupHash:        r.hash,
					BatchID:          batchID,
					QualityScore:     e.cfg.QualityScore,
				}
				if _, err := e.store.InsertCleanTx(tx, clean); err != nil {
					// The uniqueness constraint is the hard safety net; a row
					// that slipped past the in-memory sets is still a
					// duplicate, not a failure.
					if errors.Is(err, store.ErrDuplicate) {
						dupCount++
						continue
					}
					return err
				}
				cleanCount++
			} else {
				dupCount++
			}
		}

		// A message resolved as duplicate was still handled; the whole batch
		// flips to processed, strictly after the inserts above.
		ids := make([]int64, 0, len(resolutions))
		for _, r := range resolutions {
			ids = append(ids, r.msg.ID)
		}
		return e.store.MarkRawProcessedTx(tx, ids)
	})
	if err != nil {
		stats.Failed += len(batch)
		e.store.LogBatchFailed(ctx, logID, err.Error())
		e.log.Error("dedup: batch failed", "batch_id", batchID, "error", err)
		return fmt.Errorf("batch %s: %w", batchID, err)
	}

	stats.Processed += len(batch)
	stats.Clean += cleanCount
	stats.Duplicates += dupCount

	elapsed := time.Since(batchStart)
	if err := e.store.LogBatchComplete(ctx, logID, store.BatchMetrics{
		Processed: len(batch),
		Added:     cleanCount,
		Updated:   len(batch),
		Elapsed:   elapsed,
	}); err != nil {
		e.log.Warn("dedup: could not close batch log", "batch_id", batchID, "error", err)
	}

	e.log.Info("dedup: batch complete",
		"batch_id", batchID,
		"processed", len(batch),
		"clean", cleanCount,
		"duplicates", dupCount)
	return nil
}
