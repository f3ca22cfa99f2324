// Package pipeline holds the recurring maintenance jobs that run beside the
// monitor.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lunarfi/liquidator/internal/domain"
)

// archiveBatchSize bounds how many rows one archive object holds.
const archiveBatchSize = 5000

// BlobWriter is the slice of the object store the archiver needs.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver moves aged trade and liquidation rows to object-store cold
// storage as JSONL, then deletes them from the database. Position rows are
// never archived: closed positions stay queryable.
type Archiver struct {
	trades        domain.TradeStore
	liquidations  domain.LiquidationStore
	blob          BlobWriter
	retentionDays int
	logger        *slog.Logger
}

// NewArchiver creates an Archiver retaining retentionDays of hot data.
func NewArchiver(trades domain.TradeStore, liquidations domain.LiquidationStore, blob BlobWriter, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		trades:        trades,
		liquidations:  liquidations,
		blob:          blob,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive run for both tables.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.Info("archive run starting",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	archivedTrades, err := a.archiveTrades(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive trades: %w", err)
	}

	archivedLiqs, err := a.archiveLiquidations(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive liquidations: %w", err)
	}

	a.logger.Info("archive run complete",
		slog.Int64("trades", archivedTrades),
		slog.Int64("liquidations", archivedLiqs),
	)
	return nil
}

func (a *Archiver) archiveTrades(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := a.trades.ListOlderThan(ctx, cutoff, archiveBatchSize)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range rows {
		if err := enc.Encode(t); err != nil {
			return 0, fmt.Errorf("encode trade %d: %w", t.ID, err)
		}
	}

	key := fmt.Sprintf("archive/trades/%s.jsonl", time.Now().UTC().Format("2006-01-02T15-04-05"))
	if err := a.blob.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return 0, err
	}

	// Delete only what was written out: rows are fetched oldest-first, so
	// deleting up to the newest archived timestamp covers exactly them.
	deleted, err := a.trades.DeleteOlderThan(ctx, rows[len(rows)-1].Timestamp.Add(time.Millisecond))
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (a *Archiver) archiveLiquidations(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := a.liquidations.ListOlderThan(ctx, cutoff, archiveBatchSize)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, l := range rows {
		if err := enc.Encode(l); err != nil {
			return 0, fmt.Errorf("encode liquidation %d: %w", l.ID, err)
		}
	}

	key := fmt.Sprintf("archive/liquidations/%s.jsonl", time.Now().UTC().Format("2006-01-02T15-04-05"))
	if err := a.blob.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return 0, err
	}

	deleted, err := a.liquidations.DeleteOlderThan(ctx, rows[len(rows)-1].Timestamp.Add(time.Millisecond))
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// RunLoop runs archive passes on a fixed interval until ctx is cancelled.
func (a *Archiver) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
