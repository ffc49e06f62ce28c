package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oddlot/parb/internal/domain"
)

// exportBatchLimit caps how many records one export pulls. A market set of
// 1500 rarely produces more opportunities per day than this.
const exportBatchLimit = 50000

// OpportunityLister is the slice of domain.OpportunityStore the exporter
// needs.
type OpportunityLister interface {
	ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error)
}

// TradeLister is the slice of domain.TradeStore the exporter needs.
type TradeLister interface {
	ListRecent(ctx context.Context, limit int) ([]domain.TradeRecord, error)
}

// Exporter periodically snapshots opportunity and trade history to object
// storage as JSONL, partitioned by day:
//
//	exports/opportunities/2026-08-31.jsonl
//	exports/trades/2026-08-31.jsonl
//
// Rows are never deleted from the primary store here; exports are for
// offline analysis of spread behavior and fill quality.
type Exporter struct {
	writer   BlobWriter
	opps     OpportunityLister
	trades   TradeLister
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewExporter creates an Exporter that runs every interval.
func NewExporter(writer BlobWriter, opps OpportunityLister, trades TradeLister, interval time.Duration, logger *slog.Logger) *Exporter {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Exporter{
		writer:   writer,
		opps:     opps,
		trades:   trades,
		interval: interval,
		logger:   logger.With(slog.String("component", "exporter")),
		now:      time.Now,
	}
}

// Run exports on a fixed interval until the context is cancelled. A failed
// export is logged and retried at the next tick.
func (e *Exporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Export(ctx); err != nil {
				e.logger.WarnContext(ctx, "export failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Export uploads one snapshot of both histories.
func (e *Exporter) Export(ctx context.Context) error {
	day := e.now().UTC().Format("2006-01-02")

	opps, err := e.opps.ListRecent(ctx, exportBatchLimit)
	if err != nil {
		return fmt.Errorf("s3blob: list opportunities: %w", err)
	}
	if err := upload(ctx, e.writer, "exports/opportunities/"+day+".jsonl", opps); err != nil {
		return err
	}

	trades, err := e.trades.ListRecent(ctx, exportBatchLimit)
	if err != nil {
		return fmt.Errorf("s3blob: list trades: %w", err)
	}
	if err := upload(ctx, e.writer, "exports/trades/"+day+".jsonl", trades); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "history exported",
		slog.String("day", day),
		slog.Int("opportunities", len(opps)),
		slog.Int("trades", len(trades)))
	return nil
}

func upload[T any](ctx context.Context, w BlobWriter, path string, records []T) error {
	if len(records) == 0 {
		return nil
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: marshal %s: %w", path, err)
	}
	if err := w.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", path, err)
	}
	return nil
}

// marshalJSONL serializes a slice as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
