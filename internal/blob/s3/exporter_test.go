package s3blob

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/oddlot/parb/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemWriter() *memWriter {
	return &memWriter{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *memWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(data); err != nil {
		return err
	}
	m.objects[path] = buf.Bytes()
	m.types[path] = contentType
	return nil
}

type stubOpps struct{ opps []domain.Opportunity }

func (s stubOpps) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	return s.opps, nil
}

type stubTrades struct{ trades []domain.TradeRecord }

func (s stubTrades) ListRecent(ctx context.Context, limit int) ([]domain.TradeRecord, error) {
	return s.trades, nil
}

func TestExportWritesDayPartitionedJSONL(t *testing.T) {
	w := newMemWriter()
	e := NewExporter(w,
		stubOpps{opps: []domain.Opportunity{
			{ID: "opp-1", MarketID: "mkt-1", CombinedCost: 0.97},
			{ID: "opp-2", MarketID: "mkt-2", CombinedCost: 0.96},
		}},
		stubTrades{trades: []domain.TradeRecord{
			{TradeID: "t-1", MarketID: "mkt-1", Notional: 9.7},
		}},
		time.Hour, slog.New(slog.DiscardHandler))
	e.now = func() time.Time { return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC) }

	if err := e.Export(context.Background()); err != nil {
		t.Fatalf("Export: %v", err)
	}

	opps, ok := w.objects["exports/opportunities/2026-08-31.jsonl"]
	if !ok {
		t.Fatalf("opportunity export missing, got keys %v", keys(w.objects))
	}
	if lines := strings.Count(string(opps), "\n"); lines != 2 {
		t.Errorf("opportunity export has %d lines, want 2", lines)
	}
	if got := w.types["exports/opportunities/2026-08-31.jsonl"]; got != "application/x-ndjson" {
		t.Errorf("content type = %q", got)
	}
	if _, ok := w.objects["exports/trades/2026-08-31.jsonl"]; !ok {
		t.Error("trade export missing")
	}
}

func TestExportSkipsEmptyHistories(t *testing.T) {
	w := newMemWriter()
	e := NewExporter(w, stubOpps{}, stubTrades{}, time.Hour, slog.New(slog.DiscardHandler))

	if err := e.Export(context.Background()); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(w.objects) != 0 {
		t.Errorf("empty histories must not upload, got %v", keys(w.objects))
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
