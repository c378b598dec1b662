package s3blob

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
	puts    int
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[path] = b
	m.puts++
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

// memTrades serves records filtered by ListOpts, newest first.
type memTrades struct {
	recs  []domain.TradeRecord
	calls int
}

func (m *memTrades) ListRecent(_ context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	m.calls++
	var match []domain.TradeRecord
	for _, r := range m.recs {
		if opts.Since != nil && r.StartedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !r.StartedAt.Before(*opts.Until) {
			continue
		}
		match = append(match, r)
	}
	if opts.Offset >= len(match) {
		return nil, nil
	}
	match = match[opts.Offset:]
	if len(match) > opts.Limit {
		match = match[:opts.Limit]
	}
	return match, nil
}

func TestArchiveTrades_OneObjectPerDay(t *testing.T) {
	day1 := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	store := &memTrades{}
	for i := 0; i < 5; i++ {
		store.recs = append(store.recs, domain.TradeRecord{ID: "a" + string(rune('0'+i)), StartedAt: day1.Add(time.Duration(i) * time.Hour)})
	}
	store.recs = append(store.recs, domain.TradeRecord{ID: "b0", StartedAt: day1.Add(30 * time.Hour)})

	blobs := &memBlobs{}
	a := NewArchiver(blobs, store, ArchiverConfig{Prefix: "polyarb", PageSize: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := a.ArchiveTrades(context.Background(), day1.Add(5*time.Hour), day1.AddDate(0, 0, 2))
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 || blobs.puts != 2 {
		t.Fatalf("archived %d trades in %d objects", n, blobs.puts)
	}
	first := blobs.objects["polyarb/trades/2026/03/14.jsonl"]
	if lines := bytes.Count(first, []byte("\n")); lines != 5 {
		t.Fatalf("day 1 has %d lines", lines)
	}
	if !strings.Contains(string(blobs.objects["polyarb/trades/2026/03/15.jsonl"]), `"ID":"b0"`) {
		t.Fatal("day 2 object missing trade b0")
	}

	// Re-running skips days already uploaded.
	n, err = a.ArchiveTrades(context.Background(), day1, day1.AddDate(0, 0, 2))
	if err != nil || n != 0 || blobs.puts != 2 {
		t.Fatalf("rerun: n=%d err=%v puts=%d", n, err, blobs.puts)
	}
}

func TestArchiveTrades_SkipsPartialDay(t *testing.T) {
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	store := &memTrades{recs: []domain.TradeRecord{{ID: "x", StartedAt: day.Add(time.Hour)}}}
	blobs := &memBlobs{}
	a := NewArchiver(blobs, store, ArchiverConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := a.ArchiveTrades(context.Background(), day, day.Add(12*time.Hour))
	if err != nil || n != 0 || store.calls != 0 {
		t.Fatalf("n=%d err=%v calls=%d", n, err, store.calls)
	}
}

func TestArchivePath(t *testing.T) {
	day := time.Date(2026, 1, 2, 23, 0, 0, 0, time.FixedZone("x", -3*3600))
	if got := archivePath("", day); got != "trades/2026/01/03.jsonl" {
		t.Fatalf("path = %q", got)
	}
	if got := normaliseEndpoint("minio:9000", false); got != "http://minio:9000" {
		t.Fatalf("endpoint = %q", got)
	}
}
