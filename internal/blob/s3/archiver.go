package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

const contentTypeJSONL = "application/x-ndjson"

// TradeLister is the slice of domain.TradeStore the archiver reads from.
type TradeLister interface {
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error)
}

// ArchiverConfig tunes the archiver.
type ArchiverConfig struct {
	Prefix string
	// PageSize is the number of trades read per query.
	PageSize int
	// MultipartThreshold switches uploads to multipart above this many bytes.
	MultipartThreshold int64
}

// Archiver implements domain.Archiver. Each UTC day of trade history becomes
// one JSONL object at {prefix}/trades/YYYY/MM/DD.jsonl. Days already
// uploaded are skipped, so re-running a range is safe. Rows are not deleted
// from the primary store.
type Archiver struct {
	blobs  domain.BlobWriter
	trades TradeLister
	cfg    ArchiverConfig
	logger *slog.Logger
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver.
func NewArchiver(blobs domain.BlobWriter, trades TradeLister, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = 64 * 1024 * 1024
	}
	return &Archiver{blobs: blobs, trades: trades, cfg: cfg, logger: logger}
}

// ArchiveTrades uploads every complete UTC day in [since, until) and returns
// the number of trades written.
func (a *Archiver) ArchiveTrades(ctx context.Context, since, until time.Time) (int64, error) {
	var total int64
	for day := startOfDay(since); day.Before(until); day = day.AddDate(0, 0, 1) {
		end := day.AddDate(0, 0, 1)
		if end.After(until) {
			break
		}
		n, err := a.archiveDay(ctx, day, end)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (a *Archiver) archiveDay(ctx context.Context, day, end time.Time) (int64, error) {
	key := archivePath(a.cfg.Prefix, day)
	done, err := a.blobs.Exists(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", key, err)
	}
	if done {
		a.logger.DebugContext(ctx, "archive: day already uploaded", slog.String("key", key))
		return 0, nil
	}

	var records []domain.TradeRecord
	for offset := 0; ; offset += a.cfg.PageSize {
		page, err := a.trades.ListRecent(ctx, domain.ListOpts{
			Since:  &day,
			Until:  &end,
			Limit:  a.cfg.PageSize,
			Offset: offset,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s: list trades: %w", key, err)
		}
		records = append(records, page...)
		if len(page) < a.cfg.PageSize {
			break
		}
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", key, err)
	}
	if int64(len(buf)) > a.cfg.MultipartThreshold {
		err = a.blobs.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.blobs.Put(ctx, key, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return 0, err
	}

	a.logger.InfoContext(ctx, "archive: day uploaded",
		slog.String("key", key),
		slog.Int("trades", len(records)),
		slog.Int("bytes", len(buf)),
	)
	return int64(len(records)), nil
}

// archivePath builds the object key for day, e.g. polyarb/trades/2026/03/14.jsonl.
func archivePath(prefix string, day time.Time) string {
	return path.Join(prefix, "trades", day.UTC().Format("2006/01/02")+".jsonl")
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// marshalJSONL encodes records one compact JSON document per line.
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
