package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	archivePrefix    = "archive/items/"
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 16 * 1024 * 1024
)

// Archiver implements domain.Archiver. It snapshots every ledger item listed
// up to a point in time as JSONL and uploads it. Nothing is deleted from the
// primary store.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	items  domain.ItemArchiveStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	items domain.ItemArchiveStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		items:  items,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveItems uploads all items listed at or before at to
// archive/items/YYYY-MM-DD.jsonl. A second snapshot on the same day gets a
// time-qualified name instead of overwriting the first. An empty ledger
// uploads nothing and returns an empty path.
func (a *Archiver) ArchiveItems(ctx context.Context, at time.Time) (string, int64, error) {
	at = at.UTC()
	items, err := a.items.ListItems(ctx, domain.ListOpts{Until: &at})
	if err != nil {
		return "", 0, fmt.Errorf("s3blob: archive items query: %w", err)
	}
	if len(items) == 0 {
		a.logger.InfoContext(ctx, "archiver: nothing to archive")
		return "", 0, nil
	}

	buf, err := marshalJSONL(items)
	if err != nil {
		return "", 0, fmt.Errorf("s3blob: archive items marshal: %w", err)
	}

	path := archivePath(at)
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return "", 0, fmt.Errorf("s3blob: archive items: %w", err)
	}
	if exists {
		path = archivePathAt(at)
	}

	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return "", 0, fmt.Errorf("s3blob: archive items upload: %w", err)
	}

	count := int64(len(items))
	if a.audit != nil {
		err := a.audit.Log(ctx, "archive.items", map[string]any{
			"path":  path,
			"count": count,
			"until": at.Format(time.RFC3339),
			"bytes": len(buf),
		})
		if err != nil {
			return path, count, fmt.Errorf("s3blob: archive items audit log: %w", err)
		}
	}

	a.logger.InfoContext(ctx, "archiver: items archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int("bytes", len(buf)),
	)
	return path, count, nil
}

// ReadArchive downloads and decodes an item archive.
func (a *Archiver) ReadArchive(ctx context.Context, path string) ([]domain.MarketItem, error) {
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var items []domain.MarketItem
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var it domain.MarketItem
		if err := json.Unmarshal(sc.Bytes(), &it); err != nil {
			return nil, fmt.Errorf("s3blob: read archive %s line %d: %w", path, line, err)
		}
		items = append(items, it)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: read archive %s: %w", path, err)
	}
	return items, nil
}

// ListArchives returns the stored item archives.
func (a *Archiver) ListArchives(ctx context.Context) ([]domain.BlobInfo, error) {
	return a.reader.List(ctx, archivePrefix)
}

// archivePath names the day's snapshot:
//
//	archive/items/2025-01-31.jsonl
func archivePath(at time.Time) string {
	return archivePrefix + at.Format("2006-01-02") + ".jsonl"
}

// archivePathAt names an additional same-day snapshot:
//
//	archive/items/2025-01-31T154500Z.jsonl
func archivePathAt(at time.Time) string {
	return archivePrefix + at.Format("2006-01-02T150405Z") + ".jsonl"
}

// marshalJSONL encodes one compact JSON document per line.
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

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)
