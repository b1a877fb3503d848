package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	exportPageSize      = 500
	exportContentType   = "application/x-ndjson"
	defaultExportPrefix = "ledger-exports"
)

// ObjectWriter is the part of an object store the exporter needs.
type ObjectWriter interface {
	Put(ctx context.Context, key string, reader io.Reader, contentType string) error
}

// Exporter ships ledger history for a time window to object storage
// as one JSON-lines document.
type Exporter struct {
	repo   Repository
	store  ObjectWriter
	prefix string
}

// NewExporter creates a new ledger exporter
func NewExporter(repo Repository, store ObjectWriter, prefix string) *Exporter {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = defaultExportPrefix
	}
	return &Exporter{repo: repo, store: store, prefix: prefix}
}

// ExportKey returns the object key used for the [from, to) window.
func (e *Exporter) ExportKey(from, to time.Time) string {
	from, to = from.UTC(), to.UTC()
	return fmt.Sprintf("%s/%s/transactions_%s_%s.jsonl",
		e.prefix,
		from.Format("2006/01/02"),
		from.Format("20060102T150405Z"),
		to.Format("20060102T150405Z"),
	)
}

// Export writes every transaction created in [from, to) and returns the
// object key and the number of rows written. An empty window still produces
// an (empty) object so downstream jobs can tell "nothing happened" from
// "export did not run".
func (e *Exporter) Export(ctx context.Context, from, to time.Time) (string, int, error) {
	if !to.After(from) {
		return "", 0, fmt.Errorf("export window: %s is not after %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	filters := SearchFilters{
		DateFrom: &from,
		DateTo:   &to,
		Limit:    exportPageSize,
	}

	count := 0
	for {
		page, err := e.repo.SearchTransactions(ctx, filters)
		if err != nil {
			return "", count, err
		}
		for i := range page {
			if err := enc.Encode(&page[i]); err != nil {
				return "", count, fmt.Errorf("encode transaction %s: %w", page[i].ID, err)
			}
		}
		count += len(page)

		if len(page) < exportPageSize {
			break
		}
		filters.Offset += len(page)
	}

	// The S3 signer needs a seekable body to hash the payload
	key := e.ExportKey(from, to)
	if err := e.store.Put(ctx, key, bytes.NewReader(buf.Bytes()), exportContentType); err != nil {
		return "", count, fmt.Errorf("upload %s: %w", key, err)
	}

	log.Info().
		Str("key", key).
		Int("transactions", count).
		Time("from", from).
		Time("to", to).
		Msg("ledger export uploaded")

	return key, count, nil
}
