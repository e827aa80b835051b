package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/copytrader/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// These follow the Interface Segregation Principle: the archiver only
// requires the query methods it actually calls, not the full domain store
// interfaces. The Postgres stores satisfy these implicitly through their
// ListArchivable/ListBefore and DeleteBefore methods.
// ---------------------------------------------------------------------------

// TradeRecordArchiveStore provides read and delete access to trade records
// for archival purposes.
type TradeRecordArchiveStore interface {
	// ListArchivable returns terminal trade records older than the given
	// cutoff time.
	ListArchivable(ctx context.Context, before time.Time) ([]domain.TradeRecord, error)
	// DeleteBefore deletes archived trade records older than the cutoff.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ReconciliationArchiveStore provides read and delete access to
// reconciliation results for archival purposes.
type ReconciliationArchiveStore interface {
	// ListBefore returns reconciliation results created strictly before the
	// given cutoff time.
	ListBefore(ctx context.Context, before time.Time) ([]domain.ReconciliationResult, error)
	// DeleteBefore deletes archived reconciliation results older than the
	// cutoff.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the domain stores for
// terminal records, serializing them to JSONL, uploading the result to S3,
// and then deleting the archived rows from Postgres.
//
// Deletion runs only after the upload succeeds, so a failed upload leaves the
// primary store untouched and the archive run can simply be retried.
type ArchiveImpl struct {
	writer domain.BlobWriter
	trades TradeRecordArchiveStore
	recon  ReconciliationArchiveStore
	audit  domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	trades TradeRecordArchiveStore,
	recon ReconciliationArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		trades: trades,
		recon:  recon,
		audit:  audit,
	}
}

// ArchiveTradeRecords queries all terminal trade records updated before the
// cutoff, serializes them to JSONL, uploads the file to S3 at
// archive/trade_records/YYYY-MM.jsonl, deletes the archived rows from
// Postgres, and records the event in the audit log.
func (a *ArchiveImpl) ArchiveTradeRecords(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.trades.ListArchivable(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trade records query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trade records marshal: %w", err)
	}

	path := archivePath("trade_records", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive trade records upload: %w", err)
	}

	deleted, err := a.trades.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trade records delete: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.trade_records", map[string]any{
		"path":    path,
		"count":   len(records),
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		return deleted, fmt.Errorf("s3blob: archive trade records audit log: %w", err)
	}

	return deleted, nil
}

// ArchiveReconciliations queries all reconciliation results created before
// the cutoff, serializes them to JSONL, uploads the file to S3 at
// archive/reconciliations/YYYY-MM.jsonl, deletes the archived rows from
// Postgres, and records the event in the audit log.
func (a *ArchiveImpl) ArchiveReconciliations(ctx context.Context, before time.Time) (int64, error) {
	results, err := a.recon.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive reconciliations query: %w", err)
	}
	if len(results) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(results)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive reconciliations marshal: %w", err)
	}

	path := archivePath("reconciliations", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive reconciliations upload: %w", err)
	}

	deleted, err := a.recon.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive reconciliations delete: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.reconciliations", map[string]any{
		"path":    path,
		"count":   len(results),
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		return deleted, fmt.Errorf("s3blob: archive reconciliations audit log: %w", err)
	}

	return deleted, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/trade_records/2025-01.jsonl
//	archive/reconciliations/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
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
