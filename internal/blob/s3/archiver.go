package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/loanledger/internal/domain"
)

// ArchiveConfig holds archiver tuning parameters.
type ArchiveConfig struct {
	Interval time.Duration
	// RetainFor is how long terminal positions and audit rows stay in the
	// primary store before they are eligible for cold storage.
	RetainFor time.Duration
	// BatchSize caps how many records one sweep uploads per kind.
	BatchSize int
}

// Archiver periodically snapshots terminal positions and prunes old audit
// rows into S3. Position rows are kept in the primary store after archival;
// only audit rows are deleted once their archive upload has succeeded.
type Archiver struct {
	writer    domain.BlobWriter
	positions domain.PositionStore
	audit     domain.AuditStore
	cfg       ArchiveConfig
	logger    *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(
	writer domain.BlobWriter,
	positions domain.PositionStore,
	audit domain.AuditStore,
	cfg ArchiveConfig,
	logger *slog.Logger,
) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.RetainFor <= 0 {
		cfg.RetainFor = 30 * 24 * time.Hour
	}
	return &Archiver{
		writer:    writer,
		positions: positions,
		audit:     audit,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// RunLoop executes archive sweeps on a fixed interval until the context is
// cancelled.
func (a *Archiver) RunLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Run executes one archive sweep.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-a.cfg.RetainFor)

	if _, err := a.ArchivePositions(ctx, cutoff); err != nil {
		return err
	}
	if _, err := a.ArchiveAudit(ctx, cutoff); err != nil {
		return err
	}
	return nil
}

// ArchivePositions uploads terminal positions last touched before the cutoff
// as a JSONL batch under archive/positions/ and returns the count.
func (a *Archiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListTerminalBefore(ctx, before, a.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", time.Now().UTC())
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(positions))
	a.logger.InfoContext(ctx, "positions archived",
		slog.String("path", path),
		slog.Int64("count", count),
	)
	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}
	return count, nil
}

// ArchiveAudit uploads audit rows created before the cutoff as a JSONL batch
// under archive/audit/, then deletes the uploaded rows. The count of archived
// rows is returned.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before, a.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", time.Now().UTC())
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	deleted, err := a.audit.DeleteBefore(ctx, before, ids)
	if err != nil {
		return int64(len(entries)), fmt.Errorf("s3blob: prune archived audit rows: %w", err)
	}

	a.logger.InfoContext(ctx, "audit rows archived",
		slog.String("path", path),
		slog.Int("count", len(entries)),
		slog.Int64("deleted", deleted),
	)
	return int64(len(entries)), nil
}

// archivePath builds the S3 key for one archive batch, partitioned by
// year-month. The upload timestamp and a random suffix keep successive
// sweeps in the same month from overwriting earlier batches whose source
// rows are already pruned.
//
//	archive/positions/2026-08/20260830T101530-1b9f42c7.jsonl
//	archive/audit/2026-08/20260830T101530-5ce01d88.jsonl
func archivePath(kind string, uploadedAt time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s-%s.jsonl",
		kind,
		uploadedAt.Format("2006-01"),
		uploadedAt.Format("20060102T150405"),
		uuid.NewString()[:8],
	)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
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
