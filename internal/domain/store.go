package domain

import (
	"context"
	"fmt"
	"io"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// PositionStore persists position aggregates (position + plan + installments
// + records). CreateWithEvent and SaveWithEvent write the aggregate and its
// attributing AppliedEvent in a single transaction, so a mutation and its
// idempotency record can never diverge. SaveWithEvent compares Version and
// returns ErrVersionConflict when another writer got there first; inserting
// a duplicate event key returns ErrAlreadyApplied.
type PositionStore interface {
	CreateWithEvent(ctx context.Context, p *Position, evt AppliedEvent) error
	SaveWithEvent(ctx context.Context, p *Position, evt AppliedEvent) error
	Get(ctx context.Context, positionID int64) (*Position, error)
	ListByStatus(ctx context.Context, status PositionStatus, opts ListOpts) ([]*Position, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Position, error)
	IsApplied(ctx context.Context, txHash string, logIndex uint) (bool, error)
}

// WatermarkStore persists the reconciliation high-water mark per contract.
type WatermarkStore interface {
	Get(ctx context.Context, contractAddress string) (Watermark, error)
	Set(ctx context.Context, contractAddress string, block uint64) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time, ids []int64) (int64, error)
}

// LockManager provides per-position mutual exclusion across processes.
// Acquire returns ErrLockHeld when another holder owns the key; callers are
// expected to lose gracefully and retry on their next cycle.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// PositionLockKey is the lock key serializing mutations of one position. The
// reconciler, health monitor, and resync all acquire it before touching the
// aggregate.
func PositionLockKey(positionID int64) string {
	return fmt.Sprintf("position:%d", positionID)
}

// ValuationCache holds the latest collateral valuation per token so the
// health monitor does not hit the ledger on every sweep.
type ValuationCache interface {
	SetValuation(ctx context.Context, token string, valueUSD int64, ts time.Time) error
	GetValuation(ctx context.Context, token string) (int64, time.Time, error)
}

// BlobWriter stores serialized archives in cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
