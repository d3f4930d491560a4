package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/loanledger/internal/domain"
)

// WatermarkStore implements domain.WatermarkStore using PostgreSQL.
type WatermarkStore struct {
	pool *pgxpool.Pool
}

// NewWatermarkStore creates a new WatermarkStore backed by the given connection pool.
func NewWatermarkStore(pool *pgxpool.Pool) *WatermarkStore {
	return &WatermarkStore{pool: pool}
}

// Get returns the watermark for a contract. A contract with no watermark yet
// returns a zero LastProcessedBlock rather than ErrNotFound, so a fresh
// deployment starts scanning from the beginning.
func (s *WatermarkStore) Get(ctx context.Context, contractAddress string) (domain.Watermark, error) {
	w := domain.Watermark{ContractAddress: contractAddress}
	err := s.pool.QueryRow(ctx, `
		SELECT last_processed_block, updated_at
		FROM watermarks WHERE contract_address = $1`, contractAddress,
	).Scan(&w.LastProcessedBlock, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return w, nil
		}
		return domain.Watermark{}, fmt.Errorf("postgres: get watermark %s: %w", contractAddress, err)
	}
	return w, nil
}

// Set advances the watermark for a contract. The watermark never moves
// backwards; a stale writer is silently absorbed.
func (s *WatermarkStore) Set(ctx context.Context, contractAddress string, block uint64) error {
	const query = `
		INSERT INTO watermarks (contract_address, last_processed_block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (contract_address) DO UPDATE SET
			last_processed_block = GREATEST(watermarks.last_processed_block, EXCLUDED.last_processed_block),
			updated_at           = NOW()`
	if _, err := s.pool.Exec(ctx, query, contractAddress, block); err != nil {
		return fmt.Errorf("postgres: set watermark %s to %d: %w", contractAddress, block, err)
	}
	return nil
}
