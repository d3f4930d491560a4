package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/loanledger/internal/domain"
)

// SettlementConfig holds settlement monitor tuning parameters.
type SettlementConfig struct {
	Interval time.Duration
	// SettleDelay is how long after liquidation the first settlement sweep
	// is attempted, giving the marketplace sale time to complete.
	SettleDelay time.Duration
}

// SettlementMonitor sweeps LIQUIDATED positions and asks the contract to pay
// out accumulated sale proceeds. State changes arrive back through the
// LiquidationSettled event, so the monitor itself never mutates positions.
type SettlementMonitor struct {
	chain     ChainActions
	positions domain.PositionStore
	audit     domain.AuditStore
	cfg       SettlementConfig
	logger    *slog.Logger
}

// NewSettlementMonitor creates a SettlementMonitor.
func NewSettlementMonitor(
	chain ChainActions,
	positions domain.PositionStore,
	audit domain.AuditStore,
	cfg SettlementConfig,
	logger *slog.Logger,
) *SettlementMonitor {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 10 * time.Minute
	}
	return &SettlementMonitor{
		chain:     chain,
		positions: positions,
		audit:     audit,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "settlement_monitor")),
	}
}

// RunLoop executes sweeps on a fixed interval until the context is cancelled.
func (m *SettlementMonitor) RunLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Run(ctx); err != nil {
				m.logger.ErrorContext(ctx, "settlement sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Run executes one sweep over LIQUIDATED positions.
func (m *SettlementMonitor) Run(ctx context.Context) error {
	liquidated, err := m.positions.ListByStatus(ctx, domain.StatusLiquidated, domain.ListOpts{})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, p := range liquidated {
		if p.Liquidation != nil && now.Sub(p.Liquidation.Timestamp) < m.cfg.SettleDelay {
			continue
		}
		m.submitSettlement(ctx, p)
	}
	return nil
}

func (m *SettlementMonitor) submitSettlement(ctx context.Context, p *domain.Position) {
	txHash, err := m.chain.SettleLiquidation(ctx, p.PositionID)
	if err != nil {
		m.logger.WarnContext(ctx, "settlement submission failed",
			slog.Int64("position_id", p.PositionID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.InfoContext(ctx, "settlement submitted",
		slog.Int64("position_id", p.PositionID),
		slog.String("tx_hash", txHash),
	)
	if err := m.audit.Log(ctx, "settlement_submitted", map[string]any{
		"position_id": p.PositionID,
		"tx_hash":     txHash,
	}); err != nil {
		m.logger.ErrorContext(ctx, "audit log failed",
			slog.String("error", err.Error()),
		)
	}
	if err := m.chain.WaitConfirmed(ctx, txHash); err != nil {
		// A revert usually means no proceeds have arrived yet; the next
		// sweep retries.
		m.logger.WarnContext(ctx, "settlement not confirmed",
			slog.Int64("position_id", p.PositionID),
			slog.String("tx_hash", txHash),
			slog.String("error", err.Error()),
		)
	}
}
