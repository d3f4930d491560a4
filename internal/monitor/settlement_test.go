package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loanledger/internal/domain"
)

func liquidatedPosition(id int64, liquidatedAt time.Time) *domain.Position {
	return &domain.Position{
		PositionID:    id,
		Owner:         "0xowner",
		DebtPrincipal: 60_000_000,
		Status:        domain.StatusLiquidated,
		Liquidation: &domain.LiquidationRecord{
			Timestamp: liquidatedAt,
			ListingID: id,
		},
	}
}

func newSettlementFixture(chain *fakeChain, delay time.Duration) (*SettlementMonitor, *fakeStore, *fakeAudit) {
	store := &fakeStore{positions: make(map[int64]*domain.Position)}
	audit := &fakeAudit{}
	m := NewSettlementMonitor(chain, store, audit, SettlementConfig{
		Interval:    time.Minute,
		SettleDelay: delay,
	}, testLogger())
	return m, store, audit
}

func TestSettlementSweepSubmitsAfterDelay(t *testing.T) {
	chain := &fakeChain{}
	m, store, audit := newSettlementFixture(chain, 10*time.Minute)

	store.positions[1] = liquidatedPosition(1, time.Now().Add(-time.Hour))

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, []int64{1}, chain.settlements)
	assert.Equal(t, 1, audit.count("settlement_submitted"))
}

func TestSettlementSweepSkipsRecentLiquidations(t *testing.T) {
	chain := &fakeChain{}
	m, store, _ := newSettlementFixture(chain, 10*time.Minute)

	store.positions[1] = liquidatedPosition(1, time.Now().Add(-time.Minute))

	require.NoError(t, m.Run(context.Background()))
	assert.Empty(t, chain.settlements)
}

func TestSettlementSweepIgnoresOtherStatuses(t *testing.T) {
	chain := &fakeChain{}
	m, store, _ := newSettlementFixture(chain, time.Minute)

	p := liquidatedPosition(1, time.Now().Add(-time.Hour))
	p.Status = domain.StatusSettled
	store.positions[1] = p

	require.NoError(t, m.Run(context.Background()))
	assert.Empty(t, chain.settlements)
}
