package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loanledger/internal/domain"
)

var blockTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeChain struct {
	latest  uint64
	step    uint64
	events  []domain.Envelope
	queries [][2]uint64
}

func (c *fakeChain) ContractAddress() string { return "0xcontract" }
func (c *fakeChain) MaxBlockRange() uint64   { return c.step }

func (c *fakeChain) LatestConfirmedBlock(ctx context.Context) (uint64, error) {
	return c.latest, nil
}

func (c *fakeChain) FilterEvents(ctx context.Context, from, to uint64) ([]domain.Envelope, error) {
	c.queries = append(c.queries, [2]uint64{from, to})
	var out []domain.Envelope
	for _, env := range c.events {
		if env.Meta.BlockNumber >= from && env.Meta.BlockNumber <= to {
			out = append(out, env)
		}
	}
	return out, nil
}

type memStore struct {
	mu        sync.Mutex
	positions map[int64]*domain.Position
	applied   map[string]bool
	saves     int
}

func newMemStore() *memStore {
	return &memStore{
		positions: make(map[int64]*domain.Position),
		applied:   make(map[string]bool),
	}
}

func clonePosition(p *domain.Position) *domain.Position {
	cp := *p
	if p.Plan != nil {
		plan := *p.Plan
		cp.Plan = &plan
	}
	if p.Installments != nil {
		cp.Installments = make([]domain.Installment, len(p.Installments))
		copy(cp.Installments, p.Installments)
	}
	if p.Liquidation != nil {
		liq := *p.Liquidation
		cp.Liquidation = &liq
	}
	if p.Settlement != nil {
		set := *p.Settlement
		cp.Settlement = &set
	}
	return &cp
}

func eventKey(txHash string, logIndex uint) string {
	return fmt.Sprintf("%s:%d", txHash, logIndex)
}

func (s *memStore) CreateWithEvent(ctx context.Context, p *domain.Position, evt domain.AppliedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.PositionID]; ok {
		return domain.ErrAlreadyExists
	}
	if s.applied[eventKey(evt.TxHash, evt.LogIndex)] {
		return domain.ErrAlreadyApplied
	}
	p.Version = 1
	s.positions[p.PositionID] = clonePosition(p)
	s.applied[eventKey(evt.TxHash, evt.LogIndex)] = true
	return nil
}

func (s *memStore) SaveWithEvent(ctx context.Context, p *domain.Position, evt domain.AppliedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.positions[p.PositionID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != p.Version {
		return domain.ErrVersionConflict
	}
	if s.applied[eventKey(evt.TxHash, evt.LogIndex)] {
		return domain.ErrAlreadyApplied
	}
	p.Version++
	s.positions[p.PositionID] = clonePosition(p)
	s.applied[eventKey(evt.TxHash, evt.LogIndex)] = true
	s.saves++
	return nil
}

func (s *memStore) Get(ctx context.Context, positionID int64) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[positionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clonePosition(p), nil
}

func (s *memStore) ListByStatus(ctx context.Context, status domain.PositionStatus, opts domain.ListOpts) ([]*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Position
	for _, p := range s.positions {
		if p.Status == status {
			out = append(out, clonePosition(p))
		}
	}
	return out, nil
}

func (s *memStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Position, error) {
	return nil, nil
}

func (s *memStore) IsApplied(ctx context.Context, txHash string, logIndex uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[eventKey(txHash, logIndex)], nil
}

type memWatermarks struct {
	mu   sync.Mutex
	wm   map[string]domain.Watermark
	sets []uint64
}

func newMemWatermarks() *memWatermarks {
	return &memWatermarks{wm: make(map[string]domain.Watermark)}
}

func (w *memWatermarks) Get(ctx context.Context, contract string) (domain.Watermark, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wm[contract], nil
}

func (w *memWatermarks) Set(ctx context.Context, contract string, block uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cur := w.wm[contract]
	if block > cur.LastProcessedBlock {
		cur.LastProcessedBlock = block
	}
	cur.ContractAddress = contract
	cur.UpdatedAt = time.Now()
	w.wm[contract] = cur
	w.sets = append(w.sets, block)
	return nil
}

type memLocks struct {
	held map[string]bool
}

func (l *memLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l.held != nil && l.held[key] {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{Event: event, Detail: detail})
	return nil
}

func (a *memAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return a.entries, nil
}

func (a *memAudit) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *memAudit) DeleteBefore(ctx context.Context, cutoff time.Time, ids []int64) (int64, error) {
	return 0, nil
}

func (a *memAudit) count(event string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.entries {
		if e.Event == event {
			n++
		}
	}
	return n
}

type memNotifier struct {
	transitions []string
}

func (n *memNotifier) NotifyTransition(ctx context.Context, positionID int64, owner, transition string, detail map[string]any) error {
	n.transitions = append(n.transitions, transition)
	return nil
}

func env(block uint64, logIndex uint, payload domain.Event) domain.Envelope {
	return domain.Envelope{
		Meta: domain.EventMeta{
			TxHash:      fmt.Sprintf("0xtx%d", block),
			LogIndex:    logIndex,
			BlockNumber: block,
			BlockTime:   blockTime.Add(time.Duration(block) * 12 * time.Second),
		},
		Payload: payload,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	chain      *fakeChain
	store      *memStore
	watermarks *memWatermarks
	locks      *memLocks
	audit      *memAudit
	notifier   *memNotifier
	rec        *Reconciler
}

func newFixture(chain *fakeChain) *fixture {
	f := &fixture{
		chain:      chain,
		store:      newMemStore(),
		watermarks: newMemWatermarks(),
		locks:      &memLocks{},
		audit:      &memAudit{},
		notifier:   &memNotifier{},
	}
	f.rec = New(chain, f.store, f.watermarks, f.locks, f.audit, f.notifier,
		Config{Interval: time.Minute, LockTTL: time.Second}, testLogger())
	return f
}

func created(positionID int64) domain.PositionCreated {
	return domain.PositionCreated{
		PositionID:         positionID,
		Owner:              "0xowner",
		CollateralAmount:   1_000_000_000,
		CollateralValueUSD: 100_000_000,
		InitialLTV:         7_000,
	}
}

func TestRunAppliesLifecycleInOrder(t *testing.T) {
	chain := &fakeChain{latest: 100, step: 1000, events: []domain.Envelope{
		env(10, 0, created(1)),
		env(20, 0, domain.USDCBorrowed{PositionID: 1, Amount: 60_000_000, LoanDuration: 30 * 24 * time.Hour, Installments: 6}),
		env(30, 0, domain.LoanRepaid{PositionID: 1, Amount: 10_000_000}),
	}}
	f := newFixture(chain)

	require.NoError(t, f.rec.Run(context.Background()))

	p, err := f.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, p.Status)
	assert.Equal(t, int64(50_000_000), p.DebtPrincipal)
	require.NotNil(t, p.Plan)
	assert.Equal(t, 1, p.Plan.InstallmentsPaid)
	assert.Equal(t, int64(3), p.Version)

	wm, _ := f.watermarks.Get(context.Background(), "0xcontract")
	assert.Equal(t, uint64(100), wm.LastProcessedBlock)

	assert.Equal(t, []string{
		domain.TransitionCreated,
		domain.TransitionBorrowed,
		domain.TransitionRepaid,
	}, f.notifier.transitions)
}

func TestRunIsIdempotent(t *testing.T) {
	chain := &fakeChain{latest: 50, step: 1000, events: []domain.Envelope{
		env(10, 0, created(1)),
		env(20, 0, domain.USDCBorrowed{PositionID: 1, Amount: 60_000_000, LoanDuration: 30 * 24 * time.Hour, Installments: 6}),
	}}
	f := newFixture(chain)

	require.NoError(t, f.rec.Run(context.Background()))
	savesAfterFirst := f.store.saves

	// Re-scan the same range: every event is already applied.
	f.watermarks.wm["0xcontract"] = domain.Watermark{ContractAddress: "0xcontract"}
	require.NoError(t, f.rec.Run(context.Background()))

	assert.Equal(t, savesAfterFirst, f.store.saves)
	p, _ := f.store.Get(context.Background(), 1)
	assert.Equal(t, int64(60_000_000), p.DebtPrincipal)
	assert.Equal(t, int64(2), p.Version)
	assert.Equal(t, 2, len(f.notifier.transitions))
}

func TestRunChunksLargeGaps(t *testing.T) {
	chain := &fakeChain{latest: 25, step: 10}
	f := newFixture(chain)

	require.NoError(t, f.rec.Run(context.Background()))

	assert.Equal(t, [][2]uint64{{0, 9}, {10, 19}, {20, 25}}, chain.queries)
	// The watermark advanced once per sub-range.
	assert.Equal(t, []uint64{9, 19, 25}, f.watermarks.sets)
}

func TestRunZeroBlockRangeStillTerminates(t *testing.T) {
	// A source that reports no range limit must not stall the chunk loop.
	chain := &fakeChain{latest: 2, step: 0}
	f := newFixture(chain)

	require.NoError(t, f.rec.Run(context.Background()))

	assert.Equal(t, [][2]uint64{{0, 0}, {1, 1}, {2, 2}}, chain.queries)
	assert.Equal(t, []uint64{0, 1, 2}, f.watermarks.sets)
}

func TestRunResumesFromWatermark(t *testing.T) {
	chain := &fakeChain{latest: 120, step: 1000}
	f := newFixture(chain)
	require.NoError(t, f.watermarks.Set(context.Background(), "0xcontract", 100))

	require.NoError(t, f.rec.Run(context.Background()))
	require.Len(t, chain.queries, 1)
	assert.Equal(t, [2]uint64{101, 120}, chain.queries[0])
}

func TestRunNothingNewIsNoop(t *testing.T) {
	chain := &fakeChain{latest: 100, step: 1000}
	f := newFixture(chain)
	require.NoError(t, f.watermarks.Set(context.Background(), "0xcontract", 100))

	require.NoError(t, f.rec.Run(context.Background()))
	assert.Empty(t, chain.queries)
}

func TestUnknownPositionAbortsRange(t *testing.T) {
	chain := &fakeChain{latest: 50, step: 1000, events: []domain.Envelope{
		env(10, 0, domain.LoanRepaid{PositionID: 99, Amount: 1_000_000}),
	}}
	f := newFixture(chain)

	err := f.rec.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrReconcileConflict)

	// The watermark did not move, so the range is retried next cycle.
	wm, _ := f.watermarks.Get(context.Background(), "0xcontract")
	assert.Equal(t, uint64(0), wm.LastProcessedBlock)
	assert.True(t, wm.UpdatedAt.IsZero())
}

func TestGuardViolationIsPermanentSkip(t *testing.T) {
	chain := &fakeChain{latest: 50, step: 1000, events: []domain.Envelope{
		env(10, 0, created(1)),
		env(20, 0, domain.USDCBorrowed{PositionID: 1, Amount: 60_000_000, LoanDuration: 30 * 24 * time.Hour, Installments: 6}),
		// Withdrawal with debt outstanding can never succeed.
		env(30, 0, domain.CollateralWithdrawn{PositionID: 1, Amount: 1_000_000}),
		env(40, 0, domain.LoanRepaid{PositionID: 1, Amount: 10_000_000}),
	}}
	f := newFixture(chain)

	require.NoError(t, f.rec.Run(context.Background()))

	// The rejected event is audited, never applied, and does not block the
	// events behind it.
	assert.Equal(t, 1, f.audit.count("event_rejected"))
	rejected, err := f.store.IsApplied(context.Background(), "0xtx30", 0)
	require.NoError(t, err)
	assert.False(t, rejected)

	p, _ := f.store.Get(context.Background(), 1)
	assert.Equal(t, int64(50_000_000), p.DebtPrincipal)
	assert.Equal(t, int64(1_000_000_000), p.CollateralAmount)

	wm, _ := f.watermarks.Get(context.Background(), "0xcontract")
	assert.Equal(t, uint64(50), wm.LastProcessedBlock)
}

func TestDuplicateCreateConverges(t *testing.T) {
	chain := &fakeChain{latest: 50, step: 1000, events: []domain.Envelope{
		env(10, 0, created(1)),
	}}
	f := newFixture(chain)
	require.NoError(t, f.rec.Run(context.Background()))

	// The same creation under a different tx hash (reorg replay) is absorbed
	// by the uniqueness of the position id.
	chain.events = append(chain.events, env(11, 3, created(1)))
	f.watermarks.wm["0xcontract"] = domain.Watermark{ContractAddress: "0xcontract"}
	require.NoError(t, f.rec.Run(context.Background()))

	p, _ := f.store.Get(context.Background(), 1)
	assert.Equal(t, int64(1), p.Version)
}

func TestLockHeldAbortsRange(t *testing.T) {
	chain := &fakeChain{latest: 50, step: 1000, events: []domain.Envelope{
		env(10, 0, created(1)),
	}}
	f := newFixture(chain)
	f.locks.held = map[string]bool{domain.PositionLockKey(1): true}

	err := f.rec.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrLockHeld)

	wm, _ := f.watermarks.Get(context.Background(), "0xcontract")
	assert.True(t, wm.UpdatedAt.IsZero())
}

func TestFullLiquidationFlow(t *testing.T) {
	chain := &fakeChain{latest: 100, step: 1000, events: []domain.Envelope{
		env(10, 0, created(1)),
		env(20, 0, domain.USDCBorrowed{PositionID: 1, Amount: 60_000_000, LoanDuration: 30 * 24 * time.Hour, Installments: 6}),
		env(30, 0, domain.PositionDefaulted{PositionID: 1}),
		env(40, 0, domain.PositionLiquidated{PositionID: 1, ListingID: 7}),
		env(50, 0, domain.LiquidationSettled{PositionID: 1, AmountReceived: 40_000_000}),
		env(60, 0, domain.LiquidationSettled{PositionID: 1, AmountReceived: 30_000_000}),
	}}
	f := newFixture(chain)

	require.NoError(t, f.rec.Run(context.Background()))

	p, err := f.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettled, p.Status)
	assert.True(t, p.IsDefaulted)
	assert.Equal(t, int64(0), p.OutstandingDebt())
	require.NotNil(t, p.Liquidation)
	assert.Equal(t, int64(7), p.Liquidation.ListingID)
	require.NotNil(t, p.Settlement)
	assert.Equal(t, int64(60_000_000), p.Settlement.PrincipalRepaid)
	assert.Equal(t, int64(10_000_000), p.Settlement.SurplusReturned)
}
