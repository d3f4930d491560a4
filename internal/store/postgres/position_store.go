package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/loanledger/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. The
// position row, its repayment plan, installments, and liquidation/settlement
// records are written together with the attributing applied_events row in a
// single transaction.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const positionSelectCols = `position_id, owner, collateral_amount, collateral_value_usd,
	debt_principal, interest_accrued, initial_ltv, current_health_factor,
	health_status, status, is_defaulted, version, created_at, updated_at`

func scanPositionRow(row pgx.Row) (*domain.Position, error) {
	var p domain.Position
	var health, status string

	err := row.Scan(
		&p.PositionID, &p.Owner,
		&p.CollateralAmount, &p.CollateralValueUSD,
		&p.DebtPrincipal, &p.InterestAccrued,
		&p.InitialLTV, &p.CurrentHealthFactor,
		&health, &status, &p.IsDefaulted, &p.Version,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.HealthStatus = domain.HealthStatus(health)
	p.Status = domain.PositionStatus(status)
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateWithEvent inserts a new position aggregate and its attributing event.
func (s *PositionStore) CreateWithEvent(ctx context.Context, p *domain.Position, evt domain.AppliedEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin create position %d: %w", p.PositionID, err)
	}
	defer tx.Rollback(ctx)

	const query = `
		INSERT INTO positions (
			position_id, owner, collateral_amount, collateral_value_usd,
			debt_principal, interest_accrued, initial_ltv, current_health_factor,
			health_status, status, is_defaulted, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14
		)`

	p.Version = 1
	_, err = tx.Exec(ctx, query,
		p.PositionID, p.Owner,
		p.CollateralAmount, p.CollateralValueUSD,
		p.DebtPrincipal, p.InterestAccrued,
		p.InitialLTV, p.CurrentHealthFactor,
		string(p.HealthStatus), string(p.Status), p.IsDefaulted, p.Version,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create position %d: %w", p.PositionID, err)
	}

	if err := s.writeChildren(ctx, tx, p); err != nil {
		return err
	}
	if err := s.recordEvent(ctx, tx, evt); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit create position %d: %w", p.PositionID, err)
	}
	return nil
}

// SaveWithEvent persists a mutated aggregate under optimistic concurrency.
// The version in p must match the stored row; on success the version is
// bumped both in the database and on p.
func (s *PositionStore) SaveWithEvent(ctx context.Context, p *domain.Position, evt domain.AppliedEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin save position %d: %w", p.PositionID, err)
	}
	defer tx.Rollback(ctx)

	const query = `
		UPDATE positions SET
			collateral_amount     = $3,
			collateral_value_usd  = $4,
			debt_principal        = $5,
			interest_accrued      = $6,
			current_health_factor = $7,
			health_status         = $8,
			status                = $9,
			is_defaulted          = $10,
			version               = version + 1,
			updated_at            = $11
		WHERE position_id = $1 AND version = $2`

	tag, err := tx.Exec(ctx, query,
		p.PositionID, p.Version,
		p.CollateralAmount, p.CollateralValueUSD,
		p.DebtPrincipal, p.InterestAccrued,
		p.CurrentHealthFactor, string(p.HealthStatus),
		string(p.Status), p.IsDefaulted,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %d: %w", p.PositionID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM positions WHERE position_id = $1)",
			p.PositionID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check position %d: %w", p.PositionID, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrVersionConflict
	}

	if err := s.writeChildren(ctx, tx, p); err != nil {
		return err
	}
	if err := s.recordEvent(ctx, tx, evt); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit save position %d: %w", p.PositionID, err)
	}
	p.Version++
	return nil
}

// writeChildren replaces the plan, installments, and records for a position.
func (s *PositionStore) writeChildren(ctx context.Context, tx pgx.Tx, p *domain.Position) error {
	if p.Plan != nil {
		const planQuery = `
			INSERT INTO repayment_plans (
				position_id, number_of_installments, installment_interval_seconds,
				installments_paid, missed_payments, next_payment_due, is_active
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (position_id) DO UPDATE SET
				number_of_installments       = EXCLUDED.number_of_installments,
				installment_interval_seconds = EXCLUDED.installment_interval_seconds,
				installments_paid            = EXCLUDED.installments_paid,
				missed_payments              = EXCLUDED.missed_payments,
				next_payment_due             = EXCLUDED.next_payment_due,
				is_active                    = EXCLUDED.is_active`
		_, err := tx.Exec(ctx, planQuery,
			p.PositionID,
			p.Plan.NumberOfInstallments,
			int64(p.Plan.InstallmentInterval/time.Second),
			p.Plan.InstallmentsPaid,
			p.Plan.MissedPayments,
			p.Plan.NextPaymentDue,
			p.Plan.IsActive,
		)
		if err != nil {
			return fmt.Errorf("postgres: save plan for position %d: %w", p.PositionID, err)
		}
	}

	if len(p.Installments) > 0 {
		if _, err := tx.Exec(ctx,
			"DELETE FROM installments WHERE position_id = $1", p.PositionID,
		); err != nil {
			return fmt.Errorf("postgres: clear installments for position %d: %w", p.PositionID, err)
		}
		const instQuery = `
			INSERT INTO installments (position_id, number, due_date, amount, status, paid_at)
			VALUES ($1, $2, $3, $4, $5, $6)`
		for _, inst := range p.Installments {
			if _, err := tx.Exec(ctx, instQuery,
				p.PositionID, inst.Number, inst.DueDate, inst.Amount,
				string(inst.Status), inst.PaidAt,
			); err != nil {
				return fmt.Errorf("postgres: save installment %d/%d: %w", p.PositionID, inst.Number, err)
			}
		}
	}

	if p.Liquidation != nil {
		const liqQuery = `
			INSERT INTO liquidation_records (position_id, occurred_at, listing_id, tx_hash)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (position_id) DO NOTHING`
		_, err := tx.Exec(ctx, liqQuery,
			p.PositionID, p.Liquidation.Timestamp, p.Liquidation.ListingID, p.Liquidation.TxHash,
		)
		if err != nil {
			return fmt.Errorf("postgres: save liquidation record %d: %w", p.PositionID, err)
		}
	}

	if p.Settlement != nil {
		const setQuery = `
			INSERT INTO settlement_records (
				position_id, occurred_at, principal_repaid, interest_repaid,
				surplus_returned, collateral_returned, tx_hash
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (position_id) DO UPDATE SET
				occurred_at         = EXCLUDED.occurred_at,
				principal_repaid    = EXCLUDED.principal_repaid,
				interest_repaid     = EXCLUDED.interest_repaid,
				surplus_returned    = EXCLUDED.surplus_returned,
				collateral_returned = EXCLUDED.collateral_returned,
				tx_hash             = EXCLUDED.tx_hash`
		_, err := tx.Exec(ctx, setQuery,
			p.PositionID, p.Settlement.Timestamp,
			p.Settlement.PrincipalRepaid, p.Settlement.InterestRepaid,
			p.Settlement.SurplusReturned, p.Settlement.CollateralReturned,
			p.Settlement.TxHash,
		)
		if err != nil {
			return fmt.Errorf("postgres: save settlement record %d: %w", p.PositionID, err)
		}
	}
	return nil
}

func (s *PositionStore) recordEvent(ctx context.Context, tx pgx.Tx, evt domain.AppliedEvent) error {
	const query = `
		INSERT INTO applied_events (tx_hash, log_index, event_type, position_id, block_number, applied_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`
	_, err := tx.Exec(ctx, query,
		evt.TxHash, evt.LogIndex, evt.EventType, evt.PositionID, evt.BlockNumber,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyApplied
		}
		return fmt.Errorf("postgres: record event %s:%d: %w", evt.TxHash, evt.LogIndex, err)
	}
	return nil
}

// Get retrieves a full position aggregate by its ID.
func (s *PositionStore) Get(ctx context.Context, positionID int64) (*domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE position_id = $1`, positionID)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get position %d: %w", positionID, err)
	}
	if err := s.loadChildren(ctx, s.pool, p); err != nil {
		return nil, err
	}
	return p, nil
}

// loadChildren populates the plan, installments, and records of a position.
func (s *PositionStore) loadChildren(ctx context.Context, q querier, p *domain.Position) error {
	var plan domain.RepaymentPlan
	var intervalSec int64
	err := q.QueryRow(ctx, `
		SELECT number_of_installments, installment_interval_seconds,
		       installments_paid, missed_payments, next_payment_due, is_active
		FROM repayment_plans WHERE position_id = $1`, p.PositionID,
	).Scan(
		&plan.NumberOfInstallments, &intervalSec,
		&plan.InstallmentsPaid, &plan.MissedPayments,
		&plan.NextPaymentDue, &plan.IsActive,
	)
	switch {
	case err == nil:
		plan.InstallmentInterval = time.Duration(intervalSec) * time.Second
		p.Plan = &plan
	case errors.Is(err, pgx.ErrNoRows):
		// No plan until the first borrow.
	default:
		return fmt.Errorf("postgres: load plan for position %d: %w", p.PositionID, err)
	}

	rows, err := q.Query(ctx, `
		SELECT number, due_date, amount, status, paid_at
		FROM installments WHERE position_id = $1 ORDER BY number`, p.PositionID)
	if err != nil {
		return fmt.Errorf("postgres: load installments for position %d: %w", p.PositionID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var inst domain.Installment
		var status string
		if err := rows.Scan(&inst.Number, &inst.DueDate, &inst.Amount, &status, &inst.PaidAt); err != nil {
			return fmt.Errorf("postgres: scan installment for position %d: %w", p.PositionID, err)
		}
		inst.Status = domain.InstallmentStatus(status)
		p.Installments = append(p.Installments, inst)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: scan installments for position %d: %w", p.PositionID, err)
	}

	var liq domain.LiquidationRecord
	err = q.QueryRow(ctx, `
		SELECT occurred_at, listing_id, tx_hash
		FROM liquidation_records WHERE position_id = $1`, p.PositionID,
	).Scan(&liq.Timestamp, &liq.ListingID, &liq.TxHash)
	switch {
	case err == nil:
		p.Liquidation = &liq
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return fmt.Errorf("postgres: load liquidation record %d: %w", p.PositionID, err)
	}

	var set domain.SettlementRecord
	err = q.QueryRow(ctx, `
		SELECT occurred_at, principal_repaid, interest_repaid,
		       surplus_returned, collateral_returned, tx_hash
		FROM settlement_records WHERE position_id = $1`, p.PositionID,
	).Scan(
		&set.Timestamp, &set.PrincipalRepaid, &set.InterestRepaid,
		&set.SurplusReturned, &set.CollateralReturned, &set.TxHash,
	)
	switch {
	case err == nil:
		p.Settlement = &set
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return fmt.Errorf("postgres: load settlement record %d: %w", p.PositionID, err)
	}
	return nil
}

// ListByStatus returns full aggregates in the given lifecycle status,
// ordered by position ID.
func (s *PositionStore) ListByStatus(ctx context.Context, status domain.PositionStatus, opts domain.ListOpts) ([]*domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE status = $1 ORDER BY position_id`
	args := []any{string(status)}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by status %s: %w", status, err)
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions by status %s: %w", status, err)
	}

	for _, p := range positions {
		if err := s.loadChildren(ctx, s.pool, p); err != nil {
			return nil, err
		}
	}
	return positions, nil
}

// ListTerminalBefore returns SETTLED and CLOSED positions last touched before
// the cutoff, for cold-storage archival.
func (s *PositionStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionSelectCols+` FROM positions
		WHERE status IN ('SETTLED', 'CLOSED') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal positions: %w", err)
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan terminal position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list terminal positions: %w", err)
	}

	for _, p := range positions {
		if err := s.loadChildren(ctx, s.pool, p); err != nil {
			return nil, err
		}
	}
	return positions, nil
}

// IsApplied reports whether an event key has already been applied.
func (s *PositionStore) IsApplied(ctx context.Context, txHash string, logIndex uint) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM applied_events WHERE tx_hash = $1 AND log_index = $2)",
		txHash, logIndex,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check applied event %s:%d: %w", txHash, logIndex, err)
	}
	return exists, nil
}
