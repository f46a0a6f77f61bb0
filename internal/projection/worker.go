// Package projection maintains the Postgres read models behind the query
// API: balances, orders, trades, positions, funding history and
// liquidation history, plus a watermark recording the last applied
// sequence. The core feeds the worker on a non-blocking channel and
// drops outputs when it falls behind, so the models are eventually
// consistent. Balances rebuild directly from the journal; the other
// models rebuild by replaying the event log through a fresh core with a
// projection channel attached.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpVenue/internal/book"
	"PerpVenue/internal/command"
	"PerpVenue/internal/core"
	"PerpVenue/internal/funding"
	"PerpVenue/internal/ledger"
	"PerpVenue/internal/market"
	"PerpVenue/internal/observability"
)

// workerID keys the watermark row. A single worker owns all read models.
const workerID = "main"

// ProjectionWorker applies core outputs to the read models, one
// transaction per output. A failed output is logged and skipped; the
// models tolerate gaps because they can always be rebuilt.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.Output
	metrics   *observability.Metrics
	log       zerolog.Logger

	// lastSeq is the highest sequence already applied. Outputs at or
	// below it are replay overlap and are skipped, which keeps the
	// balance increments from double-applying after a restart.
	lastSeq int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.Output, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       observability.NewLogger("projection"),
	}
}

// Run loads the watermark and applies outputs until ctx is cancelled or
// the input channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	if err := pw.loadWatermark(ctx); err != nil {
		return fmt.Errorf("load projection watermark: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			seq := out.Envelope.Sequence
			if seq <= pw.lastSeq {
				continue
			}

			if err := pw.apply(ctx, out); err != nil {
				// Skip and move on. The models are eventually
				// consistent and rebuildable from the event log.
				pw.log.Warn().
					Err(err).
					Int64("sequence", seq).
					Str("command_type", out.Envelope.CommandType.String()).
					Msg("projection update failed")
			} else if pw.metrics != nil {
				pw.metrics.ProjectionLastSequence.Set(float64(seq))
			}

			pw.lastSeq = seq
		}
	}
}

func (pw *ProjectionWorker) loadWatermark(ctx context.Context) error {
	row := pw.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, workerID)
	if err := row.Scan(&pw.lastSeq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			pw.lastSeq = 0
			return nil
		}
		return err
	}
	return nil
}

// apply updates every read model an output touches inside one
// transaction, then advances the watermark.
func (pw *ProjectionWorker) apply(ctx context.Context, out core.Output) error {
	seq := out.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return fmt.Errorf("begin projection tx: %w", err)
	}
	defer tx.Rollback()

	if err := pw.applyBalances(ctx, tx, seq, out.Batch); err != nil {
		pw.countError("balances")
		return fmt.Errorf("balances: %w", err)
	}
	if err := pw.applyOrders(ctx, tx, seq, out.Orders); err != nil {
		pw.countError("orders")
		return fmt.Errorf("orders: %w", err)
	}
	if err := pw.applyTrades(ctx, tx, seq, out.Trades); err != nil {
		pw.countError("trades")
		return fmt.Errorf("trades: %w", err)
	}
	if err := pw.applyPositions(ctx, tx, seq, out.Positions); err != nil {
		pw.countError("positions")
		return fmt.Errorf("positions: %w", err)
	}
	if err := pw.applyFunding(ctx, tx, seq, out.FundingUpdates); err != nil {
		pw.countError("funding")
		return fmt.Errorf("funding history: %w", err)
	}
	if err := pw.applyLiquidation(ctx, tx, out); err != nil {
		pw.countError("liquidations")
		return fmt.Errorf("liquidation history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id)
		DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()`,
		workerID, seq); err != nil {
		pw.countError("watermark")
		return fmt.Errorf("watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return fmt.Errorf("commit projection tx: %w", err)
	}
	return nil
}

// applyBalances folds a ledger batch into the balance model. Debits
// increase the account balance and credits decrease it, matching the
// journal's conventions.
func (pw *ProjectionWorker) applyBalances(ctx context.Context, tx *sql.Tx, seq int64, batch *ledger.Batch) error {
	if batch == nil {
		return nil
	}
	defer pw.observe("balances", time.Now())

	const upsert = `
		INSERT INTO projections.balances (account_path, currency_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, currency_id)
		DO UPDATE SET balance = projections.balances.balance + EXCLUDED.balance,
		              last_sequence = EXCLUDED.last_sequence`

	for _, j := range batch.Journals {
		if _, err := tx.ExecContext(ctx, upsert,
			j.DebitAccount.AccountPath(), uint16(j.Currency), j.Amount, seq); err != nil {
			return fmt.Errorf("debit %s: %w", j.DebitAccount.AccountPath(), err)
		}
		if _, err := tx.ExecContext(ctx, upsert,
			j.CreditAccount.AccountPath(), uint16(j.Currency), -j.Amount, seq); err != nil {
			return fmt.Errorf("credit %s: %w", j.CreditAccount.AccountPath(), err)
		}
	}
	return nil
}

// applyOrders upserts order snapshots. Identity fields never change
// after placement; price still updates because stop and take-profit
// orders get their price assigned when they trigger.
func (pw *ProjectionWorker) applyOrders(ctx context.Context, tx *sql.Tx, seq int64, orders []book.Order) error {
	if len(orders) == 0 {
		return nil
	}
	defer pw.observe("orders", time.Now())

	const upsert = `
		INSERT INTO projections.orders
			(order_id, trader, asset, side, order_type, price, amount,
			 remaining, trigger_price, status, created_at, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (order_id)
		DO UPDATE SET price = EXCLUDED.price,
		              remaining = EXCLUDED.remaining,
		              status = EXCLUDED.status,
		              last_sequence = EXCLUDED.last_sequence`

	for _, o := range orders {
		if _, err := tx.ExecContext(ctx, upsert,
			o.ID, o.Trader, o.Asset, int16(o.Side), int16(o.Type), o.Price,
			o.Amount, o.Remaining, o.TriggerPrice, int16(o.Status), o.Timestamp, seq); err != nil {
			return fmt.Errorf("order %d: %w", o.ID, err)
		}
	}
	return nil
}

// applyTrades inserts fills. Trades are immutable, so replay overlap
// hits the conflict clause and is a no-op.
func (pw *ProjectionWorker) applyTrades(ctx context.Context, tx *sql.Tx, seq int64, trades []book.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	defer pw.observe("trades", time.Now())

	const insert = `
		INSERT INTO projections.trades
			(trade_id, asset, buy_order_id, sell_order_id, maker_order_id,
			 taker_order_id, buyer, seller, price, amount, sequence, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (trade_id) DO NOTHING`

	for _, t := range trades {
		if _, err := tx.ExecContext(ctx, insert,
			t.ID, t.Asset, t.BuyOrderID, t.SellOrderID, t.MakerOrderID,
			t.TakerOrderID, t.Buyer, t.Seller, t.Price, t.Amount, seq, t.Timestamp); err != nil {
			return fmt.Errorf("trade %d: %w", t.ID, err)
		}
	}
	return nil
}

// applyPositions replaces position snapshots wholesale. The core sends
// the post-command state, so the newest snapshot is always authoritative.
func (pw *ProjectionWorker) applyPositions(ctx context.Context, tx *sql.Tx, seq int64, positions []market.Position) error {
	if len(positions) == 0 {
		return nil
	}
	defer pw.observe("positions", time.Now())

	const upsert = `
		INSERT INTO projections.positions
			(position_id, trader, market, is_long, size, margin, entry_price,
			 leverage, funding_pointer, is_open, opened_at, updated_at,
			 closed_at, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (position_id)
		DO UPDATE SET size = EXCLUDED.size,
		              margin = EXCLUDED.margin,
		              entry_price = EXCLUDED.entry_price,
		              leverage = EXCLUDED.leverage,
		              funding_pointer = EXCLUDED.funding_pointer,
		              is_open = EXCLUDED.is_open,
		              updated_at = EXCLUDED.updated_at,
		              closed_at = EXCLUDED.closed_at,
		              last_sequence = EXCLUDED.last_sequence`

	for _, p := range positions {
		if _, err := tx.ExecContext(ctx, upsert,
			p.ID, p.Trader, p.Market, p.IsLong, p.Size, p.Margin, p.Entry,
			p.Leverage, p.FundingPointer, p.IsOpen, p.OpenedAt, p.UpdatedAt,
			p.ClosedAt, seq); err != nil {
			return fmt.Errorf("position %d: %w", p.ID, err)
		}
	}
	return nil
}

// applyFunding appends funding periods. Periods are immutable once
// emitted, keyed by (asset, period_index).
func (pw *ProjectionWorker) applyFunding(ctx context.Context, tx *sql.Tx, seq int64, updates []funding.Update) error {
	if len(updates) == 0 {
		return nil
	}
	defer pw.observe("funding", time.Now())

	const insert = `
		INSERT INTO projections.funding_history
			(asset, period_index, rate, premium_index, cumulative_rate,
			 long_size, short_size, sequence, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (asset, period_index) DO NOTHING`

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, insert,
			u.Asset, u.PeriodIndex, u.Rate, u.PremiumIndex, u.CumulativeRate,
			u.LongSize, u.ShortSize, seq, u.Timestamp); err != nil {
			return fmt.Errorf("funding %s/%d: %w", u.Asset, u.PeriodIndex, err)
		}
	}
	return nil
}

// applyLiquidation records the money legs of a liquidation. A multi-leg
// liquidation spans several outputs that share one liquidation id, so
// the conflict clause accumulates amounts instead of replacing them.
func (pw *ProjectionWorker) applyLiquidation(ctx context.Context, tx *sql.Tx, out core.Output) error {
	if out.Envelope.CommandType != command.TypeLiquidate {
		return nil
	}
	defer pw.observe("liquidations", time.Now())

	var cmd command.Liquidate
	if err := json.Unmarshal(out.Envelope.Payload, &cmd); err != nil {
		return fmt.Errorf("decode liquidate payload: %w", err)
	}

	legs := sumLiquidationLegs(out.Batch)

	const upsert = `
		INSERT INTO projections.liquidations
			(liquidation_id, sequence, asset, position_id, liquidator,
			 margin_released, reward, insurance_contribution, gas_stipend,
			 insurance_coverage, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (liquidation_id)
		DO UPDATE SET margin_released = projections.liquidations.margin_released + EXCLUDED.margin_released,
		              reward = projections.liquidations.reward + EXCLUDED.reward,
		              insurance_contribution = projections.liquidations.insurance_contribution + EXCLUDED.insurance_contribution,
		              gas_stipend = projections.liquidations.gas_stipend + EXCLUDED.gas_stipend,
		              insurance_coverage = projections.liquidations.insurance_coverage + EXCLUDED.insurance_coverage,
		              sequence = GREATEST(projections.liquidations.sequence, EXCLUDED.sequence)`

	if _, err := tx.ExecContext(ctx, upsert,
		cmd.LiquidationID, out.Envelope.Sequence, cmd.Asset, cmd.PositionID,
		cmd.Liquidator, legs.Released, legs.Reward, legs.Contribution,
		legs.Stipend, legs.Coverage, out.Envelope.Timestamp); err != nil {
		return fmt.Errorf("liquidation %s: %w", cmd.LiquidationID, err)
	}
	return nil
}

// liquidationLegs aggregates a batch's journals by their role in the
// liquidation split.
type liquidationLegs struct {
	Released     int64
	Reward       int64
	Contribution int64
	Stipend      int64
	Coverage     int64
}

func sumLiquidationLegs(batch *ledger.Batch) liquidationLegs {
	var legs liquidationLegs
	if batch == nil {
		return legs
	}
	for _, j := range batch.Journals {
		switch j.JournalType {
		case ledger.JournalTypeMarginRelease:
			legs.Released += j.Amount
		case ledger.JournalTypeLiquidatorReward:
			legs.Reward += j.Amount
		case ledger.JournalTypeInsuranceContribution:
			legs.Contribution += j.Amount
		case ledger.JournalTypeGasStipend:
			legs.Stipend += j.Amount
		case ledger.JournalTypeInsuranceCoverage:
			legs.Coverage += j.Amount
		}
	}
	return legs
}

func (pw *ProjectionWorker) observe(name string, start time.Time) {
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

func (pw *ProjectionWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.ProjectionErrors.WithLabelValues(stage).Inc()
	}
}
