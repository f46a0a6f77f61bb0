// Package query serves the read models over HTTP/JSON. Every response
// carries the projection watermark so callers can reason about
// freshness; nothing here touches core state.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"PerpVenue/internal/book"
	"PerpVenue/internal/ledger"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// QueryService reads the projection tables and the journal. All methods
// are safe for concurrent use; state lives in Postgres.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// clampLimit keeps page sizes sane without erroring on bad input.
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// GetBalances returns a trader's collateral per currency, split into
// available and locked.
func (qs *QueryService) GetBalances(ctx context.Context, trader uuid.UUID) (*BalancesResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, balance
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY currency_id, account_path`,
		"trader:"+trader.String()+":%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &BalancesResponse{Trader: trader, AsOfSequence: asOf}
	index := make(map[ledger.CurrencyID]int)

	for rows.Next() {
		var path string
		var balance int64
		if err := rows.Scan(&path, &balance); err != nil {
			return nil, err
		}
		key, ok := ledger.ParseAccountPath(path)
		if !ok {
			return nil, fmt.Errorf("unparseable account path %q", path)
		}

		i, seen := index[key.Currency]
		if !seen {
			name, _ := ledger.GetCurrencyName(key.Currency)
			resp.Balances = append(resp.Balances, CurrencyBalance{Currency: name})
			i = len(resp.Balances) - 1
			index[key.Currency] = i
		}
		switch key.SubType {
		case ledger.SubTypeAvailable:
			resp.Balances[i].Available = balance
		case ledger.SubTypeLocked:
			resp.Balances[i].Locked = balance
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range resp.Balances {
		resp.Balances[i].Total = resp.Balances[i].Available + resp.Balances[i].Locked
	}
	return resp, nil
}

// GetPositions returns a trader's positions, open ones only unless
// includeClosed is set.
func (qs *QueryService) GetPositions(ctx context.Context, trader uuid.UUID, includeClosed bool) (*PositionsResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT position_id, market, is_long, size, margin, entry_price,
		       leverage, funding_pointer, is_open, opened_at, updated_at, closed_at
		FROM projections.positions
		WHERE trader = $1`
	if !includeClosed {
		query += ` AND is_open`
	}
	query += ` ORDER BY position_id DESC`

	rows, err := qs.db.QueryContext(ctx, query, trader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &PositionsResponse{Trader: trader, AsOfSequence: asOf}
	for rows.Next() {
		p := PositionResponse{Trader: trader}
		if err := rows.Scan(
			&p.PositionID, &p.Market, &p.IsLong, &p.Size, &p.Margin, &p.EntryPrice,
			&p.Leverage, &p.FundingPointer, &p.IsOpen, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
		); err != nil {
			return nil, err
		}
		resp.Positions = append(resp.Positions, p)
	}
	return resp, rows.Err()
}

// GetOrders returns a trader's orders newest-first. Asset narrows to one
// book, openOnly drops terminal orders, before pages past an order id.
func (qs *QueryService) GetOrders(ctx context.Context, trader uuid.UUID, asset string, openOnly bool, limit int, before *int64) (*OrdersResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT order_id, asset, side, order_type, price, amount,
		       remaining, trigger_price, status, created_at
		FROM projections.orders
		WHERE trader = $1`
	args := []any{trader}

	if asset != "" {
		args = append(args, asset)
		query += fmt.Sprintf(" AND asset = $%d", len(args))
	}
	if openOnly {
		query += fmt.Sprintf(" AND status IN (%d, %d)",
			book.OrderStatusOpen, book.OrderStatusPartiallyFilled)
	}
	if before != nil {
		args = append(args, *before)
		query += fmt.Sprintf(" AND order_id < $%d", len(args))
	}
	args = append(args, clampLimit(limit))
	query += fmt.Sprintf(" ORDER BY order_id DESC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &OrdersResponse{Trader: trader, AsOfSequence: asOf}
	for rows.Next() {
		var o OrderResponse
		var side, orderType, status int16
		if err := rows.Scan(
			&o.OrderID, &o.Asset, &side, &orderType, &o.Price, &o.Amount,
			&o.Remaining, &o.TriggerPrice, &status, &o.CreatedAt,
		); err != nil {
			return nil, err
		}
		o.Trader = trader
		o.Side = book.Side(side).String()
		o.Type = book.OrderType(orderType).String()
		o.Status = book.OrderStatus(status).String()
		resp.Orders = append(resp.Orders, o)
	}
	return resp, rows.Err()
}

// GetTrades returns a market's fill tape newest-first.
func (qs *QueryService) GetTrades(ctx context.Context, asset string, limit int, before *int64) (*TradesResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT trade_id, price, amount, buy_order_id, sell_order_id,
		       buyer, seller, timestamp
		FROM projections.trades
		WHERE asset = $1`
	args := []any{asset}

	if before != nil {
		args = append(args, *before)
		query += fmt.Sprintf(" AND trade_id < $%d", len(args))
	}
	args = append(args, clampLimit(limit))
	query += fmt.Sprintf(" ORDER BY trade_id DESC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &TradesResponse{Asset: asset, AsOfSequence: asOf}
	for rows.Next() {
		t := TradeResponse{Asset: asset}
		if err := rows.Scan(
			&t.TradeID, &t.Price, &t.Amount, &t.BuyOrderID, &t.SellOrderID,
			&t.Buyer, &t.Seller, &t.Timestamp,
		); err != nil {
			return nil, err
		}
		resp.Trades = append(resp.Trades, t)
	}
	return resp, rows.Err()
}

// GetFundingHistory returns a market's settled funding periods
// newest-first, paged by period index.
func (qs *QueryService) GetFundingHistory(ctx context.Context, asset string, limit int, before *int64) (*FundingHistoryResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT period_index, rate, premium_index, cumulative_rate,
		       long_size, short_size, timestamp
		FROM projections.funding_history
		WHERE asset = $1`
	args := []any{asset}

	if before != nil {
		args = append(args, *before)
		query += fmt.Sprintf(" AND period_index < $%d", len(args))
	}
	args = append(args, clampLimit(limit))
	query += fmt.Sprintf(" ORDER BY period_index DESC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &FundingHistoryResponse{Asset: asset, AsOfSequence: asOf}
	for rows.Next() {
		p := FundingPeriodResponse{Asset: asset}
		if err := rows.Scan(
			&p.PeriodIndex, &p.Rate, &p.PremiumIndex, &p.CumulativeRate,
			&p.LongSize, &p.ShortSize, &p.Timestamp,
		); err != nil {
			return nil, err
		}
		resp.Periods = append(resp.Periods, p)
	}
	return resp, rows.Err()
}

// GetLiquidations returns executed liquidations newest-first, optionally
// narrowed to one market, paged by sequence.
func (qs *QueryService) GetLiquidations(ctx context.Context, asset string, limit int, before *int64) (*LiquidationsResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT liquidation_id, sequence, asset, position_id, liquidator,
		       margin_released, reward, insurance_contribution, gas_stipend,
		       insurance_coverage, timestamp
		FROM projections.liquidations`
	var args []any
	var conds []string

	if asset != "" {
		args = append(args, asset)
		conds = append(conds, fmt.Sprintf("asset = $%d", len(args)))
	}
	if before != nil {
		args = append(args, *before)
		conds = append(conds, fmt.Sprintf("sequence < $%d", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	args = append(args, clampLimit(limit))
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &LiquidationsResponse{AsOfSequence: asOf}
	for rows.Next() {
		var l LiquidationResponse
		if err := rows.Scan(
			&l.LiquidationID, &l.Sequence, &l.Asset, &l.PositionID, &l.Liquidator,
			&l.MarginReleased, &l.Reward, &l.InsuranceContribution, &l.GasStipend,
			&l.InsuranceCoverage, &l.Timestamp,
		); err != nil {
			return nil, err
		}
		resp.Liquidations = append(resp.Liquidations, l)
	}
	return resp, rows.Err()
}

// GetInsuranceFund returns the venue insurance fund balance in the
// settlement currency.
func (qs *QueryService) GetInsuranceFund(ctx context.Context) (*InsuranceFundResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	key := ledger.NewSystemAccountKey(
		ledger.VenueSystemName, ledger.SubTypeSystemInsuranceFund, ledger.SettlementCurrency)
	balance, err := qs.getProjectedBalance(ctx, key.AccountPath())
	if err != nil {
		return nil, err
	}

	name, _ := ledger.GetCurrencyName(ledger.SettlementCurrency)
	return &InsuranceFundResponse{
		Currency:     name,
		Balance:      balance,
		AsOfSequence: asOf,
	}, nil
}

// GetJournalHistory returns a trader's ledger statement newest-first,
// paged by event sequence. A page boundary can split the journals of one
// multi-leg batch across pages.
func (qs *QueryService) GetJournalHistory(ctx context.Context, trader uuid.UUID, limit int, before *int64) (*JournalHistoryResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT journal_id, batch_id, command_ref, sequence, debit_account,
		       credit_account, currency_id, amount, journal_type, timestamp
		FROM venue.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)`
	args := []any{"trader:" + trader.String() + ":%"}

	if before != nil {
		args = append(args, *before)
		query += fmt.Sprintf(" AND sequence < $%d", len(args))
	}
	args = append(args, clampLimit(limit))
	query += fmt.Sprintf(" ORDER BY sequence DESC, journal_id LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &JournalHistoryResponse{Trader: trader, AsOfSequence: asOf}
	for rows.Next() {
		var e JournalEntryResponse
		var currencyID uint16
		var journalType int32
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.CommandRef, &e.Sequence, &e.DebitAccount,
			&e.CreditAccount, &currencyID, &e.Amount, &journalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Currency, _ = ledger.GetCurrencyName(ledger.CurrencyID(currencyID))
		e.JournalType = ledger.JournalType(journalType).String()
		resp.Entries = append(resp.Entries, e)
	}
	return resp, rows.Err()
}

// VerifyIntegrity checks the event log for gaps and hash-chain breaks
// and the balance model for zero-sum violations. An unhealthy report
// names the first few offending sequences.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(sequence), 0) FROM venue.events`).
		Scan(&report.EventCount, &report.LastSequence); err != nil {
		return nil, fmt.Errorf("event counts: %w", err)
	}
	// Sequences start at one, so a dense log has count == max.
	report.MissingEvents = report.LastSequence - report.EventCount

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM venue.events e1
		JOIN venue.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT currency_id, SUM(balance)
		FROM projections.balances
		GROUP BY currency_id
		HAVING SUM(balance) <> 0`)
	if err != nil {
		return nil, fmt.Errorf("zero sum: %w", err)
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedCurrency
		if err := balanceRows.Scan(&u.CurrencyID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedCurrencies = append(report.UnbalancedCurrencies, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.Healthy = report.MissingEvents == 0 &&
		len(report.HashChainBreaks) == 0 &&
		len(report.UnbalancedCurrencies) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx,
		`SELECT balance FROM projections.balances WHERE account_path = $1`,
		accountPath).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}
