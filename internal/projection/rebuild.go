package projection

import (
	"context"
	"database/sql"
	"fmt"
)

// RebuildBalances recomputes the balance model from the journal in one
// transaction: debits sum positive, credits sum negative. It repairs a
// drifted or corrupted balance table without touching the other models
// or the watermark.
func RebuildBalances(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, currency_id, balance, last_sequence)
		SELECT debit_account, currency_id, SUM(amount), MAX(sequence)
		FROM venue.journal
		GROUP BY debit_account, currency_id`); err != nil {
		return fmt.Errorf("rebuild debit sums: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, currency_id, balance, last_sequence)
		SELECT credit_account, currency_id, -SUM(amount), MAX(sequence)
		FROM venue.journal
		GROUP BY credit_account, currency_id
		ON CONFLICT (account_path, currency_id)
		DO UPDATE SET balance = projections.balances.balance + EXCLUDED.balance,
		              last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)`); err != nil {
		return fmt.Errorf("rebuild credit sums: %w", err)
	}

	return tx.Commit()
}

// Reset clears every read model and the watermark. Run it with the
// worker stopped, then replay the event log through a core wired to a
// projection channel; with the watermark gone the worker reapplies
// every output from sequence one.
func Reset(ctx context.Context, db *sql.DB) error {
	truncates := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.orders`,
		`TRUNCATE projections.trades`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.funding_history`,
		`TRUNCATE projections.liquidations`,
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range truncates {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset projections: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM projections.watermark WHERE worker_id = $1`, workerID); err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}
	return tx.Commit()
}
