package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"PerpVenue/internal/command"
	"PerpVenue/internal/ledger"
)

// EventRow is one row of venue.events: a committed envelope in wire form.
// Payload is the command JSON exactly as the envelope carries it, so replay
// decodes rows with the same parser that decodes live traffic.
type EventRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Asset          *string // nil for commands in the global partition
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64
	SourceSequence int64
}

// JournalRow is one row of venue.journal. Account keys are stored as
// AccountPath strings; ParseAccountPath reverses them.
type JournalRow struct {
	JournalID     string
	BatchID       string
	CommandRef    string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	CurrencyID    uint16
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// NewEventRow flattens a committed envelope into its storage row.
func NewEventRow(env *command.Envelope) EventRow {
	row := EventRow{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
	if env.Asset != "" {
		asset := env.Asset
		row.Asset = &asset
	}
	return row
}

// NewJournalRows flattens a ledger batch into journal rows. Commands that
// move no money carry a nil batch and yield none.
func NewJournalRows(batch *ledger.Batch) []JournalRow {
	if batch == nil || len(batch.Journals) == 0 {
		return nil
	}
	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			CommandRef:    j.CommandRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			CurrencyID:    uint16(j.Currency),
			Amount:        j.Amount,
			JournalType:   int32(j.JournalType),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// execer is the subset of *sql.Tx and *sql.DB the batch writers need. The
// methods take it explicitly so the worker owns transaction boundaries.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events and journals with multi-row INSERTs. Both
// statements tolerate conflicts, so a batch replayed after a crash lands
// as a no-op instead of an error.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch inserts events inside the caller's transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	query, args := buildEventInsert(events)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch inserts journal entries inside the caller's transaction.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	query, args := buildJournalInsert(journals)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func buildEventInsert(events []EventRow) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO venue.events
		(sequence, command_type, idempotency_key, asset, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `)

	args := make([]any, 0, len(events)*9)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 9
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.Asset,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence)
	}
	sb.WriteString(" ON CONFLICT (sequence) DO NOTHING")
	return sb.String(), args
}

func buildJournalInsert(journals []JournalRow) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO venue.journal
		(journal_id, batch_id, command_ref, sequence, debit_account, credit_account, currency_id, amount, journal_type, timestamp)
		VALUES `)

	args := make([]any, 0, len(journals)*10)
	for i, j := range journals {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 10
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10)
		args = append(args,
			j.JournalID, j.BatchID, j.CommandRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.CurrencyID, j.Amount,
			j.JournalType, j.Timestamp)
	}
	sb.WriteString(" ON CONFLICT (journal_id) DO NOTHING")
	return sb.String(), args
}
