package persistence_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/google/uuid"

	"PerpVenue/internal/command"
	"PerpVenue/internal/ledger"
	"PerpVenue/internal/persistence"
)

var (
	testTrader = uuid.MustParse("33333333-3333-3333-3333-333333333333")
	testBatch  = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
)

func depositEnvelope(seq int64, asset string) *command.Envelope {
	var state, prev [32]byte
	state[0] = 0xAB
	prev[0] = 0xCD
	return &command.Envelope{
		Sequence:       seq,
		IdempotencyKey: "dep-1",
		CommandType:    command.TypeDeposit,
		Asset:          asset,
		Timestamp:      1_700_000_000,
		SourceSequence: 4,
		Payload:        []byte(`{"amount":100}`),
		StateHash:      state,
		PrevHash:       prev,
	}
}

func sampleJournalBatch(t *testing.T) *ledger.Batch {
	t.Helper()
	debit := ledger.NewTraderAccountKey(testTrader, ledger.SubTypeAvailable, ledger.SettlementCurrency)
	credit := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.SettlementCurrency)
	return &ledger.Batch{
		BatchID:    testBatch,
		CommandRef: "dep-1",
		Sequence:   7,
		Timestamp:  1_700_000_000,
		Journals: []ledger.Journal{{
			JournalID:     uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000001"),
			BatchID:       testBatch,
			CommandRef:    "dep-1",
			Sequence:      7,
			DebitAccount:  debit,
			CreditAccount: credit,
			Currency:      ledger.SettlementCurrency,
			Amount:        100,
			JournalType:   ledger.JournalTypeDeposit,
			Timestamp:     1_700_000_000,
		}},
	}
}

// recordingExec captures the statement a writer method executes.
type recordingExec struct {
	query string
	args  []any
	calls int
}

func (r *recordingExec) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	r.query = query
	r.args = args
	r.calls++
	return nil, nil
}

// ==========================================================================
// Row construction
// ==========================================================================

func TestNewEventRow(t *testing.T) {
	env := depositEnvelope(9, "")
	row := persistence.NewEventRow(env)

	if row.Sequence != 9 {
		t.Errorf("sequence: got %d, want 9", row.Sequence)
	}
	if row.CommandType != "Deposit" {
		t.Errorf("command type: got %q, want Deposit", row.CommandType)
	}
	if row.IdempotencyKey != "dep-1" {
		t.Errorf("idempotency key: got %q", row.IdempotencyKey)
	}
	if row.Asset != nil {
		t.Errorf("asset: got %v, want nil for global command", *row.Asset)
	}
	if string(row.Payload) != `{"amount":100}` {
		t.Errorf("payload: got %s", row.Payload)
	}
	if len(row.StateHash) != 32 || row.StateHash[0] != 0xAB {
		t.Errorf("state hash: got %x", row.StateHash)
	}
	if len(row.PrevHash) != 32 || row.PrevHash[0] != 0xCD {
		t.Errorf("prev hash: got %x", row.PrevHash)
	}
	if row.Timestamp != 1_700_000_000 || row.SourceSequence != 4 {
		t.Errorf("timestamp/source: got %d/%d", row.Timestamp, row.SourceSequence)
	}
}

func TestNewEventRow_AssetPartition(t *testing.T) {
	row := persistence.NewEventRow(depositEnvelope(10, "BTC-USD"))
	if row.Asset == nil || *row.Asset != "BTC-USD" {
		t.Fatalf("asset: got %v, want BTC-USD", row.Asset)
	}
}

func TestNewJournalRows(t *testing.T) {
	rows := persistence.NewJournalRows(sampleJournalBatch(t))
	if len(rows) != 1 {
		t.Fatalf("rows: got %d, want 1", len(rows))
	}

	r := rows[0]
	wantDebit := "trader:" + testTrader.String() + ":available:USDC"
	if r.DebitAccount != wantDebit {
		t.Errorf("debit account: got %q, want %q", r.DebitAccount, wantDebit)
	}
	if r.CreditAccount != "external:deposits:USDC" {
		t.Errorf("credit account: got %q", r.CreditAccount)
	}
	if r.BatchID != testBatch.String() {
		t.Errorf("batch id: got %q", r.BatchID)
	}
	if r.CurrencyID != uint16(ledger.SettlementCurrency) {
		t.Errorf("currency: got %d", r.CurrencyID)
	}
	if r.Amount != 100 || r.JournalType != int32(ledger.JournalTypeDeposit) {
		t.Errorf("amount/type: got %d/%d", r.Amount, r.JournalType)
	}
	if r.CommandRef != "dep-1" || r.Sequence != 7 {
		t.Errorf("ref/sequence: got %q/%d", r.CommandRef, r.Sequence)
	}
}

func TestNewJournalRows_NilBatch(t *testing.T) {
	if rows := persistence.NewJournalRows(nil); rows != nil {
		t.Fatalf("nil batch: got %v, want nil", rows)
	}
}

// ==========================================================================
// Statement building
// ==========================================================================

func TestWriteEventBatch_Statement(t *testing.T) {
	w := persistence.NewEventLogWriter(nil)
	rec := &recordingExec{}

	events := []persistence.EventRow{
		persistence.NewEventRow(depositEnvelope(1, "")),
		persistence.NewEventRow(depositEnvelope(2, "BTC-USD")),
	}
	if err := w.WriteEventBatch(context.Background(), rec, events); err != nil {
		t.Fatalf("write: %v", err)
	}

	if !strings.Contains(rec.query, "INSERT INTO venue.events") {
		t.Errorf("query target: %s", rec.query)
	}
	if !strings.HasSuffix(rec.query, "ON CONFLICT (sequence) DO NOTHING") {
		t.Errorf("conflict clause missing: %s", rec.query)
	}
	if got := strings.Count(rec.query, "($"); got != 2 {
		t.Errorf("tuples: got %d, want 2", got)
	}
	if len(rec.args) != 18 {
		t.Fatalf("args: got %d, want 18", len(rec.args))
	}
	if rec.args[0] != int64(1) || rec.args[9] != int64(2) {
		t.Errorf("sequence args: got %v, %v", rec.args[0], rec.args[9])
	}
	if rec.args[3] != (*string)(nil) {
		t.Errorf("global asset arg: got %v, want nil", rec.args[3])
	}
}

func TestWriteJournalBatch_Statement(t *testing.T) {
	w := persistence.NewEventLogWriter(nil)
	rec := &recordingExec{}

	rows := persistence.NewJournalRows(sampleJournalBatch(t))
	if err := w.WriteJournalBatch(context.Background(), rec, rows); err != nil {
		t.Fatalf("write: %v", err)
	}

	if !strings.Contains(rec.query, "INSERT INTO venue.journal") {
		t.Errorf("query target: %s", rec.query)
	}
	if !strings.HasSuffix(rec.query, "ON CONFLICT (journal_id) DO NOTHING") {
		t.Errorf("conflict clause missing: %s", rec.query)
	}
	if len(rec.args) != 10 {
		t.Fatalf("args: got %d, want 10", len(rec.args))
	}
}

func TestWriteBatch_EmptyIsNoop(t *testing.T) {
	w := persistence.NewEventLogWriter(nil)
	rec := &recordingExec{}

	if err := w.WriteEventBatch(context.Background(), rec, nil); err != nil {
		t.Fatalf("empty event batch: %v", err)
	}
	if err := w.WriteJournalBatch(context.Background(), rec, nil); err != nil {
		t.Fatalf("empty journal batch: %v", err)
	}
	if rec.calls != 0 {
		t.Fatalf("exec calls: got %d, want 0", rec.calls)
	}
}
