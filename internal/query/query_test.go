package query_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"PerpVenue/internal/book"
	"PerpVenue/internal/command"
	"PerpVenue/internal/core"
	"PerpVenue/internal/funding"
	"PerpVenue/internal/ledger"
	"PerpVenue/internal/market"
	"PerpVenue/internal/persistence"
	"PerpVenue/internal/projection"
	"PerpVenue/internal/query"
	"PerpVenue/internal/testutil"
)

var (
	qTrader     = uuid.MustParse("aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa")
	qOther      = uuid.MustParse("bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb")
	qLiquidator = uuid.MustParse("cccccccc-cccc-4ccc-8ccc-cccccccccccc")
)

func stateHash(seq int64) [32]byte {
	var h [32]byte
	h[0] = byte(seq)
	return h
}

// chainedEnvelope links prev_hash to the prior state so the event log
// verifies as an unbroken chain.
func chainedEnvelope(seq int64, ct command.Type, key string, payload []byte) *command.Envelope {
	return &command.Envelope{
		Sequence:       seq,
		IdempotencyKey: key,
		CommandType:    ct,
		Timestamp:      1_700_000_000 + seq,
		SourceSequence: seq - 1,
		Payload:        payload,
		StateHash:      stateHash(seq),
		PrevHash:       stateHash(seq - 1),
	}
}

func journalRow(seq int64, jt ledger.JournalType, debit, credit ledger.AccountKey, currency ledger.CurrencyID, amount int64) ledger.Journal {
	return ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		CommandRef:    fmt.Sprintf("cmd-%d", seq),
		Sequence:      seq,
		DebitAccount:  debit,
		CreditAccount: credit,
		Currency:      currency,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     1_700_000_000 + seq,
	}
}

func ledgerOutput(seq int64, ct command.Type, key string, journals ...ledger.Journal) core.Output {
	return core.Output{
		Envelope: chainedEnvelope(seq, ct, key, []byte(`{}`)),
		Batch: &ledger.Batch{
			BatchID:    uuid.New(),
			CommandRef: key,
			Sequence:   seq,
			Timestamp:  1_700_000_000 + seq,
			Journals:   journals,
		},
	}
}

func depositOutput(trader uuid.UUID, seq, amount int64) core.Output {
	return ledgerOutput(seq, command.TypeDeposit, fmt.Sprintf("dep-%d", seq),
		journalRow(seq, ledger.JournalTypeDeposit,
			ledger.NewTraderAccountKey(trader, ledger.SubTypeAvailable, ledger.SettlementCurrency),
			ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.SettlementCurrency),
			ledger.SettlementCurrency, amount))
}

func runProjection(t *testing.T, db *sql.DB, outs ...core.Output) {
	t.Helper()
	in := make(chan core.Output, len(outs)+1)
	pw := projection.NewProjectionWorker(db, in, nil)
	done := make(chan error, 1)
	go func() { done <- pw.Run(context.Background()) }()
	for _, out := range outs {
		in <- out
	}
	close(in)
	if err := <-done; err != nil {
		t.Fatalf("projection worker: %v", err)
	}
}

func runPersistence(t *testing.T, db *sql.DB, outs ...core.Output) {
	t.Helper()
	in := make(chan core.Output, len(outs)+1)
	pw := persistence.NewPersistenceWorker(db, in, nil, 10, 20*time.Millisecond, nil)
	done := make(chan error, 1)
	go func() { done <- pw.Run(context.Background()) }()
	for _, out := range outs {
		in <- out
	}
	close(in)
	if err := <-done; err != nil {
		t.Fatalf("persistence worker: %v", err)
	}
}

func mustVerify(t *testing.T, qs *query.QueryService) *query.IntegrityReport {
	t.Helper()
	report, err := qs.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	return report
}

// ==========================================================================
// Pagination plumbing
// ==========================================================================

func TestClampLimit(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, 100},
		{-5, 100},
		{1, 1},
		{500, 500},
		{501, 500},
	}
	for _, c := range cases {
		if got := query.ClampLimit(c.in); got != c.want {
			t.Errorf("clamp(%d): got %d, want %d", c.in, got, c.want)
		}
	}
}

func TestRoutesRejectBadParams(t *testing.T) {
	mux := runtime.NewServeMux()
	// The bad-parameter paths never reach the database.
	if err := query.RegisterRoutes(mux, query.NewQueryService(nil), nil); err != nil {
		t.Fatalf("register routes: %v", err)
	}

	cases := []struct {
		name, path, wantCode string
	}{
		{"bad trader", "/v1/balances/not-a-uuid", "invalid_trader"},
		{"bad limit", "/v1/orders/" + qTrader.String() + "?limit=many", "invalid_limit"},
		{"bad cursor", "/v1/trades/BTC-USD?before=abc", "invalid_cursor"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, c.path, nil))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status: got %d, want 400", rec.Code)
			}
			var body struct {
				Error string `json:"error"`
				Code  string `json:"code"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Code != c.wantCode {
				t.Errorf("code: got %q, want %q", body.Code, c.wantCode)
			}
		})
	}
}

// ==========================================================================
// Reads against Postgres
// ==========================================================================

func TestGetBalances(t *testing.T) {
	db := testutil.SetupVenueDB(t)
	qs := query.NewQueryService(db)

	usdt, ok := ledger.GetCurrencyID("USDT")
	if !ok {
		t.Fatal("USDT not registered")
	}
	avail := ledger.NewTraderAccountKey(qTrader, ledger.SubTypeAvailable, ledger.SettlementCurrency)
	locked := ledger.NewTraderAccountKey(qTrader, ledger.SubTypeLocked, ledger.SettlementCurrency)

	runProjection(t, db,
		depositOutput(qTrader, 1, 1000),
		ledgerOutput(2, command.TypePlaceOrder, "lock-2",
			journalRow(2, ledger.JournalTypeMarginLock, locked, avail, ledger.SettlementCurrency, 300)),
		ledgerOutput(3, command.TypeDeposit, "dep-usdt-3",
			journalRow(3, ledger.JournalTypeDeposit,
				ledger.NewTraderAccountKey(qTrader, ledger.SubTypeAvailable, usdt),
				ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdt),
				usdt, 400)),
	)

	resp, err := qs.GetBalances(context.Background(), qTrader)
	if err != nil {
		t.Fatalf("get balances: %v", err)
	}

	if resp.AsOfSequence != 3 {
		t.Errorf("as_of_sequence: got %d, want 3", resp.AsOfSequence)
	}
	if len(resp.Balances) != 2 {
		t.Fatalf("currencies: got %d, want 2", len(resp.Balances))
	}

	usdc := resp.Balances[0]
	if usdc.Currency != "USDC" || usdc.Available != 700 || usdc.Locked != 300 || usdc.Total != 1000 {
		t.Errorf("USDC: got %+v", usdc)
	}
	if resp.Balances[1].Currency != "USDT" || resp.Balances[1].Available != 400 {
		t.Errorf("USDT: got %+v", resp.Balances[1])
	}

	// Unknown trader reads as empty, not as an error.
	empty, err := qs.GetBalances(context.Background(), qOther)
	if err != nil {
		t.Fatalf("get empty balances: %v", err)
	}
	if len(empty.Balances) != 0 {
		t.Errorf("unknown trader balances: got %d entries", len(empty.Balances))
	}
}

func TestGetPositions(t *testing.T) {
	db := testutil.SetupVenueDB(t)
	qs := query.NewQueryService(db)

	closed := market.Position{
		ID: 1, Trader: qTrader, Market: "BTC-USD", IsLong: true,
		Size: 0, Margin: 0, Entry: 48_000, Leverage: 10,
		IsOpen: false, OpenedAt: 1_700_000_001, UpdatedAt: 1_700_000_002, ClosedAt: 1_700_000_002,
	}
	open := market.Position{
		ID: 2, Trader: qTrader, Market: "ETH-USD", IsLong: false,
		Size: 5_000, Margin: 500, Entry: 3_000, Leverage: 10,
		IsOpen: true, OpenedAt: 1_700_000_003, UpdatedAt: 1_700_000_003,
	}
	runProjection(t, db, core.Output{
		Envelope:  chainedEnvelope(1, command.TypeClosePosition, "pos-1", []byte(`{}`)),
		Positions: []market.Position{closed, open},
	})

	resp, err := qs.GetPositions(context.Background(), qTrader, false)
	if err != nil {
		t.Fatalf("get positions: %v", err)
	}
	if len(resp.Positions) != 1 || resp.Positions[0].PositionID != 2 {
		t.Fatalf("open positions: got %+v", resp.Positions)
	}
	p := resp.Positions[0]
	if p.IsLong || p.Size != 5_000 || p.Market != "ETH-USD" || p.Trader != qTrader {
		t.Errorf("position fields: got %+v", p)
	}

	all, err := qs.GetPositions(context.Background(), qTrader, true)
	if err != nil {
		t.Fatalf("get all positions: %v", err)
	}
	if len(all.Positions) != 2 || all.Positions[0].PositionID != 2 || all.Positions[1].PositionID != 1 {
		t.Errorf("all positions: got %+v", all.Positions)
	}
	if all.Positions[1].IsOpen || all.Positions[1].ClosedAt != 1_700_000_002 {
		t.Errorf("closed position: got %+v", all.Positions[1])
	}
}

func TestGetOrders(t *testing.T) {
	db := testutil.SetupVenueDB(t)
	qs := query.NewQueryService(db)

	mk := func(id int64, trader uuid.UUID, asset string, status book.OrderStatus) book.Order {
		return book.Order{
			ID: id, Trader: trader, Asset: asset,
			Side: book.SideBuy, Type: book.OrderTypeLimit,
			Price: 50_000, Amount: 100, Remaining: 100,
			Timestamp: 1_700_000_000 + id, Status: status,
		}
	}
	runProjection(t, db, core.Output{
		Envelope: chainedEnvelope(1, command.TypePlaceOrder, "ord-1", []byte(`{}`)),
		Orders: []book.Order{
			mk(1, qTrader, "BTC-USD", book.OrderStatusOpen),
			mk(2, qTrader, "BTC-USD", book.OrderStatusFilled),
			mk(3, qTrader, "BTC-USD", book.OrderStatusOpen),
			mk(4, qOther, "BTC-USD", book.OrderStatusOpen),
			mk(5, qTrader, "ETH-USD", book.OrderStatusCancelled),
		},
	})

	ids := func(resp *query.OrdersResponse) []int64 {
		var out []int64
		for _, o := range resp.Orders {
			out = append(out, o.OrderID)
		}
		return out
	}

	all, err := qs.GetOrders(context.Background(), qTrader, "", false, 0, nil)
	if err != nil {
		t.Fatalf("get orders: %v", err)
	}
	if got := ids(all); len(got) != 4 || got[0] != 5 || got[3] != 1 {
		t.Fatalf("all orders: got %v, want [5 3 2 1]", got)
	}
	if all.Orders[0].Side != "buy" || all.Orders[0].Status != "cancelled" || all.Orders[0].Type != "limit" {
		t.Errorf("enum names: got %+v", all.Orders[0])
	}
	if all.AsOfSequence != 1 {
		t.Errorf("as_of_sequence: got %d, want 1", all.AsOfSequence)
	}

	page, err := qs.GetOrders(context.Background(), qTrader, "", false, 2, nil)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if got := ids(page); len(got) != 2 || got[0] != 5 || got[1] != 3 {
		t.Fatalf("first page: got %v, want [5 3]", got)
	}

	cursor := page.Orders[1].OrderID
	next, err := qs.GetOrders(context.Background(), qTrader, "", false, 2, &cursor)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if got := ids(next); len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Fatalf("second page: got %v, want [2 1]", got)
	}

	btc, err := qs.GetOrders(context.Background(), qTrader, "BTC-USD", false, 0, nil)
	if err != nil {
		t.Fatalf("asset filter: %v", err)
	}
	if got := ids(btc); len(got) != 3 || got[0] != 3 {
		t.Fatalf("asset filter: got %v, want [3 2 1]", got)
	}

	openOnly, err := qs.GetOrders(context.Background(), qTrader, "", true, 0, nil)
	if err != nil {
		t.Fatalf("open filter: %v", err)
	}
	if got := ids(openOnly); len(got) != 2 || got[0] != 3 || got[1] != 1 {
		t.Fatalf("open filter: got %v, want [3 1]", got)
	}
}

func TestGetTrades(t *testing.T) {
	db := testutil.SetupVenueDB(t)
	qs := query.NewQueryService(db)

	mk := func(id int64, asset string) book.Trade {
		return book.Trade{
			ID: id, Asset: asset,
			BuyOrderID: id * 10, SellOrderID: id*10 + 1,
			MakerOrderID: id * 10, TakerOrderID: id*10 + 1,
			Buyer: qTrader, Seller: qOther,
			Price: 50_000, Amount: 100, Timestamp: 1_700_000_000 + id,
		}
	}
	runProjection(t, db, core.Output{
		Envelope: chainedEnvelope(1, command.TypePlaceOrder, "ord-1", []byte(`{}`)),
		Trades:   []book.Trade{mk(1, "BTC-USD"), mk(2, "BTC-USD"), mk(3, "ETH-USD")},
	})

	resp, err := qs.GetTrades(context.Background(), "BTC-USD", 1, nil)
	if err != nil {
		t.Fatalf("get trades: %v", err)
	}
	if len(resp.Trades) != 1 || resp.Trades[0].TradeID != 2 {
		t.Fatalf("first page: got %+v", resp.Trades)
	}
	if resp.Trades[0].Buyer != qTrader || resp.Trades[0].Seller != qOther {
		t.Errorf("parties: got %+v", resp.Trades[0])
	}

	cursor := resp.Trades[0].TradeID
	next, err := qs.GetTrades(context.Background(), "BTC-USD", 10, &cursor)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(next.Trades) != 1 || next.Trades[0].TradeID != 1 {
		t.Fatalf("second page: got %+v", next.Trades)
	}

	eth, err := qs.GetTrades(context.Background(), "ETH-USD", 10, nil)
	if err != nil {
		t.Fatalf("eth trades: %v", err)
	}
	if len(eth.Trades) != 1 || eth.Trades[0].TradeID != 3 {
		t.Fatalf("eth trades: got %+v", eth.Trades)
	}
}

func TestGetFundingHistory(t *testing.T) {
	db := testutil.SetupVenueDB(t)
	qs := query.NewQueryService(db)

	mk := func(period, rate int64) funding.Update {
		return funding.Update{
			Asset: "BTC-USD", PeriodIndex: period, Rate: rate,
			PremiumIndex: rate / 2, CumulativeRate: rate * (period + 1),
			LongSize: 9_000, ShortSize: 7_000, Timestamp: 1_700_000_000 + period,
		}
	}
	runProjection(t, db,
		core.Output{
			Envelope:       chainedEnvelope(1, command.TypeFundingTick, "fund-1", []byte(`{}`)),
			FundingUpdates: []funding.Update{mk(0, 100), mk(1, 100)},
		},
		core.Output{
			Envelope:       chainedEnvelope(2, command.TypeFundingTick, "fund-2", []byte(`{}`)),
			FundingUpdates: []funding.Update{mk(2, -50)},
		},
	)

	resp, err := qs.GetFundingHistory(context.Background(), "BTC-USD", 2, nil)
	if err != nil {
		t.Fatalf("get funding: %v", err)
	}
	if len(resp.Periods) != 2 || resp.Periods[0].PeriodIndex != 2 || resp.Periods[1].PeriodIndex != 1 {
		t.Fatalf("first page: got %+v", resp.Periods)
	}
	if resp.Periods[0].Rate != -50 {
		t.Errorf("latest rate: got %d, want -50", resp.Periods[0].Rate)
	}

	cursor := resp.Periods[1].PeriodIndex
	next, err := qs.GetFundingHistory(context.Background(), "BTC-USD", 2, &cursor)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(next.Periods) != 1 || next.Periods[0].PeriodIndex != 0 {
		t.Fatalf("second page: got %+v", next.Periods)
	}
}

func TestGetLiquidations(t *testing.T) {
	db := testutil.SetupVenueDB(t)
	qs := query.NewQueryService(db)

	liqID := uuid.MustParse("dddddddd-dddd-4ddd-8ddd-dddddddddddd")
	payload, err := json.Marshal(&command.Liquidate{
		LiquidationID: liqID,
		Liquidator:    qLiquidator,
		Asset:         "BTC-USD",
		PositionID:    9,
		Sequence:      1,
		Timestamp:     1_700_000_001,
	})
	if err != nil {
		t.Fatalf("marshal liquidate: %v", err)
	}

	avail := ledger.NewTraderAccountKey(qTrader, ledger.SubTypeAvailable, ledger.SettlementCurrency)
	locked := ledger.NewTraderAccountKey(qTrader, ledger.SubTypeLocked, ledger.SettlementCurrency)
	liq := ledger.NewTraderAccountKey(qLiquidator, ledger.SubTypeAvailable, ledger.SettlementCurrency)

	out := core.Output{
		Envelope: chainedEnvelope(1, command.TypeLiquidate, liqID.String(), payload),
		Batch: &ledger.Batch{Sequence: 1, Journals: []ledger.Journal{
			journalRow(1, ledger.JournalTypeMarginRelease, avail, locked, ledger.SettlementCurrency, 800),
			journalRow(1, ledger.JournalTypeLiquidatorReward, liq, avail, ledger.SettlementCurrency, 40),
		}},
	}
	runProjection(t, db, out)

	resp, err := qs.GetLiquidations(context.Background(), "", 0, nil)
	if err != nil {
		t.Fatalf("get liquidations: %v", err)
	}
	if len(resp.Liquidations) != 1 {
		t.Fatalf("liquidations: got %d, want 1", len(resp.Liquidations))
	}
	l := resp.Liquidations[0]
	if l.LiquidationID != liqID || l.Liquidator != qLiquidator || l.PositionID != 9 {
		t.Errorf("identity: got %+v", l)
	}
	if l.MarginReleased != 800 || l.Reward != 40 {
		t.Errorf("legs: got released=%d reward=%d", l.MarginReleased, l.Reward)
	}

	none, err := qs.GetLiquidations(context.Background(), "ETH-USD", 0, nil)
	if err != nil {
		t.Fatalf("filtered liquidations: %v", err)
	}
	if len(none.Liquidations) != 0 {
		t.Errorf("asset filter: got %d rows, want 0", len(none.Liquidations))
	}
}

func TestGetInsuranceFund(t *testing.T) {
	db := testutil.SetupVenueDB(t)
	qs := query.NewQueryService(db)

	insurance := ledger.NewSystemAccountKey(
		ledger.VenueSystemName, ledger.SubTypeSystemInsuranceFund, ledger.SettlementCurrency)
	runProjection(t, db,
		ledgerOutput(1, command.TypeSeedInsurance, "seed-1",
			journalRow(1, ledger.JournalTypeDeposit, insurance,
				ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.SettlementCurrency),
				ledger.SettlementCurrency, 5_000)))

	resp, err := qs.GetInsuranceFund(context.Background())
	if err != nil {
		t.Fatalf("get insurance fund: %v", err)
	}
	if resp.Currency != "USDC" || resp.Balance != 5_000 || resp.AsOfSequence != 1 {
		t.Errorf("insurance fund: got %+v", resp)
	}
}

func TestGetJournalHistory(t *testing.T) {
	db := testutil.SetupVenueDB(t)
	qs := query.NewQueryService(db)

	runPersistence(t, db,
		depositOutput(qTrader, 1, 100),
		depositOutput(qTrader, 2, 200),
		depositOutput(qTrader, 3, 300),
	)

	resp, err := qs.GetJournalHistory(context.Background(), qTrader, 2, nil)
	if err != nil {
		t.Fatalf("get journal: %v", err)
	}
	// No projection worker ran, so the read models have no watermark yet.
	if resp.AsOfSequence != 0 {
		t.Errorf("as_of_sequence: got %d, want 0", resp.AsOfSequence)
	}
	if len(resp.Entries) != 2 || resp.Entries[0].Sequence != 3 || resp.Entries[1].Sequence != 2 {
		t.Fatalf("first page: got %+v", resp.Entries)
	}

	e := resp.Entries[0]
	if e.JournalType != "deposit" || e.Currency != "USDC" || e.Amount != 300 {
		t.Errorf("entry fields: got %+v", e)
	}
	avail := ledger.NewTraderAccountKey(qTrader, ledger.SubTypeAvailable, ledger.SettlementCurrency)
	if e.DebitAccount != avail.AccountPath() {
		t.Errorf("debit account: got %q, want %q", e.DebitAccount, avail.AccountPath())
	}

	cursor := resp.Entries[1].Sequence
	next, err := qs.GetJournalHistory(context.Background(), qTrader, 10, &cursor)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(next.Entries) != 1 || next.Entries[0].Sequence != 1 {
		t.Fatalf("second page: got %+v", next.Entries)
	}

	other, err := qs.GetJournalHistory(context.Background(), qOther, 10, nil)
	if err != nil {
		t.Fatalf("other trader journal: %v", err)
	}
	if len(other.Entries) != 0 {
		t.Errorf("other trader: got %d entries, want 0", len(other.Entries))
	}
}

// ==========================================================================
// Integrity verification
// ==========================================================================

func TestVerifyIntegrity(t *testing.T) {
	db := testutil.SetupVenueDB(t)
	qs := query.NewQueryService(db)

	outs := []core.Output{
		depositOutput(qTrader, 1, 100),
		depositOutput(qTrader, 2, 200),
		depositOutput(qTrader, 3, 300),
	}
	runPersistence(t, db, outs...)
	runProjection(t, db, outs...)

	report := mustVerify(t, qs)
	if !report.Healthy {
		t.Fatalf("clean log unhealthy: %+v", report)
	}
	if report.EventCount != 3 || report.LastSequence != 3 || report.MissingEvents != 0 {
		t.Errorf("event stats: got %+v", report)
	}

	// Tampering with a stored hash breaks the chain at that sequence.
	if _, err := db.Exec(
		`UPDATE venue.events SET prev_hash = $1 WHERE sequence = 3`, []byte{0xff}); err != nil {
		t.Fatalf("corrupt prev_hash: %v", err)
	}
	report = mustVerify(t, qs)
	if report.Healthy {
		t.Error("broken chain reported healthy")
	}
	if len(report.HashChainBreaks) != 1 || report.HashChainBreaks[0] != 3 {
		t.Errorf("chain breaks: got %v, want [3]", report.HashChainBreaks)
	}

	// A doctored balance shows up as a zero-sum violation.
	avail := ledger.NewTraderAccountKey(qTrader, ledger.SubTypeAvailable, ledger.SettlementCurrency)
	if _, err := db.Exec(
		`UPDATE projections.balances SET balance = balance + 7 WHERE account_path = $1`,
		avail.AccountPath()); err != nil {
		t.Fatalf("corrupt balance: %v", err)
	}
	report = mustVerify(t, qs)
	if len(report.UnbalancedCurrencies) != 1 {
		t.Fatalf("unbalanced currencies: got %+v", report.UnbalancedCurrencies)
	}
	u := report.UnbalancedCurrencies[0]
	if u.CurrencyID != uint16(ledger.SettlementCurrency) || u.Imbalance != 7 {
		t.Errorf("imbalance: got %+v", u)
	}

	// A deleted event reads as a gap.
	if _, err := db.Exec(`DELETE FROM venue.events WHERE sequence = 2`); err != nil {
		t.Fatalf("delete event: %v", err)
	}
	report = mustVerify(t, qs)
	if report.EventCount != 2 || report.LastSequence != 3 || report.MissingEvents != 1 {
		t.Errorf("gap stats: got count=%d last=%d missing=%d",
			report.EventCount, report.LastSequence, report.MissingEvents)
	}
	if report.Healthy {
		t.Error("gapped log reported healthy")
	}
}

// ==========================================================================
// HTTP round trip
// ==========================================================================

func TestHTTPBalancesRoundTrip(t *testing.T) {
	db := testutil.SetupVenueDB(t)

	runProjection(t, db, depositOutput(qTrader, 1, 1_000))

	mux := runtime.NewServeMux()
	if err := query.RegisterRoutes(mux, query.NewQueryService(db), nil); err != nil {
		t.Fatalf("register routes: %v", err)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/balances/"+qTrader.String(), nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type: got %q", ct)
	}

	var body query.BalancesResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Trader != qTrader || body.AsOfSequence != 1 {
		t.Errorf("response identity: got %+v", body)
	}
	if len(body.Balances) != 1 || body.Balances[0].Available != 1_000 {
		t.Errorf("balances: got %+v", body.Balances)
	}
}
