package core_test

import (
	"crypto/sha256"
	"errors"
	"testing"

	"PerpVenue/internal/auth"
	"PerpVenue/internal/book"
	"PerpVenue/internal/command"
	"PerpVenue/internal/core"
	"PerpVenue/internal/fees"
	"PerpVenue/internal/funding"
	"PerpVenue/internal/ledger"
	"PerpVenue/internal/liquidation"
	"PerpVenue/internal/market"
	"PerpVenue/internal/oracle"

	"github.com/google/uuid"
)

const t0 int64 = 1_700_000_000

// Fixed identities keep account paths, and therefore state digests, stable
// across runs.
var (
	opID     = uuid.MustParse("11111111-1111-4111-8111-111111111111")
	keeperID = uuid.MustParse("22222222-2222-4222-8222-222222222222")
	aliceID  = uuid.MustParse("33333333-3333-4333-8333-333333333333")
	bobID    = uuid.MustParse("44444444-4444-4444-8444-444444444444")
)

// ==========================================================================
// Harness
// ==========================================================================

// ref derives a stable uuid from a label so identical test streams produce
// identical idempotency keys.
func ref(label string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(label))
}

func newTestCore(t *testing.T) (*core.Core, chan core.Output, chan core.Output) {
	t.Helper()
	return newTestCoreWith(t, 1024, 1024)
}

func newTestCoreWith(t *testing.T, persistCap, projectCap int) (*core.Core, chan core.Output, chan core.Output) {
	t.Helper()
	persistChan := make(chan core.Output, persistCap)
	projectionChan := make(chan core.Output, projectCap)
	c, err := core.NewCore(core.Options{
		Oracle:         oracle.Config{MaxAgeSeconds: 3600},
		Funding:        funding.DefaultConfig(),
		Liquidation:    liquidation.DefaultConfig(),
		FeeDefaults:    fees.Schedule{},
		Operators:      []uuid.UUID{opID},
		Liquidators:    []uuid.UUID{keeperID},
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
	})
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	return c, persistChan, projectionChan
}

func mustProcess(t *testing.T, c *core.Core, cmd command.Command) {
	t.Helper()
	if err := c.ProcessCommand(cmd); err != nil {
		t.Fatalf("process %s: %v", cmd.CommandType(), err)
	}
}

// drainOutputs empties a channel without blocking.
func drainOutputs(ch chan core.Output) []core.Output {
	var out []core.Output
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

func lastOutput(t *testing.T, ch chan core.Output) core.Output {
	t.Helper()
	outs := drainOutputs(ch)
	if len(outs) == 0 {
		t.Fatal("no outputs emitted")
	}
	return outs[len(outs)-1]
}

func registerAsset(t *testing.T, c *core.Core, symbol, feed string, gseq int64) {
	t.Helper()
	mustProcess(t, c, &command.RegisterAsset{
		Ref:       ref("reg-" + symbol),
		Caller:    opID,
		Symbol:    symbol,
		FeedKey:   feed,
		Decimals:  8,
		Sequence:  gseq,
		Timestamp: t0,
	})
}

func createPerp(t *testing.T, c *core.Core, symbol string, aseq int64) {
	t.Helper()
	mustProcess(t, c, &command.CreateMarket{
		Ref:             ref("mkt-" + symbol),
		Caller:          opID,
		Symbol:          symbol,
		MarketType:      1,
		MaxLeverage:     20,
		MaxPositionSize: 1_000_000_000_000,
		MinOrderMargin:  1_000_000,
		MaxSkewPercent:  100,
		Sequence:        aseq,
		Timestamp:       t0,
	})
}

func createSpot(t *testing.T, c *core.Core, symbol string, aseq int64) {
	t.Helper()
	mustProcess(t, c, &command.CreateMarket{
		Ref:             ref("mkt-" + symbol),
		Caller:          opID,
		Symbol:          symbol,
		MarketType:      0,
		MaxLeverage:     1,
		MaxPositionSize: 1_000_000_000_000,
		MaxSkewPercent:  100,
		Sequence:        aseq,
		Timestamp:       t0,
	})
}

func pushPrice(t *testing.T, c *core.Core, feed string, price, pseq, ts int64) {
	t.Helper()
	mustProcess(t, c, &command.PriceUpdate{Feed: feed, Price: price, PriceSequence: pseq, Timestamp: ts})
}

func depositCmd(label string, trader uuid.UUID, amount, gseq int64) *command.Deposit {
	return &command.Deposit{DepositID: ref(label), Trader: trader, Amount: amount, Sequence: gseq, Timestamp: t0}
}

func limitOrder(label string, trader uuid.UUID, asset string, side command.Side, price, amount, aseq int64) *command.PlaceOrder {
	return &command.PlaceOrder{
		OrderRef:  ref(label),
		Trader:    trader,
		Asset:     asset,
		OrderSide: side,
		Kind:      command.OrderKindLimit,
		Price:     price,
		Amount:    amount,
		Sequence:  aseq,
		Timestamp: t0,
	}
}

// journalAmounts sums batch journal amounts per type.
func journalAmounts(batch *ledger.Batch) map[ledger.JournalType]int64 {
	sums := make(map[ledger.JournalType]int64)
	if batch == nil {
		return sums
	}
	for _, j := range batch.Journals {
		sums[j.JournalType] += j.Amount
	}
	return sums
}

// ==========================================================================
// Pipeline basics
// ==========================================================================

func TestProcessCommand_NilCommand(t *testing.T) {
	c, _, _ := newTestCore(t)
	if err := c.ProcessCommand(nil); !errors.Is(err, core.ErrNilCommand) {
		t.Fatalf("nil command: got %v, want ErrNilCommand", err)
	}
}

func TestDeposit_EnvelopeAndJournals(t *testing.T) {
	c, persist, _ := newTestCore(t)

	cmd := depositCmd("dep-1", aliceID, 50_000_000, 0)
	mustProcess(t, c, cmd)

	outs := drainOutputs(persist)
	if len(outs) != 1 {
		t.Fatalf("outputs: got %d, want 1", len(outs))
	}
	env := outs[0].Envelope

	if env.Sequence != 1 {
		t.Errorf("sequence: got %d, want 1", env.Sequence)
	}
	if env.CommandType != command.TypeDeposit {
		t.Errorf("command type: got %v, want TypeDeposit", env.CommandType)
	}
	if env.IdempotencyKey != cmd.IdempotencyKey() {
		t.Errorf("idempotency key: got %q, want %q", env.IdempotencyKey, cmd.IdempotencyKey())
	}
	if env.SourceSequence != 0 {
		t.Errorf("source sequence: got %d, want 0", env.SourceSequence)
	}
	if env.Asset != "" {
		t.Errorf("asset: got %q, want empty", env.Asset)
	}
	if env.Timestamp != t0 {
		t.Errorf("timestamp: got %d, want %d", env.Timestamp, t0)
	}
	if len(env.Payload) == 0 {
		t.Error("payload should carry the marshaled command")
	}

	genesis := sha256.Sum256([]byte(core.GenesisHashSeed))
	if env.PrevHash != genesis {
		t.Error("first envelope must chain from the genesis hash")
	}
	if env.StateHash == env.PrevHash {
		t.Error("state hash must advance past the genesis hash")
	}
	if got := c.GetStateHash(); got != env.StateHash {
		t.Error("core chain tip must match the last emitted envelope")
	}

	batch := outs[0].Batch
	if batch == nil {
		t.Fatal("deposit must carry a ledger batch")
	}
	if len(batch.Journals) != 1 {
		t.Fatalf("journals: got %d, want 1", len(batch.Journals))
	}
	j := batch.Journals[0]
	if j.JournalType != ledger.JournalTypeDeposit {
		t.Errorf("journal type: got %v, want deposit", j.JournalType)
	}
	if j.Amount != 50_000_000 {
		t.Errorf("journal amount: got %d, want 50000000", j.Amount)
	}
	wantDebit := ledger.NewTraderAccountKey(aliceID, ledger.SubTypeAvailable, ledger.SettlementCurrency)
	if j.DebitAccount != wantDebit {
		t.Errorf("debit account: got %s, want %s", j.DebitAccount.AccountPath(), wantDebit.AccountPath())
	}
	wantCredit := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.SettlementCurrency)
	if j.CreditAccount != wantCredit {
		t.Errorf("credit account: got %s, want %s", j.CreditAccount.AccountPath(), wantCredit.AccountPath())
	}
}

func TestWithdraw_InsufficientAvailable(t *testing.T) {
	c, persist, _ := newTestCore(t)

	err := c.ProcessCommand(&command.Withdraw{
		WithdrawalID: ref("wd-1"), Trader: aliceID, Amount: 10_000_000, Sequence: 0, Timestamp: t0,
	})
	if !errors.Is(err, ledger.ErrInsufficientAvailable) {
		t.Fatalf("withdraw from empty account: got %v, want ErrInsufficientAvailable", err)
	}
	if outs := drainOutputs(persist); len(outs) != 0 {
		t.Fatalf("rejected command emitted %d outputs", len(outs))
	}
}

func TestDuplicateCommand_Ignored(t *testing.T) {
	c, persist, _ := newTestCore(t)

	mustProcess(t, c, depositCmd("dep-1", aliceID, 10_000_000, 0))
	if outs := drainOutputs(persist); len(outs) != 1 {
		t.Fatalf("first apply: got %d outputs, want 1", len(outs))
	}

	// Redelivery of the same command: same key, same source sequence.
	if err := c.ProcessCommand(depositCmd("dep-1", aliceID, 10_000_000, 0)); err != nil {
		t.Fatalf("duplicate must be dropped without error, got %v", err)
	}
	if outs := drainOutputs(persist); len(outs) != 0 {
		t.Fatalf("duplicate emitted %d outputs", len(outs))
	}

	// State unchanged: the full balance is still withdrawable exactly once.
	mustProcess(t, c, &command.Withdraw{
		WithdrawalID: ref("wd-1"), Trader: aliceID, Amount: 10_000_000, Sequence: 1, Timestamp: t0,
	})
}

func TestSequenceGap_RejectedUntilClosed(t *testing.T) {
	c, persist, _ := newTestCore(t)

	mustProcess(t, c, depositCmd("d1", aliceID, 1_000_000, 0))

	if err := c.ProcessCommand(depositCmd("d2", aliceID, 1_000_000, 2)); err == nil {
		t.Fatal("gap (expected 1, got 2) must be rejected")
	}
	drainOutputs(persist)

	mustProcess(t, c, depositCmd("d2", aliceID, 1_000_000, 1))
	mustProcess(t, c, depositCmd("d3", aliceID, 1_000_000, 2))

	if outs := drainOutputs(persist); len(outs) != 2 {
		t.Fatalf("after closing the gap: got %d outputs, want 2", len(outs))
	}
}

func TestOutOfOrder_NewKeyRejected(t *testing.T) {
	c, _, _ := newTestCore(t)

	mustProcess(t, c, depositCmd("d1", aliceID, 1_000_000, 0))

	// A never-seen command arriving below the expected sequence is not a
	// replay; it must fail loudly.
	if err := c.ProcessCommand(depositCmd("d-other", aliceID, 1_000_000, 0)); err == nil {
		t.Fatal("out-of-order new command must be rejected")
	}
}

func TestStalePrice_DroppedSilently(t *testing.T) {
	c, persist, _ := newTestCore(t)

	pushPrice(t, c, "SOL-USD", 50_00000000, 5, t0)
	if outs := drainOutputs(persist); len(outs) != 1 {
		t.Fatalf("fresh price: got %d outputs, want 1", len(outs))
	}

	// Below the last accepted feed sequence: dropped, no error, no output.
	if err := c.ProcessCommand(&command.PriceUpdate{Feed: "SOL-USD", Price: 49_00000000, PriceSequence: 3, Timestamp: t0 + 1}); err != nil {
		t.Fatalf("stale price must be dropped silently, got %v", err)
	}
	if outs := drainOutputs(persist); len(outs) != 0 {
		t.Fatalf("stale price emitted %d outputs", len(outs))
	}

	// Feed gaps are tolerated; only regressions are dropped.
	pushPrice(t, c, "SOL-USD", 51_00000000, 9, t0+2)
	outs := drainOutputs(persist)
	if len(outs) != 1 {
		t.Fatalf("gapped price: got %d outputs, want 1", len(outs))
	}
	if outs[0].Envelope.CommandType != command.TypePriceUpdate {
		t.Errorf("command type: got %v, want TypePriceUpdate", outs[0].Envelope.CommandType)
	}
}

// ==========================================================================
// Order book flow
// ==========================================================================

func TestSpotOrders_MatchThenCancel(t *testing.T) {
	c, persist, _ := newTestCore(t)

	registerAsset(t, c, "ETH-SPOT", "ETH-USD", 0)
	createSpot(t, c, "ETH-SPOT", 0)
	drainOutputs(persist)

	mustProcess(t, c, limitOrder("ord-1", bobID, "ETH-SPOT", command.SideSell, 2000_00000000, 5_000_000, 1))
	out := lastOutput(t, persist)
	if len(out.Trades) != 0 {
		t.Fatalf("resting sell produced %d trades", len(out.Trades))
	}
	if len(out.Orders) != 1 || out.Orders[0].ID != 1 || out.Orders[0].Status != book.OrderStatusOpen {
		t.Fatalf("resting sell order: got %+v, want id 1 open", out.Orders)
	}

	mustProcess(t, c, limitOrder("ord-2", aliceID, "ETH-SPOT", command.SideBuy, 2000_00000000, 5_000_000, 2))
	out = lastOutput(t, persist)
	if len(out.Trades) != 1 {
		t.Fatalf("crossing buy: got %d trades, want 1", len(out.Trades))
	}
	tr := out.Trades[0]
	if tr.Price != 2000_00000000 || tr.Amount != 5_000_000 {
		t.Errorf("trade: got price %d amount %d, want 200000000000/5000000", tr.Price, tr.Amount)
	}
	if tr.Buyer != aliceID || tr.Seller != bobID {
		t.Errorf("trade parties: got buyer %s seller %s", tr.Buyer, tr.Seller)
	}
	if tr.MakerOrderID != 1 {
		t.Errorf("maker order: got %d, want 1", tr.MakerOrderID)
	}
	if len(out.Orders) != 1 || out.Orders[0].Status != book.OrderStatusFilled {
		t.Fatalf("taker order snapshot: got %+v, want filled", out.Orders)
	}

	// Filled orders are terminal.
	err := c.ProcessCommand(&command.CancelOrder{
		CancelRef: ref("cx-1"), Trader: aliceID, Asset: "ETH-SPOT", OrderID: 2, Sequence: 3, Timestamp: t0,
	})
	if !errors.Is(err, book.ErrOrderNotOpen) {
		t.Fatalf("cancel filled order: got %v, want ErrOrderNotOpen", err)
	}

	mustProcess(t, c, limitOrder("ord-3", bobID, "ETH-SPOT", command.SideSell, 2100_00000000, 3_000_000, 4))
	drainOutputs(persist)

	mustProcess(t, c, &command.CancelOrder{
		CancelRef: ref("cx-2"), Trader: bobID, Asset: "ETH-SPOT", OrderID: 3, Sequence: 5, Timestamp: t0,
	})
	out = lastOutput(t, persist)
	if len(out.Orders) != 1 || out.Orders[0].Status != book.OrderStatusCancelled {
		t.Fatalf("cancelled order snapshot: got %+v, want cancelled", out.Orders)
	}

	err = c.ProcessCommand(&command.CancelOrder{
		CancelRef: ref("cx-3"), Trader: bobID, Asset: "ETH-SPOT", OrderID: 3, Sequence: 6, Timestamp: t0,
	})
	if !errors.Is(err, book.ErrOrderNotOpen) {
		t.Fatalf("double cancel: got %v, want ErrOrderNotOpen", err)
	}

	err = c.ProcessCommand(&command.CancelOrder{
		CancelRef: ref("cx-4"), Trader: aliceID, Asset: "ETH-SPOT", OrderID: 99, Sequence: 7, Timestamp: t0,
	})
	if !errors.Is(err, book.ErrOrderNotFound) {
		t.Fatalf("cancel unknown order: got %v, want ErrOrderNotFound", err)
	}
}

func TestStopLoss_FiresOnPriceUpdate(t *testing.T) {
	c, persist, _ := newTestCore(t)

	registerAsset(t, c, "ETH-PERP", "ETH-USD", 0)
	createPerp(t, c, "ETH-PERP", 0)
	pushPrice(t, c, "ETH-USD", 100_00000000, 1, t0)

	// Resting bid to absorb the triggered sell.
	mustProcess(t, c, limitOrder("ord-1", bobID, "ETH-PERP", command.SideBuy, 94_00000000, 5_000_000, 1))

	mustProcess(t, c, &command.PlaceOrder{
		OrderRef: ref("stop-1"), Trader: aliceID, Asset: "ETH-PERP",
		OrderSide: command.SideSell, Kind: command.OrderKindStopLoss,
		TriggerPrice: 95_00000000, Amount: 5_000_000,
		Sequence: 2, Timestamp: t0,
	})
	drainOutputs(persist)

	// Dormant orders ignore prices above the trigger.
	pushPrice(t, c, "ETH-USD", 96_00000000, 2, t0+5)
	if out := lastOutput(t, persist); len(out.Trades) != 0 {
		t.Fatalf("price above trigger fired %d trades", len(out.Trades))
	}

	pushPrice(t, c, "ETH-USD", 94_00000000, 3, t0+10)
	out := lastOutput(t, persist)
	if len(out.Trades) != 1 {
		t.Fatalf("trigger fire: got %d trades, want 1", len(out.Trades))
	}
	if out.Trades[0].Price != 94_00000000 || out.Trades[0].Amount != 5_000_000 {
		t.Errorf("triggered trade: got price %d amount %d", out.Trades[0].Price, out.Trades[0].Amount)
	}
	if len(out.Orders) != 1 || out.Orders[0].ID != 2 || out.Orders[0].Status != book.OrderStatusFilled {
		t.Fatalf("triggered order snapshot: got %+v, want id 2 filled", out.Orders)
	}
}

// ==========================================================================
// Perpetual lifecycle
// ==========================================================================

func TestPerpLifecycle_LiquidationSolvent(t *testing.T) {
	c, persist, _ := newTestCore(t)

	registerAsset(t, c, "BTC-PERP", "BTC-USD", 0)
	createPerp(t, c, "BTC-PERP", 0)
	pushPrice(t, c, "BTC-USD", 100_00000000, 1, t0)
	mustProcess(t, c, depositCmd("dep-a", aliceID, 200_000_000, 1))

	mustProcess(t, c, &command.OpenPosition{
		ActionRef: ref("open-1"), Trader: aliceID, Asset: "BTC-PERP",
		IsLong: true, Margin: 100_000_000, Leverage: 10,
		Sequence: 1, Timestamp: t0,
	})
	out := lastOutput(t, persist)
	if got := journalAmounts(out.Batch)[ledger.JournalTypeMarginLock]; got != 100_000_000 {
		t.Fatalf("margin lock: got %d, want 100000000", got)
	}

	// 7% drawdown on 10x leaves a 30% margin ratio, below the full
	// liquidation threshold.
	pushPrice(t, c, "BTC-USD", 93_00000000, 2, t0+60)
	out = lastOutput(t, persist)
	if len(out.LiquidationsDue) != 1 {
		t.Fatalf("liquidations due: got %d, want 1", len(out.LiquidationsDue))
	}
	due := out.LiquidationsDue[0]
	if due.PositionID != 1 || due.Partial {
		t.Fatalf("candidate: got %+v, want position 1 full", due)
	}
	if due.Market != "BTC-USD" {
		t.Errorf("candidate market: got %q, want BTC-USD", due.Market)
	}
	if due.Ratio != 30 {
		t.Errorf("candidate ratio: got %d, want 30", due.Ratio)
	}

	mustProcess(t, c, &command.Liquidate{
		LiquidationID: ref("liq-1"), Liquidator: keeperID, Asset: "BTC-PERP",
		PositionID: 1, Sequence: 2, Timestamp: t0 + 120,
	})
	outs := drainOutputs(persist)
	if len(outs) != 1 {
		t.Fatalf("solvent liquidation: got %d outputs, want 1", len(outs))
	}
	sums := journalAmounts(outs[0].Batch)
	// 5% penalty on the 1000 size splits 3% to the liquidator, 2% to the fund.
	if got := sums[ledger.JournalTypeInsuranceContribution]; got != 20_000_000 {
		t.Errorf("penalty remainder to insurance: got %d, want 20000000", got)
	}
	if got := sums[ledger.JournalTypeLiquidatorReward]; got != 30_000_000 {
		t.Errorf("liquidator reward: got %d, want 30000000", got)
	}
	if got := sums[ledger.JournalTypeGasStipend]; got != 2_000_000 {
		t.Errorf("gas stipend: got %d, want 2000000", got)
	}
	if _, covered := sums[ledger.JournalTypeInsuranceCoverage]; covered {
		t.Error("solvent close must not draw insurance coverage")
	}
	if outs[0].Envelope.Asset != "BTC-PERP" {
		t.Errorf("envelope asset: got %q, want BTC-PERP", outs[0].Envelope.Asset)
	}

	// Trader equity after: 200 deposit - 70 loss - 50 penalty = 80.
	err := c.ProcessCommand(&command.Withdraw{
		WithdrawalID: ref("wd-over"), Trader: aliceID, Amount: 80_000_001, Sequence: 2, Timestamp: t0 + 180,
	})
	if !errors.Is(err, ledger.ErrInsufficientAvailable) {
		t.Fatalf("over-withdraw: got %v, want ErrInsufficientAvailable", err)
	}
	mustProcess(t, c, &command.Withdraw{
		WithdrawalID: ref("wd-exact"), Trader: aliceID, Amount: 80_000_000, Sequence: 3, Timestamp: t0 + 180,
	})
	err = c.ProcessCommand(&command.Withdraw{
		WithdrawalID: ref("wd-empty"), Trader: aliceID, Amount: 1, Sequence: 4, Timestamp: t0 + 180,
	})
	if !errors.Is(err, ledger.ErrInsufficientAvailable) {
		t.Fatalf("withdraw from drained account: got %v, want ErrInsufficientAvailable", err)
	}

	// Keeper earned reward plus stipend.
	mustProcess(t, c, &command.Withdraw{
		WithdrawalID: ref("wd-keeper"), Trader: keeperID, Amount: 32_000_000, Sequence: 5, Timestamp: t0 + 180,
	})

	if err := c.ProcessCommand(&command.Liquidate{
		LiquidationID: ref("liq-2"), Liquidator: keeperID, Asset: "BTC-PERP",
		PositionID: 1, Sequence: 3, Timestamp: t0 + 900,
	}); err == nil {
		t.Fatal("liquidating a closed position must fail")
	}
}

func TestFundingTick_DueAndNotDue(t *testing.T) {
	c, persist, _ := newTestCore(t)

	registerAsset(t, c, "BTC-PERP", "BTC-USD", 0)
	createPerp(t, c, "BTC-PERP", 0)
	drainOutputs(persist)

	// Tracked from market creation; the first interval has not elapsed.
	mustProcess(t, c, &command.FundingTick{Sequence: 1, Timestamp: t0 + 100})
	outs := drainOutputs(persist)
	if len(outs) != 1 {
		t.Fatalf("early tick: got %d outputs, want 1", len(outs))
	}
	if len(outs[0].FundingUpdates) != 0 {
		t.Fatalf("early tick committed %d updates", len(outs[0].FundingUpdates))
	}
	if outs[0].Envelope.CommandType != command.TypeFundingTick {
		t.Errorf("command type: got %v, want TypeFundingTick", outs[0].Envelope.CommandType)
	}

	mustProcess(t, c, &command.FundingTick{Sequence: 2, Timestamp: t0 + 28_800})
	outs = drainOutputs(persist)
	if len(outs) != 1 {
		t.Fatalf("due tick: got %d outputs, want 1", len(outs))
	}
	if len(outs[0].FundingUpdates) != 1 {
		t.Fatalf("due tick: got %d updates, want 1", len(outs[0].FundingUpdates))
	}
	up := outs[0].FundingUpdates[0]
	if up.Asset != "BTC-PERP" {
		t.Errorf("update asset: got %q, want BTC-PERP", up.Asset)
	}
	// Balanced (empty) open interest leaves only the interest rate term.
	if want := funding.DefaultConfig().InterestRate; up.Rate != want {
		t.Errorf("flat-book rate: got %d, want %d", up.Rate, want)
	}
}

// ==========================================================================
// Determinism, snapshots, backpressure
// ==========================================================================

func TestHashChain_Deterministic(t *testing.T) {
	run := func() ([][32]byte, [32]byte) {
		c, persist, _ := newTestCore(t)

		registerAsset(t, c, "BTC-PERP", "BTC-USD", 0)
		createPerp(t, c, "BTC-PERP", 0)
		pushPrice(t, c, "BTC-USD", 100_00000000, 1, t0)
		mustProcess(t, c, depositCmd("dep-a", aliceID, 200_000_000, 1))
		mustProcess(t, c, &command.OpenPosition{
			ActionRef: ref("open-1"), Trader: aliceID, Asset: "BTC-PERP",
			IsLong: true, Margin: 100_000_000, Leverage: 10,
			Sequence: 1, Timestamp: t0,
		})
		pushPrice(t, c, "BTC-USD", 98_00000000, 2, t0+60)
		mustProcess(t, c, &command.FundingTick{Sequence: 2, Timestamp: t0 + 28_800})
		pushPrice(t, c, "BTC-USD", 99_00000000, 3, t0+28_810)
		mustProcess(t, c, &command.ClosePosition{
			ActionRef: ref("close-1"), Trader: aliceID, Asset: "BTC-PERP",
			PositionID: 1, Sequence: 2, Timestamp: t0 + 28_820,
		})

		var hashes [][32]byte
		for _, o := range drainOutputs(persist) {
			hashes = append(hashes, o.Envelope.StateHash)
		}
		return hashes, c.GetStateHash()
	}

	h1, tip1 := run()
	h2, tip2 := run()

	if len(h1) == 0 || len(h1) != len(h2) {
		t.Fatalf("hash counts differ: %d vs %d", len(h1), len(h2))
	}
	for i := range h1 {
		if h1[i] != h2[i] {
			t.Fatalf("hash %d diverged between identical runs", i)
		}
	}
	if tip1 != tip2 {
		t.Fatal("final chain tips diverged between identical runs")
	}
}

func TestSnapshotRestore_ResumesChain(t *testing.T) {
	a, persistA, _ := newTestCore(t)

	registerAsset(t, a, "BTC-PERP", "BTC-USD", 0)
	createPerp(t, a, "BTC-PERP", 0)
	pushPrice(t, a, "BTC-USD", 100_00000000, 1, t0)
	mustProcess(t, a, depositCmd("dep-a", aliceID, 100_000_000, 1))
	mustProcess(t, a, &command.OpenPosition{
		ActionRef: ref("open-1"), Trader: aliceID, Asset: "BTC-PERP",
		IsLong: true, Margin: 50_000_000, Leverage: 2,
		Sequence: 1, Timestamp: t0,
	})
	drainOutputs(persistA)

	snap := a.CreateSnapshotState()

	b, persistB, _ := newTestCore(t)
	if err := b.RestoreFromSnapshot(&snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if b.GetSequence() != a.GetSequence() {
		t.Fatalf("sequence after restore: got %d, want %d", b.GetSequence(), a.GetSequence())
	}
	if b.GetStateHash() != a.GetStateHash() {
		t.Fatal("chain tip after restore must match the source core")
	}

	// Both cores apply the same next command and stay in lockstep.
	mustProcess(t, a, depositCmd("dep-b", bobID, 25_000_000, 2))
	mustProcess(t, b, depositCmd("dep-b", bobID, 25_000_000, 2))
	outA := lastOutput(t, persistA)
	outB := lastOutput(t, persistB)
	if outA.Envelope.StateHash != outB.Envelope.StateHash {
		t.Fatal("restored core diverged on the next command")
	}

	// Replay of a pre-snapshot command is recognized as a duplicate.
	if err := b.ProcessCommand(depositCmd("dep-a", aliceID, 100_000_000, 1)); err != nil {
		t.Fatalf("pre-snapshot replay: got %v, want nil", err)
	}
	if outs := drainOutputs(persistB); len(outs) != 0 {
		t.Fatalf("pre-snapshot replay emitted %d outputs", len(outs))
	}

	// Restored books and positions accept further commands.
	mustProcess(t, a, &command.ClosePosition{
		ActionRef: ref("close-1"), Trader: aliceID, Asset: "BTC-PERP",
		PositionID: 1, Sequence: 2, Timestamp: t0 + 60,
	})
	mustProcess(t, b, &command.ClosePosition{
		ActionRef: ref("close-1"), Trader: aliceID, Asset: "BTC-PERP",
		PositionID: 1, Sequence: 2, Timestamp: t0 + 60,
	})
	if a.GetStateHash() != b.GetStateHash() {
		t.Fatal("chain tips diverged after post-restore commands")
	}
}

func TestReplayCommand_AppliesWithoutEmitting(t *testing.T) {
	replayed, persistCh, projCh := newTestCore(t)
	if err := replayed.ReplayCommand(depositCmd("dep-1", aliceID, 1_000_000, 0)); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n := len(drainOutputs(persistCh)) + len(drainOutputs(projCh)); n != 0 {
		t.Fatalf("replay emitted %d outputs", n)
	}

	// Replay advances state exactly as live processing would have.
	live, liveCh, _ := newTestCore(t)
	mustProcess(t, live, depositCmd("dep-1", aliceID, 1_000_000, 0))
	if len(drainOutputs(liveCh)) == 0 {
		t.Fatal("live processing emitted nothing")
	}
	if replayed.GetStateHash() != live.GetStateHash() {
		t.Fatal("replayed chain tip differs from live processing")
	}
	if replayed.GetSequence() != live.GetSequence() {
		t.Fatalf("replayed sequence: got %d, want %d", replayed.GetSequence(), live.GetSequence())
	}

	// The core leaves replay mode: the next live command emits again.
	mustProcess(t, replayed, depositCmd("dep-2", aliceID, 500_000, 1))
	out := lastOutput(t, persistCh)
	if out.Envelope.Sequence != 2 {
		t.Fatalf("post-replay sequence: got %d, want 2", out.Envelope.Sequence)
	}
}

// alwaysDuplicate stands in for the event-log lookup, which by definition
// contains every command a recovery replays.
type alwaysDuplicate struct{}

func (alwaysDuplicate) IsDuplicate(string, string) (bool, error) { return true, nil }

func TestReplayCommand_SkipsColdTierLookup(t *testing.T) {
	persistChan := make(chan core.Output, 16)
	c, err := core.NewCore(core.Options{
		Oracle:      oracle.Config{MaxAgeSeconds: 3600},
		Funding:     funding.DefaultConfig(),
		Liquidation: liquidation.DefaultConfig(),
		Operators:   []uuid.UUID{opID},
		Liquidators: []uuid.UUID{keeperID},
		DB:          alwaysDuplicate{},
		PersistChan: persistChan,
	})
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}

	if err := c.ReplayCommand(depositCmd("dep-1", aliceID, 1_000_000, 0)); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := c.GetSequence(); got != 2 {
		t.Fatalf("replay was swallowed by the cold tier: sequence %d, want 2", got)
	}

	// Live traffic still defers to the cold tier.
	if err := c.ProcessCommand(depositCmd("dep-2", aliceID, 500_000, 1)); err != nil {
		t.Fatalf("live duplicate: %v", err)
	}
	if got := c.GetSequence(); got != 2 {
		t.Fatalf("cold-tier duplicate applied: sequence %d, want 2", got)
	}
	if outs := drainOutputs(persistChan); len(outs) != 0 {
		t.Fatalf("cold-tier duplicate emitted %d outputs", len(outs))
	}
}

func TestProjectionChannel_DropsWhenFull(t *testing.T) {
	c, persist, project := newTestCoreWith(t, 8, 1)

	ids := []string{"d1", "d2", "d3", "d4", "d5"}
	for i, id := range ids {
		mustProcess(t, c, depositCmd(id, aliceID, 1_000_000, int64(i)))
	}

	if outs := drainOutputs(persist); len(outs) != 5 {
		t.Fatalf("persist outputs: got %d, want 5", len(outs))
	}
	// Projections are best effort: overflow is dropped, never blocks.
	if outs := drainOutputs(project); len(outs) != 1 {
		t.Fatalf("projection outputs: got %d, want 1", len(outs))
	}
}

// ==========================================================================
// Authorization and market status
// ==========================================================================

func TestAdminCommands_RequireOperator(t *testing.T) {
	c, _, _ := newTestCore(t)

	err := c.ProcessCommand(&command.CreateMarket{
		Ref: ref("mkt-x"), Caller: bobID, Symbol: "ETH-PERP", MarketType: 1,
		MaxLeverage: 20, MaxPositionSize: 1_000_000_000_000, MaxSkewPercent: 100,
		Sequence: 0, Timestamp: t0,
	})
	if !errors.Is(err, auth.ErrNotAllowed) {
		t.Fatalf("stranger create market: got %v, want ErrNotAllowed", err)
	}

	err = c.ProcessCommand(&command.SeedInsurance{
		TransferID: ref("seed-1"), Caller: bobID, Amount: 1_000_000, Sequence: 0, Timestamp: t0,
	})
	if !errors.Is(err, auth.ErrNotAllowed) {
		t.Fatalf("stranger seed insurance: got %v, want ErrNotAllowed", err)
	}

	err = c.ProcessCommand(&command.GrantRole{
		Ref: ref("grant-x"), Caller: bobID, Account: bobID, Roles: 4, Sequence: 1, Timestamp: t0,
	})
	if !errors.Is(err, auth.ErrNotAllowed) {
		t.Fatalf("stranger grant role: got %v, want ErrNotAllowed", err)
	}

	registerAsset(t, c, "ETH-PERP", "ETH-USD", 2)
	mustProcess(t, c, &command.GrantRole{
		Ref: ref("grant-bob"), Caller: opID, Account: bobID, Roles: 4, Sequence: 3, Timestamp: t0,
	})

	// Freshly granted operator can list markets.
	mustProcess(t, c, &command.CreateMarket{
		Ref: ref("mkt-y"), Caller: bobID, Symbol: "ETH-PERP", MarketType: 1,
		MaxLeverage: 20, MaxPositionSize: 1_000_000_000_000, MinOrderMargin: 1_000_000, MaxSkewPercent: 100,
		Sequence: 1, Timestamp: t0,
	})

	mustProcess(t, c, &command.RevokeRole{
		Ref: ref("revoke-bob"), Caller: opID, Account: bobID, Roles: 4, Sequence: 4, Timestamp: t0,
	})
	err = c.ProcessCommand(&command.SetMarketStatus{
		Ref: ref("pause-x"), Caller: bobID, Symbol: "ETH-PERP", Status: 2, Sequence: 2, Timestamp: t0,
	})
	if !errors.Is(err, auth.ErrNotAllowed) {
		t.Fatalf("revoked operator: got %v, want ErrNotAllowed", err)
	}
}

func TestMarketStatus_GatesOrders(t *testing.T) {
	c, persist, _ := newTestCore(t)

	registerAsset(t, c, "ETH-PERP", "ETH-USD", 0)
	createPerp(t, c, "ETH-PERP", 0)

	mustProcess(t, c, limitOrder("ord-1", bobID, "ETH-PERP", command.SideSell, 2000_00000000, 5_000_000, 1))
	drainOutputs(persist)

	mustProcess(t, c, &command.SetMarketStatus{
		Ref: ref("pause"), Caller: opID, Symbol: "ETH-PERP", Status: 2, Sequence: 2, Timestamp: t0,
	})
	err := c.ProcessCommand(limitOrder("ord-2", aliceID, "ETH-PERP", command.SideBuy, 2000_00000000, 5_000_000, 3))
	if !errors.Is(err, market.ErrMarketPaused) {
		t.Fatalf("order on paused market: got %v, want ErrMarketPaused", err)
	}

	// Cancels stay allowed while paused so traders can always leave.
	mustProcess(t, c, &command.CancelOrder{
		CancelRef: ref("cx-1"), Trader: bobID, Asset: "ETH-PERP", OrderID: 1, Sequence: 4, Timestamp: t0,
	})

	mustProcess(t, c, &command.SetMarketStatus{
		Ref: ref("restrict"), Caller: opID, Symbol: "ETH-PERP", Status: 1, Sequence: 5, Timestamp: t0,
	})
	err = c.ProcessCommand(limitOrder("ord-3", aliceID, "ETH-PERP", command.SideBuy, 2000_00000000, 5_000_000, 6))
	if !errors.Is(err, market.ErrMarketReduceOnly) {
		t.Fatalf("order on restricted market: got %v, want ErrMarketReduceOnly", err)
	}

	mustProcess(t, c, &command.SetMarketStatus{
		Ref: ref("resume"), Caller: opID, Symbol: "ETH-PERP", Status: 0, Sequence: 7, Timestamp: t0,
	})
	mustProcess(t, c, limitOrder("ord-4", aliceID, "ETH-PERP", command.SideBuy, 2000_00000000, 5_000_000, 8))
}
