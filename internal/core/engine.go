// Package core hosts the deterministic command processor. A single
// goroutine owns all venue state and applies commands one at a time:
// idempotency check, source-sequence validation, dispatch to the domain
// engines, state digest and hash-chain update, then emission to the
// persistence and projection channels. Everything the core touches is
// single-writer; no locks are taken on the hot path.
package core

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"PerpVenue/internal/auth"
	"PerpVenue/internal/book"
	"PerpVenue/internal/collateral"
	"PerpVenue/internal/command"
	"PerpVenue/internal/crossmargin"
	"PerpVenue/internal/fees"
	"PerpVenue/internal/funding"
	"PerpVenue/internal/insurance"
	"PerpVenue/internal/ledger"
	"PerpVenue/internal/liquidation"
	"PerpVenue/internal/market"
	"PerpVenue/internal/observability"
	"PerpVenue/internal/oracle"
	"PerpVenue/internal/registry"
)

var (
	ErrNilCommand        = errors.New("nil command")
	ErrUnknownCommand    = errors.New("unknown command type")
	ErrInvalidRole       = errors.New("invalid role bits")
	ErrInvalidStatus     = errors.New("invalid market status")
	ErrInvalidMarketType = errors.New("invalid market type")
	ErrInvalidSide       = errors.New("invalid order side")
	ErrInvalidKind       = errors.New("invalid order kind")
)

// defaultInvariantInterval is how often (in applied commands) the core
// re-proves global zero-sum over the whole ledger.
const defaultInvariantInterval = 1000

// Output is one committed envelope plus the side data downstream stages
// need: the ledger batch for the journal writer, trades, orders, positions
// and funding updates for projections, and distressed positions for the
// keeper publisher.
// Commands that move money in several steps produce one Output per batch,
// each with its own sequence; the extras ride on the first.
type Output struct {
	Envelope        *command.Envelope
	Batch           *ledger.Batch
	Trades          []book.Trade
	Orders          []book.Order
	Positions       []market.Position
	FundingUpdates  []funding.Update
	LiquidationsDue []liquidation.Candidate
}

// Options configures a Core. Zero values get safe defaults where one
// exists; the component configs are validated by their owners.
type Options struct {
	StartSequence int64

	Oracle      oracle.Config
	Funding     funding.Config
	Liquidation liquidation.Config

	FeeDefaults    fees.Schedule
	FeeTiers       []fees.Tier
	InsuranceFloor int64

	// Operators and Liquidators are granted their roles at construction,
	// before any command is processed. Everything else is bootstrapped
	// through GrantRole commands issued by an operator.
	Operators   []uuid.UUID
	Liquidators []uuid.UUID

	IdempotencyCapacity int
	InvariantInterval   int64

	DB      DBIdempotencyChecker
	Metrics *observability.Metrics

	PersistChan    chan<- Output
	ProjectionChan chan<- Output
}

// Core is the single-threaded command processor.
type Core struct {
	sequence int64

	registry   *registry.Registry
	prices     *oracle.Cache
	books      *book.Manager
	funding    *funding.Manager
	collateral *collateral.Manager
	insurance  *insurance.Fund
	fees       *fees.Manager
	margin     *crossmargin.Manager
	authz      *auth.Registry
	markets    *market.Engine
	liquidator *liquidation.Engine

	hasher      *StateHasher
	idempotency *IdempotencyChecker
	sequences   *SequenceValidator

	persistChan    chan<- Output
	projectionChan chan<- Output

	metrics *observability.Metrics

	invariantEvery int64
	replaying      bool
}

func NewCore(opts Options) (*Core, error) {
	if opts.StartSequence <= 0 {
		opts.StartSequence = 1
	}
	if opts.InvariantInterval <= 0 {
		opts.InvariantInterval = defaultInvariantInterval
	}

	reg := registry.New()
	prices := oracle.NewCache(opts.Oracle)
	fundingMgr := funding.NewManager(opts.Funding)
	col := collateral.NewManager(ledger.SettlementCurrency)
	fund := insurance.NewFund(col, opts.InsuranceFloor)
	feeMgr := fees.NewManager(opts.FeeDefaults, opts.FeeTiers)
	margin := crossmargin.NewManager()

	authz := auth.NewRegistry(auth.ActionTrade)
	for _, op := range opts.Operators {
		authz.Grant(op, auth.RoleOperator)
	}
	for _, lq := range opts.Liquidators {
		authz.Grant(lq, auth.RoleLiquidator)
	}

	books := book.NewManager(reg)
	markets := market.NewEngine(market.Deps{
		Registry:   reg,
		Prices:     prices,
		Funding:    fundingMgr,
		Collateral: col,
		Insurance:  fund,
		Fees:       feeMgr,
		Margin:     margin,
		Auth:       authz,
	})

	liquidator, err := liquidation.NewEngine(opts.Liquidation, markets, col, fund, authz)
	if err != nil {
		return nil, err
	}

	return &Core{
		sequence:       opts.StartSequence,
		registry:       reg,
		prices:         prices,
		books:          books,
		funding:        fundingMgr,
		collateral:     col,
		insurance:      fund,
		fees:           feeMgr,
		margin:         margin,
		authz:          authz,
		markets:        markets,
		liquidator:     liquidator,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(opts.IdempotencyCapacity, opts.DB),
		sequences:      NewSequenceValidator(),
		persistChan:    opts.PersistChan,
		projectionChan: opts.ProjectionChan,
		metrics:        opts.Metrics,
		invariantEvery: opts.InvariantInterval,
	}, nil
}

// dispatched collects what a handler produced: the ledger batches in apply
// order, trades and funding updates for projections, touched position ids
// for the state digest, and liquidation candidates surfaced by the scan.
type dispatched struct {
	batches   []*ledger.Batch
	trades    []book.Trade
	orders    []book.Order
	positions []int64
	funding   []funding.Update
	due       []liquidation.Candidate
}

// ProcessCommand runs the full pipeline for one command. On success the
// command's effects are applied, hashed into the chain, and emitted; on
// error nothing was emitted and the command stays unmarked so a redelivery
// is validated again.
func (c *Core) ProcessCommand(cmd command.Command) error {
	if cmd == nil {
		return ErrNilCommand
	}
	start := time.Now()
	typeName := cmd.CommandType().String()
	key := cmd.IdempotencyKey()

	// Replay skips the cold tier: the event log holds every command being
	// replayed, so it would flag them all. The LRU still catches the extra
	// rows a multi-batch command writes, one per envelope.
	var isDuplicate bool
	if c.replaying {
		isDuplicate = c.idempotency.IsDuplicateInMemory(typeName, key)
	} else {
		isDuplicate = c.idempotency.IsDuplicate(typeName, key)
	}

	// Price feeds tolerate gaps and drop stale sequences; every other
	// partition is strictly ordered.
	accepted := true
	if pu, ok := cmd.(*command.PriceUpdate); ok {
		accepted = c.sequences.ValidatePriceSequence(pu.Feed, pu.PriceSequence)
	} else {
		if err := c.sequences.ValidateSequence(partitionFor(cmd), cmd.SourceSequence(), key, isDuplicate); err != nil {
			c.countRejected(typeName, "sequence")
			return err
		}
	}

	if isDuplicate {
		c.countRejected(typeName, "duplicate")
		return nil
	}

	if !accepted {
		// Stale feed data. Drop without error so the source keeps flowing.
		c.idempotency.MarkProcessed(typeName, key)
		if c.metrics != nil {
			if pu, ok := cmd.(*command.PriceUpdate); ok {
				c.metrics.StalePriceDropped.WithLabelValues(pu.Feed).Inc()
			}
		}
		return nil
	}

	res, err := c.dispatch(cmd)
	if err != nil {
		c.countRejected(typeName, "validation")
		return err
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command %s: %w", typeName, err)
	}

	var outputs []Output
	if len(res.batches) == 0 {
		digest := c.computeStateDigest(nil, res.positions)
		outputs = append(outputs, Output{
			Envelope:        c.nextEnvelope(cmd, payload, digest),
			Trades:          res.trades,
			Orders:          res.orders,
			Positions:       c.positionCopies(res.positions...),
			FundingUpdates:  res.funding,
			LiquidationsDue: res.due,
		})
	} else {
		for i, batch := range res.batches {
			var posIDs []int64
			if i == 0 {
				posIDs = res.positions
			}
			out := Output{
				Envelope: c.nextEnvelope(cmd, payload, c.computeStateDigest(batch, posIDs)),
				Batch:    batch,
			}
			if i == 0 {
				out.Trades = res.trades
				out.Orders = res.orders
				out.Positions = c.positionCopies(res.positions...)
				out.FundingUpdates = res.funding
				out.LiquidationsDue = res.due
			}
			outputs = append(outputs, out)
		}
	}

	if err := c.postCheckInvariants(); err != nil {
		return err
	}

	c.emitOutputs(outputs)
	c.idempotency.MarkProcessed(typeName, key)

	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(typeName).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(typeName).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence - 1))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.Len()))
		c.metrics.InsuranceFundBalance.Set(float64(c.collateral.InsuranceBalance()))
		var journals int
		for _, out := range outputs {
			if out.Batch != nil {
				journals += len(out.Batch.Journals)
			}
		}
		if journals > 0 {
			c.metrics.CoreJournals.Add(float64(journals))
		}
	}

	return nil
}

func (c *Core) countRejected(typeName, reason string) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(typeName, reason).Inc()
	}
}

// partitionFor maps a command to its ordering partition. Asset-scoped
// commands order within their asset; everything else shares "global".
func partitionFor(cmd command.Command) string {
	if asset := cmd.AssetSymbol(); asset != "" {
		return "asset:" + asset
	}
	return "global"
}

// nextEnvelope assigns the next global sequence, folds the digest into the
// hash chain, and stamps the envelope with the chain tip before and after.
func (c *Core) nextEnvelope(cmd command.Command, payload []byte, digest []byte) *command.Envelope {
	seq := c.sequence
	c.sequence++

	prev := c.hasher.GetPrevHash()
	start := time.Now()
	hash := c.hasher.ComputeHash(seq, digest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(start).Seconds())
	}

	return &command.Envelope{
		Sequence:       seq,
		IdempotencyKey: cmd.IdempotencyKey(),
		CommandType:    cmd.CommandType(),
		Asset:          cmd.AssetSymbol(),
		Timestamp:      cmd.UnixTime(),
		SourceSequence: cmd.SourceSequence(),
		Payload:        payload,
		StateHash:      hash,
		PrevHash:       prev,
	}
}

// computeStateDigest builds the canonical byte string hashed into the
// chain: every account the batch touched, sorted by path, as
// len(path)||path||balance, followed by the canonical bytes of every
// touched position in id order.
func (c *Core) computeStateDigest(batch *ledger.Batch, positionIDs []int64) []byte {
	var digest []byte

	if batch != nil {
		seen := make(map[string]ledger.AccountKey, len(batch.Journals)*2)
		paths := make([]string, 0, len(batch.Journals)*2)
		for _, j := range batch.Journals {
			for _, acct := range [2]ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
				path := acct.AccountPath()
				if _, dup := seen[path]; !dup {
					seen[path] = acct
					paths = append(paths, path)
				}
			}
		}
		sort.Strings(paths)

		tracker := c.collateral.Tracker()
		for _, path := range paths {
			digest = appendInt64LE(digest, int64(len(path)))
			digest = append(digest, path...)
			digest = appendInt64LE(digest, tracker.GetBalance(seen[path]))
		}
	}

	if len(positionIDs) > 0 {
		ids := append([]int64(nil), positionIDs...)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		var last int64 = -1
		for _, id := range ids {
			if id == last {
				continue
			}
			last = id
			p, err := c.markets.GetPosition(id)
			if err != nil {
				continue
			}
			digest = append(digest, p.CanonicalBytes()...)
		}
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

// postCheckInvariants re-proves global zero-sum periodically. A violation
// is unrecoverable by definition; the caller is expected to fail stop.
func (c *Core) postCheckInvariants() error {
	applied := c.sequence - 1
	if c.invariantEvery <= 0 || applied%c.invariantEvery != 0 {
		return nil
	}
	if err := c.collateral.ValidateZeroSum(); err != nil {
		return fmt.Errorf("invariant check at sequence %d: %w", applied, err)
	}
	return nil
}

// emitOutputs sends to the persist channel with blocking semantics (the
// event log must not lose anything) and to the projection channel with
// drop semantics (read models tolerate gaps and catch up from Postgres).
func (c *Core) emitOutputs(outputs []Output) {
	if c.replaying {
		return
	}
	for _, out := range outputs {
		if c.persistChan != nil {
			select {
			case c.persistChan <- out:
			default:
				if c.metrics != nil {
					c.metrics.PersistBackpressure.Inc()
				}
				c.persistChan <- out
			}
		}
		if c.projectionChan != nil {
			select {
			case c.projectionChan <- out:
			default:
				if c.metrics != nil {
					c.metrics.ProjectionDrops.Inc()
				}
			}
		}
	}
}

// ==========================================================================
// Dispatch
// ==========================================================================

func (c *Core) dispatch(cmd command.Command) (dispatched, error) {
	switch v := cmd.(type) {
	case *command.Deposit:
		return c.handleDeposit(v)
	case *command.Withdraw:
		return c.handleWithdraw(v)
	case *command.SeedInsurance:
		return c.handleSeedInsurance(v)
	case *command.PlaceOrder:
		return c.handlePlaceOrder(v)
	case *command.CancelOrder:
		return c.handleCancelOrder(v)
	case *command.OpenPosition:
		return c.handleOpenPosition(v)
	case *command.IncreasePosition:
		return c.handleIncreasePosition(v)
	case *command.DecreasePosition:
		return c.handleDecreasePosition(v)
	case *command.ClosePosition:
		return c.handleClosePosition(v)
	case *command.AddPositionOrder:
		return c.handleAddPositionOrder(v)
	case *command.CancelPositionOrder:
		return c.handleCancelPositionOrder(v)
	case *command.PriceUpdate:
		return c.handlePriceUpdate(v)
	case *command.FundingTick:
		return c.handleFundingTick(v)
	case *command.Liquidate:
		return c.handleLiquidate(v)
	case *command.RegisterAsset:
		return c.handleRegisterAsset(v)
	case *command.CreateMarket:
		return c.handleCreateMarket(v)
	case *command.SetMarketStatus:
		return c.handleSetMarketStatus(v)
	case *command.UpdateRiskParams:
		return c.handleUpdateRiskParams(v)
	case *command.SetFeeSchedule:
		return c.handleSetFeeSchedule(v)
	case *command.GrantRole:
		return c.handleGrantRole(v)
	case *command.RevokeRole:
		return c.handleRevokeRole(v)
	default:
		return dispatched{}, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

// ==========================================================================
// Collateral
// ==========================================================================

func (c *Core) handleDeposit(cmd *command.Deposit) (dispatched, error) {
	batch, err := c.collateral.Deposit(cmd.Trader, cmd.IdempotencyKey(), cmd.Amount, cmd.Timestamp)
	if err != nil {
		return dispatched{}, err
	}
	return dispatched{batches: []*ledger.Batch{batch}}, nil
}

func (c *Core) handleWithdraw(cmd *command.Withdraw) (dispatched, error) {
	batch, err := c.collateral.Withdraw(cmd.Trader, cmd.IdempotencyKey(), cmd.Amount, cmd.Timestamp)
	if err != nil {
		return dispatched{}, err
	}
	return dispatched{batches: []*ledger.Batch{batch}}, nil
}

func (c *Core) handleSeedInsurance(cmd *command.SeedInsurance) (dispatched, error) {
	if !c.authz.Allowed(cmd.Caller, auth.ActionOperate) {
		return dispatched{}, fmt.Errorf("%w: seed insurance", auth.ErrNotAllowed)
	}
	batch, err := c.insurance.Seed(cmd.IdempotencyKey(), cmd.Amount, cmd.Timestamp)
	if err != nil {
		return dispatched{}, err
	}
	return dispatched{batches: []*ledger.Batch{batch}}, nil
}

// ==========================================================================
// Order book
// ==========================================================================

func (c *Core) handlePlaceOrder(cmd *command.PlaceOrder) (dispatched, error) {
	info, err := c.markets.GetMarket(cmd.Asset)
	if err != nil {
		return dispatched{}, err
	}
	switch info.Status {
	case market.StatusPaused:
		return dispatched{}, fmt.Errorf("%w: %s", market.ErrMarketPaused, cmd.Asset)
	case market.StatusRestricted:
		return dispatched{}, fmt.Errorf("%w: %s", market.ErrMarketReduceOnly, cmd.Asset)
	}

	side, err := bookSide(cmd.OrderSide)
	if err != nil {
		return dispatched{}, err
	}

	var pr book.PlaceResult
	switch cmd.Kind {
	case command.OrderKindLimit:
		pr, err = c.books.PlaceLimitOrder(cmd.Trader, cmd.Asset, side, cmd.Price, cmd.Amount, cmd.Timestamp)
	case command.OrderKindMarket:
		pr, err = c.books.PlaceMarketOrder(cmd.Trader, cmd.Asset, side, cmd.Amount, cmd.Timestamp)
	case command.OrderKindStopLoss:
		pr, err = c.books.PlaceStopLossOrder(cmd.Trader, cmd.Asset, side, cmd.TriggerPrice, cmd.Amount, cmd.Timestamp)
	case command.OrderKindTakeProfit:
		pr, err = c.books.PlaceTakeProfitOrder(cmd.Trader, cmd.Asset, side, cmd.TriggerPrice, cmd.Amount, cmd.Timestamp)
	default:
		return dispatched{}, fmt.Errorf("%w: %d", ErrInvalidKind, cmd.Kind)
	}
	if err != nil {
		return dispatched{}, err
	}

	c.recordTradeVolume(pr.Trades)

	if c.metrics != nil {
		c.metrics.OrdersPlaced.WithLabelValues(cmd.Asset, cmd.Kind.String()).Inc()
		if len(pr.Trades) > 0 {
			c.metrics.TradesMatched.WithLabelValues(cmd.Asset).Add(float64(len(pr.Trades)))
		}
	}

	return dispatched{trades: pr.Trades, orders: c.orderCopies(cmd.Asset, pr.OrderID)}, nil
}

func (c *Core) handleCancelOrder(cmd *command.CancelOrder) (dispatched, error) {
	if err := c.books.CancelOrder(cmd.Trader, cmd.Asset, cmd.OrderID); err != nil {
		return dispatched{}, err
	}
	if c.metrics != nil {
		c.metrics.OrdersCancelled.WithLabelValues(cmd.Asset).Inc()
	}
	return dispatched{orders: c.orderCopies(cmd.Asset, cmd.OrderID)}, nil
}

// orderCopies snapshots orders after the book has applied a command, so
// downstream consumers see assigned ids and final statuses.
func (c *Core) orderCopies(asset string, ids ...int64) []book.Order {
	var out []book.Order
	for _, id := range ids {
		o, err := c.books.GetOrder(asset, id)
		if err != nil {
			continue
		}
		out = append(out, o)
	}
	return out
}

// positionCopies snapshots the positions a command touched, after the
// handler has applied its effects.
func (c *Core) positionCopies(ids ...int64) []market.Position {
	var out []market.Position
	for _, id := range ids {
		p, err := c.markets.GetPosition(id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

func bookSide(s command.Side) (book.Side, error) {
	switch s {
	case command.SideBuy:
		return book.SideBuy, nil
	case command.SideSell:
		return book.SideSell, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidSide, s)
	}
}

// recordTradeVolume feeds both sides of every fill into the fee-tier
// volume window. Trade amounts are already quote notional.
func (c *Core) recordTradeVolume(trades []book.Trade) {
	for _, t := range trades {
		c.fees.RecordVolume(t.Buyer, t.Amount, t.Timestamp)
		c.fees.RecordVolume(t.Seller, t.Amount, t.Timestamp)
	}
}

// ==========================================================================
// Positions
// ==========================================================================

func (c *Core) handleOpenPosition(cmd *command.OpenPosition) (dispatched, error) {
	res, err := c.markets.OpenPosition(cmd.Trader, cmd.Asset, cmd.IsLong, cmd.Margin, cmd.Leverage, cmd.IdempotencyKey(), cmd.Timestamp)
	if err != nil {
		return dispatched{}, err
	}
	c.setOpenInterestGauges(cmd.Asset)
	return dispatched{
		batches:   []*ledger.Batch{res.Batch},
		positions: []int64{res.PositionID},
	}, nil
}

func (c *Core) handleIncreasePosition(cmd *command.IncreasePosition) (dispatched, error) {
	res, err := c.markets.IncreasePosition(cmd.Trader, cmd.PositionID, cmd.Margin, cmd.IdempotencyKey(), cmd.Timestamp)
	if err != nil {
		return dispatched{}, err
	}
	c.setOpenInterestGauges(cmd.Asset)
	return dispatched{
		batches:   []*ledger.Batch{res.Batch},
		positions: []int64{res.PositionID},
	}, nil
}

func (c *Core) handleDecreasePosition(cmd *command.DecreasePosition) (dispatched, error) {
	res, err := c.markets.DecreasePosition(cmd.Trader, cmd.PositionID, cmd.Size, cmd.IdempotencyKey(), cmd.Timestamp)
	if err != nil {
		return dispatched{}, err
	}
	c.setOpenInterestGauges(cmd.Asset)
	return dispatched{
		batches:   decreaseBatches(res),
		positions: []int64{res.PositionID},
	}, nil
}

func (c *Core) handleClosePosition(cmd *command.ClosePosition) (dispatched, error) {
	res, err := c.markets.ClosePosition(cmd.Trader, cmd.PositionID, cmd.IdempotencyKey(), cmd.Timestamp)
	if err != nil {
		return dispatched{}, err
	}
	c.setOpenInterestGauges(cmd.Asset)
	return dispatched{
		batches:   decreaseBatches(res),
		positions: []int64{res.PositionID},
	}, nil
}

// decreaseBatches orders a decrease's ledger batches the way the engine
// applied them: the insurance cover, when present, precedes the unlock.
func decreaseBatches(res *market.DecreaseResult) []*ledger.Batch {
	var batches []*ledger.Batch
	if res.CoverBatch != nil {
		batches = append(batches, res.CoverBatch)
	}
	return append(batches, res.Batch)
}

func (c *Core) handleAddPositionOrder(cmd *command.AddPositionOrder) (dispatched, error) {
	_, err := c.markets.AddPositionOrder(cmd.Trader, cmd.PositionID, cmd.TriggerPrice, cmd.IsStopLoss, cmd.Timestamp)
	if err != nil {
		return dispatched{}, err
	}
	return dispatched{positions: []int64{cmd.PositionID}}, nil
}

func (c *Core) handleCancelPositionOrder(cmd *command.CancelPositionOrder) (dispatched, error) {
	if err := c.markets.CancelPositionOrder(cmd.Trader, cmd.PositionID, cmd.OrderIndex); err != nil {
		return dispatched{}, err
	}
	return dispatched{positions: []int64{cmd.PositionID}}, nil
}

func (c *Core) setOpenInterestGauges(symbol string) {
	if c.metrics == nil {
		return
	}
	info, err := c.markets.GetMarket(symbol)
	if err != nil {
		return
	}
	c.metrics.OpenInterest.WithLabelValues(symbol, "long").Set(float64(info.LongOpenInterest))
	c.metrics.OpenInterest.WithLabelValues(symbol, "short").Set(float64(info.ShortOpenInterest))
}

// ==========================================================================
// Prices, funding, liquidation
// ==========================================================================

// handlePriceUpdate commits the observation, then runs the post-price
// steps for every market on the feed: dormant book triggers, position
// stop/take-profit execution, and the distress scan. The post-steps are
// best effort; a paused market or missing mark never rolls back the price.
func (c *Core) handlePriceUpdate(cmd *command.PriceUpdate) (dispatched, error) {
	var res dispatched

	if err := c.prices.Update(cmd.Feed, cmd.Price, cmd.Timestamp, cmd.PriceSequence); err != nil {
		return res, err
	}
	if c.metrics != nil {
		c.metrics.MarkPrice.WithLabelValues(cmd.Feed).Set(float64(cmd.Price))
	}

	affected := c.symbolsForFeed(cmd.Feed)
	for _, symbol := range affected {
		if _, err := c.markets.GetMarket(symbol); err != nil {
			continue
		}

		fired, trades := c.books.ProcessTriggerOrders(symbol, cmd.Price)
		if len(fired) > 0 {
			res.orders = append(res.orders, c.orderCopies(symbol, fired...)...)
		}
		if len(trades) > 0 {
			c.recordTradeVolume(trades)
			res.trades = append(res.trades, trades...)
			if c.metrics != nil {
				c.metrics.TriggersFired.WithLabelValues(symbol).Add(float64(len(trades)))
			}
		}

		results, err := c.markets.ExecuteTriggeredOrders(symbol, cmd.IdempotencyKey()+":tp", cmd.Timestamp)
		if err != nil {
			continue
		}
		for _, r := range results {
			res.batches = append(res.batches, decreaseBatches(r)...)
			res.positions = append(res.positions, r.PositionID)
		}
		if len(results) > 0 {
			c.setOpenInterestGauges(symbol)
		}
	}

	if len(affected) > 0 {
		inSet := make(map[string]bool, len(affected))
		for _, s := range affected {
			inSet[s] = true
		}
		for _, cand := range c.liquidator.Scan(cmd.Timestamp) {
			if !inSet[cand.Market] {
				continue
			}
			res.due = append(res.due, cand)
			if c.metrics != nil {
				c.metrics.LiquidationsDue.WithLabelValues(cand.Market).Inc()
			}
		}
	}

	return res, nil
}

// symbolsForFeed returns the registered symbols priced by a feed, sorted
// so downstream iteration is deterministic.
func (c *Core) symbolsForFeed(feed string) []string {
	var symbols []string
	for _, asset := range c.registry.Snapshot() {
		if asset.FeedKey == feed {
			symbols = append(symbols, asset.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

func (c *Core) handleFundingTick(cmd *command.FundingTick) (dispatched, error) {
	var res dispatched

	assets := cmd.Assets
	if len(assets) == 0 {
		assets = c.funding.TrackedAssets()
	}

	for _, r := range c.funding.ProcessFundingRates(assets, cmd.Timestamp) {
		if r.Err != nil {
			reason := "error"
			switch {
			case errors.Is(r.Err, funding.ErrNotDue):
				reason = "not_due"
			case errors.Is(r.Err, oracle.ErrNoPrice):
				reason = "no_price"
			}
			if c.metrics != nil {
				c.metrics.FundingSkipped.WithLabelValues(r.Asset, reason).Inc()
			}
			continue
		}
		res.funding = append(res.funding, r.Update)
		if c.metrics != nil {
			c.metrics.FundingRateUpdates.WithLabelValues(r.Asset).Inc()
			c.metrics.FundingRate.WithLabelValues(r.Asset).Set(float64(r.Update.Rate))
		}
	}

	return res, nil
}

func (c *Core) handleLiquidate(cmd *command.Liquidate) (dispatched, error) {
	r, err := c.liquidator.LiquidatePosition(cmd.Liquidator, cmd.PositionID, cmd.IdempotencyKey(), cmd.Timestamp)
	if err != nil {
		return dispatched{}, err
	}

	var batches []*ledger.Batch
	if r.CoverBatch != nil {
		batches = append(batches, r.CoverBatch)
	}
	batches = append(batches, r.Batch)

	if c.metrics != nil {
		symbol := cmd.Asset
		if p, perr := c.markets.GetPosition(r.PositionID); perr == nil {
			symbol = p.Market
		}
		outcome := "full"
		if r.Partial {
			outcome = "partial"
		}
		c.metrics.LiquidationsExecuted.WithLabelValues(symbol, outcome).Inc()
		if r.Covered > 0 {
			c.metrics.LiquidationDeficit.WithLabelValues(symbol).Add(float64(r.Covered))
		}
		c.setOpenInterestGauges(symbol)
	}

	return dispatched{
		batches:   batches,
		positions: []int64{r.PositionID},
	}, nil
}

// ==========================================================================
// Administration
// ==========================================================================

func (c *Core) handleRegisterAsset(cmd *command.RegisterAsset) (dispatched, error) {
	if !c.authz.Allowed(cmd.Caller, auth.ActionOperate) {
		return dispatched{}, fmt.Errorf("%w: register asset", auth.ErrNotAllowed)
	}
	if _, err := c.registry.Register(cmd.Symbol, cmd.FeedKey, cmd.Decimals); err != nil {
		return dispatched{}, err
	}
	return dispatched{}, nil
}

func (c *Core) handleCreateMarket(cmd *command.CreateMarket) (dispatched, error) {
	mt, err := marketType(cmd.MarketType)
	if err != nil {
		return dispatched{}, err
	}
	risk := market.RiskParams{
		MaxLeverage:     cmd.MaxLeverage,
		MaxPositionSize: cmd.MaxPositionSize,
		MinOrderMargin:  cmd.MinOrderMargin,
		MaxSkewPercent:  cmd.MaxSkewPercent,
	}
	schedule := fees.Schedule{
		MakerBps:       cmd.MakerFeeBps,
		TakerBps:       cmd.TakerFeeBps,
		LiquidationBps: cmd.LiquidationFeeBps,
	}
	if err := c.markets.CreateMarket(cmd.Caller, cmd.Symbol, mt, risk, schedule, cmd.Timestamp); err != nil {
		return dispatched{}, err
	}
	return dispatched{}, nil
}

func (c *Core) handleSetMarketStatus(cmd *command.SetMarketStatus) (dispatched, error) {
	status, err := marketStatus(cmd.Status)
	if err != nil {
		return dispatched{}, err
	}
	if err := c.markets.SetMarketStatus(cmd.Caller, cmd.Symbol, status, cmd.Timestamp); err != nil {
		return dispatched{}, err
	}
	return dispatched{}, nil
}

func (c *Core) handleUpdateRiskParams(cmd *command.UpdateRiskParams) (dispatched, error) {
	risk := market.RiskParams{
		MaxLeverage:     cmd.MaxLeverage,
		MaxPositionSize: cmd.MaxPositionSize,
		MinOrderMargin:  cmd.MinOrderMargin,
		MaxSkewPercent:  cmd.MaxSkewPercent,
	}
	if err := c.markets.UpdateRiskParams(cmd.Caller, cmd.Symbol, risk, cmd.Timestamp); err != nil {
		return dispatched{}, err
	}
	return dispatched{}, nil
}

func (c *Core) handleSetFeeSchedule(cmd *command.SetFeeSchedule) (dispatched, error) {
	if !c.authz.Allowed(cmd.Caller, auth.ActionOperate) {
		return dispatched{}, fmt.Errorf("%w: set fee schedule", auth.ErrNotAllowed)
	}
	if _, err := c.markets.GetMarket(cmd.Symbol); err != nil {
		return dispatched{}, err
	}
	c.fees.SetMarketSchedule(cmd.Symbol, fees.Schedule{
		MakerBps:       cmd.MakerFeeBps,
		TakerBps:       cmd.TakerFeeBps,
		LiquidationBps: cmd.LiquidationFeeBps,
	})
	return dispatched{}, nil
}

func (c *Core) handleGrantRole(cmd *command.GrantRole) (dispatched, error) {
	if !c.authz.Allowed(cmd.Caller, auth.ActionOperate) {
		return dispatched{}, fmt.Errorf("%w: grant role", auth.ErrNotAllowed)
	}
	roles, err := roleBits(cmd.Roles)
	if err != nil {
		return dispatched{}, err
	}
	c.authz.Grant(cmd.Account, roles)
	return dispatched{}, nil
}

func (c *Core) handleRevokeRole(cmd *command.RevokeRole) (dispatched, error) {
	if !c.authz.Allowed(cmd.Caller, auth.ActionOperate) {
		return dispatched{}, fmt.Errorf("%w: revoke role", auth.ErrNotAllowed)
	}
	roles, err := roleBits(cmd.Roles)
	if err != nil {
		return dispatched{}, err
	}
	c.authz.Revoke(cmd.Account, roles)
	return dispatched{}, nil
}

func marketType(v int32) (market.MarketType, error) {
	switch v {
	case 0:
		return market.Spot, nil
	case 1:
		return market.Perpetual, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidMarketType, v)
	}
}

func marketStatus(v int32) (market.MarketStatus, error) {
	switch v {
	case 0:
		return market.StatusActive, nil
	case 1:
		return market.StatusRestricted, nil
	case 2:
		return market.StatusPaused, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidStatus, v)
	}
}

func roleBits(v int32) (auth.Role, error) {
	const mask = int32(auth.RoleTrader | auth.RoleLiquidator | auth.RoleOperator)
	if v == 0 || v&^mask != 0 {
		return 0, fmt.Errorf("%w: %#x", ErrInvalidRole, v)
	}
	return auth.Role(v), nil
}

// ==========================================================================
// Snapshot & recovery
// ==========================================================================

// SnapshotState is the full deterministic state at a sequence boundary.
// Everything a fresh Core needs to resume exactly where this one stopped.
type SnapshotState struct {
	Sequence  int64
	StateHash [32]byte

	Assets     []registry.Asset
	Feeds      map[string]oracle.FeedState
	Balances   collateral.Snapshot
	Markets    market.EngineSnapshot
	Books      book.ManagerSnapshot
	Funding    map[string]funding.State
	FeeVolumes map[uuid.UUID]fees.VolumeState
	Margin     []crossmargin.AccountSnapshot
	Grants     map[uuid.UUID]auth.Role
	Cooldowns  map[int64]int64

	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current state. Sequence is the last
// applied sequence; StateHash is the chain tip after it.
func (c *Core) CreateSnapshotState() SnapshotState {
	return SnapshotState{
		Sequence:  c.sequence - 1,
		StateHash: c.hasher.GetPrevHash(),

		Assets:     c.registry.Snapshot(),
		Feeds:      c.prices.Snapshot(),
		Balances:   c.collateral.Snapshot(),
		Markets:    c.markets.Snapshot(),
		Books:      c.books.Snapshot(),
		Funding:    c.funding.Snapshot(),
		FeeVolumes: c.fees.Snapshot(),
		Margin:     c.margin.Snapshot(),
		Grants:     c.authz.Grants(),
		Cooldowns:  c.liquidator.Cooldowns(),

		SequenceState:   c.sequences.Partitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}

// RestoreFromSnapshot replaces all state with the snapshot's and resumes
// the hash chain at its tip. The next applied command gets Sequence+1.
func (c *Core) RestoreFromSnapshot(snap *SnapshotState) error {
	c.registry.Restore(snap.Assets)
	c.prices.Restore(snap.Feeds)
	c.collateral.Restore(snap.Balances)
	c.markets.Restore(snap.Markets)
	if err := c.books.Restore(snap.Books); err != nil {
		return fmt.Errorf("restore books: %w", err)
	}
	c.funding.Restore(snap.Funding)
	c.fees.Restore(snap.FeeVolumes)
	c.margin.Restore(snap.Margin)
	c.authz.Restore(snap.Grants)
	c.liquidator.RestoreCooldowns(snap.Cooldowns)

	c.sequences.Restore(snap.SequenceState)
	c.idempotency.Warm(snap.IdempotencyKeys)

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	if err := c.collateral.ValidateZeroSum(); err != nil {
		return fmt.Errorf("snapshot fails zero-sum: %w", err)
	}
	return nil
}

// ReplayCommand reprocesses a command from the event log during recovery.
// State advances exactly as live processing did, but nothing is emitted:
// the event log, projections, and outbound stream already hold these
// events.
func (c *Core) ReplayCommand(cmd command.Command) error {
	c.replaying = true
	defer func() { c.replaying = false }()
	return c.ProcessCommand(cmd)
}

// WarmLRU preloads idempotency keys recovered from the event log.
func (c *Core) WarmLRU(keys []string) {
	c.idempotency.Warm(keys)
}

// GetSequence returns the next sequence the core will assign.
func (c *Core) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current hash-chain tip.
func (c *Core) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
