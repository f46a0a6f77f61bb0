package market

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"PerpVenue/internal/auth"
	"PerpVenue/internal/collateral"
	"PerpVenue/internal/crossmargin"
	"PerpVenue/internal/fees"
	"PerpVenue/internal/fixedpoint"
	"PerpVenue/internal/funding"
	"PerpVenue/internal/insurance"
	"PerpVenue/internal/ledger"
	"PerpVenue/internal/oracle"
	"PerpVenue/internal/registry"
)

var (
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInvalidLeverage  = errors.New("leverage outside allowed range")
	ErrBelowMinimum     = errors.New("margin below market minimum")
	ErrPositionTooLarge = errors.New("position size exceeds market maximum")
	ErrSkewExceeded     = errors.New("open-interest skew limit exceeded")
	ErrReduceTooLarge   = errors.New("reduce size exceeds position size")
)

// Engine owns markets, the position arena and position orders. Every
// mutating operation validates first, then settles money through the
// collateral manager, and only then mutates engine state; the ledger batch
// is the only fallible step after validation, so a failed call leaves the
// arena and open interest untouched.
type Engine struct {
	mu      sync.RWMutex
	catalog *catalog
	arena   *arena
	orders  map[int64][]PositionOrder

	registry   *registry.Registry
	prices     *oracle.Cache
	funding    *funding.Manager
	collateral *collateral.Manager
	insurance  *insurance.Fund
	fees       *fees.Manager
	margin     *crossmargin.Manager
	auth       *auth.Registry
}

type Deps struct {
	Registry   *registry.Registry
	Prices     *oracle.Cache
	Funding    *funding.Manager
	Collateral *collateral.Manager
	Insurance  *insurance.Fund
	Fees       *fees.Manager
	Margin     *crossmargin.Manager
	Auth       *auth.Registry
}

func NewEngine(d Deps) *Engine {
	return &Engine{
		catalog:    newCatalog(),
		arena:      newArena(),
		orders:     make(map[int64][]PositionOrder),
		registry:   d.Registry,
		prices:     d.Prices,
		funding:    d.Funding,
		collateral: d.Collateral,
		insurance:  d.Insurance,
		fees:       d.Fees,
		margin:     d.Margin,
		auth:       d.Auth,
	}
}

// OpenResult reports a filled open, including the ledger batch that locked
// the margin and charged the fee.
type OpenResult struct {
	PositionID int64
	Trader     uuid.UUID
	Market     string
	IsLong     bool
	Size       int64
	Margin     int64
	Leverage   int64
	FillPrice  int64
	Fee        int64
	Batch      *ledger.Batch
}

// IncreaseResult reports an increase fill. Funding is the signed amount
// settled on the pre-increase size, positive when the trader received.
type IncreaseResult struct {
	PositionID  int64
	AddedSize   int64
	AddedMargin int64
	NewSize     int64
	NewMargin   int64
	NewEntry    int64
	FillPrice   int64
	Funding     int64
	Fee         int64
	Batch       *ledger.Batch
}

// DecreaseResult reports a decrease or close. Covered is the insurance
// contribution that backstopped a loss beyond the trader's balance; zero in
// the normal case, with CoverBatch nil.
type DecreaseResult struct {
	PositionID      int64
	ReducedSize     int64
	ReleasedMargin  int64
	RemainingSize   int64
	RemainingMargin int64
	FillPrice       int64
	PnL             int64
	Funding         int64
	Fee             int64
	Covered         int64
	Closed          bool
	Batch           *ledger.Batch
	CoverBatch      *ledger.Batch
}

// DecreaseQuote prices a reduction without touching state. The liquidation
// engine uses it to compute penalties before committing.
type DecreaseQuote struct {
	FillPrice      int64
	PnL            int64
	Funding        int64
	ReleasedMargin int64
	Full           bool
}

// LiquidationMutation reports the state change applied by ForceLiquidate.
type LiquidationMutation struct {
	PositionID      int64
	Trader          uuid.UUID
	Market          string
	IsLong          bool
	ReducedSize     int64
	ReleasedMargin  int64
	RemainingSize   int64
	RemainingMargin int64
	Closed          bool
}

// markPrice resolves the oracle price for a listed symbol, applying the
// staleness bound configured on the cache.
func (e *Engine) markPrice(symbol string, now int64) (int64, error) {
	asset, err := e.registry.Get(symbol)
	if err != nil {
		return 0, err
	}
	price, _, err := e.prices.GetPrice(asset.FeedKey, now)
	if err != nil {
		return 0, err
	}
	return price, nil
}

func checkTradeStatus(info *Info, riskReducing bool) error {
	switch info.Status {
	case StatusPaused:
		return fmt.Errorf("%w: %s", ErrMarketPaused, info.Symbol)
	case StatusRestricted:
		if !riskReducing {
			return fmt.Errorf("%w: %s", ErrMarketReduceOnly, info.Symbol)
		}
	}
	return nil
}

// prorataMargin is the margin released when reduceSize comes off a
// position. A full reduction releases everything so no dust is stranded.
func prorataMargin(p *Position, reduceSize int64) int64 {
	if reduceSize >= p.Size {
		return p.Margin
	}
	return fixedpoint.MulDiv(p.Margin, reduceSize, p.Size)
}

// pendingFunding is the signed funding owed on size units of a position
// since its pointer. Positive means the trader receives. Spot positions
// never accrue funding.
func (e *Engine) pendingFunding(info *Info, p *Position, size int64) (int64, error) {
	if info.Type != Perpetual {
		return 0, nil
	}
	return e.funding.GetPendingFundingPayment(p.Market, size, p.IsLong, p.FundingPointer)
}

// syncFunding pushes the market's open interest to the funding manager so
// the next premium index sees the post-trade book.
func (e *Engine) syncFunding(info *Info) {
	if info.Type != Perpetual {
		return
	}
	// Error only fires for untracked assets; perpetuals are tracked at listing.
	_ = e.funding.SetOpenInterest(info.Symbol, info.LongOpenInterest, info.ShortOpenInterest)
}

// OpenPosition opens a new position for the trader. Margin is the
// collateral to lock; the economic size is margin times leverage. Spot
// markets ignore the requested leverage and always run at 1.
func (e *Engine) OpenPosition(trader uuid.UUID, symbol string, isLong bool, marginAmount, leverage int64, ref string, now int64) (*OpenResult, error) {
	if !e.auth.Allowed(trader, auth.ActionTrade) {
		return nil, fmt.Errorf("%w: trade", auth.ErrNotAllowed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	info, err := e.catalog.get(symbol)
	if err != nil {
		return nil, err
	}
	if err := checkTradeStatus(info, false); err != nil {
		return nil, err
	}

	if marginAmount <= 0 {
		return nil, fmt.Errorf("%w: margin %d", ErrInvalidAmount, marginAmount)
	}
	if info.Type == Spot {
		leverage = 1
	} else if leverage < 1 || leverage > info.Risk.MaxLeverage {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidLeverage, leverage, info.Risk.MaxLeverage)
	}
	if marginAmount < info.Risk.MinOrderMargin {
		return nil, fmt.Errorf("%w: %d < %d", ErrBelowMinimum, marginAmount, info.Risk.MinOrderMargin)
	}

	size := marginAmount * leverage
	if size/leverage != marginAmount {
		return nil, fmt.Errorf("%w: margin %d at %dx", ErrPositionTooLarge, marginAmount, leverage)
	}
	if size > info.Risk.MaxPositionSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPositionTooLarge, size, info.Risk.MaxPositionSize)
	}
	if info.Type == Perpetual {
		if err := e.checkSkew(info, isLong, size); err != nil {
			return nil, err
		}
	}

	price, err := e.markPrice(symbol, now)
	if err != nil {
		return nil, err
	}
	fee, err := e.fees.CalculateFee(symbol, size, fees.FeeTypeTaker, trader)
	if err != nil {
		return nil, err
	}

	batch, err := e.collateral.LockCollateral(trader, ref, marginAmount, fee, now)
	if err != nil {
		return nil, err
	}

	var pointer int64
	if info.Type == Perpetual {
		pointer = e.funding.PeriodCount(symbol)
	}
	p := &Position{
		Trader:         trader,
		Market:         symbol,
		IsLong:         isLong,
		Size:           size,
		Margin:         marginAmount,
		Entry:          price,
		Leverage:       leverage,
		FundingPointer: pointer,
		IsOpen:         true,
		OpenedAt:       now,
		UpdatedAt:      now,
	}
	id := e.arena.append(p)

	info.adjustOpenInterest(isLong, size)
	info.recordVolume(size, now)
	e.syncFunding(info)

	e.margin.EnsureAccount(trader, now)
	// The id was assigned above and cannot collide, so tracking cannot fail.
	_ = e.margin.AddPosition(trader, id)
	e.fees.RecordVolume(trader, size, now)

	return &OpenResult{
		PositionID: id,
		Trader:     trader,
		Market:     symbol,
		IsLong:     isLong,
		Size:       size,
		Margin:     marginAmount,
		Leverage:   leverage,
		FillPrice:  price,
		Fee:        fee,
		Batch:      batch,
	}, nil
}

// checkSkew rejects a trade whose hypothetical post-trade open interest
// leaves the book more imbalanced than the market allows.
func (e *Engine) checkSkew(info *Info, isLong bool, addSize int64) error {
	long, short := info.LongOpenInterest, info.ShortOpenInterest
	if isLong {
		long += addSize
	} else {
		short += addSize
	}
	skew := fixedpoint.ComputeSkewPercent(long, short)
	if skew > info.Risk.MaxSkewPercent {
		return fmt.Errorf("%w: post-trade %d%% > %d%%", ErrSkewExceeded, skew, info.Risk.MaxSkewPercent)
	}
	return nil
}

// IncreasePosition adds margin to an open position at its original
// leverage. Funding accrued on the existing size settles first, then the
// entry price moves to the size-weighted average of old entry and fill.
func (e *Engine) IncreasePosition(trader uuid.UUID, positionID, addedMargin int64, ref string, now int64) (*IncreaseResult, error) {
	if !e.auth.Allowed(trader, auth.ActionTrade) {
		return nil, fmt.Errorf("%w: trade", auth.ErrNotAllowed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.arena.get(positionID)
	if err != nil {
		return nil, err
	}
	if p.Trader != trader {
		return nil, fmt.Errorf("%w: position %d", ErrNotPositionOwner, positionID)
	}
	if !p.IsOpen {
		return nil, fmt.Errorf("%w: position %d", ErrPositionClosed, positionID)
	}
	info, err := e.catalog.get(p.Market)
	if err != nil {
		return nil, err
	}
	if err := checkTradeStatus(info, false); err != nil {
		return nil, err
	}
	if addedMargin <= 0 {
		return nil, fmt.Errorf("%w: margin %d", ErrInvalidAmount, addedMargin)
	}

	addedSize := addedMargin * p.Leverage
	if addedSize/p.Leverage != addedMargin {
		return nil, fmt.Errorf("%w: margin %d at %dx", ErrPositionTooLarge, addedMargin, p.Leverage)
	}
	newSize := p.Size + addedSize
	if newSize > info.Risk.MaxPositionSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPositionTooLarge, newSize, info.Risk.MaxPositionSize)
	}
	if info.Type == Perpetual {
		if err := e.checkSkew(info, p.IsLong, addedSize); err != nil {
			return nil, err
		}
	}

	price, err := e.markPrice(p.Market, now)
	if err != nil {
		return nil, err
	}
	fundingOwed, err := e.pendingFunding(info, p, p.Size)
	if err != nil {
		return nil, err
	}
	fee, err := e.fees.CalculateFee(p.Market, addedSize, fees.FeeTypeTaker, trader)
	if err != nil {
		return nil, err
	}

	batch, err := e.collateral.LockAdditionalCollateral(trader, ref, p.Market, addedMargin, fee, fundingOwed, now)
	if err != nil {
		return nil, err
	}

	p.Entry = fixedpoint.ComputeEntryPrice(p.Size, p.Entry, addedSize, price)
	p.Size = newSize
	p.Margin += addedMargin
	if info.Type == Perpetual {
		p.FundingPointer = e.funding.PeriodCount(p.Market)
	}
	p.UpdatedAt = now

	info.adjustOpenInterest(p.IsLong, addedSize)
	info.recordVolume(addedSize, now)
	e.syncFunding(info)
	e.fees.RecordVolume(trader, addedSize, now)

	return &IncreaseResult{
		PositionID:  positionID,
		AddedSize:   addedSize,
		AddedMargin: addedMargin,
		NewSize:     p.Size,
		NewMargin:   p.Margin,
		NewEntry:    p.Entry,
		FillPrice:   price,
		Funding:     fundingOwed,
		Fee:         fee,
		Batch:       batch,
	}, nil
}

// DecreasePosition reduces an open position by reduceSize notional units,
// realizing PnL and funding for the removed slice and releasing margin
// pro rata. Entry price never moves on a decrease. Reducing the full size
// closes the position. Losses beyond the trader's balance draw on the
// insurance fund before settlement.
func (e *Engine) DecreasePosition(trader uuid.UUID, positionID, reduceSize int64, ref string, now int64) (*DecreaseResult, error) {
	if !e.auth.Allowed(trader, auth.ActionTrade) {
		return nil, fmt.Errorf("%w: trade", auth.ErrNotAllowed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decreaseLocked(trader, positionID, reduceSize, ref, now)
}

// ClosePosition fully decreases the position.
func (e *Engine) ClosePosition(trader uuid.UUID, positionID int64, ref string, now int64) (*DecreaseResult, error) {
	if !e.auth.Allowed(trader, auth.ActionTrade) {
		return nil, fmt.Errorf("%w: trade", auth.ErrNotAllowed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.arena.get(positionID)
	if err != nil {
		return nil, err
	}
	return e.decreaseLocked(trader, positionID, p.Size, ref, now)
}

func (e *Engine) decreaseLocked(trader uuid.UUID, positionID, reduceSize int64, ref string, now int64) (*DecreaseResult, error) {
	p, err := e.arena.get(positionID)
	if err != nil {
		return nil, err
	}
	if p.Trader != trader {
		return nil, fmt.Errorf("%w: position %d", ErrNotPositionOwner, positionID)
	}
	if !p.IsOpen {
		return nil, fmt.Errorf("%w: position %d", ErrPositionClosed, positionID)
	}
	info, err := e.catalog.get(p.Market)
	if err != nil {
		return nil, err
	}
	if err := checkTradeStatus(info, true); err != nil {
		return nil, err
	}
	if reduceSize <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidAmount, reduceSize)
	}
	if reduceSize > p.Size {
		return nil, fmt.Errorf("%w: %d > %d", ErrReduceTooLarge, reduceSize, p.Size)
	}

	price, err := e.markPrice(p.Market, now)
	if err != nil {
		return nil, err
	}
	pnl := fixedpoint.ComputePnL(p.IsLong, reduceSize, p.Entry, price)
	fundingOwed, err := e.pendingFunding(info, p, reduceSize)
	if err != nil {
		return nil, err
	}
	released := prorataMargin(p, reduceSize)
	fee, err := e.fees.CalculateFee(p.Market, reduceSize, fees.FeeTypeTaker, trader)
	if err != nil {
		return nil, err
	}

	// A loss larger than the trader's whole balance is covered by the
	// insurance fund so the settlement batch still balances.
	var covered int64
	var coverBatch *ledger.Batch
	if shortfall := e.settleShortfall(trader, released+fundingOwed+pnl-fee); shortfall > 0 {
		coverBatch, err = e.insurance.Cover(trader, ref, shortfall, now)
		if err != nil {
			return nil, err
		}
		covered = shortfall
	}

	batch, err := e.collateral.UnlockCollateral(trader, ref, p.Market, released, pnl, fee, fundingOwed, now)
	if err != nil {
		return nil, err
	}

	closed := reduceSize == p.Size
	p.Size -= reduceSize
	p.Margin -= released
	p.UpdatedAt = now
	if closed {
		p.IsOpen = false
		p.ClosedAt = now
		e.deactivateOrders(positionID)
		// Removal only fails for untracked ids; opens always register.
		_ = e.margin.RemovePosition(trader, positionID)
	}

	info.adjustOpenInterest(p.IsLong, -reduceSize)
	info.recordVolume(reduceSize, now)
	e.syncFunding(info)
	e.fees.RecordVolume(trader, reduceSize, now)

	return &DecreaseResult{
		PositionID:      positionID,
		ReducedSize:     reduceSize,
		ReleasedMargin:  released,
		RemainingSize:   p.Size,
		RemainingMargin: p.Margin,
		FillPrice:       price,
		PnL:             pnl,
		Funding:         fundingOwed,
		Fee:             fee,
		Covered:         covered,
		Closed:          closed,
		Batch:           batch,
		CoverBatch:      coverBatch,
	}, nil
}

// settleShortfall returns how much the trader's available balance would go
// negative if delta were applied, zero when it stays solvent.
func (e *Engine) settleShortfall(trader uuid.UUID, delta int64) int64 {
	final := e.collateral.GetAvailableCollateral(trader) + delta
	if final >= 0 {
		return 0
	}
	return -final
}

// QuoteDecrease prices a reduction of reduceSize without mutating state.
func (e *Engine) QuoteDecrease(positionID, reduceSize, now int64) (DecreaseQuote, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, err := e.arena.get(positionID)
	if err != nil {
		return DecreaseQuote{}, err
	}
	if !p.IsOpen {
		return DecreaseQuote{}, fmt.Errorf("%w: position %d", ErrPositionClosed, positionID)
	}
	if reduceSize <= 0 {
		return DecreaseQuote{}, fmt.Errorf("%w: size %d", ErrInvalidAmount, reduceSize)
	}
	if reduceSize > p.Size {
		return DecreaseQuote{}, fmt.Errorf("%w: %d > %d", ErrReduceTooLarge, reduceSize, p.Size)
	}
	info, err := e.catalog.get(p.Market)
	if err != nil {
		return DecreaseQuote{}, err
	}

	price, err := e.markPrice(p.Market, now)
	if err != nil {
		return DecreaseQuote{}, err
	}
	pnl := fixedpoint.ComputePnL(p.IsLong, reduceSize, p.Entry, price)
	fundingOwed, err := e.pendingFunding(info, p, reduceSize)
	if err != nil {
		return DecreaseQuote{}, err
	}

	return DecreaseQuote{
		FillPrice:      price,
		PnL:            pnl,
		Funding:        fundingOwed,
		ReleasedMargin: prorataMargin(p, reduceSize),
		Full:           reduceSize == p.Size,
	}, nil
}

// ForceLiquidate applies the position-side state change of a liquidation:
// size and margin come down, open interest and funding aggregates follow,
// and a fully reduced position closes. It moves no money; the liquidation
// engine settles the ledger before calling this, using QuoteDecrease
// numbers from the same state. Only callers holding the liquidate
// capability may invoke it.
func (e *Engine) ForceLiquidate(caller uuid.UUID, positionID, reduceSize, now int64) (*LiquidationMutation, error) {
	if !e.auth.Allowed(caller, auth.ActionLiquidate) {
		return nil, fmt.Errorf("%w: liquidate", auth.ErrNotAllowed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.arena.get(positionID)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen {
		return nil, fmt.Errorf("%w: position %d", ErrPositionClosed, positionID)
	}
	if reduceSize <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidAmount, reduceSize)
	}
	if reduceSize > p.Size {
		return nil, fmt.Errorf("%w: %d > %d", ErrReduceTooLarge, reduceSize, p.Size)
	}
	info, err := e.catalog.get(p.Market)
	if err != nil {
		return nil, err
	}

	released := prorataMargin(p, reduceSize)
	closed := reduceSize == p.Size

	p.Size -= reduceSize
	p.Margin -= released
	p.UpdatedAt = now
	if closed {
		p.IsOpen = false
		p.ClosedAt = now
		e.deactivateOrders(positionID)
		_ = e.margin.RemovePosition(p.Trader, positionID)
	}

	info.adjustOpenInterest(p.IsLong, -reduceSize)
	info.recordVolume(reduceSize, now)
	e.syncFunding(info)

	return &LiquidationMutation{
		PositionID:      positionID,
		Trader:          p.Trader,
		Market:          p.Market,
		IsLong:          p.IsLong,
		ReducedSize:     reduceSize,
		ReleasedMargin:  released,
		RemainingSize:   p.Size,
		RemainingMargin: p.Margin,
		Closed:          closed,
	}, nil
}

// UnrealizedPnL marks an open position against the current oracle price.
func (e *Engine) UnrealizedPnL(positionID, now int64) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, err := e.arena.get(positionID)
	if err != nil {
		return 0, err
	}
	if !p.IsOpen {
		return 0, fmt.Errorf("%w: position %d", ErrPositionClosed, positionID)
	}
	price, err := e.markPrice(p.Market, now)
	if err != nil {
		return 0, err
	}
	return fixedpoint.ComputePnL(p.IsLong, p.Size, p.Entry, price), nil
}

// PendingFunding returns the signed funding owed on the full position since
// its pointer. Positive means the trader receives at next settlement.
func (e *Engine) PendingFunding(positionID int64) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, err := e.arena.get(positionID)
	if err != nil {
		return 0, err
	}
	if !p.IsOpen {
		return 0, fmt.Errorf("%w: position %d", ErrPositionClosed, positionID)
	}
	info, err := e.catalog.get(p.Market)
	if err != nil {
		return 0, err
	}
	return e.pendingFunding(info, p, p.Size)
}

// NetExposure is the trader's signed open notional in a market, longs
// positive, derived from the arena.
func (e *Engine) NetExposure(trader uuid.UUID, symbol string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var net int64
	for _, p := range e.arena.positions {
		if p.IsOpen && p.Trader == trader && p.Market == symbol {
			net += p.sideSign() * p.Size
		}
	}
	return net
}
