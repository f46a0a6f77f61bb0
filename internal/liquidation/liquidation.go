// Package liquidation evaluates margin health and executes forced closures.
// It owns the per-position cooldown table and the penalty economics; the
// position bookkeeping itself stays inside the market engine, reached only
// through its public surface.
package liquidation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"PerpVenue/internal/auth"
	"PerpVenue/internal/collateral"
	"PerpVenue/internal/fixedpoint"
	"PerpVenue/internal/insurance"
	"PerpVenue/internal/ledger"
	"PerpVenue/internal/market"
)

var (
	ErrInvalidConfig   = errors.New("invalid liquidation config")
	ErrCooldownActive  = errors.New("position is in liquidation cooldown")
	ErrNotLiquidatable = errors.New("position margin ratio above threshold")
)

// Config holds the liquidation thresholds and penalty split. Ratios and
// percents are plain integers; thresholds must order
// 0 < Liquidation < Partial < 100.
type Config struct {
	LiquidationThreshold int64 // ratio below this is a full liquidation
	PartialThreshold     int64 // ratio below this (but at or above full) is partial
	PartialFraction      int64 // percent of size removed by a partial
	PenaltyPercent       int64 // percent of liquidated notional charged to the trader
	RewardPercent        int64 // percent of liquidated notional paid to the liquidator
	GasStipend           int64 // flat per-liquidation compensation, paid by the fund
	CooldownSeconds      int64 // per-position delay between attempts
}

func DefaultConfig() Config {
	return Config{
		LiquidationThreshold: 40,
		PartialThreshold:     80,
		PartialFraction:      50,
		PenaltyPercent:       5,
		RewardPercent:        3,
		GasStipend:           2_000_000,
		CooldownSeconds:      600,
	}
}

func (c Config) validate() error {
	if c.LiquidationThreshold <= 0 || c.LiquidationThreshold >= c.PartialThreshold || c.PartialThreshold >= 100 {
		return fmt.Errorf("%w: thresholds %d/%d", ErrInvalidConfig, c.LiquidationThreshold, c.PartialThreshold)
	}
	if c.PartialFraction <= 0 || c.PartialFraction > 100 {
		return fmt.Errorf("%w: partial fraction %d", ErrInvalidConfig, c.PartialFraction)
	}
	if c.PenaltyPercent < 0 || c.RewardPercent < 0 || c.RewardPercent > c.PenaltyPercent {
		return fmt.Errorf("%w: penalty %d reward %d", ErrInvalidConfig, c.PenaltyPercent, c.RewardPercent)
	}
	if c.GasStipend < 0 || c.CooldownSeconds < 0 {
		return fmt.Errorf("%w: stipend %d cooldown %d", ErrInvalidConfig, c.GasStipend, c.CooldownSeconds)
	}
	return nil
}

// Decision is the outcome of a margin-health check. CooldownUntil is
// nonzero when the position cannot be attempted yet regardless of health.
type Decision struct {
	Should        bool
	Partial       bool
	Price         int64
	Ratio         int64
	CurrentMargin int64
	CooldownUntil int64
}

// Result reports an executed liquidation. Covered is the insurance draw
// that pre-funded a bankrupt trader; CoverBatch is nil when none was needed.
type Result struct {
	PositionID     int64
	Trader         uuid.UUID
	Liquidator     uuid.UUID
	Partial        bool
	ReducedSize    int64
	ReleasedMargin int64
	Price          int64
	PnL            int64
	Funding        int64
	Penalty        int64
	Reward         int64
	GasStipend     int64
	Covered        int64
	Closed         bool
	Batch          *ledger.Batch
	CoverBatch     *ledger.Batch
}

// Candidate is one scan hit: an open position whose health warrants action.
type Candidate struct {
	PositionID int64  `json:"position_id"`
	Market     string `json:"market"`
	Partial    bool   `json:"partial"`
	Ratio      int64  `json:"ratio"`
}

type Engine struct {
	mu         sync.Mutex
	cfg        Config
	market     *market.Engine
	collateral *collateral.Manager
	insurance  *insurance.Fund
	auth       *auth.Registry
	cooldowns  map[int64]int64 // position id → last attempt
}

func NewEngine(cfg Config, m *market.Engine, col *collateral.Manager, fund *insurance.Fund, authz *auth.Registry) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:        cfg,
		market:     m,
		collateral: col,
		insurance:  fund,
		auth:       authz,
		cooldowns:  make(map[int64]int64),
	}, nil
}

func (e *Engine) Config() Config { return e.cfg }

// CanLiquidate evaluates one position: current margin is the locked margin
// plus unrealized PnL and pending funding, floored at zero, and the ratio is
// current margin as a percent of locked margin. Strictly below the full
// threshold liquidates everything; strictly below the partial threshold
// removes the configured fraction; at or above it the position is healthy.
func (e *Engine) CanLiquidate(positionID, now int64) (Decision, error) {
	e.mu.Lock()
	last, attempted := e.cooldowns[positionID]
	e.mu.Unlock()

	d, err := e.evaluate(positionID, now)
	if err != nil {
		return Decision{}, err
	}
	if attempted && now < last+e.cfg.CooldownSeconds {
		d.CooldownUntil = last + e.cfg.CooldownSeconds
		d.Should = false
		d.Partial = false
	}
	return d, nil
}

func (e *Engine) evaluate(positionID, now int64) (Decision, error) {
	p, err := e.market.GetPosition(positionID)
	if err != nil {
		return Decision{}, err
	}
	if !p.IsOpen {
		return Decision{}, fmt.Errorf("%w: position %d", market.ErrPositionClosed, positionID)
	}

	// A full-size quote carries the mark price, unrealized PnL and the
	// whole pending funding in one read.
	quote, err := e.market.QuoteDecrease(positionID, p.Size, now)
	if err != nil {
		return Decision{}, err
	}

	currentMargin, ratio := fixedpoint.ComputeMarginRatio(p.Margin, quote.PnL+quote.Funding)

	d := Decision{
		Price:         quote.FillPrice,
		Ratio:         ratio,
		CurrentMargin: currentMargin,
	}
	switch {
	case ratio < e.cfg.LiquidationThreshold:
		d.Should = true
	case ratio < e.cfg.PartialThreshold:
		d.Should = true
		d.Partial = true
	}
	return d, nil
}

// LiquidatePosition re-checks health, settles the closure with the penalty
// split and applies the position mutation. The cooldown is stamped only
// after the whole step commits, so a failed call leaves no trace and a
// racing second liquidator fails on the cooldown or the closed position.
func (e *Engine) LiquidatePosition(liquidator uuid.UUID, positionID int64, ref string, now int64) (*Result, error) {
	if !e.auth.Allowed(liquidator, auth.ActionLiquidate) {
		return nil, fmt.Errorf("%w: liquidate", auth.ErrNotAllowed)
	}

	d, err := e.CanLiquidate(positionID, now)
	if err != nil {
		return nil, err
	}
	if d.CooldownUntil > now {
		return nil, fmt.Errorf("%w: position %d until %d", ErrCooldownActive, positionID, d.CooldownUntil)
	}
	if !d.Should {
		return nil, fmt.Errorf("%w: position %d ratio %d", ErrNotLiquidatable, positionID, d.Ratio)
	}

	p, err := e.market.GetPosition(positionID)
	if err != nil {
		return nil, err
	}

	reduceSize := p.Size
	if d.Partial {
		reduceSize = fixedpoint.ApplyPercent(p.Size, e.cfg.PartialFraction)
		// Dust positions round to nothing; take them out whole.
		if reduceSize <= 0 || reduceSize > p.Size {
			reduceSize = p.Size
		}
	}

	quote, err := e.market.QuoteDecrease(positionID, reduceSize, now)
	if err != nil {
		return nil, err
	}

	penalty := fixedpoint.ApplyPercent(reduceSize, e.cfg.PenaltyPercent)
	reward := fixedpoint.ApplyPercent(reduceSize, e.cfg.RewardPercent)
	stipend := e.cfg.GasStipend

	// A bankrupt trader is pre-funded by the insurance fund so the
	// settlement batch still balances and no account goes negative.
	var covered int64
	var coverBatch *ledger.Batch
	final := e.collateral.GetAvailableCollateral(p.Trader) + quote.ReleasedMargin + quote.Funding + quote.PnL - penalty
	if final < 0 {
		coverBatch, err = e.insurance.Cover(p.Trader, ref, -final, now)
		if err != nil {
			return nil, err
		}
		covered = -final
	}

	batch, err := e.collateral.SettleLiquidation(p.Trader, liquidator, ref, p.Market,
		quote.ReleasedMargin, quote.PnL, quote.Funding, penalty, reward, stipend, now)
	if err != nil {
		return nil, err
	}

	mut, err := e.market.ForceLiquidate(liquidator, positionID, reduceSize, now)
	if err != nil {
		// The ledger batch has already applied; under the single-writer
		// core the re-validation above makes this unreachable.
		return nil, fmt.Errorf("liquidation mutation failed after settlement: %w", err)
	}

	e.mu.Lock()
	if mut.Closed {
		delete(e.cooldowns, positionID)
	} else {
		e.cooldowns[positionID] = now
	}
	e.mu.Unlock()

	return &Result{
		PositionID:     positionID,
		Trader:         p.Trader,
		Liquidator:     liquidator,
		Partial:        d.Partial,
		ReducedSize:    reduceSize,
		ReleasedMargin: mut.ReleasedMargin,
		Price:          quote.FillPrice,
		PnL:            quote.PnL,
		Funding:        quote.Funding,
		Penalty:        penalty,
		Reward:         reward,
		GasStipend:     stipend,
		Covered:        covered,
		Closed:         mut.Closed,
		Batch:          batch,
		CoverBatch:     coverBatch,
	}, nil
}

// GetLiquidationPrice solves the price at which the position's margin ratio
// hits the full-liquidation threshold, ignoring pending funding. Longs
// liquidate below entry, shorts above.
func (e *Engine) GetLiquidationPrice(positionID int64) (int64, error) {
	p, err := e.market.GetPosition(positionID)
	if err != nil {
		return 0, err
	}
	if !p.IsOpen {
		return 0, fmt.Errorf("%w: position %d", market.ErrPositionClosed, positionID)
	}
	return fixedpoint.ComputeLiquidationPrice(p.IsLong, p.Entry, p.Leverage, e.cfg.LiquidationThreshold), nil
}

// Scan sweeps every open position and returns those due for liquidation,
// skipping positions whose price feed is unavailable and those in cooldown.
func (e *Engine) Scan(now int64) []Candidate {
	var out []Candidate
	for _, p := range e.market.OpenPositions() {
		d, err := e.CanLiquidate(p.ID, now)
		if err != nil || !d.Should {
			continue
		}
		out = append(out, Candidate{PositionID: p.ID, Market: p.Market, Partial: d.Partial, Ratio: d.Ratio})
	}
	return out
}

// Cooldowns copies the cooldown table for snapshots.
func (e *Engine) Cooldowns() map[int64]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int64]int64, len(e.cooldowns))
	for k, v := range e.cooldowns {
		out[k] = v
	}
	return out
}

// RestoreCooldowns replaces the cooldown table.
func (e *Engine) RestoreCooldowns(cooldowns map[int64]int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns = make(map[int64]int64, len(cooldowns))
	for k, v := range cooldowns {
		e.cooldowns[k] = v
	}
}
