// Package market holds the listed-market catalog and the position engine.
// Markets carry the per-symbol risk limits and open-interest counters;
// positions live in an append-only arena indexed by position id.
package market

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"PerpVenue/internal/auth"
	"PerpVenue/internal/fees"
	"PerpVenue/internal/fixedpoint"
)

var (
	ErrMarketNotFound    = errors.New("market not listed")
	ErrMarketExists      = errors.New("market already listed")
	ErrMarketPaused      = errors.New("market is paused")
	ErrMarketReduceOnly  = errors.New("market accepts only risk-reducing orders")
	ErrInvalidRiskParams = errors.New("invalid market risk parameters")
)

type MarketType uint8

const (
	Spot MarketType = iota
	Perpetual
)

func (t MarketType) String() string {
	switch t {
	case Spot:
		return "spot"
	case Perpetual:
		return "perpetual"
	default:
		return "unknown"
	}
}

// MarketStatus gates which operations a market accepts. Active allows
// everything, Restricted allows only risk-reducing flow (decrease, close,
// liquidation), Paused allows nothing.
type MarketStatus uint8

const (
	StatusActive MarketStatus = iota
	StatusRestricted
	StatusPaused
)

func (s MarketStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusRestricted:
		return "restricted"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// RiskParams are the per-market limits checked before any position mutation.
// Sizes and volumes are quote-scale notional. MinOrderMargin bounds the
// collateral amount of a single open, MaxPositionSize bounds the leveraged
// size of a single position, MaxSkewPercent bounds post-trade OI imbalance.
type RiskParams struct {
	MaxLeverage     int64
	MaxPositionSize int64
	MinOrderMargin  int64
	MaxSkewPercent  int64
}

func (p RiskParams) validate(mt MarketType) error {
	if p.MaxLeverage < 1 {
		return fmt.Errorf("%w: max leverage %d", ErrInvalidRiskParams, p.MaxLeverage)
	}
	if mt == Spot && p.MaxLeverage != 1 {
		return fmt.Errorf("%w: spot markets are unleveraged", ErrInvalidRiskParams)
	}
	if p.MaxPositionSize <= 0 {
		return fmt.Errorf("%w: max position size %d", ErrInvalidRiskParams, p.MaxPositionSize)
	}
	if p.MinOrderMargin < 0 {
		return fmt.Errorf("%w: min order margin %d", ErrInvalidRiskParams, p.MinOrderMargin)
	}
	if p.MaxSkewPercent < 0 || p.MaxSkewPercent > 100 {
		return fmt.Errorf("%w: max skew percent %d", ErrInvalidRiskParams, p.MaxSkewPercent)
	}
	return nil
}

// Info is the full per-market record. OI counters track the sum of open
// leveraged sizes per side and must always reconcile against the arena.
type Info struct {
	Symbol string
	Type   MarketType
	Status MarketStatus
	Risk   RiskParams

	LongOpenInterest  int64
	ShortOpenInterest int64

	TotalVolume    int64
	DailyVolume    int64
	DailyVolumeDay int64

	CreatedAt int64
	UpdatedAt int64
}

// SkewPercent is the current OI imbalance as integer percent.
func (i *Info) SkewPercent() int64 {
	return fixedpoint.ComputeSkewPercent(i.LongOpenInterest, i.ShortOpenInterest)
}

func (i *Info) recordVolume(notional, now int64) {
	day := now / 86_400
	if day != i.DailyVolumeDay {
		i.DailyVolume = 0
		i.DailyVolumeDay = day
	}
	i.TotalVolume += notional
	i.DailyVolume += notional
	i.UpdatedAt = now
}

func (i *Info) adjustOpenInterest(isLong bool, delta int64) {
	if isLong {
		i.LongOpenInterest += delta
	} else {
		i.ShortOpenInterest += delta
	}
}

// catalog is the symbol-keyed market table behind the engine. The engine's
// lock guards it; the catalog itself is not safe for concurrent use.
type catalog struct {
	markets map[string]*Info
}

func newCatalog() *catalog {
	return &catalog{markets: make(map[string]*Info)}
}

func (c *catalog) get(symbol string) (*Info, error) {
	info, ok := c.markets[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	return info, nil
}

func (c *catalog) add(info *Info) error {
	if _, ok := c.markets[info.Symbol]; ok {
		return fmt.Errorf("%w: %s", ErrMarketExists, info.Symbol)
	}
	c.markets[info.Symbol] = info
	return nil
}

// CreateMarket lists a new market. The asset must already be registered so
// the oracle feed can be resolved, and perpetual markets start funding
// tracking at listing time. Operator capability required.
func (e *Engine) CreateMarket(caller uuid.UUID, symbol string, mt MarketType, risk RiskParams, feeSchedule fees.Schedule, now int64) error {
	if !e.auth.Allowed(caller, auth.ActionOperate) {
		return fmt.Errorf("%w: operate", auth.ErrNotAllowed)
	}
	if err := risk.validate(mt); err != nil {
		return err
	}
	if _, err := e.registry.Get(symbol); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	info := &Info{
		Symbol:         symbol,
		Type:           mt,
		Status:         StatusActive,
		Risk:           risk,
		DailyVolumeDay: now / 86_400,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.catalog.add(info); err != nil {
		return err
	}

	e.fees.SetMarketSchedule(symbol, feeSchedule)
	if mt == Perpetual && !e.funding.IsTracked(symbol) {
		e.funding.Track(symbol, now)
	}
	return nil
}

// SetMarketStatus moves a market between active, restricted and paused.
// Operator capability required.
func (e *Engine) SetMarketStatus(caller uuid.UUID, symbol string, status MarketStatus, now int64) error {
	if !e.auth.Allowed(caller, auth.ActionOperate) {
		return fmt.Errorf("%w: operate", auth.ErrNotAllowed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	info, err := e.catalog.get(symbol)
	if err != nil {
		return err
	}
	info.Status = status
	info.UpdatedAt = now
	return nil
}

// UpdateRiskParams replaces a market's limits. Existing positions are not
// re-checked; the new limits bind from the next mutation on. Operator
// capability required.
func (e *Engine) UpdateRiskParams(caller uuid.UUID, symbol string, risk RiskParams, now int64) error {
	if !e.auth.Allowed(caller, auth.ActionOperate) {
		return fmt.Errorf("%w: operate", auth.ErrNotAllowed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	info, err := e.catalog.get(symbol)
	if err != nil {
		return err
	}
	if err := risk.validate(info.Type); err != nil {
		return err
	}
	info.Risk = risk
	info.UpdatedAt = now
	return nil
}

// GetMarket returns a copy of the market record.
func (e *Engine) GetMarket(symbol string) (Info, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	info, err := e.catalog.get(symbol)
	if err != nil {
		return Info{}, err
	}
	return *info, nil
}

// Markets returns copies of every listed market sorted by symbol.
func (e *Engine) Markets() []Info {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Info, 0, len(e.catalog.markets))
	for _, info := range e.catalog.markets {
		out = append(out, *info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Symbol < out[b].Symbol })
	return out
}
