// Package fees computes trading fees. Collection itself happens in the
// ledger as fee legs; this package owns the rate schedules and the
// volume-tier discounts.
package fees

import (
	"errors"
	"fmt"

	"PerpVenue/internal/fixedpoint"

	"github.com/google/uuid"
)

var ErrUnknownFeeType = errors.New("unknown fee type")

type FeeType uint8

const (
	FeeTypeMaker FeeType = iota
	FeeTypeTaker
	FeeTypeLiquidation
)

func (ft FeeType) String() string {
	switch ft {
	case FeeTypeMaker:
		return "maker"
	case FeeTypeTaker:
		return "taker"
	case FeeTypeLiquidation:
		return "liquidation"
	default:
		return "unknown"
	}
}

// Schedule holds the base rates in basis points of notional.
type Schedule struct {
	MakerBps       int64 `json:"maker_bps"`
	TakerBps       int64 `json:"taker_bps"`
	LiquidationBps int64 `json:"liquidation_bps"`
}

// Tier grants a percentage discount above a trailing-volume threshold.
// Tiers must be sorted ascending by MinVolume.
type Tier struct {
	MinVolume       int64 `json:"min_volume"` // trailing 30-day notional, quote scale
	DiscountPercent int64 `json:"discount_percent"`
}

func DefaultSchedule() Schedule {
	return Schedule{MakerBps: 2, TakerBps: 5, LiquidationBps: 0}
}

func DefaultTiers() []Tier {
	return []Tier{
		{MinVolume: 0, DiscountPercent: 0},
		{MinVolume: 10_000_000_000_000, DiscountPercent: 10}, // 10M quote units
		{MinVolume: 100_000_000_000_000, DiscountPercent: 20},
		{MinVolume: 1_000_000_000_000_000, DiscountPercent: 30},
	}
}

const volumeDays = 30

// VolumeState is a trader's rolling daily-bucket volume window.
type VolumeState struct {
	Buckets [volumeDays]int64 `json:"buckets"`
	LastDay int64             `json:"last_day"`
}

func (v *VolumeState) advance(day int64) {
	if day <= v.LastDay {
		return
	}
	if day-v.LastDay >= volumeDays {
		v.Buckets = [volumeDays]int64{}
	} else {
		for d := v.LastDay + 1; d <= day; d++ {
			v.Buckets[d%volumeDays] = 0
		}
	}
	v.LastDay = day
}

func (v *VolumeState) total() int64 {
	var sum int64
	for _, b := range v.Buckets {
		sum += b
	}
	return sum
}

// Manager computes fees from per-market schedules and trailing-volume tiers.
type Manager struct {
	defaults  Schedule
	overrides map[string]Schedule
	tiers     []Tier
	volumes   map[uuid.UUID]*VolumeState
}

func NewManager(defaults Schedule, tiers []Tier) *Manager {
	return &Manager{
		defaults:  defaults,
		overrides: make(map[string]Schedule),
		tiers:     tiers,
		volumes:   make(map[uuid.UUID]*VolumeState),
	}
}

// SetMarketSchedule overrides the base rates for one market.
func (m *Manager) SetMarketSchedule(market string, schedule Schedule) {
	m.overrides[market] = schedule
}

func (m *Manager) schedule(market string) Schedule {
	if s, ok := m.overrides[market]; ok {
		return s
	}
	return m.defaults
}

func (m *Manager) baseBps(market string, feeType FeeType) (int64, error) {
	s := m.schedule(market)
	switch feeType {
	case FeeTypeMaker:
		return s.MakerBps, nil
	case FeeTypeTaker:
		return s.TakerBps, nil
	case FeeTypeLiquidation:
		return s.LiquidationBps, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownFeeType, feeType)
	}
}

// CalculateFee returns the fee on a notional amount after the trader's
// volume-tier discount. Never negative.
func (m *Manager) CalculateFee(market string, notional int64, feeType FeeType, trader uuid.UUID) (int64, error) {
	bps, err := m.baseBps(market, feeType)
	if err != nil {
		return 0, err
	}
	if notional <= 0 || bps <= 0 {
		return 0, nil
	}

	fee := fixedpoint.ApplyBps(notional, bps)
	if discount := m.discountPercent(trader); discount > 0 {
		fee -= fixedpoint.ApplyPercent(fee, discount)
	}
	if fee < 0 {
		fee = 0
	}
	return fee, nil
}

func (m *Manager) discountPercent(trader uuid.UUID) int64 {
	vol, ok := m.volumes[trader]
	if !ok {
		return 0
	}
	total := vol.total()

	var discount int64
	for _, tier := range m.tiers {
		if total >= tier.MinVolume {
			discount = tier.DiscountPercent
		}
	}
	return discount
}

// RecordVolume adds filled notional to the trader's rolling window.
func (m *Manager) RecordVolume(trader uuid.UUID, notional, timestamp int64) {
	if notional <= 0 {
		return
	}
	day := timestamp / 86_400
	vol, ok := m.volumes[trader]
	if !ok {
		vol = &VolumeState{LastDay: day}
		m.volumes[trader] = vol
	}
	vol.advance(day)
	vol.Buckets[day%volumeDays] += notional
}

// TrailingVolume returns the trader's 30-day notional as of the given time.
func (m *Manager) TrailingVolume(trader uuid.UUID, timestamp int64) int64 {
	vol, ok := m.volumes[trader]
	if !ok {
		return 0
	}
	vol.advance(timestamp / 86_400)
	return vol.total()
}

// === Snapshot ===

func (m *Manager) Snapshot() map[uuid.UUID]VolumeState {
	out := make(map[uuid.UUID]VolumeState, len(m.volumes))
	for trader, vol := range m.volumes {
		out[trader] = *vol
	}
	return out
}

func (m *Manager) Restore(volumes map[uuid.UUID]VolumeState) {
	m.volumes = make(map[uuid.UUID]*VolumeState, len(volumes))
	for trader, vol := range volumes {
		v := vol
		m.volumes[trader] = &v
	}
}
