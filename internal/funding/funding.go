package funding

import (
	"errors"
	"fmt"

	"PerpVenue/internal/fixedpoint"
)

var (
	ErrNotDue          = errors.New("funding update not yet due")
	ErrAssetNotTracked = errors.New("asset has no funding state")
	ErrInvalidPointer  = errors.New("funding pointer beyond period log")
)

// Config holds the per-venue funding knobs. Rates are 1e18 scale; the
// percent knobs are plain integer percents.
type Config struct {
	IntervalSeconds      int64 // seconds between updates
	InterestRate         int64 // fixed per-interval carry, 1e18 scale
	SkewImpactFactor     int64 // percent applied to the OI share imbalance
	DampeningFactor      int64 // percent weight of the raw rate in the EMA
	MaxRateChangePercent int64 // per-update movement bound vs |lastRate|
	MaxFundingRate       int64 // hard cap, 1e18 scale
	EnableRateClamping   bool  // consecutive-at-cap halving switch
	ClampThreshold       int64 // consecutive periods at cap before halving
	EMAPeriods           int   // bounded ring size for the trailing average
}

// DefaultConfig mirrors the venue's production parameters: 8h interval,
// ±0.5% cap, 0.01% carry.
func DefaultConfig() Config {
	return Config{
		IntervalSeconds:      28_800,
		InterestRate:         fixedpoint.RateConfig.Scale / 10_000,     // 0.01%
		SkewImpactFactor:     25,
		DampeningFactor:      20,
		MaxRateChangePercent: 100,
		MaxFundingRate:       fixedpoint.RateConfig.Scale / 200,        // 0.5%
		EnableRateClamping:   true,
		ClampThreshold:       5,
		EMAPeriods:           24,
	}
}

// Period is one committed funding period. The log of periods is append-only;
// per-trader settlement pointers index into it.
type Period struct {
	Timestamp int64 `json:"timestamp"`
	Rate      int64 `json:"rate"` // 1e18 scale, signed
}

// State is the funding state machine for one perpetual asset.
type State struct {
	Asset            string   `json:"asset"`
	CumulativeRate   int64    `json:"cumulative_rate"`
	LastRate         int64    `json:"last_rate"`
	LastUpdate       int64    `json:"last_update"`
	LongSize         int64    `json:"long_size"`
	ShortSize        int64    `json:"short_size"`
	RateRing         []int64  `json:"rate_ring"` // bounded, oldest first
	Periods          []Period `json:"periods"`   // append-only
	ConsecutiveAtCap int64    `json:"consecutive_at_cap"`
	TrailingAvg24h   int64    `json:"trailing_avg_24h"`
}

// Update is the committed outcome of one funding tick.
type Update struct {
	Asset          string
	PeriodIndex    int64 // index of the new Period entry
	Rate           int64
	PremiumIndex   int64
	CumulativeRate int64
	LongSize       int64
	ShortSize      int64
	Timestamp      int64
}

// BatchResult reports one asset's outcome inside a best-effort batch.
type BatchResult struct {
	Asset  string
	Update Update
	Err    error
}

// Manager owns all per-asset funding state. It is pure state: callers supply
// timestamps and route the returned updates to logging and events.
type Manager struct {
	cfg    Config
	states map[string]*State
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg,
		states: make(map[string]*State),
	}
}

// Track begins funding for an asset. The first update becomes due one full
// interval after start. Tracking an already-tracked asset is a no-op.
func (m *Manager) Track(asset string, start int64) {
	if _, exists := m.states[asset]; exists {
		return
	}
	m.states[asset] = &State{
		Asset:      asset,
		LastUpdate: start,
	}
}

// IsTracked reports whether the asset has funding state.
func (m *Manager) IsTracked(asset string) bool {
	_, exists := m.states[asset]
	return exists
}

// SetOpenInterest records the aggregate long/short sizes used by the next
// premium-index computation. Called by the position engine after every
// open-interest mutation.
func (m *Manager) SetOpenInterest(asset string, longSize, shortSize int64) error {
	st, exists := m.states[asset]
	if !exists {
		return fmt.Errorf("%w: %s", ErrAssetNotTracked, asset)
	}
	st.LongSize = longSize
	st.ShortSize = shortSize
	return nil
}

// UpdateFundingRate advances the asset's funding state machine by one period.
// Calling before lastUpdate+interval fails with ErrNotDue and changes nothing.
func (m *Manager) UpdateFundingRate(asset string, now int64) (Update, error) {
	st, exists := m.states[asset]
	if !exists {
		return Update{}, fmt.Errorf("%w: %s", ErrAssetNotTracked, asset)
	}
	if now < st.LastUpdate+m.cfg.IntervalSeconds {
		return Update{}, fmt.Errorf("%w: %s due at %d, now %d",
			ErrNotDue, asset, st.LastUpdate+m.cfg.IntervalSeconds, now)
	}

	// 1. Premium index from the open-interest imbalance.
	premium := m.premiumIndex(st)

	// 2. Raw rate adds the fixed carry.
	raw := premium + m.cfg.InterestRate

	// 3. Exponential dampening toward the raw signal, skipped on the very
	// first period.
	rate := raw
	if len(st.Periods) > 0 {
		rate = fixedpoint.WeightedSum(raw, m.cfg.DampeningFactor, st.LastRate, 100-m.cfg.DampeningFactor)
	}

	// 4. Per-update movement bound relative to the last rate's magnitude.
	// Meaningless at lastRate zero, where it would pin the rate forever.
	if st.LastRate != 0 {
		maxChange := fixedpoint.ApplyPercent(fixedpoint.Abs(st.LastRate), m.cfg.MaxRateChangePercent)
		if rate > st.LastRate+maxChange {
			rate = st.LastRate + maxChange
		} else if rate < st.LastRate-maxChange {
			rate = st.LastRate - maxChange
		}
	}

	// 5. Hard cap, with sustained-extreme halving.
	rate = fixedpoint.Clamp(rate, m.cfg.MaxFundingRate)
	if fixedpoint.Abs(rate) == m.cfg.MaxFundingRate {
		st.ConsecutiveAtCap++
	} else {
		st.ConsecutiveAtCap = 0
	}
	if m.cfg.EnableRateClamping && st.ConsecutiveAtCap >= m.cfg.ClampThreshold {
		rate /= 2
		st.ConsecutiveAtCap = 0
	}

	// 6. Commit the period.
	st.RateRing = append(st.RateRing, rate)
	if m.cfg.EMAPeriods > 0 && len(st.RateRing) > m.cfg.EMAPeriods {
		st.RateRing = st.RateRing[len(st.RateRing)-m.cfg.EMAPeriods:]
	}
	st.Periods = append(st.Periods, Period{Timestamp: now, Rate: rate})
	st.CumulativeRate += rate
	st.LastRate = rate
	st.LastUpdate = now
	st.TrailingAvg24h = trailingAverage(st.Periods, now)

	return Update{
		Asset:          asset,
		PeriodIndex:    int64(len(st.Periods) - 1),
		Rate:           rate,
		PremiumIndex:   premium,
		CumulativeRate: st.CumulativeRate,
		LongSize:       st.LongSize,
		ShortSize:      st.ShortSize,
		Timestamp:      now,
	}, nil
}

// premiumIndex derives the OI-imbalance component: share ratios at 1e18,
// scaled by the configured impact factor. Zero without open interest.
func (m *Manager) premiumIndex(st *State) int64 {
	total := st.LongSize + st.ShortSize
	if total == 0 {
		return 0
	}
	longRatio := fixedpoint.ShareRatio(st.LongSize, total)
	shortRatio := fixedpoint.ShareRatio(st.ShortSize, total)
	return fixedpoint.ApplyPercent(longRatio-shortRatio, m.cfg.SkewImpactFactor)
}

func trailingAverage(periods []Period, now int64) int64 {
	cutoff := now - 86_400
	var sum, count int64
	for i := len(periods) - 1; i >= 0; i-- {
		if periods[i].Timestamp < cutoff {
			break
		}
		sum += periods[i].Rate
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / count
}

// ProcessFundingRates updates every listed asset, swallowing per-asset
// failures so the batch continues. The only intentional soft failure in the
// venue: each result carries its own error.
func (m *Manager) ProcessFundingRates(assets []string, now int64) []BatchResult {
	results := make([]BatchResult, 0, len(assets))
	for _, asset := range assets {
		upd, err := m.UpdateFundingRate(asset, now)
		results = append(results, BatchResult{Asset: asset, Update: upd, Err: err})
	}
	return results
}

// GetPendingFundingPayment sums a position's unsettled funding from its
// pointer to the end of the period log. A positive result is owed to the
// trader: longs pay positive rates, shorts receive them. Cost is proportional
// to periods elapsed since the pointer.
func (m *Manager) GetPendingFundingPayment(asset string, size int64, isLong bool, pointer int64) (int64, error) {
	st, exists := m.states[asset]
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrAssetNotTracked, asset)
	}
	if pointer < 0 || pointer > int64(len(st.Periods)) {
		return 0, fmt.Errorf("%w: pointer %d, log length %d", ErrInvalidPointer, pointer, len(st.Periods))
	}

	var total int64
	for _, p := range st.Periods[pointer:] {
		signed := p.Rate
		if isLong {
			signed = -signed
		}
		total += fixedpoint.FundingAmount(signed, size)
	}
	return total, nil
}

// PeriodCount returns the period-log length: the pointer value meaning
// "fully settled as of now".
func (m *Manager) PeriodCount(asset string) int64 {
	st, exists := m.states[asset]
	if !exists {
		return 0
	}
	return int64(len(st.Periods))
}

// CumulativeRate returns the asset's accumulated rate.
func (m *Manager) CumulativeRate(asset string) (int64, error) {
	st, exists := m.states[asset]
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrAssetNotTracked, asset)
	}
	return st.CumulativeRate, nil
}

// LastRate returns the most recent period's rate.
func (m *Manager) LastRate(asset string) (int64, error) {
	st, exists := m.states[asset]
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrAssetNotTracked, asset)
	}
	return st.LastRate, nil
}

// NextDue returns the earliest timestamp at which the next update is allowed.
func (m *Manager) NextDue(asset string) (int64, error) {
	st, exists := m.states[asset]
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrAssetNotTracked, asset)
	}
	return st.LastUpdate + m.cfg.IntervalSeconds, nil
}

// TrailingAvg24h returns the display average over the last 24 hours.
func (m *Manager) TrailingAvg24h(asset string) (int64, error) {
	st, exists := m.states[asset]
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrAssetNotTracked, asset)
	}
	return st.TrailingAvg24h, nil
}

// TrackedAssets lists all assets with funding state, unsorted.
func (m *Manager) TrackedAssets() []string {
	out := make([]string, 0, len(m.states))
	for asset := range m.states {
		out = append(out, asset)
	}
	return out
}

// Snapshot deep-copies all funding state for persistence.
func (m *Manager) Snapshot() map[string]State {
	out := make(map[string]State, len(m.states))
	for asset, st := range m.states {
		cp := *st
		cp.RateRing = append([]int64(nil), st.RateRing...)
		cp.Periods = append([]Period(nil), st.Periods...)
		out[asset] = cp
	}
	return out
}

// Restore replaces all funding state from a snapshot.
func (m *Manager) Restore(states map[string]State) {
	m.states = make(map[string]*State, len(states))
	for asset, st := range states {
		cp := st
		cp.RateRing = append([]int64(nil), st.RateRing...)
		cp.Periods = append([]Period(nil), st.Periods...)
		m.states[asset] = &cp
	}
}
