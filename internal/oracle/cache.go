package oracle

import (
	"errors"
	"fmt"
	"math/big"

	"PerpVenue/internal/fixedpoint"
)

var (
	ErrNoPrice        = errors.New("no price for feed")
	ErrStalePrice     = errors.New("price is stale")
	ErrPriceDeviation = errors.New("price deviates beyond configured bound")
	ErrStaleSequence  = errors.New("price sequence not increasing")
	ErrInvalidPrice   = errors.New("price must be positive")
)

// Config bounds the cache's acceptance and smoothing behavior.
type Config struct {
	MaxAgeSeconds       int64 // reads older than this fail with ErrStalePrice
	MaxDeviationPercent int64 // updates moving more than this vs last are rejected; 0 disables
	TWAPWindowSeconds   int64 // smoothing window; 0 disables smoothing
}

func DefaultConfig() Config {
	return Config{
		MaxAgeSeconds:       3600,
		MaxDeviationPercent: 20,
		TWAPWindowSeconds:   300,
	}
}

type sample struct {
	Price     int64 `json:"price"`
	Timestamp int64 `json:"timestamp"`
}

// FeedState is the retained state for one price feed.
type FeedState struct {
	Price     int64    `json:"price"`     // last accepted raw price, 1e8 scale
	Timestamp int64    `json:"timestamp"` // unix seconds
	Sequence  int64    `json:"sequence"`  // monotonic per feed
	Samples   []sample `json:"samples"`   // TWAP window, oldest first
}

// Cache is the venue's view of oracle prices: updates are pushed in as
// commands, reads are TWAP-smoothed and staleness-checked. The cache never
// fetches anything itself so replay stays deterministic.
type Cache struct {
	cfg   Config
	feeds map[string]*FeedState
}

func NewCache(cfg Config) *Cache {
	return &Cache{
		cfg:   cfg,
		feeds: make(map[string]*FeedState),
	}
}

// Update ingests a new observation for a feed. Rejections leave the feed
// unchanged: non-increasing sequences, non-positive prices, and moves beyond
// the deviation bound relative to the last accepted price.
func (c *Cache) Update(feedKey string, price, timestamp, sequence int64) error {
	if price <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPrice, price)
	}

	st, exists := c.feeds[feedKey]
	if exists {
		if sequence <= st.Sequence {
			return fmt.Errorf("%w: feed %s seq %d <= %d", ErrStaleSequence, feedKey, sequence, st.Sequence)
		}
		if c.cfg.MaxDeviationPercent > 0 && st.Price > 0 {
			move := fixedpoint.Abs(price - st.Price)
			limit := fixedpoint.ApplyPercent(st.Price, c.cfg.MaxDeviationPercent)
			if move > limit {
				return fmt.Errorf("%w: feed %s moved %d, limit %d", ErrPriceDeviation, feedKey, move, limit)
			}
		}
	} else {
		st = &FeedState{}
		c.feeds[feedKey] = st
	}

	st.Price = price
	st.Timestamp = timestamp
	st.Sequence = sequence

	if c.cfg.TWAPWindowSeconds > 0 {
		st.Samples = append(st.Samples, sample{Price: price, Timestamp: timestamp})
		cutoff := timestamp - c.cfg.TWAPWindowSeconds
		for len(st.Samples) > 1 && st.Samples[0].Timestamp < cutoff {
			st.Samples = st.Samples[1:]
		}
	}

	return nil
}

// GetPrice returns the TWAP-smoothed price and the last-update timestamp.
// Fails when no observation exists or the last observation is older than the
// configured max age relative to now.
func (c *Cache) GetPrice(feedKey string, now int64) (int64, int64, error) {
	st, exists := c.feeds[feedKey]
	if !exists {
		return 0, 0, fmt.Errorf("%w: %s", ErrNoPrice, feedKey)
	}
	if now-st.Timestamp > c.cfg.MaxAgeSeconds {
		return 0, 0, fmt.Errorf("%w: feed %s last update %d, now %d", ErrStalePrice, feedKey, st.Timestamp, now)
	}
	return c.twap(st), st.Timestamp, nil
}

// LastRaw returns the last accepted raw observation without smoothing or
// staleness checks. Used by projections and diagnostics.
func (c *Cache) LastRaw(feedKey string) (price, timestamp, sequence int64, ok bool) {
	st, exists := c.feeds[feedKey]
	if !exists {
		return 0, 0, 0, false
	}
	return st.Price, st.Timestamp, st.Sequence, true
}

// twap computes the time-weighted average over the retained window. Each
// sample is weighted by the time until the next one; the final sample gets
// weight 1 so a single observation passes through unchanged.
func (c *Cache) twap(st *FeedState) int64 {
	n := len(st.Samples)
	if n <= 1 {
		return st.Price
	}

	weighted := new(big.Int)
	var totalWeight int64
	for i := 0; i < n; i++ {
		var w int64
		if i < n-1 {
			w = st.Samples[i+1].Timestamp - st.Samples[i].Timestamp
			if w < 1 {
				w = 1
			}
		} else {
			w = 1
		}
		term := fixedpoint.MultiplyInt128(st.Samples[i].Price, w)
		weighted.Add(weighted, term)
		totalWeight += w
	}
	if totalWeight == 0 {
		return st.Price
	}
	return fixedpoint.DivideInt128(weighted, totalWeight, fixedpoint.RoundHalfEven)
}

// Snapshot copies all feed state for persistence.
func (c *Cache) Snapshot() map[string]FeedState {
	out := make(map[string]FeedState, len(c.feeds))
	for k, st := range c.feeds {
		cp := *st
		cp.Samples = append([]sample(nil), st.Samples...)
		out[k] = cp
	}
	return out
}

// Restore replaces all feed state from a snapshot.
func (c *Cache) Restore(feeds map[string]FeedState) {
	c.feeds = make(map[string]*FeedState, len(feeds))
	for k, st := range feeds {
		cp := st
		cp.Samples = append([]sample(nil), st.Samples...)
		c.feeds[k] = &cp
	}
}
