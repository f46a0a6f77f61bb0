package command

import "fmt"

// PriceUpdate feeds one oracle observation into the price cache.
// Idempotency key: "{feed}:price:{sequence}". Price sequences are
// validated per feed with gaps tolerated, unlike command partitions.
type PriceUpdate struct {
	Feed          string `json:"feed"`
	Price         int64  `json:"price"`          // price scale
	PriceSequence int64  `json:"price_sequence"` // monotonic per feed
	Timestamp     int64  `json:"timestamp"`
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Feed, p.PriceSequence)
}

func (p *PriceUpdate) CommandType() Type     { return TypePriceUpdate }
func (p *PriceUpdate) AssetSymbol() string   { return "" }
func (p *PriceUpdate) SourceSequence() int64 { return p.PriceSequence }
func (p *PriceUpdate) UnixTime() int64       { return p.Timestamp }

// FundingTick advances funding for the named assets, or every tracked
// asset when the list is empty. Per-asset failures (most commonly
// not-yet-due) do not fail the tick.
type FundingTick struct {
	Assets    []string `json:"assets,omitempty"`
	Sequence  int64    `json:"sequence"`
	Timestamp int64    `json:"timestamp"`
}

func (f *FundingTick) IdempotencyKey() string {
	return fmt.Sprintf("funding:%d", f.Timestamp)
}

func (f *FundingTick) CommandType() Type     { return TypeFundingTick }
func (f *FundingTick) AssetSymbol() string   { return "" }
func (f *FundingTick) SourceSequence() int64 { return f.Sequence }
func (f *FundingTick) UnixTime() int64       { return f.Timestamp }
