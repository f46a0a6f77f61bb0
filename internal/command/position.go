package command

import "github.com/google/uuid"

// OpenPosition opens a leveraged position. Margin is the collateral to
// lock; size is margin times leverage.
type OpenPosition struct {
	ActionRef uuid.UUID `json:"action_ref"`
	Trader    uuid.UUID `json:"trader"`
	Asset     string    `json:"asset"`
	IsLong    bool      `json:"is_long"`
	Margin    int64     `json:"margin"` // quote scale
	Leverage  int64     `json:"leverage"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (o *OpenPosition) IdempotencyKey() string { return o.ActionRef.String() }
func (o *OpenPosition) CommandType() Type      { return TypeOpenPosition }
func (o *OpenPosition) AssetSymbol() string    { return o.Asset }
func (o *OpenPosition) SourceSequence() int64  { return o.Sequence }
func (o *OpenPosition) UnixTime() int64        { return o.Timestamp }

// IncreasePosition adds margin at the position's existing leverage.
type IncreasePosition struct {
	ActionRef  uuid.UUID `json:"action_ref"`
	Trader     uuid.UUID `json:"trader"`
	Asset      string    `json:"asset"`
	PositionID int64     `json:"position_id"`
	Margin     int64     `json:"margin"`
	Sequence   int64     `json:"sequence"`
	Timestamp  int64     `json:"timestamp"`
}

func (i *IncreasePosition) IdempotencyKey() string { return i.ActionRef.String() }
func (i *IncreasePosition) CommandType() Type      { return TypeIncreasePosition }
func (i *IncreasePosition) AssetSymbol() string    { return i.Asset }
func (i *IncreasePosition) SourceSequence() int64  { return i.Sequence }
func (i *IncreasePosition) UnixTime() int64        { return i.Timestamp }

// DecreasePosition realizes PnL and funding on part of a position.
type DecreasePosition struct {
	ActionRef  uuid.UUID `json:"action_ref"`
	Trader     uuid.UUID `json:"trader"`
	Asset      string    `json:"asset"`
	PositionID int64     `json:"position_id"`
	Size       int64     `json:"size"` // quote scale, portion of the position's size
	Sequence   int64     `json:"sequence"`
	Timestamp  int64     `json:"timestamp"`
}

func (d *DecreasePosition) IdempotencyKey() string { return d.ActionRef.String() }
func (d *DecreasePosition) CommandType() Type      { return TypeDecreasePosition }
func (d *DecreasePosition) AssetSymbol() string    { return d.Asset }
func (d *DecreasePosition) SourceSequence() int64  { return d.Sequence }
func (d *DecreasePosition) UnixTime() int64        { return d.Timestamp }

// ClosePosition decreases a position by its full size.
type ClosePosition struct {
	ActionRef  uuid.UUID `json:"action_ref"`
	Trader     uuid.UUID `json:"trader"`
	Asset      string    `json:"asset"`
	PositionID int64     `json:"position_id"`
	Sequence   int64     `json:"sequence"`
	Timestamp  int64     `json:"timestamp"`
}

func (c *ClosePosition) IdempotencyKey() string { return c.ActionRef.String() }
func (c *ClosePosition) CommandType() Type      { return TypeClosePosition }
func (c *ClosePosition) AssetSymbol() string    { return c.Asset }
func (c *ClosePosition) SourceSequence() int64  { return c.Sequence }
func (c *ClosePosition) UnixTime() int64        { return c.Timestamp }

// AddPositionOrder attaches a stop-loss or take-profit trigger to a position.
type AddPositionOrder struct {
	ActionRef    uuid.UUID `json:"action_ref"`
	Trader       uuid.UUID `json:"trader"`
	Asset        string    `json:"asset"`
	PositionID   int64     `json:"position_id"`
	TriggerPrice int64     `json:"trigger_price"`
	IsStopLoss   bool      `json:"is_stop_loss"`
	Sequence     int64     `json:"sequence"`
	Timestamp    int64     `json:"timestamp"`
}

func (a *AddPositionOrder) IdempotencyKey() string { return a.ActionRef.String() }
func (a *AddPositionOrder) CommandType() Type      { return TypeAddPositionOrder }
func (a *AddPositionOrder) AssetSymbol() string    { return a.Asset }
func (a *AddPositionOrder) SourceSequence() int64  { return a.Sequence }
func (a *AddPositionOrder) UnixTime() int64        { return a.Timestamp }

// CancelPositionOrder deactivates a position's trigger order by index.
type CancelPositionOrder struct {
	ActionRef  uuid.UUID `json:"action_ref"`
	Trader     uuid.UUID `json:"trader"`
	Asset      string    `json:"asset"`
	PositionID int64     `json:"position_id"`
	OrderIndex int       `json:"order_index"`
	Sequence   int64     `json:"sequence"`
	Timestamp  int64     `json:"timestamp"`
}

func (c *CancelPositionOrder) IdempotencyKey() string { return c.ActionRef.String() }
func (c *CancelPositionOrder) CommandType() Type      { return TypeCancelPositionOrder }
func (c *CancelPositionOrder) AssetSymbol() string    { return c.Asset }
func (c *CancelPositionOrder) SourceSequence() int64  { return c.Sequence }
func (c *CancelPositionOrder) UnixTime() int64        { return c.Timestamp }
