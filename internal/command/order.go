package command

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Side is the order direction on the book.
type Side int32

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the side by name so event payloads stay readable.
func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON rejects unknown side names instead of defaulting.
func (s *Side) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "buy":
		*s = SideBuy
	case "sell":
		*s = SideSell
	default:
		return fmt.Errorf("unknown side %q", name)
	}
	return nil
}

// OrderKind selects the placement semantics.
type OrderKind int32

const (
	OrderKindLimit OrderKind = iota
	OrderKindMarket
	OrderKindStopLoss
	OrderKindTakeProfit
)

func (k OrderKind) String() string {
	switch k {
	case OrderKindLimit:
		return "limit"
	case OrderKindMarket:
		return "market"
	case OrderKindStopLoss:
		return "stop_loss"
	case OrderKindTakeProfit:
		return "take_profit"
	default:
		return "unknown"
	}
}

func (k OrderKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *OrderKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "limit":
		*k = OrderKindLimit
	case "market":
		*k = OrderKindMarket
	case "stop_loss":
		*k = OrderKindStopLoss
	case "take_profit":
		*k = OrderKindTakeProfit
	default:
		return fmt.Errorf("unknown order kind %q", name)
	}
	return nil
}

// PlaceOrder submits an order to an asset's book. Price is ignored for
// market orders; TriggerPrice is required for stop-loss and take-profit.
// Idempotency key: client order reference.
type PlaceOrder struct {
	OrderRef     uuid.UUID `json:"order_ref"`
	Trader       uuid.UUID `json:"trader"`
	Asset        string    `json:"asset"`
	OrderSide    Side      `json:"side"`
	Kind         OrderKind `json:"kind"`
	Price        int64     `json:"price"`         // price scale, limit orders only
	Amount       int64     `json:"amount"`        // quote scale
	TriggerPrice int64     `json:"trigger_price"` // price scale, trigger kinds only
	Sequence     int64     `json:"sequence"`
	Timestamp    int64     `json:"timestamp"`
}

func (p *PlaceOrder) IdempotencyKey() string { return p.OrderRef.String() }
func (p *PlaceOrder) CommandType() Type      { return TypePlaceOrder }
func (p *PlaceOrder) AssetSymbol() string    { return p.Asset }
func (p *PlaceOrder) SourceSequence() int64  { return p.Sequence }
func (p *PlaceOrder) UnixTime() int64        { return p.Timestamp }

// CancelOrder removes a trader's open order from the book.
type CancelOrder struct {
	CancelRef uuid.UUID `json:"cancel_ref"`
	Trader    uuid.UUID `json:"trader"`
	Asset     string    `json:"asset"`
	OrderID   int64     `json:"order_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (c *CancelOrder) IdempotencyKey() string { return c.CancelRef.String() }
func (c *CancelOrder) CommandType() Type      { return TypeCancelOrder }
func (c *CancelOrder) AssetSymbol() string    { return c.Asset }
func (c *CancelOrder) SourceSequence() int64  { return c.Sequence }
func (c *CancelOrder) UnixTime() int64        { return c.Timestamp }
