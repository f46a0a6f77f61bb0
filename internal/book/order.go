package book

import (
	"errors"

	"github.com/google/uuid"
)

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

// Opposite returns the matching side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType int32

const (
	OrderTypeLimit OrderType = iota
	OrderTypeMarket
	OrderTypeStopLoss
	OrderTypeTakeProfit
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "limit"
	case OrderTypeMarket:
		return "market"
	case OrderTypeStopLoss:
		return "stop_loss"
	case OrderTypeTakeProfit:
		return "take_profit"
	default:
		return "unknown"
	}
}

// OrderStatus advances monotonically: Open -> PartiallyFilled -> Filled.
// Cancelled is terminal from Open or PartiallyFilled.
type OrderStatus int32

const (
	OrderStatusOpen OrderStatus = iota
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusOpen:
		return "open"
	case OrderStatusPartiallyFilled:
		return "partially_filled"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

var (
	ErrInvalidAmount       = errors.New("order amount must be positive")
	ErrInvalidPrice        = errors.New("limit price must be positive")
	ErrInvalidTriggerPrice = errors.New("trigger price must be positive")
	ErrAssetNotRegistered  = errors.New("asset not registered")
	ErrOrderNotFound       = errors.New("order not found")
	ErrNotOrderOwner       = errors.New("caller does not own order")
	ErrOrderNotOpen        = errors.New("order is not open")
)

// Order is an entry in the venue's central limit order book. Amounts are
// quote scale; prices are price scale. Stop-loss and take-profit orders sit
// outside the matchable book until triggered, at which point they convert to
// market orders.
type Order struct {
	ID           int64       `json:"id"`
	Trader       uuid.UUID   `json:"trader"`
	Asset        string      `json:"asset"`
	Side         Side        `json:"side"`
	Type         OrderType   `json:"type"`
	Price        int64       `json:"price"` // 0 for market and untriggered stop/take-profit
	Amount       int64       `json:"amount"`
	Remaining    int64       `json:"remaining"`
	TriggerPrice int64       `json:"trigger_price"`
	Timestamp    int64       `json:"timestamp"` // unix seconds, submission time
	Status       OrderStatus `json:"status"`
}

// Trade is one match between two orders. MakerOrderID is the resting order;
// Price is the execution price chosen by the earlier-submitted order.
type Trade struct {
	ID           int64     `json:"id"`
	Asset        string    `json:"asset"`
	BuyOrderID   int64     `json:"buy_order_id"`
	SellOrderID  int64     `json:"sell_order_id"`
	MakerOrderID int64     `json:"maker_order_id"`
	TakerOrderID int64     `json:"taker_order_id"`
	Buyer        uuid.UUID `json:"buyer"`
	Seller       uuid.UUID `json:"seller"`
	Price        int64     `json:"price"`
	Amount       int64     `json:"amount"`
	Timestamp    int64     `json:"timestamp"`
}

// applyFill decrements the remaining amount and advances the status.
func (o *Order) applyFill(qty int64) {
	o.Remaining -= qty
	if o.Remaining <= 0 {
		o.Remaining = 0
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
}
