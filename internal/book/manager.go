package book

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// AssetDirectory is the narrow registry view the book needs.
type AssetDirectory interface {
	IsRegistered(symbol string) bool
}

// PlaceResult is the committed outcome of an order placement: the recorded
// order id plus any trades executed immediately. The caller notifies
// downstream consumers only after this is returned.
type PlaceResult struct {
	OrderID int64
	Trades  []Trade
}

// Manager owns every per-asset book and allocates order and trade ids from
// monotonic counters so replay produces identical ids.
type Manager struct {
	directory   AssetDirectory
	books       map[string]*OrderBook
	nextOrderID int64
	nextTradeID int64
}

func NewManager(directory AssetDirectory) *Manager {
	return &Manager{
		directory: directory,
		books:     make(map[string]*OrderBook),
	}
}

func (m *Manager) allocOrderID() int64 {
	m.nextOrderID++
	return m.nextOrderID
}

func (m *Manager) allocTradeID() int64 {
	m.nextTradeID++
	return m.nextTradeID
}

func (m *Manager) book(asset string) *OrderBook {
	b, ok := m.books[asset]
	if !ok {
		b = newOrderBook(asset)
		m.books[asset] = b
	}
	return b
}

// PlaceLimitOrder records a limit order, matches it immediately, and rests
// any remainder in the book.
func (m *Manager) PlaceLimitOrder(trader uuid.UUID, asset string, side Side, price, amount, timestamp int64) (PlaceResult, error) {
	if err := m.validate(asset, amount); err != nil {
		return PlaceResult{}, err
	}
	if price <= 0 {
		return PlaceResult{}, ErrInvalidPrice
	}

	o := &Order{
		ID:        m.allocOrderID(),
		Trader:    trader,
		Asset:     asset,
		Side:      side,
		Type:      OrderTypeLimit,
		Price:     price,
		Amount:    amount,
		Remaining: amount,
		Timestamp: timestamp,
		Status:    OrderStatusOpen,
	}

	trades := m.book(asset).add(o, m.allocTradeID)
	return PlaceResult{OrderID: o.ID, Trades: trades}, nil
}

// PlaceMarketOrder records a market order and matches it against the book.
// Any unfilled remainder is cancelled, never rested.
func (m *Manager) PlaceMarketOrder(trader uuid.UUID, asset string, side Side, amount, timestamp int64) (PlaceResult, error) {
	if err := m.validate(asset, amount); err != nil {
		return PlaceResult{}, err
	}

	o := &Order{
		ID:        m.allocOrderID(),
		Trader:    trader,
		Asset:     asset,
		Side:      side,
		Type:      OrderTypeMarket,
		Amount:    amount,
		Remaining: amount,
		Timestamp: timestamp,
		Status:    OrderStatusOpen,
	}

	trades := m.book(asset).add(o, m.allocTradeID)
	return PlaceResult{OrderID: o.ID, Trades: trades}, nil
}

// PlaceStopLossOrder records a dormant stop-loss; it joins the matchable book
// as a market order once the trigger condition fires.
func (m *Manager) PlaceStopLossOrder(trader uuid.UUID, asset string, side Side, triggerPrice, amount, timestamp int64) (PlaceResult, error) {
	return m.placeTriggerOrder(trader, asset, side, OrderTypeStopLoss, triggerPrice, amount, timestamp)
}

// PlaceTakeProfitOrder records a dormant take-profit order.
func (m *Manager) PlaceTakeProfitOrder(trader uuid.UUID, asset string, side Side, triggerPrice, amount, timestamp int64) (PlaceResult, error) {
	return m.placeTriggerOrder(trader, asset, side, OrderTypeTakeProfit, triggerPrice, amount, timestamp)
}

func (m *Manager) placeTriggerOrder(trader uuid.UUID, asset string, side Side, typ OrderType, triggerPrice, amount, timestamp int64) (PlaceResult, error) {
	if err := m.validate(asset, amount); err != nil {
		return PlaceResult{}, err
	}
	if triggerPrice <= 0 {
		return PlaceResult{}, ErrInvalidTriggerPrice
	}

	o := &Order{
		ID:           m.allocOrderID(),
		Trader:       trader,
		Asset:        asset,
		Side:         side,
		Type:         typ,
		TriggerPrice: triggerPrice,
		Amount:       amount,
		Remaining:    amount,
		Timestamp:    timestamp,
		Status:       OrderStatusOpen,
	}

	m.book(asset).add(o, m.allocTradeID)
	return PlaceResult{OrderID: o.ID}, nil
}

func (m *Manager) validate(asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if m.directory != nil && !m.directory.IsRegistered(asset) {
		return fmt.Errorf("%w: %s", ErrAssetNotRegistered, asset)
	}
	return nil
}

// CancelOrder removes an open order. Only the owner may cancel; terminal
// orders fail with ErrOrderNotOpen.
func (m *Manager) CancelOrder(trader uuid.UUID, asset string, orderID int64) error {
	b, ok := m.books[asset]
	if !ok {
		return fmt.Errorf("%w: order %d", ErrOrderNotFound, orderID)
	}
	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %d", ErrOrderNotFound, orderID)
	}
	if o.Trader != trader {
		return fmt.Errorf("%w: order %d", ErrNotOrderOwner, orderID)
	}
	if o.Status.IsTerminal() {
		return fmt.Errorf("%w: order %d is %s", ErrOrderNotOpen, orderID, o.Status)
	}

	b.cancel(o)
	return nil
}

// ProcessTriggerOrders evaluates all dormant stop/take-profit orders for an
// asset against the current price, converting and matching the qualifying
// ones. Returns the triggered order ids and resulting trades.
func (m *Manager) ProcessTriggerOrders(asset string, currentPrice int64) ([]int64, []Trade) {
	b, ok := m.books[asset]
	if !ok {
		return nil, nil
	}
	return b.processTriggers(currentPrice, m.allocTradeID)
}

// GetOrder returns a copy of an order.
func (m *Manager) GetOrder(asset string, orderID int64) (Order, error) {
	b, ok := m.books[asset]
	if !ok {
		return Order{}, fmt.Errorf("%w: order %d", ErrOrderNotFound, orderID)
	}
	o, ok := b.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("%w: order %d", ErrOrderNotFound, orderID)
	}
	return *o, nil
}

// BestBid returns the highest resting bid for an asset.
func (m *Manager) BestBid(asset string) (int64, bool) {
	b, ok := m.books[asset]
	if !ok {
		return 0, false
	}
	return b.BestBid()
}

// BestAsk returns the lowest resting ask for an asset.
func (m *Manager) BestAsk(asset string) (int64, bool) {
	b, ok := m.books[asset]
	if !ok {
		return 0, false
	}
	return b.BestAsk()
}

// Depth returns aggregated book depth for an asset.
func (m *Manager) Depth(asset string, maxLevels int) (bids, asks []DepthLevel) {
	b, ok := m.books[asset]
	if !ok {
		return nil, nil
	}
	return b.Depth(maxLevels)
}

// BookSnapshot serializes one asset's order arena.
type BookSnapshot struct {
	Asset  string  `json:"asset"`
	Orders []Order `json:"orders"`
}

// ManagerSnapshot serializes the full matching state.
type ManagerSnapshot struct {
	NextOrderID int64          `json:"next_order_id"`
	NextTradeID int64          `json:"next_trade_id"`
	Books       []BookSnapshot `json:"books"`
}

// Snapshot copies all book state, assets sorted for determinism.
func (m *Manager) Snapshot() ManagerSnapshot {
	snap := ManagerSnapshot{
		NextOrderID: m.nextOrderID,
		NextTradeID: m.nextTradeID,
	}

	assets := make([]string, 0, len(m.books))
	for asset := range m.books {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		b := m.books[asset]
		bs := BookSnapshot{Asset: asset, Orders: make([]Order, 0, len(b.orders))}

		ids := make([]int64, 0, len(b.orders))
		for id := range b.orders {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			bs.Orders = append(bs.Orders, *b.orders[id])
		}

		snap.Books = append(snap.Books, bs)
	}
	return snap
}

// Restore rebuilds all books from a snapshot.
func (m *Manager) Restore(snap ManagerSnapshot) error {
	m.nextOrderID = snap.NextOrderID
	m.nextTradeID = snap.NextTradeID
	m.books = make(map[string]*OrderBook, len(snap.Books))

	for _, bs := range snap.Books {
		b := newOrderBook(bs.Asset)
		if err := b.restore(bs.Orders); err != nil {
			return fmt.Errorf("restore book %s: %w", bs.Asset, err)
		}
		m.books[bs.Asset] = b
	}
	return nil
}

// OpenOrdersByTrader returns copies of a trader's non-terminal orders across
// all assets, ordered by id.
func (m *Manager) OpenOrdersByTrader(trader uuid.UUID) []Order {
	var out []Order
	for _, b := range m.books {
		for _, o := range b.orders {
			if o.Trader == trader && !o.Status.IsTerminal() {
				out = append(out, *o)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
