package book

import (
	"fmt"
	"sort"

	"github.com/google/btree"
)

const priceTreeDegree = 16

// priceLevel holds the FIFO queue of resting order ids at one price.
type priceLevel struct {
	price  int64
	orders []int64 // insertion order = time priority
}

func levelLess(a, b *priceLevel) bool {
	return a.price < b.price
}

// OrderBook is the matching book for a single asset. Bids and asks each live
// in a balanced tree keyed by price; best bid is the tree max, best ask the
// tree min. Stop-loss and take-profit orders wait in the trigger set and
// never appear in either tree until converted.
type OrderBook struct {
	asset    string
	bids     *btree.BTreeG[*priceLevel]
	asks     *btree.BTreeG[*priceLevel]
	orders   map[int64]*Order
	triggers map[int64]struct{}
}

func newOrderBook(asset string) *OrderBook {
	return &OrderBook{
		asset:    asset,
		bids:     btree.NewG(priceTreeDegree, levelLess),
		asks:     btree.NewG(priceTreeDegree, levelLess),
		orders:   make(map[int64]*Order),
		triggers: make(map[int64]struct{}),
	}
}

// add validates nothing; the manager has already validated. It records the
// order, matches it, and rests any limit remainder in the book. Market
// remainders are cancelled rather than rested.
func (b *OrderBook) add(o *Order, tradeID func() int64) []Trade {
	b.orders[o.ID] = o

	if o.Type == OrderTypeStopLoss || o.Type == OrderTypeTakeProfit {
		b.triggers[o.ID] = struct{}{}
		return nil
	}

	trades := b.match(o, tradeID)

	if o.Remaining > 0 {
		if o.Type == OrderTypeLimit {
			b.rest(o)
		} else {
			o.Status = OrderStatusCancelled
		}
	}

	return trades
}

// match consumes liquidity from the opposite side, best price first, FIFO
// within a level. Returns the trades in execution order.
func (b *OrderBook) match(taker *Order, tradeID func() int64) []Trade {
	var trades []Trade

	opposite := b.asks
	if taker.Side == SideSell {
		opposite = b.bids
	}

	for taker.Remaining > 0 {
		level, ok := b.bestLevel(opposite, taker.Side)
		if !ok {
			break
		}
		if taker.Type == OrderTypeLimit && !priceCrosses(taker, level.price) {
			break
		}

		b.consumeLevel(taker, level, &trades, tradeID)

		if len(level.orders) == 0 {
			opposite.Delete(level)
		}
	}

	return trades
}

// bestLevel returns the most aggressive opposite level: lowest ask for a
// buyer, highest bid for a seller.
func (b *OrderBook) bestLevel(opposite *btree.BTreeG[*priceLevel], takerSide Side) (*priceLevel, bool) {
	if takerSide == SideBuy {
		return opposite.Min()
	}
	return opposite.Max()
}

func priceCrosses(taker *Order, levelPrice int64) bool {
	if taker.Side == SideBuy {
		return levelPrice <= taker.Price
	}
	return levelPrice >= taker.Price
}

// consumeLevel fills the taker against the level's queue front-to-back.
func (b *OrderBook) consumeLevel(taker *Order, level *priceLevel, trades *[]Trade, tradeID func() int64) {
	i := 0
	for i < len(level.orders) && taker.Remaining > 0 {
		maker := b.orders[level.orders[i]]

		qty := taker.Remaining
		if maker.Remaining < qty {
			qty = maker.Remaining
		}

		// The earlier-submitted order's price is the execution price. A
		// market or triggered taker carries no price, so the resting order
		// always sets it in that case.
		price := maker.Price
		if taker.Price > 0 && taker.Timestamp < maker.Timestamp {
			price = taker.Price
		}

		maker.applyFill(qty)
		taker.applyFill(qty)

		buyID, sellID := taker.ID, maker.ID
		buyer, seller := taker.Trader, maker.Trader
		if taker.Side == SideSell {
			buyID, sellID = maker.ID, taker.ID
			buyer, seller = maker.Trader, taker.Trader
		}

		*trades = append(*trades, Trade{
			ID:           tradeID(),
			Asset:        b.asset,
			BuyOrderID:   buyID,
			SellOrderID:  sellID,
			MakerOrderID: maker.ID,
			TakerOrderID: taker.ID,
			Buyer:        buyer,
			Seller:       seller,
			Price:        price,
			Amount:       qty,
			Timestamp:    taker.Timestamp,
		})

		if maker.Remaining == 0 {
			i++
		} else {
			break // taker exhausted against a partially-consumed maker
		}
	}

	level.orders = level.orders[i:]
}

// rest inserts a limit remainder into its side's tree.
func (b *OrderBook) rest(o *Order) {
	tree := b.bids
	if o.Side == SideSell {
		tree = b.asks
	}

	probe := &priceLevel{price: o.Price}
	level, ok := tree.Get(probe)
	if !ok {
		level = &priceLevel{price: o.Price}
		tree.ReplaceOrInsert(level)
	}
	level.orders = append(level.orders, o.ID)
}

// unrest removes an order id from its price level, pruning the level when it
// empties. The level queue keeps its order; cancellation must not reorder
// time priority for the remaining entries.
func (b *OrderBook) unrest(o *Order) {
	tree := b.bids
	if o.Side == SideSell {
		tree = b.asks
	}

	level, ok := tree.Get(&priceLevel{price: o.Price})
	if !ok {
		return
	}
	for i, id := range level.orders {
		if id == o.ID {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			break
		}
	}
	if len(level.orders) == 0 {
		tree.Delete(level)
	}
}

// processTriggers converts qualifying dormant orders to market orders and
// matches them. Orders are visited in id order so replay is deterministic.
func (b *OrderBook) processTriggers(currentPrice int64, tradeID func() int64) ([]int64, []Trade) {
	if len(b.triggers) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(b.triggers))
	for id := range b.triggers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var triggered []int64
	var trades []Trade

	for _, id := range ids {
		o := b.orders[id]
		if !shouldTrigger(o, currentPrice) {
			continue
		}

		delete(b.triggers, id)
		o.Type = OrderTypeMarket
		o.Price = 0

		trades = append(trades, b.match(o, tradeID)...)
		if o.Remaining > 0 {
			o.Status = OrderStatusCancelled
		}
		triggered = append(triggered, id)
	}

	return triggered, trades
}

// shouldTrigger applies the trigger table: stop-loss buys fire at or above
// the trigger, stop-loss sells at or below; take-profits mirror them.
func shouldTrigger(o *Order, price int64) bool {
	switch o.Type {
	case OrderTypeStopLoss:
		if o.Side == SideBuy {
			return price >= o.TriggerPrice
		}
		return price <= o.TriggerPrice
	case OrderTypeTakeProfit:
		if o.Side == SideBuy {
			return price <= o.TriggerPrice
		}
		return price >= o.TriggerPrice
	default:
		return false
	}
}

// cancel removes an order from the book or the trigger set and marks it
// terminal.
func (b *OrderBook) cancel(o *Order) {
	if _, dormant := b.triggers[o.ID]; dormant {
		delete(b.triggers, o.ID)
	} else if o.Type == OrderTypeLimit {
		b.unrest(o)
	}
	o.Status = OrderStatusCancelled
}

// BestBid returns the highest resting bid price.
func (b *OrderBook) BestBid() (int64, bool) {
	level, ok := b.bids.Max()
	if !ok {
		return 0, false
	}
	return level.price, true
}

// BestAsk returns the lowest resting ask price.
func (b *OrderBook) BestAsk() (int64, bool) {
	level, ok := b.asks.Min()
	if !ok {
		return 0, false
	}
	return level.price, true
}

// DepthLevel is one aggregated price level for market-data reads.
type DepthLevel struct {
	Price  int64 `json:"price"`
	Amount int64 `json:"amount"`
	Orders int   `json:"orders"`
}

// Depth aggregates up to maxLevels per side, bids descending, asks ascending.
func (b *OrderBook) Depth(maxLevels int) (bids, asks []DepthLevel) {
	collect := func(level *priceLevel) DepthLevel {
		dl := DepthLevel{Price: level.price, Orders: len(level.orders)}
		for _, id := range level.orders {
			dl.Amount += b.orders[id].Remaining
		}
		return dl
	}

	b.bids.Descend(func(level *priceLevel) bool {
		bids = append(bids, collect(level))
		return len(bids) < maxLevels
	})
	b.asks.Ascend(func(level *priceLevel) bool {
		asks = append(asks, collect(level))
		return len(asks) < maxLevels
	})
	return bids, asks
}

// restore rebuilds the trees and trigger set from an order arena. Level
// queues are rebuilt in (timestamp, id) order to preserve time priority.
func (b *OrderBook) restore(orders []Order) error {
	b.orders = make(map[int64]*Order, len(orders))
	b.triggers = make(map[int64]struct{})
	b.bids = btree.NewG(priceTreeDegree, levelLess)
	b.asks = btree.NewG(priceTreeDegree, levelLess)

	live := make([]*Order, 0, len(orders))
	for i := range orders {
		o := orders[i]
		if o.Asset != b.asset {
			return fmt.Errorf("order %d belongs to %s, book is %s", o.ID, o.Asset, b.asset)
		}
		cp := o
		b.orders[o.ID] = &cp
		if !cp.Status.IsTerminal() {
			live = append(live, &cp)
		}
	}

	sort.Slice(live, func(i, j int) bool {
		if live[i].Timestamp != live[j].Timestamp {
			return live[i].Timestamp < live[j].Timestamp
		}
		return live[i].ID < live[j].ID
	})

	for _, o := range live {
		switch o.Type {
		case OrderTypeStopLoss, OrderTypeTakeProfit:
			b.triggers[o.ID] = struct{}{}
		case OrderTypeLimit:
			b.rest(o)
		}
	}
	return nil
}
