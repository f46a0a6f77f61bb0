package market

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"PerpVenue/internal/auth"
)

var (
	ErrOrderNotFound  = errors.New("position order not found")
	ErrOrderInactive  = errors.New("position order is not active")
	ErrInvalidTrigger = errors.New("trigger price must be positive")
)

// PositionOrder is a resting trigger attached to a position. A stop-loss
// fires when price moves against the position through the trigger; a
// take-profit fires when it moves in favor. Triggered and cancelled orders
// stay in the list with IsActive false.
type PositionOrder struct {
	TriggerPrice int64
	IsStopLoss   bool
	IsActive     bool
	CreatedAt    int64
}

// triggered reports whether the order fires at price for a position on the
// given side.
func (o *PositionOrder) triggered(isLong bool, price int64) bool {
	if !o.IsActive {
		return false
	}
	if o.IsStopLoss == isLong {
		// Long stop-loss and short take-profit fire on the way down.
		return price <= o.TriggerPrice
	}
	return price >= o.TriggerPrice
}

// AddPositionOrder attaches a stop-loss or take-profit to an open position
// and returns its index in the position's order list.
func (e *Engine) AddPositionOrder(trader uuid.UUID, positionID, triggerPrice int64, isStopLoss bool, now int64) (int, error) {
	if !e.auth.Allowed(trader, auth.ActionTrade) {
		return 0, fmt.Errorf("%w: trade", auth.ErrNotAllowed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.arena.get(positionID)
	if err != nil {
		return 0, err
	}
	if p.Trader != trader {
		return 0, fmt.Errorf("%w: position %d", ErrNotPositionOwner, positionID)
	}
	if !p.IsOpen {
		return 0, fmt.Errorf("%w: position %d", ErrPositionClosed, positionID)
	}
	if triggerPrice <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTrigger, triggerPrice)
	}

	e.orders[positionID] = append(e.orders[positionID], PositionOrder{
		TriggerPrice: triggerPrice,
		IsStopLoss:   isStopLoss,
		IsActive:     true,
		CreatedAt:    now,
	})
	return len(e.orders[positionID]) - 1, nil
}

// CancelPositionOrder deactivates one of the caller's position orders.
func (e *Engine) CancelPositionOrder(trader uuid.UUID, positionID int64, orderIndex int) error {
	if !e.auth.Allowed(trader, auth.ActionTrade) {
		return fmt.Errorf("%w: trade", auth.ErrNotAllowed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.arena.get(positionID)
	if err != nil {
		return err
	}
	if p.Trader != trader {
		return fmt.Errorf("%w: position %d", ErrNotPositionOwner, positionID)
	}
	list := e.orders[positionID]
	if orderIndex < 0 || orderIndex >= len(list) {
		return fmt.Errorf("%w: position %d index %d", ErrOrderNotFound, positionID, orderIndex)
	}
	if !list[orderIndex].IsActive {
		return fmt.Errorf("%w: position %d index %d", ErrOrderInactive, positionID, orderIndex)
	}
	list[orderIndex].IsActive = false
	return nil
}

// PositionOrders returns a copy of a position's order list.
func (e *Engine) PositionOrders(positionID int64) ([]PositionOrder, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, err := e.arena.get(positionID); err != nil {
		return nil, err
	}
	out := make([]PositionOrder, len(e.orders[positionID]))
	copy(out, e.orders[positionID])
	return out, nil
}

// deactivateOrders turns off every order on a position. Called with the
// engine lock held when a position closes.
func (e *Engine) deactivateOrders(positionID int64) {
	list := e.orders[positionID]
	for i := range list {
		list[i].IsActive = false
	}
}

// ExecuteTriggeredOrders scans a market's open positions and fully closes
// any whose active order fires at the current oracle price. Each close runs
// the normal decrease flow under a per-position reference derived from ref.
// Failures on one position do not stop the scan; results carry only the
// fills that settled.
func (e *Engine) ExecuteTriggeredOrders(symbol, ref string, now int64) ([]*DecreaseResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	info, err := e.catalog.get(symbol)
	if err != nil {
		return nil, err
	}
	if info.Status == StatusPaused {
		return nil, fmt.Errorf("%w: %s", ErrMarketPaused, symbol)
	}
	price, err := e.markPrice(symbol, now)
	if err != nil {
		return nil, err
	}

	var fired []int64
	for _, p := range e.arena.positions {
		if !p.IsOpen || p.Market != symbol {
			continue
		}
		for i := range e.orders[p.ID] {
			if e.orders[p.ID][i].triggered(p.IsLong, price) {
				fired = append(fired, p.ID)
				break
			}
		}
	}

	var results []*DecreaseResult
	for _, id := range fired {
		p, err := e.arena.get(id)
		if err != nil {
			continue
		}
		res, err := e.decreaseLocked(p.Trader, id, p.Size, fmt.Sprintf("%s#%d", ref, id), now)
		if err != nil {
			continue
		}
		results = append(results, res)
	}
	return results, nil
}
