package market

import "sort"

// EngineSnapshot is the full copy of market state used by venue snapshots.
// Positions are in arena order so ids keep mapping to slots on restore.
type EngineSnapshot struct {
	Markets   []Info
	Positions []Position
	Orders    map[int64][]PositionOrder
}

// Snapshot copies markets, the arena and position orders.
func (e *Engine) Snapshot() EngineSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := EngineSnapshot{
		Markets:   make([]Info, 0, len(e.catalog.markets)),
		Positions: make([]Position, 0, len(e.arena.positions)),
		Orders:    make(map[int64][]PositionOrder, len(e.orders)),
	}
	for _, info := range e.catalog.markets {
		snap.Markets = append(snap.Markets, *info)
	}
	sort.Slice(snap.Markets, func(a, b int) bool { return snap.Markets[a].Symbol < snap.Markets[b].Symbol })
	for _, p := range e.arena.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	for id, list := range e.orders {
		cp := make([]PositionOrder, len(list))
		copy(cp, list)
		snap.Orders[id] = cp
	}
	return snap
}

// Restore replaces engine state with a snapshot. Funding aggregates are not
// re-pushed here; the funding manager restores its own open interest.
func (e *Engine) Restore(snap EngineSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.catalog = newCatalog()
	for i := range snap.Markets {
		info := snap.Markets[i]
		e.catalog.markets[info.Symbol] = &info
	}

	e.arena = newArena()
	for i := range snap.Positions {
		p := snap.Positions[i]
		e.arena.positions = append(e.arena.positions, &p)
	}

	e.orders = make(map[int64][]PositionOrder, len(snap.Orders))
	for id, list := range snap.Orders {
		cp := make([]PositionOrder, len(list))
		copy(cp, list)
		e.orders[id] = cp
	}
}
