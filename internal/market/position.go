package market

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionClosed   = errors.New("position is closed")
	ErrNotPositionOwner = errors.New("caller does not own the position")
)

// Position is one arena record. Ids are assigned once at open, start at 1
// and are never reused; a closed position stays in the arena with IsOpen
// false as the permanent record of its lifecycle.
//
// Size is the leveraged quote notional and stays positive for both sides;
// IsLong carries the direction. Margin is the collateral locked for the
// position. FundingPointer is the index into the market's funding period
// log through which this position has settled.
type Position struct {
	ID       int64
	Trader   uuid.UUID
	Market   string
	IsLong   bool
	Size     int64
	Margin   int64
	Entry    int64
	Leverage int64

	FundingPointer int64
	IsOpen         bool

	OpenedAt  int64
	UpdatedAt int64
	ClosedAt  int64
}

func (p *Position) sideSign() int64 {
	if p.IsLong {
		return 1
	}
	return -1
}

// CanonicalBytes renders the position in a fixed little-endian layout for
// state digests. Field order is part of the format and must not change.
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96+len(p.Market))
	buf = appendInt64LE(buf, p.ID)
	buf = append(buf, p.Trader[:]...)
	buf = append(buf, p.Market...)
	if p.IsLong {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendInt64LE(buf, p.Size)
	buf = appendInt64LE(buf, p.Margin)
	buf = appendInt64LE(buf, p.Entry)
	buf = appendInt64LE(buf, p.Leverage)
	buf = appendInt64LE(buf, p.FundingPointer)
	if p.IsOpen {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendInt64LE(buf, p.UpdatedAt)
	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	u := uint64(v)
	return append(buf,
		byte(u), byte(u>>8), byte(u>>16), byte(u>>24),
		byte(u>>32), byte(u>>40), byte(u>>48), byte(u>>56))
}

// arena is the append-only position store. Slot n-1 holds position id n.
type arena struct {
	positions []*Position
}

func newArena() *arena {
	return &arena{}
}

// append assigns the next id and stores the record.
func (a *arena) append(p *Position) int64 {
	p.ID = int64(len(a.positions)) + 1
	a.positions = append(a.positions, p)
	return p.ID
}

func (a *arena) get(id int64) (*Position, error) {
	if id < 1 || id > int64(len(a.positions)) {
		return nil, fmt.Errorf("%w: id %d", ErrPositionNotFound, id)
	}
	return a.positions[id-1], nil
}

func (a *arena) len() int {
	return len(a.positions)
}

// GetPosition returns a copy of the arena record.
func (e *Engine) GetPosition(id int64) (Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, err := e.arena.get(id)
	if err != nil {
		return Position{}, err
	}
	return *p, nil
}

// OpenPositions returns copies of every open position, in id order.
func (e *Engine) OpenPositions() []Position {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Position
	for _, p := range e.arena.positions {
		if p.IsOpen {
			out = append(out, *p)
		}
	}
	return out
}

// TraderPositions returns copies of a trader's open positions, in id order.
func (e *Engine) TraderPositions(trader uuid.UUID) []Position {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Position
	for _, p := range e.arena.positions {
		if p.IsOpen && p.Trader == trader {
			out = append(out, *p)
		}
	}
	return out
}

// PositionCount reports how many records the arena holds, open or closed.
func (e *Engine) PositionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.arena.len()
}
