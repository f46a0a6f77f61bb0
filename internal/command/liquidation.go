package command

import "github.com/google/uuid"

// Liquidate asks the liquidation engine to act on a distressed position.
// The caller needs the liquidator capability; health, cooldown and the
// partial/full split are decided by the engine, not the caller.
type Liquidate struct {
	LiquidationID uuid.UUID `json:"liquidation_id"`
	Liquidator    uuid.UUID `json:"liquidator"`
	Asset         string    `json:"asset"`
	PositionID    int64     `json:"position_id"`
	Sequence      int64     `json:"sequence"`
	Timestamp     int64     `json:"timestamp"`
}

func (l *Liquidate) IdempotencyKey() string { return l.LiquidationID.String() }
func (l *Liquidate) CommandType() Type      { return TypeLiquidate }
func (l *Liquidate) AssetSymbol() string    { return l.Asset }
func (l *Liquidate) SourceSequence() int64  { return l.Sequence }
func (l *Liquidate) UnixTime() int64        { return l.Timestamp }
