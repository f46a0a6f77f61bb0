package command

import "github.com/google/uuid"

// Admin commands mutate venue configuration. Every one requires the
// operator capability except role grants, which are checked against the
// operator capability of the granting caller.

// RegisterAsset adds a symbol to the asset registry.
type RegisterAsset struct {
	Ref       uuid.UUID `json:"ref"`
	Caller    uuid.UUID `json:"caller"`
	Symbol    string    `json:"symbol"`
	FeedKey   string    `json:"feed_key"`
	Decimals  uint8     `json:"decimals"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (r *RegisterAsset) IdempotencyKey() string { return r.Ref.String() }
func (r *RegisterAsset) CommandType() Type      { return TypeRegisterAsset }
func (r *RegisterAsset) AssetSymbol() string    { return "" }
func (r *RegisterAsset) SourceSequence() int64  { return r.Sequence }
func (r *RegisterAsset) UnixTime() int64        { return r.Timestamp }

// CreateMarket lists a spot or perpetual market on a registered asset.
// MarketType: 0 spot, 1 perpetual.
type CreateMarket struct {
	Ref               uuid.UUID `json:"ref"`
	Caller            uuid.UUID `json:"caller"`
	Symbol            string    `json:"symbol"`
	MarketType        int32     `json:"market_type"`
	MaxLeverage       int64     `json:"max_leverage"`
	MaxPositionSize   int64     `json:"max_position_size"`
	MinOrderMargin    int64     `json:"min_order_margin"`
	MaxSkewPercent    int64     `json:"max_skew_percent"`
	MakerFeeBps       int64     `json:"maker_fee_bps"`
	TakerFeeBps       int64     `json:"taker_fee_bps"`
	LiquidationFeeBps int64     `json:"liquidation_fee_bps"`
	Sequence          int64     `json:"sequence"`
	Timestamp         int64     `json:"timestamp"`
}

func (c *CreateMarket) IdempotencyKey() string { return c.Ref.String() }
func (c *CreateMarket) CommandType() Type      { return TypeCreateMarket }
func (c *CreateMarket) AssetSymbol() string    { return c.Symbol }
func (c *CreateMarket) SourceSequence() int64  { return c.Sequence }
func (c *CreateMarket) UnixTime() int64        { return c.Timestamp }

// SetMarketStatus moves a market between Active, Restricted and Paused.
// Status: 0 active, 1 restricted, 2 paused.
type SetMarketStatus struct {
	Ref       uuid.UUID `json:"ref"`
	Caller    uuid.UUID `json:"caller"`
	Symbol    string    `json:"symbol"`
	Status    int32     `json:"status"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (s *SetMarketStatus) IdempotencyKey() string { return s.Ref.String() }
func (s *SetMarketStatus) CommandType() Type      { return TypeSetMarketStatus }
func (s *SetMarketStatus) AssetSymbol() string    { return s.Symbol }
func (s *SetMarketStatus) SourceSequence() int64  { return s.Sequence }
func (s *SetMarketStatus) UnixTime() int64        { return s.Timestamp }

// UpdateRiskParams replaces a market's risk limits.
type UpdateRiskParams struct {
	Ref             uuid.UUID `json:"ref"`
	Caller          uuid.UUID `json:"caller"`
	Symbol          string    `json:"symbol"`
	MaxLeverage     int64     `json:"max_leverage"`
	MaxPositionSize int64     `json:"max_position_size"`
	MinOrderMargin  int64     `json:"min_order_margin"`
	MaxSkewPercent  int64     `json:"max_skew_percent"`
	Sequence        int64     `json:"sequence"`
	Timestamp       int64     `json:"timestamp"`
}

func (u *UpdateRiskParams) IdempotencyKey() string { return u.Ref.String() }
func (u *UpdateRiskParams) CommandType() Type      { return TypeUpdateRiskParams }
func (u *UpdateRiskParams) AssetSymbol() string    { return u.Symbol }
func (u *UpdateRiskParams) SourceSequence() int64  { return u.Sequence }
func (u *UpdateRiskParams) UnixTime() int64        { return u.Timestamp }

// SetFeeSchedule replaces a market's fee schedule.
type SetFeeSchedule struct {
	Ref               uuid.UUID `json:"ref"`
	Caller            uuid.UUID `json:"caller"`
	Symbol            string    `json:"symbol"`
	MakerFeeBps       int64     `json:"maker_fee_bps"`
	TakerFeeBps       int64     `json:"taker_fee_bps"`
	LiquidationFeeBps int64     `json:"liquidation_fee_bps"`
	Sequence          int64     `json:"sequence"`
	Timestamp         int64     `json:"timestamp"`
}

func (s *SetFeeSchedule) IdempotencyKey() string { return s.Ref.String() }
func (s *SetFeeSchedule) CommandType() Type      { return TypeSetFeeSchedule }
func (s *SetFeeSchedule) AssetSymbol() string    { return s.Symbol }
func (s *SetFeeSchedule) SourceSequence() int64  { return s.Sequence }
func (s *SetFeeSchedule) UnixTime() int64        { return s.Timestamp }

// GrantRole adds capability roles to an account. Roles is a bitmask of
// auth.Role values.
type GrantRole struct {
	Ref       uuid.UUID `json:"ref"`
	Caller    uuid.UUID `json:"caller"`
	Account   uuid.UUID `json:"account"`
	Roles     int32     `json:"roles"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (g *GrantRole) IdempotencyKey() string { return g.Ref.String() }
func (g *GrantRole) CommandType() Type      { return TypeGrantRole }
func (g *GrantRole) AssetSymbol() string    { return "" }
func (g *GrantRole) SourceSequence() int64  { return g.Sequence }
func (g *GrantRole) UnixTime() int64        { return g.Timestamp }

// RevokeRole removes capability roles from an account.
type RevokeRole struct {
	Ref       uuid.UUID `json:"ref"`
	Caller    uuid.UUID `json:"caller"`
	Account   uuid.UUID `json:"account"`
	Roles     int32     `json:"roles"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (r *RevokeRole) IdempotencyKey() string { return r.Ref.String() }
func (r *RevokeRole) CommandType() Type      { return TypeRevokeRole }
func (r *RevokeRole) AssetSymbol() string    { return "" }
func (r *RevokeRole) SourceSequence() int64  { return r.Sequence }
func (r *RevokeRole) UnixTime() int64        { return r.Timestamp }
