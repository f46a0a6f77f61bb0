// Package command defines the typed state-mutation requests the core
// processes serially, plus the hash-chained envelope recorded in the
// event log for each applied command.
package command

// Type discriminates command payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypeDeposit
	TypeWithdraw
	TypePlaceOrder
	TypeCancelOrder
	TypeOpenPosition
	TypeIncreasePosition
	TypeDecreasePosition
	TypeClosePosition
	TypeAddPositionOrder
	TypeCancelPositionOrder
	TypePriceUpdate
	TypeFundingTick
	TypeLiquidate
	TypeRegisterAsset
	TypeCreateMarket
	TypeSetMarketStatus
	TypeUpdateRiskParams
	TypeSetFeeSchedule
	TypeGrantRole
	TypeRevokeRole
	TypeSeedInsurance
)

// Envelope wraps every applied command in the event log.
type Envelope struct {
	// Global monotonic sequence assigned by the core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType Type

	// Asset context, empty for global commands
	Asset string

	// Versioned input timestamp, unix seconds (never wall clock)
	Timestamp int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// Canonical JSON of the command payload
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous envelope's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads implement.
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() Type

	// AssetSymbol returns the asset context, empty for global commands
	AssetSymbol() string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64

	// UnixTime returns the versioned input timestamp in unix seconds
	UnixTime() int64
}

func (t Type) String() string {
	switch t {
	case TypeDeposit:
		return "Deposit"
	case TypeWithdraw:
		return "Withdraw"
	case TypePlaceOrder:
		return "PlaceOrder"
	case TypeCancelOrder:
		return "CancelOrder"
	case TypeOpenPosition:
		return "OpenPosition"
	case TypeIncreasePosition:
		return "IncreasePosition"
	case TypeDecreasePosition:
		return "DecreasePosition"
	case TypeClosePosition:
		return "ClosePosition"
	case TypeAddPositionOrder:
		return "AddPositionOrder"
	case TypeCancelPositionOrder:
		return "CancelPositionOrder"
	case TypePriceUpdate:
		return "PriceUpdate"
	case TypeFundingTick:
		return "FundingTick"
	case TypeLiquidate:
		return "Liquidate"
	case TypeRegisterAsset:
		return "RegisterAsset"
	case TypeCreateMarket:
		return "CreateMarket"
	case TypeSetMarketStatus:
		return "SetMarketStatus"
	case TypeUpdateRiskParams:
		return "UpdateRiskParams"
	case TypeSetFeeSchedule:
		return "SetFeeSchedule"
	case TypeGrantRole:
		return "GrantRole"
	case TypeRevokeRole:
		return "RevokeRole"
	case TypeSeedInsurance:
		return "SeedInsurance"
	default:
		return "Unknown"
	}
}
