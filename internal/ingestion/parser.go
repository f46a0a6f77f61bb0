package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"PerpVenue/internal/command"
)

// ParseRawCommand decodes JSON bytes into a typed command. The same
// decoder serves live NATS traffic and event-log replay; envelope
// payloads are written with json.Marshal on these exact types, so a
// stored payload always parses back to the command that produced it.
//
// Unknown command types, malformed JSON, bad uuids and unknown
// side/kind names all fail parsing. A command that fails here is
// terminally rejected, never retried.
func ParseRawCommand(data []byte, commandType string) (command.Command, error) {
	switch commandType {
	case "Deposit":
		return parseDeposit(data)
	case "Withdraw":
		return parseWithdraw(data)
	case "SeedInsurance":
		return parseSeedInsurance(data)
	case "PlaceOrder":
		return parsePlaceOrder(data)
	case "CancelOrder":
		return parseCancelOrder(data)
	case "OpenPosition":
		return parseOpenPosition(data)
	case "IncreasePosition":
		return parseIncreasePosition(data)
	case "DecreasePosition":
		return parseDecreasePosition(data)
	case "ClosePosition":
		return parseClosePosition(data)
	case "AddPositionOrder":
		return parseAddPositionOrder(data)
	case "CancelPositionOrder":
		return parseCancelPositionOrder(data)
	case "PriceUpdate":
		return parsePriceUpdate(data)
	case "FundingTick":
		return parseFundingTick(data)
	case "Liquidate":
		return parseLiquidate(data)
	case "RegisterAsset":
		return parseRegisterAsset(data)
	case "CreateMarket":
		return parseCreateMarket(data)
	case "SetMarketStatus":
		return parseSetMarketStatus(data)
	case "UpdateRiskParams":
		return parseUpdateRiskParams(data)
	case "SetFeeSchedule":
		return parseSetFeeSchedule(data)
	case "GrantRole":
		return parseGrantRole(data)
	case "RevokeRole":
		return parseRevokeRole(data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// requireID rejects absent or zero uuid fields. A zero ref would
// otherwise produce a shared idempotency key and silently swallow every
// later command with the same hole.
func requireID(id uuid.UUID, field string) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing %s", field)
	}
	return nil
}

func parseDeposit(data []byte) (command.Command, error) {
	var c command.Deposit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	if err := requireID(c.DepositID, "deposit_id"); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	if err := requireID(c.Trader, "trader"); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	return &c, nil
}

func parseWithdraw(data []byte) (command.Command, error) {
	var c command.Withdraw
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	if err := requireID(c.WithdrawalID, "withdrawal_id"); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	if err := requireID(c.Trader, "trader"); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	return &c, nil
}

func parseSeedInsurance(data []byte) (command.Command, error) {
	var c command.SeedInsurance
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse SeedInsurance: %w", err)
	}
	if err := requireID(c.TransferID, "transfer_id"); err != nil {
		return nil, fmt.Errorf("parse SeedInsurance: %w", err)
	}
	if err := requireID(c.Caller, "caller"); err != nil {
		return nil, fmt.Errorf("parse SeedInsurance: %w", err)
	}
	return &c, nil
}

func parsePlaceOrder(data []byte) (command.Command, error) {
	var c command.PlaceOrder
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse PlaceOrder: %w", err)
	}
	if err := requireID(c.OrderRef, "order_ref"); err != nil {
		return nil, fmt.Errorf("parse PlaceOrder: %w", err)
	}
	if err := requireID(c.Trader, "trader"); err != nil {
		return nil, fmt.Errorf("parse PlaceOrder: %w", err)
	}
	if c.Asset == "" {
		return nil, fmt.Errorf("parse PlaceOrder: missing asset")
	}
	return &c, nil
}

func parseCancelOrder(data []byte) (command.Command, error) {
	var c command.CancelOrder
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse CancelOrder: %w", err)
	}
	if err := requireID(c.CancelRef, "cancel_ref"); err != nil {
		return nil, fmt.Errorf("parse CancelOrder: %w", err)
	}
	if err := requireID(c.Trader, "trader"); err != nil {
		return nil, fmt.Errorf("parse CancelOrder: %w", err)
	}
	if c.Asset == "" {
		return nil, fmt.Errorf("parse CancelOrder: missing asset")
	}
	return &c, nil
}

func parseOpenPosition(data []byte) (command.Command, error) {
	var c command.OpenPosition
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse OpenPosition: %w", err)
	}
	if err := requireID(c.ActionRef, "action_ref"); err != nil {
		return nil, fmt.Errorf("parse OpenPosition: %w", err)
	}
	if err := requireID(c.Trader, "trader"); err != nil {
		return nil, fmt.Errorf("parse OpenPosition: %w", err)
	}
	if c.Asset == "" {
		return nil, fmt.Errorf("parse OpenPosition: missing asset")
	}
	return &c, nil
}

func parseIncreasePosition(data []byte) (command.Command, error) {
	var c command.IncreasePosition
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse IncreasePosition: %w", err)
	}
	if err := requireID(c.ActionRef, "action_ref"); err != nil {
		return nil, fmt.Errorf("parse IncreasePosition: %w", err)
	}
	if err := requireID(c.Trader, "trader"); err != nil {
		return nil, fmt.Errorf("parse IncreasePosition: %w", err)
	}
	if c.Asset == "" {
		return nil, fmt.Errorf("parse IncreasePosition: missing asset")
	}
	return &c, nil
}

func parseDecreasePosition(data []byte) (command.Command, error) {
	var c command.DecreasePosition
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse DecreasePosition: %w", err)
	}
	if err := requireID(c.ActionRef, "action_ref"); err != nil {
		return nil, fmt.Errorf("parse DecreasePosition: %w", err)
	}
	if err := requireID(c.Trader, "trader"); err != nil {
		return nil, fmt.Errorf("parse DecreasePosition: %w", err)
	}
	if c.Asset == "" {
		return nil, fmt.Errorf("parse DecreasePosition: missing asset")
	}
	return &c, nil
}

func parseClosePosition(data []byte) (command.Command, error) {
	var c command.ClosePosition
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse ClosePosition: %w", err)
	}
	if err := requireID(c.ActionRef, "action_ref"); err != nil {
		return nil, fmt.Errorf("parse ClosePosition: %w", err)
	}
	if err := requireID(c.Trader, "trader"); err != nil {
		return nil, fmt.Errorf("parse ClosePosition: %w", err)
	}
	if c.Asset == "" {
		return nil, fmt.Errorf("parse ClosePosition: missing asset")
	}
	return &c, nil
}

func parseAddPositionOrder(data []byte) (command.Command, error) {
	var c command.AddPositionOrder
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse AddPositionOrder: %w", err)
	}
	if err := requireID(c.ActionRef, "action_ref"); err != nil {
		return nil, fmt.Errorf("parse AddPositionOrder: %w", err)
	}
	if err := requireID(c.Trader, "trader"); err != nil {
		return nil, fmt.Errorf("parse AddPositionOrder: %w", err)
	}
	if c.Asset == "" {
		return nil, fmt.Errorf("parse AddPositionOrder: missing asset")
	}
	return &c, nil
}

func parseCancelPositionOrder(data []byte) (command.Command, error) {
	var c command.CancelPositionOrder
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse CancelPositionOrder: %w", err)
	}
	if err := requireID(c.ActionRef, "action_ref"); err != nil {
		return nil, fmt.Errorf("parse CancelPositionOrder: %w", err)
	}
	if err := requireID(c.Trader, "trader"); err != nil {
		return nil, fmt.Errorf("parse CancelPositionOrder: %w", err)
	}
	if c.Asset == "" {
		return nil, fmt.Errorf("parse CancelPositionOrder: missing asset")
	}
	return &c, nil
}

func parsePriceUpdate(data []byte) (command.Command, error) {
	var c command.PriceUpdate
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	if c.Feed == "" {
		return nil, fmt.Errorf("parse PriceUpdate: missing feed")
	}
	return &c, nil
}

func parseFundingTick(data []byte) (command.Command, error) {
	var c command.FundingTick
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse FundingTick: %w", err)
	}
	return &c, nil
}

func parseLiquidate(data []byte) (command.Command, error) {
	var c command.Liquidate
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	if err := requireID(c.LiquidationID, "liquidation_id"); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	if err := requireID(c.Liquidator, "liquidator"); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	if c.Asset == "" {
		return nil, fmt.Errorf("parse Liquidate: missing asset")
	}
	return &c, nil
}

func parseRegisterAsset(data []byte) (command.Command, error) {
	var c command.RegisterAsset
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse RegisterAsset: %w", err)
	}
	if err := requireID(c.Ref, "ref"); err != nil {
		return nil, fmt.Errorf("parse RegisterAsset: %w", err)
	}
	if err := requireID(c.Caller, "caller"); err != nil {
		return nil, fmt.Errorf("parse RegisterAsset: %w", err)
	}
	if c.Symbol == "" {
		return nil, fmt.Errorf("parse RegisterAsset: missing symbol")
	}
	return &c, nil
}

func parseCreateMarket(data []byte) (command.Command, error) {
	var c command.CreateMarket
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse CreateMarket: %w", err)
	}
	if err := requireID(c.Ref, "ref"); err != nil {
		return nil, fmt.Errorf("parse CreateMarket: %w", err)
	}
	if err := requireID(c.Caller, "caller"); err != nil {
		return nil, fmt.Errorf("parse CreateMarket: %w", err)
	}
	if c.Symbol == "" {
		return nil, fmt.Errorf("parse CreateMarket: missing symbol")
	}
	return &c, nil
}

func parseSetMarketStatus(data []byte) (command.Command, error) {
	var c command.SetMarketStatus
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse SetMarketStatus: %w", err)
	}
	if err := requireID(c.Ref, "ref"); err != nil {
		return nil, fmt.Errorf("parse SetMarketStatus: %w", err)
	}
	if err := requireID(c.Caller, "caller"); err != nil {
		return nil, fmt.Errorf("parse SetMarketStatus: %w", err)
	}
	if c.Symbol == "" {
		return nil, fmt.Errorf("parse SetMarketStatus: missing symbol")
	}
	return &c, nil
}

func parseUpdateRiskParams(data []byte) (command.Command, error) {
	var c command.UpdateRiskParams
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse UpdateRiskParams: %w", err)
	}
	if err := requireID(c.Ref, "ref"); err != nil {
		return nil, fmt.Errorf("parse UpdateRiskParams: %w", err)
	}
	if err := requireID(c.Caller, "caller"); err != nil {
		return nil, fmt.Errorf("parse UpdateRiskParams: %w", err)
	}
	if c.Symbol == "" {
		return nil, fmt.Errorf("parse UpdateRiskParams: missing symbol")
	}
	return &c, nil
}

func parseSetFeeSchedule(data []byte) (command.Command, error) {
	var c command.SetFeeSchedule
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse SetFeeSchedule: %w", err)
	}
	if err := requireID(c.Ref, "ref"); err != nil {
		return nil, fmt.Errorf("parse SetFeeSchedule: %w", err)
	}
	if err := requireID(c.Caller, "caller"); err != nil {
		return nil, fmt.Errorf("parse SetFeeSchedule: %w", err)
	}
	if c.Symbol == "" {
		return nil, fmt.Errorf("parse SetFeeSchedule: missing symbol")
	}
	return &c, nil
}

func parseGrantRole(data []byte) (command.Command, error) {
	var c command.GrantRole
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse GrantRole: %w", err)
	}
	if err := requireID(c.Ref, "ref"); err != nil {
		return nil, fmt.Errorf("parse GrantRole: %w", err)
	}
	if err := requireID(c.Caller, "caller"); err != nil {
		return nil, fmt.Errorf("parse GrantRole: %w", err)
	}
	if err := requireID(c.Account, "account"); err != nil {
		return nil, fmt.Errorf("parse GrantRole: %w", err)
	}
	return &c, nil
}

func parseRevokeRole(data []byte) (command.Command, error) {
	var c command.RevokeRole
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse RevokeRole: %w", err)
	}
	if err := requireID(c.Ref, "ref"); err != nil {
		return nil, fmt.Errorf("parse RevokeRole: %w", err)
	}
	if err := requireID(c.Caller, "caller"); err != nil {
		return nil, fmt.Errorf("parse RevokeRole: %w", err)
	}
	if err := requireID(c.Account, "account"); err != nil {
		return nil, fmt.Errorf("parse RevokeRole: %w", err)
	}
	return &c, nil
}
