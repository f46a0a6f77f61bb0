package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope is the top-level account namespace.
type AccountScope uint8

const (
	AccountScopeTrader AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType identifies the account purpose within a scope.
type AccountSubType uint8

const (
	// Trader sub-types
	SubTypeAvailable AccountSubType = iota
	SubTypeLocked

	// System sub-types
	SubTypeSystemFees
	SubTypeSystemFundingPool
	SubTypeSystemInsuranceFund
	SubTypeSystemPnLPool

	// External boundary sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// VenueSystemName keys the global system accounts (fees, insurance fund,
// pnl pool). Funding pools use the market symbol instead.
const VenueSystemName = "venue"

// CurrencyID maps settlement currencies to numeric IDs for compact keys.
type CurrencyID uint16

// SettlementCurrency is the venue's margin currency. All collateral,
// fees, funding and penalties move in this currency at quote scale.
const SettlementCurrency CurrencyID = 1

var (
	currencyToID = map[string]CurrencyID{
		"USDC": 1,
		"USDT": 2,
	}
	idToCurrency = map[CurrencyID]string{
		1: "USDC",
		2: "USDT",
	}
)

func GetCurrencyID(symbol string) (CurrencyID, bool) {
	id, ok := currencyToID[symbol]
	return id, ok
}

func GetCurrencyName(id CurrencyID) (string, bool) {
	name, ok := idToCurrency[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (21 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for traders, padded name for system accounts
	SubType  AccountSubType
	Currency CurrencyID
}

// NewTraderAccountKey creates a key for trader accounts.
func NewTraderAccountKey(trader uuid.UUID, subType AccountSubType, currency CurrencyID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeTrader,
		EntityID: trader,
		SubType:  subType,
		Currency: currency,
	}
}

// NewSystemAccountKey creates a key for system accounts. The name
// disambiguates instances of the same sub-type, e.g. per-market funding
// pools keyed by symbol.
func NewSystemAccountKey(name string, subType AccountSubType, currency CurrencyID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		Currency: currency,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts.
// These run negative as value enters the venue, keeping the ledger zero-sum.
func NewExternalAccountKey(subType AccountSubType, currency CurrencyID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeExternal,
		SubType:  subType,
		Currency: currency,
	}
}

// AccountPath returns the string representation for storage/logging.
func (k AccountKey) AccountPath() string {
	currencyName, _ := GetCurrencyName(k.Currency)

	switch k.Scope {
	case AccountScopeTrader:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("trader:%s:%s:%s", uid.String(), k.subTypeName(), currencyName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s:%s", systemName(k.EntityID), k.subTypeName(), currencyName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), currencyName)
	}
	return "unknown"
}

func systemName(entityID [16]byte) string {
	n := 0
	for n < len(entityID) && entityID[n] != 0 {
		n++
	}
	return string(entityID[:n])
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeAvailable:
		return "available"
	case SubTypeLocked:
		return "locked"
	case SubTypeSystemFees:
		return "fees"
	case SubTypeSystemFundingPool:
		return "funding_pool"
	case SubTypeSystemInsuranceFund:
		return "insurance_fund"
	case SubTypeSystemPnLPool:
		return "pnl_pool"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}

func subTypeFromName(name string) (AccountSubType, bool) {
	switch name {
	case "available":
		return SubTypeAvailable, true
	case "locked":
		return SubTypeLocked, true
	case "fees":
		return SubTypeSystemFees, true
	case "funding_pool":
		return SubTypeSystemFundingPool, true
	case "insurance_fund":
		return SubTypeSystemInsuranceFund, true
	case "pnl_pool":
		return SubTypeSystemPnLPool, true
	case "deposits":
		return SubTypeExternalDeposits, true
	case "withdrawals":
		return SubTypeExternalWithdrawals, true
	}
	return 0, false
}

// ParseAccountPath reconstructs an AccountKey from its AccountPath form,
// for snapshot restore. Unparseable paths return the zero key and false.
func ParseAccountPath(path string) (AccountKey, bool) {
	parts := strings.Split(path, ":")
	if len(parts) < 3 {
		return AccountKey{}, false
	}

	currency, ok := GetCurrencyID(parts[len(parts)-1])
	if !ok {
		return AccountKey{}, false
	}

	switch parts[0] {
	case "trader":
		if len(parts) != 4 {
			return AccountKey{}, false
		}
		trader, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, false
		}
		sub, ok := subTypeFromName(parts[2])
		if !ok {
			return AccountKey{}, false
		}
		return NewTraderAccountKey(trader, sub, currency), true
	case "system":
		if len(parts) != 4 {
			return AccountKey{}, false
		}
		sub, ok := subTypeFromName(parts[2])
		if !ok {
			return AccountKey{}, false
		}
		return NewSystemAccountKey(parts[1], sub, currency), true
	case "external":
		if len(parts) != 3 {
			return AccountKey{}, false
		}
		sub, ok := subTypeFromName(parts[1])
		if !ok {
			return AccountKey{}, false
		}
		return NewExternalAccountKey(sub, currency), true
	}
	return AccountKey{}, false
}
