package query

import "github.com/google/uuid"

// Every response carries AsOfSequence, the projection watermark at query
// time. Clients compare it against the sequence their command was
// acknowledged at to judge whether the read models have caught up.

// CurrencyBalance is one currency's view of a trader's collateral.
type CurrencyBalance struct {
	Currency  string `json:"currency"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
	Total     int64  `json:"total"`
}

type BalancesResponse struct {
	Trader       uuid.UUID         `json:"trader"`
	Balances     []CurrencyBalance `json:"balances"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

type PositionResponse struct {
	PositionID     int64     `json:"position_id"`
	Trader         uuid.UUID `json:"trader"`
	Market         string    `json:"market"`
	IsLong         bool      `json:"is_long"`
	Size           int64     `json:"size"`
	Margin         int64     `json:"margin"`
	EntryPrice     int64     `json:"entry_price"`
	Leverage       int64     `json:"leverage"`
	FundingPointer int64     `json:"funding_pointer"`
	IsOpen         bool      `json:"is_open"`
	OpenedAt       int64     `json:"opened_at"`
	UpdatedAt      int64     `json:"updated_at"`
	ClosedAt       int64     `json:"closed_at,omitempty"`
}

type PositionsResponse struct {
	Trader       uuid.UUID          `json:"trader"`
	Positions    []PositionResponse `json:"positions"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// OrderResponse names the side/type/status enums instead of exposing
// their storage codes.
type OrderResponse struct {
	OrderID      int64     `json:"order_id"`
	Trader       uuid.UUID `json:"trader"`
	Asset        string    `json:"asset"`
	Side         string    `json:"side"`
	Type         string    `json:"type"`
	Price        int64     `json:"price"`
	Amount       int64     `json:"amount"`
	Remaining    int64     `json:"remaining"`
	TriggerPrice int64     `json:"trigger_price,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    int64     `json:"created_at"`
}

type OrdersResponse struct {
	Trader       uuid.UUID       `json:"trader"`
	Orders       []OrderResponse `json:"orders"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

type TradeResponse struct {
	TradeID     int64     `json:"trade_id"`
	Asset       string    `json:"asset"`
	Price       int64     `json:"price"`
	Amount      int64     `json:"amount"`
	BuyOrderID  int64     `json:"buy_order_id"`
	SellOrderID int64     `json:"sell_order_id"`
	Buyer       uuid.UUID `json:"buyer"`
	Seller      uuid.UUID `json:"seller"`
	Timestamp   int64     `json:"timestamp"`
}

type TradesResponse struct {
	Asset        string          `json:"asset"`
	Trades       []TradeResponse `json:"trades"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

type FundingPeriodResponse struct {
	Asset          string `json:"asset"`
	PeriodIndex    int64  `json:"period_index"`
	Rate           int64  `json:"rate"`
	PremiumIndex   int64  `json:"premium_index"`
	CumulativeRate int64  `json:"cumulative_rate"`
	LongSize       int64  `json:"long_size"`
	ShortSize      int64  `json:"short_size"`
	Timestamp      int64  `json:"timestamp"`
}

type FundingHistoryResponse struct {
	Asset        string                  `json:"asset"`
	Periods      []FundingPeriodResponse `json:"periods"`
	AsOfSequence int64                   `json:"as_of_sequence"`
}

type LiquidationResponse struct {
	LiquidationID         uuid.UUID `json:"liquidation_id"`
	Sequence              int64     `json:"sequence"`
	Asset                 string    `json:"asset"`
	PositionID            int64     `json:"position_id"`
	Liquidator            uuid.UUID `json:"liquidator"`
	MarginReleased        int64     `json:"margin_released"`
	Reward                int64     `json:"reward"`
	InsuranceContribution int64     `json:"insurance_contribution"`
	GasStipend            int64     `json:"gas_stipend"`
	InsuranceCoverage     int64     `json:"insurance_coverage"`
	Timestamp             int64     `json:"timestamp"`
}

type LiquidationsResponse struct {
	Liquidations []LiquidationResponse `json:"liquidations"`
	AsOfSequence int64                 `json:"as_of_sequence"`
}

type InsuranceFundResponse struct {
	Currency     string `json:"currency"`
	Balance      int64  `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalEntryResponse is one row of a trader's ledger statement.
type JournalEntryResponse struct {
	JournalID     uuid.UUID `json:"journal_id"`
	BatchID       uuid.UUID `json:"batch_id"`
	CommandRef    string    `json:"command_ref"`
	Sequence      int64     `json:"sequence"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Currency      string    `json:"currency"`
	Amount        int64     `json:"amount"`
	JournalType   string    `json:"journal_type"`
	Timestamp     int64     `json:"timestamp"`
}

type JournalHistoryResponse struct {
	Trader       uuid.UUID              `json:"trader"`
	Entries      []JournalEntryResponse `json:"entries"`
	AsOfSequence int64                  `json:"as_of_sequence"`
}

// IntegrityReport is the admin view of event-log and ledger health.
type IntegrityReport struct {
	Healthy              bool                 `json:"healthy"`
	EventCount           int64                `json:"event_count"`
	LastSequence         int64                `json:"last_sequence"`
	MissingEvents        int64                `json:"missing_events"`
	HashChainBreaks      []int64              `json:"hash_chain_breaks,omitempty"`
	UnbalancedCurrencies []UnbalancedCurrency `json:"unbalanced_currencies,omitempty"`
}

// UnbalancedCurrency reports a currency whose balances do not sum to
// zero across all accounts.
type UnbalancedCurrency struct {
	CurrencyID uint16 `json:"currency_id"`
	Imbalance  int64  `json:"imbalance"`
}
