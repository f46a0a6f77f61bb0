package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeMarginLock
	JournalTypeMarginRelease
	JournalTypePnLSettle
	JournalTypeTradeFee
	JournalTypeFundingPayment
	JournalTypeLiquidatorReward
	JournalTypeInsuranceContribution
	JournalTypeInsuranceCoverage
	JournalTypeGasStipend
	JournalTypeAdjustment
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeMarginLock:
		return "margin_lock"
	case JournalTypeMarginRelease:
		return "margin_release"
	case JournalTypePnLSettle:
		return "pnl_settle"
	case JournalTypeTradeFee:
		return "trade_fee"
	case JournalTypeFundingPayment:
		return "funding_payment"
	case JournalTypeLiquidatorReward:
		return "liquidator_reward"
	case JournalTypeInsuranceContribution:
		return "insurance_contribution"
	case JournalTypeInsuranceCoverage:
		return "insurance_coverage"
	case JournalTypeGasStipend:
		return "gas_stipend"
	case JournalTypeAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups entries moved by one command
	CommandRef    string      // Idempotency key of the source command
	Sequence      int64       // Generator sequence at creation
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Currency      CurrencyID  // Currency being transferred
	Amount        int64       // Fixed-point quote amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Epoch seconds of the source command
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID    uuid.UUID
	CommandRef string
	Sequence   int64
	Timestamp  int64
	Journals   []Journal
}

// Validate ensures the batch is well-formed.
// Each journal entry is a balanced transfer by construction: a single
// positive amount moves from credit account to debit account, so
// Σ debits == Σ credits holds per-entry. Multi-leg flows (close with fee,
// liquidation split) use multiple entries under one batch_id.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		// No self-transfers
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
