package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInsufficientAvailable = errors.New("insufficient available collateral")
	ErrInsufficientLocked    = errors.New("insufficient locked collateral")
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// === Trader balance queries ===

// GetTraderTotalBalance returns total collateral (available + locked)
func (bt *BalanceTracker) GetTraderTotalBalance(trader uuid.UUID, currency CurrencyID) int64 {
	available := bt.GetBalance(NewTraderAccountKey(trader, SubTypeAvailable, currency))
	locked := bt.GetBalance(NewTraderAccountKey(trader, SubTypeLocked, currency))
	return available + locked
}

// GetTraderAvailableBalance returns collateral not locked behind positions.
// Withdrawals and new margin locks draw from this balance.
func (bt *BalanceTracker) GetTraderAvailableBalance(trader uuid.UUID, currency CurrencyID) int64 {
	return bt.GetBalance(NewTraderAccountKey(trader, SubTypeAvailable, currency))
}

// GetTraderLockedBalance returns margin locked behind open positions
func (bt *BalanceTracker) GetTraderLockedBalance(trader uuid.UUID, currency CurrencyID) int64 {
	return bt.GetBalance(NewTraderAccountKey(trader, SubTypeLocked, currency))
}

// === System balance queries ===

// GetInsuranceFundBalance returns the venue insurance fund balance
func (bt *BalanceTracker) GetInsuranceFundBalance(currency CurrencyID) int64 {
	return bt.GetBalance(NewSystemAccountKey(VenueSystemName, SubTypeSystemInsuranceFund, currency))
}

// GetFeePoolBalance returns accumulated trading fees
func (bt *BalanceTracker) GetFeePoolBalance(currency CurrencyID) int64 {
	return bt.GetBalance(NewSystemAccountKey(VenueSystemName, SubTypeSystemFees, currency))
}

// GetFundingPoolBalance returns a market's funding pool balance. Non-zero
// between lazy settlements: payers and receivers touch positions at
// different times.
func (bt *BalanceTracker) GetFundingPoolBalance(market string, currency CurrencyID) int64 {
	return bt.GetBalance(NewSystemAccountKey(market, SubTypeSystemFundingPool, currency))
}

// === Pre-checks ===

// ValidateSufficientAvailable checks the trader can cover a new obligation
func (bt *BalanceTracker) ValidateSufficientAvailable(trader uuid.UUID, currency CurrencyID, required int64) error {
	available := bt.GetTraderAvailableBalance(trader, currency)
	if available < required {
		return fmt.Errorf("%w: have=%d, need=%d", ErrInsufficientAvailable, available, required)
	}
	return nil
}

// ValidateSufficientLocked checks the trader has enough locked margin to release
func (bt *BalanceTracker) ValidateSufficientLocked(trader uuid.UUID, currency CurrencyID, required int64) error {
	locked := bt.GetTraderLockedBalance(trader, currency)
	if locked < required {
		return fmt.Errorf("%w: have=%d, need=%d", ErrInsufficientLocked, locked, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (zero for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[CurrencyID]int64 {
	totals := make(map[CurrencyID]int64)

	for key, balance := range bt.balances {
		totals[key.Currency] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing and persistence)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances from a snapshot
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}
