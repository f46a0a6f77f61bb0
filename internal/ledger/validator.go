package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies a batch is balanced and well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateTraderNonNegative checks both trader accounts stay at or above zero
func (v *InvariantValidator) ValidateTraderNonNegative(trader uuid.UUID, currency CurrencyID) error {
	if err := v.tracker.ValidateNonNegative(NewTraderAccountKey(trader, SubTypeAvailable, currency)); err != nil {
		return err
	}
	return v.tracker.ValidateNonNegative(NewTraderAccountKey(trader, SubTypeLocked, currency))
}

// ValidateInsuranceNonNegative checks the insurance fund never overdraws
func (v *InvariantValidator) ValidateInsuranceNonNegative(currency CurrencyID) error {
	return v.tracker.ValidateNonNegative(NewSystemAccountKey(VenueSystemName, SubTypeSystemInsuranceFund, currency))
}

// ValidateFundingPoolZero verifies a market's funding pool nets to zero.
// Holds only once every open position has settled through the current
// period log; between lazy settlements the pool carries the unsettled
// remainder.
func (v *InvariantValidator) ValidateFundingPoolZero(market string, currency CurrencyID) error {
	balance := v.tracker.GetFundingPoolBalance(market, currency)
	if balance != 0 {
		return fmt.Errorf("funding pool for %s has non-zero balance: %d", market, balance)
	}
	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum per currency
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for currency, total := range totals {
		if total != 0 {
			name, _ := GetCurrencyName(currency)
			return fmt.Errorf("global balance for %s is non-zero: %d", name, total)
		}
	}

	return nil
}
