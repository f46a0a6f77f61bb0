package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidAmount     = errors.New("ledger amount must be positive")
	ErrInsuranceDepleted = errors.New("insurance fund cannot cover")
)

// JournalGenerator creates balanced journal batches for venue money
// movement. Every flow pre-checks the tracker so an applied batch never
// drives a trader account negative.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
	currency       CurrencyID
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker, currency CurrencyID) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
		currency:       currency,
	}
}

// Sequence returns the next batch sequence, for snapshots.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

func (jg *JournalGenerator) newBatch(ref string, timestamp int64) *Batch {
	return &Batch{
		BatchID:    uuid.New(),
		CommandRef: ref,
		Sequence:   jg.sequence,
		Timestamp:  timestamp,
		Journals:   make([]Journal, 0, 4),
	}
}

func (jg *JournalGenerator) leg(batch *Batch, jt JournalType, debit, credit AccountKey, amount int64) {
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batch.BatchID,
		CommandRef:    batch.CommandRef,
		Sequence:      batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Currency:      jg.currency,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     batch.Timestamp,
	})
}

// fundingLeg appends a signed funding transfer against the market's pool.
// Positive means the trader receives. Zero appends nothing.
func (jg *JournalGenerator) fundingLeg(batch *Batch, trader uuid.UUID, market string, signed int64) {
	pool := NewSystemAccountKey(market, SubTypeSystemFundingPool, jg.currency)
	available := NewTraderAccountKey(trader, SubTypeAvailable, jg.currency)
	switch {
	case signed > 0:
		jg.leg(batch, JournalTypeFundingPayment, available, pool, signed)
	case signed < 0:
		jg.leg(batch, JournalTypeFundingPayment, pool, available, -signed)
	}
}

// pnlLeg appends a signed realized-PnL transfer against the venue pnl pool.
// The pool runs negative between loser and winner settlements. Zero appends
// nothing.
func (jg *JournalGenerator) pnlLeg(batch *Batch, trader uuid.UUID, signed int64) {
	pool := NewSystemAccountKey(VenueSystemName, SubTypeSystemPnLPool, jg.currency)
	available := NewTraderAccountKey(trader, SubTypeAvailable, jg.currency)
	switch {
	case signed > 0:
		jg.leg(batch, JournalTypePnLSettle, available, pool, signed)
	case signed < 0:
		jg.leg(batch, JournalTypePnLSettle, pool, available, -signed)
	}
}

// GenerateDeposit credits a trader from the external boundary.
// Moves funds: external:deposits → trader:available
func (jg *JournalGenerator) GenerateDeposit(trader uuid.UUID, ref string, amount, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: deposit %d", ErrInvalidAmount, amount)
	}

	batch := jg.newBatch(ref, timestamp)
	jg.leg(batch, JournalTypeDeposit,
		NewTraderAccountKey(trader, SubTypeAvailable, jg.currency),
		NewExternalAccountKey(SubTypeExternalDeposits, jg.currency),
		amount)
	jg.sequence++

	return batch, nil
}

// GenerateWithdrawal debits a trader toward the external boundary. Locked
// margin stays behind positions and can never be withdrawn.
// Moves funds: trader:available → external:withdrawals
func (jg *JournalGenerator) GenerateWithdrawal(trader uuid.UUID, ref string, amount, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: withdrawal %d", ErrInvalidAmount, amount)
	}
	if err := jg.balanceTracker.ValidateSufficientAvailable(trader, jg.currency, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}

	batch := jg.newBatch(ref, timestamp)
	jg.leg(batch, JournalTypeWithdrawal,
		NewExternalAccountKey(SubTypeExternalWithdrawals, jg.currency),
		NewTraderAccountKey(trader, SubTypeAvailable, jg.currency),
		amount)
	jg.sequence++

	return batch, nil
}

// GeneratePositionOpen locks margin behind a new position and charges the
// open fee. The locked amount is the margin, not the leveraged size.
// Moves funds: trader:available → trader:locked, trader:available → system:fees
func (jg *JournalGenerator) GeneratePositionOpen(trader uuid.UUID, ref string, margin, fee, timestamp int64) (*Batch, error) {
	if margin <= 0 {
		return nil, fmt.Errorf("%w: margin %d", ErrInvalidAmount, margin)
	}
	if fee < 0 {
		return nil, fmt.Errorf("%w: fee %d", ErrInvalidAmount, fee)
	}
	if err := jg.balanceTracker.ValidateSufficientAvailable(trader, jg.currency, margin+fee); err != nil {
		return nil, fmt.Errorf("open pre-check failed: %w", err)
	}

	batch := jg.newBatch(ref, timestamp)
	available := NewTraderAccountKey(trader, SubTypeAvailable, jg.currency)
	jg.leg(batch, JournalTypeMarginLock,
		NewTraderAccountKey(trader, SubTypeLocked, jg.currency), available, margin)
	if fee > 0 {
		jg.leg(batch, JournalTypeTradeFee,
			NewSystemAccountKey(VenueSystemName, SubTypeSystemFees, jg.currency), available, fee)
	}
	jg.sequence++

	return batch, nil
}

// GeneratePositionIncrease settles funding accrued on the old size, locks
// the additional margin and charges the fee.
func (jg *JournalGenerator) GeneratePositionIncrease(trader uuid.UUID, ref, market string, addedMargin, fee, signedFunding, timestamp int64) (*Batch, error) {
	if addedMargin <= 0 {
		return nil, fmt.Errorf("%w: margin %d", ErrInvalidAmount, addedMargin)
	}
	if fee < 0 {
		return nil, fmt.Errorf("%w: fee %d", ErrInvalidAmount, fee)
	}

	available := jg.balanceTracker.GetTraderAvailableBalance(trader, jg.currency)
	if available+signedFunding-addedMargin-fee < 0 {
		return nil, fmt.Errorf("increase pre-check failed: %w: have=%d, need=%d",
			ErrInsufficientAvailable, available, addedMargin+fee-signedFunding)
	}

	batch := jg.newBatch(ref, timestamp)
	availableKey := NewTraderAccountKey(trader, SubTypeAvailable, jg.currency)
	jg.fundingLeg(batch, trader, market, signedFunding)
	jg.leg(batch, JournalTypeMarginLock,
		NewTraderAccountKey(trader, SubTypeLocked, jg.currency), availableKey, addedMargin)
	if fee > 0 {
		jg.leg(batch, JournalTypeTradeFee,
			NewSystemAccountKey(VenueSystemName, SubTypeSystemFees, jg.currency), availableKey, fee)
	}
	jg.sequence++

	return batch, nil
}

// GeneratePositionDecrease releases margin for the closed fraction and
// settles realized PnL, funding and the close fee in one batch. The caller
// must pre-fund the trader via insurance coverage when realized losses
// exceed the released margin.
func (jg *JournalGenerator) GeneratePositionDecrease(trader uuid.UUID, ref, market string, releasedMargin, signedPnl, fee, signedFunding, timestamp int64) (*Batch, error) {
	if releasedMargin <= 0 {
		return nil, fmt.Errorf("%w: released margin %d", ErrInvalidAmount, releasedMargin)
	}
	if fee < 0 {
		return nil, fmt.Errorf("%w: fee %d", ErrInvalidAmount, fee)
	}
	if err := jg.balanceTracker.ValidateSufficientLocked(trader, jg.currency, releasedMargin); err != nil {
		return nil, fmt.Errorf("decrease pre-check failed: %w", err)
	}

	available := jg.balanceTracker.GetTraderAvailableBalance(trader, jg.currency)
	if available+releasedMargin+signedFunding+signedPnl-fee < 0 {
		return nil, fmt.Errorf("decrease pre-check failed: %w: available=%d, released=%d, pnl=%d, funding=%d, fee=%d",
			ErrInsufficientAvailable, available, releasedMargin, signedPnl, signedFunding, fee)
	}

	batch := jg.newBatch(ref, timestamp)
	availableKey := NewTraderAccountKey(trader, SubTypeAvailable, jg.currency)
	jg.leg(batch, JournalTypeMarginRelease,
		availableKey, NewTraderAccountKey(trader, SubTypeLocked, jg.currency), releasedMargin)
	jg.fundingLeg(batch, trader, market, signedFunding)
	jg.pnlLeg(batch, trader, signedPnl)
	if fee > 0 {
		jg.leg(batch, JournalTypeTradeFee,
			NewSystemAccountKey(VenueSystemName, SubTypeSystemFees, jg.currency), availableKey, fee)
	}
	jg.sequence++

	return batch, nil
}

// GenerateLiquidation extends the decrease flow with the penalty split:
// the liquidator keeps rewardAmount, the insurance fund keeps the rest of
// the penalty, and the fund pays the liquidator a fixed gas stipend.
func (jg *JournalGenerator) GenerateLiquidation(trader, liquidator uuid.UUID, ref, market string,
	releasedMargin, signedPnl, signedFunding, penalty, rewardAmount, gasStipend, timestamp int64) (*Batch, error) {
	if releasedMargin <= 0 {
		return nil, fmt.Errorf("%w: released margin %d", ErrInvalidAmount, releasedMargin)
	}
	if penalty < 0 || rewardAmount < 0 || gasStipend < 0 {
		return nil, fmt.Errorf("%w: penalty=%d reward=%d stipend=%d", ErrInvalidAmount, penalty, rewardAmount, gasStipend)
	}
	if rewardAmount > penalty {
		return nil, fmt.Errorf("%w: reward %d exceeds penalty %d", ErrInvalidAmount, rewardAmount, penalty)
	}
	if err := jg.balanceTracker.ValidateSufficientLocked(trader, jg.currency, releasedMargin); err != nil {
		return nil, fmt.Errorf("liquidation pre-check failed: %w", err)
	}

	available := jg.balanceTracker.GetTraderAvailableBalance(trader, jg.currency)
	if available+releasedMargin+signedFunding+signedPnl-penalty < 0 {
		return nil, fmt.Errorf("liquidation pre-check failed: %w: available=%d, released=%d, pnl=%d, funding=%d, penalty=%d",
			ErrInsufficientAvailable, available, releasedMargin, signedPnl, signedFunding, penalty)
	}

	insurance := jg.balanceTracker.GetInsuranceFundBalance(jg.currency)
	if insurance+(penalty-rewardAmount) < gasStipend {
		return nil, fmt.Errorf("%w: balance=%d, stipend=%d", ErrInsuranceDepleted, insurance, gasStipend)
	}

	batch := jg.newBatch(ref, timestamp)
	availableKey := NewTraderAccountKey(trader, SubTypeAvailable, jg.currency)
	liquidatorKey := NewTraderAccountKey(liquidator, SubTypeAvailable, jg.currency)
	insuranceKey := NewSystemAccountKey(VenueSystemName, SubTypeSystemInsuranceFund, jg.currency)

	jg.leg(batch, JournalTypeMarginRelease,
		availableKey, NewTraderAccountKey(trader, SubTypeLocked, jg.currency), releasedMargin)
	jg.fundingLeg(batch, trader, market, signedFunding)
	jg.pnlLeg(batch, trader, signedPnl)
	if rewardAmount > 0 {
		jg.leg(batch, JournalTypeLiquidatorReward, liquidatorKey, availableKey, rewardAmount)
	}
	if penalty > rewardAmount {
		jg.leg(batch, JournalTypeInsuranceContribution, insuranceKey, availableKey, penalty-rewardAmount)
	}
	if gasStipend > 0 {
		jg.leg(batch, JournalTypeGasStipend, liquidatorKey, insuranceKey, gasStipend)
	}
	jg.sequence++

	return batch, nil
}

// GenerateFundingSettlement settles a trader's accrued funding outside a
// position flow. Positive means the trader receives.
func (jg *JournalGenerator) GenerateFundingSettlement(trader uuid.UUID, ref, market string, signedAmount, timestamp int64) (*Batch, error) {
	if signedAmount == 0 {
		return nil, fmt.Errorf("%w: zero funding settlement", ErrInvalidAmount)
	}
	if signedAmount < 0 {
		if err := jg.balanceTracker.ValidateSufficientAvailable(trader, jg.currency, -signedAmount); err != nil {
			return nil, fmt.Errorf("funding pre-check failed: %w", err)
		}
	}

	batch := jg.newBatch(ref, timestamp)
	jg.fundingLeg(batch, trader, market, signedAmount)
	jg.sequence++

	return batch, nil
}

// GenerateInsuranceCoverage pays a bankruptcy shortfall into the trader's
// available balance ahead of a close whose losses exceed the margin.
// Moves funds: system:insurance_fund → trader:available
func (jg *JournalGenerator) GenerateInsuranceCoverage(trader uuid.UUID, ref string, amount, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: coverage %d", ErrInvalidAmount, amount)
	}
	insurance := jg.balanceTracker.GetInsuranceFundBalance(jg.currency)
	if insurance < amount {
		return nil, fmt.Errorf("%w: balance=%d, need=%d", ErrInsuranceDepleted, insurance, amount)
	}

	batch := jg.newBatch(ref, timestamp)
	jg.leg(batch, JournalTypeInsuranceCoverage,
		NewTraderAccountKey(trader, SubTypeAvailable, jg.currency),
		NewSystemAccountKey(VenueSystemName, SubTypeSystemInsuranceFund, jg.currency),
		amount)
	jg.sequence++

	return batch, nil
}

// GenerateInsuranceDeposit seeds the insurance fund from the external
// boundary.
func (jg *JournalGenerator) GenerateInsuranceDeposit(ref string, amount, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: insurance deposit %d", ErrInvalidAmount, amount)
	}

	batch := jg.newBatch(ref, timestamp)
	jg.leg(batch, JournalTypeInsuranceContribution,
		NewSystemAccountKey(VenueSystemName, SubTypeSystemInsuranceFund, jg.currency),
		NewExternalAccountKey(SubTypeExternalDeposits, jg.currency),
		amount)
	jg.sequence++

	return batch, nil
}
