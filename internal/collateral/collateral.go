// Package collateral exposes the venue's balance primitives over the
// double-entry ledger. Every operation generates one balanced batch,
// validates it and applies it atomically, then hands the batch back for
// journaling.
package collateral

import (
	"PerpVenue/internal/ledger"

	"github.com/google/uuid"
)

type Manager struct {
	generator *ledger.JournalGenerator
	tracker   *ledger.BalanceTracker
	validator *ledger.InvariantValidator
	currency  ledger.CurrencyID
}

func NewManager(currency ledger.CurrencyID) *Manager {
	tracker := ledger.NewBalanceTracker()
	return &Manager{
		generator: ledger.NewJournalGenerator(1, tracker, currency),
		tracker:   tracker,
		validator: ledger.NewInvariantValidator(tracker),
		currency:  currency,
	}
}

func (m *Manager) commit(batch *ledger.Batch, err error) (*ledger.Batch, error) {
	if err != nil {
		return nil, err
	}
	if err := m.validator.ValidateBatchBalance(batch); err != nil {
		return nil, err
	}
	if err := m.tracker.ApplyBatch(batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// Deposit credits a trader's available collateral from outside the venue.
func (m *Manager) Deposit(trader uuid.UUID, ref string, amount, timestamp int64) (*ledger.Batch, error) {
	return m.commit(m.generator.GenerateDeposit(trader, ref, amount, timestamp))
}

// Withdraw debits available collateral. Margin locked behind positions
// cannot leave the venue.
func (m *Manager) Withdraw(trader uuid.UUID, ref string, amount, timestamp int64) (*ledger.Batch, error) {
	return m.commit(m.generator.GenerateWithdrawal(trader, ref, amount, timestamp))
}

// LockCollateral reserves margin behind a new position and charges the open
// fee. Fails when available collateral cannot cover margin plus fee.
func (m *Manager) LockCollateral(trader uuid.UUID, ref string, margin, fee, timestamp int64) (*ledger.Batch, error) {
	return m.commit(m.generator.GeneratePositionOpen(trader, ref, margin, fee, timestamp))
}

// LockAdditionalCollateral reserves margin for a position increase,
// settling the funding accrued on the pre-increase size in the same batch.
func (m *Manager) LockAdditionalCollateral(trader uuid.UUID, ref, market string, addedMargin, fee, signedFunding, timestamp int64) (*ledger.Batch, error) {
	return m.commit(m.generator.GeneratePositionIncrease(trader, ref, market, addedMargin, fee, signedFunding, timestamp))
}

// UnlockCollateral releases margin for a closed fraction and settles the
// signed PnL, funding and fee against it in one batch.
func (m *Manager) UnlockCollateral(trader uuid.UUID, ref, market string, amount, signedPnl, fee, signedFunding, timestamp int64) (*ledger.Batch, error) {
	return m.commit(m.generator.GeneratePositionDecrease(trader, ref, market, amount, signedPnl, fee, signedFunding, timestamp))
}

// SettleLiquidation releases the liquidated margin, settles PnL and funding,
// pays the liquidator their reward plus the gas stipend, and contributes the
// remaining penalty to the insurance fund.
func (m *Manager) SettleLiquidation(trader, liquidator uuid.UUID, ref, market string,
	releasedMargin, signedPnl, signedFunding, penalty, rewardAmount, gasStipend, timestamp int64) (*ledger.Batch, error) {
	return m.commit(m.generator.GenerateLiquidation(trader, liquidator, ref, market,
		releasedMargin, signedPnl, signedFunding, penalty, rewardAmount, gasStipend, timestamp))
}

// SettleFunding moves a trader's accrued funding outside a position flow.
// Positive means the trader receives.
func (m *Manager) SettleFunding(trader uuid.UUID, ref, market string, signedAmount, timestamp int64) (*ledger.Batch, error) {
	return m.commit(m.generator.GenerateFundingSettlement(trader, ref, market, signedAmount, timestamp))
}

// CoverShortfall pays a bankruptcy deficit into the trader's available
// balance from the insurance fund, ahead of a close that would otherwise
// overdraw.
func (m *Manager) CoverShortfall(trader uuid.UUID, ref string, amount, timestamp int64) (*ledger.Batch, error) {
	return m.commit(m.generator.GenerateInsuranceCoverage(trader, ref, amount, timestamp))
}

// SeedInsurance funds the insurance pool from the external boundary.
func (m *Manager) SeedInsurance(ref string, amount, timestamp int64) (*ledger.Batch, error) {
	return m.commit(m.generator.GenerateInsuranceDeposit(ref, amount, timestamp))
}

// === Queries ===

func (m *Manager) GetTotalCollateral(trader uuid.UUID) int64 {
	return m.tracker.GetTraderTotalBalance(trader, m.currency)
}

func (m *Manager) GetAvailableCollateral(trader uuid.UUID) int64 {
	return m.tracker.GetTraderAvailableBalance(trader, m.currency)
}

func (m *Manager) GetLockedCollateral(trader uuid.UUID) int64 {
	return m.tracker.GetTraderLockedBalance(trader, m.currency)
}

func (m *Manager) InsuranceBalance() int64 {
	return m.tracker.GetInsuranceFundBalance(m.currency)
}

func (m *Manager) FeePoolBalance() int64 {
	return m.tracker.GetFeePoolBalance(m.currency)
}

func (m *Manager) FundingPoolBalance(market string) int64 {
	return m.tracker.GetFundingPoolBalance(market, m.currency)
}

// Tracker exposes the underlying balances for invariant checks and state
// digests.
func (m *Manager) Tracker() *ledger.BalanceTracker {
	return m.tracker
}

// ValidateZeroSum verifies the whole ledger still nets to zero.
func (m *Manager) ValidateZeroSum() error {
	return m.validator.ValidateGlobalBalance()
}

// === Snapshot ===

// Snapshot is the typed in-memory form; persistence flattens balances to
// AccountPath strings.
type Snapshot struct {
	Sequence int64
	Balances map[ledger.AccountKey]int64
}

func (m *Manager) Snapshot() Snapshot {
	return Snapshot{
		Sequence: m.generator.Sequence(),
		Balances: m.tracker.Snapshot(),
	}
}

func (m *Manager) Restore(snap Snapshot) {
	m.tracker.Restore(snap.Balances)
	m.generator = ledger.NewJournalGenerator(snap.Sequence, m.tracker, m.currency)
}
