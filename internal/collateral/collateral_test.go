package collateral_test

import (
	"PerpVenue/internal/collateral"
	"PerpVenue/internal/ledger"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestLifecycle_OpenAndClose(t *testing.T) {
	m := collateral.NewManager(ledger.SettlementCurrency)
	trader := uuid.New()

	if _, err := m.Deposit(trader, "dep-1", 10_000, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.LockCollateral(trader, "open-1", 2_000, 20, 2); err != nil {
		t.Fatal(err)
	}

	if got := m.GetAvailableCollateral(trader); got != 7_980 {
		t.Errorf("available: got %d, want 7980", got)
	}
	if got := m.GetLockedCollateral(trader); got != 2_000 {
		t.Errorf("locked: got %d, want 2000", got)
	}
	if got := m.GetTotalCollateral(trader); got != 9_980 {
		t.Errorf("total: got %d, want 9980", got)
	}

	if _, err := m.UnlockCollateral(trader, "close-1", "BTC-PERP", 2_000, 500, 25, -100, 3); err != nil {
		t.Fatal(err)
	}
	if got := m.GetAvailableCollateral(trader); got != 10_355 {
		t.Errorf("available after close: got %d, want 10355", got)
	}
	if got := m.GetLockedCollateral(trader); got != 0 {
		t.Errorf("locked after close: got %d, want 0", got)
	}
	if err := m.ValidateZeroSum(); err != nil {
		t.Errorf("zero-sum violated: %v", err)
	}
}

func TestLockFailsWithoutCollateral(t *testing.T) {
	m := collateral.NewManager(ledger.SettlementCurrency)
	trader := uuid.New()

	if _, err := m.LockCollateral(trader, "open-1", 100, 0, 1); !errors.Is(err, ledger.ErrInsufficientAvailable) {
		t.Errorf("got %v, want ErrInsufficientAvailable", err)
	}
}

func TestBankruptcyCoveredByInsurance(t *testing.T) {
	m := collateral.NewManager(ledger.SettlementCurrency)
	trader := uuid.New()

	if _, err := m.SeedInsurance("seed", 1_000, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Deposit(trader, "dep-1", 100, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := m.LockCollateral(trader, "open-1", 100, 0, 3); err != nil {
		t.Fatal(err)
	}

	// Realized loss exceeds margin; close fails until the fund covers the
	// shortfall.
	_, err := m.UnlockCollateral(trader, "close-1", "BTC-PERP", 100, -150, 0, 0, 4)
	if !errors.Is(err, ledger.ErrInsufficientAvailable) {
		t.Fatalf("got %v, want ErrInsufficientAvailable", err)
	}

	if _, err := m.CoverShortfall(trader, "cover-1", 50, 4); err != nil {
		t.Fatal(err)
	}
	if _, err := m.UnlockCollateral(trader, "close-1", "BTC-PERP", 100, -150, 0, 0, 4); err != nil {
		t.Fatal(err)
	}

	if got := m.GetTotalCollateral(trader); got != 0 {
		t.Errorf("trader wiped out: got %d, want 0", got)
	}
	if got := m.InsuranceBalance(); got != 950 {
		t.Errorf("insurance: got %d, want 950", got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	m := collateral.NewManager(ledger.SettlementCurrency)
	trader := uuid.New()

	if _, err := m.Deposit(trader, "dep-1", 5_000, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.LockCollateral(trader, "open-1", 1_000, 0, 2); err != nil {
		t.Fatal(err)
	}

	snap := m.Snapshot()

	restored := collateral.NewManager(ledger.SettlementCurrency)
	restored.Restore(snap)

	if got := restored.GetAvailableCollateral(trader); got != 4_000 {
		t.Errorf("available after restore: got %d, want 4000", got)
	}
	if got := restored.GetLockedCollateral(trader); got != 1_000 {
		t.Errorf("locked after restore: got %d, want 1000", got)
	}
	if snap.Sequence != restored.Snapshot().Sequence {
		t.Error("generator sequence must survive restore")
	}
}
