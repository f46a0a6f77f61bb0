package insurance_test

import (
	"PerpVenue/internal/collateral"
	"PerpVenue/internal/insurance"
	"PerpVenue/internal/ledger"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestCoverRespectsFloor(t *testing.T) {
	c := collateral.NewManager(ledger.SettlementCurrency)
	fund := insurance.NewFund(c, 100)

	if _, err := fund.Seed("seed", 500, 1); err != nil {
		t.Fatal(err)
	}

	if got := fund.Spendable(); got != 400 {
		t.Fatalf("spendable: got %d, want 400", got)
	}

	trader := uuid.New()
	if _, err := fund.Cover(trader, "cover-1", 400, 2); err != nil {
		t.Fatal(err)
	}
	if got := fund.Balance(); got != 100 {
		t.Errorf("balance at floor: got %d, want 100", got)
	}

	// The floor itself is untouchable.
	if _, err := fund.Cover(trader, "cover-2", 1, 3); !errors.Is(err, insurance.ErrBelowFloor) {
		t.Errorf("got %v, want ErrBelowFloor", err)
	}
}

func TestComputeCoverage_Partial(t *testing.T) {
	c := collateral.NewManager(ledger.SettlementCurrency)
	fund := insurance.NewFund(c, 0)

	if _, err := fund.Seed("seed", 300, 1); err != nil {
		t.Fatal(err)
	}

	covered, remaining := fund.ComputeCoverage(1_000)
	if covered != 300 || remaining != 700 {
		t.Errorf("got covered=%d remaining=%d, want 300/700", covered, remaining)
	}

	covered, remaining = fund.ComputeCoverage(200)
	if covered != 200 || remaining != 0 {
		t.Errorf("got covered=%d remaining=%d, want 200/0", covered, remaining)
	}
}
