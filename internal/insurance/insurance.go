// Package insurance manages the venue's backstop fund. The balance itself
// lives in the ledger (system:venue:insurance_fund); this package owns the
// coverage policy around it. Penalty contributions arrive as legs of
// liquidation batches.
package insurance

import (
	"errors"
	"fmt"

	"PerpVenue/internal/collateral"
	"PerpVenue/internal/ledger"

	"github.com/google/uuid"
)

var ErrBelowFloor = errors.New("coverage would breach the fund floor")

// Fund enforces a reserve floor: coverage never spends the fund below it,
// leaving a buffer for concurrent bankruptcies in the same batch of
// commands.
type Fund struct {
	collateral *collateral.Manager
	floor      int64
}

func NewFund(c *collateral.Manager, floor int64) *Fund {
	if floor < 0 {
		floor = 0
	}
	return &Fund{collateral: c, floor: floor}
}

// Balance returns the full fund balance.
func (f *Fund) Balance() int64 {
	return f.collateral.InsuranceBalance()
}

// Spendable returns the balance above the reserve floor.
func (f *Fund) Spendable() int64 {
	spendable := f.Balance() - f.floor
	if spendable < 0 {
		return 0
	}
	return spendable
}

// CanCover reports whether a deficit fits within the spendable balance.
func (f *Fund) CanCover(deficit int64) bool {
	return deficit <= f.Spendable()
}

// ComputeCoverage splits a deficit into the covered part and the remainder
// the venue cannot absorb.
func (f *Fund) ComputeCoverage(deficit int64) (covered, remaining int64) {
	spendable := f.Spendable()
	if spendable >= deficit {
		return deficit, 0
	}
	return spendable, deficit - spendable
}

// Cover pays a bankruptcy shortfall into the trader's available balance.
func (f *Fund) Cover(trader uuid.UUID, ref string, amount, timestamp int64) (*ledger.Batch, error) {
	if !f.CanCover(amount) {
		return nil, fmt.Errorf("%w: spendable=%d, need=%d", ErrBelowFloor, f.Spendable(), amount)
	}
	return f.collateral.CoverShortfall(trader, ref, amount, timestamp)
}

// Seed funds the pool from the external boundary.
func (f *Fund) Seed(ref string, amount, timestamp int64) (*ledger.Batch, error) {
	return f.collateral.SeedInsurance(ref, amount, timestamp)
}
