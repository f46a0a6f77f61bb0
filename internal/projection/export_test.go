package projection

import "PerpVenue/internal/ledger"

// Legs exposes the liquidation aggregation for tests.
type Legs = liquidationLegs

func SumLiquidationLegs(batch *ledger.Batch) Legs {
	return sumLiquidationLegs(batch)
}
