package fees_test

import (
	"PerpVenue/internal/fees"
	"testing"

	"github.com/google/uuid"
)

func TestCalculateFee_BaseRates(t *testing.T) {
	m := fees.NewManager(fees.Schedule{MakerBps: 2, TakerBps: 5, LiquidationBps: 10}, nil)
	trader := uuid.New()
	notional := int64(1_000_000_000) // 1000 quote units

	cases := []struct {
		name string
		ft   fees.FeeType
		want int64
	}{
		{"maker", fees.FeeTypeMaker, 200_000},
		{"taker", fees.FeeTypeTaker, 500_000},
		{"liquidation", fees.FeeTypeLiquidation, 1_000_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fee, err := m.CalculateFee("BTC-PERP", notional, tc.ft, trader)
			if err != nil {
				t.Fatal(err)
			}
			if fee != tc.want {
				t.Errorf("got %d, want %d", fee, tc.want)
			}
		})
	}
}

func TestCalculateFee_MarketOverride(t *testing.T) {
	m := fees.NewManager(fees.DefaultSchedule(), nil)
	m.SetMarketSchedule("ETH-PERP", fees.Schedule{MakerBps: 1, TakerBps: 3})
	trader := uuid.New()

	fee, err := m.CalculateFee("ETH-PERP", 1_000_000_000, fees.FeeTypeTaker, trader)
	if err != nil {
		t.Fatal(err)
	}
	if fee != 300_000 {
		t.Errorf("override taker: got %d, want 300_000", fee)
	}

	// Other markets keep the defaults.
	fee, _ = m.CalculateFee("BTC-PERP", 1_000_000_000, fees.FeeTypeTaker, trader)
	if fee != 500_000 {
		t.Errorf("default taker: got %d, want 500_000", fee)
	}
}

func TestCalculateFee_VolumeTierDiscount(t *testing.T) {
	tiers := []fees.Tier{
		{MinVolume: 0, DiscountPercent: 0},
		{MinVolume: 1_000_000, DiscountPercent: 50},
	}
	m := fees.NewManager(fees.Schedule{TakerBps: 10}, tiers)
	trader := uuid.New()

	fee, _ := m.CalculateFee("BTC-PERP", 100_000_000, fees.FeeTypeTaker, trader)
	if fee != 100_000 {
		t.Fatalf("pre-tier fee: got %d, want 100_000", fee)
	}

	m.RecordVolume(trader, 1_000_000, 86_400*10)

	fee, _ = m.CalculateFee("BTC-PERP", 100_000_000, fees.FeeTypeTaker, trader)
	if fee != 50_000 {
		t.Errorf("tiered fee: got %d, want 50_000", fee)
	}
}

func TestTrailingVolume_WindowExpiry(t *testing.T) {
	m := fees.NewManager(fees.DefaultSchedule(), fees.DefaultTiers())
	trader := uuid.New()

	day := int64(86_400)
	m.RecordVolume(trader, 500, 10*day)
	m.RecordVolume(trader, 300, 20*day)

	if got := m.TrailingVolume(trader, 20*day); got != 800 {
		t.Errorf("within window: got %d, want 800", got)
	}

	// Day 10's bucket ages out 30 days later.
	if got := m.TrailingVolume(trader, 41*day); got != 300 {
		t.Errorf("after partial expiry: got %d, want 300", got)
	}

	// Everything ages out.
	if got := m.TrailingVolume(trader, 60*day); got != 0 {
		t.Errorf("after full expiry: got %d, want 0", got)
	}
}

func TestCalculateFee_ZeroNotional(t *testing.T) {
	m := fees.NewManager(fees.DefaultSchedule(), nil)
	fee, err := m.CalculateFee("BTC-PERP", 0, fees.FeeTypeMaker, uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if fee != 0 {
		t.Errorf("got %d, want 0", fee)
	}
}

func TestSnapshotRestore(t *testing.T) {
	m := fees.NewManager(fees.DefaultSchedule(), fees.DefaultTiers())
	trader := uuid.New()
	m.RecordVolume(trader, 12_345, 86_400*5)

	restored := fees.NewManager(fees.DefaultSchedule(), fees.DefaultTiers())
	restored.Restore(m.Snapshot())

	if got := restored.TrailingVolume(trader, 86_400*5); got != 12_345 {
		t.Errorf("volume after restore: got %d, want 12_345", got)
	}
}
