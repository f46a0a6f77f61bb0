package oracle_test

import (
	"PerpVenue/internal/oracle"
	"errors"
	"testing"
)

func newCache() *oracle.Cache {
	cfg := oracle.DefaultConfig()
	return oracle.NewCache(cfg)
}

func TestGetPrice_NoFeed(t *testing.T) {
	c := newCache()
	_, _, err := c.GetPrice("feed:btc-usd", 1000)
	if !errors.Is(err, oracle.ErrNoPrice) {
		t.Errorf("got %v, want ErrNoPrice", err)
	}
}

func TestUpdateAndGet(t *testing.T) {
	c := newCache()
	if err := c.Update("feed:btc-usd", 50_000*1e8, 1000, 1); err != nil {
		t.Fatalf("update: %v", err)
	}

	price, ts, err := c.GetPrice("feed:btc-usd", 1100)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if price != 50_000*1e8 {
		t.Errorf("price: got %d, want %d", price, int64(50_000*1e8))
	}
	if ts != 1000 {
		t.Errorf("timestamp: got %d, want 1000", ts)
	}
}

func TestGetPrice_StaleAfterMaxAge(t *testing.T) {
	c := newCache()
	c.Update("feed:btc-usd", 50_000*1e8, 1000, 1)

	// Exactly at the boundary is still fresh; one past is stale.
	if _, _, err := c.GetPrice("feed:btc-usd", 1000+3600); err != nil {
		t.Errorf("at max age should still be fresh: %v", err)
	}
	_, _, err := c.GetPrice("feed:btc-usd", 1000+3601)
	if !errors.Is(err, oracle.ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice", err)
	}
}

func TestUpdate_RejectsNonIncreasingSequence(t *testing.T) {
	c := newCache()
	c.Update("feed:btc-usd", 50_000*1e8, 1000, 5)

	err := c.Update("feed:btc-usd", 50_100*1e8, 1001, 5)
	if !errors.Is(err, oracle.ErrStaleSequence) {
		t.Errorf("same sequence: got %v, want ErrStaleSequence", err)
	}
	err = c.Update("feed:btc-usd", 50_100*1e8, 1001, 4)
	if !errors.Is(err, oracle.ErrStaleSequence) {
		t.Errorf("lower sequence: got %v, want ErrStaleSequence", err)
	}

	// Gaps are allowed, only monotonicity is required.
	if err := c.Update("feed:btc-usd", 50_100*1e8, 1001, 50); err != nil {
		t.Errorf("gapped sequence should be accepted: %v", err)
	}
}

func TestUpdate_RejectsDeviation(t *testing.T) {
	c := newCache()
	c.Update("feed:btc-usd", 50_000*1e8, 1000, 1)

	// Default bound is 20%; a 25% jump must be rejected and state unchanged.
	err := c.Update("feed:btc-usd", 62_500*1e8, 1001, 2)
	if !errors.Is(err, oracle.ErrPriceDeviation) {
		t.Fatalf("got %v, want ErrPriceDeviation", err)
	}

	price, _, err := c.GetPrice("feed:btc-usd", 1002)
	if err != nil {
		t.Fatal(err)
	}
	if price != 50_000*1e8 {
		t.Errorf("rejected update must not change price: got %d", price)
	}

	// A 10% move is inside the bound.
	if err := c.Update("feed:btc-usd", 55_000*1e8, 1002, 2); err != nil {
		t.Errorf("10%% move should be accepted: %v", err)
	}
}

func TestUpdate_RejectsNonPositive(t *testing.T) {
	c := newCache()
	if err := c.Update("feed:btc-usd", 0, 1000, 1); !errors.Is(err, oracle.ErrInvalidPrice) {
		t.Errorf("zero price: got %v, want ErrInvalidPrice", err)
	}
	if err := c.Update("feed:btc-usd", -5, 1000, 1); !errors.Is(err, oracle.ErrInvalidPrice) {
		t.Errorf("negative price: got %v, want ErrInvalidPrice", err)
	}
}

func TestTWAP_SmoothsWindow(t *testing.T) {
	c := oracle.NewCache(oracle.Config{
		MaxAgeSeconds:     3600,
		TWAPWindowSeconds: 100,
	})

	// Two samples 10s apart: first weighted by the gap, last by 1.
	c.Update("feed:eth-usd", 3000*1e8, 1000, 1)
	c.Update("feed:eth-usd", 3300*1e8, 1010, 2)

	price, _, err := c.GetPrice("feed:eth-usd", 1010)
	if err != nil {
		t.Fatal(err)
	}
	// (3000*10 + 3300*1) / 11
	want := (int64(3000*1e8)*10 + int64(3300*1e8)) / 11
	if price != want {
		t.Errorf("twap: got %d, want %d", price, want)
	}
}

func TestTWAP_EvictsOldSamples(t *testing.T) {
	c := oracle.NewCache(oracle.Config{
		MaxAgeSeconds:     3600,
		TWAPWindowSeconds: 60,
	})

	c.Update("feed:eth-usd", 1000*1e8, 0, 1)
	c.Update("feed:eth-usd", 2000*1e8, 1000, 2) // first sample now far outside window

	price, _, err := c.GetPrice("feed:eth-usd", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if price != 2000*1e8 {
		t.Errorf("evicted window should leave only the last sample: got %d", price)
	}
}

func TestSnapshotRestore(t *testing.T) {
	c := newCache()
	c.Update("feed:btc-usd", 50_000*1e8, 1000, 7)

	snap := c.Snapshot()

	restored := oracle.NewCache(oracle.DefaultConfig())
	restored.Restore(snap)

	price, ts, err := restored.GetPrice("feed:btc-usd", 1001)
	if err != nil {
		t.Fatal(err)
	}
	if price != 50_000*1e8 || ts != 1000 {
		t.Errorf("restored state mismatch: price %d ts %d", price, ts)
	}

	// Sequence guard must survive restore.
	if err := restored.Update("feed:btc-usd", 50_001*1e8, 1002, 7); !errors.Is(err, oracle.ErrStaleSequence) {
		t.Errorf("got %v, want ErrStaleSequence", err)
	}
}
