// Package crossmargin keeps the per-trader portfolio of open position ids.
// It is bookkeeping only: solvency decisions stay with the position engine,
// which checks each position's own margin.
package crossmargin

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

var (
	ErrNoAccount       = errors.New("trader has no margin account")
	ErrAccountExists   = errors.New("margin account already exists")
	ErrPositionTracked = errors.New("position already tracked")
	ErrPositionUnknown = errors.New("position not tracked")
)

type Account struct {
	Trader    uuid.UUID          `json:"trader"`
	Positions map[int64]struct{} `json:"-"`
	CreatedAt int64              `json:"created_at"`
}

type Manager struct {
	accounts map[uuid.UUID]*Account
}

func NewManager() *Manager {
	return &Manager{accounts: make(map[uuid.UUID]*Account)}
}

func (m *Manager) HasAccount(trader uuid.UUID) bool {
	_, ok := m.accounts[trader]
	return ok
}

func (m *Manager) CreateAccount(trader uuid.UUID, timestamp int64) error {
	if m.HasAccount(trader) {
		return fmt.Errorf("%w: %s", ErrAccountExists, trader)
	}
	m.accounts[trader] = &Account{
		Trader:    trader,
		Positions: make(map[int64]struct{}),
		CreatedAt: timestamp,
	}
	return nil
}

// EnsureAccount creates the account on first use.
func (m *Manager) EnsureAccount(trader uuid.UUID, timestamp int64) {
	if !m.HasAccount(trader) {
		m.accounts[trader] = &Account{
			Trader:    trader,
			Positions: make(map[int64]struct{}),
			CreatedAt: timestamp,
		}
	}
}

func (m *Manager) AddPosition(trader uuid.UUID, positionID int64) error {
	account, ok := m.accounts[trader]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAccount, trader)
	}
	if _, dup := account.Positions[positionID]; dup {
		return fmt.Errorf("%w: %d", ErrPositionTracked, positionID)
	}
	account.Positions[positionID] = struct{}{}
	return nil
}

func (m *Manager) RemovePosition(trader uuid.UUID, positionID int64) error {
	account, ok := m.accounts[trader]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAccount, trader)
	}
	if _, tracked := account.Positions[positionID]; !tracked {
		return fmt.Errorf("%w: %d", ErrPositionUnknown, positionID)
	}
	delete(account.Positions, positionID)
	return nil
}

// PositionIDs returns the trader's open position ids in ascending order.
func (m *Manager) PositionIDs(trader uuid.UUID) []int64 {
	account, ok := m.accounts[trader]
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(account.Positions))
	for id := range account.Positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Manager) PositionCount(trader uuid.UUID) int {
	account, ok := m.accounts[trader]
	if !ok {
		return 0
	}
	return len(account.Positions)
}

// PortfolioMargin sums a margin figure over the trader's open positions
// via the caller-supplied lookup.
func (m *Manager) PortfolioMargin(trader uuid.UUID, marginOf func(positionID int64) int64) int64 {
	var total int64
	for _, id := range m.PositionIDs(trader) {
		total += marginOf(id)
	}
	return total
}

// === Snapshot ===

type AccountSnapshot struct {
	Trader    uuid.UUID `json:"trader"`
	Positions []int64   `json:"positions"`
	CreatedAt int64     `json:"created_at"`
}

func (m *Manager) Snapshot() []AccountSnapshot {
	out := make([]AccountSnapshot, 0, len(m.accounts))
	for trader, account := range m.accounts {
		out = append(out, AccountSnapshot{
			Trader:    trader,
			Positions: m.PositionIDs(trader),
			CreatedAt: account.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Trader.String() < out[j].Trader.String()
	})
	return out
}

func (m *Manager) Restore(accounts []AccountSnapshot) {
	m.accounts = make(map[uuid.UUID]*Account, len(accounts))
	for _, snap := range accounts {
		account := &Account{
			Trader:    snap.Trader,
			Positions: make(map[int64]struct{}, len(snap.Positions)),
			CreatedAt: snap.CreatedAt,
		}
		for _, id := range snap.Positions {
			account.Positions[id] = struct{}{}
		}
		m.accounts[snap.Trader] = account
	}
}
