// Package auth is the venue's capability table. Every mutating entry point
// asks Allowed(caller, action) before touching state; the answer is a pure
// function of the grant table and the per-action open flags.
package auth

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrNotAllowed = errors.New("caller not allowed to perform action")

type Action uint8

const (
	ActionTrade Action = iota
	ActionLiquidate
	ActionOperate
)

func (a Action) String() string {
	switch a {
	case ActionTrade:
		return "trade"
	case ActionLiquidate:
		return "liquidate"
	case ActionOperate:
		return "operate"
	default:
		return "unknown"
	}
}

// Role is a grant bitmask. A caller may hold several roles.
type Role uint8

const (
	RoleTrader Role = 1 << iota
	RoleLiquidator
	RoleOperator
)

func roleFor(action Action) Role {
	switch action {
	case ActionTrade:
		return RoleTrader
	case ActionLiquidate:
		return RoleLiquidator
	case ActionOperate:
		return RoleOperator
	default:
		return 0
	}
}

// Registry holds grants and per-action open flags. An open action admits
// every caller; a closed one only callers holding the matching role.
type Registry struct {
	mu    sync.RWMutex
	roles map[uuid.UUID]Role
	open  map[Action]bool
}

// NewRegistry builds a table with the given actions open to everyone.
// Trading venues typically open ActionTrade and keep liquidation and
// operations gated.
func NewRegistry(openActions ...Action) *Registry {
	r := &Registry{
		roles: make(map[uuid.UUID]Role),
		open:  make(map[Action]bool),
	}
	for _, a := range openActions {
		r.open[a] = true
	}
	return r
}

// SetOpen flips an action between open and role-gated.
func (r *Registry) SetOpen(action Action, open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[action] = open
}

// Grant adds roles to a caller's mask.
func (r *Registry) Grant(caller uuid.UUID, roles Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[caller] |= roles
}

// Revoke removes roles from a caller's mask.
func (r *Registry) Revoke(caller uuid.UUID, roles Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rest := r.roles[caller] &^ roles
	if rest == 0 {
		delete(r.roles, caller)
		return
	}
	r.roles[caller] = rest
}

// Allowed reports whether the caller may perform the action.
func (r *Registry) Allowed(caller uuid.UUID, action Action) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.open[action] {
		return true
	}
	return r.roles[caller]&roleFor(action) != 0
}

// Grants lists the callers holding explicit roles, for snapshots.
func (r *Registry) Grants() map[uuid.UUID]Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uuid.UUID]Role, len(r.roles))
	for k, v := range r.roles {
		out[k] = v
	}
	return out
}

// Restore replaces the grant table.
func (r *Registry) Restore(grants map[uuid.UUID]Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles = make(map[uuid.UUID]Role, len(grants))
	for k, v := range grants {
		r.roles[k] = v
	}
}
