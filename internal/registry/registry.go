package registry

import (
	"errors"
	"fmt"
)

// AssetID is a stable integer handle assigned at registration. Handles are
// never reused; the zero value is reserved as "unknown".
type AssetID uint16

var (
	ErrUnknownAsset      = errors.New("asset not registered")
	ErrAlreadyRegistered = errors.New("asset already registered")
	ErrInvalidSymbol     = errors.New("symbol must be non-empty")
	ErrInvalidFeedKey    = errors.New("feed key must be non-empty")
)

// Asset describes a tradable asset and its oracle binding.
type Asset struct {
	ID       AssetID
	Symbol   string
	FeedKey  string // oracle price feed identifier
	Decimals uint8  // native token decimals, informational
	Active   bool
}

// Registry maps asset symbols to records with a bidirectional symbol<->id
// index built at registration time. Lookups in either direction are O(1);
// nothing is ever scanned.
type Registry struct {
	bySymbol map[string]AssetID
	records  []Asset // arena indexed by AssetID-1
}

func New() *Registry {
	return &Registry{
		bySymbol: make(map[string]AssetID),
	}
}

// Register adds a new asset and returns its stable handle.
func (r *Registry) Register(symbol, feedKey string, decimals uint8) (AssetID, error) {
	if symbol == "" {
		return 0, ErrInvalidSymbol
	}
	if feedKey == "" {
		return 0, ErrInvalidFeedKey
	}
	if _, exists := r.bySymbol[symbol]; exists {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyRegistered, symbol)
	}

	id := AssetID(len(r.records) + 1)
	r.records = append(r.records, Asset{
		ID:       id,
		Symbol:   symbol,
		FeedKey:  feedKey,
		Decimals: decimals,
		Active:   true,
	})
	r.bySymbol[symbol] = id

	return id, nil
}

// UpdateFeed repoints an asset's oracle binding. Privileged operation; the
// caller is responsible for authorization.
func (r *Registry) UpdateFeed(symbol, feedKey string, decimals uint8) error {
	if feedKey == "" {
		return ErrInvalidFeedKey
	}
	id, exists := r.bySymbol[symbol]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	rec := &r.records[id-1]
	rec.FeedKey = feedKey
	rec.Decimals = decimals
	return nil
}

// Get returns the asset record for a symbol.
func (r *Registry) Get(symbol string) (Asset, error) {
	id, exists := r.bySymbol[symbol]
	if !exists {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return r.records[id-1], nil
}

// GetByID returns the asset record for a handle.
func (r *Registry) GetByID(id AssetID) (Asset, error) {
	if id == 0 || int(id) > len(r.records) {
		return Asset{}, fmt.Errorf("%w: id %d", ErrUnknownAsset, id)
	}
	return r.records[id-1], nil
}

// IDOf resolves a symbol to its handle.
func (r *Registry) IDOf(symbol string) (AssetID, bool) {
	id, exists := r.bySymbol[symbol]
	return id, exists
}

// SymbolOf resolves a handle back to its symbol.
func (r *Registry) SymbolOf(id AssetID) (string, bool) {
	if id == 0 || int(id) > len(r.records) {
		return "", false
	}
	return r.records[id-1].Symbol, true
}

// IsRegistered reports whether a symbol has an active record.
func (r *Registry) IsRegistered(symbol string) bool {
	id, exists := r.bySymbol[symbol]
	if !exists {
		return false
	}
	return r.records[id-1].Active
}

// Symbols returns all registered symbols in registration order.
func (r *Registry) Symbols() []string {
	out := make([]string, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Symbol
	}
	return out
}

// Snapshot returns a copy of all records for persistence.
func (r *Registry) Snapshot() []Asset {
	out := make([]Asset, len(r.records))
	copy(out, r.records)
	return out
}

// Restore rebuilds the registry from a snapshot, replacing current state.
func (r *Registry) Restore(records []Asset) {
	r.records = make([]Asset, len(records))
	copy(r.records, records)
	r.bySymbol = make(map[string]AssetID, len(records))
	for _, rec := range r.records {
		r.bySymbol[rec.Symbol] = rec.ID
	}
}
