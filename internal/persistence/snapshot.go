package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpVenue/internal/auth"
	"PerpVenue/internal/book"
	"PerpVenue/internal/collateral"
	"PerpVenue/internal/core"
	"PerpVenue/internal/crossmargin"
	"PerpVenue/internal/fees"
	"PerpVenue/internal/funding"
	"PerpVenue/internal/ledger"
	"PerpVenue/internal/market"
	"PerpVenue/internal/observability"
	"PerpVenue/internal/oracle"
	"PerpVenue/internal/registry"
)

// snapshotFormatVersion tags the document encoding. Bump on any change to
// SnapshotDocument that an older reader cannot decode.
const snapshotFormatVersion = 1

// SnapshotManager stores and loads full core state at sequence boundaries.
// On restart the venue loads the latest snapshot, then replays the event
// log tail from snapshot.Sequence+1.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics}
}

// SnapshotDocument is the serialized form of core.SnapshotState. Balance
// keys flatten to account paths; everything else round-trips as typed JSON.
type SnapshotDocument struct {
	Sequence  int64  `json:"sequence"`
	StateHash []byte `json:"state_hash"`

	Assets     []registry.Asset               `json:"assets"`
	Feeds      map[string]oracle.FeedState    `json:"feeds"`
	LedgerSeq  int64                          `json:"ledger_seq"`
	Balances   map[string]int64               `json:"balances"`
	Markets    market.EngineSnapshot          `json:"markets"`
	Books      book.ManagerSnapshot           `json:"books"`
	Funding    map[string]funding.State       `json:"funding"`
	FeeVolumes map[uuid.UUID]fees.VolumeState `json:"fee_volumes"`
	Margin     []crossmargin.AccountSnapshot  `json:"margin"`
	Grants     map[uuid.UUID]auth.Role        `json:"grants"`
	Cooldowns  map[int64]int64                `json:"cooldowns"`

	Partitions  map[string]int64 `json:"partitions"`
	Idempotency []string         `json:"idempotency"`

	CreatedAt time.Time `json:"created_at"`
}

// NewSnapshotDocument flattens core state into its storable form.
func NewSnapshotDocument(snap *core.SnapshotState) *SnapshotDocument {
	balances := make(map[string]int64, len(snap.Balances.Balances))
	for key, amount := range snap.Balances.Balances {
		balances[key.AccountPath()] = amount
	}

	return &SnapshotDocument{
		Sequence:  snap.Sequence,
		StateHash: append([]byte(nil), snap.StateHash[:]...),

		Assets:     snap.Assets,
		Feeds:      snap.Feeds,
		LedgerSeq:  snap.Balances.Sequence,
		Balances:   balances,
		Markets:    snap.Markets,
		Books:      snap.Books,
		Funding:    snap.Funding,
		FeeVolumes: snap.FeeVolumes,
		Margin:     snap.Margin,
		Grants:     snap.Grants,
		Cooldowns:  snap.Cooldowns,

		Partitions:  snap.SequenceState,
		Idempotency: snap.IdempotencyKeys,
	}
}

// State rebuilds the core snapshot from the document. Corrupt account paths
// or a malformed hash fail here, before anything touches the core.
func (d *SnapshotDocument) State() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot state hash is %d bytes, want 32", len(d.StateHash))
	}

	balances := make(map[ledger.AccountKey]int64, len(d.Balances))
	for path, amount := range d.Balances {
		key, ok := ledger.ParseAccountPath(path)
		if !ok {
			return nil, fmt.Errorf("snapshot has unparseable account path %q", path)
		}
		balances[key] = amount
	}

	var hash [32]byte
	copy(hash[:], d.StateHash)

	return &core.SnapshotState{
		Sequence:  d.Sequence,
		StateHash: hash,

		Assets:     d.Assets,
		Feeds:      d.Feeds,
		Balances:   collateral.Snapshot{Sequence: d.LedgerSeq, Balances: balances},
		Markets:    d.Markets,
		Books:      d.Books,
		Funding:    d.Funding,
		FeeVolumes: d.FeeVolumes,
		Margin:     d.Margin,
		Grants:     d.Grants,
		Cooldowns:  d.Cooldowns,

		SequenceState:   d.Partitions,
		IdempotencyKeys: d.Idempotency,
	}, nil
}

// Save stores a snapshot, upserting on sequence. The document is decoded
// back and rebuilt before the row is marked loadable, so a snapshot that
// cannot restore is never offered to recovery. Saving is also refused
// while the event log trails the snapshot sequence: recovery replays from
// snapshot+1, so a snapshot ahead of durable events would hide the gap.
func (sm *SnapshotManager) Save(ctx context.Context, snap *core.SnapshotState) error {
	start := time.Now()

	doc := NewSnapshotDocument(snap)
	doc.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	var check SnapshotDocument
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("verify snapshot: %w", err)
	}
	if _, err := check.State(); err != nil {
		return fmt.Errorf("verify snapshot: %w", err)
	}

	logHead, err := sm.LatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("check event log head: %w", err)
	}
	if logHead < snap.Sequence {
		return fmt.Errorf("snapshot at %d ahead of event log head %d", snap.Sequence, logHead)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO venue.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		ON CONFLICT (sequence) DO UPDATE
			SET data = EXCLUDED.data,
			    state_hash = EXCLUDED.state_hash,
			    size_bytes = EXCLUDED.size_bytes,
			    verified = TRUE
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], snapshotFormatVersion, len(data), doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		sm.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}

// LoadLatest returns the most recent verified snapshot, or (nil, nil) on a
// cold start with no snapshot at all.
func (sm *SnapshotManager) LoadLatest(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM venue.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var doc SnapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return doc.State()
}

// LoadEventsFrom pages the event log for replay, ascending from a sequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, asset, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM venue.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.CommandType, &e.IdempotencyKey, &e.Asset,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSequence returns the highest sequence in the event log, 0 when the
// log is empty.
func (sm *SnapshotManager) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM venue.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
