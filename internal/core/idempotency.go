package core

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// defaultIdempotencyCapacity bounds the hot-tier LRU when the caller does
// not size it explicitly.
const defaultIdempotencyCapacity = 65536

// IdempotencyChecker implements two-tier command deduplication: an
// in-memory LRU in front of a Postgres lookup. Keys are composite
// "command_type:idempotency_key" strings.
type IdempotencyChecker struct {
	lru       *lru.Cache
	dbChecker DBIdempotencyChecker
	metrics   *IdempotencyMetrics
}

// DBIdempotencyChecker is the cold-tier lookup, backed by the event log.
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	if capacity <= 0 {
		capacity = defaultIdempotencyCapacity
	}
	cache, _ := lru.New(capacity)
	return &IdempotencyChecker{
		lru:       cache,
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
	}
}

// IsDuplicate reports whether the command was already processed. The LRU
// answers the hot path; the database answers for keys that aged out. A
// database error is treated as "not a duplicate" so a flaky lookup cannot
// stall the core; the event log's conflict handling absorbs the replay.
func (ic *IdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", commandType, idempotencyKey)

	if _, ok := ic.lru.Get(compositeKey); ok {
		ic.metrics.RecordDuplicate(commandType, "lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(commandType, idempotencyKey)
		if err != nil {
			ic.metrics.RecordTier2Error()
			return false
		}

		if isDup {
			ic.metrics.RecordDuplicate(commandType, "postgres")
			ic.lru.Add(compositeKey, struct{}{})
			return true
		}
	}

	return false
}

// IsDuplicateInMemory consults only the LRU tier. Replay uses it: the
// event log holds every command being replayed, so the cold tier would
// report all of them as duplicates and recovery would rebuild nothing.
func (ic *IdempotencyChecker) IsDuplicateInMemory(commandType string, idempotencyKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", commandType, idempotencyKey)
	if _, ok := ic.lru.Get(compositeKey); ok {
		ic.metrics.RecordDuplicate(commandType, "lru")
		return true
	}
	return false
}

// MarkProcessed records the key after the command commits.
func (ic *IdempotencyChecker) MarkProcessed(commandType string, idempotencyKey string) {
	compositeKey := fmt.Sprintf("%s:%s", commandType, idempotencyKey)
	ic.lru.Add(compositeKey, struct{}{})
}

// Warm loads composite keys into the LRU, oldest first, so recency order
// survives a restart. Used after recovery with keys read back from the
// event log or a snapshot.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.lru.Add(key, struct{}{})
	}
}

// Keys returns the cached composite keys, oldest first.
func (ic *IdempotencyChecker) Keys() []string {
	raw := ic.lru.Keys()
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys
}

// Len returns the current LRU occupancy.
func (ic *IdempotencyChecker) Len() int {
	return ic.lru.Len()
}

// GetMetrics returns local dedup counters.
func (ic *IdempotencyChecker) GetMetrics() *IdempotencyMetrics {
	return ic.metrics
}

// IdempotencyMetrics tracks dedup stats.
// Not thread-safe; only touched from the single-threaded core.
type IdempotencyMetrics struct {
	duplicatesLRU      map[string]int64
	duplicatesPostgres map[string]int64
	tier2Errors        int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(commandType string, tier string) {
	if tier == "lru" {
		m.duplicatesLRU[commandType]++
	} else {
		m.duplicatesPostgres[commandType]++
	}
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}

func (m *IdempotencyMetrics) GetDuplicates(commandType string) (lru int64, postgres int64) {
	return m.duplicatesLRU[commandType], m.duplicatesPostgres[commandType]
}

func (m *IdempotencyMetrics) GetTier2Errors() int64 {
	return m.tier2Errors
}
