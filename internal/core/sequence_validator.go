package core

import (
	"fmt"
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe; only touched from the single-threaded core.
//
// Command partitions are strict: each partition must deliver source
// sequences 0,1,2,... with no gaps. Price feeds get their own partitions
// ("price:<feed>") with looser rules, tracked as last-accepted sequence.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateSequence checks strict source-sequence ordering for a command
// partition and advances the expected sequence on match. A replay of an
// already-processed command arrives below the expected sequence and is
// fine; a NEW command below expected means out-of-order delivery, and
// above expected means the ingest lost something.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("out-of-order command: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	sv.metrics.RecordGap(partition, expected, sourceSequence)
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidatePriceSequence applies the feed rules: a sequence at or below the
// last accepted one is stale and reports false (caller drops the update
// silently); gaps are tolerated with a metric. Reports true when the
// update should be processed.
func (sv *SequenceValidator) ValidatePriceSequence(feed string, priceSequence int64) bool {
	partition := fmt.Sprintf("price:%s", feed)

	last, seen := sv.expectedNextSeq[partition]
	if seen && priceSequence <= last {
		return false
	}
	if seen && priceSequence > last+1 {
		sv.metrics.RecordPriceGap(feed, last, priceSequence)
	}

	sv.expectedNextSeq[partition] = priceSequence
	return true
}

// GetExpectedSequence returns the stored sequence mark for a partition:
// next-expected for command partitions, last-accepted for price ones.
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes a partition mark during recovery.
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// Partitions returns a copy of every partition mark, for snapshots.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for partition, seq := range sv.expectedNextSeq {
		out[partition] = seq
	}
	return out
}

// Restore replaces all partition marks from a snapshot.
func (sv *SequenceValidator) Restore(partitions map[string]int64) {
	sv.expectedNextSeq = make(map[string]int64, len(partitions))
	for partition, seq := range partitions {
		sv.expectedNextSeq[partition] = seq
	}
}

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe; only touched from the single-threaded core.
type SequenceMetrics struct {
	gaps       map[string]int64
	outOfOrder map[string]int64
	priceGaps  map[string]int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
		priceGaps:  make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordPriceGap(feed string, last, got int64) {
	m.priceGaps[feed]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) GetPriceGaps(feed string) int64 {
	return m.priceGaps[feed]
}
