package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpVenue/internal/core"
	"PerpVenue/internal/ingestion"
	"PerpVenue/internal/observability"
)

// PersistenceWorker drains core outputs, batches them, and writes events
// and journals in one transaction per flush. The core blocks on the persist
// channel, so sustained write trouble stalls command intake rather than
// losing anything. Committed outputs are handed to the outbound publisher
// only after their transaction commits.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.Output
	publishChan  chan<- ingestion.PublishableEvent
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

// NewPersistenceWorker wires a worker to the database and channels.
// publishChan may be nil when no outbound stream is configured.
func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.Output,
	publishChan chan<- ingestion.PublishableEvent,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		publishChan:  publishChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          observability.NewLogger("persistence"),
	}
}

// Run batches incoming outputs and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled or the input
// channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, pw.batchSize)
	journals := make([]JournalRow, 0, pw.batchSize*4)
	outbound := make([]ingestion.PublishableEvent, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flushAll := func(flushCtx context.Context) error {
		if len(events) == 0 {
			return nil
		}
		if err := pw.flushWithRetry(flushCtx, events, journals); err != nil {
			return err
		}
		pw.forward(outbound)
		events = events[:0]
		journals = journals[:0]
		outbound = outbound[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled here; the tail batch flushes on a
			// fresh context so shutdown does not discard committed work.
			if err := flushAll(context.Background()); err != nil {
				pw.log.Error().Err(err).Msg("final flush failed")
			}
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				if err := flushAll(context.Background()); err != nil {
					pw.log.Error().Err(err).Msg("final flush failed")
				}
				return nil
			}

			events = append(events, NewEventRow(out.Envelope))
			journals = append(journals, NewJournalRows(out.Batch)...)
			outbound = append(outbound, pw.publishables(out)...)

			if len(events) >= pw.batchSize {
				if err := flushAll(ctx); err != nil {
					pw.log.Error().Err(err).Msg("batch flush failed")
				}
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if err := flushAll(ctx); err != nil {
				pw.log.Error().Err(err).Msg("timeout flush failed")
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries failed flushes with exponential backoff, without
// bound: the worker never drops a committed output. Cancellation during
// backoff gets one last background-context attempt so shutdown still
// flushes whatever it can.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), events, journals); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
	}
}

// flush writes one batch of events and journals in a single transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}

// publishables builds the outbound notices for one committed output: the
// event itself, plus one keeper notice per distressed position surfaced by
// the post-price scan.
func (pw *PersistenceWorker) publishables(out core.Output) []ingestion.PublishableEvent {
	env := out.Envelope
	items := make([]ingestion.PublishableEvent, 0, 1+len(out.LiquidationsDue))
	items = append(items, ingestion.PublishableEvent{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Asset:          env.Asset,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      env.StateHash[:],
		Timestamp:      time.Unix(env.Timestamp, 0).UTC(),
	})

	for _, cand := range out.LiquidationsDue {
		payload, err := json.Marshal(cand)
		if err != nil {
			pw.log.Warn().Err(err).Int64("position", cand.PositionID).Msg("marshal due candidate")
			continue
		}
		items = append(items, ingestion.PublishableEvent{
			Sequence:       env.Sequence,
			CommandType:    "due",
			IdempotencyKey: fmt.Sprintf("%s:due:%d", env.IdempotencyKey, cand.PositionID),
			Asset:          cand.Market,
			Payload:        payload,
			StateHash:      env.StateHash[:],
			Timestamp:      time.Unix(env.Timestamp, 0).UTC(),
		})
	}
	return items
}

// forward hands committed outputs to the outbound publisher without ever
// blocking the write path. A full publisher channel drops the notice; the
// event log stays authoritative.
func (pw *PersistenceWorker) forward(items []ingestion.PublishableEvent) {
	if pw.publishChan == nil {
		return
	}
	for _, item := range items {
		select {
		case pw.publishChan <- item:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
			pw.log.Debug().
				Int64("sequence", item.Sequence).
				Str("type", item.CommandType).
				Msg("publish channel full, notice dropped")
		}
	}
}
