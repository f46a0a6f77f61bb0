// Command perpvenue runs the venue node: NATS JetStream command ingestion
// in front of a single-threaded deterministic core, a Postgres event log
// and projections behind it, and a gRPC/HTTP surface for queries and
// operator actions.
//
// Boot order is recovery first: load the latest snapshot, replay the event
// log tail into the core, verify the state hash chain, and only then open
// the ingestion and serving surfaces.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PerpVenue/internal/command"
	"PerpVenue/internal/config"
	"PerpVenue/internal/core"
	"PerpVenue/internal/ingestion"
	"PerpVenue/internal/observability"
	"PerpVenue/internal/persistence"
	"PerpVenue/internal/projection"
	"PerpVenue/internal/query"
	"PerpVenue/internal/server"
)

// injectBuffer sizes the operator-injection channel. Inject traffic is a
// trickle next to the NATS feed.
const injectBuffer = 256

func main() {
	configPath := flag.String("config", "", "path to config.yaml; empty runs on defaults plus environment")
	flag.Parse()

	log := observability.NewLogger("main")
	log.Info().Msg("perpvenue starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}

	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir).Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	snapMgr := persistence.NewSnapshotManager(db, metrics)

	// --- Recovery: snapshot restore, then event replay ---
	snap, err := snapMgr.LoadLatest(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load snapshot")
	}
	startSequence := int64(1)
	if snap != nil {
		startSequence = snap.Sequence + 1
		log.Info().Int64("sequence", snap.Sequence).Msg("snapshot loaded")
	} else {
		log.Info().Msg("no snapshot, cold start")
	}

	// Core output channels: persistence blocks when full, projections drop.
	persistChan := make(chan core.Output, cfg.Core.PersistChanSize)
	projectionChan := make(chan core.Output, cfg.Core.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.NATS.PublishBuffer)

	opts, err := cfg.CoreOptions()
	if err != nil {
		log.Fatal().Err(err).Msg("core options")
	}
	opts.StartSequence = startSequence
	opts.DB = persistence.NewPostgresIdempotencyChecker(db)
	opts.Metrics = metrics
	opts.PersistChan = persistChan
	opts.ProjectionChan = projectionChan

	eng, err := core.NewCore(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("build core")
	}
	if snap != nil {
		if err := eng.RestoreFromSnapshot(snap); err != nil {
			log.Fatal().Err(err).Msg("restore snapshot")
		}
	}

	replayed, lastHash, err := replayEventLog(ctx, snapMgr, eng, startSequence)
	if err != nil {
		log.Fatal().Err(err).Msg("replay event log")
	}
	// The rebuilt chain tip must land exactly where the log (or, with an
	// empty tail, the snapshot) recorded it.
	switch {
	case replayed > 0:
		if got := eng.GetStateHash(); !bytes.Equal(got[:], lastHash) {
			log.Fatal().
				Hex("got", got[:]).
				Hex("want", lastHash).
				Msg("state hash mismatch after replay")
		}
		log.Info().
			Int64("events", replayed).
			Int64("sequence", eng.GetSequence()-1).
			Msg("event replay verified")
	case snap != nil:
		if got := eng.GetStateHash(); got != snap.StateHash {
			log.Fatal().
				Hex("got", got[:]).
				Hex("want", snap.StateHash[:]).
				Msg("state hash mismatch after restore")
		}
		log.Info().Msg("snapshot restore verified")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure command streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawChan := make(chan ingestion.RawCommand, cfg.NATS.CommandBuffer)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	publisher := ingestion.NewOutboundPublisher(js, publishChan)

	// --- Services ---
	queryService := query.NewQueryService(db)
	injectChan := make(chan command.Command, injectBuffer)
	ingestService := ingestion.NewGRPCIngestService(injectChan)

	srv := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		DB:            db,
		Query:         queryService,
		Ingest:        ingestService,
		SnapshotMgr:   snapMgr,
		Metrics:       metrics,
		HealthChecker: healthChecker,
	})

	errChan := make(chan error, 8)

	// --- Sink workers ---
	// Workers stop by input-channel close, not by context, so everything
	// queued drains and flushes before the final snapshot. Their contexts
	// stay uncancelled for the same reason.
	var sinks sync.WaitGroup
	persistWorker := persistence.NewPersistenceWorker(
		db, persistChan, publishChan,
		cfg.Core.PersistBatchSize, cfg.Core.PersistFlushTimeout, metrics,
	)
	sinks.Add(1)
	go func() {
		defer sinks.Done()
		if err := persistWorker.Run(context.Background()); err != nil {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics)
	sinks.Add(1)
	go func() {
		defer sinks.Done()
		if err := projWorker.Run(context.Background()); err != nil {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()

	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		if err := publisher.Run(context.Background()); err != nil {
			errChan <- fmt.Errorf("outbound publisher: %w", err)
		}
	}()

	// --- Core loop ---
	// The core is not safe for concurrent use: NATS commands, operator
	// injections, and snapshot captures all funnel through one goroutine.
	cmdChan := make(chan command.Command, cfg.NATS.CommandBuffer)
	snapReqChan := make(chan chan core.SnapshotState)
	var appliedSeq atomic.Int64
	appliedSeq.Store(eng.GetSequence() - 1)

	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		runCoreLoop(ctx, eng, cmdChan, injectChan, snapReqChan, &appliedSeq)
	}()

	go runCommandParser(ctx, rawChan, cmdChan, subjectTypes(ingestion.DefaultSubjects()))

	go runSnapshotLoop(ctx, snapMgr, snapReqChan, &appliedSeq, cfg.Core.SnapshotInterval)

	// --- Serving surfaces ---
	go func() {
		if err := srv.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := srv.StartHTTPGateway(ctx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()
	go func() {
		if err := runMetricsServer(ctx, cfg.Server.MetricsAddr); err != nil {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Info().
		Int64("sequence", appliedSeq.Load()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("perpvenue ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("fatal goroutine error, shutting down")
	}

	// --- Graceful shutdown ---
	// Order matters: stop intake, stop the core loop, then close the sink
	// channels so the workers drain. Only a drained log earns the final
	// snapshot; Save refuses to run ahead of it regardless.
	healthChecker.SetReady(false)
	cancel()
	subscriber.Stop()
	<-coreDone

	close(persistChan)
	close(projectionChan)
	if !waitOrTimeout(&sinks, 30*time.Second) {
		log.Error().Msg("sink workers did not drain in 30s, skipping final snapshot")
		return
	}
	close(publishChan)
	<-publisherDone

	// The core loop has stopped, so touching the core is single-threaded
	// again.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	finalSnap := eng.CreateSnapshotState()
	if err := snapMgr.Save(shutdownCtx, &finalSnap); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Int64("sequence", finalSnap.Sequence).Msg("final snapshot saved")
	}

	log.Info().Msg("perpvenue shutdown complete")
}

// runCoreLoop is the single entry into the core.
func runCoreLoop(
	ctx context.Context,
	eng *core.Core,
	cmdChan <-chan command.Command,
	injectChan <-chan command.Command,
	snapReqChan <-chan chan core.SnapshotState,
	appliedSeq *atomic.Int64,
) {
	log := observability.NewLogger("core-loop")
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-cmdChan:
			if !ok {
				return
			}
			processOne(log, eng, cmd, appliedSeq)
		case cmd, ok := <-injectChan:
			if !ok {
				return
			}
			processOne(log, eng, cmd, appliedSeq)
		case reply := <-snapReqChan:
			reply <- eng.CreateSnapshotState()
		}
	}
}

func processOne(log zerolog.Logger, eng *core.Core, cmd command.Command, appliedSeq *atomic.Int64) {
	if err := eng.ProcessCommand(cmd); err != nil {
		// Rejections are deterministic: the command is invalid against
		// current state and a redelivery cannot change that. Logged and
		// dropped; the rejection counters carry the tally.
		log.Warn().
			Err(err).
			Str("type", cmd.CommandType().String()).
			Str("key", cmd.IdempotencyKey()).
			Msg("command rejected")
	}
	appliedSeq.Store(eng.GetSequence() - 1)
}

// runCommandParser turns raw NATS messages into typed commands for the
// core loop. Messages ack once handed over: past that point the command
// either applies or is deterministically rejected, and a redelivery would
// change nothing. Unparseable messages ack too, or they would redeliver
// until MaxDeliver for the same outcome.
func runCommandParser(
	ctx context.Context,
	rawChan <-chan ingestion.RawCommand,
	cmdChan chan<- command.Command,
	types map[string]string,
) {
	log := observability.NewLogger("ingest-loop")
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}
			commandType := commandTypeFor(raw.Subject, types)
			if commandType == "" {
				log.Warn().Str("subject", raw.Subject).Msg("no command type for subject")
				raw.AckFunc()
				continue
			}
			cmd, err := ingestion.ParseRawCommand(raw.Data, commandType)
			if err != nil {
				log.Warn().Err(err).Str("subject", raw.Subject).Msg("unparseable command")
				raw.AckFunc()
				continue
			}
			// Blocking send: backpressure propagates to NATS redelivery.
			select {
			case cmdChan <- cmd:
				raw.AckFunc()
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}

// subjectTypes maps subject prefixes to command type names, wildcard
// suffix stripped.
func subjectTypes(subjects []ingestion.SubjectConfig) map[string]string {
	out := make(map[string]string, len(subjects))
	for _, sc := range subjects {
		out[strings.TrimSuffix(sc.Subject, ".>")] = sc.CommandType
	}
	return out
}

// commandTypeFor resolves a concrete subject against the prefix table,
// longest prefix winning.
func commandTypeFor(subject string, types map[string]string) string {
	best, bestType := "", ""
	for prefix, commandType := range types {
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(best) {
			best, bestType = prefix, commandType
		}
	}
	return bestType
}

// replayEventLog replays the durable log into the core from fromSequence
// to the head. Returns the row count and the chain tip recorded with the
// last replayed event. Any replay error is fatal to recovery: the log was
// accepted once, so a rejection now means corruption or non-determinism.
func replayEventLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	eng *core.Core,
	fromSequence int64,
) (int64, []byte, error) {
	const pageSize = 1000

	var replayed int64
	var lastHash []byte
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, fromSequence, pageSize)
		if err != nil {
			return replayed, lastHash, fmt.Errorf("load events from %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			return replayed, lastHash, nil
		}
		for _, row := range rows {
			cmd, err := ingestion.ParseRawCommand(row.Payload, row.CommandType)
			if err != nil {
				return replayed, lastHash, fmt.Errorf("parse event %d (%s): %w", row.Sequence, row.CommandType, err)
			}
			if err := eng.ReplayCommand(cmd); err != nil {
				return replayed, lastHash, fmt.Errorf("replay event %d (%s): %w", row.Sequence, row.CommandType, err)
			}
			replayed++
			lastHash = row.StateHash
		}
		fromSequence = rows[len(rows)-1].Sequence + 1
	}
}

// runSnapshotLoop saves a snapshot every interval applied commands. The
// capture itself happens inside the core loop; only the DB write runs
// here. Save refuses captures ahead of the durable log, so a capture
// racing the persistence worker just retries on a later tick.
func runSnapshotLoop(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	snapReqChan chan<- chan core.SnapshotState,
	appliedSeq *atomic.Int64,
	interval int64,
) {
	log := observability.NewLogger("snapshots")
	if interval <= 0 {
		interval = 100_000
	}
	lastSaved := appliedSeq.Load()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if appliedSeq.Load()-lastSaved < interval {
				continue
			}
			reply := make(chan core.SnapshotState, 1)
			select {
			case snapReqChan <- reply:
			case <-ctx.Done():
				return
			}
			var snap core.SnapshotState
			select {
			case snap = <-reply:
			case <-ctx.Done():
				return
			}
			if err := snapMgr.Save(ctx, &snap); err != nil {
				log.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot save failed")
				continue
			}
			lastSaved = snap.Sequence
			log.Info().Int64("sequence", snap.Sequence).Msg("snapshot saved")
		}
	}
}

// runMetricsServer serves Prometheus metrics on its own listener, away
// from the query surface.
func runMetricsServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// waitOrTimeout waits for wg up to d.
func waitOrTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
