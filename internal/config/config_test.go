package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"PerpVenue/internal/config"
	"PerpVenue/internal/fees"
	"PerpVenue/internal/funding"
	"PerpVenue/internal/liquidation"
	"PerpVenue/internal/oracle"

	"github.com/google/uuid"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "venue.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("nats url: got %s, want nats://localhost:4222", cfg.NATS.URL)
	}
	if cfg.Server.GRPCAddr != ":9090" || cfg.Server.HTTPAddr != ":8080" || cfg.Server.MetricsAddr != ":9091" {
		t.Errorf("server addrs: got %s/%s/%s", cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, cfg.Server.MetricsAddr)
	}
	if cfg.Postgres.MaxOpenConns != 20 || cfg.Postgres.MaxIdleConns != 10 {
		t.Errorf("pool: got %d/%d, want 20/10", cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns)
	}
	if cfg.Postgres.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("conn lifetime: got %v, want 5m", cfg.Postgres.ConnMaxLifetime)
	}
	if cfg.Core.PersistChanSize != 1024 || cfg.Core.ProjectionChanSize != 2048 {
		t.Errorf("chan sizes: got %d/%d, want 1024/2048", cfg.Core.PersistChanSize, cfg.Core.ProjectionChanSize)
	}
	if cfg.Core.PersistBatchSize != 50 || cfg.Core.PersistFlushTimeout != 10*time.Millisecond {
		t.Errorf("persist batching: got %d/%v", cfg.Core.PersistBatchSize, cfg.Core.PersistFlushTimeout)
	}
	if cfg.Core.SnapshotInterval != 100_000 {
		t.Errorf("snapshot interval: got %d, want 100000", cfg.Core.SnapshotInterval)
	}
	if cfg.Core.IdempotencyCapacity != 1_000_000 {
		t.Errorf("idempotency capacity: got %d, want 1000000", cfg.Core.IdempotencyCapacity)
	}
	if cfg.Postgres.MigrationsDir != "migrations" {
		t.Errorf("migrations dir: got %s, want migrations", cfg.Postgres.MigrationsDir)
	}
}

func TestLoad_DomainSectionsDefaultToEngineConfigs(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	opts, err := cfg.CoreOptions()
	if err != nil {
		t.Fatalf("core options: %v", err)
	}

	if opts.Oracle != oracle.DefaultConfig() {
		t.Errorf("oracle: got %+v, want defaults", opts.Oracle)
	}
	if opts.Funding != funding.DefaultConfig() {
		t.Errorf("funding: got %+v, want defaults", opts.Funding)
	}
	if opts.Liquidation != liquidation.DefaultConfig() {
		t.Errorf("liquidation: got %+v, want defaults", opts.Liquidation)
	}
	if opts.FeeDefaults != fees.DefaultSchedule() {
		t.Errorf("fee schedule: got %+v, want defaults", opts.FeeDefaults)
	}
	if len(opts.FeeTiers) != len(fees.DefaultTiers()) {
		t.Errorf("fee tiers: got %d, want %d", len(opts.FeeTiers), len(fees.DefaultTiers()))
	}
	if len(opts.Operators) != 0 || len(opts.Liquidators) != 0 {
		t.Errorf("roles: got %d/%d grants, want none", len(opts.Operators), len(opts.Liquidators))
	}
}

func TestLoad_FileOverridesAndOverlay(t *testing.T) {
	path := writeConfig(t, `
postgres:
  dsn: postgres://venue:pw@db:5432/venue?sslmode=disable
  max_open_conns: 40
  conn_max_lifetime: 10m
nats:
  url: nats://broker:4222
  command_buffer: 512
server:
  grpc_addr: ":7070"
core:
  persist_chan_size: 64
  persist_flush_timeout: 25ms
  snapshot_interval: 500
  insurance_floor: 1000000
oracle:
  max_age_seconds: 60
funding:
  interval_seconds: 3600
  disable_rate_clamping: true
liquidation:
  penalty_percent: 7
  reward_percent: 4
fees:
  maker_bps: 1
  taker_bps: 3
  tiers:
    - min_volume: 0
      discount_percent: 0
    - min_volume: 1000000
      discount_percent: 5
roles:
  operators:
    - 11111111-1111-4111-8111-111111111111
  liquidators:
    - 22222222-2222-4222-8222-222222222222
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Postgres.DSN != "postgres://venue:pw@db:5432/venue?sslmode=disable" {
		t.Errorf("dsn: got %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxOpenConns != 40 {
		t.Errorf("max open conns: got %d, want 40", cfg.Postgres.MaxOpenConns)
	}
	if cfg.Postgres.MaxIdleConns != 10 {
		t.Errorf("max idle conns kept default: got %d, want 10", cfg.Postgres.MaxIdleConns)
	}
	if cfg.Postgres.ConnMaxLifetime != 10*time.Minute {
		t.Errorf("conn lifetime: got %v, want 10m", cfg.Postgres.ConnMaxLifetime)
	}
	if cfg.NATS.URL != "nats://broker:4222" || cfg.NATS.CommandBuffer != 512 {
		t.Errorf("nats: got %s/%d", cfg.NATS.URL, cfg.NATS.CommandBuffer)
	}
	if cfg.NATS.PublishBuffer != 4096 {
		t.Errorf("publish buffer kept default: got %d, want 4096", cfg.NATS.PublishBuffer)
	}
	if cfg.Server.GRPCAddr != ":7070" || cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("server addrs: got %s/%s", cfg.Server.GRPCAddr, cfg.Server.HTTPAddr)
	}
	if cfg.Core.PersistChanSize != 64 || cfg.Core.PersistFlushTimeout != 25*time.Millisecond {
		t.Errorf("core pipeline: got %d/%v", cfg.Core.PersistChanSize, cfg.Core.PersistFlushTimeout)
	}
	if cfg.Core.SnapshotInterval != 500 {
		t.Errorf("snapshot interval: got %d, want 500", cfg.Core.SnapshotInterval)
	}

	opts, err := cfg.CoreOptions()
	if err != nil {
		t.Fatalf("core options: %v", err)
	}

	if opts.Oracle.MaxAgeSeconds != 60 {
		t.Errorf("oracle max age: got %d, want 60", opts.Oracle.MaxAgeSeconds)
	}
	if opts.Oracle.MaxDeviationPercent != oracle.DefaultConfig().MaxDeviationPercent {
		t.Errorf("oracle deviation kept default: got %d", opts.Oracle.MaxDeviationPercent)
	}
	if opts.Funding.IntervalSeconds != 3600 {
		t.Errorf("funding interval: got %d, want 3600", opts.Funding.IntervalSeconds)
	}
	if opts.Funding.InterestRate != funding.DefaultConfig().InterestRate {
		t.Errorf("funding carry kept default: got %d", opts.Funding.InterestRate)
	}
	if opts.Funding.EnableRateClamping {
		t.Error("rate clamping should be disabled")
	}
	if opts.Liquidation.PenaltyPercent != 7 || opts.Liquidation.RewardPercent != 4 {
		t.Errorf("liquidation economics: got %d/%d, want 7/4", opts.Liquidation.PenaltyPercent, opts.Liquidation.RewardPercent)
	}
	if opts.Liquidation.GasStipend != liquidation.DefaultConfig().GasStipend {
		t.Errorf("gas stipend kept default: got %d", opts.Liquidation.GasStipend)
	}
	if opts.FeeDefaults.MakerBps != 1 || opts.FeeDefaults.TakerBps != 3 || opts.FeeDefaults.LiquidationBps != 0 {
		t.Errorf("fee schedule: got %+v", opts.FeeDefaults)
	}
	if len(opts.FeeTiers) != 2 || opts.FeeTiers[1].MinVolume != 1_000_000 || opts.FeeTiers[1].DiscountPercent != 5 {
		t.Errorf("fee tiers: got %+v", opts.FeeTiers)
	}
	if opts.InsuranceFloor != 1_000_000 {
		t.Errorf("insurance floor: got %d, want 1000000", opts.InsuranceFloor)
	}

	wantOp := uuid.MustParse("11111111-1111-4111-8111-111111111111")
	if len(opts.Operators) != 1 || opts.Operators[0] != wantOp {
		t.Errorf("operators: got %v, want [%s]", opts.Operators, wantOp)
	}
	wantLq := uuid.MustParse("22222222-2222-4222-8222-222222222222")
	if len(opts.Liquidators) != 1 || opts.Liquidators[0] != wantLq {
		t.Errorf("liquidators: got %v, want [%s]", opts.Liquidators, wantLq)
	}
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	path := writeConfig(t, `
nats:
  url: nats://from-file:4222
core:
  snapshot_interval: 500
`)

	t.Setenv("VENUE_NATS_URL", "nats://from-env:4222")
	t.Setenv("VENUE_SNAPSHOT_INTERVAL", "777")
	t.Setenv("VENUE_PERSIST_FLUSH_TIMEOUT", "40ms")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.NATS.URL != "nats://from-env:4222" {
		t.Errorf("nats url: got %s, want env value", cfg.NATS.URL)
	}
	if cfg.Core.SnapshotInterval != 777 {
		t.Errorf("snapshot interval: got %d, want 777", cfg.Core.SnapshotInterval)
	}
	if cfg.Core.PersistFlushTimeout != 40*time.Millisecond {
		t.Errorf("flush timeout: got %v, want 40ms", cfg.Core.PersistFlushTimeout)
	}
}

func TestLoad_MalformedEnvKeepsFileValue(t *testing.T) {
	path := writeConfig(t, `
core:
  persist_chan_size: 64
`)

	t.Setenv("VENUE_PERSIST_CHAN_SIZE", "not-a-number")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Core.PersistChanSize != 64 {
		t.Errorf("persist chan size: got %d, want 64", cfg.Core.PersistChanSize)
	}
}

func TestLoad_MissingFileFails(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_BadYAMLFails(t *testing.T) {
	path := writeConfig(t, "nats: [unclosed")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestLoad_UnsortedTiersFail(t *testing.T) {
	path := writeConfig(t, `
fees:
  tiers:
    - min_volume: 1000
      discount_percent: 5
    - min_volume: 10
      discount_percent: 10
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for tiers out of order")
	}
}

func TestLoad_BadOperatorUUIDFails(t *testing.T) {
	path := writeConfig(t, `
roles:
  operators:
    - not-a-uuid
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid operator account")
	}
}
