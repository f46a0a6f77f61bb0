package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpVenue/internal/observability"
)

// NATSSubscriber consumes command subjects from JetStream and feeds raw
// messages into the single-writer core loop via commandChan.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
	log         zerolog.Logger
}

// RawCommand is an undecoded command off the wire. The ingestion loop
// parses it into a typed command.Command before handing it to the core,
// and acks only after the core loop has accepted it.
type RawCommand struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// SubjectConfig binds a NATS subject to a command type. CommandType
// values match command.Type.String() so the event-log replay path and
// the live ingestion path share one parser.
type SubjectConfig struct {
	Subject      string
	CommandType  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the subject layout, one durable consumer per
// command type.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "venue.collateral.deposit.>", CommandType: "Deposit", ConsumerName: "venue-deposit", StreamName: "VENUE_COLLATERAL"},
		{Subject: "venue.collateral.withdraw.>", CommandType: "Withdraw", ConsumerName: "venue-withdraw", StreamName: "VENUE_COLLATERAL"},
		{Subject: "venue.collateral.insurance.>", CommandType: "SeedInsurance", ConsumerName: "venue-insurance", StreamName: "VENUE_COLLATERAL"},
		{Subject: "venue.orders.place.>", CommandType: "PlaceOrder", ConsumerName: "venue-order-place", StreamName: "VENUE_ORDERS"},
		{Subject: "venue.orders.cancel.>", CommandType: "CancelOrder", ConsumerName: "venue-order-cancel", StreamName: "VENUE_ORDERS"},
		{Subject: "venue.positions.open.>", CommandType: "OpenPosition", ConsumerName: "venue-position-open", StreamName: "VENUE_POSITIONS"},
		{Subject: "venue.positions.increase.>", CommandType: "IncreasePosition", ConsumerName: "venue-position-increase", StreamName: "VENUE_POSITIONS"},
		{Subject: "venue.positions.decrease.>", CommandType: "DecreasePosition", ConsumerName: "venue-position-decrease", StreamName: "VENUE_POSITIONS"},
		{Subject: "venue.positions.close.>", CommandType: "ClosePosition", ConsumerName: "venue-position-close", StreamName: "VENUE_POSITIONS"},
		{Subject: "venue.positions.trigger.add.>", CommandType: "AddPositionOrder", ConsumerName: "venue-trigger-add", StreamName: "VENUE_POSITIONS"},
		{Subject: "venue.positions.trigger.cancel.>", CommandType: "CancelPositionOrder", ConsumerName: "venue-trigger-cancel", StreamName: "VENUE_POSITIONS"},
		{Subject: "venue.prices.>", CommandType: "PriceUpdate", ConsumerName: "venue-prices", StreamName: "VENUE_PRICES"},
		{Subject: "venue.funding.>", CommandType: "FundingTick", ConsumerName: "venue-funding", StreamName: "VENUE_FUNDING"},
		{Subject: "venue.liquidations.>", CommandType: "Liquidate", ConsumerName: "venue-liquidations", StreamName: "VENUE_LIQUIDATIONS"},
		{Subject: "venue.admin.assets.>", CommandType: "RegisterAsset", ConsumerName: "venue-admin-assets", StreamName: "VENUE_ADMIN"},
		{Subject: "venue.admin.markets.create.>", CommandType: "CreateMarket", ConsumerName: "venue-admin-market-create", StreamName: "VENUE_ADMIN"},
		{Subject: "venue.admin.markets.status.>", CommandType: "SetMarketStatus", ConsumerName: "venue-admin-market-status", StreamName: "VENUE_ADMIN"},
		{Subject: "venue.admin.markets.risk.>", CommandType: "UpdateRiskParams", ConsumerName: "venue-admin-market-risk", StreamName: "VENUE_ADMIN"},
		{Subject: "venue.admin.markets.fees.>", CommandType: "SetFeeSchedule", ConsumerName: "venue-admin-market-fees", StreamName: "VENUE_ADMIN"},
		{Subject: "venue.admin.roles.grant.>", CommandType: "GrantRole", ConsumerName: "venue-admin-role-grant", StreamName: "VENUE_ADMIN"},
		{Subject: "venue.admin.roles.revoke.>", CommandType: "RevokeRole", ConsumerName: "venue-admin-role-revoke", StreamName: "VENUE_ADMIN"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
		log:         observability.NewLogger("nats-subscriber"),
	}
}

// Subscribe creates a durable JetStream consumer per subject. Explicit
// acks, 30s ack wait, five delivery attempts before the message parks.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.commandChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command streams if they don't exist.
// File storage, limits retention, 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	log := observability.NewLogger("nats-streams")

	streams := []struct {
		name    string
		subject string
	}{
		{"VENUE_COLLATERAL", "venue.collateral.>"},
		{"VENUE_ORDERS", "venue.orders.>"},
		{"VENUE_POSITIONS", "venue.positions.>"},
		{"VENUE_PRICES", "venue.prices.>"},
		{"VENUE_FUNDING", "venue.funding.>"},
		{"VENUE_LIQUIDATIONS", "venue.liquidations.>"},
		{"VENUE_ADMIN", "venue.admin.>"},
	}

	for _, s := range streams {
		cfg := jetstream.StreamConfig{
			Name:      s.name,
			Subjects:  []string{s.subject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		}
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", s.name, err)
		}
		log.Info().Str("stream", s.name).Msg("stream ensured")
	}

	return nil
}

// Stop halts all consumers. In-flight messages that were never acked
// redeliver after the ack wait.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("consumers stopped")
}

// ConnectNATS dials the broker and returns a JetStream handle. The
// connection retries forever; durable consumers resume where they left
// off after a reconnect.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
