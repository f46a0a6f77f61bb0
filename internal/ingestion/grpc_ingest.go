package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpVenue/internal/command"
)

// GRPCIngestService queues operator-injected commands for the core
// loop. It exists for manual intervention and low-volume tooling, not
// throughput; NATS is the hot path. Injected commands ride the same
// channel and the same sequence validation as everything else, so the
// caller must supply the partition's next source sequence.
type GRPCIngestService struct {
	commandChan chan<- command.Command
}

func NewGRPCIngestService(commandChan chan<- command.Command) *GRPCIngestService {
	return &GRPCIngestService{commandChan: commandChan}
}

func (s *GRPCIngestService) send(ctx context.Context, cmd command.Command) error {
	select {
	case s.commandChan <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectCommand parses an arbitrary command payload with the shared
// wire parser and queues it. Typed helpers below cover the common
// operational cases; this is the escape hatch for the rest.
func (s *GRPCIngestService) InjectCommand(ctx context.Context, commandType string, payload []byte) error {
	cmd, err := ParseRawCommand(payload, commandType)
	if err != nil {
		return err
	}
	return s.send(ctx, cmd)
}

// InjectDeposit queues a deposit credit. A zero depositID gets a fresh
// uuid, which makes the injection single-shot; pass an explicit id when
// the caller needs retry-safe dedup.
func (s *GRPCIngestService) InjectDeposit(ctx context.Context, depositID, trader uuid.UUID, amount, sequence int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if depositID == uuid.Nil {
		depositID = uuid.New()
	}

	return s.send(ctx, &command.Deposit{
		DepositID: depositID,
		Trader:    trader,
		Amount:    amount,
		Sequence:  sequence,
		Timestamp: time.Now().Unix(),
	})
}

// InjectWithdraw queues a withdrawal debit.
func (s *GRPCIngestService) InjectWithdraw(ctx context.Context, withdrawalID, trader uuid.UUID, amount, sequence int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if withdrawalID == uuid.Nil {
		withdrawalID = uuid.New()
	}

	return s.send(ctx, &command.Withdraw{
		WithdrawalID: withdrawalID,
		Trader:       trader,
		Amount:       amount,
		Sequence:     sequence,
		Timestamp:    time.Now().Unix(),
	})
}

// InjectPrice queues one oracle observation. Feed sequences tolerate
// gaps, so operators only need a value above the feed's last accepted
// sequence.
func (s *GRPCIngestService) InjectPrice(ctx context.Context, feed string, price, priceSequence int64) error {
	if feed == "" {
		return fmt.Errorf("feed must be set")
	}
	if price <= 0 {
		return fmt.Errorf("price must be positive")
	}

	return s.send(ctx, &command.PriceUpdate{
		Feed:          feed,
		Price:         price,
		PriceSequence: priceSequence,
		Timestamp:     time.Now().Unix(),
	})
}

// InjectFundingTick queues a funding sweep for the named assets, or all
// tracked assets when the list is empty.
func (s *GRPCIngestService) InjectFundingTick(ctx context.Context, assets []string, sequence int64) error {
	return s.send(ctx, &command.FundingTick{
		Assets:    assets,
		Sequence:  sequence,
		Timestamp: time.Now().Unix(),
	})
}

// InjectSeedInsurance queues an insurance fund top-up on behalf of an
// operator account.
func (s *GRPCIngestService) InjectSeedInsurance(ctx context.Context, transferID, caller uuid.UUID, amount, sequence int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if transferID == uuid.Nil {
		transferID = uuid.New()
	}

	return s.send(ctx, &command.SeedInsurance{
		TransferID: transferID,
		Caller:     caller,
		Amount:     amount,
		Sequence:   sequence,
		Timestamp:  time.Now().Unix(),
	})
}
