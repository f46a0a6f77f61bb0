package command

import "github.com/google/uuid"

// Deposit credits external funds to a trader's available balance.
// Idempotency key: deposit id assigned by the custody gateway.
type Deposit struct {
	DepositID uuid.UUID `json:"deposit_id"`
	Trader    uuid.UUID `json:"trader"`
	Amount    int64     `json:"amount"` // quote scale
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (d *Deposit) IdempotencyKey() string { return d.DepositID.String() }
func (d *Deposit) CommandType() Type      { return TypeDeposit }
func (d *Deposit) AssetSymbol() string    { return "" }
func (d *Deposit) SourceSequence() int64  { return d.Sequence }
func (d *Deposit) UnixTime() int64        { return d.Timestamp }

// Withdraw debits a trader's available balance back to the custody gateway.
type Withdraw struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	Trader       uuid.UUID `json:"trader"`
	Amount       int64     `json:"amount"`
	Sequence     int64     `json:"sequence"`
	Timestamp    int64     `json:"timestamp"`
}

func (w *Withdraw) IdempotencyKey() string { return w.WithdrawalID.String() }
func (w *Withdraw) CommandType() Type      { return TypeWithdraw }
func (w *Withdraw) AssetSymbol() string    { return "" }
func (w *Withdraw) SourceSequence() int64  { return w.Sequence }
func (w *Withdraw) UnixTime() int64        { return w.Timestamp }

// SeedInsurance tops up the insurance fund from an external source.
// Operator capability required.
type SeedInsurance struct {
	TransferID uuid.UUID `json:"transfer_id"`
	Caller     uuid.UUID `json:"caller"`
	Amount     int64     `json:"amount"`
	Sequence   int64     `json:"sequence"`
	Timestamp  int64     `json:"timestamp"`
}

func (s *SeedInsurance) IdempotencyKey() string { return s.TransferID.String() }
func (s *SeedInsurance) CommandType() Type      { return TypeSeedInsurance }
func (s *SeedInsurance) AssetSymbol() string    { return "" }
func (s *SeedInsurance) SourceSequence() int64  { return s.Sequence }
func (s *SeedInsurance) UnixTime() int64        { return s.Timestamp }
