package ingestion

import (
	"PerpClearing/internal/instrument"
	"PerpClearing/internal/settlement"

	"github.com/google/uuid"
)

// Command is a validated, typed clearing command ready for the dispatch
// loop. Parsing happens in the ingestion shell; the core never sees raw
// bytes.
type Command interface {
	CommandType() string
}

// IncreasePosition opens or grows a position.
type IncreasePosition struct {
	Label           string
	InstrumentID    uint32
	UserID          uuid.UUID
	Price           int64
	SizeDelta       int64
	CollateralDelta int64
	TxFee           int64
	PriceImpactFee  int64
	Timestamp       int64 // microseconds
}

func (*IncreasePosition) CommandType() string { return "IncreasePosition" }

// DecreasePosition closes part or all of a position.
type DecreasePosition struct {
	Label          string
	InstrumentID   uint32
	UserID         uuid.UUID
	Price          int64
	SizeDelta      int64
	TxFee          int64
	PriceImpactFee int64
	Timestamp      int64
}

func (*DecreasePosition) CommandType() string { return "DecreasePosition" }

// IncreaseCollateral posts additional margin to an open position.
type IncreaseCollateral struct {
	Label        string
	InstrumentID uint32
	UserID       uuid.UUID
	Price        int64
	Amount       int64
	Timestamp    int64
}

func (*IncreaseCollateral) CommandType() string { return "IncreaseCollateral" }

// DecreaseCollateral withdraws margin from an open position.
type DecreaseCollateral struct {
	Label        string
	InstrumentID uint32
	UserID       uuid.UUID
	Price        int64
	Amount       int64
	Timestamp    int64
}

func (*DecreaseCollateral) CommandType() string { return "DecreaseCollateral" }

// LiquidatePosition force-closes an underwater position.
type LiquidatePosition struct {
	Label        string
	InstrumentID uint32
	UserID       uuid.UUID
	Price        int64
	Timestamp    int64
}

func (*LiquidatePosition) CommandType() string { return "LiquidatePosition" }

// PriceReference feeds the oracle's reference price for an instrument.
type PriceReference struct {
	InstrumentID    uint32
	SubInstrumentID uint32
	Price           int64
	Timestamp       int64
}

func (*PriceReference) CommandType() string { return "PriceReference" }

// BorrowingIndexUpdate advances an instrument's borrowing fee index.
type BorrowingIndexUpdate struct {
	InstrumentID uint32
	Delta        int64
	Price        int64
	Timestamp    int64
}

func (*BorrowingIndexUpdate) CommandType() string { return "BorrowingIndexUpdate" }

// FundingIndexUpdate advances an instrument's funding fee index. Delta may
// be negative.
type FundingIndexUpdate struct {
	InstrumentID uint32
	Delta        int64
	Price        int64
	Timestamp    int64
}

func (*FundingIndexUpdate) CommandType() string { return "FundingIndexUpdate" }

// Deposit credits external funds to a user balance.
type Deposit struct {
	UserID    uuid.UUID
	Amount    int64
	Timestamp int64
}

func (*Deposit) CommandType() string { return "Deposit" }

// ProvideLiquidity queues a pool deposit into the current epoch.
type ProvideLiquidity struct {
	UserID    uuid.UUID
	Amount    int64
	Timestamp int64
}

func (*ProvideLiquidity) CommandType() string { return "ProvideLiquidity" }

// WithdrawShares queues a share burn into the current epoch.
type WithdrawShares struct {
	UserID    uuid.UUID
	Shares    int64
	Timestamp int64
}

func (*WithdrawShares) CommandType() string { return "WithdrawShares" }

// ClaimMintedShares settles a user's deposit from a closed epoch.
type ClaimMintedShares struct {
	UserID uuid.UUID
	Epoch  int64
}

func (*ClaimMintedShares) CommandType() string { return "ClaimMintedShares" }

// ClaimWithdrawal pays out a user's withdrawal from a closed epoch.
type ClaimWithdrawal struct {
	UserID uuid.UUID
	Epoch  int64
}

func (*ClaimWithdrawal) CommandType() string { return "ClaimWithdrawal" }

// RolloverBatch feeds one contiguous batch of closing prices into the epoch
// rollover for a side.
type RolloverBatch struct {
	Side      instrument.Side
	FromIndex int
	Prices    []settlement.InstrumentPrice
	Timestamp int64
}

func (*RolloverBatch) CommandType() string { return "RolloverBatch" }
