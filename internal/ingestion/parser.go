package ingestion

import (
	"encoding/json"
	"fmt"

	"PerpClearing/internal/instrument"
	"PerpClearing/internal/settlement"

	"github.com/google/uuid"
)

// ParseRawCommand converts a RawEvent (JSON bytes + command type string)
// into a typed Command. The ingestion shell validates and parses before
// anything reaches the single-threaded dispatch loop.
func ParseRawCommand(raw RawEvent, commandType string) (Command, error) {
	switch commandType {
	case "IncreasePosition":
		return parseIncreasePosition(raw.Data)
	case "DecreasePosition":
		return parseDecreasePosition(raw.Data)
	case "IncreaseCollateral":
		return parseIncreaseCollateral(raw.Data)
	case "DecreaseCollateral":
		return parseDecreaseCollateral(raw.Data)
	case "LiquidatePosition":
		return parseLiquidatePosition(raw.Data)
	case "PriceReference":
		return parsePriceReference(raw.Data)
	case "BorrowingIndexUpdate":
		return parseBorrowingIndexUpdate(raw.Data)
	case "FundingIndexUpdate":
		return parseFundingIndexUpdate(raw.Data)
	case "Deposit":
		return parseDeposit(raw.Data)
	case "ProvideLiquidity":
		return parseProvideLiquidity(raw.Data)
	case "WithdrawShares":
		return parseWithdrawShares(raw.Data)
	case "ClaimMintedShares":
		return parseClaimMintedShares(raw.Data)
	case "ClaimWithdrawal":
		return parseClaimWithdrawal(raw.Data)
	case "RolloverBatch":
		return parseRolloverBatch(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type increasePositionJSON struct {
	Label           string `json:"label"`
	InstrumentID    uint32 `json:"instrument_id"`
	UserID          string `json:"user_id"`
	Price           int64  `json:"price"`
	SizeDelta       int64  `json:"size_delta"`
	CollateralDelta int64  `json:"collateral_delta"`
	TxFee           int64  `json:"tx_fee"`
	PriceImpactFee  int64  `json:"price_impact_fee"`
	TimestampUs     int64  `json:"timestamp_us"`
}

func parseIncreasePosition(data []byte) (*IncreasePosition, error) {
	var j increasePositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse IncreasePosition: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &IncreasePosition{
		Label:           j.Label,
		InstrumentID:    j.InstrumentID,
		UserID:          userID,
		Price:           j.Price,
		SizeDelta:       j.SizeDelta,
		CollateralDelta: j.CollateralDelta,
		TxFee:           j.TxFee,
		PriceImpactFee:  j.PriceImpactFee,
		Timestamp:       j.TimestampUs,
	}, nil
}

type decreasePositionJSON struct {
	Label          string `json:"label"`
	InstrumentID   uint32 `json:"instrument_id"`
	UserID         string `json:"user_id"`
	Price          int64  `json:"price"`
	SizeDelta      int64  `json:"size_delta"`
	TxFee          int64  `json:"tx_fee"`
	PriceImpactFee int64  `json:"price_impact_fee"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func parseDecreasePosition(data []byte) (*DecreasePosition, error) {
	var j decreasePositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DecreasePosition: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &DecreasePosition{
		Label:          j.Label,
		InstrumentID:   j.InstrumentID,
		UserID:         userID,
		Price:          j.Price,
		SizeDelta:      j.SizeDelta,
		TxFee:          j.TxFee,
		PriceImpactFee: j.PriceImpactFee,
		Timestamp:      j.TimestampUs,
	}, nil
}

type collateralJSON struct {
	Label        string `json:"label"`
	InstrumentID uint32 `json:"instrument_id"`
	UserID       string `json:"user_id"`
	Price        int64  `json:"price"`
	Amount       int64  `json:"amount"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseIncreaseCollateral(data []byte) (*IncreaseCollateral, error) {
	var j collateralJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse IncreaseCollateral: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &IncreaseCollateral{
		Label:        j.Label,
		InstrumentID: j.InstrumentID,
		UserID:       userID,
		Price:        j.Price,
		Amount:       j.Amount,
		Timestamp:    j.TimestampUs,
	}, nil
}

func parseDecreaseCollateral(data []byte) (*DecreaseCollateral, error) {
	var j collateralJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DecreaseCollateral: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &DecreaseCollateral{
		Label:        j.Label,
		InstrumentID: j.InstrumentID,
		UserID:       userID,
		Price:        j.Price,
		Amount:       j.Amount,
		Timestamp:    j.TimestampUs,
	}, nil
}

type liquidateJSON struct {
	Label        string `json:"label"`
	InstrumentID uint32 `json:"instrument_id"`
	UserID       string `json:"user_id"`
	Price        int64  `json:"price"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseLiquidatePosition(data []byte) (*LiquidatePosition, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidatePosition: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &LiquidatePosition{
		Label:        j.Label,
		InstrumentID: j.InstrumentID,
		UserID:       userID,
		Price:        j.Price,
		Timestamp:    j.TimestampUs,
	}, nil
}

type priceReferenceJSON struct {
	InstrumentID    uint32 `json:"instrument_id"`
	SubInstrumentID uint32 `json:"sub_instrument_id"`
	Price           int64  `json:"price"`
	TimestampUs     int64  `json:"timestamp_us"`
}

func parsePriceReference(data []byte) (*PriceReference, error) {
	var j priceReferenceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceReference: %w", err)
	}
	if j.Price <= 0 {
		return nil, fmt.Errorf("parse PriceReference: price must be positive, got %d", j.Price)
	}
	return &PriceReference{
		InstrumentID:    j.InstrumentID,
		SubInstrumentID: j.SubInstrumentID,
		Price:           j.Price,
		Timestamp:       j.TimestampUs,
	}, nil
}

type feeIndexJSON struct {
	InstrumentID uint32 `json:"instrument_id"`
	Delta        int64  `json:"delta"`
	Price        int64  `json:"price"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseBorrowingIndexUpdate(data []byte) (*BorrowingIndexUpdate, error) {
	var j feeIndexJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BorrowingIndexUpdate: %w", err)
	}
	return &BorrowingIndexUpdate{
		InstrumentID: j.InstrumentID,
		Delta:        j.Delta,
		Price:        j.Price,
		Timestamp:    j.TimestampUs,
	}, nil
}

func parseFundingIndexUpdate(data []byte) (*FundingIndexUpdate, error) {
	var j feeIndexJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FundingIndexUpdate: %w", err)
	}
	return &FundingIndexUpdate{
		InstrumentID: j.InstrumentID,
		Delta:        j.Delta,
		Price:        j.Price,
		Timestamp:    j.TimestampUs,
	}, nil
}

type depositJSON struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDeposit(data []byte) (*Deposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("parse Deposit: amount must be positive, got %d", j.Amount)
	}
	return &Deposit{
		UserID:    userID,
		Amount:    j.Amount,
		Timestamp: j.TimestampUs,
	}, nil
}

func parseProvideLiquidity(data []byte) (*ProvideLiquidity, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ProvideLiquidity: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &ProvideLiquidity{
		UserID:    userID,
		Amount:    j.Amount,
		Timestamp: j.TimestampUs,
	}, nil
}

type withdrawSharesJSON struct {
	UserID      string `json:"user_id"`
	Shares      int64  `json:"shares"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseWithdrawShares(data []byte) (*WithdrawShares, error) {
	var j withdrawSharesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawShares: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &WithdrawShares{
		UserID:    userID,
		Shares:    j.Shares,
		Timestamp: j.TimestampUs,
	}, nil
}

type claimJSON struct {
	UserID string `json:"user_id"`
	Epoch  int64  `json:"epoch"`
}

func parseClaimMintedShares(data []byte) (*ClaimMintedShares, error) {
	var j claimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimMintedShares: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &ClaimMintedShares{UserID: userID, Epoch: j.Epoch}, nil
}

func parseClaimWithdrawal(data []byte) (*ClaimWithdrawal, error) {
	var j claimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimWithdrawal: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &ClaimWithdrawal{UserID: userID, Epoch: j.Epoch}, nil
}

type rolloverBatchJSON struct {
	Side      string `json:"side"` // "long" or "short"
	FromIndex int    `json:"from_index"`
	Prices    []struct {
		InstrumentID uint32 `json:"instrument_id"`
		Price        int64  `json:"price"`
	} `json:"prices"`
	TimestampUs int64 `json:"timestamp_us"`
}

func parseRolloverBatch(data []byte) (*RolloverBatch, error) {
	var j rolloverBatchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RolloverBatch: %w", err)
	}

	var side instrument.Side
	switch j.Side {
	case "long":
		side = instrument.SideLong
	case "short":
		side = instrument.SideShort
	default:
		return nil, fmt.Errorf("parse RolloverBatch: unknown side %q", j.Side)
	}

	if j.FromIndex < 0 {
		return nil, fmt.Errorf("parse RolloverBatch: from_index must be >= 0, got %d", j.FromIndex)
	}

	prices := make([]settlement.InstrumentPrice, 0, len(j.Prices))
	for _, p := range j.Prices {
		prices = append(prices, settlement.InstrumentPrice{
			InstrumentID: p.InstrumentID,
			Price:        p.Price,
		})
	}

	return &RolloverBatch{
		Side:      side,
		FromIndex: j.FromIndex,
		Prices:    prices,
		Timestamp: j.TimestampUs,
	}, nil
}
