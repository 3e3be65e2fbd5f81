package query

import "github.com/google/uuid"

// USD and token amounts are reported both as raw fixed-point integers and as
// human-readable decimal strings so API consumers never re-derive the scale.

// PositionResponse represents one open position for API queries.
type PositionResponse struct {
	UserID         uuid.UUID `json:"user_id"`
	InstrumentID   uint32    `json:"instrument_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	TokenSize      int64     `json:"token_size"`
	TokenSizeDec   string    `json:"token_size_dec"`
	OpenCost       int64     `json:"open_cost"`
	OpenCostDec    string    `json:"open_cost_dec"`
	Collateral     int64     `json:"collateral"`
	CollateralDec  string    `json:"collateral_dec"`
	BorrowingFee   int64     `json:"borrowing_fee"`
	FundingFee     int64     `json:"funding_fee"`
	TeamFee        int64     `json:"team_fee"`
	MaxProfitRatio int64     `json:"max_profit_ratio"`
	Version        int64     `json:"version"`
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// BalanceResponse represents a user's settlement-token balance.
type BalanceResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	Token        string    `json:"token"`
	Balance      int64     `json:"balance"`
	BalanceDec   string    `json:"balance_dec"`
	PoolShares   int64     `json:"pool_shares"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// PoolResponse represents the liquidity pool's current epoch state.
type PoolResponse struct {
	EpochNumber     int64  `json:"epoch_number"`
	EpochEndTimeUs  int64  `json:"epoch_end_time_us"`
	PoolAmount      int64  `json:"pool_amount"`
	PoolAmountDec   string `json:"pool_amount_dec"`
	LockedAmount    int64  `json:"locked_amount"`
	LockedAmountDec string `json:"locked_amount_dec"`
	AvailableAmount int64  `json:"available_amount"`
	TotalShares     int64  `json:"total_shares"`
	TotalSharesDec  string `json:"total_shares_dec"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// EpochBatchResponse reports the mint and burn batches of a closed epoch.
type EpochBatchResponse struct {
	Epoch        int64  `json:"epoch"`
	AsOfSequence int64  `json:"as_of_sequence"`
	Mint         *Batch `json:"mint,omitempty"`
	Burn         *Batch `json:"burn,omitempty"`
}

// Batch is one side of a closed epoch's request batch.
type Batch struct {
	USDValue        int64 `json:"usd_value"`
	ShareAmount     int64 `json:"share_amount"`
	RemainingShares int64 `json:"remaining_shares"`
	RequestedShares int64 `json:"requested_shares,omitempty"`
	ReturnedShares  int64 `json:"returned_shares,omitempty"`
	RemainingUSD    int64 `json:"remaining_usd,omitempty"`
}

// SettlementResponse represents one persisted settlement for history queries.
type SettlementResponse struct {
	Sequence         int64  `json:"sequence"`
	InstrumentID     uint32 `json:"instrument_id"`
	UserID           string `json:"user_id"`
	Kind             string `json:"kind"`
	Success          bool   `json:"success"`
	DeclineReason    string `json:"decline_reason,omitempty"`
	Label            string `json:"label,omitempty"`
	Price            int64  `json:"price"`
	RealizedPnl      int64  `json:"realized_pnl"`
	RealizedPnlDec   string `json:"realized_pnl_dec"`
	CollateralToUser int64  `json:"collateral_to_user"`
	CollateralToLp   int64  `json:"collateral_to_lp"`
	CollateralToTeam int64  `json:"collateral_to_team"`
	LpToUser         int64  `json:"lp_to_user"`
	LpToTeam         int64  `json:"lp_to_team"`
	LpShortfall      int64  `json:"lp_shortfall"`
	TimestampUs      int64  `json:"timestamp_us"`
}
