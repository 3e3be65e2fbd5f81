package instrument

import (
	"errors"
	"fmt"
	"sort"

	"PerpClearing/internal/fixedpoint"
)

var ErrUnknownInstrument = errors.New("unknown instrument")

// Side tags an instrument as virtual-long or virtual-short. The P&L sign
// convention is the only behavioral difference, so it lives here as a
// method set on the tag rather than in per-side types.
type Side int32

const (
	SideLong Side = iota
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "Long"
	case SideShort:
		return "Short"
	default:
		return "Unknown"
	}
}

// UnrealizedPnl returns the user-perspective P&L of an open size against its
// cost basis at the given price. Long profits when value exceeds cost; short
// profits when cost exceeds value.
func (s Side) UnrealizedPnl(openCost, tokenSize, price int64) int64 {
	value := fixedpoint.USDValue(tokenSize, price)
	if s == SideLong {
		return value - openCost
	}
	return openCost - value
}

// PositionPnl returns the P&L realized by closing closeSize out of tokenSize
// at the given price. The closed cost basis is prorated with truncation.
func (s Side) PositionPnl(openCost, tokenSize, closeSize, price int64) int64 {
	closedCost := fixedpoint.Prorate(openCost, closeSize, tokenSize)
	closedValue := fixedpoint.USDValue(closeSize, price)
	if s == SideLong {
		return closedValue - closedCost
	}
	return closedCost - closedValue
}

// RiskParams holds the per-instrument margin and fee configuration.
// All ratios are basis points unless noted. Fee intervals are microseconds.
type RiskParams struct {
	MaxLeverage                int64 `yaml:"max_leverage"`
	RemainCollateralRatioBps   int64 `yaml:"remain_collateral_ratio_bps"`
	PredictedLiquidationFeeBps int64 `yaml:"predicted_liquidation_fee_bps"`
	MinCollateral              int64 `yaml:"min_collateral"` // USD fixed-point
	BorrowingFeeInterval       int64 `yaml:"borrowing_fee_interval"`
	FundingFeeInterval         int64 `yaml:"funding_fee_interval"`
	// Per-second index-delta caps, in bps of the USD value of one token at
	// the price supplied with the update. Exceeding either is a hard abort.
	MaxBorrowingFeeBps int64 `yaml:"max_borrowing_fee_bps"`
	MaxFundingFeeBps   int64 `yaml:"max_funding_fee_bps"`
	// Advisory ceiling on pool capital locked against this instrument,
	// checked by the orchestrator, not the pool.
	MaxLockRatioBps int64 `yaml:"max_lock_ratio_bps"`
}

// Validate checks parameter ranges the way risk configs are always checked:
// reject at load time, never at operation time.
func (p *RiskParams) Validate() error {
	if p.MaxLeverage <= 0 {
		return fmt.Errorf("max_leverage must be > 0, got %d", p.MaxLeverage)
	}
	if p.RemainCollateralRatioBps <= 0 || p.RemainCollateralRatioBps >= fixedpoint.BpsDenominator {
		return fmt.Errorf("remain_collateral_ratio_bps out of range: %d", p.RemainCollateralRatioBps)
	}
	if p.PredictedLiquidationFeeBps < 0 {
		return fmt.Errorf("predicted_liquidation_fee_bps must be >= 0, got %d", p.PredictedLiquidationFeeBps)
	}
	if p.BorrowingFeeInterval <= 0 || p.FundingFeeInterval <= 0 {
		return fmt.Errorf("fee update intervals must be > 0")
	}
	if p.MaxBorrowingFeeBps <= 0 || p.MaxFundingFeeBps <= 0 {
		return fmt.Errorf("fee-rate caps must be > 0")
	}
	if p.MaxLockRatioBps <= 0 || p.MaxLockRatioBps > fixedpoint.BpsDenominator {
		return fmt.Errorf("max_lock_ratio_bps out of range: %d", p.MaxLockRatioBps)
	}
	return nil
}

// Instrument is one tradable virtual market. A symbol typically has two
// instruments, one per side, with distinct ids.
type Instrument struct {
	ID             uint32     `yaml:"id"`
	Symbol         string     `yaml:"symbol"`
	Side           Side       `yaml:"side"`
	MaxProfitRatio int64      `yaml:"max_profit_ratio"` // plain multiplier, fixed at position open
	Risk           RiskParams `yaml:"risk"`
}

// Registry resolves instrument ids. Immutable after construction; operations
// receive it by reference (no ambient mutable configuration).
type Registry struct {
	byID    map[uint32]*Instrument
	bySide  map[Side][]uint32 // sorted ascending
	version int64
}

func NewRegistry(version int64, instruments []*Instrument) (*Registry, error) {
	r := &Registry{
		byID:    make(map[uint32]*Instrument, len(instruments)),
		bySide:  make(map[Side][]uint32),
		version: version,
	}

	for _, inst := range instruments {
		if inst.ID == 0 {
			return nil, fmt.Errorf("instrument id 0 is reserved (%s)", inst.Symbol)
		}
		if _, dup := r.byID[inst.ID]; dup {
			return nil, fmt.Errorf("duplicate instrument id %d", inst.ID)
		}
		if inst.MaxProfitRatio <= 0 {
			return nil, fmt.Errorf("instrument %d: max_profit_ratio must be > 0", inst.ID)
		}
		if err := inst.Risk.Validate(); err != nil {
			return nil, fmt.Errorf("instrument %d: %w", inst.ID, err)
		}
		r.byID[inst.ID] = inst
		r.bySide[inst.Side] = append(r.bySide[inst.Side], inst.ID)
	}

	for side := range r.bySide {
		ids := r.bySide[side]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	return r, nil
}

// Get resolves an instrument id or fails with a kind-tagged hard abort.
func (r *Registry) Get(id uint32) (*Instrument, error) {
	inst, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownInstrument, id)
	}
	return inst, nil
}

// IDs returns the instrument ids for a side in ascending order. The slice is
// the registry's own; callers must not mutate it.
func (r *Registry) IDs(side Side) []uint32 {
	return r.bySide[side]
}

// Count returns the number of instruments on a side. The epoch-rollover
// watermark for that side must reach this count before the epoch can close.
func (r *Registry) Count(side Side) int {
	return len(r.bySide[side])
}

// Version identifies the configuration snapshot this registry was built from.
func (r *Registry) Version() int64 {
	return r.version
}
