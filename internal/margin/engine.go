package margin

import (
	"errors"
	"fmt"

	"PerpClearing/internal/feeindex"
	"PerpClearing/internal/fixedpoint"
	"PerpClearing/internal/instrument"
	"PerpClearing/internal/position"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNoPosition      = errors.New("no open position")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrNotLiquidatable = errors.New("position is not liquidatable")
	ErrCollateralLimit = errors.New("collateral decrease exceeds the safe maximum")
)

// FeeParams carries the per-operation fees quoted by the execution layer.
type FeeParams struct {
	TxFee          int64 // USD
	PriceImpactFee int64 // USD
}

func (f FeeParams) total() int64 {
	return f.TxFee + f.PriceImpactFee
}

// PoolView is the engine's read-only window onto pool capital. Lock capacity
// is checked here as a soft precondition; the orchestrator performs the
// actual lock after the result is applied.
type PoolView interface {
	// AvailableLiquidity returns unlocked pool capital in USD.
	AvailableLiquidity() int64
	// CanLock reports whether the pool can reserve the given USD amount.
	CanLock(amount int64) bool
}

// Engine owns the position and margin state machine: fee accrual, the
// liquidation and max-profit force-close decisions, and the settlement
// results that tell the orchestrator who pays whom. It mutates positions and
// nothing else; all fund movement is advisory output.
//
// Single-threaded by construction, like the rest of the clearing core.
type Engine struct {
	instruments *instrument.Registry
	positions   *position.Store
	fees        *feeindex.Book
	pool        PoolView
	log         zerolog.Logger
}

func NewEngine(
	instruments *instrument.Registry,
	positions *position.Store,
	fees *feeindex.Book,
	pool PoolView,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		instruments: instruments,
		positions:   positions,
		fees:        fees,
		pool:        pool,
		log:         log,
	}
}

// Positions exposes the underlying store for queries and snapshots.
func (e *Engine) Positions() *position.Store {
	return e.positions
}

// FeeBook exposes the fee-index book for index updates and snapshots.
func (e *Engine) FeeBook() *feeindex.Book {
	return e.fees
}

// ---------------------------------------------------------------------------
// Mutating operations
// ---------------------------------------------------------------------------

// IncreasePosition opens or grows a position. The collateral delta is assumed
// already escrowed by the caller; on success the result instructs the
// orchestrator to move it into margin custody, on decline the caller refunds
// it. Leverage headroom and pool lock capacity are soft preconditions.
func (e *Engine) IncreasePosition(
	instrumentID uint32, userID uuid.UUID,
	price, sizeDelta, collateralDelta int64,
	fees FeeParams, label string, now int64,
) (*Result, error) {
	inst, err := e.instruments.Get(instrumentID)
	if err != nil {
		return nil, err
	}
	if price <= 0 || sizeDelta <= 0 || collateralDelta < 0 || fees.total() < 0 {
		return nil, fmt.Errorf("%w: price=%d sizeDelta=%d collateralDelta=%d fee=%d",
			ErrInvalidAmount, price, sizeDelta, collateralDelta, fees.total())
	}

	pos := e.positions.GetOrCreate(instrumentID, userID)
	if forced := e.preCheck(inst, pos, price, label); forced != nil {
		return forced, nil
	}

	// Leverage headroom on the post-operation position, net of this
	// operation's fees.
	newSize := pos.TokenSize + sizeDelta
	headroom := pos.Collateral + collateralDelta - fees.total()
	if headroom <= e.requiredCollateral(inst, newSize, price) {
		e.log.Info().
			Str("user", userID.String()).Uint32("instrument", instrumentID).
			Int64("headroom", headroom).Str("label", label).
			Msg("increase declined: insufficient leverage headroom")
		return declined(label, price, "insufficient leverage headroom"), nil
	}

	// Pool must be able to reserve capital against the worst-case payout.
	lockAmount := fixedpoint.USDValue(sizeDelta, price) * inst.MaxProfitRatio
	if !e.pool.CanLock(lockAmount) {
		e.log.Info().
			Str("user", userID.String()).Uint32("instrument", instrumentID).
			Int64("lock_amount", lockAmount).Str("label", label).
			Msg("increase declined: insufficient lockable pool capital")
		return declined(label, price, "insufficient lockable pool capital"), nil
	}

	wasFlat := !pos.IsOpen()
	e.positions.Mutate(pos, func(p *position.Position) {
		if wasFlat {
			st := e.fees.State(instrumentID)
			p.EntryFundingIndex = st.FundingFeePerToken
			p.EntryBorrowingIndex = st.BorrowingFeePerToken
			p.MaxProfitRatio = inst.MaxProfitRatio
		} else {
			e.accrue(p)
		}
		p.TokenSize += sizeDelta
		p.OpenCost += fixedpoint.USDValue(sizeDelta, price)
		p.Collateral += collateralDelta
		p.CumulativeTeamFee += fees.total()
	})

	return &Result{
		Kind:             KindApplied,
		Success:          true,
		Label:            label,
		Price:            price,
		UserToCollateral: collateralDelta,
		LockedTokenSize:  sizeDelta,
	}, nil
}

// DecreasePosition closes part or all of a position at the given price.
func (e *Engine) DecreasePosition(
	instrumentID uint32, userID uuid.UUID,
	price, sizeDelta int64,
	fees FeeParams, label string, now int64,
) (*Result, error) {
	inst, err := e.instruments.Get(instrumentID)
	if err != nil {
		return nil, err
	}
	if price <= 0 || sizeDelta <= 0 || fees.total() < 0 {
		return nil, fmt.Errorf("%w: price=%d sizeDelta=%d", ErrInvalidAmount, price, sizeDelta)
	}

	pos := e.positions.Get(instrumentID, userID)
	if pos == nil || !pos.IsOpen() {
		return nil, fmt.Errorf("%w: %d/%s", ErrNoPosition, instrumentID, userID)
	}
	if forced := e.preCheck(inst, pos, price, label); forced != nil {
		return forced, nil
	}
	if sizeDelta > pos.TokenSize {
		return nil, fmt.Errorf("%w: decrease %d exceeds size %d", ErrInvalidAmount, sizeDelta, pos.TokenSize)
	}

	return e.settleDecrease(inst, pos, price, sizeDelta, fees.total(), KindApplied, label, nil), nil
}

// IncreaseCollateral posts additional margin to an open position.
func (e *Engine) IncreaseCollateral(
	instrumentID uint32, userID uuid.UUID,
	price, collateralDelta int64,
	label string, now int64,
) (*Result, error) {
	inst, err := e.instruments.Get(instrumentID)
	if err != nil {
		return nil, err
	}
	if price <= 0 || collateralDelta <= 0 {
		return nil, fmt.Errorf("%w: collateralDelta=%d", ErrInvalidAmount, collateralDelta)
	}

	pos := e.positions.Get(instrumentID, userID)
	if pos == nil || !pos.IsOpen() {
		return nil, fmt.Errorf("%w: %d/%s", ErrNoPosition, instrumentID, userID)
	}
	if forced := e.preCheck(inst, pos, price, label); forced != nil {
		return forced, nil
	}

	e.positions.Mutate(pos, func(p *position.Position) {
		e.accrue(p)
		p.Collateral += collateralDelta
	})

	return &Result{
		Kind:             KindApplied,
		Success:          true,
		Label:            label,
		Price:            price,
		UserToCollateral: collateralDelta,
	}, nil
}

// DecreaseCollateral withdraws margin from an open position. The withdrawal
// must leave the position above both the leverage requirement and the
// liquidation threshold; exceeding the safe maximum is a hard abort.
func (e *Engine) DecreaseCollateral(
	instrumentID uint32, userID uuid.UUID,
	price, collateralDelta int64,
	label string, now int64,
) (*Result, error) {
	inst, err := e.instruments.Get(instrumentID)
	if err != nil {
		return nil, err
	}
	if price <= 0 || collateralDelta <= 0 {
		return nil, fmt.Errorf("%w: collateralDelta=%d", ErrInvalidAmount, collateralDelta)
	}

	pos := e.positions.Get(instrumentID, userID)
	if pos == nil || !pos.IsOpen() {
		return nil, fmt.Errorf("%w: %d/%s", ErrNoPosition, instrumentID, userID)
	}
	if forced := e.preCheck(inst, pos, price, label); forced != nil {
		return forced, nil
	}

	if max := e.maxDecreaseCollateral(inst, pos, price); collateralDelta > max {
		return nil, fmt.Errorf("%w: requested %d, maximum %d", ErrCollateralLimit, collateralDelta, max)
	}

	e.positions.Mutate(pos, func(p *position.Position) {
		e.accrue(p)
		p.Collateral -= collateralDelta
	})

	return &Result{
		Kind:             KindApplied,
		Success:          true,
		Label:            label,
		Price:            price,
		MovedCollateral:  collateralDelta,
		CollateralToUser: collateralDelta,
	}, nil
}

// LiquidatePosition force-closes a position through the standard pre-check:
// liquidation first, then the max-profit cap. Calling it on a position that
// triggers neither is a hard abort.
func (e *Engine) LiquidatePosition(
	instrumentID uint32, userID uuid.UUID,
	price int64, label string, now int64,
) (*Result, error) {
	inst, err := e.instruments.Get(instrumentID)
	if err != nil {
		return nil, err
	}
	if price <= 0 {
		return nil, fmt.Errorf("%w: price=%d", ErrInvalidAmount, price)
	}

	pos := e.positions.Get(instrumentID, userID)
	if pos == nil || !pos.IsOpen() {
		return nil, fmt.Errorf("%w: %d/%s", ErrNoPosition, instrumentID, userID)
	}

	if forced := e.preCheck(inst, pos, price, label); forced != nil {
		return forced, nil
	}

	return nil, fmt.Errorf("%w: %d/%s at price %d", ErrNotLiquidatable, instrumentID, userID, price)
}

// ---------------------------------------------------------------------------
// Pre-check and force close
// ---------------------------------------------------------------------------

// preCheck evaluates the force-close conditions on the existing position,
// liquidation strictly first. A non-nil result means the position was closed
// and the requested operation must be discarded.
func (e *Engine) preCheck(inst *instrument.Instrument, pos *position.Position, price int64, label string) *Result {
	if !pos.IsOpen() {
		return nil
	}
	if e.isLiquidatable(inst, pos, price) {
		return e.forceClose(inst, pos, price, KindLiquidated, label)
	}
	if capped, hit := e.profitCap(inst, pos, price); hit {
		return e.settleDecrease(inst, pos, price, pos.TokenSize, 0, KindMaxProfitClosed, label, &capped)
	}
	return nil
}

// forceClose fully closes a position. Liquidation charges the predicted
// liquidation fee on the position's USD value into the team bucket.
func (e *Engine) forceClose(inst *instrument.Instrument, pos *position.Position, price int64, kind Kind, label string) *Result {
	var extraTeamFee int64
	if kind == KindLiquidated {
		positionValue := fixedpoint.USDValue(pos.TokenSize, price)
		extraTeamFee = fixedpoint.ApplyBps(positionValue, inst.Risk.PredictedLiquidationFeeBps)
	}

	e.log.Warn().
		Str("user", pos.UserID.String()).Uint32("instrument", pos.InstrumentID).
		Int64("price", price).Int64("size", pos.TokenSize).
		Str("kind", kind.String()).Str("label", label).
		Msg("force closing position")

	return e.settleDecrease(inst, pos, price, pos.TokenSize, extraTeamFee, kind, label, nil)
}

// profitCap reports whether unrealized P&L exceeds collateral * maxProfitRatio
// and returns the capped P&L when it does.
func (e *Engine) profitCap(inst *instrument.Instrument, pos *position.Position, price int64) (int64, bool) {
	pnl := inst.Side.UnrealizedPnl(pos.OpenCost, pos.TokenSize, price)
	limit := pos.Collateral * pos.MaxProfitRatio
	if pnl > limit {
		return limit, true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// The decrease-and-distribute algorithm
// ---------------------------------------------------------------------------

// settleDecrease realizes fees and P&L on a size decrease, computes the
// distribution waterfall, and scales the position down. Voluntary decreases,
// liquidations, and max-profit closures all flow through here; cappedPnl is
// set only for max-profit closures.
func (e *Engine) settleDecrease(
	inst *instrument.Instrument, pos *position.Position,
	price, decreaseSize, extraTeamFee int64,
	kind Kind, label string, cappedPnl *int64,
) *Result {
	// Fold pending index deltas into the cumulative fields first so the
	// pro-rata realization below sees the complete accrual.
	e.positions.Mutate(pos, func(p *position.Position) {
		e.accrue(p)
	})

	ts := pos.TokenSize
	ds := decreaseSize

	movedCollateral := fixedpoint.Prorate(pos.Collateral, ds, ts)
	closedCost := fixedpoint.Prorate(pos.OpenCost, ds, ts)
	realizedBorrowing := fixedpoint.Prorate(pos.CumulativeBorrowingFee, ds, ts)
	realizedFunding := fixedpoint.Prorate(pos.CumulativeFundingFee, ds, ts)
	realizedTeamFee := fixedpoint.Prorate(pos.CumulativeTeamFee, ds, ts) + extraTeamFee

	pnl := inst.Side.PositionPnl(pos.OpenCost, ts, ds, price)
	if cappedPnl != nil && pnl > *cappedPnl {
		pnl = *cappedPnl
	}

	// Positive poolFee: the user owes the pool. Negative: the pool owes the
	// user (funding received exceeds borrowing paid).
	poolFee := realizedBorrowing + realizedFunding
	net := pnl - poolFee

	res := &Result{
		Kind:              kind,
		Success:           true,
		Label:             label,
		Price:             price,
		MovedCollateral:   movedCollateral,
		RealizedPnl:       pnl,
		UnlockedTokenSize: ds,
	}

	if net > 0 {
		// Net gain: the pool pays, capped at available liquidity. The
		// shortfall is forgiven, not carried as pool debt.
		gainFromLp := fixedpoint.Min(net, fixedpoint.Clamp0(e.pool.AvailableLiquidity()))
		res.LpShortfall = net - gainFromLp

		teamFromCollateral := fixedpoint.Min(realizedTeamFee, movedCollateral)
		teamFromLp := fixedpoint.Min(realizedTeamFee-teamFromCollateral, gainFromLp)

		res.CollateralToTeam = teamFromCollateral
		res.LpToTeam = teamFromLp
		res.CollateralToUser = movedCollateral - teamFromCollateral
		res.LpToUser = gainFromLp - teamFromLp
	} else {
		// Net loss: moved collateral absorbs the loss first, then the team
		// fee, and only the leftover returns to the user.
		loss := -net
		res.CollateralToLp = fixedpoint.Min(loss, movedCollateral)
		remaining := movedCollateral - res.CollateralToLp
		res.CollateralToTeam = fixedpoint.Min(realizedTeamFee, remaining)
		res.CollateralToUser = remaining - res.CollateralToTeam
	}

	if out := res.CollateralToUser + res.CollateralToLp + res.CollateralToTeam; out != movedCollateral {
		panic(fmt.Sprintf("FATAL: settlement leaks collateral: moved %d, distributed %d (position %d/%s)",
			movedCollateral, out, pos.InstrumentID, pos.UserID))
	}

	if ds == ts {
		e.positions.Close(pos)
	} else {
		e.positions.Mutate(pos, func(p *position.Position) {
			p.TokenSize -= ds
			p.OpenCost -= closedCost
			p.Collateral -= movedCollateral
			p.CumulativeBorrowingFee -= realizedBorrowing
			p.CumulativeFundingFee -= realizedFunding
			p.CumulativeTeamFee -= realizedTeamFee - extraTeamFee
		})
	}

	if res.LpShortfall > 0 {
		e.log.Warn().
			Str("user", pos.UserID.String()).Uint32("instrument", pos.InstrumentID).
			Int64("shortfall", res.LpShortfall).Str("label", label).
			Msg("pool payout capped at available liquidity")
	}

	return res
}

// accrue folds pending funding and borrowing into the cumulative fields and
// advances the entry indices. Must run inside Store.Mutate.
func (e *Engine) accrue(p *position.Position) {
	if p.TokenSize == 0 {
		return
	}
	st := e.fees.State(p.InstrumentID)
	p.CumulativeFundingFee += fixedpoint.MulDiv(
		st.FundingFeePerToken-p.EntryFundingIndex, p.TokenSize, fixedpoint.TokenScale)
	p.EntryFundingIndex = st.FundingFeePerToken
	p.CumulativeBorrowingFee += fixedpoint.MulDiv(
		st.BorrowingFeePerToken-p.EntryBorrowingIndex, p.TokenSize, fixedpoint.TokenScale)
	p.EntryBorrowingIndex = st.BorrowingFeePerToken
}

// ---------------------------------------------------------------------------
// Pure queries
// ---------------------------------------------------------------------------

// USDValue returns the position's notional value at the given price.
func (e *Engine) USDValue(instrumentID uint32, userID uuid.UUID, price int64) (int64, error) {
	pos := e.positions.Get(instrumentID, userID)
	if pos == nil || !pos.IsOpen() {
		return 0, fmt.Errorf("%w: %d/%s", ErrNoPosition, instrumentID, userID)
	}
	return fixedpoint.USDValue(pos.TokenSize, price), nil
}

// NetValue returns collateral plus unrealized P&L minus all accrued fees,
// including pending index deltas not yet folded into the position. Pure:
// repeated calls without mutation return identical values.
func (e *Engine) NetValue(instrumentID uint32, userID uuid.UUID, price int64) (int64, error) {
	inst, err := e.instruments.Get(instrumentID)
	if err != nil {
		return 0, err
	}
	pos := e.positions.Get(instrumentID, userID)
	if pos == nil || !pos.IsOpen() {
		return 0, fmt.Errorf("%w: %d/%s", ErrNoPosition, instrumentID, userID)
	}
	return e.netValue(inst, pos, price), nil
}

func (e *Engine) netValue(inst *instrument.Instrument, pos *position.Position, price int64) int64 {
	upl := inst.Side.UnrealizedPnl(pos.OpenCost, pos.TokenSize, price)
	borrowing := pos.CumulativeBorrowingFee +
		e.fees.PendingBorrowing(pos.InstrumentID, pos.EntryBorrowingIndex, pos.TokenSize)
	funding := pos.CumulativeFundingFee +
		e.fees.PendingFunding(pos.InstrumentID, pos.EntryFundingIndex, pos.TokenSize)
	return pos.Collateral + upl - borrowing - funding - pos.CumulativeTeamFee
}

// CheckLiquidation reports whether the position meets the liquidation
// condition at the given price.
func (e *Engine) CheckLiquidation(instrumentID uint32, userID uuid.UUID, price int64) (bool, error) {
	inst, err := e.instruments.Get(instrumentID)
	if err != nil {
		return false, err
	}
	pos := e.positions.Get(instrumentID, userID)
	if pos == nil || !pos.IsOpen() {
		return false, fmt.Errorf("%w: %d/%s", ErrNoPosition, instrumentID, userID)
	}
	return e.isLiquidatable(inst, pos, price), nil
}

func (e *Engine) isLiquidatable(inst *instrument.Instrument, pos *position.Position, price int64) bool {
	netValue := e.netValue(inst, pos, price)
	positionValue := fixedpoint.USDValue(pos.TokenSize, price)
	threshold := fixedpoint.ApplyBps(positionValue,
		inst.Risk.RemainCollateralRatioBps+inst.Risk.PredictedLiquidationFeeBps)
	return netValue <= threshold
}

// MaxDecreaseCollateral returns the largest withdrawal that keeps the
// position above both the leverage requirement and the liquidation threshold.
func (e *Engine) MaxDecreaseCollateral(instrumentID uint32, userID uuid.UUID, price int64) (int64, error) {
	inst, err := e.instruments.Get(instrumentID)
	if err != nil {
		return 0, err
	}
	pos := e.positions.Get(instrumentID, userID)
	if pos == nil || !pos.IsOpen() {
		return 0, fmt.Errorf("%w: %d/%s", ErrNoPosition, instrumentID, userID)
	}
	return e.maxDecreaseCollateral(inst, pos, price), nil
}

func (e *Engine) maxDecreaseCollateral(inst *instrument.Instrument, pos *position.Position, price int64) int64 {
	byLeverage := pos.Collateral - e.requiredCollateral(inst, pos.TokenSize, price)

	netValue := e.netValue(inst, pos, price)
	positionValue := fixedpoint.USDValue(pos.TokenSize, price)
	threshold := fixedpoint.ApplyBps(positionValue,
		inst.Risk.RemainCollateralRatioBps+inst.Risk.PredictedLiquidationFeeBps)
	// Liquidation triggers at equality, so the net value must stay strictly
	// above the threshold after the withdrawal.
	byLiquidation := netValue - threshold - 1

	return fixedpoint.Clamp0(fixedpoint.Min(byLeverage, byLiquidation))
}

// requiredCollateral is the minimum margin for a size at a price: the
// notional divided by max leverage, floored at the instrument minimum.
func (e *Engine) requiredCollateral(inst *instrument.Instrument, tokenSize, price int64) int64 {
	byLeverage := fixedpoint.USDValue(tokenSize, price) / inst.Risk.MaxLeverage
	return fixedpoint.Max(byLeverage, inst.Risk.MinCollateral)
}

// UnrealizedPnlUSD returns the user-perspective unrealized P&L of one
// position at the given price.
func (e *Engine) UnrealizedPnlUSD(instrumentID uint32, userID uuid.UUID, price int64) (int64, error) {
	inst, err := e.instruments.Get(instrumentID)
	if err != nil {
		return 0, err
	}
	pos := e.positions.Get(instrumentID, userID)
	if pos == nil || !pos.IsOpen() {
		return 0, fmt.Errorf("%w: %d/%s", ErrNoPosition, instrumentID, userID)
	}
	return inst.Side.UnrealizedPnl(pos.OpenCost, pos.TokenSize, price), nil
}

// InstrumentUnrealizedPnl returns the user-perspective unrealized P&L summed
// over every open position in one instrument, computed from the maintained
// aggregates rather than by scanning positions.
func (e *Engine) InstrumentUnrealizedPnl(instrumentID uint32, price int64) (int64, error) {
	inst, err := e.instruments.Get(instrumentID)
	if err != nil {
		return 0, err
	}
	agg := e.positions.Aggregates(instrumentID)
	return inst.Side.UnrealizedPnl(agg.CostGlobal, agg.SizeGlobal, price), nil
}
