package settlement

import (
	"errors"
	"fmt"

	"PerpClearing/internal/balance"
	"PerpClearing/internal/fixedpoint"
	"PerpClearing/internal/instrument"
	"PerpClearing/internal/margin"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/pool"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrWatermarkMismatch = errors.New("rollover batch does not start at the watermark")
	ErrBatchOutOfOrder   = errors.New("rollover batch instrument out of order")
)

// Record is the journaled outcome of one settlement, handed to the persist
// and publish pipelines over the outbox channel.
type Record struct {
	Sequence     int64
	InstrumentID uint32
	UserID       uuid.UUID
	Result       *margin.Result
	Timestamp    int64 // microseconds
}

// positionLock tracks the pool capital reserved against one position so
// unlocks release exactly what was locked, pro-rata by token size, however
// the price has moved since.
type positionLock struct {
	usd    int64
	tokens int64
}

type lockKey struct {
	instrumentID uint32
	userID       uuid.UUID
}

// Orchestrator is the only component that moves money. It escrows user
// funds before margin operations, routes engine results into balance
// transfers and pool capital adjustments, and drives the resumable epoch
// rollover. The engine and pool validate and mutate their own state before
// any transfer is issued; a transfer failing after that point means the
// books are inconsistent and the process halts.
type Orchestrator struct {
	instruments *instrument.Registry
	engine      *margin.Engine
	pool        *pool.Ledger
	bal         balance.Ledger
	prices      oracle.Validator
	token       string
	log         zerolog.Logger

	locks    map[lockKey]*positionLock
	sequence int64
	outbox   chan<- Record // nil disables journaling

	// Resumable rollover state.
	watermark       map[instrument.Side]int
	poolUpl         int64
	lastRolloverUpl int64
}

func NewOrchestrator(
	instruments *instrument.Registry,
	engine *margin.Engine,
	poolLedger *pool.Ledger,
	bal balance.Ledger,
	prices oracle.Validator,
	token string,
	outbox chan<- Record,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		instruments: instruments,
		engine:      engine,
		pool:        poolLedger,
		bal:         bal,
		prices:      prices,
		token:       token,
		log:         log,
		locks:       make(map[lockKey]*positionLock),
		outbox:      outbox,
		watermark:   make(map[instrument.Side]int),
	}
}

// ---------------------------------------------------------------------------
// Margin operations
// ---------------------------------------------------------------------------

// IncreasePosition escrows the collateral, runs the engine, and settles the
// outcome. A declined or force-closed outcome refunds the escrow.
func (o *Orchestrator) IncreasePosition(
	instrumentID uint32, userID uuid.UUID,
	price, sizeDelta, collateralDelta int64,
	fees margin.FeeParams, label string, now int64,
) (*margin.Result, error) {
	if err := o.prices.ValidatePrice(instrumentID, 0, price, now); err != nil {
		return nil, err
	}
	if err := o.escrow(userID, collateralDelta); err != nil {
		return nil, err
	}

	res, err := o.engine.IncreasePosition(instrumentID, userID, price, sizeDelta, collateralDelta, fees, label, now)
	if err != nil {
		o.refundEscrow(userID, collateralDelta)
		return nil, err
	}
	if res.Kind != margin.KindApplied {
		// Declined, or the pre-check closed the position instead.
		o.refundEscrow(userID, collateralDelta)
	}

	o.applyResult(instrumentID, userID, res, now)
	return res, nil
}

// DecreasePosition runs a voluntary decrease and settles the outcome.
func (o *Orchestrator) DecreasePosition(
	instrumentID uint32, userID uuid.UUID,
	price, sizeDelta int64,
	fees margin.FeeParams, label string, now int64,
) (*margin.Result, error) {
	if err := o.prices.ValidatePrice(instrumentID, 0, price, now); err != nil {
		return nil, err
	}
	res, err := o.engine.DecreasePosition(instrumentID, userID, price, sizeDelta, fees, label, now)
	if err != nil {
		return nil, err
	}
	o.applyResult(instrumentID, userID, res, now)
	return res, nil
}

// IncreaseCollateral escrows the margin top-up, runs the engine, and settles.
func (o *Orchestrator) IncreaseCollateral(
	instrumentID uint32, userID uuid.UUID,
	price, collateralDelta int64,
	label string, now int64,
) (*margin.Result, error) {
	if err := o.prices.ValidatePrice(instrumentID, 0, price, now); err != nil {
		return nil, err
	}
	if err := o.escrow(userID, collateralDelta); err != nil {
		return nil, err
	}

	res, err := o.engine.IncreaseCollateral(instrumentID, userID, price, collateralDelta, label, now)
	if err != nil {
		o.refundEscrow(userID, collateralDelta)
		return nil, err
	}
	if res.Kind != margin.KindApplied {
		o.refundEscrow(userID, collateralDelta)
	}

	o.applyResult(instrumentID, userID, res, now)
	return res, nil
}

// DecreaseCollateral withdraws margin back to the user's balance.
func (o *Orchestrator) DecreaseCollateral(
	instrumentID uint32, userID uuid.UUID,
	price, collateralDelta int64,
	label string, now int64,
) (*margin.Result, error) {
	if err := o.prices.ValidatePrice(instrumentID, 0, price, now); err != nil {
		return nil, err
	}
	res, err := o.engine.DecreaseCollateral(instrumentID, userID, price, collateralDelta, label, now)
	if err != nil {
		return nil, err
	}
	o.applyResult(instrumentID, userID, res, now)
	return res, nil
}

// LiquidatePosition force-closes an underwater position and settles.
func (o *Orchestrator) LiquidatePosition(
	instrumentID uint32, userID uuid.UUID,
	price int64, label string, now int64,
) (*margin.Result, error) {
	if err := o.prices.ValidatePrice(instrumentID, 0, price, now); err != nil {
		return nil, err
	}
	res, err := o.engine.LiquidatePosition(instrumentID, userID, price, label, now)
	if err != nil {
		return nil, err
	}
	o.applyResult(instrumentID, userID, res, now)
	return res, nil
}

// ---------------------------------------------------------------------------
// Result application
// ---------------------------------------------------------------------------

func (o *Orchestrator) escrow(userID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return nil
	}
	return o.bal.Transfer(o.token, balance.UserAccount(userID), balance.EscrowAccount, amount)
}

func (o *Orchestrator) refundEscrow(userID uuid.UUID, amount int64) {
	if amount <= 0 {
		return
	}
	o.mustTransfer(balance.EscrowAccount, balance.UserAccount(userID), amount)
}

// applyResult turns an engine result into balance transfers and pool
// capital adjustments. The engine has already mutated position state; any
// failure past this point is an accounting inconsistency, not a recoverable
// condition.
func (o *Orchestrator) applyResult(instrumentID uint32, userID uuid.UUID, res *margin.Result, now int64) {
	if res.Kind == margin.KindDeclined {
		o.emit(instrumentID, userID, res, now)
		return
	}

	userAcct := balance.UserAccount(userID)

	// Release pool capital before any pool payout.
	if res.UnlockedTokenSize > 0 {
		o.releaseLock(instrumentID, userID, res.UnlockedTokenSize)
	}

	o.mustTransfer(balance.EscrowAccount, balance.MarginAccount, res.UserToCollateral)
	o.mustTransfer(balance.MarginAccount, userAcct, res.CollateralToUser)
	o.mustTransfer(balance.MarginAccount, balance.TeamAccount, res.CollateralToTeam)

	if res.CollateralToLp > 0 {
		o.mustTransfer(balance.MarginAccount, balance.PoolCustodyAccount, res.CollateralToLp)
		if err := o.pool.IncreaseLiquidity(res.CollateralToLp); err != nil {
			panic(fmt.Sprintf("FATAL: pool credit failed after transfer: %v", err))
		}
	}
	if res.LpToUser > 0 {
		if err := o.pool.TransferUSD(userAcct, res.LpToUser); err != nil {
			panic(fmt.Sprintf("FATAL: pool payout failed: %v", err))
		}
	}
	if res.LpToTeam > 0 {
		if err := o.pool.TransferUSD(balance.TeamAccount, res.LpToTeam); err != nil {
			panic(fmt.Sprintf("FATAL: pool fee payout failed: %v", err))
		}
	}

	if res.Kind == margin.KindApplied && res.LockedTokenSize > 0 {
		o.acquireLock(instrumentID, userID, res.LockedTokenSize, res.Price)
	}

	o.emit(instrumentID, userID, res, now)
}

func (o *Orchestrator) mustTransfer(from, to balance.AccountKey, amount int64) {
	if amount <= 0 {
		return
	}
	if err := o.bal.Transfer(o.token, from, to, amount); err != nil {
		panic(fmt.Sprintf("FATAL: settlement transfer %s -> %s of %d failed: %v",
			from.Path(), to.Path(), amount, err))
	}
}

// acquireLock reserves pool capital for the worst-case payout of newly
// opened size: notional times the profit cap multiplier.
func (o *Orchestrator) acquireLock(instrumentID uint32, userID uuid.UUID, tokens, price int64) {
	inst, err := o.instruments.Get(instrumentID)
	if err != nil {
		panic(fmt.Sprintf("FATAL: lock for unknown instrument %d", instrumentID))
	}
	usd := fixedpoint.USDValue(tokens, price) * inst.MaxProfitRatio
	if usd == 0 {
		return
	}
	if err := o.pool.LockLiquidity(instrumentID, 0, usd); err != nil {
		// The engine verified capacity before mutating.
		panic(fmt.Sprintf("FATAL: pool lock of %d failed after engine check: %v", usd, err))
	}

	key := lockKey{instrumentID: instrumentID, userID: userID}
	entry := o.locks[key]
	if entry == nil {
		entry = &positionLock{}
		o.locks[key] = entry
	}
	entry.usd += usd
	entry.tokens += tokens
}

// releaseLock frees the reserved capital pro-rata by the closed size, using
// the recorded lock rather than the closing price so lock and unlock always
// reconcile.
func (o *Orchestrator) releaseLock(instrumentID uint32, userID uuid.UUID, tokens int64) {
	key := lockKey{instrumentID: instrumentID, userID: userID}
	entry := o.locks[key]
	if entry == nil || entry.tokens == 0 {
		return
	}

	release := fixedpoint.Prorate(entry.usd, fixedpoint.Min(tokens, entry.tokens), entry.tokens)
	if release > 0 {
		if err := o.pool.UnlockLiquidity(instrumentID, 0, release); err != nil {
			panic(fmt.Sprintf("FATAL: pool unlock of %d failed: %v", release, err))
		}
	}

	entry.usd -= release
	entry.tokens -= fixedpoint.Min(tokens, entry.tokens)
	if entry.tokens == 0 {
		// Release any truncation residue with the last tokens.
		if entry.usd > 0 {
			if err := o.pool.UnlockLiquidity(instrumentID, 0, entry.usd); err != nil {
				panic(fmt.Sprintf("FATAL: pool unlock of residue %d failed: %v", entry.usd, err))
			}
		}
		delete(o.locks, key)
	}
}

func (o *Orchestrator) emit(instrumentID uint32, userID uuid.UUID, res *margin.Result, now int64) {
	o.sequence++
	if o.outbox == nil {
		return
	}
	o.outbox <- Record{
		Sequence:     o.sequence,
		InstrumentID: instrumentID,
		UserID:       userID,
		Result:       res,
		Timestamp:    now,
	}
}

// Sequence returns the last assigned settlement sequence number.
func (o *Orchestrator) Sequence() int64 {
	return o.sequence
}

// ---------------------------------------------------------------------------
// Resumable epoch rollover
// ---------------------------------------------------------------------------

// InstrumentPrice pairs an instrument with its epoch-closing price.
type InstrumentPrice struct {
	InstrumentID uint32
	Price        int64
}

// Watermark returns the rollover progress for a side: how many of the
// side's instruments have contributed a closing price this epoch.
func (o *Orchestrator) Watermark(side instrument.Side) int {
	return o.watermark[side]
}

// SubmitRolloverBatch feeds one batch of closing prices into the epoch
// rollover. Batches must be contiguous from the side's watermark over the
// registry's ascending instrument-id order; each price validates against
// the oracle. The pool epoch rolls only once both sides' watermarks reach
// their instrument counts, however many calls that takes; the return value
// reports whether this batch completed the rollover.
func (o *Orchestrator) SubmitRolloverBatch(
	side instrument.Side, fromIndex int, batch []InstrumentPrice, now int64,
) (bool, error) {
	if fromIndex != o.watermark[side] {
		return false, fmt.Errorf("%w: side %s from %d, watermark %d",
			ErrWatermarkMismatch, side, fromIndex, o.watermark[side])
	}

	ids := o.instruments.IDs(side)
	if fromIndex+len(batch) > len(ids) {
		return false, fmt.Errorf("%w: side %s batch of %d past count %d",
			ErrBatchOutOfOrder, side, len(batch), len(ids))
	}

	// Validate the whole batch before accumulating anything.
	for i, ip := range batch {
		if ids[fromIndex+i] != ip.InstrumentID {
			return false, fmt.Errorf("%w: side %s index %d expects id %d, got %d",
				ErrBatchOutOfOrder, side, fromIndex+i, ids[fromIndex+i], ip.InstrumentID)
		}
		if err := o.prices.ValidatePrice(ip.InstrumentID, 0, ip.Price, now); err != nil {
			return false, err
		}
	}

	var batchUpl int64
	for _, ip := range batch {
		upl, err := o.engine.InstrumentUnrealizedPnl(ip.InstrumentID, ip.Price)
		if err != nil {
			return false, err
		}
		// User gains are pool losses and vice versa.
		batchUpl -= upl
	}

	o.poolUpl += batchUpl
	o.watermark[side] += len(batch)

	longDone := o.watermark[instrument.SideLong] == o.instruments.Count(instrument.SideLong)
	shortDone := o.watermark[instrument.SideShort] == o.instruments.Count(instrument.SideShort)
	if !longDone || !shortDone {
		return false, nil
	}

	if err := o.pool.MoveToNextEpoch(o.poolUpl, now); err != nil {
		// Watermarks stay put; the caller can retry the rollover once the
		// insolvency clears.
		return false, err
	}

	o.log.Info().
		Int64("epoch", o.pool.EpochNumber()).
		Int64("pool_upl", o.poolUpl).
		Msg("epoch rollover complete")

	o.lastRolloverUpl = o.poolUpl
	o.watermark[instrument.SideLong] = 0
	o.watermark[instrument.SideShort] = 0
	o.poolUpl = 0
	return true, nil
}

// LastRolloverUpl returns the pool-perspective unrealized P&L that priced
// the most recent completed rollover.
func (o *Orchestrator) LastRolloverUpl() int64 {
	return o.lastRolloverUpl
}

// ---------------------------------------------------------------------------
// Snapshot support
// ---------------------------------------------------------------------------

// LockState is one position's reserved pool capital, serializable for
// snapshots.
type LockState struct {
	InstrumentID uint32    `json:"instrument_id"`
	UserID       uuid.UUID `json:"user_id"`
	USD          int64     `json:"usd"`
	Tokens       int64     `json:"tokens"`
}

// State captures the orchestrator's restart-critical scalars.
type State struct {
	Sequence       int64       `json:"sequence"`
	LongWatermark  int         `json:"long_watermark"`
	ShortWatermark int         `json:"short_watermark"`
	PoolUpl        int64       `json:"pool_upl"`
	Locks          []LockState `json:"locks"`
}

// SnapshotState dumps the sequence counter, rollover watermarks, and the
// lock registry.
func (o *Orchestrator) SnapshotState() State {
	st := State{
		Sequence:       o.sequence,
		LongWatermark:  o.watermark[instrument.SideLong],
		ShortWatermark: o.watermark[instrument.SideShort],
		PoolUpl:        o.poolUpl,
		Locks:          make([]LockState, 0, len(o.locks)),
	}
	for key, lock := range o.locks {
		st.Locks = append(st.Locks, LockState{
			InstrumentID: key.instrumentID,
			UserID:       key.userID,
			USD:          lock.usd,
			Tokens:       lock.tokens,
		})
	}
	return st
}

// RestoreState replaces the orchestrator's scalars on warm restart.
func (o *Orchestrator) RestoreState(st State) {
	o.sequence = st.Sequence
	o.watermark[instrument.SideLong] = st.LongWatermark
	o.watermark[instrument.SideShort] = st.ShortWatermark
	o.poolUpl = st.PoolUpl
	o.locks = make(map[lockKey]*positionLock, len(st.Locks))
	for _, ls := range st.Locks {
		o.locks[lockKey{instrumentID: ls.InstrumentID, userID: ls.UserID}] =
			&positionLock{usd: ls.USD, tokens: ls.Tokens}
	}
}
