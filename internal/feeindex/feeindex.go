package feeindex

import (
	"errors"
	"fmt"

	"PerpClearing/internal/fixedpoint"
	"PerpClearing/internal/instrument"
)

var (
	ErrUpdateTooSoon   = errors.New("fee index update before minimum interval")
	ErrRateCapExceeded = errors.New("fee rate exceeds configured cap")
	ErrNegativeDelta   = errors.New("borrowing index delta must be non-negative")
)

// State holds the running fee-per-token indices for one instrument.
// FundingFeePerToken is signed: a positive index growth means open positions
// on this instrument pay the pool, negative means the pool pays them.
// BorrowingFeePerToken only ever grows. Both are USD (1e6) per whole token.
type State struct {
	FundingFeePerToken   int64
	BorrowingFeePerToken int64
	LastFundingUpdate    int64 // microseconds
	LastBorrowingUpdate  int64
}

// Book tracks fee indices for all instruments. Pure accrual math: updating an
// index has no effect on any position until the position is next touched and
// reads the pending delta.
type Book struct {
	states map[uint32]*State
}

func NewBook() *Book {
	return &Book{states: make(map[uint32]*State)}
}

// State returns the index state for an instrument, creating the zero state on
// first access. The zero state has both update timestamps at zero, so the
// first update is only interval-gated against the epoch origin.
func (b *Book) State(instrumentID uint32) *State {
	st := b.states[instrumentID]
	if st == nil {
		st = &State{}
		b.states[instrumentID] = st
	}
	return st
}

// UpdateBorrowingIndex advances the borrowing fee-per-token index.
// Hard aborts: negative delta, update before the minimum interval, or an
// implied per-second cost above the cap derived from the USD value of one
// token at the supplied price. Fee manipulation and oracle glitches must not
// silently propagate into every open position.
func (b *Book) UpdateBorrowingIndex(inst *instrument.Instrument, delta, price, now int64) error {
	if delta < 0 {
		return fmt.Errorf("%w: instrument %d delta %d", ErrNegativeDelta, inst.ID, delta)
	}

	st := b.State(inst.ID)
	elapsed := now - st.LastBorrowingUpdate
	if elapsed < inst.Risk.BorrowingFeeInterval {
		return fmt.Errorf("%w: instrument %d elapsed %dus < interval %dus",
			ErrUpdateTooSoon, inst.ID, elapsed, inst.Risk.BorrowingFeeInterval)
	}

	if err := checkRateCap(delta, elapsed, price, inst.Risk.MaxBorrowingFeeBps); err != nil {
		return fmt.Errorf("borrowing index for instrument %d: %w", inst.ID, err)
	}

	st.BorrowingFeePerToken += delta
	st.LastBorrowingUpdate = now
	return nil
}

// UpdateFundingIndex advances the signed funding fee-per-token index.
// Same interval and cap discipline as borrowing; the cap applies to the
// magnitude of the delta.
func (b *Book) UpdateFundingIndex(inst *instrument.Instrument, delta, price, now int64) error {
	st := b.State(inst.ID)
	elapsed := now - st.LastFundingUpdate
	if elapsed < inst.Risk.FundingFeeInterval {
		return fmt.Errorf("%w: instrument %d elapsed %dus < interval %dus",
			ErrUpdateTooSoon, inst.ID, elapsed, inst.Risk.FundingFeeInterval)
	}

	if err := checkRateCap(fixedpoint.Abs(delta), elapsed, price, inst.Risk.MaxFundingFeeBps); err != nil {
		return fmt.Errorf("funding index for instrument %d: %w", inst.ID, err)
	}

	st.FundingFeePerToken += delta
	st.LastFundingUpdate = now
	return nil
}

// checkRateCap rejects an index delta whose implied per-second cost exceeds
// maxBps of the USD value of one token at the given price.
func checkRateCap(delta, elapsedMicros, price, maxBps int64) error {
	seconds := elapsedMicros / fixedpoint.MicrosPerSecond
	if seconds <= 0 {
		seconds = 1
	}
	maxPerSecond := fixedpoint.ApplyBps(price, maxBps)
	perSecond := delta / seconds
	if perSecond > maxPerSecond {
		return fmt.Errorf("%w: %d per second > cap %d", ErrRateCapExceeded, perSecond, maxPerSecond)
	}
	return nil
}

// PendingFunding returns the funding fee accrued on a size since the entry
// index was last advanced. Signed: positive means the holder owes the pool.
func (b *Book) PendingFunding(instrumentID uint32, entryIndex, tokenSize int64) int64 {
	st := b.State(instrumentID)
	return fixedpoint.MulDiv(st.FundingFeePerToken-entryIndex, tokenSize, fixedpoint.TokenScale)
}

// PendingBorrowing returns the borrowing fee accrued on a size since the
// entry index was last advanced. Never negative: the index is monotonic.
func (b *Book) PendingBorrowing(instrumentID uint32, entryIndex, tokenSize int64) int64 {
	st := b.State(instrumentID)
	return fixedpoint.MulDiv(st.BorrowingFeePerToken-entryIndex, tokenSize, fixedpoint.TokenScale)
}

// Snapshot returns a copy of all index states, keyed by instrument id.
func (b *Book) Snapshot() map[uint32]State {
	out := make(map[uint32]State, len(b.states))
	for id, st := range b.states {
		out[id] = *st
	}
	return out
}

// Restore overwrites the state for one instrument. Used on warm restart.
func (b *Book) Restore(instrumentID uint32, st State) {
	copied := st
	b.states[instrumentID] = &copied
}
