package position

import (
	"fmt"

	"github.com/google/uuid"
)

// Position is one user's margin record in one instrument. Created implicitly
// on the first increase, reset to the zero record on full close, never
// deleted, so the (instrument, user) key stays stable across reopen cycles.
type Position struct {
	InstrumentID uint32
	UserID       uuid.UUID

	OpenCost   int64 // USD cost basis of open size (unsigned)
	TokenSize  int64 // open size in base units
	Collateral int64 // posted margin, USD

	EntryFundingIndex    int64 // snapshot of the global funding index
	CumulativeFundingFee int64 // accrued, unrealized; sign = pay vs receive
	EntryBorrowingIndex  int64
	CumulativeBorrowingFee int64 // unsigned, monotonic

	MaxProfitRatio    int64 // profit cap multiplier, fixed at open
	CumulativeTeamFee int64 // unrealized protocol fee owed

	Version int64
}

// IsOpen reports whether the position has exposure.
func (p *Position) IsOpen() bool {
	return p.TokenSize > 0
}

// resetToZero returns the record to its post-close state. Entry indices are
// cleared too; they are re-snapshotted on the next open.
func (p *Position) resetToZero() {
	p.OpenCost = 0
	p.TokenSize = 0
	p.Collateral = 0
	p.EntryFundingIndex = 0
	p.CumulativeFundingFee = 0
	p.EntryBorrowingIndex = 0
	p.CumulativeBorrowingFee = 0
	p.MaxProfitRatio = 0
	p.CumulativeTeamFee = 0
}

// Key is the composite storage key.
type Key struct {
	InstrumentID uint32
	UserID       uuid.UUID
}

// Aggregates are the per-instrument sums over all positions, maintained
// strictly by delta on every mutation, never recomputed by full scan.
type Aggregates struct {
	SizeGlobal         int64
	CostGlobal         int64
	BorrowingFeeGlobal int64
	FundingFeeGlobal   int64 // signed
}

// Store holds all positions and their per-instrument aggregates.
// Not thread-safe; the clearing core is single-threaded by construction.
type Store struct {
	positions  map[Key]*Position
	aggregates map[uint32]*Aggregates
}

func NewStore() *Store {
	return &Store{
		positions:  make(map[Key]*Position),
		aggregates: make(map[uint32]*Aggregates),
	}
}

// Get returns the position or nil if the key has never been touched.
func (s *Store) Get(instrumentID uint32, userID uuid.UUID) *Position {
	return s.positions[Key{InstrumentID: instrumentID, UserID: userID}]
}

// GetOrCreate returns the position, creating the zero record if absent.
func (s *Store) GetOrCreate(instrumentID uint32, userID uuid.UUID) *Position {
	key := Key{InstrumentID: instrumentID, UserID: userID}
	pos := s.positions[key]
	if pos == nil {
		pos = &Position{InstrumentID: instrumentID, UserID: userID}
		s.positions[key] = pos
	}
	return pos
}

// Aggregates returns the aggregate row for an instrument, creating it lazily.
func (s *Store) Aggregates(instrumentID uint32) *Aggregates {
	agg := s.aggregates[instrumentID]
	if agg == nil {
		agg = &Aggregates{}
		s.aggregates[instrumentID] = agg
	}
	return agg
}

// Mutate applies fn to a position, folds the resulting field deltas into the
// instrument aggregates, bumps the version, and enforces the collateral
// invariant. Every position mutation in the system goes through here.
func (s *Store) Mutate(p *Position, fn func(*Position)) {
	beforeSize := p.TokenSize
	beforeCost := p.OpenCost
	beforeBorrowing := p.CumulativeBorrowingFee
	beforeFunding := p.CumulativeFundingFee

	fn(p)

	agg := s.Aggregates(p.InstrumentID)
	agg.SizeGlobal += p.TokenSize - beforeSize
	agg.CostGlobal += p.OpenCost - beforeCost
	agg.BorrowingFeeGlobal += p.CumulativeBorrowingFee - beforeBorrowing
	agg.FundingFeeGlobal += p.CumulativeFundingFee - beforeFunding

	p.Version++

	s.mustCheckCollateralInvariant(p)
}

// Close zeroes a position through Mutate so aggregates stay consistent.
func (s *Store) Close(p *Position) {
	s.Mutate(p, func(pos *Position) {
		pos.resetToZero()
	})
}

// mustCheckCollateralInvariant halts on the unrecoverable states: exposure
// without margin, or margin left on a flat record. Either one is a logic
// defect, not a market condition, and must not be silently corrected.
func (s *Store) mustCheckCollateralInvariant(p *Position) {
	if p.TokenSize > 0 && p.Collateral == 0 {
		panic(fmt.Sprintf("FATAL: position %d/%s has size %d with zero collateral",
			p.InstrumentID, p.UserID, p.TokenSize))
	}
	if p.TokenSize == 0 && p.Collateral != 0 {
		panic(fmt.Sprintf("FATAL: flat position %d/%s holds collateral %d",
			p.InstrumentID, p.UserID, p.Collateral))
	}
	if p.TokenSize < 0 || p.Collateral < 0 || p.OpenCost < 0 {
		panic(fmt.Sprintf("FATAL: position %d/%s has negative field (size=%d collateral=%d cost=%d)",
			p.InstrumentID, p.UserID, p.TokenSize, p.Collateral, p.OpenCost))
	}
}

// All returns every position record, open or flat.
func (s *Store) All() []*Position {
	out := make([]*Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, pos)
	}
	return out
}

// SnapshotAll returns detached copies of every record. Snapshot serialization
// runs outside the dispatch lock, so it must never hold live pointers.
func (s *Store) SnapshotAll() []*Position {
	out := make([]*Position, 0, len(s.positions))
	for _, pos := range s.positions {
		cp := *pos
		out = append(out, &cp)
	}
	return out
}

// OpenByInstrument returns the open positions in one instrument.
func (s *Store) OpenByInstrument(instrumentID uint32) []*Position {
	out := make([]*Position, 0)
	for key, pos := range s.positions {
		if key.InstrumentID == instrumentID && pos.IsOpen() {
			out = append(out, pos)
		}
	}
	return out
}

// Restore installs a position directly, adjusting aggregates as if it had
// been built up by mutations. Used on warm restart only.
func (s *Store) Restore(p *Position) {
	key := Key{InstrumentID: p.InstrumentID, UserID: p.UserID}
	if prev := s.positions[key]; prev != nil {
		agg := s.Aggregates(p.InstrumentID)
		agg.SizeGlobal -= prev.TokenSize
		agg.CostGlobal -= prev.OpenCost
		agg.BorrowingFeeGlobal -= prev.CumulativeBorrowingFee
		agg.FundingFeeGlobal -= prev.CumulativeFundingFee
	}
	s.positions[key] = p

	agg := s.Aggregates(p.InstrumentID)
	agg.SizeGlobal += p.TokenSize
	agg.CostGlobal += p.OpenCost
	agg.BorrowingFeeGlobal += p.CumulativeBorrowingFee
	agg.FundingFeeGlobal += p.CumulativeFundingFee
}
