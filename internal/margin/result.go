package margin

// Kind classifies the outcome of a margin operation.
type Kind int32

const (
	// KindApplied: the requested operation was applied as submitted.
	KindApplied Kind = iota
	// KindLiquidated: the pre-check force-closed the position; the requested
	// operation was discarded.
	KindLiquidated
	// KindMaxProfitClosed: the profit cap force-closed the position; the
	// requested operation was discarded.
	KindMaxProfitClosed
	// KindDeclined: a soft precondition failed. No state changed; the caller
	// must refund any escrowed funds.
	KindDeclined
)

func (k Kind) String() string {
	switch k {
	case KindApplied:
		return "applied"
	case KindLiquidated:
		return "liquidated"
	case KindMaxProfitClosed:
		return "max_profit_closed"
	case KindDeclined:
		return "declined"
	default:
		return "unknown"
	}
}

// Result is the advisory settlement computed by an engine operation. The
// engine never moves funds; the orchestrator reads these buckets and issues
// the transfers after the call returns.
//
// All bucket amounts are non-negative USD transfers named source-to-sink.
// Conservation holds by construction: everything leaving position collateral
// equals MovedCollateral, and the engine panics if it does not.
type Result struct {
	Kind          Kind
	Success       bool
	DeclineReason string
	Label         string // caller-supplied idempotency label
	Price         int64

	// Escrowed user funds entering position collateral (increase ops).
	UserToCollateral int64

	// Collateral leaving the position on a decrease, split across sinks.
	MovedCollateral  int64
	CollateralToUser int64
	CollateralToLp   int64
	CollateralToTeam int64

	// Pool payouts on a net gain.
	LpToUser int64
	LpToTeam int64

	// Gain the pool could not cover. Forgiven, not carried as debt; surfaced
	// so the orchestrator can log and count it.
	LpShortfall int64

	// Realized P&L of the decreased size, before pool fees. Informational.
	RealizedPnl int64

	// Capital-at-risk deltas for the pool, in token units.
	LockedTokenSize   int64
	UnlockedTokenSize int64
}

// declined builds the soft-failure result. No state was mutated.
func declined(label string, price int64, reason string) *Result {
	return &Result{
		Kind:          KindDeclined,
		Success:       false,
		DeclineReason: reason,
		Label:         label,
		Price:         price,
	}
}
