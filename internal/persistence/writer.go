package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"PerpClearing/internal/settlement"
)

// execer is satisfied by both *sql.DB and *sql.Tx so batch writes can run
// inside the worker's transaction or standalone.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SettlementWriter writes settlement records and epoch rollovers to Postgres
// using multi-row INSERT. ON CONFLICT DO NOTHING keeps replays idempotent:
// the sequence number is assigned once by the orchestrator, so a duplicate
// row is always an exact duplicate.
type SettlementWriter struct {
	db *sql.DB
}

// SettlementRow represents a row in clearing.settlements.
type SettlementRow struct {
	Sequence         int64
	InstrumentID     uint32
	UserID           string
	Kind             string
	Success          bool
	DeclineReason    string
	Label            string
	Price            int64
	UserToCollateral int64
	MovedCollateral  int64
	CollateralToUser int64
	CollateralToLp   int64
	CollateralToTeam int64
	LpToUser         int64
	LpToTeam         int64
	LpShortfall      int64
	RealizedPnl      int64
	Timestamp        int64 // microseconds
}

// EpochRow represents a row in clearing.epochs, one per completed rollover.
type EpochRow struct {
	EpochNumber int64
	PoolAmount  int64
	PoolUpl     int64
	TotalShares int64
	SharePrice  int64
	ClosedAt    int64 // microseconds
}

func NewSettlementWriter(db *sql.DB) *SettlementWriter {
	return &SettlementWriter{db: db}
}

// RowFromRecord flattens an orchestrator record for storage.
func RowFromRecord(rec settlement.Record) SettlementRow {
	r := rec.Result
	return SettlementRow{
		Sequence:         rec.Sequence,
		InstrumentID:     rec.InstrumentID,
		UserID:           rec.UserID.String(),
		Kind:             r.Kind.String(),
		Success:          r.Success,
		DeclineReason:    r.DeclineReason,
		Label:            r.Label,
		Price:            r.Price,
		UserToCollateral: r.UserToCollateral,
		MovedCollateral:  r.MovedCollateral,
		CollateralToUser: r.CollateralToUser,
		CollateralToLp:   r.CollateralToLp,
		CollateralToTeam: r.CollateralToTeam,
		LpToUser:         r.LpToUser,
		LpToTeam:         r.LpToTeam,
		LpShortfall:      r.LpShortfall,
		RealizedPnl:      r.RealizedPnl,
		Timestamp:        rec.Timestamp,
	}
}

// WriteSettlementBatch writes a batch of settlement rows. exec may be the
// writer's own db or an open transaction.
func (w *SettlementWriter) WriteSettlementBatch(ctx context.Context, exec execer, rows []SettlementRow) error {
	if len(rows) == 0 {
		return nil
	}
	if exec == nil {
		exec = w.db
	}

	query := `INSERT INTO clearing.settlements
		(sequence, instrument_id, user_id, kind, success, decline_reason, label, price,
		 user_to_collateral, moved_collateral, collateral_to_user, collateral_to_lp,
		 collateral_to_team, lp_to_user, lp_to_team, lp_shortfall, realized_pnl, timestamp_us)
		VALUES `

	const cols = 18
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*cols)

	for i, r := range rows {
		base := i * cols
		ph := make([]string, cols)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			r.Sequence, r.InstrumentID, r.UserID, r.Kind, r.Success, r.DeclineReason,
			r.Label, r.Price, r.UserToCollateral, r.MovedCollateral, r.CollateralToUser,
			r.CollateralToLp, r.CollateralToTeam, r.LpToUser, r.LpToTeam, r.LpShortfall,
			r.RealizedPnl, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := exec.ExecContext(ctx, query, args...)
	return err
}

// WriteEpoch records a completed pool epoch rollover.
func (w *SettlementWriter) WriteEpoch(ctx context.Context, exec execer, row EpochRow) error {
	if exec == nil {
		exec = w.db
	}

	_, err := exec.ExecContext(ctx, `
		INSERT INTO clearing.epochs
			(epoch_number, pool_amount, pool_upl, total_shares, share_price, closed_at_us)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (epoch_number) DO NOTHING`,
		row.EpochNumber, row.PoolAmount, row.PoolUpl, row.TotalShares, row.SharePrice, row.ClosedAt,
	)
	return err
}
