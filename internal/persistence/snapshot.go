package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"PerpClearing/internal/balance"
	"PerpClearing/internal/feeindex"
	"PerpClearing/internal/pool"
	"PerpClearing/internal/position"
	"PerpClearing/internal/settlement"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds everything the in-memory core needs to resume: positions,
// fee indices, the pool's epoch scalars, every balance, and the orchestrator
// sequence and rollover watermarks.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the full in-memory state at a settlement sequence.
type SnapshotData struct {
	Sequence     int64                     `json:"sequence"`
	Positions    []*position.Position      `json:"positions"`
	FeeIndices   map[uint32]feeindex.State `json:"fee_indices"`
	Pool         pool.Snapshot             `json:"pool"`
	Balances     []balance.Entry           `json:"balances"`
	Minted       map[string]int64          `json:"minted"`
	Orchestrator settlement.State          `json:"orchestrator"`
	CreatedAt    time.Time                 `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically; the latest verified one is the warm-restart baseline, with
// settlement records from its sequence forward replayed on top.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO clearing.snapshots
			(snapshot_id, sequence, data, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, size_bytes = $5
	`, snapshotID, snap.Sequence, data, formatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM clearing.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE clearing.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadSettlementsFrom loads settlement rows at or above a sequence for
// audit and replay tooling.
func (sm *SnapshotManager) LoadSettlementsFrom(ctx context.Context, fromSequence int64, limit int) ([]SettlementRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, instrument_id, user_id, kind, success, decline_reason, label, price,
		       user_to_collateral, moved_collateral, collateral_to_user, collateral_to_lp,
		       collateral_to_team, lp_to_user, lp_to_team, lp_shortfall, realized_pnl, timestamp_us
		FROM clearing.settlements
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettlementRow
	for rows.Next() {
		var r SettlementRow
		if err := rows.Scan(
			&r.Sequence, &r.InstrumentID, &r.UserID, &r.Kind, &r.Success, &r.DeclineReason,
			&r.Label, &r.Price, &r.UserToCollateral, &r.MovedCollateral, &r.CollateralToUser,
			&r.CollateralToLp, &r.CollateralToTeam, &r.LpToUser, &r.LpToTeam, &r.LpShortfall,
			&r.RealizedPnl, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

// GetLatestSequence returns the highest persisted settlement sequence.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM clearing.settlements
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
