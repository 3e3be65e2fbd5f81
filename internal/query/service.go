package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"PerpClearing/internal/balance"
	"PerpClearing/internal/instrument"
	"PerpClearing/internal/margin"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/pool"
	"PerpClearing/internal/settlement"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// usdDec renders a 1e6 fixed-point amount as a decimal string.
func usdDec(v int64) string {
	return decimal.New(v, -6).String()
}

// Service serves read-only views over the live clearing state and the
// settlement history in Postgres. Live reads share a RWMutex with the
// command dispatch loop: dispatch takes the write lock per command, queries
// take read locks.
type Service struct {
	mu          *sync.RWMutex
	instruments *instrument.Registry
	engine      *margin.Engine
	pool        *pool.Ledger
	bal         *balance.MemoryLedger
	orch        *settlement.Orchestrator
	db          *sql.DB
	token       string
	metrics     *observability.Metrics
}

func NewService(
	mu *sync.RWMutex,
	instruments *instrument.Registry,
	engine *margin.Engine,
	poolLedger *pool.Ledger,
	bal *balance.MemoryLedger,
	orch *settlement.Orchestrator,
	db *sql.DB,
	token string,
	metrics *observability.Metrics,
) *Service {
	return &Service{
		mu:          mu,
		instruments: instruments,
		engine:      engine,
		pool:        poolLedger,
		bal:         bal,
		orch:        orch,
		db:          db,
		token:       token,
		metrics:     metrics,
	}
}

// Positions returns a user's open positions.
func (s *Service) Positions(userID uuid.UUID) []PositionResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asOf := s.orch.Sequence()
	var out []PositionResponse
	for _, p := range s.engine.Positions().All() {
		if p.UserID != userID || !p.IsOpen() {
			continue
		}

		symbol, side := "", ""
		if inst, err := s.instruments.Get(p.InstrumentID); err == nil {
			symbol = inst.Symbol
			side = inst.Side.String()
		}

		out = append(out, PositionResponse{
			UserID:         p.UserID,
			InstrumentID:   p.InstrumentID,
			Symbol:         symbol,
			Side:           side,
			TokenSize:      p.TokenSize,
			TokenSizeDec:   usdDec(p.TokenSize),
			OpenCost:       p.OpenCost,
			OpenCostDec:    usdDec(p.OpenCost),
			Collateral:     p.Collateral,
			CollateralDec:  usdDec(p.Collateral),
			BorrowingFee:   p.CumulativeBorrowingFee,
			FundingFee:     p.CumulativeFundingFee,
			TeamFee:        p.CumulativeTeamFee,
			MaxProfitRatio: p.MaxProfitRatio,
			Version:        p.Version,
			AsOfSequence:   asOf,
		})
	}
	return out
}

// Balance returns a user's settlement-token balance and pool shares.
func (s *Service) Balance(userID uuid.UUID) BalanceResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bal := s.bal.Balance(s.token, balance.UserAccount(userID))
	return BalanceResponse{
		UserID:       userID,
		Token:        s.token,
		Balance:      bal,
		BalanceDec:   usdDec(bal),
		PoolShares:   s.pool.UserShares(userID),
		AsOfSequence: s.orch.Sequence(),
	}
}

// Pool returns the pool's current epoch state.
func (s *Service) Pool() PoolResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	amount := s.pool.PoolAmount()
	locked := s.pool.LockedAmount()
	shares := s.pool.TotalShares()
	return PoolResponse{
		EpochNumber:     s.pool.EpochNumber(),
		EpochEndTimeUs:  s.pool.EpochEndTime(),
		PoolAmount:      amount,
		PoolAmountDec:   usdDec(amount),
		LockedAmount:    locked,
		LockedAmountDec: usdDec(locked),
		AvailableAmount: s.pool.AvailableLiquidity(),
		TotalShares:     shares,
		TotalSharesDec:  usdDec(shares),
		AsOfSequence:    s.orch.Sequence(),
	}
}

// EpochBatches returns the mint and burn batches of a closed epoch.
func (s *Service) EpochBatches(epoch int64) EpochBatchResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := EpochBatchResponse{Epoch: epoch, AsOfSequence: s.orch.Sequence()}
	if mint := s.pool.MintBatch(epoch); mint != nil {
		resp.Mint = &Batch{
			USDValue:        mint.USDValue,
			ShareAmount:     mint.ShareAmount,
			RemainingShares: mint.RemainingShares,
		}
	}
	if burn := s.pool.BurnBatch(epoch); burn != nil {
		resp.Burn = &Batch{
			USDValue:        burn.USDValue,
			ShareAmount:     burn.ShareAmount,
			RequestedShares: burn.RequestedShares,
			ReturnedShares:  burn.ReturnedShares,
			RemainingUSD:    burn.RemainingUSD,
			RemainingShares: burn.RemainingShares,
		}
	}
	return resp
}

// Settlements returns a user's settlement history from Postgres, newest
// first, with cursor-based pagination on sequence.
func (s *Service) Settlements(ctx context.Context, userID uuid.UUID, limit int, beforeSequence *int64) ([]SettlementResponse, error) {
	query := `
		SELECT sequence, instrument_id, user_id, kind, success, decline_reason, label,
		       price, realized_pnl, collateral_to_user, collateral_to_lp,
		       collateral_to_team, lp_to_user, lp_to_team, lp_shortfall, timestamp_us
		FROM clearing.settlements
		WHERE user_id = $1
	`
	args := []interface{}{userID}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettlementResponse
	for rows.Next() {
		var r SettlementResponse
		if err := rows.Scan(
			&r.Sequence, &r.InstrumentID, &r.UserID, &r.Kind, &r.Success,
			&r.DeclineReason, &r.Label, &r.Price, &r.RealizedPnl,
			&r.CollateralToUser, &r.CollateralToLp, &r.CollateralToTeam,
			&r.LpToUser, &r.LpToTeam, &r.LpShortfall, &r.TimestampUs,
		); err != nil {
			return nil, err
		}
		r.RealizedPnlDec = usdDec(r.RealizedPnl)
		out = append(out, r)
	}

	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// HTTP surface
// ---------------------------------------------------------------------------

// RegisterRoutes wires the query endpoints and health probes onto a mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux, health *observability.HealthChecker) {
	mux.HandleFunc("/v1/positions", s.instrumented("positions", s.handlePositions))
	mux.HandleFunc("/v1/balance", s.instrumented("balance", s.handleBalance))
	mux.HandleFunc("/v1/pool", s.instrumented("pool", s.handlePool))
	mux.HandleFunc("/v1/pool/epoch", s.instrumented("pool_epoch", s.handleEpochBatches))
	mux.HandleFunc("/v1/settlements", s.instrumented("settlements", s.handleSettlements))
	if health != nil {
		mux.HandleFunc("/healthz", health.LivenessHandler)
		mux.HandleFunc("/readyz", health.ReadinessHandler)
	}
}

func (s *Service) instrumented(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		if s.metrics != nil {
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			s.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
		}
	}
}

func (s *Service) handlePositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}
	writeJSON(w, s.Positions(userID))
}

func (s *Service) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}
	writeJSON(w, s.Balance(userID))
}

func (s *Service) handlePool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Pool())
}

func (s *Service) handleEpochBatches(w http.ResponseWriter, r *http.Request) {
	epoch, err := strconv.ParseInt(r.URL.Query().Get("epoch"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "epoch must be an integer")
		return
	}
	writeJSON(w, s.EpochBatches(epoch))
}

func (s *Service) handleSettlements(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	var before *int64
	if b := r.URL.Query().Get("before"); b != "" {
		parsed, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "before must be an integer")
			return
		}
		before = &parsed
	}

	out, err := s.Settlements(r.Context(), userID, limit, before)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "settlement query failed")
		return
	}
	writeJSON(w, out)
}

func parseUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "user_id must be a UUID")
		return uuid.Nil, false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
