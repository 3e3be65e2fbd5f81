package query_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"PerpClearing/internal/balance"
	"PerpClearing/internal/feeindex"
	"PerpClearing/internal/instrument"
	"PerpClearing/internal/margin"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/pool"
	"PerpClearing/internal/position"
	"PerpClearing/internal/query"
	"PerpClearing/internal/settlement"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	usd           = "USD"
	epochDuration = 1_000_000_000
)

type fixture struct {
	svc  *query.Service
	bal  *balance.MemoryLedger
	pool *pool.Ledger
	orch *settlement.Orchestrator
	user uuid.UUID
}

// newFixture wires the live stack with one funded user holding an open
// position of 10 tokens at 100 USD with 100 USD collateral.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg, err := instrument.NewRegistry(1, []*instrument.Instrument{
		{ID: 1, Symbol: "BTC-USD", Side: instrument.SideLong, MaxProfitRatio: 10,
			Risk: instrument.RiskParams{
				MaxLeverage:                20,
				RemainCollateralRatioBps:   100,
				PredictedLiquidationFeeBps: 100,
				MinCollateral:              1_000_000,
				BorrowingFeeInterval:       3_600_000_000,
				FundingFeeInterval:         3_600_000_000,
				MaxBorrowingFeeBps:         10,
				MaxFundingFeeBps:           10,
				MaxLockRatioBps:            5_000,
			}},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	bal := balance.NewMemoryLedger()
	poolLedger, err := pool.NewLedger(pool.Config{
		Token:             usd,
		InitialSharePrice: 1_000_000,
		EpochDuration:     epochDuration,
		RequestTimeDelay:  100_000_000,
		WithdrawFeeBps:    100,
	}, bal, zerolog.Nop(), 0)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}

	lp := uuid.New()
	if err := bal.IncreaseBalance(usd, balance.UserAccount(lp), 20_000_000_000); err != nil {
		t.Fatalf("fund lp: %v", err)
	}
	if err := poolLedger.ProvideLiquidity(lp, 20_000_000_000, 10); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
	if err := poolLedger.MoveToNextEpoch(0, epochDuration); err != nil {
		t.Fatalf("seed rollover: %v", err)
	}

	engine := margin.NewEngine(reg, position.NewStore(), feeindex.NewBook(), poolLedger, zerolog.Nop())
	prices := oracle.NewReferenceValidator(60_000_000, 100)
	orch := settlement.NewOrchestrator(reg, engine, poolLedger, bal, prices, usd, nil, zerolog.Nop())

	user := uuid.New()
	if err := bal.IncreaseBalance(usd, balance.UserAccount(user), 250_000_000); err != nil {
		t.Fatalf("fund user: %v", err)
	}

	now := int64(epochDuration + 10)
	prices.SetReference(1, 0, 100_000_000, now)
	res, err := orch.IncreasePosition(1, user, 100_000_000, 10_000_000, 100_000_000,
		margin.FeeParams{}, "open", now)
	if err != nil || res.Kind != margin.KindApplied {
		t.Fatalf("open: res=%+v err=%v", res, err)
	}

	var mu sync.RWMutex
	svc := query.NewService(&mu, reg, engine, poolLedger, bal, orch, nil, usd, nil)

	return &fixture{svc: svc, bal: bal, pool: poolLedger, orch: orch, user: user}
}

func TestPositionsView(t *testing.T) {
	f := newFixture(t)

	positions := f.svc.Positions(f.user)
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}

	p := positions[0]
	if p.Symbol != "BTC-USD" || p.Side != "Long" {
		t.Errorf("identity: %+v", p)
	}
	if p.TokenSize != 10_000_000 {
		t.Errorf("token size = %d, want 10_000_000", p.TokenSize)
	}
	if p.TokenSizeDec != "10" {
		t.Errorf("token size dec = %q, want 10", p.TokenSizeDec)
	}
	if p.Collateral != 100_000_000 {
		t.Errorf("collateral = %d, want 100_000_000", p.Collateral)
	}
	if p.CollateralDec != "100" {
		t.Errorf("collateral dec = %q, want 100", p.CollateralDec)
	}
	if p.AsOfSequence != f.orch.Sequence() {
		t.Errorf("as_of = %d, want %d", p.AsOfSequence, f.orch.Sequence())
	}

	if other := f.svc.Positions(uuid.New()); len(other) != 0 {
		t.Errorf("stranger positions = %d, want 0", len(other))
	}
}

func TestBalanceView(t *testing.T) {
	f := newFixture(t)

	resp := f.svc.Balance(f.user)
	if resp.Balance != 150_000_000 {
		t.Errorf("balance = %d, want 150_000_000", resp.Balance)
	}
	if resp.BalanceDec != "150" {
		t.Errorf("balance dec = %q, want 150", resp.BalanceDec)
	}
	if resp.PoolShares != 0 {
		t.Errorf("pool shares = %d, want 0", resp.PoolShares)
	}
}

func TestPoolView(t *testing.T) {
	f := newFixture(t)

	resp := f.svc.Pool()
	if resp.EpochNumber != 2 {
		t.Errorf("epoch = %d, want 2", resp.EpochNumber)
	}
	if resp.PoolAmount != 20_000_000_000 {
		t.Errorf("pool amount = %d, want 20_000_000_000", resp.PoolAmount)
	}
	if resp.PoolAmountDec != "20000" {
		t.Errorf("pool amount dec = %q, want 20000", resp.PoolAmountDec)
	}
	// 1000 USD notional at the 10x profit cap locks 10_000 USD.
	if resp.LockedAmount != 10_000_000_000 {
		t.Errorf("locked = %d, want 10_000_000_000", resp.LockedAmount)
	}
	if resp.AvailableAmount != 10_000_000_000 {
		t.Errorf("available = %d, want 10_000_000_000", resp.AvailableAmount)
	}
}

func TestEpochBatchesView(t *testing.T) {
	f := newFixture(t)

	resp := f.svc.EpochBatches(1)
	if resp.Mint == nil {
		t.Fatal("expected mint batch for epoch 1")
	}
	if resp.Mint.USDValue != 20_000_000_000 {
		t.Errorf("mint usd = %d, want 20_000_000_000", resp.Mint.USDValue)
	}
	if resp.Burn != nil {
		t.Errorf("unexpected burn batch: %+v", resp.Burn)
	}

	if empty := f.svc.EpochBatches(99); empty.Mint != nil || empty.Burn != nil {
		t.Errorf("epoch 99 should have no batches")
	}
}

func TestHTTPPositionsEndpoint(t *testing.T) {
	f := newFixture(t)

	mux := http.NewServeMux()
	f.svc.RegisterRoutes(mux, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/positions?user_id="+f.user.String(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var positions []query.PositionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &positions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(positions) != 1 || positions[0].TokenSize != 10_000_000 {
		t.Fatalf("payload: %s", rec.Body.String())
	}
}

func TestHTTPRejectsBadUserID(t *testing.T) {
	f := newFixture(t)

	mux := http.NewServeMux()
	f.svc.RegisterRoutes(mux, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/positions?user_id=nope", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
