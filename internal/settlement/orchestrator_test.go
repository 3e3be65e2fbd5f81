package settlement_test

import (
	"errors"
	"testing"

	"PerpClearing/internal/balance"
	"PerpClearing/internal/feeindex"
	"PerpClearing/internal/instrument"
	"PerpClearing/internal/margin"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/pool"
	"PerpClearing/internal/position"
	"PerpClearing/internal/settlement"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	usd           = "USD"
	epochDuration int64 = 1_000_000_000
	requestDelay  int64 = 100_000_000
	oracleMaxAge  = 60_000_000
	oracleBandBps = 100

	instLong1 uint32 = 1
	instLong2 uint32 = 2
	instShort uint32 = 3
)

type fixture struct {
	bal    *balance.MemoryLedger
	pool   *pool.Ledger
	prices *oracle.ReferenceValidator
	orch   *settlement.Orchestrator
	outbox chan settlement.Record
}

func testRisk() instrument.RiskParams {
	return instrument.RiskParams{
		MaxLeverage:                20,
		RemainCollateralRatioBps:   100,
		PredictedLiquidationFeeBps: 100,
		MinCollateral:              1_000_000,
		BorrowingFeeInterval:       3_600_000_000,
		FundingFeeInterval:         3_600_000_000,
		MaxBorrowingFeeBps:         10,
		MaxFundingFeeBps:           10,
		MaxLockRatioBps:            5_000,
	}
}

// newFixture wires the full stack with a pool seeded to 20_000 USD in its
// first epoch.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg, err := instrument.NewRegistry(1, []*instrument.Instrument{
		{ID: instLong1, Symbol: "BTC-USD", Side: instrument.SideLong, MaxProfitRatio: 10, Risk: testRisk()},
		{ID: instLong2, Symbol: "ETH-USD", Side: instrument.SideLong, MaxProfitRatio: 10, Risk: testRisk()},
		{ID: instShort, Symbol: "BTC-USD", Side: instrument.SideShort, MaxProfitRatio: 10, Risk: testRisk()},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	bal := balance.NewMemoryLedger()
	poolLedger, err := pool.NewLedger(pool.Config{
		Token:             usd,
		InitialSharePrice: 1_000_000,
		EpochDuration:     epochDuration,
		RequestTimeDelay:  requestDelay,
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

	positions := position.NewStore()
	fees := feeindex.NewBook()
	engine := margin.NewEngine(reg, positions, fees, poolLedger, zerolog.Nop())
	prices := oracle.NewReferenceValidator(oracleMaxAge, oracleBandBps)

	outbox := make(chan settlement.Record, 64)
	orch := settlement.NewOrchestrator(reg, engine, poolLedger, bal, prices, usd, outbox, zerolog.Nop())

	return &fixture{bal: bal, pool: poolLedger, prices: prices, orch: orch, outbox: outbox}
}

func (f *fixture) setPrice(id uint32, price, now int64) {
	f.prices.SetReference(id, 0, price, now)
}

func (f *fixture) fund(t *testing.T, user uuid.UUID, amount int64) {
	t.Helper()
	if err := f.bal.IncreaseBalance(usd, balance.UserAccount(user), amount); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func assertSupplyConserved(t *testing.T, bal *balance.MemoryLedger) {
	t.Helper()
	if got, want := bal.TotalSupply(usd), bal.Minted(usd); got != want {
		t.Errorf("supply %d != minted %d: settlement created or destroyed funds", got, want)
	}
}

// ============================================================
// Margin operation settlement
// ============================================================

func TestIncreaseThenDecrease_MovesAllBuckets(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(t, user, 200_000_000)

	now := epochDuration + 10
	f.setPrice(instLong1, 100_000_000, now)
	res, err := f.orch.IncreasePosition(instLong1, user, 100_000_000, 10_000_000, 100_000_000,
		margin.FeeParams{}, "open", now)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.Kind != margin.KindApplied {
		t.Fatalf("open result: %+v", res)
	}

	if got := f.bal.Balance(usd, balance.UserAccount(user)); got != 100_000_000 {
		t.Errorf("user balance after open = %d, want 100_000_000", got)
	}
	if got := f.bal.Balance(usd, balance.MarginAccount); got != 100_000_000 {
		t.Errorf("margin custody = %d, want 100_000_000", got)
	}
	// 1000 USD notional at the 10x profit cap reserves 10_000 USD.
	if got := f.pool.LockedAmount(); got != 10_000_000_000 {
		t.Errorf("pool locked = %d, want 10_000_000_000", got)
	}

	// Close at 120: 200 USD gain paid by the pool.
	now += 1_000_000
	f.setPrice(instLong1, 120_000_000, now)
	res, err = f.orch.DecreasePosition(instLong1, user, 120_000_000, 10_000_000,
		margin.FeeParams{}, "close", now)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.LpToUser != 200_000_000 {
		t.Errorf("LpToUser = %d, want 200_000_000", res.LpToUser)
	}

	if got := f.bal.Balance(usd, balance.UserAccount(user)); got != 400_000_000 {
		t.Errorf("user balance after close = %d, want 400_000_000", got)
	}
	if got := f.pool.PoolAmount(); got != 19_800_000_000 {
		t.Errorf("pool amount = %d, want 19_800_000_000", got)
	}
	if got := f.pool.LockedAmount(); got != 0 {
		t.Errorf("pool locked = %d after full close", got)
	}
	if got := f.bal.Balance(usd, balance.MarginAccount); got != 0 {
		t.Errorf("margin custody = %d after full close", got)
	}

	assertSupplyConserved(t, f.bal)

	// Both settlements were journaled in order.
	r1, r2 := <-f.outbox, <-f.outbox
	if r1.Sequence != 1 || r2.Sequence != 2 {
		t.Errorf("sequences = %d, %d", r1.Sequence, r2.Sequence)
	}
	if r2.Result.Kind != margin.KindApplied || r2.Result.UnlockedTokenSize != 10_000_000 {
		t.Errorf("journaled close record: %+v", r2.Result)
	}
}

func TestIncreaseDeclined_RefundsEscrow(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(t, user, 10_000_000)

	now := epochDuration + 10
	f.setPrice(instLong1, 100_000_000, now)

	// 10 USD of collateral cannot carry a 1000 USD notional at 20x.
	res, err := f.orch.IncreasePosition(instLong1, user, 100_000_000, 10_000_000, 10_000_000,
		margin.FeeParams{}, "thin", now)
	if err != nil {
		t.Fatalf("unexpected hard error: %v", err)
	}
	if res.Success {
		t.Fatalf("expected decline, got %+v", res)
	}

	if got := f.bal.Balance(usd, balance.UserAccount(user)); got != 10_000_000 {
		t.Errorf("escrow not refunded, user balance = %d", got)
	}
	if got := f.bal.Balance(usd, balance.EscrowAccount); got != 0 {
		t.Errorf("escrow account holds %d after decline", got)
	}
	assertSupplyConserved(t, f.bal)
}

func TestIncrease_RejectsOutOfBandPrice(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(t, user, 200_000_000)

	now := epochDuration + 10
	f.setPrice(instLong1, 100_000_000, now)

	_, err := f.orch.IncreasePosition(instLong1, user, 110_000_000, 10_000_000, 100_000_000,
		margin.FeeParams{}, "drift", now)
	if !errors.Is(err, oracle.ErrPriceOutOfBand) {
		t.Errorf("got %v, want ErrPriceOutOfBand", err)
	}
	if got := f.bal.Balance(usd, balance.UserAccount(user)); got != 200_000_000 {
		t.Errorf("user balance touched on rejected price: %d", got)
	}
}

func TestLossFlowsToPool(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(t, user, 100_000_000)

	now := epochDuration + 10
	f.setPrice(instLong1, 100_000_000, now)
	if _, err := f.orch.IncreasePosition(instLong1, user, 100_000_000, 10_000_000, 100_000_000,
		margin.FeeParams{}, "open", now); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Close at 95: 50 USD loss absorbed by the pool.
	now += 1_000_000
	f.setPrice(instLong1, 95_000_000, now)
	res, err := f.orch.DecreasePosition(instLong1, user, 95_000_000, 10_000_000,
		margin.FeeParams{}, "close", now)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.CollateralToLp != 50_000_000 {
		t.Errorf("CollateralToLp = %d, want 50_000_000", res.CollateralToLp)
	}
	if got := f.pool.PoolAmount(); got != 20_050_000_000 {
		t.Errorf("pool amount = %d, want 20_050_000_000", got)
	}
	if got := f.bal.Balance(usd, balance.UserAccount(user)); got != 50_000_000 {
		t.Errorf("user balance = %d, want 50_000_000", got)
	}
	assertSupplyConserved(t, f.bal)
}

// ============================================================
// Resumable epoch rollover
// ============================================================

func TestRollover_ResumableAcrossBatches(t *testing.T) {
	f := newFixture(t)
	userA, userB := uuid.New(), uuid.New()
	f.fund(t, userA, 100_000_000)
	f.fund(t, userB, 100_000_000)

	now := int64(epochDuration + 10)
	f.setPrice(instLong1, 100_000_000, now)
	f.setPrice(instShort, 100_000_000, now)
	if _, err := f.orch.IncreasePosition(instLong1, userA, 100_000_000, 10_000_000, 100_000_000,
		margin.FeeParams{}, "openA", now); err != nil {
		t.Fatalf("open long: %v", err)
	}
	if _, err := f.orch.IncreasePosition(instShort, userB, 100_000_000, 10_000_000, 100_000_000,
		margin.FeeParams{}, "openB", now); err != nil {
		t.Fatalf("open short: %v", err)
	}

	now += 1_000_000
	f.setPrice(instLong1, 120_000_000, now)
	f.setPrice(instLong2, 100_000_000, now)
	f.setPrice(instShort, 90_000_000, now)

	// First long batch covers one of two long instruments: no rollover yet.
	rolled, err := f.orch.SubmitRolloverBatch(instrument.SideLong, 0,
		[]settlement.InstrumentPrice{{InstrumentID: instLong1, Price: 120_000_000}}, now)
	if err != nil {
		t.Fatalf("long batch 1: %v", err)
	}
	if rolled {
		t.Fatal("epoch must not roll before both sides complete")
	}
	if f.orch.Watermark(instrument.SideLong) != 1 {
		t.Errorf("long watermark = %d, want 1", f.orch.Watermark(instrument.SideLong))
	}

	// Replaying from the old watermark is rejected.
	if _, err := f.orch.SubmitRolloverBatch(instrument.SideLong, 0,
		[]settlement.InstrumentPrice{{InstrumentID: instLong1, Price: 120_000_000}}, now); !errors.Is(err, settlement.ErrWatermarkMismatch) {
		t.Errorf("got %v, want ErrWatermarkMismatch", err)
	}

	// A batch naming the wrong instrument for its slot is rejected.
	if _, err := f.orch.SubmitRolloverBatch(instrument.SideLong, 1,
		[]settlement.InstrumentPrice{{InstrumentID: instLong1, Price: 120_000_000}}, now); !errors.Is(err, settlement.ErrBatchOutOfOrder) {
		t.Errorf("got %v, want ErrBatchOutOfOrder", err)
	}

	rolled, err = f.orch.SubmitRolloverBatch(instrument.SideLong, 1,
		[]settlement.InstrumentPrice{{InstrumentID: instLong2, Price: 100_000_000}}, now)
	if err != nil {
		t.Fatalf("long batch 2: %v", err)
	}
	if rolled {
		t.Fatal("short side still pending")
	}

	rolled, err = f.orch.SubmitRolloverBatch(instrument.SideShort, 0,
		[]settlement.InstrumentPrice{{InstrumentID: instShort, Price: 90_000_000}}, now)
	if err != nil {
		t.Fatalf("short batch: %v", err)
	}
	if !rolled {
		t.Fatal("both watermarks complete, epoch must roll")
	}

	if f.pool.EpochNumber() != 3 {
		t.Errorf("epoch = %d, want 3", f.pool.EpochNumber())
	}
	if f.orch.Watermark(instrument.SideLong) != 0 || f.orch.Watermark(instrument.SideShort) != 0 {
		t.Error("watermarks must reset after rollover")
	}
}

func TestRollover_StalePriceRejected(t *testing.T) {
	f := newFixture(t)

	now := int64(epochDuration + 10)
	f.setPrice(instLong1, 100_000_000, now)

	_, err := f.orch.SubmitRolloverBatch(instrument.SideLong, 0,
		[]settlement.InstrumentPrice{{InstrumentID: instLong1, Price: 100_000_000}}, now+oracleMaxAge+1)
	if !errors.Is(err, oracle.ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice", err)
	}
	if f.orch.Watermark(instrument.SideLong) != 0 {
		t.Error("rejected batch must not advance the watermark")
	}
}
