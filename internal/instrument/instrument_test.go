package instrument_test

import (
	"errors"
	"testing"

	"PerpClearing/internal/instrument"
)

func validRisk() instrument.RiskParams {
	return instrument.RiskParams{
		MaxLeverage:                20,
		RemainCollateralRatioBps:   100,
		PredictedLiquidationFeeBps: 50,
		MinCollateral:              1_000_000,
		BorrowingFeeInterval:       3_600_000_000,
		FundingFeeInterval:         3_600_000_000,
		MaxBorrowingFeeBps:         10,
		MaxFundingFeeBps:           10,
		MaxLockRatioBps:            5_000,
	}
}

func TestSide_UnrealizedPnl(t *testing.T) {
	// 10 tokens at cost 1000 USD; price moves to 150 USD/token -> value 1500.
	openCost := int64(1_000_000_000)
	size := int64(10_000_000)
	price := int64(150_000_000)

	long := instrument.SideLong.UnrealizedPnl(openCost, size, price)
	if long != 500_000_000 {
		t.Errorf("long pnl = %d, want 500_000_000", long)
	}

	short := instrument.SideShort.UnrealizedPnl(openCost, size, price)
	if short != -500_000_000 {
		t.Errorf("short pnl = %d, want -500_000_000", short)
	}
}

func TestSide_PositionPnl_Prorated(t *testing.T) {
	// Close half of a 10-token long opened at 1000 USD total, price 120.
	openCost := int64(1_000_000_000)
	size := int64(10_000_000)
	closeSize := int64(5_000_000)
	price := int64(120_000_000)

	// closed cost = 500, closed value = 600 -> pnl 100
	got := instrument.SideLong.PositionPnl(openCost, size, closeSize, price)
	if got != 100_000_000 {
		t.Errorf("prorated pnl = %d, want 100_000_000", got)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r, err := instrument.NewRegistry(1, []*instrument.Instrument{
		{ID: 1, Symbol: "BTC-USD", Side: instrument.SideLong, MaxProfitRatio: 10, Risk: validRisk()},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if _, err := r.Get(1); err != nil {
		t.Errorf("Get(1): %v", err)
	}

	_, err = r.Get(99)
	if !errors.Is(err, instrument.ErrUnknownInstrument) {
		t.Errorf("Get(99) = %v, want ErrUnknownInstrument", err)
	}
}

func TestRegistry_RejectsDuplicateAndInvalid(t *testing.T) {
	_, err := instrument.NewRegistry(1, []*instrument.Instrument{
		{ID: 1, Symbol: "A", Side: instrument.SideLong, MaxProfitRatio: 10, Risk: validRisk()},
		{ID: 1, Symbol: "B", Side: instrument.SideShort, MaxProfitRatio: 10, Risk: validRisk()},
	})
	if err == nil {
		t.Error("duplicate id should be rejected")
	}

	bad := validRisk()
	bad.MaxLeverage = 0
	_, err = instrument.NewRegistry(1, []*instrument.Instrument{
		{ID: 2, Symbol: "C", Side: instrument.SideLong, MaxProfitRatio: 10, Risk: bad},
	})
	if err == nil {
		t.Error("invalid risk params should be rejected")
	}
}

func TestRegistry_IDsSortedPerSide(t *testing.T) {
	r, err := instrument.NewRegistry(1, []*instrument.Instrument{
		{ID: 5, Symbol: "E", Side: instrument.SideLong, MaxProfitRatio: 10, Risk: validRisk()},
		{ID: 3, Symbol: "C", Side: instrument.SideLong, MaxProfitRatio: 10, Risk: validRisk()},
		{ID: 4, Symbol: "D", Side: instrument.SideShort, MaxProfitRatio: 10, Risk: validRisk()},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	ids := r.IDs(instrument.SideLong)
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 5 {
		t.Errorf("long ids = %v, want [3 5]", ids)
	}
	if r.Count(instrument.SideShort) != 1 {
		t.Errorf("short count = %d, want 1", r.Count(instrument.SideShort))
	}
}
