package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
version: 3
pool:
  token: USD
  initial_share_price: 1000000
  epoch_duration: 3600000000
  request_time_delay: 300000000
  withdraw_fee_bps: 100
instruments:
  - id: 1
    symbol: BTC-LONG
    side: 0
    max_profit_ratio: 10
    risk:
      max_leverage: 20
      remain_collateral_ratio_bps: 100
      predicted_liquidation_fee_bps: 100
      min_collateral: 1000000
      borrowing_fee_interval: 3600000000
      funding_fee_interval: 3600000000
      max_borrowing_fee_bps: 50
      max_funding_fee_bps: 50
      max_lock_ratio_bps: 5000
  - id: 2
    symbol: BTC-SHORT
    side: 1
    max_profit_ratio: 10
    risk:
      max_leverage: 20
      remain_collateral_ratio_bps: 100
      predicted_liquidation_fee_bps: 100
      min_collateral: 1000000
      borrowing_fee_interval: 3600000000
      funding_fee_interval: 3600000000
      max_borrowing_fee_bps: 50
      max_funding_fee_bps: 50
      max_lock_ratio_bps: 5000
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSnapshot(t *testing.T) {
	snap, err := LoadSnapshot(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.Version != 3 {
		t.Fatalf("version = %d, want 3", snap.Version)
	}
	if len(snap.Instruments) != 2 {
		t.Fatalf("instruments = %d, want 2", len(snap.Instruments))
	}
	if snap.Pool.EpochDuration != 3_600_000_000 {
		t.Fatalf("epoch duration = %d", snap.Pool.EpochDuration)
	}

	reg, err := snap.BuildRegistry()
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	if reg.Version() != 3 {
		t.Fatalf("registry version = %d, want 3", reg.Version())
	}
	inst, err := reg.Get(2)
	if err != nil {
		t.Fatalf("Get(2): %v", err)
	}
	if inst.Symbol != "BTC-SHORT" {
		t.Fatalf("symbol = %q", inst.Symbol)
	}
}

func TestLoadSnapshotRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"missing version": "instruments:\n  - id: 1\npool:\n  token: USD\n",
		"no instruments":  "version: 1\npool:\n  token: USD\n  initial_share_price: 1000000\n  epoch_duration: 100\n  withdraw_fee_bps: 0\n",
		"bad pool timing": "version: 1\npool:\n  token: USD\n  initial_share_price: 1000000\n  epoch_duration: 100\n  request_time_delay: 200\n  withdraw_fee_bps: 0\ninstruments:\n  - id: 1\n",
		"not yaml at all": "{{{",
	}

	for name, body := range cases {
		if _, err := LoadSnapshot(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected error, got nil", name)
		}
	}
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	if _, err := LoadSnapshot(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadServiceDefaults(t *testing.T) {
	svc, err := LoadService()
	if err != nil {
		t.Fatalf("LoadService: %v", err)
	}
	if svc.SettlementToken != "USD" {
		t.Fatalf("token = %q, want USD", svc.SettlementToken)
	}
	if svc.PersistBatchSize != 50 {
		t.Fatalf("batch size = %d, want 50", svc.PersistBatchSize)
	}
}

func TestLoadServiceOverride(t *testing.T) {
	t.Setenv("CLEARING_SETTLEMENT_TOKEN", "USDC")
	t.Setenv("CLEARING_ORACLE_BAND_BPS", "250")
	svc, err := LoadService()
	if err != nil {
		t.Fatalf("LoadService: %v", err)
	}
	if svc.SettlementToken != "USDC" {
		t.Fatalf("token = %q, want USDC", svc.SettlementToken)
	}
	if svc.OracleBandBps != 250 {
		t.Fatalf("band = %d, want 250", svc.OracleBandBps)
	}
}
