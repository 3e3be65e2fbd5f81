package pool_test

import (
	"errors"
	"testing"

	"PerpClearing/internal/balance"
	"PerpClearing/internal/pool"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	usd           = "USD"
	epochDuration int64 = 1_000_000_000 // 1000s
	requestDelay  int64 = 100_000_000   // 100s
)

func testConfig() pool.Config {
	return pool.Config{
		Token:             usd,
		InitialSharePrice: 1_000_000,
		EpochDuration:     epochDuration,
		RequestTimeDelay:  requestDelay,
		WithdrawFeeBps:    100,
	}
}

func newLedger(t *testing.T, bal balance.Ledger) *pool.Ledger {
	t.Helper()
	l, err := pool.NewLedger(testConfig(), bal, zerolog.Nop(), 0)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

func fund(t *testing.T, bal *balance.MemoryLedger, user uuid.UUID, amount int64) {
	t.Helper()
	if err := bal.IncreaseBalance(usd, balance.UserAccount(user), amount); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

// ============================================================
// Deposits and minting
// ============================================================

func TestMint_ZeroPriorSupply(t *testing.T) {
	bal := balance.NewMemoryLedger()
	l := newLedger(t, bal)
	user := uuid.New()
	fund(t, bal, user, 5_000_000)

	if err := l.ProvideLiquidity(user, 5_000_000, 10); err != nil {
		t.Fatalf("provide: %v", err)
	}
	if err := l.MoveToNextEpoch(0, epochDuration); err != nil {
		t.Fatalf("rollover: %v", err)
	}

	// At the initial price of 1.0, 5 USD of deposits mints 5_000_000 share
	// units.
	mint := l.MintBatch(1)
	if mint == nil || mint.ShareAmount != 5_000_000 {
		t.Fatalf("mint batch = %+v, want 5_000_000 shares", mint)
	}

	shares, err := l.ClaimMintedShares(user, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if shares != 5_000_000 {
		t.Errorf("claimed %d shares, want 5_000_000", shares)
	}
	if l.UserShares(user) != 5_000_000 {
		t.Errorf("user shares = %d", l.UserShares(user))
	}
	if l.TotalShares() != 5_000_000 || l.PoolAmount() != 5_000_000 {
		t.Errorf("pool state: shares=%d amount=%d", l.TotalShares(), l.PoolAmount())
	}
}

func TestMint_ProRataAcrossUsers(t *testing.T) {
	bal := balance.NewMemoryLedger()
	l := newLedger(t, bal)
	a, b := uuid.New(), uuid.New()
	fund(t, bal, a, 6_000_000_000)
	fund(t, bal, b, 4_000_000_000)

	if err := l.ProvideLiquidity(a, 6_000_000_000, 10); err != nil {
		t.Fatalf("provide a: %v", err)
	}
	if err := l.ProvideLiquidity(b, 4_000_000_000, 20); err != nil {
		t.Fatalf("provide b: %v", err)
	}
	if err := l.MoveToNextEpoch(0, epochDuration); err != nil {
		t.Fatalf("rollover: %v", err)
	}

	sa, err := l.ClaimMintedShares(a, 1)
	if err != nil {
		t.Fatalf("claim a: %v", err)
	}
	sb, err := l.ClaimMintedShares(b, 1)
	if err != nil {
		t.Fatalf("claim b: %v", err)
	}
	if sa != 6_000_000_000 || sb != 4_000_000_000 {
		t.Errorf("shares = %d/%d, want 6e9/4e9", sa, sb)
	}
	if sa+sb != l.MintBatch(1).ShareAmount {
		t.Errorf("claims %d != minted %d", sa+sb, l.MintBatch(1).ShareAmount)
	}
}

func TestClaim_DoubleClaimStructurallyImpossible(t *testing.T) {
	bal := balance.NewMemoryLedger()
	l := newLedger(t, bal)
	user := uuid.New()
	fund(t, bal, user, 1_000_000)

	l.ProvideLiquidity(user, 1_000_000, 10)
	l.MoveToNextEpoch(0, epochDuration)

	if _, err := l.ClaimMintedShares(user, 1); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := l.ClaimMintedShares(user, 1); !errors.Is(err, pool.ErrNothingToClaim) {
		t.Errorf("second claim: got %v, want ErrNothingToClaim", err)
	}
}

func TestClaim_OpenEpochRefused(t *testing.T) {
	bal := balance.NewMemoryLedger()
	l := newLedger(t, bal)
	user := uuid.New()
	fund(t, bal, user, 1_000_000)
	l.ProvideLiquidity(user, 1_000_000, 10)

	if _, err := l.ClaimMintedShares(user, 1); !errors.Is(err, pool.ErrEpochNotClosed) {
		t.Errorf("got %v, want ErrEpochNotClosed", err)
	}
}

// ============================================================
// Time gate
// ============================================================

func TestRequests_TimeGated(t *testing.T) {
	bal := balance.NewMemoryLedger()
	l := newLedger(t, bal)
	user := uuid.New()
	fund(t, bal, user, 2_000_000)

	// Requests close requestDelay before the epoch end.
	cutoff := epochDuration - requestDelay
	if err := l.ProvideLiquidity(user, 1_000_000, cutoff-1); err != nil {
		t.Fatalf("deposit before cutoff: %v", err)
	}
	if err := l.ProvideLiquidity(user, 1_000_000, cutoff); !errors.Is(err, pool.ErrEpochLocked) {
		t.Errorf("deposit at cutoff: got %v, want ErrEpochLocked", err)
	}
	if err := l.WithdrawShares(user, 1, cutoff); !errors.Is(err, pool.ErrEpochLocked) {
		t.Errorf("withdraw at cutoff: got %v, want ErrEpochLocked", err)
	}
}

// ============================================================
// Withdrawals
// ============================================================

// seedPool funds two users 60/40, deposits, rolls the epoch, and claims the
// minted shares so withdrawal tests start from a settled 10_000 USD pool.
func seedPool(t *testing.T, bal *balance.MemoryLedger, l *pool.Ledger) (a, b uuid.UUID) {
	t.Helper()
	a, b = uuid.New(), uuid.New()
	fund(t, bal, a, 6_000_000_000)
	fund(t, bal, b, 4_000_000_000)
	if err := l.ProvideLiquidity(a, 6_000_000_000, 10); err != nil {
		t.Fatalf("provide a: %v", err)
	}
	if err := l.ProvideLiquidity(b, 4_000_000_000, 20); err != nil {
		t.Fatalf("provide b: %v", err)
	}
	if err := l.MoveToNextEpoch(0, epochDuration); err != nil {
		t.Fatalf("seed rollover: %v", err)
	}
	if _, err := l.ClaimMintedShares(a, 1); err != nil {
		t.Fatalf("seed claim a: %v", err)
	}
	if _, err := l.ClaimMintedShares(b, 1); err != nil {
		t.Fatalf("seed claim b: %v", err)
	}
	return a, b
}

func TestWithdraw_FullAtPar(t *testing.T) {
	bal := balance.NewMemoryLedger()
	l := newLedger(t, bal)
	a, _ := seedPool(t, bal, l)

	now := epochDuration + 10
	if err := l.WithdrawShares(a, 6_000_000_000, now); err != nil {
		t.Fatalf("withdraw request: %v", err)
	}
	if l.UserShares(a) != 0 {
		t.Errorf("shares must leave the balance at request time, have %d", l.UserShares(a))
	}

	if err := l.MoveToNextEpoch(0, 2*epochDuration); err != nil {
		t.Fatalf("rollover: %v", err)
	}

	burn := l.BurnBatch(2)
	if burn.ShareAmount != 6_000_000_000 || burn.ReturnedShares != 0 {
		t.Fatalf("burn batch = %+v", burn)
	}
	// 6000 USD at par less the 1% withdraw fee.
	if burn.USDValue != 5_940_000_000 {
		t.Errorf("payout = %d, want 5_940_000_000", burn.USDValue)
	}

	usd, returned, err := l.ClaimWithdrawal(a, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if usd != 5_940_000_000 || returned != 0 {
		t.Errorf("claim = %d/%d", usd, returned)
	}
	if got := bal.Balance("USD", balance.UserAccount(a)); got != 5_940_000_000 {
		t.Errorf("user balance = %d", got)
	}
	if got := bal.Balance("USD", balance.TeamAccount); got != 60_000_000 {
		t.Errorf("team fee = %d, want 60_000_000", got)
	}
}

func TestWithdraw_CappedAtAvailableCapital(t *testing.T) {
	bal := balance.NewMemoryLedger()
	l := newLedger(t, bal)
	a, b := seedPool(t, bal, l)

	// Lock 7000 of the 10_000 USD pool; only 3000 is withdrawable.
	if err := l.LockLiquidity(1, 0, 7_000_000_000); err != nil {
		t.Fatalf("lock: %v", err)
	}

	now := epochDuration + 10
	if err := l.WithdrawShares(a, 6_000_000_000, now); err != nil {
		t.Fatalf("withdraw a: %v", err)
	}
	if err := l.WithdrawShares(b, 4_000_000_000, now); err != nil {
		t.Fatalf("withdraw b: %v", err)
	}
	if err := l.MoveToNextEpoch(0, 2*epochDuration); err != nil {
		t.Fatalf("rollover: %v", err)
	}

	burn := l.BurnBatch(2)
	if burn.ShareAmount+burn.ReturnedShares != burn.RequestedShares {
		t.Errorf("burned %d + returned %d != requested %d",
			burn.ShareAmount, burn.ReturnedShares, burn.RequestedShares)
	}
	if burn.ShareAmount != 3_000_000_000 || burn.ReturnedShares != 7_000_000_000 {
		t.Errorf("burn batch = %+v", burn)
	}

	usdA, retA, err := l.ClaimWithdrawal(a, 2)
	if err != nil {
		t.Fatalf("claim a: %v", err)
	}
	usdB, retB, err := l.ClaimWithdrawal(b, 2)
	if err != nil {
		t.Fatalf("claim b: %v", err)
	}

	// 3000 honored less 1% fee = 2970, split 60/40; 7000 shares return
	// pro-rata the same way.
	if usdA != 1_782_000_000 || usdB != 1_188_000_000 {
		t.Errorf("payouts = %d/%d", usdA, usdB)
	}
	if retA != 4_200_000_000 || retB != 2_800_000_000 {
		t.Errorf("returned shares = %d/%d", retA, retB)
	}
	if l.UserShares(a) != retA || l.UserShares(b) != retB {
		t.Error("returned shares must land back on the user balances")
	}

	// Custody reconciles with the pool amount after all claims.
	if got := bal.Balance(usd, balance.PoolCustodyAccount); got != l.PoolAmount() {
		t.Errorf("custody %d != poolAmount %d", got, l.PoolAmount())
	}
}

// ============================================================
// Rollover guards and capital locks
// ============================================================

func TestMoveToNextEpoch_RefusesInsolvency(t *testing.T) {
	bal := balance.NewMemoryLedger()
	l := newLedger(t, bal)
	seedPool(t, bal, l)

	err := l.MoveToNextEpoch(-10_000_000_001, 2*epochDuration)
	if !errors.Is(err, pool.ErrPoolInsolvent) {
		t.Errorf("got %v, want ErrPoolInsolvent", err)
	}

	// Exactly zero pool value is still solvent.
	if err := l.MoveToNextEpoch(-10_000_000_000, 2*epochDuration); err != nil {
		t.Errorf("zero pool value must roll: %v", err)
	}
}

func TestLockLiquidity_Bounds(t *testing.T) {
	bal := balance.NewMemoryLedger()
	l := newLedger(t, bal)
	seedPool(t, bal, l)

	if err := l.LockLiquidity(1, 0, 10_000_000_001); !errors.Is(err, pool.ErrInsufficientLiquidity) {
		t.Errorf("got %v, want ErrInsufficientLiquidity", err)
	}
	if err := l.LockLiquidity(1, 0, 10_000_000_000); err != nil {
		t.Fatalf("full lock: %v", err)
	}
	if l.AvailableLiquidity() != 0 || l.CanLock(1) {
		t.Error("fully locked pool must report no capacity")
	}
}

func TestUnlockLiquidity_ProductBucketOverwrites(t *testing.T) {
	bal := balance.NewMemoryLedger()
	l := newLedger(t, bal)
	seedPool(t, bal, l)

	l.LockLiquidity(1, 0, 500_000_000)
	l.LockLiquidity(1, 0, 300_000_000)
	if l.ProductLocked(1, 0) != 800_000_000 {
		t.Fatalf("product bucket = %d after locks", l.ProductLocked(1, 0))
	}

	if err := l.UnlockLiquidity(1, 0, 300_000_000); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if l.LockedAmount() != 500_000_000 {
		t.Errorf("global locked = %d, want 500_000_000", l.LockedAmount())
	}
	// The product bucket is overwritten with the unlock amount, not
	// decremented. Pinned pending confirmation of intent.
	if l.ProductLocked(1, 0) != 300_000_000 {
		t.Errorf("product bucket = %d, overwrite semantics expected", l.ProductLocked(1, 0))
	}
}

func TestTransferUSD_RespectsLocks(t *testing.T) {
	bal := balance.NewMemoryLedger()
	l := newLedger(t, bal)
	a, _ := seedPool(t, bal, l)

	l.LockLiquidity(1, 0, 9_500_000_000)

	err := l.TransferUSD(balance.UserAccount(a), 600_000_000)
	if !errors.Is(err, pool.ErrInsufficientLiquidity) {
		t.Errorf("got %v, want ErrInsufficientLiquidity", err)
	}
	if err := l.TransferUSD(balance.UserAccount(a), 500_000_000); err != nil {
		t.Fatalf("transfer within available: %v", err)
	}
	if l.PoolAmount() != 9_500_000_000 {
		t.Errorf("pool amount = %d after payout", l.PoolAmount())
	}
}
