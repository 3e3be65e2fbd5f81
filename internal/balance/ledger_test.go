package balance_test

import (
	"errors"
	"testing"

	"PerpClearing/internal/balance"

	"github.com/google/uuid"
)

const usd = "USD"

func TestTransfer_InsufficientFunds(t *testing.T) {
	l := balance.NewMemoryLedger()
	user := balance.UserAccount(uuid.New())

	err := l.Transfer(usd, user, balance.MarginAccount, 100)
	if !errors.Is(err, balance.ErrInsufficientFunds) {
		t.Errorf("got %v, want ErrInsufficientFunds", err)
	}
}

func TestTransfer_MovesBalance(t *testing.T) {
	l := balance.NewMemoryLedger()
	user := balance.UserAccount(uuid.New())

	if err := l.IncreaseBalance(usd, user, 1_000_000); err != nil {
		t.Fatalf("increase: %v", err)
	}
	if err := l.Transfer(usd, user, balance.MarginAccount, 400_000); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if got := l.Balance(usd, user); got != 600_000 {
		t.Errorf("user balance = %d, want 600_000", got)
	}
	if got := l.Balance(usd, balance.MarginAccount); got != 400_000 {
		t.Errorf("margin balance = %d, want 400_000", got)
	}
}

func TestTransfer_ZeroIsNoop(t *testing.T) {
	l := balance.NewMemoryLedger()
	user := balance.UserAccount(uuid.New())
	if err := l.Transfer(usd, user, balance.MarginAccount, 0); err != nil {
		t.Errorf("zero transfer should be a no-op: %v", err)
	}
}

func TestTotalSupply_ConservedByTransfers(t *testing.T) {
	l := balance.NewMemoryLedger()
	a := balance.UserAccount(uuid.New())
	b := balance.UserAccount(uuid.New())

	l.IncreaseBalance(usd, a, 500)
	l.IncreaseBalance(usd, b, 250)

	if err := l.Transfer(usd, a, b, 200); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := l.Transfer(usd, b, balance.TeamAccount, 100); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if got, want := l.TotalSupply(usd), l.Minted(usd); got != want {
		t.Errorf("total supply %d != minted %d", got, want)
	}
}

func TestAccountKey_Path(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	if got := balance.UserAccount(id).Path(); got != "user:550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("user path = %q", got)
	}
	if got := balance.PoolCustodyAccount.Path(); got != "system:pool_custody" {
		t.Errorf("pool custody path = %q", got)
	}
}
