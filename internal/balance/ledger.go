package balance

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// AccountScope is the top-level account namespace.
type AccountScope uint8

const (
	ScopeUser AccountScope = iota
	ScopeSystem
)

// SystemAccount identifies the fixed internal accounts money moves through.
type SystemAccount uint8

const (
	SystemNone SystemAccount = iota
	SystemMargin      // aggregate position collateral custody
	SystemEscrow      // funds held pending operation outcome
	SystemPoolCustody // liquidity pool's USD custody
	SystemTeam        // protocol/team fee account
)

// AccountKey addresses one balance. User accounts carry a UUID; system
// accounts carry a SystemAccount tag.
type AccountKey struct {
	Scope  AccountScope
	UserID uuid.UUID
	System SystemAccount
}

func UserAccount(userID uuid.UUID) AccountKey {
	return AccountKey{Scope: ScopeUser, UserID: userID}
}

func SystemAccountKey(sys SystemAccount) AccountKey {
	return AccountKey{Scope: ScopeSystem, System: sys}
}

// Pre-built keys for the fixed system accounts.
var (
	MarginAccount      = SystemAccountKey(SystemMargin)
	EscrowAccount      = SystemAccountKey(SystemEscrow)
	PoolCustodyAccount = SystemAccountKey(SystemPoolCustody)
	TeamAccount        = SystemAccountKey(SystemTeam)
)

// Path returns the string form for storage and logging.
func (k AccountKey) Path() string {
	if k.Scope == ScopeUser {
		return fmt.Sprintf("user:%s", k.UserID)
	}
	switch k.System {
	case SystemMargin:
		return "system:margin"
	case SystemEscrow:
		return "system:escrow"
	case SystemPoolCustody:
		return "system:pool_custody"
	case SystemTeam:
		return "system:team"
	default:
		return "system:unknown"
	}
}

// Ledger is the external balance-ledger collaborator: it can move fungible
// balances atomically and can fail. The clearing core validates and mutates
// its own state before calling into it, never after.
type Ledger interface {
	// Transfer moves amount of token from one account to another. Fails with
	// ErrInsufficientFunds if the source balance is too low. amount must be
	// positive; zero transfers are no-ops.
	Transfer(token string, from, to AccountKey, amount int64) error

	// IncreaseBalance credits an account from outside the ledger (external
	// deposit inflow).
	IncreaseBalance(token string, to AccountKey, amount int64) error

	// Balance reads the current balance of an account.
	Balance(token string, key AccountKey) int64
}

type tokenAccount struct {
	token string
	key   AccountKey
}

// MemoryLedger is the in-process Ledger implementation. Not thread-safe;
// the clearing core is single-threaded by construction.
type MemoryLedger struct {
	balances map[tokenAccount]int64
	minted   map[string]int64 // per-token external inflow total
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[tokenAccount]int64),
		minted:   make(map[string]int64),
	}
}

func (l *MemoryLedger) Transfer(token string, from, to AccountKey, amount int64) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	if from == to {
		return fmt.Errorf("self-transfer on %s", from.Path())
	}

	src := tokenAccount{token: token, key: from}
	if l.balances[src] < amount {
		return fmt.Errorf("%w: %s has %d, need %d (token %s)",
			ErrInsufficientFunds, from.Path(), l.balances[src], amount, token)
	}

	l.balances[src] -= amount
	l.balances[tokenAccount{token: token, key: to}] += amount
	return nil
}

func (l *MemoryLedger) IncreaseBalance(token string, to AccountKey, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("increase amount must be non-negative, got %d", amount)
	}
	l.balances[tokenAccount{token: token, key: to}] += amount
	l.minted[token] += amount
	return nil
}

func (l *MemoryLedger) Balance(token string, key AccountKey) int64 {
	return l.balances[tokenAccount{token: token, key: key}]
}

// TotalSupply sums all balances for a token. Transfers conserve it, so it
// must always equal the total external inflow; the zero-sum check used by
// conservation tests.
func (l *MemoryLedger) TotalSupply(token string) int64 {
	var total int64
	for acct, bal := range l.balances {
		if acct.token == token {
			total += bal
		}
	}
	return total
}

// Minted returns the cumulative external inflow for a token.
func (l *MemoryLedger) Minted(token string) int64 {
	return l.minted[token]
}

// Entry is one account balance, the unit of snapshot persistence.
type Entry struct {
	Token  string     `json:"token"`
	Key    AccountKey `json:"key"`
	Amount int64      `json:"amount"`
}

// Snapshot dumps every balance plus the per-token minted totals.
func (l *MemoryLedger) Snapshot() ([]Entry, map[string]int64) {
	entries := make([]Entry, 0, len(l.balances))
	for acct, bal := range l.balances {
		entries = append(entries, Entry{Token: acct.token, Key: acct.key, Amount: bal})
	}
	minted := make(map[string]int64, len(l.minted))
	for token, amt := range l.minted {
		minted[token] = amt
	}
	return entries, minted
}

// RestoreSnapshot replaces the ledger contents. Used on warm restart before
// any command is processed.
func (l *MemoryLedger) RestoreSnapshot(entries []Entry, minted map[string]int64) {
	l.balances = make(map[tokenAccount]int64, len(entries))
	for _, e := range entries {
		l.balances[tokenAccount{token: e.Token, key: e.Key}] = e.Amount
	}
	l.minted = make(map[string]int64, len(minted))
	for token, amt := range minted {
		l.minted[token] = amt
	}
}
