package pool

import (
	"errors"
	"fmt"

	"PerpClearing/internal/balance"
	"PerpClearing/internal/fixedpoint"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrEpochLocked           = errors.New("epoch no longer accepts requests")
	ErrEpochNotClosed        = errors.New("epoch is not closed yet")
	ErrPoolInsolvent         = errors.New("pool value would be negative")
	ErrInsufficientLiquidity = errors.New("insufficient unlocked pool liquidity")
	ErrInsufficientShares    = errors.New("insufficient share balance")
	ErrNothingToClaim        = errors.New("no claim recorded for this epoch")
)

// Config holds the pool parameters. Amounts are USD fixed-point, durations
// are microseconds.
type Config struct {
	Token             string `yaml:"token"`
	InitialSharePrice int64  `yaml:"initial_share_price"`
	EpochDuration     int64  `yaml:"epoch_duration"`
	RequestTimeDelay  int64  `yaml:"request_time_delay"`
	WithdrawFeeBps    int64  `yaml:"withdraw_fee_bps"`
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("pool token must be set")
	}
	if c.InitialSharePrice <= 0 {
		return fmt.Errorf("initial_share_price must be > 0, got %d", c.InitialSharePrice)
	}
	if c.EpochDuration <= 0 || c.RequestTimeDelay < 0 || c.RequestTimeDelay >= c.EpochDuration {
		return fmt.Errorf("epoch timing out of range: duration=%d delay=%d", c.EpochDuration, c.RequestTimeDelay)
	}
	if c.WithdrawFeeBps < 0 || c.WithdrawFeeBps >= fixedpoint.BpsDenominator {
		return fmt.Errorf("withdraw_fee_bps out of range: %d", c.WithdrawFeeBps)
	}
	return nil
}

type epochUser struct {
	epoch  int64
	userID uuid.UUID
}

type productKey struct {
	product       uint32
	subInstrument uint32
}

// MintInfo is the deposit batch of a closed epoch. Remaining fields shrink
// as users claim; a claim against an exhausted batch cannot pay out twice.
type MintInfo struct {
	USDValue        int64 // total deposits priced in the batch
	ShareAmount     int64 // shares minted for the batch
	RemainingShares int64
}

// BurnInfo is the withdrawal batch of a closed epoch. RequestedShares may
// exceed ShareAmount when available capital capped the batch; the unburned
// remainder returns to users pro-rata.
type BurnInfo struct {
	USDValue        int64 // payout after the withdraw fee
	ShareAmount     int64 // shares actually burned
	RequestedShares int64
	ReturnedShares  int64
	RemainingUSD    int64
	RemainingShares int64 // unburned shares not yet returned
}

// Ledger is the liquidity pool's epoch state machine: deposits and
// withdrawals accumulate during an epoch and settle in one batch at the
// closing share price. Per-user claims against a closed batch resolve
// lazily, one user at a time, and decrement the batch's remaining pool so a
// double claim is structurally impossible.
//
// Single-threaded, like the rest of the clearing core. Fund movements go
// through the injected balance ledger strictly after state checks and
// mutations.
type Ledger struct {
	cfg Config
	bal balance.Ledger
	log zerolog.Logger

	epochNumber  int64
	epochEndTime int64

	poolAmount       int64
	poolLockedAmount int64
	totalShares      int64

	userShares     map[uuid.UUID]int64
	globalDeposit  map[int64]int64 // epoch -> USD
	globalWithdraw map[int64]int64 // epoch -> shares
	userDeposit    map[epochUser]int64
	userWithdraw   map[epochUser]int64
	mintInfo       map[int64]*MintInfo
	burnInfo       map[int64]*BurnInfo

	productLocked map[productKey]int64
}

func NewLedger(cfg Config, bal balance.Ledger, log zerolog.Logger, now int64) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		cfg:            cfg,
		bal:            bal,
		log:            log,
		epochNumber:    1,
		epochEndTime:   now + cfg.EpochDuration,
		userShares:     make(map[uuid.UUID]int64),
		globalDeposit:  make(map[int64]int64),
		globalWithdraw: make(map[int64]int64),
		userDeposit:    make(map[epochUser]int64),
		userWithdraw:   make(map[epochUser]int64),
		mintInfo:       make(map[int64]*MintInfo),
		burnInfo:       make(map[int64]*BurnInfo),
		productLocked:  make(map[productKey]int64),
	}, nil
}

// ---------------------------------------------------------------------------
// Capital manager surface
// ---------------------------------------------------------------------------

// AvailableLiquidity returns unlocked pool capital.
func (l *Ledger) AvailableLiquidity() int64 {
	return l.poolAmount - l.poolLockedAmount
}

// CanLock reports whether the pool can reserve the given amount.
func (l *Ledger) CanLock(amount int64) bool {
	return amount >= 0 && amount <= l.AvailableLiquidity()
}

// LockLiquidity reserves pool capital against a (product, sub-instrument).
func (l *Ledger) LockLiquidity(product, subInstrument uint32, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("lock amount must be positive, got %d", amount)
	}
	if !l.CanLock(amount) {
		return fmt.Errorf("%w: need %d, available %d", ErrInsufficientLiquidity, amount, l.AvailableLiquidity())
	}
	l.poolLockedAmount += amount
	l.productLocked[productKey{product: product, subInstrument: subInstrument}] += amount
	return nil
}

// UnlockLiquidity releases previously locked pool capital.
func (l *Ledger) UnlockLiquidity(product, subInstrument uint32, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("unlock amount must be positive, got %d", amount)
	}
	if amount > l.poolLockedAmount {
		return fmt.Errorf("unlock %d exceeds locked %d", amount, l.poolLockedAmount)
	}
	l.poolLockedAmount -= amount
	// TODO: confirm whether the product bucket should decrement instead of
	// overwrite; the global locked amount decrements, so the per-product
	// view drifts after partial unlocks.
	l.productLocked[productKey{product: product, subInstrument: subInstrument}] = amount
	return nil
}

// ProductLocked returns the capital recorded against one (product,
// sub-instrument) bucket.
func (l *Ledger) ProductLocked(product, subInstrument uint32) int64 {
	return l.productLocked[productKey{product: product, subInstrument: subInstrument}]
}

// IncreaseLiquidity credits the pool with funds the orchestrator has already
// moved into pool custody (realized user losses, pool fees).
func (l *Ledger) IncreaseLiquidity(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("increase amount must be non-negative, got %d", amount)
	}
	l.poolAmount += amount
	return nil
}

// TransferUSD pays unlocked pool capital out of custody (user gains, pool
// fees owed elsewhere).
func (l *Ledger) TransferUSD(to balance.AccountKey, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("transfer amount must be non-negative, got %d", amount)
	}
	if amount == 0 {
		return nil
	}
	if amount > l.AvailableLiquidity() {
		return fmt.Errorf("%w: need %d, available %d", ErrInsufficientLiquidity, amount, l.AvailableLiquidity())
	}
	l.poolAmount -= amount
	return l.bal.Transfer(l.cfg.Token, balance.PoolCustodyAccount, to, amount)
}

// ---------------------------------------------------------------------------
// LP intent registration
// ---------------------------------------------------------------------------

// requestsOpen reports whether the current epoch still accepts requests.
func (l *Ledger) requestsOpen(now int64) bool {
	return now < l.epochEndTime-l.cfg.RequestTimeDelay
}

// ProvideLiquidity registers a deposit intent for the current epoch and
// pulls the funds into pool custody. Shares mint at epoch close.
func (l *Ledger) ProvideLiquidity(userID uuid.UUID, amount, now int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive, got %d", amount)
	}
	if !l.requestsOpen(now) {
		return fmt.Errorf("%w: epoch %d closes requests at %d, now %d",
			ErrEpochLocked, l.epochNumber, l.epochEndTime-l.cfg.RequestTimeDelay, now)
	}

	l.globalDeposit[l.epochNumber] += amount
	l.userDeposit[epochUser{epoch: l.epochNumber, userID: userID}] += amount

	return l.bal.Transfer(l.cfg.Token, balance.UserAccount(userID), balance.PoolCustodyAccount, amount)
}

// WithdrawShares registers a withdrawal intent for the current epoch. The
// shares leave the user's balance immediately; any portion the batch cannot
// honor comes back through the claim.
func (l *Ledger) WithdrawShares(userID uuid.UUID, shares, now int64) error {
	if shares <= 0 {
		return fmt.Errorf("share amount must be positive, got %d", shares)
	}
	if !l.requestsOpen(now) {
		return fmt.Errorf("%w: epoch %d closes requests at %d, now %d",
			ErrEpochLocked, l.epochNumber, l.epochEndTime-l.cfg.RequestTimeDelay, now)
	}
	if l.userShares[userID] < shares {
		return fmt.Errorf("%w: user %s has %d, requested %d",
			ErrInsufficientShares, userID, l.userShares[userID], shares)
	}

	l.userShares[userID] -= shares
	l.globalWithdraw[l.epochNumber] += shares
	l.userWithdraw[epochUser{epoch: l.epochNumber, userID: userID}] += shares
	return nil
}

// ---------------------------------------------------------------------------
// Epoch rollover
// ---------------------------------------------------------------------------

// sharePrice returns the closing share price given the pool-perspective
// unrealized P&L. The deposit price floors at 1 so a drained pool cannot
// mint unbounded shares; the withdraw price never floors.
func (l *Ledger) sharePrice(poolUpl int64, forDeposit bool) int64 {
	if l.totalShares == 0 {
		return l.cfg.InitialSharePrice
	}
	price := fixedpoint.MulDiv(l.poolAmount+poolUpl, fixedpoint.ShareScale, l.totalShares)
	if forDeposit && price < 1 {
		return 1
	}
	return price
}

// MoveToNextEpoch closes the current epoch at the supplied pool-perspective
// unrealized P&L: it refuses if the pool would be insolvent, prices and
// mints the deposit batch, prices the withdrawal batch capped at unlocked
// capital, and advances the epoch. Claims against the closed batches are
// resolved per-user afterwards, never here.
func (l *Ledger) MoveToNextEpoch(poolUpl, now int64) error {
	if l.poolAmount+poolUpl < 0 {
		return fmt.Errorf("%w: poolAmount %d, unrealized %d", ErrPoolInsolvent, l.poolAmount, poolUpl)
	}

	epoch := l.epochNumber
	depositPrice := l.sharePrice(poolUpl, true)
	withdrawPrice := l.sharePrice(poolUpl, false)

	// Mint batch.
	deposits := l.globalDeposit[epoch]
	minted := fixedpoint.MulDiv(deposits, fixedpoint.ShareScale, depositPrice)
	l.totalShares += minted
	l.poolAmount += deposits
	l.mintInfo[epoch] = &MintInfo{
		USDValue:        deposits,
		ShareAmount:     minted,
		RemainingShares: minted,
	}

	// Withdraw batch, capped at unlocked capital.
	requested := l.globalWithdraw[epoch]
	usdRequested := fixedpoint.MulDiv(requested, withdrawPrice, fixedpoint.ShareScale)
	usdHonored := fixedpoint.Min(usdRequested, fixedpoint.Clamp0(l.AvailableLiquidity()))

	burned := requested
	if usdHonored < usdRequested {
		burned = fixedpoint.Prorate(requested, usdHonored, usdRequested)
	}
	returned := requested - burned

	fee := fixedpoint.ApplyBps(usdHonored, l.cfg.WithdrawFeeBps)
	payout := usdHonored - fee

	l.totalShares -= burned
	l.poolAmount -= usdHonored
	l.burnInfo[epoch] = &BurnInfo{
		USDValue:        payout,
		ShareAmount:     burned,
		RequestedShares: requested,
		ReturnedShares:  returned,
		RemainingUSD:    payout,
		RemainingShares: returned,
	}

	l.epochNumber++
	l.epochEndTime = now + l.cfg.EpochDuration

	l.log.Info().
		Int64("epoch", epoch).
		Int64("deposits", deposits).Int64("minted_shares", minted).
		Int64("requested_shares", requested).Int64("burned_shares", burned).
		Int64("returned_shares", returned).Int64("payout", payout).
		Int64("pool_amount", l.poolAmount).Int64("total_shares", l.totalShares).
		Msg("epoch closed")

	if fee > 0 {
		return l.bal.Transfer(l.cfg.Token, balance.PoolCustodyAccount, balance.TeamAccount, fee)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lazy per-user claims
// ---------------------------------------------------------------------------

// ClaimMintedShares resolves one user's deposit claim against a closed
// epoch's mint batch, pro-rata by deposited USD.
func (l *Ledger) ClaimMintedShares(userID uuid.UUID, epoch int64) (int64, error) {
	if epoch >= l.epochNumber {
		return 0, fmt.Errorf("%w: epoch %d, current %d", ErrEpochNotClosed, epoch, l.epochNumber)
	}

	key := epochUser{epoch: epoch, userID: userID}
	deposited := l.userDeposit[key]
	if deposited == 0 {
		return 0, fmt.Errorf("%w: user %s epoch %d deposit", ErrNothingToClaim, userID, epoch)
	}
	mint := l.mintInfo[epoch]
	if mint == nil || mint.USDValue == 0 {
		return 0, fmt.Errorf("%w: epoch %d has no mint batch", ErrNothingToClaim, epoch)
	}

	shares := fixedpoint.Prorate(mint.ShareAmount, deposited, mint.USDValue)
	shares = fixedpoint.Min(shares, mint.RemainingShares)

	mint.RemainingShares -= shares
	delete(l.userDeposit, key)
	l.userShares[userID] += shares
	return shares, nil
}

// ClaimWithdrawal resolves one user's withdrawal claim against a closed
// epoch's burn batch: the USD payout pays out of pool custody and any
// unburned share remainder returns to the user's balance.
func (l *Ledger) ClaimWithdrawal(userID uuid.UUID, epoch int64) (usd, returnedShares int64, err error) {
	if epoch >= l.epochNumber {
		return 0, 0, fmt.Errorf("%w: epoch %d, current %d", ErrEpochNotClosed, epoch, l.epochNumber)
	}

	key := epochUser{epoch: epoch, userID: userID}
	requested := l.userWithdraw[key]
	if requested == 0 {
		return 0, 0, fmt.Errorf("%w: user %s epoch %d withdrawal", ErrNothingToClaim, userID, epoch)
	}
	burn := l.burnInfo[epoch]
	if burn == nil || burn.RequestedShares == 0 {
		return 0, 0, fmt.Errorf("%w: epoch %d has no burn batch", ErrNothingToClaim, epoch)
	}

	usd = fixedpoint.Prorate(burn.USDValue, requested, burn.RequestedShares)
	usd = fixedpoint.Min(usd, burn.RemainingUSD)
	returnedShares = fixedpoint.Prorate(burn.ReturnedShares, requested, burn.RequestedShares)
	returnedShares = fixedpoint.Min(returnedShares, burn.RemainingShares)

	burn.RemainingUSD -= usd
	burn.RemainingShares -= returnedShares
	delete(l.userWithdraw, key)
	l.userShares[userID] += returnedShares

	if usd > 0 {
		if terr := l.bal.Transfer(l.cfg.Token, balance.PoolCustodyAccount, balance.UserAccount(userID), usd); terr != nil {
			return 0, 0, terr
		}
	}
	return usd, returnedShares, nil
}

// ---------------------------------------------------------------------------
// Queries and snapshot
// ---------------------------------------------------------------------------

func (l *Ledger) EpochNumber() int64  { return l.epochNumber }
func (l *Ledger) EpochEndTime() int64 { return l.epochEndTime }
func (l *Ledger) PoolAmount() int64   { return l.poolAmount }
func (l *Ledger) LockedAmount() int64 { return l.poolLockedAmount }
func (l *Ledger) TotalShares() int64  { return l.totalShares }

// UserShares returns a user's settled share balance.
func (l *Ledger) UserShares(userID uuid.UUID) int64 {
	return l.userShares[userID]
}

// MintBatch returns the mint batch of a closed epoch, or nil.
func (l *Ledger) MintBatch(epoch int64) *MintInfo {
	return l.mintInfo[epoch]
}

// BurnBatch returns the burn batch of a closed epoch, or nil.
func (l *Ledger) BurnBatch(epoch int64) *BurnInfo {
	return l.burnInfo[epoch]
}

// Snapshot captures the scalar epoch state for persistence.
type Snapshot struct {
	EpochNumber      int64
	EpochEndTime     int64
	PoolAmount       int64
	PoolLockedAmount int64
	TotalShares      int64
}

func (l *Ledger) Snapshot() Snapshot {
	return Snapshot{
		EpochNumber:      l.epochNumber,
		EpochEndTime:     l.epochEndTime,
		PoolAmount:       l.poolAmount,
		PoolLockedAmount: l.poolLockedAmount,
		TotalShares:      l.totalShares,
	}
}

// Restore overwrites the scalar epoch state. Used on warm restart; batch and
// claim maps are rebuilt from the journal by the caller.
func (l *Ledger) Restore(s Snapshot) {
	l.epochNumber = s.EpochNumber
	l.epochEndTime = s.EpochEndTime
	l.poolAmount = s.PoolAmount
	l.poolLockedAmount = s.PoolLockedAmount
	l.totalShares = s.TotalShares
}
