// Package vault implements the share-based staking vault: users lock an
// underlying asset for shares whose value can be written down by slashing.
//
// A Vault is not safe for concurrent use. Hosts serialize operations (see
// safety.System); every entry point validates before its first mutation so a
// rejected call leaves no trace.
package vault

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/safety/pkg/access"
	"github.com/luxfi/safety/pkg/events"
	"github.com/luxfi/safety/pkg/ledger"
	"github.com/luxfi/safety/pkg/wad"
)

// Observer is told about every share balance change before it lands and
// about every cooldown activation. A non-nil error aborts the operation.
type Observer interface {
	BeforeBalanceChange(market, user common.Address, oldBalance, newBalance *uint256.Int) error
	OnCooldown(market, user common.Address) error
}

// Config describes a vault at deployment.
type Config struct {
	Address         common.Address
	Name            string
	Underlying      ledger.Ledger
	Controller      access.Principal // orchestrator
	Governance      access.Principal
	Parent          access.Pauser
	MaxStakeAmount  *uint256.Int
	CooldownSeconds uint64
	UnstakeWindow   uint64
	Clock           access.Clock
	Observers       []Observer
	Events          events.Emitter
	Logger          log.Logger
}

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Vault is one market of the safety module.
type Vault struct {
	address    common.Address
	name       string
	underlying ledger.Ledger
	controller access.Guard
	governance access.Guard
	pause      *access.PauseSwitch
	clock      access.Clock
	observers  []Observer
	emitter    events.Emitter
	logger     log.Logger

	balances        map[common.Address]*uint256.Int
	allowances      map[allowanceKey]*uint256.Int
	cooldowns       map[common.Address]uint64
	totalSupply     *uint256.Int
	totalUnderlying *uint256.Int

	maxStakeAmount  *uint256.Int
	cooldownSeconds uint64
	unstakeWindow   uint64
	postSlashing    bool
}

// New deploys a vault.
func New(cfg Config) (*Vault, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: vault address", ErrZeroAddress)
	}
	if cfg.Underlying == nil {
		return nil, fmt.Errorf("vault %s: underlying ledger required", cfg.Name)
	}
	if cfg.MaxStakeAmount == nil || cfg.MaxStakeAmount.IsZero() {
		return nil, fmt.Errorf("%w: max stake amount", ErrZeroAmount)
	}
	controller, err := access.NewGuard("vault controller", cfg.Controller)
	if err != nil {
		return nil, err
	}
	governance, err := access.NewGuard("vault governance", cfg.Governance)
	if err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = access.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Root()
	}

	return &Vault{
		address:         cfg.Address,
		name:            cfg.Name,
		underlying:      cfg.Underlying,
		controller:      controller,
		governance:      governance,
		pause:           access.NewPauseSwitch(governance, cfg.Parent),
		clock:           clock,
		observers:       append([]Observer(nil), cfg.Observers...),
		emitter:         events.OrDiscard(cfg.Events),
		logger:          logger,
		balances:        make(map[common.Address]*uint256.Int),
		allowances:      make(map[allowanceKey]*uint256.Int),
		cooldowns:       make(map[common.Address]uint64),
		totalSupply:     new(uint256.Int),
		totalUnderlying: new(uint256.Int),
		maxStakeAmount:  new(uint256.Int).Set(cfg.MaxStakeAmount),
		cooldownSeconds: cfg.CooldownSeconds,
		unstakeWindow:   cfg.UnstakeWindow,
	}, nil
}

// Stake deposits amount of the underlying for the caller.
func (v *Vault) Stake(caller common.Address, amount *uint256.Int) (*uint256.Int, error) {
	return v.StakeOnBehalfOf(caller, caller, amount)
}

// StakeOnBehalfOf pulls amount of the underlying from the caller and mints
// shares to recipient. It returns the number of shares minted.
func (v *Vault) StakeOnBehalfOf(caller, recipient common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if recipient == (common.Address{}) {
		return nil, fmt.Errorf("%w: recipient", ErrZeroAddress)
	}
	if err := access.WhenNotPaused(v.pause); err != nil {
		return nil, err
	}
	if v.postSlashing {
		return nil, ErrPostSlashing
	}

	rate, err := v.exchangeRate()
	if err != nil {
		return nil, err
	}
	if rate.IsZero() {
		return nil, ErrZeroExchangeRate
	}
	shares, err := wad.Div(amount, rate)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		return nil, fmt.Errorf("%w: %s underlying mints no shares", ErrZeroAmount, amount.Dec())
	}

	balance := v.BalanceOf(recipient)
	newBalance, err := wad.Add(balance, shares)
	if err != nil {
		return nil, err
	}
	if newBalance.Gt(v.maxStakeAmount) {
		return nil, &AboveMaxStakeError{Allowed: wad.SubFloor(v.maxStakeAmount, balance)}
	}
	newSupply, err := wad.Add(v.totalSupply, shares)
	if err != nil {
		return nil, err
	}
	newUnderlying, err := wad.Add(v.totalUnderlying, amount)
	if err != nil {
		return nil, err
	}
	if err := v.checkPull(caller, amount); err != nil {
		return nil, err
	}

	nextCooldown := v.GetNextCooldownTimestamp(0, shares, recipient, balance)

	if err := v.notify(recipient, balance, newBalance); err != nil {
		return nil, err
	}
	if err := v.underlying.TransferFrom(v.address, caller, v.address, amount); err != nil {
		return nil, err
	}

	v.cooldowns[recipient] = nextCooldown
	v.balances[recipient] = newBalance
	v.totalSupply = newSupply
	v.totalUnderlying = newUnderlying

	v.emit(events.Staked, events.Fields{
		"from":   caller.Hex(),
		"user":   recipient.Hex(),
		"amount": amount.Dec(),
		"shares": shares.Dec(),
	})
	return shares, nil
}

// Cooldown starts the caller's cooldown clock and resets their loyalty
// multiplier.
func (v *Vault) Cooldown(caller common.Address) error {
	if v.BalanceOf(caller).IsZero() {
		return ErrZeroBalanceAtCooldown
	}
	if err := access.WhenNotPaused(v.pause); err != nil {
		return err
	}
	if v.postSlashing {
		return ErrPostSlashing
	}

	for _, o := range v.observers {
		if err := o.OnCooldown(v.address, caller); err != nil {
			return err
		}
	}

	now := v.clock.Now()
	v.cooldowns[caller] = now
	v.emit(events.CooldownStarted, events.Fields{
		"user": caller.Hex(),
		"at":   fmt.Sprint(now),
	})
	return nil
}

// Redeem burns up to amount of the caller's shares for the underlying.
func (v *Vault) Redeem(caller common.Address, amount *uint256.Int) (*uint256.Int, error) {
	return v.RedeemTo(caller, caller, amount)
}

// RedeemTo burns up to amount of the caller's shares and sends the underlying
// to recipient. The amount is capped at the caller's balance. It returns the
// underlying sent.
func (v *Vault) RedeemTo(caller, recipient common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if recipient == (common.Address{}) {
		return nil, fmt.Errorf("%w: recipient", ErrZeroAddress)
	}
	if err := access.WhenNotPaused(v.pause); err != nil {
		return nil, err
	}

	start := v.cooldowns[caller]
	if start == 0 {
		return nil, &CooldownError{}
	}
	now := v.clock.Now()
	cooldownEnd := start + v.cooldownSeconds
	if now < cooldownEnd {
		return nil, &CooldownError{Until: cooldownEnd}
	}
	if windowEnd := cooldownEnd + v.unstakeWindow; now > windowEnd {
		return nil, &UnstakeWindowError{EndedAt: windowEnd}
	}

	balance := v.BalanceOf(caller)
	shares := wad.Min(amount, balance)
	if shares.IsZero() {
		return nil, ErrInsufficientBalance
	}
	rate, err := v.exchangeRate()
	if err != nil {
		return nil, err
	}
	if rate.IsZero() {
		return nil, ErrZeroExchangeRate
	}
	underlying, err := wad.Mul(shares, rate)
	if err != nil {
		return nil, err
	}
	newUnderlying, err := wad.Sub(v.totalUnderlying, underlying)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientUnderlying, err)
	}
	if held := v.underlying.BalanceOf(v.address); held.Lt(underlying) {
		return nil, fmt.Errorf("%w: holds %s, owes %s", ErrInsufficientUnderlying, held.Dec(), underlying.Dec())
	}

	newBalance := new(uint256.Int).Sub(balance, shares)
	if err := v.notify(caller, balance, newBalance); err != nil {
		return nil, err
	}
	if err := v.underlying.Transfer(v.address, recipient, underlying); err != nil {
		return nil, err
	}

	v.balances[caller] = newBalance
	v.totalSupply = new(uint256.Int).Sub(v.totalSupply, shares)
	v.totalUnderlying = newUnderlying
	if newBalance.IsZero() {
		v.cooldowns[caller] = 0
	}

	v.emit(events.Redeemed, events.Fields{
		"user":       caller.Hex(),
		"to":         recipient.Hex(),
		"shares":     shares.Dec(),
		"underlying": underlying.Dec(),
	})
	return underlying, nil
}

// Approve lets spender move up to amount of the caller's shares.
func (v *Vault) Approve(caller, spender common.Address, amount *uint256.Int) error {
	if caller == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil {
		return ErrZeroAmount
	}
	v.allowances[allowanceKey{caller, spender}] = new(uint256.Int).Set(amount)
	return nil
}

// Allowance returns the shares spender may still move for owner.
func (v *Vault) Allowance(owner, spender common.Address) *uint256.Int {
	if a, ok := v.allowances[allowanceKey{owner, spender}]; ok {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int)
}

// Transfer moves shares from the caller to to.
func (v *Vault) Transfer(caller, to common.Address, amount *uint256.Int) error {
	return v.transfer(caller, to, amount)
}

// TransferFrom moves shares from from to to using the caller's allowance.
func (v *Vault) TransferFrom(caller, from, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrZeroAmount
	}
	key := allowanceKey{from, caller}
	allowed := v.Allowance(from, caller)
	if allowed.Lt(amount) {
		return fmt.Errorf("%w: %s of %s", ErrInsufficientAllowance, allowed.Dec(), amount.Dec())
	}
	if err := v.transfer(from, to, amount); err != nil {
		return err
	}
	v.allowances[key] = new(uint256.Int).Sub(allowed, amount)
	return nil
}

func (v *Vault) transfer(from, to common.Address, amount *uint256.Int) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil {
		return ErrZeroAmount
	}
	if err := access.WhenNotPaused(v.pause); err != nil {
		return err
	}
	fromBalance := v.BalanceOf(from)
	if fromBalance.Lt(amount) {
		return fmt.Errorf("%w: has %s, sending %s", ErrInsufficientBalance, fromBalance.Dec(), amount.Dec())
	}
	if from == to || amount.IsZero() {
		v.emit(events.SharesTransferred, events.Fields{"from": from.Hex(), "to": to.Hex(), "amount": amount.Dec()})
		return nil
	}

	toBalance := v.BalanceOf(to)
	newTo, err := wad.Add(toBalance, amount)
	if err != nil {
		return err
	}
	if newTo.Gt(v.maxStakeAmount) {
		return &AboveMaxStakeError{Allowed: wad.SubFloor(v.maxStakeAmount, toBalance)}
	}
	newFrom := new(uint256.Int).Sub(fromBalance, amount)

	senderCooldown := v.cooldowns[from]
	recipientCooldown := v.GetNextCooldownTimestamp(senderCooldown, amount, to, toBalance)

	if err := v.notify(from, fromBalance, newFrom); err != nil {
		return err
	}
	if err := v.notify(to, toBalance, newTo); err != nil {
		return err
	}

	v.cooldowns[to] = recipientCooldown
	if newFrom.IsZero() && senderCooldown != 0 {
		v.cooldowns[from] = 0
	}
	v.balances[from] = newFrom
	v.balances[to] = newTo

	v.emit(events.SharesTransferred, events.Fields{"from": from.Hex(), "to": to.Hex(), "amount": amount.Dec()})
	return nil
}

// GetNextCooldownTimestamp computes the cooldown start a recipient ends up
// with after receiving amountIn shares carrying the sender's cooldown fromTs.
//
//  1. an empty recipient inherits the sender's clock;
//  2. a recipient whose cooldown expired (or never started) gets none;
//  3. an expired sender clock counts as now;
//  4. a recipient never moves backwards;
//  5. otherwise the two clocks are averaged, weighted by balance.
func (v *Vault) GetNextCooldownTimestamp(fromTs uint64, amountIn *uint256.Int, to common.Address, toBalance *uint256.Int) uint64 {
	if toBalance.IsZero() {
		return fromTs
	}
	toTs := v.cooldowns[to]
	now := v.clock.Now()
	var minValid uint64
	if window := v.cooldownSeconds + v.unstakeWindow; now > window {
		minValid = now - window
	}
	if toTs == 0 || toTs < minValid {
		return 0
	}

	effectiveFrom := fromTs
	if fromTs <= minValid {
		effectiveFrom = now
	}
	if effectiveFrom < toTs {
		return toTs
	}

	weighted := new(uint256.Int).Mul(uint256.NewInt(effectiveFrom), amountIn)
	weighted.Add(weighted, new(uint256.Int).Mul(uint256.NewInt(toTs), toBalance))
	total := new(uint256.Int).Add(amountIn, toBalance)
	return new(uint256.Int).Div(weighted, total).Uint64()
}

// Slash moves up to amount of the underlying to recipient and enters the
// post-slashing state. It returns the amount actually moved.
func (v *Vault) Slash(caller, recipient common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := v.controller.Check(caller); err != nil {
		return nil, err
	}
	if v.postSlashing {
		return nil, ErrPostSlashing
	}
	if amount == nil || amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if recipient == (common.Address{}) {
		return nil, fmt.Errorf("%w: slash recipient", ErrZeroAddress)
	}

	slashed := wad.Min(amount, v.totalUnderlying)
	if held := v.underlying.BalanceOf(v.address); held.Lt(slashed) {
		return nil, fmt.Errorf("%w: holds %s, slashing %s", ErrInsufficientUnderlying, held.Dec(), slashed.Dec())
	}
	if err := v.underlying.Transfer(v.address, recipient, slashed); err != nil {
		return nil, err
	}
	v.totalUnderlying = new(uint256.Int).Sub(v.totalUnderlying, slashed)
	v.postSlashing = true

	v.logger.Info("Vault slashed",
		"vault", v.name,
		"amount", slashed.Dec(),
		"recipient", recipient.Hex(),
		"exchangeRate", wad.Format(v.ExchangeRate()))
	v.emit(events.Slashed, events.Fields{
		"recipient": recipient.Hex(),
		"requested": amount.Dec(),
		"amount":    slashed.Dec(),
	})
	return slashed, nil
}

// SettleSlashing leaves the post-slashing state.
func (v *Vault) SettleSlashing(caller common.Address) error {
	if err := v.controller.Check(caller); err != nil {
		return err
	}
	if !v.postSlashing {
		return ErrNotPostSlashing
	}
	v.postSlashing = false
	v.logger.Info("Slashing settled", "vault", v.name, "exchangeRate", wad.Format(v.ExchangeRate()))
	v.emit(events.SlashingSettled, events.Fields{"exchangeRate": v.ExchangeRate().Dec()})
	return nil
}

// ReturnFunds pulls amount of the underlying from donor into the vault,
// raising the exchange rate.
func (v *Vault) ReturnFunds(caller, donor common.Address, amount *uint256.Int) error {
	if err := v.controller.Check(caller); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	if donor == (common.Address{}) {
		return fmt.Errorf("%w: donor", ErrZeroAddress)
	}
	newUnderlying, err := wad.Add(v.totalUnderlying, amount)
	if err != nil {
		return err
	}
	if err := v.underlying.TransferFrom(v.address, donor, v.address, amount); err != nil {
		return err
	}
	v.totalUnderlying = newUnderlying

	v.logger.Info("Funds returned", "vault", v.name, "donor", donor.Hex(), "amount", amount.Dec())
	v.emit(events.FundsReturned, events.Fields{
		"donor":        donor.Hex(),
		"amount":       amount.Dec(),
		"exchangeRate": v.ExchangeRate().Dec(),
	})
	return nil
}

// SetMaxStakeAmount changes the per-user share cap.
func (v *Vault) SetMaxStakeAmount(caller common.Address, amount *uint256.Int) error {
	if err := v.governance.Check(caller); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	old := v.maxStakeAmount
	v.maxStakeAmount = new(uint256.Int).Set(amount)
	v.emit(events.MaxStakeAmountUpdated, events.Fields{"old": old.Dec(), "new": amount.Dec()})
	return nil
}

// Pause stops staking, redemption and share transfers on this vault.
func (v *Vault) Pause(caller common.Address) error { return v.pause.Pause(caller) }

// Unpause lifts this vault's own pause.
func (v *Vault) Unpause(caller common.Address) error { return v.pause.Unpause(caller) }

// ExchangeRate is the WAD amount of underlying backing one share; 1.0 while
// no shares exist. A rate too large to represent reads as zero, which the
// previews treat as "nothing can be minted or redeemed".
func (v *Vault) ExchangeRate() *uint256.Int {
	rate, err := v.exchangeRate()
	if err != nil {
		v.logger.Warn("Exchange rate unrepresentable", "vault", v.name, "error", err)
		return new(uint256.Int)
	}
	return rate
}

func (v *Vault) exchangeRate() (*uint256.Int, error) {
	if v.totalSupply.IsZero() {
		return wad.One(), nil
	}
	return wad.Div(v.totalUnderlying, v.totalSupply)
}

// PreviewStake returns the shares amount of underlying would mint now.
func (v *Vault) PreviewStake(amount *uint256.Int) *uint256.Int {
	rate := v.ExchangeRate()
	if rate.IsZero() {
		return new(uint256.Int)
	}
	shares, err := wad.Div(amount, rate)
	if err != nil {
		return new(uint256.Int)
	}
	return shares
}

// PreviewRedeem returns the underlying shares would redeem for now.
func (v *Vault) PreviewRedeem(shares *uint256.Int) *uint256.Int {
	rate := v.ExchangeRate()
	if rate.IsZero() {
		return new(uint256.Int)
	}
	underlying, err := wad.Mul(shares, rate)
	if err != nil {
		return new(uint256.Int)
	}
	return underlying
}

// Address returns the vault's address, which is also its share token.
func (v *Vault) Address() common.Address { return v.address }

// Name returns the share token name.
func (v *Vault) Name() string { return v.name }

// Underlying returns the ledger of the staked asset.
func (v *Vault) Underlying() ledger.Ledger { return v.underlying }

// Controller returns the principal allowed to slash and settle.
func (v *Vault) Controller() common.Address { return v.controller.Trusted() }

// CooldownSeconds is how long a cooldown lasts before redemption opens.
func (v *Vault) CooldownSeconds() uint64 { return v.cooldownSeconds }

// UnstakeWindow is how long redemption stays open after a cooldown.
func (v *Vault) UnstakeWindow() uint64 { return v.unstakeWindow }

// IsInPostSlashingState reports whether a slash is awaiting settlement.
func (v *Vault) IsInPostSlashingState() bool { return v.postSlashing }

// Paused reports whether this vault or its parent is paused.
func (v *Vault) Paused() bool { return v.pause.Paused() }

// CooldownStart returns the user's cooldown start, zero if none.
func (v *Vault) CooldownStart(user common.Address) uint64 { return v.cooldowns[user] }

// MaxStakeAmount is the per-user share cap.
func (v *Vault) MaxStakeAmount() *uint256.Int { return new(uint256.Int).Set(v.maxStakeAmount) }

// TotalSupply is the number of shares outstanding.
func (v *Vault) TotalSupply() *uint256.Int { return new(uint256.Int).Set(v.totalSupply) }

// TotalUnderlying is the underlying the vault accounts for.
func (v *Vault) TotalUnderlying() *uint256.Int { return new(uint256.Int).Set(v.totalUnderlying) }

// BalanceOf returns the user's share balance.
func (v *Vault) BalanceOf(user common.Address) *uint256.Int {
	if b, ok := v.balances[user]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

func (v *Vault) notify(user common.Address, oldBalance, newBalance *uint256.Int) error {
	for _, o := range v.observers {
		if err := o.BeforeBalanceChange(v.address, user, oldBalance, newBalance); err != nil {
			return err
		}
	}
	return nil
}

func (v *Vault) checkPull(from common.Address, amount *uint256.Int) error {
	if v.underlying.Allowance(from, v.address).Lt(amount) || v.underlying.BalanceOf(from).Lt(amount) {
		return fmt.Errorf("%w: %s of %s from %s", ErrInsufficientUnderlyingPull, amount.Dec(), v.underlying.Symbol(), from.Hex())
	}
	return nil
}

func (v *Vault) emit(kind events.Kind, fields events.Fields) {
	v.emitter.Emit(events.New(events.TopicVault, kind, v.address, v.clock.Now(), fields))
}
