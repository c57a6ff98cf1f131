// Package rewards distributes inflationary reward tokens to vault stakers.
//
// Each (reward token, market) pair keeps a cumulative reward per share that
// only grows. A user's reward since their last checkpoint is their stored
// position times the growth of that accumulator, scaled by a loyalty
// multiplier that rises with uninterrupted staking time. Vaults notify the
// Accountant before every balance change so the accumulators always see the
// pre-mutation position.
package rewards

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

const (
	MaxRewardTokens = 20
	TotalWeightBps  = 10_000

	secondsPerDay  = 24 * 60 * 60
	secondsPerYear = 365 * secondsPerDay
)

var (
	MaxInflationRate   = wad.Units(5_000_000)
	MinReductionFactor = wad.One()
	MaxReductionFactor = wad.Units(5)
	MinMaxMultiplier   = wad.One()
	MaxMaxMultiplier   = wad.Units(10)
	MinSmoothingValue  = wad.Units(10)
	MaxSmoothingValue  = wad.Units(100)

	wadSquared = new(uint256.Int).Mul(wad.One(), wad.One())
)

// Market is a staking market whose share balances earn rewards.
type Market interface {
	Address() common.Address
	BalanceOf(user common.Address) *uint256.Int
}

// Config describes an accountant at deployment.
type Config struct {
	Address             common.Address
	Governance          access.Principal
	Controller          access.Principal // orchestrator; registers markets
	Parent              access.Pauser
	Reserve             common.Address // funding reserve claims are paid from
	MaxRewardMultiplier *uint256.Int
	SmoothingValue      *uint256.Int
	Clock               access.Clock
	Events              events.Emitter
	Logger              log.Logger
}

type tokenConfig struct {
	ledger           ledger.Ledger
	initialRate      *uint256.Int
	reductionFactor  *uint256.Int
	initialTimestamp uint64
	paused           bool
	markets          []common.Address
	weights          map[common.Address]uint64
}

type tokenMarket struct{ token, market common.Address }

type marketUser struct{ market, user common.Address }

type userTokenMarket struct{ user, token, market common.Address }

type userToken struct{ user, token common.Address }

type marketState struct {
	cumulative *uint256.Int
	lastUpdate uint64
}

// Accountant is the reward distributor for every market of the safety
// module. Like the vault it is not safe for concurrent use.
type Accountant struct {
	address    common.Address
	governance access.Guard
	controller access.Guard
	pause      *access.PauseSwitch
	clock      access.Clock
	emitter    events.Emitter
	logger     log.Logger

	reserve       common.Address
	maxMultiplier *uint256.Int
	smoothing     *uint256.Int

	markets   []Market
	marketIdx map[common.Address]int

	tokens    []common.Address
	tokenCfgs map[common.Address]*tokenConfig

	state           map[tokenMarket]*marketState
	liquidity       map[common.Address]*uint256.Int
	positions       map[marketUser]*uint256.Int
	multiplierStart map[marketUser]uint64
	checkpoints     map[userTokenMarket]*uint256.Int
	accrued         map[userToken]*uint256.Int
	unclaimed       map[common.Address]*uint256.Int
}

// New deploys an accountant with no markets and no reward tokens.
func New(cfg Config) (*Accountant, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: accountant address", ErrZeroAddress)
	}
	if cfg.Reserve == (common.Address{}) {
		return nil, fmt.Errorf("%w: reserve", ErrZeroAddress)
	}
	if err := checkMaxMultiplier(cfg.MaxRewardMultiplier); err != nil {
		return nil, err
	}
	if err := checkSmoothingValue(cfg.SmoothingValue); err != nil {
		return nil, err
	}
	governance, err := access.NewGuard("rewards governance", cfg.Governance)
	if err != nil {
		return nil, err
	}
	controller, err := access.NewGuard("rewards controller", cfg.Controller)
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

	return &Accountant{
		address:         cfg.Address,
		governance:      governance,
		controller:      controller,
		pause:           access.NewPauseSwitch(governance, cfg.Parent),
		clock:           clock,
		emitter:         events.OrDiscard(cfg.Events),
		logger:          logger,
		reserve:         cfg.Reserve,
		maxMultiplier:   new(uint256.Int).Set(cfg.MaxRewardMultiplier),
		smoothing:       new(uint256.Int).Set(cfg.SmoothingValue),
		marketIdx:       make(map[common.Address]int),
		tokenCfgs:       make(map[common.Address]*tokenConfig),
		state:           make(map[tokenMarket]*marketState),
		liquidity:       make(map[common.Address]*uint256.Int),
		positions:       make(map[marketUser]*uint256.Int),
		multiplierStart: make(map[marketUser]uint64),
		checkpoints:     make(map[userTokenMarket]*uint256.Int),
		accrued:         make(map[userToken]*uint256.Int),
		unclaimed:       make(map[common.Address]*uint256.Int),
	}, nil
}

// InitMarket makes market known to the accountant. Only the controller may
// call it, once per market.
func (a *Accountant) InitMarket(caller common.Address, market Market) error {
	if err := a.controller.Check(caller); err != nil {
		return err
	}
	if market == nil || market.Address() == (common.Address{}) {
		return fmt.Errorf("%w: market", ErrZeroAddress)
	}
	addr := market.Address()
	if _, ok := a.marketIdx[addr]; ok {
		return fmt.Errorf("%w: %s", ErrMarketAlreadyInitialized, addr.Hex())
	}

	now := a.clock.Now()
	a.marketIdx[addr] = len(a.markets)
	a.markets = append(a.markets, market)
	a.liquidity[addr] = new(uint256.Int)
	for _, token := range a.tokens {
		a.state[tokenMarket{token, addr}] = &marketState{cumulative: new(uint256.Int), lastUpdate: now}
	}
	a.emit(events.MarketInitialized, events.Fields{"market": addr.Hex()})
	return nil
}

// BeforeBalanceChange is the vault notification that a user's share balance
// moves from oldBalance to newBalance. It accrues against the stored position,
// books the new one and rebases the loyalty clock.
func (a *Accountant) BeforeBalanceChange(market, user common.Address, oldBalance, newBalance *uint256.Int) error {
	if _, ok := a.marketIdx[market]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, market.Hex())
	}
	now := a.clock.Now()
	key := marketUser{market, user}
	prev := a.Position(market, user)

	plan, err := a.planUser(market, user, now)
	if err != nil {
		return err
	}
	liquidity, err := wad.Add(wad.SubFloor(a.TotalLiquidity(market), prev), newBalance)
	if err != nil {
		return err
	}
	start, err := a.rebasedStart(key, prev, newBalance, now)
	if err != nil {
		return err
	}

	a.commit(plan, now)
	a.liquidity[market] = liquidity
	if newBalance.IsZero() {
		delete(a.positions, key)
		delete(a.multiplierStart, key)
	} else {
		a.positions[key] = new(uint256.Int).Set(newBalance)
		a.multiplierStart[key] = start
	}

	a.emit(events.PositionUpdated, events.Fields{
		"market":   market.Hex(),
		"user":     user.Hex(),
		"previous": prev.Dec(),
		"observed": oldBalance.Dec(),
		"new":      newBalance.Dec(),
	})
	return nil
}

// rebasedStart keeps the share of the loyalty age that the previous position
// makes up of the new one: now - age*floor(prev/next). Decreases leave the
// clock untouched.
func (a *Accountant) rebasedStart(key marketUser, prev, next *uint256.Int, now uint64) (uint64, error) {
	start := a.multiplierStart[key]
	if !next.Gt(prev) {
		return start, nil
	}
	share, err := wad.Div(prev, next)
	if err != nil {
		return 0, err
	}
	age := uint64(0)
	if now > start {
		age = now - start
	}
	kept, err := wad.Mul(uint256.NewInt(age), share)
	if err != nil {
		return 0, err
	}
	return now - kept.Uint64(), nil
}

// OnCooldown accrues the user's rewards in market and restarts their loyalty
// multiplier at 1x.
func (a *Accountant) OnCooldown(market, user common.Address) error {
	if _, ok := a.marketIdx[market]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, market.Hex())
	}
	now := a.clock.Now()
	plan, err := a.planUser(market, user, now)
	if err != nil {
		return err
	}
	a.commit(plan, now)

	key := marketUser{market, user}
	if _, ok := a.positions[key]; ok {
		a.multiplierStart[key] = now
	}
	a.emit(events.MultiplierReset, events.Fields{"market": market.Hex(), "user": user.Hex()})
	return nil
}

// AccrueRewards brings the user's accrued balances in market up to date.
func (a *Accountant) AccrueRewards(market, user common.Address) error {
	if _, ok := a.marketIdx[market]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, market.Hex())
	}
	now := a.clock.Now()
	plan, err := a.planUser(market, user, now)
	if err != nil {
		return err
	}
	a.commit(plan, now)
	return nil
}

// AccrueAllRewards brings the user's accrued balances in every market up to
// date.
func (a *Accountant) AccrueAllRewards(user common.Address) error {
	now := a.clock.Now()
	var plan []accrual
	for _, m := range a.markets {
		p, err := a.planUser(m.Address(), user, now)
		if err != nil {
			return err
		}
		plan = append(plan, p...)
	}
	a.commit(plan, now)
	return nil
}

// RegisterPositions books the caller's existing balances in markets that the
// accountant has not tracked for them yet. No rewards are granted for time
// before registration.
func (a *Accountant) RegisterPositions(caller common.Address, markets []common.Address) error {
	now := a.clock.Now()
	seen := make(map[common.Address]bool, len(markets))
	balances := make([]*uint256.Int, len(markets))
	var plan []accrual
	for i, addr := range markets {
		idx, ok := a.marketIdx[addr]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownMarket, addr.Hex())
		}
		if seen[addr] {
			return fmt.Errorf("%w: %s", ErrDuplicateMarket, addr.Hex())
		}
		seen[addr] = true
		if !a.Position(addr, caller).IsZero() {
			return fmt.Errorf("%w: %s", ErrPositionAlreadyRegistered, addr.Hex())
		}
		balances[i] = a.markets[idx].BalanceOf(caller)
		p, err := a.planMarket(addr, now)
		if err != nil {
			return err
		}
		plan = append(plan, p...)
	}

	a.commit(plan, now)
	for i, addr := range markets {
		if balances[i].IsZero() {
			continue
		}
		key := marketUser{addr, caller}
		a.liquidity[addr] = new(uint256.Int).Add(a.TotalLiquidity(addr), balances[i])
		a.positions[key] = balances[i]
		a.multiplierStart[key] = now
		for _, token := range a.tokens {
			a.checkpoints[userTokenMarket{caller, token, addr}] = a.CumulativeRewardPerShare(token, addr)
		}
		a.emit(events.PositionUpdated, events.Fields{
			"market":   addr.Hex(),
			"user":     caller.Hex(),
			"previous": "0",
			"new":      balances[i].Dec(),
		})
	}
	return nil
}

// ClaimRewards pays the caller's accrued rewards.
func (a *Accountant) ClaimRewards(caller common.Address) (map[common.Address]*uint256.Int, error) {
	return a.ClaimRewardsFor(caller, caller)
}

// ClaimRewardsFor accrues and pays user's rewards in every token from the
// funding reserve. A reserve that cannot cover the full amount pays what it
// can; the remainder stays claimable and a shortfall event is emitted. The
// returned map holds the amount paid per reward token.
func (a *Accountant) ClaimRewardsFor(caller, user common.Address) (map[common.Address]*uint256.Int, error) {
	if user == (common.Address{}) {
		return nil, fmt.Errorf("%w: user", ErrZeroAddress)
	}
	if err := access.WhenNotPaused(a.pause); err != nil {
		return nil, err
	}
	if err := a.AccrueAllRewards(user); err != nil {
		return nil, err
	}

	paid := make(map[common.Address]*uint256.Int, len(a.tokens))
	for _, token := range a.tokens {
		owed := a.RewardsAccrued(user, token)
		if owed.IsZero() {
			continue
		}
		l := a.tokenCfgs[token].ledger
		available := wad.Min(l.BalanceOf(a.reserve), l.Allowance(a.reserve, a.address))
		amount := wad.Min(owed, available)
		if !amount.IsZero() {
			if err := l.TransferFrom(a.address, a.reserve, user, amount); err != nil {
				return paid, err
			}
			a.accrued[userToken{user, token}] = new(uint256.Int).Sub(owed, amount)
			a.unclaimed[token] = wad.SubFloor(a.TotalUnclaimed(token), amount)
			paid[token] = amount
			a.emit(events.RewardsClaimed, events.Fields{
				"user":   user.Hex(),
				"token":  token.Hex(),
				"amount": amount.Dec(),
			})
		}
		if owed.Gt(amount) {
			shortfall := new(uint256.Int).Sub(owed, amount)
			a.logger.Warn("Reward reserve shortfall",
				"token", l.Symbol(),
				"user", user.Hex(),
				"owed", wad.Format(owed),
				"shortfall", wad.Format(shortfall))
			a.emit(events.RewardTokenShortfall, events.Fields{
				"token":  token.Hex(),
				"user":   user.Hex(),
				"amount": shortfall.Dec(),
			})
		}
	}
	return paid, nil
}

// ComputeRewardMultiplier returns the user's loyalty multiplier in market:
// zero without a position, 1x at the moment the clock starts, approaching
// the max multiplier as days pass.
func (a *Accountant) ComputeRewardMultiplier(user, market common.Address) *uint256.Int {
	m, err := a.multiplier(marketUser{market, user}, a.clock.Now())
	if err != nil {
		return new(uint256.Int)
	}
	return m
}

func (a *Accountant) multiplier(key marketUser, now uint64) (*uint256.Int, error) {
	pos, ok := a.positions[key]
	start := a.multiplierStart[key]
	if !ok || pos.IsZero() || start == 0 {
		return new(uint256.Int), nil
	}
	elapsed := uint64(0)
	if now > start {
		elapsed = now - start
	}
	deltaDays, err := wad.MulDiv(uint256.NewInt(elapsed), wad.One(), uint256.NewInt(secondsPerDay))
	if err != nil {
		return nil, err
	}
	bonus := wad.SubFloor(a.maxMultiplier, wad.One())
	scaled, err := wad.Mul(deltaDays, bonus)
	if err != nil {
		return nil, err
	}
	denom, err := wad.Add(scaled, a.smoothing)
	if err != nil {
		return nil, err
	}
	discount, err := wad.MulDiv(a.smoothing, bonus, denom)
	if err != nil {
		return nil, err
	}
	return wad.SubFloor(a.maxMultiplier, discount), nil
}

// InflationRate is the token's current annual emission: the initial rate
// divided by the reduction factor once per full year since the token was
// added.
func (a *Accountant) InflationRate(token common.Address) *uint256.Int {
	cfg, ok := a.tokenCfgs[token]
	if !ok {
		return new(uint256.Int)
	}
	return cfg.rateAt(a.clock.Now())
}

func (c *tokenConfig) rateAt(now uint64) *uint256.Int {
	var years uint64
	if now > c.initialTimestamp {
		years = (now - c.initialTimestamp) / secondsPerYear
	}
	factor, err := wad.Pow(c.reductionFactor, years)
	if err != nil {
		return new(uint256.Int)
	}
	rate, err := wad.Div(c.initialRate, factor)
	if err != nil {
		return new(uint256.Int)
	}
	return rate
}

// accrual is one planned write: the new cumulative value of (token, market)
// and, when user is set, the user's checkpoint and reward for it.
type accrual struct {
	token      common.Address
	market     common.Address
	cumulative *uint256.Int
	user       common.Address
	reward     *uint256.Int
}

// cumulativeAt computes the (token, market) accumulator as of now without
// writing it.
func (a *Accountant) cumulativeAt(token, market common.Address, now uint64) (*uint256.Int, error) {
	st := a.state[tokenMarket{token, market}]
	if st == nil {
		return new(uint256.Int), nil
	}
	cfg := a.tokenCfgs[token]
	liquidity := a.TotalLiquidity(market)
	weight := cfg.weights[market]
	if now <= st.lastUpdate || cfg.paused || weight == 0 || liquidity.IsZero() {
		return new(uint256.Int).Set(st.cumulative), nil
	}

	weighted, err := wad.MulDiv(cfg.rateAt(now), uint256.NewInt(weight), uint256.NewInt(TotalWeightBps))
	if err != nil {
		return nil, err
	}
	emitted, err := wad.MulDiv(weighted, uint256.NewInt(now-st.lastUpdate), uint256.NewInt(secondsPerYear))
	if err != nil {
		return nil, err
	}
	perShare, err := wad.Div(emitted, liquidity)
	if err != nil {
		return nil, err
	}
	return wad.Add(st.cumulative, perShare)
}

func (a *Accountant) planMarket(market common.Address, now uint64) ([]accrual, error) {
	plan := make([]accrual, 0, len(a.tokens))
	for _, token := range a.tokens {
		cum, err := a.cumulativeAt(token, market, now)
		if err != nil {
			return nil, err
		}
		plan = append(plan, accrual{token: token, market: market, cumulative: cum})
	}
	return plan, nil
}

func (a *Accountant) planToken(token common.Address, now uint64) ([]accrual, error) {
	plan := make([]accrual, 0, len(a.markets))
	for _, m := range a.markets {
		cum, err := a.cumulativeAt(token, m.Address(), now)
		if err != nil {
			return nil, err
		}
		plan = append(plan, accrual{token: token, market: m.Address(), cumulative: cum})
	}
	return plan, nil
}

func (a *Accountant) planUser(market, user common.Address, now uint64) ([]accrual, error) {
	plan, err := a.planMarket(market, now)
	if err != nil {
		return nil, err
	}
	key := marketUser{market, user}
	position := a.Position(market, user)
	mult, err := a.multiplier(key, now)
	if err != nil {
		return nil, err
	}
	for i := range plan {
		plan[i].user = user
		plan[i].reward = new(uint256.Int)
		if position.IsZero() {
			continue
		}
		growth := wad.SubFloor(plan[i].cumulative, a.UserCheckpoint(user, plan[i].token, market))
		if plan[i].reward, err = userReward(position, growth, mult); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// userReward is position*growth*mult with a single floor at the end.
func userReward(position, growth, mult *uint256.Int) (*uint256.Int, error) {
	raw, err := wad.MulRaw(position, growth)
	if err != nil {
		return nil, err
	}
	return wad.MulDiv(raw, mult, wadSquared)
}

func (a *Accountant) commit(plan []accrual, now uint64) {
	for _, p := range plan {
		st := a.state[tokenMarket{p.token, p.market}]
		if st == nil {
			st = &marketState{}
			a.state[tokenMarket{p.token, p.market}] = st
		}
		st.cumulative = p.cumulative
		if now > st.lastUpdate {
			st.lastUpdate = now
		}
		if p.user == (common.Address{}) {
			continue
		}
		a.checkpoints[userTokenMarket{p.user, p.token, p.market}] = new(uint256.Int).Set(p.cumulative)
		if p.reward == nil || p.reward.IsZero() {
			continue
		}
		ut := userToken{p.user, p.token}
		a.accrued[ut] = new(uint256.Int).Add(a.RewardsAccrued(p.user, p.token), p.reward)
		a.unclaimed[p.token] = new(uint256.Int).Add(a.TotalUnclaimed(p.token), p.reward)
		a.emit(events.RewardAccrued, events.Fields{
			"user":   p.user.Hex(),
			"token":  p.token.Hex(),
			"market": p.market.Hex(),
			"amount": p.reward.Dec(),
		})
	}
}

func (a *Accountant) emit(kind events.Kind, fields events.Fields) {
	a.emitter.Emit(events.New(events.TopicRewards, kind, a.address, a.clock.Now(), fields))
}
