package rewards

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/luxfi/safety/pkg/events"
	"github.com/luxfi/safety/pkg/ledger"
	"github.com/luxfi/safety/pkg/wad"
)

// AddRewardToken starts emitting token across markets with the given weights
// in basis points.
func (a *Accountant) AddRewardToken(caller common.Address, token ledger.Ledger, initialInflationRate, initialReductionFactor *uint256.Int, markets []common.Address, weights []uint64) error {
	if err := a.governance.Check(caller); err != nil {
		return err
	}
	if token == nil || token.Address() == (common.Address{}) {
		return fmt.Errorf("%w: reward token", ErrZeroAddress)
	}
	addr := token.Address()
	if _, ok := a.tokenCfgs[addr]; ok {
		return fmt.Errorf("%w: %s", ErrRewardTokenAlreadyAdded, addr.Hex())
	}
	if len(a.tokens) >= MaxRewardTokens {
		return fmt.Errorf("%w: limit is %d", ErrAboveMaxRewardTokens, MaxRewardTokens)
	}
	if err := checkInflationRate(initialInflationRate); err != nil {
		return err
	}
	if err := checkReductionFactor(initialReductionFactor); err != nil {
		return err
	}
	weightMap, err := a.checkWeights(markets, weights)
	if err != nil {
		return err
	}

	now := a.clock.Now()
	a.tokens = append(a.tokens, addr)
	a.tokenCfgs[addr] = &tokenConfig{
		ledger:           token,
		initialRate:      new(uint256.Int).Set(initialInflationRate),
		reductionFactor:  new(uint256.Int).Set(initialReductionFactor),
		initialTimestamp: now,
		markets:          append([]common.Address(nil), markets...),
		weights:          weightMap,
	}
	for _, m := range a.markets {
		a.state[tokenMarket{addr, m.Address()}] = &marketState{cumulative: new(uint256.Int), lastUpdate: now}
	}
	if _, ok := a.unclaimed[addr]; !ok {
		a.unclaimed[addr] = new(uint256.Int)
	}

	a.logger.Info("Reward token added",
		"token", token.Symbol(),
		"inflationRate", wad.Format(initialInflationRate),
		"reductionFactor", wad.Format(initialReductionFactor),
		"markets", len(markets))
	a.emit(events.RewardTokenAdded, events.Fields{
		"token":           addr.Hex(),
		"inflationRate":   initialInflationRate.Dec(),
		"reductionFactor": initialReductionFactor.Dec(),
	})
	return nil
}

// UpdateRewardWeights replaces the token's market weights. Markets left out
// stop earning the token. Accumulators are settled at the old weights first.
func (a *Accountant) UpdateRewardWeights(caller, token common.Address, markets []common.Address, weights []uint64) error {
	if err := a.governance.Check(caller); err != nil {
		return err
	}
	cfg, ok := a.tokenCfgs[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRewardToken, token.Hex())
	}
	weightMap, err := a.checkWeights(markets, weights)
	if err != nil {
		return err
	}
	now := a.clock.Now()
	plan, err := a.planToken(token, now)
	if err != nil {
		return err
	}

	a.commit(plan, now)
	cfg.markets = append([]common.Address(nil), markets...)
	cfg.weights = weightMap

	fields := events.Fields{"token": token.Hex()}
	for i, m := range markets {
		fields[m.Hex()] = fmt.Sprint(weights[i])
	}
	a.emit(events.RewardWeightsUpdated, fields)
	return nil
}

// SetInitialInflationRate changes the token's base emission rate.
func (a *Accountant) SetInitialInflationRate(caller, token common.Address, rate *uint256.Int) error {
	if err := a.governance.Check(caller); err != nil {
		return err
	}
	cfg, ok := a.tokenCfgs[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRewardToken, token.Hex())
	}
	if err := checkInflationRate(rate); err != nil {
		return err
	}
	if err := a.settleToken(token); err != nil {
		return err
	}
	cfg.initialRate = new(uint256.Int).Set(rate)
	a.emit(events.InflationRateUpdated, events.Fields{"token": token.Hex(), "rate": rate.Dec()})
	return nil
}

// SetInitialReductionFactor changes the token's annual reduction factor.
func (a *Accountant) SetInitialReductionFactor(caller, token common.Address, factor *uint256.Int) error {
	if err := a.governance.Check(caller); err != nil {
		return err
	}
	cfg, ok := a.tokenCfgs[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRewardToken, token.Hex())
	}
	if err := checkReductionFactor(factor); err != nil {
		return err
	}
	if err := a.settleToken(token); err != nil {
		return err
	}
	cfg.reductionFactor = new(uint256.Int).Set(factor)
	a.emit(events.ReductionFactorUpdate, events.Fields{"token": token.Hex(), "factor": factor.Dec()})
	return nil
}

// SetMaxRewardMultiplier changes the multiplier ceiling. Loyalty clocks are
// not rebased.
func (a *Accountant) SetMaxRewardMultiplier(caller common.Address, value *uint256.Int) error {
	if err := a.governance.Check(caller); err != nil {
		return err
	}
	if err := checkMaxMultiplier(value); err != nil {
		return err
	}
	a.maxMultiplier = new(uint256.Int).Set(value)
	a.emit(events.MaxMultiplierUpdated, events.Fields{"value": value.Dec()})
	return nil
}

// SetSmoothingValue changes how fast multipliers approach the ceiling.
func (a *Accountant) SetSmoothingValue(caller common.Address, value *uint256.Int) error {
	if err := a.governance.Check(caller); err != nil {
		return err
	}
	if err := checkSmoothingValue(value); err != nil {
		return err
	}
	a.smoothing = new(uint256.Int).Set(value)
	a.emit(events.SmoothingValueUpdated, events.Fields{"value": value.Dec()})
	return nil
}

// SetReserve changes the account claims are paid from.
func (a *Accountant) SetReserve(caller, reserve common.Address) error {
	if err := a.governance.Check(caller); err != nil {
		return err
	}
	if reserve == (common.Address{}) {
		return fmt.Errorf("%w: reserve", ErrZeroAddress)
	}
	old := a.reserve
	a.reserve = reserve
	a.emit(events.ReserveUpdated, events.Fields{"old": old.Hex(), "new": reserve.Hex()})
	return nil
}

// PauseReward stops emission of token. Accrued rewards stay claimable.
func (a *Accountant) PauseReward(caller, token common.Address) error {
	return a.setRewardPaused(caller, token, true)
}

// UnpauseReward resumes emission of token from now on.
func (a *Accountant) UnpauseReward(caller, token common.Address) error {
	return a.setRewardPaused(caller, token, false)
}

func (a *Accountant) setRewardPaused(caller, token common.Address, paused bool) error {
	if err := a.governance.Check(caller); err != nil {
		return err
	}
	cfg, ok := a.tokenCfgs[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRewardToken, token.Hex())
	}
	if cfg.paused == paused {
		if paused {
			return ErrRewardTokenPaused
		}
		return ErrRewardTokenNotPaused
	}
	if err := a.settleToken(token); err != nil {
		return err
	}
	cfg.paused = paused

	kind := events.RewardUnpaused
	if paused {
		kind = events.RewardPaused
	}
	a.logger.Info("Reward token pause changed", "token", cfg.ledger.Symbol(), "paused", paused)
	a.emit(kind, events.Fields{"token": token.Hex()})
	return nil
}

// Pause blocks claims.
func (a *Accountant) Pause(caller common.Address) error { return a.pause.Pause(caller) }

// Unpause lifts the accountant's own pause.
func (a *Accountant) Unpause(caller common.Address) error { return a.pause.Unpause(caller) }

func (a *Accountant) settleToken(token common.Address) error {
	now := a.clock.Now()
	plan, err := a.planToken(token, now)
	if err != nil {
		return err
	}
	a.commit(plan, now)
	return nil
}

func (a *Accountant) checkWeights(markets []common.Address, weights []uint64) (map[common.Address]uint64, error) {
	if len(markets) != len(weights) {
		return nil, fmt.Errorf("%w: %d markets, %d weights", ErrIncorrectWeightsCount, len(markets), len(weights))
	}
	out := make(map[common.Address]uint64, len(markets))
	var sum uint64
	for i, m := range markets {
		if _, ok := a.marketIdx[m]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, m.Hex())
		}
		if _, dup := out[m]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMarket, m.Hex())
		}
		if weights[i] > TotalWeightBps {
			return nil, fmt.Errorf("%w: %s has %d", ErrIncorrectWeightsSum, m.Hex(), weights[i])
		}
		out[m] = weights[i]
		sum += weights[i]
	}
	if sum != TotalWeightBps {
		return nil, fmt.Errorf("%w: got %d", ErrIncorrectWeightsSum, sum)
	}
	return out, nil
}

func checkInflationRate(rate *uint256.Int) error {
	if rate == nil || rate.Gt(MaxInflationRate) {
		return fmt.Errorf("%w: max %s", ErrAboveMaxInflationRate, wad.Format(MaxInflationRate))
	}
	return nil
}

func checkReductionFactor(f *uint256.Int) error {
	if f == nil || f.Lt(MinReductionFactor) || f.Gt(MaxReductionFactor) {
		return fmt.Errorf("%w: want [%s, %s]", ErrInvalidReductionFactor, wad.Format(MinReductionFactor), wad.Format(MaxReductionFactor))
	}
	return nil
}

func checkMaxMultiplier(v *uint256.Int) error {
	if v == nil || v.Lt(MinMaxMultiplier) || v.Gt(MaxMaxMultiplier) {
		return fmt.Errorf("%w: want [%s, %s]", ErrInvalidMaxMultiplier, wad.Format(MinMaxMultiplier), wad.Format(MaxMaxMultiplier))
	}
	return nil
}

func checkSmoothingValue(v *uint256.Int) error {
	if v == nil || v.Lt(MinSmoothingValue) || v.Gt(MaxSmoothingValue) {
		return fmt.Errorf("%w: want [%s, %s]", ErrInvalidSmoothingValue, wad.Format(MinSmoothingValue), wad.Format(MaxSmoothingValue))
	}
	return nil
}
