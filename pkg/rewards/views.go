package rewards

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Address is the principal the accountant pulls reserve funds as.
func (a *Accountant) Address() common.Address { return a.address }

// Reserve is the funding reserve claims are paid from.
func (a *Accountant) Reserve() common.Address { return a.reserve }

// Paused reports whether claims are paused here or by the parent switch.
func (a *Accountant) Paused() bool { return a.pause.Paused() }

// MaxRewardMultiplier is the loyalty multiplier ceiling.
func (a *Accountant) MaxRewardMultiplier() *uint256.Int { return new(uint256.Int).Set(a.maxMultiplier) }

// SmoothingValue controls how fast the multiplier approaches its ceiling.
func (a *Accountant) SmoothingValue() *uint256.Int { return new(uint256.Int).Set(a.smoothing) }

// Markets lists the known markets in initialization order.
func (a *Accountant) Markets() []common.Address {
	out := make([]common.Address, len(a.markets))
	for i, m := range a.markets {
		out[i] = m.Address()
	}
	return out
}

// RewardTokens lists reward tokens in the order they were added.
func (a *Accountant) RewardTokens() []common.Address {
	return append([]common.Address(nil), a.tokens...)
}

// RewardMarkets lists the markets token is currently weighted across.
func (a *Accountant) RewardMarkets(token common.Address) []common.Address {
	cfg, ok := a.tokenCfgs[token]
	if !ok {
		return nil
	}
	return append([]common.Address(nil), cfg.markets...)
}

// MarketWeight is the token's weight for market in basis points.
func (a *Accountant) MarketWeight(token, market common.Address) uint64 {
	cfg, ok := a.tokenCfgs[token]
	if !ok {
		return 0
	}
	return cfg.weights[market]
}

// InitialInflationRate is the token's annual emission in its first year.
func (a *Accountant) InitialInflationRate(token common.Address) *uint256.Int {
	if cfg, ok := a.tokenCfgs[token]; ok {
		return new(uint256.Int).Set(cfg.initialRate)
	}
	return new(uint256.Int)
}

// InitialReductionFactor is what the rate is divided by each full year.
func (a *Accountant) InitialReductionFactor(token common.Address) *uint256.Int {
	if cfg, ok := a.tokenCfgs[token]; ok {
		return new(uint256.Int).Set(cfg.reductionFactor)
	}
	return new(uint256.Int)
}

// IsRewardPaused reports whether token's emission is paused.
func (a *Accountant) IsRewardPaused(token common.Address) bool {
	cfg, ok := a.tokenCfgs[token]
	return ok && cfg.paused
}

// CumulativeRewardPerShare is the stored accumulator, as of LastUpdate.
func (a *Accountant) CumulativeRewardPerShare(token, market common.Address) *uint256.Int {
	if st, ok := a.state[tokenMarket{token, market}]; ok {
		return new(uint256.Int).Set(st.cumulative)
	}
	return new(uint256.Int)
}

// LastUpdate is when the (token, market) accumulator was last written.
func (a *Accountant) LastUpdate(token, market common.Address) uint64 {
	if st, ok := a.state[tokenMarket{token, market}]; ok {
		return st.lastUpdate
	}
	return 0
}

// UserCheckpoint is the accumulator value the user was last settled at.
func (a *Accountant) UserCheckpoint(user, token, market common.Address) *uint256.Int {
	if c, ok := a.checkpoints[userTokenMarket{user, token, market}]; ok {
		return new(uint256.Int).Set(c)
	}
	return new(uint256.Int)
}

// RewardsAccrued is the user's unclaimed balance of token.
func (a *Accountant) RewardsAccrued(user, token common.Address) *uint256.Int {
	if r, ok := a.accrued[userToken{user, token}]; ok {
		return new(uint256.Int).Set(r)
	}
	return new(uint256.Int)
}

// TotalUnclaimed is the sum of every user's unclaimed balance of token.
func (a *Accountant) TotalUnclaimed(token common.Address) *uint256.Int {
	if r, ok := a.unclaimed[token]; ok {
		return new(uint256.Int).Set(r)
	}
	return new(uint256.Int)
}

// TotalLiquidity is the sum of booked positions in market.
func (a *Accountant) TotalLiquidity(market common.Address) *uint256.Int {
	if l, ok := a.liquidity[market]; ok {
		return new(uint256.Int).Set(l)
	}
	return new(uint256.Int)
}

// Position is the share balance the accountant has booked for the user.
func (a *Accountant) Position(market, user common.Address) *uint256.Int {
	if p, ok := a.positions[marketUser{market, user}]; ok {
		return new(uint256.Int).Set(p)
	}
	return new(uint256.Int)
}

// MultiplierStart is when the user's loyalty clock in market started, zero
// without a position.
func (a *Accountant) MultiplierStart(market, user common.Address) uint64 {
	return a.multiplierStart[marketUser{market, user}]
}
