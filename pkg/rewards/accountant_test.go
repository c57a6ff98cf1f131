package rewards

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/safety/pkg/access"
	"github.com/luxfi/safety/pkg/events"
	"github.com/luxfi/safety/pkg/ledger"
	"github.com/luxfi/safety/pkg/wad"
)

const t0 = uint64(1_700_000_000)

var (
	accountantAddr = common.HexToAddress("0xacc0")
	gov            = common.HexToAddress("0x0900")
	orch           = common.HexToAddress("0x0c00")
	reserve        = common.HexToAddress("0x7e5e")
	marketA        = common.HexToAddress("0xa000")
	marketB        = common.HexToAddress("0xb000")
	alice          = common.HexToAddress("0xa11ce")
	bob            = common.HexToAddress("0xb0b")

	// 0.1 token per second across all markets
	tenthPerSecond = wad.Units(3_153_600)
)

type fakeMarket struct {
	addr     common.Address
	balances map[common.Address]*uint256.Int
}

func newFakeMarket(addr common.Address) *fakeMarket {
	return &fakeMarket{addr: addr, balances: make(map[common.Address]*uint256.Int)}
}

func (m *fakeMarket) Address() common.Address { return m.addr }

func (m *fakeMarket) BalanceOf(user common.Address) *uint256.Int {
	if b, ok := m.balances[user]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

type fixture struct {
	acc   *Accountant
	clock *access.ManualClock
	rec   *events.Recorder
	token *ledger.Memory
	a, b  *fakeMarket
}

func newFixture(t *testing.T, maxMultiplier, smoothing *uint256.Int) *fixture {
	t.Helper()
	f := &fixture{
		clock: access.NewManualClock(t0),
		rec:   events.NewRecorder(),
		token: ledger.NewMemory(common.HexToAddress("0x1ead"), "RWD"),
		a:     newFakeMarket(marketA),
		b:     newFakeMarket(marketB),
	}
	acc, err := New(Config{
		Address:             accountantAddr,
		Governance:          access.Static(gov),
		Controller:          access.Static(orch),
		Reserve:             reserve,
		MaxRewardMultiplier: maxMultiplier,
		SmoothingValue:      smoothing,
		Clock:               f.clock,
		Events:              f.rec,
	})
	require.NoError(t, err)
	f.acc = acc
	require.NoError(t, acc.InitMarket(orch, f.a))
	require.NoError(t, acc.InitMarket(orch, f.b))
	return f
}

// flatFixture uses a constant 1x multiplier so accrual amounts are exact.
func flatFixture(t *testing.T) *fixture {
	f := newFixture(t, wad.One(), wad.Units(10))
	require.NoError(t, f.acc.AddRewardToken(gov, f.token, tenthPerSecond, wad.Units(2),
		[]common.Address{marketA}, []uint64{TotalWeightBps}))
	return f
}

func (f *fixture) setBalance(t *testing.T, m *fakeMarket, user common.Address, units uint64) {
	t.Helper()
	next := wad.Units(units)
	require.NoError(t, f.acc.BeforeBalanceChange(m.addr, user, m.BalanceOf(user), next))
	m.balances[user] = next
}

func (f *fixture) advance(seconds uint64) {
	f.clock.Advance(time.Duration(seconds) * time.Second)
}

func TestNewValidation(t *testing.T) {
	base := Config{
		Address:             accountantAddr,
		Governance:          access.Static(gov),
		Controller:          access.Static(orch),
		Reserve:             reserve,
		MaxRewardMultiplier: wad.Units(4),
		SmoothingValue:      wad.Units(30),
	}

	cfg := base
	cfg.MaxRewardMultiplier = wad.Units(11)
	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrInvalidMaxMultiplier)

	cfg = base
	cfg.SmoothingValue = wad.Units(9)
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrInvalidSmoothingValue)

	cfg = base
	cfg.Reserve = common.Address{}
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrZeroAddress)

	_, err = New(base)
	assert.NoError(t, err)
}

func TestInitMarket(t *testing.T) {
	f := newFixture(t, wad.Units(4), wad.Units(30))
	assert.Equal(t, []common.Address{marketA, marketB}, f.acc.Markets())

	err := f.acc.InitMarket(gov, newFakeMarket(common.HexToAddress("0xc000")))
	assert.ErrorIs(t, err, access.ErrUnauthorized)

	err = f.acc.InitMarket(orch, f.a)
	assert.ErrorIs(t, err, ErrMarketAlreadyInitialized)

	err = f.acc.BeforeBalanceChange(common.HexToAddress("0xdead"), alice, wad.Zero(), wad.One())
	assert.ErrorIs(t, err, ErrUnknownMarket)
}

func TestRewardMultiplier(t *testing.T) {
	f := newFixture(t, wad.Units(4), wad.Units(30))
	assert.True(t, f.acc.ComputeRewardMultiplier(alice, marketA).IsZero())

	f.setBalance(t, f.a, alice, 100)
	assert.Equal(t, wad.One(), f.acc.ComputeRewardMultiplier(alice, marketA))

	f.advance(2 * secondsPerDay)
	assert.Equal(t, wad.MustParse("1.5"), f.acc.ComputeRewardMultiplier(alice, marketA))

	f.advance(3 * secondsPerDay)
	assert.Equal(t, wad.Units(2), f.acc.ComputeRewardMultiplier(alice, marketA))

	t.Run("Monotonic", func(t *testing.T) {
		prev := f.acc.ComputeRewardMultiplier(alice, marketA)
		for i := 0; i < 50; i++ {
			f.advance(7 * secondsPerDay)
			next := f.acc.ComputeRewardMultiplier(alice, marketA)
			assert.False(t, next.Lt(prev))
			assert.True(t, next.Lt(wad.Units(4)))
			prev = next
		}
	})

	t.Run("ParameterChangeKeepsClock", func(t *testing.T) {
		start := f.acc.MultiplierStart(marketA, alice)
		require.NoError(t, f.acc.SetSmoothingValue(gov, wad.Units(60)))
		require.NoError(t, f.acc.SetMaxRewardMultiplier(gov, wad.Units(3)))
		assert.Equal(t, start, f.acc.MultiplierStart(marketA, alice))
	})

	t.Run("CooldownResets", func(t *testing.T) {
		require.NoError(t, f.acc.OnCooldown(marketA, alice))
		assert.Equal(t, wad.One(), f.acc.ComputeRewardMultiplier(alice, marketA))
		_, ok := f.rec.Last(events.MultiplierReset)
		assert.True(t, ok)
	})

	t.Run("ZeroBalanceClears", func(t *testing.T) {
		f.setBalance(t, f.a, alice, 0)
		assert.True(t, f.acc.ComputeRewardMultiplier(alice, marketA).IsZero())
		assert.Zero(t, f.acc.MultiplierStart(marketA, alice))
	})
}

func TestDoublingStakeHalvesLoyaltyAge(t *testing.T) {
	f := newFixture(t, wad.Units(4), wad.Units(30))
	f.setBalance(t, f.a, alice, 100)
	f.advance(5 * secondsPerDay)

	f.setBalance(t, f.a, alice, 200)
	now := f.clock.Now()
	assert.Equal(t, now-5*secondsPerDay/2, f.acc.MultiplierStart(marketA, alice))

	t.Run("DecreaseKeepsClock", func(t *testing.T) {
		before := f.acc.MultiplierStart(marketA, alice)
		f.setBalance(t, f.a, alice, 50)
		assert.Equal(t, before, f.acc.MultiplierStart(marketA, alice))
	})
}

func TestTriplingStakeFloorsKeptAge(t *testing.T) {
	f := newFixture(t, wad.Units(4), wad.Units(30))
	f.setBalance(t, f.a, alice, 1)
	f.advance(5 * secondsPerDay)

	// 432000s * floor(1/3 WAD) = 143999.99... which floors to 143999.
	f.setBalance(t, f.a, alice, 3)
	assert.Equal(t, f.clock.Now()-143999, f.acc.MultiplierStart(marketA, alice))
}

func TestUserRewardRoundsOnce(t *testing.T) {
	tests := []struct {
		name                   string
		position, growth, mult *uint256.Int
		want                   *uint256.Int
	}{
		{"flat", wad.Units(100), wad.MustParse("0.25"), wad.One(), wad.Units(25)},
		{"boosted", wad.Units(100), wad.MustParse("0.25"), wad.MustParse("1.5"), wad.MustParse("37.5")},
		// two floors would give 1 here
		{"sub-wei", uint256.NewInt(3), wad.MustParse("0.5"), wad.MustParse("1.5"), uint256.NewInt(2)},
		{"zero growth", wad.Units(100), wad.Zero(), wad.Units(4), wad.Zero()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := userReward(tt.position, tt.growth, tt.mult)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAccrual(t *testing.T) {
	f := flatFixture(t)
	token := f.token.Address()

	f.setBalance(t, f.a, alice, 100)
	f.setBalance(t, f.a, bob, 300)
	assert.Equal(t, wad.Units(400), f.acc.TotalLiquidity(marketA))

	f.advance(1000)
	require.NoError(t, f.acc.AccrueRewards(marketA, alice))
	require.NoError(t, f.acc.AccrueRewards(marketA, bob))

	assert.Equal(t, wad.MustParse("0.25"), f.acc.CumulativeRewardPerShare(token, marketA))
	assert.Equal(t, wad.Units(25), f.acc.RewardsAccrued(alice, token))
	assert.Equal(t, wad.Units(75), f.acc.RewardsAccrued(bob, token))
	assert.Equal(t, wad.Units(100), f.acc.TotalUnclaimed(token))
	assert.Equal(t, f.acc.CumulativeRewardPerShare(token, marketA), f.acc.UserCheckpoint(alice, token, marketA))
	assert.Equal(t, f.clock.Now(), f.acc.LastUpdate(token, marketA))

	t.Run("UnweightedMarketEarnsNothing", func(t *testing.T) {
		f.setBalance(t, f.b, alice, 10)
		f.advance(1000)
		require.NoError(t, f.acc.AccrueRewards(marketB, alice))
		assert.True(t, f.acc.CumulativeRewardPerShare(token, marketB).IsZero())
	})

	t.Run("CheckpointBeforeMutate", func(t *testing.T) {
		// alice's 100 shares earned a quarter of the last 1000s before
		// she tops up; the new shares must not earn retroactively.
		before := f.acc.RewardsAccrued(alice, token)
		f.setBalance(t, f.a, alice, 500)
		assert.Equal(t, wad.Units(25), new(uint256.Int).Sub(f.acc.RewardsAccrued(alice, token), before))
		assert.Equal(t, wad.Units(800), f.acc.TotalLiquidity(marketA))
	})
}

func TestAccrualSkipsEmptyMarket(t *testing.T) {
	f := flatFixture(t)
	token := f.token.Address()

	f.advance(1000)
	f.setBalance(t, f.a, alice, 100)
	assert.True(t, f.acc.CumulativeRewardPerShare(token, marketA).IsZero())
	assert.Equal(t, f.clock.Now(), f.acc.LastUpdate(token, marketA))

	f.advance(1000)
	require.NoError(t, f.acc.AccrueRewards(marketA, alice))
	assert.Equal(t, wad.Units(100), f.acc.RewardsAccrued(alice, token))
}

func TestPausedRewardAccruesNothing(t *testing.T) {
	f := flatFixture(t)
	token := f.token.Address()
	f.setBalance(t, f.a, alice, 100)

	f.advance(1000)
	require.NoError(t, f.acc.PauseReward(gov, token))
	assert.ErrorIs(t, f.acc.PauseReward(gov, token), ErrRewardTokenPaused)
	assert.True(t, f.acc.IsRewardPaused(token))

	f.advance(1000)
	require.NoError(t, f.acc.UnpauseReward(gov, token))
	assert.ErrorIs(t, f.acc.UnpauseReward(gov, token), ErrRewardTokenNotPaused)

	f.advance(1000)
	require.NoError(t, f.acc.AccrueAllRewards(alice))
	assert.Equal(t, wad.Units(200), f.acc.RewardsAccrued(alice, token))
}

func TestClaimShortfall(t *testing.T) {
	f := flatFixture(t)
	token := f.token.Address()
	f.setBalance(t, f.a, alice, 100)
	f.advance(1000)

	paid, err := f.acc.ClaimRewards(alice)
	require.NoError(t, err)
	assert.Empty(t, paid)
	assert.True(t, f.token.BalanceOf(alice).IsZero())

	short, ok := f.rec.Last(events.RewardTokenShortfall)
	require.True(t, ok)
	assert.Equal(t, wad.Units(100).Dec(), short.Fields["amount"])
	assert.Equal(t, wad.Units(100), f.acc.RewardsAccrued(alice, token))

	t.Run("PartialReserve", func(t *testing.T) {
		f.rec.Reset()
		require.NoError(t, f.token.Mint(reserve, wad.Units(40)))
		require.NoError(t, f.token.Approve(reserve, accountantAddr, wad.Units(1_000)))

		paid, err := f.acc.ClaimRewards(alice)
		require.NoError(t, err)
		assert.Equal(t, wad.Units(40), paid[token])
		assert.Equal(t, wad.Units(60), f.acc.RewardsAccrued(alice, token))
		short, ok := f.rec.Last(events.RewardTokenShortfall)
		require.True(t, ok)
		assert.Equal(t, wad.Units(60).Dec(), short.Fields["amount"])
	})

	t.Run("Refilled", func(t *testing.T) {
		f.rec.Reset()
		require.NoError(t, f.token.Mint(reserve, wad.Units(500)))

		paid, err := f.acc.ClaimRewardsFor(bob, alice)
		require.NoError(t, err)
		assert.Equal(t, wad.Units(60), paid[token])
		assert.Equal(t, wad.Units(100), f.token.BalanceOf(alice))
		assert.True(t, f.acc.RewardsAccrued(alice, token).IsZero())
		assert.True(t, f.acc.TotalUnclaimed(token).IsZero())
		assert.Empty(t, f.rec.OfKind(events.RewardTokenShortfall))
	})

	t.Run("AllowanceCapsPayout", func(t *testing.T) {
		f.advance(1000)
		require.NoError(t, f.token.Approve(reserve, accountantAddr, wad.Units(30)))
		paid, err := f.acc.ClaimRewards(alice)
		require.NoError(t, err)
		assert.Equal(t, wad.Units(30), paid[token])
		assert.Equal(t, wad.Units(70), f.acc.RewardsAccrued(alice, token))
	})
}

func TestClaimWhilePaused(t *testing.T) {
	f := flatFixture(t)
	require.NoError(t, f.acc.Pause(gov))
	_, err := f.acc.ClaimRewards(alice)
	assert.ErrorIs(t, err, access.ErrPaused)
	require.NoError(t, f.acc.Unpause(gov))
	_, err = f.acc.ClaimRewards(alice)
	assert.NoError(t, err)
}

func TestRewardWeights(t *testing.T) {
	f := newFixture(t, wad.One(), wad.Units(10))
	token := f.token.Address()

	tests := []struct {
		name    string
		markets []common.Address
		weights []uint64
		err     error
	}{
		{"ShortSum", []common.Address{marketA, marketB}, []uint64{5000, 4999}, ErrIncorrectWeightsSum},
		{"LongSum", []common.Address{marketA, marketB}, []uint64{5000, 5001}, ErrIncorrectWeightsSum},
		{"CountMismatch", []common.Address{marketA}, []uint64{5000, 5000}, ErrIncorrectWeightsCount},
		{"UnknownMarket", []common.Address{common.HexToAddress("0xdead")}, []uint64{10000}, ErrUnknownMarket},
		{"Duplicate", []common.Address{marketA, marketA}, []uint64{5000, 5000}, ErrDuplicateMarket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.acc.AddRewardToken(gov, f.token, tenthPerSecond, wad.One(), tt.markets, tt.weights)
			assert.ErrorIs(t, err, tt.err)
			assert.Empty(t, f.acc.RewardTokens())
		})
	}

	require.NoError(t, f.acc.AddRewardToken(gov, f.token, tenthPerSecond, wad.One(),
		[]common.Address{marketA, marketB}, []uint64{2500, 7500}))
	assert.ErrorIs(t, f.acc.AddRewardToken(gov, f.token, tenthPerSecond, wad.One(), nil, nil), ErrRewardTokenAlreadyAdded)

	f.setBalance(t, f.a, alice, 100)
	f.setBalance(t, f.b, alice, 100)
	f.advance(1000)

	err := f.acc.UpdateRewardWeights(gov, token, []common.Address{marketA, marketB}, []uint64{1, 1})
	assert.ErrorIs(t, err, ErrIncorrectWeightsSum)
	assert.Equal(t, uint64(2500), f.acc.MarketWeight(token, marketA))

	require.NoError(t, f.acc.UpdateRewardWeights(gov, token, []common.Address{marketB}, []uint64{10000}))
	assert.Equal(t, []common.Address{marketB}, f.acc.RewardMarkets(token))
	assert.Zero(t, f.acc.MarketWeight(token, marketA))

	// the first 1000s were settled at 25/75 before the change
	assert.Equal(t, wad.MustParse("0.25"), f.acc.CumulativeRewardPerShare(token, marketA))
	assert.Equal(t, wad.MustParse("0.75"), f.acc.CumulativeRewardPerShare(token, marketB))

	f.advance(1000)
	require.NoError(t, f.acc.AccrueAllRewards(alice))
	assert.Equal(t, wad.Units(200), f.acc.RewardsAccrued(alice, token))

	var sum uint64
	for _, m := range f.acc.Markets() {
		sum += f.acc.MarketWeight(token, m)
	}
	assert.Equal(t, uint64(TotalWeightBps), sum)
}

func TestRegisterPositions(t *testing.T) {
	f := flatFixture(t)
	token := f.token.Address()

	f.setBalance(t, f.a, bob, 100)
	f.advance(1000)

	// alice held shares before the accountant tracked her
	f.a.balances[alice] = wad.Units(100)
	require.NoError(t, f.acc.RegisterPositions(alice, []common.Address{marketA}))
	assert.Equal(t, wad.Units(100), f.acc.Position(marketA, alice))
	assert.Equal(t, wad.Units(200), f.acc.TotalLiquidity(marketA))
	assert.Equal(t, f.clock.Now(), f.acc.MultiplierStart(marketA, alice))
	assert.Equal(t, wad.One(), f.acc.UserCheckpoint(alice, token, marketA))

	err := f.acc.RegisterPositions(alice, []common.Address{marketA})
	assert.ErrorIs(t, err, ErrPositionAlreadyRegistered)
	err = f.acc.RegisterPositions(alice, []common.Address{common.HexToAddress("0xdead")})
	assert.ErrorIs(t, err, ErrUnknownMarket)

	f.advance(1000)
	require.NoError(t, f.acc.AccrueRewards(marketA, alice))
	assert.Equal(t, wad.Units(50), f.acc.RewardsAccrued(alice, token))
}

func TestInflationDecay(t *testing.T) {
	f := flatFixture(t)
	token := f.token.Address()

	assert.Equal(t, tenthPerSecond, f.acc.InflationRate(token))
	f.advance(secondsPerYear - 1)
	assert.Equal(t, tenthPerSecond, f.acc.InflationRate(token))
	f.advance(1)
	assert.Equal(t, wad.Units(1_576_800), f.acc.InflationRate(token))
	f.advance(secondsPerYear)
	assert.Equal(t, wad.Units(788_400), f.acc.InflationRate(token))

	require.NoError(t, f.acc.SetInitialReductionFactor(gov, token, wad.One()))
	assert.Equal(t, tenthPerSecond, f.acc.InflationRate(token))
	require.NoError(t, f.acc.SetInitialInflationRate(gov, token, wad.Units(1)))
	assert.Equal(t, wad.Units(1), f.acc.InflationRate(token))
}

func TestGovernanceBounds(t *testing.T) {
	f := flatFixture(t)
	token := f.token.Address()

	assert.ErrorIs(t, f.acc.SetMaxRewardMultiplier(alice, wad.Units(2)), access.ErrUnauthorized)
	assert.ErrorIs(t, f.acc.SetMaxRewardMultiplier(gov, wad.MustParse("0.99")), ErrInvalidMaxMultiplier)
	assert.ErrorIs(t, f.acc.SetMaxRewardMultiplier(gov, wad.Units(11)), ErrInvalidMaxMultiplier)
	assert.ErrorIs(t, f.acc.SetSmoothingValue(gov, wad.Units(101)), ErrInvalidSmoothingValue)
	assert.ErrorIs(t, f.acc.SetInitialInflationRate(gov, token, wad.Units(5_000_001)), ErrAboveMaxInflationRate)
	assert.ErrorIs(t, f.acc.SetInitialReductionFactor(gov, token, wad.Units(6)), ErrInvalidReductionFactor)
	assert.ErrorIs(t, f.acc.SetInitialInflationRate(gov, common.HexToAddress("0xdead"), wad.One()), ErrUnknownRewardToken)
	assert.ErrorIs(t, f.acc.SetReserve(gov, common.Address{}), ErrZeroAddress)

	require.NoError(t, f.acc.SetReserve(gov, bob))
	assert.Equal(t, bob, f.acc.Reserve())

	t.Run("TokenLimit", func(t *testing.T) {
		for i := len(f.acc.RewardTokens()); i < MaxRewardTokens; i++ {
			l := ledger.NewMemory(common.BigToAddress(uint256.NewInt(uint64(0x1000+i)).ToBig()), "X")
			require.NoError(t, f.acc.AddRewardToken(gov, l, wad.One(), wad.One(), []common.Address{marketA}, []uint64{10000}))
		}
		extra := ledger.NewMemory(common.HexToAddress("0xffff"), "X")
		err := f.acc.AddRewardToken(gov, extra, wad.One(), wad.One(), []common.Address{marketA}, []uint64{10000})
		assert.ErrorIs(t, err, ErrAboveMaxRewardTokens)
	})
}

func TestParentPause(t *testing.T) {
	parentGuard, err := access.NewGuard("orchestrator governance", access.Static(gov))
	require.NoError(t, err)
	parent := access.NewPauseSwitch(parentGuard, nil)

	acc, err := New(Config{
		Address:             accountantAddr,
		Governance:          access.Static(gov),
		Controller:          access.Static(orch),
		Parent:              parent,
		Reserve:             reserve,
		MaxRewardMultiplier: wad.Units(4),
		SmoothingValue:      wad.Units(30),
	})
	require.NoError(t, err)
	require.NoError(t, parent.Pause(gov))
	assert.True(t, acc.Paused())
	_, err = acc.ClaimRewards(alice)
	assert.ErrorIs(t, err, access.ErrPaused)
}
