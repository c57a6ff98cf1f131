package safety

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/safety/pkg/access"
	"github.com/luxfi/safety/pkg/auction"
	"github.com/luxfi/safety/pkg/config"
	"github.com/luxfi/safety/pkg/events"
	"github.com/luxfi/safety/pkg/orchestrator"
	"github.com/luxfi/safety/pkg/wad"
)

const start = uint64(1_700_000_000)

var (
	alice = common.HexToAddress("0xa11ce")
	buyer = common.HexToAddress("0xb0b")
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Rewards.Tokens = []config.RewardTokenConfig{{
		Symbol:          "RWD",
		Address:         "0x00000000000000000000000000000000000000e0",
		InflationRate:   "3153600",
		ReductionFactor: "1",
		Markets:         []string{"stLUX"},
		Weights:         []uint64{10000},
	}}
	cfg.Allocations = []config.AllocationConfig{
		{Asset: "LUX", To: alice.Hex(), Amount: "1000"},
		{Asset: "USDC", To: buyer.Hex(), Amount: "1000"},
		{Asset: "RWD", To: cfg.Rewards.Reserve, Amount: "1000000"},
	}
	return &cfg
}

func newSystem(t *testing.T) (*System, *access.ManualClock, *events.Recorder) {
	t.Helper()
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	clock := access.NewManualClock(start)
	rec := events.NewRecorder()
	s, err := New(Params{Config: cfg, Clock: clock, Bus: events.NewBus(rec)})
	require.NoError(t, err)
	return s, clock, rec
}

func TestNew(t *testing.T) {
	s, _, rec := newSystem(t)

	v, err := s.VaultByName("stLUX")
	require.NoError(t, err)
	assert.Equal(t, s.Orchestrator().Address(), v.Controller())
	assert.Equal(t, []common.Address{v.Address()}, s.Orchestrator().Markets())
	assert.Equal(t, []common.Address{v.Address()}, s.Accountant().Markets())
	assert.Equal(t, s.Orchestrator().Address(), s.Engine().Controller())
	assert.Equal(t, uint64(10*86400), v.CooldownSeconds())

	rwd, err := s.LedgerBySymbol("RWD")
	require.NoError(t, err)
	assert.Equal(t, []common.Address{rwd.Address()}, s.Accountant().RewardTokens())
	assert.Equal(t, uint64(10000), s.Accountant().MarketWeight(rwd.Address(), v.Address()))

	assert.Equal(t, wad.Units(1000), s.Underlying().BalanceOf(alice))
	assert.Equal(t, wad.Units(1000), s.Payment().BalanceOf(buyer))
	assert.Equal(t, []string{"LUX", "RWD", "USDC"}, s.Symbols())

	assert.Len(t, rec.OfKind(events.MarketRegistered), 1)
	assert.Len(t, rec.OfKind(events.RewardTokenAdded), 1)

	_, err = s.Vault(common.HexToAddress("0xdead"))
	assert.ErrorIs(t, err, ErrUnknownVault)
	_, err = s.LedgerBySymbol("DOGE")
	assert.ErrorIs(t, err, ErrUnknownAsset)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Rewards.Tokens[0].Weights = []uint64{5000}
	_, err := New(Params{Config: cfg, Clock: access.NewManualClock(start)})
	assert.Error(t, err)

	_, err = New(Params{})
	assert.Error(t, err)
}

func TestSlashAuctionAndKeeperSweep(t *testing.T) {
	s, clock, rec := newSystem(t)
	gov := s.Governance()
	v, err := s.VaultByName("stLUX")
	require.NoError(t, err)

	require.NoError(t, s.Execute(func(s *System) error {
		if err := s.Underlying().Approve(alice, v.Address(), wad.Units(100)); err != nil {
			return err
		}
		_, err := v.Stake(alice, wad.Units(100))
		return err
	}))

	var id uint64
	require.NoError(t, s.Execute(func(s *System) error {
		var err error
		id, err = s.Orchestrator().SlashAndStartAuction(gov, orchestrator.SlashRequest{
			Market:               v.Address(),
			NumLots:              2,
			LotPrice:             wad.Units(10),
			InitialLotSize:       wad.Units(20),
			SlashAmount:          wad.Units(50),
			LotIncreaseIncrement: wad.One(),
			LotIncreasePeriod:    3600,
			TimeLimit:            86400,
		})
		return err
	}))
	assert.True(t, v.IsInPostSlashingState())

	done, err := s.CompleteExpiredAuctions(buyer)
	require.NoError(t, err)
	assert.Empty(t, done)

	clock.Advance(25 * time.Hour)
	done, err = s.CompleteExpiredAuctions(buyer)
	require.NoError(t, err)
	assert.Equal(t, []uint64{id}, done)

	a, err := s.Engine().Auction(id)
	require.NoError(t, err)
	assert.Equal(t, auction.StatusTimedOut, a.Status)
	assert.False(t, v.IsInPostSlashingState())
	assert.Equal(t, wad.Units(100), v.TotalUnderlying())
	assert.Equal(t, wad.One(), v.ExchangeRate())

	_, ok := rec.Last(events.AuctionSettled)
	assert.True(t, ok)
}

func TestRewardsThroughSystem(t *testing.T) {
	s, clock, _ := newSystem(t)
	v, err := s.VaultByName("stLUX")
	require.NoError(t, err)
	rwd, err := s.LedgerBySymbol("RWD")
	require.NoError(t, err)
	reserve := s.Accountant().Reserve()

	require.NoError(t, s.Execute(func(s *System) error {
		if err := rwd.Approve(reserve, s.Accountant().Address(), wad.Units(1_000_000)); err != nil {
			return err
		}
		if err := s.Underlying().Approve(alice, v.Address(), wad.Units(100)); err != nil {
			return err
		}
		_, err := v.Stake(alice, wad.Units(100))
		return err
	}))

	clock.Advance(100 * time.Second)

	var paid map[common.Address]*uint256.Int
	require.NoError(t, s.Execute(func(s *System) error {
		var err error
		paid, err = s.Accountant().ClaimRewards(alice)
		return err
	}))
	require.Contains(t, paid, rwd.Address())
	assert.False(t, paid[rwd.Address()].IsZero())
	assert.Equal(t, paid[rwd.Address()], rwd.BalanceOf(alice))
}

func TestExecuteSerializes(t *testing.T) {
	s, _, _ := newSystem(t)
	v, err := s.VaultByName("stLUX")
	require.NoError(t, err)

	const stakers = 16
	for i := 0; i < stakers; i++ {
		require.NoError(t, s.Mint(s.Underlying().Address(), common.BigToAddress(uint256.NewInt(uint64(0x1000+i)).ToBig()), wad.Units(10)))
	}

	var wg sync.WaitGroup
	errs := make(chan error, stakers)
	for i := 0; i < stakers; i++ {
		wg.Add(1)
		go func(user common.Address) {
			defer wg.Done()
			errs <- s.Execute(func(s *System) error {
				if err := s.Underlying().Approve(user, v.Address(), wad.Units(10)); err != nil {
					return err
				}
				_, err := v.Stake(user, wad.Units(10))
				return err
			})
		}(common.BigToAddress(uint256.NewInt(uint64(0x1000 + i)).ToBig()))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, s.View(func(s *System) error {
		assert.Equal(t, wad.Units(10*stakers), v.TotalSupply())
		assert.Equal(t, wad.Units(10*stakers), s.Accountant().TotalLiquidity(v.Address()))
		return nil
	}))
}
