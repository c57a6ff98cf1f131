package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/safety/pkg/events"
	"github.com/luxfi/safety/pkg/wad"
)

var (
	vaultAddr  = common.HexToAddress("0xa000")
	engineAddr = common.HexToAddress("0xe000")
	token      = common.HexToAddress("0x7e00")
)

func TestEmit(t *testing.T) {
	m := New("safety", nil)
	emit := func(topic events.Topic, kind events.Kind, source common.Address, fields events.Fields) {
		m.Emit(events.New(topic, kind, source, 1, fields))
	}

	emit(events.TopicVault, events.Staked, vaultAddr, events.Fields{"amount": wad.Units(100).Dec()})
	emit(events.TopicVault, events.Staked, vaultAddr, events.Fields{"amount": wad.MustParse("0.5").Dec()})
	emit(events.TopicVault, events.Redeemed, vaultAddr, events.Fields{"underlying": wad.Units(20).Dec()})
	emit(events.TopicVault, events.Slashed, vaultAddr, events.Fields{"amount": wad.Units(40).Dec()})
	emit(events.TopicVault, events.SlashingSettled, vaultAddr, events.Fields{"exchangeRate": wad.MustParse("0.75").Dec()})
	emit(events.TopicAuction, events.AuctionStarted, engineAddr, nil)
	emit(events.TopicAuction, events.LotsSold, engineAddr, events.Fields{"lots": "3"})
	emit(events.TopicAuction, events.AuctionEnded, engineAddr, events.Fields{"status": "sold_out", "fundsRaised": wad.Units(30).Dec()})
	emit(events.TopicRewards, events.RewardsClaimed, token, events.Fields{"token": token.Hex(), "amount": wad.Units(7).Dec()})
	emit(events.TopicRewards, events.RewardTokenShortfall, token, events.Fields{"token": token.Hex(), "amount": "garbage"})

	market := vaultAddr.Hex()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("vault", "Staked")))
	assert.Equal(t, 100.5, testutil.ToFloat64(m.staked.WithLabelValues(market)))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.redeemed.WithLabelValues(market)))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.slashed.WithLabelValues(market)))
	assert.Equal(t, 0.75, testutil.ToFloat64(m.exchangeRate.WithLabelValues(market)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auctionsStarted))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.auctionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auctionsEnded.WithLabelValues("sold_out")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.lotsSold))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.fundsRaised))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.rewardsClaimed.WithLabelValues(token.Hex())))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.shortfalls.WithLabelValues(token.Hex())))
}

func TestHandler(t *testing.T) {
	m := New("safety", nil)
	m.Emit(events.New(events.TopicAuction, events.AuctionStarted, engineAddr, 1, nil))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "safety_auctions_started_total 1")
	assert.Contains(t, string(body), `safety_events_total{kind="AuctionStarted",topic="auction"} 1`)
}
