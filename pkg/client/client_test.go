package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/safety/pkg/access"
	"github.com/luxfi/safety/pkg/api"
	"github.com/luxfi/safety/pkg/config"
	"github.com/luxfi/safety/pkg/events"
	"github.com/luxfi/safety/pkg/safety"
	"github.com/luxfi/safety/pkg/websocket"
)

var (
	lux   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	stLUX = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type memStore struct {
	data map[string][]byte
	mu   sync.Mutex
}

func (m *memStore) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, database.ErrNotFound
	}
	return v, nil
}

type node struct {
	rpcURL string
	wsURL  string
}

func startNode(t *testing.T, opts ...api.Option) node {
	t.Helper()
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)

	cfg := config.Defaults()
	cfg.Allocations = []config.AllocationConfig{{Asset: "LUX", To: alice.Hex(), Amount: "1000"}}
	require.NoError(t, cfg.Validate())

	journal, err := events.OpenJournal(&memStore{data: make(map[string][]byte)}, logger)
	require.NoError(t, err)
	bus := events.NewBus(journal)

	sys, err := safety.New(safety.Params{
		Config: &cfg,
		Clock:  access.NewManualClock(1_700_000_000),
		Bus:    bus,
		Logger: logger,
	})
	require.NoError(t, err)

	rpc := api.NewJSONRPCServer(sys, logger, append(opts, api.WithJournal(journal))...)
	ws := websocket.NewServer(logger, websocket.DefaultConfig(), rpc.Snapshot)
	bus.Attach(ws)

	rpcSrv := httptest.NewServer(rpc)
	wsSrv := httptest.NewServer(ws.Handler())
	t.Cleanup(func() {
		rpcSrv.Close()
		wsSrv.Close()
		ws.Stop()
	})
	return node{
		rpcURL: rpcSrv.URL,
		wsURL:  "ws" + strings.TrimPrefix(wsSrv.URL, "http") + "/ws",
	}
}

func (n node) client(caller common.Address) *Client {
	return NewClient(WithJSONRPCURL(n.rpcURL), WithWebSocketURL(n.wsURL), WithCaller(caller))
}

func TestStakingFlow(t *testing.T) {
	ctx := context.Background()
	c := startNode(t).client(alice)
	assert.Equal(t, alice, c.Caller())

	require.NoError(t, c.Ping(ctx))

	info, err := c.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{stLUX}, info.Markets)
	assert.Equal(t, lux, info.Underlying)

	markets, err := c.GetMarkets(ctx)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, "stLUX", markets[0].Name)

	require.NoError(t, c.Approve(ctx, lux, stLUX, "100"))
	shares, err := c.Stake(ctx, stLUX, "100")
	require.NoError(t, err)
	assert.Equal(t, "100", shares)

	pos, err := c.GetPosition(ctx, stLUX, alice)
	require.NoError(t, err)
	assert.Equal(t, "100", pos.Shares)
	assert.Equal(t, "100", pos.Underlying)
	assert.Zero(t, pos.CooldownStart)

	start, err := c.Cooldown(ctx, stLUX)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_700_000_000), start)

	vault, err := c.GetVault(ctx, stLUX)
	require.NoError(t, err)
	assert.Equal(t, "100", vault.TotalUnderlying)

	page, err := c.GetEvents(ctx, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(page.Events)), page.Head)
	var kinds []events.Kind
	for _, e := range page.Events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, events.Staked)
	assert.Contains(t, kinds, events.CooldownStarted)

	auctions, err := c.GetAuctions(ctx)
	require.NoError(t, err)
	assert.Empty(t, auctions)
}

func TestRPCErrors(t *testing.T) {
	ctx := context.Background()
	n := startNode(t)

	t.Run("execution error", func(t *testing.T) {
		_, err := n.client(bob).Stake(ctx, stLUX, "1")
		var rpcErr *api.RPCError
		require.True(t, errors.As(err, &rpcErr), "got %v", err)
		assert.Equal(t, api.ExecutionError, rpcErr.Code)
	})

	t.Run("missing caller", func(t *testing.T) {
		_, err := n.client(common.Address{}).Cooldown(ctx, stLUX)
		var rpcErr *api.RPCError
		require.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, api.InvalidParams, rpcErr.Code)
	})

	t.Run("faucet disabled", func(t *testing.T) {
		err := n.client(bob).Mint(ctx, lux, bob, "1")
		var rpcErr *api.RPCError
		require.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, api.MethodNotFound, rpcErr.Code)
	})

	t.Run("unknown auction", func(t *testing.T) {
		_, err := n.client(bob).GetAuction(ctx, 7)
		assert.Error(t, err)
	})
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	n := startNode(t, api.WithFaucet())
	c := n.client(bob)

	require.ErrorIs(t, c.Subscribe("vault"), ErrNotConnected)

	msgs := make(chan Message, 64)
	require.NoError(t, c.ConnectWebSocket(ctx, func(m Message) { msgs <- m }))
	t.Cleanup(func() { _ = c.Disconnect() })

	next := func(typ string) Message {
		t.Helper()
		timeout := time.After(5 * time.Second)
		for {
			select {
			case m := <-msgs:
				if m.Type == typ {
					return m
				}
			case <-timeout:
				t.Fatalf("no %s message", typ)
			}
		}
	}

	next("welcome")
	require.NoError(t, c.Subscribe("vault:"+stLUX.Hex()))
	next("subscribed")
	snap := next("snapshot")
	assert.Contains(t, string(snap.Data), `"exchangeRate"`)

	require.NoError(t, c.Mint(ctx, lux, bob, "10"))
	require.NoError(t, c.Approve(ctx, lux, stLUX, "10"))
	_, err := c.Stake(ctx, stLUX, "10")
	require.NoError(t, err)

	// Share mints are announced on the same channel.
	for {
		e, err := next("event").Event()
		require.NoError(t, err)
		if e.Kind == events.Staked {
			assert.Equal(t, stLUX, e.Source)
			break
		}
	}

	_, err = snap.Event()
	assert.Error(t, err)

	require.NoError(t, c.Unsubscribe("vault:"+stLUX.Hex()))
	next("unsubscribed")

	require.NoError(t, c.Disconnect())
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("read loop still running")
	}
}
