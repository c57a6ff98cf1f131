package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/safety/pkg/access"
	"github.com/luxfi/safety/pkg/config"
	"github.com/luxfi/safety/pkg/events"
	"github.com/luxfi/safety/pkg/safety"
)

const (
	gov    = "0x00000000000000000000000000000000000000a0"
	engine = "0x00000000000000000000000000000000000000a2"
	lux    = "0x00000000000000000000000000000000000000b0"
	usdc   = "0x00000000000000000000000000000000000000b1"
	stLUX  = "0x00000000000000000000000000000000000000c0"
	alice  = "0x000000000000000000000000000000000000a11c"
	buyer  = "0x0000000000000000000000000000000000000b0b"
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

func testLogger() log.Logger {
	level, _ := log.ToLevel("debug")
	return log.NewTestLogger(level)
}

func newSystem(t *testing.T, sinks ...events.Emitter) *safety.System {
	t.Helper()

	cfg := config.Defaults()
	cfg.Allocations = []config.AllocationConfig{
		{Asset: "LUX", To: alice, Amount: "1000"},
		{Asset: "USDC", To: buyer, Amount: "1000"},
	}
	require.NoError(t, cfg.Validate())

	sys, err := safety.New(safety.Params{
		Config: &cfg,
		Clock:  access.NewManualClock(1_700_000_000),
		Bus:    events.NewBus(sinks...),
		Logger: testLogger(),
	})
	require.NoError(t, err)
	return sys
}

func newServer(t *testing.T, opts ...Option) *JSONRPCServer {
	t.Helper()
	return NewJSONRPCServer(newSystem(t), testLogger(), opts...)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      interface{}     `json:"id"`
}

func call(t *testing.T, server http.Handler, method string, params interface{}) rpcResponse {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/rpc", bytes.NewBuffer(body))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

func mustCall(t *testing.T, server http.Handler, method string, params interface{}, out interface{}) {
	t.Helper()
	resp := call(t, server, method, params)
	require.Nil(t, resp.Error, "%s: %+v", method, resp.Error)
	if out != nil {
		require.NoError(t, json.Unmarshal(resp.Result, out))
	}
}

type object = map[string]interface{}

func TestJSONRPCServer_Ping(t *testing.T) {
	server := newServer(t)
	var pong string
	mustCall(t, server, "safety_ping", nil, &pong)
	assert.Equal(t, "pong", pong)
}

func TestJSONRPCServer_GetInfo(t *testing.T) {
	server := newServer(t)
	var info object
	mustCall(t, server, "safety_getInfo", nil, &info)
	assert.Equal(t, gov, info["governance"])
	assert.Equal(t, engine, info["engine"])
	assert.Equal(t, []interface{}{stLUX}, info["markets"])
	assert.Equal(t, false, info["paused"])
}

func TestJSONRPCServer_SlashingLifecycle(t *testing.T) {
	server := newServer(t)

	mustCall(t, server, "safety_approve", object{"caller": alice, "asset": lux, "spender": stLUX, "amount": "100"}, nil)
	var staked object
	mustCall(t, server, "safety_stake", object{"caller": alice, "vault": stLUX, "amount": "100"}, &staked)
	assert.Equal(t, "100", staked["shares"])

	var v VaultInfo
	mustCall(t, server, "safety_getVault", object{"vault": stLUX}, &v)
	assert.Equal(t, "stLUX", v.Name)
	assert.Equal(t, "100", v.TotalSupply)
	assert.Equal(t, "1", v.ExchangeRate)

	slash := object{
		"caller":               gov,
		"vault":                stLUX,
		"numLots":              2,
		"lotPrice":             "10",
		"initialLotSize":       "25",
		"slashAmount":          "50",
		"lotIncreaseIncrement": "1",
		"lotIncreasePeriod":    3600,
		"timeLimit":            86400,
	}
	var started object
	mustCall(t, server, "safety_slashAndStartAuction", slash, &started)
	assert.Equal(t, float64(0), started["auctionId"])

	mustCall(t, server, "safety_getVault", object{"vault": stLUX}, &v)
	assert.True(t, v.PostSlashing)
	assert.Equal(t, "0.5", v.ExchangeRate)

	var preview string
	mustCall(t, server, "safety_previewRedeem", object{"vault": stLUX, "amount": "10"}, &preview)
	assert.Equal(t, "5", preview)

	var a AuctionInfo
	mustCall(t, server, "safety_getAuction", object{"auctionId": 0}, &a)
	assert.Equal(t, "active", a.Status)
	assert.Equal(t, "25", a.CurrentLotSize)
	assert.Equal(t, common.HexToAddress(stLUX), a.Market)

	mustCall(t, server, "safety_approve", object{"caller": buyer, "asset": usdc, "spender": engine, "amount": "20"}, nil)
	var bought object
	mustCall(t, server, "safety_buyLots", object{"caller": buyer, "auctionId": 0, "lots": 2}, &bought)
	assert.Equal(t, "50", bought["tokens"])

	mustCall(t, server, "safety_getAuction", object{"auctionId": 0}, &a)
	assert.Equal(t, "sold_out", a.Status)
	assert.Equal(t, "20", a.FundsRaised)

	mustCall(t, server, "safety_getVault", object{"vault": stLUX}, &v)
	assert.False(t, v.PostSlashing)

	mustCall(t, server, "safety_withdrawFundsRaised", object{"caller": gov, "amount": "20"}, nil)
	var balance string
	mustCall(t, server, "safety_getBalance", object{"asset": usdc, "owner": gov}, &balance)
	assert.Equal(t, "20", balance)
	mustCall(t, server, "safety_getBalance", object{"asset": lux, "owner": buyer}, &balance)
	assert.Equal(t, "50", balance)
	mustCall(t, server, "safety_getBalance", object{"asset": stLUX, "owner": alice}, &balance)
	assert.Equal(t, "100", balance)

	var auctions []AuctionInfo
	mustCall(t, server, "safety_getAuctions", nil, &auctions)
	assert.Len(t, auctions, 1)
}

func TestJSONRPCServer_CooldownAndPosition(t *testing.T) {
	server := newServer(t)

	mustCall(t, server, "safety_approve", object{"caller": alice, "asset": lux, "spender": stLUX, "amount": "10"}, nil)
	mustCall(t, server, "safety_stake", object{"caller": alice, "vault": stLUX, "amount": "10"}, nil)

	var cd object
	mustCall(t, server, "safety_cooldown", object{"caller": alice, "vault": stLUX}, &cd)
	assert.Equal(t, float64(1_700_000_000), cd["cooldownStart"])

	var pos object
	mustCall(t, server, "safety_getPosition", object{"vault": stLUX, "user": alice}, &pos)
	assert.Equal(t, "10", pos["shares"])
	assert.Equal(t, "10", pos["rewardPosition"])

	resp := call(t, server, "safety_redeem", object{"caller": alice, "vault": stLUX, "amount": "10"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ExecutionError, resp.Error.Code)
}

func TestJSONRPCServer_Errors(t *testing.T) {
	server := newServer(t)

	tests := []struct {
		name   string
		method string
		params interface{}
		code   int
	}{
		{"unknown method", "safety_nope", nil, MethodNotFound},
		{"missing params", "safety_getVault", nil, InvalidParams},
		{"malformed amount", "safety_stake", object{"caller": alice, "vault": stLUX, "amount": "ten"}, InvalidParams},
		{"missing caller", "safety_stake", object{"vault": stLUX, "amount": "1"}, InvalidParams},
		{"unknown vault", "safety_getVault", object{"vault": usdc}, ExecutionError},
		{"not governance", "safety_pause", object{"caller": alice}, Unauthorized},
		{"faucet disabled", "safety_mint", object{"asset": lux, "to": alice, "amount": "1"}, MethodNotFound},
		{"journal disabled", "safety_getEvents", nil, MethodNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, server, tt.method, tt.params)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestJSONRPCServer_PausedStake(t *testing.T) {
	server := newServer(t)
	mustCall(t, server, "safety_pause", object{"caller": gov}, nil)
	mustCall(t, server, "safety_approve", object{"caller": alice, "asset": lux, "spender": stLUX, "amount": "1"}, nil)

	resp := call(t, server, "safety_stake", object{"caller": alice, "vault": stLUX, "amount": "1"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, Paused, resp.Error.Code)

	mustCall(t, server, "safety_unpause", object{"caller": gov}, nil)
	mustCall(t, server, "safety_stake", object{"caller": alice, "vault": stLUX, "amount": "1"}, nil)
}

func TestJSONRPCServer_FaucetAndEvents(t *testing.T) {
	journal, err := events.OpenJournal(&memStore{data: make(map[string][]byte)}, testLogger())
	require.NoError(t, err)
	server := NewJSONRPCServer(newSystem(t, journal), testLogger(), WithFaucet(), WithJournal(journal))

	mustCall(t, server, "safety_mint", object{"asset": lux, "to": buyer, "amount": "5"}, nil)
	var balance string
	mustCall(t, server, "safety_getBalance", object{"asset": lux, "owner": buyer}, &balance)
	assert.Equal(t, "5", balance)

	mustCall(t, server, "safety_approve", object{"caller": buyer, "asset": lux, "spender": stLUX, "amount": "5"}, nil)
	mustCall(t, server, "safety_stake", object{"caller": buyer, "vault": stLUX, "amount": "5"}, nil)

	var page struct {
		Head   uint64         `json:"head"`
		Events []events.Event `json:"events"`
	}
	mustCall(t, server, "safety_getEvents", object{"from": 1, "limit": 1000}, &page)
	require.NotEmpty(t, page.Events)
	assert.Equal(t, page.Head, uint64(len(page.Events)))
	var kinds []events.Kind
	for _, e := range page.Events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, events.MarketRegistered)
	assert.Contains(t, kinds, events.Staked)
}

func TestJSONRPCServer_InvalidRequests(t *testing.T) {
	server := newServer(t)

	t.Run("invalid json", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(`{"jsonrpc":`))
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)

		var resp rpcResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, ParseError, resp.Error.Code)
	})

	t.Run("invalid version", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(`{"jsonrpc":"1.0","method":"safety_ping","id":7}`))
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)

		var resp rpcResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
		assert.Equal(t, float64(7), resp.ID)
	})

	t.Run("GET not allowed", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/rpc", nil)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}
