// Package client provides a Go SDK for a safetyd node over JSON-RPC and
// WebSocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/luxfi/safety/pkg/api"
	"github.com/luxfi/safety/pkg/events"
)

// ErrNotConnected is returned by WebSocket calls made before ConnectWebSocket.
var ErrNotConnected = errors.New("websocket not connected")

// Client talks to one node. Mutating calls act as Caller.
type Client struct {
	jsonRPCURL string
	wsURL      string
	caller     common.Address

	httpClient *http.Client
	idCounter  uint64

	wsConn    *websocket.Conn
	wsHandler func(Message)
	wsDone    chan struct{}
	writeMu   sync.Mutex

	mu sync.RWMutex
}

// NewClient creates a client with the given options applied to the defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		jsonRPCURL: "http://localhost:8080",
		wsURL:      "ws://localhost:8081/ws",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option is a client configuration option
type Option func(*Client)

// WithJSONRPCURL sets the JSON-RPC URL
func WithJSONRPCURL(url string) Option {
	return func(c *Client) { c.jsonRPCURL = url }
}

// WithWebSocketURL sets the WebSocket URL
func WithWebSocketURL(url string) Option {
	return func(c *Client) { c.wsURL = url }
}

// WithCaller sets the address mutating calls are made as.
func WithCaller(addr common.Address) Option {
	return func(c *Client) { c.caller = addr }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Caller returns the address mutating calls are made as.
func (c *Client) Caller() common.Address { return c.caller }

// Call invokes method with params and decodes the result into result, which
// may be nil. Server errors are returned as *api.RPCError.
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	req := struct {
		JSONRPC string      `json:"jsonrpc"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
		ID      uint64      `json:"id"`
	}{"2.0", method, params, atomic.AddUint64(&c.idCounter, 1)}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.jsonRPCURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *api.RPCError   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if response.Error != nil {
		return response.Error
	}
	if result == nil || len(response.Result) == 0 {
		return nil
	}
	return json.Unmarshal(response.Result, result)
}

// Info describes the deployment.
type Info struct {
	Governance   common.Address   `json:"governance"`
	Orchestrator common.Address   `json:"orchestrator"`
	Engine       common.Address   `json:"engine"`
	Accountant   common.Address   `json:"accountant"`
	Reserve      common.Address   `json:"reserve"`
	Underlying   common.Address   `json:"underlying"`
	Payment      common.Address   `json:"payment"`
	Markets      []common.Address `json:"markets"`
	Paused       bool             `json:"paused"`
	Assets       []string         `json:"assets"`
	Timestamp    uint64           `json:"timestamp"`
}

// Position is a user's stake in one market.
type Position struct {
	Shares           string `json:"shares"`
	Underlying       string `json:"underlying"`
	CooldownStart    uint64 `json:"cooldownStart"`
	RewardPosition   string `json:"rewardPosition"`
	MultiplierStart  uint64 `json:"multiplierStart"`
	RewardMultiplier string `json:"rewardMultiplier"`
}

// EventPage is one page of the node's event journal.
type EventPage struct {
	Head   uint64         `json:"head"`
	Events []events.Event `json:"events"`
}

// Ping checks if the server is responsive
func (c *Client) Ping(ctx context.Context) error {
	var result string
	return c.Call(ctx, "safety_ping", nil, &result)
}

// GetInfo retrieves node information
func (c *Client) GetInfo(ctx context.Context) (*Info, error) {
	var result Info
	if err := c.Call(ctx, "safety_getInfo", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetEvents pages through the event journal starting at sequence from.
func (c *Client) GetEvents(ctx context.Context, from uint64, limit int) (*EventPage, error) {
	var result EventPage
	params := map[string]interface{}{"from": from, "limit": limit}
	if err := c.Call(ctx, "safety_getEvents", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetMarkets lists every registered vault.
func (c *Client) GetMarkets(ctx context.Context) ([]api.VaultInfo, error) {
	var result []api.VaultInfo
	err := c.Call(ctx, "safety_getMarkets", nil, &result)
	return result, err
}

// GetVault returns one vault.
func (c *Client) GetVault(ctx context.Context, vault common.Address) (*api.VaultInfo, error) {
	var result api.VaultInfo
	if err := c.Call(ctx, "safety_getVault", map[string]interface{}{"vault": vault}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPosition returns user's position in vault.
func (c *Client) GetPosition(ctx context.Context, vault, user common.Address) (*Position, error) {
	var result Position
	params := map[string]interface{}{"vault": vault, "user": user}
	if err := c.Call(ctx, "safety_getPosition", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetAuction returns one auction.
func (c *Client) GetAuction(ctx context.Context, id uint64) (*api.AuctionInfo, error) {
	var result api.AuctionInfo
	if err := c.Call(ctx, "safety_getAuction", map[string]interface{}{"auctionId": id}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetAuctions lists every auction.
func (c *Client) GetAuctions(ctx context.Context) ([]api.AuctionInfo, error) {
	var result []api.AuctionInfo
	err := c.Call(ctx, "safety_getAuctions", nil, &result)
	return result, err
}

// Approve lets spender pull amount of asset (or of vault shares) from the
// caller.
func (c *Client) Approve(ctx context.Context, asset, spender common.Address, amount string) error {
	return c.Call(ctx, "safety_approve", c.params(map[string]interface{}{
		"asset":   asset,
		"spender": spender,
		"amount":  amount,
	}), nil)
}

// Stake deposits amount of the underlying and returns the shares minted.
func (c *Client) Stake(ctx context.Context, vault common.Address, amount string) (string, error) {
	var result struct {
		Shares string `json:"shares"`
	}
	err := c.Call(ctx, "safety_stake", c.params(map[string]interface{}{
		"vault":  vault,
		"amount": amount,
	}), &result)
	return result.Shares, err
}

// Cooldown starts the caller's cooldown and returns its start time.
func (c *Client) Cooldown(ctx context.Context, vault common.Address) (uint64, error) {
	var result struct {
		CooldownStart uint64 `json:"cooldownStart"`
	}
	err := c.Call(ctx, "safety_cooldown", c.params(map[string]interface{}{"vault": vault}), &result)
	return result.CooldownStart, err
}

// Redeem burns shares and returns the underlying paid out.
func (c *Client) Redeem(ctx context.Context, vault common.Address, shares string) (string, error) {
	var result struct {
		Underlying string `json:"underlying"`
	}
	err := c.Call(ctx, "safety_redeem", c.params(map[string]interface{}{
		"vault":  vault,
		"amount": shares,
	}), &result)
	return result.Underlying, err
}

// BuyLots buys lots of an auction and returns the tokens received.
func (c *Client) BuyLots(ctx context.Context, id, lots uint64) (string, error) {
	var result struct {
		Tokens string `json:"tokens"`
	}
	err := c.Call(ctx, "safety_buyLots", c.params(map[string]interface{}{
		"auctionId": id,
		"lots":      lots,
	}), &result)
	return result.Tokens, err
}

// CompleteAuction settles an expired auction and returns the tokens sent
// back to its vault.
func (c *Client) CompleteAuction(ctx context.Context, id uint64) (string, error) {
	var result struct {
		Returned string `json:"returned"`
	}
	err := c.Call(ctx, "safety_completeAuction", c.params(map[string]interface{}{"auctionId": id}), &result)
	return result.Returned, err
}

// ClaimRewards claims every reward token for the caller and returns the
// amounts paid per token.
func (c *Client) ClaimRewards(ctx context.Context) (map[common.Address]string, error) {
	var result struct {
		Paid map[common.Address]string `json:"paid"`
	}
	err := c.Call(ctx, "safety_claimRewards", c.params(nil), &result)
	return result.Paid, err
}

// Mint credits amount of asset to to. Only nodes running with the faucet
// accept it.
func (c *Client) Mint(ctx context.Context, asset, to common.Address, amount string) error {
	return c.Call(ctx, "safety_mint", map[string]interface{}{
		"asset":  asset,
		"to":     to,
		"amount": amount,
	}, nil)
}

func (c *Client) params(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		p = make(map[string]interface{}, 1)
	}
	p["caller"] = c.caller
	return p
}
