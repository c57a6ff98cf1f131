package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/luxfi/log"

	"github.com/luxfi/safety/pkg/access"
	"github.com/luxfi/safety/pkg/events"
	"github.com/luxfi/safety/pkg/safety"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against a safety.System.
type JSONRPCServer struct {
	system  *safety.System
	journal *events.Journal
	logger  log.Logger
	faucet  bool
}

// Option configures a JSONRPCServer.
type Option func(*JSONRPCServer)

// WithJournal enables safety_getEvents.
func WithJournal(j *events.Journal) Option {
	return func(s *JSONRPCServer) { s.journal = j }
}

// WithFaucet enables safety_mint for local networks.
func WithFaucet() Option {
	return func(s *JSONRPCServer) { s.faucet = true }
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(system *safety.System, logger log.Logger, opts ...Option) *JSONRPCServer {
	if logger == nil {
		logger = log.Root()
	}
	s := &JSONRPCServer{
		system: system,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Server error codes for rejected operations.
const (
	ExecutionError = -32000
	Unauthorized   = -32001
	Paused         = -32002
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		s.sendError(w, req.ID, toRPCError(err))
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write response", "method", req.Method, "error", err)
	}
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Info
	case "safety_ping":
		return "pong", nil
	case "safety_getInfo":
		return s.getInfo()
	case "safety_getEvents":
		return s.getEvents(params)

	// Vault views
	case "safety_getMarkets":
		return s.getMarkets()
	case "safety_getVault":
		return s.getVault(params)
	case "safety_getPosition":
		return s.getPosition(params)
	case "safety_previewStake":
		return s.previewStake(params)
	case "safety_previewRedeem":
		return s.previewRedeem(params)
	case "safety_getNextCooldownTimestamp":
		return s.getNextCooldownTimestamp(params)

	// Asset views
	case "safety_getBalance":
		return s.getBalance(params)
	case "safety_getAllowance":
		return s.getAllowance(params)

	// Auction views
	case "safety_getAuction":
		return s.getAuction(params)
	case "safety_getAuctions":
		return s.getAuctions()

	// Reward views
	case "safety_getRewardTokens":
		return s.getRewardTokens()
	case "safety_getRewards":
		return s.getRewards(params)

	// Staking
	case "safety_stake":
		return s.stake(params)
	case "safety_cooldown":
		return s.cooldown(params)
	case "safety_redeem":
		return s.redeem(params)
	case "safety_transferShares":
		return s.transferShares(params)
	case "safety_approve":
		return s.approve(params)
	case "safety_mint":
		return s.mint(params)

	// Auctions
	case "safety_buyLots":
		return s.buyLots(params)
	case "safety_completeAuction":
		return s.completeAuction(params)

	// Rewards
	case "safety_accrueRewards":
		return s.accrueRewards(params)
	case "safety_claimRewards":
		return s.claimRewards(params)
	case "safety_registerPositions":
		return s.registerPositions(params)

	// Governance
	case "safety_slashAndStartAuction":
		return s.slashAndStartAuction(params)
	case "safety_terminateAuction":
		return s.terminateAuction(params)
	case "safety_withdrawFundsRaised":
		return s.withdrawFundsRaised(params)
	case "safety_returnFunds":
		return s.returnFunds(params)
	case "safety_setMaxStakeAmount":
		return s.setMaxStakeAmount(params)
	case "safety_pause":
		return s.setPaused(params, true)
	case "safety_unpause":
		return s.setPaused(params, false)
	case "safety_updateRewardWeights":
		return s.updateRewardWeights(params)
	case "safety_setInflationRate":
		return s.setInflationRate(params)
	case "safety_setReductionFactor":
		return s.setReductionFactor(params)
	case "safety_setMaxRewardMultiplier":
		return s.setMaxRewardMultiplier(params)
	case "safety_setSmoothingValue":
		return s.setSmoothingValue(params)
	case "safety_setReserve":
		return s.setReserve(params)
	case "safety_pauseReward":
		return s.setRewardPaused(params, true)
	case "safety_unpauseReward":
		return s.setRewardPaused(params, false)

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func decode(params json.RawMessage, dst interface{}) error {
	if !hasParams(params) {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: "missing params"}
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

func hasParams(params json.RawMessage) bool {
	return len(params) > 0 && string(params) != "null"
}

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: fmt.Sprintf(format, args...)}
}

// toRPCError maps domain errors onto the server error codes.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, access.ErrUnauthorized):
		return &RPCError{Code: Unauthorized, Message: "Unauthorized", Data: err.Error()}
	case errors.Is(err, access.ErrPaused):
		return &RPCError{Code: Paused, Message: "Paused", Data: err.Error()}
	default:
		return &RPCError{Code: ExecutionError, Message: "Execution reverted", Data: err.Error()}
	}
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write error response", "error", err)
	}
}

// StartJSONRPCServer serves the JSON-RPC endpoint on addr until ctx is done.
func StartJSONRPCServer(ctx context.Context, addr string, server *JSONRPCServer, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
