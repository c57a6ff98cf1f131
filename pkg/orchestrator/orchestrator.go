// Package orchestrator is the registry of safety-module markets and the only
// component allowed to slash a vault, start or stop an auction, and settle a
// vault once its auction ends.
package orchestrator

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/safety/pkg/access"
	"github.com/luxfi/safety/pkg/auction"
	"github.com/luxfi/safety/pkg/events"
	"github.com/luxfi/safety/pkg/ledger"
	"github.com/luxfi/safety/pkg/rewards"
	"github.com/luxfi/safety/pkg/vault"
)

var (
	ErrZeroAddress                = errors.New("orchestrator: zero address")
	ErrInvalidMarket              = errors.New("orchestrator: invalid market")
	ErrMarketAlreadyRegistered    = errors.New("orchestrator: market already registered")
	ErrMarketControllerMismatch   = errors.New("orchestrator: market is controlled by another orchestrator")
	ErrInvalidSlashAmount         = errors.New("orchestrator: slash amount exceeds market value")
	ErrInsufficientSlashedForLots = errors.New("orchestrator: lots exceed slashed amount")
	ErrUnknownAuction             = errors.New("orchestrator: unknown auction")
	ErrAccountantAlreadySet       = errors.New("orchestrator: reward accountant already set")
)

// Market is a vault as seen by the orchestrator.
type Market interface {
	Address() common.Address
	Name() string
	Underlying() ledger.Ledger
	Controller() common.Address
	BalanceOf(user common.Address) *uint256.Int
	TotalUnderlying() *uint256.Int
	IsInPostSlashingState() bool
	Slash(caller, recipient common.Address, amount *uint256.Int) (*uint256.Int, error)
	SettleSlashing(caller common.Address) error
	ReturnFunds(caller, donor common.Address, amount *uint256.Int) error
}

// Engine is the auction engine as seen by the orchestrator.
type Engine interface {
	Address() common.Address
	Payment() ledger.Ledger
	StartAuction(caller common.Address, asset ledger.Ledger, p auction.Params) (uint64, error)
	TerminateAuction(caller common.Address, id uint64) (*uint256.Int, error)
	ActiveAuctionFor(asset common.Address) (uint64, bool)
}

// Accountant is the reward accountant as seen by the orchestrator.
type Accountant interface {
	InitMarket(caller common.Address, market rewards.Market) error
}

// EngineFactory builds the auction engine once the orchestrator it reports
// to exists.
type EngineFactory func(controller auction.Controller) (Engine, error)

// Config describes an orchestrator at deployment.
type Config struct {
	Address    common.Address
	Governance access.Principal
	Clock      access.Clock
	Events     events.Emitter
	Logger     log.Logger
}

// Orchestrator couples vaults to the auction engine.
type Orchestrator struct {
	address    common.Address
	governance access.Guard
	engineOnly access.Guard
	pause      *access.PauseSwitch
	engine     Engine
	accountant Accountant
	clock      access.Clock
	emitter    events.Emitter
	logger     log.Logger

	markets       []Market
	marketIdx     map[common.Address]int
	auctionMarket map[uint64]common.Address
}

// New deploys an orchestrator and its auction engine.
func New(cfg Config, newEngine EngineFactory) (*Orchestrator, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: orchestrator address", ErrZeroAddress)
	}
	governance, err := access.NewGuard("orchestrator governance", cfg.Governance)
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
	o := &Orchestrator{
		address:       cfg.Address,
		governance:    governance,
		pause:         access.NewPauseSwitch(governance, nil),
		clock:         clock,
		emitter:       events.OrDiscard(cfg.Events),
		logger:        logger,
		marketIdx:     make(map[common.Address]int),
		auctionMarket: make(map[uint64]common.Address),
	}

	engine, err := newEngine(o)
	if err != nil {
		return nil, fmt.Errorf("failed to create auction engine: %w", err)
	}
	if engine == nil || engine.Address() == (common.Address{}) {
		return nil, fmt.Errorf("%w: auction engine", ErrZeroAddress)
	}
	if o.engineOnly, err = access.NewGuard("auction callback", engine); err != nil {
		return nil, err
	}
	o.engine = engine
	return o, nil
}

// SetAccountant attaches the reward accountant and introduces every market
// registered so far to it. It can be done once.
func (o *Orchestrator) SetAccountant(caller common.Address, acc Accountant) error {
	if err := o.governance.Check(caller); err != nil {
		return err
	}
	if acc == nil {
		return fmt.Errorf("%w: accountant", ErrZeroAddress)
	}
	if o.accountant != nil {
		return ErrAccountantAlreadySet
	}
	for _, m := range o.markets {
		if err := acc.InitMarket(o.address, m); err != nil {
			return err
		}
	}
	o.accountant = acc
	return nil
}

// RegisterMarket appends a vault to the registry.
func (o *Orchestrator) RegisterMarket(caller common.Address, m Market) error {
	if err := o.governance.Check(caller); err != nil {
		return err
	}
	if m == nil || m.Address() == (common.Address{}) {
		return fmt.Errorf("%w: market", ErrZeroAddress)
	}
	addr := m.Address()
	if _, ok := o.marketIdx[addr]; ok {
		return fmt.Errorf("%w: %s", ErrMarketAlreadyRegistered, addr.Hex())
	}
	if m.Controller() != o.address {
		return fmt.Errorf("%w: %s reports %s", ErrMarketControllerMismatch, addr.Hex(), m.Controller().Hex())
	}
	if o.accountant != nil {
		if err := o.accountant.InitMarket(o.address, m); err != nil {
			return err
		}
	}

	o.marketIdx[addr] = len(o.markets)
	o.markets = append(o.markets, m)

	o.logger.Info("Market registered", "market", m.Name(), "address", addr.Hex(), "index", o.marketIdx[addr])
	o.emit(events.MarketRegistered, events.Fields{
		"market": addr.Hex(),
		"name":   m.Name(),
		"index":  fmt.Sprint(o.marketIdx[addr]),
	})
	return nil
}

// SlashRequest are the inputs of SlashAndStartAuction.
type SlashRequest struct {
	Market               common.Address
	NumLots              uint64
	LotPrice             *uint256.Int
	InitialLotSize       *uint256.Int
	SlashAmount          *uint256.Int
	LotIncreaseIncrement *uint256.Int
	LotIncreasePeriod    uint64
	TimeLimit            uint64
}

// SlashAndStartAuction seizes req.SlashAmount of a market's underlying and
// auctions it. It returns the auction id.
func (o *Orchestrator) SlashAndStartAuction(caller common.Address, req SlashRequest) (uint64, error) {
	if err := o.governance.Check(caller); err != nil {
		return 0, err
	}
	m, err := o.market(req.Market)
	if err != nil {
		return 0, err
	}
	if req.SlashAmount == nil || req.SlashAmount.IsZero() {
		return 0, fmt.Errorf("%w: zero slash amount", auction.ErrInvalidAuctionConfig)
	}
	if total := m.TotalUnderlying(); req.SlashAmount.Gt(total) {
		return 0, fmt.Errorf("%w: slashing %s of %s", ErrInvalidSlashAmount, req.SlashAmount.Dec(), total.Dec())
	}
	params := auction.Params{
		NumLots:              req.NumLots,
		LotPrice:             req.LotPrice,
		InitialLotSize:       req.InitialLotSize,
		AuctionableBalance:   req.SlashAmount,
		LotIncreaseIncrement: req.LotIncreaseIncrement,
		LotIncreasePeriod:    req.LotIncreasePeriod,
		TimeLimit:            req.TimeLimit,
	}
	if req.InitialLotSize != nil {
		lots, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(req.NumLots), req.InitialLotSize)
		if overflow || lots.Gt(req.SlashAmount) {
			return 0, fmt.Errorf("%w: %d lots of %s, slashing %s", ErrInsufficientSlashedForLots, req.NumLots, req.InitialLotSize.Dec(), req.SlashAmount.Dec())
		}
	}
	if err := params.Validate(); err != nil {
		return 0, err
	}
	asset := m.Underlying()
	if id, ok := o.engine.ActiveAuctionFor(asset.Address()); ok {
		return 0, fmt.Errorf("%w: auction %d", auction.ErrAuctionAlreadyActive, id)
	}
	if m.IsInPostSlashingState() {
		return 0, fmt.Errorf("market %s: %w", m.Name(), vault.ErrPostSlashing)
	}

	commit, discard := events.Hold(o.emitter)
	slashed, err := m.Slash(o.address, o.address, req.SlashAmount)
	if err != nil {
		discard()
		return 0, err
	}
	params.AuctionableBalance = slashed
	if err := asset.Approve(o.address, o.engine.Address(), slashed); err != nil {
		o.undoSlash(m, slashed)
		discard()
		return 0, err
	}
	id, err := o.engine.StartAuction(o.address, asset, params)
	if err != nil {
		o.undoSlash(m, slashed)
		discard()
		return 0, err
	}
	o.auctionMarket[id] = req.Market

	o.logger.Info("Market slashed for auction",
		"market", m.Name(),
		"auctionID", id,
		"slashed", slashed.Dec(),
		"lots", req.NumLots)
	o.emit(events.SlashStarted, events.Fields{
		"market":    req.Market.Hex(),
		"auctionID": fmt.Sprint(id),
		"slashed":   slashed.Dec(),
	})
	commit()
	return id, nil
}

// undoSlash hands slashed funds back when the auction could not be started.
func (o *Orchestrator) undoSlash(m Market, amount *uint256.Int) {
	asset := m.Underlying()
	err := asset.Approve(o.address, m.Address(), amount)
	if err == nil {
		err = m.ReturnFunds(o.address, o.address, amount)
	}
	if err == nil {
		err = m.SettleSlashing(o.address)
	}
	if err != nil {
		o.logger.Error("Failed to restore slashed funds", "market", m.Name(), "amount", amount.Dec(), "error", err)
	}
}

// AuctionEnded is the auction engine's report that auction id finished with
// remaining units unsold. The remainder goes back to the originating vault,
// which then leaves the post-slashing state.
func (o *Orchestrator) AuctionEnded(caller common.Address, id uint64, remaining *uint256.Int) error {
	if err := o.engineOnly.Check(caller); err != nil {
		return err
	}
	addr, ok := o.auctionMarket[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAuction, id)
	}
	m, err := o.market(addr)
	if err != nil {
		return err
	}
	if !m.IsInPostSlashingState() {
		return fmt.Errorf("market %s: %w", m.Name(), vault.ErrNotPostSlashing)
	}

	if !remaining.IsZero() {
		asset := m.Underlying()
		if err := asset.TransferFrom(o.address, o.engine.Address(), o.address, remaining); err != nil {
			return err
		}
		if err := asset.Approve(o.address, addr, remaining); err != nil {
			return err
		}
		if err := m.ReturnFunds(o.address, o.address, remaining); err != nil {
			return err
		}
	}
	if err := m.SettleSlashing(o.address); err != nil {
		return err
	}

	o.logger.Info("Auction settled", "market", m.Name(), "auctionID", id, "returned", remaining.Dec())
	o.emit(events.AuctionSettled, events.Fields{
		"market":    addr.Hex(),
		"auctionID": fmt.Sprint(id),
		"returned":  remaining.Dec(),
	})
	return nil
}

// TerminateAuction aborts auction id and returns everything unsold.
func (o *Orchestrator) TerminateAuction(caller common.Address, id uint64) (*uint256.Int, error) {
	if err := o.governance.Check(caller); err != nil {
		return nil, err
	}
	if _, ok := o.auctionMarket[id]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAuction, id)
	}
	return o.engine.TerminateAuction(o.address, id)
}

// WithdrawFundsRaisedFromAuction sends amount of the payment asset raised by
// ended auctions to the caller.
func (o *Orchestrator) WithdrawFundsRaisedFromAuction(caller common.Address, amount *uint256.Int) error {
	if err := o.governance.Check(caller); err != nil {
		return err
	}
	payment := o.engine.Payment()
	if err := payment.TransferFrom(o.address, o.engine.Address(), caller, amount); err != nil {
		return err
	}
	o.emit(events.FundsRaisedWithdrawn, events.Fields{
		"to":     caller.Hex(),
		"token":  payment.Address().Hex(),
		"amount": amount.Dec(),
	})
	return nil
}

// ReturnFunds donates amount of the donor's underlying to a market.
func (o *Orchestrator) ReturnFunds(caller, market, donor common.Address, amount *uint256.Int) error {
	if err := o.governance.Check(caller); err != nil {
		return err
	}
	m, err := o.market(market)
	if err != nil {
		return err
	}
	return m.ReturnFunds(o.address, donor, amount)
}

// Pause pauses the orchestrator and, through their parent switch, every
// vault and the reward accountant.
func (o *Orchestrator) Pause(caller common.Address) error { return o.pause.Pause(caller) }

// Unpause lifts the orchestrator's pause.
func (o *Orchestrator) Unpause(caller common.Address) error { return o.pause.Unpause(caller) }

// PauseSwitch is the parent switch for vaults and the reward accountant.
func (o *Orchestrator) PauseSwitch() *access.PauseSwitch { return o.pause }

// Paused reports whether the orchestrator is paused.
func (o *Orchestrator) Paused() bool { return o.pause.Paused() }

// Address is the principal the orchestrator acts as toward vaults and the engine.
func (o *Orchestrator) Address() common.Address { return o.address }

// Governance returns the governance principal.
func (o *Orchestrator) Governance() common.Address { return o.governance.Trusted() }

// Engine returns the auction engine the orchestrator drives.
func (o *Orchestrator) Engine() Engine { return o.engine }

// Markets lists registered markets in registration order.
func (o *Orchestrator) Markets() []common.Address {
	out := make([]common.Address, len(o.markets))
	for i, m := range o.markets {
		out[i] = m.Address()
	}
	return out
}

// NumMarkets returns how many markets are registered.
func (o *Orchestrator) NumMarkets() int { return len(o.markets) }

// MarketByIndex returns the i-th registered market.
func (o *Orchestrator) MarketByIndex(i int) (Market, error) {
	if i < 0 || i >= len(o.markets) {
		return nil, fmt.Errorf("%w: index %d", ErrInvalidMarket, i)
	}
	return o.markets[i], nil
}

// MarketIndex returns the registry index of a market.
func (o *Orchestrator) MarketIndex(addr common.Address) (int, error) {
	i, ok := o.marketIdx[addr]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrInvalidMarket, addr.Hex())
	}
	return i, nil
}

// AuctionMarket returns the market auction id was started for.
func (o *Orchestrator) AuctionMarket(id uint64) (common.Address, bool) {
	addr, ok := o.auctionMarket[id]
	return addr, ok
}

func (o *Orchestrator) market(addr common.Address) (Market, error) {
	i, ok := o.marketIdx[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMarket, addr.Hex())
	}
	return o.markets[i], nil
}

func (o *Orchestrator) emit(kind events.Kind, fields events.Fields) {
	o.emitter.Emit(events.New(events.TopicOrchestrator, kind, o.address, o.clock.Now(), fields))
}
