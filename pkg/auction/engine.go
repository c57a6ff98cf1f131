// Package auction sells slashed collateral in fixed-price lots whose size
// grows over time, so buyers who wait get more tokens per lot.
package auction

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/safety/pkg/access"
	"github.com/luxfi/safety/pkg/events"
	"github.com/luxfi/safety/pkg/ledger"
)

// Controller starts auctions and is told when each one ends. At the time of
// the callback the engine has approved the controller to pull remaining
// units of the auctioned asset and the auction's funds raised in the payment
// asset.
type Controller interface {
	Address() common.Address
	AuctionEnded(caller common.Address, auctionID uint64, remaining *uint256.Int) error
}

// Config describes an engine at deployment.
type Config struct {
	Address    common.Address
	Payment    ledger.Ledger
	Controller Controller
	Clock      access.Clock
	Events     events.Emitter
	Logger     log.Logger
}

// Engine runs lot auctions for any number of assets, one at a time per
// asset. It is not safe for concurrent use.
type Engine struct {
	address    common.Address
	payment    ledger.Ledger
	controller Controller
	guard      access.Guard
	clock      access.Clock
	emitter    events.Emitter
	logger     log.Logger

	auctions []*Auction
	assets   map[uint64]ledger.Ledger
	active   map[common.Address]uint64
}

// New deploys an engine bound to its controller.
func New(cfg Config) (*Engine, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: engine address", ErrZeroAddress)
	}
	if cfg.Payment == nil {
		return nil, fmt.Errorf("%w: payment ledger", ErrZeroAddress)
	}
	if cfg.Controller == nil {
		return nil, fmt.Errorf("%w: controller", ErrZeroAddress)
	}
	guard, err := access.NewGuard("auction controller", cfg.Controller)
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
	return &Engine{
		address:    cfg.Address,
		payment:    cfg.Payment,
		controller: cfg.Controller,
		guard:      guard,
		clock:      clock,
		emitter:    events.OrDiscard(cfg.Events),
		logger:     logger,
		assets:     make(map[uint64]ledger.Ledger),
		active:     make(map[common.Address]uint64),
	}, nil
}

// StartAuction pulls p.AuctionableBalance of asset from the controller and
// opens an auction for it. It returns the new auction id.
func (e *Engine) StartAuction(caller common.Address, asset ledger.Ledger, p Params) (uint64, error) {
	if err := e.guard.Check(caller); err != nil {
		return 0, err
	}
	if asset == nil || asset.Address() == (common.Address{}) {
		return 0, fmt.Errorf("%w: asset", ErrZeroAddress)
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	token := asset.Address()
	if id, ok := e.active[token]; ok {
		return 0, fmt.Errorf("%w: %s in auction %d", ErrAuctionAlreadyActive, asset.Symbol(), id)
	}
	now := e.clock.Now()
	end := now + p.TimeLimit
	if end < now {
		return 0, fmt.Errorf("%w: time limit overflows", ErrInvalidAuctionConfig)
	}
	if asset.Allowance(caller, e.address).Lt(p.AuctionableBalance) || asset.BalanceOf(caller).Lt(p.AuctionableBalance) {
		return 0, fmt.Errorf("%w: %s %s", ErrInsufficientAuctioned, p.AuctionableBalance.Dec(), asset.Symbol())
	}
	if err := asset.TransferFrom(e.address, caller, e.address, p.AuctionableBalance); err != nil {
		return 0, err
	}

	id := uint64(len(e.auctions))
	e.auctions = append(e.auctions, &Auction{
		ID:                   id,
		Token:                token,
		TotalLots:            p.NumLots,
		RemainingLots:        p.NumLots,
		LotPrice:             new(uint256.Int).Set(p.LotPrice),
		InitialLotSize:       new(uint256.Int).Set(p.InitialLotSize),
		LotIncreaseIncrement: new(uint256.Int).Set(p.LotIncreaseIncrement),
		LotIncreasePeriod:    p.LotIncreasePeriod,
		StartTime:            now,
		EndTime:              end,
		Reserved:             new(uint256.Int).Set(p.AuctionableBalance),
		TokensSold:           new(uint256.Int),
		FundsRaised:          new(uint256.Int),
		Status:               StatusActive,
	})
	e.assets[id] = asset
	e.active[token] = id

	e.logger.Info("Auction started",
		"auctionID", id,
		"asset", asset.Symbol(),
		"lots", p.NumLots,
		"lotPrice", p.LotPrice.Dec(),
		"initialLotSize", p.InitialLotSize.Dec(),
		"balance", p.AuctionableBalance.Dec(),
		"endTime", end)
	e.emit(events.AuctionStarted, events.Fields{
		"auctionID":          fmt.Sprint(id),
		"token":              token.Hex(),
		"lots":               fmt.Sprint(p.NumLots),
		"lotPrice":           p.LotPrice.Dec(),
		"initialLotSize":     p.InitialLotSize.Dec(),
		"auctionableBalance": p.AuctionableBalance.Dec(),
		"lotIncrement":       p.LotIncreaseIncrement.Dec(),
		"lotPeriod":          fmt.Sprint(p.LotIncreasePeriod),
		"endTime":            fmt.Sprint(end),
	})
	return id, nil
}

// BuyLots sells numLots lots at the current lot size to the caller. Buying
// the last lot ends the auction.
func (e *Engine) BuyLots(caller common.Address, id uint64, numLots uint64) (*uint256.Int, error) {
	a, err := e.get(id)
	if err != nil {
		return nil, err
	}
	if !a.Active() {
		return nil, fmt.Errorf("%w: %d is %s", ErrAuctionNotActive, id, a.Status)
	}
	now := e.clock.Now()
	if now >= a.EndTime {
		return nil, fmt.Errorf("%w: ended at %d", ErrAuctionExpired, a.EndTime)
	}
	if numLots == 0 || numLots > a.RemainingLots {
		return nil, fmt.Errorf("%w: %d of %d remaining", ErrInvalidLotCount, numLots, a.RemainingLots)
	}

	lots := uint256.NewInt(numLots)
	lotSize := a.lotSizeAt(now)
	tokens := new(uint256.Int).Mul(lotSize, lots)
	cost, overflow := new(uint256.Int).MulOverflow(a.LotPrice, lots)
	if overflow {
		return nil, fmt.Errorf("%w: payment overflows", ErrInvalidLotCount)
	}
	if e.payment.Allowance(caller, e.address).Lt(cost) || e.payment.BalanceOf(caller).Lt(cost) {
		return nil, fmt.Errorf("%w: %s %s", ErrInsufficientPayment, cost.Dec(), e.payment.Symbol())
	}

	before := a.clone()
	a.RemainingLots -= numLots
	a.Reserved = new(uint256.Int).Sub(a.Reserved, tokens)
	a.TokensSold = new(uint256.Int).Add(a.TokensSold, tokens)
	a.FundsRaised = new(uint256.Int).Add(a.FundsRaised, cost)

	commit, discard := events.Hold(e.emitter)
	var returned *uint256.Int
	if a.RemainingLots == 0 {
		if returned, err = e.finish(a, StatusSoldOut); err != nil {
			*a = before
			discard()
			return nil, err
		}
	}
	defer commit()

	if err := e.payment.TransferFrom(e.address, caller, e.address, cost); err != nil {
		return nil, err
	}
	if err := e.assets[id].Transfer(e.address, caller, tokens); err != nil {
		return nil, err
	}

	e.emit(events.LotsSold, events.Fields{
		"auctionID": fmt.Sprint(id),
		"buyer":     caller.Hex(),
		"lots":      fmt.Sprint(numLots),
		"lotSize":   lotSize.Dec(),
		"lotPrice":  a.LotPrice.Dec(),
	})
	if returned != nil {
		e.emitEnded(a, returned)
	}
	return tokens, nil
}

// CompleteAuction closes an auction whose time limit has passed and hands
// the unsold balance back to the controller. Anyone may call it.
func (e *Engine) CompleteAuction(caller common.Address, id uint64) (*uint256.Int, error) {
	a, err := e.get(id)
	if err != nil {
		return nil, err
	}
	if !a.Active() {
		return nil, fmt.Errorf("%w: %d is %s", ErrAuctionNotActive, id, a.Status)
	}
	if now := e.clock.Now(); now < a.EndTime && a.RemainingLots > 0 {
		return nil, fmt.Errorf("%w: ends at %d", ErrAuctionStillActive, a.EndTime)
	}
	status := StatusTimedOut
	if a.RemainingLots == 0 {
		status = StatusSoldOut
	}
	returned, err := e.end(a, status)
	if err != nil {
		return nil, err
	}
	e.logger.Info("Auction completed", "auctionID", id, "caller", caller.Hex(), "returned", returned.Dec())
	return returned, nil
}

// TerminateAuction aborts an active auction immediately and returns the
// entire reserved balance to the controller.
func (e *Engine) TerminateAuction(caller common.Address, id uint64) (*uint256.Int, error) {
	if err := e.guard.Check(caller); err != nil {
		return nil, err
	}
	a, err := e.get(id)
	if err != nil {
		return nil, err
	}
	if !a.Active() {
		return nil, fmt.Errorf("%w: %d is %s", ErrAuctionNotActive, id, a.Status)
	}
	returned, err := e.end(a, StatusTerminatedEarly)
	if err != nil {
		return nil, err
	}
	e.logger.Warn("Auction terminated early", "auctionID", id, "returned", returned.Dec())
	e.emit(events.AuctionTerminated, events.Fields{"auctionID": fmt.Sprint(id)})
	return returned, nil
}

func (e *Engine) end(a *Auction, status Status) (*uint256.Int, error) {
	before := a.clone()
	commit, discard := events.Hold(e.emitter)
	returned, err := e.finish(a, status)
	if err != nil {
		*a = before
		discard()
		return nil, err
	}
	e.emitEnded(a, returned)
	commit()
	return returned, nil
}

// finish moves a into its terminal state, approves the controller for the
// unsold balance and the funds raised, then reports the end. Approvals are
// rolled back if the controller rejects the report; the caller restores a.
func (e *Engine) finish(a *Auction, status Status) (*uint256.Int, error) {
	asset := e.assets[a.ID]
	controller := e.controller.Address()
	returned := new(uint256.Int).Set(a.Reserved)

	prevAsset := asset.Allowance(e.address, controller)
	prevPayment := e.payment.Allowance(e.address, controller)
	assetAllowance, overflow := new(uint256.Int).AddOverflow(prevAsset, returned)
	if overflow {
		return nil, fmt.Errorf("%w: asset allowance overflows", ErrInvalidAuctionConfig)
	}
	paymentAllowance, overflow := new(uint256.Int).AddOverflow(prevPayment, a.FundsRaised)
	if overflow {
		return nil, fmt.Errorf("%w: payment allowance overflows", ErrInvalidAuctionConfig)
	}

	a.Status = status
	a.Reserved = new(uint256.Int)
	delete(e.active, a.Token)

	rollback := func() {
		_ = asset.Approve(e.address, controller, prevAsset)
		_ = e.payment.Approve(e.address, controller, prevPayment)
		e.active[a.Token] = a.ID
	}
	if err := asset.Approve(e.address, controller, assetAllowance); err != nil {
		rollback()
		return nil, err
	}
	if err := e.payment.Approve(e.address, controller, paymentAllowance); err != nil {
		rollback()
		return nil, err
	}
	if err := e.controller.AuctionEnded(e.address, a.ID, returned); err != nil {
		rollback()
		return nil, err
	}
	return returned, nil
}

func (e *Engine) emitEnded(a *Auction, returned *uint256.Int) {
	e.logger.Info("Auction ended",
		"auctionID", a.ID,
		"status", a.Status,
		"tokensSold", a.TokensSold.Dec(),
		"fundsRaised", a.FundsRaised.Dec(),
		"returned", returned.Dec())
	e.emit(events.AuctionEnded, events.Fields{
		"auctionID":   fmt.Sprint(a.ID),
		"status":      a.Status.String(),
		"tokensSold":  a.TokensSold.Dec(),
		"fundsRaised": a.FundsRaised.Dec(),
		"returned":    returned.Dec(),
	})
}

// Auction returns a snapshot of auction id.
func (e *Engine) Auction(id uint64) (Auction, error) {
	a, err := e.get(id)
	if err != nil {
		return Auction{}, err
	}
	return a.clone(), nil
}

// CurrentLotSize is the number of asset units one lot buys right now.
func (e *Engine) CurrentLotSize(id uint64) (*uint256.Int, error) {
	a, err := e.get(id)
	if err != nil {
		return nil, err
	}
	return a.lotSizeAt(e.clock.Now()), nil
}

// IsAuctionActive reports whether id exists and is still selling.
func (e *Engine) IsAuctionActive(id uint64) bool {
	a, err := e.get(id)
	return err == nil && a.Active()
}

// ActiveAuctionFor returns the active auction of the asset, if any.
func (e *Engine) ActiveAuctionFor(asset common.Address) (uint64, bool) {
	id, ok := e.active[asset]
	return id, ok
}

// NextAuctionID is the id the next auction will get.
func (e *Engine) NextAuctionID() uint64 { return uint64(len(e.auctions)) }

// ExpiredAuctions lists active auctions whose time limit has passed.
func (e *Engine) ExpiredAuctions() []uint64 {
	now := e.clock.Now()
	var ids []uint64
	for _, a := range e.auctions {
		if a.Active() && now >= a.EndTime {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// Address is the engine's principal; sellers approve it for auctioned funds.
func (e *Engine) Address() common.Address { return e.address }

// Payment returns the ledger bids are paid in.
func (e *Engine) Payment() ledger.Ledger { return e.payment }

// Controller returns the address told when auctions end.
func (e *Engine) Controller() common.Address { return e.controller.Address() }

func (e *Engine) get(id uint64) (*Auction, error) {
	if id >= uint64(len(e.auctions)) {
		return nil, fmt.Errorf("%w: %d", ErrAuctionNotFound, id)
	}
	return e.auctions[id], nil
}

func (e *Engine) emit(kind events.Kind, fields events.Fields) {
	e.emitter.Emit(events.New(events.TopicAuction, kind, e.address, e.clock.Now(), fields))
}
