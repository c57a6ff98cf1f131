package auction

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrZeroAddress           = errors.New("auction: zero address")
	ErrInvalidAuctionConfig  = errors.New("auction: invalid auction parameters")
	ErrAuctionNotFound       = errors.New("auction: unknown auction id")
	ErrAuctionNotActive      = errors.New("auction: auction not active")
	ErrAuctionExpired        = errors.New("auction: auction time limit reached")
	ErrAuctionStillActive    = errors.New("auction: auction still running")
	ErrAuctionAlreadyActive  = errors.New("auction: asset already has an active auction")
	ErrInvalidLotCount       = errors.New("auction: invalid number of lots")
	ErrInsufficientPayment   = errors.New("auction: payment not approved or not held by buyer")
	ErrInsufficientAuctioned = errors.New("auction: auctionable balance not approved or not held")
)

// Status is the lifecycle state of an auction. Every state except Active is
// terminal.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusSoldOut
	StatusTimedOut
	StatusTerminatedEarly
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusSoldOut:
		return "sold_out"
	case StatusTimedOut:
		return "timed_out"
	case StatusTerminatedEarly:
		return "terminated_early"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Params are the inputs of StartAuction.
type Params struct {
	NumLots              uint64
	LotPrice             *uint256.Int
	InitialLotSize       *uint256.Int
	AuctionableBalance   *uint256.Int
	LotIncreaseIncrement *uint256.Int
	LotIncreasePeriod    uint64
	TimeLimit            uint64
}

// Validate checks that every parameter is non-zero and that the initial lots
// fit in the auctionable balance.
func (p Params) Validate() error {
	switch {
	case p.NumLots == 0:
		return fmt.Errorf("%w: zero lots", ErrInvalidAuctionConfig)
	case isZero(p.LotPrice):
		return fmt.Errorf("%w: zero lot price", ErrInvalidAuctionConfig)
	case isZero(p.InitialLotSize):
		return fmt.Errorf("%w: zero initial lot size", ErrInvalidAuctionConfig)
	case isZero(p.AuctionableBalance):
		return fmt.Errorf("%w: zero auctionable balance", ErrInvalidAuctionConfig)
	case isZero(p.LotIncreaseIncrement):
		return fmt.Errorf("%w: zero lot increase increment", ErrInvalidAuctionConfig)
	case p.LotIncreasePeriod == 0:
		return fmt.Errorf("%w: zero lot increase period", ErrInvalidAuctionConfig)
	case p.TimeLimit == 0:
		return fmt.Errorf("%w: zero time limit", ErrInvalidAuctionConfig)
	}
	total, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(p.NumLots), p.InitialLotSize)
	if overflow || total.Gt(p.AuctionableBalance) {
		return fmt.Errorf("%w: %d lots of %s exceed %s", ErrInvalidAuctionConfig, p.NumLots, p.InitialLotSize.Dec(), p.AuctionableBalance.Dec())
	}
	return nil
}

func isZero(x *uint256.Int) bool { return x == nil || x.IsZero() }

// Auction is a snapshot of one auction.
type Auction struct {
	ID                   uint64
	Token                common.Address
	TotalLots            uint64
	RemainingLots        uint64
	LotPrice             *uint256.Int
	InitialLotSize       *uint256.Int
	LotIncreaseIncrement *uint256.Int
	LotIncreasePeriod    uint64
	StartTime            uint64
	EndTime              uint64
	Reserved             *uint256.Int // auctioned asset still held for unsold lots
	TokensSold           *uint256.Int
	FundsRaised          *uint256.Int
	Status               Status
}

// Active reports whether lots can still be bought.
func (a Auction) Active() bool { return a.Status == StatusActive }

func (a Auction) clone() Auction {
	c := a
	c.LotPrice = new(uint256.Int).Set(a.LotPrice)
	c.InitialLotSize = new(uint256.Int).Set(a.InitialLotSize)
	c.LotIncreaseIncrement = new(uint256.Int).Set(a.LotIncreaseIncrement)
	c.Reserved = new(uint256.Int).Set(a.Reserved)
	c.TokensSold = new(uint256.Int).Set(a.TokensSold)
	c.FundsRaised = new(uint256.Int).Set(a.FundsRaised)
	return c
}

// lotSizeAt grows the lot by one increment per elapsed period, stopping at
// the end time, and clamps it so the remaining lots never promise more than
// is reserved.
func (a Auction) lotSizeAt(now uint64) *uint256.Int {
	at := now
	if at > a.EndTime {
		at = a.EndTime
	}
	var periods uint64
	if at > a.StartTime {
		periods = (at - a.StartTime) / a.LotIncreasePeriod
	}
	growth, overflow := new(uint256.Int).MulOverflow(a.LotIncreaseIncrement, uint256.NewInt(periods))
	size, overflow2 := new(uint256.Int).AddOverflow(a.InitialLotSize, growth)
	if a.RemainingLots == 0 {
		return size
	}
	limit := new(uint256.Int).Div(a.Reserved, uint256.NewInt(a.RemainingLots))
	if overflow || overflow2 || size.Gt(limit) {
		return limit
	}
	return size
}
