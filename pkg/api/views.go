package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/luxfi/safety/pkg/auction"
	"github.com/luxfi/safety/pkg/safety"
	"github.com/luxfi/safety/pkg/vault"
	"github.com/luxfi/safety/pkg/wad"
)

// Amounts cross the wire as decimal strings in whole units ("1.5").

// VaultInfo is the read projection of one vault.
type VaultInfo struct {
	Address         common.Address `json:"address"`
	Name            string         `json:"name"`
	Underlying      common.Address `json:"underlying"`
	Controller      common.Address `json:"controller"`
	TotalSupply     string         `json:"totalSupply"`
	TotalUnderlying string         `json:"totalUnderlying"`
	ExchangeRate    string         `json:"exchangeRate"`
	MaxStakeAmount  string         `json:"maxStakeAmount"`
	CooldownSeconds uint64         `json:"cooldownSeconds"`
	UnstakeWindow   uint64         `json:"unstakeWindow"`
	PostSlashing    bool           `json:"postSlashing"`
	Paused          bool           `json:"paused"`
}

func vaultInfo(v *vault.Vault) VaultInfo {
	return VaultInfo{
		Address:         v.Address(),
		Name:            v.Name(),
		Underlying:      v.Underlying().Address(),
		Controller:      v.Controller(),
		TotalSupply:     wad.Format(v.TotalSupply()),
		TotalUnderlying: wad.Format(v.TotalUnderlying()),
		ExchangeRate:    wad.Format(v.ExchangeRate()),
		MaxStakeAmount:  wad.Format(v.MaxStakeAmount()),
		CooldownSeconds: v.CooldownSeconds(),
		UnstakeWindow:   v.UnstakeWindow(),
		PostSlashing:    v.IsInPostSlashingState(),
		Paused:          v.Paused(),
	}
}

// AuctionInfo is the read projection of one auction.
type AuctionInfo struct {
	ID                   uint64         `json:"id"`
	Token                common.Address `json:"token"`
	Market               common.Address `json:"market"`
	Status               string         `json:"status"`
	TotalLots            uint64         `json:"totalLots"`
	RemainingLots        uint64         `json:"remainingLots"`
	LotPrice             string         `json:"lotPrice"`
	InitialLotSize       string         `json:"initialLotSize"`
	CurrentLotSize       string         `json:"currentLotSize"`
	LotIncreaseIncrement string         `json:"lotIncreaseIncrement"`
	LotIncreasePeriod    uint64         `json:"lotIncreasePeriod"`
	StartTime            uint64         `json:"startTime"`
	EndTime              uint64         `json:"endTime"`
	Reserved             string         `json:"reserved"`
	TokensSold           string         `json:"tokensSold"`
	FundsRaised          string         `json:"fundsRaised"`
}

func auctionInfo(sys *safety.System, a auction.Auction) AuctionInfo {
	info := AuctionInfo{
		ID:                   a.ID,
		Token:                a.Token,
		Status:               a.Status.String(),
		TotalLots:            a.TotalLots,
		RemainingLots:        a.RemainingLots,
		LotPrice:             wad.Format(a.LotPrice),
		InitialLotSize:       wad.Format(a.InitialLotSize),
		LotIncreaseIncrement: wad.Format(a.LotIncreaseIncrement),
		LotIncreasePeriod:    a.LotIncreasePeriod,
		StartTime:            a.StartTime,
		EndTime:              a.EndTime,
		Reserved:             wad.Format(a.Reserved),
		TokensSold:           wad.Format(a.TokensSold),
		FundsRaised:          wad.Format(a.FundsRaised),
	}
	if market, ok := sys.Orchestrator().AuctionMarket(a.ID); ok {
		info.Market = market
	}
	if a.Active() {
		if size, err := sys.Engine().CurrentLotSize(a.ID); err == nil {
			info.CurrentLotSize = wad.Format(size)
		}
	}
	return info
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, invalidParams("%s is required", field)
	}
	v, err := wad.Parse(s)
	if err != nil {
		return nil, invalidParams("%s: %v", field, err)
	}
	return v, nil
}

func (s *JSONRPCServer) getInfo() (interface{}, error) {
	var out map[string]interface{}
	err := s.system.View(func(sys *safety.System) error {
		orch := sys.Orchestrator()
		out = map[string]interface{}{
			"governance":   sys.Governance(),
			"orchestrator": orch.Address(),
			"engine":       sys.Engine().Address(),
			"accountant":   sys.Accountant().Address(),
			"reserve":      sys.Accountant().Reserve(),
			"underlying":   sys.Underlying().Address(),
			"payment":      sys.Payment().Address(),
			"markets":      orch.Markets(),
			"paused":       orch.Paused(),
			"assets":       sys.Symbols(),
			"timestamp":    sys.Clock().Now(),
		}
		return nil
	})
	return out, err
}

func (s *JSONRPCServer) getEvents(params json.RawMessage) (interface{}, error) {
	if s.journal == nil {
		return nil, &RPCError{Code: MethodNotFound, Message: "Event journal disabled"}
	}
	p := struct {
		From  uint64 `json:"from"`
		Limit int    `json:"limit"`
	}{Limit: 100}
	if hasParams(params) {
		if err := decode(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = 1000
	}
	list, err := s.journal.Range(p.From, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"head":   s.journal.Len(),
		"events": list,
	}, nil
}

func (s *JSONRPCServer) getMarkets() (interface{}, error) {
	var out []VaultInfo
	err := s.system.View(func(sys *safety.System) error {
		for _, v := range sys.Vaults() {
			out = append(out, vaultInfo(v))
		}
		return nil
	})
	return out, err
}

func (s *JSONRPCServer) getVault(params json.RawMessage) (interface{}, error) {
	var p struct {
		Vault common.Address `json:"vault"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	var out VaultInfo
	err := s.system.View(func(sys *safety.System) error {
		v, err := sys.Vault(p.Vault)
		if err != nil {
			return err
		}
		out = vaultInfo(v)
		return nil
	})
	return out, err
}

func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Vault common.Address `json:"vault"`
		User  common.Address `json:"user"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	var out map[string]interface{}
	err := s.system.View(func(sys *safety.System) error {
		v, err := sys.Vault(p.Vault)
		if err != nil {
			return err
		}
		acc := sys.Accountant()
		shares := v.BalanceOf(p.User)
		out = map[string]interface{}{
			"shares":           wad.Format(shares),
			"underlying":       wad.Format(v.PreviewRedeem(shares)),
			"cooldownStart":    v.CooldownStart(p.User),
			"rewardPosition":   wad.Format(acc.Position(p.Vault, p.User)),
			"multiplierStart":  acc.MultiplierStart(p.Vault, p.User),
			"rewardMultiplier": wad.Format(acc.ComputeRewardMultiplier(p.User, p.Vault)),
		}
		return nil
	})
	return out, err
}

type vaultAmountParams struct {
	Vault  common.Address `json:"vault"`
	Amount string         `json:"amount"`
}

func (s *JSONRPCServer) previewStake(params json.RawMessage) (interface{}, error) {
	return s.preview(params, (*vault.Vault).PreviewStake)
}

func (s *JSONRPCServer) previewRedeem(params json.RawMessage) (interface{}, error) {
	return s.preview(params, (*vault.Vault).PreviewRedeem)
}

func (s *JSONRPCServer) preview(params json.RawMessage, fn func(*vault.Vault, *uint256.Int) *uint256.Int) (interface{}, error) {
	var p vaultAmountParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	var out string
	err = s.system.View(func(sys *safety.System) error {
		v, err := sys.Vault(p.Vault)
		if err != nil {
			return err
		}
		out = wad.Format(fn(v, amount))
		return nil
	})
	return out, err
}

func (s *JSONRPCServer) getNextCooldownTimestamp(params json.RawMessage) (interface{}, error) {
	var p struct {
		Vault     common.Address `json:"vault"`
		FromTs    uint64         `json:"fromTimestamp"`
		Amount    string         `json:"amount"`
		To        common.Address `json:"to"`
		ToBalance string         `json:"toBalance"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	balance, err := parseAmount("toBalance", p.ToBalance)
	if err != nil {
		return nil, err
	}
	var out uint64
	err = s.system.View(func(sys *safety.System) error {
		v, err := sys.Vault(p.Vault)
		if err != nil {
			return err
		}
		out = v.GetNextCooldownTimestamp(p.FromTs, amount, p.To, balance)
		return nil
	})
	return out, err
}

func (s *JSONRPCServer) getBalance(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset common.Address `json:"asset"`
		Owner common.Address `json:"owner"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	var out string
	err := s.system.View(func(sys *safety.System) error {
		if v, err := sys.Vault(p.Asset); err == nil {
			out = wad.Format(v.BalanceOf(p.Owner))
			return nil
		}
		l, err := sys.Ledger(p.Asset)
		if err != nil {
			return err
		}
		out = wad.Format(l.BalanceOf(p.Owner))
		return nil
	})
	return out, err
}

func (s *JSONRPCServer) getAllowance(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset   common.Address `json:"asset"`
		Owner   common.Address `json:"owner"`
		Spender common.Address `json:"spender"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	var out string
	err := s.system.View(func(sys *safety.System) error {
		if v, err := sys.Vault(p.Asset); err == nil {
			out = wad.Format(v.Allowance(p.Owner, p.Spender))
			return nil
		}
		l, err := sys.Ledger(p.Asset)
		if err != nil {
			return err
		}
		out = wad.Format(l.Allowance(p.Owner, p.Spender))
		return nil
	})
	return out, err
}

func (s *JSONRPCServer) getAuction(params json.RawMessage) (interface{}, error) {
	var p struct {
		ID uint64 `json:"auctionId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	var out AuctionInfo
	err := s.system.View(func(sys *safety.System) error {
		a, err := sys.Engine().Auction(p.ID)
		if err != nil {
			return err
		}
		out = auctionInfo(sys, a)
		return nil
	})
	return out, err
}

func (s *JSONRPCServer) getAuctions() (interface{}, error) {
	var out []AuctionInfo
	err := s.system.View(func(sys *safety.System) error {
		engine := sys.Engine()
		for id := uint64(0); id < engine.NextAuctionID(); id++ {
			a, err := engine.Auction(id)
			if err != nil {
				return err
			}
			out = append(out, auctionInfo(sys, a))
		}
		return nil
	})
	return out, err
}

// RewardTokenInfo is the read projection of one reward token.
type RewardTokenInfo struct {
	Address         common.Address            `json:"address"`
	InflationRate   string                    `json:"inflationRate"`
	InitialRate     string                    `json:"initialInflationRate"`
	ReductionFactor string                    `json:"reductionFactor"`
	Paused          bool                      `json:"paused"`
	TotalUnclaimed  string                    `json:"totalUnclaimed"`
	Weights         map[common.Address]uint64 `json:"weights"`
}

func (s *JSONRPCServer) getRewardTokens() (interface{}, error) {
	var out map[string]interface{}
	err := s.system.View(func(sys *safety.System) error {
		acc := sys.Accountant()
		tokens := []RewardTokenInfo{}
		for _, token := range acc.RewardTokens() {
			info := RewardTokenInfo{
				Address:         token,
				InflationRate:   wad.Format(acc.InflationRate(token)),
				InitialRate:     wad.Format(acc.InitialInflationRate(token)),
				ReductionFactor: wad.Format(acc.InitialReductionFactor(token)),
				Paused:          acc.IsRewardPaused(token),
				TotalUnclaimed:  wad.Format(acc.TotalUnclaimed(token)),
				Weights:         make(map[common.Address]uint64),
			}
			for _, market := range acc.RewardMarkets(token) {
				info.Weights[market] = acc.MarketWeight(token, market)
			}
			tokens = append(tokens, info)
		}
		out = map[string]interface{}{
			"maxRewardMultiplier": wad.Format(acc.MaxRewardMultiplier()),
			"smoothingValue":      wad.Format(acc.SmoothingValue()),
			"reserve":             acc.Reserve(),
			"paused":              acc.Paused(),
			"tokens":              tokens,
		}
		return nil
	})
	return out, err
}

func (s *JSONRPCServer) getRewards(params json.RawMessage) (interface{}, error) {
	var p struct {
		User common.Address `json:"user"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	var out map[string]interface{}
	err := s.system.View(func(sys *safety.System) error {
		acc := sys.Accountant()
		accrued := make(map[common.Address]string)
		for _, token := range acc.RewardTokens() {
			accrued[token] = wad.Format(acc.RewardsAccrued(p.User, token))
		}
		multipliers := make(map[common.Address]string)
		for _, market := range acc.Markets() {
			multipliers[market] = wad.Format(acc.ComputeRewardMultiplier(p.User, market))
		}
		out = map[string]interface{}{
			"accrued":     accrued,
			"multipliers": multipliers,
		}
		return nil
	})
	return out, err
}

// Snapshot returns the current state behind a websocket channel: a vault
// projection for "vault:<address>", every auction for "auction" and the
// reward configuration for "rewards".
func (s *JSONRPCServer) Snapshot(channel string) (interface{}, bool) {
	topic, addr, hasAddr := strings.Cut(channel, ":")
	var (
		out interface{}
		err error
	)
	switch {
	case topic == "vault" && hasAddr && common.IsHexAddress(addr):
		out, err = s.getVault(json.RawMessage(fmt.Sprintf(`{"vault":%q}`, addr)))
	case topic == "auction" && !hasAddr:
		out, err = s.getAuctions()
	case topic == "rewards" && !hasAddr:
		out, err = s.getRewardTokens()
	default:
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	return out, true
}
