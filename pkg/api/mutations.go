package api

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/luxfi/safety/pkg/orchestrator"
	"github.com/luxfi/safety/pkg/safety"
	"github.com/luxfi/safety/pkg/wad"
)

// Every mutating method names its caller explicitly; authentication is the
// host's concern.

type callerParams struct {
	Caller common.Address `json:"caller"`
}

func (p callerParams) validate() error {
	if p.Caller == (common.Address{}) {
		return invalidParams("caller is required")
	}
	return nil
}

func (s *JSONRPCServer) stake(params json.RawMessage) (interface{}, error) {
	var p struct {
		callerParams
		Vault     common.Address  `json:"vault"`
		Amount    string          `json:"amount"`
		Recipient *common.Address `json:"recipient"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	recipient := p.Caller
	if p.Recipient != nil {
		recipient = *p.Recipient
	}
	var shares *uint256.Int
	err = s.system.Execute(func(sys *safety.System) error {
		v, err := sys.Vault(p.Vault)
		if err != nil {
			return err
		}
		shares, err = v.StakeOnBehalfOf(p.Caller, recipient, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"shares": wad.Format(shares)}, nil
}

func (s *JSONRPCServer) cooldown(params json.RawMessage) (interface{}, error) {
	var p struct {
		callerParams
		Vault common.Address `json:"vault"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	var start uint64
	err := s.system.Execute(func(sys *safety.System) error {
		v, err := sys.Vault(p.Vault)
		if err != nil {
			return err
		}
		if err := v.Cooldown(p.Caller); err != nil {
			return err
		}
		start = v.CooldownStart(p.Caller)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"cooldownStart": start}, nil
}

func (s *JSONRPCServer) redeem(params json.RawMessage) (interface{}, error) {
	var p struct {
		callerParams
		Vault     common.Address  `json:"vault"`
		Amount    string          `json:"amount"`
		Recipient *common.Address `json:"recipient"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	recipient := p.Caller
	if p.Recipient != nil {
		recipient = *p.Recipient
	}
	var underlying *uint256.Int
	err = s.system.Execute(func(sys *safety.System) error {
		v, err := sys.Vault(p.Vault)
		if err != nil {
			return err
		}
		underlying, err = v.RedeemTo(p.Caller, recipient, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"underlying": wad.Format(underlying)}, nil
}

func (s *JSONRPCServer) transferShares(params json.RawMessage) (interface{}, error) {
	var p struct {
		callerParams
		Vault  common.Address  `json:"vault"`
		From   *common.Address `json:"from"`
		To     common.Address  `json:"to"`
		Amount string          `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	err = s.system.Execute(func(sys *safety.System) error {
		v, err := sys.Vault(p.Vault)
		if err != nil {
			return err
		}
		if p.From != nil && *p.From != p.Caller {
			return v.TransferFrom(p.Caller, *p.From, p.To, amount)
		}
		return v.Transfer(p.Caller, p.To, amount)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "transferred"}, nil
}

// approve sets an allowance on an asset ledger or on a vault's shares.
func (s *JSONRPCServer) approve(params json.RawMessage) (interface{}, error) {
	var p struct {
		callerParams
		Asset   common.Address `json:"asset"`
		Spender common.Address `json:"spender"`
		Amount  string         `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	err = s.system.Execute(func(sys *safety.System) error {
		if v, err := sys.Vault(p.Asset); err == nil {
			return v.Approve(p.Caller, p.Spender, amount)
		}
		l, err := sys.Ledger(p.Asset)
		if err != nil {
			return err
		}
		return l.Approve(p.Caller, p.Spender, amount)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "approved"}, nil
}

func (s *JSONRPCServer) mint(params json.RawMessage) (interface{}, error) {
	if !s.faucet {
		return nil, &RPCError{Code: MethodNotFound, Message: "Faucet disabled"}
	}
	var p struct {
		Asset  common.Address `json:"asset"`
		To     common.Address `json:"to"`
		Amount string         `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.system.Mint(p.Asset, p.To, amount); err != nil {
		return nil, err
	}
	s.logger.Info("Faucet mint", "asset", p.Asset.Hex(), "to", p.To.Hex(), "amount", p.Amount)
	return map[string]interface{}{"status": "minted"}, nil
}

func (s *JSONRPCServer) buyLots(params json.RawMessage) (interface{}, error) {
	var p struct {
		callerParams
		ID   uint64 `json:"auctionId"`
		Lots uint64 `json:"lots"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	var bought *uint256.Int
	err := s.system.Execute(func(sys *safety.System) error {
		var err error
		bought, err = sys.Engine().BuyLots(p.Caller, p.ID, p.Lots)
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tokens": wad.Format(bought)}, nil
}

func (s *JSONRPCServer) completeAuction(params json.RawMessage) (interface{}, error) {
	var p struct {
		callerParams
		ID uint64 `json:"auctionId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	var returned *uint256.Int
	err := s.system.Execute(func(sys *safety.System) error {
		var err error
		returned, err = sys.Engine().CompleteAuction(p.Caller, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"returned": wad.Format(returned)}, nil
}

func (s *JSONRPCServer) accrueRewards(params json.RawMessage) (interface{}, error) {
	var p struct {
		User  common.Address  `json:"user"`
		Vault *common.Address `json:"vault"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	err := s.system.Execute(func(sys *safety.System) error {
		if p.Vault != nil {
			return sys.Accountant().AccrueRewards(*p.Vault, p.User)
		}
		return sys.Accountant().AccrueAllRewards(p.User)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "accrued"}, nil
}

func (s *JSONRPCServer) claimRewards(params json.RawMessage) (interface{}, error) {
	var p struct {
		callerParams
		User *common.Address `json:"user"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	var paid map[common.Address]*uint256.Int
	err := s.system.Execute(func(sys *safety.System) error {
		var err error
		if p.User != nil {
			paid, err = sys.Accountant().ClaimRewardsFor(p.Caller, *p.User)
		} else {
			paid, err = sys.Accountant().ClaimRewards(p.Caller)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[common.Address]string, len(paid))
	for token, amount := range paid {
		out[token] = wad.Format(amount)
	}
	return map[string]interface{}{"paid": out}, nil
}

func (s *JSONRPCServer) registerPositions(params json.RawMessage) (interface{}, error) {
	var p struct {
		callerParams
		Vaults []common.Address `json:"vaults"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	err := s.system.Execute(func(sys *safety.System) error {
		return sys.Accountant().RegisterPositions(p.Caller, p.Vaults)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "registered"}, nil
}

func (s *JSONRPCServer) slashAndStartAuction(params json.RawMessage) (interface{}, error) {
	var p struct {
		callerParams
		Vault                common.Address `json:"vault"`
		NumLots              uint64         `json:"numLots"`
		LotPrice             string         `json:"lotPrice"`
		InitialLotSize       string         `json:"initialLotSize"`
		SlashAmount          string         `json:"slashAmount"`
		LotIncreaseIncrement string         `json:"lotIncreaseIncrement"`
		LotIncreasePeriod    uint64         `json:"lotIncreasePeriod"`
		TimeLimit            uint64         `json:"timeLimit"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	req := orchestrator.SlashRequest{
		Market:            p.Vault,
		NumLots:           p.NumLots,
		LotIncreasePeriod: p.LotIncreasePeriod,
		TimeLimit:         p.TimeLimit,
	}
	var err error
	if req.LotPrice, err = parseAmount("lotPrice", p.LotPrice); err != nil {
		return nil, err
	}
	if req.InitialLotSize, err = parseAmount("initialLotSize", p.InitialLotSize); err != nil {
		return nil, err
	}
	if req.SlashAmount, err = parseAmount("slashAmount", p.SlashAmount); err != nil {
		return nil, err
	}
	if req.LotIncreaseIncrement, err = parseAmount("lotIncreaseIncrement", p.LotIncreaseIncrement); err != nil {
		return nil, err
	}
	var id uint64
	err = s.system.Execute(func(sys *safety.System) error {
		var err error
		id, err = sys.Orchestrator().SlashAndStartAuction(p.Caller, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"auctionId": id}, nil
}

func (s *JSONRPCServer) terminateAuction(params json.RawMessage) (interface{}, error) {
	var p struct {
		callerParams
		ID uint64 `json:"auctionId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	var returned *uint256.Int
	err := s.system.Execute(func(sys *safety.System) error {
		var err error
		returned, err = sys.Orchestrator().TerminateAuction(p.Caller, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"returned": wad.Format(returned)}, nil
}

func (s *JSONRPCServer) withdrawFundsRaised(params json.RawMessage) (interface{}, error) {
	var p struct {
		callerParams
		Amount string `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	err = s.system.Execute(func(sys *safety.System) error {
		return sys.Orchestrator().WithdrawFundsRaisedFromAuction(p.Caller, amount)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "withdrawn"}, nil
}

func (s *JSONRPCServer) returnFunds(params json.RawMessage) (interface{}, error) {
	var p struct {
		callerParams
		Vault  common.Address `json:"vault"`
		Donor  common.Address `json:"donor"`
		Amount string         `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	err = s.system.Execute(func(sys *safety.System) error {
		return sys.Orchestrator().ReturnFunds(p.Caller, p.Vault, p.Donor, amount)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "returned"}, nil
}

func (s *JSONRPCServer) setMaxStakeAmount(params json.RawMessage) (interface{}, error) {
	var p struct {
		callerParams
		Vault  common.Address `json:"vault"`
		Amount string         `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	err = s.system.Execute(func(sys *safety.System) error {
		v, err := sys.Vault(p.Vault)
		if err != nil {
			return err
		}
		return v.SetMaxStakeAmount(p.Caller, amount)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "updated"}, nil
}

// setPaused pauses the orchestrator by default, or the vault or accountant
// named by target.
func (s *JSONRPCServer) setPaused(params json.RawMessage, paused bool) (interface{}, error) {
	var p struct {
		callerParams
		Target *common.Address `json:"target"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	type pausable interface {
		Pause(common.Address) error
		Unpause(common.Address) error
	}
	err := s.system.Execute(func(sys *safety.System) error {
		var target pausable = sys.Orchestrator()
		if p.Target != nil {
			switch *p.Target {
			case sys.Orchestrator().Address():
			case sys.Accountant().Address():
				target = sys.Accountant()
			default:
				v, err := sys.Vault(*p.Target)
				if err != nil {
					return err
				}
				target = v
			}
		}
		if paused {
			return target.Pause(p.Caller)
		}
		return target.Unpause(p.Caller)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"paused": paused}, nil
}

func (s *JSONRPCServer) updateRewardWeights(params json.RawMessage) (interface{}, error) {
	var p struct {
		callerParams
		Token   common.Address   `json:"token"`
		Vaults  []common.Address `json:"vaults"`
		Weights []uint64         `json:"weights"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	err := s.system.Execute(func(sys *safety.System) error {
		return sys.Accountant().UpdateRewardWeights(p.Caller, p.Token, p.Vaults, p.Weights)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "updated"}, nil
}

type tokenValueParams struct {
	callerParams
	Token common.Address `json:"token"`
	Value string         `json:"value"`
}

func (s *JSONRPCServer) setInflationRate(params json.RawMessage) (interface{}, error) {
	return s.setTokenValue(params, func(sys *safety.System, caller, token common.Address, v *uint256.Int) error {
		return sys.Accountant().SetInitialInflationRate(caller, token, v)
	})
}

func (s *JSONRPCServer) setReductionFactor(params json.RawMessage) (interface{}, error) {
	return s.setTokenValue(params, func(sys *safety.System, caller, token common.Address, v *uint256.Int) error {
		return sys.Accountant().SetInitialReductionFactor(caller, token, v)
	})
}

func (s *JSONRPCServer) setMaxRewardMultiplier(params json.RawMessage) (interface{}, error) {
	return s.setTokenValue(params, func(sys *safety.System, caller, _ common.Address, v *uint256.Int) error {
		return sys.Accountant().SetMaxRewardMultiplier(caller, v)
	})
}

func (s *JSONRPCServer) setSmoothingValue(params json.RawMessage) (interface{}, error) {
	return s.setTokenValue(params, func(sys *safety.System, caller, _ common.Address, v *uint256.Int) error {
		return sys.Accountant().SetSmoothingValue(caller, v)
	})
}

func (s *JSONRPCServer) setTokenValue(params json.RawMessage, fn func(*safety.System, common.Address, common.Address, *uint256.Int) error) (interface{}, error) {
	var p tokenValueParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	value, err := parseAmount("value", p.Value)
	if err != nil {
		return nil, err
	}
	err = s.system.Execute(func(sys *safety.System) error {
		return fn(sys, p.Caller, p.Token, value)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "updated"}, nil
}

func (s *JSONRPCServer) setReserve(params json.RawMessage) (interface{}, error) {
	var p struct {
		callerParams
		Reserve common.Address `json:"reserve"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	err := s.system.Execute(func(sys *safety.System) error {
		return sys.Accountant().SetReserve(p.Caller, p.Reserve)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "updated"}, nil
}

func (s *JSONRPCServer) setRewardPaused(params json.RawMessage, paused bool) (interface{}, error) {
	var p struct {
		callerParams
		Token common.Address `json:"token"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	err := s.system.Execute(func(sys *safety.System) error {
		if paused {
			return sys.Accountant().PauseReward(p.Caller, p.Token)
		}
		return sys.Accountant().UnpauseReward(p.Caller, p.Token)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"paused": paused}, nil
}
