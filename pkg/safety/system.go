// Package safety assembles the vaults, reward accountant, auction engine and
// orchestrator of a deployment and serializes every operation on them.
package safety

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/safety/pkg/access"
	"github.com/luxfi/safety/pkg/auction"
	"github.com/luxfi/safety/pkg/config"
	"github.com/luxfi/safety/pkg/events"
	"github.com/luxfi/safety/pkg/ledger"
	"github.com/luxfi/safety/pkg/orchestrator"
	"github.com/luxfi/safety/pkg/rewards"
	"github.com/luxfi/safety/pkg/vault"
	"github.com/luxfi/safety/pkg/wad"
)

var (
	ErrUnknownVault = errors.New("safety: unknown vault")
	ErrUnknownAsset = errors.New("safety: unknown asset")
)

// Params are the runtime dependencies of a System. Config is required; the
// rest default to the system clock, a fresh bus and the root logger.
type Params struct {
	Config *config.Config
	Clock  access.Clock
	Bus    *events.Bus
	Logger log.Logger
}

// System owns one deployment. The components themselves are not safe for
// concurrent use; every access from a shared host goes through Execute or
// View so each operation is one atomic transition.
type System struct {
	governance   common.Address
	orchestrator *orchestrator.Orchestrator
	engine       *auction.Engine
	accountant   *rewards.Accountant

	vaults      []*vault.Vault
	vaultByAddr map[common.Address]*vault.Vault
	vaultByName map[string]*vault.Vault

	underlying    *ledger.Memory
	payment       *ledger.Memory
	ledgers       map[common.Address]*ledger.Memory
	ledgerBySym   map[string]*ledger.Memory
	rewardSymbols []string

	clock  access.Clock
	bus    *events.Bus
	stage  *events.Stage
	logger log.Logger

	mu sync.RWMutex
}

// New deploys every component described by p.Config and mints the configured
// allocations. The configuration must already be valid.
func New(p Params) (*System, error) {
	cfg := p.Config
	if cfg == nil {
		return nil, errors.New("safety: nil config")
	}
	if p.Clock == nil {
		p.Clock = access.SystemClock{}
	}
	if p.Bus == nil {
		p.Bus = events.NewBus()
	}
	if p.Logger == nil {
		p.Logger = log.Root()
	}

	s := &System{
		governance:  common.HexToAddress(cfg.Governance.Address),
		vaultByAddr: make(map[common.Address]*vault.Vault),
		vaultByName: make(map[string]*vault.Vault),
		ledgers:     make(map[common.Address]*ledger.Memory),
		ledgerBySym: make(map[string]*ledger.Memory),
		clock:       p.Clock,
		bus:         p.Bus,
		stage:       events.NewStage(p.Bus),
		logger:      p.Logger,
	}
	gov := access.Static(s.governance)

	s.underlying = s.addLedger(cfg.Assets.Underlying)
	s.payment = s.addLedger(cfg.Assets.Payment)

	orch, err := orchestrator.New(orchestrator.Config{
		Address:    common.HexToAddress(cfg.Governance.Orchestrator),
		Governance: gov,
		Clock:      s.clock,
		Events:     s.stage,
		Logger:     s.logger,
	}, func(c auction.Controller) (orchestrator.Engine, error) {
		e, err := auction.New(auction.Config{
			Address:    common.HexToAddress(cfg.Governance.Engine),
			Payment:    s.payment,
			Controller: c,
			Clock:      s.clock,
			Events:     s.stage,
			Logger:     s.logger,
		})
		s.engine = e
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	s.orchestrator = orch

	maxMultiplier, err := wad.Parse(cfg.Rewards.MaxMultiplier)
	if err != nil {
		return nil, fmt.Errorf("rewards.max_multiplier: %w", err)
	}
	smoothing, err := wad.Parse(cfg.Rewards.SmoothingValue)
	if err != nil {
		return nil, fmt.Errorf("rewards.smoothing_value: %w", err)
	}
	s.accountant, err = rewards.New(rewards.Config{
		Address:             common.HexToAddress(cfg.Governance.Accountant),
		Governance:          gov,
		Controller:          orch,
		Parent:              orch.PauseSwitch(),
		Reserve:             common.HexToAddress(cfg.Rewards.Reserve),
		MaxRewardMultiplier: maxMultiplier,
		SmoothingValue:      smoothing,
		Clock:               s.clock,
		Events:              s.stage,
		Logger:              s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reward accountant: %w", err)
	}
	if err := orch.SetAccountant(s.governance, s.accountant); err != nil {
		return nil, err
	}

	for _, mc := range cfg.Markets {
		maxStake, err := wad.Parse(mc.MaxStake)
		if err != nil {
			return nil, fmt.Errorf("market %s max_stake: %w", mc.Name, err)
		}
		v, err := vault.New(vault.Config{
			Address:         common.HexToAddress(mc.Address),
			Name:            mc.Name,
			Underlying:      s.underlying,
			Controller:      orch,
			Governance:      gov,
			Parent:          orch.PauseSwitch(),
			MaxStakeAmount:  maxStake,
			CooldownSeconds: uint64(mc.Cooldown.Duration / time.Second),
			UnstakeWindow:   uint64(mc.UnstakeWindow.Duration / time.Second),
			Clock:           s.clock,
			Observers:       []vault.Observer{s.accountant},
			Events:          s.stage,
			Logger:          s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create vault %s: %w", mc.Name, err)
		}
		if err := orch.RegisterMarket(s.governance, v); err != nil {
			return nil, fmt.Errorf("failed to register vault %s: %w", mc.Name, err)
		}
		s.vaults = append(s.vaults, v)
		s.vaultByAddr[v.Address()] = v
		s.vaultByName[mc.Name] = v
	}

	for _, tc := range cfg.Rewards.Tokens {
		if err := s.addRewardToken(tc); err != nil {
			return nil, fmt.Errorf("reward token %s: %w", tc.Symbol, err)
		}
	}

	for _, a := range cfg.Allocations {
		l, ok := s.ledgerBySym[a.Asset]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, a.Asset)
		}
		amount, err := wad.Parse(a.Amount)
		if err != nil {
			return nil, fmt.Errorf("allocation to %s: %w", a.To, err)
		}
		if err := l.Mint(common.HexToAddress(a.To), amount); err != nil {
			return nil, fmt.Errorf("allocation to %s: %w", a.To, err)
		}
	}

	s.logger.Info("Safety module deployed",
		"orchestrator", orch.Address().Hex(),
		"engine", s.engine.Address().Hex(),
		"accountant", s.accountant.Address().Hex(),
		"vaults", len(s.vaults),
		"rewardTokens", len(cfg.Rewards.Tokens),
	)
	return s, nil
}

func (s *System) addLedger(a config.AssetConfig) *ledger.Memory {
	l := ledger.NewMemory(common.HexToAddress(a.Address), a.Symbol)
	s.ledgers[l.Address()] = l
	s.ledgerBySym[a.Symbol] = l
	return l
}

func (s *System) addRewardToken(tc config.RewardTokenConfig) error {
	rate, err := wad.Parse(tc.InflationRate)
	if err != nil {
		return err
	}
	factor, err := wad.Parse(tc.ReductionFactor)
	if err != nil {
		return err
	}
	markets := make([]common.Address, len(tc.Markets))
	for i, name := range tc.Markets {
		v, ok := s.vaultByName[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownVault, name)
		}
		markets[i] = v.Address()
	}
	l := s.addLedger(config.AssetConfig{Symbol: tc.Symbol, Address: tc.Address})
	if err := s.accountant.AddRewardToken(s.governance, l, rate, factor, markets, tc.Weights); err != nil {
		return err
	}
	s.rewardSymbols = append(s.rewardSymbols, tc.Symbol)
	return nil
}

// Execute runs fn with exclusive access. Use it for every mutating operation.
func (s *System) Execute(fn func(*System) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s)
}

// View runs fn with shared access. fn must not mutate.
func (s *System) View(fn func(*System) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s)
}

// Governance returns the governance principal.
func (s *System) Governance() common.Address { return s.governance }

// Orchestrator returns the slashing orchestrator.
func (s *System) Orchestrator() *orchestrator.Orchestrator { return s.orchestrator }

// Engine returns the auction engine.
func (s *System) Engine() *auction.Engine { return s.engine }

// Accountant returns the reward accountant.
func (s *System) Accountant() *rewards.Accountant { return s.accountant }

// Underlying returns the ledger of the staked asset.
func (s *System) Underlying() *ledger.Memory { return s.underlying }

// Payment returns the ledger auction bids are paid in.
func (s *System) Payment() *ledger.Memory { return s.payment }

// Clock returns the clock every component reads.
func (s *System) Clock() access.Clock { return s.clock }

// Bus returns the bus events are published on once their operation commits.
func (s *System) Bus() *events.Bus { return s.bus }

// Vaults returns the vaults in registration order.
func (s *System) Vaults() []*vault.Vault {
	out := make([]*vault.Vault, len(s.vaults))
	copy(out, s.vaults)
	return out
}

// Vault looks a vault up by address.
func (s *System) Vault(addr common.Address) (*vault.Vault, error) {
	v, ok := s.vaultByAddr[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVault, addr.Hex())
	}
	return v, nil
}

// VaultByName looks a vault up by its configured name.
func (s *System) VaultByName(name string) (*vault.Vault, error) {
	v, ok := s.vaultByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVault, name)
	}
	return v, nil
}

// Ledger looks an asset ledger up by address.
func (s *System) Ledger(addr common.Address) (*ledger.Memory, error) {
	l, ok := s.ledgers[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, addr.Hex())
	}
	return l, nil
}

// LedgerBySymbol looks an asset ledger up by symbol.
func (s *System) LedgerBySymbol(symbol string) (*ledger.Memory, error) {
	l, ok := s.ledgerBySym[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return l, nil
}

// Symbols lists every asset symbol, sorted.
func (s *System) Symbols() []string {
	out := make([]string, 0, len(s.ledgerBySym))
	for sym := range s.ledgerBySym {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// CompleteExpiredAuctions completes every active auction whose time limit
// has passed and returns the ids it completed. Failures are logged and do
// not stop the sweep.
func (s *System) CompleteExpiredAuctions(caller common.Address) ([]uint64, error) {
	var done []uint64
	var errs []error
	err := s.Execute(func(s *System) error {
		for _, id := range s.engine.ExpiredAuctions() {
			returned, err := s.engine.CompleteAuction(caller, id)
			if err != nil {
				s.logger.Warn("Failed to complete expired auction", "auctionID", id, "error", err)
				errs = append(errs, fmt.Errorf("auction %d: %w", id, err))
				continue
			}
			s.logger.Info("Completed expired auction", "auctionID", id, "returned", wad.Format(returned))
			done = append(done, id)
		}
		return nil
	})
	if err != nil {
		return done, err
	}
	return done, errors.Join(errs...)
}

// Mint credits amount of the asset at token to owner. It backs genesis
// allocations and local faucets; ledgers are owned by the host.
func (s *System) Mint(token, owner common.Address, amount *uint256.Int) error {
	return s.Execute(func(s *System) error {
		l, err := s.Ledger(token)
		if err != nil {
			return err
		}
		return l.Mint(owner, amount)
	})
}
