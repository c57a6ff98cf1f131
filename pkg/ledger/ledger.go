// Package ledger defines the fungible-asset boundary used by the safety
// module and an in-memory implementation of it.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrZeroAddress           = errors.New("ledger: zero address")
)

// Ledger is a standard fungible-asset ledger. The first address argument of
// every mutating call is the account that invokes it.
type Ledger interface {
	Address() common.Address
	Symbol() string
	BalanceOf(owner common.Address) *uint256.Int
	Allowance(owner, spender common.Address) *uint256.Int
	Transfer(from, to common.Address, amount *uint256.Int) error
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
	Approve(owner, spender common.Address, amount *uint256.Int) error
}

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Memory is a mutex-guarded in-memory Ledger.
type Memory struct {
	address    common.Address
	symbol     string
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     *uint256.Int

	mu sync.RWMutex
}

// NewMemory creates an empty ledger for the asset identified by address.
func NewMemory(address common.Address, symbol string) *Memory {
	return &Memory{
		address:    address,
		symbol:     symbol,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		supply:     new(uint256.Int),
	}
}

// Address returns the token address.
func (m *Memory) Address() common.Address { return m.address }

// Symbol returns the ticker used in logs and errors.
func (m *Memory) Symbol() string { return m.symbol }

// TotalSupply returns the amount minted so far.
func (m *Memory) TotalSupply() *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(uint256.Int).Set(m.supply)
}

// BalanceOf returns a copy of owner's balance.
func (m *Memory) BalanceOf(owner common.Address) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceLocked(owner)
}

// Allowance returns how much spender may still move on behalf of owner.
func (m *Memory) Allowance(owner, spender common.Address) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.allowances[allowanceKey{owner, spender}]; ok {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int)
}

// Mint credits amount to the given account.
func (m *Memory) Mint(to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	supply, overflow := new(uint256.Int).AddOverflow(m.supply, amount)
	if overflow {
		return fmt.Errorf("ledger %s: mint overflows supply", m.symbol)
	}
	m.supply = supply
	m.balances[to] = new(uint256.Int).Add(m.balanceLocked(to), amount)
	return nil
}

// Burn debits amount from the given account.
func (m *Memory) Burn(from common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balanceLocked(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, burning %s", ErrInsufficientBalance, from.Hex(), bal.Dec(), amount.Dec())
	}
	m.balances[from] = new(uint256.Int).Sub(bal, amount)
	m.supply = new(uint256.Int).Sub(m.supply, amount)
	return nil
}

// Transfer moves amount from the caller to another account.
func (m *Memory) Transfer(from, to common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveLocked(from, to, amount)
}

// TransferFrom moves amount from one account to another using the allowance
// granted to spender.
func (m *Memory) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := allowanceKey{from, spender}
	allowed, ok := m.allowances[key]
	if !ok || allowed.Lt(amount) {
		have := new(uint256.Int)
		if ok {
			have.Set(allowed)
		}
		return fmt.Errorf("%w: %s approved %s for %s, need %s",
			ErrInsufficientAllowance, from.Hex(), spender.Hex(), have.Dec(), amount.Dec())
	}
	if err := m.moveLocked(from, to, amount); err != nil {
		return err
	}
	m.allowances[key] = new(uint256.Int).Sub(allowed, amount)
	return nil
}

// Approve sets the allowance of spender over the caller's balance.
func (m *Memory) Approve(owner, spender common.Address, amount *uint256.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[allowanceKey{owner, spender}] = new(uint256.Int).Set(amount)
	return nil
}

func (m *Memory) balanceLocked(owner common.Address) *uint256.Int {
	if b, ok := m.balances[owner]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

func (m *Memory) moveLocked(from, to common.Address, amount *uint256.Int) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAddress
	}
	bal := m.balanceLocked(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, sending %s", ErrInsufficientBalance, from.Hex(), bal.Dec(), amount.Dec())
	}
	m.balances[from] = new(uint256.Int).Sub(bal, amount)
	m.balances[to] = new(uint256.Int).Add(m.balanceLocked(to), amount)
	return nil
}
