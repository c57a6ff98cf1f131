package vault

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrZeroAmount                 = errors.New("vault: zero amount")
	ErrZeroAddress                = errors.New("vault: zero address")
	ErrPostSlashing               = errors.New("vault: disabled in post-slashing state")
	ErrNotPostSlashing            = errors.New("vault: not in post-slashing state")
	ErrAboveMaxStakeAmount        = errors.New("vault: above max stake amount")
	ErrZeroBalanceAtCooldown      = errors.New("vault: zero balance at cooldown")
	ErrInsufficientCooldown       = errors.New("vault: insufficient cooldown")
	ErrUnstakeWindowFinished      = errors.New("vault: unstake window finished")
	ErrZeroExchangeRate           = errors.New("vault: zero exchange rate")
	ErrInsufficientBalance        = errors.New("vault: insufficient share balance")
	ErrInsufficientAllowance      = errors.New("vault: insufficient share allowance")
	ErrInsufficientUnderlying     = errors.New("vault: insufficient underlying")
	ErrInsufficientUnderlyingPull = errors.New("vault: underlying not approved or not held by payer")
)

// AboveMaxStakeError reports how many more shares the recipient may hold.
type AboveMaxStakeError struct {
	Allowed *uint256.Int
}

func (e *AboveMaxStakeError) Error() string {
	return fmt.Sprintf("%s: at most %s more shares allowed", ErrAboveMaxStakeAmount, e.Allowed.Dec())
}

func (e *AboveMaxStakeError) Unwrap() error { return ErrAboveMaxStakeAmount }

// CooldownError reports when the cooldown of a redeemer elapses. Until is
// zero when no cooldown was ever started.
type CooldownError struct {
	Until uint64
}

func (e *CooldownError) Error() string {
	if e.Until == 0 {
		return fmt.Sprintf("%s: no cooldown started", ErrInsufficientCooldown)
	}
	return fmt.Sprintf("%s: cooldown ends at %d", ErrInsufficientCooldown, e.Until)
}

func (e *CooldownError) Unwrap() error { return ErrInsufficientCooldown }

// UnstakeWindowError reports when the redeemer's unstake window closed.
type UnstakeWindowError struct {
	EndedAt uint64
}

func (e *UnstakeWindowError) Error() string {
	return fmt.Sprintf("%s: window ended at %d", ErrUnstakeWindowFinished, e.EndedAt)
}

func (e *UnstakeWindowError) Unwrap() error { return ErrUnstakeWindowFinished }
