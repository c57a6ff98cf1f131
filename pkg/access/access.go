// Package access holds the trust, pause and time primitives shared by the
// vault, reward accountant, auction engine and orchestrator.
package access

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnauthorized = errors.New("access: unauthorized caller")
	ErrPaused       = errors.New("access: paused")
	ErrNotPaused    = errors.New("access: not paused")
	ErrZeroAddress  = errors.New("access: zero address")
)

// Principal is anything that holds balances and invokes entry points.
type Principal interface {
	Address() common.Address
}

// Static is a Principal known only by its address.
type Static common.Address

func (s Static) Address() common.Address { return common.Address(s) }

// Guard admits exactly one trusted principal for a named capability. It is
// injected at construction so the trust relation is fixed for the lifetime of
// the component holding it.
type Guard struct {
	capability string
	trusted    Principal
}

// NewGuard binds capability to trusted.
func NewGuard(capability string, trusted Principal) (Guard, error) {
	if trusted == nil || trusted.Address() == (common.Address{}) {
		return Guard{}, fmt.Errorf("%w: %s", ErrZeroAddress, capability)
	}
	return Guard{capability: capability, trusted: trusted}, nil
}

// Check returns ErrUnauthorized unless caller is the trusted principal.
func (g Guard) Check(caller common.Address) error {
	if g.trusted == nil || caller != g.trusted.Address() {
		return fmt.Errorf("%w: %s requires %s, got %s", ErrUnauthorized, g.capability, g.Trusted().Hex(), caller.Hex())
	}
	return nil
}

// Trusted returns the address admitted by the guard.
func (g Guard) Trusted() common.Address {
	if g.trusted == nil {
		return common.Address{}
	}
	return g.trusted.Address()
}

// Pauser reports whether a component is paused.
type Pauser interface {
	Paused() bool
}

// PauseSwitch is a role-gated pause flag. A switch also reports paused while
// its parent is paused, so pausing the orchestrator pauses every vault and the
// reward accountant beneath it.
type PauseSwitch struct {
	guard  Guard
	parent Pauser
	paused bool

	mu sync.RWMutex
}

// NewPauseSwitch creates an unpaused switch operated by guard.
func NewPauseSwitch(guard Guard, parent Pauser) *PauseSwitch {
	return &PauseSwitch{guard: guard, parent: parent}
}

// Paused is true if this switch or any ancestor is paused.
func (p *PauseSwitch) Paused() bool {
	p.mu.RLock()
	paused := p.paused
	p.mu.RUnlock()
	if paused {
		return true
	}
	return p.parent != nil && p.parent.Paused()
}

// Pause sets the local flag.
func (p *PauseSwitch) Pause(caller common.Address) error {
	if err := p.guard.Check(caller); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return ErrPaused
	}
	p.paused = true
	return nil
}

// Unpause clears the local flag. An ancestor may still hold the switch paused.
func (p *PauseSwitch) Unpause(caller common.Address) error {
	if err := p.guard.Check(caller); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return ErrNotPaused
	}
	p.paused = false
	return nil
}

// WhenNotPaused returns ErrPaused if p reports paused.
func WhenNotPaused(p Pauser) error {
	if p != nil && p.Paused() {
		return ErrPaused
	}
	return nil
}

// Clock supplies the current time in Unix seconds.
type Clock interface {
	Now() uint64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() uint64 { return uint64(time.Now().Unix()) }

// ManualClock is a settable Clock for tests and simulations.
type ManualClock struct {
	now uint64
	mu  sync.Mutex
}

// NewManualClock starts at the given Unix time.
func NewManualClock(start uint64) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d, truncated to whole seconds.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += uint64(d / time.Second)
}

// Set jumps to an absolute Unix time.
func (c *ManualClock) Set(now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
