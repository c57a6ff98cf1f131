// Package keeper completes auctions whose time limit has passed on a cron
// schedule, so unsold slashed funds flow back to their vaults without a
// buyer or operator having to poke the engine.
package keeper

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/robfig/cron/v3"
)

// Sweeper completes every expired auction. safety.System implements it.
type Sweeper interface {
	CompleteExpiredAuctions(caller common.Address) ([]uint64, error)
}

// Keeper runs the sweep on a schedule.
type Keeper struct {
	cron    *cron.Cron
	sweeper Sweeper
	caller  common.Address
	logger  log.Logger

	mu        sync.Mutex
	completed uint64
	runs      uint64
}

// New registers the sweep under schedule, a standard five-field cron spec or
// a descriptor such as "@every 1m". caller is the address the keeper acts as.
func New(schedule string, sweeper Sweeper, caller common.Address, logger log.Logger) (*Keeper, error) {
	if logger == nil {
		logger = log.Root()
	}
	k := &Keeper{
		cron:    cron.New(),
		sweeper: sweeper,
		caller:  caller,
		logger:  logger,
	}
	if _, err := k.cron.AddFunc(schedule, func() { k.run() }); err != nil {
		return nil, fmt.Errorf("register keeper sweep: %w", err)
	}
	return k, nil
}

// Start starts the scheduler.
func (k *Keeper) Start() {
	k.cron.Start()
	k.logger.Info("Keeper started", "caller", k.caller.Hex())
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (k *Keeper) Stop() {
	<-k.cron.Stop().Done()
	k.logger.Info("Keeper stopped")
}

// RunNow executes one sweep immediately and returns the completed ids.
func (k *Keeper) RunNow() []uint64 {
	return k.run()
}

// Stats returns the number of sweeps run and auctions completed.
func (k *Keeper) Stats() (runs, completed uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.runs, k.completed
}

func (k *Keeper) run() []uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()

	done, err := k.sweeper.CompleteExpiredAuctions(k.caller)
	k.runs++
	k.completed += uint64(len(done))
	if err != nil {
		k.logger.Warn("Keeper sweep finished with errors", "completed", len(done), "error", err)
	} else if len(done) > 0 {
		k.logger.Info("Keeper completed auctions", "auctionIDs", done)
	}
	return done
}
