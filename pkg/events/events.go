// Package events carries the signals emitted by the safety module and fans
// them out to recorders, journals, metrics and transports.
package events

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Topic groups events by the component that emits them.
type Topic string

const (
	TopicVault        Topic = "vault"
	TopicRewards      Topic = "rewards"
	TopicAuction      Topic = "auction"
	TopicOrchestrator Topic = "orchestrator"
)

// Kind names a single event type.
type Kind string

const (
	// Vault
	Staked                Kind = "Staked"
	Redeemed              Kind = "Redeemed"
	CooldownStarted       Kind = "CooldownStarted"
	SharesTransferred     Kind = "Transfer"
	Slashed               Kind = "Slashed"
	SlashingSettled       Kind = "SlashingSettled"
	FundsReturned         Kind = "FundsReturned"
	MaxStakeAmountUpdated Kind = "MaxStakeAmountUpdated"

	// Reward accountant
	PositionUpdated       Kind = "PositionUpdated"
	RewardAccrued         Kind = "RewardAccrued"
	RewardsClaimed        Kind = "RewardsClaimed"
	RewardTokenShortfall  Kind = "RewardTokenShortfall"
	RewardTokenAdded      Kind = "RewardTokenAdded"
	RewardWeightsUpdated  Kind = "RewardWeightsUpdated"
	InflationRateUpdated  Kind = "InflationRateUpdated"
	ReductionFactorUpdate Kind = "ReductionFactorUpdated"
	MaxMultiplierUpdated  Kind = "MaxRewardMultiplierUpdated"
	SmoothingValueUpdated Kind = "SmoothingValueUpdated"
	RewardPaused          Kind = "RewardTokenPaused"
	RewardUnpaused        Kind = "RewardTokenUnpaused"
	MultiplierReset       Kind = "MultiplierReset"
	ReserveUpdated        Kind = "ReserveUpdated"
	MarketInitialized     Kind = "MarketInitialized"

	// Auction engine
	AuctionStarted    Kind = "AuctionStarted"
	LotsSold          Kind = "LotsSold"
	AuctionEnded      Kind = "AuctionEnded"
	AuctionTerminated Kind = "AuctionTerminated"

	// Orchestrator
	MarketRegistered     Kind = "MarketRegistered"
	SlashStarted         Kind = "SlashedAndAuctionStarted"
	AuctionSettled       Kind = "AuctionSettled"
	FundsRaisedWithdrawn Kind = "FundsRaisedWithdrawn"
)

// Fields holds event attributes. Amounts are rendered as raw base-10 integers.
type Fields map[string]string

// Event is one emitted signal.
type Event struct {
	ID     uuid.UUID      `json:"id"`
	Topic  Topic          `json:"topic"`
	Kind   Kind           `json:"kind"`
	Source common.Address `json:"source"`
	Time   uint64         `json:"time"`
	Fields Fields         `json:"fields,omitempty"`
}

// New stamps an event with a fresh id.
func New(topic Topic, kind Kind, source common.Address, now uint64, fields Fields) Event {
	return Event{
		ID:     uuid.New(),
		Topic:  topic,
		Kind:   kind,
		Source: source,
		Time:   now,
		Fields: fields,
	}
}

// Channel is the subscription channel of the event, e.g. "vault:0xabc...".
func (e Event) Channel() string {
	return string(e.Topic) + ":" + e.Source.Hex()
}

// Emitter accepts events from the core components.
type Emitter interface {
	Emit(Event)
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// OrDiscard returns e, or Discard when e is nil.
func OrDiscard(e Emitter) Emitter {
	if e == nil {
		return Discard
	}
	return e
}

// Bus fans each event out to every attached sink in attachment order.
type Bus struct {
	sinks []Emitter
	mu    sync.RWMutex
}

// NewBus creates a bus with the given sinks attached.
func NewBus(sinks ...Emitter) *Bus {
	b := &Bus{}
	for _, s := range sinks {
		b.Attach(s)
	}
	return b
}

// Attach adds a sink. Nil sinks are ignored.
func (b *Bus) Attach(s Emitter) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit delivers e to every sink.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		s.Emit(e)
	}
}

// Stage forwards events to its sink except while a hold is open. Held events
// are released when the outermost hold commits and dropped when the hold
// that queued them is discarded, so an operation that undoes its own state
// changes publishes nothing.
type Stage struct {
	sink    Emitter
	depth   int
	pending []Event
	mu      sync.Mutex
}

// NewStage creates a stage in front of sink.
func NewStage(sink Emitter) *Stage {
	return &Stage{sink: OrDiscard(sink)}
}

func (s *Stage) Emit(e Event) {
	s.mu.Lock()
	if s.depth > 0 {
		s.pending = append(s.pending, e)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.sink.Emit(e)
}

// Hold opens a hold. Exactly one of the returned functions must be called.
func (s *Stage) Hold() (commit, discard func()) {
	s.mu.Lock()
	mark := len(s.pending)
	s.depth++
	s.mu.Unlock()

	commit = func() { s.release(-1) }
	discard = func() { s.release(mark) }
	return commit, discard
}

func (s *Stage) release(truncate int) {
	s.mu.Lock()
	if truncate >= 0 {
		s.pending = s.pending[:truncate]
	}
	s.depth--
	var flush []Event
	if s.depth == 0 {
		flush, s.pending = s.pending, nil
	}
	s.mu.Unlock()

	for _, e := range flush {
		s.sink.Emit(e)
	}
}

// Hold opens a hold on e when it is a *Stage. Any other emitter publishes
// immediately and the returned functions do nothing.
func Hold(e Emitter) (commit, discard func()) {
	if s, ok := e.(*Stage); ok {
		return s.Hold()
	}
	return func() {}, func() {}
}

// Recorder keeps every event in memory.
type Recorder struct {
	events []Event
	mu     sync.RWMutex
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(kind Kind) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the most recent event of kind and whether one exists.
func (r *Recorder) Last(kind Kind) (Event, bool) {
	matches := r.OfKind(kind)
	if len(matches) == 0 {
		return Event{}, false
	}
	return matches[len(matches)-1], true
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
