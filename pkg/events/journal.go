package events

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
)

var headKey = []byte("events/head")

// Store is the subset of database.Database the journal writes through.
type Store interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
}

var _ Store = (database.Database)(nil)

// Journal appends every event to a key-value store under a dense sequence
// number so off-chain consumers can replay the history.
type Journal struct {
	store  Store
	logger log.Logger
	head   uint64

	mu sync.Mutex
}

// OpenJournal resumes the sequence stored in store, if any.
func OpenJournal(store Store, logger log.Logger) (*Journal, error) {
	if logger == nil {
		logger = log.Root()
	}
	j := &Journal{store: store, logger: logger}

	raw, err := store.Get(headKey)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to read journal head: %w", err)
	case len(raw) != 8:
		return nil, fmt.Errorf("corrupt journal head: %d bytes", len(raw))
	default:
		j.head = binary.BigEndian.Uint64(raw)
	}
	return j, nil
}

// Emit persists e. Storage failures are logged; the operation that produced
// the event has already committed.
func (j *Journal) Emit(e Event) {
	if _, err := j.Append(e); err != nil {
		j.logger.Error("Failed to journal event", "kind", e.Kind, "id", e.ID, "error", err)
	}
}

// Append persists e and returns its sequence number (starting at 1).
func (j *Journal) Append(e Event) (uint64, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.head + 1
	if err := j.store.Put(eventKey(seq), value); err != nil {
		return 0, err
	}
	var head [8]byte
	binary.BigEndian.PutUint64(head[:], seq)
	if err := j.store.Put(headKey, head[:]); err != nil {
		return 0, err
	}
	j.head = seq
	return seq, nil
}

// Len is the number of journaled events.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

// Get returns the event with sequence number seq.
func (j *Journal) Get(seq uint64) (Event, error) {
	var e Event
	raw, err := j.store.Get(eventKey(seq))
	if err != nil {
		return e, err
	}
	err = json.Unmarshal(raw, &e)
	return e, err
}

// Range returns up to limit events starting at sequence number from.
func (j *Journal) Range(from uint64, limit int) ([]Event, error) {
	if from == 0 {
		from = 1
	}
	head := j.Len()
	var out []Event
	for seq := from; seq <= head && len(out) < limit; seq++ {
		e, err := j.Get(seq)
		if err != nil {
			return out, fmt.Errorf("failed to read event %d: %w", seq, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("events/%020d", seq))
}
