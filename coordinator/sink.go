package coordinator

import (
	"context"
	"math/big"
	"sync"

	"forest-sequencer/blacklist"
	"forest-sequencer/common"
	"forest-sequencer/hasher"
)

// EventSink receives the events of every applied operation, in order
type EventSink interface {
	Push(ctx context.Context, events []common.Event) error
}

// MemorySink keeps every pushed event in memory
type MemorySink struct {
	mu     sync.RWMutex
	events []common.Event
}

// NewMemorySink returns an empty MemorySink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Push implements EventSink
func (m *MemorySink) Push(ctx context.Context, events []common.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

// Events returns the pushed events of the given types, or all of them when
// no type is given
func (m *MemorySink) Events(types ...common.EventType) []common.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]common.Event, 0, len(m.events))
	for _, e := range m.events {
		if len(types) == 0 {
			events = append(events, e)
			continue
		}
		for _, t := range types {
			if e.Type() == t {
				events = append(events, e)
				break
			}
		}
	}
	return events
}

// MirrorSink keeps a blacklist.Mirror in sync with the committed toggles so
// that clients can be served the leaf and proof SetFlag expects
type MirrorSink struct {
	mu     sync.RWMutex
	mirror *blacklist.Mirror
}

// NewMirrorSink returns a MirrorSink over an empty registry of depth
func NewMirrorSink(h hasher.Hasher, depth int) (*MirrorSink, error) {
	m, err := blacklist.NewMirror(h, depth)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &MirrorSink{mirror: m}, nil
}

// Push implements EventSink
func (m *MirrorSink) Push(ctx context.Context, events []common.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		if update, ok := e.(*common.BlacklistRootUpdated); ok {
			if err := m.mirror.Apply(update); err != nil {
				return common.Wrap(err)
			}
		}
	}
	return nil
}

// Replay applies toggles recorded before the sink was created
func (m *MirrorSink) Replay(updates []common.BlacklistRootUpdated) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range updates {
		if err := m.mirror.Apply(&updates[i]); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

// Root returns the root of the mirrored registry
func (m *MirrorSink) Root() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mirror.Root()
}

// Proof returns the leaf holding the flag of id, its proof and whether the
// flag is set
func (m *MirrorSink) Proof(id uint64) (leaf *big.Int, proof []*big.Int, flagged bool, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	leaf, proof, err = m.mirror.Proof(id)
	if err != nil {
		return nil, nil, false, common.Wrap(err)
	}
	flagged, err = m.mirror.IsFlagged(id)
	return leaf, proof, flagged, common.Wrap(err)
}
