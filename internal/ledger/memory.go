package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mattiacalastri/btc-predictions/internal/fingerprint"
)

// Memory is an in-process ledger backend. It serializes all writes behind one
// mutex, mirroring the total ordering the chain gives each transaction, and
// keeps an append-only event log. Used in mock mode (no contract configured)
// and throughout the tests.
type Memory struct {
	mu sync.RWMutex

	owner   common.Address
	caller  common.Address
	commits map[uint64]fingerprint.Hash
	// resolves tracks the won flag together with the hash so an unset entry
	// is never confused with a zero-valued one.
	resolves map[uint64]Resolution
	events   []Event

	// parent points at the root handle; derived handles from WithCaller share
	// the root's state and lock, so ownership transfers are visible to all.
	parent *Memory
}

// NewMemory creates an in-process ledger owned by owner. The returned handle
// acts as the owner; use WithCaller for other identities.
func NewMemory(owner common.Address) *Memory {
	return &Memory{
		owner:    owner,
		caller:   owner,
		commits:  make(map[uint64]fingerprint.Hash),
		resolves: make(map[uint64]Resolution),
	}
}

// WithCaller returns a handle over the same ledger state acting as caller.
func (m *Memory) WithCaller(caller common.Address) *Memory {
	return &Memory{
		owner:    m.owner, // snapshot only; real checks read through parent
		caller:   caller,
		commits:  m.commits,
		resolves: m.resolves,
		parent:   m.root(),
	}
}

func (m *Memory) root() *Memory {
	if m.parent != nil {
		return m.parent
	}
	return m
}

// Commit stores the commit fingerprint for betID. Fails with ErrUnauthorized,
// ErrAlreadyCommitted or ErrInvalidHash; on failure no state changes.
func (m *Memory) Commit(ctx context.Context, betID uint64, commitHash fingerprint.Hash) (*WriteReceipt, error) {
	r := m.root()
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.caller != r.owner {
		return nil, ErrUnauthorized
	}
	if commitHash.IsZero() {
		return nil, ErrInvalidHash
	}
	if _, ok := r.commits[betID]; ok {
		return nil, ErrAlreadyCommitted
	}

	now := time.Now().Unix()
	r.commits[betID] = commitHash
	r.events = append(r.events, Event{
		Type:      EventCommitted,
		BetID:     betID,
		Hash:      commitHash,
		Timestamp: now,
	})

	return &WriteReceipt{Timestamp: now}, nil
}

// Resolve stores the resolve fingerprint and outcome flag for betID. Requires
// an existing commit entry; fails with ErrUnauthorized, ErrNotCommitted,
// ErrAlreadyResolved or ErrInvalidHash; on failure no state changes.
func (m *Memory) Resolve(ctx context.Context, betID uint64, resolveHash fingerprint.Hash, won bool) (*WriteReceipt, error) {
	r := m.root()
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.caller != r.owner {
		return nil, ErrUnauthorized
	}
	if resolveHash.IsZero() {
		return nil, ErrInvalidHash
	}
	if _, ok := r.commits[betID]; !ok {
		return nil, ErrNotCommitted
	}
	if _, ok := r.resolves[betID]; ok {
		return nil, ErrAlreadyResolved
	}

	now := time.Now().Unix()
	r.resolves[betID] = Resolution{Hash: resolveHash, Won: won}
	r.events = append(r.events, Event{
		Type:      EventResolved,
		BetID:     betID,
		Hash:      resolveHash,
		Won:       won,
		Timestamp: now,
	})

	return &WriteReceipt{Timestamp: now}, nil
}

// TransferOwnership hands the writer identity to newOwner.
func (m *Memory) TransferOwnership(ctx context.Context, newOwner common.Address) (*WriteReceipt, error) {
	r := m.root()
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.caller != r.owner {
		return nil, ErrUnauthorized
	}
	if newOwner == (common.Address{}) {
		return nil, ErrInvalidOwner
	}

	previous := r.owner
	r.owner = newOwner
	now := time.Now().Unix()
	r.events = append(r.events, Event{
		Type:          EventOwnershipTransferred,
		Timestamp:     now,
		PreviousOwner: previous,
		NewOwner:      newOwner,
	})

	return &WriteReceipt{Timestamp: now}, nil
}

// GetCommit returns the commit hash for betID, or the zero hash if unknown.
func (m *Memory) GetCommit(ctx context.Context, betID uint64) (fingerprint.Hash, error) {
	r := m.root()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commits[betID], nil
}

// GetResolve returns the resolve entry for betID, zero-valued if unknown.
func (m *Memory) GetResolve(ctx context.Context, betID uint64) (Resolution, error) {
	r := m.root()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolves[betID], nil
}

// IsCommitted reports whether betID has a commit entry.
func (m *Memory) IsCommitted(ctx context.Context, betID uint64) (bool, error) {
	r := m.root()
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.commits[betID]
	return ok, nil
}

// IsResolved reports whether betID has a resolve entry.
func (m *Memory) IsResolved(ctx context.Context, betID uint64) (bool, error) {
	r := m.root()
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.resolves[betID]
	return ok, nil
}

// Owner returns the current owner identity.
func (m *Memory) Owner(ctx context.Context) (common.Address, error) {
	r := m.root()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner, nil
}

// Events returns a snapshot of the emitted event log.
func (m *Memory) Events() []Event {
	r := m.root()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

var _ Ledger = (*Memory)(nil)
