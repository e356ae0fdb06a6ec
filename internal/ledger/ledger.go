// Package ledger defines the append-only commit/resolve audit ledger and its
// backends. Every bet id moves strictly forward through three states:
// unknown -> committed -> resolved. Entries are write-once; there is no
// delete or overwrite operation by design.
package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mattiacalastri/btc-predictions/internal/fingerprint"
)

var (
	ErrUnauthorized     = errors.New("caller is not the ledger owner")
	ErrAlreadyCommitted = errors.New("bet already committed")
	ErrAlreadyResolved  = errors.New("bet already resolved")
	ErrNotCommitted     = errors.New("bet not committed")
	ErrInvalidHash      = errors.New("hash must be non-zero")
	ErrInvalidOwner     = errors.New("new owner must be non-zero")
)

// Resolution is the stored outcome entry for a bet.
type Resolution struct {
	Hash fingerprint.Hash
	Won  bool
}

// WriteReceipt describes a settled write.
type WriteReceipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Timestamp   int64 // unix seconds, ledger wall clock at settlement
}

// Reader is the public, unauthenticated read interface. Reads are total:
// unknown ids yield zero-value sentinels, never errors beyond transport
// failures of the backend.
type Reader interface {
	GetCommit(ctx context.Context, betID uint64) (fingerprint.Hash, error)
	GetResolve(ctx context.Context, betID uint64) (Resolution, error)
	IsCommitted(ctx context.Context, betID uint64) (bool, error)
	IsResolved(ctx context.Context, betID uint64) (bool, error)
	Owner(ctx context.Context) (common.Address, error)
}

// Writer is the owner-gated write interface. All writes are atomic: on any
// failure no state changes, so a later IsCommitted/IsResolved check never
// reports a half-applied write.
type Writer interface {
	Commit(ctx context.Context, betID uint64, commitHash fingerprint.Hash) (*WriteReceipt, error)
	Resolve(ctx context.Context, betID uint64, resolveHash fingerprint.Hash, won bool) (*WriteReceipt, error)
	TransferOwnership(ctx context.Context, newOwner common.Address) (*WriteReceipt, error)
}

// Ledger combines the read and write interfaces of one backend handle.
type Ledger interface {
	Reader
	Writer
}

// EventType identifies an emitted ledger event.
type EventType string

const (
	EventCommitted            EventType = "Committed"
	EventResolved             EventType = "Resolved"
	EventOwnershipTransferred EventType = "OwnershipTransferred"
)

// Event is an auditable ledger event, mirroring the contract events
// Committed(betId, commitHash, timestamp), Resolved(betId, resolveHash, won,
// timestamp) and OwnershipTransferred(previousOwner, newOwner).
type Event struct {
	Type          EventType
	BetID         uint64
	Hash          fingerprint.Hash
	Won           bool
	Timestamp     int64
	PreviousOwner common.Address
	NewOwner      common.Address
}
