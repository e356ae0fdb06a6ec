// Package model defines the persistence and messaging types of the audit
// trail service.
package model

import (
	"github.com/shopspring/decimal"
)

// AuditPhaseStatus is the lifecycle status of one on-chain write phase
// (commit or resolve) for a bet.
type AuditPhaseStatus int8

const (
	AuditPhaseStatusPending   AuditPhaseStatus = 0 // not attempted yet
	AuditPhaseStatusSubmitted AuditPhaseStatus = 1 // tx broadcast, awaiting receipt
	AuditPhaseStatusConfirmed AuditPhaseStatus = 2 // mined and verified
	AuditPhaseStatusFailed    AuditPhaseStatus = 3 // gave up after retries
)

func (s AuditPhaseStatus) String() string {
	switch s {
	case AuditPhaseStatusPending:
		return "PENDING"
	case AuditPhaseStatusSubmitted:
		return "SUBMITTED"
	case AuditPhaseStatusConfirmed:
		return "CONFIRMED"
	case AuditPhaseStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the phase has reached a final state.
func (s AuditPhaseStatus) IsTerminal() bool {
	return s == AuditPhaseStatusConfirmed || s == AuditPhaseStatusFailed
}

// Audit phases
const (
	AuditPhaseCommit  = "COMMIT"
	AuditPhaseResolve = "RESOLVE"
)

// AuditRecord mirrors one bet's on-chain audit trail. The chain remains the
// source of truth; this row exists so the API and the backfill job can answer
// "what happened to bet N" without an RPC round trip.
type AuditRecord struct {
	ID    int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	BetID uint64 `gorm:"column:bet_id;uniqueIndex;not null" json:"bet_id"`

	Direction  string          `gorm:"column:direction;type:varchar(8);not null" json:"direction"`
	Confidence decimal.Decimal `gorm:"column:confidence;type:decimal(12,6);not null" json:"confidence"`
	EntryPrice decimal.Decimal `gorm:"column:entry_price;type:decimal(18,2);not null" json:"entry_price"`
	BetSize    decimal.Decimal `gorm:"column:bet_size;type:decimal(20,8);not null" json:"bet_size"`
	OpenedAt   int64           `gorm:"column:opened_at;type:bigint;not null" json:"opened_at"`

	ExitPrice decimal.Decimal `gorm:"column:exit_price;type:decimal(18,2)" json:"exit_price"`
	PnL       decimal.Decimal `gorm:"column:pnl;type:decimal(18,6)" json:"pnl"`
	Won       bool            `gorm:"column:won" json:"won"`
	ClosedAt  int64           `gorm:"column:closed_at;type:bigint" json:"closed_at"`

	CommitHash        string           `gorm:"column:commit_hash;type:varchar(66)" json:"commit_hash"`
	CommitTxHash      string           `gorm:"column:commit_tx_hash;type:varchar(66)" json:"commit_tx_hash"`
	CommitBlockNumber int64            `gorm:"column:commit_block_number;type:bigint" json:"commit_block_number"`
	CommitStatus      AuditPhaseStatus `gorm:"column:commit_status;type:smallint;index;not null;default:0" json:"commit_status"`

	ResolveHash        string           `gorm:"column:resolve_hash;type:varchar(66)" json:"resolve_hash"`
	ResolveTxHash      string           `gorm:"column:resolve_tx_hash;type:varchar(66)" json:"resolve_tx_hash"`
	ResolveBlockNumber int64            `gorm:"column:resolve_block_number;type:bigint" json:"resolve_block_number"`
	ResolveStatus      AuditPhaseStatus `gorm:"column:resolve_status;type:smallint;index;not null;default:0" json:"resolve_status"`

	ErrorMessage string `gorm:"column:error_message;type:varchar(500)" json:"error_message"`
	RetryCount   int    `gorm:"column:retry_count;type:int;not null;default:0" json:"retry_count"`

	CreatedAt int64 `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt int64 `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName returns the table name.
func (AuditRecord) TableName() string {
	return "audit_records"
}

// PredictionMessage is a new bet announcement (consumed from Kafka).
type PredictionMessage struct {
	BetID      uint64          `json:"bet_id"`
	Direction  string          `json:"direction"` // UP/DOWN
	Confidence decimal.Decimal `json:"confidence"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	BetSize    decimal.Decimal `json:"bet_size"`
	Timestamp  int64           `json:"timestamp"`
}

// OutcomeMessage is a closed bet announcement (consumed from Kafka).
type OutcomeMessage struct {
	BetID          uint64          `json:"bet_id"`
	ExitPrice      decimal.Decimal `json:"exit_price"`
	PnL            decimal.Decimal `json:"pnl"`
	Won            bool            `json:"won"`
	CloseTimestamp int64           `json:"close_timestamp"`
}

// AuditConfirmation is emitted to Kafka once a write is mined.
type AuditConfirmation struct {
	BetID       uint64 `json:"bet_id"`
	Phase       string `json:"phase"` // COMMIT/RESOLVE
	Hash        string `json:"hash"`
	TxHash      string `json:"tx_hash"`
	BlockNumber int64  `json:"block_number"`
	GasUsed     int64  `json:"gas_used"`
	Status      string `json:"status"` // CONFIRMED/FAILED
	Error       string `json:"error,omitempty"`
	ConfirmedAt int64  `json:"confirmed_at"`
}
