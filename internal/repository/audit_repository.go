package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/mattiacalastri/btc-predictions/internal/model"
)

var ErrAuditRecordNotFound = errors.New("audit record not found")

// AuditRepository stores the off-chain mirror of the on-chain audit trail.
type AuditRepository interface {
	Create(ctx context.Context, record *model.AuditRecord) error
	GetByBetID(ctx context.Context, betID uint64) (*model.AuditRecord, error)
	List(ctx context.Context, pagination *Pagination) ([]*model.AuditRecord, error)

	UpdateCommitSubmitted(ctx context.Context, betID uint64, commitHash, txHash string) error
	UpdateCommitConfirmed(ctx context.Context, betID uint64, blockNumber int64) error
	UpdateCommitFailed(ctx context.Context, betID uint64, errMsg string) error

	SetOutcome(ctx context.Context, betID uint64, outcome *model.OutcomeMessage) error
	UpdateResolveSubmitted(ctx context.Context, betID uint64, resolveHash, txHash string) error
	UpdateResolveConfirmed(ctx context.Context, betID uint64, blockNumber int64) error
	UpdateResolveFailed(ctx context.Context, betID uint64, errMsg string) error

	IncrementRetry(ctx context.Context, betID uint64) error

	// Backfill scans: bets whose on-chain write never confirmed.
	ListUnconfirmedCommits(ctx context.Context, limit int) ([]*model.AuditRecord, error)
	ListUnconfirmedResolves(ctx context.Context, limit int) ([]*model.AuditRecord, error)
}

type auditRepository struct {
	*Repository
}

// NewAuditRepository creates an audit record repository.
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{
		Repository: NewRepository(db),
	}
}

func (r *auditRepository) Create(ctx context.Context, record *model.AuditRecord) error {
	now := time.Now().UnixMilli()
	record.CreatedAt = now
	record.UpdatedAt = now
	return r.DB(ctx).Create(record).Error
}

func (r *auditRepository) GetByBetID(ctx context.Context, betID uint64) (*model.AuditRecord, error) {
	var record model.AuditRecord
	err := r.DB(ctx).Where("bet_id = ?", betID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAuditRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *auditRepository) List(ctx context.Context, pagination *Pagination) ([]*model.AuditRecord, error) {
	var records []*model.AuditRecord

	if err := r.DB(ctx).Model(&model.AuditRecord{}).Count(&pagination.Total).Error; err != nil {
		return nil, err
	}

	err := r.DB(ctx).
		Order("bet_id DESC").
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Find(&records).Error
	return records, err
}

func (r *auditRepository) UpdateCommitSubmitted(ctx context.Context, betID uint64, commitHash, txHash string) error {
	return r.updateByBetID(ctx, betID, map[string]interface{}{
		"commit_hash":    commitHash,
		"commit_tx_hash": txHash,
		"commit_status":  model.AuditPhaseStatusSubmitted,
	})
}

func (r *auditRepository) UpdateCommitConfirmed(ctx context.Context, betID uint64, blockNumber int64) error {
	return r.updateByBetID(ctx, betID, map[string]interface{}{
		"commit_block_number": blockNumber,
		"commit_status":       model.AuditPhaseStatusConfirmed,
		"error_message":       "",
	})
}

func (r *auditRepository) UpdateCommitFailed(ctx context.Context, betID uint64, errMsg string) error {
	return r.updateByBetID(ctx, betID, map[string]interface{}{
		"commit_status": model.AuditPhaseStatusFailed,
		"error_message": truncateError(errMsg),
	})
}

func (r *auditRepository) SetOutcome(ctx context.Context, betID uint64, outcome *model.OutcomeMessage) error {
	return r.updateByBetID(ctx, betID, map[string]interface{}{
		"exit_price": outcome.ExitPrice,
		"pnl":        outcome.PnL,
		"won":        outcome.Won,
		"closed_at":  outcome.CloseTimestamp,
	})
}

func (r *auditRepository) UpdateResolveSubmitted(ctx context.Context, betID uint64, resolveHash, txHash string) error {
	return r.updateByBetID(ctx, betID, map[string]interface{}{
		"resolve_hash":    resolveHash,
		"resolve_tx_hash": txHash,
		"resolve_status":  model.AuditPhaseStatusSubmitted,
	})
}

func (r *auditRepository) UpdateResolveConfirmed(ctx context.Context, betID uint64, blockNumber int64) error {
	return r.updateByBetID(ctx, betID, map[string]interface{}{
		"resolve_block_number": blockNumber,
		"resolve_status":       model.AuditPhaseStatusConfirmed,
		"error_message":        "",
	})
}

func (r *auditRepository) UpdateResolveFailed(ctx context.Context, betID uint64, errMsg string) error {
	return r.updateByBetID(ctx, betID, map[string]interface{}{
		"resolve_status": model.AuditPhaseStatusFailed,
		"error_message":  truncateError(errMsg),
	})
}

func (r *auditRepository) IncrementRetry(ctx context.Context, betID uint64) error {
	return r.updateByBetID(ctx, betID, map[string]interface{}{
		"retry_count": gorm.Expr("retry_count + 1"),
	})
}

func (r *auditRepository) ListUnconfirmedCommits(ctx context.Context, limit int) ([]*model.AuditRecord, error) {
	var records []*model.AuditRecord
	err := r.DB(ctx).
		Where("commit_status <> ?", model.AuditPhaseStatusConfirmed).
		Order("bet_id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *auditRepository) ListUnconfirmedResolves(ctx context.Context, limit int) ([]*model.AuditRecord, error) {
	var records []*model.AuditRecord
	err := r.DB(ctx).
		Where("closed_at > 0 AND resolve_status <> ?", model.AuditPhaseStatusConfirmed).
		Order("bet_id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *auditRepository) updateByBetID(ctx context.Context, betID uint64, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now().UnixMilli()
	result := r.DB(ctx).Model(&model.AuditRecord{}).
		Where("bet_id = ?", betID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAuditRecordNotFound
	}
	return nil
}

// truncateError keeps messages inside the column width.
func truncateError(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
