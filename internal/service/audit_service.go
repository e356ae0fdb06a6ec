// Package service implements the business logic of the audit trail service.
//
// ========================================
// AuditService 对接说明 (integration notes)
// ========================================
//
// ## 功能概述
// AuditService writes tamper-evident fingerprints of bot trades to the
// on-chain ledger. Every bet gets two writes: a commit hash before the
// position opens and a resolve hash after it closes. The service is strictly
// fail-open: an audit failure is recorded and alerted but never propagated
// to the trade path.
//
// ## 消息来源 (Kafka Consumer)
// - Topic: predictions (new bets) -> CommitPrediction()
// - Topic: outcomes (closed bets) -> ResolvePrediction()
//
// ## 消息输出 (Kafka Producer)
// - Topic: audit-confirmed
// - 消息类型: model.AuditConfirmation
// - 触发条件: on-chain write mined, or the service gave up after retries
//
// ## 智能合约对接
// - BTCBotAudit contract on Polygon PoS
// - ABI binding: internal/contract/audit.go
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mattiacalastri/btc-predictions/internal/cache"
	"github.com/mattiacalastri/btc-predictions/internal/fingerprint"
	"github.com/mattiacalastri/btc-predictions/internal/ledger"
	"github.com/mattiacalastri/btc-predictions/internal/metrics"
	"github.com/mattiacalastri/btc-predictions/internal/model"
	"github.com/mattiacalastri/btc-predictions/internal/repository"
	"github.com/mattiacalastri/btc-predictions/pkg/alert"
	"github.com/mattiacalastri/btc-predictions/pkg/logger"
)

var (
	ErrInvalidPrediction = errors.New("invalid prediction message")
	ErrInvalidOutcome    = errors.New("invalid outcome message")
)

// AuditResult is the caller-facing outcome of one audit write. TimingOK is
// nil when on-chain auditing is disabled, true when the write confirmed (or
// the bet was already on chain), false when the service gave up.
type AuditResult struct {
	BetID       uint64 `json:"bet_id"`
	Phase       string `json:"phase"`
	TimingOK    *bool  `json:"onchain_timing_ok"`
	Hash        string `json:"hash,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
	Skipped     bool   `json:"skipped,omitempty"`
	Error       string `json:"error,omitempty"`
}

// AuditService orchestrates fingerprint computation, on-chain writes with
// bounded retries, mirror row bookkeeping and status caching.
type AuditService struct {
	repo    repository.AuditRepository
	ledger  ledger.Ledger // nil when auditing is disabled
	cache   cache.StatusCache
	alerter alert.Alerter

	maxRetries   int
	retryBackoff time.Duration

	onAuditConfirmed func(ctx context.Context, confirmation *model.AuditConfirmation) error
}

// AuditServiceConfig 配置
type AuditServiceConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewAuditService creates the audit service. ldg may be nil, in which case
// every write fails open with a nil TimingOK.
func NewAuditService(
	repo repository.AuditRepository,
	ldg ledger.Ledger,
	statusCache cache.StatusCache,
	alerter alert.Alerter,
	cfg *AuditServiceConfig,
) *AuditService {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 500 * time.Millisecond
	}

	return &AuditService{
		repo:         repo,
		ledger:       ldg,
		cache:        statusCache,
		alerter:      alerter,
		maxRetries:   maxRetries,
		retryBackoff: retryBackoff,
	}
}

// SetOnAuditConfirmed sets the confirmation callback (Kafka producer).
func (s *AuditService) SetOnAuditConfirmed(fn func(ctx context.Context, confirmation *model.AuditConfirmation) error) {
	s.onAuditConfirmed = fn
}

// CommitPrediction fingerprints a new bet and writes the commit hash on
// chain. The returned error covers message validation only; on-chain
// failures surface through AuditResult.TimingOK.
func (s *AuditService) CommitPrediction(ctx context.Context, msg *model.PredictionMessage) (*AuditResult, error) {
	if msg == nil || msg.BetID == 0 {
		return nil, ErrInvalidPrediction
	}

	direction, err := fingerprint.ParseDirection(msg.Direction)
	if err != nil {
		return nil, ErrInvalidPrediction
	}

	pred := &fingerprint.Prediction{
		BetID:      msg.BetID,
		Direction:  direction,
		Confidence: msg.Confidence,
		EntryPrice: msg.EntryPrice,
		Size:       msg.BetSize,
		Timestamp:  msg.Timestamp,
	}
	hash := fingerprint.CommitHash(pred)

	result := &AuditResult{
		BetID: msg.BetID,
		Phase: model.AuditPhaseCommit,
		Hash:  hash.Hex(),
	}

	if err := s.ensureRecord(ctx, msg); err != nil {
		logger.Error("failed to persist audit record",
			zap.Uint64("bet_id", msg.BetID),
			zap.Error(err))
		// The chain write still proceeds; the mirror row is best effort.
	}

	if s.ledger == nil {
		// Auditing disabled: fail open with an indeterminate timing flag.
		metrics.AuditFailOpenTotal.WithLabelValues(model.AuditPhaseCommit).Inc()
		return result, nil
	}

	// Idempotent replay: a bet already on chain is a success only if the
	// existing fingerprint matches the one this message derives.
	if committed, err := s.ledger.IsCommitted(ctx, msg.BetID); err == nil && committed {
		s.confirmReplayedCommit(ctx, msg.BetID, result)
		return result, nil
	}

	receipt, writeErr := s.writeWithRetry(ctx, model.AuditPhaseCommit, msg.BetID, func(ctx context.Context) (*ledger.WriteReceipt, error) {
		return s.ledger.Commit(ctx, msg.BetID, hash)
	})

	if writeErr != nil {
		if errors.Is(writeErr, ledger.ErrAlreadyCommitted) {
			s.confirmReplayedCommit(ctx, msg.BetID, result)
			return result, nil
		}
		s.failOpen(ctx, model.AuditPhaseCommit, msg.BetID, result, writeErr)
		return result, nil
	}

	result.TimingOK = boolPtr(true)
	result.TxHash = receipt.TxHash
	result.BlockNumber = receipt.BlockNumber
	result.GasUsed = receipt.GasUsed
	s.markCommitConfirmed(ctx, msg.BetID, result, receipt)

	logger.Info("commit confirmed on chain",
		zap.Uint64("bet_id", msg.BetID),
		zap.String("commit_hash", result.Hash),
		zap.String("tx_hash", receipt.TxHash),
		zap.Uint64("block_number", receipt.BlockNumber))

	return result, nil
}

// ResolvePrediction fingerprints a closed bet and writes the resolve hash on
// chain. Same fail-open contract as CommitPrediction.
func (s *AuditService) ResolvePrediction(ctx context.Context, msg *model.OutcomeMessage) (*AuditResult, error) {
	if msg == nil || msg.BetID == 0 {
		return nil, ErrInvalidOutcome
	}

	outcome := &fingerprint.Outcome{
		BetID:          msg.BetID,
		ExitPrice:      msg.ExitPrice,
		PnL:            msg.PnL,
		Won:            msg.Won,
		CloseTimestamp: msg.CloseTimestamp,
	}
	hash := fingerprint.ResolveHash(outcome)

	result := &AuditResult{
		BetID: msg.BetID,
		Phase: model.AuditPhaseResolve,
		Hash:  hash.Hex(),
	}

	if err := s.repo.SetOutcome(ctx, msg.BetID, msg); err != nil {
		if errors.Is(err, repository.ErrAuditRecordNotFound) {
			logger.Warn("outcome for unknown bet, no commit row",
				zap.Uint64("bet_id", msg.BetID))
		} else {
			logger.Error("failed to store outcome",
				zap.Uint64("bet_id", msg.BetID),
				zap.Error(err))
		}
	}

	if s.ledger == nil {
		metrics.AuditFailOpenTotal.WithLabelValues(model.AuditPhaseResolve).Inc()
		return result, nil
	}

	if resolved, err := s.ledger.IsResolved(ctx, msg.BetID); err == nil && resolved {
		s.confirmReplayedResolve(ctx, msg.BetID, result)
		return result, nil
	}

	receipt, writeErr := s.writeWithRetry(ctx, model.AuditPhaseResolve, msg.BetID, func(ctx context.Context) (*ledger.WriteReceipt, error) {
		return s.ledger.Resolve(ctx, msg.BetID, hash, msg.Won)
	})

	if writeErr != nil {
		if errors.Is(writeErr, ledger.ErrAlreadyResolved) {
			s.confirmReplayedResolve(ctx, msg.BetID, result)
			return result, nil
		}
		s.failOpen(ctx, model.AuditPhaseResolve, msg.BetID, result, writeErr)
		return result, nil
	}

	result.TimingOK = boolPtr(true)
	result.TxHash = receipt.TxHash
	result.BlockNumber = receipt.BlockNumber
	result.GasUsed = receipt.GasUsed
	s.markResolveConfirmed(ctx, msg.BetID, result, receipt)

	logger.Info("resolve confirmed on chain",
		zap.Uint64("bet_id", msg.BetID),
		zap.String("resolve_hash", result.Hash),
		zap.String("tx_hash", receipt.TxHash),
		zap.Bool("won", msg.Won))

	return result, nil
}

// GetAuditStatus answers "what happened to bet N" from the cache first, then
// the mirror table.
func (s *AuditService) GetAuditStatus(ctx context.Context, betID uint64) (*model.AuditRecord, error) {
	return s.repo.GetByBetID(ctx, betID)
}

// ListAudits pages through the mirror table.
func (s *AuditService) ListAudits(ctx context.Context, pagination *repository.Pagination) ([]*model.AuditRecord, error) {
	return s.repo.List(ctx, pagination)
}

// GetCachedStatus returns the Redis-cached status, or ErrStatusNotCached.
func (s *AuditService) GetCachedStatus(ctx context.Context, betID uint64) (*cache.BetAuditStatus, error) {
	if s.cache == nil {
		return nil, cache.ErrStatusNotCached
	}
	return s.cache.GetStatus(ctx, betID)
}

// VerifyOnChain re-derives both hashes from a stored record and checks them
// against the chain. Used by the read API to prove integrity.
func (s *AuditService) VerifyOnChain(ctx context.Context, record *model.AuditRecord) (commitMatch, resolveMatch bool, err error) {
	if s.ledger == nil {
		return false, false, errors.New("on-chain auditing disabled")
	}

	onChainCommit, err := s.ledger.GetCommit(ctx, record.BetID)
	if err != nil {
		return false, false, err
	}
	commitMatch = !onChainCommit.IsZero() && onChainCommit.Hex() == record.CommitHash

	onChainResolve, err := s.ledger.GetResolve(ctx, record.BetID)
	if err != nil {
		return commitMatch, false, err
	}
	resolveMatch = !onChainResolve.Hash.IsZero() && onChainResolve.Hash.Hex() == record.ResolveHash

	return commitMatch, resolveMatch, nil
}

// ensureRecord creates the mirror row, tolerating replays of the same bet.
func (s *AuditService) ensureRecord(ctx context.Context, msg *model.PredictionMessage) error {
	record := &model.AuditRecord{
		BetID:      msg.BetID,
		Direction:  msg.Direction,
		Confidence: msg.Confidence,
		EntryPrice: msg.EntryPrice,
		BetSize:    msg.BetSize,
		OpenedAt:   msg.Timestamp,
	}

	if err := s.repo.Create(ctx, record); err != nil {
		// Duplicate bet_id means a replayed message; keep the existing row.
		if _, getErr := s.repo.GetByBetID(ctx, msg.BetID); getErr == nil {
			return nil
		}
		return err
	}
	return nil
}

// writeWithRetry runs the write with bounded retries and exponential
// backoff. Ledger taxonomy errors are returned immediately since retrying a
// deterministic revert only burns time.
func (s *AuditService) writeWithRetry(
	ctx context.Context,
	phase string,
	betID uint64,
	write func(ctx context.Context) (*ledger.WriteReceipt, error),
) (*ledger.WriteReceipt, error) {
	start := time.Now()
	defer func() {
		metrics.AuditWriteDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.AuditWriteRetries.WithLabelValues(phase).Inc()
			s.repo.IncrementRetry(ctx, betID)

			backoff := s.retryBackoff * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		receipt, err := write(ctx)
		if err == nil {
			metrics.AuditWritesTotal.WithLabelValues(phase, "confirmed").Inc()
			return receipt, nil
		}

		lastErr = err
		if !isRetryableWriteError(err) {
			break
		}

		logger.Warn("audit write failed, will retry",
			zap.String("phase", phase),
			zap.Uint64("bet_id", betID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	metrics.AuditWritesTotal.WithLabelValues(phase, "failed").Inc()
	return nil, lastErr
}

// failOpen records the give-up without surfacing an error to the caller.
func (s *AuditService) failOpen(ctx context.Context, phase string, betID uint64, result *AuditResult, writeErr error) {
	result.TimingOK = boolPtr(false)
	result.Error = writeErr.Error()

	metrics.AuditFailOpenTotal.WithLabelValues(phase).Inc()

	logger.Warn("audit write gave up, failing open",
		zap.String("phase", phase),
		zap.Uint64("bet_id", betID),
		zap.Error(writeErr))

	var dbErr error
	if phase == model.AuditPhaseCommit {
		dbErr = s.repo.UpdateCommitFailed(ctx, betID, writeErr.Error())
	} else {
		dbErr = s.repo.UpdateResolveFailed(ctx, betID, writeErr.Error())
	}
	if dbErr != nil && !errors.Is(dbErr, repository.ErrAuditRecordNotFound) {
		logger.Error("failed to mark audit failure",
			zap.Uint64("bet_id", betID),
			zap.Error(dbErr))
	}

	if s.cache != nil {
		s.setCacheStatus(ctx, phase, betID, model.AuditPhaseStatusFailed.String(), "")
	}

	if s.alerter != nil {
		s.alerter.SendAsync(ctx, &alert.Alert{
			Severity: alert.SeverityWarning,
			Title:    "on-chain audit write failed",
			Message:  writeErr.Error(),
			Tags: map[string]string{
				"phase":  phase,
				"bet_id": formatBetID(betID),
			},
		})
	}

	s.emitConfirmation(ctx, &model.AuditConfirmation{
		BetID:       betID,
		Phase:       phase,
		Hash:        result.Hash,
		Status:      "FAILED",
		Error:       writeErr.Error(),
		ConfirmedAt: time.Now().UnixMilli(),
	})
}

// confirmReplayedCommit finishes a commit whose bet is already on chain.
// The replay counts as a success only when the on-chain fingerprint matches
// the hash this message derived; anything else is a data-integrity alarm.
func (s *AuditService) confirmReplayedCommit(ctx context.Context, betID uint64, result *AuditResult) {
	onChain, err := s.ledger.GetCommit(ctx, betID)
	if err != nil {
		s.failOpen(ctx, model.AuditPhaseCommit, betID, result, fmt.Errorf("verify replayed commit: %w", err))
		return
	}
	if onChain.Hex() != result.Hash {
		s.alarmFingerprintMismatch(ctx, model.AuditPhaseCommit, betID, result, onChain.Hex())
		return
	}

	logger.Info("commit already on chain, skipping",
		zap.Uint64("bet_id", betID))
	metrics.AuditWritesTotal.WithLabelValues(model.AuditPhaseCommit, "skipped").Inc()
	result.TimingOK = boolPtr(true)
	result.Skipped = true
	s.markCommitConfirmed(ctx, betID, result, nil)
}

// confirmReplayedResolve is the resolve twin of confirmReplayedCommit.
func (s *AuditService) confirmReplayedResolve(ctx context.Context, betID uint64, result *AuditResult) {
	onChain, err := s.ledger.GetResolve(ctx, betID)
	if err != nil {
		s.failOpen(ctx, model.AuditPhaseResolve, betID, result, fmt.Errorf("verify replayed resolve: %w", err))
		return
	}
	if onChain.Hash.Hex() != result.Hash {
		s.alarmFingerprintMismatch(ctx, model.AuditPhaseResolve, betID, result, onChain.Hash.Hex())
		return
	}

	logger.Info("resolve already on chain, skipping",
		zap.Uint64("bet_id", betID))
	metrics.AuditWritesTotal.WithLabelValues(model.AuditPhaseResolve, "skipped").Inc()
	result.TimingOK = boolPtr(true)
	result.Skipped = true
	s.markResolveConfirmed(ctx, betID, result, nil)
}

// alarmFingerprintMismatch reports a replayed bet whose on-chain fingerprint
// differs from the one derived off-chain. The ledger is write-once so the
// divergence cannot be corrected; it is escalated as a critical alert and
// the write fails open.
func (s *AuditService) alarmFingerprintMismatch(ctx context.Context, phase string, betID uint64, result *AuditResult, onChainHex string) {
	result.TimingOK = boolPtr(false)
	result.Error = fmt.Sprintf("on-chain fingerprint mismatch: chain has %s, derived %s", onChainHex, result.Hash)

	metrics.AuditFailOpenTotal.WithLabelValues(phase).Inc()

	logger.Error("on-chain fingerprint mismatch",
		zap.String("phase", phase),
		zap.Uint64("bet_id", betID),
		zap.String("on_chain_hash", onChainHex),
		zap.String("derived_hash", result.Hash))

	var dbErr error
	if phase == model.AuditPhaseCommit {
		dbErr = s.repo.UpdateCommitFailed(ctx, betID, result.Error)
	} else {
		dbErr = s.repo.UpdateResolveFailed(ctx, betID, result.Error)
	}
	if dbErr != nil && !errors.Is(dbErr, repository.ErrAuditRecordNotFound) {
		logger.Error("failed to mark fingerprint mismatch",
			zap.Uint64("bet_id", betID),
			zap.Error(dbErr))
	}

	if s.cache != nil {
		s.setCacheStatus(ctx, phase, betID, model.AuditPhaseStatusFailed.String(), "")
	}

	if s.alerter != nil {
		s.alerter.SendAsync(ctx, &alert.Alert{
			Severity: alert.SeverityCritical,
			Title:    "on-chain audit fingerprint mismatch",
			Message:  result.Error,
			Tags: map[string]string{
				"phase":  phase,
				"bet_id": formatBetID(betID),
			},
		})
	}

	s.emitConfirmation(ctx, &model.AuditConfirmation{
		BetID:       betID,
		Phase:       phase,
		Hash:        result.Hash,
		Status:      "FAILED",
		Error:       result.Error,
		ConfirmedAt: time.Now().UnixMilli(),
	})
}

func (s *AuditService) markCommitConfirmed(ctx context.Context, betID uint64, result *AuditResult, receipt *ledger.WriteReceipt) {
	if receipt != nil {
		if err := s.repo.UpdateCommitSubmitted(ctx, betID, result.Hash, receipt.TxHash); err != nil && !errors.Is(err, repository.ErrAuditRecordNotFound) {
			logger.Error("failed to record submitted commit",
				zap.Uint64("bet_id", betID),
				zap.Error(err))
		}
	}
	if err := s.repo.UpdateCommitConfirmed(ctx, betID, int64(result.BlockNumber)); err != nil && !errors.Is(err, repository.ErrAuditRecordNotFound) {
		logger.Error("failed to confirm commit row",
			zap.Uint64("bet_id", betID),
			zap.Error(err))
	}

	if s.cache != nil {
		s.setCacheStatus(ctx, model.AuditPhaseCommit, betID, model.AuditPhaseStatusConfirmed.String(), result.TxHash)
	}

	s.emitConfirmation(ctx, &model.AuditConfirmation{
		BetID:       betID,
		Phase:       model.AuditPhaseCommit,
		Hash:        result.Hash,
		TxHash:      result.TxHash,
		BlockNumber: int64(result.BlockNumber),
		GasUsed:     int64(result.GasUsed),
		Status:      "CONFIRMED",
		ConfirmedAt: time.Now().UnixMilli(),
	})
}

func (s *AuditService) markResolveConfirmed(ctx context.Context, betID uint64, result *AuditResult, receipt *ledger.WriteReceipt) {
	if receipt != nil {
		if err := s.repo.UpdateResolveSubmitted(ctx, betID, result.Hash, receipt.TxHash); err != nil && !errors.Is(err, repository.ErrAuditRecordNotFound) {
			logger.Error("failed to record submitted resolve",
				zap.Uint64("bet_id", betID),
				zap.Error(err))
		}
	}
	if err := s.repo.UpdateResolveConfirmed(ctx, betID, int64(result.BlockNumber)); err != nil && !errors.Is(err, repository.ErrAuditRecordNotFound) {
		logger.Error("failed to confirm resolve row",
			zap.Uint64("bet_id", betID),
			zap.Error(err))
	}

	if s.cache != nil {
		s.setCacheStatus(ctx, model.AuditPhaseResolve, betID, model.AuditPhaseStatusConfirmed.String(), result.TxHash)
	}

	s.emitConfirmation(ctx, &model.AuditConfirmation{
		BetID:       betID,
		Phase:       model.AuditPhaseResolve,
		Hash:        result.Hash,
		TxHash:      result.TxHash,
		BlockNumber: int64(result.BlockNumber),
		GasUsed:     int64(result.GasUsed),
		Status:      "CONFIRMED",
		ConfirmedAt: time.Now().UnixMilli(),
	})
}

func (s *AuditService) setCacheStatus(ctx context.Context, phase string, betID uint64, status, txHash string) {
	var err error
	if phase == model.AuditPhaseCommit {
		err = s.cache.SetCommitStatus(ctx, betID, status, txHash)
	} else {
		err = s.cache.SetResolveStatus(ctx, betID, status, txHash)
	}
	if err != nil {
		logger.Warn("failed to cache audit status",
			zap.Uint64("bet_id", betID),
			zap.Error(err))
	}
}

func (s *AuditService) emitConfirmation(ctx context.Context, confirmation *model.AuditConfirmation) {
	if s.onAuditConfirmed == nil {
		return
	}
	if err := s.onAuditConfirmed(ctx, confirmation); err != nil {
		logger.Error("failed to publish audit confirmation",
			zap.Uint64("bet_id", confirmation.BetID),
			zap.String("phase", confirmation.Phase),
			zap.Error(err))
	}
}

// isRetryableWriteError separates transient transport failures from
// deterministic contract reverts.
func isRetryableWriteError(err error) bool {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized),
		errors.Is(err, ledger.ErrAlreadyCommitted),
		errors.Is(err, ledger.ErrAlreadyResolved),
		errors.Is(err, ledger.ErrNotCommitted),
		errors.Is(err, ledger.ErrInvalidHash),
		errors.Is(err, ledger.ErrInvalidOwner):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func boolPtr(b bool) *bool {
	return &b
}

func formatBetID(betID uint64) string {
	return strconv.FormatUint(betID, 10)
}
