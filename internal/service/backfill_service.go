package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mattiacalastri/btc-predictions/internal/fingerprint"
	"github.com/mattiacalastri/btc-predictions/internal/ledger"
	"github.com/mattiacalastri/btc-predictions/internal/metrics"
	"github.com/mattiacalastri/btc-predictions/internal/model"
	"github.com/mattiacalastri/btc-predictions/internal/repository"
	"github.com/mattiacalastri/btc-predictions/pkg/alert"
	"github.com/mattiacalastri/btc-predictions/pkg/logger"
)

var ErrBackfillAlreadyRunning = errors.New("backfill already running")

// BackfillService sweeps the mirror table for bets whose on-chain write
// never confirmed and retries them. The fail-open write path drops audits on
// the floor by design; this sweep is how they eventually reach the chain.
//
// Hashes are recomputed from the stored bet fields, so a recovered write
// carries the same fingerprint the original attempt would have.
type BackfillService struct {
	auditRepo repository.AuditRepository
	ledger    ledger.Ledger
	alerter   alert.Alerter

	interval  time.Duration
	maxPerRun int
	writePace time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// BackfillServiceConfig 配置
type BackfillServiceConfig struct {
	Interval  time.Duration
	MaxPerRun int
	WritePace time.Duration
}

// BackfillResult summarizes one sweep.
type BackfillResult struct {
	CommitsRecovered  int
	ResolvesRecovered int
	Failed            int
	Pending           int
}

// NewBackfillService 创建补录服务
func NewBackfillService(
	auditRepo repository.AuditRepository,
	ldg ledger.Ledger,
	alerter alert.Alerter,
	cfg *BackfillServiceConfig,
) *BackfillService {
	interval := cfg.Interval
	if interval == 0 {
		interval = 15 * time.Minute
	}

	maxPerRun := cfg.MaxPerRun
	if maxPerRun == 0 {
		maxPerRun = 30
	}

	writePace := cfg.WritePace
	if writePace == 0 {
		writePace = 2 * time.Second
	}

	return &BackfillService{
		auditRepo: auditRepo,
		ledger:    ldg,
		alerter:   alerter,
		interval:  interval,
		maxPerRun: maxPerRun,
		writePace: writePace,
	}
}

// Start 启动补录循环
func (s *BackfillService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrBackfillAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	logger.Info("backfill starting",
		zap.Duration("interval", s.interval),
		zap.Int("max_per_run", s.maxPerRun))

	go s.runLoop(ctx)

	return nil
}

// Stop 停止补录循环
func (s *BackfillService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	s.running = false
}

func (s *BackfillService) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.RunOnce(ctx)
			if err != nil {
				logger.Error("backfill sweep failed", zap.Error(err))
				continue
			}
			if result.CommitsRecovered+result.ResolvesRecovered+result.Failed > 0 {
				s.reportSweep(ctx, result)
			}
		}
	}
}

// RunOnce performs a single recovery sweep and returns its summary.
func (s *BackfillService) RunOnce(ctx context.Context) (*BackfillResult, error) {
	if s.ledger == nil {
		return &BackfillResult{}, nil
	}

	result := &BackfillResult{}

	commits, err := s.auditRepo.ListUnconfirmedCommits(ctx, s.maxPerRun)
	if err != nil {
		return nil, err
	}
	for i, record := range commits {
		if i > 0 {
			s.pace(ctx)
		}
		if err := s.recoverCommit(ctx, record); err != nil {
			result.Failed++
			logger.Warn("commit backfill failed",
				zap.Uint64("bet_id", record.BetID),
				zap.Error(err))
			continue
		}
		result.CommitsRecovered++
	}

	resolves, err := s.auditRepo.ListUnconfirmedResolves(ctx, s.maxPerRun)
	if err != nil {
		return nil, err
	}
	for i, record := range resolves {
		if i > 0 {
			s.pace(ctx)
		}
		if err := s.recoverResolve(ctx, record); err != nil {
			result.Failed++
			logger.Warn("resolve backfill failed",
				zap.Uint64("bet_id", record.BetID),
				zap.Error(err))
			continue
		}
		result.ResolvesRecovered++
	}

	result.Pending = result.Failed
	metrics.BackfillPendingGauge.Set(float64(result.Pending))

	return result, nil
}

// recoverCommit re-checks the chain before writing: the original attempt may
// have landed even though the receipt was lost.
func (s *BackfillService) recoverCommit(ctx context.Context, record *model.AuditRecord) error {
	committed, err := s.ledger.IsCommitted(ctx, record.BetID)
	if err != nil {
		return err
	}
	if committed {
		// Landed but unconfirmed locally; the indexer fills the block number.
		if err := s.auditRepo.UpdateCommitConfirmed(ctx, record.BetID, record.CommitBlockNumber); err != nil {
			return err
		}
		metrics.BackfillRecoveredTotal.WithLabelValues(model.AuditPhaseCommit).Inc()
		logger.Info("commit found on chain during backfill",
			zap.Uint64("bet_id", record.BetID))
		return nil
	}

	pred, err := predictionFromRecord(record)
	if err != nil {
		return err
	}
	hash := fingerprint.CommitHash(pred)

	receipt, err := s.ledger.Commit(ctx, record.BetID, hash)
	if err != nil {
		s.auditRepo.IncrementRetry(ctx, record.BetID)
		return err
	}

	if err := s.auditRepo.UpdateCommitSubmitted(ctx, record.BetID, hash.Hex(), receipt.TxHash); err != nil {
		return err
	}
	if err := s.auditRepo.UpdateCommitConfirmed(ctx, record.BetID, int64(receipt.BlockNumber)); err != nil {
		return err
	}

	metrics.BackfillRecoveredTotal.WithLabelValues(model.AuditPhaseCommit).Inc()
	logger.Info("commit recovered by backfill",
		zap.Uint64("bet_id", record.BetID),
		zap.String("tx_hash", receipt.TxHash))

	return nil
}

func (s *BackfillService) recoverResolve(ctx context.Context, record *model.AuditRecord) error {
	// A resolve needs its commit on chain first.
	committed, err := s.ledger.IsCommitted(ctx, record.BetID)
	if err != nil {
		return err
	}
	if !committed {
		return ledger.ErrNotCommitted
	}

	resolved, err := s.ledger.IsResolved(ctx, record.BetID)
	if err != nil {
		return err
	}
	if resolved {
		if err := s.auditRepo.UpdateResolveConfirmed(ctx, record.BetID, record.ResolveBlockNumber); err != nil {
			return err
		}
		metrics.BackfillRecoveredTotal.WithLabelValues(model.AuditPhaseResolve).Inc()
		logger.Info("resolve found on chain during backfill",
			zap.Uint64("bet_id", record.BetID))
		return nil
	}

	outcome := &fingerprint.Outcome{
		BetID:          record.BetID,
		ExitPrice:      record.ExitPrice,
		PnL:            record.PnL,
		Won:            record.Won,
		CloseTimestamp: record.ClosedAt,
	}
	hash := fingerprint.ResolveHash(outcome)

	receipt, err := s.ledger.Resolve(ctx, record.BetID, hash, record.Won)
	if err != nil {
		s.auditRepo.IncrementRetry(ctx, record.BetID)
		return err
	}

	if err := s.auditRepo.UpdateResolveSubmitted(ctx, record.BetID, hash.Hex(), receipt.TxHash); err != nil {
		return err
	}
	if err := s.auditRepo.UpdateResolveConfirmed(ctx, record.BetID, int64(receipt.BlockNumber)); err != nil {
		return err
	}

	metrics.BackfillRecoveredTotal.WithLabelValues(model.AuditPhaseResolve).Inc()
	logger.Info("resolve recovered by backfill",
		zap.Uint64("bet_id", record.BetID),
		zap.String("tx_hash", receipt.TxHash))

	return nil
}

func (s *BackfillService) pace(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.writePace):
	}
}

func (s *BackfillService) reportSweep(ctx context.Context, result *BackfillResult) {
	logger.Info("backfill sweep finished",
		zap.Int("commits_recovered", result.CommitsRecovered),
		zap.Int("resolves_recovered", result.ResolvesRecovered),
		zap.Int("failed", result.Failed))

	if s.alerter == nil || result.Failed == 0 {
		return
	}

	s.alerter.SendAsync(ctx, &alert.Alert{
		Severity: alert.SeverityWarning,
		Title:    "audit backfill left unrecovered writes",
		Message: fmt.Sprintf("recovered %d commits and %d resolves, %d writes still failing",
			result.CommitsRecovered, result.ResolvesRecovered, result.Failed),
	})
}

func predictionFromRecord(record *model.AuditRecord) (*fingerprint.Prediction, error) {
	direction, err := fingerprint.ParseDirection(record.Direction)
	if err != nil {
		return nil, err
	}
	return &fingerprint.Prediction{
		BetID:      record.BetID,
		Direction:  direction,
		Confidence: record.Confidence,
		EntryPrice: record.EntryPrice,
		Size:       record.BetSize,
		Timestamp:  record.OpenedAt,
	}, nil
}
