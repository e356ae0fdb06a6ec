// ========================================
// IndexerService 索引服务对接说明 (integration notes)
// ========================================
//
// ## 功能概述
// IndexerService tails the chain for BTCBotAudit contract events. It polls
// from the last checkpoint, parses Committed/Resolved logs and confirms the
// matching mirror rows. This catches writes that landed on chain but whose
// receipt the writer never saw (process crash, RPC flap), and writes made by
// other processes such as the backfill job.
//
// ## 消息输出 (Kafka Producer)
// - Topic: audit-confirmed
// - 消息类型: model.AuditConfirmation
// - 触发条件: indexed event confirmed a previously unconfirmed mirror row
//
// ## 检查点机制
// - A checkpoint row per chain_id is saved every checkpointInterval blocks.
// - On restart the scan resumes from checkpoint+1, so a block is never
//   skipped. Events are deduplicated by (tx_hash, log_index), so re-scanning
//   a block is harmless.
//
// ========================================
package service

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/mattiacalastri/btc-predictions/internal/cache"
	"github.com/mattiacalastri/btc-predictions/internal/contract"
	"github.com/mattiacalastri/btc-predictions/internal/metrics"
	"github.com/mattiacalastri/btc-predictions/internal/model"
	"github.com/mattiacalastri/btc-predictions/internal/repository"
	"github.com/mattiacalastri/btc-predictions/pkg/logger"
)

var (
	ErrIndexerAlreadyRunning = errors.New("indexer already running")
	ErrIndexerNotRunning     = errors.New("indexer not running")
)

// chainReader is the part of blockchain.Client the indexer needs.
type chainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

// IndexerService 链上索引服务
type IndexerService struct {
	client         chainReader
	audit          *contract.AuditContract
	checkpointRepo repository.CheckpointRepository
	auditRepo      repository.AuditRepository
	cache          cache.StatusCache

	chainID            int64
	pollInterval       time.Duration
	checkpointInterval int64
	maxBlockRange      int64

	mu           sync.RWMutex
	running      bool
	stopCh       chan struct{}
	currentBlock uint64

	onEventIndexed func(ctx context.Context, confirmation *model.AuditConfirmation) error
}

// IndexerServiceConfig 配置
type IndexerServiceConfig struct {
	ChainID            int64
	PollInterval       time.Duration
	CheckpointInterval int64
	MaxBlockRange      int64
}

// NewIndexerService 创建索引服务
func NewIndexerService(
	client chainReader,
	audit *contract.AuditContract,
	checkpointRepo repository.CheckpointRepository,
	auditRepo repository.AuditRepository,
	statusCache cache.StatusCache,
	cfg *IndexerServiceConfig,
) *IndexerService {
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 5 * time.Second
	}

	checkpointInterval := cfg.CheckpointInterval
	if checkpointInterval == 0 {
		checkpointInterval = 10
	}

	maxBlockRange := cfg.MaxBlockRange
	if maxBlockRange == 0 {
		maxBlockRange = 1000
	}

	return &IndexerService{
		client:             client,
		audit:              audit,
		checkpointRepo:     checkpointRepo,
		auditRepo:          auditRepo,
		cache:              statusCache,
		chainID:            cfg.ChainID,
		pollInterval:       pollInterval,
		checkpointInterval: checkpointInterval,
		maxBlockRange:      maxBlockRange,
	}
}

// SetOnEventIndexed sets the confirmation callback (Kafka producer).
func (s *IndexerService) SetOnEventIndexed(fn func(ctx context.Context, confirmation *model.AuditConfirmation) error) {
	s.onEventIndexed = fn
}

// Start 启动索引服务
func (s *IndexerService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrIndexerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	startBlock, err := s.getStartBlock(ctx)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	logger.Info("indexer starting",
		zap.Int64("chain_id", s.chainID),
		zap.String("contract", s.audit.Address().Hex()),
		zap.Uint64("start_block", startBlock))

	go s.runLoop(ctx, startBlock)

	return nil
}

// Stop 停止索引服务
func (s *IndexerService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrIndexerNotRunning
	}

	close(s.stopCh)
	s.running = false

	logger.Info("indexer stopped", zap.Int64("chain_id", s.chainID))

	return nil
}

// IsRunning 检查是否运行中
func (s *IndexerService) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetCurrentBlock 获取当前处理的区块
func (s *IndexerService) GetCurrentBlock() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentBlock
}

// getStartBlock 获取起始区块
func (s *IndexerService) getStartBlock(ctx context.Context) (uint64, error) {
	checkpoint, err := s.checkpointRepo.GetByChainID(ctx, s.chainID)
	if err == nil {
		return uint64(checkpoint.BlockNumber + 1), nil
	}

	if errors.Is(err, repository.ErrCheckpointNotFound) {
		// No checkpoint yet: start at the chain head.
		return s.client.BlockNumber(ctx)
	}

	return 0, err
}

// runLoop 主循环
func (s *IndexerService) runLoop(ctx context.Context, startBlock uint64) {
	currentBlock := startBlock
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			latestBlock, err := s.client.BlockNumber(ctx)
			if err != nil {
				logger.Error("failed to get latest block", zap.Error(err))
				continue
			}

			for currentBlock <= latestBlock {
				select {
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				default:
				}

				toBlock := currentBlock + uint64(s.maxBlockRange) - 1
				if toBlock > latestBlock {
					toBlock = latestBlock
				}

				if err := s.ProcessRange(ctx, currentBlock, toBlock); err != nil {
					logger.Error("failed to process block range",
						zap.Uint64("from_block", currentBlock),
						zap.Uint64("to_block", toBlock),
						zap.Error(err))
					break
				}

				s.mu.Lock()
				s.currentBlock = toBlock
				s.mu.Unlock()
				metrics.IndexerBlockHeight.Set(float64(toBlock))

				if toBlock%uint64(s.checkpointInterval) == 0 || toBlock == latestBlock {
					s.saveCheckpoint(ctx, toBlock)
				}

				currentBlock = toBlock + 1
			}
		}
	}
}

// ProcessRange scans [fromBlock, toBlock] for audit contract events.
func (s *IndexerService) ProcessRange(ctx context.Context, fromBlock, toBlock uint64) error {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{s.audit.Address()},
		Topics: [][]common.Hash{{
			s.audit.CommittedEventTopic(),
			s.audit.ResolvedEventTopic(),
			s.audit.OwnershipTransferredEventTopic(),
		}},
	}

	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		return err
	}

	for _, log := range logs {
		if err := s.processLog(ctx, log); err != nil {
			logger.Error("failed to process audit log",
				zap.String("tx_hash", log.TxHash.Hex()),
				zap.Uint("log_index", log.Index),
				zap.Error(err))
			continue
		}
	}

	return nil
}

// processLog 处理单条事件日志
func (s *IndexerService) processLog(ctx context.Context, log types.Log) error {
	if len(log.Topics) == 0 {
		return nil
	}

	// 幂等: skip events already recorded for this (tx_hash, log_index).
	if _, err := s.checkpointRepo.GetEventByTxHashAndLogIndex(ctx, log.TxHash.Hex(), int(log.Index)); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrEventNotFound) {
		return err
	}

	switch log.Topics[0] {
	case s.audit.CommittedEventTopic():
		return s.processCommitted(ctx, log)
	case s.audit.ResolvedEventTopic():
		return s.processResolved(ctx, log)
	case s.audit.OwnershipTransferredEventTopic():
		return s.processOwnershipTransferred(ctx, log)
	default:
		return nil
	}
}

func (s *IndexerService) processCommitted(ctx context.Context, log types.Log) error {
	event, err := s.audit.ParseCommitted(log)
	if err != nil {
		return err
	}

	betID := event.BetID.Uint64()
	chainEvent, err := s.recordChainEvent(ctx, log, model.ChainEventTypeCommitted, map[string]interface{}{
		"bet_id":      betID,
		"commit_hash": common.Hash(event.CommitHash).Hex(),
		"timestamp":   event.Timestamp.String(),
	})
	if err != nil {
		return err
	}

	metrics.IndexerEventsTotal.WithLabelValues(string(model.ChainEventTypeCommitted)).Inc()

	if err := s.confirmMirrorRow(ctx, betID, model.AuditPhaseCommit, log); err != nil {
		return err
	}

	logger.Info("indexed commit event",
		zap.Uint64("bet_id", betID),
		zap.String("tx_hash", log.TxHash.Hex()),
		zap.Uint64("block_number", log.BlockNumber))

	return s.checkpointRepo.MarkEventProcessed(ctx, chainEvent.ID)
}

func (s *IndexerService) processResolved(ctx context.Context, log types.Log) error {
	event, err := s.audit.ParseResolved(log)
	if err != nil {
		return err
	}

	betID := event.BetID.Uint64()
	chainEvent, err := s.recordChainEvent(ctx, log, model.ChainEventTypeResolved, map[string]interface{}{
		"bet_id":       betID,
		"resolve_hash": common.Hash(event.ResolveHash).Hex(),
		"won":          event.Won,
		"timestamp":    event.Timestamp.String(),
	})
	if err != nil {
		return err
	}

	metrics.IndexerEventsTotal.WithLabelValues(string(model.ChainEventTypeResolved)).Inc()

	if err := s.confirmMirrorRow(ctx, betID, model.AuditPhaseResolve, log); err != nil {
		return err
	}

	logger.Info("indexed resolve event",
		zap.Uint64("bet_id", betID),
		zap.Bool("won", event.Won),
		zap.String("tx_hash", log.TxHash.Hex()),
		zap.Uint64("block_number", log.BlockNumber))

	return s.checkpointRepo.MarkEventProcessed(ctx, chainEvent.ID)
}

func (s *IndexerService) processOwnershipTransferred(ctx context.Context, log types.Log) error {
	event, err := s.audit.ParseOwnershipTransferred(log)
	if err != nil {
		return err
	}

	chainEvent, err := s.recordChainEvent(ctx, log, model.ChainEventTypeOwnershipTransferred, map[string]interface{}{
		"previous_owner": event.PreviousOwner.Hex(),
		"new_owner":      event.NewOwner.Hex(),
	})
	if err != nil {
		return err
	}

	metrics.IndexerEventsTotal.WithLabelValues(string(model.ChainEventTypeOwnershipTransferred)).Inc()

	logger.Warn("audit contract ownership transferred",
		zap.String("previous_owner", event.PreviousOwner.Hex()),
		zap.String("new_owner", event.NewOwner.Hex()),
		zap.String("tx_hash", log.TxHash.Hex()))

	return s.checkpointRepo.MarkEventProcessed(ctx, chainEvent.ID)
}

// confirmMirrorRow marks a bet's phase as confirmed when the indexed event
// arrives before (or instead of) the writer's receipt.
func (s *IndexerService) confirmMirrorRow(ctx context.Context, betID uint64, phase string, log types.Log) error {
	record, err := s.auditRepo.GetByBetID(ctx, betID)
	if err != nil {
		if errors.Is(err, repository.ErrAuditRecordNotFound) {
			// The bet is only on chain; nothing to confirm locally.
			return nil
		}
		return err
	}

	// A confirmed row with block 0 came from backfill finding the entry on
	// chain without a receipt; the indexed event carries the real block.
	var confirmed bool
	if phase == model.AuditPhaseCommit &&
		(record.CommitStatus != model.AuditPhaseStatusConfirmed || record.CommitBlockNumber == 0) {
		if err := s.auditRepo.UpdateCommitConfirmed(ctx, betID, int64(log.BlockNumber)); err != nil {
			return err
		}
		confirmed = true
	}
	if phase == model.AuditPhaseResolve &&
		(record.ResolveStatus != model.AuditPhaseStatusConfirmed || record.ResolveBlockNumber == 0) {
		if err := s.auditRepo.UpdateResolveConfirmed(ctx, betID, int64(log.BlockNumber)); err != nil {
			return err
		}
		confirmed = true
	}

	if !confirmed {
		return nil
	}

	if s.cache != nil {
		status := model.AuditPhaseStatusConfirmed.String()
		var cacheErr error
		if phase == model.AuditPhaseCommit {
			cacheErr = s.cache.SetCommitStatus(ctx, betID, status, log.TxHash.Hex())
		} else {
			cacheErr = s.cache.SetResolveStatus(ctx, betID, status, log.TxHash.Hex())
		}
		if cacheErr != nil {
			logger.Warn("failed to cache indexed status",
				zap.Uint64("bet_id", betID),
				zap.Error(cacheErr))
		}
	}

	if s.onEventIndexed != nil {
		hash := record.CommitHash
		if phase == model.AuditPhaseResolve {
			hash = record.ResolveHash
		}
		confirmation := &model.AuditConfirmation{
			BetID:       betID,
			Phase:       phase,
			Hash:        hash,
			TxHash:      log.TxHash.Hex(),
			BlockNumber: int64(log.BlockNumber),
			Status:      "CONFIRMED",
			ConfirmedAt: time.Now().UnixMilli(),
		}
		if err := s.onEventIndexed(ctx, confirmation); err != nil {
			logger.Error("failed to publish indexed confirmation",
				zap.Uint64("bet_id", betID),
				zap.Error(err))
		}
	}

	return nil
}

// recordChainEvent 记录链上事件
func (s *IndexerService) recordChainEvent(ctx context.Context, log types.Log, eventType model.ChainEventType, payload map[string]interface{}) (*model.ChainEvent, error) {
	eventData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	event := &model.ChainEvent{
		ChainID:     s.chainID,
		BlockNumber: int64(log.BlockNumber),
		TxHash:      log.TxHash.Hex(),
		LogIndex:    int(log.Index),
		EventType:   eventType,
		EventData:   string(eventData),
		Processed:   false,
	}

	if err := s.checkpointRepo.CreateEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// saveCheckpoint 保存检查点
func (s *IndexerService) saveCheckpoint(ctx context.Context, blockNumber uint64) {
	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		logger.Error("failed to get header for checkpoint", zap.Error(err))
		return
	}

	checkpoint := &model.BlockCheckpoint{
		ChainID:     s.chainID,
		BlockNumber: int64(blockNumber),
		BlockHash:   header.Hash().Hex(),
	}

	if err := s.checkpointRepo.Upsert(ctx, checkpoint); err != nil {
		logger.Error("failed to save checkpoint", zap.Error(err))
		return
	}

	logger.Debug("checkpoint saved",
		zap.Int64("chain_id", s.chainID),
		zap.Uint64("block", blockNumber))
}

// GetIndexerStatus 获取索引器状态
func (s *IndexerService) GetIndexerStatus(ctx context.Context) (*IndexerStatus, error) {
	latestBlock, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	currentBlock := s.GetCurrentBlock()
	lag := int64(latestBlock) - int64(currentBlock)
	if lag < 0 {
		lag = 0
	}

	checkpoint, _ := s.checkpointRepo.GetByChainID(ctx, s.chainID)

	status := &IndexerStatus{
		ChainID:      s.chainID,
		Running:      s.IsRunning(),
		CurrentBlock: currentBlock,
		LatestBlock:  latestBlock,
		LagBlocks:    lag,
	}
	if checkpoint != nil {
		status.CheckpointBlock = checkpoint.BlockNumber
	}
	return status, nil
}

// IndexerStatus 索引器状态
type IndexerStatus struct {
	ChainID         int64  `json:"chain_id"`
	Running         bool   `json:"running"`
	CurrentBlock    uint64 `json:"current_block"`
	LatestBlock     uint64 `json:"latest_block"`
	LagBlocks       int64  `json:"lag_blocks"`
	CheckpointBlock int64  `json:"checkpoint_block"`
}
