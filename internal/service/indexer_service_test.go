package service

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattiacalastri/btc-predictions/internal/contract"
	"github.com/mattiacalastri/btc-predictions/internal/model"
	"github.com/mattiacalastri/btc-predictions/internal/repository"
)

var testContractAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")

// fakeChainReader serves canned blocks and logs.
type fakeChainReader struct {
	mu          sync.Mutex
	latestBlock uint64
	logs        []types.Log
	queries     []ethereum.FilterQuery
}

func (f *fakeChainReader) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latestBlock, nil
}

func (f *fakeChainReader) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number}, nil
}

func (f *fakeChainReader) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return f.logs, nil
}

// fakeCheckpointRepo is an in-memory CheckpointRepository.
type fakeCheckpointRepo struct {
	mu          sync.Mutex
	checkpoints map[int64]*model.BlockCheckpoint
	events      []*model.ChainEvent
	nextEventID int64
}

func newFakeCheckpointRepo() *fakeCheckpointRepo {
	return &fakeCheckpointRepo{checkpoints: make(map[int64]*model.BlockCheckpoint)}
}

func (f *fakeCheckpointRepo) GetByChainID(ctx context.Context, chainID int64) (*model.BlockCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.checkpoints[chainID]
	if !ok {
		return nil, repository.ErrCheckpointNotFound
	}
	copied := *cp
	return &copied, nil
}

func (f *fakeCheckpointRepo) Upsert(ctx context.Context, checkpoint *model.BlockCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[checkpoint.ChainID] = checkpoint
	return nil
}

func (f *fakeCheckpointRepo) UpdateBlockNumber(ctx context.Context, chainID int64, blockNumber int64, blockHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[chainID] = &model.BlockCheckpoint{ChainID: chainID, BlockNumber: blockNumber, BlockHash: blockHash}
	return nil
}

func (f *fakeCheckpointRepo) CreateEvent(ctx context.Context, event *model.ChainEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextEventID++
	event.ID = f.nextEventID
	f.events = append(f.events, event)
	return nil
}

func (f *fakeCheckpointRepo) GetEventByTxHashAndLogIndex(ctx context.Context, txHash string, logIndex int) (*model.ChainEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.TxHash == txHash && e.LogIndex == logIndex {
			return e, nil
		}
	}
	return nil, repository.ErrEventNotFound
}

func (f *fakeCheckpointRepo) ListUnprocessedEvents(ctx context.Context, chainID int64, limit int) ([]*model.ChainEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.ChainEvent, 0)
	for _, e := range f.events {
		if !e.Processed && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeCheckpointRepo) MarkEventProcessed(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.ID == id {
			e.Processed = true
			return nil
		}
	}
	return repository.ErrEventNotFound
}

func newTestIndexer(t *testing.T, reader *fakeChainReader) (*IndexerService, *fakeCheckpointRepo, *fakeAuditRepo, *contract.AuditContract) {
	t.Helper()

	audit, err := contract.NewAuditContract(testContractAddr, nil)
	require.NoError(t, err)

	checkpointRepo := newFakeCheckpointRepo()
	auditRepo := newFakeAuditRepo()

	svc := NewIndexerService(reader, audit, checkpointRepo, auditRepo, nil, &IndexerServiceConfig{
		ChainID:      137,
		PollInterval: 10 * time.Millisecond,
	})
	return svc, checkpointRepo, auditRepo, audit
}

func committedLog(audit *contract.AuditContract, betID uint64, blockNumber uint64, logIndex uint) types.Log {
	data := make([]byte, 64)
	copy(data[:32], common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa").Bytes())
	new(big.Int).SetInt64(1735000000).FillBytes(data[32:64])

	return types.Log{
		Address:     testContractAddr,
		Topics:      []common.Hash{audit.CommittedEventTopic(), common.BigToHash(new(big.Int).SetUint64(betID))},
		Data:        data,
		BlockNumber: blockNumber,
		TxHash:      common.HexToHash("0x01"),
		Index:       logIndex,
	}
}

func resolvedLog(audit *contract.AuditContract, betID uint64, won bool, blockNumber uint64, logIndex uint) types.Log {
	data := make([]byte, 96)
	copy(data[:32], common.HexToHash("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb").Bytes())
	if won {
		data[63] = 1
	}
	new(big.Int).SetInt64(1735003600).FillBytes(data[64:96])

	return types.Log{
		Address:     testContractAddr,
		Topics:      []common.Hash{audit.ResolvedEventTopic(), common.BigToHash(new(big.Int).SetUint64(betID))},
		Data:        data,
		BlockNumber: blockNumber,
		TxHash:      common.HexToHash("0x02"),
		Index:       logIndex,
	}
}

func TestProcessRangeCommitted(t *testing.T) {
	ctx := context.Background()
	reader := &fakeChainReader{latestBlock: 100}
	svc, checkpointRepo, auditRepo, audit := newTestIndexer(t, reader)

	auditRepo.Create(ctx, &model.AuditRecord{BetID: 42, CommitStatus: model.AuditPhaseStatusSubmitted})
	reader.logs = []types.Log{committedLog(audit, 42, 95, 0)}

	var confirmations []*model.AuditConfirmation
	svc.SetOnEventIndexed(func(ctx context.Context, c *model.AuditConfirmation) error {
		confirmations = append(confirmations, c)
		return nil
	})

	require.NoError(t, svc.ProcessRange(ctx, 90, 100))

	require.Len(t, checkpointRepo.events, 1)
	assert.Equal(t, model.ChainEventTypeCommitted, checkpointRepo.events[0].EventType)
	assert.True(t, checkpointRepo.events[0].Processed)
	assert.Contains(t, checkpointRepo.events[0].EventData, `"bet_id":42`)

	record, err := auditRepo.GetByBetID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, model.AuditPhaseStatusConfirmed, record.CommitStatus)
	assert.Equal(t, int64(95), record.CommitBlockNumber)

	require.Len(t, confirmations, 1)
	assert.Equal(t, model.AuditPhaseCommit, confirmations[0].Phase)
	assert.Equal(t, "CONFIRMED", confirmations[0].Status)
}

func TestProcessRangeResolved(t *testing.T) {
	ctx := context.Background()
	reader := &fakeChainReader{latestBlock: 100}
	svc, checkpointRepo, auditRepo, audit := newTestIndexer(t, reader)

	auditRepo.Create(ctx, &model.AuditRecord{BetID: 42, CommitStatus: model.AuditPhaseStatusConfirmed})
	reader.logs = []types.Log{resolvedLog(audit, 42, true, 98, 1)}

	require.NoError(t, svc.ProcessRange(ctx, 90, 100))

	require.Len(t, checkpointRepo.events, 1)
	assert.Equal(t, model.ChainEventTypeResolved, checkpointRepo.events[0].EventType)
	assert.Contains(t, checkpointRepo.events[0].EventData, `"won":true`)

	record, err := auditRepo.GetByBetID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, model.AuditPhaseStatusConfirmed, record.ResolveStatus)
	assert.Equal(t, int64(98), record.ResolveBlockNumber)
}

func TestProcessLogIdempotent(t *testing.T) {
	ctx := context.Background()
	reader := &fakeChainReader{latestBlock: 100}
	svc, checkpointRepo, auditRepo, audit := newTestIndexer(t, reader)

	auditRepo.Create(ctx, &model.AuditRecord{BetID: 42})
	reader.logs = []types.Log{committedLog(audit, 42, 95, 0)}

	require.NoError(t, svc.ProcessRange(ctx, 90, 100))
	require.NoError(t, svc.ProcessRange(ctx, 90, 100)) // re-scan of the same range

	assert.Len(t, checkpointRepo.events, 1)
}

func TestProcessRangeUnknownBet(t *testing.T) {
	// An on-chain event for a bet we never mirrored is recorded but does not
	// fail the scan.
	ctx := context.Background()
	reader := &fakeChainReader{latestBlock: 100}
	svc, checkpointRepo, _, audit := newTestIndexer(t, reader)

	reader.logs = []types.Log{committedLog(audit, 7777, 95, 0)}

	require.NoError(t, svc.ProcessRange(ctx, 90, 100))
	assert.Len(t, checkpointRepo.events, 1)
	assert.True(t, checkpointRepo.events[0].Processed)
}

func TestGetStartBlockFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	reader := &fakeChainReader{latestBlock: 500}
	svc, checkpointRepo, _, _ := newTestIndexer(t, reader)

	checkpointRepo.Upsert(ctx, &model.BlockCheckpoint{ChainID: 137, BlockNumber: 123})

	start, err := svc.getStartBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(124), start)
}

func TestGetStartBlockNoCheckpoint(t *testing.T) {
	reader := &fakeChainReader{latestBlock: 500}
	svc, _, _, _ := newTestIndexer(t, reader)

	start, err := svc.getStartBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(500), start)
}

func TestIndexerStartStop(t *testing.T) {
	reader := &fakeChainReader{latestBlock: 10}
	svc, _, _, _ := newTestIndexer(t, reader)

	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.IsRunning())
	assert.ErrorIs(t, svc.Start(context.Background()), ErrIndexerAlreadyRunning)

	require.NoError(t, svc.Stop())
	assert.False(t, svc.IsRunning())
	assert.ErrorIs(t, svc.Stop(), ErrIndexerNotRunning)
}

func TestFilterQueryTargetsAuditContract(t *testing.T) {
	ctx := context.Background()
	reader := &fakeChainReader{latestBlock: 100}
	svc, _, _, audit := newTestIndexer(t, reader)

	require.NoError(t, svc.ProcessRange(ctx, 10, 20))

	require.Len(t, reader.queries, 1)
	query := reader.queries[0]
	assert.Equal(t, []common.Address{testContractAddr}, query.Addresses)
	require.Len(t, query.Topics, 1)
	assert.Contains(t, query.Topics[0], audit.CommittedEventTopic())
	assert.Contains(t, query.Topics[0], audit.ResolvedEventTopic())
	assert.Equal(t, big.NewInt(10), query.FromBlock)
	assert.Equal(t, big.NewInt(20), query.ToBlock)
}

func TestProcessRangeFillsMissingBlockNumber(t *testing.T) {
	// Backfill confirms a row found on chain without a receipt, so the row
	// carries no block number until the event is indexed.
	ctx := context.Background()
	reader := &fakeChainReader{latestBlock: 100}
	svc, _, auditRepo, audit := newTestIndexer(t, reader)

	auditRepo.Create(ctx, &model.AuditRecord{
		BetID:        42,
		CommitStatus: model.AuditPhaseStatusConfirmed,
	})
	reader.logs = []types.Log{committedLog(audit, 42, 95, 0)}

	require.NoError(t, svc.ProcessRange(ctx, 90, 100))

	record, err := auditRepo.GetByBetID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, model.AuditPhaseStatusConfirmed, record.CommitStatus)
	assert.Equal(t, int64(95), record.CommitBlockNumber)
}
