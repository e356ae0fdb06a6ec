package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattiacalastri/btc-predictions/internal/fingerprint"
	"github.com/mattiacalastri/btc-predictions/internal/ledger"
	"github.com/mattiacalastri/btc-predictions/internal/model"
)

func newTestBackfill(t *testing.T, ldg ledger.Ledger) (*BackfillService, *fakeAuditRepo) {
	t.Helper()
	repo := newFakeAuditRepo()
	svc := NewBackfillService(repo, ldg, nil, &BackfillServiceConfig{
		Interval:  time.Hour,
		MaxPerRun: 10,
		WritePace: time.Millisecond,
	})
	return svc, repo
}

func failedCommitRecord(betID uint64) *model.AuditRecord {
	return &model.AuditRecord{
		BetID:        betID,
		Direction:    "UP",
		Confidence:   decimal.NewFromFloat(0.87),
		EntryPrice:   decimal.NewFromFloat(65000.50),
		BetSize:      decimal.NewFromFloat(0.015),
		OpenedAt:     1735000000,
		CommitStatus: model.AuditPhaseStatusFailed,
	}
}

func TestBackfillRecoversFailedCommit(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory(testOwner)
	svc, repo := newTestBackfill(t, mem)

	require.NoError(t, repo.Create(ctx, failedCommitRecord(42)))

	result, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CommitsRecovered)
	assert.Equal(t, 0, result.Failed)

	committed, err := mem.IsCommitted(ctx, 42)
	require.NoError(t, err)
	assert.True(t, committed)

	record, err := repo.GetByBetID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, model.AuditPhaseStatusConfirmed, record.CommitStatus)
	assert.NotEmpty(t, record.CommitHash)
}

func TestBackfillConfirmsCommitAlreadyOnChain(t *testing.T) {
	// The write landed but the receipt was lost: the sweep must confirm the
	// row without a second on-chain write.
	ctx := context.Background()
	mem := ledger.NewMemory(testOwner)
	svc, repo := newTestBackfill(t, mem)

	record := failedCommitRecord(42)
	require.NoError(t, repo.Create(ctx, record))

	pred, err := predictionFromRecord(record)
	require.NoError(t, err)
	_, err = mem.Commit(ctx, 42, fingerprint.CommitHash(pred))
	require.NoError(t, err)

	result, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CommitsRecovered)

	updated, err := repo.GetByBetID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, model.AuditPhaseStatusConfirmed, updated.CommitStatus)
}

func TestBackfillRecoversFailedResolve(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory(testOwner)
	svc, repo := newTestBackfill(t, mem)

	record := failedCommitRecord(42)
	record.ExitPrice = decimal.NewFromFloat(65120.25)
	record.PnL = decimal.NewFromFloat(12.5)
	record.Won = true
	record.ClosedAt = 1735003600
	record.ResolveStatus = model.AuditPhaseStatusFailed
	require.NoError(t, repo.Create(ctx, record))

	result, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CommitsRecovered)
	assert.Equal(t, 1, result.ResolvesRecovered)

	resolved, err := mem.IsResolved(ctx, 42)
	require.NoError(t, err)
	assert.True(t, resolved)

	updated, err := repo.GetByBetID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, model.AuditPhaseStatusConfirmed, updated.ResolveStatus)
}

func TestBackfillResolveBlockedWithoutCommit(t *testing.T) {
	// A resolve whose commit keeps failing stays pending rather than hitting
	// the contract's ordering revert.
	ctx := context.Background()
	broken := &brokenLedger{
		Ledger:   ledger.NewMemory(testOwner),
		writeErr: ledger.ErrUnauthorized,
	}

	record := failedCommitRecord(42)
	record.ClosedAt = 1735003600
	record.ResolveStatus = model.AuditPhaseStatusFailed

	svc, repo := newTestBackfill(t, broken)
	require.NoError(t, repo.Create(ctx, record))

	result, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.CommitsRecovered)
	assert.Equal(t, 0, result.ResolvesRecovered)
	assert.Equal(t, 2, result.Failed)

	updated, err := repo.GetByBetID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RetryCount) // commit attempt only; resolve never hit the chain
}

func TestBackfillNoOpWhenLedgerDisabled(t *testing.T) {
	svc, repo := newTestBackfill(t, nil)
	require.NoError(t, repo.Create(context.Background(), failedCommitRecord(42)))

	result, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.CommitsRecovered)
}

func TestBackfillStartStop(t *testing.T) {
	svc, _ := newTestBackfill(t, ledger.NewMemory(testOwner))

	require.NoError(t, svc.Start(context.Background()))
	assert.ErrorIs(t, svc.Start(context.Background()), ErrBackfillAlreadyRunning)
	svc.Stop()
	svc.Stop() // second stop is a no-op
}
