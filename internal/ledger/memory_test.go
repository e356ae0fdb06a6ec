package ledger

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattiacalastri/btc-predictions/internal/fingerprint"
)

var (
	testOwner = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testOther = common.HexToAddress("0x2222222222222222222222222222222222222222")

	hashA = mustHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	hashB = mustHash("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func mustHash(s string) fingerprint.Hash {
	h, err := fingerprint.HexToHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

func TestMemoryCommitThenResolve(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testOwner)

	receipt, err := m.Commit(ctx, 42, hashA)
	require.NoError(t, err)
	require.NotNil(t, receipt)

	committed, err := m.IsCommitted(ctx, 42)
	require.NoError(t, err)
	assert.True(t, committed)

	got, err := m.GetCommit(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, hashA, got)

	_, err = m.Resolve(ctx, 42, hashB, true)
	require.NoError(t, err)

	resolved, err := m.IsResolved(ctx, 42)
	require.NoError(t, err)
	assert.True(t, resolved)

	res, err := m.GetResolve(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, hashB, res.Hash)
	assert.True(t, res.Won)

	events := m.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventCommitted, events[0].Type)
	assert.Equal(t, EventResolved, events[1].Type)
	assert.Equal(t, uint64(42), events[0].BetID)
}

func TestMemoryCommitWriteOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testOwner)

	_, err := m.Commit(ctx, 1, hashA)
	require.NoError(t, err)

	_, err = m.Commit(ctx, 1, hashB)
	assert.ErrorIs(t, err, ErrAlreadyCommitted)

	// the first write survives
	got, err := m.GetCommit(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, hashA, got)
	assert.Len(t, m.Events(), 1)
}

func TestMemoryResolveWriteOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testOwner)

	_, err := m.Commit(ctx, 1, hashA)
	require.NoError(t, err)
	_, err = m.Resolve(ctx, 1, hashB, false)
	require.NoError(t, err)

	_, err = m.Resolve(ctx, 1, hashA, true)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	res, err := m.GetResolve(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, hashB, res.Hash)
	assert.False(t, res.Won)
}

func TestMemoryResolveRequiresCommit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testOwner)

	_, err := m.Resolve(ctx, 7, hashB, true)
	assert.ErrorIs(t, err, ErrNotCommitted)

	resolved, err := m.IsResolved(ctx, 7)
	require.NoError(t, err)
	assert.False(t, resolved)
	assert.Empty(t, m.Events())
}

func TestMemoryZeroHashRejected(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testOwner)

	var zero fingerprint.Hash
	_, err := m.Commit(ctx, 1, zero)
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = m.Commit(ctx, 1, hashA)
	require.NoError(t, err)
	_, err = m.Resolve(ctx, 1, zero, true)
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestMemoryNonOwnerRejected(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testOwner)
	stranger := m.WithCaller(testOther)

	_, err := stranger.Commit(ctx, 1, hashA)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = m.Commit(ctx, 1, hashA)
	require.NoError(t, err)

	_, err = stranger.Resolve(ctx, 1, hashB, true)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = stranger.TransferOwnership(ctx, testOther)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// reads stay open to everyone
	committed, err := stranger.IsCommitted(ctx, 1)
	require.NoError(t, err)
	assert.True(t, committed)
}

func TestMemoryReadsAreTotal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testOwner)

	got, err := m.GetCommit(ctx, 999)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	res, err := m.GetResolve(ctx, 999)
	require.NoError(t, err)
	assert.True(t, res.Hash.IsZero())
	assert.False(t, res.Won)

	committed, err := m.IsCommitted(ctx, 999)
	require.NoError(t, err)
	assert.False(t, committed)

	resolved, err := m.IsResolved(ctx, 999)
	require.NoError(t, err)
	assert.False(t, resolved)
}

func TestMemoryTransferOwnership(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testOwner)

	_, err := m.TransferOwnership(ctx, common.Address{})
	assert.ErrorIs(t, err, ErrInvalidOwner)

	_, err = m.TransferOwnership(ctx, testOther)
	require.NoError(t, err)

	owner, err := m.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, testOther, owner)

	// the old owner handle lost write access
	_, err = m.Commit(ctx, 1, hashA)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// the new owner, through a derived handle, gained it
	_, err = m.WithCaller(testOther).Commit(ctx, 1, hashA)
	require.NoError(t, err)

	events := m.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventOwnershipTransferred, events[0].Type)
	assert.Equal(t, testOwner, events[0].PreviousOwner)
	assert.Equal(t, testOther, events[0].NewOwner)
}
