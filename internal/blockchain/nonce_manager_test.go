// Run with go test -race to exercise the concurrency paths.
package blockchain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubNonceClient serves a settable pending nonce.
type stubNonceClient struct {
	mu           sync.RWMutex
	pendingNonce uint64
}

func (s *stubNonceClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingNonce, nil
}

func (s *stubNonceClient) SetPendingNonce(nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingNonce = nonce
}

func setupTestNonceManager(t *testing.T, initialNonce uint64) (*NonceManager, *miniredis.Miniredis, *stubNonceClient) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { rdb.Close() })

	stub := &stubNonceClient{pendingNonce: initialNonce}

	nm := NewNonceManager(stub, rdb, &NonceManagerConfig{
		Wallet:      common.HexToAddress("0x1234567890123456789012345678901234567890"),
		ChainID:     137,
		LockTimeout: 5 * time.Second,
	})

	return nm, mr, stub
}

func TestNonceManagerKeyGeneration(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)

	assert.Contains(t, nm.nonceKey(), "btcbot:audit:nonce:")
	assert.Contains(t, nm.lockKey(), "btcbot:audit:nonce:lock:")
	assert.Contains(t, nm.pendingKey(), "btcbot:audit:nonce:pending:")
	assert.Contains(t, nm.nonceKey(), nm.wallet.Hex())
	assert.Contains(t, nm.nonceKey(), "137")
}

func TestNonceManagerAcquireLock(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	acquired, err := nm.acquireLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired)

	// still held
	acquired2, err := nm.acquireLock(ctx)
	assert.NoError(t, err)
	assert.False(t, acquired2)

	err = nm.releaseLock(ctx)
	assert.NoError(t, err)

	acquired3, err := nm.acquireLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired3)

	nm.releaseLock(ctx)
}

func TestNonceManagerAcquireNonce(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 7)
	ctx := context.Background()

	nonce, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), nonce)
	assert.Equal(t, 1, nm.GetPendingCount())

	nonce2, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), nonce2)
	assert.Equal(t, 2, nm.GetPendingCount())
}

func TestNonceManagerSetGetCurrentNonce(t *testing.T) {
	nm, mr, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	mr.Set(nm.nonceKey(), "10")

	nonce, err := nm.getCurrentNonce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, uint64(10), nonce)

	err = nm.setCurrentNonce(ctx, 20)
	assert.NoError(t, err)

	nonce, err = nm.getCurrentNonce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, uint64(20), nonce)
}

func TestNonceManagerConfirmNonce(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	nonce, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)

	txHash := "0xabc123"
	err = nm.ConfirmNonce(ctx, nonce, txHash)
	assert.NoError(t, err)

	nm.pendingMu.RLock()
	hash, exists := nm.pendingTxs[nonce]
	nm.pendingMu.RUnlock()
	assert.True(t, exists)
	assert.Equal(t, txHash, hash)
}

func TestNonceManagerReleaseNonce(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	nonce, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)

	err = nm.ReleaseNonce(ctx, nonce)
	assert.NoError(t, err)
	assert.Equal(t, 0, nm.GetPendingCount())

	err = nm.ReleaseNonce(ctx, 99)
	assert.ErrorIs(t, err, ErrNonceNotAcquired)
}

func TestNonceManagerTxCallbacks(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	nonce, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	require.NoError(t, nm.ConfirmNonce(ctx, nonce, "0xabc123"))

	err = nm.OnTxConfirmed(ctx, nonce, "0xabc123")
	assert.NoError(t, err)
	assert.Equal(t, 0, nm.GetPendingCount())

	nonce2, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	require.NoError(t, nm.ConfirmNonce(ctx, nonce2, "0xdef456"))

	err = nm.OnTxFailed(ctx, nonce2, "0xdef456")
	assert.NoError(t, err)
	assert.Equal(t, 0, nm.GetPendingCount())
}

func TestNonceManagerSyncFromChain(t *testing.T) {
	nm, _, stub := setupTestNonceManager(t, 3)
	ctx := context.Background()

	require.NoError(t, nm.SyncFromChain(ctx))

	nonce, err := nm.GetCurrentNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), nonce)

	// the chain moved on, a resync picks up the new value
	stub.SetPendingNonce(15)
	require.NoError(t, nm.HandleNonceTooLow(ctx))

	nonce, err = nm.GetCurrentNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), nonce)
}

func TestNonceManagerNeedsSync(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)

	// zero lastSyncTime means a sync is due
	assert.True(t, nm.needsSync())

	nm.mu.Lock()
	nm.lastSyncTime = time.Now()
	nm.mu.Unlock()
	assert.False(t, nm.needsSync())

	nm.mu.Lock()
	nm.lastSyncTime = time.Now().Add(-10 * time.Minute)
	nm.mu.Unlock()
	assert.True(t, nm.needsSync())
}

func TestNonceManagerLockExpiry(t *testing.T) {
	nm, mr, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	nm.lockTimeout = 100 * time.Millisecond

	acquired, err := nm.acquireLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired)

	mr.FastForward(200 * time.Millisecond)

	acquired2, err := nm.acquireLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired2)

	nm.releaseLock(ctx)
}

func TestNonceManagerConcurrentAcquire(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	concurrency := 10
	iterations := 20

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				nonce, err := nm.AcquireNonce(ctx)
				if err != nil {
					// lock contention, try again later
					continue
				}
				mu.Lock()
				assert.False(t, seen[nonce], "nonce %d handed out twice", nonce)
				seen[nonce] = true
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Greater(t, len(seen), 0)
}
