package blockchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNonceLockFailed   = errors.New("failed to acquire nonce lock")
	ErrNonceLockTimeout  = errors.New("nonce lock timeout")
	ErrNonceNotAcquired  = errors.New("nonce not acquired")
	ErrNonceSyncRequired = errors.New("nonce sync from chain required")
)

// nonceClient is the slice of the RPC client the nonce manager needs.
type nonceClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out transaction nonces for the audit signer. A Redis
// SetNX lock serializes allocation across replicas, so two instances of the
// service never sign with the same nonce.
type NonceManager struct {
	client      nonceClient
	redis       *redis.Client
	wallet      common.Address
	chainID     int64
	lockTimeout time.Duration

	mu           sync.RWMutex
	localNonce   uint64
	lastSyncTime time.Time
	syncInterval time.Duration

	// in-flight transactions by nonce
	pendingMu  sync.RWMutex
	pendingTxs map[uint64]string // nonce -> txHash
	maxPending int
}

// NonceManagerConfig configures the nonce manager.
type NonceManagerConfig struct {
	Wallet       common.Address
	ChainID      int64
	LockTimeout  time.Duration
	SyncInterval time.Duration
	MaxPending   int
}

// NewNonceManager creates a nonce manager backed by Redis.
func NewNonceManager(client nonceClient, rdb *redis.Client, cfg *NonceManagerConfig) *NonceManager {
	lockTimeout := cfg.LockTimeout
	if lockTimeout == 0 {
		lockTimeout = 30 * time.Second
	}

	syncInterval := cfg.SyncInterval
	if syncInterval == 0 {
		syncInterval = 5 * time.Minute
	}

	maxPending := cfg.MaxPending
	if maxPending == 0 {
		maxPending = 100
	}

	return &NonceManager{
		client:       client,
		redis:        rdb,
		wallet:       cfg.Wallet,
		chainID:      cfg.ChainID,
		lockTimeout:  lockTimeout,
		syncInterval: syncInterval,
		maxPending:   maxPending,
		pendingTxs:   make(map[uint64]string),
	}
}

func (m *NonceManager) nonceKey() string {
	return fmt.Sprintf("btcbot:audit:nonce:%s:%d", m.wallet.Hex(), m.chainID)
}

func (m *NonceManager) lockKey() string {
	return fmt.Sprintf("btcbot:audit:nonce:lock:%s:%d", m.wallet.Hex(), m.chainID)
}

func (m *NonceManager) pendingKey() string {
	return fmt.Sprintf("btcbot:audit:nonce:pending:%s:%d", m.wallet.Hex(), m.chainID)
}

// AcquireNonce reserves the next nonce. The caller must settle it with
// ConfirmNonce or ReleaseNonce.
func (m *NonceManager) AcquireNonce(ctx context.Context) (uint64, error) {
	lockAcquired, err := m.acquireLock(ctx)
	if err != nil {
		return 0, err
	}
	if !lockAcquired {
		return 0, ErrNonceLockFailed
	}
	defer m.releaseLock(ctx)

	if m.needsSync() {
		if err := m.syncFromChain(ctx); err != nil {
			return 0, err
		}
	}

	nonce, err := m.getCurrentNonce(ctx)
	if err != nil {
		return 0, err
	}

	nextNonce := nonce + 1
	if err := m.setCurrentNonce(ctx, nextNonce); err != nil {
		return 0, err
	}

	m.pendingMu.Lock()
	m.pendingTxs[nonce] = "" // txHash not known yet
	m.pendingMu.Unlock()

	return nonce, nil
}

// ConfirmNonce records the tx hash that consumed nonce.
func (m *NonceManager) ConfirmNonce(ctx context.Context, nonce uint64, txHash string) error {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	if _, exists := m.pendingTxs[nonce]; !exists {
		// already settled elsewhere
		return nil
	}

	m.pendingTxs[nonce] = txHash

	err := m.redis.ZAdd(ctx, m.pendingKey(), redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: fmt.Sprintf("%d:%s", nonce, txHash),
	}).Err()

	return err
}

// ReleaseNonce drops a reserved nonce that was never broadcast, e.g. when
// signing or building the transaction failed.
func (m *NonceManager) ReleaseNonce(ctx context.Context, nonce uint64) error {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	if _, exists := m.pendingTxs[nonce]; !exists {
		return ErrNonceNotAcquired
	}

	delete(m.pendingTxs, nonce)

	// Higher nonces may already be in flight, so the counter cannot be
	// rolled back; the gap will be closed by the next chain sync.
	return nil
}

// OnTxConfirmed removes a mined transaction from the pending set.
func (m *NonceManager) OnTxConfirmed(ctx context.Context, nonce uint64, txHash string) error {
	m.pendingMu.Lock()
	delete(m.pendingTxs, nonce)
	m.pendingMu.Unlock()

	return m.redis.ZRem(ctx, m.pendingKey(), fmt.Sprintf("%d:%s", nonce, txHash)).Err()
}

// OnTxFailed removes a failed transaction from the pending set.
func (m *NonceManager) OnTxFailed(ctx context.Context, nonce uint64, txHash string) error {
	m.pendingMu.Lock()
	delete(m.pendingTxs, nonce)
	m.pendingMu.Unlock()

	return m.redis.ZRem(ctx, m.pendingKey(), fmt.Sprintf("%d:%s", nonce, txHash)).Err()
}

// SyncFromChain resets the counter from the chain's pending nonce.
func (m *NonceManager) SyncFromChain(ctx context.Context) error {
	lockAcquired, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !lockAcquired {
		return ErrNonceLockFailed
	}
	defer m.releaseLock(ctx)

	return m.syncFromChain(ctx)
}

// syncFromChain requires the lock to be held.
func (m *NonceManager) syncFromChain(ctx context.Context) error {
	chainNonce, err := m.client.PendingNonceAt(ctx, m.wallet)
	if err != nil {
		return err
	}

	if err := m.setCurrentNonce(ctx, chainNonce); err != nil {
		return err
	}

	m.mu.Lock()
	m.localNonce = chainNonce
	m.lastSyncTime = time.Now()
	m.mu.Unlock()

	return nil
}

func (m *NonceManager) acquireLock(ctx context.Context) (bool, error) {
	ok, err := m.redis.SetNX(ctx, m.lockKey(), "1", m.lockTimeout).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (m *NonceManager) releaseLock(ctx context.Context) error {
	return m.redis.Del(ctx, m.lockKey()).Err()
}

func (m *NonceManager) getCurrentNonce(ctx context.Context) (uint64, error) {
	val, err := m.redis.Get(ctx, m.nonceKey()).Uint64()
	if err == redis.Nil {
		// first use, seed from the chain
		chainNonce, err := m.client.PendingNonceAt(ctx, m.wallet)
		if err != nil {
			return 0, err
		}
		return chainNonce, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func (m *NonceManager) setCurrentNonce(ctx context.Context, nonce uint64) error {
	return m.redis.Set(ctx, m.nonceKey(), nonce, 0).Err()
}

func (m *NonceManager) needsSync() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastSyncTime) > m.syncInterval
}

// GetPendingCount returns the number of in-flight transactions.
func (m *NonceManager) GetPendingCount() int {
	m.pendingMu.RLock()
	defer m.pendingMu.RUnlock()
	return len(m.pendingTxs)
}

// GetCurrentNonce reads the counter without taking the lock, for inspection only.
func (m *NonceManager) GetCurrentNonce(ctx context.Context) (uint64, error) {
	return m.getCurrentNonce(ctx)
}

// HandleNonceTooLow resyncs after a "nonce too low" broadcast error.
func (m *NonceManager) HandleNonceTooLow(ctx context.Context) error {
	return m.SyncFromChain(ctx)
}

// HandleNonceTooHigh resyncs after a "nonce too high" broadcast error.
func (m *NonceManager) HandleNonceTooHigh(ctx context.Context, expectedNonce uint64) error {
	return m.SyncFromChain(ctx)
}
