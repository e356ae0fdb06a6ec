// Package cache keeps hot audit status in Redis so the API can answer status
// lookups without touching Postgres or the chain.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key patterns
const (
	// per-bet status hash: btcbot:audit:status:{bet_id}
	statusKeyPattern = "btcbot:audit:status:%d"
)

// Status hash field names
const (
	fieldCommitStatus  = "commit_status"
	fieldCommitTxHash  = "commit_tx_hash"
	fieldResolveStatus = "resolve_status"
	fieldResolveTxHash = "resolve_tx_hash"
	fieldUpdatedAt     = "updated_at"
)

var ErrStatusNotCached = errors.New("audit status not cached")

// BetAuditStatus is the cached view of one bet's audit trail.
type BetAuditStatus struct {
	BetID         uint64 `json:"bet_id"`
	CommitStatus  string `json:"commit_status"`
	CommitTxHash  string `json:"commit_tx_hash"`
	ResolveStatus string `json:"resolve_status"`
	ResolveTxHash string `json:"resolve_tx_hash"`
	UpdatedAt     int64  `json:"updated_at"`
}

// StatusCache caches per-bet audit status.
type StatusCache interface {
	SetCommitStatus(ctx context.Context, betID uint64, status, txHash string) error
	SetResolveStatus(ctx context.Context, betID uint64, status, txHash string) error
	GetStatus(ctx context.Context, betID uint64) (*BetAuditStatus, error)
	Invalidate(ctx context.Context, betID uint64) error
}

type statusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStatusCache creates a Redis-backed status cache. A zero ttl defaults to
// 24 hours.
func NewStatusCache(rdb *redis.Client, ttl time.Duration) StatusCache {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &statusCache{rdb: rdb, ttl: ttl}
}

func statusKey(betID uint64) string {
	return fmt.Sprintf(statusKeyPattern, betID)
}

func (c *statusCache) SetCommitStatus(ctx context.Context, betID uint64, status, txHash string) error {
	key := statusKey(betID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		fieldCommitStatus, status,
		fieldCommitTxHash, txHash,
		fieldUpdatedAt, time.Now().UnixMilli(),
	)
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *statusCache) SetResolveStatus(ctx context.Context, betID uint64, status, txHash string) error {
	key := statusKey(betID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		fieldResolveStatus, status,
		fieldResolveTxHash, txHash,
		fieldUpdatedAt, time.Now().UnixMilli(),
	)
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *statusCache) GetStatus(ctx context.Context, betID uint64) (*BetAuditStatus, error) {
	fields, err := c.rdb.HGetAll(ctx, statusKey(betID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrStatusNotCached
	}

	status := &BetAuditStatus{
		BetID:         betID,
		CommitStatus:  fields[fieldCommitStatus],
		CommitTxHash:  fields[fieldCommitTxHash],
		ResolveStatus: fields[fieldResolveStatus],
		ResolveTxHash: fields[fieldResolveTxHash],
	}
	if raw, ok := fields[fieldUpdatedAt]; ok {
		fmt.Sscanf(raw, "%d", &status.UpdatedAt)
	}
	return status, nil
}

func (c *statusCache) Invalidate(ctx context.Context, betID uint64) error {
	return c.rdb.Del(ctx, statusKey(betID)).Err()
}
