package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/client"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
)

const (
	sessionCachePrefix = "kyc:session:"
	inflightPrefix     = "kyc:inflight:"

	sessionCacheTTL = 10 * time.Minute
	inflightTTL     = 2 * time.Minute
)

// SessionCache is a read-through cache of session rows plus the atomic
// in-flight guard that stops two concurrent create calls for one borrower.
// Everything here is advisory; ScyllaDB stays the source of truth.
type SessionCache struct {
	redis  *client.RedisClient
	logger *zap.Logger
}

func NewSessionCache(redisClient *client.RedisClient) *SessionCache {
	return &SessionCache{
		redis:  redisClient,
		logger: util.Get(),
	}
}

// Get returns the cached session, or (nil, nil) on a miss.
func (c *SessionCache) Get(ctx context.Context, sessionID string) (*model.VerificationSession, error) {
	raw, err := c.redis.Client.Get(ctx, sessionCachePrefix+sessionID).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session cache get failed: %w", err)
	}

	var session model.VerificationSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		// Corrupt entries are dropped, not surfaced.
		c.logger.Warn("Dropping corrupt session cache entry",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		_ = c.redis.Del(ctx, sessionCachePrefix+sessionID)
		return nil, nil
	}
	return &session, nil
}

// Put stores the session; cache failures are logged, never propagated.
func (c *SessionCache) Put(ctx context.Context, session *model.VerificationSession) {
	data, err := json.Marshal(session)
	if err != nil {
		c.logger.Warn("Failed to marshal session for cache",
			zap.String("session_id", session.SessionID),
			zap.Error(err),
		)
		return
	}
	if err := c.redis.Set(ctx, sessionCachePrefix+session.SessionID, string(data), sessionCacheTTL); err != nil {
		c.logger.Warn("Failed to cache session",
			zap.String("session_id", session.SessionID),
			zap.Error(err),
		)
	}
}

// Invalidate drops the cached copy after a write.
func (c *SessionCache) Invalidate(ctx context.Context, sessionID string) {
	if err := c.redis.Del(ctx, sessionCachePrefix+sessionID); err != nil {
		c.logger.Warn("Failed to invalidate session cache",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// AcquireInflight claims the per-owner create guard. Returns false when a
// create for this owner is already running.
func (c *SessionCache) AcquireInflight(ctx context.Context, ownerUserID, sessionID string) (bool, error) {
	acquired, err := c.redis.SetNX(ctx, inflightPrefix+ownerUserID, sessionID, inflightTTL)
	if err != nil {
		return false, fmt.Errorf("inflight guard setnx failed: %w", err)
	}
	return acquired, nil
}

// ReleaseInflight frees the guard once the create call settled.
func (c *SessionCache) ReleaseInflight(ctx context.Context, ownerUserID string) {
	if err := c.redis.Del(ctx, inflightPrefix+ownerUserID); err != nil {
		c.logger.Warn("Failed to release inflight guard",
			zap.String("owner_user_id", ownerUserID),
			zap.Error(err),
		)
	}
}
