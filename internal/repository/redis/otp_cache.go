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
	otpPrefix         = "admin:otp:"
	otpAttemptsPrefix = "admin:otp:attempts:"

	maxOTPAttempts = 5
)

// OTPCache stores hashed admin OTPs with TTL-based expiry. The code itself is
// never stored, only its argon2 hash.
type OTPCache struct {
	redis  *client.RedisClient
	logger *zap.Logger
}

func NewOTPCache(redisClient *client.RedisClient) *OTPCache {
	return &OTPCache{
		redis:  redisClient,
		logger: util.Get(),
	}
}

func otpKey(adminID, purpose string) string {
	return otpPrefix + adminID + ":" + purpose
}

// Store writes the hashed OTP, replacing any outstanding one for the same
// admin and purpose, and resets the attempt counter.
func (c *OTPCache) Store(ctx context.Context, otp *model.AdminOTP, ttl time.Duration) error {
	data, err := json.Marshal(otp)
	if err != nil {
		return fmt.Errorf("failed to marshal admin OTP: %w", err)
	}

	key := otpKey(otp.AdminID, otp.Purpose)
	pipe := c.redis.Pipeline()
	pipe.Set(ctx, key, string(data), ttl)
	pipe.Del(ctx, otpAttemptsPrefix+otp.AdminID+":"+otp.Purpose)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store admin OTP: %w", err)
	}

	c.logger.Debug("Admin OTP stored",
		zap.String("admin_id", otp.AdminID),
		zap.String("purpose", otp.Purpose),
	)
	return nil
}

// Get returns the stored OTP, or (nil, nil) when none is outstanding.
func (c *OTPCache) Get(ctx context.Context, adminID, purpose string) (*model.AdminOTP, error) {
	raw, err := c.redis.Client.Get(ctx, otpKey(adminID, purpose)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get admin OTP: %w", err)
	}

	var otp model.AdminOTP
	if err := json.Unmarshal([]byte(raw), &otp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal admin OTP: %w", err)
	}
	return &otp, nil
}

// RecordAttempt bumps the failure counter. Returns false once the OTP has
// burned through its attempt budget; the caller must then invalidate it.
func (c *OTPCache) RecordAttempt(ctx context.Context, adminID, purpose string, ttl time.Duration) (bool, error) {
	key := otpAttemptsPrefix + adminID + ":" + purpose

	attempts, err := c.redis.Client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record OTP attempt: %w", err)
	}
	if attempts == 1 {
		c.redis.Client.Expire(ctx, key, ttl)
	}
	return attempts <= maxOTPAttempts, nil
}

// Invalidate removes the OTP after successful use or exhausted attempts.
func (c *OTPCache) Invalidate(ctx context.Context, adminID, purpose string) error {
	return c.redis.Del(ctx,
		otpKey(adminID, purpose),
		otpAttemptsPrefix+adminID+":"+purpose,
	)
}
