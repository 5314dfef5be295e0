package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/config"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/hashing"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
	redisrepo "github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/repository/redis"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
)

var (
	ErrOTPNotFound  = errors.New("no outstanding OTP for this action")
	ErrOTPExpired   = errors.New("OTP has expired")
	ErrOTPMismatch  = errors.New("OTP does not match")
	ErrOTPExhausted = errors.New("too many failed OTP attempts")
)

const otpDigits = 6

// OTP purposes. A code minted for one purpose never verifies another.
const (
	PurposeAcceptSession     = "accept_session"
	PurposeDeleteBankAccount = "delete_bank_account"
)

// OTPService issues and verifies the one-time codes guarding destructive
// admin actions (accepting a session, deleting bank accounts). Codes live in
// Redis as argon2 hashes and burn on use.
type OTPService struct {
	cache  *redisrepo.OTPCache
	hasher *hashing.Hasher
	ttl    time.Duration
	logger *zap.Logger
}

func NewOTPService(cache *redisrepo.OTPCache, hasher *hashing.Hasher, cfg *config.Config) *OTPService {
	return &OTPService{
		cache:  cache,
		hasher: hasher,
		ttl:    cfg.KYC.OTPTTL,
		logger: util.Get(),
	}
}

// Issue mints a new code for one admin and purpose, replacing any
// outstanding one. The plaintext code is returned exactly once, for delivery.
func (s *OTPService) Issue(ctx context.Context, adminID, purpose string) (string, error) {
	if adminID == "" || purpose == "" {
		return "", fmt.Errorf("admin_id and purpose are required")
	}

	code, err := generateCode(otpDigits)
	if err != nil {
		return "", fmt.Errorf("failed to generate OTP: %w", err)
	}

	hashed, err := s.hasher.HashAdminOTP(code)
	if err != nil {
		return "", fmt.Errorf("failed to hash OTP: %w", err)
	}

	now := time.Now().UTC()
	otp := &model.AdminOTP{
		AdminID:       adminID,
		Purpose:       purpose,
		Hash:          hashed.Hash,
		Salt:          hashed.Salt,
		PepperVersion: hashed.PepperVersion,
		Algorithm:     hashed.Algorithm,
		ExpiresAt:     now.Add(s.ttl),
		CreatedAt:     now,
	}

	if err := s.cache.Store(ctx, otp, s.ttl); err != nil {
		return "", err
	}

	s.logger.Info("Admin OTP issued",
		zap.String("admin_id", adminID),
		zap.String("purpose", purpose),
	)
	return code, nil
}

// Verify checks a submitted code. A correct code is consumed; a wrong one
// burns an attempt, and exhausting the budget invalidates the OTP.
func (s *OTPService) Verify(ctx context.Context, adminID, purpose, code string) error {
	otp, err := s.cache.Get(ctx, adminID, purpose)
	if err != nil {
		return err
	}
	if otp == nil {
		return ErrOTPNotFound
	}
	if time.Now().After(otp.ExpiresAt) {
		_ = s.cache.Invalidate(ctx, adminID, purpose)
		return ErrOTPExpired
	}

	withinBudget, err := s.cache.RecordAttempt(ctx, adminID, purpose, s.ttl)
	if err != nil {
		return err
	}
	if !withinBudget {
		_ = s.cache.Invalidate(ctx, adminID, purpose)
		s.logger.Warn("Admin OTP attempt budget exhausted",
			zap.String("admin_id", adminID),
			zap.String("purpose", purpose),
		)
		return ErrOTPExhausted
	}

	match, err := s.hasher.VerifyAdminOTP(code, &hashing.HashResult{
		Hash:          otp.Hash,
		Salt:          otp.Salt,
		PepperVersion: otp.PepperVersion,
		Algorithm:     otp.Algorithm,
	})
	if err != nil {
		return err
	}
	if !match {
		return ErrOTPMismatch
	}

	if err := s.cache.Invalidate(ctx, adminID, purpose); err != nil {
		s.logger.Warn("Failed to invalidate used OTP",
			zap.String("admin_id", adminID),
			zap.Error(err),
		)
	}
	return nil
}

func generateCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
