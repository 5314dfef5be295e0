package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/repository/scylla"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
)

var (
	ErrBankAccountNotFound = errors.New("bank account not found")
	ErrInvalidSetting      = errors.New("invalid setting")
)

// SettingsService manages back-office configuration: disbursement bank
// accounts, company identity, notification preferences and scoped settings.
type SettingsService struct {
	repo   *scylla.BackofficeRepository
	logger *zap.Logger
}

func NewSettingsService(repo *scylla.BackofficeRepository) *SettingsService {
	return &SettingsService{
		repo:   repo,
		logger: util.Get(),
	}
}

// -------------------- BANK ACCOUNTS --------------------

func (s *SettingsService) CreateBankAccount(ctx context.Context, account *model.BankAccount) (*model.BankAccount, error) {
	if strings.TrimSpace(account.BankName) == "" || strings.TrimSpace(account.AccountNumber) == "" {
		return nil, fmt.Errorf("%w: bank name and account number are required", ErrInvalidSetting)
	}
	account.AccountID = uuid.New().String()

	if err := s.repo.UpsertBankAccount(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("Bank account created",
		zap.String("account_id", account.AccountID),
		zap.String("bank_name", account.BankName),
	)
	return account, nil
}

func (s *SettingsService) UpdateBankAccount(ctx context.Context, account *model.BankAccount) (*model.BankAccount, error) {
	existing, err := s.repo.GetBankAccount(ctx, account.AccountID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrBankAccountNotFound
	}

	account.CreatedAt = existing.CreatedAt
	if err := s.repo.UpsertBankAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *SettingsService) ListBankAccounts(ctx context.Context) ([]*model.BankAccount, error) {
	return s.repo.ListBankAccounts(ctx)
}

func (s *SettingsService) DeleteBankAccount(ctx context.Context, accountID string) error {
	existing, err := s.repo.GetBankAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrBankAccountNotFound
	}
	return s.repo.DeleteBankAccount(ctx, accountID)
}

// -------------------- COMPANY --------------------

func (s *SettingsService) GetCompanySettings(ctx context.Context) (*model.CompanySettings, error) {
	settings, err := s.repo.GetCompanySettings(ctx)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return &model.CompanySettings{}, nil
	}
	return settings, nil
}

func (s *SettingsService) SaveCompanySettings(ctx context.Context, settings *model.CompanySettings) error {
	if strings.TrimSpace(settings.Name) == "" {
		return fmt.Errorf("%w: company name is required", ErrInvalidSetting)
	}
	return s.repo.SaveCompanySettings(ctx, settings)
}

// -------------------- NOTIFICATIONS --------------------

func (s *SettingsService) GetNotificationSettings(ctx context.Context) (*model.NotificationSettings, error) {
	settings, err := s.repo.GetNotificationSettings(ctx)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return &model.NotificationSettings{EmailEnabled: true}, nil
	}
	return settings, nil
}

func (s *SettingsService) SaveNotificationSettings(ctx context.Context, settings *model.NotificationSettings) error {
	for _, email := range settings.RecipientEmails {
		if !strings.Contains(email, "@") {
			return fmt.Errorf("%w: invalid recipient email %q", ErrInvalidSetting, email)
		}
	}
	return s.repo.SaveNotificationSettings(ctx, settings)
}

// -------------------- SCOPED SETTINGS --------------------

func (s *SettingsService) UpsertSetting(ctx context.Context, setting *model.BackofficeSetting) error {
	setting.Scope = strings.TrimSpace(setting.Scope)
	setting.Key = strings.TrimSpace(setting.Key)
	if setting.Scope == "" || setting.Key == "" {
		return fmt.Errorf("%w: scope and key are required", ErrInvalidSetting)
	}
	return s.repo.UpsertSetting(ctx, setting)
}

func (s *SettingsService) GetSetting(ctx context.Context, scope, key string) (*model.BackofficeSetting, error) {
	return s.repo.GetSetting(ctx, scope, key)
}

func (s *SettingsService) ListSettings(ctx context.Context, scope string) ([]*model.BackofficeSetting, error) {
	return s.repo.ListSettings(ctx, scope)
}
