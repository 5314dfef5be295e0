package scylla

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
)

// Singleton settings rows share one partition key each.
const (
	companySettingsKey      = "company"
	notificationSettingsKey = "notifications"
)

// BackofficeRepository persists dashboard configuration: disbursement bank
// accounts, company identity, notification preferences and scoped settings.
// Low-volume tables, queried ad hoc rather than through prepared statements.
type BackofficeRepository struct {
	client *ScyllaClient
	logger *zap.Logger
}

func NewBackofficeRepository(client *ScyllaClient) *BackofficeRepository {
	return &BackofficeRepository{
		client: client,
		logger: util.Get(),
	}
}

// -------------------- BANK ACCOUNTS --------------------

func (r *BackofficeRepository) UpsertBankAccount(ctx context.Context, account *model.BankAccount) error {
	if account.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}

	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	err := r.client.Query(`
		INSERT INTO bank_accounts (account_id, bank_name, account_number, account_holder, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		account.AccountID, account.BankName, account.AccountNumber,
		account.AccountHolder, account.IsDefault,
		account.CreatedAt, account.UpdatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to upsert bank account %s: %w", account.AccountID, err)
	}

	// Only one account may be the default.
	if account.IsDefault {
		if err := r.clearOtherDefaults(ctx, account.AccountID); err != nil {
			r.logger.Warn("Failed to clear previous default bank account", zap.Error(err))
		}
	}
	return nil
}

func (r *BackofficeRepository) clearOtherDefaults(ctx context.Context, keepAccountID string) error {
	accounts, err := r.ListBankAccounts(ctx)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if account.AccountID == keepAccountID || !account.IsDefault {
			continue
		}
		err := r.client.Query(`
			UPDATE bank_accounts SET is_default = ?, updated_at = ? WHERE account_id = ?`,
			false, time.Now().UTC(), account.AccountID,
		).WithContext(ctx).Exec()
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *BackofficeRepository) GetBankAccount(ctx context.Context, accountID string) (*model.BankAccount, error) {
	var account model.BankAccount
	err := r.client.Query(`
		SELECT account_id, bank_name, account_number, account_holder, is_default, created_at, updated_at
		FROM bank_accounts WHERE account_id = ?`, accountID,
	).WithContext(ctx).Scan(
		&account.AccountID, &account.BankName, &account.AccountNumber,
		&account.AccountHolder, &account.IsDefault,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bank account %s: %w", accountID, err)
	}
	return &account, nil
}

func (r *BackofficeRepository) ListBankAccounts(ctx context.Context) ([]*model.BankAccount, error) {
	iter := r.client.Query(`
		SELECT account_id, bank_name, account_number, account_holder, is_default, created_at, updated_at
		FROM bank_accounts`,
	).WithContext(ctx).Iter()

	var accounts []*model.BankAccount
	for {
		var account model.BankAccount
		if !iter.Scan(
			&account.AccountID, &account.BankName, &account.AccountNumber,
			&account.AccountHolder, &account.IsDefault,
			&account.CreatedAt, &account.UpdatedAt,
		) {
			break
		}
		accounts = append(accounts, &account)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list bank accounts: %w", err)
	}

	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].IsDefault != accounts[j].IsDefault {
			return accounts[i].IsDefault
		}
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
	return accounts, nil
}

func (r *BackofficeRepository) DeleteBankAccount(ctx context.Context, accountID string) error {
	err := r.client.Query(`DELETE FROM bank_accounts WHERE account_id = ?`, accountID).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to delete bank account %s: %w", accountID, err)
	}
	return nil
}

// -------------------- COMPANY SETTINGS --------------------

func (r *BackofficeRepository) GetCompanySettings(ctx context.Context) (*model.CompanySettings, error) {
	var settings model.CompanySettings
	err := r.client.Query(`
		SELECT name, registration_number, address, email, phone, logo_url, updated_at
		FROM company_settings WHERE settings_key = ?`, companySettingsKey,
	).WithContext(ctx).Scan(
		&settings.Name, &settings.RegistrationNumber, &settings.Address,
		&settings.Email, &settings.Phone, &settings.LogoURL, &settings.UpdatedAt,
	)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get company settings: %w", err)
	}
	return &settings, nil
}

func (r *BackofficeRepository) SaveCompanySettings(ctx context.Context, settings *model.CompanySettings) error {
	settings.UpdatedAt = time.Now().UTC()

	err := r.client.Query(`
		INSERT INTO company_settings (settings_key, name, registration_number, address, email, phone, logo_url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		companySettingsKey,
		settings.Name, settings.RegistrationNumber, settings.Address,
		settings.Email, settings.Phone, settings.LogoURL, settings.UpdatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to save company settings: %w", err)
	}
	return nil
}

// -------------------- NOTIFICATION SETTINGS --------------------

func (r *BackofficeRepository) GetNotificationSettings(ctx context.Context) (*model.NotificationSettings, error) {
	var settings model.NotificationSettings
	err := r.client.Query(`
		SELECT email_enabled, sms_enabled, webhook_alerts, recipient_emails, updated_at
		FROM notification_settings WHERE settings_key = ?`, notificationSettingsKey,
	).WithContext(ctx).Scan(
		&settings.EmailEnabled, &settings.SMSEnabled, &settings.WebhookAlerts,
		&settings.RecipientEmails, &settings.UpdatedAt,
	)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification settings: %w", err)
	}
	return &settings, nil
}

func (r *BackofficeRepository) SaveNotificationSettings(ctx context.Context, settings *model.NotificationSettings) error {
	settings.UpdatedAt = time.Now().UTC()

	err := r.client.Query(`
		INSERT INTO notification_settings (settings_key, email_enabled, sms_enabled, webhook_alerts, recipient_emails, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		notificationSettingsKey,
		settings.EmailEnabled, settings.SMSEnabled, settings.WebhookAlerts,
		settings.RecipientEmails, settings.UpdatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to save notification settings: %w", err)
	}
	return nil
}

// -------------------- SCOPED SETTINGS --------------------

func (r *BackofficeRepository) UpsertSetting(ctx context.Context, setting *model.BackofficeSetting) error {
	if setting.Scope == "" || setting.Key == "" {
		return fmt.Errorf("scope and key are required")
	}
	setting.UpdatedAt = time.Now().UTC()

	err := r.client.Query(`
		INSERT INTO backoffice_settings (scope, setting_key, setting_value, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		setting.Scope, setting.Key, setting.Value, setting.UpdatedBy, setting.UpdatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to upsert setting %s/%s: %w", setting.Scope, setting.Key, err)
	}
	return nil
}

func (r *BackofficeRepository) GetSetting(ctx context.Context, scope, key string) (*model.BackofficeSetting, error) {
	var setting model.BackofficeSetting
	err := r.client.Query(`
		SELECT scope, setting_key, setting_value, updated_by, updated_at
		FROM backoffice_settings WHERE scope = ? AND setting_key = ?`, scope, key,
	).WithContext(ctx).Scan(
		&setting.Scope, &setting.Key, &setting.Value,
		&setting.UpdatedBy, &setting.UpdatedAt,
	)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s/%s: %w", scope, key, err)
	}
	return &setting, nil
}

func (r *BackofficeRepository) ListSettings(ctx context.Context, scope string) ([]*model.BackofficeSetting, error) {
	iter := r.client.Query(`
		SELECT scope, setting_key, setting_value, updated_by, updated_at
		FROM backoffice_settings WHERE scope = ?`, scope,
	).WithContext(ctx).Iter()

	var settings []*model.BackofficeSetting
	for {
		var setting model.BackofficeSetting
		if !iter.Scan(
			&setting.Scope, &setting.Key, &setting.Value,
			&setting.UpdatedBy, &setting.UpdatedAt,
		) {
			break
		}
		settings = append(settings, &setting)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list settings for scope %s: %w", scope, err)
	}
	return settings, nil
}
