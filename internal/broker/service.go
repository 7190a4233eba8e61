// Package broker manages the lifecycle of linked brokerage accounts:
// creation with an upfront connection test, credential rotation, and removal.
// Credential material enters through this package, is sealed by the vault and
// never leaves it again through any read path.
package broker

import (
	"context"
	"errors"
	"fmt"

	"trade-ledger-go/internal/connector"
	"trade-ledger-go/internal/models"
	"trade-ledger-go/internal/vault"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound means the account does not exist or belongs to another user.
	ErrNotFound = errors.New("broker account not found")
	// ErrInvalidInput means a required field is missing or malformed.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConnectionTest means the broker rejected the supplied credentials or
	// could not be reached during the pre-save connection test.
	ErrConnectionTest = errors.New("broker connection test failed")
)

// Service implements broker account operations. All operations are scoped to
// the requesting user; an account owned by someone else behaves as missing.
type Service struct {
	db        *gorm.DB
	vault     *vault.Vault
	connector connector.Connector
	logger    *zap.Logger

	// strict makes a failed connection test abort account creation and
	// rotation. Outside production the failure degrades to a warning so
	// accounts can be linked against brokers that are offline in development.
	strict bool
}

// NewService creates the broker account service.
func NewService(db *gorm.DB, v *vault.Vault, conn connector.Connector, strict bool, logger *zap.Logger) *Service {
	return &Service{
		db:        db,
		vault:     v,
		connector: conn,
		logger:    logger,
		strict:    strict,
	}
}

// CreateInput carries everything needed to link a new brokerage account.
type CreateInput struct {
	BrokerType    models.BrokerType
	AccountNumber string
	DisplayName   string
	Credentials   connector.Credentials
}

func (in CreateInput) validate() error {
	switch in.BrokerType {
	case models.BrokerMT5, models.BrokerMT4, models.BrokerIBKR:
	default:
		return fmt.Errorf("%w: unsupported broker type %q", ErrInvalidInput, in.BrokerType)
	}
	if in.AccountNumber == "" {
		return fmt.Errorf("%w: account number is required", ErrInvalidInput)
	}
	if in.Credentials == (connector.Credentials{}) {
		return fmt.Errorf("%w: credentials are required", ErrInvalidInput)
	}
	return nil
}

// Create links a new brokerage account for the user. The credentials are
// verified against the broker first, then encrypted and stored.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*models.BrokerAccount, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	if err := s.testCredentials(ctx, in.BrokerType, in.Credentials); err != nil {
		return nil, err
	}

	blob, err := s.seal(in.Credentials)
	if err != nil {
		return nil, err
	}

	account := models.BrokerAccount{
		UserID:               userID,
		BrokerType:           in.BrokerType,
		AccountNumber:        in.AccountNumber,
		DisplayName:          in.DisplayName,
		EncryptedCredentials: blob,
		IsActive:             true,
	}
	if err := s.db.Create(&account).Error; err != nil {
		return nil, fmt.Errorf("create broker account: %w", err)
	}

	s.logger.Info("Broker account linked",
		zap.String("broker_account_id", account.ID),
		zap.String("broker_type", string(account.BrokerType)))
	return &account, nil
}

// List returns the user's accounts, newest first. Credential blobs stay out
// of the result's serialized form.
func (s *Service) List(userID string) ([]models.BrokerAccount, error) {
	var accounts []models.BrokerAccount
	err := s.db.
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("list broker accounts: %w", err)
	}
	return accounts, nil
}

// Get returns one account owned by the user.
func (s *Service) Get(userID, id string) (*models.BrokerAccount, error) {
	var account models.BrokerAccount
	err := s.db.
		Where("id = ? AND user_id = ?", id, userID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load broker account: %w", err)
	}
	return &account, nil
}

// UpdateInput carries the mutable non-credential fields of an account.
type UpdateInput struct {
	DisplayName *string
	IsActive    *bool
}

// Update changes an account's display name or active flag.
func (s *Service) Update(userID, id string, in UpdateInput) (*models.BrokerAccount, error) {
	account, err := s.Get(userID, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if in.DisplayName != nil {
		updates["display_name"] = *in.DisplayName
	}
	if in.IsActive != nil {
		updates["is_active"] = *in.IsActive
	}
	if len(updates) == 0 {
		return account, nil
	}

	if err := s.db.Model(account).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update broker account: %w", err)
	}
	return account, nil
}

// RotateCredentials replaces the stored credentials after verifying the new
// ones against the broker.
func (s *Service) RotateCredentials(ctx context.Context, userID, id string, creds connector.Credentials) error {
	account, err := s.Get(userID, id)
	if err != nil {
		return err
	}
	if creds == (connector.Credentials{}) {
		return fmt.Errorf("%w: credentials are required", ErrInvalidInput)
	}

	if err := s.testCredentials(ctx, account.BrokerType, creds); err != nil {
		return err
	}

	blob, err := s.seal(creds)
	if err != nil {
		return err
	}
	err = s.db.Model(account).Update("encrypted_credentials", blob).Error
	if err != nil {
		return fmt.Errorf("rotate credentials: %w", err)
	}

	s.logger.Info("Broker account credentials rotated", zap.String("broker_account_id", account.ID))
	return nil
}

// Delete removes an account and everything derived from it: imported trades
// and sync history go with it.
func (s *Service) Delete(userID, id string) error {
	account, err := s.Get(userID, id)
	if err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("broker_account_id = ?", account.ID).Delete(&models.Trade{}).Error; err != nil {
			return fmt.Errorf("delete trades: %w", err)
		}
		if err := tx.Where("broker_account_id = ?", account.ID).Delete(&models.SyncRun{}).Error; err != nil {
			return fmt.Errorf("delete sync runs: %w", err)
		}
		if err := tx.Delete(account).Error; err != nil {
			return fmt.Errorf("delete broker account: %w", err)
		}
		s.logger.Info("Broker account deleted", zap.String("broker_account_id", account.ID))
		return nil
	})
}

// TestConnection re-verifies the stored credentials against the broker.
func (s *Service) TestConnection(ctx context.Context, userID, id string) (bool, error) {
	account, err := s.Get(userID, id)
	if err != nil {
		return false, err
	}

	plaintext, err := s.vault.Decrypt(account.EncryptedCredentials)
	if err != nil {
		return false, fmt.Errorf("decrypt credentials: %w", err)
	}
	creds, err := connector.DecodeCredentials(plaintext)
	if err != nil {
		return false, err
	}

	return s.connector.TestConnection(ctx, account.BrokerType, creds)
}

// testCredentials runs the pre-save connection test, applying the strict
// policy on failure.
func (s *Service) testCredentials(ctx context.Context, brokerType models.BrokerType, creds connector.Credentials) error {
	ok, err := s.connector.TestConnection(ctx, brokerType, creds)
	if err == nil && ok {
		return nil
	}
	if err == nil {
		err = errors.New("broker rejected the credentials")
	}

	if s.strict {
		return fmt.Errorf("%w: %v", ErrConnectionTest, err)
	}
	s.logger.Warn("Connection test failed; accepting credentials anyway outside production",
		zap.String("broker_type", string(brokerType)),
		zap.Error(err))
	return nil
}

func (s *Service) seal(creds connector.Credentials) (string, error) {
	plaintext, err := creds.Encode()
	if err != nil {
		return "", err
	}
	blob, err := s.vault.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt credentials: %w", err)
	}
	return blob, nil
}
